package spatial

// HilbertOrder returns the side length 2^order of the Hilbert curve grid at
// the given order, the unit cell count bulk-loading and locality sorting
// are quantized to.
func HilbertOrder(order uint) uint64 {
	return uint64(1) << order
}

// HilbertDistance maps a grid coordinate (x, y), each in [0, 2^order), to
// its position along the order-k Hilbert space-filling curve. Coordinates
// outside that range are wrapped by the caller's choice of quantization,
// not by this function.
func HilbertDistance(order uint, x, y uint64) uint64 {
	var rx, ry uint64
	var d uint64
	n := HilbertOrder(order)
	for s := n / 2; s > 0; s /= 2 {
		if x&s > 0 {
			rx = 1
		} else {
			rx = 0
		}
		if y&s > 0 {
			ry = 1
		} else {
			ry = 0
		}
		d += s * s * ((3 * rx) ^ ry)
		x, y = hilbertRotate(s, x, y, rx, ry)
	}
	return d
}

// HilbertPoint is the inverse of HilbertDistance: given a position d along
// the order-k curve, it returns the corresponding (x, y) grid coordinate.
func HilbertPoint(order uint, d uint64) (x, y uint64) {
	var rx, ry uint64
	t := d
	n := HilbertOrder(order)
	for s := uint64(1); s < n; s *= 2 {
		rx = 1 & (t / 2)
		ry = 1 & (t ^ rx)
		x, y = hilbertRotate(s, x, y, rx, ry)
		x += s * rx
		y += s * ry
		t /= 4
	}
	return x, y
}

func hilbertRotate(s, x, y, rx, ry uint64) (uint64, uint64) {
	if ry == 0 {
		if rx == 1 {
			x = s - 1 - x
			y = s - 1 - y
		}
		x, y = y, x
	}
	return x, y
}

// QuantizeToGrid maps a real-valued coordinate within [min, max) to a grid
// index in [0, 2^order), used to feed HilbertDistance from floating-point
// geometry coordinates.
func QuantizeToGrid(order uint, v, min, max float64) uint64 {
	if max <= min {
		return 0
	}
	n := float64(HilbertOrder(order))
	frac := (v - min) / (max - min)
	if frac < 0 {
		frac = 0
	}
	if frac >= 1 {
		frac = 1 - 1.0/n
	}
	return uint64(frac * n)
}
