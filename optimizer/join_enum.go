package optimizer

// maxDPccpRelations bounds the relation count the optimizer will run full
// join enumeration over; a join chain wider than this falls back to the
// original left-deep shape, trading optimality for a join enumeration pass
// that completes in bounded time.
const maxDPccpRelations = 16

// joinEdge records an equality condition linking two base relations
// somewhere within a flattened join chain.
type joinEdge struct {
	a, b      int // relation indices
	condition string
	kind      JoinKind
}

// enumerateJoins finds every maximal chain of Inner/Cross joins in the tree
// and replaces each with the minimum-cost join order found by dynamic
// programming over connected subsets of its relations — the classic
// approach to bottom-up join ordering, restricted here to pairs connected
// by a known edge so the search does not wander into cross products it
// doesn't need.
func (o *Optimizer) enumerateJoins(n *PlanNode) *PlanNode {
	if n == nil {
		return nil
	}
	if isEnumerableJoin(n) {
		relations, edges := flattenJoinChain(n, nil, nil)
		if len(relations) >= 2 {
			for i, r := range relations {
				relations[i] = o.enumerateJoins(r)
			}
			if o.cfg.JoinStrategy == LeftDeep || len(relations) > maxDPccpRelations {
				return leftDeepJoined(relations, edges)
			}
			return o.dpccp(relations, edges)
		}
	}

	n.Left = o.enumerateJoins(n.Left)
	n.Right = o.enumerateJoins(n.Right)
	n.Input = o.enumerateJoins(n.Input)
	return n
}

func isEnumerableJoin(n *PlanNode) bool {
	return n.Kind == JoinKind_ && (n.JoinKind == InnerJoin || n.JoinKind == CrossJoin)
}

// flattenJoinChain walks a maximal Inner/Cross join subtree, collecting its
// leaf relations in left-to-right order and the pairwise edges implied by
// each join node's condition.
func flattenJoinChain(n *PlanNode, relations []*PlanNode, edges []joinEdge) ([]*PlanNode, []joinEdge) {
	if !isEnumerableJoin(n) {
		relations = append(relations, n)
		return relations, edges
	}

	leftStart := len(relations)
	relations, edges = flattenJoinChain(n.Left, relations, edges)
	leftEnd := len(relations)

	rightStart := len(relations)
	relations, edges = flattenJoinChain(n.Right, relations, edges)
	rightEnd := len(relations)

	for _, raw := range splitEqualityConjuncts(n.Condition) {
		left, right := parseEqualityKeys(raw)
		if left == "" || right == "" {
			continue
		}
		leftTable, _ := splitQualified(left)
		rightTable, _ := splitQualified(right)
		ai := findRelationByTable(relations, leftStart, leftEnd, leftTable)
		bi := findRelationByTable(relations, rightStart, rightEnd, rightTable)
		if ai < 0 {
			ai = findRelationByTable(relations, rightStart, rightEnd, leftTable)
			bi = findRelationByTable(relations, leftStart, leftEnd, rightTable)
		}
		if ai >= 0 && bi >= 0 {
			edges = append(edges, joinEdge{a: ai, b: bi, condition: raw, kind: n.JoinKind})
		}
	}
	return relations, edges
}

func splitEqualityConjuncts(cond string) []string {
	var out []string
	depth := 0
	start := 0
	upper := []rune(cond)
	for i := 0; i < len(upper); i++ {
		if upper[i] == '(' {
			depth++
		}
		if upper[i] == ')' {
			depth--
		}
		if depth == 0 && i+5 <= len(upper) && string(upper[i:i+5]) == " AND " {
			out = append(out, string(upper[start:i]))
			start = i + 5
			i += 4
		}
	}
	out = append(out, string(upper[start:]))
	return out
}

func findRelationByTable(relations []*PlanNode, from, to int, table string) int {
	if table == "" {
		return -1
	}
	for i := from; i < to; i++ {
		if scan := findScanForTable(relations[i], table); scan != nil {
			return i
		}
	}
	return -1
}

// dpccp computes the minimum-cost bushy join tree over relations connected
// by edges, using submask dynamic programming: bestPlan[mask] holds the
// cheapest plan joining exactly the relations named by mask's set bits.
func (o *Optimizer) dpccp(relations []*PlanNode, edges []joinEdge) *PlanNode {
	n := len(relations)
	full := (uint32(1) << uint(n)) - 1

	bestPlan := make(map[uint32]*PlanNode, 1<<uint(n))
	bestCost := make(map[uint32]float64, 1<<uint(n))

	for i, r := range relations {
		mask := uint32(1) << uint(i)
		bestPlan[mask] = r
		bestCost[mask] = o.EstimateCost(r)
	}

	for mask := uint32(1); mask <= full; mask++ {
		if popcount(mask) < 2 {
			continue
		}
		lsb := mask & (^mask + 1)
		bestFound := false
		var bestC float64
		var bestP *PlanNode

		for sub1 := (mask - 1) & mask; sub1 > 0; sub1 = (sub1 - 1) & mask {
			if sub1&lsb == 0 {
				continue
			}
			sub2 := mask &^ sub1
			if sub2 == 0 {
				continue
			}
			p1, ok1 := bestPlan[sub1]
			p2, ok2 := bestPlan[sub2]
			if !ok1 || !ok2 {
				continue
			}
			kind, cond, connected := bestEdgeBetween(edges, sub1, sub2)
			if !connected {
				continue
			}
			candidate := NewJoin(kind, p1, p2, cond)
			cost := o.EstimateCost(candidate)
			if !bestFound || cost < bestC {
				bestFound = true
				bestC = cost
				bestP = candidate
			}
		}

		if !bestFound {
			// No connected split: fall back to the cheapest cross product
			// split so every subset still has a plan.
			for sub1 := (mask - 1) & mask; sub1 > 0; sub1 = (sub1 - 1) & mask {
				if sub1&lsb == 0 {
					continue
				}
				sub2 := mask &^ sub1
				if sub2 == 0 {
					continue
				}
				p1, ok1 := bestPlan[sub1]
				p2, ok2 := bestPlan[sub2]
				if !ok1 || !ok2 {
					continue
				}
				candidate := NewJoin(CrossJoin, p1, p2, "")
				cost := o.EstimateCost(candidate)
				if !bestFound || cost < bestC {
					bestFound = true
					bestC = cost
					bestP = candidate
				}
			}
		}

		if bestFound {
			bestPlan[mask] = bestP
			bestCost[mask] = bestC
		}
	}

	if p, ok := bestPlan[full]; ok {
		return p
	}
	// Degenerate: no plan assembled (shouldn't happen with n>=2), fall back
	// to a left-deep cross join chain over the original relation order.
	return leftDeepFallback(relations)
}

func bestEdgeBetween(edges []joinEdge, sub1, sub2 uint32) (JoinKind, string, bool) {
	for _, e := range edges {
		ma := uint32(1) << uint(e.a)
		mb := uint32(1) << uint(e.b)
		if (ma&sub1 != 0 && mb&sub2 != 0) || (ma&sub2 != 0 && mb&sub1 != 0) {
			return e.kind, e.condition, true
		}
	}
	return InnerJoin, "", false
}

func popcount(x uint32) int {
	count := 0
	for x > 0 {
		count += int(x & 1)
		x >>= 1
	}
	return count
}

func leftDeepFallback(relations []*PlanNode) *PlanNode {
	cur := relations[0]
	for _, r := range relations[1:] {
		cur = NewJoin(CrossJoin, cur, r, "")
	}
	return cur
}

// leftDeepJoined builds a left-deep join tree in the relations' original
// order, using whatever edge connects the next relation to the accumulated
// set when one exists and falling back to a cross join otherwise. Used by
// the LeftDeep join strategy, which skips DPccp's subset enumeration
// entirely in exchange for a plan that costs nothing beyond assembling the
// chain.
func leftDeepJoined(relations []*PlanNode, edges []joinEdge) *PlanNode {
	built := uint32(1)
	cur := relations[0]
	for i := 1; i < len(relations); i++ {
		next := uint32(1) << uint(i)
		kind, cond, connected := bestEdgeBetween(edges, built, next)
		if !connected {
			kind, cond = CrossJoin, ""
		}
		cur = NewJoin(kind, cur, relations[i], cond)
		built |= next
	}
	return cur
}
