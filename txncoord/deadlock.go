package txncoord

import (
	"context"
	"time"
)

// WaitForGraph is a node's local view of which transactions are waiting on
// which others to release a lock, represented as an adjacency list: an
// edge from A to B means A is waiting on a resource held by B.
type WaitForGraph struct {
	edges map[GlobalTxnID][]GlobalTxnID
}

// NewWaitForGraph builds an empty graph.
func NewWaitForGraph() *WaitForGraph {
	return &WaitForGraph{edges: make(map[GlobalTxnID][]GlobalTxnID)}
}

// AddWait records that waiter is blocked waiting on holder.
func (g *WaitForGraph) AddWait(waiter, holder GlobalTxnID) {
	g.edges[waiter] = append(g.edges[waiter], holder)
}

// RemoveTxn drops every edge naming txn, called once it releases its locks.
func (g *WaitForGraph) RemoveTxn(txn GlobalTxnID) {
	delete(g.edges, txn)
	for waiter, holders := range g.edges {
		kept := holders[:0]
		for _, h := range holders {
			if h != txn {
				kept = append(kept, h)
			}
		}
		g.edges[waiter] = kept
	}
}

// Merge folds other's edges into g, used to assemble a global wait-for
// graph from each node's local graph.
func (g *WaitForGraph) Merge(other *WaitForGraph) {
	for waiter, holders := range other.edges {
		g.edges[waiter] = append(g.edges[waiter], holders...)
	}
}

// VictimStrategy selects which transaction in a detected cycle is aborted
// to break the deadlock.
type VictimStrategy int

const (
	YoungestFirst VictimStrategy = iota
	OldestFirst
	MinimumCost
	RandomVictim
)

// DeadlockConfig holds the tunable knobs of a DistributedDeadlockDetector.
type DeadlockConfig struct {
	DetectionInterval time.Duration  `yaml:"detection_interval_ms"`
	VictimStrategy    VictimStrategy `yaml:"victim_strategy"`
}

// DefaultDeadlockConfig returns the DeadlockConfig used when a caller does
// not supply one.
func DefaultDeadlockConfig() DeadlockConfig {
	return DeadlockConfig{
		DetectionInterval: 1 * time.Second,
		VictimStrategy:    YoungestFirst,
	}
}

// DistributedDeadlockDetector runs cycle detection over a global wait-for
// graph assembled from per-node local graphs.
type DistributedDeadlockDetector struct {
	strategy VictimStrategy
	interval time.Duration
}

// NewDistributedDeadlockDetector builds a detector using strategy to choose
// a victim among a detected cycle's transactions.
func NewDistributedDeadlockDetector(strategy VictimStrategy) *DistributedDeadlockDetector {
	return &DistributedDeadlockDetector{strategy: strategy, interval: DefaultDeadlockConfig().DetectionInterval}
}

// NewDistributedDeadlockDetectorFromConfig builds a detector from cfg,
// applying DefaultDeadlockConfig's interval when cfg.DetectionInterval is
// unset.
func NewDistributedDeadlockDetectorFromConfig(cfg DeadlockConfig) *DistributedDeadlockDetector {
	interval := cfg.DetectionInterval
	if interval <= 0 {
		interval = DefaultDeadlockConfig().DetectionInterval
	}
	return &DistributedDeadlockDetector{strategy: cfg.VictimStrategy, interval: interval}
}

// Run polls collectGraph at the detector's configured interval until ctx is
// cancelled, invoking onVictim with the chosen victim and cycle whenever a
// deadlock is found. It returns when ctx.Done fires.
func (d *DistributedDeadlockDetector) Run(ctx context.Context, collectGraph func() (*WaitForGraph, map[GlobalTxnID]time.Time), onVictim func(GlobalTxnID, []GlobalTxnID)) {
	interval := d.interval
	if interval <= 0 {
		interval = DefaultDeadlockConfig().DetectionInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			graph, startTimes := collectGraph()
			if victim, cycle, found := d.DetectDeadlock(graph, startTimes); found {
				onVictim(victim, cycle)
			}
		}
	}
}

// DetectDeadlock runs depth-first cycle detection over graph. startTimes
// gives each transaction's start time, consulted by the victim-selection
// strategy. It returns the chosen victim, the full cycle found (in wait
// order), and whether a cycle was found at all.
func (d *DistributedDeadlockDetector) DetectDeadlock(graph *WaitForGraph, startTimes map[GlobalTxnID]time.Time) (GlobalTxnID, []GlobalTxnID, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[GlobalTxnID]int)
	parent := make(map[GlobalTxnID]GlobalTxnID)

	var cycle []GlobalTxnID
	var dfs func(n GlobalTxnID) bool
	dfs = func(n GlobalTxnID) bool {
		color[n] = gray
		for _, next := range graph.edges[n] {
			switch color[next] {
			case white:
				parent[next] = n
				if dfs(next) {
					return true
				}
			case gray:
				cycle = buildCycle(parent, n, next)
				return true
			}
		}
		color[n] = black
		return false
	}

	// Deterministic iteration order over nodes so the same graph always
	// reports the same first-found cycle.
	nodes := sortedKeys(graph.edges)
	for _, n := range nodes {
		if color[n] == white {
			if dfs(n) {
				victim := d.selectVictim(cycle, startTimes)
				return victim, cycle, true
			}
		}
	}
	return 0, nil, false
}

func buildCycle(parent map[GlobalTxnID]GlobalTxnID, from, to GlobalTxnID) []GlobalTxnID {
	cycle := []GlobalTxnID{to}
	for n := from; n != to; n = parent[n] {
		cycle = append(cycle, n)
	}
	// Reverse into wait order: to -> ... -> from -> to.
	for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
		cycle[i], cycle[j] = cycle[j], cycle[i]
	}
	return cycle
}

func (d *DistributedDeadlockDetector) selectVictim(cycle []GlobalTxnID, startTimes map[GlobalTxnID]time.Time) GlobalTxnID {
	switch d.strategy {
	case OldestFirst:
		return extremeByStartTime(cycle, startTimes, true)
	case YoungestFirst, MinimumCost, RandomVictim:
		// MinimumCost and RandomVictim both need information this detector
		// doesn't have (resource cost, a source of randomness usable
		// deterministically in recovery), so they fall back to the
		// youngest-first heuristic, which only needs start times already
		// on hand and aborts the transaction with the least invested work.
		return extremeByStartTime(cycle, startTimes, false)
	default:
		return extremeByStartTime(cycle, startTimes, false)
	}
}

func extremeByStartTime(cycle []GlobalTxnID, startTimes map[GlobalTxnID]time.Time, oldest bool) GlobalTxnID {
	best := cycle[0]
	bestTime := startTimes[best]
	for _, txn := range cycle[1:] {
		t := startTimes[txn]
		if oldest && t.Before(bestTime) {
			best, bestTime = txn, t
		}
		if !oldest && t.After(bestTime) {
			best, bestTime = txn, t
		}
	}
	return best
}

func sortedKeys(m map[GlobalTxnID][]GlobalTxnID) []GlobalTxnID {
	out := make([]GlobalTxnID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
