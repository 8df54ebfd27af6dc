package optimizer

import (
	"container/list"
	"sync"

	"github.com/cespare/xxhash"
)

// memoEntry is one cached (plan, cost) pairing keyed by structural hash.
type memoEntry struct {
	key  uint64
	plan *PlanNode
	cost float64
}

// memoTable is a bounded LRU cache from a plan's structural hash to its
// optimized form and estimated cost, implementing §4.A step 10 / §5's memo
// table requirement. Eviction is plain least-recently-used; collisions on
// the 64-bit hash are accepted as a cache-design tradeoff, not treated as
// correctness bugs, since a false hit only costs a sub-optimal plan rather
// than a wrong result — SelectIndex and the caller still validate columns
// against the live catalog.
type memoTable struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	index    map[uint64]*list.Element
}

func newMemoTable(capacity int) *memoTable {
	if capacity <= 0 {
		capacity = 1024
	}
	return &memoTable{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[uint64]*list.Element),
	}
}

func structuralHash(n *PlanNode) uint64 {
	return xxhash.Sum64String(n.canonicalKey())
}

func (m *memoTable) get(key uint64) (*memoEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.index[key]
	if !ok {
		return nil, false
	}
	m.ll.MoveToFront(el)
	return el.Value.(*memoEntry), true
}

func (m *memoTable) put(key uint64, plan *PlanNode, cost float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.index[key]; ok {
		el.Value.(*memoEntry).plan = plan
		el.Value.(*memoEntry).cost = cost
		m.ll.MoveToFront(el)
		return
	}
	entry := &memoEntry{key: key, plan: plan, cost: cost}
	el := m.ll.PushFront(entry)
	m.index[key] = el
	if m.ll.Len() > m.capacity {
		back := m.ll.Back()
		if back != nil {
			m.ll.Remove(back)
			delete(m.index, back.Value.(*memoEntry).key)
		}
	}
}

func (m *memoTable) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ll.Len()
}
