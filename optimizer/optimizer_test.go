package optimizer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coredbio/coredb/permission"
)

func ordersStats() *TableStats {
	s := NewTableStats(1_000_000, 10_000)
	s.Columns["status"] = &ColumnStats{
		NumDistinct: 5,
		Histogram: NewHistogram([]HistogramBucket{
			{LowerBound: 0, UpperBound: 1, Count: 900_000, NumDistinct: 1},
			{LowerBound: 1, UpperBound: 5, Count: 100_000, NumDistinct: 4},
		}, EquiWidth),
	}
	s.Columns["customer_id"] = &ColumnStats{NumDistinct: 50_000}
	s.Indexes["idx_status"] = &IndexStats{Name: "idx_status", Columns: []string{"status"}, Height: 3, LeafPages: 500, PageCount: 600}
	return s
}

func customersStats() *TableStats {
	s := NewTableStats(50_000, 500)
	s.Columns["id"] = &ColumnStats{NumDistinct: 50_000}
	return s
}

func newTestOptimizer() *Optimizer {
	cat := NewCatalog()
	cat.UpdateStatistics("orders", ordersStats())
	cat.UpdateStatistics("customers", customersStats())
	return New(DefaultConfig(), cat)
}

func TestEstimateCardinalityTableScan(t *testing.T) {
	o := newTestOptimizer()
	scan := NewTableScan("orders", []string{"id", "status"})
	require.Equal(t, 1_000_000.0, o.EstimateCardinality(scan))
}

func TestEstimateCardinalityUnknownTableDefaults(t *testing.T) {
	o := newTestOptimizer()
	scan := NewTableScan("unknown_table", nil)
	require.Equal(t, 1000.0, o.EstimateCardinality(scan))
}

func TestFilterSelectivityUsesHistogram(t *testing.T) {
	o := newTestOptimizer()
	scan := NewTableScan("orders", []string{"status"})
	filter := NewFilter(scan, "status = 0")
	card := o.EstimateCardinality(filter)
	require.Less(t, card, 1_000_000.0)
	require.Greater(t, card, 0.0)
}

// TestPredicatePushdownBelowJoin verifies scenario S1: a filter on one side
// of a join is pushed below the join rather than applied after it.
func TestPredicatePushdownBelowJoin(t *testing.T) {
	o := newTestOptimizer()
	scan := NewJoin(InnerJoin,
		NewTableScan("orders", []string{"id", "customer_id", "status"}),
		NewTableScan("customers", []string{"id"}),
		"orders.customer_id = customers.id",
	)
	plan := NewFilter(scan, "orders.status = 0")

	pushed := o.pushdownPredicates(plan.Clone(), nil)

	require.Equal(t, JoinKind_, pushed.Kind)
	require.Equal(t, FilterKind, pushed.Left.Kind)
	require.Equal(t, "orders.status = 0", pushed.Left.Predicate)
}

// TestJointHistogramOverridesIndependenceAssumption verifies that a
// registered joint histogram, not the independence assumption, drives join
// selectivity once one is registered for the join's equality columns.
func TestJointHistogramOverridesIndependenceAssumption(t *testing.T) {
	o := newTestOptimizer()
	join := NewJoin(InnerJoin,
		NewTableScan("orders", []string{"id", "customer_id"}),
		NewTableScan("customers", []string{"id"}),
		"orders.customer_id = customers.id",
	)

	independenceCard := o.EstimateCardinality(join)

	o.catalog.RegisterJointHistogram("customer_id", "id", &JointHistogram{
		ColA:       "customer_id",
		ColB:       "id",
		TotalCount: 1000,
		Buckets: []JointBucket{
			{LowA: 0, HighA: 50_000, LowB: 0, HighB: 50_000, Count: 10},
		},
	})

	jointCard := o.EstimateCardinality(join)
	require.NotEqual(t, independenceCard, jointCard)
	require.InDelta(t, 1_000_000.0*50_000.0*0.01, jointCard, 1e-6)
}

func TestJoinEnumerationPicksConnectedOrder(t *testing.T) {
	o := newTestOptimizer()
	plan := NewJoin(InnerJoin,
		NewJoin(InnerJoin,
			NewTableScan("orders", []string{"id", "customer_id"}),
			NewTableScan("customers", []string{"id"}),
			"orders.customer_id = customers.id",
		),
		NewTableScan("orders", []string{"id"}),
		"orders.id = orders.id",
	)
	out, err := o.Optimize(plan)
	require.NoError(t, err)
	require.Equal(t, JoinKind_, out.Kind)
}

// TestLeftDeepStrategyPreservesRelationOrder verifies the left_deep
// join_strategy config knob skips DPccp enumeration and joins relations in
// their original left-to-right order instead.
func TestLeftDeepStrategyPreservesRelationOrder(t *testing.T) {
	cat := NewCatalog()
	cat.UpdateStatistics("orders", ordersStats())
	cat.UpdateStatistics("customers", customersStats())
	cfg := DefaultConfig()
	cfg.JoinStrategy = LeftDeep
	o := New(cfg, cat)

	plan := NewJoin(InnerJoin,
		NewJoin(InnerJoin,
			NewTableScan("orders", []string{"id", "customer_id"}),
			NewTableScan("customers", []string{"id"}),
			"orders.customer_id = customers.id",
		),
		NewTableScan("orders", []string{"id"}),
		"orders.id = orders.id",
	)
	out, err := o.Optimize(plan)
	require.NoError(t, err)
	require.Equal(t, JoinKind_, out.Kind)
	require.Equal(t, JoinKind_, out.Left.Kind)
	require.Equal(t, TableScanKind, out.Left.Left.Kind)
	require.Equal(t, "orders", out.Left.Left.Table)
}

func TestOptimizeIsMemoized(t *testing.T) {
	o := newTestOptimizer()
	plan := NewFilter(NewTableScan("orders", []string{"status"}), "status = 0")

	first, err := o.Optimize(plan)
	require.NoError(t, err)
	require.Equal(t, 1, o.memo.len())

	second, err := o.Optimize(plan)
	require.NoError(t, err)
	require.Equal(t, first.Kind, second.Kind)
	require.Equal(t, 1, o.memo.len())
}

func TestOptimizeRejectsNilPlan(t *testing.T) {
	o := newTestOptimizer()
	_, err := o.Optimize(nil)
	require.Error(t, err)
}

func TestPermissionOracleDeniesScan(t *testing.T) {
	cat := NewCatalog()
	cat.UpdateStatistics("orders", ordersStats())
	o := New(DefaultConfig(), cat, WithPermissionOracle(denyingOracle{}))

	_, err := o.Optimize(NewTableScan("orders", []string{"id"}))
	require.Error(t, err)
}

type denyingOracle struct{}

func (denyingOracle) Allowed(table string, perm permission.Permission) error {
	return permission.ErrNotAuthorized.New("read", table)
}
