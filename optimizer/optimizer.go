package optimizer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/coredbio/coredb/errs"
	"github.com/coredbio/coredb/permission"
)

// JoinStrategy selects the algorithm enumerateJoins uses to order a join
// chain.
type JoinStrategy int

const (
	// DynamicProgramming runs the DPccp submask dynamic program over every
	// connected subset of relations, the optimal strategy for chains up to
	// maxDPccpRelations long.
	DynamicProgramming JoinStrategy = iota
	// LeftDeep skips enumeration entirely and joins relations in their
	// original left-to-right order, trading plan quality for a strategy
	// that costs nothing beyond building the chain.
	LeftDeep
)

func (s JoinStrategy) String() string {
	switch s {
	case LeftDeep:
		return "left_deep"
	default:
		return "dynamic_programming"
	}
}

// Config holds the tunable knobs of an Optimizer, loadable from YAML
// alongside the rest of a node's configuration file.
type Config struct {
	MaxMemoEntries                 int          `yaml:"max_memo_entries"`
	EnableCSE                      bool         `yaml:"enable_cse"`
	EnableDecorrelation            bool         `yaml:"enable_decorrelation"`
	EnableMaterializedViewMatching bool         `yaml:"enable_materialized_view_matching"`
	JoinStrategy                   JoinStrategy `yaml:"join_strategy"`
}

// DefaultConfig returns the Config used when a caller does not supply one.
func DefaultConfig() Config {
	return Config{
		MaxMemoEntries:                 4096,
		EnableCSE:                      true,
		EnableDecorrelation:            true,
		EnableMaterializedViewMatching: true,
		JoinStrategy:                   DynamicProgramming,
	}
}

// Option configures an Optimizer at construction time.
type Option func(*Optimizer)

// WithLogger injects a structured logger, which must be non-nil; without it
// the Optimizer logs through its own logrus.New() logger (info level).
func WithLogger(l *logrus.Logger) Option {
	return func(o *Optimizer) { o.log = l }
}

// WithTracer injects an opentracing.Tracer; unset falls back to the global
// tracer, which defaults to a no-op.
func WithTracer(t opentracing.Tracer) Option {
	return func(o *Optimizer) { o.tracer = t }
}

// WithPermissionOracle injects the Oracle consulted before costing a table
// scan; unset means no permission checking is performed.
func WithPermissionOracle(p permission.Oracle) Option {
	return func(o *Optimizer) { o.perm = p }
}

// WithRegisterer registers the Optimizer's Prometheus collectors against reg;
// without it they are not registered with any registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *Optimizer) { o.registerMetrics(reg) }
}

type metrics struct {
	optimizeDuration prometheus.Histogram
	optimizeTotal    prometheus.Counter
	memoHits         prometheus.Counter
	memoSize         prometheus.Gauge
}

func newMetrics() *metrics {
	return &metrics{
		optimizeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "coredb",
			Subsystem: "optimizer",
			Name:      "optimize_duration_seconds",
			Help:      "Time spent running the optimization pipeline.",
			Buckets:   prometheus.DefBuckets,
		}),
		optimizeTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coredb",
			Subsystem: "optimizer",
			Name:      "optimize_total",
			Help:      "Total number of plans optimized.",
		}),
		memoHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coredb",
			Subsystem: "optimizer",
			Name:      "memo_hits_total",
			Help:      "Total number of memo table hits.",
		}),
		memoSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coredb",
			Subsystem: "optimizer",
			Name:      "memo_entries",
			Help:      "Current number of entries in the memo table.",
		}),
	}
}

func (o *Optimizer) registerMetrics(reg prometheus.Registerer) {
	for _, c := range []prometheus.Collector{
		o.metrics.optimizeDuration,
		o.metrics.optimizeTotal,
		o.metrics.memoHits,
		o.metrics.memoSize,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				o.log.WithError(err).Warn("optimizer: failed to register metric")
			}
		}
	}
}

// view is a registered materialized view: a query signature and the table
// name that holds its precomputed result.
type view struct {
	signature    string
	backingTable string
	columns      []string
}

// Optimizer turns a logical plan into a cost-optimized physical plan by
// running it through a fixed pipeline of rewrite and enumeration passes.
type Optimizer struct {
	cfg     Config
	catalog *Catalog
	memo    *memoTable
	metrics *metrics
	log     *logrus.Logger
	tracer  opentracing.Tracer
	perm    permission.Oracle

	views map[string]*view
}

// New constructs an Optimizer bound to catalog, applying opts in order.
func New(cfg Config, catalog *Catalog, opts ...Option) *Optimizer {
	o := &Optimizer{
		cfg:     cfg,
		catalog: catalog,
		memo:    newMemoTable(cfg.MaxMemoEntries),
		metrics: newMetrics(),
		log:     logrus.New(),
		tracer:  opentracing.GlobalTracer(),
		views:   make(map[string]*view),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// UpdateStatistics forwards to the bound Catalog; exposed on Optimizer so
// callers only need to hold one handle.
func (o *Optimizer) UpdateStatistics(table string, stats *TableStats) {
	o.catalog.UpdateStatistics(table, stats)
}

// RegisterMaterializedView registers query as matchable by materialized-view
// matching: a subtree whose canonical signature equals query's is replaced
// with a scan of backingTable.
func (o *Optimizer) RegisterMaterializedView(query *PlanNode, backingTable string, columns []string) {
	o.views[query.canonicalKey()] = &view{
		signature:    query.canonicalKey(),
		backingTable: backingTable,
		columns:      columns,
	}
}

// Optimize runs the full rewrite and enumeration pipeline over plan and
// returns an optimized plan. It never mutates the input.
func (o *Optimizer) Optimize(plan *PlanNode) (*PlanNode, error) {
	span, _ := opentracing.StartSpanFromContextWithTracer(context.Background(), o.tracer, "optimizer.Optimize")
	defer span.Finish()

	start := time.Now()
	defer func() {
		o.metrics.optimizeDuration.Observe(time.Since(start).Seconds())
		o.metrics.optimizeTotal.Inc()
	}()

	if plan == nil {
		return nil, errs.InvalidInput.New("nil plan")
	}

	if err := o.checkPermissions(plan); err != nil {
		return nil, err
	}

	key := structuralHash(plan)
	if entry, ok := o.memo.get(key); ok {
		o.metrics.memoHits.Inc()
		o.log.WithField("key", key).Debug("optimizer: memo hit")
		return entry.plan.Clone(), nil
	}

	cur := plan.Clone()

	if o.cfg.EnableMaterializedViewMatching {
		cur = o.matchMaterializedViews(cur)
	}
	if o.cfg.EnableCSE {
		o.tagCommonSubexpressions(cur)
	}
	cur = o.pushdownPredicates(cur, nil)
	if o.cfg.EnableDecorrelation {
		cur = o.decorrelateSubqueries(cur)
	}
	cur = o.mergeOperators(cur)
	cur = o.pushdownProjections(cur, nil)
	cur = o.enumerateJoins(cur)
	cur = o.selectAccessPaths(cur)
	cur = o.foldConstants(cur)

	cost := o.EstimateCost(cur)
	o.memo.put(key, cur, cost)
	o.metrics.memoSize.Set(float64(o.memo.len()))

	o.log.WithFields(logrus.Fields{
		"cost":        cost,
		"cardinality": o.EstimateCardinality(cur),
	}).Debug("optimizer: plan optimized")

	return cur.Clone(), nil
}

func (o *Optimizer) checkPermissions(plan *PlanNode) error {
	if o.perm == nil {
		return nil
	}
	var walk func(*PlanNode) error
	walk = func(n *PlanNode) error {
		if n == nil {
			return nil
		}
		if n.Kind == TableScanKind {
			if err := o.perm.Allowed(n.Table, permission.ReadPerm); err != nil {
				return err
			}
		}
		for _, c := range n.Children() {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(plan)
}

// matchMaterializedViews replaces any subtree whose canonical signature
// matches a registered view with a scan of that view's backing table.
func (o *Optimizer) matchMaterializedViews(n *PlanNode) *PlanNode {
	if n == nil {
		return nil
	}
	if v, ok := o.views[n.canonicalKey()]; ok {
		return NewTableScan(v.backingTable, v.columns)
	}
	n.Left = o.matchMaterializedViews(n.Left)
	n.Right = o.matchMaterializedViews(n.Right)
	n.Input = o.matchMaterializedViews(n.Input)
	return n
}

// tagCommonSubexpressions walks the tree once to count structurally
// identical subtrees, then a second time to stamp CSERef/RefCount on every
// node that participates in a repeated subtree, so a downstream execution
// layer can choose to materialize it once.
func (o *Optimizer) tagCommonSubexpressions(n *PlanNode) {
	counts := make(map[string]int)
	var count func(*PlanNode)
	count = func(n *PlanNode) {
		if n == nil {
			return
		}
		counts[n.canonicalKey()]++
		for _, c := range n.Children() {
			count(c)
		}
	}
	count(n)

	var tag func(*PlanNode)
	tag = func(n *PlanNode) {
		if n == nil {
			return
		}
		key := n.canonicalKey()
		if c := counts[key]; c > 1 {
			n.CSERef = key
			n.RefCount = c
		}
		for _, c := range n.Children() {
			tag(c)
		}
	}
	tag(n)
}

// pushdownPredicates pushes a Filter below a Join when its predicate
// references only one side, and combines stacked Filters into one. A Filter
// above a Project is not pushed below it.
func (o *Optimizer) pushdownPredicates(n, _ *PlanNode) *PlanNode {
	if n == nil {
		return nil
	}
	n.Left = o.pushdownPredicates(n.Left, nil)
	n.Right = o.pushdownPredicates(n.Right, nil)
	n.Input = o.pushdownPredicates(n.Input, nil)

	if n.Kind != FilterKind {
		return n
	}

	switch {
	case n.Input != nil && n.Input.Kind == JoinKind_:
		join := n.Input
		refs := referencedTables(n.Predicate)
		leftTables := tablesUnder(join.Left)
		rightTables := tablesUnder(join.Right)
		if subsetOf(refs, leftTables) {
			join.Left = NewFilter(join.Left, n.Predicate)
			return join
		}
		if subsetOf(refs, rightTables) && join.JoinKind == InnerJoin {
			join.Right = NewFilter(join.Right, n.Predicate)
			return join
		}
		return n

	case n.Input != nil && n.Input.Kind == FilterKind:
		// Combine stacked filters so pushdown can see through both.
		inner := n.Input
		combined := NewFilter(inner.Input, combineAnd(n.Predicate, inner.Predicate))
		return o.pushdownPredicates(combined, nil)

	default:
		return n
	}
}

func combineAnd(a, b string) string {
	return fmt.Sprintf("(%s) AND (%s)", a, b)
}

func referencedTables(expr string) map[string]bool {
	out := make(map[string]bool)
	for _, field := range strings.FieldsFunc(expr, func(r rune) bool {
		return !(r == '.' || r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) {
		if t, _ := splitQualified(field); t != "" {
			out[t] = true
		}
	}
	return out
}

func tablesUnder(n *PlanNode) map[string]bool {
	out := make(map[string]bool)
	var walk func(*PlanNode)
	walk = func(n *PlanNode) {
		if n == nil {
			return
		}
		if n.Kind == TableScanKind {
			out[n.Table] = true
		}
		for _, c := range n.Children() {
			walk(c)
		}
	}
	walk(n)
	return out
}

func subsetOf(a, b map[string]bool) bool {
	if len(a) == 0 {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// decorrelateSubqueries rewrites a Subquery node whose predicate does not
// actually reference an outer column into an uncorrelated one. A Filter
// directly above an uncorrelated Subquery is left in place: folding it into a
// join needs a right-hand relation the plan does not carry.
func (o *Optimizer) decorrelateSubqueries(n *PlanNode) *PlanNode {
	if n == nil {
		return nil
	}
	n.Left = o.decorrelateSubqueries(n.Left)
	n.Right = o.decorrelateSubqueries(n.Right)
	n.Input = o.decorrelateSubqueries(n.Input)

	if n.Kind == SubqueryKind && n.Correlated {
		if !referencesOuter(n.Input) {
			n.Correlated = false
		}
	}

	if n.Kind == FilterKind && n.Input != nil && n.Input.Kind == SubqueryKind && !n.Input.Correlated {
		sub := n.Input
		return NewJoin(InnerJoin, sub.Input, nil, n.Predicate).withRightNilGuard(n)
	}

	return n
}

// withRightNilGuard returns fallback in place of a join with a nil right
// side rather than producing an invalid node; a real decorrelation needs the
// subquery's own relation as the right side, which requires expression-level
// rewriting beyond this plan representation, so the guard leaves the
// original node unchanged.
func (n *PlanNode) withRightNilGuard(fallback *PlanNode) *PlanNode {
	if n.Right == nil {
		return fallback
	}
	return n
}

func referencesOuter(n *PlanNode) bool {
	if n == nil {
		return false
	}
	if n.Kind == FilterKind && strings.Contains(n.Predicate, "outer.") {
		return true
	}
	for _, c := range n.Children() {
		if referencesOuter(c) {
			return true
		}
	}
	return false
}

// mergeOperators folds an adjacent pair of compatible nodes into one: two
// stacked Filters into an AND, two stacked Limits into the tighter bound.
// This also serves as the pipeline's view-merging pass, since a matched
// materialized view frequently leaves a pass-through Project directly above
// another Project.
func (o *Optimizer) mergeOperators(n *PlanNode) *PlanNode {
	if n == nil {
		return nil
	}
	n.Left = o.mergeOperators(n.Left)
	n.Right = o.mergeOperators(n.Right)
	n.Input = o.mergeOperators(n.Input)

	switch {
	case n.Kind == FilterKind && n.Input != nil && n.Input.Kind == FilterKind:
		merged := NewFilter(n.Input.Input, combineAnd(n.Predicate, n.Input.Predicate))
		return o.mergeOperators(merged)

	case n.Kind == LimitKind && n.Input != nil && n.Input.Kind == LimitKind:
		outer, inner := n, n.Input
		limit := inner.LimitN - outer.Offset
		if limit > outer.LimitN {
			limit = outer.LimitN
		}
		if limit < 0 {
			limit = 0
		}
		return NewLimit(inner.Input, limit, outer.Offset+inner.Offset)

	case n.Kind == ProjectKind && n.Input != nil && n.Input.Kind == ProjectKind &&
		isPassthrough(n.Input.Exprs):
		return NewProject(n.Input.Input, n.Exprs)

	default:
		return n
	}
}

func isPassthrough(exprs []string) bool {
	for _, e := range exprs {
		if strings.Contains(e, "(") || strings.Contains(e, " AS ") {
			return false
		}
	}
	return true
}

// pushdownProjections prunes TableScan.Columns to the columns actually
// required by ancestors, matching classic projection pushdown.
func (o *Optimizer) pushdownProjections(n *PlanNode, required map[string]bool) *PlanNode {
	if n == nil {
		return nil
	}
	switch n.Kind {
	case TableScanKind:
		if required != nil && len(required) > 0 {
			var kept []string
			for _, c := range n.Columns {
				_, bare := splitQualified(c)
				if required[c] || required[bare] {
					kept = append(kept, c)
				}
			}
			if len(kept) > 0 {
				n.Columns = kept
			}
		}
		return n
	case ProjectKind:
		need := make(map[string]bool)
		for _, e := range n.Exprs {
			for t := range referencedTables(e) {
				_ = t
			}
			need[e] = true
		}
		n.Input = o.pushdownProjections(n.Input, need)
		return n
	case FilterKind:
		need := cloneRequired(required)
		for t := range referencedTables(n.Predicate) {
			need[t] = true
		}
		n.Input = o.pushdownProjections(n.Input, need)
		return n
	default:
		n.Left = o.pushdownProjections(n.Left, required)
		n.Right = o.pushdownProjections(n.Right, required)
		n.Input = o.pushdownProjections(n.Input, required)
		return n
	}
}

func cloneRequired(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SelectIndex chooses the cheapest available index for a table scan guarded
// by predicate, or "" for a full scan, per §4.A access-path selection.
func (o *Optimizer) SelectIndex(table, predicate string) string {
	t, ok := o.catalog.Table(table)
	if !ok || len(t.Indexes) == 0 {
		return ""
	}
	col, valStr := splitEquality(predicate)
	bestName := ""
	bestCost := float64(t.PageCount)
	for name, idx := range t.Indexes {
		if len(idx.Columns) == 0 || idx.Columns[0] != col {
			continue
		}
		var hist *Histogram
		if cs, ok := t.Columns[col]; ok {
			hist = cs.Histogram
		}
		sel := 0.1
		if hist != nil {
			if v, err := parseFloatSafe(valStr); err == nil {
				sel = hist.EstimateEqualitySelectivity(v)
			}
		}
		cost := indexLookupCost(idx, sel)
		if cost < bestCost {
			bestCost = cost
			bestName = name
		}
	}
	return bestName
}

func parseFloatSafe(s string) (float64, error) {
	return strconv.ParseFloat(strings.Trim(s, "'\""), 64)
}

// selectAccessPaths walks every TableScan directly beneath a Filter and
// assigns the cheapest matching index, if any.
func (o *Optimizer) selectAccessPaths(n *PlanNode) *PlanNode {
	if n == nil {
		return nil
	}
	n.Left = o.selectAccessPaths(n.Left)
	n.Right = o.selectAccessPaths(n.Right)
	n.Input = o.selectAccessPaths(n.Input)

	if n.Kind == FilterKind && n.Input != nil && n.Input.Kind == TableScanKind {
		n.Input.IndexHint = o.SelectIndex(n.Input.Table, n.Predicate)
	}
	return n
}

// foldConstants removes trivially-true filters (e.g. "1=1"); Limit nodes are
// left as they are.
func (o *Optimizer) foldConstants(n *PlanNode) *PlanNode {
	if n == nil {
		return nil
	}
	n.Left = o.foldConstants(n.Left)
	n.Right = o.foldConstants(n.Right)
	n.Input = o.foldConstants(n.Input)

	if n.Kind == FilterKind {
		trimmed := strings.ReplaceAll(strings.TrimSpace(n.Predicate), " ", "")
		if trimmed == "1=1" || trimmed == "TRUE" || trimmed == "true" {
			return n.Input
		}
	}
	return n
}
