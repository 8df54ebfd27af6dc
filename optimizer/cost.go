package optimizer

import (
	"math"
	"strconv"
	"strings"
)

// EstimateCardinality implements §4.A's cardinality model.
func (o *Optimizer) EstimateCardinality(plan *PlanNode) float64 {
	if plan == nil {
		return 0
	}
	switch plan.Kind {
	case TableScanKind:
		if t, ok := o.catalog.Table(plan.Table); ok {
			return float64(t.RowCount)
		}
		return 1000.0
	case FilterKind:
		input := o.EstimateCardinality(plan.Input)
		return input * o.estimateFilterSelectivity(plan.Input, plan.Predicate)
	case ProjectKind:
		return o.EstimateCardinality(plan.Input)
	case JoinKind_:
		return o.estimateJoinCardinality(plan)
	case AggregateKind:
		input := o.EstimateCardinality(plan.Input)
		if len(plan.GroupBy) == 0 {
			return 1.0
		}
		est := input / 10.0
		if est < 1 {
			est = 1
		}
		if est > input {
			est = input
		}
		return est
	case SortKind:
		return o.EstimateCardinality(plan.Input)
	case LimitKind:
		input := o.EstimateCardinality(plan.Input)
		n := float64(plan.LimitN)
		if input < n {
			return input
		}
		return n
	case SubqueryKind:
		return o.EstimateCardinality(plan.Input)
	default:
		return 1000.0
	}
}

func (o *Optimizer) estimateJoinCardinality(plan *PlanNode) float64 {
	left := o.EstimateCardinality(plan.Left)
	right := o.EstimateCardinality(plan.Right)

	switch plan.JoinKind {
	case CrossJoin:
		return left * right
	case FullJoin:
		sel := o.joinSelectivity(plan)
		return math.Max(left*right*sel, left+right)
	case LeftJoin:
		sel := o.joinSelectivity(plan)
		return math.Max(left, left*right*sel)
	case RightJoin:
		sel := o.joinSelectivity(plan)
		return math.Max(right, left*right*sel)
	default: // InnerJoin, Selinger formula unless a joint histogram overrides it
		if sel, ok := o.jointSelectivity(plan.Condition); ok {
			return left * right * sel
		}
		leftKey, rightKey := parseEqualityKeys(plan.Condition)
		leftDistinct := o.columnDistinct(plan.Left, leftKey)
		rightDistinct := o.columnDistinct(plan.Right, rightKey)
		maxDistinct := math.Max(float64(leftDistinct), float64(rightDistinct))
		if maxDistinct == 0 {
			return left * right * 0.01
		}
		return (left * right) / maxDistinct
	}
}

func (o *Optimizer) joinSelectivity(plan *PlanNode) float64 {
	if sel, ok := o.jointSelectivity(plan.Condition); ok {
		return sel
	}
	leftKey, rightKey := parseEqualityKeys(plan.Condition)
	if leftKey == "" || rightKey == "" {
		return 0.01
	}
	leftDistinct := o.columnDistinct(plan.Left, leftKey)
	rightDistinct := o.columnDistinct(plan.Right, rightKey)
	maxDistinct := math.Max(float64(leftDistinct), float64(rightDistinct))
	if maxDistinct == 0 {
		return 0.01
	}
	return 1.0 / maxDistinct
}

// jointSelectivity looks up a registered joint histogram for the equality
// condition's two columns and, if one is registered, returns its observed
// selectivity instead of the independence assumption. The second return
// value is false when no equality condition or no registered histogram
// applies, signalling the caller to fall back to columnDistinct.
func (o *Optimizer) jointSelectivity(condition string) (float64, bool) {
	leftKey, rightKey := parseEqualityKeys(condition)
	if leftKey == "" || rightKey == "" {
		return 0, false
	}
	_, leftCol := splitQualified(leftKey)
	_, rightCol := splitQualified(rightKey)
	h, ok := o.catalog.JointHistogramFor(leftCol, rightCol)
	if !ok {
		return 0, false
	}
	return h.EstimateJoinSelectivity(), true
}

// columnDistinct walks down to the nearest TableScan feeding col and returns
// its num_distinct, defaulting to 100 when statistics are unavailable.
func (o *Optimizer) columnDistinct(plan *PlanNode, col string) uint64 {
	table, bare := splitQualified(col)
	scan := findScanForTable(plan, table)
	if scan == nil {
		return 100
	}
	t, ok := o.catalog.Table(scan.Table)
	if !ok {
		return 100
	}
	if cs, ok := t.Columns[bare]; ok && cs.NumDistinct > 0 {
		return cs.NumDistinct
	}
	return 100
}

func findScanForTable(plan *PlanNode, table string) *PlanNode {
	if plan == nil {
		return nil
	}
	if plan.Kind == TableScanKind {
		if table == "" || plan.Table == table {
			return plan
		}
		return nil
	}
	for _, c := range plan.Children() {
		if s := findScanForTable(c, table); s != nil {
			return s
		}
	}
	return nil
}

// splitQualified splits "table.column" into ("table", "column"); an
// unqualified reference returns ("", ref).
func splitQualified(ref string) (table, column string) {
	if i := strings.LastIndex(ref, "."); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return "", ref
}

// parseEqualityKeys splits a join condition at its first "=" and returns the
// trimmed text on each side; a condition with no "=" yields two empty
// strings, signalling the caller to fall back to default selectivity. The two
// sides are not checked to be column references.
func parseEqualityKeys(cond string) (left, right string) {
	parts := strings.SplitN(cond, "=", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

// estimateFilterSelectivity dispatches a predicate string to the appropriate
// §4.A selectivity rule, consulting the histogram of the referenced column on
// the first TableScan beneath input that matches the column's table
// qualifier (any scan, for an unqualified column).
func (o *Optimizer) estimateFilterSelectivity(input *PlanNode, predicate string) float64 {
	pred := strings.TrimSpace(predicate)
	upper := strings.ToUpper(pred)

	switch {
	case strings.Contains(upper, "LIKE"):
		parts := strings.SplitN(pred, "LIKE", 2)
		pattern := strings.TrimSpace(parts[len(parts)-1])
		pattern = strings.Trim(pattern, "'\"")
		return EstimateLikeSelectivity(pattern)

	case strings.Contains(upper, " IN "):
		col, list := splitIn(pred)
		hist := o.histogramFor(input, col)
		values := parseNumericList(list)
		if hist != nil {
			return hist.EstimateInSelectivity(values)
		}
		return math.Min(1.0, float64(len(values))*0.1)

	case strings.Contains(upper, "BETWEEN"):
		col, low, high := splitBetween(pred)
		hist := o.histogramFor(input, col)
		if hist != nil {
			return hist.EstimateRangeSelectivity(low, high)
		}
		return 0.33

	case strings.Contains(pred, "<=") && strings.Contains(pred, ">="):
		// "low <= col <= high" range form.
		col, low, high := splitChainedRange(pred)
		hist := o.histogramFor(input, col)
		if hist != nil {
			return hist.EstimateRangeSelectivity(low, high)
		}
		return 0.1

	case strings.Contains(pred, "="):
		col, valStr := splitEquality(pred)
		hist := o.histogramFor(input, col)
		if hist != nil {
			if v, err := strconv.ParseFloat(valStr, 64); err == nil {
				return hist.EstimateEqualitySelectivity(v)
			}
		}
		nd := o.columnDistinct(input, col)
		if nd == 0 {
			return 0.1
		}
		return 1.0 / float64(nd)

	default:
		return 0.1
	}
}

func (o *Optimizer) histogramFor(input *PlanNode, col string) *Histogram {
	table, bare := splitQualified(col)
	scan := findScanForTable(input, table)
	if scan == nil {
		return nil
	}
	t, ok := o.catalog.Table(scan.Table)
	if !ok {
		return nil
	}
	cs, ok := t.Columns[bare]
	if !ok {
		return nil
	}
	return cs.Histogram
}

func splitEquality(pred string) (col, val string) {
	parts := strings.SplitN(pred, "=", 2)
	if len(parts) != 2 {
		return pred, ""
	}
	return strings.TrimSpace(parts[0]), strings.Trim(strings.TrimSpace(parts[1]), "'\"")
}

func splitIn(pred string) (col, list string) {
	idx := strings.Index(strings.ToUpper(pred), " IN ")
	if idx < 0 {
		return pred, ""
	}
	col = strings.TrimSpace(pred[:idx])
	list = strings.TrimSpace(pred[idx+4:])
	list = strings.Trim(list, "()")
	return col, list
}

func splitBetween(pred string) (col, low, high string) {
	idx := strings.Index(strings.ToUpper(pred), "BETWEEN")
	if idx < 0 {
		return pred, "", ""
	}
	col = strings.TrimSpace(pred[:idx])
	rest := strings.TrimSpace(pred[idx+len("BETWEEN"):])
	parts := strings.SplitN(strings.ToUpper(rest), "AND", 2)
	if len(parts) != 2 {
		return col, "", ""
	}
	lowIdx := len(parts[0])
	return col, strings.TrimSpace(rest[:lowIdx]), strings.TrimSpace(rest[lowIdx+3:])
}

func splitChainedRange(pred string) (col, low, high string) {
	// "low <= col <= high"
	parts := strings.Split(pred, "<=")
	if len(parts) != 3 {
		return "", "", ""
	}
	return strings.TrimSpace(parts[1]), strings.TrimSpace(parts[0]), strings.TrimSpace(parts[2])
}

func parseNumericList(list string) []float64 {
	raw := strings.Split(list, ",")
	out := make([]float64, 0, len(raw))
	for _, r := range raw {
		r = strings.Trim(strings.TrimSpace(r), "'\"")
		if v, err := strconv.ParseFloat(r, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// EstimateCost implements the per-operator cost model: cpu_cost + 10*io_cost
// summed over every operator in the subtree, not just its root. A plan's
// cost must reflect all the work done beneath it, or rewrites that change
// which operator sits at the root (e.g. pushing a Filter below a Join)
// would be compared on an incomplete basis.
func (o *Optimizer) EstimateCost(plan *PlanNode) float64 {
	if plan == nil {
		return 0
	}
	card := o.EstimateCardinality(plan)
	cost := o.cpuCost(plan, card) + 10*o.ioCost(plan, card)
	for _, c := range plan.Children() {
		cost += o.EstimateCost(c)
	}
	return cost
}

func (o *Optimizer) cpuCost(plan *PlanNode, card float64) float64 {
	switch plan.Kind {
	case TableScanKind:
		return 0.1 * card
	case FilterKind:
		return 0.2 * card
	case JoinKind_:
		return 0.5 * card
	case AggregateKind:
		return 0.3 * card
	case SortKind:
		if card <= 1 {
			return 0.1 * card
		}
		return 0.1 * card * math.Log2(card)
	default:
		return 0.1 * card
	}
}

func (o *Optimizer) ioCost(plan *PlanNode, card float64) float64 {
	switch plan.Kind {
	case TableScanKind:
		if plan.IndexHint != "" {
			if t, ok := o.catalog.Table(plan.Table); ok {
				if idx, ok := t.Indexes[plan.IndexHint]; ok {
					sel := card / math.Max(1, float64(mustRowCount(t)))
					return float64(idx.Height) + float64(idx.LeafPages)*sel
				}
			}
		}
		if t, ok := o.catalog.Table(plan.Table); ok {
			return float64(t.PageCount)
		}
		return card / 100.0
	default:
		return 0
	}
}

func mustRowCount(t *TableStats) uint64 {
	if t.RowCount == 0 {
		return 1
	}
	return t.RowCount
}

// indexLookupCost implements §4.A's index lookup cost formula directly, for
// use by access-path selection when comparing a specific index's cost.
func indexLookupCost(idx *IndexStats, selectivity float64) float64 {
	return float64(idx.Height) + float64(idx.LeafPages)*selectivity
}
