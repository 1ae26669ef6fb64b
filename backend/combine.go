package backend

import (
	"regexp"
	"strings"
)

// sourceAlias is the alias our compilers give the source subquery. Its
// presence in a prior filter means that filter was produced by an earlier,
// structurally different run and cannot be safely AND-combined.
const sourceAlias = "_fm_src"

// spatialMarkers are predicate function names whose presence in a prior
// filter marks it as a leftover spatial filter. AND-combining two spatial
// filters built against different prepared geometries double-filters and
// usually returns nothing; replacing is the predictable behavior.
var spatialMarkers = []string{
	"ST_INTERSECTS(", "ST_CONTAINS(", "ST_WITHIN(", "ST_TOUCHES(",
	"ST_CROSSES(", "ST_OVERLAPS(", "ST_DISJOINT(",
	"INTERSECTS(", "CONTAINS(", "WITHIN(", "TOUCHES(",
	"CROSSES(", "OVERLAPS(", "DISJOINT(",
}

// pkInPattern matches a pure primary-key filter: `pk IN (v, v, ...)` with
// literal values only. Such a filter is a prior step of the same chain and
// is always safe to AND-combine.
var pkInPattern = regexp.MustCompile(`(?i)^\s*"?[a-z_][a-z0-9_]*"?\s+IN\s*\(\s*[0-9'][0-9',\s.-]*\)\s*$`)

// IsPurePKFilter reports whether the expression is a bare `pk IN (...)`
// literal-list filter.
func IsPurePKFilter(expr string) bool {
	return pkInPattern.MatchString(expr)
}

// UnsafeToCombine scans a prior filter for patterns that make AND-combining
// unsafe: our own subquery alias, a nested EXISTS, or a leftover spatial
// predicate. A pure primary-key filter is exempt.
func UnsafeToCombine(prior string) bool {
	if prior == "" {
		return false
	}
	if IsPurePKFilter(prior) {
		return false
	}
	upper := strings.ToUpper(prior)
	if strings.Contains(upper, strings.ToUpper(sourceAlias)) {
		return true
	}
	if strings.Contains(upper, "EXISTS (") || strings.Contains(upper, "EXISTS(") {
		return true
	}
	for _, marker := range spatialMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// CombineExpressions merges a freshly compiled expression with the layer's
// prior filter. Unsafe priors are replaced rather than combined regardless
// of the requested operator.
func CombineExpressions(prior, next string, op CombineOp) string {
	if next == "" {
		return prior
	}
	if prior == "" || op == CombineReplace || op == "" {
		return next
	}
	if UnsafeToCombine(prior) {
		return next
	}
	sep := " AND "
	if op == CombineOr {
		sep = " OR "
	}
	return "(" + prior + ")" + sep + "(" + next + ")"
}
