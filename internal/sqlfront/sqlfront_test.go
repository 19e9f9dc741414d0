package sqlfront

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helios-runtime/internal/connectors"
	rterrors "helios-runtime/internal/errors"
	"helios-runtime/internal/tableref"
)

func newTestAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	a, err := NewAnalyzer()
	require.NoError(t, err)
	return a
}

func TestAnalyze_SelectIsQueryKind(t *testing.T) {
	a := newTestAnalyzer(t)

	analysis, err := a.Analyze("SELECT id, name FROM orders WHERE id > 10")

	require.NoError(t, err)
	assert.Equal(t, KindQuery, analysis.Kind)
	require.Len(t, analysis.Tables, 1)
	assert.Equal(t, "orders", analysis.Tables[0].Table)
}

func TestAnalyze_RejectsMultiStatement(t *testing.T) {
	a := newTestAnalyzer(t)

	_, err := a.Analyze("SELECT 1; SELECT 2")

	require.Error(t, err)
	assert.True(t, rterrors.IsKind(err, rterrors.KindInvalidArgument))
}

func TestVerifyPolicy_RejectsDDLAndDML(t *testing.T) {
	a := newTestAnalyzer(t)
	policy := RestrictedPolicy()

	for _, sql := range []string{
		"CREATE TABLE t (id bigint)",
		"DROP TABLE orders",
		"INSERT INTO orders VALUES (1)",
		"UPDATE orders SET id = 2",
		"DELETE FROM orders",
	} {
		analysis, err := a.Analyze(sql)
		require.NoError(t, err, sql)

		err = analysis.VerifyPolicy(policy)
		require.Error(t, err, sql)
		assert.Contains(t, err.Error(), "QUERY_PLANNING_ERROR", sql)
	}
}

func TestVerifyPolicy_AllowsSelect(t *testing.T) {
	a := newTestAnalyzer(t)
	analysis, err := a.Analyze("SELECT 1 AS x")
	require.NoError(t, err)

	assert.NoError(t, analysis.VerifyPolicy(RestrictedPolicy()))
}

func TestFingerprint_StableAcrossWhitespace(t *testing.T) {
	a := newTestAnalyzer(t)

	first, err := a.Analyze("SELECT  id FROM orders")
	require.NoError(t, err)
	second, err := a.Analyze("select id from orders")
	require.NoError(t, err)
	different, err := a.Analyze("SELECT id FROM lineitem")
	require.NoError(t, err)

	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.NotEqual(t, first.Fingerprint, different.Fingerprint)
}

func TestExtractTables_JoinAndSubquery(t *testing.T) {
	a := newTestAnalyzer(t)

	analysis, err := a.Analyze(`
		SELECT o.id FROM orders o
		JOIN lineitem l ON o.id = l.order_id
		WHERE o.id IN (SELECT order_id FROM returns)`)

	require.NoError(t, err)
	names := map[string]bool{}
	for _, ref := range analysis.Tables {
		names[ref.Table] = true
	}
	assert.True(t, names["orders"])
	assert.True(t, names["lineitem"])
	assert.True(t, names["returns"])
}

func TestTableFilters_ExtractsConjunctiveComparisons(t *testing.T) {
	a := newTestAnalyzer(t)
	analysis, err := a.Analyze(
		"SELECT * FROM events WHERE ts > 100 AND kind = 'click' AND (ts < 900 OR kind = 'view')")
	require.NoError(t, err)

	filters := TableFilters(analysis.Statement, tableref.Parse("events"))

	// Only top-level conjuncts are extracted; the OR branch is skipped.
	require.Len(t, filters, 2)
	assert.Equal(t, "ts", filters[0].Column)
	assert.Equal(t, connectors.OpGt, filters[0].Op)
	assert.Equal(t, int64(100), filters[0].Value)
	assert.Equal(t, "kind", filters[1].Column)
	assert.Equal(t, "click", filters[1].Value)
}

func TestTableFilters_FlipsReversedComparison(t *testing.T) {
	a := newTestAnalyzer(t)
	analysis, err := a.Analyze("SELECT * FROM events WHERE 100 < ts")
	require.NoError(t, err)

	filters := TableFilters(analysis.Statement, tableref.Parse("events"))

	require.Len(t, filters, 1)
	assert.Equal(t, connectors.OpGt, filters[0].Op)
}

func TestTableFilters_QualifiedColumnsFollowAlias(t *testing.T) {
	a := newTestAnalyzer(t)
	analysis, err := a.Analyze(
		"SELECT * FROM orders o JOIN lineitem l ON o.id = l.order_id WHERE o.total > 5 AND l.qty = 2")
	require.NoError(t, err)

	orderFilters := TableFilters(analysis.Statement, tableref.Parse("orders"))
	lineFilters := TableFilters(analysis.Statement, tableref.Parse("lineitem"))

	require.Len(t, orderFilters, 1)
	assert.Equal(t, "total", orderFilters[0].Column)
	require.Len(t, lineFilters, 1)
	assert.Equal(t, "qty", lineFilters[0].Column)
}

func TestQueryLimit(t *testing.T) {
	a := newTestAnalyzer(t)

	withLimit, err := a.Analyze("SELECT * FROM t LIMIT 25")
	require.NoError(t, err)
	limit := QueryLimit(withLimit.Statement)
	require.NotNil(t, limit)
	assert.Equal(t, int64(25), *limit)

	without, err := a.Analyze("SELECT * FROM t")
	require.NoError(t, err)
	assert.Nil(t, QueryLimit(without.Statement))
}
