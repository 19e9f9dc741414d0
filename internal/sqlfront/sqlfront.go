// Package sqlfront is the SQL frontend: it parses incoming statements,
// enforces the restricted-SQL policy, extracts the referenced table set,
// canonicalizes the statement for cache fingerprinting, and pulls per-table
// predicates out of the WHERE clause for connector push-down.
package sqlfront

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"vitess.io/vitess/go/vt/sqlparser"

	"helios-runtime/internal/connectors"
	rterrors "helios-runtime/internal/errors"
	"helios-runtime/internal/tableref"
)

// StatementKind classifies a parsed statement for policy decisions.
type StatementKind int

const (
	KindQuery StatementKind = iota
	KindDDL
	KindDML
	KindStatement
	KindExplain
)

// Policy is the restricted-SQL configuration applied per query.
type Policy struct {
	AllowDDL        bool
	AllowDML        bool
	AllowStatements bool
}

// RestrictedPolicy is the default policy for the public query surface.
func RestrictedPolicy() Policy {
	return Policy{AllowDDL: false, AllowDML: false, AllowStatements: false}
}

// Analysis is the result of parsing and analyzing a single statement.
type Analysis struct {
	Statement   sqlparser.Statement
	Kind        StatementKind
	Canonical   string
	Fingerprint uint64
	Tables      []tableref.TableReference
}

// Analyzer wraps a vitess parser instance.
type Analyzer struct {
	parser *sqlparser.Parser
}

// NewAnalyzer constructs an analyzer.
func NewAnalyzer() (*Analyzer, error) {
	p, err := sqlparser.New(sqlparser.Options{})
	if err != nil {
		return nil, rterrors.Internal("PARSER_INIT", "failed to initialize SQL parser").WithCause(err).Build()
	}
	return &Analyzer{parser: p}, nil
}

// Analyze parses sql, rejecting multi-statement submissions, and returns the
// statement's canonical form, fingerprint and referenced tables.
func (a *Analyzer) Analyze(sql string) (*Analysis, error) {
	pieces, err := a.parser.SplitStatementToPieces(sql)
	if err != nil {
		return nil, parseError(err)
	}
	if len(pieces) > 1 {
		return nil, rterrors.InvalidArgument("QUERY_PLANNING_ERROR",
			"multi-statement submissions are not allowed").Build()
	}

	stmt, err := a.parser.Parse(sql)
	if err != nil {
		return nil, parseError(err)
	}

	canonical := sqlparser.CanonicalString(stmt)
	analysis := &Analysis{
		Statement:   stmt,
		Kind:        classify(stmt),
		Canonical:   canonical,
		Fingerprint: xxhash.Sum64String(canonical),
		Tables:      extractTables(stmt),
	}
	return analysis, nil
}

// VerifyPolicy rejects statements the policy forbids. The error kind is
// InvalidArgument with the QUERY_PLANNING_ERROR code, matching the planner
// diagnostic surfaced to clients.
func (a *Analysis) VerifyPolicy(policy Policy) error {
	switch a.Kind {
	case KindDDL:
		if !policy.AllowDDL {
			return rterrors.InvalidArgument("QUERY_PLANNING_ERROR",
				"DDL statements are not allowed").Build()
		}
	case KindDML:
		if !policy.AllowDML {
			return rterrors.InvalidArgument("QUERY_PLANNING_ERROR",
				"DML statements are not allowed; use the write surface instead").Build()
		}
	case KindStatement:
		if !policy.AllowStatements {
			return rterrors.InvalidArgument("QUERY_PLANNING_ERROR",
				"statements are not allowed").Build()
		}
	}
	return nil
}

func parseError(err error) error {
	return rterrors.InvalidArgument("SQL_PARSE_ERROR", "failed to parse SQL").
		WithCause(err).WithDetails(err.Error()).Build()
}

func classify(stmt sqlparser.Statement) StatementKind {
	switch stmt.(type) {
	case *sqlparser.Select, *sqlparser.Union:
		return KindQuery
	case *sqlparser.ExplainStmt, *sqlparser.ExplainTab:
		return KindExplain
	case *sqlparser.Insert, *sqlparser.Update, *sqlparser.Delete:
		return KindDML
	}
	if _, ok := stmt.(sqlparser.DDLStatement); ok {
		return KindDDL
	}
	if _, ok := stmt.(sqlparser.DBDDLStatement); ok {
		return KindDDL
	}
	return KindStatement
}

func extractTables(stmt sqlparser.Statement) []tableref.TableReference {
	seen := tableref.NewSet()
	var order []tableref.TableReference
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		if aliased, ok := node.(*sqlparser.AliasedTableExpr); ok {
			if name, ok := aliased.Expr.(sqlparser.TableName); ok {
				ref := toRef(name)
				if !seen.Contains(ref) {
					seen.Add(ref)
					order = append(order, ref)
				}
			}
		}
		return true, nil
	}, stmt)
	return order
}

func toRef(name sqlparser.TableName) tableref.TableReference {
	table := name.Name.String()
	qualifier := ""
	if !name.Qualifier.IsEmpty() {
		qualifier = name.Qualifier.String()
	}
	if qualifier == "" {
		return tableref.Parse(table)
	}
	return tableref.Parse(qualifier + "." + table)
}

// ============================================================================
// PREDICATE EXTRACTION FOR PUSH-DOWN
// ============================================================================

// TableFilters extracts the AND-composed simple comparisons from the WHERE
// clause that reference columns of the given table (matched by table name or
// alias, or unqualified columns in single-table queries). Conjunctions only;
// anything under an OR is skipped, which keeps the push-down a superset of
// the true result and therefore safe as an Inexact filter.
func TableFilters(stmt sqlparser.Statement, table tableref.TableReference) []connectors.Filter {
	sel, ok := stmt.(*sqlparser.Select)
	if !ok || sel.Where == nil {
		return nil
	}
	singleTable := false
	if len(sel.From) == 1 {
		_, singleTable = sel.From[0].(*sqlparser.AliasedTableExpr)
	}
	alias := tableAlias(sel, table)

	var filters []connectors.Filter
	for _, expr := range sqlparser.SplitAndExpression(nil, sel.Where.Expr) {
		cmp, ok := expr.(*sqlparser.ComparisonExpr)
		if !ok {
			continue
		}
		col, lit, op, ok := normalizeComparison(cmp)
		if !ok {
			continue
		}
		if !columnBelongs(col, alias, singleTable) {
			continue
		}
		value, ok := literalValue(lit)
		if !ok {
			continue
		}
		filters = append(filters, connectors.Filter{
			Column: col.Name.String(),
			Op:     op,
			Value:  value,
		})
	}
	return filters
}

func tableAlias(sel *sqlparser.Select, table tableref.TableReference) string {
	froms := append([]sqlparser.TableExpr{}, sel.From...)
	for i := 0; i < len(froms); i++ {
		from := froms[i]
		// Joins are flattened so aliases on either side are found.
		if join, ok := from.(*sqlparser.JoinTableExpr); ok {
			froms = append(froms, join.LeftExpr, join.RightExpr)
			continue
		}
		aliased, ok := from.(*sqlparser.AliasedTableExpr)
		if !ok {
			continue
		}
		name, ok := aliased.Expr.(sqlparser.TableName)
		if !ok {
			continue
		}
		if toRef(name).Table != table.Table {
			continue
		}
		if !aliased.As.IsEmpty() {
			return aliased.As.String()
		}
		return name.Name.String()
	}
	return table.Table
}

func columnBelongs(col *sqlparser.ColName, alias string, singleTable bool) bool {
	if col.Qualifier.IsEmpty() {
		return singleTable
	}
	return strings.EqualFold(col.Qualifier.Name.String(), alias)
}

// normalizeComparison orients a comparison so the column is on the left.
func normalizeComparison(cmp *sqlparser.ComparisonExpr) (*sqlparser.ColName, *sqlparser.Literal, connectors.CompareOp, bool) {
	op, ok := compareOp(cmp.Operator)
	if !ok {
		return nil, nil, "", false
	}
	if col, ok := cmp.Left.(*sqlparser.ColName); ok {
		if lit, ok := cmp.Right.(*sqlparser.Literal); ok {
			return col, lit, op, true
		}
	}
	if col, ok := cmp.Right.(*sqlparser.ColName); ok {
		if lit, ok := cmp.Left.(*sqlparser.Literal); ok {
			return col, lit, flipOp(op), true
		}
	}
	return nil, nil, "", false
}

func compareOp(op sqlparser.ComparisonExprOperator) (connectors.CompareOp, bool) {
	switch op {
	case sqlparser.EqualOp:
		return connectors.OpEq, true
	case sqlparser.NotEqualOp:
		return connectors.OpNotEq, true
	case sqlparser.GreaterThanOp:
		return connectors.OpGt, true
	case sqlparser.GreaterEqualOp:
		return connectors.OpGtEq, true
	case sqlparser.LessThanOp:
		return connectors.OpLt, true
	case sqlparser.LessEqualOp:
		return connectors.OpLtEq, true
	default:
		return "", false
	}
}

func flipOp(op connectors.CompareOp) connectors.CompareOp {
	switch op {
	case connectors.OpGt:
		return connectors.OpLt
	case connectors.OpGtEq:
		return connectors.OpLtEq
	case connectors.OpLt:
		return connectors.OpGt
	case connectors.OpLtEq:
		return connectors.OpGtEq
	default:
		return op
	}
}

func literalValue(lit *sqlparser.Literal) (any, bool) {
	switch lit.Type {
	case sqlparser.StrVal:
		return lit.Val, true
	case sqlparser.IntVal:
		v, err := strconv.ParseInt(lit.Val, 10, 64)
		if err != nil {
			return nil, false
		}
		return v, true
	case sqlparser.FloatVal, sqlparser.DecimalVal:
		v, err := strconv.ParseFloat(lit.Val, 64)
		if err != nil {
			return nil, false
		}
		return v, true
	default:
		return nil, false
	}
}

// QueryLimit returns the statement's LIMIT row count when it is a plain
// literal, for limit push-down.
func QueryLimit(stmt sqlparser.Statement) *int64 {
	sel, ok := stmt.(*sqlparser.Select)
	if !ok || sel.Limit == nil || sel.Limit.Rowcount == nil {
		return nil
	}
	lit, ok := sel.Limit.Rowcount.(*sqlparser.Literal)
	if !ok || lit.Type != sqlparser.IntVal {
		return nil
	}
	v, err := strconv.ParseInt(lit.Val, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

// Describe renders a one-line description for logs.
func (a *Analysis) Describe() string {
	names := make([]string, len(a.Tables))
	for i, t := range a.Tables {
		names[i] = t.String()
	}
	return fmt.Sprintf("kind=%d tables=[%s]", a.Kind, strings.Join(names, ","))
}
