// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package ddl parses the `CREATE DYNAMIC TABLE` statements the create
// and validate CLI commands accept into the engine's internal types:
// a model.DynamicTable shell (name, target lag, policy options) plus
// its definition as a model.Query AST. Only the embedded
// `AS SELECT ...` body is handed to a real SQL parser
// (dolthub/vitess's sqlparser); the surrounding
// `CREATE DYNAMIC TABLE ... WITH (...)` syntax is this engine's own
// and has no upstream grammar to borrow, so it is scanned by hand.
package ddl

import (
	"strconv"
	"strings"
	"time"

	"github.com/dolthub/vitess/go/vt/sqlparser"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ident"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/model"
)

// Statement is a fully parsed CREATE DYNAMIC TABLE.
type Statement struct {
	Table model.DynamicTable
}

// marker that splits the statement's header from its definition; it
// matches only as a whole word with whitespace on both sides.
const asKeyword = "as"

// Parse parses one `CREATE DYNAMIC TABLE name [WITH (...)] AS SELECT ...`
// statement. It is deliberately strict: anything it can't classify
// becomes a model.InvalidQuery error rather than a best-effort guess,
// since a misparsed dynamic table definition would refresh silently
// wrong data forever.
func Parse(ddl string) (*Statement, error) {
	header, body, err := splitHeaderAndBody(ddl)
	if err != nil {
		return nil, err
	}

	table, err := parseHeader(header)
	if err != nil {
		return nil, err
	}

	query, groupingKeys, sources, err := parseSelect(body)
	if err != nil {
		return nil, err
	}
	table.Definition = query
	table.GroupingKeys = groupingKeys
	table.Sources = sources

	return &Statement{Table: table}, nil
}

// splitHeaderAndBody finds the top-level AS keyword (surrounded by any
// whitespace: spaces, tabs or newlines) separating the
// CREATE DYNAMIC TABLE header from the embedded SELECT, ignoring any
// occurrence nested inside parentheses (e.g. a WITH(...) option whose
// value happens to contain the text "as").
func splitHeaderAndBody(ddl string) (header, body string, err error) {
	lower := strings.ToLower(ddl)
	space := func(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }
	depth := 0
	for i := 0; i < len(lower); i++ {
		switch lower[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
		end := i + 1 + len(asKeyword)
		if depth == 0 && space(lower[i]) && end < len(lower) &&
			strings.HasPrefix(lower[i+1:], asKeyword) && space(lower[end]) {
			return strings.TrimSpace(ddl[:i]), strings.TrimSpace(ddl[end:]), nil
		}
	}
	return "", "", model.NewInvalidQuery("missing AS SELECT body in CREATE DYNAMIC TABLE statement")
}

// parseSelect hands body to sqlparser and walks the resulting AST into
// a model.Query, collecting the GROUP BY columns and referenced
// sources along the way.
func parseSelect(body string) (*model.Query, []ident.Column, []model.SourceRef, error) {
	stmt, err := sqlparser.Parse(body)
	if err != nil {
		return nil, nil, nil, model.NewInvalidQuery("cannot parse definition: " + err.Error())
	}
	sel, ok := stmt.(*sqlparser.Select)
	if !ok {
		return nil, nil, nil, model.NewInvalidQuery("dynamic table definition must be a single SELECT")
	}

	var sources []model.SourceRef
	seen := map[string]bool{}
	addSource := func(name ident.Source) {
		key := name.String()
		if seen[key] {
			return
		}
		seen[key] = true
		sources = append(sources, model.SourceRef{Name: name})
	}

	if len(sel.From) == 0 {
		return nil, nil, nil, model.NewInvalidQuery("dynamic table definition has no FROM clause")
	}
	from, joins, err := translateFrom(sel.From[0], addSource)
	if err != nil {
		return nil, nil, nil, err
	}
	for _, extra := range sel.From[1:] {
		ref, more, err := translateFrom(extra, addSource)
		if err != nil {
			return nil, nil, nil, err
		}
		joins = append(joins, model.Join{Kind: model.JoinCross, To: ref})
		joins = append(joins, more...)
	}

	projection, err := translateSelectExprs(sel.SelectExprs)
	if err != nil {
		return nil, nil, nil, err
	}

	var groupBy []model.ColumnRef
	var groupingKeys []ident.Column
	for _, e := range sel.GroupBy {
		col, ok := e.(*sqlparser.ColName)
		if !ok {
			return nil, nil, nil, model.NewInvalidQuery("GROUP BY must reference plain columns")
		}
		ref := translateColName(col)
		groupBy = append(groupBy, ref)
		groupingKeys = append(groupingKeys, ref.Column)
	}

	q := &model.Query{
		From:       from,
		Joins:      joins,
		Projection: projection,
		GroupBy:    groupBy,
		Distinct:   sel.Distinct != "",
	}
	if sel.Where != nil && sel.Where.Expr != nil {
		q.Where = model.Raw(sqlparser.String(sel.Where.Expr))
	}
	for _, o := range sel.OrderBy {
		q.OrderBy = append(q.OrderBy, model.OrderTerm{
			Expr: model.Expr{Raw: sqlparser.String(o.Expr)},
			Desc: o.Direction == sqlparser.DescScr,
		})
	}
	if sel.Limit != nil && sel.Limit.Rowcount != nil {
		text := sqlparser.String(sel.Limit.Rowcount)
		if n, perr := parseInt64(text); perr == nil {
			q.Limit = &n
		}
	}

	return q, groupingKeys, sources, nil
}

func translateFrom(expr sqlparser.TableExpr, addSource func(ident.Source)) (model.TableRef, []model.Join, error) {
	switch t := expr.(type) {
	case *sqlparser.AliasedTableExpr:
		name, ok := t.Expr.(sqlparser.TableName)
		if !ok {
			return model.TableRef{}, nil, model.NewInvalidQuery("only named tables and joins are supported in FROM")
		}
		src := tableNameToSource(name)
		addSource(src)
		ref := model.TableRef{Source: src}
		if !t.As.IsEmpty() {
			ref.Alias = ident.New(t.As.String())
		}
		return ref, nil, nil
	case *sqlparser.JoinTableExpr:
		left, leftJoins, err := translateFrom(t.LeftExpr, addSource)
		if err != nil {
			return model.TableRef{}, nil, err
		}
		right, rightJoins, err := translateFrom(t.RightExpr, addSource)
		if err != nil {
			return model.TableRef{}, nil, err
		}
		kind, err := translateJoinKind(t.Join)
		if err != nil {
			return model.TableRef{}, nil, err
		}
		join := model.Join{Kind: kind, To: right}
		if t.Condition.On != nil {
			join.On = model.Raw(sqlparser.String(t.Condition.On))
			join.OnColumns = extractEquiJoinColumns(t.Condition.On)
		}
		joins := append(leftJoins, rightJoins...)
		joins = append(joins, join)
		return left, joins, nil
	default:
		return model.TableRef{}, nil, model.NewInvalidQuery("unsupported FROM expression")
	}
}

// extractEquiJoinColumns walks On's structured AST (before it is
// discarded to Raw text) for a plain conjunction of `a.col = b.col`
// comparisons. Anything else it cannot follow — a function call, a
// literal comparison, an OR branch — is simply not returned; the
// affected-keys extractor treats a source with no recoverable
// equi-join columns as untranslatable.
func extractEquiJoinColumns(expr sqlparser.Expr) []model.JoinColumnPair {
	var out []model.JoinColumnPair
	var walk func(sqlparser.Expr)
	walk = func(e sqlparser.Expr) {
		switch v := e.(type) {
		case *sqlparser.AndExpr:
			walk(v.Left)
			walk(v.Right)
		case *sqlparser.ParenExpr:
			walk(v.Expr)
		case *sqlparser.ComparisonExpr:
			if v.Operator != sqlparser.EqualStr {
				return
			}
			lc, lok := v.Left.(*sqlparser.ColName)
			rc, rok := v.Right.(*sqlparser.ColName)
			if !lok || !rok {
				return
			}
			out = append(out, model.JoinColumnPair{Left: translateColName(lc), Right: translateColName(rc)})
		}
	}
	walk(expr)
	return out
}

func translateJoinKind(kind string) (model.JoinKind, error) {
	switch kind {
	case sqlparser.JoinStr, sqlparser.StraightJoinStr:
		return model.JoinInner, nil
	case sqlparser.LeftJoinStr:
		return model.JoinLeft, nil
	case sqlparser.RightJoinStr:
		return model.JoinRight, nil
	case sqlparser.FullJoinStr:
		return model.JoinFull, nil
	case sqlparser.CrossJoinStr:
		return model.JoinCross, nil
	default:
		return "", model.NewInvalidQuery("unsupported join kind " + kind)
	}
}

func tableNameToSource(name sqlparser.TableName) ident.Source {
	if name.Qualifier.IsEmpty() {
		return ident.Source{Name: ident.New(name.Name.String())}
	}
	return ident.Source{Schema: ident.New(name.Qualifier.String()), Name: ident.New(name.Name.String())}
}

func translateColName(col *sqlparser.ColName) model.ColumnRef {
	ref := model.ColumnRef{Column: ident.New(col.Name.String())}
	if !col.Qualifier.Name.IsEmpty() {
		ref.Table = ident.New(col.Qualifier.Name.String())
	}
	return ref
}

var aggregateNames = map[string]bool{
	"count": true, "sum": true, "min": true, "max": true, "avg": true,
}

func translateSelectExprs(exprs sqlparser.SelectExprs) ([]model.Expr, error) {
	out := make([]model.Expr, 0, len(exprs))
	for _, e := range exprs {
		switch se := e.(type) {
		case *sqlparser.StarExpr:
			out = append(out, model.Expr{Star: true})
		case *sqlparser.AliasedExpr:
			expr, err := translateExpr(se.Expr)
			if err != nil {
				return nil, err
			}
			if !se.As.IsEmpty() {
				expr.Alias = ident.New(se.As.String())
			}
			out = append(out, expr)
		default:
			return nil, model.NewInvalidQuery("unsupported projection item")
		}
	}
	return out, nil
}

func translateExpr(e sqlparser.Expr) (model.Expr, error) {
	switch v := e.(type) {
	case *sqlparser.ColName:
		col := translateColName(v)
		return model.Expr{Column: &col}, nil
	case *sqlparser.FuncExpr:
		name := strings.ToLower(v.Name.String())
		if !aggregateNames[name] {
			return model.Expr{Raw: sqlparser.String(v)}, nil
		}
		agg := model.Expr{Aggregate: strings.ToUpper(name)}
		if len(v.Exprs) == 1 {
			if star, ok := v.Exprs[0].(*sqlparser.StarExpr); ok && star != nil {
				return agg, nil
			}
			if aliased, ok := v.Exprs[0].(*sqlparser.AliasedExpr); ok {
				arg, err := translateExpr(aliased.Expr)
				if err != nil {
					return model.Expr{}, err
				}
				agg.Arg = &arg
			}
		}
		return agg, nil
	default:
		return model.Expr{Raw: sqlparser.String(e), NonDeterministic: containsVolatileCall(e)}, nil
	}
}

func containsVolatileCall(e sqlparser.Expr) bool {
	text := strings.ToLower(sqlparser.String(e))
	for _, fn := range []string{"now(", "random(", "uuid(", "current_timestamp"} {
		if strings.Contains(text, fn) {
			return true
		}
	}
	return false
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

// header parsing below.

type headerFields struct {
	name         ident.Table
	targetLag    model.TargetLag
	strategy     model.RefreshStrategyPolicy
	dedup        bool
	cardinality  float64
	allowParallel bool
	parallelThreshold int64
	maxParallelism    int
	initialize        model.Initialize
	comment           string
}

func parseHeader(header string) (model.DynamicTable, error) {
	fields := strings.Fields(header)
	if len(fields) < 4 ||
		!strings.EqualFold(fields[0], "create") ||
		!strings.EqualFold(fields[1], "dynamic") ||
		!strings.EqualFold(fields[2], "table") {
		return model.DynamicTable{}, model.NewInvalidQuery("statement must start with CREATE DYNAMIC TABLE")
	}

	rest := header[strings.Index(strings.ToLower(header), "table")+len("table"):]
	name, options := splitNameAndOptions(rest)
	qualified, err := ident.ParseTable(strings.TrimSpace(name))
	if err != nil {
		return model.DynamicTable{}, model.NewInvalidQuery("invalid table name: " + err.Error())
	}

	h := headerFields{
		name:        qualified,
		targetLag:   model.Downstream(),
		strategy:    model.StrategyAuto,
		cardinality: model.DefaultCardinalityThreshold,
		initialize:  model.InitializeOnCreate,
	}
	if err := applyOptions(&h, options); err != nil {
		return model.DynamicTable{}, err
	}

	return model.DynamicTable{
		Name:                 h.name,
		TargetLag:            h.targetLag,
		RefreshStrategy:      h.strategy,
		Deduplication:        h.dedup,
		CardinalityThreshold: h.cardinality,
		AllowParallel:        h.allowParallel,
		ParallelThreshold:    h.parallelThreshold,
		MaxParallelism:       h.maxParallelism,
		Initialize:           h.initialize,
		Status:               model.StatusActive,
		Comment:              h.comment,
	}, nil
}

// splitNameAndOptions separates the table name from a trailing
// WITH (key = value, ...) clause, if present.
func splitNameAndOptions(rest string) (name, options string) {
	lower := strings.ToLower(rest)
	idx := strings.Index(lower, "with")
	if idx < 0 {
		return strings.TrimSpace(rest), ""
	}
	name = strings.TrimSpace(rest[:idx])
	opts := strings.TrimSpace(rest[idx+len("with"):])
	opts = strings.TrimPrefix(opts, "(")
	opts = strings.TrimSuffix(opts, ")")
	return name, opts
}

func applyOptions(h *headerFields, options string) error {
	if options == "" {
		return nil
	}
	for _, kv := range splitTopLevel(options, ',') {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return model.NewInvalidQuery("malformed option " + kv)
		}
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		val := strings.Trim(strings.TrimSpace(parts[1]), `'"`)

		var err error
		switch key {
		case "target_lag":
			h.targetLag, err = parseTargetLag(val)
		case "refresh_strategy":
			h.strategy = model.RefreshStrategyPolicy(strings.ToLower(val))
		case "deduplication":
			h.dedup = strings.EqualFold(val, "true")
		case "cardinality_threshold":
			h.cardinality, err = parseFloat(val)
		case "allow_parallel":
			h.allowParallel = strings.EqualFold(val, "true")
		case "parallel_threshold":
			var n int64
			n, err = parseInt64(val)
			h.parallelThreshold = n
		case "max_parallelism":
			var n int64
			n, err = parseInt64(val)
			h.maxParallelism = int(n)
		case "initialize":
			h.initialize = model.Initialize(strings.ToLower(val))
		case "comment":
			h.comment = val
		default:
			return model.NewInvalidQuery("unknown option " + key)
		}
		if err != nil {
			return model.NewInvalidQuery("invalid value for " + key + ": " + err.Error())
		}
	}
	return nil
}

func parseTargetLag(val string) (model.TargetLag, error) {
	if strings.EqualFold(val, "downstream") {
		return model.Downstream(), nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return model.TargetLag{}, err
	}
	return model.Lag(d), nil
}

// splitTopLevel splits s on sep, ignoring occurrences nested inside
// parentheses, so e.g. a function-call option value isn't split apart.
func splitTopLevel(s string, sep byte) []string {
	var out []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case sep:
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
