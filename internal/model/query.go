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

package model

import (
	"fmt"
	"strings"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ident"
)

// Query is the typed AST for a dynamic table's definition: a FROM, any
// number of JOINs, an optional WHERE, GROUP BY, projection, ORDER BY
// and LIMIT, plus leading CTEs. The rewriter transforms a Query into
// another Query; nothing downstream of the rewriter concatenates raw
// SQL fragments. Render is the single point where the AST becomes
// text.
type Query struct {
	With       []CTE
	From       TableRef
	Joins      []Join
	Where      *Predicate
	Distinct   bool
	GroupBy    []ColumnRef
	Projection []Expr
	OrderBy    []OrderTerm
	Limit      *int64

	// SetOp is non-empty when this query is the left side of a
	// UNION/INTERSECT/EXCEPT; Other is its right side.
	SetOp SetOp
	Other *Query
}

// SetOp names a set operation combining two queries; the empty value
// means "no set operation".
type SetOp string

const (
	SetOpNone      SetOp = ""
	SetOpUnion     SetOp = "UNION"
	SetOpUnionAll  SetOp = "UNION ALL"
	SetOpIntersect SetOp = "INTERSECT"
	SetOpExcept    SetOp = "EXCEPT"
)

// CTE is one WITH-clause binding. CTE-defined names are never pinned
// by the rewriter: they derive from already-pinned base sources.
type CTE struct {
	Name      ident.Ident
	Query     *Query
	Recursive bool
}

// TableRef names a relation occurrence within a query: a source name
// plus the alias it is referenced by elsewhere in the same query (or
// subquery). IsDynamicSource mirrors SourceRef.IsDynamicSource and
// tells the rewriter to skip pinning this occurrence.
type TableRef struct {
	Source          ident.Source
	Alias           ident.Ident
	IsDynamicSource bool

	// Pin is set by the rewriter; empty means "unpinned" (either a CTE
	// reference or a DynamicTable source).
	Pin string

	// Subquery is set when this FROM/JOIN item is a derived table
	// rather than a named relation.
	Subquery *Query
}

// JoinKind enumerates the join types the rewriter and renderer
// support; this list is deliberately small — anything else is
// classified InvalidQuery at parse time.
type JoinKind string

const (
	JoinInner JoinKind = "INNER"
	JoinLeft  JoinKind = "LEFT"
	JoinRight JoinKind = "RIGHT"
	JoinFull  JoinKind = "FULL"
	JoinCross JoinKind = "CROSS"
)

// Join is one JOIN clause against another TableRef.
type Join struct {
	Kind JoinKind
	To   TableRef
	On   *Predicate

	// OnColumns holds the equi-join column pairs extracted from On
	// when On is a plain conjunction of `a.col = b.col` comparisons;
	// it is empty when On has any other shape (a function call, a
	// literal comparison, an OR). The affected-keys extractor uses
	// this to follow a changed source's identity across the join into
	// another source's columns; On itself remains the only thing
	// Render ever emits.
	OnColumns []JoinColumnPair
}

// JoinColumnPair is one `a.col = b.col` equality extracted from a
// Join's ON clause.
type JoinColumnPair struct {
	Left  ColumnRef
	Right ColumnRef
}

// ColumnRef is a (possibly table-qualified) column reference, used in
// GROUP BY and predicate leaves.
type ColumnRef struct {
	Table  ident.Ident // empty if unqualified
	Column ident.Column
}

// String renders a column reference in dotted form.
func (c ColumnRef) String() string {
	if c.Table.Empty() {
		return c.Column.String()
	}
	return c.Table.String() + "." + c.Column.String()
}

// Expr is a projection expression. Only the small set of shapes the
// engine needs to classify (plain column, aggregate call, star,
// arbitrary opaque expression text) is modeled; anything richer is
// carried as Raw and only ever rendered, never introspected.
type Expr struct {
	Column *ColumnRef
	Alias  ident.Ident

	// Aggregate is set for COUNT/SUM/MIN/MAX/etc. projections; Arg is
	// the inner expression (nil for COUNT(*)).
	Aggregate string
	Arg       *Expr

	Star bool

	// Raw carries any expression text the model doesn't need to
	// inspect structurally; used for literal/opaque projections.
	Raw string

	// NonDeterministic flags functions like now()/random()/uuid() the
	// classifier must reject for affected-keys targets.
	NonDeterministic bool

	// Window is set when this projection is a window function call;
	// PartitionBy being empty marks it unbounded, which the classifier
	// rejects for affected-keys targets.
	Window *WindowSpec
}

// WindowSpec is the OVER(...) clause of a window function.
type WindowSpec struct {
	PartitionBy []ColumnRef
	OrderBy     []OrderTerm
}

// OrderTerm is one ORDER BY item.
type OrderTerm struct {
	Expr Expr
	Desc bool
}

// PredicateOp enumerates the boolean/comparison operators the AST
// supports.
type PredicateOp string

const (
	OpAnd    PredicateOp = "AND"
	OpOr     PredicateOp = "OR"
	OpEq     PredicateOp = "="
	OpNeq    PredicateOp = "<>"
	OpLt     PredicateOp = "<"
	OpLte    PredicateOp = "<="
	OpGt     PredicateOp = ">"
	OpGte    PredicateOp = ">="
	OpIn     PredicateOp = "IN"
	OpRaw    PredicateOp = "RAW"
)

// Predicate is a node in a WHERE-clause expression tree. Leaf nodes
// use Left/Literal; AND/OR nodes use Children.
type Predicate struct {
	Op       PredicateOp
	Children []*Predicate

	Left    *Expr
	Literal string // pre-rendered literal or placeholder text
}

// And builds a conjunction of non-nil predicates, flattening nested
// ANDs so repeated AddPredicate calls don't nest arbitrarily deep.
func And(preds ...*Predicate) *Predicate {
	var flat []*Predicate
	for _, p := range preds {
		if p == nil {
			continue
		}
		if p.Op == OpAnd {
			flat = append(flat, p.Children...)
			continue
		}
		flat = append(flat, p)
	}
	switch len(flat) {
	case 0:
		return nil
	case 1:
		return flat[0]
	default:
		return &Predicate{Op: OpAnd, Children: flat}
	}
}

// InExpr builds `expr IN (values...)`, used by the affected-keys
// predicate the executor AND-combines into the definition query.
func InExpr(col ColumnRef, placeholder string) *Predicate {
	e := Expr{Column: &col}
	return &Predicate{Op: OpIn, Left: &e, Literal: placeholder}
}

// Raw wraps an opaque, already-rendered predicate fragment (e.g. a
// partition expression supplied verbatim in DDL) so it composes with
// And/InExpr without the AST needing to parse it.
func Raw(text string) *Predicate {
	if text == "" {
		return nil
	}
	return &Predicate{Op: OpRaw, Literal: text}
}

// Render turns the AST into executable SQL text. It is the single
// point in the engine allowed to produce a query string from a Query;
// every other package operates on the AST.
func (q *Query) Render() string {
	var b strings.Builder
	q.render(&b)
	return b.String()
}

func (q *Query) render(b *strings.Builder) {
	if len(q.With) > 0 {
		b.WriteString("WITH ")
		for i, c := range q.With {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(c.Name.String())
			b.WriteString(" AS (")
			c.Query.render(b)
			b.WriteString(")")
		}
		b.WriteString(" ")
	}

	b.WriteString("SELECT ")
	if q.Distinct {
		b.WriteString("DISTINCT ")
	}
	if len(q.Projection) == 0 {
		b.WriteString("*")
	} else {
		for i, e := range q.Projection {
			if i > 0 {
				b.WriteString(", ")
			}
			renderExpr(b, e)
		}
	}

	b.WriteString(" FROM ")
	renderTableRef(b, q.From)

	for _, j := range q.Joins {
		b.WriteString(" ")
		b.WriteString(string(j.Kind))
		b.WriteString(" JOIN ")
		renderTableRef(b, j.To)
		if j.On != nil {
			b.WriteString(" ON ")
			renderPredicate(b, j.On)
		}
	}

	if q.Where != nil {
		b.WriteString(" WHERE ")
		renderPredicate(b, q.Where)
	}

	if len(q.GroupBy) > 0 {
		b.WriteString(" GROUP BY ")
		for i, c := range q.GroupBy {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(c.String())
		}
	}

	if len(q.OrderBy) > 0 {
		b.WriteString(" ORDER BY ")
		for i, o := range q.OrderBy {
			if i > 0 {
				b.WriteString(", ")
			}
			renderExpr(b, o.Expr)
			if o.Desc {
				b.WriteString(" DESC")
			}
		}
	}

	if q.Limit != nil {
		fmt.Fprintf(b, " LIMIT %d", *q.Limit)
	}

	if q.SetOp != SetOpNone && q.Other != nil {
		b.WriteString(" ")
		b.WriteString(string(q.SetOp))
		b.WriteString(" ")
		q.Other.render(b)
	}
}

func renderTableRef(b *strings.Builder, t TableRef) {
	switch {
	case t.Subquery != nil:
		b.WriteString("(")
		t.Subquery.render(b)
		b.WriteString(")")
	case t.Pin != "":
		fmt.Fprintf(b, "%s AS OF SNAPSHOT '%s'", t.Source.String(), t.Pin)
	default:
		b.WriteString(t.Source.String())
	}
	if !t.Alias.Empty() {
		b.WriteString(" ")
		b.WriteString(t.Alias.String())
	}
}

func renderExpr(b *strings.Builder, e Expr) {
	switch {
	case e.Star:
		b.WriteString("*")
	case e.Aggregate != "":
		b.WriteString(e.Aggregate)
		b.WriteString("(")
		if e.Arg == nil {
			b.WriteString("*")
		} else {
			renderExpr(b, *e.Arg)
		}
		b.WriteString(")")
	case e.Column != nil:
		b.WriteString(e.Column.String())
	default:
		b.WriteString(e.Raw)
	}
	if e.Window != nil {
		b.WriteString(" OVER (")
		if len(e.Window.PartitionBy) > 0 {
			b.WriteString("PARTITION BY ")
			for i, c := range e.Window.PartitionBy {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(c.String())
			}
		}
		b.WriteString(")")
	}
	if !e.Alias.Empty() {
		b.WriteString(" AS ")
		b.WriteString(e.Alias.String())
	}
}

func renderPredicate(b *strings.Builder, p *Predicate) {
	switch p.Op {
	case OpAnd, OpOr:
		for i, c := range p.Children {
			if i > 0 {
				b.WriteString(" ")
				b.WriteString(string(p.Op))
				b.WriteString(" ")
			}
			needsParens := c.Op == OpOr && p.Op == OpAnd
			if needsParens {
				b.WriteString("(")
			}
			renderPredicate(b, c)
			if needsParens {
				b.WriteString(")")
			}
		}
	case OpRaw:
		b.WriteString(p.Literal)
	case OpIn:
		renderExpr(b, *p.Left)
		b.WriteString(" IN (")
		b.WriteString(p.Literal)
		b.WriteString(")")
	default:
		renderExpr(b, *p.Left)
		b.WriteString(" ")
		b.WriteString(string(p.Op))
		b.WriteString(" ")
		b.WriteString(p.Literal)
	}
}

// AllTableRefs walks the query (including JOINs and nested
// subqueries, but not CTE bodies) and returns every TableRef
// occurrence, in encounter order. The create command uses this to find
// every source a definition references; CTE bodies are excluded per the
// contract that CTE-defined names are not pinned.
func (q *Query) AllTableRefs() []*TableRef {
	var out []*TableRef
	var walk func(*Query)
	walk = func(sub *Query) {
		if sub == nil {
			return
		}
		collectRef(&sub.From, &out)
		for i := range sub.Joins {
			collectRef(&sub.Joins[i].To, &out)
		}
	}
	walk(q)
	return out
}

func collectRef(ref *TableRef, out *[]*TableRef) {
	if ref.Subquery != nil {
		walk := ref.Subquery
		collectRef(&walk.From, out)
		for i := range walk.Joins {
			collectRef(&walk.Joins[i].To, out)
		}
		return
	}
	*out = append(*out, ref)
}

// AliasFor returns the alias (or bare source name, if unaliased)
// under which source occurs in q's top-level FROM/JOINs, and whether
// it was found at all. Subqueries and CTE bodies are not searched:
// the affected-keys translator only ever calls this for a base-lake
// source that is a direct member of the definition's join chain.
func (q *Query) AliasFor(source ident.Source) (string, bool) {
	if q.From.Source.String() == source.String() {
		return aliasOrName(q.From), true
	}
	for _, j := range q.Joins {
		if j.To.Source.String() == source.String() {
			return aliasOrName(j.To), true
		}
	}
	return "", false
}

func aliasOrName(ref TableRef) string {
	if !ref.Alias.Empty() {
		return ref.Alias.String()
	}
	return ref.Source.Name.String()
}

// JoinColumnsForAlias returns every column, on alias's side of an
// equi-join condition, across q's Joins — used to translate a changed
// source's identity into the columns that relate it to the rest of
// the definition.
func (q *Query) JoinColumnsForAlias(alias string) []ColumnRef {
	var cols []ColumnRef
	for _, j := range q.Joins {
		for _, pair := range j.OnColumns {
			if pair.Left.Table.String() == alias {
				cols = append(cols, pair.Left)
			}
			if pair.Right.Table.String() == alias {
				cols = append(cols, pair.Right)
			}
		}
	}
	return cols
}

// CTENames returns the set of names bound by this query's WITH
// clause, used by the rewriter to recognize references that must NOT
// be pinned.
func (q *Query) CTENames() map[string]bool {
	names := make(map[string]bool, len(q.With))
	for _, c := range q.With {
		names[c.Name.Raw()] = true
	}
	return names
}
