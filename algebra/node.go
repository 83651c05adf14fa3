// Package algebra defines the cross-model algebra intermediate representation (spec
// component C7): a single tagged operator tree that can describe a relational, document, or
// graph query, carried from parsing through MVCC rewrite (package rewrite) to physical
// planning (package plan).
package algebra

import (
	"fmt"
	"sort"
	"strings"

	"github.com/polyq/kernel"
)

// OpKind names an algebra operator. The same OpKind value is shared across data models;
// which fields of Node are meaningful for a given OpKind is documented on the constant.
type OpKind int

const (
	OpUnknown OpKind = iota
	// OpScan reads every visible row of Entity. Relational, document, and graph leaf.
	OpScan
	// OpValues produces Rows as literal input rows; no Entity.
	OpValues
	// OpProject keeps only the named Columns of its single input.
	OpProject
	// OpFilter keeps rows of its single input for which Predicate evaluates true.
	OpFilter
	// OpJoin combines two inputs on Predicate. JoinKind says inner/left/right/full.
	OpJoin
	// OpUnion concatenates rows from two or more inputs of identical RowType.
	OpUnion
	// OpIntersect keeps rows present in every input.
	OpIntersect
	// OpMinus keeps rows of the first input absent from the rest.
	OpMinus
	// OpSort orders its single input by SortKeys.
	OpSort
	// OpAggregate groups its single input by GroupKeys and computes Aggregates.
	OpAggregate
	// OpModify stages an insert/update/delete (ModifyKind) against Entity.
	OpModify
	// OpIdentifier is injected by the MVCC rewrite pass: stamps or strips the _eid/_vid
	// reserved fields on a relational row stream.
	OpIdentifier
	// OpTransformer is a document-model map/flatten step (e.g. nested field projection).
	OpTransformer
	// OpMatch is a graph-model pattern step: Pattern describes a vertex/edge chain.
	OpMatch
	// OpUnwind expands a multi-valued document field into one row per element.
	OpUnwind
)

func (k OpKind) String() string {
	names := [...]string{
		"Unknown", "Scan", "Values", "Project", "Filter", "Join", "Union", "Intersect",
		"Minus", "Sort", "Aggregate", "Modify", "Identifier", "Transformer", "Match", "Unwind",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "Unknown"
}

// Convention marks whether a Node is still in the model-agnostic logical algebra or has been
// assigned to a specific adapter family by the planner (spec component C9).
type Convention int

const (
	Logical Convention = iota
	PhysicalRelational
	PhysicalDocument
	PhysicalGraph
)

func (c Convention) String() string {
	switch c {
	case PhysicalRelational:
		return "PhysicalRelational"
	case PhysicalDocument:
		return "PhysicalDocument"
	case PhysicalGraph:
		return "PhysicalGraph"
	default:
		return "Logical"
	}
}

// Field is one column of a Node's output row type.
type Field struct {
	Name string
	// Type is a free-form type tag (e.g. "int64", "string", "any") since document and
	// graph fields are not statically typed the way relational columns are.
	Type string
}

// Traits records cross-cutting physical properties a planning rule may need to check or
// assert, independent of operator kind.
type Traits struct {
	Collation    []string // column names the output is already sorted by, if any
	Distribution string   // "single" | "any" | adapter-specific partitioning tag
}

// Node is one operator in the algebra tree. Only the fields relevant to Kind are populated;
// the rest are left zero.
type Node struct {
	Kind       OpKind
	Model      kernel.DataModel
	Convention Convention
	Inputs     []*Node

	Entity kernel.EntityInfo
	Rows   []map[string]any // for OpValues

	Columns    []string       // OpProject
	Predicate  Expr           // OpFilter, OpJoin
	JoinKind   string         // "inner" | "left" | "right" | "full", for OpJoin
	SortKeys   []SortKey      // OpSort
	GroupKeys  []string       // OpAggregate
	Aggregates []AggregateExpr // OpAggregate

	ModifyKind string           // "insert" | "update" | "delete", for OpModify
	Keys       []map[string]any // OpModify: identifying keys for update/delete
	Pattern    string           // OpMatch: textual vertex/edge pattern, adapter-native

	RowType []Field
	Traits  Traits
}

// SortKey is one OpSort ordering term.
type SortKey struct {
	Column     string
	Descending bool
}

// AggregateExpr is one OpAggregate output column.
type AggregateExpr struct {
	Func   string // "count" | "sum" | "min" | "max" | "avg"
	Column string
	As     string
}

// Expr is a leaf boolean/scalar expression attached to Filter/Join nodes. It is opaque to the
// algebra package itself; the REX expression language (package rex, backed by cel-go) and
// constraint evaluation both implement it.
type Expr interface {
	String() string
}

// RawExpr is the simplest Expr: an adapter-native or CEL source string carried verbatim.
type RawExpr string

func (r RawExpr) String() string { return string(r) }

// Copy returns a structural deep copy of n, used by rewrite passes that must not mutate a
// shared input tree. Row and key maps are copied one level deep; the values inside them are
// shared.
func (n *Node) Copy() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.Inputs = make([]*Node, len(n.Inputs))
	for i, in := range n.Inputs {
		c.Inputs[i] = in.Copy()
	}
	c.Columns = append([]string(nil), n.Columns...)
	c.SortKeys = append([]SortKey(nil), n.SortKeys...)
	c.GroupKeys = append([]string(nil), n.GroupKeys...)
	c.Aggregates = append([]AggregateExpr(nil), n.Aggregates...)
	c.RowType = append([]Field(nil), n.RowType...)
	copyMaps := func(src []map[string]any) []map[string]any {
		if src == nil {
			return nil
		}
		dst := make([]map[string]any, len(src))
		for i, m := range src {
			dst[i] = make(map[string]any, len(m))
			for k, v := range m {
				dst[i][k] = v
			}
		}
		return dst
	}
	c.Rows = copyMaps(n.Rows)
	c.Keys = copyMaps(n.Keys)
	c.Traits.Collation = append([]string(nil), n.Traits.Collation...)
	return &c
}

// CompareKey returns a stable, content-addressed string for n and its whole subtree, so two
// structurally identical trees compare equal even if built independently. Used by the planner
// to memoize and by tests asserting rewrite output, working around OpKind/Convention not
// being otherwise comparable across pointer-identity node trees.
func (n *Node) CompareKey() string {
	if n == nil {
		return "nil"
	}
	var b strings.Builder
	n.writeKey(&b)
	return b.String()
}

func (n *Node) writeKey(b *strings.Builder) {
	fmt.Fprintf(b, "(%s/%s/%s", n.Kind, n.Model, n.Convention)
	if n.Entity.Name != "" {
		fmt.Fprintf(b, " entity=%s@%d", n.Entity.Name, n.Entity.Namespace)
	}
	if len(n.Columns) > 0 {
		cols := append([]string(nil), n.Columns...)
		sort.Strings(cols)
		fmt.Fprintf(b, " cols=%s", strings.Join(cols, ","))
	}
	if n.Predicate != nil {
		fmt.Fprintf(b, " pred=%s", n.Predicate.String())
	}
	if n.JoinKind != "" {
		fmt.Fprintf(b, " join=%s", n.JoinKind)
	}
	if len(n.SortKeys) > 0 {
		parts := make([]string, len(n.SortKeys))
		for i, sk := range n.SortKeys {
			parts[i] = fmt.Sprintf("%s:%v", sk.Column, sk.Descending)
		}
		fmt.Fprintf(b, " sort=%s", strings.Join(parts, ","))
	}
	if len(n.GroupKeys) > 0 {
		keys := append([]string(nil), n.GroupKeys...)
		sort.Strings(keys)
		fmt.Fprintf(b, " group=%s", strings.Join(keys, ","))
	}
	if len(n.Aggregates) > 0 {
		parts := make([]string, len(n.Aggregates))
		for i, a := range n.Aggregates {
			parts[i] = fmt.Sprintf("%s(%s)as%s", a.Func, a.Column, a.As)
		}
		fmt.Fprintf(b, " agg=%s", strings.Join(parts, ","))
	}
	if n.ModifyKind != "" {
		fmt.Fprintf(b, " modify=%s", n.ModifyKind)
	}
	if len(n.Keys) > 0 {
		fmt.Fprintf(b, " keys=%s", mapsKey(n.Keys))
	}
	if len(n.Rows) > 0 {
		fmt.Fprintf(b, " rows=%s", mapsKey(n.Rows))
	}
	if n.Pattern != "" {
		fmt.Fprintf(b, " pattern=%s", n.Pattern)
	}
	for _, in := range n.Inputs {
		b.WriteByte(' ')
		in.writeKey(b)
	}
	b.WriteByte(')')
}

// mapsKey renders a slice of row/key maps as a stable string: each map's keys sorted, values
// formatted with %v, maps joined in slice order (Rows/Keys order is itself significant).
func mapsKey(rows []map[string]any) string {
	parts := make([]string, len(rows))
	for i, row := range rows {
		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		kvs := make([]string, len(keys))
		for j, k := range keys {
			kvs[j] = fmt.Sprintf("%s=%v", k, row[k])
		}
		parts[i] = "{" + strings.Join(kvs, ",") + "}"
	}
	return strings.Join(parts, ";")
}
