// Package polyalg implements the textual and JSON serialization of an algebra.Node tree (the
// "polyalg" exchange format), so a query built by one process can be logged, diffed, or
// shipped to another for execution.
package polyalg

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/polyq/kernel"
	"github.com/polyq/kernel/algebra"
)

// wireNode mirrors algebra.Node with JSON tags and an Expr already flattened to its string
// form, since algebra.Expr is an interface with no registered concrete-type decoding.
type wireNode struct {
	Kind       string           `json:"kind"`
	Model      string           `json:"model,omitempty"`
	Convention string           `json:"convention,omitempty"`
	Inputs     []*wireNode      `json:"inputs,omitempty"`
	Entity     string           `json:"entity,omitempty"`
	Namespace  int              `json:"namespace,omitempty"`
	Rows       []map[string]any `json:"rows,omitempty"`
	Columns    []string         `json:"columns,omitempty"`
	Predicate  string           `json:"predicate,omitempty"`
	JoinKind   string           `json:"joinKind,omitempty"`
	SortKeys   []wireSortKey    `json:"sortKeys,omitempty"`
	GroupKeys  []string         `json:"groupKeys,omitempty"`
	Aggregates []wireAggregate  `json:"aggregates,omitempty"`
	ModifyKind string           `json:"modifyKind,omitempty"`
	Keys       []map[string]any `json:"keys,omitempty"`
	Pattern    string           `json:"pattern,omitempty"`
}

type wireSortKey struct {
	Column     string `json:"column"`
	Descending bool   `json:"descending,omitempty"`
}

type wireAggregate struct {
	Func   string `json:"func"`
	Column string `json:"column"`
	As     string `json:"as,omitempty"`
}

var kindNames = map[algebra.OpKind]string{
	algebra.OpScan: "scan", algebra.OpValues: "values", algebra.OpProject: "project",
	algebra.OpFilter: "filter", algebra.OpJoin: "join", algebra.OpUnion: "union",
	algebra.OpIntersect: "intersect", algebra.OpMinus: "minus", algebra.OpSort: "sort",
	algebra.OpAggregate: "aggregate", algebra.OpModify: "modify", algebra.OpIdentifier: "identifier",
	algebra.OpTransformer: "transformer", algebra.OpMatch: "match", algebra.OpUnwind: "unwind",
}

var namesToKind = func() map[string]algebra.OpKind {
	m := make(map[string]algebra.OpKind, len(kindNames))
	for k, v := range kindNames {
		m[v] = k
	}
	return m
}()

// Marshal serializes n to its JSON polyalg form.
func Marshal(n *algebra.Node) ([]byte, error) {
	return json.MarshalIndent(toWire(n), "", "  ")
}

// Unmarshal parses a JSON polyalg document into an algebra.Node tree.
func Unmarshal(data []byte) (*algebra.Node, error) {
	var w wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return fromWire(&w)
}

func toWire(n *algebra.Node) *wireNode {
	if n == nil {
		return nil
	}
	w := &wireNode{
		Kind:       kindNames[n.Kind],
		Model:      n.Model.String(),
		Convention: n.Convention.String(),
		Entity:     n.Entity.Name,
		Namespace:  int(n.Entity.Namespace),
		Rows:       n.Rows,
		Columns:    n.Columns,
		JoinKind:   n.JoinKind,
		GroupKeys:  n.GroupKeys,
		ModifyKind: n.ModifyKind,
		Keys:       n.Keys,
		Pattern:    n.Pattern,
	}
	if n.Predicate != nil {
		w.Predicate = n.Predicate.String()
	}
	for _, in := range n.Inputs {
		w.Inputs = append(w.Inputs, toWire(in))
	}
	for _, sk := range n.SortKeys {
		w.SortKeys = append(w.SortKeys, wireSortKey{Column: sk.Column, Descending: sk.Descending})
	}
	for _, a := range n.Aggregates {
		w.Aggregates = append(w.Aggregates, wireAggregate{Func: a.Func, Column: a.Column, As: a.As})
	}
	return w
}

func fromWire(w *wireNode) (*algebra.Node, error) {
	if w == nil {
		return nil, nil
	}
	kind, ok := namesToKind[w.Kind]
	if !ok {
		return nil, fmt.Errorf("polyalg: unknown operator kind %q", w.Kind)
	}
	n := &algebra.Node{
		Kind: kind,
		Entity: kernel.EntityInfo{
			Name:      w.Entity,
			Namespace: kernel.NamespaceID(w.Namespace),
		},
		Rows:       w.Rows,
		Columns:    w.Columns,
		JoinKind:   w.JoinKind,
		GroupKeys:  w.GroupKeys,
		ModifyKind: w.ModifyKind,
		Keys:       w.Keys,
		Pattern:    w.Pattern,
	}
	n.Model = parseModel(w.Model)
	n.Convention = parseConvention(w.Convention)
	if w.Predicate != "" {
		n.Predicate = algebra.RawExpr(w.Predicate)
	}
	for _, in := range w.Inputs {
		child, err := fromWire(in)
		if err != nil {
			return nil, err
		}
		n.Inputs = append(n.Inputs, child)
	}
	for _, sk := range w.SortKeys {
		n.SortKeys = append(n.SortKeys, algebra.SortKey{Column: sk.Column, Descending: sk.Descending})
	}
	for _, a := range w.Aggregates {
		n.Aggregates = append(n.Aggregates, algebra.AggregateExpr{Func: a.Func, Column: a.Column, As: a.As})
	}
	return n, nil
}

func parseModel(s string) kernel.DataModel {
	switch strings.ToLower(s) {
	case "document":
		return kernel.Document
	case "graph":
		return kernel.Graph
	default:
		return kernel.Relational
	}
}

func parseConvention(s string) algebra.Convention {
	switch s {
	case "PhysicalRelational":
		return algebra.PhysicalRelational
	case "PhysicalDocument":
		return algebra.PhysicalDocument
	case "PhysicalGraph":
		return algebra.PhysicalGraph
	default:
		return algebra.Logical
	}
}

// textExtras carries every operator-specific field the bare "(kind entity [predicate] ...)"
// text shape has no room for. It is marshaled as a trailing {...} JSON block so the text form
// stays lossless (spec §6: "Round-trip (parse → print) must be lossless modulo whitespace")
// without turning the whole node into JSON.
type textExtras struct {
	Namespace  int              `json:"namespace,omitempty"`
	Rows       []map[string]any `json:"rows,omitempty"`
	Columns    []string         `json:"columns,omitempty"`
	JoinKind   string           `json:"joinKind,omitempty"`
	SortKeys   []wireSortKey    `json:"sortKeys,omitempty"`
	GroupKeys  []string         `json:"groupKeys,omitempty"`
	Aggregates []wireAggregate  `json:"aggregates,omitempty"`
	ModifyKind string           `json:"modifyKind,omitempty"`
	Keys       []map[string]any `json:"keys,omitempty"`
	Pattern    string           `json:"pattern,omitempty"`
}

func (e textExtras) isZero() bool {
	return e.Namespace == 0 && len(e.Rows) == 0 && len(e.Columns) == 0 && e.JoinKind == "" &&
		len(e.SortKeys) == 0 && len(e.GroupKeys) == 0 && len(e.Aggregates) == 0 &&
		e.ModifyKind == "" && len(e.Keys) == 0 && e.Pattern == ""
}

// Print renders n as a single-line S-expression-like text form, useful for logs and test
// assertions, distinct from the JSON wire form.
func Print(n *algebra.Node) string {
	if n == nil {
		return "()"
	}
	var b strings.Builder
	writeText(&b, n)
	return b.String()
}

func writeText(b *strings.Builder, n *algebra.Node) {
	fmt.Fprintf(b, "(%s", kindNames[n.Kind])
	if n.Entity.Name != "" {
		fmt.Fprintf(b, " %s", n.Entity.Name)
	}
	if n.Predicate != nil {
		fmt.Fprintf(b, " [%s]", n.Predicate.String())
	}
	extras := textExtras{
		Namespace:  int(n.Entity.Namespace),
		Rows:       n.Rows,
		Columns:    n.Columns,
		JoinKind:   n.JoinKind,
		GroupKeys:  n.GroupKeys,
		ModifyKind: n.ModifyKind,
		Keys:       n.Keys,
		Pattern:    n.Pattern,
	}
	for _, sk := range n.SortKeys {
		extras.SortKeys = append(extras.SortKeys, wireSortKey{Column: sk.Column, Descending: sk.Descending})
	}
	for _, a := range n.Aggregates {
		extras.Aggregates = append(extras.Aggregates, wireAggregate{Func: a.Func, Column: a.Column, As: a.As})
	}
	if !extras.isZero() {
		blob, err := json.Marshal(extras)
		if err != nil {
			// extras is built entirely from JSON-safe primitives and slices of maps with
			// string keys, so this can only fail on a non-string map key smuggled in by a
			// caller that built the Node by hand rather than through the algebra package.
			panic(fmt.Sprintf("polyalg: extras not JSON-encodable: %v", err))
		}
		fmt.Fprintf(b, " %s", blob)
	}
	for _, in := range n.Inputs {
		b.WriteByte(' ')
		writeText(b, in)
	}
	b.WriteByte(')')
}

// Parse parses the S-expression-like text form produced by Print back into a Node tree. Only
// a conservative subset is accepted: it round-trips what Print emits, not arbitrary hand
// authored text.
func Parse(s string) (*algebra.Node, error) {
	p := &parser{input: s}
	n, err := p.parseNode()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, fmt.Errorf("polyalg: trailing input at byte %d", p.pos)
	}
	return n, nil
}

type parser struct {
	input string
	pos   int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

func (p *parser) parseNode() (*algebra.Node, error) {
	p.skipSpace()
	if p.pos >= len(p.input) || p.input[p.pos] != '(' {
		return nil, fmt.Errorf("polyalg: expected '(' at byte %d", p.pos)
	}
	p.pos++
	name := p.parseToken()
	kind, ok := namesToKind[name]
	if !ok {
		return nil, fmt.Errorf("polyalg: unknown operator kind %q", name)
	}
	n := &algebra.Node{Kind: kind}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) {
			return nil, fmt.Errorf("polyalg: unterminated node")
		}
		switch p.input[p.pos] {
		case ')':
			p.pos++
			return n, nil
		case '(':
			child, err := p.parseNode()
			if err != nil {
				return nil, err
			}
			n.Inputs = append(n.Inputs, child)
		case '[':
			end := strings.IndexByte(p.input[p.pos:], ']')
			if end < 0 {
				return nil, fmt.Errorf("polyalg: unterminated predicate")
			}
			n.Predicate = algebra.RawExpr(p.input[p.pos+1 : p.pos+end])
			p.pos += end + 1
		case '{':
			var extras textExtras
			dec := json.NewDecoder(strings.NewReader(p.input[p.pos:]))
			if err := dec.Decode(&extras); err != nil {
				return nil, fmt.Errorf("polyalg: invalid extras block at byte %d: %w", p.pos, err)
			}
			p.pos += int(dec.InputOffset())
			n.Entity.Namespace = kernel.NamespaceID(extras.Namespace)
			n.Rows = extras.Rows
			n.Columns = extras.Columns
			n.JoinKind = extras.JoinKind
			n.GroupKeys = extras.GroupKeys
			n.ModifyKind = extras.ModifyKind
			n.Keys = extras.Keys
			n.Pattern = extras.Pattern
			for _, sk := range extras.SortKeys {
				n.SortKeys = append(n.SortKeys, algebra.SortKey{Column: sk.Column, Descending: sk.Descending})
			}
			for _, a := range extras.Aggregates {
				n.Aggregates = append(n.Aggregates, algebra.AggregateExpr{Func: a.Func, Column: a.Column, As: a.As})
			}
		default:
			tok := p.parseToken()
			if tok == "" {
				return nil, fmt.Errorf("polyalg: unexpected byte %q at %d", p.input[p.pos], p.pos)
			}
			if n.Entity.Name == "" {
				n.Entity.Name = tok
			}
		}
	}
}

func (p *parser) parseToken() string {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c == ' ' || c == '(' || c == ')' || c == '[' || c == ']' {
			break
		}
		p.pos++
	}
	return p.input[start:p.pos]
}
