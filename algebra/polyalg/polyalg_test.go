package polyalg

import (
	"testing"

	"github.com/polyq/kernel"
	"github.com/polyq/kernel/algebra"
)

func sampleTree() *algebra.Node {
	scan := &algebra.Node{
		Kind:   algebra.OpScan,
		Model:  kernel.Relational,
		Entity: kernel.EntityInfo{Name: "orders", Namespace: 1},
	}
	return &algebra.Node{
		Kind:      algebra.OpFilter,
		Model:     kernel.Relational,
		Predicate: algebra.RawExpr("status == \"open\""),
		Inputs:    []*algebra.Node{scan},
	}
}

// Round-trip (testable property 9): Parse(Print(n)) and Unmarshal(Marshal(n)) must both
// reproduce the same comparison key as the original tree.
func TestTextRoundTrip(t *testing.T) {
	n := sampleTree()
	text := Print(n)
	parsed, err := Parse(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.CompareKey() != n.CompareKey() {
		t.Fatalf("round trip mismatch:\n  got  %s\n  want %s", parsed.CompareKey(), n.CompareKey())
	}
}

func TestJSONRoundTrip(t *testing.T) {
	n := sampleTree()
	data, err := Marshal(n)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	parsed, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed.CompareKey() != n.CompareKey() {
		t.Fatalf("round trip mismatch:\n  got  %s\n  want %s", parsed.CompareKey(), n.CompareKey())
	}
}

// operatorSamples exercises every field Node carries per operator kind, so a round-trip test
// that only ever sees Scan+Filter (which need none of them) can't hide a lossy serialization.
func operatorSamples() map[string]*algebra.Node {
	values := &algebra.Node{
		Kind:  algebra.OpValues,
		Model: kernel.Relational,
		Rows: []map[string]any{
			{"id": float64(1), "name": "a"},
			{"id": float64(2), "name": "b"},
		},
	}
	project := &algebra.Node{
		Kind:    algebra.OpProject,
		Model:   kernel.Relational,
		Columns: []string{"id", "name", "status"},
		Inputs:  []*algebra.Node{values},
	}
	join := &algebra.Node{
		Kind:     algebra.OpJoin,
		Model:    kernel.Relational,
		JoinKind: "left",
		Inputs: []*algebra.Node{
			{Kind: algebra.OpScan, Entity: kernel.EntityInfo{Name: "orders", Namespace: 1}},
			{Kind: algebra.OpScan, Entity: kernel.EntityInfo{Name: "customers", Namespace: 1}},
		},
	}
	sort := &algebra.Node{
		Kind: algebra.OpSort,
		SortKeys: []algebra.SortKey{
			{Column: "created_at", Descending: true},
			{Column: "id", Descending: false},
		},
		Inputs: []*algebra.Node{{Kind: algebra.OpScan, Entity: kernel.EntityInfo{Name: "orders"}}},
	}
	aggregate := &algebra.Node{
		Kind:      algebra.OpAggregate,
		GroupKeys: []string{"customer_id"},
		Aggregates: []algebra.AggregateExpr{
			{Func: "sum", Column: "total", As: "total_sum"},
			{Func: "count", Column: "id", As: "order_count"},
		},
		Inputs: []*algebra.Node{{Kind: algebra.OpScan, Entity: kernel.EntityInfo{Name: "orders"}}},
	}
	modify := &algebra.Node{
		Kind:       algebra.OpModify,
		ModifyKind: "update",
		Entity:     kernel.EntityInfo{Name: "orders", Namespace: 2},
		Keys:       []map[string]any{{"id": float64(7)}},
		Rows:       []map[string]any{{"status": "shipped"}},
	}
	match := &algebra.Node{
		Kind:    algebra.OpMatch,
		Pattern: "(a)-[:FOLLOWS]->(b)",
	}
	return map[string]*algebra.Node{
		"values":    values,
		"project":   project,
		"join":      join,
		"sort":      sort,
		"aggregate": aggregate,
		"modify":    modify,
		"match":     match,
	}
}

func TestTextRoundTripEveryOperatorField(t *testing.T) {
	for name, n := range operatorSamples() {
		t.Run(name, func(t *testing.T) {
			text := Print(n)
			parsed, err := Parse(text)
			if err != nil {
				t.Fatalf("parse(%q): %v", text, err)
			}
			if got, want := parsed.CompareKey(), n.CompareKey(); got != want {
				t.Fatalf("round trip mismatch for %s:\n  text %s\n  got  %s\n  want %s", name, text, got, want)
			}
		})
	}
}

func TestJSONRoundTripEveryOperatorField(t *testing.T) {
	for name, n := range operatorSamples() {
		t.Run(name, func(t *testing.T) {
			data, err := Marshal(n)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			parsed, err := Unmarshal(data)
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got, want := parsed.CompareKey(), n.CompareKey(); got != want {
				t.Fatalf("round trip mismatch for %s:\n  got  %s\n  want %s", name, got, want)
			}
		})
	}
}
