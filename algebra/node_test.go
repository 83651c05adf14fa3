package algebra

import "testing"

func TestCopyIsStructurallyIndependent(t *testing.T) {
	scan := &Node{Kind: OpScan, Columns: []string{"a", "b"}}
	root := &Node{Kind: OpProject, Columns: []string{"a"}, Inputs: []*Node{scan}}

	clone := root.Copy()
	clone.Columns[0] = "mutated"
	clone.Inputs[0].Columns[0] = "mutated-child"

	if root.Columns[0] != "a" {
		t.Fatalf("mutating the copy's columns affected the original: %v", root.Columns)
	}
	if scan.Columns[0] != "a" {
		t.Fatalf("mutating the copy's child affected the original child: %v", scan.Columns)
	}
}

func TestCompareKeyIgnoresColumnOrder(t *testing.T) {
	a := &Node{Kind: OpProject, Columns: []string{"a", "b"}}
	b := &Node{Kind: OpProject, Columns: []string{"b", "a"}}
	if a.CompareKey() != b.CompareKey() {
		t.Fatalf("expected column-order-independent keys, got %q vs %q", a.CompareKey(), b.CompareKey())
	}
}

func TestCompareKeyDistinguishesPredicates(t *testing.T) {
	a := &Node{Kind: OpFilter, Predicate: RawExpr("x > 1")}
	b := &Node{Kind: OpFilter, Predicate: RawExpr("x > 2")}
	if a.CompareKey() == b.CompareKey() {
		t.Fatal("expected different predicates to produce different compare keys")
	}
}
