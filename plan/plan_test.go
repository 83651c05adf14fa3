package plan

import (
	"testing"

	"github.com/polyq/kernel"
	"github.com/polyq/kernel/algebra"
)

func TestLeafScanGetsPhysicalConvention(t *testing.T) {
	scan := &algebra.Node{
		Kind: algebra.OpScan, Model: kernel.Relational,
		Entity: kernel.EntityInfo{Name: "orders"},
	}
	d := NewDriver(func(kernel.EntityInfo) Capability { return Capability{Model: kernel.Relational} })
	out := d.Plan(scan)
	if out.Convention != algebra.PhysicalRelational {
		t.Fatalf("expected PhysicalRelational, got %s", out.Convention)
	}
}

func TestFilterPushesDownWhenAdapterSupportsIt(t *testing.T) {
	scan := &algebra.Node{
		Kind: algebra.OpScan, Model: kernel.Relational,
		Entity: kernel.EntityInfo{Name: "orders"},
	}
	filter := &algebra.Node{
		Kind: algebra.OpFilter, Model: kernel.Relational,
		Predicate: algebra.RawExpr("status == \"open\""),
		Inputs:    []*algebra.Node{scan},
	}
	d := NewDriver(func(kernel.EntityInfo) Capability {
		return Capability{Model: kernel.Relational, SupportsFilter: true}
	})
	out := d.Plan(filter)
	if out.Kind != algebra.OpScan {
		t.Fatalf("expected filter to collapse into the scan, got %s", out.Kind)
	}
	if out.Predicate == nil || out.Predicate.String() == "" {
		t.Fatal("expected the predicate to survive pushdown")
	}
}

func TestFilterStaysSeparateWithoutPushdownSupport(t *testing.T) {
	scan := &algebra.Node{
		Kind: algebra.OpScan, Model: kernel.Document,
		Entity: kernel.EntityInfo{Name: "events"},
	}
	filter := &algebra.Node{
		Kind:      algebra.OpFilter,
		Predicate: algebra.RawExpr("kind == \"click\""),
		Inputs:    []*algebra.Node{scan},
	}
	d := NewDriver(func(kernel.EntityInfo) Capability {
		return Capability{Model: kernel.Document, SupportsFilter: false}
	})
	out := d.Plan(filter)
	if out.Kind != algebra.OpFilter {
		t.Fatalf("expected filter node to remain separate, got %s", out.Kind)
	}
	if out.Inputs[0].Convention != algebra.PhysicalDocument {
		t.Fatalf("expected scan input to be assigned PhysicalDocument, got %s", out.Inputs[0].Convention)
	}
}
