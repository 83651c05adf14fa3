// Package plan implements the rule-based planner driver (spec component C9): it converts a
// logical algebra.Node tree (already MVCC-rewritten by package rewrite) into a physical tree
// whose nodes are each assigned a Convention naming the adapter family that will execute
// them, by repeatedly applying Rule values until none apply.
package plan

import (
	"github.com/polyq/kernel"
	"github.com/polyq/kernel/adapter"
	"github.com/polyq/kernel/algebra"
)

// Capability reports what a deployed adapter can execute natively, so rules can decide
// whether a logical operator may be pushed down to it or must be evaluated by the kernel
// itself after a plain scan.
type Capability struct {
	Model            kernel.DataModel
	SupportsFilter   bool
	SupportsProject  bool
	SupportsJoin     bool
	SupportsAggregate bool
}

// Rule rewrites one physical convention assignment step. A Rule returns ok=false when it does
// not apply to n, letting the driver try the next rule.
type Rule interface {
	// Apply attempts to assign or refine n's Convention (and those of its Inputs that are
	// still Logical), given the capability of the adapter that will serve n.Entity.
	Apply(n *algebra.Node, cap Capability) (out *algebra.Node, ok bool)
}

// Driver holds the ordered rule set and the capability lookup used to plan a query.
type Driver struct {
	rules        []Rule
	capabilities func(entity kernel.EntityInfo) Capability
}

// NewDriver returns a Driver that looks up adapter capability via capabilities and applies
// rules, in order, until a fixed point.
func NewDriver(capabilities func(kernel.EntityInfo) Capability, rules ...Rule) *Driver {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Driver{rules: rules, capabilities: capabilities}
}

// Plan converts the logical tree n into a physical tree. It is a pure function: running it
// twice on the same input yields identical output, so a caller may memoize by
// algebra.Node.CompareKey().
func (d *Driver) Plan(n *algebra.Node) *algebra.Node {
	if n == nil {
		return nil
	}
	out := n.Copy()
	for i, in := range out.Inputs {
		out.Inputs[i] = d.Plan(in)
	}

	cap := d.capabilityFor(out)
	for {
		changed := false
		for _, r := range d.rules {
			if next, ok := r.Apply(out, cap); ok {
				out = next
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return out
}

func (d *Driver) capabilityFor(n *algebra.Node) Capability {
	if d.capabilities == nil {
		return Capability{Model: n.Model}
	}
	entity := nearestEntity(n)
	if entity.Name == "" {
		return Capability{Model: n.Model}
	}
	return d.capabilities(entity)
}

// nearestEntity finds the entity a non-leaf operator (Filter, Project, ...) is planned
// against by looking at its own Entity, then its single/first child's, recursively, since
// planning proceeds bottom-up and every node below has already been visited.
func nearestEntity(n *algebra.Node) kernel.EntityInfo {
	if n.Entity.Name != "" {
		return n.Entity
	}
	if len(n.Inputs) == 0 {
		return kernel.EntityInfo{}
	}
	return nearestEntity(n.Inputs[0])
}

// DefaultRules returns the driver's baseline rule set: assign a leaf Scan/Modify its physical
// convention from the entity's data model, then push a Filter/Project down onto an adjacent
// scan when the adapter declares it supports it via the RelationalScanDelegate capability.
func DefaultRules() []Rule {
	return []Rule{
		assignLeafConvention{},
		pushdownFilter{},
		pushdownProject{},
		propagateConvention{},
	}
}

func conventionFor(model kernel.DataModel) algebra.Convention {
	switch model {
	case kernel.Document:
		return algebra.PhysicalDocument
	case kernel.Graph:
		return algebra.PhysicalGraph
	default:
		return algebra.PhysicalRelational
	}
}

type assignLeafConvention struct{}

func (assignLeafConvention) Apply(n *algebra.Node, cap Capability) (*algebra.Node, bool) {
	if n.Convention != algebra.Logical {
		return n, false
	}
	if n.Kind != algebra.OpScan && n.Kind != algebra.OpModify && n.Kind != algebra.OpIdentifier {
		return n, false
	}
	n.Convention = conventionFor(n.Model)
	return n, true
}

type propagateConvention struct{}

func (propagateConvention) Apply(n *algebra.Node, cap Capability) (*algebra.Node, bool) {
	if n.Convention != algebra.Logical || len(n.Inputs) == 0 {
		return n, false
	}
	first := n.Inputs[0].Convention
	if first == algebra.Logical {
		return n, false
	}
	for _, in := range n.Inputs[1:] {
		if in.Convention != first {
			// Heterogeneous inputs (e.g. a join across adapters): the node stays
			// logical and is executed by the kernel's own operator fallback rather
			// than pushed to any single adapter.
			return n, false
		}
	}
	n.Convention = first
	return n, true
}

// pushdownFilter collapses a Filter directly over a Scan of an adapter that declares filter
// support into a single physical Scan node carrying the predicate, so package plan's output
// tells the executor to hand the predicate to adapter.RelationalScanDelegate instead of
// evaluating it row by row in the kernel.
type pushdownFilter struct{}

func (pushdownFilter) Apply(n *algebra.Node, cap Capability) (*algebra.Node, bool) {
	if n.Kind != algebra.OpFilter || !cap.SupportsFilter || len(n.Inputs) != 1 {
		return n, false
	}
	scan := n.Inputs[0]
	if scan.Kind != algebra.OpScan || scan.Convention == algebra.Logical {
		return n, false
	}
	merged := scan.Copy()
	merged.Predicate = n.Predicate
	return merged, true
}

type pushdownProject struct{}

func (pushdownProject) Apply(n *algebra.Node, cap Capability) (*algebra.Node, bool) {
	if n.Kind != algebra.OpProject || !cap.SupportsProject || len(n.Inputs) != 1 {
		return n, false
	}
	scan := n.Inputs[0]
	if scan.Kind != algebra.OpScan || scan.Convention == algebra.Logical {
		return n, false
	}
	merged := scan.Copy()
	merged.Columns = n.Columns
	return merged, true
}

// CapabilityFromDescriptor derives a Capability from an adapter Descriptor and whether the
// concrete Contract implements RelationalScanDelegate.
func CapabilityFromDescriptor(d adapter.Descriptor, contract adapter.Contract) Capability {
	_, pushdown := contract.(adapter.RelationalScanDelegate)
	model := kernel.Relational
	if len(d.Models) > 0 {
		model = d.Models[0]
	}
	return Capability{
		Model:          model,
		SupportsFilter: pushdown,
		SupportsProject: pushdown,
	}
}
