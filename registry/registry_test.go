package registry

import (
	"context"
	"testing"

	"github.com/polyq/kernel"
	"github.com/polyq/kernel/adapter/memory"
)

func newTestRegistry() *Registry {
	r := New()
	r.RegisterFactory("memory", memory.Factory)
	return r
}

func TestDeployRejectsDuplicateName(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	if _, err := r.Deploy(ctx, 1, "memory", map[string]string{"name": "accounts", "model": "relational"}); err != nil {
		t.Fatalf("first deploy: %v", err)
	}

	_, err := r.Deploy(ctx, 1, "memory", map[string]string{"name": "accounts2", "model": "relational"})
	if err == nil {
		t.Fatal("expected duplicate deploy to be rejected")
	}
	kerr, ok := err.(*kernel.Error)
	if !ok || kerr.Code != kernel.DuplicateUniqueName {
		t.Fatalf("expected DuplicateUniqueName, got %v", err)
	}
}

func TestDeployRejectsDuplicateNameCaseInsensitive(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	if _, err := r.Deploy(ctx, 1, "memory", nil); err != nil {
		t.Fatalf("first deploy: %v", err)
	}

	_, err := r.Deploy(ctx, 1, "MEMORY", nil)
	if err == nil {
		t.Fatal("expected case-insensitive duplicate deploy to be rejected")
	}
	kerr, ok := err.(*kernel.Error)
	if !ok || kerr.Code != kernel.DuplicateUniqueName {
		t.Fatalf("expected DuplicateUniqueName, got %v", err)
	}
}

func TestDeploySameNameDifferentNamespaceAllowed(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	if _, err := r.Deploy(ctx, 1, "memory", nil); err != nil {
		t.Fatalf("deploy ns 1: %v", err)
	}
	if _, err := r.Deploy(ctx, 2, "memory", nil); err != nil {
		t.Fatalf("deploy ns 2 should not collide with ns 1: %v", err)
	}
}

func TestDeployAfterRemoveSucceeds(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	if _, err := r.Deploy(ctx, 1, "memory", nil); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if err := r.Remove(1, "memory", false); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := r.Deploy(ctx, 1, "memory", nil); err != nil {
		t.Fatalf("redeploy after remove should succeed: %v", err)
	}
}
