package lock

import (
	"fmt"
	"sync"

	"github.com/polyq/kernel"
)

// Manager owns one Lockable per namespace and one Lockable per (namespace, entity) pair,
// wired into a two-level hierarchy, plus the shared deadlock Detector all of them report to.
type Manager struct {
	detector *Detector

	mu         sync.Mutex
	namespaces map[kernel.NamespaceID]*Lockable
	entities   map[kernel.EntityID]*Lockable
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{
		detector:   NewDetector(),
		namespaces: make(map[kernel.NamespaceID]*Lockable),
		entities:   make(map[kernel.EntityID]*Lockable),
	}
}

func (m *Manager) namespaceLockable(ns kernel.NamespaceID) *Lockable {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.namespaces[ns]
	if !ok {
		l = NewLockable(fmt.Sprintf("namespace:%d", ns), m.detector)
		m.namespaces[ns] = l
	}
	return l
}

func (m *Manager) entityLockable(ns kernel.NamespaceID, ent kernel.EntityID) *Lockable {
	m.mu.Lock()
	l, ok := m.entities[ent]
	m.mu.Unlock()
	if ok {
		return l
	}

	parent := m.namespaceLockable(ns)

	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.entities[ent]; ok {
		return l
	}
	l = parent.Child(fmt.Sprintf("entity:%d", ent))
	m.entities[ent] = l
	return l
}

// AcquireEntity locks the named entity (escalating a shared hold through its namespace) in
// mode on behalf of txnID.
func (m *Manager) AcquireEntity(txnID int64, ns kernel.NamespaceID, ent kernel.EntityID, mode Mode) error {
	return m.entityLockable(ns, ent).Acquire(txnID, mode)
}

// AcquireNamespace locks an entire namespace, used for DDL and catalog restore.
func (m *Manager) AcquireNamespace(txnID int64, ns kernel.NamespaceID, mode Mode) error {
	return m.namespaceLockable(ns).Acquire(txnID, mode)
}

// ReleaseEntity releases one level of txnID's hold on ent.
func (m *Manager) ReleaseEntity(txnID int64, ns kernel.NamespaceID, ent kernel.EntityID) {
	m.entityLockable(ns, ent).Release(txnID)
}

// ReleaseNamespace releases one level of txnID's hold on ns.
func (m *Manager) ReleaseNamespace(txnID int64, ns kernel.NamespaceID) {
	m.namespaceLockable(ns).Release(txnID)
}

// ReleaseTransaction drops every hold txnID has across every lockable the Manager knows
// about. Called once, unconditionally, at the end of commit or rollback.
func (m *Manager) ReleaseTransaction(txnID int64) {
	m.mu.Lock()
	entities := make([]*Lockable, 0, len(m.entities))
	for _, l := range m.entities {
		entities = append(entities, l)
	}
	namespaces := make([]*Lockable, 0, len(m.namespaces))
	for _, l := range m.namespaces {
		namespaces = append(namespaces, l)
	}
	m.mu.Unlock()

	for _, l := range entities {
		l.ReleaseAll(txnID)
	}
	for _, l := range namespaces {
		l.ReleaseAll(txnID)
	}
	m.detector.ForgetTransaction(txnID)
}

// Cancel interrupts txnID's in-progress C4 wait, if any, so a client-initiated cancel does not
// have to wait for the lock to be granted (or the transaction to be picked as a deadlock
// victim) before it can unwind.
func (m *Manager) Cancel(txnID int64) {
	m.detector.Cancel(txnID)
}
