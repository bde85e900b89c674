package arrangement

import (
	"fmt"
	"sync"
	"time"

	"github.com/wbrown/janus-dataflow/datalog"
	"github.com/wbrown/janus-dataflow/datalog/annotations"
)

// Schema resolves declared attributes
type Schema interface {
	Attribute(a datalog.Attribute) (datalog.AttributeSpec, bool)
}

// Builder materialises and tears down arrangements across workers. Both
// calls return once every worker has acknowledged.
type Builder interface {
	BuildArrangement(desc Descriptor) error
	DropArrangement(desc Descriptor) error
	Snapshot(desc Descriptor, worker int) *Snapshot
}

type entry struct {
	desc      Descriptor
	refs      int
	permanent bool
}

// Manager shares arrangements among queries by descriptor and drops them
// when their last reference is released.
type Manager struct {
	mu      sync.Mutex
	schema  Schema
	builder Builder
	handler annotations.Handler
	entries map[string]*entry
}

// NewManager creates a manager building through b
func NewManager(schema Schema, b Builder, handler annotations.Handler) *Manager {
	return &Manager{
		schema:  schema,
		builder: b,
		handler: handler,
		entries: make(map[string]*entry),
	}
}

// Pin registers an arrangement that lives as long as the manager, such
// as an attribute's forward arrangement. It is built if not yet live.
func (m *Manager) Pin(desc Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[desc.ID()]; ok {
		e.permanent = true
		return nil
	}
	if err := m.build(desc); err != nil {
		return err
	}
	m.entries[desc.ID()] = &entry{desc: desc, permanent: true}
	return nil
}

// GetOrBuild returns a handle to the live arrangement matching desc,
// building it if none exists.
func (m *Manager) GetOrBuild(desc Descriptor) (*Handle, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if desc.Source == Base {
		if _, ok := m.schema.Attribute(desc.Attribute()); !ok {
			return nil, fmt.Errorf("arrangement %s: %w", desc, datalog.ErrUnknownAttribute)
		}
	}

	e, ok := m.entries[desc.ID()]
	if !ok {
		if err := m.build(desc); err != nil {
			return nil, err
		}
		e = &entry{desc: desc}
		m.entries[desc.ID()] = e
	}
	e.refs++
	return &Handle{manager: m, desc: desc}, nil
}

func (m *Manager) build(desc Descriptor) error {
	start := time.Now()
	switch {
	case desc.Source == Base && !desc.IsPrimary():
		// Secondary base arrangements are built from the primary
		if _, ok := m.entries[Forward(desc.Attribute()).ID()]; !ok {
			return fmt.Errorf("arrangement %s: no primary arrangement: %w", desc, datalog.ErrUnknownAttribute)
		}
	case desc.Source == Derived && !desc.Counts && !desc.IsPresence():
		// and derived ones from the relation's presence
		if _, ok := m.entries[Presence(desc.Name, desc.Arity).ID()]; !ok {
			return fmt.Errorf("arrangement %s: no presence arrangement: %w", desc, datalog.ErrUnknownRule)
		}
	}
	if err := m.builder.BuildArrangement(desc); err != nil {
		return fmt.Errorf("build arrangement %s: %w", desc, err)
	}
	m.handler.Emit(annotations.ArrangementBuilt, start, map[string]interface{}{
		"arrangement": desc.ID(),
		"refs":        1,
	})
	return nil
}

// release drops one reference and tears the arrangement down at zero
func (m *Manager) release(desc Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[desc.ID()]
	if !ok {
		return nil
	}
	e.refs--
	if e.refs > 0 || e.permanent {
		return nil
	}

	start := time.Now()
	delete(m.entries, desc.ID())
	if err := m.builder.DropArrangement(desc); err != nil {
		return fmt.Errorf("drop arrangement %s: %w", desc, err)
	}
	m.handler.Emit(annotations.ArrangementDropped, start, map[string]interface{}{
		"arrangement": desc.ID(),
	})
	return nil
}

// RefCount returns the live references to desc; zero when not live
func (m *Manager) RefCount(desc Descriptor) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[desc.ID()]; ok {
		return e.refs
	}
	return 0
}

// Live reports whether desc is materialised
func (m *Manager) Live(desc Descriptor) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[desc.ID()]
	return ok
}

// Handle is a counted, read-only reference to a shared arrangement.
type Handle struct {
	manager  *Manager
	desc     Descriptor
	released bool
}

// Descriptor returns the arrangement this handle refers to
func (h *Handle) Descriptor() Descriptor {
	return h.desc
}

// Snapshot returns one worker's latest published partition
func (h *Handle) Snapshot(worker int) *Snapshot {
	return h.manager.builder.Snapshot(h.desc, worker)
}

// Release gives the reference back. Releasing twice is a no-op.
func (h *Handle) Release() error {
	if h.released {
		return nil
	}
	h.released = true
	return h.manager.release(h.desc)
}
