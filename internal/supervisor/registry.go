package supervisor

import (
	"fmt"
	"sync"
)

// entry pairs a descriptor with its runtime state and the per-kind lock that
// serializes lifecycle operations on that kind.
type entry struct {
	desc Descriptor

	mu    sync.Mutex
	state runtimeState
}

// Registry holds the fixed mapping from bot kind to descriptor plus current
// runtime state. It is immutable after construction; runtime state is mutated
// only by the Manager under the per-kind lock.
type Registry struct {
	order   []Kind
	entries map[Kind]*entry
}

func NewRegistry(defs []Descriptor) (*Registry, error) {
	r := &Registry{entries: make(map[Kind]*entry, len(defs))}
	for _, d := range defs {
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.entries[d.Kind]; dup {
			return nil, fmt.Errorf("registry: duplicate kind %q", d.Kind)
		}
		r.order = append(r.order, d.Kind)
		r.entries[d.Kind] = &entry{desc: d, state: runtimeState{status: StatusStopped}}
	}
	return r, nil
}

func (r *Registry) lookup(kind Kind) (*entry, error) {
	e, ok := r.entries[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return e, nil
}

// Descriptor resolves a kind to its static definition.
func (r *Registry) Descriptor(kind Kind) (Descriptor, error) {
	e, err := r.lookup(kind)
	if err != nil {
		return Descriptor{}, err
	}
	return e.desc, nil
}

// Kinds returns every registered kind in stable registration order.
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, len(r.order))
	copy(out, r.order)
	return out
}

// Descriptors returns every descriptor in stable registration order.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.entries[k].desc)
	}
	return out
}

func (r *Registry) Len() int { return len(r.order) }
