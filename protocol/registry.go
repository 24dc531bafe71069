package protocol

import (
	"fmt"
	"sort"
	"sync"
)

// PayloadFactory returns a fresh, empty payload variant.
type PayloadFactory func() Payload

// Registry maps structure identifiers to payload variants.
type Registry struct {
	factories map[string]PayloadFactory
}

// NewRegistry indexes each factory under the structure identifier of a probe
// instance. When two factories share an identifier the first one wins.
func NewRegistry(factories ...PayloadFactory) *Registry {
	r := &Registry{factories: make(map[string]PayloadFactory, len(factories))}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		id := factory().StructureID()
		if _, exists := r.factories[id]; exists {
			continue
		}
		r.factories[id] = factory
	}
	return r
}

// BuiltinPayloads lists the payload variants every node understands.
func BuiltinPayloads() []PayloadFactory {
	return []PayloadFactory{
		func() Payload { return &PairingRequest{} },
		func() Payload { return &PairingResponse{} },
		func() Payload { return &PairingConfirmation{} },
		func() Payload { return &UnpairRequest{} },
		func() Payload { return &Acknowledgement{} },
	}
}

var defaultRegistry = sync.OnceValue(func() *Registry {
	return NewRegistry(BuiltinPayloads()...)
})

// DefaultRegistry returns the process-wide registry of built-in payloads.
func DefaultRegistry() *Registry {
	return defaultRegistry()
}

// New returns an empty payload for structure identifier id.
func (r *Registry) New(id string) (Payload, error) {
	factory, ok := r.factories[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayloadType, id)
	}
	return factory(), nil
}

// StructureIDs returns the registered identifiers in sorted order.
func (r *Registry) StructureIDs() []string {
	out := make([]string, 0, len(r.factories))
	for id := range r.factories {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
