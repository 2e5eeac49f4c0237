// Package params decodes the parameter documents carried by configuration
// parts and maps content identifiers to their decoders.
package params

import (
	"sort"

	"globalconf/pkg/types"
)

// Parameters is a decoded parameters document.
type Parameters interface {
	InstanceIdentifier() string
}

// SourceDeclarer is implemented by parameters that declare federated
// configuration sources.
type SourceDeclarer interface {
	Sources() []types.ConfigurationSource
}

// Decoder turns verified content into parameters.
type Decoder func(data []byte) (Parameters, error)

// Registry maps content identifiers to decoders. It is populated at startup
// and read-only afterwards.
type Registry struct {
	decoders map[types.ContentIdentifier]Decoder
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[types.ContentIdentifier]Decoder)}
}

// DefaultRegistry returns a registry handling private and shared parameters.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(types.ContentPrivateParameters, func(data []byte) (Parameters, error) {
		return DecodePrivateParameters(data)
	})
	r.Register(types.ContentSharedParameters, func(data []byte) (Parameters, error) {
		return DecodeSharedParameters(data)
	})
	return r
}

// Register sets the decoder for id, replacing any previous one.
func (r *Registry) Register(id types.ContentIdentifier, decoder Decoder) {
	r.decoders[id] = decoder
}

// Lookup returns the decoder for id.
func (r *Registry) Lookup(id types.ContentIdentifier) (Decoder, bool) {
	d, ok := r.decoders[id]
	return d, ok
}

// Decode decodes data with the decoder registered for id. Handled is false
// for identifiers without a decoder; such content is passed through.
func (r *Registry) Decode(id types.ContentIdentifier, data []byte) (p Parameters, handled bool, err error) {
	d, ok := r.decoders[id]
	if !ok {
		return nil, false, nil
	}
	p, err = d(data)
	return p, true, err
}

// ContentIdentifiers lists the registered identifiers, sorted.
func (r *Registry) ContentIdentifiers() []types.ContentIdentifier {
	ids := make([]types.ContentIdentifier, 0, len(r.decoders))
	for id := range r.decoders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
