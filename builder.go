package filtermate

import (
	"fmt"

	"github.com/sducournau/filtermate-go/backend"
	"github.com/sducournau/filtermate-go/dialect"
	"github.com/sducournau/filtermate-go/layer"
)

// RequestBuilder builds FilterRequests using a fluent API.
// Not thread-safe; use only while assembling one request.
//
// Example:
//
//	req, err := filtermate.NewRequest().
//	    Source(parcels).
//	    Targets(buildings, roads).
//	    Predicates("intersects", "touches").
//	    Buffer(100).
//	    CombineAnd().
//	    Build()
type RequestBuilder struct {
	req  FilterRequest
	errs []error
}

// NewRequest creates an empty request builder.
func NewRequest() *RequestBuilder {
	return &RequestBuilder{}
}

// Session sets the session id scoping derived database objects.
func (b *RequestBuilder) Session(id string) *RequestBuilder {
	b.req.SessionID = id
	return b
}

// Source sets the source layer.
func (b *RequestBuilder) Source(d *layer.Descriptor) *RequestBuilder {
	if d == nil {
		b.errs = append(b.errs, fmt.Errorf("source layer cannot be nil"))
		return b
	}
	b.req.Source = d
	return b
}

// Targets appends target layers.
func (b *RequestBuilder) Targets(ds ...*layer.Descriptor) *RequestBuilder {
	for _, d := range ds {
		if d == nil {
			b.errs = append(b.errs, fmt.Errorf("target layer cannot be nil"))
			continue
		}
		b.req.Targets = append(b.req.Targets, d)
	}
	return b
}

// Predicates appends spatial predicate names.
func (b *RequestBuilder) Predicates(names ...string) *RequestBuilder {
	b.req.Predicates = append(b.req.Predicates, names...)
	return b
}

// Buffer sets a buffer distance in layer units. Negative distances erode.
func (b *RequestBuilder) Buffer(distance float64) *RequestBuilder {
	b.req.Buffer = &dialect.BufferOptions{Distance: distance}
	return b
}

// BufferOptions sets the full buffer configuration.
func (b *RequestBuilder) BufferOptions(opts dialect.BufferOptions) *RequestBuilder {
	b.req.Buffer = &opts
	return b
}

// CombineAnd AND-combines the compiled expression with each target's
// existing subset string, when that is safe.
func (b *RequestBuilder) CombineAnd() *RequestBuilder {
	b.req.Combine = backend.CombineAnd
	return b
}

// CombineOr OR-combines with each target's existing subset string.
func (b *RequestBuilder) CombineOr() *RequestBuilder {
	b.req.Combine = backend.CombineOr
	return b
}

// UseCentroids evaluates predicates against target centroids.
func (b *RequestBuilder) UseCentroids() *RequestBuilder {
	b.req.UseCentroids = true
	return b
}

// ForceBackend overrides backend selection for every target.
func (b *RequestBuilder) ForceBackend(kind backend.Kind) *RequestBuilder {
	b.req.ForceBackend = kind
	return b
}

// Build finalizes the request. Returns the first accumulated error, if any.
func (b *RequestBuilder) Build() (*FilterRequest, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if b.req.Source == nil {
		return nil, fmt.Errorf("request requires a source layer")
	}
	if len(b.req.Targets) == 0 {
		return nil, fmt.Errorf("request requires at least one target layer")
	}
	if len(dialect.ParsePredicates(b.req.Predicates)) == 0 {
		return nil, fmt.Errorf("request requires at least one recognized predicate")
	}
	req := b.req
	return &req, nil
}
