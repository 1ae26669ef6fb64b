// Package backend selects, constructs, and drives the per-provider filter
// backends.
//
// A Backend compiles geometric predicates into a filter expression in its
// own dialect and applies the result through the host's subset-apply
// callback. The SelectionPolicy decides which backend serves a layer; the
// Factory caches one handle per kind for the session and supplies the
// fallback chain when a preferred backend cannot be built.
package backend

import (
	"context"
	"database/sql"
	"errors"

	"github.com/sducournau/filtermate-go/dialect"
	"github.com/sducournau/filtermate-go/layer"
	"github.com/sducournau/filtermate-go/prepare"
)

// Kind is the closed set of backend kinds.
type Kind string

const (
	KindRelational    Kind = "relational"
	KindEmbeddedSQL   Kind = "embedded-sql"
	KindGenericDriver Kind = "generic-driver"
	KindInMemory      Kind = "in-memory"
)

// Sentinel errors. ErrNoBackend is the configuration error fatal to one
// request; ErrCompile marks malformed input that skips one layer only.
var (
	ErrNoBackend = errors.New("no backend could be instantiated")
	ErrCompile   = errors.New("filter expression compilation failed")
)

// CombineOp says how a freshly compiled expression merges with the layer's
// existing subset string.
type CombineOp string

const (
	CombineAnd     CombineOp = "and"
	CombineOr      CombineOp = "or"
	CombineReplace CombineOp = "replace"
)

// BuildInput carries everything a compiler needs for one target layer.
type BuildInput struct {
	// Layer is the target layer descriptor.
	Layer *layer.Descriptor

	// Source is the target-independent prepared source geometry.
	Source *prepare.Result

	// SourceLayer is the source descriptor, needed for SRID reconciliation
	// and the raw-layer emergency fallback.
	SourceLayer *layer.Descriptor

	// Predicates to OR-combine. Empty means no predicate applies and the
	// compiled expression is empty (a no-op, not an error).
	Predicates []dialect.Predicate

	// Buffer expands (or, negative, erodes) the source geometry before the
	// predicates run. Nil means no buffer.
	Buffer *dialect.BufferOptions

	// PriorFilter is the subset string currently on the layer, "" if none.
	PriorFilter string

	// Combine selects how the new expression merges with PriorFilter.
	Combine CombineOp

	// UseCentroids tests predicates against the target centroid instead of
	// the full geometry.
	UseCentroids bool

	// State is the layer's buffer chain state, nil on the first step.
	State *BufferState

	// SessionID scopes derived database objects.
	SessionID string
}

// BuildResult is the outcome of a compilation.
type BuildResult struct {
	// Expression is the final filter expression; "" means no-op.
	Expression string

	// Warnings are human-readable diagnostics accumulated while compiling.
	Warnings []string

	// State is the advanced buffer chain state to carry into the next step,
	// nil when the backend does not track buffer chains.
	State *BufferState
}

// Backend is the capability interface every backend kind implements.
// Implementations MUST be goroutine-safe; one handle is shared by all
// workers of a session.
type Backend interface {
	// Kind returns the backend kind.
	Kind() Kind

	// SupportsLayer reports whether this backend can serve the layer.
	SupportsLayer(d *layer.Descriptor) bool

	// BuildExpression compiles the predicates into a dialect expression.
	// An empty expression with nil error means nothing applies; callers
	// treat it as a no-op.
	BuildExpression(ctx context.Context, in *BuildInput) (*BuildResult, error)

	// ApplyFilter activates the expression on the layer through the host
	// callback. Runs off any UI thread; the host callback is responsible
	// for its own thread confinement.
	ApplyFilter(ctx context.Context, d *layer.Descriptor, expression string) error

	// Cleanup releases connections and cursors held by the handle.
	Cleanup(ctx context.Context) error
}

// ConnectionProvider hands out relational connections for a layer.
// The boolean reports whether an already-open connection was reused.
// Connections are not assumed goroutine-safe; callers confine a connection
// to one worker at a time.
type ConnectionProvider interface {
	GetConnection(ctx context.Context, d *layer.Descriptor) (*sql.DB, bool, error)
}

// Applier is the host's subset-apply callback. Activating a layer filter is
// UI-thread-confined in the host, so the engine never does it directly.
type Applier interface {
	Apply(ctx context.Context, d *layer.Descriptor, expression string) (bool, error)
}
