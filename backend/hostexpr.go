package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sducournau/filtermate-go/dialect"
	"github.com/sducournau/filtermate-go/layer"
)

// HostExpr compiles filter expressions in the host's expression language.
// It serves both the generic file driver and the in-memory provider, which
// differ only in which layers they accept.
type HostExpr struct {
	kind    Kind
	applier Applier
	d       *dialect.Dialect
	logger  *slog.Logger
}

// NewGenericDriver creates the generic file-driver backend.
func NewGenericDriver(applier Applier, logger *slog.Logger) *HostExpr {
	return newHostExpr(KindGenericDriver, applier, logger)
}

// NewInMemory creates the in-memory backend.
func NewInMemory(applier Applier, logger *slog.Logger) *HostExpr {
	return newHostExpr(KindInMemory, applier, logger)
}

func newHostExpr(kind Kind, applier Applier, logger *slog.Logger) *HostExpr {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostExpr{
		kind:    kind,
		applier: applier,
		d:       dialect.HostExpression(),
		logger:  logger,
	}
}

// Kind implements Backend.
func (h *HostExpr) Kind() Kind { return h.kind }

// SupportsLayer implements Backend.
func (h *HostExpr) SupportsLayer(d *layer.Descriptor) bool {
	if h.kind == KindInMemory {
		return d.Provider == layer.ProviderMemory || d.Provider == layer.ProviderPostgres
	}
	// The generic driver is the last-resort backend; it accepts anything
	// the host can hand it a feature iterator for.
	return true
}

// BuildExpression implements Backend.
func (h *HostExpr) BuildExpression(ctx context.Context, in *BuildInput) (*BuildResult, error) {
	if len(in.Predicates) == 0 {
		return &BuildResult{State: in.State}, nil
	}

	if in.Source != nil && in.Source.RawLayerFallback {
		return &BuildResult{
			State:    in.State,
			Warnings: []string{"no source geometry available; layer left unfiltered"},
		}, nil
	}

	wktStr, srcSRID, err := sourceWKT(in)
	if err != nil {
		return nil, err
	}
	src := literalSourceExpr(h.d, in, wktStr, srcSRID)
	if src == "" {
		return nil, fmt.Errorf("%w: could not build source literal", ErrCompile)
	}

	target := targetGeomExpr(h.d, in, in.Layer.GeometryColumn)
	compiled := predicateOR(h.d, target, src, in.Predicates)
	if compiled == "" {
		return &BuildResult{State: in.State}, nil
	}

	return &BuildResult{
		Expression: CombineExpressions(in.PriorFilter, compiled, in.Combine),
		State:      in.State,
	}, nil
}

// ApplyFilter implements Backend.
func (h *HostExpr) ApplyFilter(ctx context.Context, d *layer.Descriptor, expression string) error {
	ok, err := h.applier.Apply(ctx, d, expression)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("host rejected expression for layer %q", d.ID)
	}
	return nil
}

// Cleanup implements Backend.
func (h *HostExpr) Cleanup(ctx context.Context) error { return nil }
