package backend

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/duckdb/duckdb-go/v2" // registers the duckdb driver

	"github.com/sducournau/filtermate-go/dialect"
	"github.com/sducournau/filtermate-go/layer"
)

// Embedded compiles filter expressions for the embedded file database
// backend (DuckDB with the spatial extension). The embedded engine cannot
// reference tables of another database, so the source geometry always
// arrives as an embedded literal.
type Embedded struct {
	applier Applier
	d       *dialect.Dialect
	logger  *slog.Logger

	// db probes the spatial extension at construction; kept for Cleanup.
	db *sql.DB
}

// NewEmbedded creates the embedded-SQL backend. The database handle is
// optional and only used to verify the spatial extension loads; expression
// building itself is pure.
func NewEmbedded(ctx context.Context, applier Applier, logger *slog.Logger) (*Embedded, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("embedded engine unavailable: %w", err)
	}
	if _, err := db.ExecContext(ctx, "INSTALL spatial; LOAD spatial;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("spatial extension unavailable: %w", err)
	}

	return &Embedded{
		applier: applier,
		d:       dialect.Embedded(),
		logger:  logger,
		db:      db,
	}, nil
}

// Kind implements Backend.
func (e *Embedded) Kind() Kind { return KindEmbeddedSQL }

// SupportsLayer implements Backend.
func (e *Embedded) SupportsLayer(d *layer.Descriptor) bool {
	return d.Provider == layer.ProviderEmbedded
}

// BuildExpression implements Backend.
func (e *Embedded) BuildExpression(ctx context.Context, in *BuildInput) (*BuildResult, error) {
	if len(in.Predicates) == 0 {
		return &BuildResult{State: in.State}, nil
	}

	geomCol := in.Layer.GeometryColumn
	if geomCol == "" {
		return nil, fmt.Errorf("%w: layer %q has no geometry column metadata", ErrCompile, in.Layer.ID)
	}
	target := targetGeomExpr(e.d, in, geomCol)

	if in.Source != nil && in.Source.RawLayerFallback {
		// Nothing to embed; an embedded database cannot reach the raw
		// source layer. Report a no-op rather than an error.
		return &BuildResult{
			State:    in.State,
			Warnings: []string{"no embeddable source geometry; embedded layer left unfiltered"},
		}, nil
	}

	wktStr, srcSRID, err := sourceWKT(in)
	if err != nil {
		return nil, err
	}
	src := literalSourceExpr(e.d, in, wktStr, srcSRID)
	if src == "" {
		return nil, fmt.Errorf("%w: could not build source literal", ErrCompile)
	}

	compiled := predicateOR(e.d, target, src, in.Predicates)
	if compiled == "" {
		return &BuildResult{State: in.State}, nil
	}

	// Literal sources are free to recompute, so no buffer chain state is
	// tracked for embedded layers.
	return &BuildResult{
		Expression: CombineExpressions(in.PriorFilter, compiled, in.Combine),
		State:      in.State,
	}, nil
}

// ApplyFilter implements Backend.
func (e *Embedded) ApplyFilter(ctx context.Context, d *layer.Descriptor, expression string) error {
	ok, err := e.applier.Apply(ctx, d, expression)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("host rejected subset string for layer %q", d.ID)
	}
	return nil
}

// Cleanup implements Backend.
func (e *Embedded) Cleanup(ctx context.Context) error {
	if e.db != nil {
		err := e.db.Close()
		e.db = nil
		return err
	}
	return nil
}
