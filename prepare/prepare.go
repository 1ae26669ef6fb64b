// Package prepare computes the source-geometry representations a filter
// request needs, once per request, shared read-only across target layers.
//
// Three representations exist: a relational reference (live table the
// relational compiler can join against), a WKT literal (embedded directly in
// expressions), and an in-memory feature set. Which ones get computed
// depends on the backends in use and on how the source layer is served; when
// a preferred representation cannot be produced the orchestrator walks a
// deterministic fallback chain instead of failing the request.
package prepare

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/paulmach/orb/encoding/wkt"

	"github.com/sducournau/filtermate-go/layer"
	"github.com/sducournau/filtermate-go/memlayer"
)

// DefaultWKTThreshold is the selected-feature count at or below which the
// source geometry is embedded as a WKT literal instead of referenced as a
// live table. Empirical; small sources are cheaper inlined than joined.
const DefaultWKTThreshold = 50

// Need declares which representations the request's backends require.
type Need struct {
	Relational bool
	WKT        bool
	Memory     bool
}

// RelationalSource is a live-table reference to the source layer.
type RelationalSource struct {
	Schema         string
	Table          string
	GeometryColumn string
	PrimaryKey     string
	SRID           int
	// SubsetString is the filter active on the source layer; a relational
	// reference without it would select the wrong features.
	SubsetString string
}

// Result is the per-request prepared source geometry. At most one value per
// representation; a nil/empty field means the representation was not needed
// or could not be produced. Read-only once returned.
type Result struct {
	Relational *RelationalSource
	WKT        string
	WKTSRID    int
	Memory     *memlayer.FeatureSet

	// UsedFallback reports that at least one representation came from a
	// fallback path rather than its preferred source.
	UsedFallback bool

	// RawLayerFallback reports the emergency substitution: no representation
	// could be produced, so compilers must reference the raw unfiltered
	// source layer. Over-inclusive results beat a failed request.
	RawLayerFallback bool
}

// Empty reports whether no usable representation exists.
func (r *Result) Empty() bool {
	return r.Relational == nil && r.WKT == "" && r.Memory == nil && !r.RawLayerFallback
}

// SourceReader supplies source-layer feature data from the host.
// Implementations MUST be goroutine-safe and respect context cancellation.
type SourceReader interface {
	// ReadWKT returns the combined geometry of the selected (or all, when
	// none selected) source features as a WKT string.
	ReadWKT(ctx context.Context, d *layer.Descriptor) (string, error)

	// ReadFeatures returns the selected (or all) source features.
	ReadFeatures(ctx context.Context, d *layer.Descriptor) ([]memlayer.Feature, error)
}

// Orchestrator prepares source geometries. Stateless besides configuration;
// one Prepare call per request.
type Orchestrator struct {
	reader       SourceReader
	wktThreshold int64
	logger       *slog.Logger
}

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithWKTThreshold overrides DefaultWKTThreshold.
func WithWKTThreshold(n int64) Option {
	return func(o *Orchestrator) { o.wktThreshold = n }
}

// WithLogger sets the orchestrator logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an Orchestrator reading source data through reader.
func New(reader SourceReader, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		reader:       reader,
		wktThreshold: DefaultWKTThreshold,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Prepare computes the representations declared in need for the source
// layer. It only returns an error on context cancellation; every data
// failure is absorbed by the fallback chain, ending at the raw-layer
// substitution.
func (o *Orchestrator) Prepare(ctx context.Context, src *layer.Descriptor, need Need) (*Result, error) {
	if err := src.Validate(); err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}

	res := &Result{WKTSRID: src.SRID}

	count := src.SelectedOrTotal()
	// Small sources embed cheaper than they join; unconnected sources
	// cannot be referenced as tables at all.
	wktMode := (count >= 0 && count <= o.wktThreshold) || !src.Connected

	needWKT := need.WKT
	if need.Relational {
		if src.Connected && !wktMode {
			res.Relational = &RelationalSource{
				Schema:         src.Schema,
				Table:          src.Table,
				GeometryColumn: src.GeometryColumn,
				PrimaryKey:     src.PrimaryKey,
				SRID:           src.SRID,
				SubsetString:   src.SubsetString,
			}
		} else {
			// Never reference a table from an unconnected source; embed the
			// geometry instead.
			needWKT = true
		}
	}

	if needWKT {
		o.prepareWKT(ctx, src, res)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	if need.Memory && res.Memory == nil {
		if err := o.prepareMemory(ctx, src, res); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			o.logger.Warn("memory representation unavailable",
				"layer", src.ID, "error", err)
			res.UsedFallback = true
		}
	}

	if res.Empty() {
		// Emergency: reference the raw unfiltered source layer. The result
		// set may be over-inclusive, which is preferable to aborting.
		res.RawLayerFallback = true
		res.UsedFallback = true
		o.logger.Error("no source-geometry representation could be prepared, substituting raw source layer",
			"layer", src.ID, "provider", src.Provider)
	}

	return res, nil
}

// prepareWKT fills res.WKT, falling back to a feature-set collection when
// the direct read fails.
func (o *Orchestrator) prepareWKT(ctx context.Context, src *layer.Descriptor, res *Result) {
	s, err := o.reader.ReadWKT(ctx, src)
	if err == nil && s != "" {
		res.WKT = s
		return
	}
	if err != nil {
		o.logger.Warn("direct WKT read failed, collecting features instead",
			"layer", src.ID, "error", err)
	}

	if err := o.prepareMemory(ctx, src, res); err != nil {
		o.logger.Warn("feature collection fallback failed",
			"layer", src.ID, "error", err)
		res.UsedFallback = true
		return
	}
	res.UsedFallback = true

	combined, err := res.Memory.CombinedGeometry()
	if err != nil {
		o.logger.Warn("could not combine collected geometries",
			"layer", src.ID, "error", err)
		return
	}
	res.WKT = wkt.MarshalString(combined)
}

// prepareMemory fills res.Memory from the source features.
func (o *Orchestrator) prepareMemory(ctx context.Context, src *layer.Descriptor, res *Result) error {
	feats, err := o.reader.ReadFeatures(ctx, src)
	if err != nil {
		return err
	}
	if len(feats) == 0 {
		return fmt.Errorf("source layer %q has no features to collect", src.ID)
	}
	fs, err := memlayer.NewFeatureSet(nil, src.Name, src.SRID, feats)
	if err != nil {
		return err
	}
	res.Memory = fs
	return nil
}
