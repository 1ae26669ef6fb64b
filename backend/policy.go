package backend

import (
	"log/slog"

	"github.com/sducournau/filtermate-go/layer"
)

// DefaultSmallDatasetThreshold is the feature count under which a relational
// layer is served by the in-memory backend instead, avoiding database
// round-trips that cost more than the transfer. Empirical.
const DefaultSmallDatasetThreshold = 100

// PolicyConfig tunes the selection policy.
type PolicyConfig struct {
	// SmallDatasetThreshold enables the small-dataset optimization when
	// positive; 0 or negative disables it.
	SmallDatasetThreshold int64

	// DriverAvailable reports whether the native driver for a kind can be
	// used. OPTIONAL: nil means every driver is available.
	DriverAvailable func(Kind) bool

	// Logger for downgrade decisions.
	// OPTIONAL: uses slog.Default() if nil.
	Logger *slog.Logger
}

// SelectionPolicy chooses which backend services a layer. Total and
// deterministic: identical inputs always produce identical output.
type SelectionPolicy struct {
	threshold int64
	available func(Kind) bool
	logger    *slog.Logger
}

// NewSelectionPolicy creates the policy.
func NewSelectionPolicy(cfg PolicyConfig) *SelectionPolicy {
	if cfg.DriverAvailable == nil {
		cfg.DriverAvailable = func(Kind) bool { return true }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SelectionPolicy{
		threshold: cfg.SmallDatasetThreshold,
		available: cfg.DriverAvailable,
		logger:    cfg.Logger,
	}
}

// Select resolves the backend kind for a layer. forced, when non-empty,
// always wins. Never fails; unrecognized providers degrade to the generic
// driver with a warning.
func (p *SelectionPolicy) Select(d *layer.Descriptor, forced Kind) Kind {
	if forced != "" {
		return forced
	}

	switch d.Provider {
	case layer.ProviderMemory:
		// In-memory providers always map to the in-memory backend,
		// regardless of any other flag.
		return KindInMemory

	case layer.ProviderPostgres:
		if p.threshold > 0 && d.FeatureCount != nil && *d.FeatureCount < p.threshold {
			return KindInMemory
		}
		if p.available(KindRelational) {
			return KindRelational
		}
		p.logger.Info("relational driver unavailable, downgrading layer to generic driver",
			"layer", d.ID)
		return KindGenericDriver

	case layer.ProviderEmbedded:
		return KindEmbeddedSQL

	case layer.ProviderFile:
		return KindGenericDriver

	default:
		p.logger.Warn("unrecognized provider kind, using generic driver",
			"layer", d.ID, "provider", d.Provider)
		return KindGenericDriver
	}
}
