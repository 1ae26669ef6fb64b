package filtermate

import (
	"database/sql"
	"errors"
	"log/slog"

	"github.com/sducournau/filtermate-go/backend"
	"github.com/sducournau/filtermate-go/prepare"
	"github.com/sducournau/filtermate-go/resilience"
)

// Config contains configuration for a filter Engine.
type Config struct {
	// Applier is the host's subset-apply callback.
	// REQUIRED: MUST NOT be nil.
	Applier backend.Applier

	// Reader reads source-layer geometries during preparation.
	// REQUIRED: MUST NOT be nil.
	Reader prepare.SourceReader

	// Connections hands out relational connections per layer.
	// OPTIONAL: If nil, relational layers degrade to the generic driver.
	Connections backend.ConnectionProvider

	// ViewDB is the maintenance connection used for materialized views.
	// OPTIONAL: If nil, buffered geometries are recomputed inline instead
	// of materialized.
	ViewDB *sql.DB

	// ViewReconnect re-opens the maintenance connection after a failed
	// connection test.
	// OPTIONAL: If nil, a failed connection is retried once as-is.
	ViewReconnect func() (*sql.DB, error)

	// ViewSchema is the schema holding derived views.
	// OPTIONAL: Uses "filtermate_temp" if empty.
	ViewSchema string

	// Breaker guards database maintenance work.
	// OPTIONAL: a never-open breaker if nil.
	Breaker resilience.Breaker

	// SmallDatasetThreshold routes relational layers below this feature
	// count to the in-memory backend. 0 selects the default (100);
	// negative disables the optimization.
	SmallDatasetThreshold int64

	// WKTThreshold bounds the feature count for WKT source embedding.
	// 0 selects the default (50).
	WKTThreshold int64

	// Workers is the number of concurrent per-layer workers.
	// OPTIONAL: If 0, uses 4.
	Workers int

	// SnapshotPath, when non-empty, receives a compressed session snapshot
	// on Cleanup for diagnostic tooling.
	SnapshotPath string

	// Logger for internal logging.
	// OPTIONAL: Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Standard errors returned by the filtermate package.
var (
	// ErrInvalidConfig indicates Config validation failed.
	ErrInvalidConfig = errors.New("invalid engine config")

	// ErrInvalidRequest indicates a FilterRequest is malformed.
	ErrInvalidRequest = errors.New("invalid filter request")
)

const defaultWorkers = 4

func (c *Config) validate() error {
	if c.Applier == nil {
		return errors.New("config requires an Applier")
	}
	if c.Reader == nil {
		return errors.New("config requires a source Reader")
	}
	return nil
}
