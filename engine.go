package filtermate

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/sducournau/filtermate-go/backend"
	"github.com/sducournau/filtermate-go/dialect"
	"github.com/sducournau/filtermate-go/internal/recovery"
	"github.com/sducournau/filtermate-go/internal/snapshot"
	"github.com/sducournau/filtermate-go/layer"
	"github.com/sducournau/filtermate-go/matview"
	"github.com/sducournau/filtermate-go/prepare"
)

// FilterRequest asks the engine to filter a set of target layers by their
// spatial relationship to one source layer.
type FilterRequest struct {
	// SessionID scopes derived database objects.
	// OPTIONAL: the engine's own session id if empty.
	SessionID string

	// Source is the layer whose selected features drive the filter.
	// REQUIRED: MUST NOT be nil.
	Source *layer.Descriptor

	// Targets are the layers to filter.
	// REQUIRED: MUST contain at least one layer.
	Targets []*layer.Descriptor

	// Predicates are spatial predicate names. Unknown names are dropped;
	// a request with no recognized predicate is invalid.
	Predicates []string

	// Buffer expands or erodes the source geometry before the predicates
	// run. OPTIONAL.
	Buffer *dialect.BufferOptions

	// Combine selects how the new expression merges with each target's
	// existing subset string. OPTIONAL: defaults to replace.
	Combine backend.CombineOp

	// UseCentroids tests predicates against target centroids.
	UseCentroids bool

	// ForceBackend overrides backend selection for every target.
	// OPTIONAL: empty means the selection policy decides.
	ForceBackend backend.Kind
}

// LayerResult reports the outcome for one target layer. A request succeeds
// partially: each layer carries its own error.
type LayerResult struct {
	LayerID    string
	Backend    backend.Kind
	Expression string
	Applied    bool
	Warnings   []string
	Err        error
}

// Metrics are cumulative engine counters.
type Metrics struct {
	ExpressionsCompiled int64
	FiltersApplied      int64
	FallbacksUsed       int64
	Errors              int64
	Views               matview.Metrics
}

// Engine orchestrates source preparation, backend selection, expression
// compilation, and filter application. Safe for concurrent use.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	sessionID string

	prep    *prepare.Orchestrator
	policy  *backend.SelectionPolicy
	factory *backend.Factory
	views   *matview.Manager

	mu       sync.Mutex
	states   map[string]*backend.BufferState
	sessions map[string]bool // request-supplied session ids seen so far

	metricsMu sync.Mutex
	metrics   Metrics
}

// New creates an Engine from the config.
func New(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var views *matview.Manager
	if cfg.ViewDB != nil {
		mcfg := matview.Config{
			DB:      cfg.ViewDB,
			Schema:  cfg.ViewSchema,
			Breaker: cfg.Breaker,
			Logger:  logger,
		}
		if cfg.ViewReconnect != nil {
			mcfg.Reconnect = func(ctx context.Context) (*sql.DB, error) {
				return cfg.ViewReconnect()
			}
		}
		var err error
		views, err = matview.NewManager(mcfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	smallThreshold := cfg.SmallDatasetThreshold
	if smallThreshold == 0 {
		smallThreshold = backend.DefaultSmallDatasetThreshold
	}
	policy := backend.NewSelectionPolicy(backend.PolicyConfig{
		SmallDatasetThreshold: smallThreshold,
		DriverAvailable: func(k backend.Kind) bool {
			if k == backend.KindRelational {
				return cfg.Connections != nil
			}
			return true
		},
		Logger: logger,
	})

	constructors := map[backend.Kind]backend.Constructor{
		backend.KindRelational: func(ctx context.Context) (backend.Backend, error) {
			if cfg.Connections == nil {
				return nil, fmt.Errorf("no connection provider configured")
			}
			return backend.NewRelational(cfg.Connections, cfg.Applier, views, logger), nil
		},
		backend.KindEmbeddedSQL: func(ctx context.Context) (backend.Backend, error) {
			return backend.NewEmbedded(ctx, cfg.Applier, logger)
		},
		backend.KindGenericDriver: func(ctx context.Context) (backend.Backend, error) {
			return backend.NewGenericDriver(cfg.Applier, logger), nil
		},
		backend.KindInMemory: func(ctx context.Context) (backend.Backend, error) {
			return backend.NewInMemory(cfg.Applier, logger), nil
		},
	}

	var prepOpts []prepare.Option
	if cfg.WKTThreshold != 0 {
		prepOpts = append(prepOpts, prepare.WithWKTThreshold(cfg.WKTThreshold))
	}
	prepOpts = append(prepOpts, prepare.WithLogger(logger))

	return &Engine{
		cfg:       cfg,
		logger:    logger,
		sessionID: uuid.NewString(),
		prep:      prepare.New(cfg.Reader, prepOpts...),
		policy:    policy,
		factory:   backend.NewFactory(policy, constructors, logger),
		views:     views,
		states:    make(map[string]*backend.BufferState),
		sessions:  make(map[string]bool),
	}, nil
}

// SessionID returns the engine's own session id, used when requests carry
// none.
func (e *Engine) SessionID() string { return e.sessionID }

// Filter runs one request. Per-layer failures are reported in the results,
// not as the returned error; the error is non-nil only when the request as a
// whole cannot run.
func (e *Engine) Filter(ctx context.Context, req *FilterRequest) ([]LayerResult, error) {
	if req == nil || req.Source == nil || len(req.Targets) == 0 {
		return nil, fmt.Errorf("%w: request requires a source and at least one target", ErrInvalidRequest)
	}
	if err := req.Source.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	preds := dialect.ParsePredicates(req.Predicates)
	if len(preds) == 0 {
		return nil, fmt.Errorf("%w: no recognized predicate in %v", ErrInvalidRequest, req.Predicates)
	}

	session := req.SessionID
	if session == "" {
		session = e.sessionID
	}
	e.trackSession(session)

	src, err := e.prepareSource(ctx, req)
	if err != nil {
		return nil, err
	}
	if src.UsedFallback {
		e.countFallback()
	}

	workers := e.cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	results := make([]LayerResult, len(req.Targets))
	p := pool.New().WithMaxGoroutines(workers)
	for i, target := range req.Targets {
		if ctx.Err() != nil {
			for j := i; j < len(req.Targets); j++ {
				results[j] = LayerResult{LayerID: req.Targets[j].ID, Err: ctx.Err()}
			}
			break
		}
		i, target := i, target
		p.Go(func() {
			results[i] = e.filterOne(ctx, session, src, preds, req, target)
		})
	}
	p.Wait()

	return results, ctx.Err()
}

// prepareSource prepares the source geometry once per request, in every
// representation the selected backends will need.
func (e *Engine) prepareSource(ctx context.Context, req *FilterRequest) (*prepare.Result, error) {
	var need prepare.Need
	for _, t := range req.Targets {
		switch e.policy.Select(t, req.ForceBackend) {
		case backend.KindRelational:
			// Prepare self-enables WKT when the table reference cannot be
			// produced; asking for both here would read the source twice.
			need.Relational = true
		case backend.KindInMemory:
			need.Memory = true
		default:
			need.WKT = true
		}
	}
	return e.prep.Prepare(ctx, req.Source, need)
}

func (e *Engine) filterOne(ctx context.Context, session string, src *prepare.Result, preds []dialect.Predicate, req *FilterRequest, target *layer.Descriptor) LayerResult {
	res := LayerResult{LayerID: target.ID}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	b, err := e.factory.Get(ctx, target, req.ForceBackend)
	if err != nil {
		res.Err = err
		e.countError()
		return res
	}
	if !b.SupportsLayer(target) && b.Kind() != backend.KindGenericDriver {
		// The selected backend cannot serve this layer (disconnected
		// relational layer, for instance); the generic driver can.
		b, err = e.factory.Get(ctx, target, backend.KindGenericDriver)
		if err != nil {
			res.Err = err
			e.countError()
			return res
		}
		e.countFallback()
		res.Warnings = append(res.Warnings, "selected backend rejected layer, using generic driver")
	}
	res.Backend = b.Kind()

	combine := req.Combine
	if combine == "" {
		combine = backend.CombineReplace
	}
	in := &backend.BuildInput{
		Layer:        target,
		Source:       src,
		SourceLayer:  req.Source,
		Predicates:   preds,
		Buffer:       req.Buffer,
		PriorFilter:  target.SubsetString,
		Combine:      combine,
		UseCentroids: req.UseCentroids,
		State:        e.state(target.ID),
		SessionID:    session,
	}

	built, err := recovery.RecoverToValue(e.logger, "BuildExpression", func() (*backend.BuildResult, error) {
		return b.BuildExpression(ctx, in)
	})
	if err != nil {
		res.Err = err
		e.countError()
		return res
	}
	res.Warnings = append(res.Warnings, built.Warnings...)
	e.setState(target.ID, built.State)
	e.countCompiled()

	if built.Expression == "" {
		return res
	}
	res.Expression = built.Expression

	if err := recovery.RecoverToError(e.logger, "ApplyFilter", func() error {
		return b.ApplyFilter(ctx, target, built.Expression)
	}); err != nil {
		res.Err = err
		e.countError()
		return res
	}
	res.Applied = true
	e.countApplied()
	return res
}

// ClearFilter removes the engine-applied filter from a layer and releases its
// view references. Views no longer referenced by any layer are dropped.
func (e *Engine) ClearFilter(ctx context.Context, target *layer.Descriptor) error {
	if _, err := e.cfg.Applier.Apply(ctx, target, ""); err != nil {
		return err
	}
	e.setState(target.ID, nil)
	if e.views != nil {
		unused := e.views.ReleaseAllReferencesFor(target.ID)
		e.views.DropViews(ctx, unused)
	}
	return nil
}

// Cleanup tears the session down: snapshot written for diagnostics, session
// views dropped, backend handles released. Failures are logged, not fatal.
func (e *Engine) Cleanup(ctx context.Context) {
	e.writeSnapshot()

	if e.views != nil {
		for _, session := range e.knownSessions() {
			if _, err := e.views.CleanupSession(ctx, session); err != nil {
				e.logger.Warn("session view cleanup failed", "session", session, "error", err)
			}
		}
		if _, err := e.views.DropSchemaIfEmpty(ctx, false); err != nil {
			e.logger.Warn("schema drop failed", "error", err)
		}
	}

	recovery.Recover(e.logger, "factory cleanup", func() {
		e.factory.Cleanup(ctx)
	})

	e.mu.Lock()
	e.states = make(map[string]*backend.BufferState)
	e.sessions = make(map[string]bool)
	e.mu.Unlock()
}

// Metrics returns a copy of the cumulative counters.
func (e *Engine) Metrics() Metrics {
	e.metricsMu.Lock()
	m := e.metrics
	e.metricsMu.Unlock()
	if e.views != nil {
		m.Views = e.views.Metrics()
	}
	return m
}

func (e *Engine) writeSnapshot() {
	if e.cfg.SnapshotPath == "" {
		return
	}
	codec, err := snapshot.NewCodec()
	if err != nil {
		e.logger.Warn("snapshot codec unavailable", "error", err)
		return
	}
	defer codec.Close()

	s := &snapshot.Snapshot{
		SessionID:    e.sessionID,
		SavedAt:      time.Now(),
		BufferStates: make(map[string]snapshot.BufferState),
	}
	e.mu.Lock()
	for id, st := range e.states {
		if st == nil {
			continue
		}
		s.BufferStates[id] = snapshot.BufferState{
			HasBuffer:           st.HasBuffer,
			BufferValue:         st.BufferValue,
			IsPreBuffered:       st.IsPreBuffered,
			BufferColumn:        st.BufferColumn,
			PreviousBufferValue: st.PreviousBufferValue,
		}
	}
	e.mu.Unlock()
	if e.views != nil {
		for _, rec := range e.views.Records() {
			s.Views = append(s.Views, snapshot.ViewRecord{
				Name:      rec.Name,
				Schema:    rec.Schema,
				SessionID: rec.SessionID,
				CreatedAt: rec.CreatedAt,
			})
		}
	}

	if err := codec.WriteFile(e.cfg.SnapshotPath, s); err != nil {
		e.logger.Warn("snapshot write failed", "path", e.cfg.SnapshotPath, "error", err)
	}
}

func (e *Engine) trackSession(session string) {
	e.mu.Lock()
	e.sessions[session] = true
	e.mu.Unlock()
}

// knownSessions lists every session whose views this engine may have
// created: its own plus any request-supplied ids.
func (e *Engine) knownSessions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := []string{e.sessionID}
	for s := range e.sessions {
		if s != e.sessionID {
			out = append(out, s)
		}
	}
	return out
}

func (e *Engine) state(layerID string) *backend.BufferState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[layerID]
}

func (e *Engine) setState(layerID string, s *backend.BufferState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s == nil {
		delete(e.states, layerID)
		return
	}
	e.states[layerID] = s
}

func (e *Engine) countCompiled() {
	e.metricsMu.Lock()
	e.metrics.ExpressionsCompiled++
	e.metricsMu.Unlock()
}

func (e *Engine) countApplied() {
	e.metricsMu.Lock()
	e.metrics.FiltersApplied++
	e.metricsMu.Unlock()
}

func (e *Engine) countFallback() {
	e.metricsMu.Lock()
	e.metrics.FallbacksUsed++
	e.metricsMu.Unlock()
}

func (e *Engine) countError() {
	e.metricsMu.Lock()
	e.metrics.Errors++
	e.metricsMu.Unlock()
}
