package filtermate

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sducournau/filtermate-go/backend"
	"github.com/sducournau/filtermate-go/internal/snapshot"
	"github.com/sducournau/filtermate-go/layer"
	"github.com/sducournau/filtermate-go/memlayer"
)

type hostApplier struct {
	mu      sync.Mutex
	applied map[string]string
	reject  bool
}

func newHostApplier() *hostApplier {
	return &hostApplier{applied: make(map[string]string)}
}

func (a *hostApplier) Apply(_ context.Context, d *layer.Descriptor, expression string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reject {
		return false, nil
	}
	a.applied[d.ID] = expression
	return true, nil
}

func (a *hostApplier) expressionFor(id string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applied[id]
}

type hostReader struct {
	wkt     string
	wktErr  error
	feats   []memlayer.Feature
	featErr error
}

func (r *hostReader) ReadWKT(context.Context, *layer.Descriptor) (string, error) {
	return r.wkt, r.wktErr
}

func (r *hostReader) ReadFeatures(context.Context, *layer.Descriptor) ([]memlayer.Feature, error) {
	return r.feats, r.featErr
}

func sourceLayer() *layer.Descriptor {
	count := int64(12)
	return &layer.Descriptor{
		ID:             "parcels",
		Provider:       layer.ProviderMemory,
		GeometryColumn: "geom",
		SRID:           2154,
		FeatureCount:   &count,
		Connected:      true,
	}
}

func fileTarget(id string) *layer.Descriptor {
	return &layer.Descriptor{
		ID:             id,
		Provider:       layer.ProviderFile,
		Path:           "/data/" + id + ".gpkg",
		Table:          id,
		GeometryColumn: "geom",
		SRID:           2154,
		Connected:      true,
	}
}

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Reader: &hostReader{}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Applier: newHostApplier()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestFilterRejectsMalformedRequests(t *testing.T) {
	e := newEngine(t, Config{Applier: newHostApplier(), Reader: &hostReader{wkt: "POINT(1 2)"}})

	_, err := e.Filter(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = e.Filter(context.Background(), &FilterRequest{Source: sourceLayer()})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = e.Filter(context.Background(), &FilterRequest{
		Source:     sourceLayer(),
		Targets:    []*layer.Descriptor{fileTarget("roads")},
		Predicates: []string{"adjacent_to"},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestFilterFileTarget(t *testing.T) {
	applier := newHostApplier()
	e := newEngine(t, Config{Applier: applier, Reader: &hostReader{wkt: "POINT(1 2)"}})

	results, err := e.Filter(context.Background(), &FilterRequest{
		Source:     sourceLayer(),
		Targets:    []*layer.Descriptor{fileTarget("roads")},
		Predicates: []string{"intersects"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	require.NoError(t, r.Err)
	assert.Equal(t, backend.KindGenericDriver, r.Backend)
	assert.True(t, r.Applied)
	want := "intersects($geometry, geom_from_wkt('POINT(1 2)'))"
	assert.Equal(t, want, r.Expression)
	assert.Equal(t, want, applier.expressionFor("roads"))
}

func TestFilterPartialSuccess(t *testing.T) {
	applier := newHostApplier()
	e := newEngine(t, Config{Applier: applier, Reader: &hostReader{wkt: "POINT(1 2)"}})

	// Unknown predicate names are dropped, recognized ones still apply.
	results, err := e.Filter(context.Background(), &FilterRequest{
		Source: sourceLayer(),
		Targets: []*layer.Descriptor{
			fileTarget("roads"),
			fileTarget("rivers"),
		},
		Predicates: []string{"intersects", "bogus"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err, "layer %s", r.LayerID)
		assert.True(t, r.Applied, "layer %s", r.LayerID)
	}

	m := e.Metrics()
	assert.Equal(t, int64(2), m.ExpressionsCompiled)
	assert.Equal(t, int64(2), m.FiltersApplied)
}

func TestFilterCancelledContext(t *testing.T) {
	e := newEngine(t, Config{Applier: newHostApplier(), Reader: &hostReader{wkt: "POINT(1 2)"}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Filter(ctx, &FilterRequest{
		Source:     sourceLayer(),
		Targets:    []*layer.Descriptor{fileTarget("roads")},
		Predicates: []string{"intersects"},
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFilterHostRejection(t *testing.T) {
	applier := newHostApplier()
	applier.reject = true
	e := newEngine(t, Config{Applier: applier, Reader: &hostReader{wkt: "POINT(1 2)"}})

	results, err := e.Filter(context.Background(), &FilterRequest{
		Source:     sourceLayer(),
		Targets:    []*layer.Descriptor{fileTarget("roads")},
		Predicates: []string{"intersects"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
	assert.False(t, results[0].Applied)
	assert.Equal(t, int64(1), e.Metrics().Errors)
}

func TestFilterSurvivesPanickingApplier(t *testing.T) {
	e := newEngine(t, Config{
		Applier: applierFunc(func(context.Context, *layer.Descriptor, string) (bool, error) {
			panic("host gone")
		}),
		Reader: &hostReader{wkt: "POINT(1 2)"},
	})

	results, err := e.Filter(context.Background(), &FilterRequest{
		Source:     sourceLayer(),
		Targets:    []*layer.Descriptor{fileTarget("roads")},
		Predicates: []string{"intersects"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	assert.Contains(t, results[0].Err.Error(), "panicked")
}

type applierFunc func(context.Context, *layer.Descriptor, string) (bool, error)

func (f applierFunc) Apply(ctx context.Context, d *layer.Descriptor, expr string) (bool, error) {
	return f(ctx, d, expr)
}

func TestCleanupWritesSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.snap")
	e := newEngine(t, Config{
		Applier:      newHostApplier(),
		Reader:       &hostReader{wkt: "POINT(1 2)"},
		SnapshotPath: path,
	})

	_, err := e.Filter(context.Background(), &FilterRequest{
		Source:     sourceLayer(),
		Targets:    []*layer.Descriptor{fileTarget("roads")},
		Predicates: []string{"intersects"},
	})
	require.NoError(t, err)

	e.Cleanup(context.Background())

	codec, err := snapshot.NewCodec()
	require.NoError(t, err)
	defer codec.Close()
	s, err := codec.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, e.SessionID(), s.SessionID)
}

func TestClearFilterResetsState(t *testing.T) {
	applier := newHostApplier()
	e := newEngine(t, Config{Applier: applier, Reader: &hostReader{wkt: "POINT(1 2)"}})
	target := fileTarget("roads")

	_, err := e.Filter(context.Background(), &FilterRequest{
		Source:     sourceLayer(),
		Targets:    []*layer.Descriptor{target},
		Predicates: []string{"intersects"},
	})
	require.NoError(t, err)

	require.NoError(t, e.ClearFilter(context.Background(), target))
	assert.Equal(t, "", applier.expressionFor("roads"))
	assert.Nil(t, e.state("roads"))
}

func TestFilterSourceReadFailureFallsBack(t *testing.T) {
	applier := newHostApplier()
	e := newEngine(t, Config{
		Applier: applier,
		Reader: &hostReader{
			wktErr:  errors.New("read failed"),
			featErr: errors.New("read failed"),
		},
	})

	// Both representations fail: the raw-layer emergency substitution
	// kicks in and host-expression targets stay unfiltered with a warning.
	results, err := e.Filter(context.Background(), &FilterRequest{
		Source:     sourceLayer(),
		Targets:    []*layer.Descriptor{fileTarget("roads")},
		Predicates: []string{"intersects"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.False(t, results[0].Applied)
	assert.NotEmpty(t, results[0].Warnings)
}

type countingReader struct {
	mu        sync.Mutex
	wktReads  int
	featReads int
}

func (r *countingReader) ReadWKT(context.Context, *layer.Descriptor) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wktReads++
	return "POINT(1 2)", nil
}

func (r *countingReader) ReadFeatures(context.Context, *layer.Descriptor) ([]memlayer.Feature, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.featReads++
	return nil, errors.New("no features")
}

type stubConns struct{}

func (stubConns) GetConnection(context.Context, *layer.Descriptor) (*sql.DB, bool, error) {
	return nil, false, errors.New("no connection in tests")
}

func postgresLayer(id string, count int64) *layer.Descriptor {
	return &layer.Descriptor{
		ID:             id,
		Provider:       layer.ProviderPostgres,
		Schema:         "public",
		Table:          id,
		GeometryColumn: "geom",
		PrimaryKey:     "fid",
		SRID:           2154,
		FeatureCount:   &count,
		Connected:      true,
	}
}

func TestPrepareRelationalTargetSkipsSourceRead(t *testing.T) {
	// A large connected source serves relational targets as a live table
	// reference; no feature data should leave the host for it.
	reader := &countingReader{}
	e := newEngine(t, Config{Applier: newHostApplier(), Reader: reader, Connections: stubConns{}})

	res, err := e.prepareSource(context.Background(), &FilterRequest{
		Source:     postgresLayer("parcels", 10000),
		Targets:    []*layer.Descriptor{postgresLayer("buildings", 10000)},
		Predicates: []string{"intersects"},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Relational)

	reader.mu.Lock()
	defer reader.mu.Unlock()
	assert.Zero(t, reader.wktReads, "table-reference mode must not read source WKT")
	assert.Zero(t, reader.featReads, "table-reference mode must not collect source features")
}

func TestCleanupCoversRequestSessions(t *testing.T) {
	e := newEngine(t, Config{Applier: newHostApplier(), Reader: &hostReader{wkt: "POINT(1 2)"}})

	_, err := e.Filter(context.Background(), &FilterRequest{
		SessionID:  "job-42",
		Source:     sourceLayer(),
		Targets:    []*layer.Descriptor{fileTarget("roads")},
		Predicates: []string{"intersects"},
	})
	require.NoError(t, err)

	sessions := e.knownSessions()
	assert.Contains(t, sessions, e.SessionID())
	assert.Contains(t, sessions, "job-42")

	// Teardown sweeps every known session and forgets the request ids.
	e.Cleanup(context.Background())
	assert.Equal(t, []string{e.SessionID()}, e.knownSessions())
}
