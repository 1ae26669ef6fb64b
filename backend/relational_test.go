package backend

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/sducournau/filtermate-go/dialect"
	"github.com/sducournau/filtermate-go/layer"
	"github.com/sducournau/filtermate-go/matview"
	"github.com/sducournau/filtermate-go/prepare"
)

// recordingDB is a minimal driver backing a real *sql.DB, recording every
// statement the view manager executes. A non-nil execErr makes every
// statement fail, simulating a maintenance connection without DDL rights.
type recordingDB struct {
	mu      sync.Mutex
	execs   []string
	execErr error
}

func (r *recordingDB) statements() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.execs...)
}

type recordingConnector struct{ db *recordingDB }

func (c *recordingConnector) Connect(context.Context) (driver.Conn, error) {
	return &recordingConn{db: c.db}, nil
}

func (c *recordingConnector) Driver() driver.Driver { return nil }

type recordingConn struct{ db *recordingDB }

func (c *recordingConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepare not supported")
}

func (c *recordingConn) Close() error              { return nil }
func (c *recordingConn) Begin() (driver.Tx, error) { return nil, errors.New("tx not supported") }

func (c *recordingConn) ExecContext(_ context.Context, stmt string, _ []driver.NamedValue) (driver.Result, error) {
	c.db.mu.Lock()
	c.db.execs = append(c.db.execs, stmt)
	err := c.db.execErr
	c.db.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return driver.RowsAffected(0), nil
}

func (c *recordingConn) QueryContext(context.Context, string, []driver.NamedValue) (driver.Rows, error) {
	return &emptyRows{}, nil
}

type emptyRows struct{}

func (*emptyRows) Columns() []string { return []string{"matviewname"} }

func (*emptyRows) Close() error { return nil }

func (*emptyRows) Next([]driver.Value) error { return io.EOF }

type fakeApplier struct {
	applied []string
	ok      bool
	err     error
}

func (a *fakeApplier) Apply(_ context.Context, _ *layer.Descriptor, expression string) (bool, error) {
	a.applied = append(a.applied, expression)
	return a.ok, a.err
}

func targetLayer() *layer.Descriptor {
	return &layer.Descriptor{
		ID:             "tgt",
		Provider:       layer.ProviderPostgres,
		Schema:         "public",
		Table:          "buildings",
		GeometryColumn: "geom",
		PrimaryKey:     "fid",
		SRID:           2154,
		Connected:      true,
	}
}

func relationalSource() *prepare.Result {
	return &prepare.Result{Relational: &prepare.RelationalSource{
		Schema:         "public",
		Table:          "parcels",
		GeometryColumn: "geom",
		PrimaryKey:     "id",
		SRID:           2154,
	}}
}

func sourceDescriptor() *layer.Descriptor {
	return &layer.Descriptor{
		ID:             "src",
		Provider:       layer.ProviderPostgres,
		Schema:         "public",
		Table:          "parcels",
		GeometryColumn: "geom",
		PrimaryKey:     "id",
		SRID:           2154,
		Connected:      true,
	}
}

func newViewManager(t *testing.T) (*matview.Manager, *recordingDB) {
	t.Helper()
	rec := &recordingDB{}
	db := sql.OpenDB(&recordingConnector{db: rec})
	m, err := matview.NewManager(matview.Config{DB: db})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m, rec
}

func TestRelationalSupportsLayer(t *testing.T) {
	r := NewRelational(nil, &fakeApplier{ok: true}, nil, nil)

	if !r.SupportsLayer(targetLayer()) {
		t.Error("connected postgres layer must be supported")
	}
	if r.SupportsLayer(&layer.Descriptor{Provider: layer.ProviderPostgres, Connected: false}) {
		t.Error("disconnected layer must not be supported")
	}
	if r.SupportsLayer(&layer.Descriptor{Provider: layer.ProviderFile, Connected: true}) {
		t.Error("file layer must not be supported")
	}
}

func TestRelationalEmptyPredicatesNoOp(t *testing.T) {
	r := NewRelational(nil, &fakeApplier{ok: true}, nil, nil)

	res, err := r.BuildExpression(context.Background(), &BuildInput{
		Layer:  targetLayer(),
		Source: relationalSource(),
	})
	if err != nil {
		t.Fatalf("BuildExpression() error = %v", err)
	}
	if res.Expression != "" {
		t.Errorf("Expression = %q, want empty", res.Expression)
	}
}

func TestRelationalTableSubquery(t *testing.T) {
	r := NewRelational(nil, &fakeApplier{ok: true}, nil, nil)

	res, err := r.BuildExpression(context.Background(), &BuildInput{
		Layer:      targetLayer(),
		Source:     relationalSource(),
		Predicates: []dialect.Predicate{dialect.PredicateIntersects},
	})
	if err != nil {
		t.Fatalf("BuildExpression() error = %v", err)
	}
	want := "EXISTS (SELECT 1 FROM public.parcels AS _fm_src WHERE ST_Intersects(buildings.geom, _fm_src.geom))"
	if res.Expression != want {
		t.Errorf("Expression = %q, want %q", res.Expression, want)
	}
	if res.State == nil || res.State.HasBuffer {
		t.Errorf("unbuffered step state = %+v", res.State)
	}
}

func TestRelationalTableSubquerySubset(t *testing.T) {
	r := NewRelational(nil, &fakeApplier{ok: true}, nil, nil)
	src := relationalSource()
	src.Relational.SubsetString = "dept = '01'"

	res, err := r.BuildExpression(context.Background(), &BuildInput{
		Layer:      targetLayer(),
		Source:     src,
		Predicates: []dialect.Predicate{dialect.PredicateIntersects},
	})
	if err != nil {
		t.Fatalf("BuildExpression() error = %v", err)
	}
	want := "EXISTS (SELECT 1 FROM public.parcels AS _fm_src WHERE (dept = '01') AND ST_Intersects(buildings.geom, _fm_src.geom))"
	if res.Expression != want {
		t.Errorf("Expression = %q, want %q", res.Expression, want)
	}
}

func TestRelationalMultiplePredicates(t *testing.T) {
	r := NewRelational(nil, &fakeApplier{ok: true}, nil, nil)

	res, err := r.BuildExpression(context.Background(), &BuildInput{
		Layer:      targetLayer(),
		Source:     relationalSource(),
		Predicates: []dialect.Predicate{dialect.PredicateIntersects, dialect.PredicateTouches},
	})
	if err != nil {
		t.Fatalf("BuildExpression() error = %v", err)
	}
	want := "EXISTS (SELECT 1 FROM public.parcels AS _fm_src WHERE (ST_Intersects(buildings.geom, _fm_src.geom) OR ST_Touches(buildings.geom, _fm_src.geom)))"
	if res.Expression != want {
		t.Errorf("Expression = %q, want %q", res.Expression, want)
	}
}

func TestRelationalWKTLiteral(t *testing.T) {
	r := NewRelational(nil, &fakeApplier{ok: true}, nil, nil)

	res, err := r.BuildExpression(context.Background(), &BuildInput{
		Layer:      targetLayer(),
		Source:     &prepare.Result{WKT: "POINT(1 2)", WKTSRID: 2154},
		Predicates: []dialect.Predicate{dialect.PredicateIntersects},
	})
	if err != nil {
		t.Fatalf("BuildExpression() error = %v", err)
	}
	want := "ST_Intersects(buildings.geom, ST_GeomFromText('POINT(1 2)', 2154))"
	if res.Expression != want {
		t.Errorf("Expression = %q, want %q", res.Expression, want)
	}
}

func TestRelationalWKTLiteralReprojected(t *testing.T) {
	r := NewRelational(nil, &fakeApplier{ok: true}, nil, nil)

	res, err := r.BuildExpression(context.Background(), &BuildInput{
		Layer:      targetLayer(),
		Source:     &prepare.Result{WKT: "POINT(1 2)", WKTSRID: 4326},
		Predicates: []dialect.Predicate{dialect.PredicateWithin},
	})
	if err != nil {
		t.Fatalf("BuildExpression() error = %v", err)
	}
	want := "ST_Within(buildings.geom, ST_Transform(ST_GeomFromText('POINT(1 2)', 4326), 2154))"
	if res.Expression != want {
		t.Errorf("Expression = %q, want %q", res.Expression, want)
	}
}

func TestRelationalCentroidTarget(t *testing.T) {
	r := NewRelational(nil, &fakeApplier{ok: true}, nil, nil)

	res, err := r.BuildExpression(context.Background(), &BuildInput{
		Layer:        targetLayer(),
		Source:       &prepare.Result{WKT: "POINT(1 2)", WKTSRID: 2154},
		Predicates:   []dialect.Predicate{dialect.PredicateIntersects},
		UseCentroids: true,
	})
	if err != nil {
		t.Fatalf("BuildExpression() error = %v", err)
	}
	want := "ST_Intersects(ST_Centroid(buildings.geom), ST_GeomFromText('POINT(1 2)', 2154))"
	if res.Expression != want {
		t.Errorf("Expression = %q, want %q", res.Expression, want)
	}
}

func TestRelationalPriorFilterCombined(t *testing.T) {
	r := NewRelational(nil, &fakeApplier{ok: true}, nil, nil)

	res, err := r.BuildExpression(context.Background(), &BuildInput{
		Layer:       targetLayer(),
		Source:      &prepare.Result{WKT: "POINT(1 2)", WKTSRID: 2154},
		Predicates:  []dialect.Predicate{dialect.PredicateIntersects},
		PriorFilter: "status = 'active'",
		Combine:     CombineAnd,
	})
	if err != nil {
		t.Fatalf("BuildExpression() error = %v", err)
	}
	want := "(status = 'active') AND (ST_Intersects(buildings.geom, ST_GeomFromText('POINT(1 2)', 2154)))"
	if res.Expression != want {
		t.Errorf("Expression = %q, want %q", res.Expression, want)
	}
}

func TestRelationalInlineBuffer(t *testing.T) {
	// No view manager: the buffer expression is inlined into the subquery.
	r := NewRelational(nil, &fakeApplier{ok: true}, nil, nil)

	res, err := r.BuildExpression(context.Background(), &BuildInput{
		Layer:       targetLayer(),
		Source:      relationalSource(),
		SourceLayer: sourceDescriptor(),
		Predicates:  []dialect.Predicate{dialect.PredicateIntersects},
		Buffer:      &dialect.BufferOptions{Distance: 100},
		SessionID:   "s1",
	})
	if err != nil {
		t.Fatalf("BuildExpression() error = %v", err)
	}
	want := "EXISTS (SELECT 1 FROM public.parcels AS _fm_src WHERE ST_Intersects(buildings.geom, ST_Buffer(_fm_src.geom, 100, 'quad_segs=8')))"
	if res.Expression != want {
		t.Errorf("Expression = %q, want %q", res.Expression, want)
	}
	if res.State == nil || !res.State.HasBuffer || res.State.BufferValue != 100 {
		t.Errorf("state = %+v", res.State)
	}
}

func TestRelationalViewLifecycle(t *testing.T) {
	views, rec := newViewManager(t)
	r := NewRelational(nil, &fakeApplier{ok: true}, views, nil)

	in := &BuildInput{
		Layer:       targetLayer(),
		Source:      relationalSource(),
		SourceLayer: sourceDescriptor(),
		Predicates:  []dialect.Predicate{dialect.PredicateIntersects},
		Buffer:      &dialect.BufferOptions{Distance: 100},
		SessionID:   "s1",
	}

	res, err := r.BuildExpression(context.Background(), in)
	if err != nil {
		t.Fatalf("BuildExpression() error = %v", err)
	}
	want := "EXISTS (SELECT 1 FROM filtermate_temp.fm_s1_src_b100 AS _fm_src WHERE ST_Intersects(buildings.geom, _fm_src.geom_buffered))"
	if res.Expression != want {
		t.Errorf("Expression = %q, want %q", res.Expression, want)
	}
	if res.State == nil || !res.State.IsPreBuffered || res.State.BufferValue != 100 || res.State.BufferColumn != "geom_buffered" {
		t.Fatalf("state after materialization = %+v", res.State)
	}

	stmts := rec.statements()
	wantCreate := "CREATE MATERIALIZED VIEW IF NOT EXISTS filtermate_temp.fm_s1_src_b100 AS " +
		"SELECT id, geom, ST_Buffer(geom, 100, 'quad_segs=8') AS geom_buffered FROM public.parcels"
	found := false
	for _, s := range stmts {
		if s == wantCreate {
			found = true
		}
	}
	if !found {
		t.Errorf("view DDL not executed; statements: %q", stmts)
	}

	// Same distance again: reuse the materialized column, no new DDL.
	in.State = res.State
	before := len(rec.statements())
	res2, err := r.BuildExpression(context.Background(), in)
	if err != nil {
		t.Fatalf("BuildExpression() reuse error = %v", err)
	}
	if res2.Expression != want {
		t.Errorf("reuse Expression = %q, want %q", res2.Expression, want)
	}
	if got := len(rec.statements()); got != before {
		t.Errorf("reuse executed %d new statements, want 0", got-before)
	}
	if res2.State.PreviousBufferValue != 100 || res2.State.BufferValue != 100 {
		t.Errorf("reuse state = %+v", res2.State)
	}

	// Changed distance: a fresh view is materialized under a new name.
	in.State = res2.State
	in.Buffer = &dialect.BufferOptions{Distance: 200}
	res3, err := r.BuildExpression(context.Background(), in)
	if err != nil {
		t.Fatalf("BuildExpression() recompute error = %v", err)
	}
	want200 := "EXISTS (SELECT 1 FROM filtermate_temp.fm_s1_src_b200 AS _fm_src WHERE ST_Intersects(buildings.geom, _fm_src.geom_buffered))"
	if res3.Expression != want200 {
		t.Errorf("recompute Expression = %q, want %q", res3.Expression, want200)
	}
	if res3.State.BufferValue != 200 || res3.State.PreviousBufferValue != 100 {
		t.Errorf("recompute state = %+v", res3.State)
	}
	var created200 bool
	for _, s := range rec.statements() {
		if strings.Contains(s, "fm_s1_src_b200") && strings.HasPrefix(s, "CREATE MATERIALIZED VIEW") {
			created200 = true
		}
	}
	if !created200 {
		t.Errorf("no DDL for the new distance; statements: %q", rec.statements())
	}
}

func TestRelationalInlineFallbackNeverReusesView(t *testing.T) {
	// View DDL fails: the compiler buffers inline, and the resulting state
	// must not mark the buffer as materialized, or the next same-distance
	// step would reference a view that never came to exist.
	rec := &recordingDB{execErr: errors.New("permission denied for schema")}
	db := sql.OpenDB(&recordingConnector{db: rec})
	views, err := matview.NewManager(matview.Config{DB: db})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	r := NewRelational(nil, &fakeApplier{ok: true}, views, nil)

	in := &BuildInput{
		Layer:       targetLayer(),
		Source:      relationalSource(),
		SourceLayer: sourceDescriptor(),
		Predicates:  []dialect.Predicate{dialect.PredicateIntersects},
		Buffer:      &dialect.BufferOptions{Distance: 100},
		SessionID:   "s1",
	}

	res, err := r.BuildExpression(context.Background(), in)
	if err != nil {
		t.Fatalf("BuildExpression() error = %v", err)
	}
	wantInline := "EXISTS (SELECT 1 FROM public.parcels AS _fm_src WHERE ST_Intersects(buildings.geom, ST_Buffer(_fm_src.geom, 100, 'quad_segs=8')))"
	if res.Expression != wantInline {
		t.Errorf("Expression = %q, want %q", res.Expression, wantInline)
	}
	if len(res.Warnings) == 0 {
		t.Error("inline fallback must carry a warning")
	}
	if res.State == nil || res.State.IsPreBuffered {
		t.Fatalf("state after inline fallback = %+v, must not claim a materialized column", res.State)
	}
	if !res.State.HasBuffer || res.State.BufferValue != 100 {
		t.Errorf("state = %+v", res.State)
	}
	if ShouldReuse(res.State, 100) {
		t.Error("inline-buffered state must not be reusable")
	}

	// Same distance again: still inline, never an EXISTS over the view name.
	in.State = res.State
	res2, err := r.BuildExpression(context.Background(), in)
	if err != nil {
		t.Fatalf("BuildExpression() second step error = %v", err)
	}
	if res2.Expression != wantInline {
		t.Errorf("second step Expression = %q, want %q", res2.Expression, wantInline)
	}
	if strings.Contains(res2.Expression, matview.DefaultSchema) {
		t.Errorf("second step references a view that was never created: %q", res2.Expression)
	}
}

func TestRelationalRawLayerFallback(t *testing.T) {
	r := NewRelational(nil, &fakeApplier{ok: true}, nil, nil)

	res, err := r.BuildExpression(context.Background(), &BuildInput{
		Layer:       targetLayer(),
		Source:      &prepare.Result{RawLayerFallback: true},
		SourceLayer: sourceDescriptor(),
		Predicates:  []dialect.Predicate{dialect.PredicateIntersects},
	})
	if err != nil {
		t.Fatalf("BuildExpression() error = %v", err)
	}
	want := "EXISTS (SELECT 1 FROM public.parcels AS _fm_src WHERE ST_Intersects(buildings.geom, _fm_src.geom))"
	if res.Expression != want {
		t.Errorf("Expression = %q, want %q", res.Expression, want)
	}
	if len(res.Warnings) == 0 {
		t.Error("raw-layer fallback must carry a warning")
	}
}

func TestRelationalNoSourceRepresentation(t *testing.T) {
	r := NewRelational(nil, &fakeApplier{ok: true}, nil, nil)

	_, err := r.BuildExpression(context.Background(), &BuildInput{
		Layer:      targetLayer(),
		Source:     &prepare.Result{},
		Predicates: []dialect.Predicate{dialect.PredicateIntersects},
	})
	if !errors.Is(err, ErrCompile) {
		t.Errorf("error = %v, want ErrCompile", err)
	}
}

func TestRelationalApplyFilter(t *testing.T) {
	accepted := &fakeApplier{ok: true}
	r := NewRelational(nil, accepted, nil, nil)
	if err := r.ApplyFilter(context.Background(), targetLayer(), "fid IN (1)"); err != nil {
		t.Errorf("ApplyFilter() error = %v", err)
	}
	if len(accepted.applied) != 1 || accepted.applied[0] != "fid IN (1)" {
		t.Errorf("applied = %q", accepted.applied)
	}

	rejected := &fakeApplier{ok: false}
	r = NewRelational(nil, rejected, nil, nil)
	if err := r.ApplyFilter(context.Background(), targetLayer(), "fid IN (1)"); err == nil {
		t.Error("host rejection must surface as an error")
	}
}
