package backend

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	sq "github.com/Masterminds/squirrel"

	"github.com/sducournau/filtermate-go/dialect"
	"github.com/sducournau/filtermate-go/layer"
	"github.com/sducournau/filtermate-go/matview"
	"github.com/sducournau/filtermate-go/prepare"
)

// bufferedColumn is the name of the buffered geometry column inside derived
// views. Part of the view layout the buffer-state machine relies on.
const bufferedColumn = "geom_buffered"

// Relational compiles filter expressions for the relational (PostGIS)
// backend. It is the only compiler that can reference the source layer as a
// live table, and the only one that materializes derived views.
type Relational struct {
	conns   ConnectionProvider
	applier Applier
	views   *matview.Manager
	d       *dialect.Dialect
	logger  *slog.Logger

	mu       sync.Mutex
	geomCols map[string]string
}

// NewRelational creates the relational backend. views may be nil, in which
// case buffered geometries are recomputed inline instead of materialized.
func NewRelational(conns ConnectionProvider, applier Applier, views *matview.Manager, logger *slog.Logger) *Relational {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relational{
		conns:    conns,
		applier:  applier,
		views:    views,
		d:        dialect.Postgres(),
		logger:   logger,
		geomCols: make(map[string]string),
	}
}

// Kind implements Backend.
func (r *Relational) Kind() Kind { return KindRelational }

// SupportsLayer implements Backend.
func (r *Relational) SupportsLayer(d *layer.Descriptor) bool {
	return d.Provider == layer.ProviderPostgres && d.Connected
}

// BuildExpression implements Backend.
func (r *Relational) BuildExpression(ctx context.Context, in *BuildInput) (*BuildResult, error) {
	if len(in.Predicates) == 0 {
		return &BuildResult{State: in.State}, nil
	}
	if in.Source == nil {
		return nil, fmt.Errorf("%w: no prepared source geometry", ErrCompile)
	}

	geomCol, err := r.geometryColumn(ctx, in.Layer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, err)
	}
	target := targetGeomExpr(r.d, in, geomCol)

	var (
		compiled string
		state    = in.State
		warnings []string
	)

	switch {
	case in.Source.Relational != nil:
		compiled, state, warnings, err = r.relationalModeExpr(ctx, in, target)
		if err != nil {
			return nil, err
		}

	case in.Source.WKT != "" || in.Source.Memory != nil:
		wktStr, srcSRID, werr := sourceWKT(in)
		if werr != nil {
			return nil, werr
		}
		src := literalSourceExpr(r.d, in, wktStr, srcSRID)
		if src == "" {
			return nil, fmt.Errorf("%w: could not build source literal", ErrCompile)
		}
		compiled = predicateOR(r.d, target, src, in.Predicates)

	case in.Source.RawLayerFallback && in.SourceLayer != nil && in.SourceLayer.Connected:
		compiled = r.rawLayerExpr(in, target)
		warnings = append(warnings,
			"no source-geometry representation available; filtering against the raw unfiltered source layer")

	default:
		return nil, fmt.Errorf("%w: no usable source representation for relational target", ErrCompile)
	}

	if compiled == "" {
		return &BuildResult{State: state, Warnings: warnings}, nil
	}
	return &BuildResult{
		Expression: CombineExpressions(in.PriorFilter, compiled, in.Combine),
		Warnings:   warnings,
		State:      state,
	}, nil
}

// relationalModeExpr builds an EXISTS subquery against the live source
// table, or against a materialized view of it when buffering is requested
// and a view manager is present.
func (r *Relational) relationalModeExpr(ctx context.Context, in *BuildInput, target string) (string, *BufferState, []string, error) {
	rel := in.Source.Relational
	srcGeomCol := rel.GeometryColumn
	if srcGeomCol == "" {
		srcGeomCol = "geom"
	}

	var warnings []string

	if in.Buffer == nil {
		srcExpr := r.reconcileSRID(sourceAlias+"."+dialect.QuoteIdentifier(srcGeomCol), rel.SRID, in.Layer.SRID)
		expr := r.existsOverTable(rel, srcExpr, target, in.Predicates)
		return expr, in.State.Advance(0, srcGeomCol), warnings, nil
	}

	distance := in.Buffer.Distance

	if ShouldReuse(in.State, distance) && r.views != nil {
		// The previous step already materialized this exact buffer; point
		// the predicates at the existing buffered column.
		qualified := r.qualifiedViewName(in)
		srcExpr := r.reconcileSRID(sourceAlias+"."+dialect.QuoteIdentifier(in.State.BufferColumn), rel.SRID, in.Layer.SRID)
		expr := r.existsOverView(qualified, srcExpr, target, in.Predicates)
		r.views.AddReference(r.viewName(in), in.Layer.ID)
		return expr, in.State.Advance(distance, in.State.BufferColumn), warnings, nil
	}

	srcGeographic := in.SourceLayer != nil && in.SourceLayer.GeographicCRS
	buffered := dialect.BuildBufferWithCRS(r.d, dialect.QuoteIdentifier(srcGeomCol), rel.SRID, srcGeographic, *in.Buffer)
	if buffered == "" {
		return "", in.State, nil, fmt.Errorf("%w: dialect cannot express buffer", ErrCompile)
	}

	if r.views != nil {
		qualified, err := r.createBufferView(ctx, in, rel, srcGeomCol, buffered)
		if err == nil {
			srcExpr := r.reconcileSRID(sourceAlias+"."+dialect.QuoteIdentifier(bufferedColumn), rel.SRID, in.Layer.SRID)
			expr := r.existsOverView(qualified, srcExpr, target, in.Predicates)
			return expr, in.State.Advance(distance, bufferedColumn), warnings, nil
		}
		warnings = append(warnings, "materialized view unavailable, buffering inline: "+err.Error())
		r.logger.Warn("derived view creation failed, falling back to inline buffer",
			"layer", in.Layer.ID, "error", err)
	}

	// Inline: the buffer expression runs inside the subquery on every
	// evaluation. Correct, just slower than the materialized path.
	srcExpr := r.reconcileSRID(buffered, rel.SRID, in.Layer.SRID)
	srcExpr = qualifyColumns(srcExpr, srcGeomCol)
	expr := r.existsOverTable(rel, srcExpr, target, in.Predicates)
	return expr, in.State.AdvanceInline(distance, srcGeomCol), warnings, nil
}

// rawLayerExpr is the emergency path: an EXISTS over the raw unfiltered
// source table. Over-inclusive, never empty-handed.
func (r *Relational) rawLayerExpr(in *BuildInput, target string) string {
	src := in.SourceLayer
	geomCol := src.GeometryColumn
	if geomCol == "" {
		geomCol = "geom"
	}
	rel := &prepare.RelationalSource{
		Schema:         src.Schema,
		Table:          src.Table,
		GeometryColumn: geomCol,
		SRID:           src.SRID,
	}
	srcExpr := r.reconcileSRID(sourceAlias+"."+dialect.QuoteIdentifier(geomCol), src.SRID, in.Layer.SRID)
	return r.existsOverTable(rel, srcExpr, target, in.Predicates)
}

// existsOverTable builds EXISTS (SELECT 1 FROM src AS _fm_src WHERE
// [subset AND] predicates).
func (r *Relational) existsOverTable(rel *prepare.RelationalSource, srcExpr, target string, preds []dialect.Predicate) string {
	body := predicateOR(r.d, target, srcExpr, preds)
	if body == "" {
		return ""
	}
	where := body
	if rel.SubsetString != "" {
		where = "(" + rel.SubsetString + ") AND " + body
	}
	return "EXISTS (SELECT 1 FROM " + dialect.QuoteQualified(rel.Schema, rel.Table) +
		" AS " + sourceAlias + " WHERE " + where + ")"
}

// existsOverView builds EXISTS (SELECT 1 FROM <view> AS _fm_src WHERE ...).
// The view already bakes in the source subset.
func (r *Relational) existsOverView(qualifiedView, srcExpr, target string, preds []dialect.Predicate) string {
	body := predicateOR(r.d, target, srcExpr, preds)
	if body == "" {
		return ""
	}
	return "EXISTS (SELECT 1 FROM " + qualifiedView + " AS " + sourceAlias + " WHERE " + body + ")"
}

// createBufferView materializes the prepared source with its buffered
// geometry and registers this layer as a consumer.
func (r *Relational) createBufferView(ctx context.Context, in *BuildInput, rel *prepare.RelationalSource, srcGeomCol, bufferedExpr string) (string, error) {
	pk := rel.PrimaryKey
	if pk == "" {
		pk = "id"
	}
	sel := "SELECT " + dialect.QuoteIdentifier(pk) + ", " +
		dialect.QuoteIdentifier(srcGeomCol) + ", " +
		bufferedExpr + " AS " + bufferedColumn +
		" FROM " + dialect.QuoteQualified(rel.Schema, rel.Table)
	if rel.SubsetString != "" {
		sel += " WHERE (" + rel.SubsetString + ")"
	}

	qualified, err := r.views.CreateView(ctx, in.SessionID, r.viewLogicalName(in), sel, bufferedColumn)
	if err != nil {
		return "", err
	}
	r.views.AddReference(r.viewName(in), in.Layer.ID)
	return qualified, nil
}

// viewLogicalName derives the per-source, per-distance logical view name.
// The distance is part of the name so a changed buffer materializes a new
// view instead of silently reusing stale contents.
func (r *Relational) viewLogicalName(in *BuildInput) string {
	base := "source"
	if in.SourceLayer != nil {
		base = in.SourceLayer.ID
	}
	if in.Buffer != nil {
		base += "_b" + distanceTag(in.Buffer.Distance)
	}
	return base
}

// distanceTag renders a buffer distance as an identifier fragment:
// 100 -> "100", -5.5 -> "m5_5".
func distanceTag(d float64) string {
	s := strconv.FormatFloat(d, 'g', -1, 64)
	s = strings.ReplaceAll(s, "-", "m")
	s = strings.ReplaceAll(s, ".", "_")
	s = strings.ReplaceAll(s, "+", "")
	return s
}

func (r *Relational) viewName(in *BuildInput) string {
	return r.views.ViewName(in.SessionID, r.viewLogicalName(in))
}

func (r *Relational) qualifiedViewName(in *BuildInput) string {
	return dialect.QuoteIdentifier(r.views.Schema()) + "." + dialect.QuoteIdentifier(r.viewName(in))
}

// reconcileSRID reprojects the source expression into the target CRS when
// the two SRIDs are known and differ.
func (r *Relational) reconcileSRID(expr string, srcSRID, tgtSRID int) string {
	if srcSRID > 0 && tgtSRID > 0 && srcSRID != tgtSRID {
		return dialect.TransformExpr(r.d, expr, srcSRID, tgtSRID)
	}
	return expr
}

// geometryColumn resolves the true geometry column of a relational layer
// from native metadata, never assuming a default name. Descriptor metadata
// wins; otherwise geometry_columns is consulted once and cached.
func (r *Relational) geometryColumn(ctx context.Context, d *layer.Descriptor) (string, error) {
	if d.GeometryColumn != "" {
		return d.GeometryColumn, nil
	}

	key := d.Schema + "." + d.Table
	r.mu.Lock()
	if col, ok := r.geomCols[key]; ok {
		r.mu.Unlock()
		return col, nil
	}
	r.mu.Unlock()

	db, _, err := r.conns.GetConnection(ctx, d)
	if err != nil {
		return "", fmt.Errorf("resolve geometry column for %s: %w", key, err)
	}

	col, err := queryGeometryColumn(ctx, db, d.Schema, d.Table)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.geomCols[key] = col
	r.mu.Unlock()
	return col, nil
}

func queryGeometryColumn(ctx context.Context, db *sql.DB, schema, table string) (string, error) {
	query, args, err := sq.Select("f_geometry_column").
		From("geometry_columns").
		Where(sq.Eq{"f_table_schema": schema, "f_table_name": table}).
		PlaceholderFormat(sq.Dollar).
		Limit(1).
		ToSql()
	if err != nil {
		return "", err
	}

	var col string
	if err := db.QueryRowContext(ctx, query, args...).Scan(&col); err != nil {
		return "", fmt.Errorf("geometry_columns lookup for %s.%s: %w", schema, table, err)
	}
	return col, nil
}

// ApplyFilter implements Backend.
func (r *Relational) ApplyFilter(ctx context.Context, d *layer.Descriptor, expression string) error {
	ok, err := r.applier.Apply(ctx, d, expression)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("host rejected subset string for layer %q", d.ID)
	}
	return nil
}

// Cleanup implements Backend. Connections belong to the provider; only the
// metadata cache is dropped here.
func (r *Relational) Cleanup(ctx context.Context) error {
	r.mu.Lock()
	r.geomCols = make(map[string]string)
	r.mu.Unlock()
	return nil
}

// qualifyColumns prefixes the bare source geometry column inside an inline
// buffer expression with the subquery alias, so it resolves against the
// source rather than the target row.
func qualifyColumns(expr, geomCol string) string {
	quoted := dialect.QuoteIdentifier(geomCol)
	return replaceToken(expr, quoted, sourceAlias+"."+quoted)
}

func replaceToken(expr, token, with string) string {
	out := make([]byte, 0, len(expr)+len(with))
	for i := 0; i < len(expr); {
		if matchesToken(expr, i, token) {
			out = append(out, with...)
			i += len(token)
			continue
		}
		out = append(out, expr[i])
		i++
	}
	return string(out)
}

// matchesToken reports a token match at i not embedded in a larger
// identifier.
func matchesToken(expr string, i int, token string) bool {
	if i+len(token) > len(expr) || expr[i:i+len(token)] != token {
		return false
	}
	if i > 0 && isIdentChar(expr[i-1]) {
		return false
	}
	if j := i + len(token); j < len(expr) && isIdentChar(expr[j]) {
		return false
	}
	return true
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '.' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
