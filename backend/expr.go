package backend

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb/encoding/wkt"

	"github.com/sducournau/filtermate-go/dialect"
)

// predicateOR builds the OR-combination of one sub-expression per requested
// predicate. Returns "" when no predicate can be expressed.
func predicateOR(d *dialect.Dialect, targetGeom, sourceGeom string, preds []dialect.Predicate) string {
	var parts []string
	for _, p := range preds {
		fn := d.PredicateFunc(p)
		if fn == "" {
			continue
		}
		parts = append(parts, fn+"("+targetGeom+", "+sourceGeom+")")
	}
	if len(parts) == 0 {
		return ""
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

// sourceWKT returns the prepared source geometry as WKT, deriving it from
// the in-memory feature set when the direct WKT representation is absent.
func sourceWKT(in *BuildInput) (string, int, error) {
	if in.Source == nil {
		return "", 0, fmt.Errorf("%w: no prepared source geometry", ErrCompile)
	}
	if in.Source.WKT != "" {
		return in.Source.WKT, in.Source.WKTSRID, nil
	}
	if in.Source.Memory != nil {
		combined, err := in.Source.Memory.CombinedGeometry()
		if err != nil {
			return "", 0, fmt.Errorf("%w: %v", ErrCompile, err)
		}
		return wkt.MarshalString(combined), in.Source.Memory.SRID(), nil
	}
	return "", 0, fmt.Errorf("%w: no literal source representation available", ErrCompile)
}

// literalSourceExpr builds the dialect expression for the source geometry as
// an embedded literal: WKT literal, reprojected into the target CRS when the
// SRIDs differ, then buffered.
func literalSourceExpr(d *dialect.Dialect, in *BuildInput, wktStr string, srcSRID int) string {
	expr := dialect.GeomLiteral(d, wktStr, srcSRID)
	if expr == "" {
		return ""
	}

	tgtSRID := in.Layer.SRID
	if srcSRID > 0 && tgtSRID > 0 && srcSRID != tgtSRID {
		expr = dialect.TransformExpr(d, expr, srcSRID, tgtSRID)
	}

	if in.Buffer != nil {
		expr = dialect.BuildBufferWithCRS(d, expr, tgtSRID, in.Layer.GeographicCRS, *in.Buffer)
	}
	return expr
}

// targetGeomExpr builds the expression referencing the target geometry,
// optionally reduced to its centroid.
func targetGeomExpr(d *dialect.Dialect, in *BuildInput, geomCol string) string {
	var expr string
	if d.GeometryRef != "" {
		expr = d.GeometryRef
	} else {
		expr = dialect.QuoteIdentifier(in.Layer.Table) + "." + dialect.QuoteIdentifier(geomCol)
	}
	if in.UseCentroids {
		expr = dialect.CentroidExpr(d, expr)
	}
	return expr
}
