package dialect

import (
	"fmt"
	"strconv"
)

// EndcapStyle controls how buffer line ends are closed.
type EndcapStyle string

const (
	EndcapRound  EndcapStyle = "round"
	EndcapFlat   EndcapStyle = "flat"
	EndcapSquare EndcapStyle = "square"
)

// WebMercatorSRID is the fixed metric CRS used when buffering layers whose
// own CRS is geographic. Buffer distances are meaningless in degrees.
const WebMercatorSRID = 3857

const (
	defaultSegments = 8

	// Adaptive simplification bounds, in layer units.
	minSimplifyTolerance = 0.5
	maxSimplifyTolerance = 10.0
	simplifyFactor       = 0.1
)

// BufferOptions configures a buffer expression.
type BufferOptions struct {
	// Distance in layer units. Negative distances erode the geometry.
	Distance float64

	// Segments is the quarter-circle segment count. 0 means the default (8).
	Segments int

	// Endcap selects the end-cap style. Empty means round.
	Endcap EndcapStyle

	// SimplifyInput pre-simplifies the geometry before buffering. Large
	// source geometries buffer far faster with a topology-preserving
	// simplification first.
	SimplifyInput bool

	// SimplifyTolerance is the simplification tolerance in layer units.
	// 0 selects an adaptive tolerance derived from the buffer distance.
	SimplifyTolerance float64
}

// AdaptiveTolerance derives a simplification tolerance from the buffer
// distance: clamp(|distance| * factor, 0.5, 10.0). The bounds are empirical;
// below 0.5 simplification buys nothing, above 10 it visibly distorts.
func AdaptiveTolerance(distance float64) float64 {
	t := distance * simplifyFactor
	if t < 0 {
		t = -t
	}
	if t < minSimplifyTolerance {
		return minSimplifyTolerance
	}
	if t > maxSimplifyTolerance {
		return maxSimplifyTolerance
	}
	return t
}

// BuildBufferExpression builds the dialect buffer call around geomExpr.
//
// A negative distance (erosion) wraps the call in the dialect's validity
// repair guarded by a conditional that yields NULL when the repaired result
// is empty: thin geometries can collapse entirely under erosion, and an
// empty geometry poisons every downstream predicate, while NULL simply
// drops out of them.
//
// Returns "" when the dialect cannot express the request.
func BuildBufferExpression(d *Dialect, geomExpr string, opts BufferOptions) string {
	if d == nil || d.Buffer == "" || geomExpr == "" {
		return ""
	}

	g := geomExpr
	if opts.SimplifyInput && d.Simplify != "" {
		tol := opts.SimplifyTolerance
		if tol <= 0 {
			tol = AdaptiveTolerance(opts.Distance)
		}
		g = d.Simplify + "(" + g + ", " + formatFloat(tol) + ")"
	}

	segments := opts.Segments
	if segments <= 0 {
		segments = defaultSegments
	}
	endcap := opts.Endcap
	if endcap == "" {
		endcap = EndcapRound
	}

	dist := formatFloat(opts.Distance)

	var buf string
	switch d.BufferStyle {
	case StyleParamText:
		style := fmt.Sprintf("quad_segs=%d", segments)
		if endcap != EndcapRound {
			style += " endcap=" + string(endcap)
		}
		buf = d.Buffer + "(" + g + ", " + dist + ", " + QuoteLiteral(style) + ")"
	case StyleArgs:
		buf = d.Buffer + "(" + g + ", " + dist + ", " + strconv.Itoa(segments)
		if endcap != EndcapRound {
			buf += ", " + QuoteLiteral(string(endcap))
		}
		buf += ")"
	default:
		return ""
	}

	if opts.Distance < 0 {
		return guardCollapse(d, buf)
	}
	return buf
}

// guardCollapse wraps an erosion result in the validity repair, yielding a
// NULL sentinel when the repaired geometry is empty.
func guardCollapse(d *Dialect, expr string) string {
	if d.MakeValid == "" || d.IsEmpty == "" {
		return ""
	}
	repaired := d.MakeValid + "(" + expr + ")"
	return "CASE WHEN " + d.IsEmpty + "(" + repaired + ") THEN NULL ELSE " + repaired + " END"
}

// ApplyGeographicTransform prepares a geometry expression for buffering on a
// geographic CRS. When the CRS is geographic and the buffer is non-zero, it
// returns the expression reprojected to Web Mercator plus a restore function
// that reprojects the buffered result back; otherwise it returns the input
// unchanged with an identity restore.
func ApplyGeographicTransform(d *Dialect, geomExpr string, srid int, geographic bool, distance float64) (string, func(string) string) {
	identity := func(s string) string { return s }
	if d == nil || d.Transform == "" || !geographic || distance == 0 {
		return geomExpr, identity
	}
	metric := TransformExpr(d, geomExpr, srid, WebMercatorSRID)
	restore := func(buffered string) string {
		return TransformExpr(d, buffered, WebMercatorSRID, srid)
	}
	return metric, restore
}

// BuildBufferWithCRS combines ApplyGeographicTransform with
// BuildBufferExpression: buffers in a metric CRS when the layer CRS is
// geographic, directly otherwise.
func BuildBufferWithCRS(d *Dialect, geomExpr string, srid int, geographic bool, opts BufferOptions) string {
	g, restore := ApplyGeographicTransform(d, geomExpr, srid, geographic, opts.Distance)
	buf := BuildBufferExpression(d, g, opts)
	if buf == "" {
		return ""
	}
	return restore(buf)
}

// TransformExpr builds the dialect CRS transform call.
func TransformExpr(d *Dialect, expr string, fromSRID, toSRID int) string {
	if d.Transform == "" {
		return expr
	}
	switch d.TransformStyle {
	case TransformAuthPair:
		return fmt.Sprintf("%s(%s, 'EPSG:%d', 'EPSG:%d')", d.Transform, expr, fromSRID, toSRID)
	default:
		return fmt.Sprintf("%s(%s, %d)", d.Transform, expr, toSRID)
	}
}

// GeomLiteral builds a geometry literal from a WKT string.
func GeomLiteral(d *Dialect, wkt string, srid int) string {
	if d == nil || d.GeomFromText == "" || wkt == "" {
		return ""
	}
	if d.GeomFromTextSRID && srid > 0 {
		return fmt.Sprintf("%s(%s, %d)", d.GeomFromText, QuoteLiteral(wkt), srid)
	}
	return d.GeomFromText + "(" + QuoteLiteral(wkt) + ")"
}

// CentroidExpr wraps an expression in the dialect centroid function.
// Returns the input unchanged when the dialect lacks a centroid.
func CentroidExpr(d *Dialect, expr string) string {
	if d == nil || d.Centroid == "" {
		return expr
	}
	return d.Centroid + "(" + expr + ")"
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
