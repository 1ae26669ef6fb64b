// Package dialect holds the per-backend SQL (and host-expression) vocabulary
// used to compile spatial filter expressions.
//
// A Dialect is a table of function names plus the few shape differences that
// matter when assembling calls (buffer style passing, transform signatures).
// Encoders build expression strings from these tables; an empty string always
// means "cannot be expressed in this dialect" and is treated as a no-op by
// callers, never as an error.
package dialect

// Predicate is a spatial relationship test between two geometries.
type Predicate string

const (
	PredicateIntersects Predicate = "intersects"
	PredicateContains   Predicate = "contains"
	PredicateWithin     Predicate = "within"
	PredicateTouches    Predicate = "touches"
	PredicateCrosses    Predicate = "crosses"
	PredicateOverlaps   Predicate = "overlaps"
	PredicateDisjoint   Predicate = "disjoint"
)

// KnownPredicates lists every predicate the compilers understand, in a fixed
// order so compiled expressions are deterministic.
var KnownPredicates = []Predicate{
	PredicateIntersects,
	PredicateContains,
	PredicateWithin,
	PredicateTouches,
	PredicateCrosses,
	PredicateOverlaps,
	PredicateDisjoint,
}

// BufferStyleMode describes how a dialect accepts end-cap style and segment
// count in its buffer function.
type BufferStyleMode int

const (
	// StyleParamText passes style as a single text parameter,
	// e.g. ST_Buffer(g, d, 'quad_segs=8 endcap=flat').
	StyleParamText BufferStyleMode = iota

	// StyleArgs passes segments and cap style as positional arguments,
	// e.g. buffer(g, d, 8, 'flat').
	StyleArgs
)

// TransformMode describes the CRS transform function signature.
type TransformMode int

const (
	// TransformSRID takes a bare target SRID: ST_Transform(g, 3857).
	TransformSRID TransformMode = iota

	// TransformAuthPair takes source and target authority strings:
	// ST_Transform(g, 'EPSG:4326', 'EPSG:3857').
	TransformAuthPair
)

// Dialect is the function-name table for one backend kind.
type Dialect struct {
	// Name identifies the dialect in logs and diagnostics.
	Name string

	// Function names. An empty name means the dialect lacks the function and
	// expressions requiring it cannot be built.
	Buffer       string
	Simplify     string // simplify preserving topology
	MakeValid    string // validity repair
	IsEmpty      string // emptiness test
	Transform    string
	Centroid     string
	GeomFromText string

	// GeomFromTextSRID reports whether GeomFromText takes a second SRID
	// argument.
	GeomFromTextSRID bool

	// BufferStyle selects how end-cap style reaches the buffer function.
	BufferStyle BufferStyleMode

	// TransformStyle selects the transform signature.
	TransformStyle TransformMode

	// GeometryRef is the expression referring to the current feature's
	// geometry in non-SQL dialects ("$geometry"); empty for SQL dialects,
	// which reference the geometry column instead.
	GeometryRef string

	predicates map[Predicate]string
}

// PredicateFunc returns the dialect function implementing a predicate, or ""
// when the dialect cannot express it.
func (d *Dialect) PredicateFunc(p Predicate) string {
	return d.predicates[p]
}

// Postgres is the dialect of a relational database with the PostGIS
// extension.
func Postgres() *Dialect {
	return &Dialect{
		Name:             "postgis",
		Buffer:           "ST_Buffer",
		Simplify:         "ST_SimplifyPreserveTopology",
		MakeValid:        "ST_MakeValid",
		IsEmpty:          "ST_IsEmpty",
		Transform:        "ST_Transform",
		Centroid:         "ST_Centroid",
		GeomFromText:     "ST_GeomFromText",
		GeomFromTextSRID: true,
		BufferStyle:      StyleParamText,
		TransformStyle:   TransformSRID,
		predicates: map[Predicate]string{
			PredicateIntersects: "ST_Intersects",
			PredicateContains:   "ST_Contains",
			PredicateWithin:     "ST_Within",
			PredicateTouches:    "ST_Touches",
			PredicateCrosses:    "ST_Crosses",
			PredicateOverlaps:   "ST_Overlaps",
			PredicateDisjoint:   "ST_Disjoint",
		},
	}
}

// Embedded is the dialect of the embedded file database (DuckDB with the
// spatial extension loaded).
func Embedded() *Dialect {
	return &Dialect{
		Name:           "duckdb-spatial",
		Buffer:         "ST_Buffer",
		Simplify:       "ST_SimplifyPreserveTopology",
		MakeValid:      "ST_MakeValid",
		IsEmpty:        "ST_IsEmpty",
		Transform:      "ST_Transform",
		Centroid:       "ST_Centroid",
		GeomFromText:   "ST_GeomFromText",
		BufferStyle:    StyleArgs,
		TransformStyle: TransformAuthPair,
		predicates: map[Predicate]string{
			PredicateIntersects: "ST_Intersects",
			PredicateContains:   "ST_Contains",
			PredicateWithin:     "ST_Within",
			PredicateTouches:    "ST_Touches",
			PredicateCrosses:    "ST_Crosses",
			PredicateOverlaps:   "ST_Overlaps",
			PredicateDisjoint:   "ST_Disjoint",
		},
	}
}

// HostExpression is the dialect of the host's own expression language, used
// for the generic file driver and in-memory providers where no SQL engine is
// available.
func HostExpression() *Dialect {
	return &Dialect{
		Name:           "host-expression",
		Buffer:         "buffer",
		Simplify:       "simplify",
		MakeValid:      "make_valid",
		IsEmpty:        "is_empty",
		Transform:      "transform",
		Centroid:       "centroid",
		GeomFromText:   "geom_from_wkt",
		BufferStyle:    StyleArgs,
		TransformStyle: TransformAuthPair,
		GeometryRef:    "$geometry",
		predicates: map[Predicate]string{
			PredicateIntersects: "intersects",
			PredicateContains:   "contains",
			PredicateWithin:     "within",
			PredicateTouches:    "touches",
			PredicateCrosses:    "crosses",
			PredicateOverlaps:   "overlaps",
			PredicateDisjoint:   "disjoint",
		},
	}
}

// ParsePredicates normalizes a list of predicate names, dropping duplicates
// and unknown names. Order of KnownPredicates is preserved regardless of
// input order, keeping compiled expressions deterministic.
func ParsePredicates(names []string) []Predicate {
	requested := make(map[Predicate]bool, len(names))
	for _, n := range names {
		requested[Predicate(n)] = true
	}
	var out []Predicate
	for _, p := range KnownPredicates {
		if requested[p] {
			out = append(out, p)
		}
	}
	return out
}
