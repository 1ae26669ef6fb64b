package memlayer

import (
	"fmt"
	"reflect"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

// GeometryExtensionType is the Arrow extension type for geometry columns.
// Geometries are stored as WKB in Binary columns, under the "geoarrow.wkb"
// name for compatibility with GeoArrow and GeoParquet tooling.
type GeometryExtensionType struct {
	arrow.ExtensionBase
}

// NewGeometryExtensionType creates a new geometry extension type.
func NewGeometryExtensionType() *GeometryExtensionType {
	return &GeometryExtensionType{
		ExtensionBase: arrow.ExtensionBase{
			Storage: arrow.BinaryTypes.Binary,
		},
	}
}

// GeometryArray is the Arrow array type for geometry columns; the WKB
// bytes live in its Binary storage array.
type GeometryArray struct {
	array.ExtensionArrayBase
}

// ArrayType returns the Go type for geometry arrays.
func (g *GeometryExtensionType) ArrayType() reflect.Type {
	return reflect.TypeOf(GeometryArray{})
}

// ExtensionName returns the extension type identifier.
func (g *GeometryExtensionType) ExtensionName() string {
	return "geoarrow.wkb"
}

// String returns a string representation of the type.
func (g *GeometryExtensionType) String() string {
	return "extension<geoarrow.wkb>"
}

// Serialize returns the extension metadata (empty for basic WKB).
func (g *GeometryExtensionType) Serialize() string {
	return ""
}

// Deserialize creates a geometry extension type from metadata.
func (g *GeometryExtensionType) Deserialize(storageType arrow.DataType, data string) (arrow.ExtensionType, error) {
	if !arrow.TypeEqual(storageType, arrow.BinaryTypes.Binary) &&
		!arrow.TypeEqual(storageType, arrow.BinaryTypes.LargeBinary) {
		return nil, fmt.Errorf("invalid storage type for geometry: %s", storageType)
	}
	return &GeometryExtensionType{
		ExtensionBase: arrow.ExtensionBase{Storage: storageType},
	}, nil
}

// ExtensionEquals checks equality with another extension type.
func (g *GeometryExtensionType) ExtensionEquals(other arrow.ExtensionType) bool {
	o, ok := other.(*GeometryExtensionType)
	if !ok {
		return false
	}
	return arrow.TypeEqual(g.StorageType(), o.StorageType())
}

// NewGeometryField creates an Arrow field carrying WKB geometries tagged
// with the layer SRID.
func NewGeometryField(name string, srid int) arrow.Field {
	extType := NewGeometryExtensionType()
	return arrow.Field{
		Name:     name,
		Type:     extType,
		Nullable: true,
		Metadata: arrow.MetadataFrom(map[string]string{
			"ARROW:extension:name": extType.ExtensionName(),
			"srid":                 fmt.Sprintf("%d", srid),
		}),
	}
}

// EncodeGeometry converts an orb.Geometry to WKB bytes for Arrow storage.
func EncodeGeometry(geom orb.Geometry) ([]byte, error) {
	if geom == nil {
		return nil, fmt.Errorf("cannot encode nil geometry")
	}
	return wkb.Marshal(geom)
}

// DecodeGeometry converts WKB bytes from Arrow storage to orb.Geometry.
func DecodeGeometry(wkbBytes []byte) (orb.Geometry, error) {
	if len(wkbBytes) == 0 {
		return nil, fmt.Errorf("cannot decode empty WKB data")
	}
	return wkb.Unmarshal(wkbBytes)
}

// dimension ranks geometry types for dominant-type coercion: surfaces beat
// lines beat points. A mixed collection cannot be embedded as a single WKT
// literal, so the highest-dimension members win and the rest are dropped.
func dimension(geom orb.Geometry) int {
	switch geom.(type) {
	case orb.Polygon, orb.MultiPolygon:
		return 2
	case orb.LineString, orb.MultiLineString:
		return 1
	case orb.Point, orb.MultiPoint:
		return 0
	case orb.Collection:
		return -1
	default:
		return -1
	}
}

// CoerceToDominantType reduces a set of geometries to a single multi-part
// geometry of the dominant dimension (polygon > line > point). Geometries of
// lower dimension are discarded; nested collections are flattened first.
// Returns nil when nothing coercible remains.
func CoerceToDominantType(geoms []orb.Geometry) orb.Geometry {
	flat := flatten(geoms)
	if len(flat) == 0 {
		return nil
	}

	maxDim := -1
	for _, g := range flat {
		if d := dimension(g); d > maxDim {
			maxDim = d
		}
	}
	if maxDim < 0 {
		return nil
	}

	switch maxDim {
	case 2:
		var mp orb.MultiPolygon
		for _, g := range flat {
			switch p := g.(type) {
			case orb.Polygon:
				mp = append(mp, p)
			case orb.MultiPolygon:
				mp = append(mp, p...)
			}
		}
		if len(mp) == 1 {
			return mp[0]
		}
		return mp
	case 1:
		var ml orb.MultiLineString
		for _, g := range flat {
			switch l := g.(type) {
			case orb.LineString:
				ml = append(ml, l)
			case orb.MultiLineString:
				ml = append(ml, l...)
			}
		}
		if len(ml) == 1 {
			return ml[0]
		}
		return ml
	default:
		var mp orb.MultiPoint
		for _, g := range flat {
			switch p := g.(type) {
			case orb.Point:
				mp = append(mp, p)
			case orb.MultiPoint:
				mp = append(mp, p...)
			}
		}
		if len(mp) == 1 {
			return mp[0]
		}
		return mp
	}
}

// flatten expands nested collections into their members.
func flatten(geoms []orb.Geometry) []orb.Geometry {
	var out []orb.Geometry
	for _, g := range geoms {
		if g == nil {
			continue
		}
		if c, ok := g.(orb.Collection); ok {
			out = append(out, flatten(c)...)
			continue
		}
		out = append(out, g)
	}
	return out
}

// Combine merges geometries into one geometry: a single geometry passes
// through, homogeneous sets become the matching multi-type, and mixed sets
// become a collection (callers needing WKT embedding coerce afterwards).
func Combine(geoms []orb.Geometry) orb.Geometry {
	flat := flatten(geoms)
	switch len(flat) {
	case 0:
		return nil
	case 1:
		return flat[0]
	}

	dim := dimension(flat[0])
	mixed := false
	for _, g := range flat[1:] {
		if dimension(g) != dim {
			mixed = true
			break
		}
	}
	if mixed {
		return orb.Collection(flat)
	}
	return CoerceToDominantType(flat)
}

// RegisterGeometryExtension registers the geometry extension type with
// Arrow. Called once from package init.
func RegisterGeometryExtension() {
	_ = arrow.RegisterExtensionType(&GeometryExtensionType{
		ExtensionBase: arrow.ExtensionBase{
			Storage: arrow.BinaryTypes.Binary,
		},
	})
}

func init() {
	RegisterGeometryExtension()
}
