// Package memlayer implements the in-memory vector layer used by the
// in-memory provider and by the geometry-preparation fallback chain.
//
// Feature sets are stored as Arrow records with a WKB geometry extension
// column, so a prepared source geometry can be handed to Arrow-aware tooling
// without copying.
package memlayer

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/paulmach/orb"
)

// Feature is one input feature for a FeatureSet.
type Feature struct {
	ID       int64
	Geometry orb.Geometry
}

// FeatureSet is an immutable in-memory vector layer.
// Safe for concurrent reads once built.
type FeatureSet struct {
	name    string
	srid    int
	schema  *arrow.Schema
	records []arrow.Record
	count   int64
}

// batchSize bounds the rows per Arrow record when building feature sets.
const batchSize = 1024

// NewFeatureSet builds a feature set from features. Features with nil
// geometry are stored as null geometry rows. alloc may be nil, in which case
// the default allocator is used.
func NewFeatureSet(alloc memory.Allocator, name string, srid int, feats []Feature) (*FeatureSet, error) {
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "fid", Type: arrow.PrimitiveTypes.Int64},
		NewGeometryField("geometry", srid),
	}, nil)

	var records []arrow.Record
	for start := 0; start < len(feats); start += batchSize {
		end := start + batchSize
		if end > len(feats) {
			end = len(feats)
		}

		bldr := array.NewRecordBuilder(alloc, schema)
		fids := bldr.Field(0).(*array.Int64Builder)
		geoms := geometryBuilder(bldr.Field(1))

		for _, f := range feats[start:end] {
			fids.Append(f.ID)
			if f.Geometry == nil {
				geoms.AppendNull()
				continue
			}
			wkbBytes, err := EncodeGeometry(f.Geometry)
			if err != nil {
				bldr.Release()
				releaseAll(records)
				return nil, fmt.Errorf("feature %d: %w", f.ID, err)
			}
			geoms.Append(wkbBytes)
		}

		records = append(records, bldr.NewRecord())
		bldr.Release()
	}

	return &FeatureSet{
		name:    name,
		srid:    srid,
		schema:  schema,
		records: records,
		count:   int64(len(feats)),
	}, nil
}

// geometryBuilder unwraps the binary storage builder behind the geometry
// extension field.
func geometryBuilder(b array.Builder) *array.BinaryBuilder {
	if ext, ok := b.(*array.ExtensionBuilder); ok {
		return ext.StorageBuilder().(*array.BinaryBuilder)
	}
	return b.(*array.BinaryBuilder)
}

// Name returns the layer name.
func (fs *FeatureSet) Name() string { return fs.name }

// SRID returns the EPSG code of the feature set CRS.
func (fs *FeatureSet) SRID() int { return fs.srid }

// Count returns the number of features.
func (fs *FeatureSet) Count() int64 { return fs.count }

// Schema returns the Arrow schema of the feature set.
func (fs *FeatureSet) Schema() *arrow.Schema { return fs.schema }

// Records returns the underlying Arrow records. Callers MUST NOT release
// them; ownership stays with the FeatureSet.
func (fs *FeatureSet) Records() []arrow.Record { return fs.records }

// Geometries decodes every non-null geometry in the set.
func (fs *FeatureSet) Geometries() ([]orb.Geometry, error) {
	var out []orb.Geometry
	for _, rec := range fs.records {
		bin := geometryColumn(rec.Column(1))
		if bin == nil {
			return nil, fmt.Errorf("feature set %q: geometry column has unexpected type", fs.name)
		}
		for i := 0; i < bin.Len(); i++ {
			if bin.IsNull(i) {
				continue
			}
			g, err := DecodeGeometry(bin.Value(i))
			if err != nil {
				return nil, fmt.Errorf("feature set %q row %d: %w", fs.name, i, err)
			}
			out = append(out, g)
		}
	}
	return out, nil
}

// FeatureIDs returns every feature id in the set, in storage order.
func (fs *FeatureSet) FeatureIDs() []int64 {
	out := make([]int64, 0, fs.count)
	for _, rec := range fs.records {
		fids := rec.Column(0).(*array.Int64)
		for i := 0; i < fids.Len(); i++ {
			out = append(out, fids.Value(i))
		}
	}
	return out
}

// CombinedGeometry merges every geometry into one, coercing mixed
// collections to the dominant single type so the result embeds as one WKT
// literal.
func (fs *FeatureSet) CombinedGeometry() (orb.Geometry, error) {
	geoms, err := fs.Geometries()
	if err != nil {
		return nil, err
	}
	combined := Combine(geoms)
	if _, mixed := combined.(orb.Collection); mixed {
		combined = CoerceToDominantType(geoms)
	}
	if combined == nil {
		return nil, fmt.Errorf("feature set %q: no coercible geometries", fs.name)
	}
	return combined, nil
}

// Release frees the underlying Arrow records. The feature set is unusable
// afterwards.
func (fs *FeatureSet) Release() {
	releaseAll(fs.records)
	fs.records = nil
}

func geometryColumn(col arrow.Array) *array.Binary {
	switch c := col.(type) {
	case array.ExtensionArray:
		if bin, ok := c.Storage().(*array.Binary); ok {
			return bin
		}
	case *array.Binary:
		return c
	}
	return nil
}

func releaseAll(records []arrow.Record) {
	for _, r := range records {
		r.Release()
	}
}
