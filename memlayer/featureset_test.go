package memlayer

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
)

func poly(minx, miny, maxx, maxy float64) orb.Polygon {
	return orb.Polygon{{
		{minx, miny}, {maxx, miny}, {maxx, maxy}, {minx, maxy}, {minx, miny},
	}}
}

func TestFeatureSetRoundTrip(t *testing.T) {
	fs, err := NewFeatureSet(nil, "zones", 2154, []Feature{
		{ID: 1, Geometry: poly(0, 0, 10, 10)},
		{ID: 2, Geometry: poly(20, 20, 30, 30)},
		{ID: 3, Geometry: nil},
	})
	require.NoError(t, err)
	defer fs.Release()

	require.EqualValues(t, 3, fs.Count())
	require.Equal(t, 2154, fs.SRID())
	require.Equal(t, []int64{1, 2, 3}, fs.FeatureIDs())

	geoms, err := fs.Geometries()
	require.NoError(t, err)
	require.Len(t, geoms, 2, "nil geometry rows are stored as nulls and skipped")
	require.IsType(t, orb.Polygon{}, geoms[0])
}

func TestFeatureSetBatching(t *testing.T) {
	feats := make([]Feature, batchSize+10)
	for i := range feats {
		feats[i] = Feature{ID: int64(i), Geometry: orb.Point{float64(i), 0}}
	}

	fs, err := NewFeatureSet(nil, "pts", 4326, feats)
	require.NoError(t, err)
	defer fs.Release()

	require.Len(t, fs.Records(), 2)
	require.EqualValues(t, batchSize+10, fs.Count())

	geoms, err := fs.Geometries()
	require.NoError(t, err)
	require.Len(t, geoms, batchSize+10)
}

func TestCombinedGeometryHomogeneous(t *testing.T) {
	fs, err := NewFeatureSet(nil, "zones", 0, []Feature{
		{ID: 1, Geometry: poly(0, 0, 1, 1)},
		{ID: 2, Geometry: poly(2, 2, 3, 3)},
	})
	require.NoError(t, err)
	defer fs.Release()

	combined, err := fs.CombinedGeometry()
	require.NoError(t, err)
	require.IsType(t, orb.MultiPolygon{}, combined)
}

func TestCombinedGeometryCoercesMixed(t *testing.T) {
	fs, err := NewFeatureSet(nil, "mixed", 0, []Feature{
		{ID: 1, Geometry: poly(0, 0, 1, 1)},
		{ID: 2, Geometry: orb.Point{5, 5}},
		{ID: 3, Geometry: orb.LineString{{0, 0}, {1, 1}}},
	})
	require.NoError(t, err)
	defer fs.Release()

	combined, err := fs.CombinedGeometry()
	require.NoError(t, err)
	// Polygon dominates lines and points.
	require.IsType(t, orb.Polygon{}, combined)
}

func TestCoerceToDominantType(t *testing.T) {
	tests := []struct {
		name  string
		geoms []orb.Geometry
		want  any
	}{
		{
			name:  "lines beat points",
			geoms: []orb.Geometry{orb.Point{0, 0}, orb.LineString{{0, 0}, {1, 1}}},
			want:  orb.LineString{},
		},
		{
			name:  "polygons beat lines",
			geoms: []orb.Geometry{orb.LineString{{0, 0}, {1, 1}}, poly(0, 0, 1, 1), poly(2, 2, 3, 3)},
			want:  orb.MultiPolygon{},
		},
		{
			name:  "points only",
			geoms: []orb.Geometry{orb.Point{0, 0}, orb.Point{1, 1}},
			want:  orb.MultiPoint{},
		},
		{
			name:  "nested collections are flattened",
			geoms: []orb.Geometry{orb.Collection{orb.Point{0, 0}, poly(0, 0, 1, 1)}},
			want:  orb.Polygon{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CoerceToDominantType(tt.geoms)
			require.IsType(t, tt.want, got)
		})
	}
}

func TestCoerceToDominantTypeEmpty(t *testing.T) {
	require.Nil(t, CoerceToDominantType(nil))
	require.Nil(t, CoerceToDominantType([]orb.Geometry{nil}))
}

func TestCombineMixedYieldsCollection(t *testing.T) {
	got := Combine([]orb.Geometry{orb.Point{0, 0}, orb.LineString{{0, 0}, {1, 1}}})
	require.IsType(t, orb.Collection{}, got)
}
