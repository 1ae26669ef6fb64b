// Package layer describes vector layers independently of the host application.
//
// A Descriptor is an immutable snapshot of everything the filtering engine
// needs to know about one layer: which provider serves it, where its data
// lives, which column carries the geometry, and how many features it holds.
// Descriptors are produced by a Provider implementation that wraps the host's
// own layer objects; the engine never touches host objects directly.
package layer

import (
	"context"
	"fmt"
	"strings"
)

// ProviderKind identifies the host-side data provider serving a layer.
type ProviderKind string

const (
	// ProviderPostgres is a relational database with a spatial extension.
	ProviderPostgres ProviderKind = "postgres"

	// ProviderEmbedded is an embedded single-file SQL database.
	ProviderEmbedded ProviderKind = "embedded"

	// ProviderFile is a generic file-based vector driver (shapefile,
	// GeoPackage opened read-only, GeoJSON, ...).
	ProviderFile ProviderKind = "file"

	// ProviderMemory is an in-memory scratch layer.
	ProviderMemory ProviderKind = "memory"

	// ProviderUnknown is any provider the engine does not recognize.
	ProviderUnknown ProviderKind = "unknown"
)

// Descriptor is an immutable snapshot of one vector layer.
// All fields are captured once per filter request; the engine never reads
// live host state after that.
type Descriptor struct {
	// ID is the stable logical identifier of the layer within the host.
	// MUST be non-empty and unique per request.
	ID string

	// Name is the human-readable layer name, used in diagnostics only.
	Name string

	// Provider identifies the data provider kind.
	Provider ProviderKind

	// Schema and Table locate the relation for database-backed providers.
	// Path locates the data source for file-backed providers.
	Schema string
	Table  string
	Path   string

	// GeometryColumn is the geometry column name from the provider's native
	// metadata. May be empty for file providers; database compilers resolve
	// the true column from catalog metadata when empty.
	GeometryColumn string

	// PrimaryKey is the unique feature identifier field.
	PrimaryKey string

	// FeatureCount is the total feature count, nil when the provider cannot
	// report it cheaply.
	FeatureCount *int64

	// SelectedCount is the number of currently selected/filtered features,
	// nil when nothing is selected. Preparation decisions use this value,
	// never the unfiltered total.
	SelectedCount *int64

	// SRID is the EPSG code of the layer CRS, 0 when unknown.
	SRID int

	// GeographicCRS reports whether the layer CRS uses angular units.
	// Buffer distances on such layers require a metric reprojection.
	GeographicCRS bool

	// Connected reports whether the layer currently has a live relational
	// connection. A postgres-kind layer loaded from a service file that is
	// unreachable is not connected.
	Connected bool

	// SubsetString is the filter expression currently applied to the layer,
	// empty when unfiltered.
	SubsetString string
}

// Validate reports whether the descriptor is usable by the engine.
func (d *Descriptor) Validate() error {
	if d == nil {
		return fmt.Errorf("nil layer descriptor")
	}
	if d.ID == "" {
		return fmt.Errorf("layer descriptor missing id")
	}
	if d.Provider == "" {
		return fmt.Errorf("layer %q: missing provider kind", d.ID)
	}
	switch d.Provider {
	case ProviderPostgres, ProviderEmbedded:
		if d.Table == "" {
			return fmt.Errorf("layer %q: database provider requires a table", d.ID)
		}
	case ProviderFile:
		if d.Path == "" && d.Table == "" {
			return fmt.Errorf("layer %q: file provider requires a path", d.ID)
		}
	}
	return nil
}

// QualifiedTable returns the schema-qualified relation name, or the bare
// table name when no schema applies.
func (d *Descriptor) QualifiedTable() string {
	if d.Schema == "" {
		return d.Table
	}
	return d.Schema + "." + d.Table
}

// SelectedOrTotal returns the selected feature count when present, the
// total count otherwise, and -1 when neither is known.
func (d *Descriptor) SelectedOrTotal() int64 {
	if d.SelectedCount != nil {
		return *d.SelectedCount
	}
	if d.FeatureCount != nil {
		return *d.FeatureCount
	}
	return -1
}

// Provider maps an opaque host layer handle to a Descriptor.
// Implementations wrap the host's layer registry; they MUST be
// goroutine-safe and MUST respect context cancellation.
type Provider interface {
	// Describe returns the descriptor for a host layer handle.
	// Returns (nil, err) when the handle is unknown.
	Describe(ctx context.Context, handle string) (*Descriptor, error)
}

// geographicEPSG lists common geodetic (angular-unit) EPSG codes. The host
// adapter normally sets Descriptor.GeographicCRS directly; this table covers
// hosts that only report a bare code.
var geographicEPSG = map[int]bool{
	4326: true, // WGS 84
	4258: true, // ETRS89
	4269: true, // NAD83
	4267: true, // NAD27
	4283: true, // GDA94
	4617: true, // NAD83(CSRS)
	4171: true, // RGF93
	4937: true, // ETRS89 3D
}

// GeographicEPSG reports whether the EPSG code is a known geographic CRS.
func GeographicEPSG(code int) bool {
	return geographicEPSG[code]
}

// ParseAuthID extracts the numeric code from an authority id such as
// "EPSG:2154". Returns 0 when the id is not in authority:code form.
func ParseAuthID(authid string) int {
	i := strings.IndexByte(authid, ':')
	if i < 0 {
		return 0
	}
	var code int
	if _, err := fmt.Sscanf(authid[i+1:], "%d", &code); err != nil {
		return 0
	}
	return code
}
