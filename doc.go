// Package filtermate filters vector geographic layers by their spatial
// relationship to a source layer, across heterogeneous providers: PostGIS
// databases, embedded file databases, generic file drivers, and in-memory
// layers.
//
// The package simplifies spatial filtering by:
//   - Compiling geometric predicates into each provider's native expression
//     dialect (SQL subqueries for relational layers, host expressions for
//     file and memory layers)
//   - Selecting the best backend per layer automatically, with a fixed
//     fallback chain when a backend cannot be built
//   - Buffering source geometries with materialized-view reuse so repeated
//     filters at the same distance never recompute
//   - Cleaning up every derived database object when a session ends
//
// # Quick Start
//
// Filter two layers by intersection with the selected parcels:
//
//	engine, err := filtermate.New(filtermate.Config{
//	    Applier: hostApplier,  // applies subset strings to layers
//	    Reader:  hostReader,   // reads source geometries
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Cleanup(context.Background())
//
//	req, err := filtermate.NewRequest().
//	    Source(parcels).
//	    Targets(buildings, roads).
//	    Predicates("intersects").
//	    Buffer(100).
//	    Build()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	results, err := engine.Filter(ctx, req)
//	for _, r := range results {
//	    if r.Err != nil {
//	        log.Printf("layer %s: %v", r.LayerID, r.Err)
//	        continue
//	    }
//	    log.Printf("layer %s filtered via %s: %s", r.LayerID, r.Backend, r.Expression)
//	}
//
// # Backends
//
// Each layer is served by one of four backends. The relational backend
// compiles EXISTS subqueries against live PostGIS tables and can materialize
// buffered source geometries as session-scoped views. The embedded backend
// targets DuckDB's spatial extension with the source embedded as a WKT
// literal. The generic-driver and in-memory backends emit host expressions
// and act as the universal fallback.
//
// Selection is automatic: memory layers always go in-memory, small
// relational layers are routed in-memory to skip database round-trips, and
// anything unrecognized falls back to the generic driver.
//
// # Sessions and Cleanup
//
// Every derived database object is named
// <prefix><session>_<logical-name> inside a dedicated schema, so leftovers
// from crashed sessions are identifiable. Engine.Cleanup drops this
// session's views; the filtermate-cleanup command removes orphans from any
// session.
package filtermate
