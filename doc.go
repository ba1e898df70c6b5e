// Package xmlsink loads XML documents into a relational warehouse.
//
// xmlsink streams documents of arbitrary size through a constant-memory
// pipeline: charset detection and decoding, structural event parsing,
// record extraction driven by declarative mappings, and batched
// insert-or-update execution against PostgreSQL.
//
// # Architecture
//
// A run is organized as a small set of layers, each its own package:
//
//   - pkg/feed discovers candidate documents from files, directories,
//     and archives (zip members, gzip/zstd/lz4 wrapped files).
//   - pkg/xmlstream decodes any charset to UTF-8, parses the byte
//     stream into structural events, and extracts flat string records
//     at a configured record-root path.
//   - pkg/config defines the runtime configuration and the mapping
//     model binding documents to destination tables.
//   - pkg/warehouse discovers column metadata, coerces string values
//     to native column types, and executes deduplicated batches as
//     single INSERT ... ON CONFLICT statements, one transaction each.
//   - internal/pipeline fans each document's records out to one
//     bounded queue and worker per destination table, with retries
//     for the closed set of transient failure classes.
//   - internal/runner processes matching documents concurrently over
//     a shared connection pool and metadata cache.
//
// # Usage
//
// The xmlsink binary drives a run from a config file and one or more
// mapping files:
//
//	xmlsink run --config config.yaml --mapping mappings/products.yaml
//
// Records never fail a run silently: invalid records are counted and
// skipped, structurally invalid documents fail as a unit, and the exit
// status reflects any document failure.
package xmlsink
