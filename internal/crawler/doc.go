// Package crawler defines the core types, errors, and interfaces shared by the
// ingestion pipeline: source descriptors, raw documents, records, canonical
// rows, the run state machine, and the ports implemented by fetchers, parsers,
// normalizers, and stores.
package crawler
