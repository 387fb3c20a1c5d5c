// Package progress carries run and page events from the pipeline to
// observers. A non-blocking Hub batches events on a background goroutine and
// fans them out to sinks such as structured logs or Prometheus collectors.
package progress
