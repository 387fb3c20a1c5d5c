// Package fetcher turns a source descriptor into a lazy sequence of raw
// documents. It applies the per-source rate limit, retries transient
// failures with jittered exponential backoff, follows the source's
// pagination rule, and promotes pages to the headless browser when needed.
package fetcher
