// Package tally holds the purchase accounting core: a grammar-driven fact
// extractor for chat-log records, cohort classification, a checkpointed ledger
// persisted through a pluggable Store, and summary rendering.
//
// Nothing in this package performs network I/O.
package tally
