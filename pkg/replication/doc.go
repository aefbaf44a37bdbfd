// Package replication incrementally copies append-only rows from a source
// store (ClickHouse, Kafka, PostgreSQL, NATS JetStream) into a bulk-indexed
// search store such as OpenSearch.
//
// Each configured source is driven by its own Syncer: on every tick it loads
// the source watermark, fetches records strictly newer than it, packs them into
// size and count bounded batches, sends the batches in order and only then
// advances the watermark. A failed cycle leaves the watermark untouched so the
// same window is retried on the next tick (at-least-once delivery).
//
// Sources and sinks are registered by name through RegisterSource and
// RegisterSink, usually from the init function of their package.
package replication
