// Package transform rewrites source documents before they are batched for the sink.
// Steps are configured per source, modeled on Kafka Connect single message
// transformations: extract keeps fields, filter drops records, replace renames
// fields and rewrites values.
package transform
