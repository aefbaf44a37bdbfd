package replication

import (
	"fmt"
	"iter"
)

// EncodeFunc serializes one record into its framed bulk entry
// (action line, document line and the trailing newlines).
type EncodeFunc func(Record) ([]byte, error)

// Batch is an ordered, non-empty group of records sent in one bulk request.
type Batch struct {
	Records []Record
	// Entries holds the encoded bulk entry of each record, in the same order.
	Entries [][]byte
	// Size is the sum of len(Entries[i]), i.e. the request body size.
	Size int
}

// Len returns the number of records in the batch.
func (b Batch) Len() int { return len(b.Records) }

// Last returns the final record of the batch.
func (b Batch) Last() Record { return b.Records[len(b.Records)-1] }

// Assemble partitions records into batches of at most maxDocs records and at
// most maxBytes encoded bytes. Records are never reordered. A record whose own
// entry exceeds maxBytes is emitted alone in its own batch so that the sink can
// surface the rejection. A non-positive cap disables that cap.
//
// The count cap is applied first; the byte cap then splits each count chunk
// greedily. The returned sequence is a pure function of its inputs and can be
// iterated again with identical results. If encode fails, the error is yielded
// once and the sequence stops.
func Assemble(records []Record, encode EncodeFunc, maxDocs, maxBytes int) iter.Seq2[Batch, error] {
	return func(yield func(Batch, error) bool) {
		step := maxDocs
		if step <= 0 {
			step = len(records)
		}
		for start := 0; start < len(records); start += step {
			chunk := records[start:min(start+step, len(records))]

			var cur Batch
			for _, r := range chunk {
				entry, err := encode(r)
				if err != nil {
					yield(Batch{}, fmt.Errorf("encode record: %w", err))
					return
				}
				if cur.Len() > 0 && maxBytes > 0 && cur.Size+len(entry) > maxBytes {
					if !yield(cur, nil) {
						return
					}
					cur = Batch{}
				}
				cur.Records = append(cur.Records, r)
				cur.Entries = append(cur.Entries, entry)
				cur.Size += len(entry)
			}
			if cur.Len() > 0 && !yield(cur, nil) {
				return
			}
		}
	}
}
