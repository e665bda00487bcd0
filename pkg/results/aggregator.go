package results

import (
	"context"

	"github.com/cryokit/ctfstream/pkg/ctf"
)

// Aggregator couples a Collection with a Writer: every accepted append
// also emits a JSONL record. Append and emission happen inside the same
// critical section, so line order in the stream matches insertion order
// in the collection.
//
// A duplicate append fails before anything is written. A write failure
// after a successful append is returned to the caller, but the record
// stays in the collection; stream consumers may then be one record behind
// the in-memory state.
type Aggregator struct {
	collection *Collection
	writer     Writer
}

// NewAggregator couples a collection with a writer.
func NewAggregator(collection *Collection, writer Writer) *Aggregator {
	return &Aggregator{collection: collection, writer: writer}
}

// AppendResult accepts a result into the collection and emits it.
func (a *Aggregator) AppendResult(ctx context.Context, res *ctf.Result) error {
	a.collection.mu.Lock()
	defer a.collection.mu.Unlock()

	if err := a.collection.appendResultLocked(res); err != nil {
		return err
	}
	return a.writer.WriteResult(ctx, res)
}

// AppendSeries accepts an assembled tilt series into the collection and
// emits it.
func (a *Aggregator) AppendSeries(ctx context.Context, series *ctf.TiltSeries) error {
	a.collection.mu.Lock()
	defer a.collection.mu.Unlock()

	if err := a.collection.appendSeriesLocked(series); err != nil {
		return err
	}
	return a.writer.WriteSeries(ctx, series)
}

// Collection returns the underlying collection.
func (a *Aggregator) Collection() *Collection {
	return a.collection
}

// Writer returns the underlying writer for non-result records.
func (a *Aggregator) Writer() Writer {
	return a.writer
}
