package segment

import (
	"context"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
)

// Writer buffers the records of one partition and closes a segment when
// the buffer reaches maxRecords or its estimated encoded size reaches the
// byte cap, whichever comes first.
type Writer struct {
	store      *Store
	spec       Spec
	maxRecords int
	next       int

	buf      []*domain.Record
	bufBytes int64
}

// NewWriter creates a writer whose first segment gets sequence nextSequence.
func NewWriter(store *Store, spec Spec, maxRecords, nextSequence int) *Writer {
	if maxRecords <= 0 {
		maxRecords = 10000
	}
	return &Writer{
		store:      store,
		spec:       spec,
		maxRecords: maxRecords,
		next:       nextSequence,
	}
}

// Add buffers a record and returns any segments it caused to be written.
func (w *Writer) Add(ctx context.Context, r *domain.Record) ([]domain.Segment, error) {
	w.buf = append(w.buf, r)
	w.bufBytes += estimateSize(r)

	if len(w.buf) >= w.maxRecords || (w.spec.MaxBytes > 0 && w.bufBytes >= w.spec.MaxBytes) {
		return w.Flush(ctx)
	}
	return nil, nil
}

// Flush writes whatever is buffered. On error the buffer is kept, so the
// caller may retry or abandon the partition.
func (w *Writer) Flush(ctx context.Context) ([]domain.Segment, error) {
	if len(w.buf) == 0 {
		return nil, nil
	}
	segments, err := w.store.WriteSegments(ctx, w.spec, w.next, w.buf)
	if err != nil {
		return nil, err
	}
	w.next += len(segments)
	w.buf = nil
	w.bufBytes = 0
	return segments, nil
}

// Buffered returns the number of records not yet written.
func (w *Writer) Buffered() int {
	return len(w.buf)
}

// NextSequence returns the sequence the next segment will get.
func (w *Writer) NextSequence() int {
	return w.next
}
