package backup

import (
	"context"
	"strconv"
	"time"

	"github.com/quantica-technologies/kafka-backup/internal/app/segment"
	"github.com/quantica-technologies/kafka-backup/internal/domain"
	"github.com/quantica-technologies/kafka-backup/internal/repository"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
	"github.com/quantica-technologies/kafka-backup/pkg/logger"
	"github.com/quantica-technologies/kafka-backup/pkg/metrics"
	"github.com/quantica-technologies/kafka-backup/pkg/retry"
)

// Worker captures one partition up to its boundary
type Worker struct {
	backup    *domain.Backup
	boundary  domain.PartitionBoundary
	reader    repository.PartitionReader
	admin     repository.Admin
	store     *segment.Store
	stateRepo repository.StateRepository
	retry     retry.Policy
	logger    logger.Logger
	now       func() time.Time
}

// NewWorker creates a new backup worker
func NewWorker(
	backup *domain.Backup,
	boundary domain.PartitionBoundary,
	reader repository.PartitionReader,
	admin repository.Admin,
	store *segment.Store,
	stateRepo repository.StateRepository,
	policy retry.Policy,
	log logger.Logger,
) *Worker {
	return &Worker{
		backup:    backup,
		boundary:  boundary,
		reader:    reader,
		admin:     admin,
		store:     store,
		stateRepo: stateRepo,
		retry:     policy,
		logger: log.WithFields(map[string]interface{}{
			"topic":     boundary.Topic,
			"partition": boundary.Partition,
		}),
		now: time.Now,
	}
}

// Run captures the partition from its checkpoint to the boundary. Failures
// are reported as PARTITION_FAILURE carrying the last durable offset.
func (w *Worker) Run(ctx context.Context) error {
	key := domain.PartitionKey(w.boundary.Topic, w.boundary.Partition)

	cp, err := w.loadCheckpoint(ctx)
	if err != nil {
		return apperrors.PartitionFailure(key, -1, err)
	}
	if cp.Complete && cp.Boundary >= w.boundary.HighWatermark {
		w.logger.Debug("Partition already captured", "boundary", cp.Boundary)
		return nil
	}
	cp.Boundary = w.boundary.HighWatermark
	cp.Complete = false

	w.logger.Info("Backing up partition",
		"from", cp.NextOffset(w.boundary.LogStart),
		"boundary", w.boundary.HighWatermark)

	if err := w.capture(ctx, cp); err != nil {
		w.logger.Error("Partition backup failed", "lastOffset", cp.LastOffset, "error", err)
		return apperrors.PartitionFailure(key, cp.LastOffset, err)
	}
	w.logger.Info("Partition captured", "records", cp.Records(), "segments", len(cp.Segments))
	return nil
}

func (w *Worker) loadCheckpoint(ctx context.Context) (*domain.Checkpoint, error) {
	var cp *domain.Checkpoint
	err := w.retry.Do(ctx, "get_checkpoint", func(ctx context.Context) error {
		var err error
		cp, err = w.stateRepo.GetCheckpoint(ctx, w.backup.ID, w.boundary.Topic, w.boundary.Partition)
		return err
	})
	if apperrors.IsKind(err, apperrors.ErrCodeNotFound) {
		return domain.NewCheckpoint(w.backup.ID, w.boundary.Topic, w.boundary.Partition, w.boundary.HighWatermark), nil
	}
	return cp, err
}

func (w *Worker) capture(ctx context.Context, cp *domain.Checkpoint) error {
	writer := segment.NewWriter(w.store, segment.Spec{
		BackupID:         w.backup.ID,
		Topic:            w.boundary.Topic,
		Partition:        w.boundary.Partition,
		Compression:      w.backup.Compression,
		CompressionLevel: w.backup.CompressionLevel,
		MaxBytes:         w.backup.SegmentMaxBytes,
	}, w.backup.SegmentMaxRecords, cp.NextSequence)

	next := cp.NextOffset(w.boundary.LogStart)
	end := w.boundary.HighWatermark
	var pending []domain.Segment
	lastCheckpoint := w.now()
	empty := 0

	for next < end {
		if err := ctx.Err(); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeCancelled, "backup cancelled")
		}

		records, err := w.fetch(ctx, next)
		if err == nil && len(records) == 0 {
			if empty++; empty < w.backup.MaxEmptyFetches {
				continue
			}
			var resume int64
			records, resume, err = w.resolveEmpty(ctx, next, end)
			if err == nil && len(records) == 0 {
				empty = 0
				if resume >= end {
					w.logger.Debug("Partition drained before boundary", "next", next, "boundary", end)
					break
				}
				w.logger.Debug("Skipping offsets without deliverable records", "from", next, "to", resume)
				next = resume
				continue
			}
		}
		if apperrors.IsKind(err, apperrors.ErrCodeNotFound) {
			low, _, oerr := w.admin.GetOffsets(ctx, w.boundary.Topic, w.boundary.Partition)
			if oerr != nil {
				return oerr
			}
			if low <= next {
				return err
			}
			w.logger.Warn("Records removed by retention before they were captured", "from", next, "to", low)
			next = low
			continue
		}
		if err != nil {
			return err
		}

		empty = 0

		for _, r := range records {
			if r.Offset < next {
				continue
			}
			if r.Offset >= end {
				next = end
				break
			}
			segs, err := writer.Add(ctx, r)
			if err != nil {
				return err
			}
			pending = append(pending, segs...)
			next = r.Offset + 1
		}

		if len(pending) > 0 && w.checkpointDue(pending, lastCheckpoint) {
			if err := w.checkpoint(ctx, cp, pending, writer.NextSequence(), false); err != nil {
				return err
			}
			pending = nil
			lastCheckpoint = w.now()
		}
	}

	segs, err := writer.Flush(ctx)
	if err != nil {
		return err
	}
	pending = append(pending, segs...)
	return w.checkpoint(ctx, cp, pending, writer.NextSequence(), true)
}

func (w *Worker) fetch(ctx context.Context, offset int64) ([]*domain.Record, error) {
	var records []*domain.Record
	err := w.retry.Do(ctx, "fetch", func(ctx context.Context) error {
		var err error
		records, err = w.reader.Fetch(ctx, w.boundary.Topic, w.boundary.Partition, offset, w.backup.FetchMaxRecords)
		return err
	})
	return records, err
}

// resolveEmpty decides what a run of empty fetches at next means. Compaction
// and transaction markers leave offsets no fetch returns; resume is where
// deliverable data continues, or end when none is left below the boundary.
// A broker that still holds records it does not deliver is a transient
// failure.
func (w *Worker) resolveEmpty(ctx context.Context, next, end int64) (records []*domain.Record, resume int64, err error) {
	err = w.retry.Do(ctx, "await_records", func(ctx context.Context) error {
		records, resume = nil, next
		var err error
		records, err = w.reader.Fetch(ctx, w.boundary.Topic, w.boundary.Partition, next, w.backup.FetchMaxRecords)
		if err != nil || len(records) > 0 {
			return err
		}

		low, high, err := w.admin.GetOffsets(ctx, w.boundary.Topic, w.boundary.Partition)
		if err != nil {
			return err
		}
		switch {
		case high <= next || low >= end:
			resume = end
			return nil
		case low > next:
			resume = low
			return nil
		}

		skipped, err := w.reader.SkipEmpty(ctx, w.boundary.Topic, w.boundary.Partition, next)
		if err != nil {
			return err
		}
		if skipped > next {
			resume = skipped
			return nil
		}
		return apperrors.Newf(apperrors.ErrCodeTransientIO,
			"no records from %s at offset %d although the log ends at %d",
			domain.PartitionKey(w.boundary.Topic, w.boundary.Partition), next, high)
	})
	return records, resume, err
}

func (w *Worker) checkpointDue(pending []domain.Segment, last time.Time) bool {
	if w.backup.CheckpointInterval > 0 && w.now().Sub(last) >= w.backup.CheckpointInterval {
		return true
	}
	if w.backup.CheckpointIntervalRecords <= 0 {
		return false
	}
	var n int64
	for _, s := range pending {
		n += s.RecordCount
	}
	return n >= int64(w.backup.CheckpointIntervalRecords)
}

// checkpoint durably records segs. cp is only updated once the write has
// landed, so it always reflects stored progress.
func (w *Worker) checkpoint(ctx context.Context, cp *domain.Checkpoint, segs []domain.Segment, nextSequence int, complete bool) error {
	updated := *cp
	updated.Segments = append(append([]domain.Segment(nil), cp.Segments...), segs...)
	updated.NextSequence = nextSequence
	if n := len(segs); n > 0 {
		updated.LastOffset = segs[n-1].EndOffset - 1
	}
	if complete {
		updated.Complete = true
		if updated.Boundary-1 > updated.LastOffset {
			updated.LastOffset = updated.Boundary - 1
		}
	}

	start := time.Now()
	err := w.retry.Do(ctx, "save_checkpoint", func(ctx context.Context) error {
		return w.stateRepo.SaveCheckpoint(ctx, &updated)
	})
	metrics.CheckpointLatency.WithLabelValues(w.backup.ID).Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	*cp = updated

	var records int64
	for _, s := range segs {
		records += s.RecordCount
	}
	metrics.BackupRecordsProcessed.WithLabelValues(w.backup.ID, w.boundary.Topic, strconv.Itoa(int(w.boundary.Partition))).Add(float64(records))
	w.logger.Debug("Checkpoint saved",
		"lastOffset", cp.LastOffset,
		"segments", len(cp.Segments),
		"complete", complete)
	return nil
}
