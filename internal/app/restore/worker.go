package restore

import (
	"context"
	"strconv"

	"github.com/quantica-technologies/kafka-backup/internal/app/segment"
	"github.com/quantica-technologies/kafka-backup/internal/domain"
	"github.com/quantica-technologies/kafka-backup/internal/repository"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
	"github.com/quantica-technologies/kafka-backup/pkg/logger"
	"github.com/quantica-technologies/kafka-backup/pkg/metrics"
	"github.com/quantica-technologies/kafka-backup/pkg/retry"
)

const produceBatchSize = 500

// task is the replay of one backed-up partition onto its target.
type task struct {
	source    domain.PartitionManifest
	topic     string
	target    string
	targetPar int32
	// targetEnd is the target partition's end offset before replay.
	targetEnd int64
}

// Worker replays one partition
type Worker struct {
	restore  *domain.Restore
	task     task
	store    *segment.Store
	producer repository.Producer
	retry    retry.Policy
	logger   logger.Logger

	mapping  *domain.OffsetMapping
	last     int64
	replayed int64
}

// NewWorker creates a new restore worker. producer may be nil for a dry run.
func NewWorker(
	restore *domain.Restore,
	t task,
	store *segment.Store,
	producer repository.Producer,
	policy retry.Policy,
	log logger.Logger,
) *Worker {
	return &Worker{
		restore:  restore,
		task:     t,
		store:    store,
		producer: producer,
		retry:    policy,
		logger: log.WithFields(map[string]interface{}{
			"topic":           t.topic,
			"partition":       t.source.Partition,
			"targetTopic":     t.target,
			"targetPartition": t.targetPar,
		}),
		mapping: &domain.OffsetMapping{
			Topic:           t.topic,
			Partition:       t.source.Partition,
			TargetTopic:     t.target,
			TargetPartition: t.targetPar,
			EndOffset:       t.targetEnd,
		},
		last: -1,
	}
}

// Mapping returns the offsets assigned to the records replayed so far.
func (w *Worker) Mapping() *domain.OffsetMapping {
	return w.mapping
}

// Run replays the partition's segments in offset order. Records outside
// the window are skipped; segments wholly outside it are not downloaded.
func (w *Worker) Run(ctx context.Context) error {
	key := domain.PartitionKey(w.task.topic, w.task.source.Partition)
	w.progress(func(p *domain.PartitionProgress) { p.Phase = domain.RestorePhaseReplaying })

	if err := w.replay(ctx); err != nil {
		w.logger.Error("Partition restore failed", "lastOffset", w.last, "error", err)
		w.progress(func(p *domain.PartitionProgress) {
			p.Phase = domain.RestorePhaseFailed
			p.Error = err.Error()
		})
		return apperrors.PartitionFailure(key, w.last, err)
	}

	if err := w.mapping.Validate(); err != nil {
		err = apperrors.Wrap(err, apperrors.ErrCodeIntegrity, "restored offset mapping is inconsistent")
		w.progress(func(p *domain.PartitionProgress) {
			p.Phase = domain.RestorePhaseFailed
			p.Error = err.Error()
		})
		return apperrors.PartitionFailure(key, w.last, err)
	}

	w.progress(func(p *domain.PartitionProgress) { p.Phase = domain.RestorePhaseComplete })
	w.logger.Info("Partition restored", "records", w.replayed, "dryRun", w.restore.DryRun)
	return nil
}

func (w *Worker) replay(ctx context.Context) error {
	window := w.restore.Window
	partition := strconv.Itoa(int(w.task.source.Partition))

	for _, seg := range w.task.source.Segments {
		if err := ctx.Err(); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeCancelled, "restore cancelled")
		}
		if seg.MaxTimestamp > 0 && !window.Overlaps(seg.MinTimestamp, seg.MaxTimestamp) {
			w.skip(seg.RecordCount)
			w.logger.Debug("Segment outside window", "segment", seg.Key)
			continue
		}

		records, err := w.store.ReadSegment(ctx, seg)
		if err != nil {
			return err
		}
		selected := window.Filter(records)
		w.skip(int64(len(records) - len(selected)))

		for start := 0; start < len(selected); start += produceBatchSize {
			end := start + produceBatchSize
			if end > len(selected) {
				end = len(selected)
			}
			batch := selected[start:end]
			if err := w.produce(ctx, batch); err != nil {
				return err
			}
			w.last = batch[len(batch)-1].Offset
			w.replayed += int64(len(batch))
			metrics.RestoreRecordsProcessed.WithLabelValues(w.restore.ID, w.task.topic, partition).Add(float64(len(batch)))
			w.progress(func(p *domain.PartitionProgress) { p.RecordsRestored += int64(len(batch)) })
		}
	}
	return nil
}

// produce writes a batch with its origin headers and records where each
// record landed. A dry run only counts.
func (w *Worker) produce(ctx context.Context, batch []*domain.Record) error {
	if w.restore.DryRun {
		return nil
	}

	out := make([]*domain.Record, len(batch))
	for i, r := range batch {
		out[i] = r.WithOriginHeaders(w.task.topic, w.task.source.Partition)
	}

	var offsets []int64
	err := w.retry.Do(ctx, "produce", func(ctx context.Context) error {
		var err error
		offsets, err = w.producer.ProduceBatch(ctx, w.task.target, w.task.targetPar, out)
		return err
	})
	if err != nil {
		return err
	}
	if len(offsets) != len(batch) {
		return apperrors.Newf(apperrors.ErrCodeInternal,
			"producer acknowledged %d of %d records", len(offsets), len(batch))
	}
	for i, r := range batch {
		w.mapping.Add(r.Offset, offsets[i], r.Timestamp)
	}
	return nil
}

func (w *Worker) skip(n int64) {
	if n <= 0 {
		return
	}
	metrics.RestoreRecordsSkipped.WithLabelValues(w.restore.ID, w.task.topic).Add(float64(n))
	w.progress(func(p *domain.PartitionProgress) { p.RecordsSkipped += n })
}

func (w *Worker) progress(fn func(p *domain.PartitionProgress)) {
	w.restore.Status.UpdatePartition(w.task.topic, w.task.source.Partition, fn)
}
