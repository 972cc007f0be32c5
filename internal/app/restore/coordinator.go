package restore

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/quantica-technologies/kafka-backup/internal/app/segment"
	"github.com/quantica-technologies/kafka-backup/internal/domain"
	"github.com/quantica-technologies/kafka-backup/internal/repository"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
	"github.com/quantica-technologies/kafka-backup/pkg/logger"
	"github.com/quantica-technologies/kafka-backup/pkg/metrics"
	"github.com/quantica-technologies/kafka-backup/pkg/retry"
)

// Coordinator manages restore workers
type Coordinator struct {
	restore  *domain.Restore
	tasks    []task
	store    *segment.Store
	producer repository.Producer
	retry    retry.Policy
	logger   logger.Logger
}

// NewCoordinator creates a new restore coordinator
func NewCoordinator(
	restore *domain.Restore,
	tasks []task,
	store *segment.Store,
	producer repository.Producer,
	policy retry.Policy,
	log logger.Logger,
) *Coordinator {
	return &Coordinator{
		restore:  restore,
		tasks:    tasks,
		store:    store,
		producer: producer,
		retry:    policy,
		logger:   log,
	}
}

// Run replays every task, at most MaxConcurrentPartitions at a time. It
// returns the mappings of the partitions that finished, even when others
// failed, sorted by source topic and partition.
func (c *Coordinator) Run(ctx context.Context) ([]*domain.OffsetMapping, error) {
	c.logger.Info("Starting restore coordinator",
		"partitions", len(c.tasks),
		"concurrency", c.restore.MaxConcurrentPartitions)

	var (
		mu       sync.Mutex
		mappings []*domain.OffsetMapping
		failures []error
	)
	g := new(errgroup.Group)
	g.SetLimit(c.restore.MaxConcurrentPartitions)

	for _, t := range c.tasks {
		t := t
		g.Go(func() error {
			w := NewWorker(c.restore, t, c.store, c.producer, c.retry, c.logger)
			err := w.Run(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				metrics.PartitionFailures.WithLabelValues("restore", t.topic).Inc()
				failures = append(failures, err)
				return nil
			}
			mappings = append(mappings, w.Mapping())
			return nil
		})
	}
	_ = g.Wait()

	foldEndOffsets(mappings)
	set := &domain.MappingSet{Mappings: mappings}
	set.Sort()

	if err := apperrors.Combine(fmt.Sprintf("restore %s failed for %d partition(s)", c.restore.ID, len(failures)), failures...); err != nil {
		return set.Mappings, err
	}
	c.logger.Info("All restore workers completed", "partitions", len(c.tasks))
	return set.Mappings, nil
}

// foldEndOffsets gives every mapping the end offset of its target
// partition, which several source partitions may share.
func foldEndOffsets(mappings []*domain.OffsetMapping) {
	end := make(map[string]int64)
	for _, m := range mappings {
		key := domain.PartitionKey(m.TargetTopic, m.TargetPartition)
		if m.EndOffset > end[key] {
			end[key] = m.EndOffset
		}
	}
	for _, m := range mappings {
		m.EndOffset = end[domain.PartitionKey(m.TargetTopic, m.TargetPartition)]
	}
}
