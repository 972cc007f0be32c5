package backup

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

// Coordinator manages backup workers
type Coordinator struct {
	backup    *domain.Backup
	state     *domain.BackupState
	reader    repository.PartitionReader
	admin     repository.Admin
	store     *segment.Store
	stateRepo repository.StateRepository
	retry     retry.Policy
	logger    logger.Logger
}

// NewCoordinator creates a new backup coordinator
func NewCoordinator(
	backup *domain.Backup,
	state *domain.BackupState,
	reader repository.PartitionReader,
	admin repository.Admin,
	store *segment.Store,
	stateRepo repository.StateRepository,
	policy retry.Policy,
	log logger.Logger,
) *Coordinator {
	return &Coordinator{
		backup:    backup,
		state:     state,
		reader:    reader,
		admin:     admin,
		store:     store,
		stateRepo: stateRepo,
		retry:     policy,
		logger:    log,
	}
}

// Run backs up every partition of the state, at most
// MaxConcurrentPartitions at a time. A failing partition does not stop the
// others; all failures are returned together once every worker is done.
func (c *Coordinator) Run(ctx context.Context) error {
	boundaries := c.state.SortedBoundaries()
	c.logger.Info("Starting backup coordinator",
		"partitions", len(boundaries),
		"concurrency", c.backup.MaxConcurrentPartitions,
		"generation", c.state.Generation)

	var (
		mu       sync.Mutex
		failures []error
	)
	g := new(errgroup.Group)
	g.SetLimit(c.backup.MaxConcurrentPartitions)

	for _, b := range boundaries {
		b := b
		g.Go(func() error {
			w := NewWorker(c.backup, b, c.reader, c.admin, c.store, c.stateRepo, c.retry, c.logger)
			if err := w.Run(ctx); err != nil {
				metrics.PartitionFailures.WithLabelValues("backup", b.Topic).Inc()
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := apperrors.Combine(fmt.Sprintf("backup %s failed for %d partition(s)", c.backup.ID, len(failures)), failures...); err != nil {
		return err
	}
	c.logger.Info("All backup workers completed", "partitions", len(boundaries))
	return nil
}
