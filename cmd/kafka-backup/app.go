package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/quantica-technologies/kafka-backup/internal/app/backup"
	"github.com/quantica-technologies/kafka-backup/internal/app/manifest"
	"github.com/quantica-technologies/kafka-backup/internal/app/offsets"
	"github.com/quantica-technologies/kafka-backup/internal/app/restore"
	"github.com/quantica-technologies/kafka-backup/internal/app/segment"
	"github.com/quantica-technologies/kafka-backup/internal/config"
	"github.com/quantica-technologies/kafka-backup/internal/domain"
	"github.com/quantica-technologies/kafka-backup/internal/infrastructure/kafka"
	"github.com/quantica-technologies/kafka-backup/internal/infrastructure/storage"
	"github.com/quantica-technologies/kafka-backup/internal/repository"
	"github.com/quantica-technologies/kafka-backup/internal/usecase"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
	"github.com/quantica-technologies/kafka-backup/pkg/logger"
	"github.com/quantica-technologies/kafka-backup/pkg/retry"
)

// app holds the repositories and services of one command invocation.
type app struct {
	cfg    *config.Config
	logger logger.Logger
	kafka  repository.KafkaRepository

	storage   repository.StorageRepository
	manifests repository.ManifestRepository
	state     *storage.StateRepository
	snapshots repository.SnapshotRepository
}

// newApp opens the storage described by cfg. Callers must Close it.
func newApp(ctx context.Context, opts *rootOptions, cfg *config.Config, target *domain.Storage) (*app, error) {
	logCfg := cfg.LoggerConfig()
	if opts.logLevel != "" {
		logCfg.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		logCfg.Format = opts.logFormat
	}
	log := logger.New(logCfg)

	if err := target.Config.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConfig, "invalid storage configuration")
	}
	repo, err := storage.NewRepository(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	return &app{
		cfg:       cfg,
		logger:    log,
		kafka:     kafka.NewRepository(log, kafka.WithFetchTimeout(cfg.Kafka.FetchTimeout)),
		storage:   repo,
		manifests: storage.NewMetadataRepository(repo),
		state:     storage.NewStateRepository(repo),
		snapshots: storage.NewSnapshotRepository(repo),
	}, nil
}

// newPathApp opens the storage addressed by a --path URI with settings
// taken from the environment.
func newPathApp(ctx context.Context, opts *rootOptions, path string) (*app, error) {
	target, err := storage.ParseURI(path)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, opts, config.FromEnv(), target)
}

func (a *app) Close() error {
	return a.storage.Close()
}

func (a *app) policy() retry.Policy {
	return a.cfg.RetryPolicy()
}

func (a *app) backups() usecase.BackupUseCase {
	return backup.NewService(a.kafka, a.storage, a.manifests, a.state, a.snapshots, a.policy(), a.logger)
}

func (a *app) restores() usecase.RestoreUseCase {
	return restore.NewService(a.kafka, a.storage, a.manifests, a.state, a.snapshots, a.policy(), a.logger)
}

// offsetClients are the cluster connections an offset service needs.
type offsetClients struct {
	groups repository.GroupAdmin
	admin  repository.Admin
	reader repository.PartitionReader
}

func (c *offsetClients) Close() {
	for _, closer := range []interface{ Close() error }{c.groups, c.admin, c.reader} {
		if closer != nil {
			_ = closer.Close()
		}
	}
}

// offsets builds the offset service. cluster may be nil for commands that
// only read snapshots; scan also opens a reader for cluster-scan.
func (a *app) offsets(ctx context.Context, cluster *domain.KafkaCluster, scan bool) (usecase.OffsetUseCase, *offsetClients, error) {
	clients := &offsetClients{}
	if cluster != nil {
		if err := a.kafka.HealthCheck(ctx, cluster); err != nil {
			return nil, nil, fmt.Errorf("cluster health check failed: %w", err)
		}
		groups, err := a.kafka.CreateGroupAdmin(ctx, cluster)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create group admin: %w", err)
		}
		clients.groups = groups

		admin, err := a.kafka.CreateAdmin(ctx, cluster)
		if err != nil {
			clients.Close()
			return nil, nil, fmt.Errorf("failed to create admin client: %w", err)
		}
		clients.admin = admin

		if scan {
			reader, err := a.kafka.CreateReader(ctx, cluster)
			if err != nil {
				clients.Close()
				return nil, nil, fmt.Errorf("failed to create reader: %w", err)
			}
			clients.reader = reader
		}
	}

	mgr := offsets.NewManager(clients.groups, a.snapshots, a.state, a.logger)
	store := segment.NewStore(a.storage, a.policy(), a.logger)
	svc := offsets.NewService(mgr, manifest.NewManager(a.manifests, a.logger), a.state, store, clients.admin, clients.reader, a.logger)
	return svc, clients, nil
}

// cluster builds a cluster from --bootstrap-servers with security settings
// from the environment.
func (a *app) cluster(servers string) (*domain.KafkaCluster, error) {
	list := splitFlag(servers)
	if len(list) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeConfig, "--bootstrap-servers is required")
	}
	return a.cfg.Cluster("target", list)
}

// serveMetrics exposes /metrics on addr until the returned stop is called.
func serveMetrics(addr string, log logger.Logger) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", "addr", addr, "error", err)
		}
	}()
	log.Info("Serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

func splitFlag(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func requireFlags(cmd *cobra.Command, names ...string) error {
	var missing []string
	for _, name := range names {
		if f := cmd.Flags().Lookup(name); f == nil || f.Value.String() == "" {
			missing = append(missing, "--"+name)
		}
	}
	if len(missing) > 0 {
		return apperrors.Newf(apperrors.ErrCodeConfig, "required flag(s) %s not set", strings.Join(missing, ", "))
	}
	return nil
}
