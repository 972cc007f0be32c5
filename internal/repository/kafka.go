package repository

import (
	"context"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
)

// KafkaRepository defines operations for interacting with Kafka
type KafkaRepository interface {
	// Reader operations
	CreateReader(ctx context.Context, cluster *domain.KafkaCluster) (PartitionReader, error)

	// Producer operations
	CreateProducer(ctx context.Context, cluster *domain.KafkaCluster, config ProducerConfig) (Producer, error)

	// Admin operations
	CreateAdmin(ctx context.Context, cluster *domain.KafkaCluster) (Admin, error)

	// Consumer group operations
	CreateGroupAdmin(ctx context.Context, cluster *domain.KafkaCluster) (GroupAdmin, error)

	// Health check
	HealthCheck(ctx context.Context, cluster *domain.KafkaCluster) error
}

// PartitionReader reads records from explicit partition positions. It never
// joins a consumer group and never commits offsets.
type PartitionReader interface {
	// Fetch returns up to maxRecords records with offsets >= offset, in
	// offset order. It returns an empty slice when nothing arrived within
	// the reader's fetch timeout.
	Fetch(ctx context.Context, topic string, partition int32, offset int64, maxRecords int) ([]*domain.Record, error)

	// SkipEmpty returns the offset past a stretch starting at offset that
	// holds no deliverable records, such as compacted ranges or
	// transaction markers. It returns offset itself when a record is
	// deliverable there or the broker returned nothing.
	SkipEmpty(ctx context.Context, topic string, partition int32, offset int64) (int64, error)

	// Close closes the reader
	Close() error
}

// Producer defines operations for producing records
type Producer interface {
	// ProduceBatch writes records to one partition in order and returns the
	// offset assigned to each record.
	ProduceBatch(ctx context.Context, topic string, partition int32, records []*domain.Record) ([]int64, error)

	// Close closes the producer
	Close() error
}

// Admin defines admin operations
type Admin interface {
	// ListTopics lists all topics
	ListTopics(ctx context.Context) ([]*domain.Topic, error)

	// DescribeTopic gets topic details
	DescribeTopic(ctx context.Context, name string) (*domain.Topic, error)

	// CreateTopic creates a new topic
	CreateTopic(ctx context.Context, topic *domain.Topic) error

	// DeleteTopic deletes a topic
	DeleteTopic(ctx context.Context, name string) error

	// GetOffsets gets the log-start offset and high-water mark of a partition
	GetOffsets(ctx context.Context, topic string, partition int32) (low, high int64, err error)

	// Close closes the admin client
	Close() error
}

// GroupAdmin reads and writes consumer group state
type GroupAdmin interface {
	// DescribeGroups returns membership for each named group
	DescribeGroups(ctx context.Context, groups []string) (map[string]*domain.GroupDescription, error)

	// FetchOffsets returns the committed offsets of a group
	FetchOffsets(ctx context.Context, group string) (domain.GroupOffsets, error)

	// CommitOffsets commits offsets for a group. The group must be empty.
	CommitOffsets(ctx context.Context, group string, offsets domain.GroupOffsets) error

	// Close closes the client
	Close() error
}

// ProducerConfig holds producer configuration
type ProducerConfig struct {
	RequiredAcks int
	MaxRetries   int
	Idempotent   bool
}
