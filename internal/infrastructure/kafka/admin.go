package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
)

// Admin wraps Sarama cluster admin
type Admin struct {
	client sarama.Client
	admin  sarama.ClusterAdmin
}

func (a *Admin) ListTopics(ctx context.Context) ([]*domain.Topic, error) {
	metadata, err := a.admin.ListTopics()
	if err != nil {
		return nil, classify(err, "failed to list topics")
	}

	topics := make([]*domain.Topic, 0, len(metadata))
	for name, detail := range metadata {
		topics = append(topics, &domain.Topic{
			Name:              name,
			Partitions:        detail.NumPartitions,
			ReplicationFactor: detail.ReplicationFactor,
			Config:            detail.ConfigEntries,
		})
	}

	return topics, nil
}

func (a *Admin) DescribeTopic(ctx context.Context, name string) (*domain.Topic, error) {
	metadata, err := a.admin.DescribeTopics([]string{name})
	if err != nil {
		return nil, classify(err, "failed to describe topic "+name)
	}

	if len(metadata) == 0 || errors.Is(metadata[0].Err, sarama.ErrUnknownTopicOrPartition) {
		return nil, apperrors.Newf(apperrors.ErrCodeNotFound, "topic not found: %s", name)
	}
	detail := metadata[0]
	if detail.Err != sarama.ErrNoError {
		return nil, classify(detail.Err, "failed to describe topic "+name)
	}

	topic := &domain.Topic{
		Name:       detail.Name,
		Partitions: int32(len(detail.Partitions)),
	}
	if len(detail.Partitions) > 0 {
		topic.ReplicationFactor = int16(len(detail.Partitions[0].Replicas))
	}
	return topic, nil
}

func (a *Admin) CreateTopic(ctx context.Context, topic *domain.Topic) error {
	replication := topic.ReplicationFactor
	if replication == 0 {
		replication = -1 // broker default
	}
	topicDetail := &sarama.TopicDetail{
		NumPartitions:     topic.Partitions,
		ReplicationFactor: replication,
		ConfigEntries:     topic.Config,
	}

	err := a.admin.CreateTopic(topic.Name, topicDetail, false)
	if errors.Is(err, sarama.ErrTopicAlreadyExists) {
		return apperrors.Newf(apperrors.ErrCodeAlreadyExists, "topic %s already exists", topic.Name)
	}
	if err != nil {
		return classify(err, "failed to create topic "+topic.Name)
	}
	return nil
}

func (a *Admin) DeleteTopic(ctx context.Context, name string) error {
	if err := a.admin.DeleteTopic(name); err != nil {
		return classify(err, "failed to delete topic "+name)
	}
	return nil
}

func (a *Admin) GetOffsets(ctx context.Context, topic string, partition int32) (low, high int64, err error) {
	low, err = a.client.GetOffset(topic, partition, sarama.OffsetOldest)
	if err != nil {
		return 0, 0, classify(err, fmt.Sprintf("failed to get log start of %s", domain.PartitionKey(topic, partition)))
	}

	high, err = a.client.GetOffset(topic, partition, sarama.OffsetNewest)
	if err != nil {
		return 0, 0, classify(err, fmt.Sprintf("failed to get high watermark of %s", domain.PartitionKey(topic, partition)))
	}

	return low, high, nil
}

func (a *Admin) Close() error {
	if a.admin != nil {
		// closing the admin closes its client
		return a.admin.Close()
	}
	if a.client != nil {
		return a.client.Close()
	}
	return nil
}

// classify maps sarama errors onto application error kinds. Network and
// leadership errors are retryable.
func classify(err error, message string) error {
	var kerr sarama.KError
	if errors.As(err, &kerr) {
		switch kerr {
		case sarama.ErrUnknownTopicOrPartition:
			return apperrors.Wrap(err, apperrors.ErrCodeNotFound, message)
		case sarama.ErrTopicAuthorizationFailed, sarama.ErrClusterAuthorizationFailed,
			sarama.ErrGroupAuthorizationFailed, sarama.ErrSASLAuthenticationFailed,
			sarama.ErrInvalidPartitions, sarama.ErrInvalidReplicationFactor, sarama.ErrInvalidConfig:
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, message)
		}
	}
	return apperrors.Wrap(err, apperrors.ErrCodeTransientIO, message)
}
