package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
	"github.com/quantica-technologies/kafka-backup/internal/repository"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
	"github.com/quantica-technologies/kafka-backup/pkg/logger"
)

const defaultFetchTimeout = 2 * time.Second

// Repository implements KafkaRepository using Sarama for the data plane and
// franz-go for consumer group administration.
type Repository struct {
	logger       logger.Logger
	fetchTimeout time.Duration
}

// Option configures a Repository
type Option func(*Repository)

// WithFetchTimeout sets how long a fetch waits for records to arrive.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Repository) {
		if d > 0 {
			r.fetchTimeout = d
		}
	}
}

// NewRepository creates a new Kafka repository
func NewRepository(log logger.Logger, opts ...Option) repository.KafkaRepository {
	r := &Repository{
		logger:       log,
		fetchTimeout: defaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateReader creates a reader that consumes explicit partition positions
func (r *Repository) CreateReader(ctx context.Context, cluster *domain.KafkaCluster) (repository.PartitionReader, error) {
	saramaConfig, err := r.buildSaramaConfig(cluster)
	if err != nil {
		return nil, err
	}
	saramaConfig.Consumer.Return.Errors = true
	saramaConfig.Consumer.Offsets.AutoCommit.Enable = false
	// only committed transactional data is backed up
	saramaConfig.Consumer.IsolationLevel = sarama.ReadCommitted

	client, err := r.newClient(cluster, saramaConfig)
	if err != nil {
		return nil, err
	}

	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	return newReader(client, consumer, r.fetchTimeout, r.logger), nil
}

// CreateProducer creates a Kafka producer
func (r *Repository) CreateProducer(
	ctx context.Context,
	cluster *domain.KafkaCluster,
	config repository.ProducerConfig,
) (repository.Producer, error) {
	saramaConfig, err := r.buildSaramaConfig(cluster)
	if err != nil {
		return nil, err
	}
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.RequiredAcks(config.RequiredAcks)
	if config.RequiredAcks == 0 {
		saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	}
	saramaConfig.Producer.Partitioner = sarama.NewManualPartitioner
	if config.MaxRetries > 0 {
		saramaConfig.Producer.Retry.Max = config.MaxRetries
	}
	saramaConfig.Producer.Idempotent = config.Idempotent
	if config.Idempotent {
		// sarama requires these for idempotent producers
		saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
		saramaConfig.Net.MaxOpenRequests = 1
	}

	client, err := r.newClient(cluster, saramaConfig)
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	return &Producer{
		client:   client,
		producer: producer,
	}, nil
}

// CreateAdmin creates a Kafka admin client
func (r *Repository) CreateAdmin(
	ctx context.Context,
	cluster *domain.KafkaCluster,
) (repository.Admin, error) {
	saramaConfig, err := r.buildSaramaConfig(cluster)
	if err != nil {
		return nil, err
	}

	client, err := r.newClient(cluster, saramaConfig)
	if err != nil {
		return nil, err
	}

	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create admin: %w", err)
	}

	return &Admin{
		client: client,
		admin:  admin,
	}, nil
}

// CreateGroupAdmin creates a consumer group admin client
func (r *Repository) CreateGroupAdmin(ctx context.Context, cluster *domain.KafkaCluster) (repository.GroupAdmin, error) {
	return newGroupAdmin(cluster)
}

// HealthCheck checks Kafka cluster connectivity
func (r *Repository) HealthCheck(ctx context.Context, cluster *domain.KafkaCluster) error {
	saramaConfig, err := r.buildSaramaConfig(cluster)
	if err != nil {
		return err
	}

	client, err := r.newClient(cluster, saramaConfig)
	if err != nil {
		return err
	}
	defer client.Close()

	if len(client.Brokers()) == 0 {
		return apperrors.New(apperrors.ErrCodeTransientIO, "no brokers available")
	}
	return nil
}

func (r *Repository) newClient(cluster *domain.KafkaCluster, config *sarama.Config) (sarama.Client, error) {
	client, err := sarama.NewClient(cluster.BootstrapServers, config)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeTransientIO, "failed to connect to %v", cluster.BootstrapServers)
	}
	return client, nil
}

func (r *Repository) buildSaramaConfig(cluster *domain.KafkaCluster) (*sarama.Config, error) {
	if cluster == nil || len(cluster.BootstrapServers) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeConfig, "bootstrap servers must be specified")
	}

	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = "kafka-backup"
	if cluster.ClientID != "" {
		config.ClientID = cluster.ClientID
	}

	// Security configuration
	sec := cluster.SecurityConfig
	if sec.Protocol.UsesSASL() {
		config.Net.SASL.Enable = true
		config.Net.SASL.User = sec.Username
		config.Net.SASL.Password = sec.Password

		switch sec.SASLMechanism {
		case domain.SASLMechanismPlain, "":
			config.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		case domain.SASLMechanismScramSHA256:
			config.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			config.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &XDGSCRAMClient{HashGeneratorFcn: SHA256}
			}
		case domain.SASLMechanismScramSHA512:
			config.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			config.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &XDGSCRAMClient{HashGeneratorFcn: SHA512}
			}
		default:
			return nil, apperrors.Newf(apperrors.ErrCodeConfig, "unsupported sasl mechanism: %s", sec.SASLMechanism)
		}
	}

	if sec.Protocol.UsesTLS() || (sec.TLSConfig != nil && sec.TLSConfig.Enabled) {
		tlsConfig, err := buildTLSConfig(sec.TLSConfig)
		if err != nil {
			return nil, err
		}
		config.Net.TLS.Enable = true
		config.Net.TLS.Config = tlsConfig
	}

	return config, nil
}
