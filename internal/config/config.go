package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
	"github.com/quantica-technologies/kafka-backup/pkg/logger"
	"github.com/quantica-technologies/kafka-backup/pkg/retry"
	"github.com/quantica-technologies/kafka-backup/pkg/utils"
)

// Modes
const (
	ModeBackup  = "backup"
	ModeRestore = "restore"
)

// Config represents the application configuration
type Config struct {
	Mode     string        `yaml:"mode"`
	BackupID string        `yaml:"backup_id"`
	Source   ClusterConfig `yaml:"source"`
	Target   ClusterConfig `yaml:"target"`
	Kafka    KafkaConfig   `yaml:"kafka"`
	Storage  StorageConfig `yaml:"storage"`
	Backup   BackupConfig  `yaml:"backup"`
	Restore  RestoreConfig `yaml:"restore"`
	Retry    RetryConfig   `yaml:"retry"`

	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// ClusterConfig addresses the source or target cluster
type ClusterConfig struct {
	BootstrapServers StringList        `yaml:"bootstrap_servers"`
	Topics           TopicsConfig      `yaml:"topics"`
	ConsumerGroups   []string          `yaml:"consumer_groups"`
	TopicMapping     map[string]string `yaml:"topic_mapping"`
}

// TopicsConfig selects topics by name, glob or regex
type TopicsConfig struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// KafkaConfig holds client settings shared by both clusters
type KafkaConfig struct {
	ClientID         string        `yaml:"client_id"`
	SecurityProtocol string        `yaml:"security_protocol"`
	SASL             SASLConfig    `yaml:"sasl"`
	TLS              TLSConfig     `yaml:"tls"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
}

// SASLConfig holds SASL authentication settings
type SASLConfig struct {
	Mechanism string `yaml:"mechanism"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// TLSConfig holds TLS settings
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
}

// StorageConfig holds storage backend settings
type StorageConfig struct {
	Backend         string `yaml:"backend"` // s3, filesystem, memory
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Path            string `yaml:"path"` // filesystem root
}

// BackupConfig holds backup-specific settings
type BackupConfig struct {
	Compression               string        `yaml:"compression"`
	CompressionLevel          int           `yaml:"compression_level"`
	SegmentMaxRecords         int           `yaml:"segment_max_records"`
	SegmentMaxBytes           int64         `yaml:"segment_max_bytes"`
	MaxConcurrentPartitions   int           `yaml:"max_concurrent_partitions"`
	Continuous                bool          `yaml:"continuous"`
	CheckpointInterval        time.Duration `yaml:"checkpoint_interval"`
	CheckpointIntervalRecords int           `yaml:"checkpoint_interval_records"`
	PollInterval              time.Duration `yaml:"poll_interval"`
	FetchMaxRecords           int           `yaml:"fetch_max_records"`
	MaxEmptyFetches           int           `yaml:"max_empty_fetches"`
}

// RestoreConfig holds restore-specific settings
type RestoreConfig struct {
	TimeWindowStart         *int64   `yaml:"time_window_start"`
	TimeWindowEnd           *int64   `yaml:"time_window_end"`
	ConsumerGroupStrategy   string   `yaml:"consumer_group_strategy"`
	ConsumerGroups          []string `yaml:"consumer_groups"`
	ResetConsumerOffsets    bool     `yaml:"reset_consumer_offsets"`
	DryRun                  bool     `yaml:"dry_run"`
	CreateTopics            bool     `yaml:"create_topics"`
	PartitionMapping        string   `yaml:"partition_mapping"`
	MaxConcurrentPartitions int      `yaml:"max_concurrent_partitions"`
}

// RetryConfig bounds retries of broker and storage calls
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// StringList accepts either a YAML sequence or a comma-separated string.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*l = splitList(value.Value)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*l = StringList(items)
		return nil
	default:
		return fmt.Errorf("line %d: expected a list or a comma-separated string", value.Line)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConfig, "failed to read config file")
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults, applies environment overrides
// and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConfig, "failed to parse config file")
	}

	cfg.inferMode()
	cfg.overrideFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	policy := retry.DefaultPolicy()
	return &Config{
		Kafka: KafkaConfig{
			ClientID:         "kafka-backup",
			SecurityProtocol: string(domain.SecurityProtocolPlaintext),
			FetchTimeout:     2 * time.Second,
		},
		Storage: StorageConfig{
			Backend: string(domain.StorageTypeS3),
			Region:  "us-east-1",
		},
		Backup: BackupConfig{
			Compression:               utils.CompressionZstd,
			SegmentMaxRecords:         10000,
			SegmentMaxBytes:           64 << 20,
			MaxConcurrentPartitions:   4,
			CheckpointInterval:        10 * time.Second,
			CheckpointIntervalRecords: 10000,
			PollInterval:              30 * time.Second,
			FetchMaxRecords:           1000,
			MaxEmptyFetches:           3,
		},
		Restore: RestoreConfig{
			ConsumerGroupStrategy:   string(domain.OffsetStrategyHeaderBased),
			CreateTopics:            true,
			PartitionMapping:        string(domain.PartitionMappingStrict),
			MaxConcurrentPartitions: 4,
		},
		Retry: RetryConfig{
			MaxAttempts: policy.MaxAttempts,
			BaseDelay:   policy.BaseDelay,
			MaxDelay:    policy.MaxDelay,
			CallTimeout: policy.CallTimeout,
		},
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// FromEnv returns the defaults with environment overrides applied. It is
// the base for commands that take their addresses from flags.
func FromEnv() *Config {
	cfg := DefaultConfig()
	cfg.overrideFromEnv()
	return cfg
}

// inferMode picks restore for files that only describe a target cluster.
func (c *Config) inferMode() {
	if c.Mode != "" {
		return
	}
	c.Mode = ModeBackup
	if len(c.Source.BootstrapServers) == 0 && len(c.Target.BootstrapServers) > 0 {
		c.Mode = ModeRestore
	}
}

// overrideFromEnv overrides configuration from environment variables
func (c *Config) overrideFromEnv() {
	// Kafka overrides
	if val := os.Getenv("KAFKA_BOOTSTRAP_SERVERS"); val != "" {
		if c.Mode == ModeRestore {
			c.Target.BootstrapServers = splitList(val)
		} else {
			c.Source.BootstrapServers = splitList(val)
		}
	}
	if val := os.Getenv("KAFKA_SECURITY_PROTOCOL"); val != "" {
		c.Kafka.SecurityProtocol = val
	}
	if val := os.Getenv("KAFKA_SASL_MECHANISM"); val != "" {
		c.Kafka.SASL.Mechanism = val
	}
	if val := os.Getenv("KAFKA_SASL_USERNAME"); val != "" {
		c.Kafka.SASL.Username = val
	}
	if val := os.Getenv("KAFKA_SASL_PASSWORD"); val != "" {
		c.Kafka.SASL.Password = val
	}

	// Storage overrides
	if val := os.Getenv("STORAGE_BACKEND"); val != "" {
		c.Storage.Backend = val
	}
	if val := os.Getenv("STORAGE_BUCKET"); val != "" {
		c.Storage.Bucket = val
	}
	if val := os.Getenv("STORAGE_ENDPOINT"); val != "" {
		c.Storage.Endpoint = val
	}
	if val := os.Getenv("STORAGE_REGION"); val != "" {
		c.Storage.Region = val
	}
	if val := os.Getenv("STORAGE_PATH_STYLE"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Storage.PathStyle = b
		}
	}

	// S3 credentials
	if val := os.Getenv("AWS_ACCESS_KEY_ID"); val != "" {
		c.Storage.AccessKeyID = val
	}
	if val := os.Getenv("AWS_SECRET_ACCESS_KEY"); val != "" {
		c.Storage.SecretAccessKey = val
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.LogLevel = val
	}
	if val := os.Getenv("METRICS_ADDR"); val != "" {
		c.MetricsAddr = val
	}
}

// ToStorageDomain converts the storage section to a domain Storage
func (c *Config) ToStorageDomain() *domain.Storage {
	switch normalizeBackend(c.Storage.Backend) {
	case domain.StorageTypeFilesystem:
		return &domain.Storage{
			Type:   domain.StorageTypeFilesystem,
			Prefix: c.Storage.Prefix,
			Config: domain.LocalConfig{BasePath: c.Storage.Path},
		}
	case domain.StorageTypeMemory:
		return &domain.Storage{Type: domain.StorageTypeMemory, Config: domain.MemoryConfig{}}
	default:
		return &domain.Storage{
			Type:   domain.StorageTypeS3,
			Prefix: c.Storage.Prefix,
			Config: domain.S3Config{
				Bucket:          c.Storage.Bucket,
				Region:          c.Storage.Region,
				Endpoint:        c.Storage.Endpoint,
				AccessKeyID:     c.Storage.AccessKeyID,
				SecretAccessKey: c.Storage.SecretAccessKey,
				UsePathStyle:    c.Storage.PathStyle,
			},
		}
	}
}

// ToBackupDomain converts config to domain Backup entity
func (c *Config) ToBackupDomain() (*domain.Backup, error) {
	filter, err := domain.NewTopicFilter(c.Source.Topics.Include, c.Source.Topics.Exclude)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConfig, "invalid source topics")
	}
	cluster, err := c.cluster("source", c.Source)
	if err != nil {
		return nil, err
	}

	mode := domain.BackupModeFull
	if c.Backup.Continuous {
		mode = domain.BackupModeContinuous
	}
	return &domain.Backup{
		ID:                        c.BackupID,
		SourceCluster:             cluster,
		TargetStorage:             c.ToStorageDomain(),
		Topics:                    filter,
		Mode:                      mode,
		Compression:               c.Backup.Compression,
		CompressionLevel:          c.Backup.CompressionLevel,
		SegmentMaxRecords:         c.Backup.SegmentMaxRecords,
		SegmentMaxBytes:           c.Backup.SegmentMaxBytes,
		MaxConcurrentPartitions:   c.Backup.MaxConcurrentPartitions,
		CheckpointInterval:        c.Backup.CheckpointInterval,
		CheckpointIntervalRecords: c.Backup.CheckpointIntervalRecords,
		PollInterval:              c.Backup.PollInterval,
		FetchMaxRecords:           c.Backup.FetchMaxRecords,
		MaxEmptyFetches:           c.Backup.MaxEmptyFetches,
		ConsumerGroups:            c.Source.ConsumerGroups,
	}, nil
}

// ToRestoreDomain converts config to domain Restore entity
func (c *Config) ToRestoreDomain() (*domain.Restore, error) {
	filter, err := domain.NewTopicFilter(c.Target.Topics.Include, c.Target.Topics.Exclude)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConfig, "invalid target topics")
	}
	cluster, err := c.cluster("target", c.Target)
	if err != nil {
		return nil, err
	}

	groups := c.Restore.ConsumerGroups
	if len(groups) == 0 {
		groups = c.Target.ConsumerGroups
	}
	return &domain.Restore{
		BackupID:                c.BackupID,
		SourceStorage:           c.ToStorageDomain(),
		TargetCluster:           cluster,
		Topics:                  filter,
		TopicMapping:            c.Target.TopicMapping,
		Window:                  domain.NewTimeWindow(c.Restore.TimeWindowStart, c.Restore.TimeWindowEnd),
		PartitionMapping:        domain.PartitionMapping(c.Restore.PartitionMapping),
		MaxConcurrentPartitions: c.Restore.MaxConcurrentPartitions,
		CreateTopics:            c.Restore.CreateTopics,
		DryRun:                  c.Restore.DryRun,
		ResetConsumerOffsets:    c.Restore.ResetConsumerOffsets,
		ConsumerGroups:          groups,
		ConsumerGroupStrategy:   domain.OffsetStrategy(c.Restore.ConsumerGroupStrategy),
	}, nil
}

// RetryPolicy returns the configured retry policy
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
		CallTimeout: c.Retry.CallTimeout,
	}
}

// LoggerConfig returns the logger settings
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{Level: c.LogLevel, Format: c.LogFormat}
}

// Cluster builds a cluster from explicit bootstrap servers using the
// shared security settings. Used by commands that take --bootstrap-servers.
func (c *Config) Cluster(id string, servers []string) (*domain.KafkaCluster, error) {
	return c.cluster(id, ClusterConfig{BootstrapServers: servers})
}

func (c *Config) cluster(id string, cc ClusterConfig) (*domain.KafkaCluster, error) {
	security, err := c.toSecurityConfig()
	if err != nil {
		return nil, err
	}
	return &domain.KafkaCluster{
		ID:               id,
		BootstrapServers: []string(cc.BootstrapServers),
		SecurityConfig:   security,
		ClientID:         c.Kafka.ClientID,
	}, nil
}

func (c *Config) toSecurityConfig() (domain.SecurityConfig, error) {
	secConfig := domain.SecurityConfig{
		Protocol:      domain.SecurityProtocol(c.Kafka.SecurityProtocol),
		SASLMechanism: domain.SASLMechanism(c.Kafka.SASL.Mechanism),
		Username:      c.Kafka.SASL.Username,
		Password:      c.Kafka.SASL.Password,
	}

	if !c.Kafka.TLS.Enabled && !secConfig.Protocol.UsesTLS() {
		return secConfig, nil
	}
	tlsConfig := &domain.TLSConfig{
		Enabled:            true,
		InsecureSkipVerify: c.Kafka.TLS.InsecureSkipVerify,
	}
	files := []struct {
		path string
		dst  *[]byte
	}{
		{c.Kafka.TLS.CAFile, &tlsConfig.CACert},
		{c.Kafka.TLS.CertFile, &tlsConfig.ClientCert},
		{c.Kafka.TLS.KeyFile, &tlsConfig.ClientKey},
	}
	for _, f := range files {
		if f.path == "" {
			continue
		}
		data, err := os.ReadFile(f.path)
		if err != nil {
			return secConfig, apperrors.Wrapf(err, apperrors.ErrCodeConfig, "failed to read TLS file %s", f.path)
		}
		*f.dst = data
	}
	secConfig.TLSConfig = tlsConfig
	return secConfig, nil
}

func normalizeBackend(backend string) domain.StorageType {
	switch strings.ToLower(backend) {
	case "filesystem", "local", "file":
		return domain.StorageTypeFilesystem
	case "memory":
		return domain.StorageTypeMemory
	case "s3", "":
		return domain.StorageTypeS3
	}
	return domain.StorageType(backend)
}
