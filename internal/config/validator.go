package config

import (
	"fmt"
	"strings"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
	"github.com/quantica-technologies/kafka-backup/pkg/utils"
)

// Validator provides configuration validation utilities
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateTopicPattern validates a topic pattern
func (v *Validator) ValidateTopicPattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("topic pattern cannot be empty")
	}

	if strings.ContainsAny(pattern, "\x00 \t\n") {
		return fmt.Errorf("topic pattern %q contains whitespace or NUL", pattern)
	}

	if _, err := domain.ParseSelector(pattern); err != nil {
		return err
	}
	return nil
}

// ValidateStorageBackend validates storage backend
func (v *Validator) ValidateStorageBackend(backend string) error {
	switch normalizeBackend(backend) {
	case domain.StorageTypeS3, domain.StorageTypeFilesystem, domain.StorageTypeMemory:
		return nil
	}
	return fmt.Errorf("invalid storage backend: %s. Valid backends: [s3 filesystem memory]", backend)
}

// ValidateSecurityProtocol validates Kafka security protocol
func (v *Validator) ValidateSecurityProtocol(protocol string) error {
	validProtocols := []domain.SecurityProtocol{
		domain.SecurityProtocolPlaintext,
		domain.SecurityProtocolSASLPlain,
		domain.SecurityProtocolSASLSSL,
		domain.SecurityProtocolSSL,
	}

	for _, valid := range validProtocols {
		if domain.SecurityProtocol(protocol) == valid {
			return nil
		}
	}

	return fmt.Errorf("invalid security protocol: %s. Valid protocols: %v", protocol, validProtocols)
}

// ValidateSASLMechanism validates the SASL mechanism
func (v *Validator) ValidateSASLMechanism(mechanism string) error {
	switch domain.SASLMechanism(mechanism) {
	case domain.SASLMechanismPlain, domain.SASLMechanismScramSHA256, domain.SASLMechanismScramSHA512:
		return nil
	}
	return fmt.Errorf("invalid sasl mechanism: %s", mechanism)
}

// ValidateCompression validates the segment compression algorithm
func (v *Validator) ValidateCompression(algorithm string) error {
	if !utils.ValidCompression(algorithm) {
		return fmt.Errorf("invalid compression: %s. Valid algorithms: [none gzip zstd lz4]", algorithm)
	}
	return nil
}

// Validate checks if the configuration is valid. Window problems are
// reported as TIMESTAMP_VALIDATION_ERROR, everything else as CONFIG_ERROR.
func (c *Config) Validate() error {
	v := NewValidator()
	configErr := func(err error) error {
		if err == nil {
			return nil
		}
		return apperrors.Wrap(err, apperrors.ErrCodeConfig, "invalid configuration")
	}

	switch c.Mode {
	case ModeBackup, ModeRestore:
	default:
		return configErr(fmt.Errorf("mode must be %q or %q, got %q", ModeBackup, ModeRestore, c.Mode))
	}
	if c.BackupID == "" {
		return configErr(fmt.Errorf("backup_id must be specified"))
	}

	if err := c.validateKafka(v); err != nil {
		return configErr(err)
	}
	if err := c.validateStorage(v); err != nil {
		return configErr(err)
	}
	if c.Retry.MaxAttempts < 1 {
		return configErr(fmt.Errorf("retry max_attempts must be at least 1"))
	}

	if c.Mode == ModeBackup {
		return configErr(c.validateBackup(v))
	}
	if err := c.validateRestore(v); err != nil {
		return configErr(err)
	}
	return domain.NewTimeWindow(c.Restore.TimeWindowStart, c.Restore.TimeWindowEnd).Validate()
}

func (c *Config) validateKafka(v *Validator) error {
	if c.Kafka.FetchTimeout < 0 {
		return fmt.Errorf("kafka fetch_timeout must not be negative")
	}
	if err := v.ValidateSecurityProtocol(c.Kafka.SecurityProtocol); err != nil {
		return err
	}
	if domain.SecurityProtocol(c.Kafka.SecurityProtocol).UsesSASL() {
		if err := v.ValidateSASLMechanism(c.Kafka.SASL.Mechanism); err != nil {
			return err
		}
		if c.Kafka.SASL.Username == "" {
			return fmt.Errorf("sasl username must be specified")
		}
	}
	return nil
}

func (c *Config) validateStorage(v *Validator) error {
	if err := v.ValidateStorageBackend(c.Storage.Backend); err != nil {
		return err
	}
	return c.ToStorageDomain().Config.Validate()
}

func (c *Config) validateBackup(v *Validator) error {
	if len(c.Source.BootstrapServers) == 0 {
		return fmt.Errorf("source bootstrap_servers must be specified")
	}
	if err := c.validateTopics(v, c.Source.Topics); err != nil {
		return err
	}
	if err := v.ValidateCompression(c.Backup.Compression); err != nil {
		return err
	}
	if c.Backup.SegmentMaxRecords < 1 {
		return fmt.Errorf("segment_max_records must be at least 1")
	}
	if c.Backup.SegmentMaxBytes < 1 {
		return fmt.Errorf("segment_max_bytes must be at least 1")
	}
	if c.Backup.MaxConcurrentPartitions < 1 {
		return fmt.Errorf("backup max_concurrent_partitions must be at least 1")
	}
	if c.Backup.MaxEmptyFetches < 1 {
		return fmt.Errorf("max_empty_fetches must be at least 1")
	}
	return nil
}

func (c *Config) validateRestore(v *Validator) error {
	if len(c.Target.BootstrapServers) == 0 {
		return fmt.Errorf("target bootstrap_servers must be specified")
	}
	if err := c.validateTopics(v, c.Target.Topics); err != nil {
		return err
	}
	switch domain.PartitionMapping(c.Restore.PartitionMapping) {
	case domain.PartitionMappingStrict, domain.PartitionMappingModulo:
	default:
		return fmt.Errorf("partition_mapping must be strict or modulo, got %q", c.Restore.PartitionMapping)
	}
	if !domain.OffsetStrategy(c.Restore.ConsumerGroupStrategy).Valid() {
		return fmt.Errorf("unknown consumer_group_strategy %q", c.Restore.ConsumerGroupStrategy)
	}
	if c.Restore.ResetConsumerOffsets && len(c.Restore.ConsumerGroups) == 0 && len(c.Target.ConsumerGroups) == 0 {
		return fmt.Errorf("reset_consumer_offsets needs consumer_groups")
	}
	if c.Restore.MaxConcurrentPartitions < 1 {
		return fmt.Errorf("restore max_concurrent_partitions must be at least 1")
	}
	return nil
}

func (c *Config) validateTopics(v *Validator, topics TopicsConfig) error {
	for _, p := range append(append([]string(nil), topics.Include...), topics.Exclude...) {
		if err := v.ValidateTopicPattern(p); err != nil {
			return err
		}
	}
	return nil
}
