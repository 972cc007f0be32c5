package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// KafkaCluster represents connection details for a Kafka cluster
type KafkaCluster struct {
	ID               string
	BootstrapServers []string
	SecurityConfig   SecurityConfig
	ClientID         string
}

// SecurityConfig holds authentication configuration
type SecurityConfig struct {
	Protocol      SecurityProtocol
	SASLMechanism SASLMechanism
	Username      string
	Password      string
	TLSConfig     *TLSConfig
}

type SecurityProtocol string

const (
	SecurityProtocolPlaintext SecurityProtocol = "PLAINTEXT"
	SecurityProtocolSASLPlain SecurityProtocol = "SASL_PLAINTEXT"
	SecurityProtocolSASLSSL   SecurityProtocol = "SASL_SSL"
	SecurityProtocolSSL       SecurityProtocol = "SSL"
)

// UsesSASL reports whether the protocol authenticates with SASL.
func (p SecurityProtocol) UsesSASL() bool {
	return p == SecurityProtocolSASLPlain || p == SecurityProtocolSASLSSL
}

// UsesTLS reports whether the protocol encrypts the connection.
func (p SecurityProtocol) UsesTLS() bool {
	return p == SecurityProtocolSSL || p == SecurityProtocolSASLSSL
}

type SASLMechanism string

const (
	SASLMechanismPlain       SASLMechanism = "PLAIN"
	SASLMechanismScramSHA256 SASLMechanism = "SCRAM-SHA-256"
	SASLMechanismScramSHA512 SASLMechanism = "SCRAM-SHA-512"
)

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	CACert             []byte
	ClientCert         []byte
	ClientKey          []byte
}

// GroupDescription summarizes a consumer group's membership.
type GroupDescription struct {
	Group   string
	State   string
	Members []string
}

// Active reports whether the group has live members.
func (g *GroupDescription) Active() bool {
	return len(g.Members) > 0
}

// PartitionKey formats the "topic:partition" key used in snapshots and
// checkpoints.
func PartitionKey(topic string, partition int32) string {
	return topic + ":" + strconv.FormatInt(int64(partition), 10)
}

// ParsePartitionKey splits a "topic:partition" key.
func ParsePartitionKey(key string) (string, int32, error) {
	idx := strings.LastIndex(key, ":")
	if idx <= 0 || idx == len(key)-1 {
		return "", 0, fmt.Errorf("invalid partition key %q", key)
	}
	p, err := strconv.ParseInt(key[idx+1:], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("invalid partition in key %q: %w", key, err)
	}
	return key[:idx], int32(p), nil
}
