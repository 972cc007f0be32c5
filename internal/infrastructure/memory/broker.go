// Package memory provides an in-process Kafka stand-in. It keeps topics as
// append-only partition logs with broker-assigned offsets and tracks
// consumer group offsets and membership, which is enough to run backup,
// restore and offset management end to end without a cluster.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
	"github.com/quantica-technologies/kafka-backup/internal/repository"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
)

type partitionLog struct {
	logStart int64
	next     int64
	records  []*domain.Record // ascending offsets, gaps allowed
}

type topic struct {
	name        string
	replication int16
	config      map[string]*string
	partitions  []*partitionLog
}

type group struct {
	members []string
	offsets domain.GroupOffsets
}

// Broker is a thread-safe in-memory cluster. It implements
// repository.KafkaRepository; every client it hands out shares its state.
type Broker struct {
	mu      sync.RWMutex
	topics  map[string]*topic
	groups  map[string]*group
	fetches map[string][]int64

	// FailFetch, when set, is consulted before every fetch.
	FailFetch func(topic string, partition int32, offset int64) error
	// FailProduce, when set, is consulted before every produce.
	FailProduce func(topic string, partition int32) error
	// OnCommit, when set, may rewrite offsets before they are stored.
	OnCommit func(group string, offsets domain.GroupOffsets) domain.GroupOffsets
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		topics:  make(map[string]*topic),
		groups:  make(map[string]*group),
		fetches: make(map[string][]int64),
	}
}

var _ repository.KafkaRepository = (*Broker)(nil)

func (b *Broker) CreateReader(ctx context.Context, cluster *domain.KafkaCluster) (repository.PartitionReader, error) {
	return &Client{broker: b}, nil
}

func (b *Broker) CreateProducer(ctx context.Context, cluster *domain.KafkaCluster, config repository.ProducerConfig) (repository.Producer, error) {
	return &Client{broker: b}, nil
}

func (b *Broker) CreateAdmin(ctx context.Context, cluster *domain.KafkaCluster) (repository.Admin, error) {
	return &Client{broker: b}, nil
}

func (b *Broker) CreateGroupAdmin(ctx context.Context, cluster *domain.KafkaCluster) (repository.GroupAdmin, error) {
	return &Client{broker: b}, nil
}

func (b *Broker) HealthCheck(ctx context.Context, cluster *domain.KafkaCluster) error {
	return nil
}

// CreateTopic adds a topic with empty partitions.
func (b *Broker) CreateTopic(name string, partitions int32) error {
	return b.createTopic(&domain.Topic{Name: name, Partitions: partitions, ReplicationFactor: 1})
}

func (b *Broker) createTopic(t *domain.Topic) error {
	if t.Partitions <= 0 {
		return apperrors.Newf(apperrors.ErrCodeConfig, "topic %s needs at least one partition", t.Name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[t.Name]; ok {
		return apperrors.Newf(apperrors.ErrCodeAlreadyExists, "topic %s already exists", t.Name)
	}
	tp := &topic{name: t.Name, replication: t.ReplicationFactor, config: t.Config}
	for i := int32(0); i < t.Partitions; i++ {
		tp.partitions = append(tp.partitions, &partitionLog{})
	}
	b.topics[t.Name] = tp
	return nil
}

// DeleteTopic removes a topic and its data. Recreating it starts a new
// offset space at zero.
func (b *Broker) DeleteTopic(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[name]; !ok {
		return apperrors.Newf(apperrors.ErrCodeNotFound, "topic not found: %s", name)
	}
	delete(b.topics, name)
	return nil
}

func (b *Broker) partition(topicName string, partition int32) (*topic, *partitionLog, error) {
	t, ok := b.topics[topicName]
	if !ok {
		return nil, nil, apperrors.Newf(apperrors.ErrCodeNotFound, "topic not found: %s", topicName)
	}
	if partition < 0 || int(partition) >= len(t.partitions) {
		return nil, nil, apperrors.Newf(apperrors.ErrCodeNotFound, "partition not found: %s", domain.PartitionKey(topicName, partition))
	}
	return t, t.partitions[partition], nil
}

// Append writes records to a partition and returns their offsets. Record
// offsets are assigned by the broker; timestamps are kept.
func (b *Broker) Append(topicName string, partition int32, records ...*domain.Record) ([]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, p, err := b.partition(topicName, partition)
	if err != nil {
		return nil, err
	}
	offsets := make([]int64, len(records))
	for i, r := range records {
		stored := copyRecord(r)
		stored.Offset = p.next
		p.records = append(p.records, stored)
		offsets[i] = p.next
		p.next++
	}
	return offsets, nil
}

// Records returns a copy of a partition's retained records.
func (b *Broker) Records(topicName string, partition int32) []*domain.Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, p, err := b.partition(topicName, partition)
	if err != nil {
		return nil
	}
	out := make([]*domain.Record, len(p.records))
	for i, r := range p.records {
		out[i] = copyRecord(r)
	}
	return out
}

// Compact removes the given offsets, leaving gaps like log compaction does.
func (b *Broker) Compact(topicName string, partition int32, offsets ...int64) {
	drop := make(map[int64]bool, len(offsets))
	for _, o := range offsets {
		drop[o] = true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, p, err := b.partition(topicName, partition)
	if err != nil {
		return
	}
	kept := p.records[:0]
	for _, r := range p.records {
		if !drop[r.Offset] {
			kept = append(kept, r)
		}
	}
	p.records = kept
}

// DeleteRecordsBefore advances the log start offset like retention does.
func (b *Broker) DeleteRecordsBefore(topicName string, partition int32, offset int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, p, err := b.partition(topicName, partition)
	if err != nil || offset <= p.logStart {
		return
	}
	if offset > p.next {
		offset = p.next
	}
	i := sort.Search(len(p.records), func(i int) bool { return p.records[i].Offset >= offset })
	p.records = p.records[i:]
	p.logStart = offset
}

// FetchLog returns the offsets requested by fetches of a partition.
func (b *Broker) FetchLog(topicName string, partition int32) []int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]int64(nil), b.fetches[domain.PartitionKey(topicName, partition)]...)
}

// SetMembers sets the live members of a consumer group. A group with
// members rejects offset commits.
func (b *Broker) SetMembers(groupName string, members ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.groupLocked(groupName).members = members
}

// GroupOffsets returns a copy of a group's committed offsets.
func (b *Broker) GroupOffsets(groupName string) domain.GroupOffsets {
	b.mu.RLock()
	defer b.mu.RUnlock()
	g, ok := b.groups[groupName]
	if !ok {
		return domain.GroupOffsets{}
	}
	return copyOffsets(g.offsets)
}

func (b *Broker) groupLocked(name string) *group {
	g, ok := b.groups[name]
	if !ok {
		g = &group{offsets: make(domain.GroupOffsets)}
		b.groups[name] = g
	}
	return g
}

func copyRecord(r *domain.Record) *domain.Record {
	c := *r
	if r.Headers != nil {
		c.Headers = append([]domain.Header(nil), r.Headers...)
	}
	return &c
}

func copyOffsets(in domain.GroupOffsets) domain.GroupOffsets {
	out := make(domain.GroupOffsets, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
