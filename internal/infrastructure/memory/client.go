package memory

import (
	"context"
	"sort"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
	"github.com/quantica-technologies/kafka-backup/internal/repository"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
)

// Client is a handle on a Broker. It serves as reader, producer, admin and
// group admin.
type Client struct {
	broker *Broker
	closed bool
}

var (
	_ repository.PartitionReader = (*Client)(nil)
	_ repository.Producer        = (*Client)(nil)
	_ repository.Admin           = (*Client)(nil)
	_ repository.GroupAdmin      = (*Client)(nil)
)

func (c *Client) check(ctx context.Context) error {
	if c.closed {
		return apperrors.New(apperrors.ErrCodeInternal, "client is closed")
	}
	return ctx.Err()
}

func (c *Client) Fetch(ctx context.Context, topic string, partition int32, offset int64, maxRecords int) ([]*domain.Record, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	b := c.broker

	b.mu.Lock()
	key := domain.PartitionKey(topic, partition)
	b.fetches[key] = append(b.fetches[key], offset)
	hook := b.FailFetch
	b.mu.Unlock()

	if hook != nil {
		if err := hook(topic, partition, offset); err != nil {
			return nil, err
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	_, p, err := b.partition(topic, partition)
	if err != nil {
		return nil, err
	}
	if offset < p.logStart {
		return nil, apperrors.Newf(apperrors.ErrCodeNotFound, "offset %d of %s is before log start %d", offset, key, p.logStart)
	}

	i := sort.Search(len(p.records), func(i int) bool { return p.records[i].Offset >= offset })
	records := make([]*domain.Record, 0, maxRecords)
	for ; i < len(p.records) && len(records) < maxRecords; i++ {
		records = append(records, copyRecord(p.records[i]))
	}
	return records, nil
}

// SkipEmpty jumps to the next stored record, or to the end of the log when
// everything from offset on was compacted away.
func (c *Client) SkipEmpty(ctx context.Context, topic string, partition int32, offset int64) (int64, error) {
	if err := c.check(ctx); err != nil {
		return 0, err
	}
	b := c.broker
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, p, err := b.partition(topic, partition)
	if err != nil {
		return 0, err
	}

	i := sort.Search(len(p.records), func(i int) bool { return p.records[i].Offset >= offset })
	if i < len(p.records) {
		return p.records[i].Offset, nil
	}
	if p.next > offset {
		return p.next, nil
	}
	return offset, nil
}

func (c *Client) ProduceBatch(ctx context.Context, topic string, partition int32, records []*domain.Record) ([]int64, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	c.broker.mu.RLock()
	hook := c.broker.FailProduce
	c.broker.mu.RUnlock()
	if hook != nil {
		if err := hook(topic, partition); err != nil {
			return nil, err
		}
	}
	return c.broker.Append(topic, partition, records...)
}

func (c *Client) ListTopics(ctx context.Context) ([]*domain.Topic, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	b := c.broker
	b.mu.RLock()
	defer b.mu.RUnlock()

	topics := make([]*domain.Topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t.describe())
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i].Name < topics[j].Name })
	return topics, nil
}

func (c *Client) DescribeTopic(ctx context.Context, name string) (*domain.Topic, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	b := c.broker
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.topics[name]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeNotFound, "topic not found: %s", name)
	}
	return t.describe(), nil
}

func (c *Client) CreateTopic(ctx context.Context, topic *domain.Topic) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	return c.broker.createTopic(topic)
}

func (c *Client) DeleteTopic(ctx context.Context, name string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	return c.broker.DeleteTopic(name)
}

func (c *Client) GetOffsets(ctx context.Context, topic string, partition int32) (low, high int64, err error) {
	if err := c.check(ctx); err != nil {
		return 0, 0, err
	}
	b := c.broker
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, p, err := b.partition(topic, partition)
	if err != nil {
		return 0, 0, err
	}
	return p.logStart, p.next, nil
}

func (c *Client) DescribeGroups(ctx context.Context, groups []string) (map[string]*domain.GroupDescription, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	b := c.broker
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]*domain.GroupDescription, len(groups))
	for _, name := range groups {
		desc := &domain.GroupDescription{Group: name, State: "Dead"}
		if g, ok := b.groups[name]; ok {
			desc.State = "Empty"
			if len(g.members) > 0 {
				desc.State = "Stable"
				desc.Members = append([]string(nil), g.members...)
			}
		}
		out[name] = desc
	}
	return out, nil
}

func (c *Client) FetchOffsets(ctx context.Context, group string) (domain.GroupOffsets, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.broker.GroupOffsets(group), nil
}

func (c *Client) CommitOffsets(ctx context.Context, groupName string, offsets domain.GroupOffsets) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	g := b.groupLocked(groupName)
	if len(g.members) > 0 {
		return apperrors.Newf(apperrors.ErrCodePrecondition, "group %s has %d active members", groupName, len(g.members))
	}
	if b.OnCommit != nil {
		offsets = b.OnCommit(groupName, copyOffsets(offsets))
	}
	for k, v := range offsets {
		g.offsets[k] = v
	}
	return nil
}

func (c *Client) Close() error {
	c.closed = true
	return nil
}

func (t *topic) describe() *domain.Topic {
	return &domain.Topic{
		Name:              t.name,
		Partitions:        int32(len(t.partitions)),
		ReplicationFactor: t.replication,
		Config:            t.config,
	}
}
