package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
	"github.com/quantica-technologies/kafka-backup/pkg/logger"
)

const skipFetchBytes = 1 << 20

type partitionConsumer struct {
	pc   sarama.PartitionConsumer
	next int64
}

// Reader wraps a Sarama consumer and keeps one partition consumer per
// partition, positioned where the last fetch left off.
type Reader struct {
	client       sarama.Client
	consumer     sarama.Consumer
	fetchTimeout time.Duration
	logger       logger.Logger

	mu         sync.Mutex
	partitions map[string]*partitionConsumer
}

func newReader(client sarama.Client, consumer sarama.Consumer, fetchTimeout time.Duration, log logger.Logger) *Reader {
	return &Reader{
		client:       client,
		consumer:     consumer,
		fetchTimeout: fetchTimeout,
		logger:       log,
		partitions:   make(map[string]*partitionConsumer),
	}
}

func (r *Reader) partitionConsumer(topic string, partition int32, offset int64) (*partitionConsumer, error) {
	key := domain.PartitionKey(topic, partition)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.partitions[key]; ok {
		if existing.next == offset {
			return existing, nil
		}
		// seek by reopening the partition consumer
		existing.pc.AsyncClose()
		delete(r.partitions, key)
	}

	pc, err := r.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, classify(err, fmt.Sprintf("failed to consume %s from offset %d", key, offset))
	}
	c := &partitionConsumer{pc: pc, next: offset}
	r.partitions[key] = c
	return c, nil
}

// drop forgets a partition consumer after an error so the next fetch
// starts from a clean position.
func (r *Reader) drop(topic string, partition int32) {
	key := domain.PartitionKey(topic, partition)
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.partitions[key]; ok {
		c.pc.AsyncClose()
		delete(r.partitions, key)
	}
}

func (r *Reader) Fetch(ctx context.Context, topic string, partition int32, offset int64, maxRecords int) ([]*domain.Record, error) {
	c, err := r.partitionConsumer(topic, partition, offset)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(r.fetchTimeout)
	defer timer.Stop()

	records := make([]*domain.Record, 0, maxRecords)
	for len(records) < maxRecords {
		// once something arrived, return what is already buffered
		if len(records) > 0 {
			select {
			case msg, ok := <-c.pc.Messages():
				if !ok {
					r.drop(topic, partition)
					return records, nil
				}
				if msg.Offset >= offset {
					records = append(records, convertMessage(msg))
					c.next = msg.Offset + 1
				}
				continue
			default:
				return records, nil
			}
		}

		select {
		case msg, ok := <-c.pc.Messages():
			if !ok {
				r.drop(topic, partition)
				return records, apperrors.Newf(apperrors.ErrCodeTransientIO, "partition consumer for %s closed", domain.PartitionKey(topic, partition))
			}
			if msg.Offset < offset {
				continue
			}
			records = append(records, convertMessage(msg))
			c.next = msg.Offset + 1
		case cerr := <-c.pc.Errors():
			r.drop(topic, partition)
			if cerr == nil {
				return records, apperrors.Newf(apperrors.ErrCodeTransientIO, "partition consumer for %s stopped", domain.PartitionKey(topic, partition))
			}
			return records, classify(cerr.Err, fmt.Sprintf("failed to fetch %s", domain.PartitionKey(topic, partition)))
		case <-timer.C:
			return records, nil
		case <-ctx.Done():
			return records, ctx.Err()
		}
	}
	return records, nil
}

// SkipEmpty reads the raw record batches at offset and steps over batches
// that a read-committed consumer never delivers, including batches
// compacted down to nothing.
func (r *Reader) SkipEmpty(ctx context.Context, topic string, partition int32, offset int64) (int64, error) {
	key := domain.PartitionKey(topic, partition)
	if err := ctx.Err(); err != nil {
		return offset, err
	}
	broker, err := r.client.Leader(topic, partition)
	if err != nil {
		return offset, classify(err, fmt.Sprintf("failed to find leader of %s", key))
	}

	req := &sarama.FetchRequest{
		Version:     4,
		MaxWaitTime: int32(r.fetchTimeout / time.Millisecond),
		MinBytes:    1,
		MaxBytes:    skipFetchBytes,
		Isolation:   sarama.ReadCommitted,
	}
	req.AddBlock(topic, partition, offset, skipFetchBytes, -1)
	resp, err := broker.Fetch(req)
	if err != nil {
		return offset, classify(err, fmt.Sprintf("failed to fetch %s", key))
	}
	block := resp.GetBlock(topic, partition)
	if block == nil {
		return offset, nil
	}
	if block.Err != sarama.ErrNoError {
		return offset, classify(block.Err, fmt.Sprintf("failed to fetch %s", key))
	}

	aborted := make(map[int64]int64, len(block.AbortedTransactions))
	for _, a := range block.AbortedTransactions {
		aborted[a.ProducerID] = a.FirstOffset
	}

	next := offset
	for _, rs := range block.RecordsSet {
		batch := rs.RecordBatch
		if batch == nil {
			// legacy message sets carry no markers
			return next, nil
		}
		last := batch.FirstOffset + int64(batch.LastOffsetDelta)
		if last < next {
			continue
		}
		if first, ok := aborted[batch.ProducerID]; batch.Control || (ok && batch.IsTransactional && batch.FirstOffset >= first) {
			next = last + 1
			continue
		}
		for _, rec := range batch.Records {
			if batch.FirstOffset+rec.OffsetDelta >= next {
				return next, nil
			}
		}
		next = last + 1
	}
	return next, nil
}

func (r *Reader) Close() error {
	r.mu.Lock()
	for key, c := range r.partitions {
		if err := c.pc.Close(); err != nil {
			r.logger.Warn("Failed to close partition consumer", "partition", key, "error", err)
		}
		delete(r.partitions, key)
	}
	r.mu.Unlock()

	if r.consumer != nil {
		if err := r.consumer.Close(); err != nil {
			r.logger.Warn("Failed to close consumer", "error", err)
		}
	}
	if r.client != nil && !r.client.Closed() {
		return r.client.Close()
	}
	return nil
}

func convertMessage(msg *sarama.ConsumerMessage) *domain.Record {
	var headers []domain.Header
	if len(msg.Headers) > 0 {
		headers = make([]domain.Header, len(msg.Headers))
		for i, h := range msg.Headers {
			headers[i] = domain.Header{
				Key:   string(h.Key),
				Value: h.Value,
			}
		}
	}

	return &domain.Record{
		Offset:    msg.Offset,
		Timestamp: msg.Timestamp.UnixMilli(),
		Key:       msg.Key,
		Value:     msg.Value,
		Headers:   headers,
	}
}
