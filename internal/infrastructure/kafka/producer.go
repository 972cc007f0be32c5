package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
)

// Producer wraps Sarama producer
type Producer struct {
	client   sarama.Client
	producer sarama.SyncProducer
}

// ProduceBatch sends the records to one partition and returns the offsets
// the broker assigned, in input order.
func (p *Producer) ProduceBatch(ctx context.Context, topic string, partition int32, records []*domain.Record) ([]int64, error) {
	if len(records) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msgs := make([]*sarama.ProducerMessage, len(records))
	for i, r := range records {
		msgs[i] = convertRecord(topic, partition, r)
	}

	if err := p.producer.SendMessages(msgs); err != nil {
		var perrs sarama.ProducerErrors
		if errors.As(err, &perrs) && len(perrs) > 0 {
			return nil, classify(perrs[0].Err, fmt.Sprintf("failed to produce %d of %d records to %s",
				len(perrs), len(msgs), domain.PartitionKey(topic, partition)))
		}
		return nil, classify(err, "failed to produce to "+domain.PartitionKey(topic, partition))
	}

	offsets := make([]int64, len(msgs))
	for i, m := range msgs {
		offsets[i] = m.Offset
	}
	return offsets, nil
}

func (p *Producer) Close() error {
	if p.producer != nil {
		if err := p.producer.Close(); err != nil {
			return err
		}
	}
	if p.client != nil && !p.client.Closed() {
		return p.client.Close()
	}
	return nil
}

func convertRecord(topic string, partition int32, r *domain.Record) *sarama.ProducerMessage {
	headers := make([]sarama.RecordHeader, len(r.Headers))
	for i, h := range r.Headers {
		headers[i] = sarama.RecordHeader{
			Key:   []byte(h.Key),
			Value: h.Value,
		}
	}

	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Partition: partition,
		Timestamp: time.UnixMilli(r.Timestamp),
		Headers:   headers,
	}
	// nil keys and tombstone values must stay nil, not become empty
	if r.Key != nil {
		msg.Key = sarama.ByteEncoder(r.Key)
	}
	if r.Value != nil {
		msg.Value = sarama.ByteEncoder(r.Value)
	}
	return msg
}
