package segment

import (
	"fmt"

	"github.com/segmentio/encoding/json"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
)

const formatVersion = 1

// payload is the uncompressed body of a segment blob.
type payload struct {
	Version   int              `json:"version"`
	Topic     string           `json:"topic"`
	Partition int32            `json:"partition"`
	Records   []*domain.Record `json:"records"`
}

func encode(topic string, partition int32, records []*domain.Record) ([]byte, error) {
	data, err := json.Marshal(payload{
		Version:   formatVersion,
		Topic:     topic,
		Partition: partition,
		Records:   records,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode segment: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*payload, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode segment: %w", err)
	}
	if p.Version != formatVersion {
		return nil, fmt.Errorf("unsupported segment format version %d", p.Version)
	}
	return &p, nil
}

// estimateSize approximates the encoded size of a record. Byte slices are
// base64 encoded in the payload.
func estimateSize(r *domain.Record) int64 {
	n := int64(64 + (len(r.Key)+len(r.Value))*4/3)
	for _, h := range r.Headers {
		n += int64(24 + len(h.Key) + len(h.Value)*4/3)
	}
	return n
}
