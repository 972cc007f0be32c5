package domain

import (
	"strconv"
	"time"
)

// Headers added to every replayed record.
const (
	HeaderOriginalOffset    = "x-original-offset"
	HeaderOriginalTimestamp = "x-original-timestamp"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalTopic     = "x-original-topic"
)

// Record is a single log entry as captured from a source partition.
// Key is nil for records produced without a key.
type Record struct {
	Offset    int64    `json:"offset"`
	Timestamp int64    `json:"timestamp"`
	Key       []byte   `json:"key"`
	Value     []byte   `json:"value"`
	Headers   []Header `json:"headers,omitempty"`
}

// Header represents a message header
type Header struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// Time returns the record timestamp.
func (r *Record) Time() time.Time {
	return time.UnixMilli(r.Timestamp).UTC()
}

// Header returns the value of the first header with the given key.
func (r *Record) Header(key string) ([]byte, bool) {
	for _, h := range r.Headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return nil, false
}

// OriginalOffset parses the original-offset header added on replay.
func (r *Record) OriginalOffset() (int64, bool) {
	v, ok := r.Header(HeaderOriginalOffset)
	if !ok {
		return 0, false
	}
	off, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, false
	}
	return off, true
}

// WithOriginHeaders returns a copy of the record carrying its original
// coordinates as headers, after any headers it already had.
func (r *Record) WithOriginHeaders(topic string, partition int32) *Record {
	headers := make([]Header, 0, len(r.Headers)+4)
	headers = append(headers, r.Headers...)
	headers = append(headers,
		Header{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(r.Offset, 10))},
		Header{Key: HeaderOriginalTimestamp, Value: []byte(strconv.FormatInt(r.Timestamp, 10))},
		Header{Key: HeaderOriginalPartition, Value: []byte(strconv.FormatInt(int64(partition), 10))},
		Header{Key: HeaderOriginalTopic, Value: []byte(topic)},
	)
	return &Record{
		Offset:    r.Offset,
		Timestamp: r.Timestamp,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   headers,
	}
}
