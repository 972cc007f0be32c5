package utils

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Supported compression algorithms
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
	CompressionLz4  = "lz4"
)

// ValidCompression reports whether the algorithm is supported.
func ValidCompression(algorithm string) bool {
	switch algorithm {
	case CompressionNone, CompressionGzip, CompressionZstd, CompressionLz4:
		return true
	}
	return false
}

// Extension returns the file extension used for segments of the algorithm.
func Extension(algorithm string) string {
	switch algorithm {
	case CompressionGzip:
		return "gz"
	case CompressionZstd:
		return "zst"
	case CompressionLz4:
		return "lz4"
	default:
		return "bin"
	}
}

// Compress compresses data with the given algorithm. Level zero selects the
// algorithm default.
func Compress(algorithm string, data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := NewCompressionWriter(&buf, algorithm, level)
	if err != nil {
		return nil, err
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write compressed data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close %s writer: %w", algorithm, err)
	}

	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(algorithm string, data []byte) ([]byte, error) {
	reader, err := NewDecompressionReader(bytes.NewReader(data), algorithm)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	result, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read decompressed data: %w", err)
	}

	return result, nil
}

// NewCompressionWriter creates a compression writer based on the algorithm.
func NewCompressionWriter(w io.Writer, algorithm string, level int) (io.WriteCloser, error) {
	switch algorithm {
	case CompressionGzip:
		if level == 0 || level < gzip.HuffmanOnly || level > gzip.BestCompression {
			level = gzip.DefaultCompression
		}
		return gzip.NewWriterLevel(w, level)

	case CompressionZstd:
		encoderLevel := zstd.SpeedDefault
		switch {
		case level == 0:
		case level <= 3:
			encoderLevel = zstd.SpeedFastest
		case level <= 7:
			encoderLevel = zstd.SpeedDefault
		case level <= 15:
			encoderLevel = zstd.SpeedBetterCompression
		default:
			encoderLevel = zstd.SpeedBestCompression
		}
		return zstd.NewWriter(w, zstd.WithEncoderLevel(encoderLevel))

	case CompressionLz4:
		lw := lz4.NewWriter(w)
		if level > 0 {
			if err := lw.Apply(lz4.CompressionLevelOption(lz4Level(level))); err != nil {
				return nil, fmt.Errorf("failed to configure lz4 writer: %w", err)
			}
		}
		return lw, nil

	case CompressionNone, "":
		return &nopWriteCloser{w}, nil

	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
}

// NewDecompressionReader creates a decompression reader based on the algorithm.
func NewDecompressionReader(r io.Reader, algorithm string) (io.ReadCloser, error) {
	switch algorithm {
	case CompressionGzip:
		return gzip.NewReader(r)

	case CompressionZstd:
		decoder, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return decoder.IOReadCloser(), nil

	case CompressionLz4:
		return io.NopCloser(lz4.NewReader(r)), nil

	case CompressionNone, "":
		return io.NopCloser(r), nil

	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
}

func lz4Level(level int) lz4.CompressionLevel {
	switch {
	case level <= 1:
		return lz4.Fast
	case level >= 9:
		return lz4.Level9
	default:
		return lz4.CompressionLevel(1 << (8 + level))
	}
}

// nopWriteCloser wraps a Writer to add a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}
