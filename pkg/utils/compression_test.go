package utils

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte(`{"offset":1,"value":"aGVsbG8="}`), 200)

	for _, algorithm := range []string{CompressionNone, CompressionGzip, CompressionZstd, CompressionLz4} {
		t.Run(algorithm, func(t *testing.T) {
			compressed, err := Compress(algorithm, payload, 0)
			require.NoError(t, err)
			if algorithm != CompressionNone {
				assert.Less(t, len(compressed), len(payload))
			}

			out, err := Decompress(algorithm, compressed)
			require.NoError(t, err)
			assert.Equal(t, payload, out)
		})
	}
}

func TestCompressLevels(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), 1024)
	for _, level := range []int{1, 5, 12, 19} {
		compressed, err := Compress(CompressionZstd, payload, level)
		require.NoError(t, err)
		out, err := Decompress(CompressionZstd, compressed)
		require.NoError(t, err)
		assert.Equal(t, payload, out)
	}

	compressed, err := Compress(CompressionLz4, payload, 9)
	require.NoError(t, err)
	out, err := Decompress(CompressionLz4, compressed)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestUnsupportedCompression(t *testing.T) {
	_, err := Compress("snappy", []byte("x"), 0)
	assert.Error(t, err)
	assert.False(t, ValidCompression("snappy"))
	assert.True(t, ValidCompression(CompressionZstd))
}

func TestExtension(t *testing.T) {
	assert.Equal(t, "zst", Extension(CompressionZstd))
	assert.Equal(t, "lz4", Extension(CompressionLz4))
	assert.Equal(t, "gz", Extension(CompressionGzip))
	assert.Equal(t, "bin", Extension(CompressionNone))
}

func TestChecksum(t *testing.T) {
	sum := Checksum([]byte("abc"))
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", sum)
	assert.True(t, VerifyChecksum([]byte("abc"), sum))
	assert.False(t, VerifyChecksum([]byte("abd"), sum))
}
