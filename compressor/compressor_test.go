package compressor

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_RoundTrip(t *testing.T) {
	manager := NewManager(0)
	data := []byte(`{"type": "text", "operation": "uppercase", "text": "hello world from qt!"}`)

	for _, tp := range []ContentEncoding{
		ContentEncodingPlain,
		ContentEncodingGzip,
		ContentEncodingDeflate,
		ContentEncodingBrotli,
	} {
		compressed, err := manager.Compress(tp, data)
		require.NoError(t, err, tp.String())

		decompressed, err := manager.Decompress(tp, compressed)
		require.NoError(t, err, tp.String())
		assert.Equal(t, data, decompressed, tp.String())
	}
}

func TestManager_CompressDoesNotAlias(t *testing.T) {
	manager := NewManager(0)

	first, err := manager.Compress(ContentEncodingGzip, []byte("first payload"))
	require.NoError(t, err)
	snapshot := bytes.Clone(first)

	_, err = manager.Compress(ContentEncodingGzip, []byte("second payload, a bit longer"))
	require.NoError(t, err)
	assert.Equal(t, snapshot, first)
}

func TestManager_UnknownEncoding(t *testing.T) {
	manager := NewManager(0)

	out, err := manager.Compress(ContentEncoding(9), []byte("data"))
	assert.ErrorIs(t, err, ErrUnknownContentEncoding)
	assert.Nil(t, out)

	out, err = manager.Decompress(ContentEncoding(9), []byte("data"))
	assert.ErrorIs(t, err, ErrUnknownContentEncoding)
	assert.Nil(t, out)
}

func TestManager_Corrupt(t *testing.T) {
	manager := NewManager(0)

	_, err := manager.Decompress(ContentEncodingGzip, []byte("not gzip"))
	assert.Error(t, err)

	_, err = manager.Decompress(ContentEncodingDeflate, []byte("not zlib"))
	assert.Error(t, err)
}

func TestManager_MaxSize(t *testing.T) {
	manager := NewManager(16)
	data := bytes.Repeat([]byte("a"), 64)

	compressed, err := manager.Compress(ContentEncodingGzip, data)
	require.NoError(t, err)

	_, err = manager.Decompress(ContentEncodingGzip, compressed)
	assert.True(t, errors.Is(err, ErrPayloadTooLarge))

	_, err = manager.Decompress(ContentEncodingPlain, data)
	assert.True(t, errors.Is(err, ErrPayloadTooLarge))

	out, err := manager.Decompress(ContentEncodingPlain, data[:16])
	assert.NoError(t, err)
	assert.Len(t, out, 16)
}

func TestParseContentEncoding(t *testing.T) {
	cases := map[string]ContentEncoding{
		"":        ContentEncodingPlain,
		"identity": ContentEncodingPlain,
		"GZIP":    ContentEncodingGzip,
		"deflate": ContentEncodingDeflate,
		"br":      ContentEncodingBrotli,
		"brotli":  ContentEncodingBrotli,
	}
	for name, want := range cases {
		got, err := ParseContentEncoding(name)
		assert.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := ParseContentEncoding("lz4")
	assert.ErrorIs(t, err, ErrUnknownContentEncoding)
	assert.Equal(t, "gzip", ContentEncodingGzip.String())
	assert.Equal(t, "unknown", ContentEncoding(9).String())
}
