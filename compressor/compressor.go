// Package compressor encodes and decodes request and response payloads
// carried by the hosts.
package compressor

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/cockroachdb/errors"
)

// ContentEncoding is the encoding applied to a payload.
type ContentEncoding int

const (
	ContentEncodingPlain ContentEncoding = iota
	ContentEncodingGzip
	ContentEncodingDeflate
	ContentEncodingBrotli
)

// DefaultMaxSize bounds the size of a decompressed payload.
const DefaultMaxSize = 4 << 20

var (
	// ErrUnknownContentEncoding is returned for an encoding the manager does not support.
	ErrUnknownContentEncoding = errors.New("[JSONPROC] unknown content encoding")

	// ErrPayloadTooLarge is returned when a payload decompresses beyond the size limit.
	ErrPayloadTooLarge = errors.New("[JSONPROC] payload too large")
)

var encodingNames = map[ContentEncoding]string{
	ContentEncodingPlain:   "plain",
	ContentEncodingGzip:    "gzip",
	ContentEncodingDeflate: "deflate",
	ContentEncodingBrotli:  "br",
}

func (e ContentEncoding) String() string {
	if name, ok := encodingNames[e]; ok {
		return name
	}
	return "unknown"
}

// ParseContentEncoding parses an encoding name as used in configuration and
// the Content-Encoding header. An empty name is plain.
func ParseContentEncoding(name string) (ContentEncoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "plain", "identity":
		return ContentEncodingPlain, nil
	case "gzip":
		return ContentEncodingGzip, nil
	case "deflate", "zlib":
		return ContentEncodingDeflate, nil
	case "br", "brotli":
		return ContentEncodingBrotli, nil
	default:
		return 0, errors.Wrapf(ErrUnknownContentEncoding, "parse %q", name)
	}
}

// Manager compresses and decompresses payloads, pooling writers and buffers.
// It is safe for concurrent use.
type Manager struct {
	maxSize int64

	byteReaderPool   sync.Pool
	bufferPool       sync.Pool
	gzipWriterPool   sync.Pool
	zlibWriterPool   sync.Pool
	brotliWriterPool sync.Pool
}

// NewManager returns a Manager that refuses to decompress payloads larger than
// maxSize bytes. A non-positive maxSize means DefaultMaxSize.
func NewManager(maxSize int64) *Manager {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Manager{
		maxSize: maxSize,
		byteReaderPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewReader(nil)
			},
		},
		gzipWriterPool: sync.Pool{
			New: func() interface{} {
				return gzip.NewWriter(nil)
			},
		},
		zlibWriterPool: sync.Pool{
			New: func() interface{} {
				return zlib.NewWriter(nil)
			},
		},
		brotliWriterPool: sync.Pool{
			New: func() interface{} {
				return brotli.NewWriter(nil)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
	}
}

// Compress encodes data with tp.
func (c *Manager) Compress(tp ContentEncoding, data []byte) ([]byte, error) {
	switch tp {
	case ContentEncodingPlain:
		return data, nil
	case ContentEncodingGzip:
		w := c.gzipWriterPool.Get().(*gzip.Writer)
		defer c.gzipWriterPool.Put(w)
		return c.compress(w, w.Reset, data)
	case ContentEncodingDeflate:
		w := c.zlibWriterPool.Get().(*zlib.Writer)
		defer c.zlibWriterPool.Put(w)
		return c.compress(w, w.Reset, data)
	case ContentEncodingBrotli:
		w := c.brotliWriterPool.Get().(*brotli.Writer)
		defer c.brotliWriterPool.Put(w)
		return c.compress(w, w.Reset, data)
	default:
		return nil, ErrUnknownContentEncoding
	}
}

func (c *Manager) compress(w io.WriteCloser, reset func(io.Writer), data []byte) ([]byte, error) {
	buf := c.bufferPool.Get().(*bytes.Buffer)
	defer c.bufferPool.Put(buf)

	buf.Reset()
	reset(buf)

	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	// buf goes back to the pool, the caller gets its own copy.
	return bytes.Clone(buf.Bytes()), nil
}

// Decompress decodes data encoded with tp.
func (c *Manager) Decompress(tp ContentEncoding, data []byte) ([]byte, error) {
	if tp == ContentEncodingPlain {
		if int64(len(data)) > c.maxSize {
			return nil, ErrPayloadTooLarge
		}
		return data, nil
	}

	byteReader := c.byteReaderPool.Get().(*bytes.Reader)
	defer c.byteReaderPool.Put(byteReader)
	byteReader.Reset(data)

	var reader io.Reader
	switch tp {
	case ContentEncodingGzip:
		r, err := gzip.NewReader(byteReader)
		if err != nil {
			return nil, errors.Wrap(err, "gzip")
		}
		defer r.Close()
		reader = r
	case ContentEncodingDeflate:
		r, err := zlib.NewReader(byteReader)
		if err != nil {
			return nil, errors.Wrap(err, "deflate")
		}
		defer r.Close()
		reader = r
	case ContentEncodingBrotli:
		reader = brotli.NewReader(byteReader)
	default:
		return nil, ErrUnknownContentEncoding
	}

	out, err := io.ReadAll(io.LimitReader(reader, c.maxSize+1))
	if err != nil {
		return nil, errors.Wrapf(err, "decompress %s", tp)
	}
	if int64(len(out)) > c.maxSize {
		return nil, ErrPayloadTooLarge
	}
	return out, nil
}
