package transport

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Algorithm identifies the compression scheme framed onto a wire payload.
type Algorithm byte

const (
	AlgorithmRaw    Algorithm = 0x00
	AlgorithmGzip   Algorithm = 0x01
	AlgorithmSnappy Algorithm = 0x02
	AlgorithmZstd   Algorithm = 0x03
)

// Envelope is the invoke-style wire frame: requestID correlates a request
// with its reply; Payload carries the channel-specific body undecoded.
type Envelope struct {
	Channel   string          `json:"channel"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// Codec compresses and decompresses wire payloads above a configurable size
// threshold, framing the chosen algorithm as a one-byte prefix so small
// control messages are never forced through a compressor.
type Codec struct {
	thresholdBytes int
	algorithm      Algorithm
	zstdEncoder    *zstd.Encoder
	zstdDecoder    *zstd.Decoder
}

// NewCodec constructs a Codec that compresses payloads at/above
// thresholdBytes using algorithm.
func NewCodec(thresholdBytes int, algorithm Algorithm) (*Codec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Codec{thresholdBytes: thresholdBytes, algorithm: algorithm, zstdEncoder: enc, zstdDecoder: dec}, nil
}

// Encode frames raw with a one-byte algorithm prefix, compressing it with
// the codec's configured algorithm when it is at/above the size threshold.
func (c *Codec) Encode(raw []byte) ([]byte, error) {
	if c == nil || c.thresholdBytes <= 0 || len(raw) < c.thresholdBytes {
		return append([]byte{byte(AlgorithmRaw)}, raw...), nil
	}

	var compressed []byte
	var err error
	switch c.algorithm {
	case AlgorithmGzip:
		compressed, err = gzipCompress(raw)
	case AlgorithmSnappy:
		compressed = snappy.Encode(nil, raw)
	case AlgorithmZstd:
		compressed = c.zstdEncoder.EncodeAll(raw, nil)
	default:
		return append([]byte{byte(AlgorithmRaw)}, raw...), nil
	}
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(c.algorithm)}, compressed...), nil
}

// Decode strips the one-byte algorithm prefix and decompresses accordingly.
func (c *Codec) Decode(framed []byte) ([]byte, error) {
	if len(framed) == 0 {
		return nil, fmt.Errorf("transport: empty frame")
	}
	alg := Algorithm(framed[0])
	body := framed[1:]
	switch alg {
	case AlgorithmRaw:
		return body, nil
	case AlgorithmGzip:
		return gzipDecompress(body)
	case AlgorithmSnappy:
		return snappy.Decode(nil, body)
	case AlgorithmZstd:
		return c.zstdDecoder.DecodeAll(body, nil)
	default:
		return nil, fmt.Errorf("transport: unknown compression algorithm %d", alg)
	}
}

func gzipCompress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
