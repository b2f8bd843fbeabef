// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress wraps the compression formats used inside an image:
// zstd for file tables, bundles and compressed blobs, and lz4 as a
// faster alternative for compressed blobs. Both are written as
// self-describing frames so they can be decoded as a stream.
package compress

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm names a compression format. The names are stored in the
// resource table and must not change.
type Algorithm string

const (
	None Algorithm = "none"
	Zstd Algorithm = "zstd"
	LZ4  Algorithm = "lz4"
)

// DefaultZstdLevel is used for metadata documents.
const DefaultZstdLevel = 3

// ParseAlgorithm validates a configured algorithm name.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch algorithm := Algorithm(name); algorithm {
	case None, Zstd, LZ4:
		return algorithm, nil
	default:
		return "", fmt.Errorf("unknown compression algorithm %q", name)
	}
}

// zstdEncoders caches one encoder per effective level. zstd.Encoder is
// safe for concurrent EncodeAll calls, and EncodeAll output depends
// only on input and options.
var zstdEncoders sync.Map // zstd.EncoderLevel -> *zstd.Encoder

var zstdDecoder *zstd.Decoder

func init() {
	var err error
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

func zstdEncoder(level int) (*zstd.Encoder, error) {
	encoderLevel := zstd.EncoderLevelFromZstd(level)
	if cached, ok := zstdEncoders.Load(encoderLevel); ok {
		return cached.(*zstd.Encoder), nil
	}
	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(encoderLevel),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder level %d: %w", level, err)
	}
	actual, _ := zstdEncoders.LoadOrStore(encoderLevel, encoder)
	return actual.(*zstd.Encoder), nil
}

// Compress encodes data. level is a zstd level (1-22) and is ignored
// for lz4. None returns data unchanged.
func Compress(data []byte, algorithm Algorithm, level int) ([]byte, error) {
	switch algorithm {
	case None:
		return data, nil
	case Zstd:
		encoder, err := zstdEncoder(level)
		if err != nil {
			return nil, err
		}
		return encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	case LZ4:
		var buffer bytes.Buffer
		writer := lz4.NewWriter(&buffer)
		if _, err := writer.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		return buffer.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm %q", algorithm)
	}
}

// NewWriter returns a streaming encoder writing to w. Close flushes the
// final frame; it does not close w. For identical input the output
// matches across runs.
func NewWriter(w io.Writer, algorithm Algorithm, level int) (io.WriteCloser, error) {
	switch algorithm {
	case None:
		return nopWriteCloser{w}, nil
	case Zstd:
		encoder, err := zstd.NewWriter(w,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			return nil, fmt.Errorf("zstd encoder level %d: %w", level, err)
		}
		return encoder, nil
	case LZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm %q", algorithm)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// Decompress decodes a complete frame.
func Decompress(data []byte, algorithm Algorithm) ([]byte, error) {
	switch algorithm {
	case None:
		return data, nil
	case Zstd:
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	default:
		reader, err := NewReader(bytes.NewReader(data), algorithm)
		if err != nil {
			return nil, err
		}
		defer reader.Close()
		out, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("%s decompress: %w", algorithm, err)
		}
		return out, nil
	}
}

// NewReader returns a streaming decoder over r.
func NewReader(r io.Reader, algorithm Algorithm) (io.ReadCloser, error) {
	switch algorithm {
	case None:
		return io.NopCloser(r), nil
	case Zstd:
		decoder, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return decoder.IOReadCloser(), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm %q", algorithm)
	}
}
