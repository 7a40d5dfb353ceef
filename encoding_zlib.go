// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// flushWriter is a compressor that can end a block without ending the
// stream.
type flushWriter interface {
	io.WriteCloser
	Flush() error
}

// ZlibEncoder implements the Zlib encoding (6) and its Zstandard variant
// (25). Each rectangle is raw pixel data compressed with one stream that
// lives as long as the encoder, prefixed by the compressed length. The zlib
// and zstd streams are kept separately so that toggling the variant does not
// reset the viewer's decompressor.
type ZlibEncoder struct {
	BaseEncoder

	variant Variant
	out     bytes.Buffer
	zlibW   flushWriter
	zstdW   flushWriter
	raw     []byte
}

// NewZlibEncoder creates a zlib-family encoder.
func NewZlibEncoder() *ZlibEncoder {
	return &ZlibEncoder{BaseEncoder: newBaseEncoder()}
}

// SetVariant selects zlib or zstd.
func (e *ZlibEncoder) SetVariant(v Variant) {
	e.variant = v
}

// Encoding returns the wire encoding for the current variant.
func (e *ZlibEncoder) Encoding() Encoding {
	if e.variant.Zstd {
		return EncodingZstd
	}
	return EncodingZlib
}

func (e *ZlibEncoder) stream() (flushWriter, error) {
	if e.variant.Zstd {
		if e.zstdW == nil {
			w, err := zstd.NewWriter(&e.out,
				zstd.WithEncoderLevel(zstdLevel(e.CompressLevel)),
				zstd.WithEncoderConcurrency(1))
			if err != nil {
				return nil, resourceError("ZlibEncoder.stream", "failed to create zstd stream", err)
			}
			e.zstdW = w
		}
		return e.zstdW, nil
	}
	if e.zlibW == nil {
		w, err := zlib.NewWriterLevel(&e.out, e.CompressLevel)
		if err != nil {
			return nil, resourceError("ZlibEncoder.stream", "failed to create zlib stream", err)
		}
		e.zlibW = w
	}
	return e.zlibW, nil
}

// zstdLevel maps the 0..9 compress level onto the zstd speed presets.
func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 2:
		return zstd.SpeedFastest
	case level <= 5:
		return zstd.SpeedDefault
	case level <= 8:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// RequiredBufferSize adds room for the compressor's worst case expansion.
func (e *ZlibEncoder) RequiredBufferSize(width, height int) int {
	raw := e.BaseEncoder.RequiredBufferSize(width, height)
	return raw + raw/100 + 64
}

// EncodeRect implements Encoder.
func (e *ZlibEncoder) EncodeRect(src *FrameView, out io.Writer, _ []byte, r Rect, _ EncodeOptions) (int, error) {
	if e.Translator == nil {
		return 0, encodingError("ZlibEncoder.EncodeRect", "pixel formats not negotiated", nil)
	}
	if r.Empty() {
		return 0, nil
	}

	w, err := e.stream()
	if err != nil {
		return 0, err
	}

	size := r.Area() * e.Translator.DstBytesPerPixel()
	if cap(e.raw) < size {
		e.raw = make([]byte, size)
	}
	n := e.Translator.TranslateRect(e.raw[:size], src, r)

	e.out.Reset()
	if _, err := w.Write(e.raw[:n]); err != nil {
		return 0, encodingError("ZlibEncoder.EncodeRect", "compression failed", err)
	}
	if err := w.Flush(); err != nil {
		return 0, encodingError("ZlibEncoder.EncodeRect", "compression flush failed", err)
	}

	buf := appendRectHeader(make([]byte, 0, rectHeaderSize+4+e.out.Len()), r.Rectangle(), e.Encoding())
	buf = binary.BigEndian.AppendUint32(buf, uint32(e.out.Len())) // #nosec G115 - bounded by rectangle size
	buf = append(buf, e.out.Bytes()...)
	return writeAll(out, buf)
}

// Close ends both compressor streams.
func (e *ZlibEncoder) Close() error {
	var first error
	for _, w := range []flushWriter{e.zlibW, e.zstdW} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	e.zlibW, e.zstdW = nil, nil
	return first
}
