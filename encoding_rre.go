// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"encoding/binary"
	"io"
)

// CoRRETileSize is the largest tile CoRRE sends; its subrectangle fields are
// a single byte wide.
const CoRRETileSize = 48

// rreSubrect is a solid run relative to the rectangle origin.
type rreSubrect struct {
	Pixel uint32
	X, Y  int
	W, H  int
}

// rreAnalyze picks the most common viewer pixel of r as background and
// returns the remaining pixels as runs. Runs on consecutive rows with the
// same span and color are merged vertically.
func rreAnalyze(t *PixelTranslator, src *FrameView, r Rect) (uint32, []rreSubrect) {
	sbpp := t.SrcBytesPerPixel()
	w := r.Width()
	pixels := make([]uint32, 0, r.Area())
	counts := make(map[uint32]int)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := src.Row(r.Min.X, y, w)
		for x := 0; x < w; x++ {
			p := t.Pixel(row[x*sbpp:])
			pixels = append(pixels, p)
			counts[p]++
		}
	}

	bg := pixels[0]
	for p, c := range counts {
		if c > counts[bg] || (c == counts[bg] && p < bg) {
			bg = p
		}
	}

	var subs []rreSubrect
	open := make(map[[3]int]int) // (x, w, pixel) of the run ending on the previous row -> index
	for y := 0; y < r.Height(); y++ {
		next := make(map[[3]int]int)
		for x := 0; x < w; {
			p := pixels[y*w+x]
			if p == bg {
				x++
				continue
			}
			start := x
			for x < w && pixels[y*w+x] == p {
				x++
			}
			key := [3]int{start, x - start, int(p)}
			if idx, ok := open[key]; ok && subs[idx].Y+subs[idx].H == y {
				subs[idx].H++
				next[key] = idx
				continue
			}
			subs = append(subs, rreSubrect{Pixel: p, X: start, Y: y, W: x - start, H: 1})
			next[key] = len(subs) - 1
		}
		open = next
	}
	return bg, subs
}

// RREEncoder implements Rise-and-Run-length Encoding (RFC 6143 Section 7.7.3).
// Rectangles whose RRE form would exceed the Raw form are sent as Raw.
type RREEncoder struct {
	BaseEncoder
}

// NewRREEncoder creates an RRE encoder.
func NewRREEncoder() *RREEncoder {
	return &RREEncoder{BaseEncoder: newBaseEncoder()}
}

// EncodeRect implements Encoder.
func (e *RREEncoder) EncodeRect(src *FrameView, out io.Writer, scratch []byte, r Rect, _ EncodeOptions) (int, error) {
	if e.Translator == nil {
		return 0, encodingError("RREEncoder.EncodeRect", "pixel formats not negotiated", nil)
	}
	if r.Empty() {
		return 0, nil
	}
	bpp := e.Translator.DstBytesPerPixel()
	bg, subs := rreAnalyze(e.Translator, src, r)

	size := rectHeaderSize + 4 + bpp + len(subs)*(bpp+8)
	if size > rectHeaderSize+r.Area()*bpp {
		return e.EncodeRaw(src, out, scratch, r)
	}

	buf := appendRectHeader(make([]byte, 0, size), r.Rectangle(), EncodingRRE)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(subs))) // #nosec G115 - bounded by rectangle area
	buf = e.appendPixel(buf, bg)
	for _, s := range subs {
		buf = e.appendPixel(buf, s.Pixel)
		buf = binary.BigEndian.AppendUint16(buf, uint16(s.X)) // #nosec G115 - relative to a uint16 rectangle
		buf = binary.BigEndian.AppendUint16(buf, uint16(s.Y)) // #nosec G115 - relative to a uint16 rectangle
		buf = binary.BigEndian.AppendUint16(buf, uint16(s.W)) // #nosec G115 - relative to a uint16 rectangle
		buf = binary.BigEndian.AppendUint16(buf, uint16(s.H)) // #nosec G115 - relative to a uint16 rectangle
	}
	return writeAll(out, buf)
}

func (b *BaseEncoder) appendPixel(buf []byte, pixel uint32) []byte {
	bpp := b.Translator.DstBytesPerPixel()
	var tmp [4]byte
	b.Translator.PutPixel(tmp[:], pixel)
	return append(buf, tmp[:bpp]...)
}

// CoRREEncoder is RRE with one-byte subrectangle fields. Rectangles are split
// into tiles of at most CoRRETileSize pixels on each side.
type CoRREEncoder struct {
	BaseEncoder
}

// NewCoRREEncoder creates a CoRRE encoder.
func NewCoRREEncoder() *CoRREEncoder {
	return &CoRREEncoder{BaseEncoder: newBaseEncoder()}
}

// NumCodedRects returns the number of tiles r is split into.
func (e *CoRREEncoder) NumCodedRects(r Rect) int {
	if r.Empty() {
		return 0
	}
	cols := (r.Width() + CoRRETileSize - 1) / CoRRETileSize
	rows := (r.Height() + CoRRETileSize - 1) / CoRRETileSize
	return cols * rows
}

// EncodeRect implements Encoder.
func (e *CoRREEncoder) EncodeRect(src *FrameView, out io.Writer, scratch []byte, r Rect, opts EncodeOptions) (int, error) {
	if e.Translator == nil {
		return 0, encodingError("CoRREEncoder.EncodeRect", "pixel formats not negotiated", nil)
	}
	total := 0
	for y := r.Min.Y; y < r.Max.Y; y += CoRRETileSize {
		for x := r.Min.X; x < r.Max.X; x += CoRRETileSize {
			tile := Rect{Min: Point{X: x, Y: y}, Max: Point{X: min(x+CoRRETileSize, r.Max.X), Y: min(y+CoRRETileSize, r.Max.Y)}}
			n, err := e.encodeTile(src, out, scratch, tile)
			total += n
			if err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

func (e *CoRREEncoder) encodeTile(src *FrameView, out io.Writer, scratch []byte, r Rect) (int, error) {
	bpp := e.Translator.DstBytesPerPixel()
	bg, subs := rreAnalyze(e.Translator, src, r)

	size := rectHeaderSize + 4 + bpp + len(subs)*(bpp+4)
	if size > rectHeaderSize+r.Area()*bpp {
		return e.EncodeRaw(src, out, scratch, r)
	}

	buf := appendRectHeader(make([]byte, 0, size), r.Rectangle(), EncodingCoRRE)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(subs))) // #nosec G115 - bounded by tile area
	buf = e.appendPixel(buf, bg)
	for _, s := range subs {
		buf = e.appendPixel(buf, s.Pixel)
		buf = append(buf, byte(s.X), byte(s.Y), byte(s.W), byte(s.H))
	}
	return writeAll(out, buf)
}
