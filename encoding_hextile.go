// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"io"
)

// Hextile encoding constants as defined in RFC 6143.
const (
	HextileRaw                 = 1
	HextileBackgroundSpecified = 2
	HextileForegroundSpecified = 4
	HextileAnySubrects         = 8
	HextileSubrectsColoured    = 16

	HextileTileSize    = 16
	MaxSubrectsPerTile = 255
)

// HextileEncoder implements the Hextile encoding (RFC 6143 Section 7.7.4).
// Rectangles are split into 16x16 tiles. Each tile is sent as a solid
// background, a background plus subrectangles, or raw, whichever is
// smallest. Background and foreground colors carry over between the tiles of
// one rectangle and are invalidated by raw tiles.
type HextileEncoder struct {
	BaseEncoder
}

// NewHextileEncoder creates a Hextile encoder.
func NewHextileEncoder() *HextileEncoder {
	return &HextileEncoder{BaseEncoder: newBaseEncoder()}
}

type hextileState struct {
	bg, fg           uint32
	bgValid, fgValid bool
}

// EncodeRect implements Encoder.
func (e *HextileEncoder) EncodeRect(src *FrameView, out io.Writer, _ []byte, r Rect, _ EncodeOptions) (int, error) {
	if e.Translator == nil {
		return 0, encodingError("HextileEncoder.EncodeRect", "pixel formats not negotiated", nil)
	}
	if r.Empty() {
		return 0, nil
	}

	bpp := e.Translator.DstBytesPerPixel()
	buf := appendRectHeader(make([]byte, 0, rectHeaderSize+r.Area()*bpp/4), r.Rectangle(), EncodingHextile)
	var st hextileState
	for y := r.Min.Y; y < r.Max.Y; y += HextileTileSize {
		for x := r.Min.X; x < r.Max.X; x += HextileTileSize {
			tile := Rect{
				Min: Point{X: x, Y: y},
				Max: Point{X: min(x+HextileTileSize, r.Max.X), Y: min(y+HextileTileSize, r.Max.Y)},
			}
			buf = e.appendTile(buf, src, tile, &st)
		}
	}
	return writeAll(out, buf)
}

func (e *HextileEncoder) appendTile(buf []byte, src *FrameView, tile Rect, st *hextileState) []byte {
	bpp := e.Translator.DstBytesPerPixel()
	bg, subs := rreAnalyze(e.Translator, src, tile)

	if len(subs) == 0 {
		if st.bgValid && st.bg == bg {
			return append(buf, 0)
		}
		st.bg, st.bgValid = bg, true
		buf = append(buf, HextileBackgroundSpecified)
		return e.appendPixel(buf, bg)
	}

	mono := true
	for _, s := range subs[1:] {
		if s.Pixel != subs[0].Pixel {
			mono = false
			break
		}
	}

	mask := byte(HextileAnySubrects)
	size := 1 + 1
	if !st.bgValid || st.bg != bg {
		mask |= HextileBackgroundSpecified
		size += bpp
	}
	if mono {
		if !st.fgValid || st.fg != subs[0].Pixel {
			mask |= HextileForegroundSpecified
			size += bpp
		}
		size += len(subs) * 2
	} else {
		mask |= HextileSubrectsColoured
		size += len(subs) * (bpp + 2)
	}

	if len(subs) > MaxSubrectsPerTile || size >= 1+tile.Area()*bpp {
		st.bgValid, st.fgValid = false, false
		buf = append(buf, HextileRaw)
		raw := make([]byte, tile.Area()*bpp)
		e.Translator.TranslateRect(raw, src, tile)
		return append(buf, raw...)
	}

	buf = append(buf, mask)
	if mask&HextileBackgroundSpecified != 0 {
		buf = e.appendPixel(buf, bg)
		st.bg, st.bgValid = bg, true
	}
	if mask&HextileForegroundSpecified != 0 {
		buf = e.appendPixel(buf, subs[0].Pixel)
		st.fg, st.fgValid = subs[0].Pixel, true
	}
	if !mono {
		// Colored subrects leave the foreground undefined.
		st.fgValid = false
	}
	buf = append(buf, byte(len(subs)))
	for _, s := range subs {
		if !mono {
			buf = e.appendPixel(buf, s.Pixel)
		}
		buf = append(buf, byte(s.X<<4|s.Y), byte((s.W-1)<<4|(s.H-1)))
	}
	return buf
}
