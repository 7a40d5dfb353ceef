// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"encoding/binary"
)

// copyRectSize is the wire size of a CopyRect rectangle, header included.
const copyRectSize = rectHeaderSize + 4

// appendCopyRect appends a CopyRect rectangle (RFC 6143 Section 7.7.2) telling
// the viewer to fill dest with its own pixels found at dest translated by
// -delta.
func appendCopyRect(buf []byte, dest Rect, delta Point) []byte {
	src := dest.Min.Sub(delta)
	buf = appendRectHeader(buf, dest.Rectangle(), EncodingCopyRect)
	buf = binary.BigEndian.AppendUint16(buf, uint16(src.X)) // #nosec G115 - source lies inside the framebuffer
	return binary.BigEndian.AppendUint16(buf, uint16(src.Y)) // #nosec G115 - source lies inside the framebuffer
}

// copyRects returns the copies of u that can be sent as CopyRect, ordered so
// that no source is overwritten before it is read. Destinations whose source
// falls outside bounds are returned separately to be sent as changed pixels.
func copyRects(u UpdateInfo, bounds Rect) (copies []Rect, demoted Region) {
	if u.Copied.IsEmpty() {
		return nil, Region{}
	}
	valid := bounds.Intersect(bounds.Translate(u.CopyDelta))
	inside := u.Copied.IntersectRect(valid)
	demoted = u.Copied.Subtract(inside).IntersectRect(bounds)
	return CopyOrder(inside.Rects(), u.CopyDelta), demoted
}
