// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

// appendRichCursor appends a Cursor pseudo-rectangle (-239). The rectangle's
// position carries the hotspot and its size the cursor size; the payload is
// width × height viewer pixels followed by the transparency mask, one bit per
// pixel, rows padded to whole bytes. A 0x0 cursor hides the pointer.
func appendRichCursor(buf []byte, t *PixelTranslator, c *CursorShape) []byte {
	rect := cursorRectangle(c)
	buf = appendRectHeader(buf, rect, EncodingRichCursor)
	if c.Width == 0 || c.Height == 0 {
		return buf
	}

	sbpp := t.SrcBytesPerPixel()
	dbpp := t.DstBytesPerPixel()
	var tmp [4]byte
	for i := 0; i < c.Width*c.Height; i++ {
		t.PutPixel(tmp[:], t.Pixel(c.Pixels[i*sbpp:]))
		buf = append(buf, tmp[:dbpp]...)
	}
	return append(buf, cursorMask(c)...)
}

// appendXCursor appends an XCursor pseudo-rectangle (-240): a two-color
// cursor with foreground and background as 8-bit RGB, a bitmap selecting
// foreground pixels, and the transparency mask.
func appendXCursor(buf []byte, t *PixelTranslator, c *CursorShape) []byte {
	rect := cursorRectangle(c)
	buf = appendRectHeader(buf, rect, EncodingXCursor)
	if c.Width == 0 || c.Height == 0 {
		return buf
	}

	// Black foreground on a white background; dark pixels select the
	// foreground.
	buf = append(buf, 0, 0, 0, 0xFF, 0xFF, 0xFF)

	sbpp := t.SrcBytesPerPixel()
	rowBytes := (c.Width + 7) / 8
	bitmap := make([]byte, rowBytes*c.Height)
	for y := 0; y < c.Height; y++ {
		for x := 0; x < c.Width; x++ {
			r, g, b := t.RGB(c.Pixels[(y*c.Width+x)*sbpp:])
			luma := (299*int(r) + 587*int(g) + 114*int(b)) / 1000
			if luma < 128 {
				bitmap[y*rowBytes+x/8] |= 0x80 >> (x % 8)
			}
		}
	}
	buf = append(buf, bitmap...)
	return append(buf, cursorMask(c)...)
}

func cursorRectangle(c *CursorShape) Rectangle {
	return Rectangle{
		X:      uint16(c.HotX),   // #nosec G115 - cursor geometry is small
		Y:      uint16(c.HotY),   // #nosec G115 - cursor geometry is small
		Width:  uint16(c.Width),  // #nosec G115 - cursor geometry is small
		Height: uint16(c.Height), // #nosec G115 - cursor geometry is small
	}
}

// cursorMask returns the mask, or a fully opaque one when the shape has none.
func cursorMask(c *CursorShape) []byte {
	size := calculateMaskDataSize(c.Width, c.Height)
	if len(c.Mask) >= size {
		return c.Mask[:size]
	}
	mask := make([]byte, size)
	for i := range mask {
		mask[i] = 0xFF
	}
	return mask
}

// appendPointerPos appends a PointerPos pseudo-rectangle (-232) carrying the
// pointer position in x and y.
func appendPointerPos(buf []byte, p Point) []byte {
	return appendRectHeader(buf, Rectangle{
		X: uint16(p.X), // #nosec G115 - clipped to framebuffer
		Y: uint16(p.Y), // #nosec G115 - clipped to framebuffer
	}, EncodingPointerPos)
}

// validateCursorShape checks that a cursor's buffers match its geometry.
func validateCursorShape(c *CursorShape, format PixelFormat) error {
	if c.Width < 0 || c.Height < 0 || c.Width > 0xFFFF || c.Height > 0xFFFF {
		return validationError("validateCursorShape", "cursor dimensions out of range", nil)
	}
	if c.HotX < 0 || c.HotY < 0 || (c.Width > 0 && (c.HotX >= c.Width || c.HotY >= c.Height)) {
		return validationError("validateCursorShape", "cursor hotspot outside cursor", nil)
	}
	if len(c.Pixels) < calculatePixelDataSize(c.Width, c.Height, format) {
		return validationError("validateCursorShape", "cursor pixel data too short", nil)
	}
	if c.Mask != nil && len(c.Mask) < calculateMaskDataSize(c.Width, c.Height) {
		return validationError("validateCursorShape", "cursor mask data too short", nil)
	}
	return nil
}
