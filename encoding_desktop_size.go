// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

// appendDesktopSize appends the DesktopSize pseudo-rectangle (-223) that
// announces new framebuffer dimensions. It has no payload. After it the
// viewer holds no valid pixels, so the whole screen must follow.
func appendDesktopSize(buf []byte, width, height int) []byte {
	return appendRectHeader(buf, Rectangle{
		Width:  uint16(width),  // #nosec G115 - framebuffer dimensions are validated on resize
		Height: uint16(height), // #nosec G115 - framebuffer dimensions are validated on resize
	}, EncodingDesktopSize)
}
