// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

// RawEncoder sends uncompressed pixel data as defined in RFC 6143 Section 7.7.1.
// Every viewer must support it, so the manager falls back to Raw whenever no
// other codec can be established.
//
// Pixels are translated from the framebuffer format into the viewer's format
// and written left-to-right, top-to-bottom after the 12-byte rectangle
// header. The payload is always width × height × bytes-per-pixel.
//
// Example usage:
//
//	enc := NewRawEncoder()
//	enc.SetLocalFormat(*PixelFormat32BitRGBA, 1024, 768)
//	enc.SetRemoteFormat(*PixelFormat16BitRGB565)
//	fb.View(func(v *FrameView) {
//		n, err := enc.EncodeRect(v, conn, nil, NewRect(0, 0, 64, 64), EncodeOptions{})
//		...
//	})
type RawEncoder struct {
	BaseEncoder
}

// NewRawEncoder creates a Raw encoder with default settings.
func NewRawEncoder() *RawEncoder {
	return &RawEncoder{BaseEncoder: newBaseEncoder()}
}
