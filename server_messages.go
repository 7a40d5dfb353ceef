// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Server-to-client message types.
const (
	MsgFramebufferUpdate  uint8 = 0
	MsgSetColorMapEntries uint8 = 1
	MsgBell               uint8 = 2
	MsgServerCutText      uint8 = 3
	MsgServerKeepAlive    uint8 = 13
)

// VNC protocol limits.
const (
	MaxClipboardLength       = 1024 * 1024
	MaxServerClipboardLength = 10 * 1024 * 1024
	MaxRectanglesPerUpdate   = 10000
	Latin1MaxCodePoint       = 255

	// lastRectCount is the rectangle count that tells the viewer to read until
	// a LastRect marker.
	lastRectCount = 0xFFFF
)

// ServerMessage is a message the server sends to a viewer.
type ServerMessage interface {
	Type() uint8
	Write(w io.Writer) error
}

// Rectangle is the wire form of a screen rectangle: position and size as
// carried in rectangle headers and FramebufferUpdateRequest messages.
type Rectangle struct {
	X      uint16
	Y      uint16
	Width  uint16
	Height uint16
}

// Rect converts the wire rectangle to framebuffer coordinates.
func (r Rectangle) Rect() Rect {
	return NewRect(int(r.X), int(r.Y), int(r.Width), int(r.Height))
}

// rectHeaderSize is x, y, width, height and the encoding number.
const rectHeaderSize = 12

// appendRectHeader appends a rectangle header.
func appendRectHeader(buf []byte, r Rectangle, enc Encoding) []byte {
	buf = binary.BigEndian.AppendUint16(buf, r.X)
	buf = binary.BigEndian.AppendUint16(buf, r.Y)
	buf = binary.BigEndian.AppendUint16(buf, r.Width)
	buf = binary.BigEndian.AppendUint16(buf, r.Height)
	return binary.BigEndian.AppendUint32(buf, uint32(enc)) // #nosec G115 - pseudo-encodings are negative by definition
}

// appendUpdateHeader appends the FramebufferUpdate message header.
func appendUpdateHeader(buf []byte, numRects uint16) []byte {
	buf = append(buf, MsgFramebufferUpdate, 0)
	return binary.BigEndian.AppendUint16(buf, numRects)
}

// FramebufferUpdateMessage is a complete update (message type 0) whose
// rectangles have already been encoded.
type FramebufferUpdateMessage struct {
	// NumRects is the rectangle count, or 0xFFFF when the payload ends with
	// a LastRect marker.
	NumRects uint16

	// Payload holds the encoded rectangles, headers included.
	Payload []byte
}

// Type returns the message type identifier for framebuffer update messages.
func (*FramebufferUpdateMessage) Type() uint8 {
	return MsgFramebufferUpdate
}

// Write sends the header and the encoded rectangles in one write.
func (m *FramebufferUpdateMessage) Write(w io.Writer) error {
	buf := appendUpdateHeader(make([]byte, 0, 4+len(m.Payload)), m.NumRects)
	buf = append(buf, m.Payload...)
	if _, err := w.Write(buf); err != nil {
		return networkError("FramebufferUpdateMessage.Write", "failed to send framebuffer update", err)
	}
	return nil
}

// BellMessage asks the viewer to ring its bell (message type 2).
type BellMessage struct{}

// Type returns the message type identifier for bell messages.
func (*BellMessage) Type() uint8 {
	return MsgBell
}

// Write sends the message.
func (*BellMessage) Write(w io.Writer) error {
	if _, err := w.Write([]byte{MsgBell}); err != nil {
		return networkError("BellMessage.Write", "failed to send bell", err)
	}
	return nil
}

// ServerCutTextMessage carries the server clipboard (message type 3). Text
// is sent as Latin-1; characters outside it are replaced with '?'.
type ServerCutTextMessage struct {
	Text string
}

// Type returns the message type identifier for server cut text messages.
func (*ServerCutTextMessage) Type() uint8 {
	return MsgServerCutText
}

// Write sends the message.
func (m *ServerCutTextMessage) Write(w io.Writer) error {
	text := toLatin1(m.Text)
	if len(text) > MaxServerClipboardLength {
		return validationError("ServerCutTextMessage.Write",
			fmt.Sprintf("clipboard text too long: %d bytes (max %d)", len(text), MaxServerClipboardLength), nil)
	}

	buf := make([]byte, 0, 8+len(text))
	buf = append(buf, MsgServerCutText, 0, 0, 0)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(text))) // #nosec G115 - length checked above
	buf = append(buf, text...)
	if _, err := w.Write(buf); err != nil {
		return networkError("ServerCutTextMessage.Write", "failed to send clipboard text", err)
	}
	return nil
}

// KeepAliveMessage is the single-byte keep-alive (message type 13) sent to
// viewers that announced the keep-alive pseudo-encoding.
type KeepAliveMessage struct{}

// Type returns the message type identifier for keep-alive messages.
func (*KeepAliveMessage) Type() uint8 {
	return MsgServerKeepAlive
}

// Write sends the message.
func (*KeepAliveMessage) Write(w io.Writer) error {
	if _, err := w.Write([]byte{MsgServerKeepAlive}); err != nil {
		return networkError("KeepAliveMessage.Write", "failed to send keep-alive", err)
	}
	return nil
}

// toLatin1 converts text to Latin-1 bytes.
func toLatin1(text string) []byte {
	out := make([]byte, 0, len(text))
	for _, r := range text {
		if r > Latin1MaxCodePoint {
			out = append(out, '?')
			continue
		}
		out = append(out, byte(r))
	}
	return out
}

// fromLatin1 converts Latin-1 bytes to a Go string.
func fromLatin1(b []byte) string {
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}
