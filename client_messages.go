// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Client-to-server message types.
const (
	MsgSetPixelFormat           uint8 = 0
	MsgSetEncodings             uint8 = 2
	MsgFramebufferUpdateRequest uint8 = 3
	MsgKeyEvent                 uint8 = 4
	MsgPointerEvent             uint8 = 5
	MsgClientCutText            uint8 = 6
	MsgClientKeepAlive          uint8 = 13
)

// ButtonMask is the pointer button state carried by a PointerEvent.
type ButtonMask uint8

// Button bits. Buttons 4 and 5 are the scroll wheel.
const (
	ButtonLeft ButtonMask = 1 << iota
	ButtonMiddle
	ButtonRight
	Button4
	Button5
	Button6
	Button7
	Button8
)

// ClientMessage is a message received from a viewer.
type ClientMessage interface {
	Type() uint8
}

// SetPixelFormatMessage selects the format pixels are sent in.
type SetPixelFormatMessage struct {
	Format PixelFormat
}

// Type returns MsgSetPixelFormat.
func (*SetPixelFormatMessage) Type() uint8 { return MsgSetPixelFormat }

// SetEncodingsMessage lists the viewer's encodings in preference order,
// pseudo-encodings included.
type SetEncodingsMessage struct {
	Encodings []Encoding
}

// Type returns MsgSetEncodings.
func (*SetEncodingsMessage) Type() uint8 { return MsgSetEncodings }

// FramebufferUpdateRequestMessage asks for the content of a rectangle.
type FramebufferUpdateRequestMessage struct {
	Incremental bool
	Rectangle
}

// Type returns MsgFramebufferUpdateRequest.
func (*FramebufferUpdateRequestMessage) Type() uint8 { return MsgFramebufferUpdateRequest }

// KeyEventMessage is a key press or release.
type KeyEventMessage struct {
	Down bool
	Key  uint32
}

// Type returns MsgKeyEvent.
func (*KeyEventMessage) Type() uint8 { return MsgKeyEvent }

// PointerEventMessage is a pointer move or button change.
type PointerEventMessage struct {
	Mask ButtonMask
	X, Y uint16
}

// Type returns MsgPointerEvent.
func (*PointerEventMessage) Type() uint8 { return MsgPointerEvent }

// ClientCutTextMessage carries the viewer's clipboard.
type ClientCutTextMessage struct {
	Text string
}

// Type returns MsgClientCutText.
func (*ClientCutTextMessage) Type() uint8 { return MsgClientCutText }

// ClientKeepAliveMessage answers a server keep-alive.
type ClientKeepAliveMessage struct{}

// Type returns MsgClientKeepAlive.
func (*ClientKeepAliveMessage) Type() uint8 { return MsgClientKeepAlive }

// readClientMessage reads one message. Unknown message types are a
// protocol error: their length cannot be known, so the stream is lost.
func readClientMessage(r io.Reader, v *InputValidator) (ClientMessage, error) {
	var typ [1]byte
	if _, err := io.ReadFull(r, typ[:]); err != nil {
		return nil, err
	}

	switch typ[0] {
	case MsgSetPixelFormat:
		var pad [3]byte
		if _, err := io.ReadFull(r, pad[:]); err != nil {
			return nil, err
		}
		m := &SetPixelFormatMessage{}
		if err := readPixelFormat(r, &m.Format); err != nil {
			return nil, err
		}
		return m, nil

	case MsgSetEncodings:
		var hdr [3]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint16(hdr[1:])
		if err := v.ValidateEncodingCount(n); err != nil {
			return nil, err
		}
		raw := make([]byte, 4*int(n))
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, err
		}
		m := &SetEncodingsMessage{Encodings: make([]Encoding, n)}
		for i := range m.Encodings {
			m.Encodings[i] = Encoding(int32(binary.BigEndian.Uint32(raw[4*i:]))) // #nosec G115 - encodings are signed on the wire
		}
		return m, nil

	case MsgFramebufferUpdateRequest:
		var b [9]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		return &FramebufferUpdateRequestMessage{
			Incremental: b[0] != 0,
			Rectangle: Rectangle{
				X:      binary.BigEndian.Uint16(b[1:3]),
				Y:      binary.BigEndian.Uint16(b[3:5]),
				Width:  binary.BigEndian.Uint16(b[5:7]),
				Height: binary.BigEndian.Uint16(b[7:9]),
			},
		}, nil

	case MsgKeyEvent:
		var b [7]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		return &KeyEventMessage{Down: b[0] != 0, Key: binary.BigEndian.Uint32(b[3:7])}, nil

	case MsgPointerEvent:
		var b [5]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		return &PointerEventMessage{
			Mask: ButtonMask(b[0]),
			X:    binary.BigEndian.Uint16(b[1:3]),
			Y:    binary.BigEndian.Uint16(b[3:5]),
		}, nil

	case MsgClientCutText:
		var b [7]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		length := binary.BigEndian.Uint32(b[3:7])
		if err := v.ValidateMessageLength(length, MaxClipboardLength); err != nil {
			return nil, err
		}
		text := make([]byte, length)
		if _, err := io.ReadFull(r, text); err != nil {
			return nil, err
		}
		return &ClientCutTextMessage{Text: fromLatin1(text)}, nil

	case MsgClientKeepAlive:
		return &ClientKeepAliveMessage{}, nil
	}

	return nil, protocolError("readClientMessage",
		fmt.Sprintf("unsupported message type %d", typ[0]), nil)
}
