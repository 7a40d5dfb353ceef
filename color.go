// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// ColorMapSize is the number of entries in an 8-bit colour map.
const ColorMapSize = 256

// Color is a colour map entry with 16-bit components.
type Color struct {
	R uint16
	G uint16
	B uint16
}

// ColorMapValidationError reports an out-of-range colour map access.
type ColorMapValidationError struct {
	Index   uint16
	Value   interface{}
	Rule    string
	Message string
}

// Error returns the formatted error message for color map validation errors.
func (e *ColorMapValidationError) Error() string {
	return fmt.Sprintf("color map validation failed at index %d: %s (value: %v)",
		e.Index, e.Message, e.Value)
}

// ColorMap is the palette sent to colour-mapped viewers. It is safe for
// concurrent use.
type ColorMap struct {
	colors [ColorMapSize]Color
	mu     sync.RWMutex
}

// NewBGR233ColorMap returns the palette in which every index is the
// PixelFormat8BitBGR233 pixel of the same value. Colour-mapped viewers are
// served true-colour BGR233 pixels through this palette.
func NewBGR233ColorMap() *ColorMap {
	cm := &ColorMap{}
	f := PixelFormat8BitBGR233
	for i := 0; i < ColorMapSize; i++ {
		p := uint16(i) // #nosec G115 - i < ColorMapSize
		cm.colors[i] = Color{
			R: scale16((p>>f.RedShift)&f.RedMax, f.RedMax),
			G: scale16((p>>f.GreenShift)&f.GreenMax, f.GreenMax),
			B: scale16((p>>f.BlueShift)&f.BlueMax, f.BlueMax),
		}
	}
	return cm
}

var bgr233Palette = NewBGR233ColorMap()

// scale16 stretches v in [0, maxVal] to [0, 65535].
func scale16(v, maxVal uint16) uint16 {
	if maxVal == 0 {
		return 0
	}
	return uint16(uint32(v) * 0xFFFF / uint32(maxVal)) // #nosec G115 - result <= 0xFFFF
}

// Get returns the entry at index.
func (cm *ColorMap) Get(index uint8) Color {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.colors[index]
}

// Set replaces the entry at index.
func (cm *ColorMap) Set(index uint8, color Color) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.colors[index] = color
}

// GetRange returns count entries starting at startIndex.
func (cm *ColorMap) GetRange(startIndex uint16, count uint16) ([]Color, error) {
	if int(startIndex)+int(count) > ColorMapSize {
		return nil, &ColorMapValidationError{
			Index:   startIndex,
			Value:   count,
			Rule:    "range_bounds",
			Message: fmt.Sprintf("range %d+%d exceeds color map size %d", startIndex, count, ColorMapSize),
		}
	}

	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]Color, count)
	copy(out, cm.colors[startIndex:int(startIndex)+int(count)])
	return out, nil
}

// Entries returns the message that installs the whole map on a viewer.
func (cm *ColorMap) Entries() *SetColorMapEntriesMessage {
	colors, _ := cm.GetRange(0, ColorMapSize)
	return &SetColorMapEntriesMessage{FirstColor: 0, Colors: colors}
}

// SetColorMapEntriesMessage installs palette entries on a colour-mapped
// viewer (message type 1).
type SetColorMapEntriesMessage struct {
	FirstColor uint16
	Colors     []Color
}

// Type returns the message type identifier for colour map messages.
func (*SetColorMapEntriesMessage) Type() uint8 {
	return MsgSetColorMapEntries
}

// Write sends the message.
func (m *SetColorMapEntriesMessage) Write(w io.Writer) error {
	if int(m.FirstColor)+len(m.Colors) > ColorMapSize {
		return &ColorMapValidationError{
			Index:   m.FirstColor,
			Value:   len(m.Colors),
			Rule:    "range_bounds",
			Message: "colour map entries exceed map size",
		}
	}

	buf := make([]byte, 0, 6+6*len(m.Colors))
	buf = append(buf, MsgSetColorMapEntries, 0)
	buf = binary.BigEndian.AppendUint16(buf, m.FirstColor)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.Colors))) // #nosec G115 - bounded above
	for _, c := range m.Colors {
		buf = binary.BigEndian.AppendUint16(buf, c.R)
		buf = binary.BigEndian.AppendUint16(buf, c.G)
		buf = binary.BigEndian.AppendUint16(buf, c.B)
	}
	if _, err := w.Write(buf); err != nil {
		return networkError("SetColorMapEntriesMessage.Write", "failed to send colour map", err)
	}
	return nil
}
