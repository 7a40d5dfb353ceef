// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PixelFormat describes how pixel color data is encoded, both for the
// captured framebuffer and for each viewer's negotiated format.
type PixelFormat struct {
	// BPP (bits-per-pixel) specifies how many bits are used to represent each pixel.
	BPP uint8

	// Depth specifies the number of useful bits within each pixel value.
	Depth uint8

	// BigEndian determines the byte order for multi-byte pixel values.
	BigEndian bool

	// TrueColor determines whether pixels represent direct RGB values (true)
	// or indices into a color map (false).
	TrueColor bool

	RedMax   uint16
	GreenMax uint16
	BlueMax  uint16

	// Shifts position each component at the least significant bits.
	RedShift   uint8
	GreenShift uint8
	BlueShift  uint8
}

// pixelFormatSize is the length of the PIXEL_FORMAT wire structure.
const pixelFormatSize = 16

// BytesPerPixel returns the storage size of one pixel. 15 and 24 bit
// framebuffers occupy 2 and 3 bytes.
func (pf PixelFormat) BytesPerPixel() int {
	return (int(pf.BPP) + 7) / 8
}

// ByteOrder returns the byte order of multi-byte pixel values.
func (pf PixelFormat) ByteOrder() binary.ByteOrder {
	if pf.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// String summarizes the format for logs.
func (pf PixelFormat) String() string {
	endian := "le"
	if pf.BigEndian {
		endian = "be"
	}
	if !pf.TrueColor {
		return fmt.Sprintf("%dbpp/%d indexed %s", pf.BPP, pf.Depth, endian)
	}
	return fmt.Sprintf("%dbpp/%d rgb%d%d%d@%d,%d,%d %s", pf.BPP, pf.Depth,
		countBits(pf.RedMax), countBits(pf.GreenMax), countBits(pf.BlueMax),
		pf.RedShift, pf.GreenShift, pf.BlueShift, endian)
}

// readPixelFormat parses the 16-byte PIXEL_FORMAT structure (RFC 6143 7.4).
func readPixelFormat(r io.Reader, result *PixelFormat) error {
	var raw [pixelFormatSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return networkError("readPixelFormat", "failed to read pixel format data", err)
	}

	*result = PixelFormat{
		BPP:        raw[0],
		Depth:      raw[1],
		BigEndian:  raw[2] != 0,
		TrueColor:  raw[3] != 0,
		RedMax:     binary.BigEndian.Uint16(raw[4:6]),
		GreenMax:   binary.BigEndian.Uint16(raw[6:8]),
		BlueMax:    binary.BigEndian.Uint16(raw[8:10]),
		RedShift:   raw[10],
		GreenShift: raw[11],
		BlueShift:  raw[12],
	}
	if !result.TrueColor {
		result.RedMax, result.GreenMax, result.BlueMax = 0, 0, 0
		result.RedShift, result.GreenShift, result.BlueShift = 0, 0, 0
	}
	return nil
}

// writePixelFormat encodes format as the 16-byte PIXEL_FORMAT structure,
// including the three trailing padding bytes.
func writePixelFormat(format *PixelFormat) ([]byte, error) {
	if format == nil {
		return nil, encodingError("writePixelFormat", "pixel format cannot be nil", nil)
	}

	buf := make([]byte, pixelFormatSize)
	buf[0] = format.BPP
	buf[1] = format.Depth
	if format.BigEndian {
		buf[2] = 1
	}
	if format.TrueColor {
		buf[3] = 1
		binary.BigEndian.PutUint16(buf[4:6], format.RedMax)
		binary.BigEndian.PutUint16(buf[6:8], format.GreenMax)
		binary.BigEndian.PutUint16(buf[8:10], format.BlueMax)
		buf[10] = format.RedShift
		buf[11] = format.GreenShift
		buf[12] = format.BlueShift
	}
	return buf, nil
}

// PixelFormatValidationError represents a pixel format validation error with detailed context.
type PixelFormatValidationError struct {
	Field   string
	Value   interface{}
	Rule    string
	Message string
}

// Error returns the formatted error message for pixel format validation errors.
func (e *PixelFormatValidationError) Error() string {
	return fmt.Sprintf("pixel format validation failed for field %s: %s (value: %v)",
		e.Field, e.Message, e.Value)
}

// Validate checks a framebuffer pixel format. Captured framebuffers may use
// 8, 15, 16, 24 or 32 bits per pixel.
func (pf *PixelFormat) Validate() error {
	switch pf.BPP {
	case 8, 15, 16, 24, 32:
	default:
		return &PixelFormatValidationError{
			Field:   "BPP",
			Value:   pf.BPP,
			Rule:    "BPP must be 8, 15, 16, 24, or 32",
			Message: "unsupported bits per pixel",
		}
	}

	if pf.Depth == 0 {
		return &PixelFormatValidationError{
			Field:   "Depth",
			Value:   pf.Depth,
			Rule:    "Depth must be greater than 0",
			Message: "color depth cannot be zero",
		}
	}

	if pf.Depth > pf.BPP {
		return &PixelFormatValidationError{
			Field:   "Depth",
			Value:   pf.Depth,
			Rule:    "Depth cannot exceed BPP",
			Message: fmt.Sprintf("color depth (%d) cannot exceed bits per pixel (%d)", pf.Depth, pf.BPP),
		}
	}

	if !pf.TrueColor {
		return nil
	}

	if pf.RedMax == 0 && pf.GreenMax == 0 && pf.BlueMax == 0 {
		return &PixelFormatValidationError{
			Field:   "ColorMax",
			Value:   fmt.Sprintf("R:%d G:%d B:%d", pf.RedMax, pf.GreenMax, pf.BlueMax),
			Rule:    "At least one color component must have non-zero maximum in TrueColor mode",
			Message: "all color maximums cannot be zero in true color mode",
		}
	}

	shifts := []struct {
		name  string
		shift uint8
		max   uint16
	}{
		{"RedShift", pf.RedShift, pf.RedMax},
		{"GreenShift", pf.GreenShift, pf.GreenMax},
		{"BlueShift", pf.BlueShift, pf.BlueMax},
	}
	for _, s := range shifts {
		if int(s.shift)+int(countBits(s.max)) > int(pf.BPP) {
			return &PixelFormatValidationError{
				Field:   s.name,
				Value:   s.shift,
				Rule:    fmt.Sprintf("%s plus component width cannot exceed %d bits", s.name, pf.BPP),
				Message: fmt.Sprintf("component at shift %d overflows a %d-bit pixel", s.shift, pf.BPP),
			}
		}
	}

	redBits := countBits(pf.RedMax)
	greenBits := countBits(pf.GreenMax)
	blueBits := countBits(pf.BlueMax)
	if redBits+greenBits+blueBits > pf.Depth {
		return &PixelFormatValidationError{
			Field:   "ColorBits",
			Value:   fmt.Sprintf("R:%d G:%d B:%d (total:%d)", redBits, greenBits, blueBits, redBits+greenBits+blueBits),
			Rule:    fmt.Sprintf("Total color bits cannot exceed depth (%d)", pf.Depth),
			Message: fmt.Sprintf("total color component bits (%d) exceed color depth (%d)", redBits+greenBits+blueBits, pf.Depth),
		}
	}

	return nil
}

// countBits counts the number of bits needed to represent the given maximum value.
func countBits(maxVal uint16) uint8 {
	bits := uint8(0)
	for maxVal > 0 {
		maxVal >>= 1
		bits++
	}
	return bits
}

// Common pixel format presets.
var (
	// PixelFormat32BitRGBA is 32-bit true color, 8 bits per component.
	PixelFormat32BitRGBA = &PixelFormat{
		BPP:        32,
		Depth:      24,
		TrueColor:  true,
		RedMax:     255,
		GreenMax:   255,
		BlueMax:    255,
		RedShift:   16,
		GreenShift: 8,
		BlueShift:  0,
	}

	// PixelFormat24BitRGB is packed 3-byte true color, as produced by some
	// capture drivers.
	PixelFormat24BitRGB = &PixelFormat{
		BPP:        24,
		Depth:      24,
		TrueColor:  true,
		RedMax:     255,
		GreenMax:   255,
		BlueMax:    255,
		RedShift:   16,
		GreenShift: 8,
		BlueShift:  0,
	}

	// PixelFormat16BitRGB565 is 16-bit true color.
	PixelFormat16BitRGB565 = &PixelFormat{
		BPP:        16,
		Depth:      16,
		TrueColor:  true,
		RedMax:     31,
		GreenMax:   63,
		BlueMax:    31,
		RedShift:   11,
		GreenShift: 5,
		BlueShift:  0,
	}

	// PixelFormat16BitRGB555 is 15-bit true color in 16-bit storage.
	PixelFormat16BitRGB555 = &PixelFormat{
		BPP:        16,
		Depth:      15,
		TrueColor:  true,
		RedMax:     31,
		GreenMax:   31,
		BlueMax:    31,
		RedShift:   10,
		GreenShift: 5,
		BlueShift:  0,
	}

	// PixelFormat8BitBGR233 is the 8-bit true color format most viewers use
	// for low bandwidth.
	PixelFormat8BitBGR233 = &PixelFormat{
		BPP:        8,
		Depth:      8,
		TrueColor:  true,
		RedMax:     7,
		GreenMax:   7,
		BlueMax:    3,
		RedShift:   0,
		GreenShift: 3,
		BlueShift:  6,
	}

	// PixelFormat8BitIndexed is 8-bit color-mapped.
	PixelFormat8BitIndexed = &PixelFormat{
		BPP:   8,
		Depth: 8,
	}
)

// PixelFormatConverter extracts and composes pixel values for one format.
type PixelFormatConverter struct {
	format PixelFormat
	order  binary.ByteOrder
	bpp    int
}

// NewPixelFormatConverter creates a new pixel format converter for the given format.
func NewPixelFormatConverter(format *PixelFormat) (*PixelFormatConverter, error) {
	if err := format.Validate(); err != nil {
		return nil, validationError("NewPixelFormatConverter", "invalid pixel format", err)
	}

	return &PixelFormatConverter{
		format: *format,
		order:  format.ByteOrder(),
		bpp:    format.BytesPerPixel(),
	}, nil
}

// ExtractRGB extracts 8-bit RGB components from a pixel value.
func (c *PixelFormatConverter) ExtractRGB(pixel uint32) (r, g, b uint8) {
	if !c.format.TrueColor {
		return 0, 0, 0
	}

	redValue := (pixel >> c.format.RedShift) & uint32(c.format.RedMax)
	greenValue := (pixel >> c.format.GreenShift) & uint32(c.format.GreenMax)
	blueValue := (pixel >> c.format.BlueShift) & uint32(c.format.BlueMax)

	if c.format.RedMax > 0 {
		r = uint8((redValue * 255) / uint32(c.format.RedMax)) // #nosec G115 - Result is always <= 255
	}
	if c.format.GreenMax > 0 {
		g = uint8((greenValue * 255) / uint32(c.format.GreenMax)) // #nosec G115 - Result is always <= 255
	}
	if c.format.BlueMax > 0 {
		b = uint8((blueValue * 255) / uint32(c.format.BlueMax)) // #nosec G115 - Result is always <= 255
	}

	return r, g, b
}

// CreatePixel composes a pixel value from 8-bit RGB components.
func (c *PixelFormatConverter) CreatePixel(r, g, b uint8) uint32 {
	if !c.format.TrueColor {
		return 0
	}

	redValue := (uint32(r)*uint32(c.format.RedMax) + 127) / 255
	greenValue := (uint32(g)*uint32(c.format.GreenMax) + 127) / 255
	blueValue := (uint32(b)*uint32(c.format.BlueMax) + 127) / 255

	return (redValue << c.format.RedShift) |
		(greenValue << c.format.GreenShift) |
		(blueValue << c.format.BlueShift)
}

// BytesPerPixel returns the storage size of one pixel.
func (c *PixelFormatConverter) BytesPerPixel() int {
	return c.bpp
}

// GetPixel reads one pixel value from the start of b.
func (c *PixelFormatConverter) GetPixel(b []byte) uint32 {
	switch c.bpp {
	case 1:
		return uint32(b[0])
	case 2:
		return uint32(c.order.Uint16(b))
	case 3:
		if c.format.BigEndian {
			return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
		}
		return uint32(b[2])<<16 | uint32(b[1])<<8 | uint32(b[0])
	default:
		return c.order.Uint32(b)
	}
}

// PutPixel stores one pixel value at the start of b.
func (c *PixelFormatConverter) PutPixel(b []byte, pixel uint32) {
	switch c.bpp {
	case 1:
		b[0] = uint8(pixel) // #nosec G115 - truncation to the pixel width is intended
	case 2:
		c.order.PutUint16(b, uint16(pixel)) // #nosec G115 - truncation to the pixel width is intended
	case 3:
		if c.format.BigEndian {
			b[0], b[1], b[2] = byte(pixel>>16), byte(pixel>>8), byte(pixel)
		} else {
			b[0], b[1], b[2] = byte(pixel), byte(pixel>>8), byte(pixel>>16)
		}
	default:
		c.order.PutUint32(b, pixel)
	}
}
