// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Limits applied to viewer input.
const (
	MaxEncodingsPerRequest = 1024
	MaxRepeaterIDLength    = 250
	maxReasonLength        = 64 * 1024
)

// InputValidator checks values received from viewers and operators.
type InputValidator struct{}

func newInputValidator() *InputValidator {
	return &InputValidator{}
}

// ValidateProtocolVersion checks a 12-byte "RFB xxx.yyy\n" string.
func (iv *InputValidator) ValidateProtocolVersion(version string) error {
	if len(version) != pvLen {
		return validationError("InputValidator.ValidateProtocolVersion",
			fmt.Sprintf("protocol version must be exactly %d characters, got %d", pvLen, len(version)), nil)
	}

	if version[:4] != "RFB " {
		return validationError("InputValidator.ValidateProtocolVersion",
			"protocol version must start with 'RFB '", nil)
	}

	if version[11] != '\n' {
		return validationError("InputValidator.ValidateProtocolVersion",
			"protocol version must end with newline", nil)
	}

	versionPart := version[4:11]
	if versionPart[3] != '.' {
		return validationError("InputValidator.ValidateProtocolVersion",
			"protocol version format must be XXX.YYY", nil)
	}

	for i, char := range versionPart {
		if i == 3 {
			continue
		}
		if !unicode.IsDigit(char) {
			return validationError("InputValidator.ValidateProtocolVersion",
				"protocol version must contain only digits and dot", nil)
		}
	}

	return nil
}

// ValidateSecurityChoice checks that the viewer picked one of the offered
// security types.
func (iv *InputValidator) ValidateSecurityChoice(chosen uint8, offered []uint8) error {
	if chosen == 0 {
		return validationError("InputValidator.ValidateSecurityChoice",
			"security type 0 is not a valid choice", nil)
	}
	if !slices.Contains(offered, chosen) {
		return validationError("InputValidator.ValidateSecurityChoice",
			fmt.Sprintf("security type %d was not offered", chosen), nil)
	}
	return nil
}

// ValidateClientPixelFormat checks a SetPixelFormat request. Viewers must use
// true color with 8, 16 or 32 bits per pixel, or an 8-bit colour map.
func (iv *InputValidator) ValidateClientPixelFormat(pf *PixelFormat) error {
	if pf == nil {
		return validationError("InputValidator.ValidateClientPixelFormat",
			"pixel format cannot be nil", nil)
	}

	switch pf.BPP {
	case 8, 16, 32:
	default:
		return validationError("InputValidator.ValidateClientPixelFormat",
			fmt.Sprintf("invalid bits per pixel: %d (must be 8, 16, or 32)", pf.BPP), nil)
	}

	if !pf.TrueColor {
		if pf.BPP != 8 {
			return unsupportedError("InputValidator.ValidateClientPixelFormat",
				"color-mapped pixel formats must use 8 bits per pixel", nil)
		}
		return nil
	}

	if err := pf.Validate(); err != nil {
		return validationError("InputValidator.ValidateClientPixelFormat",
			"inconsistent pixel format", err)
	}

	return nil
}

// ValidateEncodingCount bounds the length of a SetEncodings list.
func (iv *InputValidator) ValidateEncodingCount(n uint16) error {
	if n > MaxEncodingsPerRequest {
		return validationError("InputValidator.ValidateEncodingCount",
			fmt.Sprintf("too many encodings: %d (max %d)", n, MaxEncodingsPerRequest), nil)
	}
	return nil
}

// ClipUpdateRequest clips a FramebufferUpdateRequest rectangle to the
// framebuffer. Requests that overflow or miss the framebuffer yield an empty
// Rect.
func (iv *InputValidator) ClipUpdateRequest(r Rectangle, fbWidth, fbHeight int) Rect {
	if r.X > math.MaxUint16-r.Width || r.Y > math.MaxUint16-r.Height {
		return Rect{}
	}
	return r.Rect().Intersect(NewRect(0, 0, fbWidth, fbHeight))
}

// ValidateTextData checks clipboard text received from a viewer.
func (iv *InputValidator) ValidateTextData(text string, maxLength int) error {
	if len(text) > maxLength {
		return validationError("InputValidator.ValidateTextData",
			fmt.Sprintf("text length %d exceeds maximum %d", len(text), maxLength), nil)
	}

	if !utf8.ValidString(text) {
		return validationError("InputValidator.ValidateTextData",
			"text contains invalid UTF-8 sequences", nil)
	}

	for i, char := range text {
		if char < 32 && char != '\t' && char != '\n' && char != '\r' {
			return validationError("InputValidator.ValidateTextData",
				fmt.Sprintf("text contains invalid control character at position %d", i), nil)
		}
	}

	return nil
}

// ValidateMessageLength checks a length prefix before allocating for it.
func (iv *InputValidator) ValidateMessageLength(length uint32, maxLength uint32) error {
	if length > maxLength {
		return validationError("InputValidator.ValidateMessageLength",
			fmt.Sprintf("message length %d exceeds maximum %d", length, maxLength), nil)
	}
	return nil
}

// ValidateKeySymbol checks an X11 keysym.
func (iv *InputValidator) ValidateKeySymbol(keysym uint32) error {
	if keysym > 0x1FFFFFF {
		return validationError("InputValidator.ValidateKeySymbol",
			fmt.Sprintf("keysym value too large: 0x%X", keysym), nil)
	}
	return nil
}

// ClampPointerPosition keeps pointer coordinates inside the framebuffer.
func (iv *InputValidator) ClampPointerPosition(x, y uint16, fbWidth, fbHeight int) Point {
	p := Point{X: int(x), Y: int(y)}
	if fbWidth > 0 && p.X >= fbWidth {
		p.X = fbWidth - 1
	}
	if fbHeight > 0 && p.Y >= fbHeight {
		p.Y = fbHeight - 1
	}
	return p
}

// ValidateHostPattern checks one auth-hosts entry: an action character
// ('+', '-' or '?') followed by an address prefix, which may be empty to
// match every host.
func (iv *InputValidator) ValidateHostPattern(pattern string) error {
	if pattern == "" {
		return validationError("InputValidator.ValidateHostPattern", "empty host pattern", nil)
	}
	switch pattern[0] {
	case '+', '-', '?':
	default:
		return validationError("InputValidator.ValidateHostPattern",
			fmt.Sprintf("host pattern %q must start with '+', '-' or '?'", pattern), nil)
	}
	if strings.ContainsAny(pattern[1:], " \t\r\n") {
		return validationError("InputValidator.ValidateHostPattern",
			fmt.Sprintf("host pattern %q contains whitespace", pattern), nil)
	}
	return nil
}

// ValidateRepeaterID checks a repeater rendezvous id, usually "ID:1234".
func (iv *InputValidator) ValidateRepeaterID(id string) error {
	if id == "" {
		return validationError("InputValidator.ValidateRepeaterID", "repeater id cannot be empty", nil)
	}
	if len(id) > MaxRepeaterIDLength {
		return validationError("InputValidator.ValidateRepeaterID",
			fmt.Sprintf("repeater id too long: %d bytes (max %d)", len(id), MaxRepeaterIDLength), nil)
	}
	for _, r := range id {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return validationError("InputValidator.ValidateRepeaterID",
				"repeater id must be printable ASCII", nil)
		}
	}
	return nil
}

// SanitizeText replaces control and non-printable characters.
func (iv *InputValidator) SanitizeText(text string) string {
	if text == "" {
		return text
	}

	var sb strings.Builder
	sb.Grow(len(text))
	for _, r := range text {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			sb.WriteRune(r)
		case r < 32:
			sb.WriteRune(' ')
		case unicode.IsPrint(r):
			sb.WriteRune(r)
		default:
			sb.WriteRune('\uFFFD')
		}
	}
	return sb.String()
}
