// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"fmt"
	"strings"
)

// Encoding is an RFB encoding or pseudo-encoding number as carried in
// SetEncodings and rectangle headers.
type Encoding int32

// Real encodings.
const (
	EncodingRaw       Encoding = 0
	EncodingCopyRect  Encoding = 1
	EncodingRRE       Encoding = 2
	EncodingCoRRE     Encoding = 4
	EncodingHextile   Encoding = 5
	EncodingZlib      Encoding = 6
	EncodingTight     Encoding = 7
	EncodingZlibHex   Encoding = 8
	EncodingUltra     Encoding = 9
	EncodingUltra2    Encoding = 10
	EncodingZRLE      Encoding = 16
	EncodingZYWRLE    Encoding = 17
	EncodingXZ        Encoding = 18
	EncodingXZYW      Encoding = 19
	EncodingZstd      Encoding = 25
	EncodingTightZstd Encoding = 26
	EncodingZstdHex   Encoding = 27
	EncodingZSTDRLE   Encoding = 28
	EncodingZSTDYWRLE Encoding = 29
)

// Pseudo-encodings.
const (
	EncodingCompressLevel0    Encoding = -256
	EncodingCompressLevel9    Encoding = -247
	EncodingXCursor           Encoding = -240
	EncodingRichCursor        Encoding = -239
	EncodingPointerPos        Encoding = -232
	EncodingLastRect          Encoding = -224
	EncodingDesktopSize       Encoding = -223
	EncodingQualityLevel0     Encoding = -32
	EncodingQualityLevel9     Encoding = -23
	EncodingFineQualityLevel0 Encoding = -512
	EncodingFineQuality100    Encoding = -412
	EncodingSubsamp1X         Encoding = -768
	EncodingSubsamp4X         Encoding = -767
	EncodingSubsamp2X         Encoding = -766
	EncodingSubsampGray       Encoding = -765
	EncodingSubsamp8X         Encoding = -764
	EncodingSubsamp16X        Encoding = -763
	EncodingCacheEnable       Encoding = -65535 // 0xFFFF0001
	EncodingQueueEnable       Encoding = -65525 // 0xFFFF000B
	EncodingEnableKeepAlive   Encoding = -32767 // 0xFFFF8001
)

var encodingNames = map[Encoding]string{
	EncodingRaw:         "raw",
	EncodingCopyRect:    "copyrect",
	EncodingRRE:         "rre",
	EncodingCoRRE:       "corre",
	EncodingHextile:     "hextile",
	EncodingZlib:        "zlib",
	EncodingTight:       "tight",
	EncodingZlibHex:     "zlibhex",
	EncodingUltra:       "ultra",
	EncodingUltra2:      "ultra2",
	EncodingZRLE:        "zrle",
	EncodingZYWRLE:      "zywrle",
	EncodingXZ:          "xz",
	EncodingXZYW:        "xzyw",
	EncodingZstd:        "zstd",
	EncodingTightZstd:   "tightzstd",
	EncodingZstdHex:     "zstdhex",
	EncodingZSTDRLE:     "zstdrle",
	EncodingZSTDYWRLE:   "zstdywrle",
	EncodingXCursor:     "xcursor",
	EncodingRichCursor:  "richcursor",
	EncodingPointerPos:  "pointerpos",
	EncodingLastRect:    "lastrect",
	EncodingDesktopSize: "desktopsize",
	EncodingCacheEnable: "cache",
	EncodingQueueEnable: "queue",

	EncodingEnableKeepAlive: "keepalive",
}

// ParseEncoding looks an encoding up by its lowercase name.
func ParseEncoding(name string) (Encoding, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for e, n := range encodingNames {
		if n == name {
			return e, true
		}
	}
	return 0, false
}

// String returns the lowercase encoding name.
func (e Encoding) String() string {
	if name, ok := encodingNames[e]; ok {
		return name
	}
	switch {
	case e >= EncodingCompressLevel0 && e <= EncodingCompressLevel9:
		return fmt.Sprintf("compress%d", e-EncodingCompressLevel0)
	case e >= EncodingQualityLevel0 && e <= EncodingQualityLevel9:
		return fmt.Sprintf("quality%d", e-EncodingQualityLevel0)
	case e >= EncodingFineQualityLevel0 && e <= EncodingFineQuality100:
		return fmt.Sprintf("finequality%d", e-EncodingFineQualityLevel0)
	case e >= EncodingSubsamp1X && e <= EncodingSubsamp16X:
		return fmt.Sprintf("subsamp%d", e-EncodingSubsamp1X)
	}
	return fmt.Sprintf("encoding(%d)", int32(e))
}

// IsPseudo reports whether e carries metadata rather than pixels.
func (e Encoding) IsPseudo() bool {
	return e < 0
}

// Family returns the codec family that produces e.
func (e Encoding) Family() (CodecFamily, bool) {
	switch e {
	case EncodingRaw:
		return FamilyRaw, true
	case EncodingRRE:
		return FamilyRRE, true
	case EncodingCoRRE:
		return FamilyCoRRE, true
	case EncodingHextile:
		return FamilyHextile, true
	case EncodingZlib, EncodingZstd:
		return FamilyZlib, true
	case EncodingTight, EncodingTightZstd:
		return FamilyTight, true
	case EncodingZlibHex, EncodingZstdHex:
		return FamilyZlibHex, true
	case EncodingUltra:
		return FamilyUltra, true
	case EncodingUltra2:
		return FamilyUltra2, true
	case EncodingZRLE, EncodingZYWRLE, EncodingZSTDRLE, EncodingZSTDYWRLE:
		return FamilyZRLE, true
	case EncodingXZ, EncodingXZYW:
		return FamilyXZ, true
	}
	return 0, false
}

// Variant returns the compressor and wavelet flags that select e within its
// family.
func (e Encoding) Variant() Variant {
	switch e {
	case EncodingZstd, EncodingTightZstd, EncodingZstdHex, EncodingZSTDRLE:
		return Variant{Zstd: true}
	case EncodingZSTDYWRLE:
		return Variant{Zstd: true, Wavelet: true}
	case EncodingZYWRLE, EncodingXZYW:
		return Variant{Wavelet: true}
	}
	return Variant{}
}

// Variant selects between the encodings that share one family instance.
type Variant struct {
	// Zstd selects the Zstandard compressor instead of zlib.
	Zstd bool

	// Wavelet selects the lossy wavelet pre-filter (ZYWRLE, XZYW).
	Wavelet bool

	// WaveletLevel is the effective wavelet level, 0 when Wavelet is off.
	WaveletLevel int
}

// CodecFamily identifies one mutually exclusive wire encoding scheme.
type CodecFamily int

// Codec families.
const (
	FamilyRaw CodecFamily = iota
	FamilyRRE
	FamilyCoRRE
	FamilyHextile
	FamilyZlib
	FamilyTight
	FamilyZlibHex
	FamilyUltra
	FamilyUltra2
	FamilyZRLE
	FamilyXZ
)

// String returns the family name.
func (f CodecFamily) String() string {
	switch f {
	case FamilyRaw:
		return "raw"
	case FamilyRRE:
		return "rre"
	case FamilyCoRRE:
		return "corre"
	case FamilyHextile:
		return "hextile"
	case FamilyZlib:
		return "zlib"
	case FamilyTight:
		return "tight"
	case FamilyZlibHex:
		return "zlibhex"
	case FamilyUltra:
		return "ultra"
	case FamilyUltra2:
		return "ultra2"
	case FamilyZRLE:
		return "zrle"
	case FamilyXZ:
		return "xz"
	default:
		return "unknown"
	}
}

// StreamStateful reports whether instances of the family hold compressor
// history that must survive while another family is active.
func (f CodecFamily) StreamStateful() bool {
	switch f {
	case FamilyRaw, FamilyRRE, FamilyCoRRE, FamilyHextile:
		return false
	default:
		return true
	}
}

// NativeRectangle reports whether the family takes wire rectangles
// (x, y, width, height) instead of Rect corners.
func (f CodecFamily) NativeRectangle() bool {
	switch f {
	case FamilyTight, FamilyZlibHex, FamilyUltra, FamilyUltra2:
		return true
	default:
		return false
	}
}

// Bulk reports whether the family frames several rectangles together.
func (f CodecFamily) Bulk() bool {
	return f == FamilyXZ
}

// Slow reports whether the family trades CPU for bandwidth.
func (f CodecFamily) Slow() bool {
	switch f {
	case FamilyTight, FamilyZRLE, FamilyUltra2, FamilyXZ:
		return true
	default:
		return false
	}
}

// Requires32BPP reports whether the family only works with 32-bit pixels on
// both sides of the connection.
func (f CodecFamily) Requires32BPP() bool {
	return f == FamilyUltra2
}
