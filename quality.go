// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import "fmt"

// Subsampling is the JPEG chroma subsampling mode. Values follow the order
// of the subsampling pseudo-encodings.
type Subsampling int

// Chroma subsampling modes.
const (
	Subsample1X   Subsampling = iota // 4:4:4
	Subsample4X                      // 4:2:0
	Subsample2X                      // 4:2:2
	SubsampleGray                    // grayscale
	Subsample8X
	Subsample16X
)

// String returns the conventional name of the mode.
func (s Subsampling) String() string {
	switch s {
	case Subsample1X:
		return "4:4:4"
	case Subsample4X:
		return "4:2:0"
	case Subsample2X:
		return "4:2:2"
	case SubsampleGray:
		return "gray"
	case Subsample8X:
		return "8x"
	case Subsample16X:
		return "16x"
	default:
		return fmt.Sprintf("subsampling(%d)", int(s))
	}
}

// Quality defaults.
const (
	DefaultCompressLevel = 6
	MinCompressLevel     = 0
	MaxCompressLevel     = 9

	// QualityUnset disables JPEG for codecs that support it.
	QualityUnset = -1

	DefaultSubsampling = Subsample2X
)

var qualityFineTable = [10]int{15, 29, 41, 42, 62, 77, 79, 86, 92, 100}

var qualitySubsampTable = [10]Subsampling{
	Subsample4X, Subsample4X, Subsample4X,
	Subsample2X, Subsample2X, Subsample2X,
	Subsample1X, Subsample1X, Subsample1X, Subsample1X,
}

// QualityMapping returns the fine JPEG quality and subsampling for a coarse
// quality level. ok is false when level is outside 0..9.
func QualityMapping(level int) (fine int, subsampling Subsampling, ok bool) {
	if level < 0 || level > 9 {
		return QualityUnset, 0, false
	}
	return qualityFineTable[level], qualitySubsampTable[level], true
}

// ClampCompressLevel returns level when it is within 0..9 and the default
// otherwise.
func ClampCompressLevel(level int) int {
	if level < MinCompressLevel || level > MaxCompressLevel {
		return DefaultCompressLevel
	}
	return level
}

// ClampFineQuality returns level when it is within 0..100 and QualityUnset
// otherwise.
func ClampFineQuality(level int) int {
	if level < 0 || level > 100 {
		return QualityUnset
	}
	return level
}

// zywrleLevel derives the wavelet level from the coarse JPEG quality.
func zywrleLevel(wavelet bool, clientBPP uint8, quality int) int {
	switch {
	case !wavelet || clientBPP < 16:
		return 0
	case quality == QualityUnset:
		return 1
	case quality < 3:
		return 3
	case quality < 6:
		return 2
	default:
		return 1
	}
}
