// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"fmt"
	"io"
	"sort"
	"sync"
)

// EncodeOptions carries per-call flags from the manager to a codec.
type EncodeOptions struct {
	// Queue lets stream-stateful codecs defer flushing their compressor
	// until the update is complete.
	Queue bool
}

// Encoder is the capability every wire encoding implements. An Encoder is
// owned by one connection and is never used concurrently.
//
// EncodeRect writes complete rectangles, headers included, and returns the
// number of bytes written. scratch is the connection's buffer, sized by
// RequiredBufferSize; an encoder may use it or allocate its own.
type Encoder interface {
	Init()
	SetLocalFormat(format PixelFormat, width, height int) bool
	SetRemoteFormat(format PixelFormat) bool
	RequiredBufferSize(width, height int) int
	NumCodedRects(r Rect) int
	EncodeRect(src *FrameView, out io.Writer, scratch []byte, r Rect, opts EncodeOptions) (int, error)

	SendCursorShape(out io.Writer, cursor *CursorShape) (int, error)
	EnableXCursor(enable bool)
	EnableRichCursor(enable bool)
	EnableLastRect(enable bool)
	LastRect(out io.Writer) (int, error)

	SetCompressLevel(level int)
	SetQualityLevel(level int)
	SetFineQualityLevel(level int)
	SetSubsampling(s Subsampling)

	Close() error
}

// RectangleEncoder is implemented by codecs that work in wire rectangle
// coordinates (x, y, width, height). The manager prefers it over
// Encoder.EncodeRect for the Tight, ZlibHex, Ultra and Ultra2 families.
type RectangleEncoder interface {
	EncodeRectangle(src *FrameView, out io.Writer, scratch []byte, r Rectangle, opts EncodeOptions) (int, error)
}

// BulkEncoder frames several rectangles in one call.
type BulkEncoder interface {
	EncodeBulkRects(src *FrameView, out io.Writer, scratch []byte, rects []Rect) (int, error)
}

// VariantEncoder is implemented by family instances that serve several
// encodings (zlib/zstd, plain/wavelet).
type VariantEncoder interface {
	SetVariant(v Variant)
}

// QueueingEncoder is implemented by codecs with a message queue of their own.
type QueueingEncoder interface {
	EnableQueuing(enable bool)
}

// EncoderFactory creates a new instance of a codec family.
type EncoderFactory func() (Encoder, error)

// CodecRegistry maps codec families to factories.
type CodecRegistry struct {
	factories map[CodecFamily]EncoderFactory
	mu        sync.RWMutex
	logger    Logger
}

// NewCodecRegistry creates a registry holding the built-in encoders.
func NewCodecRegistry() *CodecRegistry {
	registry := &CodecRegistry{
		factories: make(map[CodecFamily]EncoderFactory),
		logger:    &NoOpLogger{},
	}

	registry.Register(FamilyRaw, func() (Encoder, error) { return NewRawEncoder(), nil })
	registry.Register(FamilyRRE, func() (Encoder, error) { return NewRREEncoder(), nil })
	registry.Register(FamilyCoRRE, func() (Encoder, error) { return NewCoRREEncoder(), nil })
	registry.Register(FamilyHextile, func() (Encoder, error) { return NewHextileEncoder(), nil })
	registry.Register(FamilyZlib, func() (Encoder, error) { return NewZlibEncoder(), nil })

	return registry
}

// Register adds or replaces the factory for a family.
func (r *CodecRegistry) Register(family CodecFamily, factory EncoderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.logger != nil {
		r.logger.Debug("Registering codec family",
			Field{Key: "family", Value: family.String()})
	}

	r.factories[family] = factory
}

// Unregister removes a family.
func (r *CodecRegistry) Unregister(family CodecFamily) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[family]; !exists {
		return false
	}
	delete(r.factories, family)
	return true
}

// Create instantiates a codec of the given family.
func (r *CodecRegistry) Create(family CodecFamily) (Encoder, error) {
	r.mu.RLock()
	factory, exists := r.factories[family]
	logger := r.logger
	r.mu.RUnlock()

	if !exists {
		return nil, unsupportedError("CodecRegistry.Create",
			fmt.Sprintf("no codec registered for family %s", family), nil)
	}

	enc, err := factory()
	if err != nil {
		return nil, resourceError("CodecRegistry.Create",
			fmt.Sprintf("failed to create %s codec", family), err)
	}
	if enc == nil {
		return nil, resourceError("CodecRegistry.Create",
			fmt.Sprintf("%s factory returned no codec", family), nil)
	}

	if logger != nil {
		logger.Debug("Created codec instance", Field{Key: "family", Value: family.String()})
	}
	return enc, nil
}

// IsSupported reports whether a factory is registered for family.
func (r *CodecRegistry) IsSupported(family CodecFamily) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.factories[family]
	return exists
}

// Families returns the registered families in ascending order.
func (r *CodecRegistry) Families() []CodecFamily {
	r.mu.RLock()
	defer r.mu.RUnlock()

	families := make([]CodecFamily, 0, len(r.factories))
	for f := range r.factories {
		families = append(families, f)
	}
	sort.Slice(families, func(i, j int) bool { return families[i] < families[j] })
	return families
}

// SetLogger sets the logger for the registry.
func (r *CodecRegistry) SetLogger(logger Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger = logger
}

// BaseEncoder holds the state shared by every codec: negotiated formats,
// the pixel translator, the compression knobs and the cursor flags. Codecs
// embed it and override EncodeRect.
type BaseEncoder struct {
	Local  PixelFormat
	Remote PixelFormat
	Width  int
	Height int

	Translator *PixelTranslator

	CompressLevel int
	QualityLevel  int
	FineQuality   int
	Subsampling   Subsampling

	xcursor    bool
	richCursor bool
	lastRect   bool
	hasLocal   bool
	hasRemote  bool
}

func newBaseEncoder() BaseEncoder {
	return BaseEncoder{
		CompressLevel: DefaultCompressLevel,
		QualityLevel:  QualityUnset,
		FineQuality:   QualityUnset,
		Subsampling:   DefaultSubsampling,
	}
}

// Init is called each time the codec becomes active.
func (b *BaseEncoder) Init() {}

// SetLocalFormat records the framebuffer format and geometry.
func (b *BaseEncoder) SetLocalFormat(format PixelFormat, width, height int) bool {
	if err := format.Validate(); err != nil {
		return false
	}
	b.Local = format
	b.Width = width
	b.Height = height
	b.hasLocal = true
	if b.hasRemote {
		return b.rebuildTranslator()
	}
	return true
}

// SetRemoteFormat accepts true-color viewer formats of 8, 16 or 32 bits
// and 8-bit colour-mapped ones.
func (b *BaseEncoder) SetRemoteFormat(format PixelFormat) bool {
	switch {
	case !format.TrueColor:
		if format.BPP != 8 {
			return false
		}
	case format.BPP != 8 && format.BPP != 16 && format.BPP != 32:
		return false
	default:
		if err := format.Validate(); err != nil {
			return false
		}
	}
	b.Remote = format
	b.hasRemote = true
	if b.hasLocal {
		return b.rebuildTranslator()
	}
	return true
}

func (b *BaseEncoder) rebuildTranslator() bool {
	t, err := NewPixelTranslator(b.Local, b.Remote)
	if err != nil {
		return false
	}
	b.Translator = t
	return true
}

// RemoteBytesPerPixel returns the viewer pixel size.
func (b *BaseEncoder) RemoteBytesPerPixel() int {
	if !b.hasRemote {
		return b.Local.BytesPerPixel()
	}
	return b.Remote.BytesPerPixel()
}

// RequiredBufferSize is the size of a full-screen Raw rectangle, header
// included, in the viewer format.
func (b *BaseEncoder) RequiredBufferSize(width, height int) int {
	return rectHeaderSize + width*height*b.RemoteBytesPerPixel()
}

// NumCodedRects returns 1.
func (b *BaseEncoder) NumCodedRects(Rect) int {
	return 1
}

// EncodeRect sends r as Raw.
func (b *BaseEncoder) EncodeRect(src *FrameView, out io.Writer, scratch []byte, r Rect, _ EncodeOptions) (int, error) {
	return b.EncodeRaw(src, out, scratch, r)
}

// EncodeRaw writes r with the Raw encoding.
func (b *BaseEncoder) EncodeRaw(src *FrameView, out io.Writer, scratch []byte, r Rect) (int, error) {
	if b.Translator == nil {
		return 0, encodingError("BaseEncoder.EncodeRaw", "pixel formats not negotiated", nil)
	}
	size := rectHeaderSize + r.Area()*b.Translator.DstBytesPerPixel()
	if cap(scratch) < size {
		scratch = make([]byte, size)
	}
	buf := appendRectHeader(scratch[:0], r.Rectangle(), EncodingRaw)
	n := b.Translator.TranslateRect(buf[rectHeaderSize:size], src, r)
	return writeAll(out, buf[:rectHeaderSize+n])
}

// SendCursorShape writes the cursor as a RichCursor or XCursor
// pseudo-rectangle, preferring RichCursor. It writes nothing when neither is
// enabled.
func (b *BaseEncoder) SendCursorShape(out io.Writer, cursor *CursorShape) (int, error) {
	if cursor == nil || b.Translator == nil {
		return 0, nil
	}
	switch {
	case b.richCursor:
		return writeAll(out, appendRichCursor(nil, b.Translator, cursor))
	case b.xcursor:
		return writeAll(out, appendXCursor(nil, b.Translator, cursor))
	}
	return 0, nil
}

// EnableXCursor toggles XCursor shape updates.
func (b *BaseEncoder) EnableXCursor(enable bool) { b.xcursor = enable }

// EnableRichCursor toggles RichCursor shape updates.
func (b *BaseEncoder) EnableRichCursor(enable bool) { b.richCursor = enable }

// EnableLastRect toggles the LastRect marker.
func (b *BaseEncoder) EnableLastRect(enable bool) { b.lastRect = enable }

// LastRect writes the LastRect pseudo-rectangle when enabled.
func (b *BaseEncoder) LastRect(out io.Writer) (int, error) {
	if !b.lastRect {
		return 0, nil
	}
	return writeAll(out, appendRectHeader(nil, Rectangle{}, EncodingLastRect))
}

// SetCompressLevel clamps to 0..9.
func (b *BaseEncoder) SetCompressLevel(level int) { b.CompressLevel = ClampCompressLevel(level) }

// SetQualityLevel stores the coarse JPEG quality.
func (b *BaseEncoder) SetQualityLevel(level int) {
	if level < 0 || level > 9 {
		level = QualityUnset
	}
	b.QualityLevel = level
}

// SetFineQualityLevel stores the fine JPEG quality.
func (b *BaseEncoder) SetFineQualityLevel(level int) { b.FineQuality = ClampFineQuality(level) }

// SetSubsampling stores the chroma subsampling mode.
func (b *BaseEncoder) SetSubsampling(s Subsampling) { b.Subsampling = s }

// Close releases nothing.
func (b *BaseEncoder) Close() error { return nil }

// writeAll writes p and reports the bytes written.
func writeAll(out io.Writer, p []byte) (int, error) {
	n, err := out.Write(p)
	if err != nil {
		return n, networkError("writeAll", "failed to write encoded data", err)
	}
	return n, nil
}
