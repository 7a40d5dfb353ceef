// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"io"
	"time"
)

// EncodeManagerOption configures an EncodeManager.
type EncodeManagerOption func(*EncodeManager)

// WithEncodeLogger sets the manager's logger.
func WithEncodeLogger(logger Logger) EncodeManagerOption {
	return func(m *EncodeManager) {
		m.logger = loggerOrNoOp(logger)
	}
}

// WithEncodeMetrics sets the manager's metrics.
func WithEncodeMetrics(metrics *Metrics) EncodeManagerOption {
	return func(m *EncodeManager) {
		m.metrics = metrics
	}
}

// WithCodecResetHook sets a function called whenever a codec is activated.
// The connection uses it to forget cached content and schedule a full
// refresh.
func WithCodecResetHook(fn func()) EncodeManagerOption {
	return func(m *EncodeManager) {
		m.onCodecReset = fn
	}
}

// EncodeManager owns the codecs of one connection: the active codec and the
// stream-stateful instances kept for later reuse. Instances live in an arena
// keyed by family; the active codec is a reference into it.
//
// An EncodeManager is not safe for concurrent use. The owning connection
// serializes access.
type EncodeManager struct {
	desktop  Desktop
	registry *CodecRegistry
	logger   Logger
	metrics  *Metrics

	arena        map[CodecFamily]Encoder
	active       Encoder
	activeFamily CodecFamily
	encoding     Encoding
	hasEncoding  bool

	scr         DisplayInfo
	pushedLocal DisplayInfo

	clientFormat    PixelFormat
	clientFormatSet bool

	buf     []byte
	bufSize int
	allocs  int

	compressLevel int
	qualityLevel  int
	fineQuality   int
	subsampling   Subsampling

	xcursor       bool
	richCursor    bool
	lastRect      bool
	queue         bool
	cache         bool
	cursorPending bool

	onCodecReset func()
}

// NewEncodeManager creates a manager for one connection. No codec is active
// until SetEncoding or CheckBuffer is called.
func NewEncodeManager(desktop Desktop, registry *CodecRegistry, opts ...EncodeManagerOption) *EncodeManager {
	if registry == nil {
		registry = NewCodecRegistry()
	}
	m := &EncodeManager{
		desktop:       desktop,
		registry:      registry,
		logger:        &NoOpLogger{},
		arena:         make(map[CodecFamily]Encoder),
		compressLevel: DefaultCompressLevel,
		qualityLevel:  QualityUnset,
		fineQuality:   QualityUnset,
		subsampling:   DefaultSubsampling,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Supports reports whether enc can be activated.
func (m *EncodeManager) Supports(enc Encoding) bool {
	family, ok := enc.Family()
	return ok && m.registry.IsSupported(family)
}

// SetEncoding activates enc. Requesting the active encoding again is a
// no-op. Ultra2 is replaced by Hextile when either side is not 32bpp.
//
// When reinit is true the sticky settings (compression, quality,
// subsampling, cursor and last-rect flags) are pushed to the activated
// instance. A false return leaves no codec active; the caller must fall back
// to another encoding.
func (m *EncodeManager) SetEncoding(enc Encoding, reinit bool) bool {
	family, ok := enc.Family()
	if !ok {
		m.logger.Warn("Not a pixel encoding", Field{Key: "encoding", Value: enc})
		return false
	}

	m.scr = m.desktop.DisplayInfo()

	if family.Requires32BPP() && (m.scr.Format.BPP != 32 || (m.clientFormatSet && m.clientFormat.BPP != 32)) {
		m.logger.Info("Encoding requires 32bpp on both sides, using hextile",
			Field{Key: "requested", Value: enc},
			Field{Key: "server_bpp", Value: m.scr.Format.BPP},
			Field{Key: "client_bpp", Value: m.clientFormat.BPP})
		m.metrics.CodecFallback()
		enc, family = EncodingHextile, FamilyHextile
	}

	if m.active != nil && m.hasEncoding && m.encoding == enc {
		return true
	}

	m.retireActive()

	inst, ok := m.arena[family]
	if !ok {
		created, err := m.registry.Create(family)
		if err != nil {
			m.logger.Error("Failed to create encoder",
				Field{Key: "encoding", Value: enc},
				Field{Key: "error", Value: err})
			return false
		}
		inst = created
		m.arena[family] = inst
	}

	if ve, ok := inst.(VariantEncoder); ok {
		ve.SetVariant(m.variantFor(enc))
	}

	inst.Init()
	if !inst.SetLocalFormat(m.scr.Format, m.scr.Width, m.scr.Height) ||
		!inst.SetRemoteFormat(m.remoteFormat()) {
		m.logger.Warn("Encoder rejected pixel format",
			Field{Key: "encoding", Value: enc},
			Field{Key: "server_format", Value: m.scr.Format},
			Field{Key: "client_format", Value: m.remoteFormat()})
		m.discard(family, inst)
		return false
	}
	m.pushedLocal = m.scr

	m.active = inst
	m.activeFamily = family
	m.encoding = enc
	m.hasEncoding = true

	if reinit {
		m.applySticky(inst)
	}

	if family == FamilyUltra || family == FamilyUltra2 {
		m.xcursor = false
		m.richCursor = false
		m.cache = false
		inst.EnableXCursor(false)
		inst.EnableRichCursor(false)
		m.EnableQueuing(true)
	}

	if m.onCodecReset != nil {
		m.onCodecReset()
	}

	m.metrics.CodecSwitched(enc)
	m.logger.Debug("Encoder activated",
		Field{Key: "encoding", Value: enc},
		Field{Key: "family", Value: family},
		Field{Key: "reinit", Value: reinit})

	return m.CheckBuffer()
}

// retireActive releases the active slot. Stateless instances are closed;
// stream-stateful ones stay in the arena.
func (m *EncodeManager) retireActive() {
	if m.active == nil {
		m.hasEncoding = false
		return
	}
	if !m.activeFamily.StreamStateful() {
		m.discard(m.activeFamily, m.active)
	}
	m.active = nil
	m.hasEncoding = false
}

// discard closes a stateless instance and drops it from the arena.
// Stream-stateful instances are kept.
func (m *EncodeManager) discard(family CodecFamily, inst Encoder) {
	if family.StreamStateful() {
		return
	}
	if err := inst.Close(); err != nil {
		m.logger.Warn("Failed to close encoder",
			Field{Key: "family", Value: family},
			Field{Key: "error", Value: err})
	}
	delete(m.arena, family)
}

func (m *EncodeManager) variantFor(enc Encoding) Variant {
	v := enc.Variant()
	v.WaveletLevel = zywrleLevel(v.Wavelet, m.remoteFormat().BPP, m.qualityLevel)
	return v
}

// pushVariant refreshes the wavelet level after a quality or format change.
func (m *EncodeManager) pushVariant() {
	if m.active == nil {
		return
	}
	if ve, ok := m.active.(VariantEncoder); ok {
		ve.SetVariant(m.variantFor(m.encoding))
	}
}

func (m *EncodeManager) applySticky(e Encoder) {
	e.SetCompressLevel(m.compressLevel)
	e.SetQualityLevel(m.qualityLevel)
	e.SetFineQualityLevel(m.fineQuality)
	e.SetSubsampling(m.subsampling)
	e.EnableXCursor(m.xcursor)
	e.EnableRichCursor(m.richCursor)
	e.EnableLastRect(m.lastRect)
}

// remoteFormat is the client format, or the server's wire format until the
// client sets one.
func (m *EncodeManager) remoteFormat() PixelFormat {
	if m.clientFormatSet {
		return m.clientFormat
	}
	return WireFormat(m.scr.Format)
}

// WireFormat returns the format advertised in ServerInit for a framebuffer
// format. Viewers only accept 8, 16 and 32 bits per pixel, so 15 and 24 bit
// framebuffers are advertised as 16 and 32 bit.
func WireFormat(f PixelFormat) PixelFormat {
	switch f.BPP {
	case 8, 16, 32:
		return f
	case 15:
		f.BPP = 16
		return f
	default:
		f.BPP = 32
		return f
	}
}

// CheckBuffer re-reads the display geometry, activates Raw when nothing is
// active and resizes the scratch buffer when the codec needs a different
// size. It returns false when no codec could be established.
func (m *EncodeManager) CheckBuffer() bool {
	m.scr = m.desktop.DisplayInfo()

	if !m.clientFormatSet {
		m.clientFormat = WireFormat(m.scr.Format)
		m.clientFormatSet = true
	}

	if m.active == nil {
		return m.SetEncoding(EncodingRaw, false)
	}

	if m.pushedLocal != m.scr {
		if !m.active.SetLocalFormat(m.scr.Format, m.scr.Width, m.scr.Height) ||
			!m.active.SetRemoteFormat(m.clientFormat) {
			m.logger.Warn("Encoder rejected new framebuffer format",
				Field{Key: "encoding", Value: m.encoding},
				Field{Key: "server_format", Value: m.scr.Format})
			m.retireActive()
			return false
		}
		m.pushedLocal = m.scr
	}

	size := m.active.RequiredBufferSize(m.scr.Width, m.scr.Height)
	if size < 0 {
		m.logger.Error("Encoder reported invalid buffer size", Field{Key: "size", Value: size})
		return false
	}
	if m.buf == nil || size != m.bufSize {
		m.buf = make([]byte, size)
		m.bufSize = size
		m.allocs++
	}
	return true
}

// SetClientFormat records the viewer's pixel format. An active Ultra2 codec
// is replaced by Hextile when format is not 32bpp. It returns false when the
// format is unusable; the caller should drop the connection.
func (m *EncodeManager) SetClientFormat(format PixelFormat) bool {
	if err := newInputValidator().ValidateClientPixelFormat(&format); err != nil {
		m.logger.Warn("Invalid client pixel format",
			Field{Key: "format", Value: format},
			Field{Key: "error", Value: err})
		return false
	}

	m.clientFormat = format
	m.clientFormatSet = true

	if m.active != nil {
		if m.activeFamily.Requires32BPP() && format.BPP != 32 {
			return m.SetEncoding(EncodingHextile, true)
		}
		if !m.active.SetRemoteFormat(format) {
			m.logger.Warn("Encoder rejected client pixel format",
				Field{Key: "encoding", Value: m.encoding},
				Field{Key: "format", Value: format})
			return false
		}
		m.pushVariant()
	}

	return m.CheckBuffer()
}

// ClientFormat returns the format pixels are sent in.
func (m *EncodeManager) ClientFormat() PixelFormat {
	return m.remoteFormat()
}

// DisplayInfo returns the geometry the manager last read.
func (m *EncodeManager) DisplayInfo() DisplayInfo {
	return m.scr
}

// EncodeRect encodes r with the active codec and writes it to out. A rect
// outside the framebuffer, which happens when the screen is resized while
// an update is being prepared, is dropped and 0 is returned.
func (m *EncodeManager) EncodeRect(r Rect, out io.Writer) (int, error) {
	if m.active == nil {
		return 0, encodingError("EncodeManager.EncodeRect", "no active encoder", nil)
	}
	fb := m.desktop.BackBuffer()
	if fb == nil {
		return 0, encodingError("EncodeManager.EncodeRect", "no framebuffer to encode from", nil)
	}
	if r.Empty() || !m.scr.Bounds().Contains(r) {
		return 0, nil
	}

	start := time.Now()
	var n int
	var err error
	fb.View(func(v *FrameView) {
		if !m.liveMatches(v) || !v.Bounds().Contains(r) {
			return
		}
		n, err = m.encodeOne(v, out, r)
	})
	if n > 0 {
		m.metrics.ObserveEncode(m.encoding, m.active.NumCodedRects(r), n, time.Since(start))
	}
	return n, err
}

// liveMatches reports whether the framebuffer still has the format and
// geometry the active codec was configured with.
func (m *EncodeManager) liveMatches(v *FrameView) bool {
	return v.Format == m.pushedLocal.Format &&
		v.Width == m.pushedLocal.Width &&
		v.Height == m.pushedLocal.Height
}

func (m *EncodeManager) encodeOne(v *FrameView, out io.Writer, r Rect) (int, error) {
	opts := EncodeOptions{Queue: m.activeFamily.StreamStateful() && m.queue}
	if m.activeFamily.NativeRectangle() {
		if re, ok := m.active.(RectangleEncoder); ok {
			return re.EncodeRectangle(v, out, m.buf, r.Rectangle(), opts)
		}
	}
	return m.active.EncodeRect(v, out, m.buf, r, opts)
}

// EncodeBulkRects encodes rects, each divided by scale, as one batch. If any
// scaled rect falls outside the framebuffer nothing is encoded.
func (m *EncodeManager) EncodeBulkRects(rects []Rect, scale int, out io.Writer) (int, error) {
	if len(rects) == 0 {
		return 0, nil
	}
	if m.active == nil {
		return 0, encodingError("EncodeManager.EncodeBulkRects", "no active encoder", nil)
	}
	fb := m.desktop.BackBuffer()
	if fb == nil {
		return 0, encodingError("EncodeManager.EncodeBulkRects", "no framebuffer to encode from", nil)
	}
	if scale < 1 {
		scale = 1
	}

	bounds := m.scr.Bounds()
	scaled := make([]Rect, 0, len(rects))
	for _, r := range rects {
		s := Rect{
			Min: Point{X: r.Min.X / scale, Y: r.Min.Y / scale},
			Max: Point{X: r.Max.X / scale, Y: r.Max.Y / scale},
		}
		if s.Empty() || !bounds.Contains(s) {
			return 0, nil
		}
		scaled = append(scaled, s)
	}

	start := time.Now()
	total := 0
	var err error
	fb.View(func(v *FrameView) {
		if !m.liveMatches(v) {
			return
		}
		for _, s := range scaled {
			if !v.Bounds().Contains(s) {
				return
			}
		}

		if be, ok := m.active.(BulkEncoder); ok && m.activeFamily.Bulk() {
			total, err = be.EncodeBulkRects(v, out, m.buf, scaled)
			return
		}
		for _, s := range scaled {
			n, encErr := m.encodeOne(v, out, s)
			total += n
			if encErr != nil {
				err = encErr
				return
			}
		}
	})
	if total > 0 {
		m.metrics.ObserveEncode(m.encoding, len(scaled), total, time.Since(start))
	}
	return total, err
}

// NumCodedRects returns how many rectangles the active codec will emit for r.
func (m *EncodeManager) NumCodedRects(r Rect) int {
	if m.active == nil {
		return 0
	}
	return m.active.NumCodedRects(r)
}

// EnableXCursor toggles XCursor shape updates.
func (m *EncodeManager) EnableXCursor(enable bool) {
	m.xcursor = enable
	if m.active != nil {
		m.active.EnableXCursor(enable)
	}
}

// EnableRichCursor toggles RichCursor shape updates.
func (m *EncodeManager) EnableRichCursor(enable bool) {
	m.richCursor = enable
	if m.active != nil {
		m.active.EnableRichCursor(enable)
	}
}

// CursorShapesEnabled reports whether either cursor shape encoding is on.
func (m *EncodeManager) CursorShapesEnabled() bool {
	return m.xcursor || m.richCursor
}

// MarkCursorPending records that the cursor shape changed.
func (m *EncodeManager) MarkCursorPending() {
	m.cursorPending = true
}

// IsCursorUpdatePending reports whether a cursor shape must be sent.
func (m *EncodeManager) IsCursorUpdatePending() bool {
	return m.cursorPending && m.CursorShapesEnabled() && m.active != nil
}

// SendCursorShape writes the current cursor shape and clears the pending
// flag. It writes nothing when cursor shapes are off.
func (m *EncodeManager) SendCursorShape(out io.Writer) (int, error) {
	if !m.CursorShapesEnabled() || m.active == nil {
		return 0, nil
	}
	fb := m.desktop.BackBuffer()
	if fb == nil {
		return 0, nil
	}
	cursor := fb.Cursor()
	if cursor == nil {
		return 0, nil
	}
	if err := validateCursorShape(cursor, m.scr.Format); err != nil {
		m.cursorPending = false
		return 0, err
	}
	n, err := m.active.SendCursorShape(out, cursor)
	if err == nil {
		m.cursorPending = false
	}
	return n, err
}

// SetCompressLevel sets the compression level, 6 when out of range.
func (m *EncodeManager) SetCompressLevel(level int) {
	m.compressLevel = ClampCompressLevel(level)
	if m.active != nil {
		m.active.SetCompressLevel(m.compressLevel)
	}
}

// CompressLevel returns the compression level.
func (m *EncodeManager) CompressLevel() int {
	return m.compressLevel
}

// SetQualityLevel maps a coarse level 0..9 to fine quality and subsampling.
// Out of range levels disable JPEG and keep the subsampling.
func (m *EncodeManager) SetQualityLevel(level int) {
	if fine, sub, ok := QualityMapping(level); ok {
		m.qualityLevel = level
		m.fineQuality = fine
		m.subsampling = sub
	} else {
		m.qualityLevel = QualityUnset
		m.fineQuality = QualityUnset
	}
	if m.active != nil {
		m.active.SetQualityLevel(m.qualityLevel)
		m.active.SetFineQualityLevel(m.fineQuality)
		m.active.SetSubsampling(m.subsampling)
	}
	m.pushVariant()
}

// QualityLevel returns the coarse quality, -1 when unset.
func (m *EncodeManager) QualityLevel() int {
	return m.qualityLevel
}

// SetFineQualityLevel sets the JPEG quality 0..100, -1 when out of range.
func (m *EncodeManager) SetFineQualityLevel(level int) {
	m.fineQuality = ClampFineQuality(level)
	if m.active != nil {
		m.active.SetFineQualityLevel(m.fineQuality)
	}
}

// FineQualityLevel returns the JPEG quality, -1 when unset.
func (m *EncodeManager) FineQualityLevel() int {
	return m.fineQuality
}

// SetSubsampling sets the chroma subsampling.
func (m *EncodeManager) SetSubsampling(s Subsampling) {
	m.subsampling = s
	if m.active != nil {
		m.active.SetSubsampling(s)
	}
}

// Subsampling returns the chroma subsampling.
func (m *EncodeManager) Subsampling() Subsampling {
	return m.subsampling
}

// ZYWRLELevel returns the wavelet level for the active encoding: 0 when no
// wavelet encoding is active or the viewer is below 16bpp.
func (m *EncodeManager) ZYWRLELevel() int {
	if !m.hasEncoding {
		return 0
	}
	return zywrleLevel(m.encoding.Variant().Wavelet, m.remoteFormat().BPP, m.qualityLevel)
}

// EnableLastRect toggles the LastRect marker.
func (m *EncodeManager) EnableLastRect(enable bool) {
	m.lastRect = enable
	if m.active != nil {
		m.active.EnableLastRect(enable)
	}
}

// IsLastRectEnabled reports whether updates end with a LastRect marker.
func (m *EncodeManager) IsLastRectEnabled() bool {
	return m.lastRect
}

// LastRect writes the LastRect marker when enabled.
func (m *EncodeManager) LastRect(out io.Writer) (int, error) {
	if !m.lastRect || m.active == nil {
		return 0, nil
	}
	return m.active.LastRect(out)
}

// EnableQueuing toggles deferred flushing for codecs that support it.
func (m *EncodeManager) EnableQueuing(enable bool) {
	m.queue = enable
	if m.active == nil {
		return
	}
	if qe, ok := m.active.(QueueingEncoder); ok {
		qe.EnableQueuing(enable)
	}
}

// IsQueuingEnabled reports the queuing flag.
func (m *EncodeManager) IsQueuingEnabled() bool {
	return m.queue
}

// EnableCache toggles viewer-side caching.
func (m *EncodeManager) EnableCache(enable bool) {
	m.cache = enable
}

// IsCacheEnabled reports the cache flag.
func (m *EncodeManager) IsCacheEnabled() bool {
	return m.cache
}

// Encoding returns the active encoding.
func (m *EncodeManager) Encoding() (Encoding, bool) {
	return m.encoding, m.hasEncoding
}

// IsSlowEncoding reports whether the active codec trades CPU for bandwidth.
func (m *EncodeManager) IsSlowEncoding() bool {
	return m.hasEncoding && m.activeFamily.Slow()
}

// IsBulkEncoding reports whether the active codec frames rectangles together.
func (m *EncodeManager) IsBulkEncoding() bool {
	return m.hasEncoding && m.activeFamily.Bulk()
}

// IsUltraEncoding reports whether Ultra or Ultra2 is active.
func (m *EncodeManager) IsUltraEncoding() bool {
	return m.hasEncoding && (m.activeFamily == FamilyUltra || m.activeFamily == FamilyUltra2)
}

// Close releases every codec instance once.
func (m *EncodeManager) Close() {
	for family, inst := range m.arena {
		if err := inst.Close(); err != nil {
			m.logger.Warn("Failed to close encoder",
				Field{Key: "family", Value: family},
				Field{Key: "error", Value: err})
		}
	}
	m.arena = make(map[CodecFamily]Encoder)
	m.active = nil
	m.hasEncoding = false
	m.buf = nil
	m.bufSize = 0
}
