// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	pvLen                 = 12
	serverProtocolVersion = "RFB 003.008\n"
)

// ClientState is the position of a session in its lifecycle.
type ClientState int32

const (
	// StateUnauthenticated covers the handshake.
	StateUnauthenticated ClientState = iota
	// StateAuthenticated sessions receive updates and send input.
	StateAuthenticated
	// StateClosed sessions have left both partitions.
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ClientInfo is a point-in-time description of a session.
type ClientInfo struct {
	ID              ClientID  `json:"id"`
	Host            string    `json:"host"`
	State           string    `json:"state"`
	Outgoing        bool      `json:"outgoing"`
	RepeaterID      string    `json:"repeater_id,omitempty"`
	ProtocolVersion string    `json:"protocol_version,omitempty"`
	ViewOnly        bool      `json:"view_only"`
	Shared          bool      `json:"shared"`
	Encoding        string    `json:"encoding,omitempty"`
	PixelFormat     string    `json:"pixel_format,omitempty"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastInput       time.Time `json:"last_input"`
}

// parseProtocolVersion parses "RFB xxx.yyy\n".
func parseProtocolVersion(pv []byte) (uint, uint, error) {
	var major, minor uint

	if len(pv) < pvLen {
		return 0, 0, protocolError("parseProtocolVersion",
			fmt.Sprintf("protocol version message too short (%v < %v)", len(pv), pvLen), nil)
	}

	l, err := fmt.Sscanf(string(pv), "RFB %d.%d\n", &major, &minor)
	if l != 2 {
		return 0, 0, protocolError("parseProtocolVersion", "invalid protocol version format", nil)
	}
	if err != nil {
		return 0, 0, protocolError("parseProtocolVersion", "failed to parse protocol version", err)
	}

	return major, minor, nil
}

// negotiateMinor maps the viewer's minor version onto 3, 7 or 8. Versions
// between 3 and 7, which some viewers announce, behave like 3.3.
func negotiateMinor(minor uint) int {
	switch {
	case minor >= 8:
		return 8
	case minor == 7:
		return 7
	default:
		return 3
	}
}

// ClientConn is the server side of one viewer connection. It runs a reader
// goroutine for viewer messages and an update goroutine that answers
// update requests.
type ClientConn struct {
	id          ClientID
	server      *Server
	conn        net.Conn
	host        string
	outgoing    bool
	repeaterID  string
	connectedAt time.Time
	logger      Logger
	validator   *InputValidator

	state       atomic.Int32
	lastInput   atomic.Int64
	lastKeepAlv atomic.Int64
	viewOnly    atomic.Bool
	shared      atomic.Bool
	minor       atomic.Int32
	keepAliveOK atomic.Bool

	// encMu guards enc. It is taken before mu when both are needed.
	encMu sync.Mutex
	enc   *EncodeManager

	mu              sync.Mutex
	tracker         *SimpleUpdateTracker
	requested       Region
	updateRequested bool
	resizePending   bool
	cursorChanged   bool
	cursorPos       Point
	cursorMoved     bool
	desktopSizeOK   bool
	pointerPosOK    bool

	writeMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newClientConn(s *Server, id ClientID, conn net.Conn, opts AddClientOptions) *ClientConn {
	host := opts.Host
	if host == "" {
		host = hostOf(conn.RemoteAddr())
	}
	now := s.now()

	c := &ClientConn{
		id:          id,
		server:      s,
		conn:        conn,
		host:        host,
		outgoing:    opts.Outgoing,
		repeaterID:  opts.RepeaterID,
		connectedAt: now,
		validator:   newInputValidator(),
		tracker:     NewSimpleUpdateTracker(false),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	c.logger = s.logger.With(Field{Key: "client", Value: id.String()}, Field{Key: "host", Value: host})
	c.enc = NewEncodeManager(s.desktop, s.registry,
		WithEncodeLogger(c.logger),
		WithEncodeMetrics(s.metrics),
		WithCodecResetHook(c.codecReset))
	c.lastInput.Store(now.UnixNano())
	c.lastKeepAlv.Store(now.UnixNano())
	c.ctx, c.cancel = context.WithCancel(s.ctx)
	return c
}

// ID returns the session id.
func (c *ClientConn) ID() ClientID { return c.id }

// Host returns the viewer's address without port.
func (c *ClientConn) Host() string { return c.host }

// State returns the lifecycle state.
func (c *ClientConn) State() ClientState { return ClientState(c.state.Load()) }

func (c *ClientConn) setState(s ClientState) { c.state.Store(int32(s)) }

// Outgoing reports whether the server dialed this viewer.
func (c *ClientConn) Outgoing() bool { return c.outgoing }

// ViewOnly reports whether input from the viewer is ignored.
func (c *ClientConn) ViewOnly() bool { return c.viewOnly.Load() }

// Done is closed once the session has been torn down.
func (c *ClientConn) Done() <-chan struct{} { return c.done }

// LastInput returns the time of the last key or pointer event.
func (c *ClientConn) LastInput() time.Time {
	return time.Unix(0, c.lastInput.Load())
}

// Kill closes the connection. Teardown finishes asynchronously; wait on
// Done to observe it.
func (c *ClientConn) Kill() {
	c.cancel()
	c.closeConn()
}

func (c *ClientConn) closeConn() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// Info returns a snapshot of the session.
func (c *ClientConn) Info() ClientInfo {
	info := ClientInfo{
		ID:          c.id,
		Host:        c.host,
		State:       c.State().String(),
		Outgoing:    c.outgoing,
		RepeaterID:  c.repeaterID,
		ViewOnly:    c.ViewOnly(),
		Shared:      c.shared.Load(),
		ConnectedAt: c.connectedAt,
		LastInput:   c.LastInput(),
	}
	if minor := c.minor.Load(); minor != 0 {
		info.ProtocolVersion = fmt.Sprintf("3.%d", minor)
	}
	if c.State() == StateAuthenticated {
		c.encMu.Lock()
		if enc, ok := c.enc.Encoding(); ok {
			info.Encoding = enc.String()
		}
		info.PixelFormat = c.enc.ClientFormat().String()
		c.encMu.Unlock()
	}
	return info
}

// serve runs the session to completion.
func (c *ClientConn) serve() {
	defer c.teardown()

	if err := c.handshake(); err != nil {
		c.handshakeFailed(err)
		return
	}
	if !c.server.Authenticated(c.id) {
		return
	}
	if !c.shared.Load() {
		c.server.killOthers(c.id)
	}
	if err := c.serverInit(); err != nil {
		c.logger.Warn("ServerInit failed", Field{Key: "error", Value: err})
		return
	}

	g, ctx := errgroup.WithContext(c.ctx)
	g.Go(func() error { return c.readLoop() })
	g.Go(func() error { return c.updateLoop(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		c.closeConn()
		return nil
	})
	if err := g.Wait(); err != nil && !isClosedConn(err) && c.ctx.Err() == nil {
		c.logger.Info("Viewer connection ended", Field{Key: "error", Value: err})
	} else {
		c.logger.Debug("Viewer disconnected")
	}
}

func (c *ClientConn) handshakeFailed(err error) {
	if IsVNCError(err, ErrAuthentication) {
		c.server.metrics.AuthFailed()
		c.server.blacklist.Fail(c.host)
		c.logger.Warn("Viewer failed authentication", Field{Key: "error", Value: err})
		return
	}
	if isClosedConn(err) || c.ctx.Err() != nil {
		c.logger.Debug("Viewer left during handshake", Field{Key: "error", Value: err})
		return
	}
	c.logger.Info("Handshake failed", Field{Key: "error", Value: err})
}

// teardown stops both goroutines, releases the codecs and leaves the
// session manager, in that order.
func (c *ClientConn) teardown() {
	c.cancel()
	c.closeConn()

	c.encMu.Lock()
	c.enc.Close()
	c.encMu.Unlock()

	c.server.RemoveClient(c.id)
	c.setState(StateClosed)
	close(c.done)
}

func (c *ClientConn) handshake() error {
	s := c.server
	if t := s.cfg.Session.HandshakeTimeout.Duration; t > 0 {
		_ = c.conn.SetDeadline(s.now().Add(t))
		defer func() { _ = c.conn.SetDeadline(time.Time{}) }()
	}

	if _, err := io.WriteString(c.conn, serverProtocolVersion); err != nil {
		return networkError("handshake", "failed to send protocol version", err)
	}

	var pv [pvLen]byte
	if _, err := io.ReadFull(c.conn, pv[:]); err != nil {
		return networkError("handshake", "failed to read protocol version", err)
	}
	if err := c.validator.ValidateProtocolVersion(string(pv[:])); err != nil {
		return protocolError("handshake", "viewer sent invalid protocol version", err)
	}
	major, minor, err := parseProtocolVersion(pv[:])
	if err != nil {
		return err
	}
	if major != 3 {
		return unsupportedError("handshake", fmt.Sprintf("unsupported protocol version %d.%d", major, minor), nil)
	}
	c.minor.Store(int32(negotiateMinor(minor))) // #nosec G115 - 3, 7 or 8

	policy := s.Policy()
	offered, err := s.auth.Offer(policy.Credentials, policy.AuthRequired)
	if err != nil {
		c.refuse(err.Error())
		return err
	}

	chosen, err := c.negotiateSecurity(offered)
	if err != nil {
		return err
	}

	auth, err := s.auth.Create(chosen, policy.Credentials)
	if err != nil {
		return err
	}
	result, err := auth.Authenticate(c.ctx, c.conn)
	if err != nil {
		if IsVNCError(err, ErrAuthentication) {
			_ = c.securityResult(false, "authentication failed")
		}
		return err
	}
	c.viewOnly.Store(result.ViewOnly)

	if chosen != SecTypeNone || c.minor.Load() >= 8 {
		if err := c.securityResult(true, ""); err != nil {
			return err
		}
	}

	var shared [1]byte
	if _, err := io.ReadFull(c.conn, shared[:]); err != nil {
		return networkError("handshake", "failed to read ClientInit", err)
	}
	c.shared.Store(shared[0] != 0)

	c.logger.Debug("Handshake complete",
		Field{Key: "version", Value: fmt.Sprintf("3.%d", c.minor.Load())},
		Field{Key: "security", Value: auth.String()},
		Field{Key: "view_only", Value: result.ViewOnly})
	return nil
}

// negotiateSecurity presents offered and returns the type in use. Version
// 3.3 viewers are told the type; later versions choose from a list.
func (c *ClientConn) negotiateSecurity(offered []uint8) (uint8, error) {
	if c.minor.Load() == 3 {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(offered[0]))
		if _, err := c.conn.Write(b[:]); err != nil {
			return 0, networkError("handshake", "failed to send security type", err)
		}
		return offered[0], nil
	}

	buf := append([]byte{byte(len(offered))}, offered...) // #nosec G115 - at most two types are offered
	if _, err := c.conn.Write(buf); err != nil {
		return 0, networkError("handshake", "failed to send security types", err)
	}
	var chosen [1]byte
	if _, err := io.ReadFull(c.conn, chosen[:]); err != nil {
		return 0, networkError("handshake", "failed to read security type", err)
	}
	if err := c.validator.ValidateSecurityChoice(chosen[0], offered); err != nil {
		return 0, protocolError("handshake", "viewer chose an invalid security type", err)
	}
	return chosen[0], nil
}

// refuse reports a failure before any security type was agreed.
func (c *ClientConn) refuse(reason string) {
	var buf []byte
	if c.minor.Load() == 3 {
		buf = binary.BigEndian.AppendUint32(buf, 0)
	} else {
		buf = append(buf, 0)
	}
	buf = appendReason(buf, reason)
	_, _ = c.conn.Write(buf)
}

// securityResult sends SecurityResult, with a reason on failure for 3.8
// viewers.
func (c *ClientConn) securityResult(ok bool, reason string) error {
	var buf []byte
	if ok {
		buf = binary.BigEndian.AppendUint32(buf, 0)
	} else {
		buf = binary.BigEndian.AppendUint32(buf, 1)
		if c.minor.Load() >= 8 {
			buf = appendReason(buf, reason)
		}
	}
	if _, err := c.conn.Write(buf); err != nil {
		return networkError("handshake", "failed to send security result", err)
	}
	return nil
}

func appendReason(buf []byte, reason string) []byte {
	if len(reason) > maxReasonLength {
		reason = reason[:maxReasonLength]
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(reason))) // #nosec G115 - truncated above
	return append(buf, reason...)
}

func (c *ClientConn) serverInit() error {
	c.encMu.Lock()
	ok := c.enc.CheckBuffer()
	info := c.enc.DisplayInfo()
	format := c.enc.ClientFormat()
	c.encMu.Unlock()
	if !ok {
		return encodingError("serverInit", "no encoder could be initialized", nil)
	}

	name := c.server.Policy().DesktopName
	if name == "" {
		name = info.Name
	}
	pf, err := writePixelFormat(&format)
	if err != nil {
		return err
	}

	buf := make([]byte, 0, 24+len(name))
	buf = binary.BigEndian.AppendUint16(buf, uint16(info.Width))  // #nosec G115 - framebuffer dimensions are validated
	buf = binary.BigEndian.AppendUint16(buf, uint16(info.Height)) // #nosec G115 - framebuffer dimensions are validated
	buf = append(buf, pf...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(name))) // #nosec G115 - desktop names are short
	buf = append(buf, name...)
	return c.write(func(w io.Writer) error {
		if _, err := w.Write(buf); err != nil {
			return networkError("serverInit", "failed to send ServerInit", err)
		}
		return nil
	})
}

// write serializes writes from the update loop and the session manager.
func (c *ClientConn) write(fn func(w io.Writer) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if t := c.server.cfg.Session.WriteTimeout.Duration; t > 0 {
		_ = c.conn.SetWriteDeadline(c.server.now().Add(t))
	}
	return fn(c.conn)
}

func (c *ClientConn) send(m ServerMessage) error {
	return c.write(m.Write)
}

func (c *ClientConn) readLoop() error {
	for {
		msg, err := readClientMessage(c.conn, c.validator)
		if err != nil {
			return err
		}
		if err := c.handle(msg); err != nil {
			return err
		}
	}
}

func (c *ClientConn) handle(msg ClientMessage) error {
	switch m := msg.(type) {
	case *SetPixelFormatMessage:
		c.encMu.Lock()
		ok := c.enc.SetClientFormat(m.Format)
		bounds := c.enc.DisplayInfo().Bounds()
		var err error
		if ok && !m.Format.TrueColor {
			err = c.send(bgr233Palette.Entries())
		}
		c.encMu.Unlock()
		if !ok {
			return unsupportedError("SetPixelFormat", fmt.Sprintf("unusable pixel format %s", m.Format), nil)
		}
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.tracker.AddChanged(NewRegion(bounds))
		c.mu.Unlock()

	case *SetEncodingsMessage:
		c.setEncodings(m.Encodings)

	case *FramebufferUpdateRequestMessage:
		c.requestUpdate(m)

	case *KeyEventMessage:
		if !c.inputAllowed() {
			return nil
		}
		if err := c.validator.ValidateKeySymbol(m.Key); err != nil {
			c.logger.Debug("Dropping key event", Field{Key: "error", Value: err})
			return nil
		}
		c.touch()
		c.server.input.KeyEvent(c.id, m.Key, m.Down)

	case *PointerEventMessage:
		if !c.inputAllowed() {
			return nil
		}
		c.encMu.Lock()
		info := c.enc.DisplayInfo()
		c.encMu.Unlock()
		c.touch()
		c.server.input.PointerEvent(c.id, m.Mask,
			c.validator.ClampPointerPosition(m.X, m.Y, info.Width, info.Height))

	case *ClientCutTextMessage:
		if !c.inputAllowed() {
			return nil
		}
		c.touch()
		c.server.input.ClientCutText(c.id, m.Text)

	case *ClientKeepAliveMessage:
	}
	return nil
}

func (c *ClientConn) inputAllowed() bool {
	return !c.ViewOnly() && c.server.Policy().EnableRemoteInputs
}

func (c *ClientConn) touch() {
	c.lastInput.Store(c.server.now().UnixNano())
}

// setEncodings applies a SetEncodings list. The first supported pixel
// encoding wins; pseudo-encodings anywhere in the list set flags.
func (c *ClientConn) setEncodings(list []Encoding) {
	var (
		chosen     Encoding
		found      bool
		copyRect   bool
		desktop    bool
		xcursor    bool
		richCursor bool
		pointerPos bool
		lastRect   bool
		cache      bool
		queue      bool
		keepAlive  bool
		compress   = -1
		quality    = QualityUnset
		fine       = QualityUnset
		sub        = Subsampling(-1)
	)

	c.encMu.Lock()
	defer c.encMu.Unlock()

	for _, e := range list {
		switch {
		case e == EncodingCopyRect:
			copyRect = true
		case e == EncodingDesktopSize:
			desktop = true
		case e == EncodingXCursor:
			xcursor = true
		case e == EncodingRichCursor:
			richCursor = true
		case e == EncodingPointerPos:
			pointerPos = true
		case e == EncodingLastRect:
			lastRect = true
		case e == EncodingCacheEnable:
			cache = true
		case e == EncodingQueueEnable:
			queue = true
		case e == EncodingEnableKeepAlive:
			keepAlive = true
		case e >= EncodingCompressLevel0 && e <= EncodingCompressLevel9:
			compress = int(e - EncodingCompressLevel0)
		case e >= EncodingQualityLevel0 && e <= EncodingQualityLevel9:
			quality = int(e - EncodingQualityLevel0)
		case e >= EncodingFineQualityLevel0 && e <= EncodingFineQuality100:
			fine = int(e - EncodingFineQualityLevel0)
		case e >= EncodingSubsamp1X && e <= EncodingSubsamp16X:
			sub = Subsampling(e - EncodingSubsamp1X)
		case !e.IsPseudo() && !found && c.enc.Supports(e):
			chosen, found = e, true
		}
	}
	if !found {
		chosen = EncodingRaw
	}

	m := c.enc
	m.SetCompressLevel(compress)
	m.SetQualityLevel(quality)
	if fine != QualityUnset {
		m.SetFineQualityLevel(fine)
	}
	if sub >= 0 {
		m.SetSubsampling(sub)
	}
	m.EnableXCursor(xcursor)
	m.EnableRichCursor(richCursor)
	m.EnableLastRect(lastRect)
	m.EnableCache(cache)
	m.EnableQueuing(queue)

	if !m.SetEncoding(chosen, true) {
		c.logger.Warn("Falling back to raw", Field{Key: "requested", Value: chosen})
		m.SetEncoding(EncodingRaw, true)
	}
	if m.CursorShapesEnabled() {
		m.MarkCursorPending()
	}
	c.keepAliveOK.Store(keepAlive)

	c.mu.Lock()
	c.tracker.EnableCopyRect(copyRect)
	c.desktopSizeOK = desktop
	c.pointerPosOK = pointerPos
	c.mu.Unlock()

	active, _ := m.Encoding()
	c.logger.Debug("Encodings set",
		Field{Key: "encoding", Value: active},
		Field{Key: "count", Value: len(list)})
}

func (c *ClientConn) requestUpdate(m *FramebufferUpdateRequestMessage) {
	c.encMu.Lock()
	info := c.enc.DisplayInfo()
	c.encMu.Unlock()

	r := c.validator.ClipUpdateRequest(m.Rectangle, info.Width, info.Height)

	c.mu.Lock()
	if !r.Empty() {
		c.requested = c.requested.UnionRect(r)
		if !m.Incremental {
			c.tracker.AddChanged(NewRegion(r))
		}
	}
	c.updateRequested = true
	c.mu.Unlock()
	c.wakeUp()
}

func (c *ClientConn) wakeUp() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// codecReset runs under encMu when a codec is activated. The viewer's
// decoder state no longer matches, so everything is resent.
func (c *ClientConn) codecReset() {
	bounds := c.server.desktop.DisplayInfo().Bounds()
	c.mu.Lock()
	c.tracker.AddChanged(NewRegion(bounds))
	c.mu.Unlock()
}

// deliver merges a broadcast update into the session's tracker.
func (c *ClientConn) deliver(u UpdateInfo) {
	c.mu.Lock()
	u.ApplyTo(c.tracker)
	c.mu.Unlock()
	c.wakeUp()
}

// desktopResized schedules a DesktopSize announcement and a full refresh.
func (c *ClientConn) desktopResized(bounds Rect) {
	c.mu.Lock()
	c.resizePending = true
	c.tracker.Drain()
	c.tracker.AddChanged(NewRegion(bounds))
	c.mu.Unlock()
	c.wakeUp()
}

// cursorShapeChanged schedules a cursor shape update.
func (c *ClientConn) cursorShapeChanged() {
	c.mu.Lock()
	c.cursorChanged = true
	c.mu.Unlock()
	c.wakeUp()
}

// cursorPositionChanged schedules a PointerPos update.
func (c *ClientConn) cursorPositionChanged(p Point) {
	c.mu.Lock()
	c.cursorPos = p
	c.cursorMoved = true
	c.mu.Unlock()
	c.wakeUp()
}

func (c *ClientConn) updateLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
		}
		if err := c.sendUpdate(); err != nil {
			return err
		}
	}
}

// pendingUpdate is what one FramebufferUpdate will carry.
type pendingUpdate struct {
	info      UpdateInfo
	requested Region
	resized   bool
	cursor    bool
	moved     bool
	pos       Point
}

// takeUpdate drains the part of the tracker the viewer asked for. Content
// outside the requested area stays queued as changed pixels.
func (c *ClientConn) takeUpdate() (pendingUpdate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.updateRequested {
		return pendingUpdate{}, false
	}
	p := pendingUpdate{
		requested: c.requested,
		resized:   c.resizePending && c.desktopSizeOK,
		cursor:    c.cursorChanged,
		moved:     c.cursorMoved && c.pointerPosOK,
		pos:       c.cursorPos,
	}
	if c.tracker.IsEmpty() && !p.resized && !p.cursor && !p.moved {
		return pendingUpdate{}, false
	}

	info := c.tracker.Drain()
	if rest := info.Changed.Union(info.Cached).Subtract(p.requested); !rest.IsEmpty() {
		c.tracker.AddChanged(rest)
	}
	if rest := info.Copied.Subtract(p.requested); !rest.IsEmpty() {
		c.tracker.AddChanged(rest)
	}
	info.Changed = info.Changed.Union(info.Cached).Intersect(p.requested)
	info.Cached = Region{}
	info.Copied = info.Copied.Intersect(p.requested)
	p.info = info

	if info.IsEmpty() && !p.resized && !p.cursor && !p.moved {
		return pendingUpdate{}, false
	}

	c.updateRequested = false
	c.requested = Region{}
	c.resizePending = false
	c.cursorChanged = false
	if p.moved {
		c.cursorMoved = false
	}
	return p, true
}

// sendUpdate answers an outstanding update request if there is anything to
// send.
func (c *ClientConn) sendUpdate() error {
	p, ok := c.takeUpdate()
	if !ok {
		return nil
	}

	c.encMu.Lock()
	defer c.encMu.Unlock()

	if !c.enc.CheckBuffer() {
		return encodingError("sendUpdate", "no encoder available", nil)
	}
	info := c.enc.DisplayInfo()
	bounds := info.Bounds()
	if p.cursor {
		c.enc.MarkCursorPending()
	}

	var payload bytes.Buffer
	count := 0

	if p.resized {
		payload.Write(appendDesktopSize(nil, info.Width, info.Height))
		count++
	}

	copies, demoted := copyRects(p.info, bounds)
	for _, r := range copies {
		payload.Write(appendCopyRect(nil, r, p.info.CopyDelta))
		count++
	}

	if c.enc.IsCursorUpdatePending() {
		n, err := c.enc.SendCursorShape(&payload)
		if err != nil {
			c.logger.Debug("Cursor shape not sent", Field{Key: "error", Value: err})
		} else if n > 0 {
			count++
		}
	}
	if p.moved {
		payload.Write(appendPointerPos(nil, p.pos))
		count++
	}

	changed := p.info.Changed.Union(demoted).IntersectRect(bounds)
	for _, r := range changed.Rects() {
		n, err := c.enc.EncodeRect(r, &payload)
		if err != nil {
			return err
		}
		if n > 0 {
			count += c.enc.NumCodedRects(r)
		}
	}

	if count == 0 {
		c.mu.Lock()
		c.updateRequested = true
		c.requested = c.requested.Union(p.requested)
		c.mu.Unlock()
		return nil
	}

	numRects := uint16(count) // #nosec G115 - checked below
	if c.enc.IsLastRectEnabled() {
		if _, err := c.enc.LastRect(&payload); err != nil {
			return err
		}
		numRects = lastRectCount
	} else if count >= lastRectCount {
		return encodingError("sendUpdate",
			fmt.Sprintf("update has %d rectangles and the viewer lacks LastRect", count), nil)
	}

	return c.send(&FramebufferUpdateMessage{NumRects: numRects, Payload: payload.Bytes()})
}

// sendKeepAlive sends a keep-alive if the viewer asked for them.
func (c *ClientConn) sendKeepAlive(now time.Time) bool {
	if !c.keepAliveOK.Load() || c.State() != StateAuthenticated {
		return false
	}
	if err := c.send(&KeepAliveMessage{}); err != nil {
		c.logger.Debug("Keep-alive failed", Field{Key: "error", Value: err})
		c.Kill()
		return false
	}
	c.lastKeepAlv.Store(now.UnixNano())
	return true
}

func (c *ClientConn) lastKeepAlive() time.Time {
	return time.Unix(0, c.lastKeepAlv.Load())
}

// SendClipboard sends the server clipboard.
func (c *ClientConn) SendClipboard(text string) error {
	return c.send(&ServerCutTextMessage{Text: text})
}

// Bell rings the viewer's bell.
func (c *ClientConn) Bell() error {
	return c.send(&BellMessage{})
}

// hostOf returns the address of a peer without its port.
func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
