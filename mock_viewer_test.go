// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testWidth  = 64
	testHeight = 48
	ioTimeout  = 5 * time.Second
)

// newTestServer returns a server exporting a 64x48 32bpp framebuffer. The
// server is shut down when the test ends.
func newTestServer(t *testing.T, mutate func(*Config), opts ...ServerOption) (*Server, *Framebuffer) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Session.HandshakeTimeout = Duration{ioTimeout}
	cfg.Session.WriteTimeout = Duration{ioTimeout}
	if mutate != nil {
		mutate(&cfg)
	}

	fb, err := NewFramebuffer(testWidth, testHeight, *PixelFormat32BitRGBA, "test desktop")
	require.NoError(t, err)

	opts = append([]ServerOption{WithLogger(NewZapLogger(zaptest.NewLogger(t)))}, opts...)
	s, err := NewServer(fb, cfg, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
		defer cancel()
		assert.NoError(t, s.Shutdown(ctx))
	})
	return s, fb
}

// inputRecorder is an InputHandler that collects events.
type inputRecorder struct {
	mu    sync.Mutex
	keys  []uint32
	moves []Point
	texts []string
}

func (r *inputRecorder) KeyEvent(_ ClientID, keysym uint32, _ bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, keysym)
}

func (r *inputRecorder) PointerEvent(_ ClientID, _ ButtonMask, p Point) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moves = append(r.moves, p)
}

func (r *inputRecorder) ClientCutText(_ ClientID, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
}

func (r *inputRecorder) keyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

// testViewer drives the viewer side of a connection.
type testViewer struct {
	t    *testing.T
	conn net.Conn

	width  int
	height int
	format PixelFormat
	name   string
}

// pipeViewer connects a viewer to s over net.Pipe.
func pipeViewer(t *testing.T, s *Server) *testViewer {
	t.Helper()
	serverSide, viewerSide := net.Pipe()
	_, err := s.AddClient(serverSide, AddClientOptions{Host: "192.0.2.10"})
	require.NoError(t, err)
	v := &testViewer{t: t, conn: viewerSide}
	t.Cleanup(func() { _ = viewerSide.Close() })
	return v
}

func (v *testViewer) read(n int) []byte {
	v.t.Helper()
	buf := make([]byte, n)
	_ = v.conn.SetReadDeadline(time.Now().Add(ioTimeout))
	_, err := io.ReadFull(v.conn, buf)
	require.NoError(v.t, err)
	return buf
}

func (v *testViewer) readU8() uint8 {
	return v.read(1)[0]
}

func (v *testViewer) readU16() uint16 {
	return binary.BigEndian.Uint16(v.read(2))
}

func (v *testViewer) readU32() uint32 {
	return binary.BigEndian.Uint32(v.read(4))
}

func (v *testViewer) readString() string {
	n := v.readU32()
	return string(v.read(int(n)))
}

func (v *testViewer) write(b []byte) {
	v.t.Helper()
	_ = v.conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	_, err := v.conn.Write(b)
	require.NoError(v.t, err)
}

// expectClosed asserts that the server closed the connection.
func (v *testViewer) expectClosed() {
	v.t.Helper()
	_ = v.conn.SetReadDeadline(time.Now().Add(ioTimeout))
	_, err := io.ReadAll(v.conn)
	if err != nil {
		var ne net.Error
		if assert.ErrorAs(v.t, err, &ne) {
			assert.False(v.t, ne.Timeout(), "connection was not closed")
		}
	}
}

// version exchanges protocol versions.
func (v *testViewer) version(pv string) {
	v.t.Helper()
	assert.Equal(v.t, serverProtocolVersion, string(v.read(pvLen)))
	v.write([]byte(pv))
}

// securityTypes reads the 3.7+ security type list.
func (v *testViewer) securityTypes() []uint8 {
	n := v.readU8()
	if n == 0 {
		return nil
	}
	return v.read(int(n))
}

// answerChallenge completes VNC authentication with password.
func (v *testViewer) answerChallenge(password string) {
	v.t.Helper()
	challenge := v.read(VNCChallengeSize)
	resp, err := EncryptVNCChallenge(password, challenge)
	require.NoError(v.t, err)
	v.write(resp)
}

// clientInit sends ClientInit and reads ServerInit.
func (v *testViewer) clientInit(shared bool) {
	v.t.Helper()
	flag := byte(0)
	if shared {
		flag = 1
	}
	v.write([]byte{flag})

	v.width = int(v.readU16())
	v.height = int(v.readU16())
	require.NoError(v.t, readPixelFormat(v.conn, &v.format))
	v.name = v.readString()
}

// connectNone runs a 3.8 handshake with security type None.
func (v *testViewer) connectNone(shared bool) {
	v.t.Helper()
	v.version("RFB 003.008\n")
	require.Equal(v.t, []uint8{SecTypeNone}, v.securityTypes())
	v.write([]byte{SecTypeNone})
	require.Equal(v.t, uint32(0), v.readU32())
	v.clientInit(shared)
}

// connectPassword runs a 3.8 handshake with VNC authentication and returns
// the security result.
func (v *testViewer) connectPassword(password string) uint32 {
	v.t.Helper()
	v.version("RFB 003.008\n")
	require.Equal(v.t, []uint8{SecTypeVNCAuth}, v.securityTypes())
	v.write([]byte{SecTypeVNCAuth})
	v.answerChallenge(password)
	return v.readU32()
}

func (v *testViewer) setEncodings(encs ...Encoding) {
	buf := []byte{MsgSetEncodings, 0}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(encs)))
	for _, e := range encs {
		buf = binary.BigEndian.AppendUint32(buf, uint32(e))
	}
	v.write(buf)
}

func (v *testViewer) setPixelFormat(pf PixelFormat) {
	raw, err := writePixelFormat(&pf)
	require.NoError(v.t, err)
	v.write(append([]byte{MsgSetPixelFormat, 0, 0, 0}, raw...))
	v.format = pf
}

func (v *testViewer) requestUpdate(incremental bool, r Rect) {
	buf := []byte{MsgFramebufferUpdateRequest, 0}
	if incremental {
		buf[1] = 1
	}
	w := r.Rectangle()
	buf = binary.BigEndian.AppendUint16(buf, w.X)
	buf = binary.BigEndian.AppendUint16(buf, w.Y)
	buf = binary.BigEndian.AppendUint16(buf, w.Width)
	buf = binary.BigEndian.AppendUint16(buf, w.Height)
	v.write(buf)
}

func (v *testViewer) keyEvent(keysym uint32, down bool) {
	buf := []byte{MsgKeyEvent, 0, 0, 0}
	if down {
		buf[1] = 1
	}
	v.write(binary.BigEndian.AppendUint32(buf, keysym))
}

func (v *testViewer) pointerEvent(mask ButtonMask, x, y uint16) {
	buf := []byte{MsgPointerEvent, byte(mask)}
	buf = binary.BigEndian.AppendUint16(buf, x)
	v.write(binary.BigEndian.AppendUint16(buf, y))
}

// receivedRect is one rectangle of a FramebufferUpdate.
type receivedRect struct {
	Rect     Rect
	Encoding Encoding
	Pixels   []byte
}

// readUpdate reads one FramebufferUpdate. Only Raw and payload-less
// pseudo-encodings are understood.
func (v *testViewer) readUpdate() []receivedRect {
	v.t.Helper()
	require.Equal(v.t, MsgFramebufferUpdate, v.readU8())
	v.read(1)
	n := int(v.readU16())

	var rects []receivedRect
	for i := 0; n == lastRectCount || i < n; i++ {
		hdr := v.read(rectHeaderSize)
		r := receivedRect{
			Rect: NewRect(int(binary.BigEndian.Uint16(hdr[0:2])), int(binary.BigEndian.Uint16(hdr[2:4])),
				int(binary.BigEndian.Uint16(hdr[4:6])), int(binary.BigEndian.Uint16(hdr[6:8]))),
			Encoding: Encoding(int32(binary.BigEndian.Uint32(hdr[8:12]))),
		}
		switch r.Encoding {
		case EncodingRaw:
			r.Pixels = v.read(r.Rect.Area() * v.format.BytesPerPixel())
		case EncodingLastRect:
			return rects
		case EncodingDesktopSize, EncodingPointerPos:
		default:
			v.t.Fatalf("unexpected encoding %v in update", r.Encoding)
		}
		rects = append(rects, r)
	}
	return rects
}

// pixelArea sums the area of the Raw rectangles.
func pixelArea(rects []receivedRect) int {
	total := 0
	for _, r := range rects {
		if r.Encoding == EncodingRaw {
			total += r.Rect.Area()
		}
	}
	return total
}
