// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_NewServerRequiresDesktop(t *testing.T) {
	_, err := NewServer(nil, DefaultConfig())
	assert.True(t, IsVNCError(err, ErrConfiguration))
}

func TestServer_HandshakeNone(t *testing.T) {
	s, fb := newTestServer(t, nil)
	fb.Fill(fb.DisplayInfo().Bounds(), 0x00FF0000)

	v := pipeViewer(t, s)
	v.connectNone(true)

	assert.Equal(t, testWidth, v.width)
	assert.Equal(t, testHeight, v.height)
	assert.Equal(t, "test desktop", v.name)
	assert.Equal(t, *PixelFormat32BitRGBA, v.format)

	v.setEncodings(EncodingRaw)
	v.requestUpdate(false, NewRect(0, 0, testWidth, testHeight))
	rects := v.readUpdate()
	require.NotEmpty(t, rects)
	assert.Equal(t, testWidth*testHeight, pixelArea(rects))
	assert.Equal(t, []byte{0x00, 0x00, 0xFF, 0x00}, rects[0].Pixels[:4])

	require.Eventually(t, func() bool { return s.AuthClientCount() == 1 }, ioTimeout, 10*time.Millisecond)
	infos := s.ListAuthClients()
	require.Len(t, infos, 1)
	assert.Equal(t, "3.8", infos[0].ProtocolVersion)
	assert.Equal(t, "192.0.2.10", infos[0].Host)
	assert.True(t, infos[0].Shared)
	assert.Equal(t, "raw", infos[0].Encoding)
}

func TestServer_Handshake33(t *testing.T) {
	s, _ := newTestServer(t, nil)
	v := pipeViewer(t, s)

	v.version("RFB 003.003\n")
	assert.Equal(t, uint32(SecTypeNone), v.readU32(), "3.3 viewers are told the type")
	v.clientInit(true)
	assert.Equal(t, testWidth, v.width)
}

func TestServer_HandshakeOddMinorBehavesLike33(t *testing.T) {
	s, _ := newTestServer(t, nil)
	v := pipeViewer(t, s)

	v.version("RFB 003.005\n")
	assert.Equal(t, uint32(SecTypeNone), v.readU32())
	v.clientInit(true)
}

func TestServer_Handshake37None(t *testing.T) {
	s, _ := newTestServer(t, nil)
	v := pipeViewer(t, s)

	v.version("RFB 003.007\n")
	require.Equal(t, []uint8{SecTypeNone}, v.securityTypes())
	v.write([]byte{SecTypeNone})
	// No SecurityResult for None before 3.8.
	v.clientInit(true)
	assert.Equal(t, testHeight, v.height)
}

func TestServer_InvalidSecurityChoice(t *testing.T) {
	s, _ := newTestServer(t, nil)
	v := pipeViewer(t, s)

	v.version("RFB 003.008\n")
	v.securityTypes()
	v.write([]byte{SecTypeVNCAuth})
	v.expectClosed()
	assert.Equal(t, 0, s.AuthClientCount())
}

func TestServer_VNCAuth(t *testing.T) {
	s, _ := newTestServer(t, func(c *Config) {
		c.Security.Password = "secret"
		c.Security.ViewOnlyPassword = "look"
	})

	t.Run("full access", func(t *testing.T) {
		v := pipeViewer(t, s)
		require.Equal(t, uint32(0), v.connectPassword("secret"))
		v.clientInit(true)
	})

	t.Run("view only", func(t *testing.T) {
		v := pipeViewer(t, s)
		require.Equal(t, uint32(0), v.connectPassword("look"))
		v.clientInit(true)

		require.Eventually(t, func() bool {
			for _, info := range s.ListAuthClients() {
				if info.ViewOnly {
					return true
				}
			}
			return false
		}, ioTimeout, 10*time.Millisecond)
	})

	t.Run("wrong password", func(t *testing.T) {
		v := pipeViewer(t, s)
		require.Equal(t, uint32(1), v.connectPassword("nope"))
		assert.Equal(t, "authentication failed", v.readString())
		v.expectClosed()

		require.Eventually(t, func() bool { return s.UnauthClientCount() == 0 }, ioTimeout, 10*time.Millisecond)
		entries := s.Blacklist().Entries()
		require.Len(t, entries, 1)
		assert.Equal(t, "192.0.2.10", entries[0].Host)
		assert.Equal(t, 1, entries[0].Failures)
	})
}

func TestServer_VNCAuthFailure33NoReason(t *testing.T) {
	s, _ := newTestServer(t, func(c *Config) { c.Security.Password = "secret" })
	v := pipeViewer(t, s)

	v.version("RFB 003.003\n")
	require.Equal(t, uint32(SecTypeVNCAuth), v.readU32())
	v.answerChallenge("wrong")
	assert.Equal(t, uint32(1), v.readU32())
	v.expectClosed()
}

func TestServer_AuthRequiredWithoutPassword(t *testing.T) {
	s, _ := newTestServer(t, nil)
	s.SetAuthRequired(true)
	v := pipeViewer(t, s)

	v.version("RFB 003.008\n")
	assert.Empty(t, v.securityTypes())
	assert.NotEmpty(t, v.readString())
	v.expectClosed()
}

func TestServer_BlacklistRejectsAfterFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	s, _ := newTestServer(t, func(c *Config) { c.Security.Password = "secret" }, WithMetrics(m))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	admit := func() (*testViewer, error) {
		conn, err := net.Dial("tcp", l.Addr().String())
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })
		serverConn, err := l.Accept()
		require.NoError(t, err)
		_, err = s.Admit(context.Background(), serverConn)
		return &testViewer{t: t, conn: conn}, err
	}

	for i := 0; i < DefaultBlacklistThreshold; i++ {
		v, err := admit()
		require.NoError(t, err, "attempt %d", i+1)
		require.Equal(t, uint32(1), v.connectPassword("wrong"))
		require.Eventually(t, func() bool { return s.UnauthClientCount() == 0 }, ioTimeout, 10*time.Millisecond)
	}

	assert.True(t, s.Blacklist().Blocked("127.0.0.1"))
	assert.Equal(t, VerdictReject, s.VerifyHost("127.0.0.1"))

	v, err := admit()
	assert.True(t, IsVNCError(err, ErrRejected))
	v.expectClosed()

	assert.Equal(t, float64(DefaultBlacklistThreshold), testutil.ToFloat64(m.authFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues("policy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.blacklisted))
}

func TestServer_NonSharedDisconnectsOthers(t *testing.T) {
	s, _ := newTestServer(t, nil)

	first := pipeViewer(t, s)
	first.connectNone(true)
	second := pipeViewer(t, s)
	second.connectNone(true)
	require.Eventually(t, func() bool { return s.AuthClientCount() == 2 }, ioTimeout, 10*time.Millisecond)

	exclusive := pipeViewer(t, s)
	exclusive.connectNone(false)

	first.expectClosed()
	second.expectClosed()
	require.Eventually(t, func() bool { return s.AuthClientCount() == 1 }, ioTimeout, 10*time.Millisecond)
}

func TestServer_MaxClients(t *testing.T) {
	s, _ := newTestServer(t, func(c *Config) { c.Session.MaxClients = 1 })

	pipeViewer(t, s)

	a, b := net.Pipe()
	defer b.Close()
	_, err := s.AddClient(a, AddClientOptions{})
	assert.ErrorIs(t, err, ErrTooManyClients)
}

func TestServer_InputRouting(t *testing.T) {
	rec := &inputRecorder{}
	s, _ := newTestServer(t, nil, WithInputHandler(rec))
	v := pipeViewer(t, s)
	v.connectNone(true)

	v.keyEvent(0xff0d, true)
	v.pointerEvent(ButtonLeft, 1000, 10)
	require.Eventually(t, func() bool { return rec.keyCount() == 1 }, ioTimeout, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.moves) == 1
	}, ioTimeout, 10*time.Millisecond)

	rec.mu.Lock()
	assert.Equal(t, Point{X: testWidth - 1, Y: 10}, rec.moves[0], "pointer is clamped to the framebuffer")
	rec.mu.Unlock()

	s.SetRemoteInputs(false)
	v.keyEvent(0xff0d, false)
	// A round trip through the update path orders the key event before the check.
	v.setEncodings(EncodingRaw)
	v.requestUpdate(false, NewRect(0, 0, 1, 1))
	v.readUpdate()
	assert.Equal(t, 1, rec.keyCount(), "input is dropped while remote input is disabled")
}

func TestServer_Notifications(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ch := make(chan Notification, 8)
	s.AddNotify(ch)

	v := pipeViewer(t, s)
	v.connectNone(true)

	next := func() Notification {
		select {
		case n := <-ch:
			return n
		case <-time.After(ioTimeout):
			t.Fatal("no notification")
			return Notification{}
		}
	}

	connected := next()
	assert.Equal(t, ClientConnected, connected.Kind)
	assert.Equal(t, "192.0.2.10", connected.Host)
	assert.Equal(t, ClientAuthenticated, next().Kind)

	require.NoError(t, s.KillClient(connected.ClientID))
	disconnected := next()
	assert.Equal(t, ClientDisconnected, disconnected.Kind)
	assert.Equal(t, connected.ClientID, disconnected.ClientID)

	assert.ErrorIs(t, s.KillClient(connected.ClientID), ErrClientNotFound)
	assert.True(t, s.RemNotify(ch))
	assert.False(t, s.RemNotify(ch))
}

func TestServer_VerifyHost(t *testing.T) {
	tests := []struct {
		name  string
		setup func(s *Server)
		host  string
		want  Verdict
	}{
		{name: "default accepts", host: "192.0.2.1", want: VerdictAccept},
		{name: "loopback accepted", host: "127.0.0.1", want: VerdictAccept},
		{
			name:  "loopback disallowed",
			setup: func(s *Server) { s.SetLoopback(false, false) },
			host:  "127.0.0.1",
			want:  VerdictReject,
		},
		{
			name:  "loopback only rejects remote",
			setup: func(s *Server) { s.SetLoopback(true, true) },
			host:  "192.0.2.1",
			want:  VerdictReject,
		},
		{
			name:  "loopback only accepts ipv6 loopback",
			setup: func(s *Server) { s.SetLoopback(true, true) },
			host:  "::1",
			want:  VerdictAccept,
		},
		{
			name:  "query on connect",
			setup: func(s *Server) { s.SetQuerySettings(true, time.Second, false) },
			host:  "192.0.2.1",
			want:  VerdictQuery,
		},
		{
			name:  "pattern accepts subnet",
			setup: func(s *Server) { require.NoError(t, s.SetAuthHosts("-:+192.0.2.")) },
			host:  "192.0.2.5",
			want:  VerdictAccept,
		},
		{
			name:  "pattern rejects others",
			setup: func(s *Server) { require.NoError(t, s.SetAuthHosts("-:+192.0.2.")) },
			host:  "198.51.100.1",
			want:  VerdictReject,
		},
		{
			name:  "last match wins",
			setup: func(s *Server) { require.NoError(t, s.SetAuthHosts("+192.0.2.,-192.0.2.7")) },
			host:  "192.0.2.7",
			want:  VerdictReject,
		},
		{
			name:  "query pattern",
			setup: func(s *Server) { require.NoError(t, s.SetAuthHosts("?192.0.2.")) },
			host:  "192.0.2.9",
			want:  VerdictQuery,
		},
		{
			name:  "allowed loopback skips patterns",
			setup: func(s *Server) { require.NoError(t, s.SetAuthHosts("-")) },
			host:  "127.0.0.1",
			want:  VerdictAccept,
		},
		{
			name: "blacklisted host",
			setup: func(s *Server) {
				for i := 0; i < DefaultBlacklistThreshold; i++ {
					s.Blacklist().Fail("192.0.2.66")
				}
			},
			host: "192.0.2.66",
			want: VerdictReject,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, nil)
			if tt.setup != nil {
				tt.setup(s)
			}
			assert.Equal(t, tt.want, s.VerifyHost(tt.host))
		})
	}
}

func TestServer_SetAuthHostsRejectsInvalid(t *testing.T) {
	s, _ := newTestServer(t, nil)
	require.NoError(t, s.SetAuthHosts("+10."))
	assert.Error(t, s.SetAuthHosts("10.0.0.1"))
	assert.Equal(t, "+10.", s.Policy().AuthHosts, "invalid lists leave the policy unchanged")
}

func TestServer_ResolveQuery(t *testing.T) {
	tests := []struct {
		name          string
		querier       Querier
		defaultAccept bool
		want          bool
	}{
		{name: "no querier uses default", defaultAccept: true, want: true},
		{
			name:    "accepted",
			querier: QuerierFunc(func(context.Context, string) (bool, error) { return true, nil }),
			want:    true,
		},
		{
			name:          "declined",
			querier:       QuerierFunc(func(context.Context, string) (bool, error) { return false, nil }),
			defaultAccept: true,
			want:          false,
		},
		{
			name:          "error uses default",
			querier:       QuerierFunc(func(context.Context, string) (bool, error) { return false, errors.New("no desktop") }),
			defaultAccept: true,
			want:          true,
		},
		{
			name: "timeout uses default",
			querier: QuerierFunc(func(ctx context.Context, _ string) (bool, error) {
				<-ctx.Done()
				return false, ctx.Err()
			}),
			defaultAccept: true,
			want:          true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []ServerOption
			if tt.querier != nil {
				opts = append(opts, WithQuerier(tt.querier))
			}
			s, _ := newTestServer(t, nil, opts...)
			s.SetQuerySettings(true, 50*time.Millisecond, tt.defaultAccept)
			assert.Equal(t, tt.want, s.resolveQuery(context.Background(), "192.0.2.1"))
		})
	}
}

func TestServer_AdmitDeclinedByQuery(t *testing.T) {
	s, _ := newTestServer(t, nil,
		WithQuerier(QuerierFunc(func(context.Context, string) (bool, error) { return false, nil })))
	s.SetQuerySettings(true, time.Second, true)

	a, b := net.Pipe()
	defer b.Close()
	_, err := s.Admit(context.Background(), a)
	assert.True(t, IsVNCError(err, ErrRejected))
	assert.Equal(t, 0, s.UnauthClientCount())
}

func TestServer_KeepAliveAndIdle(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	s, _ := newTestServer(t, func(c *Config) { c.Session.IdleTimeout = Duration{time.Minute} }, WithMetrics(m))
	v := pipeViewer(t, s)
	v.connectNone(true)
	v.setEncodings(EncodingRaw, EncodingEnableKeepAlive)
	v.requestUpdate(false, NewRect(0, 0, 1, 1))
	v.readUpdate()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.tick(time.Now().Add(10 * time.Second))
	}()
	assert.Equal(t, MsgServerKeepAlive, v.readU8())
	<-done
	assert.Equal(t, 1.0, testutil.ToFloat64(m.keepAlives))

	s.tick(time.Now().Add(2 * time.Minute))
	v.expectClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.idleDisconnects))
}

func TestServer_Shutdown(t *testing.T) {
	s, _ := newTestServer(t, nil)
	v := pipeViewer(t, s)
	v.connectNone(true)

	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	v.expectClosed()

	assert.Equal(t, 0, s.AuthClientCount())
	assert.Equal(t, VerdictReject, s.VerifyHost("192.0.2.1"))

	a, b := net.Pipe()
	defer b.Close()
	_, err := s.AddClient(a, AddClientOptions{})
	assert.ErrorIs(t, err, ErrServerShutdown)
	assert.ErrorIs(t, s.Connect(ReconnectTarget{Address: "192.0.2.1:5500"}), ErrServerShutdown)
}

func TestServer_WaitUntilAuthEmpty(t *testing.T) {
	s, _ := newTestServer(t, nil)
	v := pipeViewer(t, s)
	v.connectNone(true)
	require.Eventually(t, func() bool { return s.AuthClientCount() == 1 }, ioTimeout, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.True(t, IsVNCError(s.WaitUntilAuthEmpty(ctx), ErrTimeout))

	assert.Equal(t, 1, s.KillAuthClients())
	ctx2, cancel2 := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel2()
	assert.NoError(t, s.WaitUntilAuthEmpty(ctx2))
}

func TestServer_ClipboardAndBell(t *testing.T) {
	s, _ := newTestServer(t, nil)
	v := pipeViewer(t, s)
	v.connectNone(true)
	require.Eventually(t, func() bool { return s.AuthClientCount() == 1 }, ioTimeout, 10*time.Millisecond)

	go s.UpdateClipboard("héllo")
	assert.Equal(t, MsgServerCutText, v.readU8())
	v.read(3)
	assert.Equal(t, []byte("h\xe9llo"), v.read(int(v.readU32())))

	go s.Bell()
	assert.Equal(t, MsgBell, v.readU8())
}

func TestServer_EncodingRestriction(t *testing.T) {
	s, _ := newTestServer(t, func(c *Config) { c.Session.Encodings = []string{"hextile"} })
	assert.True(t, s.Codecs().IsSupported(FamilyHextile))
	assert.True(t, s.Codecs().IsSupported(FamilyRaw))
	assert.False(t, s.Codecs().IsSupported(FamilyZlib))
}

func TestServer_ClientID(t *testing.T) {
	id := NewClientID()
	parsed, err := ParseClientID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	text, err := id.MarshalText()
	require.NoError(t, err)
	var back ClientID
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, id, back)

	_, err = ParseClientID("not-a-uuid")
	assert.True(t, IsVNCError(err, ErrValidation))
}
