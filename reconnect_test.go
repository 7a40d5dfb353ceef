// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// pipeDialer hands out net.Pipe connections and queues the far ends. The
// first failures dials return an error.
type pipeDialer struct {
	mu       sync.Mutex
	failures int
	addrs    []string
	far      chan net.Conn
}

func newPipeDialer(failures int) *pipeDialer {
	return &pipeDialer{failures: failures, far: make(chan net.Conn, 8)}
}

func (d *pipeDialer) DialContext(_ context.Context, _, address string) (net.Conn, error) {
	d.mu.Lock()
	d.addrs = append(d.addrs, address)
	if d.failures > 0 {
		d.failures--
		d.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	d.mu.Unlock()

	near, far := net.Pipe()
	d.far <- far
	return near, nil
}

func (d *pipeDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.addrs...)
}

func (d *pipeDialer) next(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-d.far:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(ioTimeout):
		t.Fatal("no connection dialed")
		return nil
	}
}

func runReconnector(t *testing.T, cfg ReconnectConfig) *Reconnector {
	t.Helper()
	cfg.Logger = NewZapLogger(zaptest.NewLogger(t))
	r := NewReconnector(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return r
}

func TestReconnectTarget_Validate(t *testing.T) {
	tests := []struct {
		name    string
		target  ReconnectTarget
		wantErr bool
	}{
		{"host and port", ReconnectTarget{Address: "viewer.example.com:5500"}, false},
		{"ipv6", ReconnectTarget{Address: "[2001:db8::1]:5500"}, false},
		{"missing port", ReconnectTarget{Address: "viewer.example.com"}, true},
		{"empty", ReconnectTarget{}, true},
		{"repeater id", ReconnectTarget{Address: "repeater:5901", RepeaterID: "ID:1234"}, false},
		{"repeater id too long", ReconnectTarget{Address: "repeater:5901", RepeaterID: string(bytes.Repeat([]byte("x"), MaxRepeaterIDLength+1))}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.target.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				assert.True(t, IsVNCError(err, ErrValidation))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestReconnector_ConnectsAndCachesAddress(t *testing.T) {
	d := newPipeDialer(0)
	connected := make(chan ReconnectTarget, 1)
	r := runReconnector(t, ReconnectConfig{
		Dialer: d,
		Connect: func(conn net.Conn, target ReconnectTarget) error {
			connected <- target
			return nil
		},
	})

	target := ReconnectTarget{Address: "viewer.example.com:5500"}
	require.NoError(t, r.Start(target))
	d.next(t)

	select {
	case got := <-connected:
		assert.Equal(t, target, got)
	case <-time.After(ioTimeout):
		t.Fatal("connection not handed over")
	}

	st := r.Status()
	assert.True(t, st.Active)
	assert.True(t, st.Connected)
	assert.Equal(t, 1, st.Attempts)
	assert.Equal(t, "pipe", st.Cached)

	r.RetryNow()
	d.next(t)
	assert.Equal(t, []string{"viewer.example.com:5500", "pipe"}, d.dialed())
}

func TestReconnector_SendsRepeaterID(t *testing.T) {
	d := newPipeDialer(0)
	r := runReconnector(t, ReconnectConfig{Dialer: d})

	require.NoError(t, r.Start(ReconnectTarget{Address: "repeater:5901", RepeaterID: " ID:42 "}))
	far := d.next(t)

	id := make([]byte, MaxRepeaterIDLength)
	_ = far.SetReadDeadline(time.Now().Add(ioTimeout))
	_, err := io.ReadFull(far, id)
	require.NoError(t, err)
	assert.Equal(t, "ID:42", string(bytes.TrimRight(id, "\x00")))
}

func TestReconnector_RetriesWithBackoff(t *testing.T) {
	d := newPipeDialer(2)
	metrics := NewMetrics(prometheus.NewRegistry())
	var handed sync.WaitGroup
	handed.Add(1)
	r := runReconnector(t, ReconnectConfig{
		Dialer:          d,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		Metrics:         metrics,
		Connect: func(net.Conn, ReconnectTarget) error {
			handed.Done()
			return nil
		},
	})

	require.NoError(t, r.Start(ReconnectTarget{Address: "viewer:5500"}))
	d.next(t)
	handed.Wait()

	assert.Equal(t, 3, r.Status().Attempts)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.reconnects.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.reconnects.WithLabelValues("success")))
}

func TestReconnector_RefusedHandOffRetries(t *testing.T) {
	d := newPipeDialer(0)
	var calls int
	var mu sync.Mutex
	r := runReconnector(t, ReconnectConfig{
		Dialer:          d,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Connect: func(conn net.Conn, _ ReconnectTarget) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				_ = conn.Close()
				return ErrTooManyClients
			}
			return nil
		},
	})

	require.NoError(t, r.Start(ReconnectTarget{Address: "viewer:5500"}))
	d.next(t)
	d.next(t)
	assert.Eventually(t, func() bool { return r.Status().Connected }, ioTimeout, 5*time.Millisecond)
}

func TestReconnector_Stop(t *testing.T) {
	d := newPipeDialer(1 << 20)
	r := runReconnector(t, ReconnectConfig{
		Dialer:          d,
		InitialInterval: time.Hour,
		MaxInterval:     time.Hour,
	})

	require.NoError(t, r.Start(ReconnectTarget{Address: "viewer:5500"}))
	require.Eventually(t, func() bool {
		return !r.Status().NextAttempt.IsZero()
	}, ioTimeout, 5*time.Millisecond)

	r.Stop()
	st := r.Status()
	assert.False(t, st.Active)
	assert.True(t, st.NextAttempt.IsZero())
	assert.Len(t, d.dialed(), 1)
}

func TestReconnector_Shutdown(t *testing.T) {
	d := newPipeDialer(0)
	r := runReconnector(t, ReconnectConfig{Dialer: d})

	r.Shutdown()
	require.NoError(t, r.Start(ReconnectTarget{Address: "viewer:5500"}))
	st := r.Status()
	assert.True(t, st.Shutdown)
	assert.False(t, st.Active)
	assert.Empty(t, d.dialed())

	assert.Error(t, r.Start(ReconnectTarget{Address: "no-port"}))
}

func TestReconnector_StatusAfterRunReturns(t *testing.T) {
	r := NewReconnector(ReconnectConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))

	assert.Equal(t, ReconnectStatus{Shutdown: true}, r.Status())
	assert.ErrorIs(t, r.Start(ReconnectTarget{Address: "viewer:5500"}), ErrServerShutdown)
}

func TestServer_ReverseConnection(t *testing.T) {
	d := newPipeDialer(0)
	s, _ := newTestServer(t, nil, WithDialer(d))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.NoError(t, s.Connect(ReconnectTarget{Address: "viewer:5500"}))

	v := &testViewer{t: t, conn: d.next(t)}
	v.connectNone(true)
	require.Eventually(t, func() bool { return s.AuthClientCount() == 1 }, ioTimeout, 5*time.Millisecond)
	assert.True(t, s.ListAuthClients()[0].Outgoing)

	// Losing the viewer dials again.
	require.NoError(t, v.conn.Close())
	v = &testViewer{t: t, conn: d.next(t)}
	v.connectNone(true)
	assert.Eventually(t, func() bool { return s.AuthClientCount() == 1 }, ioTimeout, 5*time.Millisecond)
}

func TestServer_ConnectAfterShutdown(t *testing.T) {
	s, _ := newTestServer(t, nil)
	require.NoError(t, s.Shutdown(context.Background()))
	assert.ErrorIs(t, s.Connect(ReconnectTarget{Address: "viewer:5500"}), ErrServerShutdown)
}

// gatedDialer blocks dials to gated addresses until release is closed,
// even after the dial context is cancelled.
type gatedDialer struct {
	mu      sync.Mutex
	gated   string
	release chan struct{}
	addrs   []string
	near    map[string]net.Conn
	far     map[string]net.Conn
}

func (d *gatedDialer) DialContext(_ context.Context, _, address string) (net.Conn, error) {
	d.mu.Lock()
	d.addrs = append(d.addrs, address)
	d.mu.Unlock()
	if address == d.gated {
		<-d.release
	}
	near, far := net.Pipe()
	d.mu.Lock()
	d.near[address], d.far[address] = near, far
	d.mu.Unlock()
	return near, nil
}

func (d *gatedDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.addrs...)
}

func (d *gatedDialer) conns(address string) (net.Conn, net.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.near[address], d.far[address]
}

func TestReconnector_StartReplacesDialInFlight(t *testing.T) {
	d := &gatedDialer{
		gated:   "a.example:5500",
		release: make(chan struct{}),
		near:    map[string]net.Conn{},
		far:     map[string]net.Conn{},
	}
	type handoff struct {
		conn   net.Conn
		target ReconnectTarget
	}
	connected := make(chan handoff, 4)
	r := runReconnector(t, ReconnectConfig{
		Dialer: d,
		Connect: func(conn net.Conn, target ReconnectTarget) error {
			connected <- handoff{conn, target}
			return nil
		},
	})

	require.NoError(t, r.Start(ReconnectTarget{Address: "a.example:5500"}))
	require.Eventually(t, func() bool { return len(d.dialed()) == 1 }, ioTimeout, time.Millisecond)
	assert.True(t, r.Status().Dialing)

	b := ReconnectTarget{Address: "b.example:5500"}
	require.NoError(t, r.Start(b))

	var got handoff
	select {
	case got = <-connected:
	case <-time.After(ioTimeout):
		t.Fatal("new target never handed over")
	}
	nearB, farB := d.conns(b.Address)
	t.Cleanup(func() { _ = farB.Close() })
	assert.Equal(t, b, got.target)
	assert.Same(t, nearB, got.conn)

	close(d.release)
	require.Eventually(t, func() bool { near, _ := d.conns("a.example:5500"); return near != nil }, ioTimeout, time.Millisecond)
	_, farA := d.conns("a.example:5500")
	_ = farA.SetReadDeadline(time.Now().Add(ioTimeout))
	_, err := farA.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "the late connection to the old target is closed")

	assert.Empty(t, connected)
	st := r.Status()
	assert.Equal(t, b, st.Target)
	assert.True(t, st.Connected)
	assert.False(t, st.Dialing)
	assert.Equal(t, 1, st.Attempts)
	assert.Equal(t, []string{"a.example:5500", "b.example:5500"}, d.dialed())
}

func TestReconnector_StopDiscardsDialInFlight(t *testing.T) {
	d := &gatedDialer{
		gated:   "a.example:5500",
		release: make(chan struct{}),
		near:    map[string]net.Conn{},
		far:     map[string]net.Conn{},
	}
	connected := make(chan struct{}, 1)
	r := runReconnector(t, ReconnectConfig{
		Dialer: d,
		Connect: func(net.Conn, ReconnectTarget) error {
			connected <- struct{}{}
			return nil
		},
	})

	require.NoError(t, r.Start(ReconnectTarget{Address: "a.example:5500"}))
	require.Eventually(t, func() bool { return len(d.dialed()) == 1 }, ioTimeout, time.Millisecond)
	r.Stop()
	assert.False(t, r.Status().Dialing)

	close(d.release)
	require.Eventually(t, func() bool { near, _ := d.conns("a.example:5500"); return near != nil }, ioTimeout, time.Millisecond)
	_, farA := d.conns("a.example:5500")
	_ = farA.SetReadDeadline(time.Now().Add(ioTimeout))
	_, err := farA.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	assert.Empty(t, connected)
	st := r.Status()
	assert.False(t, st.Active)
	assert.False(t, st.Connected)
	assert.Empty(t, st.Cached)
}
