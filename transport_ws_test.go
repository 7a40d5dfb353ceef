// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestWebSocket_Handshake(t *testing.T) {
	s, fb := newTestServer(t, nil)
	fb.Fill(NewRect(0, 0, testWidth, testHeight), 0x00123456)

	ts := httptest.NewServer(WebSocketHandler(s, nil))
	t.Cleanup(ts.Close)

	ws, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	v := &testViewer{t: t, conn: NewWebSocketConn(ws)}
	t.Cleanup(func() { _ = v.conn.Close() })
	v.connectNone(true)
	assert.Equal(t, testWidth, v.width)
	assert.Equal(t, testHeight, v.height)

	require.Eventually(t, func() bool { return s.AuthClientCount() == 1 }, ioTimeout, 5*time.Millisecond)
	assert.Equal(t, "127.0.0.1", s.ListAuthClients()[0].Host)

	v.setEncodings(EncodingRaw)
	v.requestUpdate(false, NewRect(0, 0, testWidth, testHeight))
	rects := v.readUpdate()
	assert.Equal(t, testWidth*testHeight, pixelArea(rects))

	require.NoError(t, v.conn.Close())
	assert.Eventually(t, func() bool { return s.AuthClientCount() == 0 }, ioTimeout, 5*time.Millisecond)
}

func TestWebSocket_CrossOriginRefused(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ts := httptest.NewServer(WebSocketHandler(s, nil))
	t.Cleanup(ts.Close)

	header := http.Header{"Origin": []string{"http://viewer.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, s.UnauthClientCount())

	allowAll := httptest.NewServer(WebSocketHandler(s, func(*http.Request) bool { return true }))
	t.Cleanup(allowAll.Close)
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(allowAll), header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
}

func TestWebSocketConn_StreamsAcrossMessages(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = ws.WriteMessage(websocket.BinaryMessage, []byte("RFB "))
		_ = ws.WriteMessage(websocket.PingMessage, nil)
		_ = ws.WriteMessage(websocket.TextMessage, []byte("003.008\n"))
		_ = ws.WriteMessage(websocket.BinaryMessage, nil)
		_ = ws.WriteMessage(websocket.BinaryMessage, []byte{1, 2})
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	t.Cleanup(ts.Close)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	conn := NewWebSocketConn(ws)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(ioTimeout)))

	buf := make([]byte, pvLen)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "RFB 003.008\n", string(buf))

	rest, err := io.ReadAll(conn)
	require.NoError(t, err, "a close frame reads as EOF")
	assert.Equal(t, []byte{1, 2}, rest)
}

func TestWebSocketConn_WritesBinaryMessages(t *testing.T) {
	got := make(chan []byte, 1)
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		mt, data, err := ws.ReadMessage()
		if err != nil || mt != websocket.BinaryMessage {
			got <- nil
			return
		}
		got <- data
	}))
	t.Cleanup(ts.Close)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	conn := NewWebSocketConn(ws)
	t.Cleanup(func() { _ = conn.Close() })

	n, err := conn.Write([]byte{MsgBell})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotNil(t, conn.LocalAddr())
	assert.NotNil(t, conn.RemoteAddr())

	select {
	case data := <-got:
		assert.Equal(t, []byte{MsgBell}, data)
	case <-time.After(ioTimeout):
		t.Fatal("message not received")
	}
}
