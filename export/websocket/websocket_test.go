// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceflow/traceflow/calltree"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTrace(id string) *calltree.Trace {
	start := time.UnixMilli(1_000).UTC()
	tr := calltree.NewTrace(id, "main", start)
	root := calltree.NewRoot(calltree.Call{Type: "SERVICE", Signature: "a.A.run", Thread: "main", Start: start})
	tr.AddRoot(root)
	root.SetAttr("count", int64(2))
	root.Finish(start.Add(5*time.Millisecond), nil)
	tr.Complete(start.Add(5 * time.Millisecond))
	return tr
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(discard)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	a, b := dial(t, srv), dial(t, srv)
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Handle(newTrace("trace-1-00000001")))

	for _, conn := range []*websocket.Conn{a, b} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var got calltree.TraceSnapshot
		require.NoError(t, conn.ReadJSON(&got))
		assert.Equal(t, "trace-1-00000001", got.ID)
		assert.Equal(t, int64(5), got.DurationMS)
		require.Len(t, got.Roots, 1)
		assert.Equal(t, "a.A.run", got.Roots[0].Signature)
		assert.Equal(t, float64(2), got.Roots[0].Attributes["count"])
	}

	require.NoError(t, hub.Shutdown(context.Background()))
}

func TestHubNoClients(t *testing.T) {
	hub := NewHub(discard)
	assert.NoError(t, hub.Handle(newTrace("trace-1-00000001")))
	assert.NoError(t, hub.Handle(nil))
}

func TestHubDisconnect(t *testing.T) {
	hub := NewHub(discard)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	))
	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 10*time.Millisecond)
	assert.NoError(t, hub.Handle(newTrace("trace-2-00000002")))
}

func TestHubMaxClients(t *testing.T) {
	hub := NewHub(discard, WithMaxClients(1))
	srv := httptest.NewServer(hub)
	defer srv.Close()

	_ = dial(t, srv)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHubShutdown(t *testing.T) {
	hub := NewHub(discard)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, hub.Shutdown(ctx))
	assert.Equal(t, 0, hub.Clients())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	assert.Error(t, hub.Handle(newTrace("trace-3-00000003")))
	assert.NoError(t, hub.Shutdown(ctx), "second shutdown")
}
