package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/go-fntv-play/internal/session"
)

func dialEvents(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads events until one of type want arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want session.EventType) session.Event {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var ev session.Event
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == want {
			return ev
		}
	}
}

func TestWebSocketEvents(t *testing.T) {
	env := createTestServer(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	conn := dialEvents(t, ts)

	hello := readUntil(t, conn, eventConnected)
	assert.Empty(t, hello.SessionID)

	require.Eventually(t, func() bool { return env.server.wsClientCount() == 1 }, time.Second, 10*time.Millisecond)

	resp, err := http.Post(ts.URL+"/api/play", "application/json", bytes.NewBufferString(`{"item_guid":"movie"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	changed := readUntil(t, conn, session.EventSessionChanged)
	assert.Equal(t, "movie", changed.ItemGUID)
	assert.NotEmpty(t, changed.SessionID)

	linked := readUntil(t, conn, session.EventPlaybackLinkResolved)
	assert.Equal(t, changed.SessionID, linked.SessionID)
	link, ok := linked.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "direct", link["kind"])

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/session", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	stopped := readUntil(t, conn, session.EventSessionStopped)
	assert.Equal(t, changed.SessionID, stopped.SessionID)
}

func TestWebSocketInitialStatusWithSession(t *testing.T) {
	env := createTestServer(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	w, _ := env.do(t, "POST", "/api/play", PlayRequest{ItemGUID: "movie"})
	require.Equal(t, http.StatusCreated, w.Code)

	conn := dialEvents(t, ts)
	hello := readUntil(t, conn, eventConnected)

	assert.Equal(t, "movie", hello.ItemGUID)
	view, ok := hello.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "V1", view["variant_guid"])
}

func TestWebSocketClientsClosedOnStop(t *testing.T) {
	env := createTestServer(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	conn := dialEvents(t, ts)
	readUntil(t, conn, eventConnected)
	require.Eventually(t, func() bool { return env.server.wsClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, env.server.Stop())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	assert.Eventually(t, func() bool { return env.sessions.Bus().Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}
