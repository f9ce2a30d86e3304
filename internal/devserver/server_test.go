package devserver

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/pairchat/pkg/protocol"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server, Demo) {
	t.Helper()
	store, demo, _ := newDemoStore(t)
	srv := New(store, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
	})
	return srv, ts, demo
}

func get(t *testing.T, url string, as protocol.UserID) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if !as.IsZero() {
		req.Header.Set("X-User-ID", as.String())
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func dial(t *testing.T, ts *httptest.Server, room string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/chat/" + room + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func send(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))
}

func TestREST_Users(t *testing.T) {
	_, ts, d := newTestServer(t)

	resp, body := get(t, ts.URL+"/api/users/", d.Player1)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var users []protocol.User
	require.NoError(t, json.Unmarshal(body, &users))
	require.Len(t, users, 3)
	for _, u := range users {
		assert.NotEqual(t, d.Player1, u.ID)
	}

	resp, body = get(t, ts.URL+"/api/users/3/", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"id":3,"username":"Działacz 1","profile":{"role":"OFFICIAL"}}`, string(body))

	resp, _ = get(t, ts.URL+"/api/users/42/", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestREST_UnknownCaller(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp, body := get(t, ts.URL+"/api/conversation/1/", "42")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.JSONEq(t, `{"detail":"No such user"}`, string(body))

	resp, _ = get(t, ts.URL+"/api/conversation/1/", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestREST_Conversation(t *testing.T) {
	_, ts, d := newTestServer(t)

	resp, body := get(t, ts.URL+"/api/conversation/1/", d.Player2)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msgs []protocol.Message
	require.NoError(t, json.Unmarshal(body, &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, d.Player1, msgs[0].Sender)
	assert.Equal(t, d.Player2, msgs[1].Sender)
	_, ok := msgs[0].Time()
	assert.True(t, ok)

	_, body = get(t, ts.URL+"/api/conversation/4/", d.Player2)
	assert.JSONEq(t, `[]`, string(body))
}

func TestREST_CreateMessage(t *testing.T) {
	_, ts, d := newTestServer(t)
	post := func(as protocol.UserID, body string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/messages/create/", strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("X-User-ID", as.String())
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	assert.Equal(t, http.StatusCreated, post(d.Player2, `{"receiver_id":1,"content":"via rest"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(d.Player2, `{"receiver_id":99,"content":"x"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(d.Player2, `{"receiver_id":1,"content":" "}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(d.Player2, `nope`).StatusCode)
	assert.Equal(t, http.StatusForbidden, post(d.Official1, `{"receiver_id":4,"content":"hi"}`).StatusCode)

	_, body := get(t, ts.URL+"/api/conversation/2/", d.Player1)
	assert.Contains(t, string(body), "via rest")
}

func TestWS_BroadcastToRoom(t *testing.T) {
	srv, ts, _ := newTestServer(t)
	a := dial(t, ts, "test")
	b := dial(t, ts, "test")
	other := dial(t, ts, "elsewhere")
	require.Eventually(t, func() bool { return srv.Hub().ClientCount("test") == 2 }, 2*time.Second, 10*time.Millisecond)

	send(t, a, `{"message":"hello","sender_id":1,"receiver_id":"2"}`)

	for _, conn := range []*websocket.Conn{a, b} {
		f := readFrame(t, conn)
		assert.Equal(t, "chat_message", f["type"])
		assert.Equal(t, "hello", f["message"])
		assert.Equal(t, float64(1), f["sender_id"])
		assert.Equal(t, float64(2), f["receiver_id"])
		assert.NotNil(t, f["id"])
		assert.NotEmpty(t, f["timestamp"])
	}

	require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err)
}

func TestWS_ErrorsGoToSenderOnly(t *testing.T) {
	srv, ts, d := newTestServer(t)
	sender := dial(t, ts, "test")
	watcher := dial(t, ts, "test")
	require.Eventually(t, func() bool { return srv.Hub().ClientCount("test") == 2 }, 2*time.Second, 10*time.Millisecond)

	send(t, sender, `{"message":"hi","sender_id":3,"receiver_id":4}`)
	assert.Equal(t, map[string]any{"error": ReasonOfficialsNoContact}, readFrame(t, sender))

	send(t, sender, `not json`)
	assert.Equal(t, map[string]any{"error": "invalid payload"}, readFrame(t, sender))

	send(t, sender, `{"message":"","sender_id":1,"receiver_id":2}`)
	assert.Equal(t, map[string]any{"error": "invalid payload"}, readFrame(t, sender))

	send(t, sender, `{"message":"hi","sender_id":"alice","receiver_id":1}`)
	assert.Equal(t, map[string]any{"error": ReasonInvalidParty}, readFrame(t, sender))

	require.NoError(t, watcher.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := watcher.ReadMessage()
	assert.Error(t, err)
	assert.Empty(t, srv.store.Conversation(d.Official1, d.Official2))
}

func TestWS_RateLimit(t *testing.T) {
	_, ts, _ := newTestServer(t, WithRateLimit(0.001, 1))
	conn := dial(t, ts, "test")

	send(t, conn, `{"message":"first","sender_id":1,"receiver_id":2}`)
	assert.Equal(t, "first", readFrame(t, conn)["message"])

	send(t, conn, `{"message":"second","sender_id":1,"receiver_id":2}`)
	assert.Equal(t, map[string]any{"error": "rate limited"}, readFrame(t, conn))
}

func TestWS_LeaveUnregisters(t *testing.T) {
	srv, ts, _ := newTestServer(t)
	conn := dial(t, ts, "room 1")
	require.Eventually(t, func() bool { return srv.Hub().ClientCount("room 1") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return srv.Hub().ClientCount("room 1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_StartStop(t *testing.T) {
	srv := New(NewStore(nil))
	require.NoError(t, srv.Start("127.0.0.1:0"))
	require.NotEmpty(t, srv.Addr())

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws/chat/test/", nil)
	require.NoError(t, err)
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		srv.Stop()
		srv.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
}
