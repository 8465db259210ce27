package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"biliaudio/task"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionTable(t *testing.T) {
	t.Run("push to a live session", func(t *testing.T) {
		tbl := NewSessionTable()
		s := tbl.Open()
		assert.NotEmpty(t, s.ID)

		ok := tbl.Push(s.ID, Event{Name: "message", Data: "hello"})
		assert.True(t, ok)

		ev := <-s.Events()
		assert.Equal(t, "hello", ev.Data)
	})

	t.Run("push to an unknown session is a no-op", func(t *testing.T) {
		tbl := NewSessionTable()
		assert.False(t, tbl.Push("no-such-token", Event{Name: "message", Data: "x"}))
	})

	t.Run("push after teardown is a no-op", func(t *testing.T) {
		tbl := NewSessionTable()
		s := tbl.Open()
		tbl.Close(s.ID)
		assert.False(t, tbl.Push(s.ID, Event{Name: "message", Data: "x"}))

		// Closing twice must not panic
		tbl.Close(s.ID)
	})

	t.Run("tokens are unique per session", func(t *testing.T) {
		tbl := NewSessionTable()
		a, b := tbl.Open(), tbl.Open()
		assert.NotEqual(t, a.ID, b.ID)
	})

	t.Run("push to a session that is not draining drops the event", func(t *testing.T) {
		tbl := NewSessionTable()
		s := tbl.Open()
		for i := 0; i < cap(s.events); i++ {
			require.True(t, tbl.Push(s.ID, Event{Name: "message", Data: "fill"}))
		}

		// Buffer full, nobody reading: the push must give up instead of
		// blocking the caller until disconnect.
		done := make(chan bool, 1)
		go func() { done <- tbl.Push(s.ID, Event{Name: "message", Data: "overflow"}) }()
		select {
		case ok := <-done:
			assert.False(t, ok)
		case <-time.After(pushWait + time.Second):
			t.Fatal("push blocked on a full session buffer")
		}

		// Draining frees the slot for subsequent pushes
		<-s.Events()
		assert.True(t, tbl.Push(s.ID, Event{Name: "message", Data: "resumed"}))
	})
}

func setupMessageRouter(t *testing.T) (*gin.Engine, *Handler, *task.Store, *task.Pool) {
	gin.SetMode(gin.TestMode)
	srv, store, pool := newTestServer(t)
	h := NewHandler(srv)

	r := gin.New()
	r.GET("/mcp/sse", h.HandleSSE)
	r.POST("/mcp/messages", h.HandleMessage)
	r.GET("/mcp/tools", h.HandleListTools)
	r.POST("/mcp/tools/call", h.HandleCallTool)
	return r, h, store, pool
}

func postMessage(router *gin.Engine, sessionID, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/mcp/messages?session_id="+sessionID, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func readEvent(t *testing.T, s *Session) Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event pushed to session")
		return Event{}
	}
}

// readStreamEvent reads one complete event off a text/event-stream body.
func readStreamEvent(t *testing.T, r *bufio.Reader) (name, data string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "" && name != "":
			return name, data
		}
	}
}

func TestHandleSSE_ConnectAndCorrelatedPush(t *testing.T) {
	router, h, _, _ := setupMessageRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/mcp/sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	// The very first event tells the client where to POST for this session
	reader := bufio.NewReader(resp.Body)
	name, endpoint := readStreamEvent(t, reader)
	assert.Equal(t, "endpoint", name)
	require.True(t, strings.HasPrefix(endpoint, "/mcp/messages?session_id="),
		"unexpected endpoint %q", endpoint)
	sessionID := strings.TrimPrefix(endpoint, "/mcp/messages?session_id=")

	body := strings.NewReader(`{"jsonrpc":"2.0","id":9,"method":"tools/list"}`)
	post, err := http.NewRequestWithContext(ctx, "POST", srv.URL+endpoint, body)
	require.NoError(t, err)
	post.Header.Set("Content-Type", "application/json")
	postResp, err := http.DefaultClient.Do(post)
	require.NoError(t, err)
	postResp.Body.Close()
	assert.Equal(t, http.StatusAccepted, postResp.StatusCode)

	// The response comes back on the stream, correlated by request ID
	name, data := readStreamEvent(t, reader)
	assert.Equal(t, "message", name)
	var rpc struct {
		ID     json.RawMessage `json:"id"`
		Result struct {
			Tools []Tool `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &rpc))
	assert.Equal(t, "9", string(rpc.ID))
	assert.Len(t, rpc.Result.Tools, 4)

	// Disconnecting tears the session down
	cancel()
	resp.Body.Close()
	assert.Eventually(t, func() bool {
		_, ok := h.sessions.Get(sessionID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleMessage_ToolCallIsCorrelated(t *testing.T) {
	router, h, store, pool := setupMessageRouter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	created, err := pool.Submit("BV_TEST")
	require.NoError(t, err)
	waitForState(t, store, created.ID, task.StateCompleted)

	s := h.sessions.Open()
	defer h.sessions.Close(s.ID)

	body := `{"jsonrpc":"2.0","id":42,"method":"tools/call","params":{"name":"get_task_status","arguments":{"task_id":"` + created.ID + `"}}}`
	w := postMessage(router, s.ID, body)
	assert.Equal(t, http.StatusAccepted, w.Code)

	// Exactly one downstream push, correlated by the client's request ID
	ev := readEvent(t, s)
	assert.Equal(t, "message", ev.Name)

	var resp struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  ToolResult      `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(ev.Data), &resp))
	assert.Equal(t, "2.0", resp.JSONRPC)
	assert.Equal(t, "42", string(resp.ID))
	require.Len(t, resp.Result.Content, 1)
	assert.Contains(t, resp.Result.Content[0].Text, "completed")

	select {
	case extra := <-s.Events():
		t.Fatalf("unexpected second push: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleMessage_ToolsList(t *testing.T) {
	router, h, _, _ := setupMessageRouter(t)

	s := h.sessions.Open()
	defer h.sessions.Close(s.ID)

	w := postMessage(router, s.ID, `{"jsonrpc":"2.0","id":"list-1","method":"tools/list"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)

	ev := readEvent(t, s)
	var resp struct {
		ID     json.RawMessage `json:"id"`
		Result struct {
			Tools []Tool `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(ev.Data), &resp))
	assert.Equal(t, `"list-1"`, string(resp.ID))
	assert.Len(t, resp.Result.Tools, 4)
}

func TestHandleMessage_Initialize(t *testing.T) {
	router, h, _, _ := setupMessageRouter(t)

	s := h.sessions.Open()
	defer h.sessions.Close(s.ID)

	w := postMessage(router, s.ID, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	assert.Equal(t, http.StatusAccepted, w.Code)

	ev := readEvent(t, s)
	assert.Contains(t, ev.Data, "protocolVersion")
}

func TestHandleMessage_NotificationGetsNoPush(t *testing.T) {
	router, h, _, _ := setupMessageRouter(t)

	s := h.sessions.Open()
	defer h.sessions.Close(s.ID)

	w := postMessage(router, s.ID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)

	select {
	case ev := <-s.Events():
		t.Fatalf("notification must not elicit a push, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleMessage_UnknownMethod(t *testing.T) {
	router, h, _, _ := setupMessageRouter(t)

	s := h.sessions.Open()
	defer h.sessions.Close(s.ID)

	w := postMessage(router, s.ID, `{"jsonrpc":"2.0","id":7,"method":"resources/list"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)

	ev := readEvent(t, s)
	var resp struct {
		Error *rpcError `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(ev.Data), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestHandleMessage_UnknownSession(t *testing.T) {
	router, _, _, _ := setupMessageRouter(t)

	w := postMessage(router, "no-such-token", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleMessage_MalformedBody(t *testing.T) {
	router, h, _, _ := setupMessageRouter(t)

	s := h.sessions.Open()
	defer h.sessions.Close(s.ID)

	w := postMessage(router, s.ID, `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSyncToolEndpoints(t *testing.T) {
	router, _, store, _ := setupMessageRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/mcp/tools", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var listResp struct {
		Tools []Tool `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listResp))
	assert.Len(t, listResp.Tools, 4)

	w = httptest.NewRecorder()
	body := `{"name":"create_audio_segmentation_task","arguments":{"content_id":"BV_TEST"}}`
	req, _ = http.NewRequest("POST", "/mcp/tools/call", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var callResp ToolResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &callResp))
	assert.False(t, callResp.IsError)
	assert.Len(t, store.List(), 1)
}
