package mcp

import (
    "encoding/json"
    "fmt"
    "io"
    "log"
    "net/http"

    "github.com/gin-gonic/gin"
)

type rpcRequest struct {
    JSONRPC string          `json:"jsonrpc"`
    ID      json.RawMessage `json:"id"`
    Method  string          `json:"method"`
    Params  json.RawMessage `json:"params"`
}

type rpcError struct {
    Code    int    `json:"code"`
    Message string `json:"message"`
}

type rpcResponse struct {
    JSONRPC string          `json:"jsonrpc"`
    ID      json.RawMessage `json:"id,omitempty"`
    Result  any             `json:"result,omitempty"`
    Error   *rpcError       `json:"error,omitempty"`
}

const (
    codeInvalidParams  = -32602
    codeMethodNotFound = -32601
)

// Handler bridges the streaming session protocol onto the tool server:
// a persistent SSE downstream per session plus transient upstream POSTs
// correlated by the session token.
type Handler struct {
    server   *Server
    sessions *SessionTable
}

func NewHandler(server *Server) *Handler {
    return &Handler{server: server, sessions: NewSessionTable()}
}

// HandleSSE establishes the downstream push channel. The first event tells
// the client where to POST its upstream messages for this session.
func (h *Handler) HandleSSE(c *gin.Context) {
    c.Writer.Header().Set("Content-Type", "text/event-stream")
    c.Writer.Header().Set("Cache-Control", "no-cache")
    c.Writer.Header().Set("Connection", "keep-alive")

    s := h.sessions.Open()
    defer h.sessions.Close(s.ID)
    log.Printf("MCP session %s connected", s.ID)

    c.SSEvent("endpoint", fmt.Sprintf("/mcp/messages?session_id=%s", s.ID))
    c.Writer.Flush()

    c.Stream(func(w io.Writer) bool {
        select {
        case ev := <-s.Events():
            c.SSEvent(ev.Name, ev.Data)
            return true
        case <-c.Request.Context().Done():
            log.Printf("MCP session %s disconnected", s.ID)
            return false
        }
    })
}

// HandleMessage accepts one upstream JSON-RPC call and delivers its
// response asynchronously on the session's downstream channel.
func (h *Handler) HandleMessage(c *gin.Context) {
    sessionID := c.Query("session_id")
    if _, ok := h.sessions.Get(sessionID); !ok {
        c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
        return
    }

    var req rpcRequest
    if err := c.ShouldBindJSON(&req); err != nil {
        c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("malformed request: %v", err)})
        return
    }

    if resp := h.dispatch(&req); resp != nil {
        data, err := json.Marshal(resp)
        if err != nil {
            c.JSON(http.StatusInternalServerError, gin.H{"error": "could not encode response"})
            return
        }
        if !h.sessions.Push(sessionID, Event{Name: "message", Data: string(data)}) {
            log.Printf("MCP session %s gone, dropping response", sessionID)
        }
    }
    c.Status(http.StatusAccepted)
}

// dispatch executes one upstream call. Notifications (no request ID)
// return nil: they elicit no downstream push.
func (h *Handler) dispatch(req *rpcRequest) *rpcResponse {
    if len(req.ID) == 0 || string(req.ID) == "null" {
        return nil
    }
    resp := &rpcResponse{JSONRPC: "2.0", ID: req.ID}

    switch req.Method {
    case "initialize":
        resp.Result = map[string]any{
            "protocolVersion": "2024-11-05",
            "serverInfo": map[string]any{
                "name":    "BiliAudioSegmenter",
                "version": "1.0.0",
            },
            "capabilities": map[string]any{
                "tools": map[string]any{},
            },
        }
    case "tools/list":
        resp.Result = map[string]any{"tools": h.server.Tools()}
    case "tools/call":
        var params struct {
            Name      string         `json:"name"`
            Arguments map[string]any `json:"arguments"`
        }
        if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
            resp.Error = &rpcError{Code: codeInvalidParams, Message: "invalid params: want {name, arguments}"}
            return resp
        }
        resp.Result = h.server.CallTool(params.Name, params.Arguments)
    default:
        resp.Error = &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
    }
    return resp
}

// HandleListTools serves the tool catalog synchronously, without a session.
func (h *Handler) HandleListTools(c *gin.Context) {
    c.JSON(http.StatusOK, gin.H{"tools": h.server.Tools()})
}

type toolCallRequest struct {
    Name      string         `json:"name" binding:"required"`
    Arguments map[string]any `json:"arguments"`
}

// HandleCallTool invokes a tool synchronously, without a session.
func (h *Handler) HandleCallTool(c *gin.Context) {
    var req toolCallRequest
    if err := c.ShouldBindJSON(&req); err != nil {
        c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
        return
    }
    c.JSON(http.StatusOK, h.server.CallTool(req.Name, req.Arguments))
}
