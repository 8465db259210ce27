package mcp

import (
    "errors"
    "fmt"
    "strings"

    "biliaudio/task"
)

// Tool describes one callable tool and its declared argument shape.
type Tool struct {
    Name        string         `json:"name"`
    Description string         `json:"description"`
    InputSchema map[string]any `json:"inputSchema"`
}

type Content struct {
    Type string `json:"type"`
    Text string `json:"text"`
}

// ToolResult is the payload of one tool invocation, identical over the
// streaming and synchronous transports.
type ToolResult struct {
    Content []Content `json:"content"`
    IsError bool      `json:"isError,omitempty"`
}

func textResult(text string) ToolResult {
    return ToolResult{Content: []Content{{Type: "text", Text: text}}}
}

func errorResult(text string) ToolResult {
    return ToolResult{Content: []Content{{Type: "text", Text: text}}, IsError: true}
}

// Server exposes the task engine as a fixed tool catalog.
type Server struct {
    store *task.Store
    pool  *task.Pool
}

func NewServer(store *task.Store, pool *task.Pool) *Server {
    return &Server{store: store, pool: pool}
}

func stringArgSchema(name, description string) map[string]any {
    return map[string]any{
        "type": "object",
        "properties": map[string]any{
            name: map[string]any{
                "type":        "string",
                "description": description,
            },
        },
        "required": []string{name},
    }
}

func (s *Server) Tools() []Tool {
    return []Tool{
        {
            Name:        "create_audio_segmentation_task",
            Description: "Create a Bilibili audio segmentation task: downloads the video's audio and slices it into 30-second segments",
            InputSchema: stringArgSchema("content_id", "Bilibili video BV number, e.g. BV1b1bHzAEdG"),
        },
        {
            Name:        "get_task_status",
            Description: "Query the state of an audio segmentation task",
            InputSchema: stringArgSchema("task_id", "Task ID"),
        },
        {
            Name:        "get_audio_segments",
            Description: "Get the segment list of a completed audio segmentation task",
            InputSchema: stringArgSchema("task_id", "Task ID"),
        },
        {
            Name:        "cancel_task",
            Description: "Cancel an audio segmentation task that has not finished yet",
            InputSchema: stringArgSchema("task_id", "Task ID"),
        },
    }
}

// validateArgs checks args against the tool's declared schema. Invalid
// arguments never reach the task engine.
func validateArgs(tool Tool, args map[string]any) error {
    required, _ := tool.InputSchema["required"].([]string)
    for _, name := range required {
        v, ok := args[name]
        if !ok {
            return fmt.Errorf("missing required argument %q", name)
        }
        str, ok := v.(string)
        if !ok || strings.TrimSpace(str) == "" {
            return fmt.Errorf("argument %q must be a non-empty string", name)
        }
    }
    return nil
}

// CallTool validates the arguments and translates the call into the
// internal task operations.
func (s *Server) CallTool(name string, args map[string]any) ToolResult {
    if args == nil {
        args = map[string]any{}
    }
    var tool Tool
    found := false
    for _, t := range s.Tools() {
        if t.Name == name {
            tool, found = t, true
            break
        }
    }
    if !found {
        return errorResult(fmt.Sprintf("unknown tool: %s", name))
    }
    if err := validateArgs(tool, args); err != nil {
        return errorResult(fmt.Sprintf("invalid arguments: %v", err))
    }
    // Clients sometimes pad arguments; the engine only sees trimmed values.
    arg := func(key string) string {
        v, _ := args[key].(string)
        return strings.TrimSpace(v)
    }

    switch name {
    case "create_audio_segmentation_task":
        return s.createTask(arg("content_id"))
    case "get_task_status":
        return s.taskStatus(arg("task_id"))
    case "get_audio_segments":
        return s.audioSegments(arg("task_id"))
    case "cancel_task":
        return s.cancelTask(arg("task_id"))
    }
    return errorResult(fmt.Sprintf("unknown tool: %s", name))
}

func (s *Server) createTask(contentID string) ToolResult {
    t, err := s.pool.Submit(contentID)
    if err != nil {
        return errorResult(fmt.Sprintf("could not create task: %v", err))
    }
    return textResult(fmt.Sprintf(
        "Audio segmentation task created\n\nTask ID: %s\nVideo: %s\nState: %s\n\n"+
            "The task is processed in the background; use get_task_status to poll its progress.",
        t.ID, t.ContentID, t.State,
    ))
}

func (s *Server) taskStatus(taskID string) ToolResult {
    t, err := s.store.Get(taskID)
    if err != nil {
        return errorResult(fmt.Sprintf("no such task: %s", taskID))
    }

    var b strings.Builder
    fmt.Fprintf(&b, "Task state: %s\n", t.State)
    fmt.Fprintf(&b, "Video: %s\n", t.ContentID)
    fmt.Fprintf(&b, "Created: %s\n", t.CreatedAt.Format("2006-01-02T15:04:05"))
    fmt.Fprintf(&b, "Updated: %s\n", t.UpdatedAt.Format("2006-01-02T15:04:05"))
    switch t.State {
    case task.StateCompleted:
        fmt.Fprintf(&b, "\nTask completed with %d segment(s).\n", len(t.Segments))
        b.WriteString("Use get_audio_segments for the segment list.")
    case task.StateFailed:
        fmt.Fprintf(&b, "\nTask failed: %s", t.Error)
    }
    return textResult(b.String())
}

func (s *Server) audioSegments(taskID string) ToolResult {
    t, err := s.store.Get(taskID)
    if err != nil {
        return errorResult(fmt.Sprintf("no such task: %s", taskID))
    }
    if t.State != task.StateCompleted {
        return errorResult(fmt.Sprintf("task not completed yet, current state: %s", t.State))
    }

    var total float64
    for _, seg := range t.Segments {
        total += seg.Duration
    }

    var b strings.Builder
    b.WriteString("Audio segments\n\n")
    fmt.Fprintf(&b, "Segment count: %d\n", len(t.Segments))
    fmt.Fprintf(&b, "Total duration: %.1fs\n", total)
    fmt.Fprintf(&b, "Video: %s\n\nSegments:\n", t.ContentID)
    for _, seg := range t.Segments {
        fmt.Fprintf(&b, "%d. start %.1fs, duration %.1fs, %d bytes\n",
            seg.Index+1, seg.StartSeconds, seg.Duration, seg.SizeBytes)
    }
    return textResult(b.String())
}

func (s *Server) cancelTask(taskID string) ToolResult {
    state, err := s.pool.Cancel(taskID)
    if err != nil {
        if errors.Is(err, task.ErrNotFound) {
            return errorResult(fmt.Sprintf("no such task: %s", taskID))
        }
        return errorResult(fmt.Sprintf("could not cancel task: %v", err))
    }
    if state != task.StateCancelled {
        return textResult(fmt.Sprintf("Task %s already reached terminal state %s; nothing to cancel.", taskID, state))
    }
    return textResult(fmt.Sprintf("Task %s cancelled.", taskID))
}
