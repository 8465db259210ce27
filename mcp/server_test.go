package mcp

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"biliaudio/config"
	"biliaudio/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockFetcher struct{}

func (m *mockFetcher) Fetch(ctx context.Context, contentID, workdir string) (string, error) {
	path := filepath.Join(workdir, "audio.wav")
	return path, os.WriteFile(path, []byte("wav"), 0o644)
}

type mockSegmenter struct{}

func (m *mockSegmenter) Split(ctx context.Context, audioPath, workdir string) ([]task.Segment, error) {
	return []task.Segment{
		{Index: 0, StartSeconds: 0, Duration: 30},
		{Index: 1, StartSeconds: 30, Duration: 30},
		{Index: 2, StartSeconds: 60, Duration: 30},
		{Index: 3, StartSeconds: 90, Duration: 5},
	}, nil
}

func newTestServer(t *testing.T) (*Server, *task.Store, *task.Pool) {
	cfg := &config.Config{
		MaxConcurrentTasks: 1,
		FetchTimeout:       10 * time.Second,
		SegmentTimeout:     10 * time.Second,
		SegmentTime:        30 * time.Second,
		TaskRetention:      time.Hour,
		TempDir:            t.TempDir(),
	}
	store := task.NewStore(cfg.TempDir)
	pool, err := task.NewPool(cfg, store, &mockFetcher{}, &mockSegmenter{})
	require.NoError(t, err)
	return NewServer(store, pool), store, pool
}

func waitForState(t *testing.T, store *task.Store, id string, want task.State) *task.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.Get(id)
		require.NoError(t, err)
		if got.State == want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", id, want)
	return nil
}

func TestServer_Tools(t *testing.T) {
	srv, _, _ := newTestServer(t)

	tools := srv.Tools()
	require.Len(t, tools, 4)

	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
		assert.NotEmpty(t, tool.Description)
		assert.Equal(t, "object", tool.InputSchema["type"])
		assert.NotEmpty(t, tool.InputSchema["required"])
	}
	assert.Equal(t, []string{
		"create_audio_segmentation_task",
		"get_task_status",
		"get_audio_segments",
		"cancel_task",
	}, names)
}

func TestServer_CallTool_InvalidArguments(t *testing.T) {
	srv, store, _ := newTestServer(t)

	cases := map[string]map[string]any{
		"missing argument":   {},
		"empty string":       {"content_id": ""},
		"whitespace only":    {"content_id": "   "},
		"wrong type":         {"content_id": 42},
		"nil arguments meta": nil,
	}
	for name, args := range cases {
		res := srv.CallTool("create_audio_segmentation_task", args)
		assert.True(t, res.IsError, name)
		require.Len(t, res.Content, 1, name)
		assert.Contains(t, res.Content[0].Text, "invalid arguments", name)
	}

	// Invalid arguments never reach the task engine
	assert.Empty(t, store.List())
}

func TestServer_CallTool_TrimsPaddedArguments(t *testing.T) {
	srv, store, pool := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	res := srv.CallTool("create_audio_segmentation_task", map[string]any{"content_id": "  BV_TEST\n"})
	require.False(t, res.IsError)

	tasks := store.List()
	require.Len(t, tasks, 1)
	assert.Equal(t, "BV_TEST", tasks[0].ContentID)
	waitForState(t, store, tasks[0].ID, task.StateCompleted)

	// Padded task IDs resolve to the same task
	status := srv.CallTool("get_task_status", map[string]any{"task_id": " " + tasks[0].ID + " "})
	require.False(t, status.IsError)
	assert.Contains(t, status.Content[0].Text, "completed")
}

func TestServer_CallTool_UnknownTool(t *testing.T) {
	srv, _, _ := newTestServer(t)

	res := srv.CallTool("transmogrify", map[string]any{"task_id": "x"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "unknown tool")
}

func TestServer_CreateAndStatusFlow(t *testing.T) {
	srv, store, pool := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	res := srv.CallTool("create_audio_segmentation_task", map[string]any{"content_id": "BV_TEST"})
	require.False(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "BV_TEST")

	tasks := store.List()
	require.Len(t, tasks, 1)
	id := tasks[0].ID
	waitForState(t, store, id, task.StateCompleted)

	status := srv.CallTool("get_task_status", map[string]any{"task_id": id})
	require.False(t, status.IsError)
	assert.Contains(t, status.Content[0].Text, "completed")
	assert.Contains(t, status.Content[0].Text, "4 segment(s)")

	segments := srv.CallTool("get_audio_segments", map[string]any{"task_id": id})
	require.False(t, segments.IsError)
	assert.Contains(t, segments.Content[0].Text, "Segment count: 4")
	assert.Contains(t, segments.Content[0].Text, "Total duration: 95.0s")
}

func TestServer_GetSegmentsBeforeCompletion(t *testing.T) {
	srv, store, _ := newTestServer(t)
	// Pool deliberately not started: the task stays queued

	res := srv.CallTool("create_audio_segmentation_task", map[string]any{"content_id": "BV_TEST"})
	require.False(t, res.IsError)

	id := store.List()[0].ID
	segments := srv.CallTool("get_audio_segments", map[string]any{"task_id": id})
	assert.True(t, segments.IsError)
	assert.Contains(t, segments.Content[0].Text, "not completed")
}

func TestServer_CancelTool(t *testing.T) {
	srv, store, _ := newTestServer(t)

	res := srv.CallTool("create_audio_segmentation_task", map[string]any{"content_id": "BV_TEST"})
	require.False(t, res.IsError)
	id := store.List()[0].ID

	cancelled := srv.CallTool("cancel_task", map[string]any{"task_id": id})
	require.False(t, cancelled.IsError)
	assert.Contains(t, cancelled.Content[0].Text, "cancelled")

	// Second cancel reports the terminal state instead of erroring
	again := srv.CallTool("cancel_task", map[string]any{"task_id": id})
	require.False(t, again.IsError)
	assert.Contains(t, again.Content[0].Text, "terminal state")

	missing := srv.CallTool("cancel_task", map[string]any{"task_id": "nonexistent"})
	assert.True(t, missing.IsError)
	assert.Contains(t, missing.Content[0].Text, "no such task")
}

func TestServer_StatusUnknownTask(t *testing.T) {
	srv, _, _ := newTestServer(t)

	res := srv.CallTool("get_task_status", map[string]any{"task_id": "nonexistent"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "no such task")
}
