package task

import (
    "context"
    "errors"
    "time"
)

type State string

const (
    StateQueued      State = "queued"
    StateDownloading State = "downloading"
    StateSegmenting  State = "segmenting"
    StateCompleted   State = "completed"
    StateFailed      State = "failed"
    StateCancelled   State = "cancelled"
)

// Terminal reports whether no further transition out of s is allowed.
func (s State) Terminal() bool {
    return s == StateCompleted || s == StateFailed || s == StateCancelled
}

var (
    ErrNotFound      = errors.New("task not found")
    ErrStateConflict = errors.New("task state conflict")
)

// Segment is one fixed-length slice of a task's extracted audio.
// Index defines playback order; offsets are contiguous and gapless.
type Segment struct {
    Index        int     `json:"index"`
    StartSeconds float64 `json:"start_offset_seconds"`
    Duration     float64 `json:"duration_seconds"`
    FilePath     string  `json:"file_path"`
    SizeBytes    int64   `json:"size_bytes"`
}

type Task struct {
    ID        string    `json:"task_id"`
    ContentID string    `json:"content_id"`
    State     State     `json:"state"`
    Error     string    `json:"error,omitempty"`
    Segments  []Segment `json:"segments,omitempty"`
    ResultURL string    `json:"result_url,omitempty"` // Filled per-request by the API layer
    CreatedAt time.Time `json:"created_at"`
    UpdatedAt time.Time `json:"updated_at"`
    Workdir   string    `json:"-"` // Exclusive temp dir, never exposed to clients
}

// clone returns a copy safe to hand out beyond the store's lock.
func (t *Task) clone() *Task {
    c := *t
    if t.Segments != nil {
        c.Segments = make([]Segment, len(t.Segments))
        copy(c.Segments, t.Segments)
    }
    return &c
}

// Fetcher resolves a content ID to a local audio file inside workdir.
type Fetcher interface {
    Fetch(ctx context.Context, contentID, workdir string) (audioPath string, err error)
}

// Segmenter slices an audio file into fixed-length segments under workdir.
type Segmenter interface {
    Split(ctx context.Context, audioPath, workdir string) ([]Segment, error)
}
