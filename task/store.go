package task

import (
    "fmt"
    "path/filepath"
    "sync"
    "time"

    "github.com/lithammer/shortuuid/v4"
)

// Store is the in-memory task registry. All pipeline-driven mutations go
// through CompareAndTransition so a cancellation racing a worker can never
// be overwritten by stale pipeline progress.
type Store struct {
    mu      sync.Mutex
    tasks   map[string]*Task
    tempDir string
}

func NewStore(tempDir string) *Store {
    return &Store{
        tasks:   make(map[string]*Task),
        tempDir: tempDir,
    }
}

// Create registers a new queued task for contentID and returns a snapshot.
func (s *Store) Create(contentID string) *Task {
    now := time.Now()
    t := &Task{
        ID:        fmt.Sprintf("%s_%d", shortuuid.New(), now.Unix()),
        ContentID: contentID,
        State:     StateQueued,
        CreatedAt: now,
        UpdatedAt: now,
    }
    t.Workdir = filepath.Join(s.tempDir, t.ID)

    s.mu.Lock()
    s.tasks[t.ID] = t
    s.mu.Unlock()
    return t.clone()
}

func (s *Store) Get(id string) (*Task, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    t, ok := s.tasks[id]
    if !ok {
        return nil, ErrNotFound
    }
    return t.clone(), nil
}

// CompareAndTransition atomically moves the task from expected to next,
// applying mutate (may be nil) to the entry before the state is set.
// ErrStateConflict means another transition raced ahead; the caller must
// treat its own pipeline work as superseded.
func (s *Store) CompareAndTransition(id string, expected, next State, mutate func(*Task)) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    t, ok := s.tasks[id]
    if !ok {
        return ErrNotFound
    }
    if t.State != expected {
        return fmt.Errorf("%w: expected %s, have %s", ErrStateConflict, expected, t.State)
    }
    if t.State.Terminal() {
        return fmt.Errorf("%w: %s is terminal", ErrStateConflict, t.State)
    }
    if mutate != nil {
        mutate(t)
    }
    t.State = next
    t.UpdatedAt = time.Now()
    return nil
}

// Cancel marks the task cancelled unless it already reached a terminal
// state, in which case the existing state is returned and nothing changes.
func (s *Store) Cancel(id string) (State, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    t, ok := s.tasks[id]
    if !ok {
        return "", ErrNotFound
    }
    if t.State.Terminal() {
        return t.State, nil
    }
    t.State = StateCancelled
    t.UpdatedAt = time.Now()
    return StateCancelled, nil
}

func (s *Store) List() []*Task {
    s.mu.Lock()
    defer s.mu.Unlock()
    out := make([]*Task, 0, len(s.tasks))
    for _, t := range s.tasks {
        out = append(out, t.clone())
    }
    return out
}

// Delete removes the entry and returns its workdir for cleanup.
// Deleting an absent ID is a no-op returning "".
func (s *Store) Delete(id string) string {
    s.mu.Lock()
    defer s.mu.Unlock()
    t, ok := s.tasks[id]
    if !ok {
        return ""
    }
    delete(s.tasks, id)
    return t.Workdir
}

// Sweep removes terminal tasks not updated within retention and returns
// their workdirs so the caller can reclaim disk.
func (s *Store) Sweep(retention time.Duration) []string {
    s.mu.Lock()
    defer s.mu.Unlock()
    var dirs []string
    for id, t := range s.tasks {
        if t.State.Terminal() && time.Since(t.UpdatedAt) > retention {
            delete(s.tasks, id)
            dirs = append(dirs, t.Workdir)
        }
    }
    return dirs
}
