package task

import (
    "context"
    "fmt"
    "log"
    "os"
    "path/filepath"
    "sync"
    "time"

    "biliaudio/config"
)

// Pool bounds the number of simultaneous fetch+segment pipelines and keeps
// excess submissions queued in FIFO order.
type Pool struct {
    cfg       *config.Config
    store     *Store
    fetcher   Fetcher
    segmenter Segmenter
    queue     chan string
    sem       chan struct{}

    mu      sync.Mutex
    cancels map[string]context.CancelFunc
}

func NewPool(cfg *config.Config, store *Store, fetcher Fetcher, segmenter Segmenter) (*Pool, error) {
    if store == nil || fetcher == nil || segmenter == nil {
        return nil, fmt.Errorf("pool requires a store, a fetcher and a segmenter")
    }
    return &Pool{
        cfg:       cfg,
        store:     store,
        fetcher:   fetcher,
        segmenter: segmenter,
        queue:     make(chan string, 100),
        sem:       make(chan struct{}, cfg.MaxConcurrentTasks),
        cancels:   make(map[string]context.CancelFunc),
    }, nil
}

func (p *Pool) Start(ctx context.Context) {
    log.Println("Worker pool started. Concurrency limit:", p.cfg.MaxConcurrentTasks)
    p.sweepOrphans()
    go p.workerLoop(ctx)
    go p.retentionLoop(ctx)
}

// sweepOrphans removes workdirs left behind by a previous run. All state is
// in-memory, so anything on disk at startup is unreachable.
func (p *Pool) sweepOrphans() {
    entries, err := os.ReadDir(p.cfg.TempDir)
    if err != nil {
        return
    }
    for _, e := range entries {
        path := filepath.Join(p.cfg.TempDir, e.Name())
        if err := os.RemoveAll(path); err != nil {
            log.Printf("Startup sweep could not remove %s: %v", path, err)
        }
    }
    if len(entries) > 0 {
        log.Printf("Startup sweep removed %d orphaned workdir(s)", len(entries))
    }
}

// Submit registers a new task and queues it for processing.
func (p *Pool) Submit(contentID string) (*Task, error) {
    t := p.store.Create(contentID)
    select {
    case p.queue <- t.ID:
    default:
        p.store.Delete(t.ID)
        return nil, fmt.Errorf("task queue is full")
    }
    log.Printf("Task %s submitted for content %s", t.ID, contentID)
    return t, nil
}

func (p *Pool) workerLoop(ctx context.Context) {
    for {
        select {
        case <-ctx.Done():
            log.Println("Worker loop shutting down.")
            return
        case id := <-p.queue:
            p.sem <- struct{}{}
            go func(taskID string) {
                defer func() { <-p.sem }()
                p.run(ctx, taskID)
            }(id)
        }
    }
}

// run executes the fetch -> segment pipeline for one task. Every state
// change goes through a compare-and-transition so a concurrent cancel or
// delete supersedes the pipeline instead of being overwritten by it.
func (p *Pool) run(ctx context.Context, id string) {
    t, err := p.store.Get(id)
    if err != nil {
        return // deleted while queued
    }
    if err := p.store.CompareAndTransition(id, StateQueued, StateDownloading, nil); err != nil {
        log.Printf("Task %s not dispatched: %v", id, err)
        return // cancelled while queued, it never starts downloading
    }

    if err := os.MkdirAll(t.Workdir, 0o755); err != nil {
        p.fail(id, StateDownloading, fmt.Errorf("create workdir: %w", err))
        return
    }

    fetchCtx, cancelFetch := context.WithTimeout(ctx, p.cfg.FetchTimeout)
    p.setCancel(id, cancelFetch)
    audioPath, err := p.fetcher.Fetch(fetchCtx, t.ContentID, t.Workdir)
    p.clearCancel(id)
    cancelFetch()
    if err != nil {
        p.fail(id, StateDownloading, err)
        os.RemoveAll(t.Workdir)
        return
    }

    if err := p.store.CompareAndTransition(id, StateDownloading, StateSegmenting, nil); err != nil {
        log.Printf("Task %s superseded before segmenting: %v", id, err)
        os.RemoveAll(t.Workdir)
        return
    }

    segCtx, cancelSeg := context.WithTimeout(ctx, p.cfg.SegmentTimeout)
    p.setCancel(id, cancelSeg)
    segments, err := p.segmenter.Split(segCtx, audioPath, t.Workdir)
    p.clearCancel(id)
    cancelSeg()
    if err != nil {
        p.fail(id, StateSegmenting, err)
        os.RemoveAll(t.Workdir)
        return
    }

    err = p.store.CompareAndTransition(id, StateSegmenting, StateCompleted, func(t *Task) {
        t.Segments = segments
    })
    if err != nil {
        // Cancelled or deleted mid-segmentation: the output must not survive.
        log.Printf("Task %s superseded at completion: %v", id, err)
        os.RemoveAll(t.Workdir)
        return
    }
    log.Printf("Task %s completed with %d segment(s)", id, len(segments))
}

// fail records the stage error unless a concurrent transition already moved
// the task to a terminal state, in which case the error is discarded.
func (p *Pool) fail(id string, from State, cause error) {
    msg := cause.Error()
    err := p.store.CompareAndTransition(id, from, StateFailed, func(t *Task) {
        t.Error = msg
        t.Segments = nil
    })
    if err != nil {
        log.Printf("Task %s failure superseded: %v", id, err)
        return
    }
    log.Printf("Task %s failed: %s", id, msg)
}

// Cancel marks the task cancelled and best-effort interrupts any in-flight
// external call. Cancelling a task already in a terminal state is a no-op
// that returns the existing state.
func (p *Pool) Cancel(id string) (State, error) {
    st, err := p.store.Cancel(id)
    if err != nil {
        return "", err
    }
    if st == StateCancelled {
        if cancel := p.takeCancel(id); cancel != nil {
            cancel()
            log.Printf("Cancellation signal sent to running task %s", id)
        }
    }
    return st, nil
}

// Delete removes the task and reclaims its workdir. Idempotent.
func (p *Pool) Delete(id string) {
    if cancel := p.takeCancel(id); cancel != nil {
        cancel()
    }
    if workdir := p.store.Delete(id); workdir != "" {
        os.RemoveAll(workdir)
    }
}

// retentionLoop reaps terminal tasks and their workdirs once they exceed
// the retention window, so temp storage stays bounded.
func (p *Pool) retentionLoop(ctx context.Context) {
    interval := p.cfg.TaskRetention / 4
    if interval < time.Second {
        interval = time.Second
    }
    ticker := time.NewTicker(interval)
    defer ticker.Stop()

    for {
        select {
        case <-ctx.Done():
            log.Println("Retention loop shutting down.")
            return
        case <-ticker.C:
            for _, dir := range p.store.Sweep(p.cfg.TaskRetention) {
                if dir != "" {
                    os.RemoveAll(dir)
                }
            }
        }
    }
}

func (p *Pool) setCancel(id string, cancel context.CancelFunc) {
    p.mu.Lock()
    p.cancels[id] = cancel
    p.mu.Unlock()
}

func (p *Pool) clearCancel(id string) {
    p.mu.Lock()
    delete(p.cancels, id)
    p.mu.Unlock()
}

func (p *Pool) takeCancel(id string) context.CancelFunc {
    p.mu.Lock()
    defer p.mu.Unlock()
    cancel := p.cancels[id]
    delete(p.cancels, id)
    return cancel
}
