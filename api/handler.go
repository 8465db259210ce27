package api

import (
    "errors"
    "fmt"
    "net/http"
    "os"
    "path/filepath"
    "strconv"
    "strings"

    "biliaudio/config"
    "biliaudio/task"
    "github.com/gin-gonic/gin"
)

type Handler struct {
    store *task.Store
    pool  *task.Pool
    cfg   *config.Config
}

func NewHandler(store *task.Store, pool *task.Pool, cfg *config.Config) *Handler {
    return &Handler{
        store: store,
        pool:  pool,
        cfg:   cfg,
    }
}

type TaskRequest struct {
    ContentID string `json:"content_id" binding:"required"`
}

// handleCreateTask submits a new segmentation task.
func (h *Handler) handleCreateTask(c *gin.Context) {
    var req TaskRequest
    if err := c.ShouldBindJSON(&req); err != nil {
        c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
        return
    }
    if strings.TrimSpace(req.ContentID) == "" {
        c.JSON(http.StatusBadRequest, gin.H{"error": "content_id must not be empty"})
        return
    }

    t, err := h.pool.Submit(req.ContentID)
    if err != nil {
        c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to create task", "details": err.Error()})
        return
    }

    c.JSON(http.StatusAccepted, gin.H{"task_id": t.ID, "state": t.State})
}

// handleListTasks lists all tasks.
func (h *Handler) handleListTasks(c *gin.Context) {
    tasks := h.store.List()
    for _, t := range tasks {
        h.buildResultURL(c, t)
    }
    c.JSON(http.StatusOK, tasks)
}

// buildResultURL constructs the full URL of a completed task's segment list.
func (h *Handler) buildResultURL(c *gin.Context, t *task.Task) {
    if t.State != task.StateCompleted {
        return
    }

    baseURL := h.cfg.BaseURL
    if baseURL == "" {
        scheme := "http"
        if c.Request.TLS != nil {
            scheme = "https"
        }
        baseURL = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
    }
    baseURL = strings.TrimSuffix(baseURL, "/")

    t.ResultURL = fmt.Sprintf("%s/api/v1/tasks/%s/segments", baseURL, t.ID)
}

// handleGetTask retrieves a single task summary.
func (h *Handler) handleGetTask(c *gin.Context) {
    t, err := h.store.Get(c.Param("taskId"))
    if err != nil {
        c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
        return
    }

    h.buildResultURL(c, t)
    c.JSON(http.StatusOK, t)
}

// handleGetSegments returns the ordered segment list of a completed task.
func (h *Handler) handleGetSegments(c *gin.Context) {
    t, err := h.store.Get(c.Param("taskId"))
    if err != nil {
        c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
        return
    }
    if t.State != task.StateCompleted {
        c.JSON(http.StatusConflict, gin.H{"error": "Task not completed", "state": t.State})
        return
    }

    var total float64
    for _, seg := range t.Segments {
        total += seg.Duration
    }
    c.JSON(http.StatusOK, gin.H{
        "segments": t.Segments,
        "metadata": gin.H{
            "task_id":        t.ID,
            "content_id":     t.ContentID,
            "segment_count":  len(t.Segments),
            "total_duration": total,
        },
    })
}

// handleDownloadSegment serves one segment's raw bytes.
func (h *Handler) handleDownloadSegment(c *gin.Context) {
    t, err := h.store.Get(c.Param("taskId"))
    if err != nil {
        c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
        return
    }
    if t.State != task.StateCompleted {
        c.JSON(http.StatusConflict, gin.H{"error": "Task not completed", "state": t.State})
        return
    }

    index, err := strconv.Atoi(c.Param("index"))
    if err != nil || index < 0 || index >= len(t.Segments) {
        c.JSON(http.StatusBadRequest, gin.H{"error": "Segment index out of range"})
        return
    }

    path := t.Segments[index].FilePath
    // Security: segment files must live inside the task's own workdir
    rel, err := filepath.Rel(t.Workdir, path)
    if err != nil || strings.HasPrefix(rel, "..") {
        c.JSON(http.StatusNotFound, gin.H{"error": "Segment file not found"})
        return
    }
    if _, err := os.Stat(path); err != nil {
        c.JSON(http.StatusNotFound, gin.H{"error": "Segment file not found"})
        return
    }

    c.Header("Content-Type", "audio/wav")
    c.FileAttachment(path, filepath.Base(path))
}

// handleCancelTask moves a task to a terminal state. Cancelling a task
// that already finished is a no-op returning the existing state.
func (h *Handler) handleCancelTask(c *gin.Context) {
    state, err := h.pool.Cancel(c.Param("taskId"))
    if err != nil {
        if errors.Is(err, task.ErrNotFound) {
            c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
            return
        }
        c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
        return
    }
    c.JSON(http.StatusOK, gin.H{"task_id": c.Param("taskId"), "state": state})
}

// handleDeleteTask removes a task and its workdir. Unknown IDs are a no-op.
func (h *Handler) handleDeleteTask(c *gin.Context) {
    h.pool.Delete(c.Param("taskId"))
    c.Status(http.StatusNoContent)
}
