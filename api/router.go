package api

import (
    "biliaudio/config"
    "biliaudio/mcp"
    "github.com/gin-gonic/gin"
)

func SetupRouter(h *Handler, mh *mcp.Handler, cfg *config.Config) *gin.Engine {
    r := gin.Default()

    // Health check
    r.GET("/health", func(c *gin.Context) {
        c.JSON(200, gin.H{"status": "ok"})
    })

    v1 := r.Group("/api/v1")
    v1.Use(AuthMiddleware(cfg))
    {
        v1.POST("/tasks", h.handleCreateTask)
        v1.GET("/tasks", h.handleListTasks)
        v1.GET("/tasks/:taskId", h.handleGetTask)
        v1.GET("/tasks/:taskId/segments", h.handleGetSegments)
        v1.GET("/tasks/:taskId/segments/:index", h.handleDownloadSegment)
        v1.PATCH("/tasks/:taskId/cancel", h.handleCancelTask)
        v1.DELETE("/tasks/:taskId", h.handleDeleteTask)
    }

    // MCP transport: persistent SSE downstream plus upstream POSTs, and
    // the session-less synchronous tool endpoints.
    m := r.Group("/mcp")
    {
        m.GET("/sse", mh.HandleSSE)
        m.POST("/messages", mh.HandleMessage)
        m.GET("/tools", mh.HandleListTools)
        m.POST("/tools/call", mh.HandleCallTool)
    }

    return r
}
