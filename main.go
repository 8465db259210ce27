// biliaudio/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"biliaudio/api"
	"biliaudio/config"
	"biliaudio/mcp"
	"biliaudio/media"
	"biliaudio/task"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		log.Fatalf("Failed to create temp directory %s: %v", cfg.TempDir, err)
	}

	// 2. Initialize the external collaborators first
	fetcher, err := media.NewFetcher(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize fetcher: %v", err)
	}
	segmenter, err := media.NewSegmenter(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize segmenter: %v", err)
	}

	// 3. Initialize the task engine and inject the collaborators
	store := task.NewStore(cfg.TempDir)
	pool, err := task.NewPool(cfg, store, fetcher, segmenter)
	if err != nil {
		log.Fatalf("Failed to initialize worker pool: %v", err)
	}

	// 4. Set up both transports and the server
	mcpHandler := mcp.NewHandler(mcp.NewServer(store, pool))
	router := api.SetupRouter(api.NewHandler(store, pool, cfg), mcpHandler, cfg)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// 5. Start background services and HTTP server
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool.Start(ctx)

	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// 6. Wait for interrupt signal for graceful shutdown
	<-ctx.Done()

	stop()
	log.Println("Shutting down gracefully, press Ctrl+C again to force")

	// The context is used to inform the server it has 5 seconds to finish
	// the requests it is currently handling
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}

	log.Println("Server exiting")
}
