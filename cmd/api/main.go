// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/file-forge/internal/config"
	"github.com/yourusername/file-forge/internal/jobs"
	"github.com/yourusername/file-forge/internal/storage"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowOrigins = origins
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
	}
	router.Use(cors.New(corsConfig))

	store, err := storage.NewLocalStore(cfg.StorageDir, cfg.DownloadBaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize blob store: %v", err)
	}

	queue, err := buildQueue(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize job queue: %v", err)
	}

	// memory バックエンドは単一プロセス構成。ワーカーを同居させないと
	// ジョブが永久に waiting のままになる。
	if cfg.QueueBackend == "memory" {
		if err := startEmbeddedWorker(context.Background(), cfg, queue, store); err != nil {
			log.Fatalf("Failed to start embedded worker: %v", err)
		}
	}

	// ルーティングの設定
	setupRoutes(router, cfg, queue, store)

	// サーバーの起動
	addr := ":" + cfg.Port
	log.Printf("Starting API server on %s (mode: %s, queue: %s)", addr, cfg.GinMode, cfg.QueueBackend)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "file-forge-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, queue jobs.Queue, store storage.Store) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	statusService := jobs.NewStatusService(queue)

	api := router.Group("/api")
	{
		api.POST("/jobs", jobs.SubmitHandler(queue, store, jobs.SubmitOptions{
			MaxFileSize: cfg.MaxFileSize,
		}))
		api.GET("/jobs/:id", jobs.StatusHandler(statusService))
		api.GET("/stats", jobs.StatsHandler(queue))
		api.GET("/download/*key", storage.DownloadHandler(store))
	}
}
