package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/saathihealth/saathi-backend/internal/orchestrator"
	"github.com/saathihealth/saathi-backend/internal/platform/logger"
	"github.com/saathihealth/saathi-backend/internal/queue"
)

type RouterConfig struct {
	Log          *logger.Logger
	DB           *gorm.DB
	Queue        queue.Queue
	Orchestrator *orchestrator.Orchestrator
	// VerifyToken answers the channel's webhook subscription handshake.
	VerifyToken string
	CORSOrigins []string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("saathi-consumer"))

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Requested-With"},
	}))

	webhook := newWebhookHandler(cfg.Log, cfg.Queue, cfg.VerifyToken)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/readyz", func(c *gin.Context) {
		if err := pingDB(cfg.DB); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, cfg.Orchestrator.Stats())
	})

	router.GET("/webhook", webhook.Verify)
	router.POST("/webhook", webhook.Ingest)

	return router
}

func pingDB(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// ListenAddr resolves the ops server bind address.
func ListenAddr(port string) string {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}
	return ":" + port
}

// NewHTTPServer wraps the router with sane timeouts.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
