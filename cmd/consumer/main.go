package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/saathihealth/saathi-backend/internal/clients/gcp"
	"github.com/saathihealth/saathi-backend/internal/clients/openai"
	"github.com/saathihealth/saathi-backend/internal/clients/pinecone"
	"github.com/saathihealth/saathi-backend/internal/clients/whatsapp"
	"github.com/saathihealth/saathi-backend/internal/correlator"
	"github.com/saathihealth/saathi-backend/internal/db"
	"github.com/saathihealth/saathi-backend/internal/observability"
	"github.com/saathihealth/saathi-backend/internal/orchestrator"
	"github.com/saathihealth/saathi-backend/internal/persist"
	"github.com/saathihealth/saathi-backend/internal/pipeline"
	"github.com/saathihealth/saathi-backend/internal/pkg/envutil"
	"github.com/saathihealth/saathi-backend/internal/platform/logger"
	"github.com/saathihealth/saathi-backend/internal/queue"
	"github.com/saathihealth/saathi-backend/internal/repos"
	"github.com/saathihealth/saathi-backend/internal/server"
	"github.com/saathihealth/saathi-backend/internal/services"
	"github.com/saathihealth/saathi-backend/internal/templates"
)

func main() {
	log, err := logger.New(envutil.Str("LOG_MODE", "development"))
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOtel := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "saathi-consumer",
		Environment: envutil.Str("APP_ENV", "development"),
		Version:     envutil.Str("APP_VERSION", "dev"),
	})

	// Storage
	dbService, err := db.New(log)
	if err != nil {
		log.Error("Database init failed", "error", err)
		os.Exit(1)
	}
	if err := dbService.AutoMigrateAll(); err != nil {
		log.Error("Auto migration failed", "error", err)
		os.Exit(1)
	}
	gdb := dbService.DB()

	// Repos
	userRepo := repos.NewUserRepo(gdb, log)
	messageRepo := repos.NewMessageRepo(gdb, log)

	// Templates
	tpl, err := templates.Load()
	if err != nil {
		log.Error("Template load failed", "error", err)
		os.Exit(1)
	}

	// Queue
	q, err := queue.NewRedisQueue(log)
	if err != nil {
		log.Error("Queue init failed", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	// External clients
	waClient, err := whatsapp.NewFromEnv(log)
	if err != nil {
		log.Error("WhatsApp client init failed", "error", err)
		os.Exit(1)
	}
	aiClient, err := openai.NewClient(log)
	if err != nil {
		log.Error("OpenAI client init failed", "error", err)
		os.Exit(1)
	}
	pcClient, err := pinecone.New(log, pinecone.ConfigFromEnv())
	if err != nil {
		log.Error("Pinecone client init failed", "error", err)
		os.Exit(1)
	}
	vectorStore, err := pinecone.NewVectorStore(log, pcClient)
	if err != nil {
		log.Error("Vector store init failed", "error", err)
		os.Exit(1)
	}
	translator, err := gcp.NewTranslator(log)
	if err != nil {
		log.Error("Translator init failed", "error", err)
		os.Exit(1)
	}
	defer translator.Close()
	speech, err := gcp.NewSpeech(log)
	if err != nil {
		log.Error("Speech client init failed", "error", err)
		os.Exit(1)
	}
	defer speech.Close()
	tts, err := gcp.NewTTS(log)
	if err != nil {
		log.Error("TTS client init failed", "error", err)
		os.Exit(1)
	}
	defer tts.Close()
	bucket, err := gcp.NewBucket(log)
	if err != nil {
		log.Error("Bucket init failed", "error", err)
		os.Exit(1)
	}
	defer bucket.Close()

	// Services
	channelService := services.NewChannelService(waClient, bucket, log)
	languageService := services.NewLanguageService(translator, speech, tts, log)
	answerService := services.NewAnswerService(aiClient, vectorStore, tpl, log)

	// Pipeline
	process := pipeline.NewProcessStage(channelService, languageService, log)
	generateUser := pipeline.NewGenerateUserStage(answerService, userRepo, tpl, log)
	generateExpert := pipeline.NewGenerateExpertStage(answerService, messageRepo, tpl, log)
	send := pipeline.NewSendStage(channelService, languageService, tpl, log)

	router := &pipeline.Router{
		User:    pipeline.NewChain("user", log, process, generateUser, send),
		Expert:  pipeline.NewChain("expert", log, process, generateExpert, send),
		Receipt: pipeline.NewChain("receipt", log, pipeline.NewMarkReadStage(log)),
	}

	corr := correlator.New(userRepo, messageRepo, log)
	batcher := persist.NewBatcher(userRepo, messageRepo, log)
	orch := orchestrator.New(q, corr, router, batcher, orchestrator.ConfigFromEnv(), log)

	// Ops server
	httpRouter := server.NewRouter(server.RouterConfig{
		Log:          log,
		DB:           gdb,
		Queue:        q,
		Orchestrator: orch,
		VerifyToken:  envutil.Str("WHATSAPP_WEBHOOK_VERIFY_TOKEN", ""),
	})
	httpServer := server.NewHTTPServer(server.ListenAddr(envutil.Str("PORT", "8080")), httpRouter)
	go func() {
		log.Info("ops server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("ops server failed", "error", err)
		}
	}()

	// Consume until interrupted.
	if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("consumer exited", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("ops server shutdown failed", "error", err)
	}
	if shutdownOtel != nil {
		if err := shutdownOtel(shutdownCtx); err != nil {
			log.Warn("otel shutdown failed", "error", err)
		}
	}
}
