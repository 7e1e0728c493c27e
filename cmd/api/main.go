package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/storyreel/storyreel/internal/api"
	"github.com/storyreel/storyreel/internal/audio"
	"github.com/storyreel/storyreel/internal/cache"
	"github.com/storyreel/storyreel/internal/config"
	"github.com/storyreel/storyreel/internal/jobstore"
	"github.com/storyreel/storyreel/internal/pipeline"
	"github.com/storyreel/storyreel/internal/publish"
	"github.com/storyreel/storyreel/internal/render"
	"github.com/storyreel/storyreel/internal/services"
	"github.com/storyreel/storyreel/internal/storage"
	"github.com/storyreel/storyreel/internal/worker"
)

func main() {
	log.Println("Starting StoryReel API...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	staleThreshold := time.Duration(cfg.StaleThresholdSec) * time.Second

	// Job store: Postgres for durable leases, memory for single-process dev
	var store jobstore.QueueBackend
	switch cfg.QueueBackend {
	case "postgres":
		pg, err := jobstore.NewPostgres(cfg.DatabaseURL, staleThreshold)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pg.Close()
		if err := pg.Migrate(context.Background()); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		store = pg
		log.Println("Job store: Postgres")
	case "memory":
		store = jobstore.NewMemory(staleThreshold)
		log.Println("Job store: in-memory (jobs do not survive restarts)")
	}

	// Redis snapshot cache is optional; status reads fall back to the job store
	var snapshots *cache.Cache
	if cfg.RedisURL != "" {
		snapshots, err = cache.New(cfg.RedisURL)
		if err != nil {
			log.Printf("WARNING: Redis unavailable, status snapshots disabled: %v", err)
			snapshots = nil
		} else {
			defer snapshots.Close()
			log.Println("Connected to Redis snapshot cache")
		}
	}

	// Object store for published artifacts
	var objStore storage.ObjectStore
	switch cfg.StorageBackend {
	case "supabase":
		objStore = storage.NewSupabase(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket)
		log.Printf("Object store: Supabase (bucket: %s)", cfg.SupabaseStorageBucket)
	case "local":
		objStore, err = storage.NewLocalFS(cfg.LocalStorageRoot)
		if err != nil {
			log.Fatalf("Failed to initialize local storage: %v", err)
		}
		log.Printf("Object store: local filesystem (%s)", cfg.LocalStorageRoot)
	}

	// Create API handler
	handler := api.NewHandler(store, snapshots, cfg.WorkDir)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	// Start HTTP server
	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	// Start workers if enabled
	var workerCtx context.Context
	var workerCancel context.CancelFunc
	if cfg.WorkerEnabled {
		log.Println("Worker enabled, starting background processing...")

		orch, pub, err := buildPipeline(cfg, objStore)
		if err != nil {
			log.Fatalf("Failed to initialize pipeline: %v", err)
		}

		workerCtx, workerCancel = context.WithCancel(context.Background())
		hostname, _ := os.Hostname()
		for i := 0; i < cfg.WorkerCount; i++ {
			id := fmt.Sprintf("%s-%d", hostname, i)
			w := worker.New(id, store, orch, pub, snapshots,
				time.Duration(cfg.HeartbeatIntervalSec)*time.Second, staleThreshold)
			go w.Run(workerCtx)
		}
	}

	// Start server in goroutine
	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Shutdown workers; in-flight jobs are abandoned mid-lease and reclaimed
	// by the stale sweep after restart.
	if workerCancel != nil {
		workerCancel()
	}

	// Shutdown HTTP server
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

// buildPipeline wires the provider chains, render engine, and orchestrator
// from configuration.
func buildPipeline(cfg *config.Config, objStore storage.ObjectStore) (*pipeline.Orchestrator, *publish.Publisher, error) {
	ffmpegSvc, err := services.NewFFmpegService(filepath.Join(cfg.WorkDir, "tmp"))
	if err != nil {
		return nil, nil, err
	}
	if !ffmpegSvc.Available() {
		log.Println("WARNING: ffmpeg not found on PATH, falling back to the built-in renderer")
	}

	// TTS chain: ElevenLabs preferred, OpenAI as fallback
	var synthProviders []services.SynthesisProvider
	if cfg.ElevenLabsKey != "" {
		synthProviders = append(synthProviders, services.NewElevenLabsService(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID))
	}

	var openaiSvc *services.OpenAIService
	if cfg.OpenAIKey != "" {
		openaiSvc = services.NewOpenAIService(cfg.OpenAIKey)
		synthProviders = append(synthProviders, openaiSvc)
	}
	synth := services.NewSynthesisChain(synthProviders...)
	log.Printf("TTS providers: %v", synth.Providers())

	// Image chain: Gemini preferred, DALL-E as fallback
	var imageProviders []services.ImageProvider
	if cfg.GeminiKey != "" {
		imageProviders = append(imageProviders, services.NewGeminiService(cfg.GeminiKey, cfg.GeminiModel))
	}
	if openaiSvc != nil {
		imageProviders = append(imageProviders, openaiSvc)
	}
	images := services.NewImageChain(imageProviders...)

	audioEngine, err := audio.NewEngine(synth, ffmpegSvc, filepath.Join(cfg.CacheDir, "audio"))
	if err != nil {
		return nil, nil, err
	}

	sceneCache, err := render.NewCache(filepath.Join(cfg.CacheDir, "scenes"))
	if err != nil {
		return nil, nil, err
	}
	renderer := render.NewEngine(context.Background(), ffmpegSvc, sceneCache, cfg.RenderWorkers)

	orch := &pipeline.Orchestrator{
		Images:         images,
		Audio:          audioEngine,
		Renderer:       renderer,
		Store:          objStore,
		WorkRoot:       cfg.WorkDir,
		RuntimeCeiling: time.Duration(cfg.RuntimeCeilingSec) * time.Second,
		MusicPath:      cfg.BackgroundMusicPath,
	}
	if ffmpegSvc.Available() {
		orch.FFmpeg = ffmpegSvc
	}
	if openaiSvc != nil {
		orch.Transcriber = openaiSvc
	}

	return orch, publish.New(objStore, cfg.UploadConcurrency), nil
}
