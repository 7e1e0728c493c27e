package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Queue backend: "postgres" (durable, default) or "memory" (single process, dev/test)
	QueueBackend string
	DatabaseURL  string

	// Redis (optional status snapshot cache; empty disables it)
	RedisURL string

	// Storage backend: "supabase" (default) or "local"
	StorageBackend        string
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string
	LocalStorageRoot      string

	// OpenAI (fallback TTS, fallback images, Whisper transcription)
	OpenAIKey string

	// Gemini (preferred image provider)
	GeminiKey   string
	GeminiModel string

	// ElevenLabs (preferred TTS provider)
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	// Paths
	WorkDir             string // Per-job working directories live under here
	CacheDir            string // Audio and scene clip caches
	BackgroundMusicPath string // Path to default background music file

	// Worker
	WorkerEnabled        bool
	WorkerCount          int
	RenderWorkers        int // Concurrent scene renders per job
	UploadConcurrency    int // Concurrent artifact uploads per job
	HeartbeatIntervalSec int
	StaleThresholdSec    int
	RuntimeCeilingSec    int // Max wall-clock seconds per run (0 = unlimited)
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:            getEnv("API_PORT", "8080"),
		BackendAPIKey:      getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),

		QueueBackend: getEnv("QUEUE_BACKEND", "postgres"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		RedisURL:     getEnv("REDIS_URL", ""),

		StorageBackend:        getEnv("STORAGE_BACKEND", "supabase"),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "storyreel-videos"),
		LocalStorageRoot:      getEnv("LOCAL_STORAGE_ROOT", "/tmp/storyreel/store"),

		OpenAIKey: getEnv("OPENAI_API_KEY", ""),

		GeminiKey:   getEnv("GEMINI_API_KEY", ""),
		GeminiModel: getEnv("GEMINI_IMAGE_MODEL", "gemini-2.5-flash-image"),

		ElevenLabsKey:     getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID: getEnv("ELEVENLABS_VOICE_ID", ""),

		WorkDir:             getEnv("WORK_DIR", "/tmp/storyreel/jobs"),
		CacheDir:            getEnv("CACHE_DIR", "/tmp/storyreel/cache"),
		BackgroundMusicPath: getEnv("BACKGROUND_MUSIC_PATH", "assets/music/music.mp3"),

		WorkerEnabled:        getEnvBool("WORKER_ENABLED", true),
		WorkerCount:          getEnvInt("WORKER_COUNT", 1),
		RenderWorkers:        getEnvInt("RENDER_WORKERS", 3),
		UploadConcurrency:    getEnvInt("UPLOAD_CONCURRENCY", 4),
		HeartbeatIntervalSec: getEnvInt("HEARTBEAT_INTERVAL_SEC", 15),
		StaleThresholdSec:    getEnvInt("STALE_THRESHOLD_SEC", 120),
		RuntimeCeilingSec:    getEnvInt("RUNTIME_CEILING_SEC", 1800),
	}

	// Validate required fields
	if cfg.QueueBackend != "postgres" && cfg.QueueBackend != "memory" {
		return nil, fmt.Errorf("QUEUE_BACKEND must be \"postgres\" or \"memory\", got %q", cfg.QueueBackend)
	}

	if cfg.QueueBackend == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when QUEUE_BACKEND=postgres")
	}

	if cfg.StorageBackend != "supabase" && cfg.StorageBackend != "local" {
		return nil, fmt.Errorf("STORAGE_BACKEND must be \"supabase\" or \"local\", got %q", cfg.StorageBackend)
	}

	if cfg.StorageBackend == "supabase" && (cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "") {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required when STORAGE_BACKEND=supabase")
	}

	if cfg.WorkerEnabled {
		// At least one TTS provider must be configured
		if cfg.ElevenLabsKey == "" && cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("either ELEVENLABS_API_KEY or OPENAI_API_KEY is required for TTS")
		}

		// At least one image provider must be configured
		if cfg.GeminiKey == "" && cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("either GEMINI_API_KEY or OPENAI_API_KEY is required for image generation")
		}

		if cfg.HeartbeatIntervalSec <= 0 {
			return nil, fmt.Errorf("HEARTBEAT_INTERVAL_SEC must be positive")
		}
		if cfg.StaleThresholdSec <= cfg.HeartbeatIntervalSec {
			return nil, fmt.Errorf("STALE_THRESHOLD_SEC (%d) must exceed HEARTBEAT_INTERVAL_SEC (%d)", cfg.StaleThresholdSec, cfg.HeartbeatIntervalSec)
		}
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}
