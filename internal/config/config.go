package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Application
	AppName string
	AppEnv  string
	AppURL  string
	Port    string

	// Database (optional driver switch via ENV, default: sqlite)
	DBDriver     string
	DBConnection string

	// Security
	JWTSecret          string
	JWTIssuer          string
	JWTExpiry          time.Duration // lifetime of tokens minted by the CLI
	IngestWebhookToken string
	RateLimitRPS       float64
	RateLimitBurst     int

	// Query
	SearchScope        string // "owner" or "global"
	CacheSize          int
	CacheTTL           time.Duration
	MaxConflictRetries int

	// Email
	EmailFrom    string
	ResendAPIKey string

	// Observability (optional)
	SentryDSN string

	// Storage (S3-compatible: MinIO, AWS S3, Cloudflare R2, DigitalOcean Spaces, etc.)
	S3Region        string
	S3Bucket        string
	S3AccessKey     string
	S3SecretKey     string
	S3Endpoint      string        // Optional: for S3-compatible services (MinIO, DO Spaces, R2, etc.)
	S3PresignExpiry time.Duration // Expiry for presigned upload and download URLs

	// Detection
	ClassifierImageURL     string
	ClassifierAudioURL     string
	ClassifierVideoURL     string
	ClassifierTimeout      time.Duration
	DetectionTimeout       time.Duration
	DetectionMinConfidence float64
	ThumbnailMaxEdge       int
	ThumbnailQuality       int
	ThumbnailMaxPixels     int
	FFmpegPath             string

	// Ingest
	IngestConcurrency int
	IngestStaleAfter  time.Duration

	// MQTT (optional, disabled when MQTT_BROKER is empty)
	MQTTBroker         string
	MQTTClientID       string
	MQTTUsername       string
	MQTTPassword       string
	MQTTIngestTopic    string
	MQTTDetectionTopic string
	MQTTQoS            int
	MQTTRetain         bool
}

func Load() *Config {
	// Load .env file if it exists
	err := godotenv.Load()
	if err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	detectionTimeout := envDuration("DETECTION_TIMEOUT", 60*time.Second)

	cfg := &Config{
		// Application
		AppName: envString("APP_NAME", "BirdTag"),
		AppEnv:  envRequired("APP_ENV"), // Required: 'development' or 'production'
		AppURL:  envRequired("APP_URL"), // Required: base URL for notification links
		Port:    envString("PORT", "8090"),

		// Database
		DBDriver:     envString("DB_DRIVER", "sqlite"),
		DBConnection: envString("DB_CONNECTION", "./data/birdtag.db?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"),

		// Security
		JWTSecret:          envRequired("JWT_SECRET"),
		JWTIssuer:          envString("JWT_ISSUER", ""),
		JWTExpiry:          envDuration("JWT_EXPIRY", 24*time.Hour),
		IngestWebhookToken: envString("INGEST_WEBHOOK_TOKEN", ""),
		RateLimitRPS:       envFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst:     envInt("RATE_LIMIT_BURST", 20),

		// Query
		SearchScope:        envString("SEARCH_SCOPE", "owner"),
		CacheSize:          envInt("CACHE_SIZE", 10000),
		CacheTTL:           envDuration("CACHE_TTL", 10*time.Minute),
		MaxConflictRetries: envInt("MAX_CONFLICT_RETRIES", 3),

		// Email (RESEND_API_KEY optional in development, required in production)
		EmailFrom:    envString("EMAIL_FROM", "noreply@example.com"),
		ResendAPIKey: envString("RESEND_API_KEY", ""),

		// Observability
		SentryDSN: envString("SENTRY_DSN", ""),

		// Storage
		S3Region:        envRequired("S3_REGION"),
		S3Bucket:        envRequired("S3_BUCKET"),
		S3AccessKey:     envRequired("S3_ACCESS_KEY"),
		S3SecretKey:     envRequired("S3_SECRET_KEY"),
		S3Endpoint:      envString("S3_ENDPOINT", ""), // Optional: for non-AWS providers
		S3PresignExpiry: envDuration("S3_PRESIGN_EXPIRY", 1*time.Hour),

		// Detection
		ClassifierImageURL:     envString("CLASSIFIER_IMAGE_URL", "http://localhost:9000/v1/image"),
		ClassifierAudioURL:     envString("CLASSIFIER_AUDIO_URL", "http://localhost:9000/v1/audio"),
		ClassifierVideoURL:     envString("CLASSIFIER_VIDEO_URL", "http://localhost:9000/v1/video"),
		ClassifierTimeout:      envDuration("CLASSIFIER_TIMEOUT", 30*time.Second),
		DetectionTimeout:       detectionTimeout,
		DetectionMinConfidence: envFloat("DETECTION_MIN_CONFIDENCE", 0.5),
		ThumbnailMaxEdge:       envInt("THUMBNAIL_MAX_EDGE", 200),
		ThumbnailQuality:       envInt("THUMBNAIL_QUALITY", 75),
		ThumbnailMaxPixels:     envInt("THUMBNAIL_MAX_PIXELS", 50_000_000),
		FFmpegPath:             envString("FFMPEG_PATH", "ffmpeg"),

		// Ingest
		IngestConcurrency: envInt("INGEST_CONCURRENCY", 8),
		IngestStaleAfter:  envDuration("INGEST_STALE_AFTER", 2*detectionTimeout),

		// MQTT
		MQTTBroker:         envString("MQTT_BROKER", ""),
		MQTTClientID:       envString("MQTT_CLIENT_ID", "birdtag"),
		MQTTUsername:       envString("MQTT_USERNAME", ""),
		MQTTPassword:       envString("MQTT_PASSWORD", ""),
		MQTTIngestTopic:    envString("MQTT_INGEST_TOPIC", "birdtag/objects/created"),
		MQTTDetectionTopic: envString("MQTT_DETECTION_TOPIC", "birdtag/detections"),
		MQTTQoS:            envInt("MQTT_QOS", 1),
		MQTTRetain:         envBool("MQTT_RETAIN", false),
	}

	// Production: validate required services
	if cfg.IsProduction() {
		validateProduction(cfg)
	}

	return cfg
}

// validateProduction ensures all required services are configured for production deployments.
// Development allows some services (like email) to use fallback modes for easier local testing.
func validateProduction(cfg *Config) {
	if cfg.ResendAPIKey == "" {
		slog.Error("production deployment requires RESEND_API_KEY",
			"hint", "set APP_ENV=development for local testing with email log mode")
		os.Exit(1)
	}
	if len(cfg.JWTSecret) < 32 {
		slog.Error("production deployment requires JWT_SECRET of at least 32 bytes")
		os.Exit(1)
	}
	if cfg.IngestWebhookToken == "" {
		slog.Error("production deployment requires INGEST_WEBHOOK_TOKEN")
		os.Exit(1)
	}
}

func envString(key, def string) string {
	value := os.Getenv(key)
	if value == "" {
		value = def
	}
	return value
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("config invalid bool, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("config invalid int, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("config invalid float, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("config invalid duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

func envRequired(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	slog.Error("config required env var missing", "key", key)
	os.Exit(1)
	return ""
}

func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// GlobalSearch reports whether every caller may see every record.
func (c *Config) GlobalSearch() bool {
	return c.SearchScope == "global"
}

func (c *Config) MQTTEnabled() bool {
	return c.MQTTBroker != ""
}

// Sanitized returns a copy of the config with only public/safe fields.
// All secrets, credentials, and sensitive data are excluded.
func (c *Config) Sanitized() *Config {
	return &Config{
		AppName:     c.AppName,
		AppEnv:      c.AppEnv,
		AppURL:      c.AppURL,
		Port:        c.Port,
		SearchScope: c.SearchScope,
		EmailFrom:   c.EmailFrom,
		S3Endpoint:  c.S3Endpoint,
	}
}
