package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/birdtag/birdtag/internal/config"
	"github.com/birdtag/birdtag/internal/db"
	"github.com/birdtag/birdtag/internal/detect"
	"github.com/birdtag/birdtag/internal/ingest"
	"github.com/birdtag/birdtag/internal/mqtt"
	"github.com/birdtag/birdtag/internal/repository"
	"github.com/birdtag/birdtag/internal/service"
	"github.com/birdtag/birdtag/internal/storage"
)

type App struct {
	Cfg                 *config.Config
	DB                  *sqlx.DB
	Storage             storage.Storage
	AuthService         *service.AuthService
	QueryService        *service.QueryService
	TagService          *service.TagService
	SubscriptionService *service.SubscriptionService
	MediaService        *service.MediaService
	Dispatcher          *ingest.Dispatcher
	MQTT                *mqtt.Client // nil when MQTT_BROKER is unset
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	// Initialize database
	database, err := db.Init(cfg.DBDriver, cfg.DBConnection)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Run database migrations
	err = db.RunMigrations(ctx, database.DB, cfg.DBDriver)
	if err != nil {
		_ = db.Close(database)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Repositories
	mediaRepository := repository.NewMediaRepository(database)
	subscriptionRepository := repository.NewSubscriptionRepository(database)
	notificationLog := repository.NewNotificationLogRepository(database)

	// Storage
	objectStorage, err := storage.New(ctx, cfg)
	if err != nil {
		_ = db.Close(database)
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	// Detection
	classifier := detect.NewClassifier(detect.ClassifierConfig{
		ImageURL: cfg.ClassifierImageURL,
		AudioURL: cfg.ClassifierAudioURL,
		VideoURL: cfg.ClassifierVideoURL,
		Timeout:  cfg.ClassifierTimeout,
	}, nil)
	normalizer := detect.Normalizer{MinConfidence: cfg.DetectionMinConfidence}
	thumbnailer := detect.Thumbnailer{
		MaxEdge:   cfg.ThumbnailMaxEdge,
		Quality:   cfg.ThumbnailQuality,
		MaxPixels: cfg.ThumbnailMaxPixels,
	}
	registry := detect.NewRegistry(
		detect.NewImageDetector(classifier, normalizer, thumbnailer),
		detect.NewAudioDetector(classifier, normalizer),
		detect.NewVideoDetector(classifier, normalizer, thumbnailer, detect.FFmpegGrabber{Path: cfg.FFmpegPath}),
	)

	// Services
	global := cfg.GlobalSearch()
	writer := service.NewMetadataWriter(mediaRepository, cfg.MaxConflictRetries)
	cache := service.NewResolveCache(cfg.CacheSize, cfg.CacheTTL)
	queryService := service.NewQueryService(writer, cache, global)
	tagService := service.NewTagService(writer, global)
	subscriptionService := service.NewSubscriptionService(subscriptionRepository)
	mediaService := service.NewMediaService(writer, objectStorage, cache, notificationLog, queryService, registry, global)
	authService := service.NewAuthService(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTExpiry)

	emailNotifier := service.NewEmailNotifier(
		cfg.ResendAPIKey,
		cfg.EmailFrom,
		cfg.AppURL,
		cfg.AppName,
		cfg.IsDevelopment(),
	)
	notifications := service.NewNotificationDispatcher(subscriptionRepository, notificationLog, emailNotifier)

	// MQTT is optional; the dispatcher must see a nil interface, not a nil *Client.
	var mqttClient *mqtt.Client
	var publisher ingest.Publisher
	if cfg.MQTTEnabled() {
		mqttClient = mqtt.New(mqtt.ConfigFrom(cfg))
		publisher = mqttClient
	}

	dispatcher := ingest.NewDispatcher(writer, objectStorage, registry, notifications, publisher, ingest.Config{
		DetectionTimeout: cfg.DetectionTimeout,
		StaleAfter:       cfg.IngestStaleAfter,
		Concurrency:      cfg.IngestConcurrency,
	})

	return &App{
		Cfg:                 cfg,
		DB:                  database,
		Storage:             objectStorage,
		AuthService:         authService,
		QueryService:        queryService,
		TagService:          tagService,
		SubscriptionService: subscriptionService,
		MediaService:        mediaService,
		Dispatcher:          dispatcher,
		MQTT:                mqttClient,
	}, nil
}

// StartMQTT connects to the broker and feeds the ingest topic into the
// dispatcher. It is a no-op when MQTT is disabled.
func (a *App) StartMQTT(ctx context.Context) error {
	if a.MQTT == nil {
		return nil
	}
	if err := a.MQTT.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}

	topic := a.Cfg.MQTTIngestTopic
	if topic == "" {
		return nil
	}
	return a.MQTT.Subscribe(ctx, topic, func(ctx context.Context, payload []byte) {
		reports, err := a.Dispatcher.HandlePayload(ctx, payload)
		if err != nil {
			slog.Error("failed to handle mqtt ingest message", "topic", topic, "error", err)
			return
		}
		slog.Debug("mqtt ingest message handled", "topic", topic, "objects", len(reports))
	})
}

func (a *App) Close() error {
	if a.MQTT != nil {
		a.MQTT.Disconnect()
	}
	if a.DB != nil {
		return db.Close(a.DB)
	}
	return nil
}
