package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	firebase "firebase.google.com/go/v4"

	shared "github.com/striderace/server/pkg"
	"github.com/striderace/server/pkg/infrastructure/database"
	"github.com/striderace/server/pkg/infrastructure/kvstore"
	"github.com/striderace/server/pkg/infrastructure/notifications"
	infrapubsub "github.com/striderace/server/pkg/infrastructure/pubsub"
	infrasentry "github.com/striderace/server/pkg/infrastructure/sentry"
	"github.com/striderace/server/pkg/snapshot"
)

// Config holds standard configuration for all services
type Config struct {
	ProjectID      string
	EnablePublish  bool
	EnablePush     bool
	SnapshotDBPath string
	KVDBPath       string
	SentryDSN      string
	Environment    string
}

// Service holds initialized dependencies
type Service struct {
	DB        shared.Database
	Pub       shared.Publisher
	KV        shared.KVStore
	Notify    shared.NotificationService
	Snapshots *snapshot.Store
	Config    *Config
}

// LoadConfig reads configuration from environment variables
func LoadConfig() *Config {
	projectID := os.Getenv("GOOGLE_CLOUD_PROJECT")
	if projectID == "" {
		projectID = shared.ProjectID // Fallback
	}

	snapshotPath := os.Getenv("SNAPSHOT_DB_PATH")
	if snapshotPath == "" {
		snapshotPath = "striderace_snapshots.db"
	}
	kvPath := os.Getenv("KV_DB_PATH")
	if kvPath == "" {
		kvPath = "striderace_kv.db"
	}

	return &Config{
		ProjectID:      projectID,
		EnablePublish:  os.Getenv("ENABLE_PUBLISH") == "true",
		EnablePush:     os.Getenv("ENABLE_PUSH") == "true",
		SnapshotDBPath: snapshotPath,
		KVDBPath:       kvPath,
		SentryDSN:      os.Getenv("SENTRY_DSN"),
		Environment:    os.Getenv("ENVIRONMENT"),
	}
}

// GetSlogHandlerOptions returns standard handler options for GCP
func GetSlogHandlerOptions(level slog.Level) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Map standard keys to Cloud Logging keys
			if a.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: a.Value}
			}
			if a.Key == slog.LevelKey {
				return slog.Attr{Key: "severity", Value: a.Value}
			}
			return a
		},
	}
}

// ComponentHandler wraps a slog.Handler to prepend [component] to the message
type ComponentHandler struct {
	slog.Handler
	component string
}

// WithGroup implements slog.Handler
func (h *ComponentHandler) WithGroup(name string) slog.Handler {
	return &ComponentHandler{
		Handler:   h.Handler.WithGroup(name),
		component: h.component,
	}
}

// WithAttrs implements slog.Handler
func (h *ComponentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newComp := h.component
	for _, a := range attrs {
		if a.Key == "component" {
			newComp = a.Value.String()
		}
	}
	return &ComponentHandler{
		Handler:   h.Handler.WithAttrs(attrs),
		component: newComp,
	}
}

// Handle implements slog.Handler
func (h *ComponentHandler) Handle(ctx context.Context, r slog.Record) error {
	comp := h.component

	// Check if component is overridden in the record attributes
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			comp = a.Value.String()
			return false // stop
		}
		return true
	})

	if comp != "" {
		newMsg := fmt.Sprintf("[%s] %s", comp, r.Message)
		newRecord := slog.NewRecord(r.Time, r.Level, newMsg, r.PC)
		// Keep the component attribute in the structured payload
		r.Attrs(func(a slog.Attr) bool {
			newRecord.AddAttrs(a)
			return true
		})
		r = newRecord
	}

	return h.Handler.Handle(ctx, r)
}

// InitLogger configures structured logging with Cloud Logging compatible keys
func InitLogger() {
	opts := GetSlogHandlerOptions(logLevelFromEnv())
	handler := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(&ComponentHandler{Handler: handler})
	slog.SetDefault(logger)
}

// NewLogger creates a configured logger instance
func NewLogger(serviceName string) *slog.Logger {
	opts := GetSlogHandlerOptions(logLevelFromEnv())
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(&ComponentHandler{Handler: handler}).With("service", serviceName)
}

func logLevelFromEnv() slog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewService initializes all standard dependencies
func NewService(ctx context.Context) (*Service, error) {
	InitLogger()
	cfg := LoadConfig()

	slog.Info("Initializing service", "project_id", cfg.ProjectID)

	if err := infrasentry.Init(infrasentry.Config{
		DSN:         cfg.SentryDSN,
		Environment: cfg.Environment,
	}, slog.Default()); err != nil {
		slog.Warn("Sentry init failed, continuing without error tracking", "error", err)
	}

	// Firestore
	fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		slog.Error("Firestore init failed", "error", err)
		return nil, fmt.Errorf("firestore init: %w", err)
	}

	// Pub/Sub
	var pubAdapter shared.Publisher
	if cfg.EnablePublish {
		psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			slog.Error("PubSub init failed", "error", err)
			return nil, fmt.Errorf("pubsub init: %w", err)
		}
		pubAdapter = &infrapubsub.PubSubAdapter{Client: psClient}
		slog.Info("Pub/Sub: REAL (ENABLE_PUBLISH=true)")
	} else {
		pubAdapter = &infrapubsub.LogPublisher{}
		slog.Info("Pub/Sub: MOCK (LogPublisher)")
	}

	// Push notifications
	var notify shared.NotificationService
	if cfg.EnablePush {
		app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID})
		if err != nil {
			slog.Error("Firebase init failed", "error", err)
			return nil, fmt.Errorf("firebase init: %w", err)
		}
		notify, err = notifications.NewFCMAdapter(ctx, app, fsClient)
		if err != nil {
			slog.Error("FCM init failed", "error", err)
			return nil, fmt.Errorf("fcm init: %w", err)
		}
		slog.Info("Push notifications: REAL (ENABLE_PUSH=true)")
	}

	// Local durable stores
	kv, err := kvstore.Open(cfg.KVDBPath)
	if err != nil {
		slog.Error("KV store init failed", "error", err, "path", cfg.KVDBPath)
		return nil, fmt.Errorf("kv store init: %w", err)
	}
	snapshots, err := snapshot.Open(cfg.SnapshotDBPath)
	if err != nil {
		slog.Error("Snapshot store init failed", "error", err, "path", cfg.SnapshotDBPath)
		return nil, fmt.Errorf("snapshot store init: %w", err)
	}

	return &Service{
		DB:        database.NewFirestoreAdapter(fsClient),
		Pub:       pubAdapter,
		KV:        kv,
		Notify:    notify,
		Snapshots: snapshots,
		Config:    cfg,
	}, nil
}
