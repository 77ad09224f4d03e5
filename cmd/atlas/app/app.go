package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsdevs/project-atlas/cmd/atlas/app/adapter"
	"github.com/opsdevs/project-atlas/cmd/atlas/app/domain"
	"github.com/opsdevs/project-atlas/cmd/atlas/app/service"
	"github.com/opsdevs/project-atlas/pkg/storage"
	"github.com/opsdevs/project-atlas/pkg/telegram"
	"github.com/opsdevs/project-atlas/pkg/telegram/bot"
	"github.com/opsdevs/project-atlas/pkg/tracker"
)

const staleSyncThreshold = 15 * time.Minute

type config struct {
	telegramToken  string
	trackerBaseURL string
	trackerToken   string

	// databaseURL enables the Postgres-backed stores; empty falls back to
	// in-memory stores.
	databaseURL string

	// archiveBucket enables the S3 sync-report archive.
	archiveBucket string
	archiveRegion string

	requestDelay time.Duration
	syncDeadline time.Duration
}

func loadConfig() (*config, error) {
	telegramToken, ok := os.LookupEnv("TELEGRAM_BOT_TOKEN")
	if !ok {
		return nil, errors.New("TELEGRAM_BOT_TOKEN is not set")
	}

	trackerBaseURL, ok := os.LookupEnv("TRACKER_API_URL")
	if !ok {
		return nil, errors.New("TRACKER_API_URL is not set")
	}

	trackerToken, ok := os.LookupEnv("TRACKER_API_TOKEN")
	if !ok {
		return nil, errors.New("TRACKER_API_TOKEN is not set")
	}

	cfg := &config{
		telegramToken:  telegramToken,
		trackerBaseURL: trackerBaseURL,
		trackerToken:   trackerToken,
		databaseURL:    os.Getenv("DATABASE_URL"),
		archiveBucket:  os.Getenv("SYNC_ARCHIVE_BUCKET"),
		archiveRegion:  getEnv("AWS_REGION", "us-east-1"),
		requestDelay:   time.Second,
		syncDeadline:   10 * time.Minute,
	}

	if raw := os.Getenv("TRACKER_REQUEST_DELAY"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid TRACKER_REQUEST_DELAY: %w", err)
		}
		cfg.requestDelay = d
	}
	if raw := os.Getenv("SYNC_DEADLINE"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid SYNC_DEADLINE: %w", err)
		}
		cfg.syncDeadline = d
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Run starts the bot and blocks until SIGINT/SIGTERM.
func Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, cleanup, err := buildDependencies(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	tgClient := telegram.NewClient(nil, cfg.telegramToken)
	me, err := tgClient.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram probe failed: %w", err)
	}
	slog.Info("bot authorized", slog.String("username", me.Username))

	syncService := service.NewSyncService(
		service.Config{SyncDeadline: cfg.syncDeadline},
		deps.trackerClient,
		deps.statuses,
		deps.tasks,
		adapter.NewTelegramNotifier(tgClient),
		deps.archiver,
	)

	handler := NewBotHandler(tgClient, syncService)
	b := bot.NewBot(tgClient, handler)

	err = b.Run(ctx)
	// Let in-flight syncs record their terminal status before exiting.
	syncService.Wait()
	return err
}

type dependencies struct {
	trackerClient *tracker.Client
	statuses      domain.SyncStatusStore
	tasks         domain.TaskCacheStore
	archiver      domain.ReportArchiver
}

func buildDependencies(ctx context.Context, cfg *config) (*dependencies, func(), error) {
	transport := tracker.NewTransport(tracker.TransportConfig{Delay: cfg.requestDelay})
	deps := &dependencies{
		trackerClient: tracker.NewClient(cfg.trackerBaseURL, cfg.trackerToken, transport),
	}
	cleanup := func() {}

	if cfg.databaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.databaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		store := adapter.NewPostgresStore(pool, staleSyncThreshold)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		reset, err := store.ResetStale(ctx)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if reset > 0 {
			slog.Warn("reset interrupted syncs from previous run", slog.Int64("count", reset))
		}
		deps.statuses = store
		deps.tasks = store
		cleanup = pool.Close
		slog.Info("using postgres sync stores")
	} else {
		deps.statuses = adapter.NewMemoryStatusStore(staleSyncThreshold)
		deps.tasks = adapter.NewMemoryTaskStore()
		slog.Info("using in-memory sync stores")
	}

	if cfg.archiveBucket != "" {
		s3store, err := storage.NewS3Storage(ctx, cfg.archiveBucket, cfg.archiveRegion)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		deps.archiver = adapter.NewS3ReportArchiver(s3store)
		slog.Info("sync report archive enabled", slog.String("bucket", cfg.archiveBucket))
	}

	return deps, cleanup, nil
}

// RunOnce performs one blocking sync for the given user and reports the
// outcome on stdout logging. Operational tool for debugging a user's sync
// without going through the bot.
func RunOnce(email string, chatID int64) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, cleanup, err := buildDependencies(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	var notifier domain.Notifier = logNotifier{}
	if chatID != 0 {
		notifier = adapter.NewTelegramNotifier(telegram.NewClient(nil, cfg.telegramToken))
	}

	syncService := service.NewSyncService(
		service.Config{SyncDeadline: cfg.syncDeadline},
		deps.trackerClient,
		deps.statuses,
		deps.tasks,
		notifier,
		deps.archiver,
	)

	key := domain.UserKey{Email: email, ChatID: chatID}
	accepted, err := syncService.RequestSync(ctx, key)
	if err != nil {
		return err
	}
	if !accepted {
		return errors.New("a sync for this user is already in progress")
	}
	syncService.Wait()

	status, err := syncService.Status(ctx, key)
	if err != nil {
		return err
	}
	if status.LastError != "" {
		return fmt.Errorf("sync failed: %s", status.LastError)
	}
	slog.Info("sync finished", slog.Int("tasks", status.TotalTasks))
	return nil
}

// logNotifier is used by RunOnce when no chat id is given.
type logNotifier struct{}

func (logNotifier) Notify(ctx context.Context, key domain.UserKey, text string) error {
	slog.Info("notification", slog.String("user", key.String()), slog.String("text", text))
	return nil
}
