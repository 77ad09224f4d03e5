package bot

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/opsdevs/project-atlas/pkg/telegram"
)

const pollTimeoutSeconds = 30

// UpdateHandler processes one incoming update.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, update *telegram.Update)
}

// Bot runs the long-polling loop and dispatches updates to a handler.
type Bot struct {
	client  *telegram.Client
	handler UpdateHandler
}

func NewBot(client *telegram.Client, handler UpdateHandler) *Bot {
	return &Bot{
		client:  client,
		handler: handler,
	}
}

// Run polls for updates until ctx is cancelled. Poll failures are logged and
// retried after a short pause rather than terminating the loop.
func (b *Bot) Run(ctx context.Context) error {
	var offset int64

	slog.Info("telegram polling loop started")
	for {
		updates, err := b.client.GetUpdates(ctx, &telegram.GetUpdatesRequest{
			Offset:  offset,
			Timeout: pollTimeoutSeconds,
		})
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				slog.Info("telegram polling loop stopped")
				return nil
			}
			slog.Warn("failed to fetch updates", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(3 * time.Second):
			}
			continue
		}

		for i := range updates {
			update := &updates[i]
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			b.handler.HandleUpdate(ctx, update)
		}
	}
}
