package adapter

import (
	"context"

	"github.com/opsdevs/project-atlas/cmd/atlas/app/domain"
	"github.com/opsdevs/project-atlas/pkg/telegram"
)

// TelegramNotifier delivers sync lifecycle messages to the user's chat.
type TelegramNotifier struct {
	client *telegram.Client
}

var _ domain.Notifier = (*TelegramNotifier)(nil)

func NewTelegramNotifier(client *telegram.Client) *TelegramNotifier {
	return &TelegramNotifier{client: client}
}

func (n *TelegramNotifier) Notify(ctx context.Context, key domain.UserKey, text string) error {
	_, err := n.client.SendMessage(ctx, &telegram.SendMessageRequest{
		ChatID: key.ChatID,
		Text:   text,
	})
	return err
}
