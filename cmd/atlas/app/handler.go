package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/opsdevs/project-atlas/cmd/atlas/app/domain"
	"github.com/opsdevs/project-atlas/cmd/atlas/app/service"
	"github.com/opsdevs/project-atlas/pkg/telegram"
)

const maxTasksShown = 25

// BotHandler glues Telegram commands to the sync engine. It implements the
// interactive layer's contract: cached reads never trigger upstream calls,
// a missing cache with no sync in flight starts one in the background.
type BotHandler struct {
	client *telegram.Client
	sync   *service.SyncService

	mu     sync.Mutex
	emails map[int64]string // chat id -> registered tracker email
}

func NewBotHandler(client *telegram.Client, syncService *service.SyncService) *BotHandler {
	return &BotHandler{
		client: client,
		sync:   syncService,
		emails: make(map[int64]string),
	}
}

func (h *BotHandler) HandleUpdate(ctx context.Context, update *telegram.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.From.IsBot {
		return
	}

	switch msg.Command() {
	case "/start", "/help":
		h.reply(ctx, msg.Chat.ID, helpText)
	case "/register":
		h.handleRegister(ctx, msg)
	case "/tasks":
		h.handleTasks(ctx, msg)
	case "/sync":
		h.handleSync(ctx, msg)
	case "/status":
		h.handleStatus(ctx, msg)
	case "":
		// Plain messages are ignored; this bot is command-driven.
	default:
		h.reply(ctx, msg.Chat.ID, "Unknown command. Try /help.")
	}
}

const helpText = `I keep track of your tracker tasks.

/register <email> - link your tracker account
/tasks - show your assigned tasks
/sync - refresh tasks from the tracker
/status - show the last sync outcome`

func (h *BotHandler) handleRegister(ctx context.Context, msg *telegram.Message) {
	email := strings.ToLower(msg.CommandArgs())
	if email == "" || !strings.Contains(email, "@") {
		h.reply(ctx, msg.Chat.ID, "Usage: /register you@company.com")
		return
	}

	h.mu.Lock()
	h.emails[msg.Chat.ID] = email
	h.mu.Unlock()

	slog.Info("user registered",
		slog.Int64("chat_id", msg.Chat.ID),
		slog.String("email", email))
	h.reply(ctx, msg.Chat.ID, fmt.Sprintf("Registered %s. Use /tasks to see your assignments.", email))
}

func (h *BotHandler) handleTasks(ctx context.Context, msg *telegram.Message) {
	key, ok := h.userKey(msg.Chat.ID)
	if !ok {
		h.reply(ctx, msg.Chat.ID, "You're not registered yet. Use /register <email> first.")
		return
	}

	tasks, err := h.sync.CachedTasks(ctx, key, maxTasksShown)
	if err != nil {
		slog.Error("failed to read task cache", slog.Any("error", err))
		h.reply(ctx, msg.Chat.ID, "Something went wrong reading your tasks, try again.")
		return
	}
	if len(tasks) > 0 {
		h.reply(ctx, msg.Chat.ID, renderTasks(tasks))
		return
	}

	status, err := h.sync.Status(ctx, key)
	if err != nil {
		slog.Error("failed to read sync status", slog.Any("error", err))
		h.reply(ctx, msg.Chat.ID, "Something went wrong, try again.")
		return
	}
	if status.InProgress {
		h.reply(ctx, msg.Chat.ID, "Still syncing your tasks, hold on.")
		return
	}

	accepted, err := h.sync.RequestSync(ctx, key)
	if err != nil {
		slog.Error("failed to request sync", slog.Any("error", err))
		h.reply(ctx, msg.Chat.ID, "Could not start a sync, try again.")
		return
	}
	if !accepted {
		h.reply(ctx, msg.Chat.ID, "A sync is already running, hold on.")
	}
	// When accepted, the sync engine has already messaged the user.
}

func (h *BotHandler) handleSync(ctx context.Context, msg *telegram.Message) {
	key, ok := h.userKey(msg.Chat.ID)
	if !ok {
		h.reply(ctx, msg.Chat.ID, "You're not registered yet. Use /register <email> first.")
		return
	}

	accepted, err := h.sync.RequestSync(ctx, key)
	if err != nil {
		slog.Error("failed to request sync", slog.Any("error", err))
		h.reply(ctx, msg.Chat.ID, "Could not start a sync, try again.")
		return
	}
	if !accepted {
		h.reply(ctx, msg.Chat.ID, "A sync is already running, hold on.")
	}
}

func (h *BotHandler) handleStatus(ctx context.Context, msg *telegram.Message) {
	key, ok := h.userKey(msg.Chat.ID)
	if !ok {
		h.reply(ctx, msg.Chat.ID, "You're not registered yet. Use /register <email> first.")
		return
	}

	status, err := h.sync.Status(ctx, key)
	if err != nil {
		slog.Error("failed to read sync status", slog.Any("error", err))
		h.reply(ctx, msg.Chat.ID, "Something went wrong, try again.")
		return
	}
	h.reply(ctx, msg.Chat.ID, renderStatus(status))
}

func (h *BotHandler) userKey(chatID int64) (domain.UserKey, bool) {
	h.mu.Lock()
	email, ok := h.emails[chatID]
	h.mu.Unlock()
	if !ok {
		return domain.UserKey{}, false
	}
	return domain.UserKey{Email: email, ChatID: chatID}, true
}

func (h *BotHandler) reply(ctx context.Context, chatID int64, text string) {
	_, err := h.client.SendMessage(ctx, &telegram.SendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		DisableWebPagePreview: true,
	})
	if err != nil {
		slog.Warn("failed to send reply",
			slog.Int64("chat_id", chatID),
			slog.Any("error", err))
	}
}

func renderTasks(tasks []domain.TaskCacheEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your tasks (%d):\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&b, "\n[%s] %s", t.StateGroup, t.Title)
		if t.Priority != "" && t.Priority != "none" {
			fmt.Fprintf(&b, " (%s)", t.Priority)
		}
		if t.URL != "" {
			fmt.Fprintf(&b, "\n%s", t.URL)
		}
	}
	return b.String()
}

func renderStatus(status domain.SyncStatus) string {
	switch {
	case status.InProgress:
		return fmt.Sprintf("Sync running since %s.", status.LastStartedAt.Format("15:04:05"))
	case status.LastCompletedAt.IsZero() && status.LastError == "":
		return "No sync has run yet. Use /tasks or /sync to start one."
	case status.LastError != "":
		return fmt.Sprintf("Last sync failed: %s.", status.LastError)
	default:
		return fmt.Sprintf("Last sync at %s: %d tasks.",
			status.LastCompletedAt.Format("2006-01-02 15:04:05"), status.TotalTasks)
	}
}
