package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/opsdevs/project-atlas/cmd/atlas/app"
)

var (
	version = "0.1.0"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	rootCmd := &cobra.Command{
		Use:     "atlas",
		Short:   "Telegram operations assistant with tracker task sync",
		Long:    `Atlas keeps a team's tracker assignments one chat command away: it syncs each user's tasks from the project tracker in the background and serves them from a cache so the bot never blocks on the upstream API.`,
		Version: version,
	}

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newSyncCommand())

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bot (long-polling loop)",
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.Info("atlas starting")
			if err := app.Run(); err != nil {
				slog.Error("bot stopped with error", slog.Any("error", err))
				return err
			}
			slog.Info("atlas stopped")
			return nil
		},
	}
}

func newSyncCommand() *cobra.Command {
	var (
		email  string
		chatID int64
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one blocking sync for a user and exit",
		Long: `Performs a single synchronization for one user.
This command will:
1. Fetch the workspace project list
2. Resolve the email to a tracker member id per project
3. Fetch the user's active issues in each project
4. Write the result to the task cache and sync status store

Useful for debugging a user's sync without going through the bot.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.RunOnce(email, chatID); err != nil {
				slog.Error("sync failed", slog.Any("error", err))
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "tracker account email (required)")
	cmd.Flags().Int64Var(&chatID, "chat-id", 0, "telegram chat id to notify (optional)")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}
