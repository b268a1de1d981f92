package main

import (
	"context"
	"fmt"
	"time"

	engage "github.com/Prismer-AI/engage-go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, session and unread counters",
	Long:  "Display the effective configuration, check whether the session token is expired, and fetch live unread counters.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Environment: %s\n", cfg.Default.Environment)
		fmt.Fprintf(out, "  Base URL:    %s\n", cfg.Default.BaseURL)
		fmt.Fprintf(out, "  Heartbeat:   %s\n", cfg.Realtime.HeartbeatInterval)
		fmt.Fprintf(out, "  Typing TTL:  %s\n", cfg.Typing.TTL)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Session:")
		if cfg.Auth.Token == "" {
			fmt.Fprintln(out, "  Token:       (not logged in)")
			return nil
		}
		fmt.Fprintf(out, "  User:        %s\n", valueOrDefault(cfg.Auth.Username, cfg.Auth.UserID))
		fmt.Fprintf(out, "  Token:       %s\n", tokenStatus(cfg.Auth.Token))

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Unread:")
		client := engage.NewClient(cfg.Auth.Token, engage.WithBaseURL(cfg.Default.BaseURL), engage.WithRetryMax(1))
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		var notifications, conversations int
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() (err error) {
			notifications, err = client.NotificationUnreadCount(ctx)
			return err
		})
		g.Go(func() (err error) {
			conversations, err = client.ConversationUnreadCount(ctx)
			return err
		})
		if err := g.Wait(); err != nil {
			fmt.Fprintf(out, "  Error fetching counters: %v\n", err)
			return nil
		}
		fmt.Fprintf(out, "  Notifications: %d\n", notifications)
		fmt.Fprintf(out, "  Conversations: %d\n", conversations)
		return nil
	},
}

func tokenStatus(token string) string {
	id, err := engage.ParseIdentity(token)
	if err != nil {
		return "present (opaque)"
	}
	if id.ExpiresAt.IsZero() {
		return "present (no expiry set)"
	}
	if time.Now().Before(id.ExpiresAt) {
		return fmt.Sprintf("valid (expires %s)", id.ExpiresAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED (expired %s)", id.ExpiresAt.Format(time.RFC3339))
}
