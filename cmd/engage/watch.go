package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	engage "github.com/Prismer-AI/engage-go"
	"github.com/spf13/cobra"
)

var watchRefresh time.Duration

func init() {
	watchCmd.Flags().DurationVar(&watchRefresh, "refresh", time.Minute, "Refetch unread counters this often (0 disables)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect and print live counter, connection and typing changes",
	Long:  "Log in with the stored token, prime the caches and print every change to the unread counters, the connection state and typing indicators until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.Token == "" {
			return fmt.Errorf("no session token; run 'engage login <token>' first")
		}
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		eng := engage.New(cfg, engage.WithLogger(logger), engage.WithCountRefresh(watchRefresh))
		defer eng.Close()
		out := cmd.OutOrStdout()

		eng.Channel.OnStateChange(func(s engage.ConnectionState) {
			if s.LastError != nil {
				fmt.Fprintf(out, "[connection] %s (%v)\n", s.Status, s.LastError)
				return
			}
			fmt.Fprintf(out, "[connection] %s\n", s.Status)
		})
		eng.Store.OnChange(func(key engage.Key) {
			switch key {
			case engage.KeyNotificationsUnread, engage.KeyConversationsUnread:
				if n, ok := eng.Store.Count(key); ok {
					fmt.Fprintf(out, "[unread] %s = %d\n", key, n)
				}
			}
		})
		eng.Typing.OnChange(func(conversationID string, actors []engage.TypingActor) {
			names := make([]string, 0, len(actors))
			for _, a := range actors {
				names = append(names, valueOrDefault(a.Username, a.UserID))
			}
			fmt.Fprintf(out, "[typing] %s: %s\n", conversationID, valueOrDefault(strings.Join(names, ", "), "-"))
		})

		loginCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err = eng.Login(loginCtx, cfg.Auth.Token, engage.WithUserID(cfg.Auth.UserID), engage.WithUsername(cfg.Auth.Username))
		cancel()
		if err != nil {
			return err
		}
		if err := eng.Queries.Prime(ctx); err != nil {
			fmt.Fprintf(out, "[prime] %v\n", err)
		}

		<-ctx.Done()
		fmt.Fprintln(out, "Stopping")
		return nil
	},
}
