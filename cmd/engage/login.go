package main

import (
	"context"
	"fmt"
	"time"

	engage "github.com/Prismer-AI/engage-go"
	"github.com/spf13/cobra"
)

var (
	loginUserID   string
	loginUsername string
	loginCheck    bool
)

func init() {
	loginCmd.Flags().StringVar(&loginUserID, "user-id", "", "User id, required for non-JWT tokens")
	loginCmd.Flags().StringVar(&loginUsername, "username", "", "Display username")
	loginCmd.Flags().BoolVar(&loginCheck, "check", false, "Connect once to verify the token before saving it")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store a session token",
	Long:  "Store a session token in the config file. User id, username and expiry are read from the token when it is a JWT.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		id, err := engage.ParseIdentity(token)
		if err != nil && loginUserID == "" {
			return fmt.Errorf("token is not a JWT; pass --user-id: %w", err)
		}
		if loginUserID != "" {
			id.UserID = loginUserID
		}
		if loginUsername != "" {
			id.Username = loginUsername
		}
		if id.UserID == "" {
			return fmt.Errorf("token carries no user id; pass --user-id")
		}

		cfg, path, err := readConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if loginCheck {
			effective, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			eng := engage.New(effective, engage.WithLogger(logger))
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			if err := eng.Login(ctx, token, engage.WithUserID(id.UserID), engage.WithUsername(id.Username)); err != nil {
				return err
			}
			eng.Close()
		}

		cfg.Auth.Token = token
		cfg.Auth.UserID = id.UserID
		cfg.Auth.Username = id.Username
		if err := engage.SaveConfig(path, cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", valueOrDefault(id.Username, id.UserID))
		if !id.ExpiresAt.IsZero() {
			fmt.Fprintf(cmd.OutOrStdout(), "Token expires %s\n", id.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := readConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = engage.ConfigAuth{}
		if err := engage.SaveConfig(path, cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
		return nil
	},
}
