package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/store"
)

var (
	tokenUserID   string
	tokenUserCode string
	tokenUsername string
)

func init() {
	tokenSetCmd.Flags().StringVar(&tokenUserID, "user-id", "", "id of the signed-in user")
	tokenSetCmd.Flags().StringVar(&tokenUserCode, "user-code", "", "public code of the signed-in user")
	tokenSetCmd.Flags().StringVar(&tokenUsername, "username", "", "display name of the signed-in user")
	_ = tokenSetCmd.MarkFlagRequired("user-id")
	_ = tokenSetCmd.MarkFlagRequired("user-code")

	tokenCmd.AddCommand(tokenSetCmd, tokenClearCmd)
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the stored credential",
}

var tokenSetCmd = &cobra.Command{
	Use:   "set <token>",
	Short: "Store the auth token and identity for the profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		c := &store.Credential{
			Token:    args[0],
			UserID:   tokenUserID,
			UserCode: tokenUserCode,
			Username: tokenUsername,
		}
		if err := db.SaveCredential(c); err != nil {
			return fmt.Errorf("failed to save credential: %w", err)
		}
		fmt.Printf("Credential stored for %s (%s)\n", tokenUserCode, tokenUserID)
		return nil
	},
}

var tokenClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget the stored auth token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		if err := db.ClearToken(); err != nil {
			return fmt.Errorf("failed to clear token: %w", err)
		}
		fmt.Println("Token cleared")
		return nil
	},
}
