package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/fleetgrid/paddock/pkg/audit"
	"github.com/fleetgrid/paddock/pkg/config"
	"github.com/fleetgrid/paddock/pkg/enroll"
	"github.com/fleetgrid/paddock/pkg/log"
	"github.com/fleetgrid/paddock/pkg/storage"
)

// Token commands operate directly on the local store; run them on the
// control plane host while the serve process is stopped.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage enrollment tokens",
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a one-time enrollment token",
	Long: `Create a one-time enrollment token for an organization. The plaintext
token is printed exactly once and cannot be recovered afterwards; only
its hash is stored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		orgID, _ := cmd.Flags().GetString("org")
		label, _ := cmd.Flags().GetString("label")
		createdBy, _ := cmd.Flags().GetString("created-by")
		validity, _ := cmd.Flags().GetDuration("validity")

		return withTokenService(func(ctx context.Context, svc *enroll.TokenService) error {
			plaintext, tok, err := svc.CreateToken(ctx, orgID, createdBy, label, validity)
			if err != nil {
				return err
			}
			fmt.Printf("Token:      %s\n", plaintext)
			fmt.Printf("Token ID:   %s\n", tok.ID)
			fmt.Printf("Expires at: %s\n", tok.ExpiresAt.Format(time.RFC3339))
			fmt.Println()
			fmt.Println("Store this token now. It will not be shown again.")
			return nil
		})
	},
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active enrollment tokens for an organization",
	RunE: func(cmd *cobra.Command, args []string) error {
		orgID, _ := cmd.Flags().GetString("org")

		return withTokenService(func(ctx context.Context, svc *enroll.TokenService) error {
			tokens, err := svc.GetActiveTokens(ctx, orgID)
			if err != nil {
				return err
			}
			if len(tokens) == 0 {
				fmt.Println("No active tokens.")
				return nil
			}
			fmt.Printf("%-38s %-20s %s\n", "ID", "LABEL", "EXPIRES")
			for _, t := range tokens {
				fmt.Printf("%-38s %-20s %s\n", t.ID, t.Label, t.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		})
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke TOKEN_ID",
	Short: "Revoke an enrollment token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		orgID, _ := cmd.Flags().GetString("org")
		tokenID := args[0]

		return withTokenService(func(ctx context.Context, svc *enroll.TokenService) error {
			revoked, err := svc.RevokeToken(ctx, orgID, tokenID)
			if err != nil {
				return err
			}
			if !revoked {
				fmt.Printf("Token %s was already revoked or used.\n", tokenID)
				return nil
			}
			fmt.Printf("Token %s revoked.\n", tokenID)
			return nil
		})
	},
}

func withTokenService(fn func(ctx context.Context, svc *enroll.TokenService) error) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	log.Init(log.Config{
		Level:      log.ErrorLevel,
		JSONOutput: false,
		Output:     os.Stderr,
	})

	store, err := storage.NewBoltStore(cfg.Server.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	svc := enroll.NewTokenService(store, clockwork.NewRealClock(),
		log.WithComponent("tokens"), audit.Nop{}, cfg.Tokens.MaxValidity)
	return fn(context.Background(), svc)
}

func init() {
	tokenCmd.AddCommand(tokenCreateCmd)
	tokenCmd.AddCommand(tokenListCmd)
	tokenCmd.AddCommand(tokenRevokeCmd)

	tokenCmd.PersistentFlags().String("org", "", "Organization ID")
	tokenCmd.MarkPersistentFlagRequired("org")

	tokenCreateCmd.Flags().String("label", "", "Human-readable token label")
	tokenCreateCmd.Flags().String("created-by", "", "User ID creating the token")
	tokenCreateCmd.Flags().Duration("validity", time.Hour, "Token validity period")
}
