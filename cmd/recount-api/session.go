package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/recount/internal/auth"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type mintSessionOptions struct {
	userID      string
	email       string
	displayName string
	role        string
	ttl         time.Duration
}

func newMintSessionCommand() *cobra.Command {
	options := mintSessionOptions{}
	cmd := &cobra.Command{
		Use:   "mint-session",
		Short: "Print a signed session token for local use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return mintSession(cmd, options)
		},
	}
	cmd.Flags().StringVar(&options.userID, "user-id", "", "Operator user id")
	cmd.Flags().StringVar(&options.email, "email", "", "Operator email")
	cmd.Flags().StringVar(&options.displayName, "display-name", "", "Operator display name")
	cmd.Flags().StringVar(&options.role, "role", auth.RoleOperator.String(), "Role (admin, operator)")
	cmd.Flags().DurationVar(&options.ttl, "ttl", 12*time.Hour, "Session lifetime")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func mintSession(cmd *cobra.Command, options mintSessionOptions) error {
	secret := strings.TrimSpace(viper.GetString("tauth.signing_secret"))
	if secret == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	role, err := auth.ParseRole(options.role)
	if err != nil {
		return err
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(secret),
		Issuer:        viper.GetString("tauth.issuer"),
		TTL:           options.ttl,
	})
	if err != nil {
		return err
	}
	token, expiresAt, err := issuer.Issue(auth.SessionIdentity{
		UserID:      options.userID,
		Email:       options.email,
		DisplayName: options.displayName,
		Roles:       []auth.Role{role},
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	cmd.PrintErrf("expires at %s\n", expiresAt.Format(time.RFC3339))
	return nil
}
