package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/JakeFAU/chartsnap/internal/capture"
	"github.com/JakeFAU/chartsnap/internal/config"
	"github.com/JakeFAU/chartsnap/internal/credentials"
	"github.com/JakeFAU/chartsnap/internal/id/uuid"
)

// newSealCmd encrypts a tenant's session cookies with the master key. Values
// come from flags or CHARTSNAP_MASTER_KEY (falling back to
// CHARTSNAP_CREDENTIALS_MASTER_KEY), CHARTSNAP_SESSION_ID and
// CHARTSNAP_SESSION_SIGN so they stay out of shell history.
func newSealCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Seal session cookies for a tenant record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key := v.GetString("master_key")
			if key == "" {
				key = v.GetString("credentials_master_key")
			}
			creds := capture.Credentials{
				SessionID:   v.GetString("session_id"),
				SessionSign: v.GetString("session_sign"),
			}
			if key == "" {
				return errors.New("master key is required (--master-key or CHARTSNAP_MASTER_KEY)")
			}
			if creds.Empty() {
				return errors.New("both --session-id and --session-sign are required")
			}
			c, err := credentials.New(key)
			if err != nil {
				return fmt.Errorf("open cipher: %w", err)
			}
			sealed, err := c.SealPair(creds)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session_id_sealed: %s\n", sealed.SessionID)
			fmt.Fprintf(out, "session_sign_sealed: %s\n", sealed.SessionSign)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.String("master-key", "", "64 hex character master key")
	flags.String("session-id", "", "sessionid cookie value")
	flags.String("session-sign", "", "sessionid_sign cookie value")
	_ = v.BindPFlag("master_key", flags.Lookup("master-key"))
	_ = v.BindPFlag("session_id", flags.Lookup("session-id"))
	_ = v.BindPFlag("session_sign", flags.Lookup("session-sign"))
	return cmd
}

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Generate a webhook token for a new tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := uuid.New().NewWebhookToken()
			if err != nil {
				return fmt.Errorf("generate token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}
