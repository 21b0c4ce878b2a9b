package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wailbentafat/ws-gateway/auth"
)

var (
	tokenSecret  string
	tokenAlg     string
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a signed JWT for testing",
	Long: `Print an HMAC-signed JWT the gateway accepts when JWT_SECRET matches.

Examples:
  ws-gateway token --secret s3cret --sub user-1
  ws-gateway token --secret s3cret --sub user-1 --alg HS512 --ttl 1h`,
	RunE: runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "HMAC secret, defaults to JWT_SECRET")
	tokenCmd.Flags().StringVar(&tokenAlg, "alg", "HS256", "signing algorithm (HS256, HS384, HS512)")
	tokenCmd.Flags().StringVar(&tokenSubject, "sub", "", "subject claim, used as the user id")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
}

func runToken(cmd *cobra.Command, args []string) error {
	secret := tokenSecret
	if secret == "" {
		secret = os.Getenv("JWT_SECRET")
	}
	if secret == "" {
		return errors.New("--secret or JWT_SECRET is required")
	}
	if tokenSubject == "" {
		return errors.New("--sub is required")
	}

	token, err := auth.SignToken([]byte(secret), tokenAlg, tokenSubject, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
