package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/birdtag/birdtag/internal/model"
	"github.com/birdtag/birdtag/internal/service"
)

// TokenCmd mints a bearer token for local testing. It reads only the JWT
// settings, so it works without storage or database configuration.
func TokenCmd() *cobra.Command {
	var (
		owner  string
		email  string
		expiry time.Duration
	)

	token := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed bearer token for an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil {
				slog.Debug("no .env file found, using environment variables")
			}
			secret := os.Getenv("JWT_SECRET")
			if secret == "" {
				return errors.New("JWT_SECRET is not set")
			}

			auth := service.NewAuthService(secret, os.Getenv("JWT_ISSUER"), expiry)
			signed, err := auth.GenerateJWT(model.Principal{OwnerID: owner, Email: email})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), signed)
			return err
		},
	}

	token.Flags().StringVar(&owner, "owner", "", "owner id (token subject)")
	token.Flags().StringVar(&email, "email", "", "contact email carried in the token")
	token.Flags().DurationVar(&expiry, "expiry", 24*time.Hour, "token lifetime")
	_ = token.MarkFlagRequired("owner")
	return token
}
