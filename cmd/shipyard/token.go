package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/splax/shipyard/pkg/jwt"
)

func newTokenCommand() *cobra.Command {
	var (
		operator string
		role     string
		ttl      time.Duration
		save     bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API token signed with the server secret",
		Long: "Mint an API token signed with the server secret. The secret is read from " +
			"SHIPYARD_JWT_SECRET or prompted for on the terminal.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(operator) == "" {
				return errors.New("--operator is required")
			}
			secret := strings.TrimSpace(os.Getenv("SHIPYARD_JWT_SECRET"))
			if secret == "" {
				if !term.IsTerminal(int(os.Stdin.Fd())) {
					return errors.New("SHIPYARD_JWT_SECRET must be set when stdin is not a terminal")
				}
				fmt.Fprint(cmd.ErrOrStderr(), "Signing secret: ")
				bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprint(cmd.ErrOrStderr(), "\n")
				if err != nil {
					return fmt.Errorf("read secret: %w", err)
				}
				secret = strings.TrimSpace(string(bytes))
			}
			token, err := jwt.GenerateToken(operator, role, secret, ttl)
			if err != nil {
				return err
			}
			if !save {
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(flags.api) != "" {
				cfg.APIBaseURL = flags.api
			}
			cfg.AccessToken = token
			if err := saveConfig(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "token for %s (%s) saved\n", operator, role)
			return nil
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "Operator name carried in the token")
	cmd.Flags().StringVar(&role, "role", jwt.RoleOperator, "Token role (operator|viewer)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	cmd.Flags().BoolVar(&save, "save", false, "Store the token in the CLI config instead of printing it")
	return cmd
}
