package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	apiclient "github.com/splax/shipyard/pkg/api/client"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

var buildVersion = "dev"

type globalFlags struct {
	api     string
	token   string
	json    bool
	timeout time.Duration
}

var flags globalFlags

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "shipyard",
		Short:         "Drive releases and terraform deployments through the shipyard API",
		Version:       buildVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.api, "api", "", "API base URL (default from config or http://localhost:4000)")
	root.PersistentFlags().StringVar(&flags.token, "token", "", "Bearer token (default from SHIPYARD_TOKEN or config)")
	root.PersistentFlags().BoolVar(&flags.json, "json", false, "Print raw JSON")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", 2*time.Minute, "Request timeout")

	root.AddCommand(
		newEnvCommand(),
		newProjectCommand(),
		newReleaseCommand(),
		newInfraCommand(),
		newPolicyCommand(),
		newTokenCommand(),
	)
	return root
}

// session bundles what every API command needs.
type session struct {
	client *apiclient.Client
	token  string
}

func newSession() (session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return session{}, err
	}
	base := cfg.APIBaseURL
	if strings.TrimSpace(flags.api) != "" {
		base = flags.api
	}
	token := strings.TrimSpace(flags.token)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("SHIPYARD_TOKEN"))
	}
	if token == "" {
		token = strings.TrimSpace(cfg.AccessToken)
	}
	if token == "" {
		return session{}, errors.New("no token available; run 'shipyard token --save' or pass --token")
	}
	client, err := apiclient.New(base)
	if err != nil {
		return session{}, err
	}
	return session{client: client, token: token}, nil
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), flags.timeout)
}

// printJSON indents output when stdout is a terminal and emits compact JSON otherwise.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: "http://localhost:4000"}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:4000"
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	if custom := strings.TrimSpace(os.Getenv("SHIPYARD_CONFIG")); custom != "" {
		return custom, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "shipyard", "config.json"), nil
}
