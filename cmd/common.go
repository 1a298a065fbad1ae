package cmd

import (
	"context"
	"fmt"
	"time"

	"dnsbypass/internal/api"
	"dnsbypass/internal/config"

	"github.com/spf13/cobra"
)

// loadConfig reads the file named by the root --config flag
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %v", err)
	}
	return cfg, nil
}

// newClient builds an API client. needToken loads the agent's token file,
// which only the agent's user can read.
func newClient(cmd *cobra.Command, needToken bool) (*api.Client, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	token := ""
	if needToken {
		tm := api.NewAPITokenManager(cfg.TokenPath())
		if err := tm.LoadToken(); err != nil {
			return nil, fmt.Errorf("failed to load API token: %w", err)
		}
		token = tm.Token()
	}
	return api.NewClient(cfg.Agent.APIPort, token), nil
}

// commandContext bounds a CLI request to the agent
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 90*time.Second)
}
