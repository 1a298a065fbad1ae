package cmd

import (
	"fmt"

	"dnsbypass/internal/api"

	"github.com/spf13/cobra"
)

// NewTokenCmd creates the token command
func NewTokenCmd() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the local API token",
		Long:  `Generate and show the token clients use to change DNS bypass state.`,
	}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new API token",
		Long: `Generate a new API token. A running agent keeps accepting the old
token until it is restarted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			tm := api.NewAPITokenManager(cfg.TokenPath())

			token, err := tm.GenerateToken()
			if err != nil {
				return fmt.Errorf("failed to generate API token: %w", err)
			}

			fmt.Println("API token generated successfully:")
			fmt.Printf("Token: %s\n", token)
			fmt.Println("\nUse this token in the Authorization header:")
			fmt.Printf("Authorization: Bearer %s\n", token)
			fmt.Printf("\nThe token is saved in %s\n", tm.Path())
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Display the current API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			tm := api.NewAPITokenManager(cfg.TokenPath())

			if err := tm.LoadToken(); err != nil {
				return fmt.Errorf("failed to load token: %w", err)
			}

			fmt.Printf("Current API token: %s\n", tm.Token())
			fmt.Println("\nUse this token in the Authorization header:")
			fmt.Printf("Authorization: Bearer %s\n", tm.Token())
			return nil
		},
	}

	tokenCmd.AddCommand(generateCmd)
	tokenCmd.AddCommand(showCmd)

	return tokenCmd
}
