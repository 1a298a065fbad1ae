package main

import (
	"fmt"
	"os"

	"dnsbypass/cmd"

	"github.com/spf13/cobra"
)

var (
	version = "1.0.0"
	cfgFile string
)

func main() {
	cmd.Version = version

	var rootCmd = &cobra.Command{
		Use:   "dnsbypass",
		Short: "Route system DNS through a chosen public resolver",
		Long: `dnsbypass lets a user switch system DNS to a public resolver from a
managed catalog and back. The agent remembers the choice across restarts
and never reports the bypass as on while it is not.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(
		cmd.NewRunCmd(),
		cmd.NewStatusCmd(),
		cmd.NewEnableCmd(),
		cmd.NewDisableCmd(),
		cmd.NewSwitchCmd(),
		cmd.NewServersCmd(),
		cmd.NewRefreshCmd(),
		cmd.NewTokenCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dnsbypass v%s\n", version)
		},
	}
}
