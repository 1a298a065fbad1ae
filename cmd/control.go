package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"dnsbypass/internal/api"
	"dnsbypass/internal/vpn"

	"github.com/spf13/cobra"
)

// NewEnableCmd creates the enable command
func NewEnableCmd() *cobra.Command {
	var serverID string

	cmd := &cobra.Command{
		Use:   "enable",
		Short: "Turn the DNS bypass on",
		Long:  `Route DNS through the selected server, or the one named by --server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd, true)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()

			snap, err := client.Enable(ctx, serverID)
			if err != nil {
				return fmt.Errorf("enable failed: %w", err)
			}
			printSnapshot(snap)
			return nil
		},
	}

	cmd.Flags().StringVarP(&serverID, "server", "s", "", "catalog id of the DNS server to use")
	return cmd
}

// NewDisableCmd creates the disable command
func NewDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable",
		Short: "Turn the DNS bypass off",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd, true)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()

			snap, err := client.Disable(ctx)
			if err != nil {
				return fmt.Errorf("disable failed: %w", err)
			}
			printSnapshot(snap)
			return nil
		},
	}
}

// NewSwitchCmd creates the switch command
func NewSwitchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "switch <server-id>",
		Short: "Select a different DNS server",
		Long: `Select a different DNS server. If the bypass is on, the tunnel is
restarted on the new server.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd, true)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()

			snap, err := client.Switch(ctx, args[0])
			if err != nil {
				return fmt.Errorf("switch failed: %w", err)
			}
			printSnapshot(snap)
			return nil
		},
	}
}

// NewServersCmd creates the servers command
func NewServersCmd() *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "servers",
		Short: "List available DNS servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd, false)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()

			list, err := client.Servers(ctx, probe)
			if err != nil {
				return err
			}
			printServers(list)
			return nil
		},
	}

	cmd.Flags().BoolVar(&probe, "probe", false, "check whether each server answers DNS queries")
	return cmd
}

// NewRefreshCmd creates the refresh command
func NewRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Reload the DNS server catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd, true)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()

			list, err := client.Refresh(ctx)
			if err != nil {
				return fmt.Errorf("refresh failed: %w", err)
			}
			printServers(list)
			return nil
		},
	}
}

func printSnapshot(snap vpn.Snapshot) {
	fmt.Printf("State:   %s\n", snap.State)
	fmt.Printf("Server:  %s (%s)\n", snap.SelectedServer.Name, snap.SelectedServer.ID)
	if snap.ActiveDNS != "" {
		fmt.Printf("DNS:     %s\n", snap.ActiveDNS)
	}
	if snap.DisablePending {
		fmt.Println("⚠️  Disable requested but the tunnel is still running")
	}
	if snap.LastError != "" {
		fmt.Printf("Error:   %s\n", snap.LastError)
	}
}

func printServers(list api.ServersResponse) {
	probes := make(map[string]string, len(list.Probes))
	for _, p := range list.Probes {
		if p.Reachable {
			probes[p.ServerID] = fmt.Sprintf("✅ %s", p.RTT)
		} else {
			probes[p.ServerID] = "❌ " + p.Error
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\tID\tNAME\tPRIMARY\tSECONDARY\tPROBE")
	for _, s := range list.Servers {
		marker := ""
		if s.ID == list.Selected {
			marker = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", marker, s.ID, s.Name, s.Primary, s.Secondary, probes[s.ID])
	}
	w.Flush()

	if list.Catalog != nil {
		fmt.Printf("\nCatalog source: %s (%d servers)\n", list.Catalog.Source, list.Catalog.Count)
		if list.Catalog.Error != "" {
			fmt.Printf("Last fetch error: %s\n", list.Catalog.Error)
		}
	}
}
