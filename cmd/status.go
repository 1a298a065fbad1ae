package cmd

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/miekg/dns"
	"github.com/spf13/cobra"
)

// NewStatusCmd creates the status command
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check dnsbypass agent status",
		Long:  `Display the state reported by a running agent and test the active DNS server.`,
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	fmt.Println("🔍 dnsbypass Status Check")
	fmt.Println("=========================")

	if os.Geteuid() == 0 {
		fmt.Println("✅ Running with root privileges")
	} else {
		fmt.Println("⚠️  Not running as root (required to change system DNS)")
	}

	client, err := newClient(cmd, false)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	fmt.Println("\n🛰  Agent:")
	health, err := client.Health(ctx)
	if err != nil {
		fmt.Println("❌ Agent is not running")
		fmt.Println("\n💡 To start the agent:")
		fmt.Println("sudo dnsbypass run")
		return nil
	}
	fmt.Printf("✅ Agent %s is running (up %s)\n", health.Version, health.Uptime)

	snap, err := client.State(ctx)
	if err != nil {
		return err
	}

	fmt.Println("\n🌐 DNS Bypass:")
	printSnapshot(snap)
	if !snap.Supported {
		fmt.Println("❌ Not supported on this platform")
	} else if !snap.PermissionGranted {
		fmt.Println("⚠️  Agent lacks permission to change system DNS")
	}

	if snap.TunnelConnected && snap.ActiveDNS != "" {
		if testDNS(snap.ActiveDNS) {
			fmt.Printf("✅ %s is answering queries\n", snap.ActiveDNS)
		} else {
			fmt.Printf("⚠️  %s is not responding to queries\n", snap.ActiveDNS)
		}
	}

	return nil
}

func testDNS(server string) bool {
	c := new(dns.Client)
	c.Timeout = 2 * time.Second

	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)

	_, _, err := c.Exchange(m, net.JoinHostPort(server, "53"))
	return err == nil
}
