package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shoalstack/shoal/pkg/client"
	"github.com/shoalstack/shoal/pkg/config"
	"github.com/shoalstack/shoal/pkg/coordination"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "shoal",
	Short: "Shoal - membership orchestrator for search engine fleets",
	Long: `Shoal keeps a fleet of search engine nodes forming one healthy
cluster: it assigns roles, sequences starts and stops so quorum
survives every intermediate size, and guards removals behind a
fleet-wide lock.

Run "shoal agent" on every node. The other subcommands talk to the
local agent's admin API.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Shoal version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to shoal.yaml")
	rootCmd.PersistentFlags().String("api", "", "Agent admin API address (default fleet.api_addr)")

	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(pluginCmd)
	rootCmd.AddCommand(adminPasswordCmd)
}

// apiClient builds a client for the agent's admin API, authenticated
// with an agent token minted from the shared fleet secret.
func apiClient(cmd *cobra.Command) (*client.Client, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	addr, _ := cmd.Flags().GetString("api")
	if addr == "" {
		addr = cfg.Fleet.APIAddr
	}

	tokens, err := coordination.NewTokenManager(cfg.Fleet.Secret)
	if err != nil {
		return nil, err
	}
	token, err := tokens.MintAgent(cfg.Fleet.Name, cfg.Node.Name)
	if err != nil {
		return nil, err
	}
	return client.NewWithToken(addr, token), nil
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// Cluster commands

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage the fleet's coordination plane",
}

var clusterStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the agent's view of the fleet",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		st, err := c.Status(ctx)
		if err != nil {
			return err
		}

		role := "follower"
		if st.Coordinator {
			role = "coordinator"
		}
		fmt.Printf("Node:        %s\n", st.NodeName)
		fmt.Printf("Fleet:       %s\n", st.Fleet)
		fmt.Printf("State:       %s\n", st.State)
		fmt.Printf("Role:        %s\n", role)
		fmt.Printf("Coordinator: %s\n", st.CoordinatorAddr)
		fmt.Println("Members:")
		for _, m := range st.Members {
			fmt.Printf("  %-20s %-22s %s\n", m.ID, m.Addr, m.Suffrage)
		}
		return nil
	},
}

var clusterJoinTokenCmd = &cobra.Command{
	Use:   "join-token NODE",
	Short: "Mint a join token for a new member",
	Long: `Mint a join token for NODE. Run this against the coordinator, then
start the new node's agent with the token:

  SHOAL_JOIN_TOKEN=<token> shoal cluster join --peer <coordinator-api>`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		token, err := c.MintJoinToken(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Join token for %s (valid 1h):\n%s\n", args[0], token)
		return nil
	},
}

func init() {
	clusterCmd.AddCommand(clusterInitCmd)
	clusterCmd.AddCommand(clusterJoinCmd)
	clusterCmd.AddCommand(clusterStatusCmd)
	clusterCmd.AddCommand(clusterJoinTokenCmd)
}

// Node commands

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List live engine nodes and the planned role assignment",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		resp, err := c.Nodes(ctx)
		if err != nil {
			return err
		}

		fmt.Println("Live nodes:")
		for _, n := range resp.Live {
			fmt.Printf("  %-20s %-16s %s\n", n.Name, n.IP, strings.Join(n.Roles.Strings(), ","))
		}

		names := make([]string, 0, len(resp.Plan))
		for name := range resp.Plan {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Println("Planned roles:")
		for _, name := range names {
			n := resp.Plan[name]
			fmt.Printf("  %-20s %s\n", name, strings.Join(n.Roles.Strings(), ","))
		}
		return nil
	},
}

// Lock commands

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect the fleet's node-removal lock",
}

var lockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show who holds the removal lock",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		resp, err := c.LockStatus(ctx)
		if err != nil {
			return err
		}
		if !resp.Held {
			fmt.Println("Removal lock: free")
			return nil
		}
		fmt.Printf("Removal lock: held by %s since %s\n",
			resp.Holder, resp.AcquiredAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	lockCmd.AddCommand(lockStatusCmd)
}

// Plugin commands

var pluginCmd = &cobra.Command{
	Use:   "plugin",
	Short: "Manage engine plugins",
}

var pluginListCmd = &cobra.Command{
	Use:   "list",
	Short: "List plugin states",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		resp, err := c.Plugins(ctx)
		if err != nil {
			return err
		}
		if len(resp.Plugins) == 0 {
			fmt.Println("No managed plugins")
			return nil
		}
		for _, p := range resp.Plugins {
			fmt.Printf("  %-28s %s\n", p.Name, p.State)
		}
		return nil
	},
}

var pluginInstallCmd = &cobra.Command{
	Use:   "install NAME",
	Short: "Install and enable a plugin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, _ := cmd.Flags().GetStringArray("set")
		cfg := make(map[string]string, len(settings))
		for _, kv := range settings {
			key, value, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("--set needs key=value, got %q", kv)
			}
			cfg[key] = value
		}

		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		if err := c.PluginAction(ctx, "install", args[0], cfg); err != nil {
			return err
		}
		fmt.Printf("✓ Plugin %s requested; the agent applies it on the next pass\n", args[0])
		return nil
	},
}

var pluginRemoveCmd = &cobra.Command{
	Use:   "remove NAME",
	Short: "Disable and remove a plugin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		if err := c.PluginAction(ctx, "remove", args[0], nil); err != nil {
			return err
		}
		fmt.Printf("✓ Plugin %s removal requested\n", args[0])
		return nil
	},
}

func init() {
	pluginCmd.AddCommand(pluginListCmd)
	pluginCmd.AddCommand(pluginInstallCmd)
	pluginCmd.AddCommand(pluginRemoveCmd)

	pluginInstallCmd.Flags().StringArray("set", nil, "Plugin setting key=value (repeatable)")
}

// Admin credential commands

var adminPasswordCmd = &cobra.Command{
	Use:   "admin-password",
	Short: "Manage the engine admin credential",
}

var adminPasswordGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the engine admin credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		resp, err := c.AdminPassword(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Username: %s\nPassword: %s\n", resp.Username, resp.Password)
		return nil
	},
}

var adminPasswordSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Rotate the engine admin credential",
	Long: `Rotate the engine admin credential. Without --password-stdin a fresh
random password is generated. The password never appears on the
command line.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var password string
		if fromStdin, _ := cmd.Flags().GetBool("password-stdin"); fromStdin {
			scanner := bufio.NewScanner(os.Stdin)
			if !scanner.Scan() {
				return fmt.Errorf("no password on stdin")
			}
			password = strings.TrimSpace(scanner.Text())
			if password == "" {
				return fmt.Errorf("empty password on stdin")
			}
		}

		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		resp, err := c.SetAdminPassword(ctx, password)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Admin credential rotated\nUsername: %s\nPassword: %s\n",
			resp.Username, resp.Password)
		return nil
	},
}

func init() {
	adminPasswordCmd.AddCommand(adminPasswordGetCmd)
	adminPasswordCmd.AddCommand(adminPasswordSetCmd)

	adminPasswordSetCmd.Flags().Bool("password-stdin", false, "Read the new password from stdin")
}
