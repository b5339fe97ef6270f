package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shoalstack/shoal/pkg/api"
	"github.com/shoalstack/shoal/pkg/client"
	"github.com/shoalstack/shoal/pkg/config"
	"github.com/shoalstack/shoal/pkg/coordination"
	"github.com/shoalstack/shoal/pkg/deployment"
	"github.com/shoalstack/shoal/pkg/engine"
	"github.com/shoalstack/shoal/pkg/engineconf"
	"github.com/shoalstack/shoal/pkg/exclusions"
	"github.com/shoalstack/shoal/pkg/health"
	"github.com/shoalstack/shoal/pkg/lifecycle"
	"github.com/shoalstack/shoal/pkg/log"
	"github.com/shoalstack/shoal/pkg/metrics"
	"github.com/shoalstack/shoal/pkg/plugins"
	"github.com/shoalstack/shoal/pkg/security"
	"github.com/shoalstack/shoal/pkg/storage"
	"github.com/shoalstack/shoal/pkg/types"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the Shoal agent on this node",
	Long: `Run the Shoal agent. The agent keeps one member of the fleet healthy:
it participates in fleet coordination, drives the local engine through
safe starts and stops, and serves the admin API.

The first node of a fleet runs with --bootstrap (or "shoal cluster
init"). Later nodes join with a token minted by "shoal cluster
join-token".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAgentConfig(cmd)
		if err != nil {
			return err
		}
		if set, _ := cmd.Flags().GetBool("bootstrap"); set {
			cfg.Fleet.Bootstrap = true
		}
		if peer, _ := cmd.Flags().GetString("peer"); peer != "" {
			cfg.Fleet.JoinAddr = peer
		}
		return runAgent(cfg, joinToken(cmd))
	},
}

var clusterInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap a new fleet on this node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAgentConfig(cmd)
		if err != nil {
			return err
		}
		cfg.Fleet.Bootstrap = true
		return runAgent(cfg, "")
	},
}

var clusterJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join this node to an existing fleet",
	Long: `Join this node to an existing fleet, then keep running as its agent.
Needs a join token from "shoal cluster join-token" on a current member,
passed via --token or the SHOAL_JOIN_TOKEN environment variable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAgentConfig(cmd)
		if err != nil {
			return err
		}
		cfg.Fleet.Bootstrap = false
		if peer, _ := cmd.Flags().GetString("peer"); peer != "" {
			cfg.Fleet.JoinAddr = peer
		}
		token := joinToken(cmd)
		if token == "" {
			return fmt.Errorf("a join token is required; pass --token or set SHOAL_JOIN_TOKEN")
		}
		if cfg.Fleet.JoinAddr == "" {
			return fmt.Errorf("no member to join; pass --peer or set fleet.join_addr")
		}
		return runAgent(cfg, token)
	},
}

func init() {
	agentCmd.Flags().Bool("bootstrap", false, "Form a new fleet instead of joining one")
	agentCmd.Flags().String("peer", "", "Admin API address of an existing member to join through")
	agentCmd.Flags().String("token", "", "Join token (or SHOAL_JOIN_TOKEN)")

	clusterJoinCmd.Flags().String("peer", "", "Admin API address of an existing member")
	clusterJoinCmd.Flags().String("token", "", "Join token (or SHOAL_JOIN_TOKEN)")

	rootCmd.AddCommand(agentCmd)
}

func loadAgentConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func joinToken(cmd *cobra.Command) string {
	if token, _ := cmd.Flags().GetString("token"); token != "" {
		return token
	}
	return os.Getenv("SHOAL_JOIN_TOKEN")
}

// engineGate admits plugin work only while the local engine answers.
type engineGate struct {
	api *engine.Client
}

func (g engineGate) Ready(ctx context.Context) error {
	if !g.api.IsNodeUp(ctx) {
		return types.ErrEngineUnreachable
	}
	return nil
}

// runAgent wires the agent together and blocks until SIGINT or
// SIGTERM.
func runAgent(cfg *config.Config, token string) error {
	log.Init(log.Config{Level: cfg.Log.Level, JSONOutput: cfg.Log.Format == "json"})
	metrics.SetVersion(Version)

	fmt.Printf("Starting Shoal agent %s\n", Version)
	fmt.Printf("  Node:  %s\n", cfg.Node.Name)
	fmt.Printf("  Fleet: %s\n", cfg.Fleet.Name)
	fmt.Printf("  Data:  %s\n", cfg.Node.DataDir)

	store, err := storage.NewBoltStore(cfg.Node.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	tokens, err := coordination.NewTokenManager(cfg.Fleet.Secret)
	if err != nil {
		return err
	}
	secrets, err := security.NewSecretsManagerFromSecret(cfg.Fleet.Secret)
	if err != nil {
		return err
	}

	plane := coordination.NewPlane(coordination.Config{
		NodeName:  cfg.Node.Name,
		FleetName: cfg.Fleet.Name,
		BindAddr:  cfg.Fleet.BindAddr,
		APIAddr:   cfg.Fleet.APIAddr,
		DataDir:   cfg.Node.DataDir,
	}, store, tokens, client.New(cfg.Fleet.APIAddr))

	if err := plane.Start(cfg.Fleet.Bootstrap); err != nil {
		return fmt.Errorf("failed to start coordination plane: %w", err)
	}
	fmt.Printf("✓ Coordination plane on %s\n", cfg.Fleet.BindAddr)

	if token != "" && !cfg.Fleet.Bootstrap {
		if cfg.Fleet.JoinAddr == "" {
			return fmt.Errorf("join token set but no member to join; pass --peer or set fleet.join_addr")
		}
		joinCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := client.NewWithToken(cfg.Fleet.JoinAddr, token).
			JoinCluster(joinCtx, cfg.Node.Name, cfg.Fleet.BindAddr)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to join fleet via %s: %w", cfg.Fleet.JoinAddr, err)
		}
		fmt.Printf("✓ Joined fleet via %s\n", cfg.Fleet.JoinAddr)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	err = plane.WaitForCoordinator(waitCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("no coordinator elected: %w (bootstrap the first node or join with a token)", err)
	}

	pubCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = plane.PublishAPIAddr(pubCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to publish admin api address: %w", err)
	}

	tlsMat := security.NewTLSMaterial(cfg.TLS.Dir)
	engineCfg := engine.Config{
		Host:   cfg.Engine.Host,
		Port:   cfg.Engine.Port,
		CACert: tlsMat.CACert(),
	}
	if tlsMat.IsFullyConfigured() {
		if mats, err := tlsMat.Certificates(); err == nil {
			engineCfg.ClientCert = mats[security.CertNode]
			engineCfg.ClientKey = mats[security.CertKey]
		}
	}
	engineClient, err := engine.NewClient(engineCfg)
	if err != nil {
		return err
	}

	peerFleets := make([]deployment.FleetRoles, 0, len(cfg.Fleet.Peers))
	var peerSeeds []string
	for _, p := range cfg.Fleet.Peers {
		peerFleets = append(peerFleets, deployment.FleetRoles{Fleet: p.Name, Roles: p.Roles})
		peerSeeds = append(peerSeeds, p.Hosts...)
	}

	paths := engine.DefaultPaths(cfg.Engine.Home)
	svc := engine.NewService(cfg.Engine.Service, paths, nil)
	confWriter := engineconf.NewWriter(paths, cfg.Engine.AdvertiseHost, peerSeeds)
	monitor := health.NewMonitor(engineClient)

	pluginMgr := plugins.NewManager(plugins.Config{
		Registry:   plugins.Builtin(),
		Tooling:    svc,
		Secrets:    engine.NewKeystore(svc, engineClient),
		Conf:       confWriter,
		Gate:       engineGate{api: engineClient},
		Engine:     engineClient,
		PluginsDir: paths.Plugins,
	})

	ctrl := lifecycle.NewController(lifecycle.Config{
		ClusterName:    cfg.Engine.ClusterName,
		DeclaredRoles:  cfg.Node.Roles,
		Temperature:    cfg.Node.Temperature,
		CertDir:        cfg.TLS.Dir,
		CertWarnWindow: cfg.TLS.WarnWindow,
		PluginRequests: pluginRequests(cfg.Plugins),
		PeerFleets:     peerFleets,
	}, lifecycle.Deps{
		Plane:      plane,
		Engine:     engineClient,
		Service:    svc,
		Conf:       confWriter,
		Exclusions: exclusions.NewManager(engineClient, exclusions.NewStoreBoard(plane)),
		Health:     monitor,
		Plugins:    pluginMgr,
		Prereqs:    engine.NewSysChecker(),
		TLS:        tlsMat,
		Deployment: deployment.NewManager(),
		Secrets:    secrets,
	})

	loop := lifecycle.NewLoop(ctrl, cfg.Node.TickInterval, plane.LeadershipChanges())
	collector := metrics.NewCollector(ctrl)

	srv := api.NewServer(api.Config{Addr: cfg.Fleet.APIAddr}, api.Deps{
		Plane:   plane,
		Control: ctrl,
		Engine:  engineClient,
		Health:  monitor,
		Loop:    loop,
		Tokens:  tokens,
	})
	if err := srv.Start(); err != nil {
		return err
	}
	fmt.Printf("✓ Admin API on %s\n", srv.Addr())

	loop.Start()
	collector.Start()
	loop.Deliver(lifecycle.KindStart)

	if cfg.Fleet.Bootstrap {
		fmt.Println("\nAdd members with a token from: shoal cluster join-token NODE")
	}
	fmt.Println("\n✓ Shoal agent ready (Ctrl+C to stop)")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Logger.Error().Err(err).Msg("admin api shutdown failed")
	}
	collector.Stop()
	loop.Stop()
	if err := plane.Shutdown(); err != nil {
		log.Logger.Error().Err(err).Msg("coordination plane shutdown failed")
	}
	fmt.Println("✓ Agent stopped")
	return nil
}

// pluginRequests lifts the declared plugin config into reconciliation
// requests.
func pluginRequests(declared map[string]config.PluginConfig) map[string]plugins.Request {
	out := make(map[string]plugins.Request, len(declared))
	for name, p := range declared {
		out[name] = plugins.Request{Enabled: p.Enabled, Settings: p.Settings, Secrets: p.Secrets}
	}
	return out
}
