// Package config loads the agent's configuration from shoal.yaml and
// the SHOAL_ environment, with defaults that suit a single-node start.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the agent's full configuration tree.
type Config struct {
	Node    NodeConfig              `mapstructure:"node"`
	Fleet   FleetConfig             `mapstructure:"fleet"`
	Engine  EngineConfig            `mapstructure:"engine"`
	TLS     TLSConfig               `mapstructure:"tls"`
	Plugins map[string]PluginConfig `mapstructure:"plugins"`
	Log     LogConfig               `mapstructure:"log"`
}

// NodeConfig describes this node.
type NodeConfig struct {
	// Name identifies the node across the fleet. Defaults to the
	// hostname.
	Name string `mapstructure:"name" validate:"required"`
	// Roles pins the engine roles for every node in the fleet. Leave
	// empty to let the coordinator assign roles.
	Roles       []string `mapstructure:"roles"`
	Temperature string   `mapstructure:"temperature" validate:"omitempty,oneof=hot warm cold"`
	// DataDir holds the agent's own state: the coordination log and
	// the replicated store.
	DataDir      string        `mapstructure:"data_dir" validate:"required"`
	TickInterval time.Duration `mapstructure:"tick_interval" validate:"omitempty,min=1s"`
}

// FleetConfig describes the fleet and how to reach it.
type FleetConfig struct {
	Name string `mapstructure:"name" validate:"required"`
	// Secret signs fleet tokens and seals stored secrets. Every member
	// must carry the same value; set it via SHOAL_FLEET_SECRET rather
	// than the config file where possible.
	Secret string `mapstructure:"secret" validate:"required,min=32"`
	// BindAddr is the coordination listener. It doubles as the address
	// peers dial, so multi-node fleets need a routable host here.
	BindAddr string `mapstructure:"bind_addr" validate:"required,hostname_port"`
	// APIAddr is the admin API listener. Followers forward store writes
	// to the coordinator's published APIAddr, so the same routability
	// rule applies.
	APIAddr string `mapstructure:"api_addr" validate:"required,hostname_port"`
	// Bootstrap forms a new coordination plane instead of joining one.
	// Exactly one node per fleet starts with this set.
	Bootstrap bool `mapstructure:"bootstrap"`
	// JoinAddr is the admin API address of any existing member, used
	// together with a join token to enter the plane.
	JoinAddr string `mapstructure:"join_addr" validate:"omitempty,hostname_port"`
	// Peers declares the other fleets composing the same engine cluster.
	// Role compatibility across the composition is checked before this
	// fleet bootstraps.
	Peers []PeerFleetConfig `mapstructure:"peers" validate:"omitempty,dive"`
}

// PeerFleetConfig describes one cooperating fleet in a composed
// cluster.
type PeerFleetConfig struct {
	Name  string   `mapstructure:"name" validate:"required"`
	Roles []string `mapstructure:"roles" validate:"required,min=1"`
	// Hosts are engine endpoints in the peer fleet, used as discovery
	// seeds so this fleet's nodes join the shared cluster.
	Hosts []string `mapstructure:"hosts" validate:"omitempty,dive,required"`
}

// EngineConfig locates the local search engine installation.
type EngineConfig struct {
	Home    string `mapstructure:"home" validate:"required"`
	Host    string `mapstructure:"host" validate:"required"`
	Port    int    `mapstructure:"port" validate:"gte=1,lte=65535"`
	Service string `mapstructure:"service" validate:"required"`
	// AdvertiseHost is the address peers reach this node's engine on.
	// Defaults to Host, which only works off-box when Host is routable.
	AdvertiseHost string `mapstructure:"advertise_host"`
	// ClusterName defaults to the fleet name.
	ClusterName string `mapstructure:"cluster_name"`
}

// TLSConfig controls certificate placement and expiry warnings.
type TLSConfig struct {
	// Dir defaults to the engine's certificate directory.
	Dir        string        `mapstructure:"dir"`
	WarnWindow time.Duration `mapstructure:"warn_window" validate:"omitempty,min=1h"`
}

// PluginConfig is the declared state for one engine plugin.
type PluginConfig struct {
	Enabled  bool              `mapstructure:"enabled"`
	Settings map[string]string `mapstructure:"settings"`
	// Secrets are keystore entries the plugin needs, fed to the engine
	// keystore over stdin.
	Secrets map[string]string `mapstructure:"secrets"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json console"`
}

// Load reads configuration from the given file, or from shoal.yaml in
// the working directory or /etc/shoal when path is empty. Environment
// variables override file values: fleet.secret becomes
// SHOAL_FLEET_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("shoal")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/shoal")
	}

	setDefaults(v)

	v.SetEnvPrefix("SHOAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyFallbacks()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so environment-only values are
// picked up by Unmarshal.
func setDefaults(v *viper.Viper) {
	host, _ := os.Hostname()

	v.SetDefault("node.name", host)
	v.SetDefault("node.roles", []string{})
	v.SetDefault("node.temperature", "")
	v.SetDefault("node.data_dir", "/var/lib/shoal")
	v.SetDefault("node.tick_interval", "30s")

	v.SetDefault("fleet.name", "shoal")
	v.SetDefault("fleet.secret", "")
	v.SetDefault("fleet.bind_addr", "127.0.0.1:7300")
	v.SetDefault("fleet.api_addr", "127.0.0.1:7200")
	v.SetDefault("fleet.bootstrap", false)
	v.SetDefault("fleet.join_addr", "")
	v.SetDefault("fleet.peers", []map[string]any{})

	v.SetDefault("engine.home", "/usr/share/opensearch")
	v.SetDefault("engine.host", "127.0.0.1")
	v.SetDefault("engine.port", 9200)
	v.SetDefault("engine.service", "opensearch")
	v.SetDefault("engine.advertise_host", "")
	v.SetDefault("engine.cluster_name", "")

	v.SetDefault("tls.dir", "")
	v.SetDefault("tls.warn_window", "336h")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// applyFallbacks fills values that derive from other settings.
func (c *Config) applyFallbacks() {
	if c.Engine.ClusterName == "" {
		c.Engine.ClusterName = c.Fleet.Name
	}
	if c.Engine.AdvertiseHost == "" {
		c.Engine.AdvertiseHost = c.Engine.Host
	}
	if c.TLS.Dir == "" {
		c.TLS.Dir = filepath.Join(c.Engine.Home, "config", "certificates")
	}
}

// Validate checks the configuration tree.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) && len(invalid) > 0 {
			first := invalid[0]
			return fmt.Errorf("invalid config: %s fails %q", strings.ToLower(first.Namespace()), first.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
