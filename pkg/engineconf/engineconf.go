package engineconf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/shoalstack/shoal/pkg/engine"
	"github.com/shoalstack/shoal/pkg/log"
	"github.com/shoalstack/shoal/pkg/types"
)

const (
	mainConfFile = "engine.yml"
	jvmConfFile  = "jvm.options"

	bootstrapKey = "cluster.initial_cluster_manager_nodes"
)

// Writer renders the local node's engine configuration from the fleet's
// shared state.
type Writer struct {
	paths engine.Paths
	host  string
	// seeds are static discovery endpoints beyond the fleet's own
	// cluster managers, pointing at peer fleets in a composed cluster.
	seeds  []string
	logger zerolog.Logger
}

// NewWriter creates a config writer for the engine at paths, announcing
// host on the transport layer. seeds may be nil.
func NewWriter(paths engine.Paths, host string, seeds []string) *Writer {
	return &Writer{
		paths:  paths,
		host:   host,
		seeds:  seeds,
		logger: log.WithComponent("engineconf"),
	}
}

// MainConfPath returns the path of the engine's primary config file.
func (w *Writer) MainConfPath() string {
	return filepath.Join(w.paths.Conf, mainConfFile)
}

// SetNode writes the node's base configuration: identity, roles,
// discovery and security toggles. cmNames and cmIPs describe the
// planned cluster-manager nodes; the initial cluster-manager list is
// only written while the cluster has not formed yet, with fewer than
// two CM endpoints known.
func (w *Writer) SetNode(clusterName string, node types.Node, cmNames, cmIPs []string) error {
	f, err := LoadFile(w.MainConfPath())
	if err != nil {
		return err
	}

	f.Put("cluster.name", clusterName)
	f.Put("node.name", node.Name)
	f.Put("network.host", []string{"_local_", w.host})
	f.Put("node.roles", node.Roles.Strings())

	if node.AppName != "" {
		f.Put("node.attr.app_name", node.AppName)
	}
	if node.Temperature != "" {
		f.Put("node.attr.temp", node.Temperature)
	}

	if seeds := append(append([]string{}, cmIPs...), w.seeds...); len(seeds) > 0 {
		f.Put("discovery.seed_hosts", seeds)
	}
	// The bootstrap list keys off the fleet's own CM endpoints; static
	// peer seeds mean the cluster already exists elsewhere.
	if node.Roles.Has(types.RoleClusterManager) && len(cmIPs) < 2 && len(w.seeds) == 0 {
		f.Put(bootstrapKey, cmNames)
	}

	f.Put("path.data", w.paths.Data)
	f.Put("path.logs", w.paths.Logs)

	f.Put("plugins.security.disabled", false)
	f.Put("plugins.security.ssl.http.enabled", true)
	f.Put("plugins.security.ssl.transport.enforce_hostname_verification", true)

	if err := f.Save(); err != nil {
		return err
	}
	w.logger.Info().
		Str("node", node.Name).
		Strs("roles", node.Roles.Strings()).
		Msg("wrote engine node config")
	return nil
}

// CleanupBootstrapConf drops the initial cluster-manager list once the
// cluster has formed. Leaving it in place would let a wiped node try to
// re-bootstrap a second cluster.
func (w *Writer) CleanupBootstrapConf() error {
	f, err := LoadFile(w.MainConfPath())
	if err != nil {
		return err
	}
	if _, ok := f.Get(bootstrapKey); !ok {
		return nil
	}
	f.Delete(bootstrapKey)
	if err := f.Save(); err != nil {
		return err
	}
	w.logger.Info().Msg("removed cluster bootstrap config")
	return nil
}

// PluginValues reads the current values of the given settings from the
// main config, stringified. Absent keys are omitted from the result.
func (w *Writer) PluginValues(keys []string) (map[string]string, error) {
	f, err := LoadFile(w.MainConfPath())
	if err != nil {
		return nil, err
	}
	values := make(map[string]string, len(keys))
	for _, key := range keys {
		if v, ok := f.Get(key); ok {
			values[key] = fmt.Sprint(v)
		}
	}
	return values, nil
}

// PutPluginValues writes plugin settings into the main config.
func (w *Writer) PutPluginValues(entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}
	f, err := LoadFile(w.MainConfPath())
	if err != nil {
		return err
	}
	for key, value := range entries {
		f.Put(key, value)
	}
	return f.Save()
}

// DeletePluginValues removes plugin settings from the main config.
func (w *Writer) DeletePluginValues(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	f, err := LoadFile(w.MainConfPath())
	if err != nil {
		return err
	}
	changed := false
	for _, key := range keys {
		if _, ok := f.Get(key); ok {
			f.Delete(key)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return f.Save()
}

// SetJVMLogPath points the JVM's GC log options at the engine's log
// directory. Absent options files are left alone.
func (w *Writer) SetJVMLogPath() error {
	path := filepath.Join(w.paths.Conf, jvmConfFile)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	updated := strings.ReplaceAll(string(raw), "=logs/", "="+w.paths.Logs+"/")
	if updated == string(raw) {
		return nil
	}
	if err := os.WriteFile(path, []byte(updated), 0o640); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
