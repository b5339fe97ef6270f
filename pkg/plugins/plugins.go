package plugins

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/shoalstack/shoal/pkg/engine"
	"github.com/shoalstack/shoal/pkg/log"
	"github.com/shoalstack/shoal/pkg/types"
)

const pluginTool = "engine-plugin"

// State of a managed plugin on the local node.
type State string

const (
	StateMissing           State = "missing"
	StateInstalled         State = "installed"
	StateEnabled           State = "enabled"
	StateDisabled          State = "disabled"
	StateWaitingForUpgrade State = "waiting_for_upgrade"
)

// Scope tells a reconciliation pass how to read its requests.
type Scope string

const (
	// ScopeSteady treats every request at face value: a requested
	// plugin with incomplete settings is an operator mistake.
	ScopeSteady Scope = "steady"

	// ScopeTeardown runs while a plugin's backing settings are being
	// withdrawn: a request that lost its settings counts as disabled
	// so the pass converges on removal instead of erroring.
	ScopeTeardown Scope = "teardown"
)

// Spec declares one plugin as a table row: its install name, the engine
// settings that switch it on, and the keystore entries it carries.
type Spec struct {
	Name string

	// ConfigKey is the operator config section requesting this plugin.
	ConfigKey string

	// Dependencies must be installed before this plugin.
	Dependencies []string

	// EnableValues are the engine settings present while the plugin is
	// enabled. A pinned value must match exactly; an empty value means
	// the setting comes from the request and only presence counts.
	EnableValues map[string]string

	// DisableValues overwrite EnableValues keys on disable. Keys
	// without a disable value are deleted instead.
	DisableValues map[string]string

	// SecretKeys are keystore entries filled from the request's
	// secrets while enabled.
	SecretKeys []string

	// RemoveOnDisable uninstalls the plugin once disabled.
	RemoveOnDisable bool
}

// Request is the operator's desired condition for one plugin.
type Request struct {
	Enabled  bool
	Settings map[string]string
	Secrets  map[string]string
}

// Status couples a plugin with its observed state.
type Status struct {
	Name  string `json:"name"`
	State State  `json:"state"`
}

// Registry is the table of plugins this orchestrator knows how to
// manage.
type Registry struct {
	specs []Spec
}

// NewRegistry builds a registry preserving spec order.
func NewRegistry(specs ...Spec) *Registry {
	return &Registry{specs: specs}
}

// Builtin returns the plugin table this build ships with.
func Builtin() *Registry {
	return NewRegistry(
		Spec{
			Name:          "knn",
			ConfigKey:     "plugins.knn",
			EnableValues:  map[string]string{"knn.plugin.enabled": "true"},
			DisableValues: map[string]string{"knn.plugin.enabled": "false"},
		},
		Spec{
			Name:      "repository-s3",
			ConfigKey: "plugins.repository-s3",
			SecretKeys: []string{
				"s3.client.default.access_key",
				"s3.client.default.secret_key",
			},
		},
	)
}

// All returns the registered specs in declaration order.
func (r *Registry) All() []Spec {
	out := make([]Spec, len(r.specs))
	copy(out, r.specs)
	return out
}

// Get looks a spec up by name.
func (r *Registry) Get(name string) (Spec, bool) {
	for _, s := range r.specs {
		if s.Name == name {
			return s, true
		}
	}
	return Spec{}, false
}

// Tooling runs the engine's bundled command line tools.
type Tooling interface {
	RunBin(ctx context.Context, script string, args ...string) (string, error)
}

// SecretStore holds plugin credentials outside plain config.
type SecretStore interface {
	List(ctx context.Context) ([]string, error)
	Add(ctx context.Context, entries map[string]string) error
	Delete(ctx context.Context, keys []string) error
}

// ConfigSink edits plugin settings in the engine's main config.
type ConfigSink interface {
	PluginValues(keys []string) (map[string]string, error)
	PutPluginValues(entries map[string]string) error
	DeletePluginValues(keys []string) error
}

// Gate reports whether the engine can take plugin changes right now.
type Gate interface {
	Ready(ctx context.Context) error
}

// VersionSource reports the engine release the local node runs.
type VersionSource interface {
	Version(ctx context.Context) (string, error)
}

// Config wires a Manager's collaborators.
type Config struct {
	Registry   *Registry
	Tooling    Tooling
	Secrets    SecretStore
	Conf       ConfigSink
	Gate       Gate
	Engine     VersionSource
	PluginsDir string
}

// Manager reconciles installed plugins against the requested set.
type Manager struct {
	registry   *Registry
	tooling    Tooling
	secrets    SecretStore
	conf       ConfigSink
	gate       Gate
	engine     VersionSource
	pluginsDir string
	logger     zerolog.Logger
}

// NewManager creates a plugin manager.
func NewManager(cfg Config) *Manager {
	registry := cfg.Registry
	if registry == nil {
		registry = Builtin()
	}
	return &Manager{
		registry:   registry,
		tooling:    cfg.Tooling,
		secrets:    cfg.Secrets,
		conf:       cfg.Conf,
		gate:       cfg.Gate,
		engine:     cfg.Engine,
		pluginsDir: cfg.PluginsDir,
		logger:     log.WithComponent("plugins"),
	}
}

// Run reconciles every registered plugin against requests, keyed by
// plugin name, and reports whether the engine needs a restart to pick
// the changes up. Per-plugin failures do not stop the pass; they come
// back joined after every plugin had its turn.
func (m *Manager) Run(ctx context.Context, scope Scope, requests map[string]Request) (bool, error) {
	if err := m.gate.Ready(ctx); err != nil {
		return false, types.NewTransientError("plugin reconciliation", err)
	}

	installed, err := m.installedSet(ctx)
	if err != nil {
		return false, err
	}

	restart := false
	var errs []error
	for _, spec := range m.registry.All() {
		req := effectiveRequest(spec, requests[spec.Name], scope)
		changed, err := m.reconcile(ctx, spec, req, installed)
		restart = restart || changed
		if err != nil {
			errs = append(errs, fmt.Errorf("plugin %s: %w", spec.Name, err))
		}
	}
	return restart, errors.Join(errs...)
}

// Statuses reports the observed state of every registered plugin.
func (m *Manager) Statuses(ctx context.Context, scope Scope, requests map[string]Request) ([]Status, error) {
	installed, err := m.installedSet(ctx)
	if err != nil {
		return nil, err
	}

	engineVersion := ""
	if m.engine != nil {
		v, err := m.engine.Version(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Msg("engine version unavailable, skipping upgrade detection")
		} else {
			engineVersion = v
		}
	}

	statuses := make([]Status, 0, len(m.registry.specs))
	for _, spec := range m.registry.All() {
		req := effectiveRequest(spec, requests[spec.Name], scope)
		state, err := m.status(ctx, spec, req, installed, engineVersion)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, Status{Name: spec.Name, State: state})
	}
	return statuses, nil
}

func (m *Manager) status(ctx context.Context, spec Spec, req Request, installed map[string]bool, engineVersion string) (State, error) {
	if !installed[spec.Name] {
		return StateMissing, nil
	}
	if needsUpgrade(m.descriptorVersion(spec.Name), engineVersion) {
		return StateWaitingForUpgrade, nil
	}
	enabled, err := m.isEnabled(ctx, spec)
	if err != nil {
		return "", err
	}
	if enabled {
		return StateEnabled, nil
	}
	if req.Enabled {
		return StateInstalled, nil
	}
	return StateDisabled, nil
}

func (m *Manager) reconcile(ctx context.Context, spec Spec, req Request, installed map[string]bool) (bool, error) {
	changed := false

	c, err := m.installIfNeeded(ctx, spec, req, installed)
	changed = changed || c
	if err != nil {
		return changed, err
	}

	c, err = m.configureIfNeeded(ctx, spec, req, installed)
	changed = changed || c
	if err != nil {
		return changed, err
	}

	c, err = m.disableIfNeeded(ctx, spec, req, installed)
	changed = changed || c
	if err != nil {
		return changed, err
	}

	c, err = m.removeIfNeeded(ctx, spec, req, installed)
	changed = changed || c
	return changed, err
}

func (m *Manager) installIfNeeded(ctx context.Context, spec Spec, req Request, installed map[string]bool) (bool, error) {
	if !req.Enabled || installed[spec.Name] {
		return false, nil
	}
	if missing := missingRequirements(spec, req); len(missing) > 0 {
		return false, types.NewPolicyError("missing settings: %s", strings.Join(missing, ", "))
	}
	for _, dep := range spec.Dependencies {
		if !installed[dep] {
			return false, types.NewPolicyError("requires plugin %s", dep)
		}
	}

	if _, err := m.tooling.RunBin(ctx, pluginTool, "install", "--batch", spec.Name); err != nil {
		var cmdErr *engine.CmdError
		if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Output, "already exists") {
			installed[spec.Name] = true
			return false, nil
		}
		return false, types.NewTransientError("install plugin", err)
	}
	m.logger.Info().Str("plugin", spec.Name).Msg("installed plugin")
	installed[spec.Name] = true
	return true, nil
}

func (m *Manager) configureIfNeeded(ctx context.Context, spec Spec, req Request, installed map[string]bool) (bool, error) {
	if !req.Enabled || !installed[spec.Name] {
		return false, nil
	}
	enabled, err := m.isEnabled(ctx, spec)
	if err != nil || enabled {
		return false, err
	}
	if missing := missingRequirements(spec, req); len(missing) > 0 {
		return false, types.NewPolicyError("missing settings: %s", strings.Join(missing, ", "))
	}

	entries := make(map[string]string, len(spec.EnableValues))
	for key, pinned := range spec.EnableValues {
		if pinned != "" {
			entries[key] = pinned
		} else {
			entries[key] = req.Settings[key]
		}
	}
	if err := m.conf.PutPluginValues(entries); err != nil {
		return false, err
	}

	secrets := make(map[string]string, len(spec.SecretKeys))
	for _, key := range spec.SecretKeys {
		secrets[key] = req.Secrets[key]
	}
	if err := m.secrets.Add(ctx, secrets); err != nil {
		return len(entries) > 0, err
	}

	m.logger.Info().Str("plugin", spec.Name).Msg("enabled plugin")
	// Keystore changes reload live; only config entries force a restart.
	return len(entries) > 0, nil
}

func (m *Manager) disableIfNeeded(ctx context.Context, spec Spec, req Request, installed map[string]bool) (bool, error) {
	if req.Enabled || !installed[spec.Name] {
		return false, nil
	}
	enabled, err := m.isEnabled(ctx, spec)
	if err != nil || !enabled {
		return false, err
	}

	if err := m.conf.PutPluginValues(spec.DisableValues); err != nil {
		return false, err
	}
	var stale []string
	for key := range spec.EnableValues {
		if _, keep := spec.DisableValues[key]; !keep {
			stale = append(stale, key)
		}
	}
	if err := m.conf.DeletePluginValues(stale); err != nil {
		return false, err
	}
	if err := m.secrets.Delete(ctx, spec.SecretKeys); err != nil {
		return len(spec.EnableValues) > 0, err
	}

	m.logger.Info().Str("plugin", spec.Name).Msg("disabled plugin")
	return len(spec.EnableValues) > 0, nil
}

func (m *Manager) removeIfNeeded(ctx context.Context, spec Spec, req Request, installed map[string]bool) (bool, error) {
	if req.Enabled || !spec.RemoveOnDisable || !installed[spec.Name] {
		return false, nil
	}

	if _, err := m.tooling.RunBin(ctx, pluginTool, "remove", spec.Name); err != nil {
		var cmdErr *engine.CmdError
		if !errors.As(err, &cmdErr) || !strings.Contains(cmdErr.Output, "not found") {
			return false, types.NewTransientError("remove plugin", err)
		}
	}
	m.logger.Info().Str("plugin", spec.Name).Msg("removed plugin")
	installed[spec.Name] = false
	return true, nil
}

// isEnabled decides from observable node state whether a plugin is on.
// Config-backed plugins compare their EnableValues against the engine
// config under one rule: a pinned value must match, a request-supplied
// value only has to be present. Keystore-backed plugins check their
// secret entries instead.
func (m *Manager) isEnabled(ctx context.Context, spec Spec) (bool, error) {
	if len(spec.EnableValues) > 0 {
		keys := make([]string, 0, len(spec.EnableValues))
		for key := range spec.EnableValues {
			keys = append(keys, key)
		}
		current, err := m.conf.PluginValues(keys)
		if err != nil {
			return false, err
		}
		for key, pinned := range spec.EnableValues {
			got, ok := current[key]
			if !ok {
				return false, nil
			}
			if pinned != "" && got != pinned {
				return false, nil
			}
		}
		return true, nil
	}

	if len(spec.SecretKeys) > 0 {
		stored, err := m.secrets.List(ctx)
		if err != nil {
			return false, err
		}
		present := make(map[string]bool, len(stored))
		for _, key := range stored {
			present[key] = true
		}
		for _, key := range spec.SecretKeys {
			if !present[key] {
				return false, nil
			}
		}
		return true, nil
	}
	return false, nil
}

func (m *Manager) installedSet(ctx context.Context) (map[string]bool, error) {
	out, err := m.tooling.RunBin(ctx, pluginTool, "list")
	if err != nil {
		return nil, types.NewTransientError("list plugins", err)
	}
	installed := map[string]bool{}
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			installed[line] = true
		}
	}
	return installed, nil
}

func (m *Manager) descriptorVersion(name string) string {
	path := filepath.Join(m.pluginsDir, name, "plugin-descriptor.properties")
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "version="); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// effectiveRequest applies the scope: during teardown a request whose
// settings are already gone no longer counts as enabled.
func effectiveRequest(spec Spec, req Request, scope Scope) Request {
	if scope == ScopeTeardown && req.Enabled && len(missingRequirements(spec, req)) > 0 {
		req.Enabled = false
	}
	return req
}

func missingRequirements(spec Spec, req Request) []string {
	var missing []string
	for key, pinned := range spec.EnableValues {
		if pinned == "" && req.Settings[key] == "" {
			missing = append(missing, key)
		}
	}
	for _, key := range spec.SecretKeys {
		if req.Secrets[key] == "" {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	return missing
}

// Plugin builds embed the engine version plus a build counter in their
// descriptor; the installed build targets the running engine when the
// descriptor minus its last term equals the engine version.
func needsUpgrade(descriptor, engineVersion string) bool {
	if descriptor == "" || engineVersion == "" {
		return false
	}
	terms := strings.Split(descriptor, ".")
	if len(terms) < 2 {
		return false
	}
	return strings.Join(terms[:len(terms)-1], ".") != engineVersion
}
