package plugins

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoalstack/shoal/pkg/engine"
	"github.com/shoalstack/shoal/pkg/types"
)

type fakeTooling struct {
	calls      [][]string
	installed  []string
	installErr error
	removeErr  error
}

func (f *fakeTooling) RunBin(_ context.Context, script string, args ...string) (string, error) {
	f.calls = append(f.calls, append([]string{script}, args...))
	switch args[0] {
	case "list":
		return strings.Join(f.installed, "\n"), nil
	case "install":
		if f.installErr != nil {
			return "", f.installErr
		}
	case "remove":
		if f.removeErr != nil {
			return "", f.removeErr
		}
	}
	return "", nil
}

func (f *fakeTooling) callsFor(action string) int {
	n := 0
	for _, call := range f.calls {
		if len(call) > 1 && call[1] == action {
			n++
		}
	}
	return n
}

type fakeSecrets struct {
	entries map[string]string
}

func newFakeSecrets() *fakeSecrets {
	return &fakeSecrets{entries: map[string]string{}}
}

func (f *fakeSecrets) List(context.Context) ([]string, error) {
	keys := make([]string, 0, len(f.entries))
	for key := range f.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *fakeSecrets) Add(_ context.Context, entries map[string]string) error {
	for key, value := range entries {
		f.entries[key] = value
	}
	return nil
}

func (f *fakeSecrets) Delete(_ context.Context, keys []string) error {
	for _, key := range keys {
		delete(f.entries, key)
	}
	return nil
}

type fakeConf struct {
	data map[string]string
}

func newFakeConf() *fakeConf {
	return &fakeConf{data: map[string]string{}}
}

func (f *fakeConf) PluginValues(keys []string) (map[string]string, error) {
	out := map[string]string{}
	for _, key := range keys {
		if v, ok := f.data[key]; ok {
			out[key] = v
		}
	}
	return out, nil
}

func (f *fakeConf) PutPluginValues(entries map[string]string) error {
	for key, value := range entries {
		f.data[key] = value
	}
	return nil
}

func (f *fakeConf) DeletePluginValues(keys []string) error {
	for _, key := range keys {
		delete(f.data, key)
	}
	return nil
}

type fakeGate struct{ err error }

func (f fakeGate) Ready(context.Context) error { return f.err }

type fakeVersion struct{ v string }

func (f fakeVersion) Version(context.Context) (string, error) { return f.v, nil }

type fixture struct {
	tooling *fakeTooling
	secrets *fakeSecrets
	conf    *fakeConf
	dir     string
	mgr     *Manager
}

func newFixture(t *testing.T, registry *Registry) *fixture {
	t.Helper()
	fix := &fixture{
		tooling: &fakeTooling{},
		secrets: newFakeSecrets(),
		conf:    newFakeConf(),
		dir:     t.TempDir(),
	}
	fix.mgr = NewManager(Config{
		Registry:   registry,
		Tooling:    fix.tooling,
		Secrets:    fix.secrets,
		Conf:       fix.conf,
		Gate:       fakeGate{},
		Engine:     fakeVersion{v: "2.9.0"},
		PluginsDir: fix.dir,
	})
	return fix
}

func (f *fixture) writeDescriptor(t *testing.T, plugin, version string) {
	t.Helper()
	dir := filepath.Join(f.dir, plugin)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	content := "# plugin build metadata\nversion=" + version + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin-descriptor.properties"), []byte(content), 0o644))
}

func TestRunWaitsForCluster(t *testing.T) {
	fix := newFixture(t, Builtin())
	fix.mgr.gate = fakeGate{err: errors.New("cluster not formed")}

	restart, err := fix.mgr.Run(context.Background(), ScopeSteady, nil)
	require.Error(t, err)
	assert.True(t, types.IsTransient(err))
	assert.False(t, restart)
	assert.Empty(t, fix.tooling.calls)
}

func TestRunInstallsAndEnablesRequested(t *testing.T) {
	fix := newFixture(t, Builtin())

	restart, err := fix.mgr.Run(context.Background(), ScopeSteady, map[string]Request{
		"knn": {Enabled: true},
	})
	require.NoError(t, err)
	assert.True(t, restart)

	require.GreaterOrEqual(t, len(fix.tooling.calls), 2)
	assert.Equal(t, []string{"engine-plugin", "list"}, fix.tooling.calls[0])
	assert.Equal(t, []string{"engine-plugin", "install", "--batch", "knn"}, fix.tooling.calls[1])
	assert.Equal(t, "true", fix.conf.data["knn.plugin.enabled"])
}

func TestRunSecondPassIsIdempotent(t *testing.T) {
	fix := newFixture(t, Builtin())
	fix.tooling.installed = []string{"knn"}
	fix.conf.data["knn.plugin.enabled"] = "true"

	restart, err := fix.mgr.Run(context.Background(), ScopeSteady, map[string]Request{
		"knn": {Enabled: true},
	})
	require.NoError(t, err)
	assert.False(t, restart)
	assert.Zero(t, fix.tooling.callsFor("install"))
}

func TestRunToleratesAlreadyInstalled(t *testing.T) {
	fix := newFixture(t, Builtin())
	// The tool knows the plugin even though list did not report it yet.
	fix.tooling.installErr = &engine.CmdError{
		Cmd:    "engine-plugin install",
		Output: "plugin knn already exists",
		Err:    errors.New("exit status 1"),
	}

	restart, err := fix.mgr.Run(context.Background(), ScopeSteady, map[string]Request{
		"knn": {Enabled: true},
	})
	require.NoError(t, err)
	assert.True(t, restart, "configuring still requires a restart")
	assert.Equal(t, "true", fix.conf.data["knn.plugin.enabled"])
}

func TestRunInstallFailureIsTransient(t *testing.T) {
	fix := newFixture(t, Builtin())
	fix.tooling.installErr = &engine.CmdError{
		Cmd:    "engine-plugin install",
		Output: "failed to download plugin archive",
		Err:    errors.New("exit status 1"),
	}

	restart, err := fix.mgr.Run(context.Background(), ScopeSteady, map[string]Request{
		"knn": {Enabled: true},
	})
	require.Error(t, err)
	assert.True(t, types.IsTransient(err))
	assert.False(t, restart)
}

func TestRunMissingSettingsIsPolicy(t *testing.T) {
	fix := newFixture(t, Builtin())

	restart, err := fix.mgr.Run(context.Background(), ScopeSteady, map[string]Request{
		"repository-s3": {Enabled: true},
	})
	require.Error(t, err)
	assert.True(t, types.IsPolicy(err))
	assert.Contains(t, err.Error(), "repository-s3")
	assert.Contains(t, err.Error(), "s3.client.default.access_key")
	assert.False(t, restart)
	assert.Zero(t, fix.tooling.callsFor("install"))
}

func TestRunDisablesDroppedRequest(t *testing.T) {
	fix := newFixture(t, Builtin())
	fix.tooling.installed = []string{"knn"}
	fix.conf.data["knn.plugin.enabled"] = "true"

	restart, err := fix.mgr.Run(context.Background(), ScopeSteady, nil)
	require.NoError(t, err)
	assert.True(t, restart)
	assert.Equal(t, "false", fix.conf.data["knn.plugin.enabled"])
	assert.Zero(t, fix.tooling.callsFor("remove"), "knn stays installed when disabled")
}

func TestRunRemovesDisabledPluginWhenFlagged(t *testing.T) {
	registry := NewRegistry(Spec{
		Name:            "auditer",
		EnableValues:    map[string]string{"auditer.enabled": "true"},
		RemoveOnDisable: true,
	})
	fix := newFixture(t, registry)
	fix.tooling.installed = []string{"auditer"}
	fix.conf.data["auditer.enabled"] = "true"

	restart, err := fix.mgr.Run(context.Background(), ScopeSteady, nil)
	require.NoError(t, err)
	assert.True(t, restart)
	assert.NotContains(t, fix.conf.data, "auditer.enabled")
	assert.Equal(t, 1, fix.tooling.callsFor("remove"))
}

func TestRunRemoveToleratesMissing(t *testing.T) {
	registry := NewRegistry(Spec{Name: "auditer", RemoveOnDisable: true})
	fix := newFixture(t, registry)
	fix.tooling.installed = []string{"auditer"}
	fix.tooling.removeErr = &engine.CmdError{
		Cmd:    "engine-plugin remove",
		Output: "plugin auditer not found",
		Err:    errors.New("exit status 1"),
	}

	_, err := fix.mgr.Run(context.Background(), ScopeSteady, nil)
	require.NoError(t, err)
}

func TestTeardownScopeRetiresRequestsWithLostSettings(t *testing.T) {
	fix := newFixture(t, Builtin())
	fix.tooling.installed = []string{"repository-s3"}
	fix.secrets.entries["s3.client.default.access_key"] = "AKIA"
	fix.secrets.entries["s3.client.default.secret_key"] = "shh"

	// The credentials are already gone from the request.
	req := map[string]Request{"repository-s3": {Enabled: true}}

	_, err := fix.mgr.Run(context.Background(), ScopeSteady, req)
	require.NoError(t, err)
	assert.Len(t, fix.secrets.entries, 2, "steady scope leaves the enabled plugin alone")

	_, err = fix.mgr.Run(context.Background(), ScopeTeardown, req)
	require.NoError(t, err)
	assert.Empty(t, fix.secrets.entries, "teardown scope reads the lost settings as a disable")
}

func TestRunAggregatesPerPluginErrors(t *testing.T) {
	registry := NewRegistry(
		Spec{Name: "broken", SecretKeys: []string{"broken.token"}},
		Spec{Name: "fine", EnableValues: map[string]string{"fine.enabled": "true"}},
	)
	fix := newFixture(t, registry)

	restart, err := fix.mgr.Run(context.Background(), ScopeSteady, map[string]Request{
		"broken": {Enabled: true},
		"fine":   {Enabled: true},
	})
	require.Error(t, err)
	assert.True(t, types.IsPolicy(err))
	assert.Contains(t, err.Error(), "broken")
	assert.True(t, restart, "healthy plugins still reconcile")
	assert.Equal(t, "true", fix.conf.data["fine.enabled"])
}

func statusOf(t *testing.T, statuses []Status, name string) State {
	t.Helper()
	for _, s := range statuses {
		if s.Name == name {
			return s.State
		}
	}
	t.Fatalf("no status for plugin %s", name)
	return ""
}

func TestStatusDerivation(t *testing.T) {
	ctx := context.Background()

	t.Run("missing", func(t *testing.T) {
		fix := newFixture(t, Builtin())
		statuses, err := fix.mgr.Statuses(ctx, ScopeSteady, nil)
		require.NoError(t, err)
		assert.Equal(t, StateMissing, statusOf(t, statuses, "knn"))
	})

	t.Run("waiting for upgrade", func(t *testing.T) {
		fix := newFixture(t, Builtin())
		fix.tooling.installed = []string{"knn"}
		fix.writeDescriptor(t, "knn", "2.8.0.0")
		statuses, err := fix.mgr.Statuses(ctx, ScopeSteady, nil)
		require.NoError(t, err)
		assert.Equal(t, StateWaitingForUpgrade, statusOf(t, statuses, "knn"))
	})

	t.Run("matching build is not an upgrade", func(t *testing.T) {
		fix := newFixture(t, Builtin())
		fix.tooling.installed = []string{"knn"}
		fix.writeDescriptor(t, "knn", "2.9.0.0")
		statuses, err := fix.mgr.Statuses(ctx, ScopeSteady, nil)
		require.NoError(t, err)
		assert.Equal(t, StateDisabled, statusOf(t, statuses, "knn"))
	})

	t.Run("enabled", func(t *testing.T) {
		fix := newFixture(t, Builtin())
		fix.tooling.installed = []string{"knn"}
		fix.conf.data["knn.plugin.enabled"] = "true"
		statuses, err := fix.mgr.Statuses(ctx, ScopeSteady, nil)
		require.NoError(t, err)
		assert.Equal(t, StateEnabled, statusOf(t, statuses, "knn"))
	})

	t.Run("installed pending configuration", func(t *testing.T) {
		fix := newFixture(t, Builtin())
		fix.tooling.installed = []string{"knn"}
		statuses, err := fix.mgr.Statuses(ctx, ScopeSteady, map[string]Request{"knn": {Enabled: true}})
		require.NoError(t, err)
		assert.Equal(t, StateInstalled, statusOf(t, statuses, "knn"))
	})

	t.Run("keystore backed plugin reads enabled from secrets", func(t *testing.T) {
		fix := newFixture(t, Builtin())
		fix.tooling.installed = []string{"repository-s3"}
		fix.secrets.entries["s3.client.default.access_key"] = "AKIA"
		fix.secrets.entries["s3.client.default.secret_key"] = "shh"
		statuses, err := fix.mgr.Statuses(ctx, ScopeSteady, nil)
		require.NoError(t, err)
		assert.Equal(t, StateEnabled, statusOf(t, statuses, "repository-s3"))
	})
}

func TestEnabledDetectionNormalizesValueShapes(t *testing.T) {
	spec := Spec{
		Name: "accel",
		EnableValues: map[string]string{
			"accel.enabled": "true", // pinned: exact match required
			"accel.backend": "",     // request-supplied: presence suffices
		},
	}

	tests := []struct {
		name string
		conf map[string]string
		want bool
	}{
		{
			name: "pinned matches and free key present",
			conf: map[string]string{"accel.enabled": "true", "accel.backend": "lucene"},
			want: true,
		},
		{
			name: "free key accepts any value",
			conf: map[string]string{"accel.enabled": "true", "accel.backend": "faiss"},
			want: true,
		},
		{
			name: "free key absent",
			conf: map[string]string{"accel.enabled": "true"},
			want: false,
		},
		{
			name: "pinned value off",
			conf: map[string]string{"accel.enabled": "false", "accel.backend": "lucene"},
			want: false,
		},
		{
			name: "pinned key absent",
			conf: map[string]string{"accel.backend": "lucene"},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fix := newFixture(t, NewRegistry(spec))
			fix.conf.data = tt.conf
			enabled, err := fix.mgr.isEnabled(context.Background(), spec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, enabled)
		})
	}
}

func TestNeedsUpgrade(t *testing.T) {
	assert.False(t, needsUpgrade("", "2.9.0"))
	assert.False(t, needsUpgrade("2.9.0.0", ""))
	assert.False(t, needsUpgrade("2.9.0.0", "2.9.0"))
	assert.True(t, needsUpgrade("2.8.0.0", "2.9.0"))
	assert.True(t, needsUpgrade("3.0.0.1", "2.9.0"))
}
