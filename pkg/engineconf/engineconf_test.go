package engineconf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoalstack/shoal/pkg/engine"
	"github.com/shoalstack/shoal/pkg/types"
)

func testWriter(t *testing.T, seeds ...string) *Writer {
	t.Helper()
	home := t.TempDir()
	paths := engine.DefaultPaths(home)
	require.NoError(t, os.MkdirAll(paths.Conf, 0o755))
	return NewWriter(paths, "10.0.0.1", seeds)
}

func reload(t *testing.T, w *Writer) *File {
	t.Helper()
	f, err := LoadFile(w.MainConfPath())
	require.NoError(t, err)
	return f
}

func TestSetNodeBootstrapPhase(t *testing.T) {
	w := testWriter(t)
	node := types.Node{
		Name:    "shoal-0",
		Roles:   types.NewRoleSet(types.RoleClusterManager, types.RoleData),
		AppName: "shoal",
	}

	require.NoError(t, w.SetNode("shoal-prod", node, []string{"shoal-0"}, []string{"10.0.0.1"}))

	f := reload(t, w)
	name, _ := f.Get("cluster.name")
	assert.Equal(t, "shoal-prod", name)
	nodeName, _ := f.Get("node.name")
	assert.Equal(t, "shoal-0", nodeName)
	roles, _ := f.Get("node.roles")
	assert.Equal(t, []any{"cluster_manager", "data"}, roles)
	appName, _ := f.Get("node.attr.app_name")
	assert.Equal(t, "shoal", appName)

	// One known CM endpoint: still forming, bootstrap list stays.
	seeds, _ := f.Get("discovery.seed_hosts")
	assert.Equal(t, []any{"10.0.0.1"}, seeds)
	initial, ok := f.Get(bootstrapKey)
	require.True(t, ok)
	assert.Equal(t, []any{"shoal-0"}, initial)
}

func TestSetNodeAfterClusterFormed(t *testing.T) {
	w := testWriter(t)
	node := types.Node{Name: "shoal-2", Roles: types.NewRoleSet(types.RoleClusterManager, types.RoleData)}

	require.NoError(t, w.SetNode("shoal-prod", node,
		[]string{"shoal-0", "shoal-1"}, []string{"10.0.0.1", "10.0.0.2"}))

	// Two CM endpoints known: never write the bootstrap list.
	f := reload(t, w)
	_, ok := f.Get(bootstrapKey)
	assert.False(t, ok)
	seeds, _ := f.Get("discovery.seed_hosts")
	assert.Equal(t, []any{"10.0.0.1", "10.0.0.2"}, seeds)
}

func TestSetNodePeerSeedsJoinExistingCluster(t *testing.T) {
	w := testWriter(t, "10.1.0.1:9300", "10.1.0.2:9300")
	node := types.Node{Name: "shoal-0", Roles: types.NewRoleSet(types.RoleClusterManager, types.RoleData)}

	require.NoError(t, w.SetNode("shoal-prod", node, []string{"shoal-0"}, []string{"10.0.0.1"}))

	f := reload(t, w)
	seeds, _ := f.Get("discovery.seed_hosts")
	assert.Equal(t, []any{"10.0.0.1", "10.1.0.1:9300", "10.1.0.2:9300"}, seeds)
	// The cluster forms in the peer fleet; never bootstrap a second one.
	_, ok := f.Get(bootstrapKey)
	assert.False(t, ok)
}

func TestSetNodeNonManagerSkipsBootstrapList(t *testing.T) {
	w := testWriter(t)
	node := types.Node{Name: "shoal-3", Roles: types.NewRoleSet(types.RoleData), Temperature: "hot"}

	require.NoError(t, w.SetNode("shoal-prod", node, []string{"shoal-0"}, []string{"10.0.0.1"}))

	f := reload(t, w)
	_, ok := f.Get(bootstrapKey)
	assert.False(t, ok)
	temp, _ := f.Get("node.attr.temp")
	assert.Equal(t, "hot", temp)
}

func TestSetNodePreservesForeignKeys(t *testing.T) {
	w := testWriter(t)
	require.NoError(t, os.WriteFile(w.MainConfPath(), []byte("plugins.security.authcz.admin_dn:\n    - CN=admin\n"), 0o640))

	node := types.Node{Name: "shoal-0", Roles: types.NewRoleSet(types.RoleData)}
	require.NoError(t, w.SetNode("shoal-prod", node, nil, nil))

	f := reload(t, w)
	dn, ok := f.Get("plugins.security.authcz.admin_dn")
	require.True(t, ok)
	assert.Equal(t, []any{"CN=admin"}, dn)
}

func TestCleanupBootstrapConf(t *testing.T) {
	w := testWriter(t)
	node := types.Node{Name: "shoal-0", Roles: types.NewRoleSet(types.RoleClusterManager, types.RoleData)}
	require.NoError(t, w.SetNode("shoal-prod", node, []string{"shoal-0"}, []string{"10.0.0.1"}))

	require.NoError(t, w.CleanupBootstrapConf())

	f := reload(t, w)
	_, ok := f.Get(bootstrapKey)
	assert.False(t, ok)
	// Everything else survives the cleanup.
	name, _ := f.Get("cluster.name")
	assert.Equal(t, "shoal-prod", name)

	// Idempotent when the key is already gone.
	require.NoError(t, w.CleanupBootstrapConf())
}

func TestPluginValuesRoundTrip(t *testing.T) {
	w := testWriter(t)

	require.NoError(t, w.PutPluginValues(map[string]string{
		"knn.plugin.enabled": "true",
	}))

	values, err := w.PluginValues([]string{"knn.plugin.enabled", "absent.key"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"knn.plugin.enabled": "true"}, values)

	require.NoError(t, w.DeletePluginValues([]string{"knn.plugin.enabled"}))
	values, err = w.PluginValues([]string{"knn.plugin.enabled"})
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestPluginValuesStringifyForeignTypes(t *testing.T) {
	w := testWriter(t)
	require.NoError(t, os.WriteFile(w.MainConfPath(), []byte("knn.plugin.enabled: true\n"), 0o640))

	values, err := w.PluginValues([]string{"knn.plugin.enabled"})
	require.NoError(t, err)
	assert.Equal(t, "true", values["knn.plugin.enabled"])
}

func TestDeletePluginValuesMissingFileIsNoop(t *testing.T) {
	w := testWriter(t)
	require.NoError(t, w.DeletePluginValues([]string{"whatever"}))
	_, err := os.Stat(w.MainConfPath())
	assert.True(t, os.IsNotExist(err), "a delete with nothing to do should not create the file")
}

func TestSetJVMLogPath(t *testing.T) {
	w := testWriter(t)
	jvmPath := filepath.Join(w.paths.Conf, jvmConfFile)
	require.NoError(t, os.WriteFile(jvmPath, []byte("-Xlog:gc*:file=logs/gc.log\n"), 0o640))

	require.NoError(t, w.SetJVMLogPath())

	raw, err := os.ReadFile(jvmPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "file="+w.paths.Logs+"/gc.log")
}

func TestSetJVMLogPathMissingFile(t *testing.T) {
	w := testWriter(t)
	assert.NoError(t, w.SetJVMLogPath())
}
