package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoalstack/shoal/pkg/types"
)

func writeProcTree(t *testing.T, maxMapCount, swappiness, tcpRetries string) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"sys/vm/max_map_count":      maxMapCount,
		"sys/vm/swappiness":         swappiness,
		"sys/net/ipv4/tcp_retries2": tcpRetries,
	}
	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content+"\n"), 0o644))
	}
	return root
}

func TestSysCheckerPasses(t *testing.T) {
	checker := &SysChecker{
		ProcRoot:    writeProcTree(t, "262144", "0", "5"),
		NoFileLimit: func() (uint64, error) { return 1048576, nil },
	}
	assert.NoError(t, checker.Check())
}

func TestSysCheckerReportsAllViolations(t *testing.T) {
	checker := &SysChecker{
		ProcRoot:    writeProcTree(t, "65530", "60", "15"),
		NoFileLimit: func() (uint64, error) { return 1024, nil },
	}

	err := checker.Check()
	require.Error(t, err)
	assert.True(t, types.IsPolicy(err))
	assert.ErrorContains(t, err, "file descriptor limit 1024")
	assert.ErrorContains(t, err, "vm.max_map_count=65530")
	assert.ErrorContains(t, err, "vm.swappiness=60")
	assert.ErrorContains(t, err, "net.ipv4.tcp_retries2=15")
}

func TestSysCheckerUnreadableProc(t *testing.T) {
	checker := &SysChecker{
		ProcRoot:    t.TempDir(),
		NoFileLimit: func() (uint64, error) { return 1048576, nil },
	}

	err := checker.Check()
	require.Error(t, err)
	assert.True(t, types.IsPolicy(err))
	assert.ErrorContains(t, err, "vm.max_map_count")
}
