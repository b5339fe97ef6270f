package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/shoalstack/shoal/pkg/types"
)

// Kernel and limit thresholds the engine needs to run reliably.
const (
	minFileDescriptors = 65535
	minMaxMapCount     = 262144
	maxSwappiness      = 1
	maxTCPRetries      = 5
)

// SysChecker verifies the host satisfies the engine's system
// requirements. ProcRoot is swappable for tests.
type SysChecker struct {
	ProcRoot    string
	NoFileLimit func() (uint64, error)
}

// NewSysChecker builds a checker against the real /proc and rlimits.
func NewSysChecker() *SysChecker {
	return &SysChecker{
		ProcRoot: "/proc",
		NoFileLimit: func() (uint64, error) {
			var rl syscall.Rlimit
			if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rl); err != nil {
				return 0, err
			}
			return rl.Cur, nil
		},
	}
}

// Check returns a policy fault listing every unmet requirement, nil
// when the host qualifies. Unmet requirements need operator action, so
// they block rather than retry.
func (c *SysChecker) Check() error {
	var missing []string

	if limit, err := c.NoFileLimit(); err != nil {
		missing = append(missing, fmt.Sprintf("cannot read file descriptor limit: %v", err))
	} else if limit < minFileDescriptors {
		missing = append(missing, fmt.Sprintf("file descriptor limit %d, need at least %d", limit, minFileDescriptors))
	}

	if v, err := c.readProcInt("sys/vm/max_map_count"); err != nil {
		missing = append(missing, fmt.Sprintf("cannot read vm.max_map_count: %v", err))
	} else if v < minMaxMapCount {
		missing = append(missing, fmt.Sprintf("vm.max_map_count=%d, need at least %d", v, minMaxMapCount))
	}

	if v, err := c.readProcInt("sys/vm/swappiness"); err != nil {
		missing = append(missing, fmt.Sprintf("cannot read vm.swappiness: %v", err))
	} else if v > maxSwappiness {
		missing = append(missing, fmt.Sprintf("vm.swappiness=%d, need at most %d", v, maxSwappiness))
	}

	if v, err := c.readProcInt("sys/net/ipv4/tcp_retries2"); err != nil {
		missing = append(missing, fmt.Sprintf("cannot read net.ipv4.tcp_retries2: %v", err))
	} else if v > maxTCPRetries {
		missing = append(missing, fmt.Sprintf("net.ipv4.tcp_retries2=%d, need at most %d", v, maxTCPRetries))
	}

	if len(missing) > 0 {
		return types.NewPolicyError("unmet system requirements: %s", strings.Join(missing, "; "))
	}
	return nil
}

func (c *SysChecker) readProcInt(rel string) (int, error) {
	data, err := os.ReadFile(filepath.Join(c.ProcRoot, rel))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}
