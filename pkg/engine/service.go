package engine

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/shoalstack/shoal/pkg/log"
	"github.com/shoalstack/shoal/pkg/types"
)

// Paths locates the engine installation on the local node.
type Paths struct {
	Home    string
	Conf    string
	Data    string
	Logs    string
	Certs   string
	Plugins string
}

// DefaultPaths derives the standard layout under an engine home.
func DefaultPaths(home string) Paths {
	return Paths{
		Home:    home,
		Conf:    filepath.Join(home, "config"),
		Data:    filepath.Join(home, "data"),
		Logs:    filepath.Join(home, "logs"),
		Certs:   filepath.Join(home, "config", "certificates"),
		Plugins: filepath.Join(home, "plugins"),
	}
}

// Runner executes a local command and returns its combined output.
// RunInput feeds the command's stdin, which keeps secrets off argv.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
	RunInput(ctx context.Context, input, name string, args ...string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// CmdError carries a failed command's output for diagnosis.
type CmdError struct {
	Cmd    string
	Output string
	Err    error
}

func (e *CmdError) Error() string {
	return fmt.Sprintf("command %q failed: %v: %s", e.Cmd, e.Err, strings.TrimSpace(e.Output))
}

func (e *CmdError) Unwrap() error { return e.Err }

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	return runCmd(exec.CommandContext(ctx, name, args...))
}

func (ExecRunner) RunInput(ctx context.Context, input, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = strings.NewReader(input)
	return runCmd(cmd)
}

func runCmd(cmd *exec.Cmd) (string, error) {
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), &CmdError{
			Cmd:    strings.Join(cmd.Args, " "),
			Output: string(out),
			Err:    err,
		}
	}
	return string(out), nil
}

// Service controls the engine's systemd unit and its bundled command
// line tools.
type Service struct {
	unit   string
	paths  Paths
	runner Runner
	logger zerolog.Logger
}

// NewService creates a controller for the named unit.
func NewService(unit string, paths Paths, runner Runner) *Service {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Service{
		unit:   unit,
		paths:  paths,
		runner: runner,
		logger: log.WithComponent("service"),
	}
}

// Paths returns the installation layout.
func (s *Service) Paths() Paths { return s.paths }

// Start starts the engine unit. The engine daemon takes a while to
// answer its API after this returns; callers poll IsNodeUp.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info().Str("unit", s.unit).Msg("starting engine service")
	if _, err := s.runner.Run(ctx, "systemctl", "start", s.unit); err != nil {
		return types.NewTransientError("start engine", err)
	}
	return nil
}

// Stop stops the engine unit.
func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info().Str("unit", s.unit).Msg("stopping engine service")
	if _, err := s.runner.Run(ctx, "systemctl", "stop", s.unit); err != nil {
		return types.NewTransientError("stop engine", err)
	}
	return nil
}

// Restart restarts the engine unit.
func (s *Service) Restart(ctx context.Context) error {
	s.logger.Info().Str("unit", s.unit).Msg("restarting engine service")
	if _, err := s.runner.Run(ctx, "systemctl", "restart", s.unit); err != nil {
		return types.NewTransientError("restart engine", err)
	}
	return nil
}

// IsActive reports whether the unit is running.
func (s *Service) IsActive(ctx context.Context) (bool, error) {
	out, err := s.runner.Run(ctx, "systemctl", "is-active", s.unit)
	state := strings.TrimSpace(out)
	if state == "active" {
		return true, nil
	}
	// is-active exits non-zero for every inactive state.
	if state == "inactive" || state == "failed" || state == "deactivating" || state == "activating" {
		return false, nil
	}
	if err != nil {
		return false, types.NewTransientError("query engine service", err)
	}
	return false, nil
}

// RunBin runs one of the engine's bundled bin scripts, such as the
// plugin installer or the security admin tool.
func (s *Service) RunBin(ctx context.Context, script string, args ...string) (string, error) {
	path := filepath.Join(s.paths.Home, "bin", script)
	s.logger.Debug().Str("script", script).Strs("args", args).Msg("running engine tool")
	return s.runner.Run(ctx, path, args...)
}

// RunBinInput runs a bin script with data on stdin.
func (s *Service) RunBinInput(ctx context.Context, input, script string, args ...string) (string, error) {
	path := filepath.Join(s.paths.Home, "bin", script)
	s.logger.Debug().Str("script", script).Strs("args", args).Msg("running engine tool")
	return s.runner.RunInput(ctx, input, path, args...)
}
