package exclusions

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/shoalstack/shoal/pkg/log"
	"github.com/shoalstack/shoal/pkg/types"
)

// Exclusion kinds recorded on the pending board.
const (
	KindVoting     = "voting"
	KindAllocation = "allocation"
	KindBoth       = "both"
)

// EngineAPI is the slice of the engine client the manager needs.
type EngineAPI interface {
	AddVotingExclusions(ctx context.Context, names []string, altHosts []string) error
	ClearVotingExclusions(ctx context.Context, altHosts []string) error
	SetAllocationExclusion(ctx context.Context, name string, altHosts []string) error
	ClearAllocationExclusions(ctx context.Context, altHosts []string) error
}

// Board records exclusions a member failed to remove so that another
// member, usually the coordinator on its next tick, can retire them.
type Board interface {
	// MarkPending leaves a cleanup marker in the local member's
	// namespace.
	MarkPending(ctx context.Context, kind string) error
	// Pending lists outstanding markers by node.
	Pending() (map[string]string, error)
	// ClearPending removes a node's marker. Coordinator only.
	ClearPending(node string) error
}

// Manager keeps the engine's voting and allocation exclusion lists in
// step with node lifecycle. Exclusions are strictly transient: they
// exist between a node's stop and its next successful start, and any
// that outlive that window are swept up by Cleanup.
type Manager struct {
	api    EngineAPI
	board  Board
	logger zerolog.Logger
}

// NewManager creates an exclusion manager.
func NewManager(api EngineAPI, board Board) *Manager {
	return &Manager{
		api:    api,
		board:  board,
		logger: log.WithComponent("exclusions"),
	}
}

// AddCurrent registers the exclusions that make it safe to stop node:
// a voting exclusion when it can vote, an allocation exclusion when it
// holds data. A failure here aborts the stop, so it propagates.
func (m *Manager) AddCurrent(ctx context.Context, node types.Node, altHosts []string) error {
	if node.IsCMEligible() || node.IsVotingOnly() {
		if err := m.api.AddVotingExclusions(ctx, []string{node.Name}, altHosts); err != nil {
			return fmt.Errorf("failed to add voting exclusion for %s: %w", node.Name, err)
		}
		m.logger.Info().Str("node", node.Name).Msg("added voting exclusion")
	}
	if node.IsData() {
		if err := m.api.SetAllocationExclusion(ctx, node.Name, altHosts); err != nil {
			return fmt.Errorf("failed to add allocation exclusion for %s: %w", node.Name, err)
		}
		m.logger.Info().Str("node", node.Name).Msg("added allocation exclusion")
	}
	return nil
}

// DeleteCurrent retires the exclusions added for node once it is back
// up. Failures do not fail the start: the marker board keeps them
// alive until Cleanup gets through.
func (m *Manager) DeleteCurrent(ctx context.Context, node types.Node, altHosts []string) error {
	kind := kindFor(node)
	if kind == "" {
		return nil
	}
	if err := m.clear(ctx, kind, altHosts); err != nil {
		m.logger.Warn().Err(err).Str("node", node.Name).Msg("could not remove exclusions, leaving cleanup marker")
		if markErr := m.board.MarkPending(ctx, kind); markErr != nil {
			return fmt.Errorf("failed to record pending exclusion cleanup: %w", markErr)
		}
		return nil
	}
	return nil
}

// Pending lists outstanding cleanup markers by node.
func (m *Manager) Pending() (map[string]string, error) {
	return m.board.Pending()
}

// Cleanup retires exclusions recorded on the pending board. Run by the
// coordinator on its reconciliation tick and after membership changes.
func (m *Manager) Cleanup(ctx context.Context, altHosts []string) error {
	pending, err := m.board.Pending()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	needVoting, needAllocation := false, false
	for _, kind := range pending {
		switch kind {
		case KindVoting:
			needVoting = true
		case KindAllocation:
			needAllocation = true
		default:
			needVoting, needAllocation = true, true
		}
	}

	kind := KindBoth
	switch {
	case needVoting && !needAllocation:
		kind = KindVoting
	case needAllocation && !needVoting:
		kind = KindAllocation
	}
	if err := m.clear(ctx, kind, altHosts); err != nil {
		return err
	}

	for node := range pending {
		if err := m.board.ClearPending(node); err != nil {
			return fmt.Errorf("failed to clear cleanup marker for %s: %w", node, err)
		}
	}
	m.logger.Info().Int("markers", len(pending)).Msg("retired pending exclusions")
	return nil
}

func (m *Manager) clear(ctx context.Context, kind string, altHosts []string) error {
	if kind == KindVoting || kind == KindBoth {
		if err := m.api.ClearVotingExclusions(ctx, altHosts); err != nil {
			return fmt.Errorf("failed to clear voting exclusions: %w", err)
		}
	}
	if kind == KindAllocation || kind == KindBoth {
		if err := m.api.ClearAllocationExclusions(ctx, altHosts); err != nil {
			return fmt.Errorf("failed to clear allocation exclusions: %w", err)
		}
	}
	return nil
}

func kindFor(node types.Node) string {
	voting := node.IsCMEligible() || node.IsVotingOnly()
	data := node.IsData()
	switch {
	case voting && data:
		return KindBoth
	case voting:
		return KindVoting
	case data:
		return KindAllocation
	default:
		return ""
	}
}
