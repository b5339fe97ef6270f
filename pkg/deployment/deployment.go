package deployment

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/shoalstack/shoal/pkg/log"
	"github.com/shoalstack/shoal/pkg/types"
)

// Manager derives and enforces the fleet's deployment description. The
// description is policy, not mechanism: violations never trigger
// restarts, they block the node until the operator fixes the declared
// configuration.
type Manager struct {
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewManager creates a deployment manager.
func NewManager() *Manager {
	return &Manager{
		validate: validator.New(),
		logger:   log.WithComponent("deployment"),
	}
}

// parseRoles lifts operator-declared role strings into a normalized
// set.
func parseRoles(declared []string) types.RoleSet {
	roles := make(types.RoleSet, 0, len(declared))
	for _, r := range declared {
		role := types.Role(strings.TrimSpace(strings.ToLower(r)))
		if role == "" {
			continue
		}
		roles = append(roles, role)
	}
	return roles.Normalize()
}

// BuildDescription computes the deployment description from operator
// configuration. An empty role list selects generated-roles mode; any
// declared roles pin the whole fleet to exactly that set.
func (m *Manager) BuildDescription(clusterName string, declaredRoles []string, temperature string) (types.DeploymentDescription, error) {
	roles := parseRoles(declaredRoles)

	mode := types.StartModeGeneratedRoles
	if len(roles) > 0 {
		mode = types.StartModeProvidedRoles
	}

	dd := types.DeploymentDescription{
		ClusterName:     clusterName,
		StartMode:       mode,
		DeclaredRoles:   roles,
		DataTemperature: temperature,
	}
	if err := m.Validate(dd); err != nil {
		return types.DeploymentDescription{}, err
	}
	return dd, nil
}

// Validate checks a description against the declaration rules.
func (m *Manager) Validate(dd types.DeploymentDescription) error {
	if err := m.validate.Struct(dd); err != nil {
		return types.NewPolicyError("invalid deployment configuration: %v", err)
	}
	if dd.DeclaredRoles.Has(types.RoleVotingOnly) && !dd.DeclaredRoles.Has(types.RoleData) {
		return types.NewPolicyError("declared roles pair voting_only with no data role")
	}
	return nil
}

// FleetRoles is one cooperating fleet's declared contribution to a
// composed cluster.
type FleetRoles struct {
	Fleet string
	Roles []string
}

// CheckComposition validates that this fleet can form one engine
// cluster together with the declared peer fleets. Composition requires
// every fleet to pin its roles: generated layouts on independently
// coordinated fleets cannot guarantee a quorum-safe whole. The composed
// cluster must get its cluster-manager nodes from somewhere.
func (m *Manager) CheckComposition(local types.DeploymentDescription, peers []FleetRoles) error {
	if len(peers) == 0 {
		return nil
	}
	if local.StartMode != types.StartModeProvidedRoles {
		return types.NewPolicyError("composed deployments require explicitly declared roles on every fleet")
	}

	hasCM := local.DeclaredRoles.Has(types.RoleClusterManager)
	seen := make(map[string]bool, len(peers))
	for _, peer := range peers {
		if peer.Fleet == "" {
			return types.NewPolicyError("peer fleet declared without a name")
		}
		if seen[peer.Fleet] {
			return types.NewPolicyError("peer fleet %s declared twice", peer.Fleet)
		}
		seen[peer.Fleet] = true

		roles := parseRoles(peer.Roles)
		if len(roles) == 0 {
			return types.NewPolicyError("peer fleet %s declares no roles", peer.Fleet)
		}
		for _, r := range roles {
			if !r.Known() {
				return types.NewPolicyError("peer fleet %s declares unknown role %q", peer.Fleet, r)
			}
		}
		if roles.Has(types.RoleVotingOnly) && !roles.Has(types.RoleData) {
			return types.NewPolicyError("peer fleet %s pairs voting_only with no data role", peer.Fleet)
		}
		if roles.Has(types.RoleClusterManager) {
			hasCM = true
		}
	}
	if !hasCM {
		return types.NewPolicyError("no fleet in the composition carries cluster_manager")
	}
	return nil
}

// CheckNodeRoles enforces provided-roles mode: the node's effective
// role set must exactly match the declared one. Generated mode accepts
// whatever the planner computed.
func (m *Manager) CheckNodeRoles(dd types.DeploymentDescription, node types.Node) error {
	if dd.StartMode != types.StartModeProvidedRoles {
		return nil
	}
	if !node.Roles.Equal(dd.DeclaredRoles) {
		return types.NewPolicyError(
			"node %s runs roles [%s] but the deployment declares [%s]",
			node.Name,
			strings.Join(node.Roles.Strings(), ","),
			strings.Join(dd.DeclaredRoles.Strings(), ","),
		)
	}
	return nil
}

// CheckClusterMembership rejects a node whose engine joined a cluster
// other than the fleet's. Crossed clusters come from stale disk state
// or an operator pointing two fleets at one another.
func (m *Manager) CheckClusterMembership(dd types.DeploymentDescription, reportedCluster string) error {
	if reportedCluster == "" {
		return nil
	}
	if reportedCluster != dd.ClusterName {
		return types.NewPolicyError(
			"engine belongs to cluster %q, deployment declares %q",
			reportedCluster, dd.ClusterName,
		)
	}
	return nil
}

// Changed reports whether a newly computed description differs from the
// stored one in a way the fleet must react to.
func (m *Manager) Changed(old, next types.DeploymentDescription) bool {
	return old.ClusterName != next.ClusterName ||
		old.StartMode != next.StartMode ||
		old.DataTemperature != next.DataTemperature ||
		!old.DeclaredRoles.Equal(next.DeclaredRoles)
}

// Describe renders a short operator-facing summary.
func Describe(dd types.DeploymentDescription) string {
	if dd.StartMode == types.StartModeProvidedRoles {
		return fmt.Sprintf("cluster %s, provided roles [%s]", dd.ClusterName, strings.Join(dd.DeclaredRoles.Strings(), ","))
	}
	return fmt.Sprintf("cluster %s, generated roles", dd.ClusterName)
}
