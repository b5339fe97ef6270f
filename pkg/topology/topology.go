// Package topology plans role assignments for the fleet.
//
// The target layout is 2 dedicated cluster-manager nodes plus 1
// voting-only data node, reached through a fixed bootstrap order
// (cm, voting+data, cm, data, data, ...) so that every intermediate
// cluster size can still elect a quorum. All functions are pure: they
// take a snapshot of the current node set and return assignments
// without touching the engine or the store.
package topology

import (
	"fmt"
	"sort"

	"github.com/shoalstack/shoal/pkg/types"
)

// suggest_roles walks these targets in order; the voting-only slot is
// filled second so a 2-node cluster is immediately vote-fault-tolerant
// without waiting for a third CM.
const (
	maxClusterManagers = 2
	maxVotingOnly      = 1
)

// SuggestRoles returns the role set for the next node joining a fleet
// of plannedUnits nodes. The decision depends only on the current set:
//
//  1. no CM-eligible node yet: the new node is a cluster manager
//  2. no voting-only node yet: the new node is voting_only + data
//  3. exactly one cluster manager: the new node is the second one
//  4. otherwise: plain data node
func SuggestRoles(nodes []types.Node, plannedUnits int) (types.RoleSet, error) {
	if plannedUnits < 1 {
		return nil, types.NewInvariantError(fmt.Sprintf("planned units must be positive, got %d", plannedUnits))
	}
	counts, err := NodesCountByRole(nodes)
	if err != nil {
		return nil, err
	}

	if counts[types.RoleClusterManager] == 0 {
		return types.NewRoleSet(types.RoleClusterManager), nil
	}
	if counts[types.RoleVotingOnly] == 0 {
		return types.NewRoleSet(types.RoleVotingOnly, types.RoleData), nil
	}
	if counts[types.RoleClusterManager] == 1 {
		return types.NewRoleSet(types.RoleClusterManager), nil
	}
	return types.NewRoleSet(types.RoleData), nil
}

// IsClusterBootstrapped reports whether the fleet owes no further
// cluster-manager or voting-only assignment: the quorum layout is
// complete and bootstrap-only settings can be cleaned up.
func IsClusterBootstrapped(nodes []types.Node) bool {
	roles, err := SuggestRoles(nodes, len(nodes)+1)
	if err != nil {
		return false
	}
	return !roles.Has(types.RoleClusterManager) && !roles.Has(types.RoleVotingOnly)
}

// RecomputeNodesConf re-derives the full role plan for an existing
// fleet. The result is stable: nodes already holding a scarce role
// keep their current role set (no restart for them), missing scarce
// roles go to the lexically first plain data nodes, and surplus
// holders are demoted to data. Applying the function to its own output
// returns it unchanged.
func RecomputeNodesConf(nodes []types.Node) (types.Plan, error) {
	sorted := make([]types.Node, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	seen := make(map[string]bool, len(sorted))
	for _, n := range sorted {
		if err := n.Validate(); err != nil {
			return nil, err
		}
		if seen[n.Name] {
			return nil, types.NewInvariantError(fmt.Sprintf("duplicate node name %s", n.Name))
		}
		seen[n.Name] = true
	}

	cmTarget, votingTarget := targetCounts(len(sorted))

	plan := make(types.Plan, len(sorted))
	cms, voting := 0, 0

	// First pass keeps current holders, demoting any surplus.
	for _, n := range sorted {
		out := n
		switch {
		case n.IsCMEligible():
			if cms < cmTarget {
				cms++
			} else {
				out.Roles = types.NewRoleSet(types.RoleData)
			}
		case n.IsVotingOnly():
			if voting < votingTarget {
				voting++
			} else {
				out.Roles = types.NewRoleSet(types.RoleData)
			}
		}
		plan[n.Name] = out
	}

	// Second pass promotes plain data nodes into the open slots.
	for _, n := range sorted {
		if cms >= cmTarget && voting >= votingTarget {
			break
		}
		cur := plan[n.Name]
		if cur.Roles.Has(types.RoleClusterManager) || cur.Roles.Has(types.RoleVotingOnly) {
			continue
		}
		if cms < cmTarget {
			cur.Roles = types.NewRoleSet(types.RoleClusterManager)
			cms++
		} else {
			cur.Roles = types.NewRoleSet(types.RoleVotingOnly, types.RoleData)
			voting++
		}
		plan[n.Name] = cur
	}

	return plan, nil
}

// targetCounts scales the scarce-role targets down for fleets that are
// still too small for the full layout.
func targetCounts(n int) (cms, voting int) {
	switch {
	case n <= 0:
		return 0, 0
	case n == 1:
		return 1, 0
	case n == 2:
		return 1, 1
	default:
		return maxClusterManagers, maxVotingOnly
	}
}

// NodesCountByRole counts nodes per role across the set.
func NodesCountByRole(nodes []types.Node) (map[types.Role]int, error) {
	counts := make(map[types.Role]int)
	for _, n := range nodes {
		if err := n.Validate(); err != nil {
			return nil, err
		}
		for _, r := range n.Roles {
			counts[r]++
		}
	}
	return counts, nil
}

// ClusterManagerIPs lists the IPs of CM-role nodes, used to seed
// discovery and the initial cluster-manager list.
func ClusterManagerIPs(nodes []types.Node) []string {
	var ips []string
	for _, n := range nodes {
		if n.Roles.Has(types.RoleClusterManager) && n.IP != "" {
			ips = append(ips, n.IP)
		}
	}
	sort.Strings(ips)
	return ips
}

// ClusterManagerNames lists the names of CM-role nodes.
func ClusterManagerNames(nodes []types.Node) []string {
	var names []string
	for _, n := range nodes {
		if n.Roles.Has(types.RoleClusterManager) {
			names = append(names, n.Name)
		}
	}
	sort.Strings(names)
	return names
}
