package types

import (
	"fmt"
	"sort"
)

// Role is a cluster role a node can hold in the managed engine.
type Role string

const (
	RoleClusterManager Role = "cluster_manager"
	RoleVotingOnly     Role = "voting_only"
	RoleData           Role = "data"
)

// validRoles is the set of roles the planner understands. Temperature
// tags are carried on the Node, not in the role set.
var validRoles = map[Role]bool{
	RoleClusterManager: true,
	RoleVotingOnly:     true,
	RoleData:           true,
}

// Known reports whether the role is one the orchestrator manages.
// The engine reports more (ingest, ml, coordinating); those pass
// through untouched.
func (r Role) Known() bool {
	return validRoles[r]
}

// RoleSet is an ordered set of roles. Keep it sorted via Normalize so
// that plans compare equal independent of assignment order.
type RoleSet []Role

// NewRoleSet builds a normalized role set.
func NewRoleSet(roles ...Role) RoleSet {
	rs := RoleSet(roles)
	return rs.Normalize()
}

// Has reports whether the set contains the given role.
func (rs RoleSet) Has(role Role) bool {
	for _, r := range rs {
		if r == role {
			return true
		}
	}
	return false
}

// Normalize returns a sorted copy with duplicates removed.
func (rs RoleSet) Normalize() RoleSet {
	seen := make(map[Role]bool, len(rs))
	out := make(RoleSet, 0, len(rs))
	for _, r := range rs {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Equal compares two sets ignoring order and duplicates.
func (rs RoleSet) Equal(other RoleSet) bool {
	a, b := rs.Normalize(), other.Normalize()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Strings returns the set as plain strings, for config rendering and
// engine API payloads.
func (rs RoleSet) Strings() []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = string(r)
	}
	return out
}

// Node is one engine node as seen by the orchestrator: either a live
// node reported by the engine membership API or a target entry in the
// role-assignment plan.
type Node struct {
	Name        string
	Roles       RoleSet
	IP          string
	AppName     string
	Temperature string
}

// IsCMEligible reports whether the node may hold the cluster-manager
// role. Voting-only nodes vote but are never CM-eligible.
func (n Node) IsCMEligible() bool {
	return n.Roles.Has(RoleClusterManager) && !n.Roles.Has(RoleVotingOnly)
}

// IsVotingOnly reports whether the node holds quorum voting rights
// without being CM-eligible.
func (n Node) IsVotingOnly() bool {
	return n.Roles.Has(RoleVotingOnly)
}

// IsData reports whether the node stores shards.
func (n Node) IsData() bool {
	return n.Roles.Has(RoleData)
}

// Validate rejects malformed node records. A failure here is a
// programming error, not a runtime condition to retry.
func (n Node) Validate() error {
	if n.Name == "" {
		return NewInvariantError("node has empty name")
	}
	for _, r := range n.Roles {
		if !validRoles[r] {
			return NewInvariantError(fmt.Sprintf("node %s has unknown role %q", n.Name, r))
		}
	}
	if n.Roles.Has(RoleVotingOnly) && !n.Roles.Has(RoleData) {
		return NewInvariantError(fmt.Sprintf("node %s is voting_only without data", n.Name))
	}
	return nil
}

// Plan is a full role-assignment plan keyed by node name. Plans are
// replaced wholesale on write; consumers diff against their previously
// observed copy to tell a no-op from a restart.
type Plan map[string]Node

// Equal compares two plans node by node.
func (p Plan) Equal(other Plan) bool {
	if len(p) != len(other) {
		return false
	}
	for name, n := range p {
		o, ok := other[name]
		if !ok {
			return false
		}
		if o.Name != n.Name || o.IP != n.IP || o.AppName != n.AppName ||
			o.Temperature != n.Temperature || !o.Roles.Equal(n.Roles) {
			return false
		}
	}
	return true
}

// Names returns the plan's node names in sorted order.
func (p Plan) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartMode selects how a fleet's role layout is produced.
type StartMode string

const (
	// StartModeGeneratedRoles lets the topology planner assign roles.
	StartModeGeneratedRoles StartMode = "generated-roles"
	// StartModeProvidedRoles pins every node to the operator-declared set.
	StartModeProvidedRoles StartMode = "provided-roles"
)

// DeploymentDescription is the operator-declared or computed policy
// governing role layout. The coordinator computes it once; all other
// nodes treat it as read-only.
type DeploymentDescription struct {
	ClusterName     string    `validate:"required,max=64"`
	StartMode       StartMode `validate:"required,oneof=generated-roles provided-roles"`
	DeclaredRoles   RoleSet   `validate:"omitempty,dive,oneof=cluster_manager voting_only data"`
	DataTemperature string    `validate:"omitempty,oneof=hot warm cold"`
}

// HealthColor is the aggregated engine health consumed by the
// lifecycle controller.
type HealthColor string

const (
	HealthGreen  HealthColor = "green"
	HealthYellow HealthColor = "yellow"
	// HealthYellowTemp is yellow caused by in-flight shard relocation
	// or initialization: expected to clear on its own, so starts are
	// held back rather than failed.
	HealthYellowTemp HealthColor = "yellow-temp"
	HealthRed        HealthColor = "red"
	HealthUnknown    HealthColor = "unknown"
)

// Blocking reports whether the color holds back a node start.
// True yellow is acceptable (legitimate single-replica setups);
// temporary yellow and unknown are not.
func (c HealthColor) Blocking() bool {
	return c == HealthYellowTemp || c == HealthUnknown
}

// NodeState is the lifecycle state of the local engine process.
type NodeState string

const (
	StateNotStarted NodeState = "not_started"
	StateStarting   NodeState = "starting"
	StateUp         NodeState = "up"
	StateStopping   NodeState = "stopping"
	// StateBlocked is terminal until an operator corrects the declared
	// deployment; the controller never retries out of it on its own.
	StateBlocked NodeState = "blocked"
)

// PeerHost is the engine endpoint one orchestrator agent publishes for
// the others to use as an alternate host.
type PeerHost struct {
	NodeName string
	Host     string
	Port     int
}

// Addr returns the host:port form used by the engine client.
func (p PeerHost) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}
