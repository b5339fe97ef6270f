package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/shoalstack/shoal/pkg/log"
	"github.com/shoalstack/shoal/pkg/storage"
	"github.com/shoalstack/shoal/pkg/types"
)

// Well-known store keys. Fleet scope is coordinator-written; node scope
// is owner-written.
const (
	// KeyNodesConfig holds the broadcast role plan (types.Plan).
	KeyNodesConfig = "nodes_config"
	// KeyDeployment holds the fleet's DeploymentDescription.
	KeyDeployment = "deployment"
	// KeySecurityBootstrapped flags completion of the one-time engine
	// security bootstrap.
	KeySecurityBootstrapped = "security_bootstrapped"
	// KeyClusterBootstrapped flags that the engine cluster has formed
	// its full quorum layout, so bootstrap-only config can be cleaned.
	KeyClusterBootstrapped = "cluster_bootstrapped"
	// KeyAdminPassword holds the sealed admin credential.
	KeyAdminPassword = "admin_password"
	// KeyCACert holds the fleet root CA certificate (PEM).
	KeyCACert = "ca_cert"
	// KeyCAKeySealed holds the CA private key, sealed with the fleet
	// secret.
	KeyCAKeySealed = "ca_key"

	// KeyHost is each member's published engine endpoint (types.PeerHost).
	KeyHost = "host"
	// KeyAPIAddr is each member's admin API address, used to reach the
	// coordinator for forwarded writes.
	KeyAPIAddr = "api_addr"
	// KeyNodeState is each member's lifecycle state.
	KeyNodeState = "state"
	// KeyAppliedRoles records the role set a member last rendered into
	// its engine config, diffed against the plan to detect restarts.
	KeyAppliedRoles = "applied_roles"
	// KeyExclusionsCleanup signals that a member could not remove its
	// exclusions and another member should retry them.
	KeyExclusionsCleanup = "exclusions_cleanup"
)

// LockNodeRemoval serializes node removal fleet-wide.
const LockNodeRemoval = "node_removal"

const applyTimeout = 5 * time.Second

// Forwarder carries commands from a follower to the coordinator's
// admin API. Implemented by pkg/client.
type Forwarder interface {
	ForwardCommand(ctx context.Context, apiAddr, token string, cmd Command) error
}

// Config holds what the Plane needs to start.
type Config struct {
	NodeName  string
	FleetName string
	BindAddr  string
	APIAddr   string
	DataDir   string
}

// Plane is one member of the fleet's coordination plane. The raft
// leader acts as the fleet coordinator: the single writer of
// fleet-scope state. Everything the members share travels through the
// consensus log into each member's local store.
type Plane struct {
	nodeName  string
	fleetName string
	bindAddr  string
	apiAddr   string
	dataDir   string

	raft      *raft.Raft
	fsm       *FleetFSM
	store     storage.Store
	tokens    *TokenManager
	forwarder Forwarder
	notifyCh  chan bool

	logger zerolog.Logger
}

// NewPlane creates a Plane over the given local store. Start must be
// called before use.
func NewPlane(cfg Config, store storage.Store, tokens *TokenManager, forwarder Forwarder) *Plane {
	return &Plane{
		nodeName:  cfg.NodeName,
		fleetName: cfg.FleetName,
		bindAddr:  cfg.BindAddr,
		apiAddr:   cfg.APIAddr,
		dataDir:   cfg.DataDir,
		fsm:       NewFleetFSM(store),
		store:     store,
		tokens:    tokens,
		forwarder: forwarder,
		notifyCh:  make(chan bool, 8),
		logger:    log.WithComponent("coordination"),
	}
}

// Start brings up the raft node. With bootstrap set and no prior state
// on disk, the node forms a new single-member plane; otherwise it waits
// to be added by a coordinator or resumes from its existing log.
func (p *Plane) Start(bootstrap bool) error {
	addr, err := net.ResolveTCPAddr("tcp", p.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(p.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(p.dataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(p.dataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(p.dataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("failed to create stable store: %w", err)
	}

	return p.start(transport, logStore, stableStore, snapshots, bootstrap)
}

// start finishes bringup with injectable stores, which also gives tests
// an in-memory path.
func (p *Plane) start(transport raft.Transport, logStore raft.LogStore, stableStore raft.StableStore, snapshots raft.SnapshotStore, bootstrap bool) error {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(p.nodeName)
	config.NotifyCh = p.notifyCh
	// LAN profile: detect a dead coordinator and re-elect well under
	// the reconciliation interval.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	config.LogOutput = os.Stderr

	hasState, err := raft.HasExistingState(logStore, stableStore, snapshots)
	if err != nil {
		return fmt.Errorf("failed to check existing state: %w", err)
	}

	r, err := raft.NewRaft(config, p.fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	p.raft = r

	if bootstrap && !hasState {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{ID: config.LocalID, Address: transport.LocalAddr()},
			},
		}
		if err := p.raft.BootstrapCluster(configuration).Error(); err != nil {
			return fmt.Errorf("failed to bootstrap plane: %w", err)
		}
		p.logger.Info().Str("node", p.nodeName).Msg("bootstrapped coordination plane")
	}
	return nil
}

// Shutdown stops the raft node. The store is owned by the caller.
func (p *Plane) Shutdown() error {
	if p.raft == nil {
		return nil
	}
	return p.raft.Shutdown().Error()
}

// IsCoordinator reports whether this member currently coordinates the
// fleet.
func (p *Plane) IsCoordinator() bool {
	return p.raft != nil && p.raft.State() == raft.Leader
}

// LeadershipChanges delivers true when this member gains coordination
// and false when it loses it.
func (p *Plane) LeadershipChanges() <-chan bool {
	return p.notifyCh
}

// CoordinatorAddr returns the coordinator's raft address, empty while
// there is none.
func (p *Plane) CoordinatorAddr() string {
	if p.raft == nil {
		return ""
	}
	addr, _ := p.raft.LeaderWithID()
	return string(addr)
}

// WaitForCoordinator blocks until some member coordinates the fleet.
func (p *Plane) WaitForCoordinator(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.CoordinatorAddr() != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for coordinator: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// PlannedUnits is the number of members the fleet is meant to have:
// the voter count of the plane's configuration. Before the plane forms
// it is 1, the local node.
func (p *Plane) PlannedUnits() int {
	servers, err := p.Servers()
	if err != nil || len(servers) == 0 {
		return 1
	}
	count := 0
	for _, s := range servers {
		if s.Suffrage == raft.Voter {
			count++
		}
	}
	if count == 0 {
		return 1
	}
	return count
}

// Servers returns the plane's current member configuration.
func (p *Plane) Servers() ([]raft.Server, error) {
	if p.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}
	future := p.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// MemberNames lists the plane's members by node name, sorted.
func (p *Plane) MemberNames() ([]string, error) {
	servers, err := p.Servers()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(servers))
	for _, s := range servers {
		names = append(names, string(s.ID))
	}
	sort.Strings(names)
	return names, nil
}

// HasMember reports whether a node is part of the plane.
func (p *Plane) HasMember(node string) bool {
	servers, err := p.Servers()
	if err != nil {
		return false
	}
	for _, s := range servers {
		if string(s.ID) == node {
			return true
		}
	}
	return false
}

// Stats exposes raft internals for the status surface.
func (p *Plane) Stats() map[string]string {
	if p.raft == nil {
		return nil
	}
	stats := p.raft.Stats()
	stats["coordinator"] = p.CoordinatorAddr()
	return stats
}

// Barrier waits until all preceding writes are applied locally. Only
// meaningful on the coordinator.
func (p *Plane) Barrier() error {
	if p.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	return p.raft.Barrier(applyTimeout).Error()
}

// MintJoinToken creates a token for one prospective member. Coordinator
// only: the token is useless elsewhere anyway, since joins land here.
func (p *Plane) MintJoinToken(node string) (string, error) {
	if !p.IsCoordinator() {
		return "", types.ErrNotCoordinator
	}
	return p.tokens.MintJoin(p.fleetName, node)
}

// HandleJoin validates a join token and adds the node as a voter.
// Called by the admin API on the coordinator.
func (p *Plane) HandleJoin(token, node, raftAddr string) error {
	if !p.IsCoordinator() {
		return types.ErrNotCoordinator
	}
	claims, err := p.tokens.ValidateKind(token, TokenKindJoin)
	if err != nil {
		return err
	}
	if claims.Fleet != p.fleetName {
		return fmt.Errorf("%w: token for fleet %s", ErrInvalidToken, claims.Fleet)
	}
	if claims.Node != node {
		return fmt.Errorf("%w: token issued for node %s", ErrInvalidToken, claims.Node)
	}

	future := p.raft.AddVoter(raft.ServerID(node), raft.ServerAddress(raftAddr), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter %s: %w", node, err)
	}
	p.logger.Info().Str("node", node).Str("addr", raftAddr).Msg("member joined coordination plane")
	return nil
}

// RemoveMember drops a node from the plane and clears its namespace.
// If the departing node still held the removal lock, the lock is
// broken so the fleet can make progress.
func (p *Plane) RemoveMember(node string) error {
	if !p.IsCoordinator() {
		return types.ErrNotCoordinator
	}
	future := p.raft.RemoveServer(raft.ServerID(node), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove member %s: %w", node, err)
	}

	if lock, err := p.store.GetLock(LockNodeRemoval); err == nil && lock != nil && lock.Holder == node {
		cmd, err := newBreakLockCommand(LockNodeRemoval)
		if err != nil {
			return err
		}
		if err := p.apply(cmd); err != nil {
			return err
		}
		p.logger.Warn().Str("node", node).Msg("broke removal lock held by departed member")
	}

	cmd, err := newDeleteNodeDataCommand(node)
	if err != nil {
		return err
	}
	return p.apply(cmd)
}

// apply proposes a command on the local raft node. Leader only.
func (p *Plane) apply(cmd Command) error {
	if p.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	future := p.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		return types.NewTransientError("apply command", err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

// submit routes a command to wherever it can be applied: locally when
// coordinating, otherwise forwarded to the coordinator's admin API.
func (p *Plane) submit(ctx context.Context, cmd Command) error {
	if p.IsCoordinator() {
		return p.apply(cmd)
	}
	if p.forwarder == nil {
		return types.NewTransientError("forward command", fmt.Errorf("no forwarder configured"))
	}
	apiAddr, err := p.coordinatorAPIAddr()
	if err != nil {
		return types.NewTransientError("forward command", err)
	}
	token, err := p.tokens.MintAgent(p.fleetName, p.nodeName)
	if err != nil {
		return err
	}
	return p.forwarder.ForwardCommand(ctx, apiAddr, token, cmd)
}

// coordinatorAPIAddr resolves the coordinator's admin API address from
// its published node-scope entry.
func (p *Plane) coordinatorAPIAddr() (string, error) {
	if p.raft == nil {
		return "", fmt.Errorf("raft not initialized")
	}
	_, id := p.raft.LeaderWithID()
	if id == "" {
		return "", fmt.Errorf("no coordinator elected")
	}
	addr, err := p.store.Get(storage.ScopeNode, string(id), KeyAPIAddr)
	if err != nil {
		return "", fmt.Errorf("coordinator %s has not published an API address: %w", id, err)
	}
	return addr, nil
}

// ApplyForwarded applies a command on behalf of another member. The
// origin comes from the validated agent token; a member may only write
// inside its own namespace and manage locks it holds itself.
func (p *Plane) ApplyForwarded(cmd Command, origin string) error {
	if !p.IsCoordinator() {
		return types.ErrNotCoordinator
	}
	if err := validateForwarded(cmd, origin); err != nil {
		return err
	}
	return p.apply(cmd)
}

func validateForwarded(cmd Command, origin string) error {
	switch cmd.Op {
	case opPut, opDelete:
		var pld entryPayload
		if err := json.Unmarshal(cmd.Data, &pld); err != nil {
			return err
		}
		if pld.Scope != storage.ScopeNode || pld.Node != origin {
			return fmt.Errorf("forwarded %s outside %s namespace", cmd.Op, origin)
		}
	case opAcquireLock:
		var pld lockPayload
		if err := json.Unmarshal(cmd.Data, &pld); err != nil {
			return err
		}
		if pld.Record.Holder != origin {
			return fmt.Errorf("forwarded lock acquire for holder %s from %s", pld.Record.Holder, origin)
		}
	case opReleaseLock:
		var pld releaseLockPayload
		if err := json.Unmarshal(cmd.Data, &pld); err != nil {
			return err
		}
		if pld.Holder != origin {
			return fmt.Errorf("forwarded lock release for holder %s from %s", pld.Holder, origin)
		}
	default:
		return fmt.Errorf("command %s cannot be forwarded", cmd.Op)
	}
	return nil
}

// Fleet-scope writes. Coordinator only by construction.

// BroadcastPlan writes the role plan when it differs from the stored
// one. The returned bool reports whether anything was written, which is
// what keeps an unchanged fleet from restarting itself.
func (p *Plane) BroadcastPlan(plan types.Plan) (bool, error) {
	if !p.IsCoordinator() {
		return false, types.ErrNotCoordinator
	}
	current, err := p.CurrentPlan()
	if err != nil {
		return false, err
	}
	if current.Equal(plan) {
		return false, nil
	}
	if err := p.putFleetObject(KeyNodesConfig, plan); err != nil {
		return false, err
	}
	p.logger.Info().Int("nodes", len(plan)).Msg("broadcast updated role plan")
	return true, nil
}

// SetDeployment stores the immutable deployment description.
func (p *Plane) SetDeployment(dd types.DeploymentDescription) error {
	if !p.IsCoordinator() {
		return types.ErrNotCoordinator
	}
	return p.putFleetObject(KeyDeployment, dd)
}

// SetSecurityBootstrapped marks the one-time security bootstrap done.
func (p *Plane) SetSecurityBootstrapped() error {
	if !p.IsCoordinator() {
		return types.ErrNotCoordinator
	}
	return p.putFleet(KeySecurityBootstrapped, "true")
}

// SetFleetValue writes an arbitrary fleet-scope entry.
func (p *Plane) SetFleetValue(key, value string) error {
	if !p.IsCoordinator() {
		return types.ErrNotCoordinator
	}
	return p.putFleet(key, value)
}

func (p *Plane) putFleet(key, value string) error {
	cmd, err := newPutCommand(storage.ScopeFleet, "", key, value)
	if err != nil {
		return err
	}
	return p.apply(cmd)
}

func (p *Plane) putFleetObject(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode fleet/%s: %w", key, err)
	}
	return p.putFleet(key, string(data))
}

// Node-scope writes for the local member. Forwarded when following.

// PublishHost announces the local engine endpoint to the fleet.
func (p *Plane) PublishHost(ctx context.Context, host types.PeerHost) error {
	return p.setNodeObject(ctx, KeyHost, host)
}

// PublishAPIAddr announces the local admin API address.
func (p *Plane) PublishAPIAddr(ctx context.Context) error {
	return p.SetNodeValue(ctx, KeyAPIAddr, p.apiAddr)
}

// SetNodeValue writes a key in the local member's namespace.
func (p *Plane) SetNodeValue(ctx context.Context, key, value string) error {
	cmd, err := newPutCommand(storage.ScopeNode, p.nodeName, key, value)
	if err != nil {
		return err
	}
	return p.submit(ctx, cmd)
}

// DeleteNodeValue removes a key from the local member's namespace.
func (p *Plane) DeleteNodeValue(ctx context.Context, key string) error {
	cmd, err := newDeleteCommand(storage.ScopeNode, p.nodeName, key)
	if err != nil {
		return err
	}
	return p.submit(ctx, cmd)
}

func (p *Plane) setNodeObject(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode node/%s: %w", key, err)
	}
	return p.SetNodeValue(ctx, key, string(data))
}

// Removal lock.

// AcquireRemovalLock takes the fleet-wide removal lock for the local
// node, returning a fencing token. Idempotent for the current holder;
// types.ErrLockHeld while someone else holds it.
func (p *Plane) AcquireRemovalLock(ctx context.Context) (string, error) {
	rec := storage.LockRecord{
		Name:       LockNodeRemoval,
		Holder:     p.nodeName,
		Token:      uuid.New().String(),
		AcquiredAt: time.Now().UTC(),
	}
	cmd, err := newAcquireLockCommand(rec)
	if err != nil {
		return "", err
	}
	if err := p.submit(ctx, cmd); err != nil {
		return "", err
	}
	// Re-acquire keeps the original token; read back what holds.
	if lock, err := p.store.GetLock(LockNodeRemoval); err == nil && lock != nil {
		return lock.Token, nil
	}
	return rec.Token, nil
}

// ReleaseRemovalLock releases the lock held by holder.
func (p *Plane) ReleaseRemovalLock(ctx context.Context, holder string) error {
	cmd, err := newReleaseLockCommand(LockNodeRemoval, holder)
	if err != nil {
		return err
	}
	return p.submit(ctx, cmd)
}

// RemovalLock reads the current lock record, nil when free.
func (p *Plane) RemovalLock() (*storage.LockRecord, error) {
	return p.store.GetLock(LockNodeRemoval)
}

// Reads. All local: followers see state as of their applied log.

// CurrentPlan returns the broadcast role plan, empty before the first
// broadcast.
func (p *Plane) CurrentPlan() (types.Plan, error) {
	var plan types.Plan
	err := p.store.GetObject(storage.ScopeFleet, "", KeyNodesConfig, &plan)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return types.Plan{}, nil
	}
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// Deployment returns the stored deployment description, nil before the
// coordinator computed one.
func (p *Plane) Deployment() (*types.DeploymentDescription, error) {
	var dd types.DeploymentDescription
	err := p.store.GetObject(storage.ScopeFleet, "", KeyDeployment, &dd)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &dd, nil
}

// SecurityBootstrapped reports whether the one-time engine security
// bootstrap has completed somewhere in the fleet.
func (p *Plane) SecurityBootstrapped() (bool, error) {
	value, err := p.store.Get(storage.ScopeFleet, "", KeySecurityBootstrapped)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return value == "true", nil
}

// FleetValue reads an arbitrary fleet-scope entry.
func (p *Plane) FleetValue(key string) (string, error) {
	return p.store.Get(storage.ScopeFleet, "", key)
}

// NodeValue reads a key from any member's namespace.
func (p *Plane) NodeValue(node, key string) (string, error) {
	return p.store.Get(storage.ScopeNode, node, key)
}

// ListNodeValues collects one key across every member's namespace.
func (p *Plane) ListNodeValues(key string) (map[string]string, error) {
	return p.store.ListNodeKey(key)
}

// ClearNodeValue removes a key from another member's namespace. The
// coordinator uses it to retire markers left by members that could not
// finish their own cleanup.
func (p *Plane) ClearNodeValue(node, key string) error {
	if !p.IsCoordinator() {
		return types.ErrNotCoordinator
	}
	cmd, err := newDeleteCommand(storage.ScopeNode, node, key)
	if err != nil {
		return err
	}
	return p.apply(cmd)
}

// AlternateHosts lists the engine endpoints published by the other
// members, sorted by node name.
func (p *Plane) AlternateHosts() ([]types.PeerHost, error) {
	raw, err := p.store.ListNodeKey(KeyHost)
	if err != nil {
		return nil, err
	}
	hosts := make([]types.PeerHost, 0, len(raw))
	for node, value := range raw {
		if node == p.nodeName {
			continue
		}
		var host types.PeerHost
		if err := json.Unmarshal([]byte(value), &host); err != nil {
			return nil, fmt.Errorf("malformed host entry for %s: %w", node, err)
		}
		hosts = append(hosts, host)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].NodeName < hosts[j].NodeName })
	return hosts, nil
}

// NodeName returns the local member name.
func (p *Plane) NodeName() string { return p.nodeName }

// FleetName returns the fleet this member belongs to.
func (p *Plane) FleetName() string { return p.fleetName }
