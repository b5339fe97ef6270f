package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shoalstack/shoal/pkg/coordination"
	"github.com/shoalstack/shoal/pkg/deployment"
	"github.com/shoalstack/shoal/pkg/log"
	"github.com/shoalstack/shoal/pkg/metrics"
	"github.com/shoalstack/shoal/pkg/plugins"
	"github.com/shoalstack/shoal/pkg/security"
	"github.com/shoalstack/shoal/pkg/storage"
	"github.com/shoalstack/shoal/pkg/topology"
	"github.com/shoalstack/shoal/pkg/types"
)

// securityInitTool seeds the engine's security index and internal
// admin user. Runs exactly once per fleet.
const securityInitTool = "engine-security-init"

// DefaultCertWarnWindow is how far ahead expiring node certificates
// are flagged on the reconciliation tick.
const DefaultCertWarnWindow = 14 * 24 * time.Hour

// Plane is the slice of the coordination plane the controller drives.
type Plane interface {
	NodeName() string
	FleetName() string
	IsCoordinator() bool
	PlannedUnits() int
	MemberNames() ([]string, error)

	CurrentPlan() (types.Plan, error)
	BroadcastPlan(plan types.Plan) (bool, error)
	Deployment() (*types.DeploymentDescription, error)
	SetDeployment(dd types.DeploymentDescription) error
	SecurityBootstrapped() (bool, error)
	SetSecurityBootstrapped() error
	FleetValue(key string) (string, error)
	SetFleetValue(key, value string) error

	AlternateHosts() ([]types.PeerHost, error)
	PublishHost(ctx context.Context, host types.PeerHost) error
	NodeValue(node, key string) (string, error)
	SetNodeValue(ctx context.Context, key, value string) error

	AcquireRemovalLock(ctx context.Context) (string, error)
	ReleaseRemovalLock(ctx context.Context, holder string) error
	RemovalLock() (*storage.LockRecord, error)
}

// EngineAPI is the slice of the engine client the controller needs.
type EngineAPI interface {
	IsNodeUp(ctx context.Context) bool
	Nodes(ctx context.Context, altHosts []string) ([]types.Node, error)
	Flush(ctx context.Context) error
	ClusterName(ctx context.Context) (string, error)
	UpdateUserPasswordHash(ctx context.Context, username, hash string) error
	SetAuth(username, password string)
	Host() string
	Port() int
}

// ServiceController drives the engine's host service.
type ServiceController interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsActive(ctx context.Context) (bool, error)
	RunBinInput(ctx context.Context, input, script string, args ...string) (string, error)
}

// ConfWriter renders the engine's configuration files.
type ConfWriter interface {
	SetNode(clusterName string, node types.Node, cmNames, cmIPs []string) error
	CleanupBootstrapConf() error
}

// Excluder manages voting and allocation exclusions around stops.
type Excluder interface {
	AddCurrent(ctx context.Context, node types.Node, altHosts []string) error
	DeleteCurrent(ctx context.Context, node types.Node, altHosts []string) error
	Cleanup(ctx context.Context, altHosts []string) error
	Pending() (map[string]string, error)
}

// HealthChecker resolves cluster health into the color model.
type HealthChecker interface {
	Check(ctx context.Context, waitForNodes bool, altHosts []string) (types.HealthColor, error)
}

// PluginRunner reconciles engine plugins against the operator's
// requests.
type PluginRunner interface {
	Run(ctx context.Context, scope plugins.Scope, requests map[string]plugins.Request) (bool, error)
	Statuses(ctx context.Context, scope plugins.Scope, requests map[string]plugins.Request) ([]plugins.Status, error)
}

// PrereqChecker verifies host-level requirements before a start.
type PrereqChecker interface {
	Check() error
}

// TLSStatus reports on the node's transport certificate material.
type TLSStatus interface {
	IsFullyConfigured() bool
	ExpiringWithin(window time.Duration) (bool, error)
}

// Config is the operator-declared portion of the controller's inputs.
type Config struct {
	ClusterName    string
	DeclaredRoles  []string
	Temperature    string
	CertDir        string
	CertWarnWindow time.Duration
	PluginRequests map[string]plugins.Request
	// PeerFleets are the other fleets composing the same engine
	// cluster, if any.
	PeerFleets []deployment.FleetRoles
}

// Deps bundles the controller's collaborators.
type Deps struct {
	Plane      Plane
	Engine     EngineAPI
	Service    ServiceController
	Conf       ConfWriter
	Exclusions Excluder
	Health     HealthChecker
	Plugins    PluginRunner
	Prereqs    PrereqChecker
	TLS        TLSStatus
	Deployment *deployment.Manager
	Secrets    *security.SecretsManager
}

// Controller is the per-node lifecycle state machine. It consumes
// tagged events from the dispatch loop and walks the local engine
// through NOT_STARTED, STARTING, UP and STOPPING, gating every
// transition on fleet-wide safety: admission throttling, the removal
// lock, exclusions around stops and the one-time security bootstrap.
//
// Faults split four ways. Transient infrastructure faults defer the
// event for the next tick. Policy violations park the node in a
// terminal blocked state until the operator corrects the declared
// configuration. Availability faults abort the operation and surface.
// Everything else fails fast.
type Controller struct {
	cfg     Config
	plane   Plane
	engine  EngineAPI
	svc     ServiceController
	conf    ConfWriter
	excl    Excluder
	health  HealthChecker
	plugins PluginRunner
	prereqs PrereqChecker
	tls     TLSStatus
	deploy  *deployment.Manager
	secrets *security.SecretsManager
	queue   *Queue
	logger  zerolog.Logger

	mu            sync.RWMutex
	state         types.NodeState
	lastHealth    types.HealthColor
	engineUp      bool
	blockedReason string
	applied       *types.RoleSet
	confCleaned   bool
	clearExcl     bool
}

// NewController creates a lifecycle controller. Handle is not safe for
// concurrent use; drive it from a single Loop.
func NewController(cfg Config, deps Deps) *Controller {
	if cfg.CertWarnWindow <= 0 {
		cfg.CertWarnWindow = DefaultCertWarnWindow
	}
	return &Controller{
		cfg:        cfg,
		plane:      deps.Plane,
		engine:     deps.Engine,
		svc:        deps.Service,
		conf:       deps.Conf,
		excl:       deps.Exclusions,
		health:     deps.Health,
		plugins:    deps.Plugins,
		prereqs:    deps.Prereqs,
		tls:        deps.TLS,
		deploy:     deps.Deployment,
		secrets:    deps.Secrets,
		queue:      NewQueue(),
		logger:     log.WithComponent("lifecycle"),
		state:      types.StateNotStarted,
		lastHealth: types.HealthUnknown,
		// A previous agent may have died between a stop and its
		// exclusion retirement; clear once on the first settled pass.
		clearExcl: true,
	}
}

// Handle processes one lifecycle event and classifies its outcome:
// transient faults requeue the event, policy faults block the node,
// availability faults surface to the caller.
func (c *Controller) Handle(ctx context.Context, ev Event) error {
	var err error
	switch ev.Kind {
	case KindTick:
		err = c.handleTick(ctx)
	case KindNodeDeparting:
		err = c.handleDeparture(ctx)
	default:
		err = c.converge(ctx, ev.Kind)
	}
	return c.settle(ctx, ev, err)
}

func (c *Controller) settle(ctx context.Context, ev Event, err error) error {
	switch {
	case err == nil:
		return nil
	case types.IsPolicy(err):
		c.setBlocked(ctx, err)
		c.logger.Error().Err(err).Str("event", string(ev.Kind)).Msg("blocked pending operator correction")
	case types.IsAvailability(err):
		c.logger.Error().Err(err).Str("event", string(ev.Kind)).Msg("availability fault")
	case types.IsTransient(err):
		// Ticks recur on their own; queueing them would only pin the
		// deferred gauge.
		if ev.Kind != KindTick {
			c.queue.Defer(ev)
		}
		c.logger.Debug().Err(err).Str("event", string(ev.Kind)).Int("attempts", ev.Attempts).Msg("event deferred")
	default:
		c.logger.Error().Err(err).Str("event", string(ev.Kind)).Msg("event failed")
	}
	return err
}

// converge drives the node toward the planned state: running, with the
// current role plan applied.
func (c *Controller) converge(ctx context.Context, kind Kind) error {
	if c.State() == types.StateBlocked {
		if kind != KindConfigChanged {
			return nil
		}
		c.clearBlocked(ctx)
	}

	if c.plane.IsCoordinator() {
		if err := c.coordinate(ctx); err != nil {
			return err
		}
	}

	active, err := c.svc.IsActive(ctx)
	if err != nil {
		return types.NewTransientError("query engine service", err)
	}

	if active {
		if !c.engine.IsNodeUp(ctx) {
			if c.State() == types.StateNotStarted {
				c.setState(ctx, types.StateStarting)
			}
			return types.NewTransientError("wait for engine to answer", types.ErrEngineUnreachable)
		}
		return c.postStart(ctx, kindRunsPlugins(kind))
	}

	if s := c.State(); s == types.StateUp || s == types.StateStarting {
		// The engine died underneath us; admission decides the restart.
		c.setState(ctx, types.StateNotStarted)
	}

	if err := c.admitStart(ctx); err != nil {
		return err
	}
	return c.startEngine(ctx, kindRunsPlugins(kind))
}

// Plugin reconciliation shells out to the engine tooling, so it only
// runs on events that can change the requested plugin set. Deferred
// events keep their original kind across redelivery.
func kindRunsPlugins(kind Kind) bool {
	return kind == KindStart || kind == KindConfigChanged
}

// coordinate performs the fleet-level duties of the coordinator:
// deployment description, fleet CA and the role plan.
func (c *Controller) coordinate(ctx context.Context) error {
	dd, err := c.ensureDeployment()
	if err != nil {
		return err
	}
	if err := c.ensureCA(); err != nil {
		return err
	}
	return c.reconcilePlan(ctx, dd)
}

func (c *Controller) ensureDeployment() (types.DeploymentDescription, error) {
	stored, err := c.plane.Deployment()
	if err != nil {
		return types.DeploymentDescription{}, types.NewTransientError("read deployment description", err)
	}
	built, err := c.deploy.BuildDescription(c.cfg.ClusterName, c.cfg.DeclaredRoles, c.cfg.Temperature)
	if err != nil {
		return types.DeploymentDescription{}, err
	}
	if err := c.deploy.CheckComposition(built, c.cfg.PeerFleets); err != nil {
		return types.DeploymentDescription{}, err
	}
	if stored != nil && !c.deploy.Changed(*stored, built) {
		return *stored, nil
	}
	if err := c.plane.SetDeployment(built); err != nil {
		return types.DeploymentDescription{}, types.NewTransientError("store deployment description", err)
	}
	c.logger.Info().Str("deployment", deployment.Describe(built)).Msg("deployment description stored")
	return built, nil
}

// reconcilePlan assigns roles to fleet members that have none yet and
// retires entries for members that left. Existing assignments survive
// untouched so an unchanged fleet never restarts itself.
func (c *Controller) reconcilePlan(ctx context.Context, dd types.DeploymentDescription) error {
	current, err := c.plane.CurrentPlan()
	if err != nil {
		return types.NewTransientError("read role plan", err)
	}
	members, err := c.plane.MemberNames()
	if err != nil {
		return types.NewTransientError("list fleet members", err)
	}
	ips := c.publishedIPs()

	next := make(types.Plan, len(members))
	assigned := make([]types.Node, 0, len(members))
	for _, name := range members {
		node, ok := current[name]
		if !ok {
			continue
		}
		if ip := ips[name]; ip != "" {
			node.IP = ip
		}
		next[name] = node
		assigned = append(assigned, node)
	}
	for _, name := range members {
		if _, ok := next[name]; ok {
			continue
		}
		node := types.Node{
			Name:        name,
			IP:          ips[name],
			AppName:     c.plane.FleetName(),
			Temperature: dd.DataTemperature,
		}
		if dd.StartMode == types.StartModeProvidedRoles {
			node.Roles = dd.DeclaredRoles.Normalize()
		} else {
			roles, err := topology.SuggestRoles(assigned, c.plane.PlannedUnits())
			if err != nil {
				return err
			}
			node.Roles = roles
		}
		next[name] = node
		assigned = append(assigned, node)
	}

	for _, node := range next {
		if err := c.deploy.CheckNodeRoles(dd, node); err != nil {
			return err
		}
	}

	changed, err := c.plane.BroadcastPlan(next)
	if err != nil {
		return types.NewTransientError("broadcast role plan", err)
	}
	if changed {
		c.logger.Info().Int("nodes", len(next)).Msg("role plan updated")
	}
	return nil
}

// publishedIPs maps member names to their announced engine hosts. The
// local node always resolves, published or not.
func (c *Controller) publishedIPs() map[string]string {
	ips := map[string]string{c.plane.NodeName(): c.engine.Host()}
	hosts, err := c.plane.AlternateHosts()
	if err != nil {
		c.logger.Debug().Err(err).Msg("could not list published hosts")
		return ips
	}
	for _, h := range hosts {
		ips[h.NodeName] = h.Host
	}
	return ips
}

// admitStart gates entry into STARTING. Host prerequisites and TLS
// material are unconditional. Non-coordinators additionally wait for
// the security bootstrap. Once any peer has published an endpoint,
// everyone waits for settled health, which throttles concurrent starts
// to one node at a time.
func (c *Controller) admitStart(ctx context.Context) error {
	if err := c.prereqs.Check(); err != nil {
		return err
	}
	if err := c.ensureTLS(); err != nil {
		return err
	}

	if !c.plane.IsCoordinator() {
		booted, err := c.plane.SecurityBootstrapped()
		if err != nil {
			return types.NewTransientError("read security bootstrap flag", err)
		}
		if !booted {
			return types.NewTransientError("start admission", types.ErrNotBootstrapped)
		}
	}

	alts := c.altAddrs()
	if len(alts) == 0 {
		if c.plane.IsCoordinator() {
			// First node up forms the cluster; nothing to wait for.
			return nil
		}
		return types.NewTransientError("start admission: no peer endpoints published", types.ErrClusterNotReady)
	}

	color, err := c.health.Check(ctx, true, alts)
	if err != nil {
		return types.NewTransientError("start admission: health unavailable", err)
	}
	if color.Blocking() {
		return types.NewTransientError(fmt.Sprintf("start admission: cluster health %s", color), types.ErrClusterNotReady)
	}
	return nil
}

func (c *Controller) startEngine(ctx context.Context, runPlugins bool) error {
	plan, err := c.plane.CurrentPlan()
	if err != nil {
		return types.NewTransientError("read role plan", err)
	}
	if _, err := c.applyNodeConf(ctx, plan); err != nil {
		return err
	}

	c.setState(ctx, types.StateStarting)
	if err := c.svc.Start(ctx); err != nil {
		c.setState(ctx, types.StateNotStarted)
		return types.NewTransientError("start engine service", err)
	}
	c.setExclClear(true)
	if !c.engine.IsNodeUp(ctx) {
		// Service is running, API not answering yet; the next event
		// resumes from here.
		return types.NewTransientError("wait for engine to answer", types.ErrEngineUnreachable)
	}
	return c.postStart(ctx, runPlugins)
}

// postStart settles an up node: applies the current plan, announces the
// endpoint, runs the one-time security bootstrap and retires exclusions
// left from a previous stop. Every step is idempotent; a deferred event
// replays them all.
func (c *Controller) postStart(ctx context.Context, runPlugins bool) error {
	plan, err := c.plane.CurrentPlan()
	if err != nil {
		return types.NewTransientError("read role plan", err)
	}
	changed, err := c.applyNodeConf(ctx, plan)
	if err != nil {
		return err
	}

	if c.State() != types.StateUp {
		c.setState(ctx, types.StateUp)
	}
	c.refreshEngineAuth()

	host := types.PeerHost{NodeName: c.plane.NodeName(), Host: c.engine.Host(), Port: c.engine.Port()}
	if err := c.plane.PublishHost(ctx, host); err != nil {
		return types.NewTransientError("publish engine endpoint", err)
	}

	dd, err := c.plane.Deployment()
	if err != nil {
		return types.NewTransientError("read deployment description", err)
	}
	if dd != nil {
		if reported, err := c.engine.ClusterName(ctx); err == nil {
			if err := c.deploy.CheckClusterMembership(*dd, reported); err != nil {
				return err
			}
		}
	}

	if err := c.ensureSecurityBootstrap(ctx); err != nil {
		return err
	}

	// Retire our exclusions once per rejoin, not on every pass: the
	// engine's voting clear is cluster-wide and would race a peer
	// mid-stop.
	if node, ok := plan[c.plane.NodeName()]; ok && c.exclClearPending() {
		if err := c.excl.DeleteCurrent(ctx, node, c.altAddrs()); err != nil {
			return types.NewTransientError("retire exclusions", err)
		}
		c.setExclClear(false)
	}

	c.ensureBootstrapCleanup(ctx)

	restart := changed
	if runPlugins {
		owed, err := c.plugins.Run(ctx, plugins.ScopeSteady, c.pluginRequests())
		if err != nil {
			return err
		}
		restart = restart || owed
	}
	if restart {
		c.logger.Info().Msg("engine restart required to apply configuration")
		return c.restartEngine(ctx)
	}
	return nil
}

func (c *Controller) restartEngine(ctx context.Context) error {
	if err := c.stopEngine(ctx); err != nil {
		return err
	}
	metrics.EngineRestartsTotal.Inc()
	if err := c.admitStart(ctx); err != nil {
		return err
	}
	// Plugins were reconciled before the restart was decided.
	return c.startEngine(ctx, false)
}

// stopEngine walks the safe-stop sequence: removal lock, best-effort
// flush, exclusions, service stop, exclusion retirement, post-stop
// health verdict. The lock is released on every exit path.
func (c *Controller) stopEngine(ctx context.Context) (retErr error) {
	if _, err := c.plane.AcquireRemovalLock(ctx); err != nil {
		return types.NewTransientError("acquire removal lock", err)
	}
	metrics.SetBool(metrics.RemovalLockHeld, true)
	defer func() {
		if err := c.plane.ReleaseRemovalLock(ctx, c.plane.NodeName()); err != nil {
			c.logger.Error().Err(err).Msg("could not release removal lock")
			if retErr == nil {
				retErr = fmt.Errorf("failed to release removal lock: %w", err)
			}
		}
		metrics.SetBool(metrics.RemovalLockHeld, false)
	}()

	c.setState(ctx, types.StateStopping)
	alts := c.altAddrs()

	if err := c.engine.Flush(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("flush before stop failed")
	}

	node, planned := c.plannedNode()
	if planned {
		if err := c.excl.AddCurrent(ctx, node, alts); err != nil {
			// Aborted before the service stopped: the engine is still up.
			c.setState(ctx, types.StateUp)
			return types.NewTransientError("add exclusions before stop", err)
		}
	}

	if err := c.svc.Stop(ctx); err != nil {
		c.setState(ctx, types.StateUp)
		return types.NewTransientError("stop engine service", err)
	}
	c.setState(ctx, types.StateNotStarted)

	if planned {
		if err := c.excl.DeleteCurrent(ctx, node, alts); err != nil {
			return types.NewTransientError("retire exclusions after stop", err)
		}
	}

	if color, err := c.health.Check(ctx, false, alts); err == nil {
		if color == types.HealthRed && c.plane.PlannedUnits() > 1 {
			return types.NewAvailabilityError(color,
				"cluster red after stopping %s with %d units planned",
				c.plane.NodeName(), c.plane.PlannedUnits())
		}
	}
	return nil
}

func (c *Controller) handleDeparture(ctx context.Context) error {
	active, err := c.svc.IsActive(ctx)
	if err != nil {
		return types.NewTransientError("query engine service", err)
	}
	if !active {
		if c.State() != types.StateNotStarted {
			c.setState(ctx, types.StateNotStarted)
		}
		// A prior stop may have left exclusions behind.
		if node, ok := c.plannedNode(); ok {
			if err := c.excl.DeleteCurrent(ctx, node, c.altAddrs()); err != nil {
				return types.NewTransientError("retire exclusions", err)
			}
		}
		return nil
	}
	return c.stopEngine(ctx)
}

// handleTick is the periodic reconciliation pass: health refresh, cert
// expiry warning, exclusion cleanup, redelivery of deferred events and
// one convergence round.
func (c *Controller) handleTick(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconcileDuration)
		metrics.ReconcileCyclesTotal.Inc()
	}()

	c.refreshEngineAuth()
	c.refreshHealth(ctx)
	c.checkCertExpiry()

	if c.plane.IsCoordinator() {
		if err := c.excl.Cleanup(ctx, c.altAddrs()); err != nil {
			c.logger.Warn().Err(err).Msg("exclusion cleanup failed, will retry next tick")
		}
	}

	for _, ev := range c.queue.Drain() {
		// Outcomes are classified and logged by settle; a still-failing
		// event lands back in the queue.
		_ = c.Handle(ctx, ev)
	}

	return c.converge(ctx, KindTick)
}

func (c *Controller) refreshHealth(ctx context.Context) {
	up := c.engine.IsNodeUp(ctx)
	metrics.SetBool(metrics.EngineUp, up)

	color, err := c.health.Check(ctx, false, c.altAddrs())
	if err != nil {
		c.logger.Debug().Err(err).Msg("health check failed")
	}
	metrics.SetClusterHealth(string(color))

	c.mu.Lock()
	c.engineUp = up
	c.lastHealth = color
	c.mu.Unlock()
}

func (c *Controller) checkCertExpiry() {
	soon, err := c.tls.ExpiringWithin(c.cfg.CertWarnWindow)
	if err != nil {
		c.logger.Debug().Err(err).Msg("could not check certificate expiry")
		return
	}
	if soon {
		c.logger.Warn().Dur("window", c.cfg.CertWarnWindow).Msg("node certificate expires soon")
	}
}

// ensureCA creates the fleet's certificate authority once, sealing the
// private key with the fleet secret before it enters the shared store.
func (c *Controller) ensureCA() error {
	if _, err := c.plane.FleetValue(coordination.KeyCACert); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrKeyNotFound) {
		return types.NewTransientError("read fleet CA", err)
	}

	ca, err := security.NewCertAuthority(c.plane.FleetName())
	if err != nil {
		return fmt.Errorf("failed to create fleet CA: %w", err)
	}
	sealed, err := c.secrets.SealString(string(ca.KeyPEM()))
	if err != nil {
		return fmt.Errorf("failed to seal CA key: %w", err)
	}
	if err := c.plane.SetFleetValue(coordination.KeyCACert, string(ca.CertPEM())); err != nil {
		return types.NewTransientError("store fleet CA", err)
	}
	if err := c.plane.SetFleetValue(coordination.KeyCAKeySealed, sealed); err != nil {
		return types.NewTransientError("store fleet CA key", err)
	}
	c.logger.Info().Msg("created fleet certificate authority")
	return nil
}

// ensureTLS issues the node's transport certificates from the fleet CA.
// Missing CA material means the coordinator has not distributed it yet,
// a wait rather than a failure.
func (c *Controller) ensureTLS() error {
	if c.tls.IsFullyConfigured() {
		return nil
	}

	certPEM, err := c.plane.FleetValue(coordination.KeyCACert)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return types.NewTransientError("await fleet CA", types.ErrClusterNotReady)
	}
	if err != nil {
		return types.NewTransientError("read fleet CA", err)
	}
	sealedKey, err := c.plane.FleetValue(coordination.KeyCAKeySealed)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return types.NewTransientError("await fleet CA key", types.ErrClusterNotReady)
	}
	if err != nil {
		return types.NewTransientError("read fleet CA key", err)
	}
	keyPEM, err := c.secrets.OpenString(sealedKey)
	if err != nil {
		return types.NewPolicyError("fleet secret cannot open the CA key: %v", err)
	}
	ca, err := security.CAFromPEM([]byte(certPEM), []byte(keyPEM))
	if err != nil {
		return fmt.Errorf("failed to load fleet CA: %w", err)
	}

	host := c.engine.Host()
	sans := []string{c.plane.NodeName()}
	var ipSANs []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ipSANs = append(ipSANs, ip)
	} else if host != "" && host != c.plane.NodeName() {
		sans = append(sans, host)
	}
	nodeCert, nodeKey, err := ca.IssueNodeCert(c.plane.NodeName(), sans, ipSANs)
	if err != nil {
		return fmt.Errorf("failed to issue node certificate: %w", err)
	}
	if err := security.WriteNodeCertFiles(c.cfg.CertDir, nodeCert, nodeKey, []byte(certPEM)); err != nil {
		return types.NewTransientError("write node certificates", err)
	}
	c.logger.Info().Str("dir", c.cfg.CertDir).Msg("issued node transport certificates")
	return nil
}

// ensureSecurityBootstrap runs the engine's one-time security
// initialization, guarded by the fleet flag so racing nodes cannot
// repeat it.
func (c *Controller) ensureSecurityBootstrap(ctx context.Context) error {
	booted, err := c.plane.SecurityBootstrapped()
	if err != nil {
		return types.NewTransientError("read security bootstrap flag", err)
	}
	if booted {
		return nil
	}
	if !c.plane.IsCoordinator() {
		// Admission holds non-coordinators back until the flag is set;
		// reaching here means the coordinator is mid-bootstrap.
		return types.NewTransientError("await security bootstrap", types.ErrNotBootstrapped)
	}

	hash, password, err := security.GenerateHashedPassword()
	if err != nil {
		return fmt.Errorf("failed to generate admin credential: %w", err)
	}
	sealed, err := c.secrets.SealString(password)
	if err != nil {
		return fmt.Errorf("failed to seal admin credential: %w", err)
	}
	if err := c.plane.SetFleetValue(coordination.KeyAdminPassword, sealed); err != nil {
		return types.NewTransientError("store admin credential", err)
	}
	// The hash travels over stdin, same as keystore secrets.
	if _, err := c.svc.RunBinInput(ctx, hash+"\n", securityInitTool, "--host", c.engine.Host()); err != nil {
		return types.NewTransientError("initialize engine security", err)
	}
	if err := c.plane.SetSecurityBootstrapped(); err != nil {
		return types.NewTransientError("record security bootstrap", err)
	}
	c.engine.SetAuth("admin", password)
	c.logger.Info().Msg("completed one-time security bootstrap")
	return nil
}

// refreshEngineAuth picks up the fleet's admin credential once it
// exists. Repeated on ticks so followers track rotations done
// elsewhere.
func (c *Controller) refreshEngineAuth() {
	password, err := c.AdminPassword()
	if err != nil {
		return
	}
	c.engine.SetAuth("admin", password)
}

// ensureBootstrapCleanup strips bootstrap-only config once the cluster
// has formed its full quorum layout. The coordinator flips the fleet
// flag; every member cleans its own file.
func (c *Controller) ensureBootstrapCleanup(ctx context.Context) {
	flag, err := c.plane.FleetValue(coordination.KeyClusterBootstrapped)
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		if !c.plane.IsCoordinator() {
			return
		}
		nodes, err := c.liveNodes(ctx)
		if err != nil || !topology.IsClusterBootstrapped(nodes) {
			return
		}
		if err := c.plane.SetFleetValue(coordination.KeyClusterBootstrapped, "true"); err != nil {
			c.logger.Warn().Err(err).Msg("could not record cluster bootstrap")
			return
		}
		c.logger.Info().Msg("cluster quorum layout complete")
	case err != nil:
		c.logger.Debug().Err(err).Msg("could not read cluster bootstrap flag")
		return
	case flag != "true":
		return
	}

	c.mu.RLock()
	cleaned := c.confCleaned
	c.mu.RUnlock()
	if cleaned {
		return
	}
	if err := c.conf.CleanupBootstrapConf(); err != nil {
		c.logger.Warn().Err(err).Msg("could not remove bootstrap config")
		return
	}
	c.mu.Lock()
	c.confCleaned = true
	c.mu.Unlock()
}

// applyNodeConf renders the node's engine config from the plan and
// reports whether the role set changed since the last render. The
// previously applied roles live in the node's own store namespace, so
// the diff survives agent restarts.
func (c *Controller) applyNodeConf(ctx context.Context, plan types.Plan) (bool, error) {
	node, ok := plan[c.plane.NodeName()]
	if !ok {
		return false, types.NewTransientError("apply role plan", types.ErrClusterNotReady)
	}

	prev, known := c.appliedRoles()
	changed := known && !prev.Equal(node.Roles)

	nodes := planNodes(plan)
	cmNames := topology.ClusterManagerNames(nodes)
	cmIPs := topology.ClusterManagerIPs(nodes)
	if err := c.conf.SetNode(c.cfg.ClusterName, node, cmNames, cmIPs); err != nil {
		return false, types.NewTransientError("write engine config", err)
	}

	if !known || changed {
		joined := strings.Join(node.Roles.Strings(), ",")
		if err := c.plane.SetNodeValue(ctx, coordination.KeyAppliedRoles, joined); err != nil {
			return false, types.NewTransientError("record applied roles", err)
		}
	}

	rs := node.Roles.Normalize()
	c.mu.Lock()
	c.applied = &rs
	c.mu.Unlock()
	return changed, nil
}

func (c *Controller) appliedRoles() (types.RoleSet, bool) {
	c.mu.RLock()
	cached := c.applied
	c.mu.RUnlock()
	if cached != nil {
		return *cached, true
	}
	raw, err := c.plane.NodeValue(c.plane.NodeName(), coordination.KeyAppliedRoles)
	if err != nil || raw == "" {
		return nil, false
	}
	roles := make(types.RoleSet, 0, 3)
	for _, r := range strings.Split(raw, ",") {
		roles = append(roles, types.Role(r))
	}
	return roles.Normalize(), true
}

// liveNodes lists started cluster members. Before the fleet's security
// bootstrap the engine cannot answer, so membership is by definition
// empty rather than unknown.
func (c *Controller) liveNodes(ctx context.Context) ([]types.Node, error) {
	booted, err := c.plane.SecurityBootstrapped()
	if err != nil {
		return nil, types.NewTransientError("read security bootstrap flag", err)
	}
	if !booted {
		return nil, types.ErrNotBootstrapped
	}
	nodes, err := c.engine.Nodes(ctx, c.altAddrs())
	if err != nil {
		return nil, types.NewTransientError("list cluster nodes", err)
	}
	return nodes, nil
}

func (c *Controller) plannedNode() (types.Node, bool) {
	plan, err := c.plane.CurrentPlan()
	if err != nil {
		return types.Node{}, false
	}
	node, ok := plan[c.plane.NodeName()]
	return node, ok
}

func (c *Controller) exclClearPending() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clearExcl
}

func (c *Controller) setExclClear(v bool) {
	c.mu.Lock()
	c.clearExcl = v
	c.mu.Unlock()
}

func (c *Controller) altAddrs() []string {
	hosts, err := c.plane.AlternateHosts()
	if err != nil {
		c.logger.Debug().Err(err).Msg("could not list alternate hosts")
		return nil
	}
	addrs := make([]string, 0, len(hosts))
	for _, h := range hosts {
		addrs = append(addrs, h.Addr())
	}
	return addrs
}

func planNodes(plan types.Plan) []types.Node {
	nodes := make([]types.Node, 0, len(plan))
	for _, name := range plan.Names() {
		nodes = append(nodes, plan[name])
	}
	return nodes
}

// State transitions.

func (c *Controller) setState(ctx context.Context, next types.NodeState) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()
	if prev == next {
		return
	}
	metrics.SetLifecycleState(string(next))
	c.logger.Info().Str("from", string(prev)).Str("to", string(next)).Msg("lifecycle state changed")
	if err := c.plane.SetNodeValue(ctx, coordination.KeyNodeState, string(next)); err != nil {
		c.logger.Warn().Err(err).Msg("could not publish lifecycle state")
	}
}

func (c *Controller) setBlocked(ctx context.Context, cause error) {
	c.mu.Lock()
	c.blockedReason = cause.Error()
	c.mu.Unlock()
	c.setState(ctx, types.StateBlocked)
}

func (c *Controller) clearBlocked(ctx context.Context) {
	c.mu.Lock()
	c.blockedReason = ""
	c.mu.Unlock()
	c.setState(ctx, types.StateNotStarted)
	c.logger.Info().Msg("blocked state cleared by configuration change")
}

// State returns the node's current lifecycle state.
func (c *Controller) State() types.NodeState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Status is the controller's operator-facing summary.
type Status struct {
	Node           string            `json:"node"`
	Fleet          string            `json:"fleet"`
	State          types.NodeState   `json:"state"`
	Health         types.HealthColor `json:"health"`
	Coordinator    bool              `json:"coordinator"`
	PlannedUnits   int               `json:"planned_units"`
	EngineUp       bool              `json:"engine_up"`
	BlockedReason  string            `json:"blocked_reason,omitempty"`
	DeferredEvents int               `json:"deferred_events"`
}

// Status reports the controller's current view for the admin surface.
func (c *Controller) Status() Status {
	c.mu.RLock()
	state := c.state
	healthColor := c.lastHealth
	engineUp := c.engineUp
	blocked := c.blockedReason
	c.mu.RUnlock()

	return Status{
		Node:           c.plane.NodeName(),
		Fleet:          c.plane.FleetName(),
		State:          state,
		Health:         healthColor,
		Coordinator:    c.plane.IsCoordinator(),
		PlannedUnits:   c.plane.PlannedUnits(),
		EngineUp:       engineUp,
		BlockedReason:  blocked,
		DeferredEvents: c.queue.Len(),
	}
}

// MetricsSnapshot feeds the periodic metrics collector.
func (c *Controller) MetricsSnapshot() metrics.Snapshot {
	c.mu.RLock()
	state := c.state
	healthColor := c.lastHealth
	engineUp := c.engineUp
	c.mu.RUnlock()

	snap := metrics.Snapshot{
		LifecycleState: string(state),
		Health:         string(healthColor),
		Coordinator:    c.plane.IsCoordinator(),
		PlannedUnits:   c.plane.PlannedUnits(),
		EngineUp:       engineUp,
		DeferredEvents: c.queue.Len(),
		NodesByRole:    map[string]int{},
	}
	if plan, err := c.plane.CurrentPlan(); err == nil {
		for _, node := range plan {
			for _, role := range node.Roles {
				snap.NodesByRole[string(role)]++
			}
		}
	}
	if lock, err := c.plane.RemovalLock(); err == nil && lock != nil {
		snap.LockHeld = true
	}
	if pending, err := c.excl.Pending(); err == nil {
		snap.PendingCleanup = len(pending)
	}
	return snap
}

// PluginStatuses reports plugin states for the admin surface.
func (c *Controller) PluginStatuses(ctx context.Context) ([]plugins.Status, error) {
	return c.plugins.Statuses(ctx, plugins.ScopeSteady, c.pluginRequests())
}

// SetPluginRequest records an operator-initiated plugin request on top
// of the declared configuration. Takes effect on the next config event.
func (c *Controller) SetPluginRequest(name string, req plugins.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.PluginRequests == nil {
		c.cfg.PluginRequests = map[string]plugins.Request{}
	}
	c.cfg.PluginRequests[name] = req
}

func (c *Controller) pluginRequests() map[string]plugins.Request {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]plugins.Request, len(c.cfg.PluginRequests))
	for name, req := range c.cfg.PluginRequests {
		out[name] = req
	}
	return out
}

// AdminPassword opens the sealed admin credential from the fleet store.
func (c *Controller) AdminPassword() (string, error) {
	sealed, err := c.plane.FleetValue(coordination.KeyAdminPassword)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return "", types.ErrNotBootstrapped
	}
	if err != nil {
		return "", err
	}
	return c.secrets.OpenString(sealed)
}

// SetAdminPassword rotates the admin credential: sealed into the fleet
// store and pushed to the engine's internal users. Coordinator only,
// since the store write is fleet scope.
func (c *Controller) SetAdminPassword(ctx context.Context, password string) error {
	hash, err := security.HashPassword(password)
	if err != nil {
		return err
	}
	sealed, err := c.secrets.SealString(password)
	if err != nil {
		return err
	}
	if err := c.plane.SetFleetValue(coordination.KeyAdminPassword, sealed); err != nil {
		return err
	}
	if err := c.engine.UpdateUserPasswordHash(ctx, "admin", hash); err != nil {
		return types.NewTransientError("push admin credential to engine", err)
	}
	c.engine.SetAuth("admin", password)
	c.logger.Info().Msg("admin credential rotated")
	return nil
}
