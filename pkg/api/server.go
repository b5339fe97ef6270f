package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"

	"github.com/shoalstack/shoal/pkg/client"
	"github.com/shoalstack/shoal/pkg/coordination"
	"github.com/shoalstack/shoal/pkg/health"
	"github.com/shoalstack/shoal/pkg/lifecycle"
	"github.com/shoalstack/shoal/pkg/log"
	"github.com/shoalstack/shoal/pkg/metrics"
	"github.com/shoalstack/shoal/pkg/plugins"
	"github.com/shoalstack/shoal/pkg/security"
	"github.com/shoalstack/shoal/pkg/storage"
	"github.com/shoalstack/shoal/pkg/types"
)

// Plane is the slice of the coordination plane the API exposes.
type Plane interface {
	NodeName() string
	FleetName() string
	IsCoordinator() bool
	CoordinatorAddr() string
	Servers() ([]raft.Server, error)
	Stats() map[string]string
	MintJoinToken(node string) (string, error)
	HandleJoin(token, node, raftAddr string) error
	ApplyForwarded(cmd coordination.Command, origin string) error
	RemovalLock() (*storage.LockRecord, error)
	CurrentPlan() (types.Plan, error)
	AlternateHosts() ([]types.PeerHost, error)
}

// Lifecycle is the controller surface reachable over the API.
type Lifecycle interface {
	Status() lifecycle.Status
	PluginStatuses(ctx context.Context) ([]plugins.Status, error)
	SetPluginRequest(name string, req plugins.Request)
	AdminPassword() (string, error)
	SetAdminPassword(ctx context.Context, password string) error
}

// EngineNodes lists cluster nodes as the engine reports them.
type EngineNodes interface {
	Nodes(ctx context.Context, altHosts []string) ([]types.Node, error)
}

// HealthSource reports the last observed cluster health.
type HealthSource interface {
	Last() health.Status
}

// Notifier wakes the lifecycle loop after an operator action.
type Notifier interface {
	Deliver(kind lifecycle.Kind)
}

// TokenValidator checks bearer tokens on authenticated routes.
type TokenValidator interface {
	ValidateKind(token, kind string) (*coordination.TokenClaims, error)
}

// Config configures the admin API listener.
type Config struct {
	Addr string
}

// Deps are the collaborators behind the handlers.
type Deps struct {
	Plane   Plane
	Control Lifecycle
	Engine  EngineNodes
	Health  HealthSource
	Loop    Notifier
	Tokens  TokenValidator
}

// Server is the agent's admin API: a JSON surface for the CLI and for
// member-to-member calls such as joins and forwarded store writes.
type Server struct {
	cfg    Config
	plane  Plane
	ctrl   Lifecycle
	engine EngineNodes
	health HealthSource
	loop   Notifier
	tokens TokenValidator

	mux      *http.ServeMux
	httpSrv  *http.Server
	listener net.Listener
	logger   zerolog.Logger
}

// NewServer wires the admin API routes.
func NewServer(cfg Config, deps Deps) *Server {
	s := &Server{
		cfg:    cfg,
		plane:  deps.Plane,
		ctrl:   deps.Control,
		engine: deps.Engine,
		health: deps.Health,
		loop:   deps.Loop,
		tokens: deps.Tokens,
		mux:    http.NewServeMux(),
		logger: log.WithComponent("api"),
	}

	s.mux.HandleFunc("/v1/join", s.handleJoin)
	s.mux.HandleFunc("/v1/token", s.auth(s.handleToken))
	s.mux.HandleFunc("/v1/forward", s.handleForward)
	s.mux.HandleFunc("/v1/status", s.handleStatus)
	s.mux.HandleFunc("/v1/nodes", s.handleNodes)
	s.mux.HandleFunc("/v1/health", s.handleHealth)
	s.mux.HandleFunc("/v1/lock", s.handleLock)
	s.mux.HandleFunc("/v1/plugins", s.handlePlugins)
	s.mux.HandleFunc("/v1/admin-password", s.auth(s.handleAdminPassword))
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/healthz", metrics.HealthHandler())
	s.mux.HandleFunc("/livez", metrics.LivenessHandler())

	return s
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("admin api listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("admin api server stopped")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("admin api listening")
	return nil
}

// Addr returns the bound listen address, empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the routes for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// handleJoin admits a new member into the coordination plane. The
// bearer token must be a join token minted for that node; the plane
// validates it itself so the route stays open for first contact.
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, errMethodNotAllowed)
		return
	}
	var req client.JoinRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Node == "" || req.RaftAddr == "" {
		s.writeError(w, badRequest("node and raft_addr are required"))
		return
	}
	token := bearerToken(r)
	if token == "" {
		s.writeError(w, unauthorized("join token required"))
		return
	}
	if err := s.plane.HandleJoin(token, req.Node, req.RaftAddr); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleToken mints a join token for a prospective member.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, errMethodNotAllowed)
		return
	}
	var req client.TokenRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Node == "" {
		s.writeError(w, badRequest("node is required"))
		return
	}
	token, err := s.plane.MintJoinToken(req.Node)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, client.TokenResponse{Token: token})
}

// handleForward applies a store command on behalf of another member.
// The origin is taken from the agent token, never from the body, so a
// member cannot escape its own namespace.
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, errMethodNotAllowed)
		return
	}
	claims, err := s.requireClaims(r, coordination.TokenKindAgent)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var cmd coordination.Command
	if err := decodeJSON(r, &cmd); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.plane.ApplyForwarded(cmd, claims.Node); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, errMethodNotAllowed)
		return
	}
	st := s.ctrl.Status()
	resp := client.StatusResponse{
		NodeName:        st.Node,
		Fleet:           st.Fleet,
		State:           string(st.State),
		Coordinator:     st.Coordinator,
		CoordinatorAddr: s.plane.CoordinatorAddr(),
		Members:         []client.MemberInfo{},
		Raft:            s.plane.Stats(),
	}
	if servers, err := s.plane.Servers(); err == nil {
		for _, sv := range servers {
			resp.Members = append(resp.Members, client.MemberInfo{
				ID:       string(sv.ID),
				Addr:     string(sv.Address),
				Suffrage: sv.Suffrage.String(),
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, errMethodNotAllowed)
		return
	}
	var alt []string
	if hosts, err := s.plane.AlternateHosts(); err == nil {
		for _, h := range hosts {
			alt = append(alt, h.Addr())
		}
	}
	live, err := s.engine.Nodes(r.Context(), alt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	plan, err := s.plane.CurrentPlan()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, client.NodesResponse{Live: live, Plan: plan})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, errMethodNotAllowed)
		return
	}
	st := s.health.Last()
	writeJSON(w, http.StatusOK, client.HealthResponse{
		Color:              string(st.Color),
		RelocatingShards:   st.Shards.RelocatingShards,
		InitializingShards: st.Shards.InitializingShards,
		UnassignedShards:   st.Shards.UnassignedShards,
	})
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, errMethodNotAllowed)
		return
	}
	rec, err := s.plane.RemovalLock()
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := client.LockResponse{}
	if rec != nil {
		resp.Held = true
		resp.Holder = rec.Holder
		resp.AcquiredAt = rec.AcquiredAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePlugins lists plugin states on GET and records an operator
// plugin action on POST. Actions take effect on the next config event,
// so POST answers 202.
func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		statuses, err := s.ctrl.PluginStatuses(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		resp := client.PluginsResponse{Plugins: []client.PluginStatus{}}
		for _, st := range statuses {
			resp.Plugins = append(resp.Plugins, client.PluginStatus{
				Name:  st.Name,
				State: string(st.State),
			})
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodPost:
		if _, err := s.requireClaims(r, coordination.TokenKindAgent); err != nil {
			s.writeError(w, err)
			return
		}
		var req client.PluginRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		if req.Name == "" {
			s.writeError(w, badRequest("plugin name is required"))
			return
		}
		switch req.Action {
		case "install", "enable":
			s.ctrl.SetPluginRequest(req.Name, plugins.Request{Enabled: true, Settings: req.Config})
		case "disable", "remove":
			s.ctrl.SetPluginRequest(req.Name, plugins.Request{Enabled: false})
		default:
			s.writeError(w, badRequest("unknown plugin action %q", req.Action))
			return
		}
		s.loop.Deliver(lifecycle.KindConfigChanged)
		w.WriteHeader(http.StatusAccepted)
	default:
		s.writeError(w, errMethodNotAllowed)
	}
}

// handleAdminPassword reads or rotates the engine admin credential. An
// empty password on PUT asks the agent to generate one. Rotation is
// coordinator only, since the sealed credential lives in fleet scope.
func (s *Server) handleAdminPassword(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		password, err := s.ctrl.AdminPassword()
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, client.AdminPasswordResponse{Username: "admin", Password: password})
	case http.MethodPut:
		if !s.plane.IsCoordinator() {
			s.writeError(w, types.ErrNotCoordinator)
			return
		}
		var req client.AdminPasswordRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		password := req.Password
		if password == "" {
			generated, err := security.GeneratePassword()
			if err != nil {
				s.writeError(w, err)
				return
			}
			password = generated
		}
		if err := s.ctrl.SetAdminPassword(r.Context(), password); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, client.AdminPasswordResponse{Username: "admin", Password: password})
	default:
		s.writeError(w, errMethodNotAllowed)
	}
}

// auth wraps a handler with agent-token authentication.
func (s *Server) auth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.requireClaims(r, coordination.TokenKindAgent); err != nil {
			s.writeError(w, err)
			return
		}
		h(w, r)
	}
}

// requireClaims validates the bearer token and pins it to this fleet.
func (s *Server) requireClaims(r *http.Request, kind string) (*coordination.TokenClaims, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, unauthorized("bearer token required")
	}
	claims, err := s.tokens.ValidateKind(token, kind)
	if err != nil {
		return nil, unauthorized("invalid token: %v", err)
	}
	if claims.Fleet != s.plane.FleetName() {
		return nil, unauthorized("token for fleet %s", claims.Fleet)
	}
	return claims, nil
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

// errorEnvelope mirrors the error body the client package decodes.
type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// apiError carries an HTTP status and envelope code alongside the
// message.
type apiError struct {
	status  int
	code    string
	message string
}

func (e *apiError) Error() string { return e.message }

var errMethodNotAllowed = &apiError{
	status:  http.StatusMethodNotAllowed,
	code:    "bad_request",
	message: "method not allowed",
}

func badRequest(format string, args ...any) error {
	return &apiError{
		status:  http.StatusBadRequest,
		code:    "bad_request",
		message: fmt.Sprintf(format, args...),
	}
}

func unauthorized(format string, args ...any) error {
	return &apiError{
		status:  http.StatusUnauthorized,
		code:    "unauthorized",
		message: fmt.Sprintf(format, args...),
	}
}

// writeError maps an error onto the envelope the client decodes:
// lock_held becomes 409, not_coordinator 421, transient conditions 503.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal"
	var ae *apiError
	switch {
	case errors.As(err, &ae):
		status, code = ae.status, ae.code
	case errors.Is(err, types.ErrLockHeld):
		status, code = http.StatusConflict, "lock_held"
	case errors.Is(err, types.ErrNotCoordinator):
		status, code = http.StatusMisdirectedRequest, "not_coordinator"
	case errors.Is(err, coordination.ErrInvalidToken):
		status, code = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, types.ErrNotBootstrapped), types.IsTransient(err):
		status, code = http.StatusServiceUnavailable, "unavailable"
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("admin api request failed")
	}
	writeJSON(w, status, errorEnvelope{Code: code, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}
