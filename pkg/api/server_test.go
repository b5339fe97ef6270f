package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoalstack/shoal/pkg/client"
	"github.com/shoalstack/shoal/pkg/coordination"
	"github.com/shoalstack/shoal/pkg/engine"
	"github.com/shoalstack/shoal/pkg/health"
	"github.com/shoalstack/shoal/pkg/lifecycle"
	"github.com/shoalstack/shoal/pkg/plugins"
	"github.com/shoalstack/shoal/pkg/storage"
	"github.com/shoalstack/shoal/pkg/types"
)

type joinCall struct {
	token, node, raftAddr string
}

type forwardCall struct {
	cmd    coordination.Command
	origin string
}

type fakePlane struct {
	node, fleet string
	coordinator bool
	coordAddr   string
	servers     []raft.Server
	stats       map[string]string
	minted      []string
	mintErr     error
	joins       []joinCall
	joinErr     error
	forwards    []forwardCall
	forwardErr  error
	lock        *storage.LockRecord
	plan        types.Plan
	hosts       []types.PeerHost
}

func (f *fakePlane) NodeName() string        { return f.node }
func (f *fakePlane) FleetName() string       { return f.fleet }
func (f *fakePlane) IsCoordinator() bool     { return f.coordinator }
func (f *fakePlane) CoordinatorAddr() string { return f.coordAddr }

func (f *fakePlane) Servers() ([]raft.Server, error) { return f.servers, nil }
func (f *fakePlane) Stats() map[string]string        { return f.stats }

func (f *fakePlane) MintJoinToken(node string) (string, error) {
	if f.mintErr != nil {
		return "", f.mintErr
	}
	f.minted = append(f.minted, node)
	return "token-for-" + node, nil
}

func (f *fakePlane) HandleJoin(token, node, raftAddr string) error {
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joins = append(f.joins, joinCall{token: token, node: node, raftAddr: raftAddr})
	return nil
}

func (f *fakePlane) ApplyForwarded(cmd coordination.Command, origin string) error {
	if f.forwardErr != nil {
		return f.forwardErr
	}
	f.forwards = append(f.forwards, forwardCall{cmd: cmd, origin: origin})
	return nil
}

func (f *fakePlane) RemovalLock() (*storage.LockRecord, error) { return f.lock, nil }
func (f *fakePlane) CurrentPlan() (types.Plan, error)          { return f.plan, nil }
func (f *fakePlane) AlternateHosts() ([]types.PeerHost, error) { return f.hosts, nil }

type fakeControl struct {
	status    lifecycle.Status
	statuses  []plugins.Status
	statusErr error
	requests  map[string]plugins.Request
	password  string
	passErr   error
	rotated   []string
	rotateErr error
}

func (f *fakeControl) Status() lifecycle.Status { return f.status }

func (f *fakeControl) PluginStatuses(ctx context.Context) ([]plugins.Status, error) {
	return f.statuses, f.statusErr
}

func (f *fakeControl) SetPluginRequest(name string, req plugins.Request) {
	if f.requests == nil {
		f.requests = map[string]plugins.Request{}
	}
	f.requests[name] = req
}

func (f *fakeControl) AdminPassword() (string, error) { return f.password, f.passErr }

func (f *fakeControl) SetAdminPassword(ctx context.Context, password string) error {
	if f.rotateErr != nil {
		return f.rotateErr
	}
	f.rotated = append(f.rotated, password)
	return nil
}

type fakeEngineNodes struct {
	nodes  []types.Node
	err    error
	gotAlt []string
}

func (f *fakeEngineNodes) Nodes(ctx context.Context, altHosts []string) ([]types.Node, error) {
	f.gotAlt = altHosts
	return f.nodes, f.err
}

type fakeHealthSource struct {
	status health.Status
}

func (f *fakeHealthSource) Last() health.Status { return f.status }

type fakeNotifier struct {
	kinds []lifecycle.Kind
}

func (f *fakeNotifier) Deliver(kind lifecycle.Kind) { f.kinds = append(f.kinds, kind) }

type fixture struct {
	plane  *fakePlane
	ctrl   *fakeControl
	engine *fakeEngineNodes
	hsrc   *fakeHealthSource
	loop   *fakeNotifier
	tokens *coordination.TokenManager
	srv    *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	tm, err := coordination.NewTokenManager(strings.Repeat("s", 32))
	require.NoError(t, err)

	f := &fixture{
		plane: &fakePlane{
			node:        "shoal-0",
			fleet:       "shoal",
			coordinator: true,
			coordAddr:   "10.0.0.1:7300",
			servers: []raft.Server{
				{ID: "shoal-0", Address: "10.0.0.1:7300", Suffrage: raft.Voter},
				{ID: "shoal-1", Address: "10.0.0.2:7300", Suffrage: raft.Voter},
			},
			stats: map[string]string{"state": "Leader"},
			plan: types.Plan{
				"shoal-0": {Name: "shoal-0", Roles: types.RoleSet{"cluster_manager"}},
			},
			hosts: []types.PeerHost{{NodeName: "shoal-1", Host: "10.0.0.2", Port: 9200}},
		},
		ctrl: &fakeControl{
			status: lifecycle.Status{
				Node:        "shoal-0",
				Fleet:       "shoal",
				State:       types.StateUp,
				Health:      types.HealthGreen,
				Coordinator: true,
				EngineUp:    true,
			},
			password: "opensesame",
		},
		engine: &fakeEngineNodes{
			nodes: []types.Node{{Name: "shoal-0", Roles: types.RoleSet{"cluster_manager"}, IP: "10.0.0.1"}},
		},
		hsrc: &fakeHealthSource{status: health.Status{
			Color:     types.HealthGreen,
			CheckedAt: time.Now(),
			Shards:    engine.HealthStatus{Status: "green"},
		}},
		loop:   &fakeNotifier{},
		tokens: tm,
	}
	f.srv = NewServer(Config{Addr: "127.0.0.1:0"}, Deps{
		Plane:   f.plane,
		Control: f.ctrl,
		Engine:  f.engine,
		Health:  f.hsrc,
		Loop:    f.loop,
		Tokens:  tm,
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) agentToken(t *testing.T) string {
	t.Helper()
	token, err := f.tokens.MintAgent("shoal", "shoal-1")
	require.NoError(t, err)
	return token
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func envelopeCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&envelope))
	require.NotEmpty(t, envelope.Message)
	return envelope.Code
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[client.StatusResponse](t, rec)
	assert.Equal(t, "shoal-0", resp.NodeName)
	assert.Equal(t, "shoal", resp.Fleet)
	assert.Equal(t, "up", resp.State)
	assert.True(t, resp.Coordinator)
	assert.Equal(t, "10.0.0.1:7300", resp.CoordinatorAddr)
	require.Len(t, resp.Members, 2)
	assert.Equal(t, "shoal-1", resp.Members[1].ID)
	assert.Equal(t, "Voter", resp.Members[1].Suffrage)
}

func TestNodesEndpointMergesLiveAndPlan(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/nodes", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[client.NodesResponse](t, rec)
	require.Len(t, resp.Live, 1)
	assert.Equal(t, "shoal-0", resp.Live[0].Name)
	assert.Contains(t, resp.Plan, "shoal-0")

	// Peer endpoints are offered as fallbacks for the engine query.
	assert.Equal(t, []string{"10.0.0.2:9200"}, f.engine.gotAlt)
}

func TestNodesEngineDownIsUnavailable(t *testing.T) {
	f := newFixture(t)
	f.engine.err = types.NewTransientError("engine request", types.ErrEngineUnreachable)

	rec := f.do(t, http.MethodGet, "/v1/nodes", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", envelopeCode(t, rec))
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	f.hsrc.status = health.Status{
		Color: types.HealthYellowTemp,
		Shards: engine.HealthStatus{
			Status:             "yellow",
			RelocatingShards:   2,
			InitializingShards: 1,
		},
	}

	rec := f.do(t, http.MethodGet, "/v1/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[client.HealthResponse](t, rec)
	assert.Equal(t, "yellow-temp", resp.Color)
	assert.Equal(t, 2, resp.RelocatingShards)
	assert.Equal(t, 1, resp.InitializingShards)
}

func TestLockEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/lock", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[client.LockResponse](t, rec)
	assert.False(t, resp.Held)

	f.plane.lock = &storage.LockRecord{
		Name:       "node_removal",
		Holder:     "shoal-2",
		AcquiredAt: time.Now(),
	}
	rec = f.do(t, http.MethodGet, "/v1/lock", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decodeBody[client.LockResponse](t, rec)
	assert.True(t, resp.Held)
	assert.Equal(t, "shoal-2", resp.Holder)
}

func TestJoinRequiresToken(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/join", "", client.JoinRequest{Node: "shoal-3", RaftAddr: "10.0.0.4:7300"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", envelopeCode(t, rec))
	assert.Empty(t, f.plane.joins)
}

func TestJoinPassesTokenToPlane(t *testing.T) {
	f := newFixture(t)
	token, err := f.tokens.MintJoin("shoal", "shoal-3")
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/v1/join", token, client.JoinRequest{Node: "shoal-3", RaftAddr: "10.0.0.4:7300"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	require.Len(t, f.plane.joins, 1)
	assert.Equal(t, token, f.plane.joins[0].token)
	assert.Equal(t, "shoal-3", f.plane.joins[0].node)
	assert.Equal(t, "10.0.0.4:7300", f.plane.joins[0].raftAddr)
}

func TestJoinInvalidTokenUnauthorized(t *testing.T) {
	f := newFixture(t)
	f.plane.joinErr = coordination.ErrInvalidToken

	rec := f.do(t, http.MethodPost, "/v1/join", "garbage", client.JoinRequest{Node: "shoal-3", RaftAddr: "10.0.0.4:7300"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", envelopeCode(t, rec))
}

func TestJoinRejectsMissingFields(t *testing.T) {
	f := newFixture(t)
	token, err := f.tokens.MintJoin("shoal", "shoal-3")
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/v1/join", token, client.JoinRequest{Node: "shoal-3"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_request", envelopeCode(t, rec))
}

func TestMintTokenRequiresAgentToken(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/token", "", client.TokenRequest{Node: "shoal-3"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// A join token is the wrong kind for this route.
	joinToken, err := f.tokens.MintJoin("shoal", "shoal-3")
	require.NoError(t, err)
	rec = f.do(t, http.MethodPost, "/v1/token", joinToken, client.TokenRequest{Node: "shoal-3"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/token", f.agentToken(t), client.TokenRequest{Node: "shoal-3"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[client.TokenResponse](t, rec)
	assert.Equal(t, "token-for-shoal-3", resp.Token)
	assert.Equal(t, []string{"shoal-3"}, f.plane.minted)
}

func TestMintTokenOnFollowerMisdirected(t *testing.T) {
	f := newFixture(t)
	f.plane.mintErr = types.ErrNotCoordinator

	rec := f.do(t, http.MethodPost, "/v1/token", f.agentToken(t), client.TokenRequest{Node: "shoal-3"})
	require.Equal(t, http.StatusMisdirectedRequest, rec.Code)
	assert.Equal(t, "not_coordinator", envelopeCode(t, rec))
}

func TestForwardTakesOriginFromToken(t *testing.T) {
	f := newFixture(t)
	cmd := coordination.Command{Op: "put", Data: json.RawMessage(`{"scope":"node","node":"shoal-1","key":"state","value":"up"}`)}

	rec := f.do(t, http.MethodPost, "/v1/forward", f.agentToken(t), cmd)
	require.Equal(t, http.StatusNoContent, rec.Code)

	require.Len(t, f.plane.forwards, 1)
	assert.Equal(t, "shoal-1", f.plane.forwards[0].origin)
	assert.Equal(t, "put", f.plane.forwards[0].cmd.Op)
}

func TestForwardRejectsForeignFleetToken(t *testing.T) {
	f := newFixture(t)
	token, err := f.tokens.MintAgent("reef", "shoal-1")
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/v1/forward", token, coordination.Command{Op: "put"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.plane.forwards)
}

func TestForwardLockHeldConflict(t *testing.T) {
	f := newFixture(t)
	f.plane.forwardErr = types.ErrLockHeld

	rec := f.do(t, http.MethodPost, "/v1/forward", f.agentToken(t), coordination.Command{Op: "acquire_lock"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "lock_held", envelopeCode(t, rec))
}

func TestPluginsList(t *testing.T) {
	f := newFixture(t)
	f.ctrl.statuses = []plugins.Status{
		{Name: "repository-s3", State: plugins.StateEnabled},
		{Name: "analysis-icu", State: plugins.StateMissing},
	}

	rec := f.do(t, http.MethodGet, "/v1/plugins", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[client.PluginsResponse](t, rec)
	require.Len(t, resp.Plugins, 2)
	assert.Equal(t, "repository-s3", resp.Plugins[0].Name)
	assert.Equal(t, "enabled", resp.Plugins[0].State)
}

func TestPluginInstallAccepted(t *testing.T) {
	f := newFixture(t)

	req := client.PluginRequest{
		Action: "install",
		Name:   "repository-s3",
		Config: map[string]string{"s3.client.default.endpoint": "minio:9000"},
	}
	rec := f.do(t, http.MethodPost, "/v1/plugins", f.agentToken(t), req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	got, ok := f.ctrl.requests["repository-s3"]
	require.True(t, ok)
	assert.True(t, got.Enabled)
	assert.Equal(t, "minio:9000", got.Settings["s3.client.default.endpoint"])
	assert.Equal(t, []lifecycle.Kind{lifecycle.KindConfigChanged}, f.loop.kinds)
}

func TestPluginRemoveDisables(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/plugins", f.agentToken(t), client.PluginRequest{Action: "remove", Name: "analysis-icu"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	got, ok := f.ctrl.requests["analysis-icu"]
	require.True(t, ok)
	assert.False(t, got.Enabled)
}

func TestPluginUnknownActionRejected(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/plugins", f.agentToken(t), client.PluginRequest{Action: "upgrade", Name: "analysis-icu"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_request", envelopeCode(t, rec))
	assert.Empty(t, f.loop.kinds)
}

func TestPluginActionRequiresToken(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/plugins", "", client.PluginRequest{Action: "install", Name: "analysis-icu"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.ctrl.requests)
}

func TestAdminPasswordRead(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/admin-password", f.agentToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[client.AdminPasswordResponse](t, rec)
	assert.Equal(t, "admin", resp.Username)
	assert.Equal(t, "opensesame", resp.Password)
}

func TestAdminPasswordBeforeBootstrapUnavailable(t *testing.T) {
	f := newFixture(t)
	f.ctrl.password = ""
	f.ctrl.passErr = types.ErrNotBootstrapped

	rec := f.do(t, http.MethodGet, "/v1/admin-password", f.agentToken(t), nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", envelopeCode(t, rec))
}

func TestAdminPasswordRotateGeneratesWhenEmpty(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/v1/admin-password", f.agentToken(t), client.AdminPasswordRequest{})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[client.AdminPasswordResponse](t, rec)
	assert.Len(t, resp.Password, 32)
	require.Len(t, f.ctrl.rotated, 1)
	assert.Equal(t, resp.Password, f.ctrl.rotated[0])
}

func TestAdminPasswordRotateUsesProvided(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/v1/admin-password", f.agentToken(t), client.AdminPasswordRequest{Password: "hunter2hunter2"})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[client.AdminPasswordResponse](t, rec)
	assert.Equal(t, "hunter2hunter2", resp.Password)
	assert.Equal(t, []string{"hunter2hunter2"}, f.ctrl.rotated)
}

func TestAdminPasswordRotateOnFollowerMisdirected(t *testing.T) {
	f := newFixture(t)
	f.plane.coordinator = false

	rec := f.do(t, http.MethodPut, "/v1/admin-password", f.agentToken(t), client.AdminPasswordRequest{Password: "hunter2hunter2"})
	require.Equal(t, http.StatusMisdirectedRequest, rec.Code)
	assert.Equal(t, "not_coordinator", envelopeCode(t, rec))
	assert.Empty(t, f.ctrl.rotated)
}

func TestMethodNotAllowedUsesEnvelope(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodDelete, "/v1/status", "", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "bad_request", envelopeCode(t, rec))
}
