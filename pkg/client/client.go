// Package client is the HTTP client for the agent's admin API, used by
// the CLI and by follower agents forwarding writes to the coordinator.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shoalstack/shoal/pkg/coordination"
	"github.com/shoalstack/shoal/pkg/types"
)

// Wire shapes shared with the admin API.

// JoinRequest asks the coordinator to add a node to the plane.
type JoinRequest struct {
	Node     string `json:"node"`
	RaftAddr string `json:"raft_addr"`
}

// TokenRequest asks the coordinator to mint a join token for a node.
type TokenRequest struct {
	Node string `json:"node"`
}

// TokenResponse carries a minted join token.
type TokenResponse struct {
	Token string `json:"token"`
}

// MemberInfo is one coordination plane member.
type MemberInfo struct {
	ID       string `json:"id"`
	Addr     string `json:"addr"`
	Suffrage string `json:"suffrage"`
}

// StatusResponse is the agent's view of itself and the fleet.
type StatusResponse struct {
	NodeName        string            `json:"node_name"`
	Fleet           string            `json:"fleet"`
	State           string            `json:"state"`
	Coordinator     bool              `json:"coordinator"`
	CoordinatorAddr string            `json:"coordinator_addr"`
	Members         []MemberInfo      `json:"members"`
	Raft            map[string]string `json:"raft,omitempty"`
}

// NodesResponse pairs the engine's live view with the broadcast plan.
type NodesResponse struct {
	Live []types.Node `json:"live"`
	Plan types.Plan   `json:"plan"`
}

// HealthResponse summarizes cluster health.
type HealthResponse struct {
	Color              string `json:"color"`
	RelocatingShards   int    `json:"relocating_shards"`
	InitializingShards int    `json:"initializing_shards"`
	UnassignedShards   int    `json:"unassigned_shards"`
}

// LockResponse describes the fleet removal lock.
type LockResponse struct {
	Held       bool      `json:"held"`
	Holder     string    `json:"holder,omitempty"`
	AcquiredAt time.Time `json:"acquired_at,omitempty"`
}

// PluginStatus is one plugin's installation state.
type PluginStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// PluginsResponse lists plugin statuses.
type PluginsResponse struct {
	Plugins []PluginStatus `json:"plugins"`
}

// PluginRequest applies an action to one plugin.
type PluginRequest struct {
	Action string            `json:"action"`
	Name   string            `json:"name"`
	Config map[string]string `json:"config,omitempty"`
}

// AdminPasswordRequest rotates the engine admin credential.
type AdminPasswordRequest struct {
	Password string `json:"password,omitempty"`
}

// AdminPasswordResponse carries the engine admin credential.
type AdminPasswordResponse struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// errorResponse is the API's error envelope. Code maps a few common
// conditions back onto sentinel errors on the client side.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client talks to one agent's admin API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for the agent at addr (host:port).
func New(addr string) *Client {
	return NewWithToken(addr, "")
}

// NewWithToken creates a client that authenticates with a bearer token.
func NewWithToken(addr, token string) *Client {
	return &Client{
		baseURL: "http://" + addr,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// JoinCluster asks the coordinator to add node to the plane. The
// client's token must be a join token minted for that node.
func (c *Client) JoinCluster(ctx context.Context, node, raftAddr string) error {
	return c.do(ctx, http.MethodPost, c.baseURL+"/v1/join", c.token, JoinRequest{Node: node, RaftAddr: raftAddr}, nil)
}

// MintJoinToken asks the coordinator for a join token for node.
func (c *Client) MintJoinToken(ctx context.Context, node string) (string, error) {
	var resp TokenResponse
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/v1/token", c.token, TokenRequest{Node: node}, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

// ForwardCommand submits a command to the coordinator at apiAddr on
// behalf of this agent. Implements coordination.Forwarder.
func (c *Client) ForwardCommand(ctx context.Context, apiAddr, token string, cmd coordination.Command) error {
	return c.do(ctx, http.MethodPost, "http://"+apiAddr+"/v1/forward", token, cmd, nil)
}

// Status fetches the agent's status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/v1/status", c.token, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Nodes fetches the live node list and the current role plan.
func (c *Client) Nodes(ctx context.Context) (*NodesResponse, error) {
	var resp NodesResponse
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/v1/nodes", c.token, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health fetches the cluster health summary.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/v1/health", c.token, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LockStatus fetches the removal lock state.
func (c *Client) LockStatus(ctx context.Context) (*LockResponse, error) {
	var resp LockResponse
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/v1/lock", c.token, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Plugins fetches plugin statuses.
func (c *Client) Plugins(ctx context.Context) (*PluginsResponse, error) {
	var resp PluginsResponse
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/v1/plugins", c.token, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PluginAction applies install, enable, disable or remove to a plugin.
func (c *Client) PluginAction(ctx context.Context, action, name string, config map[string]string) error {
	req := PluginRequest{Action: action, Name: name, Config: config}
	return c.do(ctx, http.MethodPost, c.baseURL+"/v1/plugins", c.token, req, nil)
}

// AdminPassword fetches the engine admin credential.
func (c *Client) AdminPassword(ctx context.Context) (*AdminPasswordResponse, error) {
	var resp AdminPasswordResponse
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/v1/admin-password", c.token, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetAdminPassword rotates the engine admin credential. An empty
// password asks the agent to generate one.
func (c *Client) SetAdminPassword(ctx context.Context, password string) (*AdminPasswordResponse, error) {
	var resp AdminPasswordResponse
	req := AdminPasswordRequest{Password: password}
	if err := c.do(ctx, http.MethodPut, c.baseURL+"/v1/admin-password", c.token, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, url, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return types.NewTransientError("admin api request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var envelope errorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Message == "" {
		return fmt.Errorf("admin api: %s", resp.Status)
	}
	switch envelope.Code {
	case "lock_held":
		return fmt.Errorf("%s: %w", envelope.Message, types.ErrLockHeld)
	case "not_coordinator":
		return fmt.Errorf("%s: %w", envelope.Message, types.ErrNotCoordinator)
	case "unavailable":
		return types.NewTransientError("admin api", fmt.Errorf("%s", envelope.Message))
	default:
		return fmt.Errorf("admin api: %s", envelope.Message)
	}
}
