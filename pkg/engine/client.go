package engine

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shoalstack/shoal/pkg/log"
	"github.com/shoalstack/shoal/pkg/metrics"
	"github.com/shoalstack/shoal/pkg/types"
)

// DefaultPort is the engine's HTTP API port.
const DefaultPort = 9200

// Config holds connection settings for the engine API.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	// CACert verifies the engine's TLS certificate. Empty skips
	// verification, which only makes sense before certificates are
	// distributed.
	CACert []byte
	// ClientCert and ClientKey present the node's certificate to the
	// engine. Both or neither.
	ClientCert []byte
	ClientKey  []byte
	Timeout    time.Duration
}

// Client talks to the search engine's REST API on the local node, with
// optional fallback through peer-published alternate hosts.
type Client struct {
	host string
	port int

	mu       sync.RWMutex
	username string
	password string

	http   *http.Client
	logger zerolog.Logger
}

// StatusError is a non-2xx engine response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("engine returned %d: %s", e.Code, e.Body)
}

// NewClient creates an engine API client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	tlsConfig := &tls.Config{}
	if len(cfg.CACert) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(cfg.CACert) {
			return nil, fmt.Errorf("failed to parse engine CA certificate")
		}
		tlsConfig.RootCAs = pool
	} else {
		tlsConfig.InsecureSkipVerify = true
	}
	if len(cfg.ClientCert) > 0 && len(cfg.ClientKey) > 0 {
		pair, err := tls.X509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load engine client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{pair}
	}

	return &Client{
		host:     cfg.Host,
		port:     cfg.Port,
		username: cfg.Username,
		password: cfg.Password,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
		logger: log.WithComponent("engine"),
	}, nil
}

// Host returns the primary host this client targets.
func (c *Client) Host() string { return c.host }

// Port returns the engine API port.
func (c *Client) Port() int { return c.port }

// SetAuth swaps the credentials used for subsequent requests. The
// admin credential only exists after the security bootstrap, so the
// client starts without one and picks it up here.
func (c *Client) SetAuth(username, password string) {
	c.mu.Lock()
	c.username = username
	c.password = password
	c.mu.Unlock()
}

// Request performs one API call against the primary host.
func (c *Client) Request(ctx context.Context, method, path string, body, out any) error {
	return c.requestHost(ctx, method, path, c.host, body, out)
}

// RequestWithFallback tries the primary host first and walks the
// alternate hosts while the failure stays transient. Status errors stop
// the walk: the engine answered, it just did not like the request.
func (c *Client) RequestWithFallback(ctx context.Context, method, path string, body, out any, altHosts []string) error {
	hosts := append([]string{c.host}, altHosts...)
	var lastErr error
	for _, host := range hosts {
		if host == "" {
			continue
		}
		err := c.requestHost(ctx, method, path, host, body, out)
		if err == nil {
			return nil
		}
		if !types.IsTransient(err) {
			return err
		}
		c.logger.Debug().Str("host", host).Err(err).Msg("engine host unreachable, trying next")
		lastErr = err
	}
	if lastErr == nil {
		lastErr = types.NewTransientError("engine request", types.ErrEngineUnreachable)
	}
	return lastErr
}

func (c *Client) requestHost(ctx context.Context, method, path, host string, body, out any) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.EngineRequestDuration, method)

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	endpoint := fmt.Sprintf("https://%s:%d%s", host, c.port, path)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	c.mu.RUnlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return types.NewTransientError(fmt.Sprintf("%s %s", method, path),
			fmt.Errorf("%w: %v", types.ErrEngineUnreachable, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return types.NewTransientError(fmt.Sprintf("%s %s", method, path), err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return types.NewTransientError(fmt.Sprintf("%s %s", method, path),
			&StatusError{Code: resp.StatusCode, Body: string(data)})
	}
	if resp.StatusCode >= 400 {
		return &StatusError{Code: resp.StatusCode, Body: string(data)}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}

// IsNodeUp reports whether the local engine process answers the API.
func (c *Client) IsNodeUp(ctx context.Context) bool {
	err := c.Request(ctx, http.MethodGet, "/_nodes", nil, nil)
	return err == nil
}

// Version returns the engine release the local node runs.
func (c *Client) Version(ctx context.Context) (string, error) {
	var resp struct {
		Version struct {
			Number string `json:"number"`
		} `json:"version"`
	}
	if err := c.Request(ctx, http.MethodGet, "/", nil, &resp); err != nil {
		return "", err
	}
	return resp.Version.Number, nil
}

// ClusterName returns the cluster name the local engine believes it
// belongs to.
func (c *Client) ClusterName(ctx context.Context) (string, error) {
	var resp struct {
		ClusterName string `json:"cluster_name"`
	}
	if err := c.Request(ctx, http.MethodGet, "/", nil, &resp); err != nil {
		return "", err
	}
	return resp.ClusterName, nil
}

type nodesResponse struct {
	Nodes map[string]nodeInfo `json:"nodes"`
}

type nodeInfo struct {
	Name       string            `json:"name"`
	IP         string            `json:"ip"`
	Roles      []string          `json:"roles"`
	Attributes map[string]string `json:"attributes"`
}

// Nodes lists the cluster's started nodes as the engine reports them,
// sorted by name. Engine-internal roles outside the orchestrated set
// are dropped.
func (c *Client) Nodes(ctx context.Context, altHosts []string) ([]types.Node, error) {
	var resp nodesResponse
	if err := c.RequestWithFallback(ctx, http.MethodGet, "/_nodes", nil, &resp, altHosts); err != nil {
		return nil, err
	}

	nodes := make([]types.Node, 0, len(resp.Nodes))
	for _, info := range resp.Nodes {
		roles := make(types.RoleSet, 0, len(info.Roles))
		for _, r := range info.Roles {
			role := types.Role(r)
			if role.Known() {
				roles = append(roles, role)
			}
		}
		nodes = append(nodes, types.Node{
			Name:        info.Name,
			Roles:       roles.Normalize(),
			IP:          info.IP,
			AppName:     info.Attributes["app_name"],
			Temperature: info.Attributes["temp"],
		})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	return nodes, nil
}

// HealthStatus is the engine's cluster health report.
type HealthStatus struct {
	Status             string `json:"status"`
	NumberOfNodes      int    `json:"number_of_nodes"`
	RelocatingShards   int    `json:"relocating_shards"`
	InitializingShards int    `json:"initializing_shards"`
	UnassignedShards   int    `json:"unassigned_shards"`
}

// ClusterHealth fetches cluster health, waiting briefly for the cluster
// to settle out of red when asked.
func (c *Client) ClusterHealth(ctx context.Context, waitForNodes bool, altHosts []string) (*HealthStatus, error) {
	path := "/_cluster/health"
	if waitForNodes {
		path += "?wait_for_status=yellow&timeout=5s"
	}
	var health HealthStatus
	if err := c.RequestWithFallback(ctx, http.MethodGet, path, nil, &health, altHosts); err != nil {
		return nil, err
	}
	return &health, nil
}

// Flush commits in-memory segments to disk on all indices.
func (c *Client) Flush(ctx context.Context) error {
	err := c.Request(ctx, http.MethodPost, "/_flush", nil, nil)
	var statusErr *StatusError
	// 409s mean a flush is already in progress, which serves the
	// same purpose.
	if ok := asStatusError(err, &statusErr); ok && statusErr.Code == http.StatusConflict {
		return nil
	}
	return err
}

// AddVotingExclusions registers the named nodes in the cluster's voting
// exclusion list.
func (c *Client) AddVotingExclusions(ctx context.Context, names []string, altHosts []string) error {
	path := "/_cluster/voting_config_exclusions?node_names=" + url.QueryEscape(strings.Join(names, ",")) + "&timeout=1m"
	return c.RequestWithFallback(ctx, http.MethodPost, path, nil, nil, altHosts)
}

// ClearVotingExclusions removes every voting exclusion.
func (c *Client) ClearVotingExclusions(ctx context.Context, altHosts []string) error {
	path := "/_cluster/voting_config_exclusions?wait_for_removal=false"
	return c.RequestWithFallback(ctx, http.MethodDelete, path, nil, nil, altHosts)
}

type allocationSettings struct {
	Transient map[string]*string `json:"transient"`
}

const allocationExcludeSetting = "cluster.routing.allocation.exclude._name"

// SetAllocationExclusion keeps shards off the named node so they drain
// before it stops.
func (c *Client) SetAllocationExclusion(ctx context.Context, name string, altHosts []string) error {
	value := name
	body := allocationSettings{Transient: map[string]*string{allocationExcludeSetting: &value}}
	return c.RequestWithFallback(ctx, http.MethodPut, "/_cluster/settings", body, nil, altHosts)
}

// ClearAllocationExclusions resets the allocation exclusion list.
func (c *Client) ClearAllocationExclusions(ctx context.Context, altHosts []string) error {
	body := allocationSettings{Transient: map[string]*string{allocationExcludeSetting: nil}}
	return c.RequestWithFallback(ctx, http.MethodPut, "/_cluster/settings", body, nil, altHosts)
}

type patchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value string `json:"value"`
}

// UpdateUserPasswordHash replaces an internal user's password hash
// through the security plugin API.
func (c *Client) UpdateUserPasswordHash(ctx context.Context, username, hash string) error {
	body := []patchOp{{Op: "replace", Path: "/hash", Value: hash}}
	return c.Request(ctx, http.MethodPatch, "/_plugins/_security/api/internalusers/"+url.PathEscape(username), body, nil)
}

func asStatusError(err error, target **StatusError) bool {
	return err != nil && errors.As(err, target)
}
