// Package upstream talks to the tunnel service's account API: the tunnel
// list a user owns and the per-node config blob carrying relay credentials.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.olrik.dev/frpvisor/internal/core"
	"go.olrik.dev/frpvisor/internal/frpc"
	"gopkg.in/ini.v1"
)

// APIError is a well-formed response whose envelope reports a failure
type APIError struct {
	Endpoint string
	Code     int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: api returned code %d: %s", e.Endpoint, e.Code, e.Message)
}

type envelope struct {
	Code  int             `json:"code"`
	State string          `json:"state"`
	Msg   string          `json:"msg"`
	Data  json.RawMessage `json:"data"`
}

// Client is a small retrying client for the account API
type Client struct {
	baseURL string
	http    *retryablehttp.Client
}

// New creates a client for baseURL. Each request is bounded by timeout and
// retried up to retries times on connection errors and 5xx responses.
func New(baseURL string, timeout time.Duration, retries int) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = retries
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = timeout
	rc.Logger = slog.Default()

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    rc,
	}
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values) (json.RawMessage, error) {
	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", core.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Endpoint: endpoint, Code: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to parse response from %s: %w", endpoint, err)
	}
	if env.Code != http.StatusOK {
		return nil, &APIError{Endpoint: endpoint, Code: env.Code, Message: env.Msg}
	}
	return env.Data, nil
}

// ListTunnels returns the tunnels owned by the user behind token
func (c *Client) ListTunnels(ctx context.Context, token string) ([]frpc.Tunnel, error) {
	data, err := c.get(ctx, "/tunnel", url.Values{"token": {token}})
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var tunnels []frpc.Tunnel
	if err := json.Unmarshal(data, &tunnels); err != nil {
		return nil, fmt.Errorf("failed to decode tunnel list: %w", err)
	}
	return tunnels, nil
}

// TunnelConfig fetches the raw config blob the service generates for the
// named tunnels on node.
func (c *Client) TunnelConfig(ctx context.Context, token, node string, names ...string) (string, error) {
	query := url.Values{
		"token": {token},
		"node":  {node},
	}
	if len(names) > 0 {
		query.Set("tunnel_names", strings.Join(names, ","))
	}

	data, err := c.get(ctx, "/tunnel_config", query)
	if err != nil {
		return "", err
	}

	var blob string
	if err := json.Unmarshal(data, &blob); err != nil {
		return "", fmt.Errorf("failed to decode tunnel config: %w", err)
	}
	if strings.TrimSpace(blob) == "" {
		return "", fmt.Errorf("tunnel config for node %q is empty", node)
	}
	return blob, nil
}

// ResolveAuth looks up the relay server and credentials for tunnel t. Only
// the fields present in the blob are set on the result.
func (c *Client) ResolveAuth(ctx context.Context, token string, t frpc.Tunnel) (frpc.Auth, error) {
	blob, err := c.TunnelConfig(ctx, token, t.Node, t.ProxyName())
	if err != nil {
		return frpc.Auth{}, err
	}
	return ParseAuth(blob)
}

// ParseAuth extracts relay credentials from the [common] section of an frpc
// config blob. The user identifier falls back to the token key.
func ParseAuth(blob string) (frpc.Auth, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{
		Insensitive:             true,
		IgnoreInlineComment:     true,
		SkipUnrecognizableLines: true,
	}, []byte(blob))
	if err != nil {
		return frpc.Auth{}, fmt.Errorf("failed to parse tunnel config: %w", err)
	}

	common := cfg.Section("common")
	auth := frpc.Auth{
		ServerAddr: common.Key("server_addr").String(),
		ServerPort: common.Key("server_port").MustInt(0),
		User:       common.Key("user").String(),
		Token:      common.Key("token").String(),
	}
	if auth.User == "" {
		auth.User = auth.Token
	}
	if auth.ServerAddr == "" {
		return auth, fmt.Errorf("tunnel config has no server_addr")
	}
	return auth, nil
}
