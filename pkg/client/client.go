// Package client talks to a running supervisr daemon over HTTP.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Client provides HTTP client functionality to communicate with the supervisr daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout bounds each call; a start waits for the worker's pid handshake.
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	CACert   string       // PEM file for daemons behind a TLS proxy
	Insecure bool         // Skip TLS verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8080",
		Timeout: 30 * time.Second,
	}
}

// New creates a new supervisr API client.
func New(config Config) (*Client, error) {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := &http.Transport{}
	if config.Insecure || config.CACert != "" {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/workers", nil, nil)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	return true
}

// StartSession starts the basecaller, darkcal or loadingcal worker of session sid.
func (c *Client) StartSession(ctx context.Context, kind, sid string, params map[string]any) (StartResponse, error) {
	var out StartResponse
	path := fmt.Sprintf("/sockets/%s/%s/start", url.PathEscape(sid), url.PathEscape(kind))
	err := c.do(ctx, http.MethodPost, path, StartRequest{Params: params}, &out)
	return out, err
}

// StopSession stops the worker of kind bound to sid. Unknown sessions succeed.
func (c *Client) StopSession(ctx context.Context, kind, sid string) error {
	path := fmt.Sprintf("/sockets/%s/%s/stop", url.PathEscape(sid), url.PathEscape(kind))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// StartPpa starts a post-primary job. An empty mid lets the daemon pick one.
func (c *Client) StartPpa(ctx context.Context, mid string, params map[string]any) (StartResponse, error) {
	var out StartResponse
	err := c.do(ctx, http.MethodPost, "/postprimaries", StartRequest{MID: mid, Params: params}, &out)
	return out, err
}

func (c *Client) StopPpa(ctx context.Context, mid string) error {
	return c.do(ctx, http.MethodPost, "/postprimaries/"+url.PathEscape(mid)+"/stop", nil, nil)
}

// Healthcheck runs a sweep on the daemon and returns what it removed and kept.
func (c *Client) Healthcheck(ctx context.Context) (SweepResult, error) {
	var out SweepResult
	err := c.do(ctx, http.MethodGet, "/healthcheck", nil, &out)
	return out, err
}

func (c *Client) Workers(ctx context.Context) ([]Worker, error) {
	var out []Worker
	err := c.do(ctx, http.MethodGet, "/workers", nil, &out)
	return out, err
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 opt-in
		return tlsConfig, nil
	}
	caCert, err := os.ReadFile(config.CACert)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("parse CA certificate: no certificates found")
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// do sends body as JSON when non-nil and decodes a 200 response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.errorFrom(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) errorFrom(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil {
		apiErr.Message = er.Error
	}
	c.logger.Debug("API request failed", "status", resp.StatusCode, "error", apiErr.Message)
	return apiErr
}
