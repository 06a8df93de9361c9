package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// ErrNotFound is returned when the API answers 404.
var ErrNotFound = errors.New("not found")

// ErrUnauthorized is returned when the API answers 401 or 403.
var ErrUnauthorized = errors.New("unauthorized")

// Client talks to the horizon status API.
type Client struct {
	baseURL  string
	client   *http.Client
	logger   *slog.Logger
	token    string
	username string
	password string
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification

	// Credentials for a server with [server.auth]; Token wins over basic auth.
	Token    string
	Username string
	Password string
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8080/horizon",
		Timeout: 10 * time.Second,
	}
}

// New creates a client. An invalid TLS setup is logged and plain transport is used.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL:  config.BaseURL,
		logger:   config.Logger,
		token:    config.Token,
		username: config.Username,
		password: config.Password,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// Login exchanges username and password for a bearer token, which the
// client then uses for every later request.
func (c *Client) Login(ctx context.Context, username, password string) (*Token, error) {
	var out struct {
		Token *Token `json:"token"`
	}
	body := map[string]string{"username": username, "password": password}
	if err := c.doJSON(ctx, http.MethodPost, "/auth/login", body, &out); err != nil {
		return nil, err
	}
	if out.Token == nil {
		return nil, errors.New("login response carried no token")
	}
	c.token = out.Token.Value
	return out.Token, nil
}

// IsReachable checks if the status API answers.
func (c *Client) IsReachable(ctx context.Context) bool {
	var out []Master
	err := c.do(ctx, http.MethodGet, "/masters", &out)
	if err != nil {
		c.logger.Debug("status API unreachable", "error", err)
	}
	return err == nil
}

// Masters lists live masters.
func (c *Client) Masters(ctx context.Context) ([]Master, error) {
	var out []Master
	return out, c.do(ctx, http.MethodGet, "/masters", &out)
}

// Supervisors lists live supervisors.
func (c *Client) Supervisors(ctx context.Context) ([]Supervisor, error) {
	var out []Supervisor
	return out, c.do(ctx, http.MethodGet, "/supervisors", &out)
}

// Supervisor returns one supervisor by full name.
func (c *Client) Supervisor(ctx context.Context, name string) (*Supervisor, error) {
	var out Supervisor
	if err := c.do(ctx, http.MethodGet, "/supervisors/"+url.PathEscape(name), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PauseSupervisor queues a pause for the supervisor whose name ends with name.
func (c *Client) PauseSupervisor(ctx context.Context, name string) (CommandResult, error) {
	var out CommandResult
	return out, c.do(ctx, http.MethodPost, "/supervisors/"+url.PathEscape(name)+"/pause", &out)
}

// ContinueSupervisor queues a continue for the supervisor whose name ends with name.
func (c *Client) ContinueSupervisor(ctx context.Context, name string) (CommandResult, error) {
	var out CommandResult
	return out, c.do(ctx, http.MethodPost, "/supervisors/"+url.PathEscape(name)+"/continue", &out)
}

// Orphans lists the recorded orphans of master.
func (c *Client) Orphans(ctx context.Context, master string) ([]Orphan, error) {
	var out []Orphan
	return out, c.do(ctx, http.MethodGet, "/orphans/"+url.PathEscape(master), &out)
}

// History returns recent worker runs of supervisors starting with prefix.
func (c *Client) History(ctx context.Context, prefix string, limit int) ([]Run, error) {
	q := url.Values{}
	if prefix != "" {
		q.Set("supervisor", prefix)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []Run
	return out, c.do(ctx, http.MethodGet, path, &out)
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 opt-in
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true // #nosec G402 opt-in
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

// do performs a request and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	return c.doJSON(ctx, method, path, nil, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.username != "":
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		errorResp.Error = http.StatusText(resp.StatusCode)
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, errorResp.Error)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w (HTTP %d): %s", ErrUnauthorized, resp.StatusCode, errorResp.Error)
	}
	return fmt.Errorf("API error (HTTP %d): %s", resp.StatusCode, errorResp.Error)
}
