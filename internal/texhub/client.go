// Package texhub provides the client for the TeXHub project and compile
// ledger service.
package texhub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// API paths.
const (
	PathCompileStatus   = "/tex/project/compile/status"
	PathProjectDownload = "/inner-tex/project/download"
	PathUploadOutput    = "/inner-tex/project/upload-output"
	PathExpireCheck     = "/inner-tex/queue/expire-check"
)

// ErrUnsuccessful is returned when the service answers but does not report
// success, either by HTTP status or by the response envelope.
var ErrUnsuccessful = errors.New("texhub request unsuccessful")

// Options configures a Client.
type Options struct {
	BaseURL        string
	AccessToken    string
	Timeout        time.Duration
	ConnectTimeout time.Duration
	// DeviceID identifies this worker instance in request headers.
	DeviceID string
}

// Client talks to the TeXHub service. A single Client is created at startup
// and shared by every component that issues HTTP calls.
type Client struct {
	baseURL     string
	accessToken string
	deviceID    string
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewClient creates a new client.
func NewClient(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.DeviceID == "" {
		opts.DeviceID = uuid.NewString()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext

	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		accessToken: opts.AccessToken,
		deviceID:    opts.DeviceID,
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		logger: logger,
	}
}

// newRequest builds a request carrying the headers every TeXHub call needs.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-access-token", c.accessToken)
	req.Header.Set("user-id", "1")
	req.Header.Set("app-id", "1")
	req.Header.Set("x-request-id", uuid.NewString())
	req.Header.Set("device-id", c.deviceID)
	return req, nil
}

// doJSON sends body as JSON and returns the raw response body. Non-2xx
// responses are reported as ErrUnsuccessful.
func (c *Client) doJSON(ctx context.Context, method, path string, body any) ([]byte, error) {
	var payload []byte
	switch b := body.(type) {
	case []byte:
		payload = b
	default:
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
	}

	req, err := c.newRequest(ctx, method, path, bytes.NewReader(payload), "application/json")
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response of %s %s: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return respBody, fmt.Errorf("%w: %s %s returned %d: %s", ErrUnsuccessful, method, path, resp.StatusCode, truncate(respBody, 512))
	}
	return respBody, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
