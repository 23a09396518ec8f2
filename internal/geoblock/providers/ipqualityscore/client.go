// Package ipqualityscore reports VPN, proxy and Tor signals through the
// IPQualityScore JSON API.
package ipqualityscore

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"geogate/internal/geoblock/models"
	"geogate/internal/geoblock/providers"
)

const (
	ProviderID     = "ipqualityscore"
	DefaultBaseURL = "https://ipqualityscore.com/api/json/ip"

	defaultTimeout  = 5 * time.Second
	maxResponseSize = 1 << 20
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client calls GET {base}/{key}/{ip}.
type Client struct {
	apiKey     string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// New builds a client. Without an apiKey every check reports
// ErrorNotConfigured.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    DefaultBaseURL,
		timeout:    defaultTimeout,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ID() string {
	return ProviderID
}

type checkResponse struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
	VPN     bool   `json:"vpn"`
	Proxy   bool   `json:"proxy"`
	Tor     bool   `json:"tor"`
}

func (c *Client) Check(ctx context.Context, ip string) (models.FraudSignal, error) {
	if c.apiKey == "" {
		return models.FraudSignal{}, providers.NotConfigured(ProviderID, "api key not set")
	}
	if net.ParseIP(ip) == nil {
		return models.FraudSignal{}, providers.Malformed(ProviderID, fmt.Sprintf("invalid ip %q", ip), nil)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL + "/" + url.PathEscape(c.apiKey) + "/" + url.PathEscape(ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.FraudSignal{}, providers.Unavailable(ProviderID, "build request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.FraudSignal{}, providers.Unavailable(ProviderID, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return models.FraudSignal{}, providers.Unavailable(ProviderID, "read response", err)
	}

	return parseCheckResponse(resp.StatusCode, body)
}

func parseCheckResponse(status int, body []byte) (models.FraudSignal, error) {
	if status < 200 || status > 299 {
		return models.FraudSignal{}, providers.Unavailable(ProviderID, fmt.Sprintf("unexpected status %d", status), nil)
	}

	var payload checkResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return models.FraudSignal{}, providers.Malformed(ProviderID, "decode response", err)
	}
	if payload.Success == nil {
		return models.FraudSignal{}, providers.Malformed(ProviderID, "response has no success field", nil)
	}
	if !*payload.Success {
		msg := payload.Message
		if msg == "" {
			msg = "lookup unsuccessful"
		}
		return models.FraudSignal{}, providers.Unavailable(ProviderID, msg, nil)
	}

	return models.FraudSignal{
		IsVPN:   payload.VPN,
		IsProxy: payload.Proxy,
		IsTor:   payload.Tor,
	}, nil
}
