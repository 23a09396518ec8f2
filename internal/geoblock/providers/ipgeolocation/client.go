// Package ipgeolocation resolves IP addresses through the ipgeolocation.io
// HTTP API.
package ipgeolocation

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
	ProviderID     = "ipgeolocation"
	DefaultBaseURL = "https://api.ipgeolocation.io/ipgeo"

	defaultTimeout  = 5 * time.Second
	maxResponseSize = 1 << 20
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client calls GET {base}?apiKey=KEY&ip=IP.
type Client struct {
	apiKey     string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

type Option func(*Client)

// WithBaseURL points the client at another endpoint (tests, proxies).
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = baseURL
		}
	}
}

// WithTimeout bounds each lookup.
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

// New builds a client. An empty apiKey yields a client whose every lookup
// reports ErrorNotConfigured.
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

type lookupResponse struct {
	CountryCode2 string `json:"country_code2"`
	StateProv    string `json:"state_prov"`
	StateCode    string `json:"state_code"`
	City         string `json:"city"`
}

// Resolve looks ip up with one HTTP request. Keys that are missing and IPs
// that do not parse are rejected without a request.
func (c *Client) Resolve(ctx context.Context, ip string) (models.GeoResult, error) {
	if c.apiKey == "" {
		return models.GeoResult{}, providers.NotConfigured(ProviderID, "api key not set")
	}
	if net.ParseIP(ip) == nil {
		return models.GeoResult{}, providers.Malformed(ProviderID, fmt.Sprintf("invalid ip %q", ip), nil)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint, err := url.Parse(c.baseURL)
	if err != nil {
		return models.GeoResult{}, providers.NotConfigured(ProviderID, fmt.Sprintf("invalid base url %q", c.baseURL))
	}
	q := endpoint.Query()
	q.Set("apiKey", c.apiKey)
	q.Set("ip", ip)
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return models.GeoResult{}, providers.Unavailable(ProviderID, "build request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.GeoResult{}, providers.Unavailable(ProviderID, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return models.GeoResult{}, providers.Unavailable(ProviderID, "read response", err)
	}

	return parseLookupResponse(resp.StatusCode, body)
}

func parseLookupResponse(status int, body []byte) (models.GeoResult, error) {
	if status < 200 || status > 299 {
		return models.GeoResult{}, providers.Unavailable(ProviderID, fmt.Sprintf("unexpected status %d", status), nil)
	}

	var payload lookupResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return models.GeoResult{}, providers.Malformed(ProviderID, "decode response", err)
	}

	country := strings.ToUpper(strings.TrimSpace(payload.CountryCode2))
	if !isCountryCode(country) {
		return models.GeoResult{}, providers.Malformed(ProviderID, fmt.Sprintf("invalid country code %q", payload.CountryCode2), nil)
	}

	return models.GeoResult{
		CountryCode: country,
		StateCode:   optional(payload.StateCode),
		StateName:   optional(payload.StateProv),
		City:        optional(payload.City),
	}, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isCountryCode(s string) bool {
	return len(s) == 2 && s[0] >= 'A' && s[0] <= 'Z' && s[1] >= 'A' && s[1] <= 'Z'
}
