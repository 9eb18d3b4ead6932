package occupancy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nerrad567/energino-core/internal/infrastructure/httpkit"
)

// ErrUnavailable is returned when the wireless controller cannot be read.
var ErrUnavailable = errors.New("occupancy: controller unavailable")

const (
	apiKeyHeader   = "X-API-KEY"
	defaultTimeout = 5 * time.Second
	maxBodySize    = 4 << 20
)

// Station is one associated wireless client.
type Station struct {
	MAC   string `json:"macAddress"`
	Agent string `json:"agent"`
	SSID  string `json:"lvapSsid"`
}

// Client reads the station list from the wireless controller.
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client for the station list at url. A nil
// httpClient gets an httpkit client with one retry.
func NewClient(url, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = httpkit.NewClient(
			httpkit.WithTimeout(defaultTimeout),
			httpkit.WithRetry(1, time.Second),
		)
	}
	return &Client{url: url, apiKey: apiKey, httpClient: httpClient}
}

// Stations fetches every associated station.
func (c *Client) Stations(ctx context.Context) ([]Station, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer httpkit.DrainAndClose(resp.Body, maxBodySize)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, body)
	}

	var stations []Station
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&stations); err != nil {
		return nil, fmt.Errorf("%w: decoding stations: %w", ErrUnavailable, err)
	}
	return stations, nil
}
