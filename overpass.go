package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultOverpassURL is the public Overpass API interpreter endpoint
	DefaultOverpassURL = "https://overpass-api.de/api/interpreter"

	defaultOverpassTimeout = 30 * time.Second
	defaultOverpassRetries = 3
	defaultOverpassBackoff = 500 * time.Millisecond

	// maxOverpassResponseBytes caps a single response at 20 MB
	maxOverpassResponseBytes = 20 << 20
)

// RoadDataClient queries road geometry around a location
type RoadDataClient interface {
	QueryNearby(ctx context.Context, location Point, radiusMeters float64) (*RoadDataResponse, error)
}

// RoadDataResponse is the Overpass JSON response
type RoadDataResponse struct {
	Elements []RoadElement `json:"elements"`
}

// RoadElement is one Overpass element. Only ways queried with "out geom"
// carry geometry and bounds.
type RoadElement struct {
	Type     string            `json:"type"`
	ID       int64             `json:"id"`
	Bounds   *ElementBounds    `json:"bounds,omitempty"`
	Geometry []LatLon          `json:"geometry,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// LatLon is an Overpass coordinate
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ElementBounds is an Overpass bounding box
type ElementBounds struct {
	MinLat float64 `json:"minlat"`
	MinLon float64 `json:"minlon"`
	MaxLat float64 `json:"maxlat"`
	MaxLon float64 `json:"maxlon"`
}

// OverpassOption configures an OverpassClient
type OverpassOption func(*OverpassClient)

// WithOverpassHTTPClient overrides the HTTP client (useful for testing)
func WithOverpassHTTPClient(client *http.Client) OverpassOption {
	return func(c *OverpassClient) {
		c.client = client
	}
}

// WithOverpassRetries sets the maximum number of attempts
func WithOverpassRetries(n int) OverpassOption {
	return func(c *OverpassClient) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithOverpassBackoff sets the base delay between attempts
func WithOverpassBackoff(d time.Duration) OverpassOption {
	return func(c *OverpassClient) {
		c.baseBackoff = d
	}
}

// WithOverpassWayFilter sets the tag filter appended to the way query,
// e.g. `["highway"]`. An empty filter returns every way.
func WithOverpassWayFilter(filter string) OverpassOption {
	return func(c *OverpassClient) {
		c.wayFilter = filter
	}
}

// OverpassClient queries ways around a point from an Overpass API endpoint
type OverpassClient struct {
	endpoint    string
	client      *http.Client
	maxRetries  int
	baseBackoff time.Duration
	wayFilter   string
	logger      *slog.Logger
}

// NewOverpassClient creates a client for endpoint
func NewOverpassClient(endpoint string, opts ...OverpassOption) *OverpassClient {
	if endpoint == "" {
		endpoint = DefaultOverpassURL
	}
	c := &OverpassClient{
		endpoint:    endpoint,
		maxRetries:  defaultOverpassRetries,
		baseBackoff: defaultOverpassBackoff,
		wayFilter:   `["highway"]`,
		logger:      slog.With("endpoint", endpoint),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: defaultOverpassTimeout}
	}
	return c
}

// BuildNearbyQuery returns the Overpass QL for ways within radius of location
func (c *OverpassClient) BuildNearbyQuery(location Point, radiusMeters float64) string {
	return fmt.Sprintf("[out:json][timeout:25];way(around:%.0f,%f,%f)%s;out geom;",
		radiusMeters, location.Lat, location.Lng, c.wayFilter)
}

// QueryNearby returns the raw elements around location
func (c *OverpassClient) QueryNearby(ctx context.Context, location Point, radiusMeters float64) (*RoadDataResponse, error) {
	if radiusMeters <= 0 {
		return nil, fmt.Errorf("query nearby: radius must be positive, got %g", radiusMeters)
	}

	query := c.BuildNearbyQuery(location, radiusMeters)
	RoadQueriesTotal.Inc()
	t0 := time.Now()
	defer func() {
		RoadQueryDurationMs.Observe(float64(time.Since(t0).Milliseconds()))
	}()

	var lastErr error
	for attempt := range c.maxRetries {
		if attempt > 0 {
			backoff := c.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				RoadQueryFailTotal.Inc()
				return nil, fmt.Errorf("query nearby: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		body, err := c.doQuery(ctx, query)
		if err != nil {
			lastErr = err
			var se *overpassStatusError
			if errors.As(err, &se) && !se.retryable() {
				break
			}
			c.logger.Debug("overpass attempt failed", "attempt", attempt+1, "error", err)
			continue
		}

		var resp RoadDataResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			RoadQueryFailTotal.Inc()
			return nil, fmt.Errorf("query nearby: parsing response: %w", err)
		}
		return &resp, nil
	}

	RoadQueryFailTotal.Inc()
	return nil, fmt.Errorf("query nearby: %w", lastErr)
}

type overpassStatusError struct {
	status int
}

func (e *overpassStatusError) Error() string {
	return fmt.Sprintf("overpass status %d", e.status)
}

func (e *overpassStatusError) retryable() bool {
	return e.status == http.StatusTooManyRequests || e.status >= 500
}

func (c *OverpassClient) doQuery(ctx context.Context, query string) ([]byte, error) {
	form := url.Values{}
	form.Set("data", query)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", c.endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &overpassStatusError{status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxOverpassResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return body, nil
}
