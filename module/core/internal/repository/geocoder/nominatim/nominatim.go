package nominatim

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nandanugg/marker-tracker/module/core/domain"
	"github.com/nandanugg/marker-tracker/module/core/internal/repository/geocoder"
)

var _ geocoder.AddressResolver = (*Client)(nil)

const DefaultBaseURL = "https://nominatim.openstreetmap.org"

type Client struct {
	baseURL    string
	userAgent  string
	language   string
	httpClient *http.Client
}

func NewClient(baseURL, userAgent, language string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  userAgent,
		language:   language,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type reverseResponse struct {
	Address *struct {
		City        string `json:"city"`
		Town        string `json:"town"`
		Village     string `json:"village"`
		Road        string `json:"road"`
		HouseNumber string `json:"house_number"`
		House       string `json:"house"`
	} `json:"address"`
}

// Resolve returns a short "city, road, number" label for the coordinate, or
// an empty string when nominatim knows no address there.
func (c *Client) Resolve(ctx context.Context, lat, lon float64) (string, error) {
	q := url.Values{}
	q.Set("format", "json")
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	if c.language != "" {
		q.Set("accept-language", c.language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/reverse?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("build reverse request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("reverse geocode: %w: %w", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("reverse geocode: %w: status %d", domain.ErrTransient, resp.StatusCode)
	}

	var body reverseResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode reverse response: %w: %w", domain.ErrTransient, err)
	}
	if body.Address == nil {
		return "", nil
	}

	a := body.Address
	city := firstNonEmpty(a.City, a.Town, a.Village)
	house := strings.TrimSpace(strings.Join([]string{a.HouseNumber, a.House}, " "))

	parts := make([]string, 0, 3)
	for _, p := range []string{city, a.Road, house} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", "), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
