// Package geo resolves the public network identity seen through the
// active tunnel using an HTTP geolocation service.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/saveenergy/tunnelbench/internal/config"
	"github.com/saveenergy/tunnelbench/internal/logging"
	benchErrors "github.com/saveenergy/tunnelbench/pkg/errors"
	"github.com/saveenergy/tunnelbench/pkg/types"
)

// SignUpSentinel marks coordinates the free tier of the service withholds.
const SignUpSentinel = "Sign up to access"

const maxBodyBytes = 1 << 20

type Locator struct {
	url       string
	userAgent string
	client    *http.Client
	logger    *logging.Logger
}

func NewLocator(cfg config.GeoConfig) *Locator {
	return &Locator{
		url:       cfg.URL,
		userAgent: cfg.UserAgent,
		client:    &http.Client{Timeout: cfg.Timeout},
		logger:    logging.NewLogger("geo"),
	}
}

// Lookup never fails: any error is logged and an empty Location is
// returned.
func (l *Locator) Lookup(ctx context.Context) types.Location {
	loc, err := l.LookupErr(ctx)
	if err != nil {
		l.logger.Warn("Failed to lookup IP address information", logging.F("error", err))
		return types.Location{}
	}
	return loc
}

// LookupErr is Lookup with the failure reported instead of swallowed.
func (l *Locator) LookupErr(ctx context.Context) (types.Location, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.url, nil)
	if err != nil {
		return types.Location{}, benchErrors.ErrLookupFailed("build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if l.userAgent != "" {
		req.Header.Set("User-Agent", l.userAgent)
	}

	start := time.Now()
	resp, err := l.client.Do(req)
	if err != nil {
		return types.Location{}, benchErrors.ErrLookupFailed("request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return types.Location{}, benchErrors.ErrLookupFailed("read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return types.Location{}, benchErrors.ErrLookupFailed(
			fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	loc, err := Parse(body)
	if err != nil {
		return types.Location{}, err
	}
	l.logger.Debug("location resolved",
		logging.F("ip", loc.IP), logging.F("elapsed", time.Since(start)))
	return loc, nil
}

type response struct {
	IP        string          `json:"ip"`
	Version   string          `json:"version"`
	City      string          `json:"city"`
	Region    string          `json:"region"`
	Country   string          `json:"country_name"`
	Latitude  json.RawMessage `json:"latitude"`
	Longitude json.RawMessage `json:"longitude"`

	// Error responses carry these instead.
	Error  bool   `json:"error"`
	Reason string `json:"reason"`
}

// Parse decodes a geolocation response. Absent fields stay empty; a
// withheld or non-numeric coordinate makes the whole coordinate unknown.
func Parse(body []byte) (types.Location, error) {
	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return types.Location{}, benchErrors.ErrUnparseable("geolocation response", err)
	}
	if r.Error {
		return types.Location{}, benchErrors.ErrLookupFailed("service error: "+r.Reason, nil)
	}

	loc := types.Location{
		Version: r.Version,
		City:    r.City,
		Region:  r.Region,
		Country: r.Country,
	}
	loc.SetIP(r.IP)

	if withheld(r.Latitude) || withheld(r.Longitude) {
		return loc, nil
	}
	lon, lonOK := types.ParseDegrees(r.Longitude)
	lat, latOK := types.ParseDegrees(r.Latitude)
	if lonOK && latOK {
		loc.Coordinate = types.NewCoordinate(lon, lat)
	}
	return loc, nil
}

func withheld(raw json.RawMessage) bool {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	return strings.Contains(s, SignUpSentinel)
}
