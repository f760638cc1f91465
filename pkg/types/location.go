package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// UnknownCoordinateMarker is what each half of an unknown coordinate
// serializes to.
const UnknownCoordinateMarker = "?"

// Coordinate is a (longitude, latitude) pair. The zero value is unknown.
type Coordinate struct {
	Longitude float64
	Latitude  float64
	Known     bool
}

func NewCoordinate(lon, lat float64) Coordinate {
	return Coordinate{Longitude: lon, Latitude: lat, Known: true}
}

func (c Coordinate) String() string {
	if !c.Known {
		return "(?, ?)"
	}
	return fmt.Sprintf("(%s, %s)", formatDegrees(c.Longitude), formatDegrees(c.Latitude))
}

func (c Coordinate) MarshalJSON() ([]byte, error) {
	if !c.Known {
		return []byte(`["?","?"]`), nil
	}
	return []byte("[" + formatDegrees(c.Longitude) + "," + formatDegrees(c.Latitude) + "]"), nil
}

// UnmarshalJSON reads a two-element array. null is an unknown coordinate.
func (c *Coordinate) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*c = Coordinate{}
		return nil
	}
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("coordinate: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("coordinate: want 2 elements, got %d", len(pair))
	}
	lon, lonOK := ParseDegrees(pair[0])
	lat, latOK := ParseDegrees(pair[1])
	if !lonOK || !latOK {
		*c = Coordinate{}
		return nil
	}
	*c = NewCoordinate(lon, lat)
	return nil
}

// ParseDegrees accepts a JSON number or a numeric JSON string.
func ParseDegrees(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func formatDegrees(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Location is the public network identity seen while a tunnel is up.
// Empty strings mean the field was not reported.
type Location struct {
	IP         string
	Version    string
	City       string
	Region     string
	Country    string
	Coordinate Coordinate
}

// SetIP stores a sanitized address and fills Version when the service
// did not report one.
func (l *Location) SetIP(addr string) {
	l.IP = sanitizeIP(addr)
	if l.Version == "" {
		l.Version = ipVersion(l.IP)
	}
}

// IsEmpty reports whether nothing was resolved.
func (l Location) IsEmpty() bool {
	return l.IP == "" && l.City == "" && l.Region == "" && l.Country == "" && !l.Coordinate.Known
}

// IsPrivate reports whether the resolved IP is a private or loopback
// address, which means the lookup did not go through a tunnel exit.
func (l Location) IsPrivate() bool {
	return isPrivateIP(l.IP)
}

func (l Location) String() string {
	return fmt.Sprintf("%s - %s, %s, %s %s",
		orUnknown(l.IP), orUnknown(l.City), orUnknown(l.Region), orUnknown(l.Country), l.Coordinate)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
