// Package geocode translates between street addresses and coordinates
// through an OpenStreetMap-compatible service. Both directions are paced
// to one request per second against the public endpoint, and every request
// carries the client identifier the service's usage policy asks for.
//
// The client is a constructed instance with its own lifecycle, not a
// package singleton, so tests point it at a fake server and several
// instances can coexist.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is the public OSM Nominatim endpoint.
const DefaultBaseURL = "https://nominatim.openstreetmap.org"

// ErrInvalidCoordinates fails a reverse lookup before any network call.
var ErrInvalidCoordinates = errors.New("geocode: coordinates out of bounds")

// Point is a forward-geocoding result.
type Point struct {
	Latitude    float64
	Longitude   float64
	DisplayName string
}

// Client is the geocoding adapter.
type Client struct {
	baseURL   string
	userAgent string
	lang      string
	country   string
	http      *http.Client
	forward   *pacer
	reverse   *pacer
	logf      func(string, ...any)
}

// Config tunes a Client. Zero values use the public endpoint, Hebrew
// locale, and the one-second pacing the service requires.
type Config struct {
	BaseURL   string
	UserAgent string        // client identifier header, required by the service
	Language  string        // accept-language for composed addresses
	Country   string        // ISO code biasing the locale-specialised attempt
	Pace      time.Duration // spacing between requests per operation
	Logf      func(string, ...any)
}

// NewClient starts the pacing goroutines and returns the adapter. Call
// Close when done.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "ElgarAdmin-console/1.0"
	}
	if cfg.Language == "" {
		cfg.Language = "he"
	}
	if cfg.Country == "" {
		cfg.Country = "il"
	}
	if cfg.Pace <= 0 {
		cfg.Pace = time.Second
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		lang:      cfg.Language,
		country:   cfg.Country,
		http:      &http.Client{Timeout: 10 * time.Second},
		forward:   newPacer(cfg.Pace),
		reverse:   newPacer(cfg.Pace),
		logf:      cfg.Logf,
	}
}

// Close stops the pacing goroutines.
func (c *Client) Close() {
	c.forward.stop()
	c.reverse.stop()
}

// searchResult is the minimal slice of the service's search response.
type searchResult struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

// reverseResult is the minimal slice of the reverse response.
type reverseResult struct {
	DisplayName string `json:"display_name"`
	Address     struct {
		Road        string `json:"road"`
		HouseNumber string `json:"house_number"`
		City        string `json:"city"`
		Town        string `json:"town"`
		Village     string `json:"village"`
	} `json:"address"`
}

// AddressToCoordinates resolves a free-form address. It tries, in order: a
// locale-specialised form restricted to the configured country, a cleaned
// generic form, the cleaned form without the country restriction, and
// finally a transliterated form for addresses written in Hebrew script.
// The first hit wins; ok is false when every attempt misses. A transport
// error aborts the chain, because the later attempts would hit the same
// broken network anyway.
func (c *Client) AddressToCoordinates(ctx context.Context, address string) (Point, bool, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return Point{}, false, nil
	}

	type attempt struct {
		query       string
		restrictCty bool
	}
	cleaned := cleanAddress(address)
	attempts := []attempt{
		{query: localeForm(address, c.country), restrictCty: true},
		{query: cleaned, restrictCty: true},
		{query: cleaned, restrictCty: false},
	}
	if translit := transliterate(cleaned); translit != cleaned {
		attempts = append(attempts, attempt{query: translit, restrictCty: false})
	}

	for i, a := range attempts {
		if err := c.forward.wait(ctx); err != nil {
			return Point{}, false, err
		}
		pt, found, err := c.search(ctx, a.query, a.restrictCty)
		if err != nil {
			return Point{}, false, fmt.Errorf("geocode: attempt %d: %w", i+1, err)
		}
		if found {
			return pt, true, nil
		}
	}
	return Point{}, false, nil
}

func (c *Client) search(ctx context.Context, query string, restrictCountry bool) (Point, bool, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("limit", "1")
	q.Set("accept-language", c.lang)
	if restrictCountry {
		q.Set("countrycodes", c.country)
	}

	var results []searchResult
	if err := c.get(ctx, "/search?"+q.Encode(), &results); err != nil {
		return Point{}, false, err
	}
	if len(results) == 0 {
		return Point{}, false, nil
	}
	lat, err1 := strconv.ParseFloat(results[0].Lat, 64)
	lon, err2 := strconv.ParseFloat(results[0].Lon, 64)
	if err1 != nil || err2 != nil {
		return Point{}, false, nil
	}
	return Point{Latitude: lat, Longitude: lon, DisplayName: results[0].DisplayName}, true, nil
}

// CoordinatesToAddress resolves a position to a locale-composed address
// string. Bounds are checked before any network traffic; invalid input
// fails fast with ErrInvalidCoordinates. ok is false when the service has
// no address for the position.
func (c *Client) CoordinatesToAddress(ctx context.Context, lat, lon float64) (string, bool, error) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 || (lat == 0 && lon == 0) {
		return "", false, ErrInvalidCoordinates
	}
	if err := c.reverse.wait(ctx); err != nil {
		return "", false, err
	}

	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("format", "json")
	q.Set("accept-language", c.lang)

	var res reverseResult
	if err := c.get(ctx, "/reverse?"+q.Encode(), &res); err != nil {
		return "", false, fmt.Errorf("geocode: reverse: %w", err)
	}
	if addr := composeAddress(res); addr != "" {
		return addr, true, nil
	}
	if res.DisplayName != "" {
		return res.DisplayName, true, nil
	}
	return "", false, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// composeAddress builds "road number, city" from the structured response,
// falling back through the settlement fields the service uses for smaller
// places.
func composeAddress(res reverseResult) string {
	city := res.Address.City
	if city == "" {
		city = res.Address.Town
	}
	if city == "" {
		city = res.Address.Village
	}
	var street string
	switch {
	case res.Address.Road != "" && res.Address.HouseNumber != "":
		street = res.Address.Road + " " + res.Address.HouseNumber
	case res.Address.Road != "":
		street = res.Address.Road
	}
	switch {
	case street != "" && city != "":
		return street + ", " + city
	case street != "":
		return street
	case city != "":
		return city
	}
	return ""
}

// localeForm appends the country name when the address does not already
// mention it, which sharpens results for short local addresses.
func localeForm(address, country string) string {
	suffix := map[string]string{"il": "Israel"}[country]
	if suffix == "" {
		return cleanAddress(address)
	}
	lower := strings.ToLower(address)
	if strings.Contains(lower, strings.ToLower(suffix)) || strings.Contains(address, "ישראל") {
		return cleanAddress(address)
	}
	return cleanAddress(address) + ", " + suffix
}

// cleanAddress collapses whitespace and strips decoration that confuses
// the search parser.
func cleanAddress(address string) string {
	replacer := strings.NewReplacer("\t", " ", "\n", " ", "\"", "", "'", "")
	address = replacer.Replace(address)
	return strings.Join(strings.Fields(address), " ")
}
