// Package venues provides the built-in "find_coffee_shops" tool. It geocodes
// a city via the Nominatim API and then queries the Overpass API for nearby
// cafes, returning up to three places.
//
// Both endpoints are injectable so tests can point the client at local
// httptest servers.
package venues

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Dana-Harb/brewrelay/internal/tools"
	"github.com/Dana-Harb/brewrelay/pkg/upstream"
)

const (
	defaultNominatimURL = "https://nominatim.openstreetmap.org/search"
	defaultOverpassURL  = "https://overpass-api.de/api/interpreter"

	// userAgent identifies the relay to Nominatim, which rejects anonymous
	// clients.
	userAgent = "brewrelay/1.0"

	// searchRadiusMeters bounds the Overpass cafe search around the geocoded
	// city centre.
	searchRadiusMeters = 5000

	maxPlaces = 3
)

// Client performs the two-step OpenStreetMap lookup. The zero value is not
// usable; construct with [NewClient].
type Client struct {
	httpClient   *http.Client
	nominatimURL string
	overpassURL  string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for both APIs.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithNominatimURL overrides the geocoding endpoint.
func WithNominatimURL(u string) Option {
	return func(c *Client) { c.nominatimURL = u }
}

// WithOverpassURL overrides the cafe-query endpoint.
func WithOverpassURL(u string) Option {
	return func(c *Client) { c.overpassURL = u }
}

// NewClient creates a Client against the public OpenStreetMap endpoints.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient:   &http.Client{Timeout: 25 * time.Second},
		nominatimURL: defaultNominatimURL,
		overpassURL:  defaultOverpassURL,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// searchArgs is the JSON-decoded input for the "find_coffee_shops" tool.
type searchArgs struct {
	// City is the city to search in.
	City string `json:"city"`

	// CoffeeType is the caller's preference; echoed back but not used to
	// filter, since OpenStreetMap tagging is too inconsistent for it.
	CoffeeType string `json:"coffee_type"`
}

// place is one coffee shop in the result payload.
type place struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Type    string `json:"type"`
	Source  string `json:"source"`
}

// searchResult is the JSON-encoded output of the "find_coffee_shops" tool.
type searchResult struct {
	City        string  `json:"city"`
	PlacesFound int     `json:"places_found"`
	Places      []place `json:"places"`
	Source      string  `json:"source"`

	// ActualLocation is the display name Nominatim resolved the city to,
	// useful when the model asked about an ambiguous city name.
	ActualLocation string `json:"actual_location,omitempty"`
}

// emptyResult is returned when the search worked but found nothing, so the
// model can tell the user instead of the session erroring.
type emptyResult struct {
	Error        string  `json:"error"`
	Places       []place `json:"places"`
	FallbackUsed bool    `json:"fallback_used"`
}

// nominatimEntry is one geocoding candidate from Nominatim.
type nominatimEntry struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

// overpassResponse is the subset of the Overpass payload we read.
type overpassResponse struct {
	Elements []struct {
		Tags map[string]string `json:"tags"`
	} `json:"elements"`
}

// handler implements the "find_coffee_shops" tool.
func (c *Client) handler(ctx context.Context, args string) (string, error) {
	var a searchArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("venues: failed to parse arguments: %w", err)
	}
	if strings.TrimSpace(a.City) == "" {
		return "", fmt.Errorf("venues: city must not be empty")
	}

	loc, err := c.geocode(ctx, a.City)
	if err != nil {
		return "", fmt.Errorf("venues: geocode %q: %w", a.City, err)
	}

	places, err := c.findCafes(ctx, loc.Lat, loc.Lon)
	if err != nil {
		return "", fmt.Errorf("venues: cafe search near %q: %w", a.City, err)
	}

	if len(places) == 0 {
		res, err := json.Marshal(emptyResult{
			Error:        "Live search unavailable",
			Places:       []place{},
			FallbackUsed: true,
		})
		if err != nil {
			return "", fmt.Errorf("venues: failed to encode result: %w", err)
		}
		return string(res), nil
	}

	res, err := json.Marshal(searchResult{
		City:           a.City,
		PlacesFound:    len(places),
		Places:         places,
		Source:         "openstreetmap",
		ActualLocation: loc.DisplayName,
	})
	if err != nil {
		return "", fmt.Errorf("venues: failed to encode result: %w", err)
	}
	return string(res), nil
}

// geocode resolves a city name to coordinates using Nominatim.
func (c *Client) geocode(ctx context.Context, city string) (nominatimEntry, error) {
	q := url.Values{
		"q":      {city},
		"format": {"json"},
		"limit":  {"1"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.nominatimURL+"?"+q.Encode(), nil)
	if err != nil {
		return nominatimEntry{}, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nominatimEntry{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nominatimEntry{}, fmt.Errorf("nominatim returned status %d", resp.StatusCode)
	}

	var entries []nominatimEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nominatimEntry{}, err
	}
	if len(entries) == 0 {
		return nominatimEntry{}, fmt.Errorf("city not found")
	}
	return entries[0], nil
}

// findCafes queries Overpass for cafes around the given coordinates and
// returns up to [maxPlaces] results.
func (c *Client) findCafes(ctx context.Context, lat, lon string) ([]place, error) {
	query := fmt.Sprintf(`
[out:json][timeout:25];
(
  node["amenity"="cafe"](around:%d,%s,%s);
  node["shop"="coffee"](around:%d,%s,%s);
);
out body;
`, searchRadiusMeters, lat, lon, searchRadiusMeters, lat, lon)

	form := url.Values{"data": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.overpassURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("overpass returned status %d: %s", resp.StatusCode, body)
	}

	var data overpassResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}

	places := make([]place, 0, maxPlaces)
	for _, el := range data.Elements {
		if len(places) == maxPlaces {
			break
		}
		tags := el.Tags

		name := tags["name"]
		if name == "" {
			name = "Coffee Shop"
		}

		var addrParts []string
		for _, key := range []string{"addr:street", "addr:housenumber", "addr:city", "addr:country"} {
			if v := tags[key]; v != "" {
				addrParts = append(addrParts, v)
			}
		}
		address := "Address not available"
		if len(addrParts) > 0 {
			address = strings.Join(addrParts, ", ")
		}

		kind := tags["amenity"]
		if kind == "" {
			kind = "cafe"
		}

		places = append(places, place{
			Name:    name,
			Address: address,
			Type:    kind,
			Source:  "openstreetmap",
		})
	}
	return places, nil
}

// Tools returns the coffee-shop search tool backed by client.
func Tools(client *Client) []tools.Tool {
	return []tools.Tool{
		{
			Definition: upstream.ToolDefinition{
				Name:        "find_coffee_shops",
				Description: "Find up to 3 coffee shops near a specific city using OpenStreetMap",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"city": map[string]any{
							"type":        "string",
							"description": "The city to search for coffee shops in",
						},
						"coffee_type": map[string]any{
							"type":        "string",
							"description": "Type of coffee shop preference",
							"enum":        []string{"specialty", "cafe", "espresso_bar", "roastery", "any"},
						},
					},
					"required":             []string{"city"},
					"additionalProperties": false,
				},
			},
			Handler: client.handler,
		},
	}
}
