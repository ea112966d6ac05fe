// Package events reads and updates incident records through the remote
// event endpoints. Incidents are owned by the server; this client touches
// only the fields the live map needs: coordinates, address, status.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Event is an incident as the map sees it.
type Event struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	FullAddress  string    `json:"fullAddress"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Status       string    `json:"status"`
	LicensePlate string    `json:"licensePlate,omitempty"`
	CarModel     string    `json:"carModel,omitempty"`
	CarColor     string    `json:"carColor,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Client talks to the event endpoints.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a client for the event service rooted at baseURL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// ActiveWithCoordinates lists the open incidents that have a map position.
func (c *Client) ActiveWithCoordinates(ctx context.Context) ([]Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/events/active-with-coordinates", nil)
	if err != nil {
		return nil, fmt.Errorf("events: build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("events: fetch active: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("events: fetch active: status %d", resp.StatusCode)
	}
	var out []Event
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("events: decode active: %w", err)
	}
	return out, nil
}

// UpdateCoordinates persists a relocated flag: the new position and, when
// reverse geocoding resolved one, the new address.
func (c *Client) UpdateCoordinates(ctx context.Context, eventID string, lat, lon float64, address string) error {
	body, err := json.Marshal(map[string]any{
		"latitude":    lat,
		"longitude":   lon,
		"fullAddress": address,
	})
	if err != nil {
		return fmt.Errorf("events: encode update: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/api/events/"+eventID+"/coordinates", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("events: build update: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("events: update coordinates: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("events: update coordinates: status %d", resp.StatusCode)
	}
	return nil
}
