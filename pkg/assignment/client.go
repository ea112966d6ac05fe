package assignment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrAuthExpired marks a 401 from the assignment service. The session is
// gone; background work must stop and the user has to sign in again.
var ErrAuthExpired = errors.New("assignment: session expired")

// Client talks to the remote assignment endpoints. It is a plain
// constructed value, not a package singleton, so tests point it at an
// httptest server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a client for the assignment service rooted at baseURL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// do issues one request and decodes the JSON response into out (which may
// be nil for fire-and-forget calls). A 401 maps to ErrAuthExpired so
// callers can distinguish a dead session from a flaky network.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("assignment: encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("assignment: build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("assignment: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrAuthExpired
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("assignment: %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("assignment: decode %s %s: %w", method, path, err)
	}
	return nil
}

// ByVolunteer lists the volunteer's assignments.
func (c *Client) ByVolunteer(ctx context.Context, volunteerID string) ([]Assignment, error) {
	var out []Assignment
	err := c.do(ctx, http.MethodGet, "/api/assignments/volunteer/"+volunteerID, nil, &out)
	return out, err
}

// ByEvent lists the assignments on one incident.
func (c *Client) ByEvent(ctx context.Context, eventID string) ([]Assignment, error) {
	var out []Assignment
	err := c.do(ctx, http.MethodGet, "/api/assignments/event/"+eventID, nil, &out)
	return out, err
}

// Assign creates an assignment binding a volunteer to an incident.
func (c *Client) Assign(ctx context.Context, eventID, volunteerID string) (Assignment, error) {
	var out Assignment
	err := c.do(ctx, http.MethodPost, "/api/assignments", map[string]string{
		"eventId":     eventID,
		"volunteerId": volunteerID,
	}, &out)
	return out, err
}

// Remove deletes an assignment.
func (c *Client) Remove(ctx context.Context, assignmentID string) error {
	return c.do(ctx, http.MethodDelete, "/api/assignments/"+assignmentID, nil, nil)
}

// UpdateTrackingStatus records a status transition together with the
// position captured for it.
func (c *Client) UpdateTrackingStatus(ctx context.Context, assignmentID string, status Status, lat, lon float64, notes string) error {
	return c.do(ctx, http.MethodPut, "/api/assignments/"+assignmentID+"/tracking-status", map[string]any{
		"status":    status,
		"latitude":  lat,
		"longitude": lon,
		"notes":     notes,
	}, nil)
}

// TrackingInfo fetches the authoritative timestamps and derived metrics
// after a transition has been applied.
func (c *Client) TrackingInfo(ctx context.Context, assignmentID string) (TrackingInfo, error) {
	var out TrackingInfo
	err := c.do(ctx, http.MethodGet, "/api/assignments/"+assignmentID+"/tracking-info", nil, &out)
	return out, err
}

// ActiveTracking returns every non-terminal assignment across the unit.
// This is the reconciler's tracking input.
func (c *Client) ActiveTracking(ctx context.Context) ([]Assignment, error) {
	var out []Assignment
	err := c.do(ctx, http.MethodGet, "/api/assignments/tracking/active", nil, &out)
	return out, err
}
