// Package reporter forwards the device's position stream to the dispatch
// server. Throttling happens at the source (the geoloc watch already
// spaces readings), so the reporter's job is delivery and knowing when to
// give up: transient network failures are retried on the next reading,
// while an expired session stops the loop for good, because every further
// attempt would fail the same way until the user signs in again.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/socsahar/ElgarAdmin-sub001/pkg/geoloc"
)

// ErrAuthExpired reports the 401 that ends background reporting.
var ErrAuthExpired = errors.New("reporter: session expired")

// Reporter posts positions to the location-update endpoint.
type Reporter struct {
	baseURL string
	token   string
	http    *http.Client
	logf    func(string, ...any)
}

// New builds a reporter for the service rooted at baseURL.
func New(baseURL, token string, logf func(string, ...any)) *Reporter {
	if logf == nil {
		logf = log.Printf
	}
	return &Reporter{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		logf:    logf,
	}
}

// locationResponse is the minimal slice of the endpoint's reply.
type locationResponse struct {
	Success bool `json:"success"`
	Location struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"location"`
}

// Report sends one position. A 401 maps to ErrAuthExpired.
func (r *Reporter) Report(ctx context.Context, pos geoloc.Position) error {
	body, err := json.Marshal(map[string]float64{
		"latitude":  pos.Latitude,
		"longitude": pos.Longitude,
	})
	if err != nil {
		return fmt.Errorf("reporter: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/locations", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("reporter: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("reporter: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrAuthExpired
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("reporter: status %d", resp.StatusCode)
	}
	var out locationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// The write landed; a malformed ack is worth a log line, not a
		// failed report.
		r.logf("[reporter] unreadable ack: %v", err)
		return nil
	}
	if !out.Success {
		return fmt.Errorf("reporter: server rejected location")
	}
	return nil
}

// Run consumes the position stream until it closes, the context ends, or
// the session expires. It returns nil on a clean stream close and
// ErrAuthExpired when reporting stopped because of a dead session.
func (r *Reporter) Run(ctx context.Context, positions <-chan geoloc.Position) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pos, ok := <-positions:
			if !ok {
				return nil
			}
			err := r.Report(ctx, pos)
			switch {
			case err == nil:
			case errors.Is(err, ErrAuthExpired):
				r.logf("[reporter] stopping: %v", err)
				return ErrAuthExpired
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return ctx.Err()
			default:
				r.logf("[reporter] report failed, keeping stream: %v", err)
			}
		}
	}
}
