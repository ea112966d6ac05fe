// Package presence maintains the live channel to the dispatch server: it
// joins as an admin console, requests the online roster, and consumes the
// server's push stream.
//
// Protocol contract: every "online-users-updated" event carries the FULL
// current roster, not a delta. A later snapshot completely supersedes an
// earlier one, so consumers replace their copy instead of merging. Keeping
// this explicit here prevents incremental-merge bugs downstream.
//
// Domain notifications (event-created, event-updated, emergency-alert, ...)
// are forwarded uninterpreted to the notification channel.
package presence

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RosterUser is one entry of the online-users snapshot.
type RosterUser struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	FullName      string    `json:"fullName"`
	Role          string    `json:"role"`
	PhoneNumber   string    `json:"phoneNumber"`
	PhotoURL      string    `json:"photoUrl"`
	LastLatitude  float64   `json:"lastLatitude"`
	LastLongitude float64   `json:"lastLongitude"`
	LastUpdate    time.Time `json:"lastUpdate"`
	HasCar        bool      `json:"hasCar"`
	CarType       string    `json:"carType"`
	LicensePlate  string    `json:"licensePlate"`
	CarColor      string    `json:"carColor"`
}

// Notification is a domain event forwarded to the console untouched.
// Emergency is a convenience tag for the one event kind the console styles
// differently; the payload itself stays opaque.
type Notification struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Emergency bool            `json:"emergency"`
}

// Identity is the acting user announced with join-admin.
type Identity struct {
	UserID   string `json:"userId"`
	Role     string `json:"role"`
	Username string `json:"username"`
	FullName string `json:"fullName"`
}

// Client is the presence channel client. Construct with NewClient, call
// Start once; teardown happens through the context.
type Client struct {
	baseURL  string
	token    string
	identity Identity
	connID   string
	http     *http.Client

	rosters       chan []RosterUser
	notifications chan Notification

	backoffMin time.Duration
	backoffMax time.Duration
	logf       func(string, ...any)
}

// NewClient builds a client for the channel rooted at baseURL.
func NewClient(baseURL, token string, identity Identity, logf func(string, ...any)) *Client {
	if logf == nil {
		logf = log.Printf
	}
	return &Client{
		baseURL:  baseURL,
		token:    token,
		identity: identity,
		connID:   uuid.NewString(),
		// No overall timeout: the stream request is long-lived and is
		// cancelled through the context instead.
		http:          &http.Client{},
		rosters:       make(chan []RosterUser, 1),
		notifications: make(chan Notification, 16),
		backoffMin:    time.Second,
		backoffMax:    30 * time.Second,
		logf:          logf,
	}
}

// Rosters delivers roster snapshots. The channel holds at most the latest
// snapshot: when the consumer lags, stale snapshots are replaced, never
// queued, matching the last-write-wins contract.
func (c *Client) Rosters() <-chan []RosterUser { return c.rosters }

// Notifications delivers domain events in arrival order. Slow consumers
// lose the oldest events rather than stalling the stream reader.
func (c *Client) Notifications() <-chan Notification { return c.notifications }

// Start connects and keeps the channel alive, reconnecting with
// exponential backoff until the context ends. It blocks; run it in its own
// goroutine.
func (c *Client) Start(ctx context.Context) {
	backoff := c.backoffMin
	for {
		err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		c.logf("[presence] channel dropped: %v; reconnecting in %s", err, backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.backoffMax {
			backoff = c.backoffMax
		}
	}
}

// connectOnce performs one join + stream session and returns when the
// stream breaks.
func (c *Client) connectOnce(ctx context.Context) error {
	if err := c.emit(ctx, "join-admin", map[string]string{
		"userId":       c.identity.UserID,
		"role":         c.identity.Role,
		"username":     c.identity.Username,
		"fullName":     c.identity.FullName,
		"connectionId": c.connID,
	}); err != nil {
		return fmt.Errorf("join-admin: %w", err)
	}
	if err := c.emit(ctx, "get-online-users", map[string]string{"connectionId": c.connID}); err != nil {
		return fmt.Errorf("get-online-users: %w", err)
	}
	return c.readStream(ctx)
}

// emit sends one client->server event as a POST.
func (c *Client) emit(ctx context.Context, event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/channel/emit/"+event, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// readStream consumes the server->client SSE stream until it breaks.
func (c *Client) readStream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/channel/stream?connectionId="+c.connID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" || data.Len() > 0 {
				c.dispatch(event, data.String())
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// Comment/heartbeat line, ignore.
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("stream closed by server")
}

// dispatch routes one complete event. The roster event is decoded here;
// everything else passes through as a Notification.
func (c *Client) dispatch(event, data string) {
	switch event {
	case "online-users-updated":
		var roster []RosterUser
		if err := json.Unmarshal([]byte(data), &roster); err != nil {
			c.logf("[presence] bad roster payload dropped: %v", err)
			return
		}
		// Replace, never queue: drain the stale snapshot first.
		select {
		case <-c.rosters:
		default:
		}
		c.rosters <- roster
	case "":
		// data-only frame with no event name; nothing to route.
	default:
		n := Notification{
			Event:     event,
			Payload:   json.RawMessage(data),
			Emergency: event == "emergency-alert",
		}
		select {
		case c.notifications <- n:
		default:
			select {
			case <-c.notifications:
			default:
			}
			select {
			case c.notifications <- n:
			default:
			}
		}
	}
}
