// Package reconcile merges the three independently-arriving views of the
// unit (the live roster, the active mission assignments, and a short-term
// memory of recently-seen positions) into one stable list of map entries.
//
// The merged state is owned by a single goroutine and mutated only inside
// its recompute step; inputs and queries travel over channels. This keeps
// the short-term memory single-writer without a mutex, the same way the
// marker fan-out and caches in this codebase coordinate state.
package reconcile

import (
	"math"
	"time"

	"github.com/socsahar/ElgarAdmin-sub001/pkg/assignment"
	"github.com/socsahar/ElgarAdmin-sub001/pkg/presence"
)

// Entry statuses. Mission statuses reuse the assignment wire values; the
// two extra values are produced only by the reconciler itself.
const (
	StatusOnline                  = "online"
	StatusTemporarilyDisconnected = "temporarily_disconnected"
)

// SourceType says which input produced an entry. Tracking entries carry
// mission context and fresher GPS, so they shadow online entries for the
// same volunteer.
type SourceType string

const (
	SourceOnline   SourceType = "online"
	SourceTracking SourceType = "tracking"
)

// Vehicle describes what the volunteer drives, when known.
type Vehicle struct {
	HasCar       bool   `json:"hasCar"`
	CarType      string `json:"carType,omitempty"`
	LicensePlate string `json:"licensePlate,omitempty"`
	CarColor     string `json:"carColor,omitempty"`
}

// MapEntry is one renderable position on the commanders' map. IDs are
// namespaced by source ("online_<userId>" / "tracking_<assignmentId>") so
// the two kinds never collide; at most one entry exists per volunteer.
type MapEntry struct {
	ID            string     `json:"id"`
	VolunteerID   string     `json:"volunteerId"`
	Name          string     `json:"name"`
	Role          string     `json:"role"`
	Phone         string     `json:"phone,omitempty"`
	PhotoURL      string     `json:"photoUrl,omitempty"`
	Latitude      float64    `json:"latitude"`
	Longitude     float64    `json:"longitude"`
	Status        string     `json:"status"`
	Source        SourceType `json:"sourceType"`
	IsLive        bool       `json:"isLive"`
	LastSeen      time.Time  `json:"lastSeen"`
	EventID       string     `json:"eventId,omitempty"`
	DepartureTime *time.Time `json:"departureTime,omitempty"`
	ArrivalTime   *time.Time `json:"arrivalTime,omitempty"`
	Vehicle       Vehicle    `json:"vehicle"`
}

// ValidCoordinates applies the entry admission rule: both values finite,
// inside geographic bounds, and neither exactly zero. A (0,0) pair is the
// "no fix yet" sentinel that several upstream sources emit, and a single
// zero component means a partial fix; neither belongs on the map.
func ValidCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lon) || math.IsInf(lon, 0) {
		return false
	}
	if lat == 0 || lon == 0 {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// entryFromRosterUser builds an online-sourced entry. Coordinates must
// already be validated.
func entryFromRosterUser(u presence.RosterUser, now time.Time) MapEntry {
	seen := u.LastUpdate
	if seen.IsZero() {
		seen = now
	}
	name := u.FullName
	if name == "" {
		name = u.Username
	}
	return MapEntry{
		ID:          "online_" + u.ID,
		VolunteerID: u.ID,
		Name:        name,
		Role:        u.Role,
		Phone:       u.PhoneNumber,
		PhotoURL:    u.PhotoURL,
		Latitude:    u.LastLatitude,
		Longitude:   u.LastLongitude,
		Status:      StatusOnline,
		Source:      SourceOnline,
		IsLive:      true,
		LastSeen:    seen,
		Vehicle: Vehicle{
			HasCar:       u.HasCar,
			CarType:      u.CarType,
			LicensePlate: u.LicensePlate,
			CarColor:     u.CarColor,
		},
	}
}

// entryFromAssignment builds a tracking-sourced entry carrying the mission
// context. Coordinates must already be validated.
func entryFromAssignment(a assignment.Assignment, now time.Time) MapEntry {
	seen := a.UpdatedAt
	if seen.IsZero() {
		seen = now
	}
	return MapEntry{
		ID:            "tracking_" + a.ID,
		VolunteerID:   a.VolunteerID,
		Name:          a.Volunteer.FullName,
		Role:          a.Volunteer.Role,
		Phone:         a.Volunteer.PhoneNumber,
		PhotoURL:      a.Volunteer.PhotoURL,
		Latitude:      a.CurrentLatitude,
		Longitude:     a.CurrentLongitude,
		Status:        string(a.Status),
		Source:        SourceTracking,
		IsLive:        true,
		LastSeen:      seen,
		EventID:       a.EventID,
		DepartureTime: a.DepartureTime,
		ArrivalTime:   a.ArrivalTime,
		Vehicle: Vehicle{
			HasCar:       a.Volunteer.HasCar,
			CarType:      a.Volunteer.CarType,
			LicensePlate: a.Volunteer.LicensePlate,
			CarColor:     a.Volunteer.CarColor,
		},
	}
}
