package assignment

import "time"

// Volunteer carries the roster details the map needs alongside a tracking
// record: who is on the mission and what they drive.
type Volunteer struct {
	ID           string `json:"id"`
	FullName     string `json:"fullName"`
	Role         string `json:"role"`
	PhoneNumber  string `json:"phoneNumber"`
	PhotoURL     string `json:"photoUrl"`
	HasCar       bool   `json:"hasCar"`
	CarType      string `json:"carType"`
	LicensePlate string `json:"licensePlate"`
	CarColor     string `json:"carColor"`
}

// Assignment is one volunteer's mission on one incident. Timestamps are nil
// until the corresponding transition happened. CurrentLatitude/Longitude
// hold the last position recorded with a status transition; zero means no
// fix yet, which is why the reconciler treats exact zero as invalid.
type Assignment struct {
	ID               string     `json:"id"`
	VolunteerID      string     `json:"volunteerId"`
	EventID          string     `json:"eventId"`
	Status           Status     `json:"status"`
	Volunteer        Volunteer  `json:"volunteer"`
	DepartureTime    *time.Time `json:"departureTime,omitempty"`
	ArrivalTime      *time.Time `json:"arrivalTime,omitempty"`
	CompletionTime   *time.Time `json:"completionTime,omitempty"`
	CurrentLatitude  float64    `json:"currentLatitude"`
	CurrentLongitude float64    `json:"currentLongitude"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// ResponseTimes are the derived timing metrics shown next to a mission.
type ResponseTimes struct {
	Travel  time.Duration `json:"travelSeconds"`
	OnScene time.Duration `json:"onSceneSeconds"`
	Total   time.Duration `json:"totalSeconds"`
}

// TrackingInfo is the post-transition refresh payload: the authoritative
// timestamps plus the metrics the server computed from them.
type TrackingInfo struct {
	AssignmentID   string        `json:"assignmentId"`
	Status         Status        `json:"status"`
	DepartureTime  *time.Time    `json:"departureTime,omitempty"`
	ArrivalTime    *time.Time    `json:"arrivalTime,omitempty"`
	CompletionTime *time.Time    `json:"completionTime,omitempty"`
	Responses      ResponseTimes `json:"responseTimes"`
}

// ComputeResponseTimes derives the timing metrics from whichever
// transition timestamps exist so far. Missing stages contribute zero; the
// metrics only ever grow as the mission progresses.
func ComputeResponseTimes(departure, arrival, completion *time.Time) ResponseTimes {
	var rt ResponseTimes
	if departure != nil && arrival != nil && arrival.After(*departure) {
		rt.Travel = arrival.Sub(*departure)
	}
	if arrival != nil && completion != nil && completion.After(*arrival) {
		rt.OnScene = completion.Sub(*arrival)
	}
	if departure != nil && completion != nil && completion.After(*departure) {
		rt.Total = completion.Sub(*departure)
	}
	return rt
}
