// Package assignment models one volunteer's mission on one incident and
// drives its status forward. The server owns the authoritative record; this
// package owns the forward-only progression and the single-writer guard
// that keeps concurrent taps on the same assignment from double-applying.
package assignment

// Status is the mission progression state. Values are the wire strings the
// status-update endpoint expects.
type Status string

const (
	StatusAssigned       Status = "assigned"
	StatusDeparture      Status = "departure"
	StatusArrivedAtScene Status = "arrived_at_scene"
	StatusTaskCompleted  Status = "task_completed"
)

// Next returns the only status this one may advance to. ok is false at the
// terminal state.
func (s Status) Next() (next Status, ok bool) {
	switch s {
	case StatusAssigned:
		return StatusDeparture, true
	case StatusDeparture:
		return StatusArrivedAtScene, true
	case StatusArrivedAtScene:
		return StatusTaskCompleted, true
	default:
		return "", false
	}
}

// CanAdvanceTo reports whether target is the immediate next step. The
// machine never skips states and never moves backward.
func (s Status) CanAdvanceTo(target Status) bool {
	next, ok := s.Next()
	return ok && next == target
}

// Terminal reports whether the assignment has finished its lifecycle and
// should no longer be tracked.
func (s Status) Terminal() bool { return s == StatusTaskCompleted }

// Known reports whether the wire value is one of the four states. Unknown
// strings from the server are kept out of the state machine.
func (s Status) Known() bool {
	switch s {
	case StatusAssigned, StatusDeparture, StatusArrivedAtScene, StatusTaskCompleted:
		return true
	}
	return false
}
