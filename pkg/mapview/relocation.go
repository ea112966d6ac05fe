package mapview

import (
	"context"
	"fmt"
)

// EndDrag completes a flag drag. The original position and address come
// from the event record snapshotted at drag start. When the delta is
// below the drag threshold the move is treated as an accidental nudge:
// no geocoding, no dialog, ok=false, and the client snaps the flag back.
//
// Above the threshold the new position is reverse-geocoded and the
// relocation is parked pending confirmation. A geocoding miss or failure
// does not block the dialog; the commander can still confirm coordinates
// with an unresolved address.
func (v *View) EndDrag(ctx context.Context, eventID string, origLat, origLon float64, origAddress string, newLat, newLon float64) (FlagRelocation, bool, error) {
	if DistanceMeters(origLat, origLon, newLat, newLon) < v.opts.DragThreshold {
		return FlagRelocation{}, false, nil
	}

	newAddress := ""
	if v.geo != nil {
		addr, ok, err := v.geo.CoordinatesToAddress(ctx, newLat, newLon)
		switch {
		case err != nil:
			v.opts.Logf("[mapview] reverse geocode for event %s failed: %v", eventID, err)
		case ok:
			newAddress = addr
		}
	}

	rel := FlagRelocation{
		EventID:           eventID,
		OriginalLatitude:  origLat,
		OriginalLongitude: origLon,
		NewLatitude:       newLat,
		NewLongitude:      newLon,
		OriginalAddress:   origAddress,
		NewAddress:        newAddress,
	}
	v.run(func(st *viewState) { st.pending[eventID] = rel })
	return rel, true, nil
}

// Confirm persists the pending relocation. On success the pending state
// is discarded. On failure it is also discarded and the error returned,
// so the client reverts the flag: a failed write must never leave the
// marker pretending the move happened.
func (v *View) Confirm(ctx context.Context, eventID string) error {
	rel, ok := v.takePending(eventID)
	if !ok {
		return ErrNoPendingRelocation
	}
	if err := v.updater.UpdateCoordinates(ctx, eventID, rel.NewLatitude, rel.NewLongitude, rel.NewAddress); err != nil {
		return fmt.Errorf("mapview: persist relocation: %w", err)
	}
	return nil
}

// Cancel discards the pending relocation and returns it so the client can
// snap the flag back to the original position.
func (v *View) Cancel(eventID string) (FlagRelocation, error) {
	rel, ok := v.takePending(eventID)
	if !ok {
		return FlagRelocation{}, ErrNoPendingRelocation
	}
	return rel, nil
}

// Pending peeks at the relocation awaiting confirmation, if any.
func (v *View) Pending(eventID string) (FlagRelocation, bool) {
	var rel FlagRelocation
	var ok bool
	v.run(func(st *viewState) { rel, ok = st.pending[eventID] })
	return rel, ok
}

func (v *View) takePending(eventID string) (FlagRelocation, bool) {
	var rel FlagRelocation
	var ok bool
	v.run(func(st *viewState) {
		rel, ok = st.pending[eventID]
		if ok {
			delete(st.pending, eventID)
		}
	})
	return rel, ok
}
