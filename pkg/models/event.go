package models

import (
	"github.com/google/uuid"
)

// Action is the change type carried by a realtime event.
type Action string

const (
	CreateAction Action = "CREATE"
	UpdateAction Action = "UPDATE"
	DeleteAction Action = "DELETE"
)

// RemoteEvent is a server-pushed notification describing a remote change to
// a single record. Delivery is at-least-once; the coordinator de-duplicates
// by (Record.ID, Record.UpdatedAt).
type RemoteEvent struct {
	ID     *uuid.UUID `cbor:"id,omitempty" json:"id,omitempty"`
	Action Action     `cbor:"action" json:"action"`
	Record Record     `cbor:"record" json:"record"`
}

// Validate rejects events that cannot be applied atomically. A malformed
// event is dropped and logged, never partially merged.
func (ev *RemoteEvent) Validate() error {
	switch ev.Action {
	case CreateAction, UpdateAction, DeleteAction:
	default:
		return &UnknownActionError{Action: ev.Action}
	}
	return ev.Record.Validate()
}

// UnknownActionError marks an event whose action is outside the protocol.
type UnknownActionError struct {
	Action Action
}

func (e *UnknownActionError) Error() string {
	return "unknown event action: " + string(e.Action)
}
