// Package models holds the data model shared by the cache, the sync
// coordinator and the cloud contract: business records, sessions, sync
// cursors and realtime events.
package models

import (
	"errors"
	"time"
)

// Kind names one business entity collection. Every tenant has one keyed
// collection per kind.
type Kind string

const (
	KindContact          Kind = "contact"
	KindInvoice          Kind = "invoice"
	KindProject          Kind = "project"
	KindTask             Kind = "task"
	KindInventoryItem    Kind = "inventory_item"
	KindCateringEvent    Kind = "catering_event"
	KindBookkeepingEntry Kind = "bookkeeping_entry"
	KindAgentLog         Kind = "agent_log"
)

// Kinds lists every entity kind hydrated from the cloud.
var Kinds = []Kind{
	KindContact,
	KindInvoice,
	KindProject,
	KindTask,
	KindInventoryItem,
	KindCateringEvent,
	KindBookkeepingEntry,
	KindAgentLog,
}

// Record is a single tenant-scoped business entity. UpdatedAt is the
// authoritative ordering key for conflict resolution. Dirty and
// LocalRevision are local-only bookkeeping and never travel on the wire.
type Record struct {
	ID        string         `cbor:"id" json:"id"`
	CompanyID string         `cbor:"company_id" json:"companyId"`
	Kind      Kind           `cbor:"kind" json:"kind"`
	UpdatedAt time.Time      `cbor:"updated_at" json:"updatedAt"`
	Fields    map[string]any `cbor:"fields,omitempty" json:"fields,omitempty"`

	// Dirty marks a local mutation not yet acknowledged by the cloud.
	Dirty bool `cbor:"-" json:"-"`
	// LocalRevision increments on every local mutation. It is compared on
	// push acknowledgment so a mutation racing an in-flight push keeps the
	// record dirty.
	LocalRevision int64 `cbor:"-" json:"-"`
}

var (
	ErrMissingID        = errors.New("record has no id")
	ErrMissingCompanyID = errors.New("record has no company id")
	ErrMissingKind      = errors.New("record has no kind")
	ErrZeroUpdatedAt    = errors.New("record has a zero updated_at")
)

// Validate checks the attributes every record must carry before it can be
// cached or pushed.
func (r *Record) Validate() error {
	switch {
	case r.ID == "":
		return ErrMissingID
	case r.CompanyID == "":
		return ErrMissingCompanyID
	case r.Kind == "":
		return ErrMissingKind
	case r.UpdatedAt.IsZero():
		return ErrZeroUpdatedAt
	}
	return nil
}

// Clone returns a copy with its own Fields map, so cached records can be
// handed out without exposing internal state to mutation.
func (r *Record) Clone() Record {
	out := *r
	if r.Fields != nil {
		out.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// EntityCollection maps record id to record for one entity kind.
type EntityCollection map[string]Record
