// Package cloud defines the capability contract the sync engine requires
// from the remote multi-tenant data service: pull, push, subscribe and
// authenticate. Implementations live in subpackages (pkg/cloud/ws) and in
// internal/fakecloud for tests.
package cloud

import (
	"context"
	"time"

	"github.com/opsuite/opsync/pkg/models"
)

// Snapshot is the result of a full or cursor-incremental pull for one tenant.
type Snapshot struct {
	Records   []models.Record   `cbor:"records"`
	NewCursor models.SyncCursor `cbor:"new_cursor"`
}

// Rejection reports a single record the remote service refused to commit.
type Rejection struct {
	ID     string `cbor:"id"`
	Reason string `cbor:"reason"`
}

// Acknowledgment confirms one committed record. The client must adopt the
// server-assigned UpdatedAt for the acknowledged record.
type Acknowledgment struct {
	ID        string    `cbor:"id"`
	UpdatedAt time.Time `cbor:"updated_at"`
}

// PushResult is the per-record outcome of a push. There are no all-or-nothing
// batch semantics: a rejection of one record never blocks the others.
type PushResult struct {
	Accepted []Acknowledgment `cbor:"accepted"`
	Rejected []Rejection      `cbor:"rejected"`
}

// EventHandler receives realtime change notifications for a subscription.
type EventHandler func(models.RemoteEvent)

// ErrorHandler receives subscription-level failures (for example a dropped
// live channel). It never receives per-event validation problems; those are
// handled where the event is applied.
type ErrorHandler func(error)

// SubscriptionHandle identifies one live subscription. Handles are opaque;
// passing an unknown handle to Unsubscribe is a safe no-op.
type SubscriptionHandle string

// SessionChangeReason tags an out-of-band session notification.
type SessionChangeReason string

const (
	SessionRefreshed   SessionChangeReason = "refreshed"
	SessionRevoked     SessionChangeReason = "revoked"
	PermissionsChanged SessionChangeReason = "permissions_changed"
)

// SessionChange is pushed by the service when the session state changed
// server-side: token refreshed, revoked, or permissions edited.
type SessionChange struct {
	Reason  SessionChangeReason `cbor:"reason"`
	Session *models.Session     `cbor:"session,omitempty"`
}

// Credentials carry a normalized identifier and its secret.
type Credentials struct {
	Identifier string `cbor:"identifier"`
	Secret     string `cbor:"secret"`
}

// SignUpDetails carry everything needed to create an account.
type SignUpDetails struct {
	Name       string `cbor:"name"`
	Identifier string `cbor:"identifier"`
	Secret     string `cbor:"secret"`
}

// Service is the remote collaborator contract. All blocking operations take
// a context; cancellation must leave the engine free to discard any
// partially received data.
type Service interface {
	// FetchSnapshot pulls the authoritative state for tenantID. A zero
	// cursor requests the full snapshot; otherwise only records changed
	// past the watermark are returned.
	FetchSnapshot(ctx context.Context, tenantID string, cursor models.SyncCursor) (*Snapshot, error)

	// PushRecords commits locally mutated records. Per-record outcomes are
	// reported in PushResult.
	PushRecords(ctx context.Context, tenantID string, records []models.Record) (*PushResult, error)

	// Subscribe opens a live change subscription scoped to tenantID.
	// Events for a single record arrive in non-decreasing UpdatedAt order,
	// delivered at least once.
	Subscribe(ctx context.Context, tenantID string, onEvent EventHandler, onError ErrorHandler) (SubscriptionHandle, error)

	// Unsubscribe tears down a subscription. Unknown or already-closed
	// handles are a no-op.
	Unsubscribe(handle SubscriptionHandle) error

	// Authenticate exchanges credentials for a session.
	Authenticate(ctx context.Context, creds Credentials) (*models.Session, error)

	// SignUp creates an account and returns its initial session, which has
	// no tenant until onboarding completes.
	SignUp(ctx context.Context, details SignUpDetails) (*models.Session, error)

	// RefreshSession revalidates a token and returns the current identity
	// and permission snapshot.
	RefreshSession(ctx context.Context, token string) (*models.Session, error)

	// Invalidate revokes the token server-side (logout).
	Invalidate(ctx context.Context, token string) error

	// OnSessionInvalidated registers a callback for out-of-band session
	// changes. The returned cancel func unregisters it.
	OnSessionInvalidated(cb func(SessionChange)) (cancel func())
}
