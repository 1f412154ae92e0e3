// Package conflict implements the deterministic rule selecting which of two
// concurrent versions of a record survives a merge.
//
// The policy is last-write-wins with a local tie-break: the version with the
// strictly greater UpdatedAt survives, and on equal timestamps the local
// (optimistic) version is kept. The tie-break covers the most common
// "conflict": the notification describing the user's own in-flight edit,
// which must not clobber that edit. This policy is the convergence contract:
// two sessions editing the same record converge on the later write. If
// product requirements ever demand server-wins or manual merge semantics,
// this is the one place to change.
package conflict

import (
	"github.com/opsuite/opsync/pkg/logger"
	"github.com/opsuite/opsync/pkg/models"
)

// Outcome says which version survives.
type Outcome int

const (
	// KeepLocal keeps the cached local version untouched.
	KeepLocal Outcome = iota
	// TakeRemote replaces the cached version with the remote one.
	TakeRemote
)

func (o Outcome) String() string {
	if o == KeepLocal {
		return "keep_local"
	}
	return "take_remote"
}

// Resolver applies the last-write-wins-with-local-tie-break policy.
type Resolver struct {
	log logger.Logger
}

// New creates a Resolver.
func New(log logger.Logger) *Resolver {
	if log == nil {
		log = logger.Default()
	}
	return &Resolver{log: log}
}

// Resolve decides between a local and a remote version of the same record.
// It is only consulted when the local copy is dirty; clean local copies are
// replaced wholesale without resolution.
func (r *Resolver) Resolve(local, remote models.Record) Outcome {
	if remote.UpdatedAt.After(local.UpdatedAt) {
		r.log.Debug("conflict resolved for remote",
			"id", local.ID, "local_updated_at", local.UpdatedAt, "remote_updated_at", remote.UpdatedAt)
		return TakeRemote
	}
	r.log.Debug("conflict resolved for local",
		"id", local.ID, "local_updated_at", local.UpdatedAt, "remote_updated_at", remote.UpdatedAt)
	return KeepLocal
}
