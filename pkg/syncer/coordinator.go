// Package syncer contains the sync coordinator: the component that moves
// records between the local cache and the cloud service.
//
// It runs three flows. Hydrate pulls a cursor-incremental snapshot and folds
// it into the cache, routing records with pending local edits through the
// conflict resolver. Push uploads dirty records in deterministic order and
// settles each one on the per-record acknowledgment or rejection.
// ApplyRemoteEvent folds a single realtime notification into the cache,
// de-duplicating at-least-once delivery by (id, updatedAt) and serializing
// application per record id.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/opsuite/opsync/pkg/cache"
	"github.com/opsuite/opsync/pkg/cloud"
	"github.com/opsuite/opsync/pkg/conflict"
	"github.com/opsuite/opsync/pkg/faults"
	"github.com/opsuite/opsync/pkg/logger"
	"github.com/opsuite/opsync/pkg/models"
	"github.com/opsuite/opsync/pkg/store"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBase     = 500 * time.Millisecond
	maxRetryDelay        = 10 * time.Second
)

// Params configures a Coordinator. Cache, Tracker and Service are required;
// Store is optional (no persistence across restarts without it).
type Params struct {
	Cache    *cache.EntityCache
	Tracker  *cache.ChangeTracker
	Resolver *conflict.Resolver
	Service  cloud.Service
	Store    *store.Store
	Logger   logger.Logger

	// RetryAttempts bounds how often a network-failed call is retried
	// before the failure is surfaced. Delay doubles per attempt starting
	// at RetryBase, capped at ten seconds.
	RetryAttempts int
	RetryBase     time.Duration
}

// Coordinator orchestrates hydration, push and realtime application for the
// tenant currently bound to the cache.
type Coordinator struct {
	cache    *cache.EntityCache
	tracker  *cache.ChangeTracker
	resolver *conflict.Resolver
	service  cloud.Service
	store    *store.Store
	log      logger.Logger

	attempts  int
	retryBase time.Duration

	locks *keyedLocks

	cursorMu sync.Mutex
	cursor   models.SyncCursor
	seen     map[string]time.Time
}

// New creates a Coordinator.
func New(p Params) *Coordinator {
	if p.Logger == nil {
		p.Logger = logger.Default()
	}
	if p.Resolver == nil {
		p.Resolver = conflict.New(p.Logger)
	}
	if p.RetryAttempts <= 0 {
		p.RetryAttempts = defaultRetryAttempts
	}
	if p.RetryBase <= 0 {
		p.RetryBase = defaultRetryBase
	}
	return &Coordinator{
		cache:     p.Cache,
		tracker:   p.Tracker,
		resolver:  p.Resolver,
		service:   p.Service,
		store:     p.Store,
		log:       p.Logger,
		attempts:  p.RetryAttempts,
		retryBase: p.RetryBase,
		locks:     newKeyedLocks(),
		seen:      make(map[string]time.Time),
	}
}

// Cursor returns the current hydration watermark.
func (c *Coordinator) Cursor() models.SyncCursor {
	c.cursorMu.Lock()
	defer c.cursorMu.Unlock()
	return c.cursor
}

// SwitchTenant rebinds the coordinator (and cache) to companyID. Previously
// cached records and the dedupe window are dropped; the new tenant's cursor
// and offline snapshot are restored from the store when one is configured.
func (c *Coordinator) SwitchTenant(ctx context.Context, companyID string) error {
	c.cache.BindTenant(companyID)

	c.cursorMu.Lock()
	c.cursor = models.SyncCursor{CompanyID: companyID}
	c.seen = make(map[string]time.Time)
	c.cursorMu.Unlock()

	if c.store == nil || companyID == "" {
		return nil
	}

	cur, err := c.store.LoadCursor(ctx, companyID)
	if err != nil {
		return err
	}
	records, err := c.store.LoadSnapshot(ctx, companyID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := c.cache.Apply(rec); err != nil {
			c.log.Warn("skipping stored record", "id", rec.ID, "error", err)
		}
	}

	c.cursorMu.Lock()
	c.cursor = cur
	c.cursorMu.Unlock()

	c.log.Debug("tenant restored from store",
		"company_id", companyID, "records", len(records), "cursor", cur.Token)
	return nil
}

// Sync runs one full cycle: push first, so pending local edits reach the
// server before the snapshot that would report them back, then hydrate.
func (c *Coordinator) Sync(ctx context.Context) error {
	if _, err := c.Push(ctx); err != nil {
		return err
	}
	return c.Hydrate(ctx)
}

// Hydrate pulls a snapshot past the current cursor and folds it into the
// cache. Clean cached records are replaced wholesale; records with pending
// local edits go through the conflict resolver. The cursor is advanced and
// persisted only after the snapshot is fully applied, so an interrupted
// hydration replays from the previous watermark. Hydrating twice from the
// same server state leaves the cache unchanged.
func (c *Coordinator) Hydrate(ctx context.Context) error {
	tenant := c.cache.Tenant()
	if tenant == "" {
		return cache.ErrNoTenant
	}

	cursor := c.Cursor()

	var snap *cloud.Snapshot
	err := c.withRetry(ctx, "hydrate", func() error {
		var err error
		snap, err = c.service.FetchSnapshot(ctx, tenant, cursor)
		return err
	})
	if err != nil {
		return err
	}

	applied := 0
	for _, rec := range snap.Records {
		if err := rec.Validate(); err != nil {
			c.log.Warn("dropping invalid snapshot record", "id", rec.ID, "error", err)
			continue
		}
		if rec.CompanyID != tenant {
			c.log.Warn("dropping foreign-tenant snapshot record",
				"id", rec.ID, "company_id", rec.CompanyID)
			continue
		}
		if err := c.applyRemote(rec); err != nil {
			return err
		}
		applied++
	}

	c.cursorMu.Lock()
	c.cursor = snap.NewCursor
	c.cursor.CompanyID = tenant
	cursor = c.cursor
	// Entries below the watermark can be forgotten: the cache already holds
	// a version at least as new, so a redelivery loses on timestamp anyway.
	for key, ts := range c.seen {
		if ts.Before(cursor.LastAppliedAt) {
			delete(c.seen, key)
		}
	}
	c.cursorMu.Unlock()

	if c.store != nil {
		if err := c.store.SaveSnapshot(ctx, tenant, c.cache.Snapshot()); err != nil {
			c.log.Warn("failed to persist offline snapshot", "error", err)
		}
		if err := c.store.SaveCursor(ctx, cursor); err != nil {
			c.log.Warn("failed to persist cursor", "error", err)
		}
	}

	c.log.Debug("hydration complete",
		"company_id", tenant, "received", len(snap.Records), "applied", applied,
		"cursor", cursor.Token)
	return nil
}

// PushReport summarizes one push cycle.
type PushReport struct {
	// Pushed is the number of dirty records sent.
	Pushed int
	// Cleared is the number of records whose dirty flag settled on the
	// acknowledgment. A record mutated again mid-flight stays dirty and is
	// not counted.
	Cleared int
	// Rejections lists per-record refusals. Rejected records stay dirty.
	Rejections []faults.ValidationError
}

// Push uploads every dirty record, ordered by ascending UpdatedAt with ties
// broken by id. Outcomes are per record: an acknowledged record adopts the
// server-assigned UpdatedAt and is marked clean unless a newer local
// mutation raced the push; a rejected record stays dirty and is reported in
// the PushReport. A transport failure leaves every record dirty for the
// next cycle.
func (c *Coordinator) Push(ctx context.Context) (*PushReport, error) {
	tenant := c.cache.Tenant()
	if tenant == "" {
		return nil, cache.ErrNoTenant
	}

	dirty := c.tracker.DirtyRecords()
	if len(dirty) == 0 {
		return &PushReport{}, nil
	}

	type pushed struct {
		kind     models.Kind
		revision int64
	}
	inFlight := make(map[string]pushed, len(dirty))
	for _, rec := range dirty {
		inFlight[rec.ID] = pushed{kind: rec.Kind, revision: rec.LocalRevision}
	}

	var res *cloud.PushResult
	err := c.withRetry(ctx, "push", func() error {
		var err error
		res, err = c.service.PushRecords(ctx, tenant, dirty)
		return err
	})
	if err != nil {
		return nil, err
	}

	report := &PushReport{Pushed: len(dirty)}
	for _, ack := range res.Accepted {
		p, ok := inFlight[ack.ID]
		if !ok {
			c.log.Warn("acknowledgment for record not pushed", "id", ack.ID)
			continue
		}
		if c.tracker.ClearDirty(p.kind, ack.ID, p.revision, ack.UpdatedAt) {
			report.Cleared++
		}
		// The server will echo this commit back over the live channel;
		// remember it so the echo is dropped as a duplicate.
		c.markSeen(ack.ID, ack.UpdatedAt)
	}
	for _, rej := range res.Rejected {
		ve := faults.ValidationError{RecordID: rej.ID, Reason: rej.Reason}
		c.log.Warn("record rejected by server", "id", rej.ID, "reason", rej.Reason)
		report.Rejections = append(report.Rejections, ve)
	}

	c.log.Debug("push complete", "company_id", tenant,
		"pushed", report.Pushed, "cleared", report.Cleared, "rejected", len(report.Rejections))
	return report, nil
}

// ApplyRemoteEvent folds one realtime notification into the cache. Malformed
// payloads are dropped whole and reported as a MalformedEventError; the
// cache is never partially mutated. Redelivered events, identified by
// (id, updatedAt), are silent no-ops.
func (c *Coordinator) ApplyRemoteEvent(ev models.RemoteEvent) error {
	if err := ev.Validate(); err != nil {
		me := &faults.MalformedEventError{Reason: err.Error()}
		c.log.Warn("dropping malformed event", "error", err)
		return me
	}

	tenant := c.cache.Tenant()
	if ev.Record.CompanyID != tenant {
		c.log.Warn("dropping event for foreign tenant",
			"id", ev.Record.ID, "company_id", ev.Record.CompanyID, "bound", tenant)
		return nil
	}

	if c.alreadySeen(ev.Record.ID, ev.Record.UpdatedAt) {
		c.log.Debug("dropping duplicate event",
			"id", ev.Record.ID, "updated_at", ev.Record.UpdatedAt)
		return nil
	}

	if ev.Action == models.DeleteAction {
		return c.applyRemoteDelete(ev.Record)
	}
	return c.applyRemote(ev.Record)
}

// applyRemote merges one authoritative record. The decision against the
// current cached version and the write both happen inside one cache critical
// section, so a local mutation landing concurrently cannot be overwritten by
// an older remote version.
func (c *Coordinator) applyRemote(rec models.Record) error {
	unlock := c.locks.lock(rec.ID)
	defer unlock()

	rec.Dirty = false
	rec.LocalRevision = 0
	if _, err := c.cache.Merge(rec, c.remoteWins(rec)); err != nil {
		return err
	}
	c.markSeen(rec.ID, rec.UpdatedAt)
	return nil
}

func (c *Coordinator) applyRemoteDelete(rec models.Record) error {
	unlock := c.locks.lock(rec.ID)
	defer unlock()

	c.cache.DeleteIf(rec.Kind, rec.ID, c.remoteWins(rec))
	c.markSeen(rec.ID, rec.UpdatedAt)
	return nil
}

// remoteWins decides whether the authoritative version rec replaces whatever
// the cache currently holds. Pending local edits go through the conflict
// resolver; clean copies only ever move forward in time.
func (c *Coordinator) remoteWins(rec models.Record) func(local models.Record, exists bool) bool {
	return func(local models.Record, exists bool) bool {
		if !exists {
			return true
		}
		if local.Dirty {
			return c.resolver.Resolve(local, rec) == conflict.TakeRemote
		}
		return !local.UpdatedAt.After(rec.UpdatedAt)
	}
}

func dedupeKey(id string, updatedAt time.Time) string {
	return id + "|" + updatedAt.UTC().Format(time.RFC3339Nano)
}

func (c *Coordinator) markSeen(id string, updatedAt time.Time) {
	c.cursorMu.Lock()
	c.seen[dedupeKey(id, updatedAt)] = updatedAt.UTC()
	c.cursorMu.Unlock()
}

func (c *Coordinator) alreadySeen(id string, updatedAt time.Time) bool {
	c.cursorMu.Lock()
	defer c.cursorMu.Unlock()
	_, ok := c.seen[dedupeKey(id, updatedAt)]
	return ok
}

// withRetry runs fn, retrying network-classified failures with doubling
// delay. Any other failure, and success, return immediately.
func (c *Coordinator) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := c.retryBase
	var err error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		err = fn()
		if err == nil || !faults.Retryable(err) {
			return err
		}
		if attempt == c.attempts {
			break
		}
		c.log.Debug("retrying after network failure",
			"op", op, "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return &faults.NetworkError{Op: op, Err: ctx.Err()}
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
	return err
}
