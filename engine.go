// Package opsync is an offline-first synchronization engine for multi-tenant
// business data.
//
// The Engine composes the building blocks under pkg/ into the surface a UI
// layer consumes: an optimistic local cache of tenant records, a dirty-change
// tracker, cursor-incremental hydration against the cloud service, a live
// change subscription with automatic reconnection, session management and a
// connectivity monitor that flushes pending edits when the network returns.
//
// Every operation that crosses back to the UI returns a faults.Result (or a
// typed error) rather than panicking, so rendering code can branch on the
// failure kind without unwrapping transport details.
package opsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opsuite/opsync/pkg/cache"
	"github.com/opsuite/opsync/pkg/cloud"
	"github.com/opsuite/opsync/pkg/conflict"
	"github.com/opsuite/opsync/pkg/connectivity"
	"github.com/opsuite/opsync/pkg/faults"
	"github.com/opsuite/opsync/pkg/logger"
	"github.com/opsuite/opsync/pkg/models"
	"github.com/opsuite/opsync/pkg/realtime"
	"github.com/opsuite/opsync/pkg/session"
	"github.com/opsuite/opsync/pkg/store"
	"github.com/opsuite/opsync/pkg/syncer"
)

// Config configures an Engine.
type Config struct {
	// Service is the cloud backend. Required.
	Service cloud.Service

	// StorePath is the SQLite file for cursors and offline snapshots.
	// Empty disables persistence; state then lives only in memory.
	StorePath string

	Logger logger.Logger

	// RefreshInterval is the session refresh period.
	RefreshInterval time.Duration

	// ProbeInterval is the connectivity probe period.
	ProbeInterval time.Duration

	// ReconnectInterval is the live-channel recovery probe period.
	ReconnectInterval time.Duration

	// Probe overrides the connectivity probe. Defaults to always-online,
	// which suits embedders that feed reachability from the platform.
	Probe connectivity.Probe
}

// Engine is the top-level facade over the sync machinery.
type Engine struct {
	log logger.Logger

	service  cloud.Service
	store    *store.Store
	cache    *cache.EntityCache
	tracker  *cache.ChangeTracker
	coord    *syncer.Coordinator
	channel  *realtime.Channel
	sessions *session.Manager
	monitor  *connectivity.Monitor

	mu            sync.Mutex
	started       bool
	cancelSession func()
	tenant        string
}

// New wires an Engine from cfg. Call Init to start it.
func New(cfg Config) (*Engine, error) {
	if cfg.Service == nil {
		return nil, fmt.Errorf("config must carry a cloud service")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}

	var st *store.Store
	if cfg.StorePath != "" {
		var err error
		st, err = store.Open(cfg.StorePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open local store: %w", err)
		}
	}

	c := cache.New(log)
	tracker := cache.NewTracker(c, nil)
	coord := syncer.New(syncer.Params{
		Cache:    c,
		Tracker:  tracker,
		Resolver: conflict.New(log),
		Service:  cfg.Service,
		Store:    st,
		Logger:   log,
	})

	e := &Engine{
		log:      log,
		service:  cfg.Service,
		store:    st,
		cache:    c,
		tracker:  tracker,
		coord:    coord,
		sessions: session.New(session.Params{Service: cfg.Service, Logger: log, RefreshInterval: cfg.RefreshInterval}),
	}

	e.channel = realtime.New(realtime.Params{
		Service:       cfg.Service,
		Logger:        log,
		CheckInterval: cfg.ReconnectInterval,
		OnEvent: func(ev models.RemoteEvent) {
			if err := coord.ApplyRemoteEvent(ev); err != nil {
				log.Warn("event not applied", "error", err)
			}
		},
		Resync: e.sync,
	})

	probe := cfg.Probe
	if probe == nil {
		probe = func(context.Context) bool { return true }
	}
	e.monitor = connectivity.New(connectivity.Params{
		Probe:         probe,
		Logger:        log,
		ProbeInterval: cfg.ProbeInterval,
		OnOnline: func(ctx context.Context) {
			if e.Tenant() == "" {
				return
			}
			// Pending edits go out before remote state comes back in.
			if err := e.sync(ctx); err != nil {
				log.Warn("reconnect sync failed", "error", err)
			}
		},
	})

	return e, nil
}

// Init starts the engine: the auth listener registers, the connectivity
// monitor starts and the session refresh loop begins. No tenant is bound
// until a session with a tenant appears (login or onboarding).
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	e.sessions.InitAuthListener()
	e.cancelSession = e.sessions.SubscribeChanges(e.onSessionChange)
	e.sessions.StartRefreshLoop()
	e.monitor.Start()

	e.log.Info("engine started")
	return nil
}

// Teardown stops everything in reverse dependency order: monitor first so
// no sync cycle starts mid-teardown, then the live channel, refresh loop and
// listener, finally the store.
func (e *Engine) Teardown(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.mu.Unlock()

	e.monitor.Stop()
	if err := e.channel.Close(); err != nil {
		e.log.Warn("failed to close live channel", "error", err)
	}
	if e.cancelSession != nil {
		e.cancelSession()
		e.cancelSession = nil
	}
	e.sessions.Close()

	if e.store != nil {
		if err := e.store.Close(); err != nil {
			return fmt.Errorf("failed to close local store: %w", err)
		}
	}
	e.log.Info("engine stopped")
	return nil
}

// Tenant returns the currently bound company id, empty when none.
func (e *Engine) Tenant() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tenant
}

// onSessionChange reacts to every session transition: binding the tenant on
// login/onboarding, and tearing realtime down on logout or revocation while
// keeping the cache readable.
func (e *Engine) onSessionChange(sess *models.Session) {
	next := sess.Tenant()

	e.mu.Lock()
	prev := e.tenant
	e.tenant = next
	e.mu.Unlock()

	if next == prev {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if next == "" {
		// Signed out or back in limbo. The live channel goes down; cached
		// records stay for read-only use until another tenant binds.
		if err := e.channel.Close(); err != nil {
			e.log.Warn("failed to close live channel", "error", err)
		}
		return
	}

	if prev != "" {
		if err := e.channel.Close(); err != nil {
			e.log.Warn("failed to close live channel", "error", err)
		}
	}

	// Cache invalidation happens inside SwitchTenant, before any record of
	// the new tenant can land.
	if err := e.coord.SwitchTenant(ctx, next); err != nil {
		e.log.Error("tenant switch failed", "company_id", next, "error", err)
		return
	}

	if err := e.channel.Open(ctx, next); err != nil {
		e.log.Warn("live channel unavailable, relying on periodic sync", "error", err)
	}
	if err := e.sync(ctx); err != nil {
		e.log.Warn("initial sync failed", "company_id", next, "error", err)
	}
}

// sync runs one push-then-hydrate cycle with credential recovery. When the
// cycle fails on an expired or rejected token, the session is refreshed and
// the cycle retried once with fresh credentials. A refresh that itself fails
// on auth clears the session, which tears realtime down via onSessionChange;
// pending local edits stay queued for the next login.
func (e *Engine) sync(ctx context.Context) error {
	err := e.coord.Sync(ctx)
	if faults.KindOf(err) != faults.KindAuth {
		return err
	}

	e.log.Warn("sync rejected credentials, refreshing session", "error", err)
	if res := e.sessions.Refresh(ctx); !res.Success() {
		return err
	}
	return e.coord.Sync(ctx)
}

// --- UI surface ---------------------------------------------------------

// Records returns a copy of every cached record of one kind.
func (e *Engine) Records(kind models.Kind) models.EntityCollection {
	return e.cache.List(kind)
}

// Record returns a copy of one cached record.
func (e *Engine) Record(kind models.Kind, id string) (models.Record, bool) {
	return e.cache.Get(kind, id)
}

// Mutate applies a local edit optimistically: the cache updates and the
// call returns immediately with the updated record; the change is pushed on
// the next sync cycle.
func (e *Engine) Mutate(kind models.Kind, id string, fields map[string]any) (models.Record, faults.Result) {
	rec, err := e.tracker.MarkDirty(kind, id, fields)
	if err != nil {
		return models.Record{}, faults.Fail(err)
	}
	return rec, faults.OK()
}

// PendingChanges returns the dirty records queued for push, in push order.
func (e *Engine) PendingChanges() []models.Record {
	return e.tracker.DirtyRecords()
}

// SyncNow runs one push-then-hydrate cycle. An auth failure triggers a
// session refresh and one retry before the failure is surfaced.
func (e *Engine) SyncNow(ctx context.Context) faults.Result {
	return faults.Fail(e.sync(ctx))
}

// Cursor returns the current hydration watermark.
func (e *Engine) Cursor() models.SyncCursor {
	return e.coord.Cursor()
}

// ChannelState reports the live subscription state.
func (e *Engine) ChannelState() realtime.State {
	return e.channel.State()
}

// Online reports last-known cloud reachability.
func (e *Engine) Online() bool {
	return e.monitor.Online()
}

// Session returns a copy of the active session, nil when signed out.
func (e *Engine) Session() *models.Session {
	return e.sessions.Current()
}

// OnSessionChange registers cb for session transitions. The returned cancel
// func unregisters it.
func (e *Engine) OnSessionChange(cb func(*models.Session)) (cancel func()) {
	return e.sessions.SubscribeChanges(cb)
}

// Login signs in with a raw identifier (address or phone number). On
// success the session's tenant binds, realtime opens and a first sync runs.
func (e *Engine) Login(ctx context.Context, identifier, secret string) faults.Result {
	return e.sessions.Login(ctx, identifier, secret)
}

// SignUp creates an account. The session starts without a tenant; call
// CompleteOnboarding to bind one.
func (e *Engine) SignUp(ctx context.Context, name, identifier, secret string) faults.Result {
	return e.sessions.SignUp(ctx, name, identifier, secret)
}

// CompleteOnboarding attaches the signed-up session to its first tenant and
// triggers the first hydration.
func (e *Engine) CompleteOnboarding(companyID string) faults.Result {
	return e.sessions.CompleteOnboarding(companyID)
}

// RefreshSession revalidates the token and permission snapshot on demand.
func (e *Engine) RefreshSession(ctx context.Context) faults.Result {
	return e.sessions.Refresh(ctx)
}

// Logout revokes the session and closes the live channel. Cached records
// stay readable until the next login binds a tenant.
func (e *Engine) Logout(ctx context.Context) faults.Result {
	return e.sessions.Logout(ctx)
}
