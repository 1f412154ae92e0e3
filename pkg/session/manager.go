// Package session manages the signed-in identity: login, signup, token
// refresh and the out-of-band invalidation listener. Consumers subscribe to
// change notifications instead of polling; route guards read the current
// permission snapshot through Current.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/opsuite/opsync/pkg/cloud"
	"github.com/opsuite/opsync/pkg/faults"
	"github.com/opsuite/opsync/pkg/logger"
	"github.com/opsuite/opsync/pkg/models"
)

// phoneDomain is the synthetic address domain for phone-number identifiers.
// The cloud service authenticates addresses only; phone sign-in maps onto
// it deterministically so the same number always yields the same account.
const phoneDomain = "phone.opsuite.internal"

// NormalizeIdentifier maps a user-entered identifier to its canonical form.
// A digits-only input (optionally with a leading +) is treated as a phone
// number and rewritten to <digits>@phone.opsuite.internal; everything else
// passes through unchanged.
func NormalizeIdentifier(identifier string) string {
	trimmed := strings.TrimSpace(identifier)
	digits := strings.TrimPrefix(trimmed, "+")
	if digits == "" {
		return trimmed
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return trimmed
		}
	}
	return digits + "@" + phoneDomain
}

const defaultRefreshInterval = 10 * time.Minute

// Params configures a Manager.
type Params struct {
	Service cloud.Service
	Logger  logger.Logger

	// RefreshInterval is the period of StartRefreshLoop. Defaults to ten
	// minutes.
	RefreshInterval time.Duration
}

// Manager owns the current session and its lifecycle.
type Manager struct {
	service         cloud.Service
	log             logger.Logger
	refreshInterval time.Duration

	mu      sync.RWMutex
	current *models.Session

	subMu  sync.Mutex
	subSeq int
	subs   map[int]func(*models.Session)

	listenerOnce   sync.Once
	cancelListener func()

	loopMu   sync.Mutex
	loopStop chan struct{}
	loopDone chan struct{}
}

// New creates a Manager with no session.
func New(p Params) *Manager {
	if p.Logger == nil {
		p.Logger = logger.Default()
	}
	if p.RefreshInterval <= 0 {
		p.RefreshInterval = defaultRefreshInterval
	}
	return &Manager{
		service:         p.Service,
		log:             p.Logger,
		refreshInterval: p.RefreshInterval,
		subs:            make(map[int]func(*models.Session)),
	}
}

// Current returns a copy of the active session, nil when signed out.
func (m *Manager) Current() *models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Clone()
}

// SubscribeChanges registers cb for session change notifications: login,
// logout, refresh, onboarding and forced invalidation. cb receives a copy
// (nil on sign-out). The returned cancel func unregisters it.
func (m *Manager) SubscribeChanges(cb func(*models.Session)) (cancel func()) {
	m.subMu.Lock()
	m.subSeq++
	key := m.subSeq
	m.subs[key] = cb
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, key)
		m.subMu.Unlock()
	}
}

func (m *Manager) setSession(sess *models.Session) {
	m.mu.Lock()
	m.current = sess
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) notify() {
	snapshot := m.Current()

	m.subMu.Lock()
	cbs := make([]func(*models.Session), 0, len(m.subs))
	for _, cb := range m.subs {
		cbs = append(cbs, cb)
	}
	m.subMu.Unlock()

	for _, cb := range cbs {
		cb(snapshot.Clone())
	}
}

// InitAuthListener registers on the service's out-of-band session channel.
// Safe to call more than once; only the first call registers.
func (m *Manager) InitAuthListener() {
	m.listenerOnce.Do(func() {
		m.cancelListener = m.service.OnSessionInvalidated(m.handleSessionChange)
		m.log.Debug("auth listener registered")
	})
}

func (m *Manager) handleSessionChange(change cloud.SessionChange) {
	switch change.Reason {
	case cloud.SessionRevoked:
		m.log.Info("session revoked by server, signing out")
		m.setSession(nil)
	case cloud.SessionRefreshed, cloud.PermissionsChanged:
		if change.Session == nil {
			m.log.Warn("session change without payload", "reason", change.Reason)
			return
		}
		m.log.Info("session updated by server", "reason", change.Reason)
		m.setSession(change.Session.Clone())
	default:
		m.log.Warn("unknown session change reason", "reason", change.Reason)
	}
}

// Login authenticates with a raw identifier (address or phone number) and
// secret. On success the session becomes current and subscribers are
// notified.
func (m *Manager) Login(ctx context.Context, identifier, secret string) faults.Result {
	creds := cloud.Credentials{
		Identifier: NormalizeIdentifier(identifier),
		Secret:     secret,
	}
	sess, err := m.service.Authenticate(ctx, creds)
	if err != nil {
		m.log.Warn("login failed", "error", err)
		return faults.Fail(err)
	}
	m.setSession(sess.Clone())
	m.log.Info("signed in", "user_id", sess.UserID, "onboarded", sess.Onboarded())
	return faults.OK()
}

// SignUp creates an account and signs it in. The fresh session has no
// tenant until CompleteOnboarding.
func (m *Manager) SignUp(ctx context.Context, name, identifier, secret string) faults.Result {
	details := cloud.SignUpDetails{
		Name:       name,
		Identifier: NormalizeIdentifier(identifier),
		Secret:     secret,
	}
	sess, err := m.service.SignUp(ctx, details)
	if err != nil {
		m.log.Warn("signup failed", "error", err)
		return faults.Fail(err)
	}
	m.setSession(sess.Clone())
	m.log.Info("account created", "user_id", sess.UserID)
	return faults.OK()
}

// CompleteOnboarding attaches the session to its first tenant, ending the
// post-signup limbo. Subscribers see the tenant-bearing session; the engine
// reacts by binding the cache and hydrating.
func (m *Manager) CompleteOnboarding(companyID string) faults.Result {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return faults.Fail(&faults.AuthError{Op: "onboarding", Err: faults.ErrNoSession})
	}
	updated := m.current.Clone()
	updated.CompanyID = &companyID
	m.current = updated
	m.mu.Unlock()

	m.log.Info("onboarding complete", "company_id", companyID)
	m.notify()
	return faults.OK()
}

// Refresh revalidates the current token and adopts the returned identity and
// permission snapshot. An auth failure signs the user out.
func (m *Manager) Refresh(ctx context.Context) faults.Result {
	m.mu.RLock()
	token := ""
	if m.current != nil {
		token = m.current.Token
	}
	m.mu.RUnlock()

	if token == "" {
		return faults.Fail(&faults.AuthError{Op: "refresh", Err: faults.ErrNoSession})
	}

	sess, err := m.service.RefreshSession(ctx, token)
	if err != nil {
		if faults.KindOf(err) == faults.KindAuth {
			m.log.Warn("session no longer valid, signing out", "error", err)
			m.setSession(nil)
		} else {
			m.log.Warn("session refresh failed", "error", err)
		}
		return faults.Fail(err)
	}
	m.setSession(sess.Clone())
	return faults.OK()
}

// StartRefreshLoop refreshes the session periodically until StopRefreshLoop
// or a second StartRefreshLoop replaces it. Network failures are logged and
// retried on the next tick.
func (m *Manager) StartRefreshLoop() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	m.stopLoopLocked()

	stop := make(chan struct{})
	done := make(chan struct{})
	m.loopStop, m.loopDone = stop, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			res := m.Refresh(ctx)
			cancel()
			if !res.Success() && res.Kind() == faults.KindAuth {
				// Signed out; nothing left to refresh.
				return
			}
		}
	}()
}

// StopRefreshLoop stops the periodic refresh. Safe when no loop is running.
func (m *Manager) StopRefreshLoop() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	m.stopLoopLocked()
}

func (m *Manager) stopLoopLocked() {
	if m.loopStop == nil {
		return
	}
	close(m.loopStop)
	<-m.loopDone
	m.loopStop, m.loopDone = nil, nil
}

// Logout revokes the token server-side and clears the session. The server
// call is best-effort: a network failure still signs out locally.
func (m *Manager) Logout(ctx context.Context) faults.Result {
	m.mu.RLock()
	token := ""
	if m.current != nil {
		token = m.current.Token
	}
	m.mu.RUnlock()

	if token == "" {
		return faults.OK()
	}

	if err := m.service.Invalidate(ctx, token); err != nil {
		m.log.Warn("server-side logout failed, clearing local session anyway", "error", err)
	}
	m.setSession(nil)
	m.log.Info("signed out")
	return faults.OK()
}

// Close stops the refresh loop and unregisters the auth listener.
func (m *Manager) Close() {
	m.StopRefreshLoop()
	if m.cancelListener != nil {
		m.cancelListener()
	}
}
