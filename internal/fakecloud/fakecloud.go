// Package fakecloud provides an in-process implementation of cloud.Service
// for tests. It keeps per-tenant record state, hands out cursor tokens for
// incremental snapshots, authenticates against a bcrypt credential store and
// lets tests inject failures and push scripted realtime events.
//
// There is no network in between: the fake exercises the engine's behavior
// against the capability contract, while pkg/cloud/ws has its own transport
// tests.
package fakecloud

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/opsuite/opsync/pkg/cloud"
	"github.com/opsuite/opsync/pkg/faults"
	"github.com/opsuite/opsync/pkg/models"
)

type account struct {
	userID     string
	name       string
	secretHash []byte
	session    models.Session
}

type tenantState struct {
	records map[string]models.Record // key: kind/id
	version int64                    // bumped on every committed change
}

type subscription struct {
	tenantID string
	onEvent  cloud.EventHandler
	onError  cloud.ErrorHandler
}

// Service is the fake cloud backend.
type Service struct {
	mu sync.Mutex

	tenants  map[string]*tenantState
	accounts map[string]*account // key: normalized identifier
	sessions map[string]string   // token -> identifier

	subs map[cloud.SubscriptionHandle]*subscription

	sessionCBs map[int]func(cloud.SessionChange)
	cbSeq      int

	clock time.Time

	// Failure injection. Errors are consumed one call at a time.
	fetchErrs []error
	pushErrs  []error
	authErrs  []error

	// RejectPush, when set, returns a non-empty reason for records the
	// push endpoint should refuse.
	RejectPush func(models.Record) string

	// Calls counts invocations by method name, for ordering assertions.
	Calls []string
}

// New creates an empty fake.
func New() *Service {
	return &Service{
		tenants:    make(map[string]*tenantState),
		accounts:   make(map[string]*account),
		sessions:   make(map[string]string),
		subs:       make(map[cloud.SubscriptionHandle]*subscription),
		sessionCBs: make(map[int]func(cloud.SessionChange)),
		clock:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

var _ cloud.Service = (*Service)(nil)

// --- test helpers -------------------------------------------------------

// Tick advances the fake's server clock and returns the new time.
func (s *Service) Tick(d time.Duration) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = s.clock.Add(d)
	return s.clock
}

// Now returns the fake's server clock.
func (s *Service) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

// FailNextFetch queues an error for the next FetchSnapshot call.
func (s *Service) FailNextFetch(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchErrs = append(s.fetchErrs, err)
}

// FailNextPush queues an error for the next PushRecords call.
func (s *Service) FailNextPush(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushErrs = append(s.pushErrs, err)
}

// FailNextAuth queues an error for the next Authenticate/RefreshSession call.
func (s *Service) FailNextAuth(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authErrs = append(s.authErrs, err)
}

// SeedRecord commits a record server-side without emitting an event.
func (s *Service) SeedRecord(rec models.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitLocked(rec)
}

// CommitRemote commits a record server-side as if another session changed
// it, stamping the server clock, and delivers the change to subscribers.
func (s *Service) CommitRemote(rec models.Record) models.Record {
	s.mu.Lock()
	rec.UpdatedAt = s.clock
	s.commitLocked(rec)
	subs := s.subscribersLocked(rec.CompanyID)
	s.mu.Unlock()

	id := uuid.New()
	ev := models.RemoteEvent{ID: &id, Action: models.UpdateAction, Record: rec}
	for _, sub := range subs {
		sub.onEvent(ev)
	}
	return rec
}

// EmitEvent delivers an arbitrary event to every subscriber of the tenant,
// without touching server state. Used for duplicate and malformed payloads.
func (s *Service) EmitEvent(tenantID string, ev models.RemoteEvent) {
	s.mu.Lock()
	subs := s.subscribersLocked(tenantID)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.onEvent(ev)
	}
}

// DropSubscriptions simulates a lost live channel: every subscription is
// torn down server-side and its error handler is invoked with err.
func (s *Service) DropSubscriptions(err error) {
	s.mu.Lock()
	dropped := make([]*subscription, 0, len(s.subs))
	for handle, sub := range s.subs {
		dropped = append(dropped, sub)
		delete(s.subs, handle)
	}
	s.mu.Unlock()
	for _, sub := range dropped {
		if sub.onError != nil {
			sub.onError(err)
		}
	}
}

// EmitSessionChange fans an out-of-band session change to every registered
// listener.
func (s *Service) EmitSessionChange(change cloud.SessionChange) {
	s.mu.Lock()
	cbs := make([]func(cloud.SessionChange), 0, len(s.sessionCBs))
	for _, cb := range s.sessionCBs {
		cbs = append(cbs, cb)
	}
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(change)
	}
}

// Register creates an account directly, bypassing the signup flow.
func (s *Service) Register(name, identifier, secret, companyID, role string, tags ...string) models.Session {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := models.Session{
		UserID: "u_" + strconv.Itoa(len(s.accounts)+1),
		Role:   role,
		Token:  "tok_" + uuid.NewString(),
	}
	if companyID != "" {
		sess.CompanyID = &companyID
	}
	if len(tags) > 0 {
		sess.PermissionTags = make(map[string]struct{}, len(tags))
		for _, tag := range tags {
			sess.PermissionTags[tag] = struct{}{}
		}
	}

	s.accounts[identifier] = &account{
		userID:     sess.UserID,
		name:       name,
		secretHash: hash,
		session:    sess,
	}
	s.sessions[sess.Token] = identifier
	return sess
}

// CallLog returns a copy of the method invocation log.
func (s *Service) CallLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Calls))
	copy(out, s.Calls)
	return out
}

// SubscriberCount reports live subscriptions, for leak assertions.
func (s *Service) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// SessionCallbackCount reports registered session listeners.
func (s *Service) SessionCallbackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessionCBs)
}

// ServerRecord returns the committed server-side copy of a record.
func (s *Service) ServerRecord(companyID string, kind models.Kind, id string) (models.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[companyID]
	if !ok {
		return models.Record{}, false
	}
	rec, ok := t.records[recordKey(kind, id)]
	return rec, ok
}

// --- internals ----------------------------------------------------------

func recordKey(kind models.Kind, id string) string {
	return string(kind) + "/" + id
}

func (s *Service) tenantLocked(id string) *tenantState {
	t, ok := s.tenants[id]
	if !ok {
		t = &tenantState{records: make(map[string]models.Record)}
		s.tenants[id] = t
	}
	return t
}

func (s *Service) commitLocked(rec models.Record) {
	t := s.tenantLocked(rec.CompanyID)
	t.version++
	rec.Dirty = false
	rec.LocalRevision = 0
	t.records[recordKey(rec.Kind, rec.ID)] = rec
}

func (s *Service) subscribersLocked(tenantID string) []*subscription {
	var out []*subscription
	for _, sub := range s.subs {
		if sub.tenantID == tenantID {
			out = append(out, sub)
		}
	}
	return out
}

func (s *Service) takeErr(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

// --- cloud.Service ------------------------------------------------------

// FetchSnapshot implements cloud.Service.
func (s *Service) FetchSnapshot(ctx context.Context, tenantID string, cursor models.SyncCursor) (*cloud.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, &faults.NetworkError{Op: "snapshot", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, "snapshot")

	if err := s.takeErr(&s.fetchErrs); err != nil {
		return nil, err
	}

	t := s.tenantLocked(tenantID)

	var since time.Time
	if !cursor.Zero() {
		since = cursor.LastAppliedAt
	}

	snap := &cloud.Snapshot{
		NewCursor: models.SyncCursor{
			CompanyID:     tenantID,
			Token:         "v" + strconv.FormatInt(t.version, 10),
			LastAppliedAt: s.clock,
		},
	}
	for _, rec := range t.records {
		if since.IsZero() || rec.UpdatedAt.After(since) {
			snap.Records = append(snap.Records, rec)
		}
	}
	return snap, nil
}

// PushRecords implements cloud.Service. Acceptance is per record; a
// rejection never blocks the rest of the batch.
func (s *Service) PushRecords(ctx context.Context, tenantID string, records []models.Record) (*cloud.PushResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &faults.NetworkError{Op: "push", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, "push")

	if err := s.takeErr(&s.pushErrs); err != nil {
		return nil, err
	}

	res := &cloud.PushResult{}
	for _, rec := range records {
		if rec.CompanyID != tenantID {
			res.Rejected = append(res.Rejected, cloud.Rejection{ID: rec.ID, Reason: "tenant mismatch"})
			continue
		}
		if s.RejectPush != nil {
			if reason := s.RejectPush(rec); reason != "" {
				res.Rejected = append(res.Rejected, cloud.Rejection{ID: rec.ID, Reason: reason})
				continue
			}
		}

		s.clock = s.clock.Add(time.Millisecond)
		rec.UpdatedAt = s.clock
		s.commitLocked(rec)
		res.Accepted = append(res.Accepted, cloud.Acknowledgment{ID: rec.ID, UpdatedAt: rec.UpdatedAt})
	}
	return res, nil
}

// Subscribe implements cloud.Service.
func (s *Service) Subscribe(ctx context.Context, tenantID string, onEvent cloud.EventHandler, onError cloud.ErrorHandler) (cloud.SubscriptionHandle, error) {
	if err := ctx.Err(); err != nil {
		return "", &faults.NetworkError{Op: "subscribe", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, "subscribe")

	handle := cloud.SubscriptionHandle(uuid.NewString())
	s.subs[handle] = &subscription{tenantID: tenantID, onEvent: onEvent, onError: onError}
	return handle, nil
}

// Unsubscribe implements cloud.Service. Unknown handles are a no-op.
func (s *Service) Unsubscribe(handle cloud.SubscriptionHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, "unsubscribe")
	delete(s.subs, handle)
	return nil
}

// Authenticate implements cloud.Service.
func (s *Service) Authenticate(ctx context.Context, creds cloud.Credentials) (*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, &faults.NetworkError{Op: "signin", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, "signin")

	if err := s.takeErr(&s.authErrs); err != nil {
		return nil, err
	}

	acct, ok := s.accounts[creds.Identifier]
	if !ok {
		return nil, faults.ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword(acct.secretHash, []byte(creds.Secret)) != nil {
		return nil, faults.ErrInvalidCredentials
	}

	sess := acct.session.Clone()
	return sess, nil
}

// SignUp implements cloud.Service. The new session has no tenant until
// onboarding completes.
func (s *Service) SignUp(ctx context.Context, details cloud.SignUpDetails) (*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, &faults.NetworkError{Op: "signup", Err: err}
	}

	s.mu.Lock()
	if _, exists := s.accounts[details.Identifier]; exists {
		s.mu.Unlock()
		return nil, faults.ErrDuplicateAccount
	}
	s.mu.Unlock()

	sess := s.Register(details.Name, details.Identifier, details.Secret, "", "owner")
	return sess.Clone(), nil
}

// RefreshSession implements cloud.Service.
func (s *Service) RefreshSession(ctx context.Context, token string) (*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, &faults.NetworkError{Op: "refresh", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, "refresh")

	if err := s.takeErr(&s.authErrs); err != nil {
		return nil, err
	}

	identifier, ok := s.sessions[token]
	if !ok {
		return nil, &faults.AuthError{Op: "refresh", Err: faults.ErrNoSession}
	}
	return s.accounts[identifier].session.Clone(), nil
}

// Invalidate implements cloud.Service.
func (s *Service) Invalidate(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, "invalidate")
	delete(s.sessions, token)
	return nil
}

// OnSessionInvalidated implements cloud.Service.
func (s *Service) OnSessionInvalidated(cb func(cloud.SessionChange)) (cancel func()) {
	s.mu.Lock()
	s.cbSeq++
	key := s.cbSeq
	s.sessionCBs[key] = cb
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.sessionCBs, key)
		s.mu.Unlock()
	}
}

// AssignTenant attaches a tenant to an existing account and updates its
// stored session, mimicking onboarding completion server-side.
func (s *Service) AssignTenant(identifier, companyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[identifier]
	if !ok {
		return fmt.Errorf("unknown account %q", identifier)
	}
	acct.session.CompanyID = &companyID
	return nil
}
