package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsuite/opsync/internal/fakecloud"
	"github.com/opsuite/opsync/pkg/cloud"
	"github.com/opsuite/opsync/pkg/faults"
	"github.com/opsuite/opsync/pkg/models"
)

func TestNormalizeIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"5551234567", "5551234567@phone.opsuite.internal"},
		{"08031234567", "08031234567@phone.opsuite.internal"},
		{"+15551234567", "15551234567@phone.opsuite.internal"},
		{" 555 ", "555@phone.opsuite.internal"},
		{"a@b.co", "a@b.co"},
		{"555-123", "555-123"},
		{"+", "+"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeIdentifier(tt.in), "input %q", tt.in)
	}
}

func newManager(t *testing.T) (*Manager, *fakecloud.Service) {
	t.Helper()
	fake := fakecloud.New()
	m := New(Params{Service: fake, RefreshInterval: 10 * time.Millisecond})
	t.Cleanup(m.Close)
	return m, fake
}

func TestLogin(t *testing.T) {
	m, fake := newManager(t)
	fake.Register("Ada", "ada@example.com", "s3cret", "co_1", "owner", "invoices:write")

	res := m.Login(context.Background(), "ada@example.com", "s3cret")
	require.True(t, res.Success())

	sess := m.Current()
	require.NotNil(t, sess)
	assert.Equal(t, "co_1", sess.Tenant())
	assert.True(t, sess.HasPermission("invoices:write"))
	assert.False(t, sess.HasPermission("payroll:write"))
}

func TestLoginNormalizesPhoneIdentifier(t *testing.T) {
	m, fake := newManager(t)
	fake.Register("Ada", "5551234567@phone.opsuite.internal", "s3cret", "co_1", "owner")

	res := m.Login(context.Background(), "+5551234567", "s3cret")
	require.True(t, res.Success())
	require.NotNil(t, m.Current())
}

func TestLoginBadSecret(t *testing.T) {
	m, fake := newManager(t)
	fake.Register("Ada", "ada@example.com", "s3cret", "co_1", "owner")

	res := m.Login(context.Background(), "ada@example.com", "wrong")
	require.False(t, res.Success())
	assert.ErrorIs(t, res.Err, faults.ErrInvalidCredentials)
	assert.Nil(t, m.Current())
}

func TestSignUpStartsInLimbo(t *testing.T) {
	m, _ := newManager(t)

	res := m.SignUp(context.Background(), "Ada", "ada@example.com", "s3cret")
	require.True(t, res.Success())

	sess := m.Current()
	require.NotNil(t, sess)
	assert.False(t, sess.Onboarded())
	assert.Empty(t, sess.Tenant())

	// duplicate identifier
	res = m.SignUp(context.Background(), "Ada", "ada@example.com", "other")
	require.False(t, res.Success())
	assert.ErrorIs(t, res.Err, faults.ErrDuplicateAccount)
}

func TestCompleteOnboarding(t *testing.T) {
	m, _ := newManager(t)

	// no session yet
	res := m.CompleteOnboarding("co_1")
	require.False(t, res.Success())
	assert.Equal(t, faults.KindAuth, res.Kind())

	require.True(t, m.SignUp(context.Background(), "Ada", "ada@example.com", "s3cret").Success())

	var notified *models.Session
	cancel := m.SubscribeChanges(func(s *models.Session) { notified = s })
	defer cancel()

	require.True(t, m.CompleteOnboarding("co_1").Success())
	assert.True(t, m.Current().Onboarded())
	require.NotNil(t, notified)
	assert.Equal(t, "co_1", notified.Tenant())
}

func TestRefreshAdoptsServerSnapshot(t *testing.T) {
	m, fake := newManager(t)
	fake.Register("Ada", "ada@example.com", "s3cret", "", "owner")
	require.True(t, m.Login(context.Background(), "ada@example.com", "s3cret").Success())
	require.False(t, m.Current().Onboarded())

	// tenant assigned server-side since the last refresh
	require.NoError(t, fake.AssignTenant("ada@example.com", "co_1"))

	res := m.Refresh(context.Background())
	require.True(t, res.Success())
	assert.Equal(t, "co_1", m.Current().Tenant())
}

func TestRefreshAuthFailureSignsOut(t *testing.T) {
	m, fake := newManager(t)
	fake.Register("Ada", "ada@example.com", "s3cret", "co_1", "owner")
	require.True(t, m.Login(context.Background(), "ada@example.com", "s3cret").Success())

	fake.FailNextAuth(&faults.AuthError{Op: "refresh", Err: faults.ErrNoSession})
	res := m.Refresh(context.Background())
	require.False(t, res.Success())
	assert.Equal(t, faults.KindAuth, res.Kind())
	assert.Nil(t, m.Current(), "invalid session is cleared")
}

func TestRefreshNetworkFailureKeepsSession(t *testing.T) {
	m, fake := newManager(t)
	fake.Register("Ada", "ada@example.com", "s3cret", "co_1", "owner")
	require.True(t, m.Login(context.Background(), "ada@example.com", "s3cret").Success())

	fake.FailNextAuth(&faults.NetworkError{Op: "refresh", Err: errors.New("down")})
	res := m.Refresh(context.Background())
	require.False(t, res.Success())
	assert.Equal(t, faults.KindNetwork, res.Kind())
	assert.NotNil(t, m.Current(), "transient failure keeps the session")
}

func TestForcedInvalidationSignsOut(t *testing.T) {
	m, fake := newManager(t)
	fake.Register("Ada", "ada@example.com", "s3cret", "co_1", "owner")
	require.True(t, m.Login(context.Background(), "ada@example.com", "s3cret").Success())

	m.InitAuthListener()
	m.InitAuthListener() // idempotent
	assert.Equal(t, 1, fake.SessionCallbackCount())

	var mu sync.Mutex
	var got []*models.Session
	cancel := m.SubscribeChanges(func(s *models.Session) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})
	defer cancel()

	fake.EmitSessionChange(cloud.SessionChange{Reason: cloud.SessionRevoked})
	assert.Nil(t, m.Current())
	mu.Lock()
	require.Len(t, got, 1)
	assert.Nil(t, got[0])
	mu.Unlock()
}

func TestPermissionsChangedPush(t *testing.T) {
	m, fake := newManager(t)
	fake.Register("Ada", "ada@example.com", "s3cret", "co_1", "staff")
	require.True(t, m.Login(context.Background(), "ada@example.com", "s3cret").Success())
	m.InitAuthListener()

	co := "co_1"
	fake.EmitSessionChange(cloud.SessionChange{
		Reason: cloud.PermissionsChanged,
		Session: &models.Session{
			UserID: m.Current().UserID, CompanyID: &co, Role: "owner",
			Token: m.Current().Token,
		},
	})
	assert.Equal(t, "owner", m.Current().Role)
}

func TestRefreshLoop(t *testing.T) {
	m, fake := newManager(t)
	fake.Register("Ada", "ada@example.com", "s3cret", "co_1", "owner")
	require.True(t, m.Login(context.Background(), "ada@example.com", "s3cret").Success())

	m.StartRefreshLoop()
	defer m.StopRefreshLoop()

	assert.Eventually(t, func() bool {
		for _, call := range fake.CallLog() {
			if call == "refresh" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestLogout(t *testing.T) {
	m, fake := newManager(t)
	fake.Register("Ada", "ada@example.com", "s3cret", "co_1", "owner")
	require.True(t, m.Login(context.Background(), "ada@example.com", "s3cret").Success())
	token := m.Current().Token

	require.True(t, m.Logout(context.Background()).Success())
	assert.Nil(t, m.Current())

	// token revoked server-side
	_, err := fake.RefreshSession(context.Background(), token)
	require.Error(t, err)
	assert.Equal(t, faults.KindAuth, faults.KindOf(err))

	// logging out while signed out is a no-op
	require.True(t, m.Logout(context.Background()).Success())
}
