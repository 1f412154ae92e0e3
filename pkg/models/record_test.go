package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRecord() Record {
	return Record{
		ID:        "inv_1",
		CompanyID: "co_1",
		Kind:      KindInvoice,
		UpdatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Fields:    map[string]any{"total": 120.50},
	}
}

func TestRecordValidate(t *testing.T) {
	r := validRecord()
	require.NoError(t, r.Validate())

	tests := []struct {
		name   string
		mutate func(*Record)
		want   error
	}{
		{"missing id", func(r *Record) { r.ID = "" }, ErrMissingID},
		{"missing company", func(r *Record) { r.CompanyID = "" }, ErrMissingCompanyID},
		{"missing kind", func(r *Record) { r.Kind = "" }, ErrMissingKind},
		{"zero updated_at", func(r *Record) { r.UpdatedAt = time.Time{} }, ErrZeroUpdatedAt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRecord()
			tt.mutate(&r)
			assert.ErrorIs(t, r.Validate(), tt.want)
		})
	}
}

func TestRecordClone(t *testing.T) {
	r := validRecord()
	c := r.Clone()

	c.Fields["total"] = 999.0
	assert.Equal(t, 120.50, r.Fields["total"], "clone must not share the fields map")
}

func TestRemoteEventValidate(t *testing.T) {
	ev := RemoteEvent{Action: UpdateAction, Record: validRecord()}
	require.NoError(t, ev.Validate())

	ev.Action = "TRUNCATE"
	var uae *UnknownActionError
	assert.ErrorAs(t, ev.Validate(), &uae)

	ev = RemoteEvent{Action: CreateAction}
	assert.Error(t, ev.Validate())
}

func TestSessionPermissions(t *testing.T) {
	var nilSession *Session
	assert.False(t, nilSession.HasPermission("crm.read"))
	assert.False(t, nilSession.Onboarded())

	s := &Session{
		UserID:         "u_1",
		Role:           "staff",
		PermissionTags: map[string]struct{}{"crm.read": {}},
	}
	assert.True(t, s.HasPermission("crm.read"))
	assert.False(t, s.HasPermission("finance.write"))
	assert.False(t, s.Onboarded(), "no tenant assigned yet")

	co := "co_1"
	s.CompanyID = &co
	assert.True(t, s.Onboarded())
	assert.Equal(t, "co_1", s.Tenant())

	s.IsSuperAdmin = true
	assert.True(t, s.HasPermission("finance.write"), "super admin passes every check")
}

func TestSessionClone(t *testing.T) {
	co := "co_1"
	s := &Session{UserID: "u_1", CompanyID: &co, PermissionTags: map[string]struct{}{"a": {}}}
	c := s.Clone()

	*c.CompanyID = "co_2"
	c.PermissionTags["b"] = struct{}{}

	assert.Equal(t, "co_1", *s.CompanyID)
	assert.NotContains(t, s.PermissionTags, "b")
}

func TestSyncCursorZero(t *testing.T) {
	assert.True(t, SyncCursor{CompanyID: "co_1"}.Zero())
	assert.False(t, SyncCursor{Token: "v23"}.Zero())
	assert.False(t, SyncCursor{LastAppliedAt: time.Now()}.Zero())
}
