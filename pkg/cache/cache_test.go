package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsuite/opsync/pkg/models"
)

func record(id, company string, updated time.Time) models.Record {
	return models.Record{
		ID:        id,
		CompanyID: company,
		Kind:      models.KindContact,
		UpdatedAt: updated,
		Fields:    map[string]any{"name": "n-" + id},
	}
}

func TestApplyAndGet(t *testing.T) {
	c := New(nil)
	c.BindTenant("co_1")

	rec := record("ct_1", "co_1", time.Now().UTC())
	require.NoError(t, c.Apply(rec))

	got, ok := c.Get(models.KindContact, "ct_1")
	require.True(t, ok)
	assert.Equal(t, rec.ID, got.ID)

	// mutation of the returned copy must not leak into the cache
	got.Fields["name"] = "mutated"
	again, _ := c.Get(models.KindContact, "ct_1")
	assert.Equal(t, "n-ct_1", again.Fields["name"])
}

func TestApplyRejectsForeignTenant(t *testing.T) {
	c := New(nil)
	c.BindTenant("co_1")

	err := c.Apply(record("ct_1", "co_2", time.Now().UTC()))
	assert.ErrorIs(t, err, ErrTenantMismatch)
	assert.Zero(t, c.Len())
}

func TestApplyWithoutTenant(t *testing.T) {
	c := New(nil)
	err := c.Apply(record("ct_1", "co_1", time.Now().UTC()))
	assert.ErrorIs(t, err, ErrNoTenant)
}

func TestBindTenantInvalidates(t *testing.T) {
	c := New(nil)
	c.BindTenant("co_1")
	require.NoError(t, c.Apply(record("ct_1", "co_1", time.Now().UTC())))
	require.Equal(t, 1, c.Len())

	c.BindTenant("co_2")
	assert.Zero(t, c.Len(), "old tenant records must be gone before any new record lands")

	_, ok := c.Get(models.KindContact, "ct_1")
	assert.False(t, ok)
}

func TestBindSameTenantKeepsRecords(t *testing.T) {
	c := New(nil)
	c.BindTenant("co_1")
	require.NoError(t, c.Apply(record("ct_1", "co_1", time.Now().UTC())))

	c.BindTenant("co_1")
	assert.Equal(t, 1, c.Len())
}

func TestMerge(t *testing.T) {
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	c := New(nil)
	c.BindTenant("co_1")

	// no current version: decide sees exists == false
	applied, err := c.Merge(record("ct_1", "co_1", base), func(local models.Record, exists bool) bool {
		assert.False(t, exists)
		return true
	})
	require.NoError(t, err)
	assert.True(t, applied)

	// decide sees a copy of the current version and can refuse the write
	applied, err = c.Merge(record("ct_1", "co_1", base.Add(-time.Hour)), func(local models.Record, exists bool) bool {
		require.True(t, exists)
		return local.UpdatedAt.Before(base.Add(-time.Hour))
	})
	require.NoError(t, err)
	assert.False(t, applied)

	got, ok := c.Get(models.KindContact, "ct_1")
	require.True(t, ok)
	assert.True(t, got.UpdatedAt.Equal(base), "refused merge leaves the cached version untouched")
}

func TestMergeRejectsForeignTenant(t *testing.T) {
	c := New(nil)
	c.BindTenant("co_1")

	_, err := c.Merge(record("ct_1", "co_2", time.Now().UTC()), func(models.Record, bool) bool { return true })
	assert.ErrorIs(t, err, ErrTenantMismatch)
	assert.Zero(t, c.Len())
}

func TestDeleteIf(t *testing.T) {
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	c := New(nil)
	c.BindTenant("co_1")
	require.NoError(t, c.Apply(record("ct_1", "co_1", base)))

	removed := c.DeleteIf(models.KindContact, "ct_1", func(local models.Record, exists bool) bool {
		return exists && !local.UpdatedAt.After(base)
	})
	assert.True(t, removed)
	_, ok := c.Get(models.KindContact, "ct_1")
	assert.False(t, ok)

	removed = c.DeleteIf(models.KindContact, "ct_1", func(local models.Record, exists bool) bool {
		return exists
	})
	assert.False(t, removed, "missing record is a no-op")
}

func TestMarkDirty(t *testing.T) {
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	clock := base
	c := New(nil)
	c.BindTenant("co_1")
	tr := NewTracker(c, func() time.Time { return clock })

	rec, err := tr.MarkDirty(models.KindInvoice, "inv_1", map[string]any{"total": 10.0})
	require.NoError(t, err)
	assert.True(t, rec.Dirty)
	assert.EqualValues(t, 1, rec.LocalRevision)
	assert.True(t, rec.UpdatedAt.Equal(base))

	clock = base.Add(time.Minute)
	rec, err = tr.MarkDirty(models.KindInvoice, "inv_1", map[string]any{"status": "sent"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, rec.LocalRevision)
	assert.Equal(t, 10.0, rec.Fields["total"], "earlier fields survive a later mutation")
	assert.Equal(t, "sent", rec.Fields["status"])
}

func TestDirtyRecordsOrder(t *testing.T) {
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	clock := base
	c := New(nil)
	c.BindTenant("co_1")
	tr := NewTracker(c, func() time.Time { return clock })

	// same timestamp: tie broken by id ascending
	_, err := tr.MarkDirty(models.KindTask, "b", nil)
	require.NoError(t, err)
	_, err = tr.MarkDirty(models.KindTask, "a", nil)
	require.NoError(t, err)

	clock = base.Add(-time.Hour) // older mutation sorts first
	_, err = tr.MarkDirty(models.KindTask, "z", nil)
	require.NoError(t, err)

	dirty := tr.DirtyRecords()
	require.Len(t, dirty, 3)
	assert.Equal(t, "z", dirty[0].ID)
	assert.Equal(t, "a", dirty[1].ID)
	assert.Equal(t, "b", dirty[2].ID)
}

func TestClearDirty(t *testing.T) {
	c := New(nil)
	c.BindTenant("co_1")
	tr := NewTracker(c, nil)

	rec, err := tr.MarkDirty(models.KindInvoice, "inv_1", nil)
	require.NoError(t, err)

	serverTime := time.Now().UTC().Add(time.Second)
	require.True(t, tr.ClearDirty(models.KindInvoice, "inv_1", rec.LocalRevision, serverTime))

	got, _ := c.Get(models.KindInvoice, "inv_1")
	assert.False(t, got.Dirty)
	assert.True(t, got.UpdatedAt.Equal(serverTime), "server-assigned UpdatedAt is adopted")
}

func TestClearDirtyStaleRevision(t *testing.T) {
	c := New(nil)
	c.BindTenant("co_1")
	tr := NewTracker(c, nil)

	rec, err := tr.MarkDirty(models.KindInvoice, "inv_1", nil)
	require.NoError(t, err)

	// a second mutation races the in-flight push
	_, err = tr.MarkDirty(models.KindInvoice, "inv_1", map[string]any{"status": "void"})
	require.NoError(t, err)

	assert.False(t, tr.ClearDirty(models.KindInvoice, "inv_1", rec.LocalRevision, time.Now().UTC()))
	got, _ := c.Get(models.KindInvoice, "inv_1")
	assert.True(t, got.Dirty, "record stays dirty until the racing edit is pushed")
}

func TestSnapshotAndInvalidate(t *testing.T) {
	c := New(nil)
	c.BindTenant("co_1")
	require.NoError(t, c.Apply(record("ct_1", "co_1", time.Now().UTC())))
	require.NoError(t, c.Apply(record("ct_2", "co_1", time.Now().UTC())))

	snap := c.Snapshot()
	assert.Len(t, snap, 2)

	c.Invalidate()
	assert.Zero(t, c.Len())
	assert.Equal(t, "co_1", c.Tenant(), "invalidation keeps the tenant binding")
}
