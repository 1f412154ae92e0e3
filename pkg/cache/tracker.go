package cache

import (
	"sort"
	"time"

	"github.com/opsuite/opsync/pkg/models"
)

// ChangeTracker records local mutations into the cache: it flags records
// dirty, bumps their local revision clock and stamps UpdatedAt, so the sync
// coordinator can find and push them later.
type ChangeTracker struct {
	cache *EntityCache
	now   func() time.Time
}

// NewTracker creates a tracker over cache. now defaults to time.Now.
func NewTracker(cache *EntityCache, now func() time.Time) *ChangeTracker {
	if now == nil {
		now = time.Now
	}
	return &ChangeTracker{cache: cache, now: now}
}

// MarkDirty applies a local mutation optimistically: fields are merged over
// the existing record (or a new record is created), the record is flagged
// dirty and its local revision incremented. Returns the updated record.
func (t *ChangeTracker) MarkDirty(kind models.Kind, id string, fields map[string]any) (models.Record, error) {
	var updated models.Record
	err := t.cache.update(func(colls map[models.Kind]models.EntityCollection) error {
		coll, ok := colls[kind]
		if !ok {
			coll = make(models.EntityCollection)
			colls[kind] = coll
		}

		rec, ok := coll[id]
		if !ok {
			rec = models.Record{
				ID:        id,
				CompanyID: t.cache.companyID,
				Kind:      kind,
				Fields:    make(map[string]any, len(fields)),
			}
		} else if rec.Fields == nil {
			rec.Fields = make(map[string]any, len(fields))
		}

		for k, v := range fields {
			rec.Fields[k] = v
		}
		rec.UpdatedAt = t.now().UTC()
		rec.Dirty = true
		rec.LocalRevision++

		coll[id] = rec
		updated = rec.Clone()
		return nil
	})
	return updated, err
}

// DirtyRecords returns every dirty record in push order: ascending
// UpdatedAt, ties broken by ascending ID.
func (t *ChangeTracker) DirtyRecords() []models.Record {
	c := t.cache
	c.mu.RLock()
	var out []models.Record
	for _, coll := range c.collections {
		for _, rec := range coll {
			if rec.Dirty {
				out = append(out, rec.Clone())
			}
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out
}

// ClearDirty clears the dirty flag for a record acknowledged by the cloud,
// adopting the server-assigned UpdatedAt. The flag is cleared only if the
// acknowledged local revision is still current: a mutation that raced the
// push keeps the record dirty for the next cycle.
func (t *ChangeTracker) ClearDirty(kind models.Kind, id string, ackedRevision int64, serverUpdatedAt time.Time) bool {
	cleared := false
	_ = t.cache.update(func(colls map[models.Kind]models.EntityCollection) error {
		coll := colls[kind]
		rec, ok := coll[id]
		if !ok || !rec.Dirty {
			return nil
		}
		if rec.LocalRevision != ackedRevision {
			return nil
		}
		rec.Dirty = false
		rec.UpdatedAt = serverUpdatedAt
		coll[id] = rec
		cleared = true
		return nil
	})
	return cleared
}
