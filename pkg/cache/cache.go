// Package cache holds the in-memory, tenant-scoped entity cache and the
// change tracker that marks local mutations for push.
//
// The cache is the UI layer's source of truth between sync cycles. Reads
// return copies of fully-applied records; a record transitions wholesale or
// not at all, never field by field.
package cache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/opsuite/opsync/pkg/logger"
	"github.com/opsuite/opsync/pkg/models"
)

// ErrTenantMismatch is returned when a record scoped to another tenant is
// applied to the cache. Cross-tenant data must never become visible.
var ErrTenantMismatch = errors.New("record company id does not match cache tenant")

// ErrNoTenant is returned for operations that need a bound tenant.
var ErrNoTenant = errors.New("cache has no tenant bound")

// EntityCache maps entity kind to a keyed collection of records for exactly
// one tenant.
type EntityCache struct {
	mu          sync.RWMutex
	companyID   string
	collections map[models.Kind]models.EntityCollection
	log         logger.Logger
}

// New creates an empty cache. A tenant must be bound before records can be
// applied.
func New(log logger.Logger) *EntityCache {
	if log == nil {
		log = logger.Default()
	}
	return &EntityCache{
		collections: make(map[models.Kind]models.EntityCollection),
		log:         log,
	}
}

// Tenant returns the bound company id, empty if none.
func (c *EntityCache) Tenant() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.companyID
}

// BindTenant scopes the cache to companyID. Switching tenant drops every
// previously cached record before any record of the new tenant can land.
func (c *EntityCache) BindTenant(companyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.companyID == companyID {
		return
	}
	if c.companyID != "" {
		c.log.Info("tenant switch, invalidating cache", "from", c.companyID, "to", companyID)
	}
	c.collections = make(map[models.Kind]models.EntityCollection)
	c.companyID = companyID
}

// Invalidate drops every cached record but keeps the tenant binding.
func (c *EntityCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collections = make(map[models.Kind]models.EntityCollection)
}

// Get returns a copy of one record.
func (c *EntityCache) Get(kind models.Kind, id string) (models.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.collections[kind][id]
	if !ok {
		return models.Record{}, false
	}
	return rec.Clone(), true
}

// List returns a copy of the whole collection for one kind. Order is
// irrelevant by contract; callers sort if they need to.
func (c *EntityCache) List(kind models.Kind) models.EntityCollection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(models.EntityCollection, len(c.collections[kind]))
	for id, rec := range c.collections[kind] {
		out[id] = rec.Clone()
	}
	return out
}

// Apply stores rec, replacing any previous version wholesale. The record
// must validate and belong to the bound tenant.
func (c *EntityCache) Apply(rec models.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.companyID == "" {
		return ErrNoTenant
	}
	if rec.CompanyID != c.companyID {
		return fmt.Errorf("%w: record %s has %s, cache bound to %s",
			ErrTenantMismatch, rec.ID, rec.CompanyID, c.companyID)
	}

	coll, ok := c.collections[rec.Kind]
	if !ok {
		coll = make(models.EntityCollection)
		c.collections[rec.Kind] = coll
	}
	coll[rec.ID] = rec.Clone()
	return nil
}

// Merge applies rec when decide approves. decide receives a copy of the
// current version and runs under the write lock, so no mutation can land
// between the read it bases its decision on and the write. Returns whether
// rec was applied.
func (c *EntityCache) Merge(rec models.Record, decide func(local models.Record, exists bool) bool) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.companyID == "" {
		return false, ErrNoTenant
	}
	if rec.CompanyID != c.companyID {
		return false, fmt.Errorf("%w: record %s has %s, cache bound to %s",
			ErrTenantMismatch, rec.ID, rec.CompanyID, c.companyID)
	}

	coll, ok := c.collections[rec.Kind]
	if !ok {
		coll = make(models.EntityCollection)
		c.collections[rec.Kind] = coll
	}
	local, exists := coll[rec.ID]
	if !decide(local.Clone(), exists) {
		return false, nil
	}
	coll[rec.ID] = rec.Clone()
	return true, nil
}

// DeleteIf removes one record when decide approves, atomically with the
// read of the current version. Returns whether a record was removed.
func (c *EntityCache) DeleteIf(kind models.Kind, id string, decide func(local models.Record, exists bool) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	local, exists := c.collections[kind][id]
	if !decide(local.Clone(), exists) {
		return false
	}
	delete(c.collections[kind], id)
	return exists
}

// Delete removes one record. Missing records are a no-op.
func (c *EntityCache) Delete(kind models.Kind, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.collections[kind], id)
}

// Snapshot returns a copy of every cached record, for persistence.
func (c *EntityCache) Snapshot() []models.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.Record
	for _, coll := range c.collections {
		for _, rec := range coll {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// Len returns the total number of cached records.
func (c *EntityCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, coll := range c.collections {
		n += len(coll)
	}
	return n
}

// update runs fn under the write lock. Used by the ChangeTracker so a
// read-modify-write of one record is atomic.
func (c *EntityCache) update(fn func(map[models.Kind]models.EntityCollection) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.companyID == "" {
		return ErrNoTenant
	}
	return fn(c.collections)
}
