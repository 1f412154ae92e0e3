package models

import "time"

// SyncCursor is the per-tenant hydration watermark. It survives process
// restarts; a zero cursor forces a full hydration.
type SyncCursor struct {
	CompanyID     string    `cbor:"company_id" json:"companyId"`
	Token         string    `cbor:"token,omitempty" json:"token,omitempty"`
	LastAppliedAt time.Time `cbor:"last_applied_at" json:"lastAppliedAt"`
}

// Zero reports whether the cursor carries no watermark yet.
func (c SyncCursor) Zero() bool {
	return c.Token == "" && c.LastAppliedAt.IsZero()
}
