package persistence

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base mirrors the teacher's db.base: a UUIDv7 primary key plus
// GORM-managed timestamps, time-ordered for cheap index locality.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
}

func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// DeviceRow is the non-authoritative mirror of a Device record. The
// in-memory store remains authoritative for live state (spec §1); this row
// exists purely so an operator can see device history across restarts.
type DeviceRow struct {
	base
	AgentID      string `gorm:"uniqueIndex;not null"`
	Hostname     string
	Status       string
	AgentVersion string
	LastSeenMS   int64
	FirstSeenMS  int64
	PrimaryIP    string
	SubnetCIDR   string
	UpdatedAt    time.Time
}

// LogRow mirrors one Log Event past the in-memory ring's 400-line cap, so
// an operator can still grep older log history after a restart.
type LogRow struct {
	base
	Level       string
	AgentID     string `gorm:"index"`
	Message     string
	TimestampMS int64
}

// ActivityRow mirrors one activity_event emission at the time it was
// emitted. A coalesced repeat is written as a further row; earlier rows are
// never updated and carry no count — the ring's count bump is a UI-facing
// concern, the persisted row is a point-in-time audit record.
type ActivityRow struct {
	base
	Kind        string
	AgentID     string `gorm:"index"`
	Message     string
	TimestampMS int64
}

// TokenRotationRow audits every rotate_pair_token call (SPEC_FULL §12,
// grounded on the Rust prototype's token-issuance bookkeeping). The pair
// token itself has no expiry — this is audit-only, not a validity table.
type TokenRotationRow struct {
	base
	RotatedAtMS int64
}
