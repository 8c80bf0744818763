package persistence

import (
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pamod-madubashana/labscan/internal/model"
)

// Mirror is an events.Bus implementation that writes a non-authoritative
// copy of the interesting emissions to sqlite. It never returns an error to
// its caller — a write failure here must never be allowed to affect the
// store's fan-out to the live UI bus, so every failure is logged and
// swallowed, matching the teacher's "best-effort side channel" treatment of
// its own metrics sink.
type Mirror struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewMirror wraps an already-opened, already-migrated *gorm.DB (see Open)
// as an events.Bus.
func NewMirror(db *gorm.DB, logger *zap.Logger) *Mirror {
	return &Mirror{db: db, logger: logger.Named("persistence")}
}

// Emit implements events.Bus. Only a subset of event names are mirrored;
// everything else (snapshots, which are derivable from the rows already
// written on upsert) is a no-op.
func (m *Mirror) Emit(event string, payload any) error {
	switch event {
	case model.EventDeviceUpsert:
		dev, ok := payload.(*model.Device)
		if !ok {
			return nil
		}
		m.upsertDevice(dev)

	case model.EventActivity:
		ev, ok := payload.(*model.ActivityEvent)
		if !ok {
			return nil
		}
		m.insertActivity(ev)

	case model.EventLog:
		ev, ok := payload.(*model.LogEvent)
		if !ok {
			return nil
		}
		m.insertLog(ev)

	case model.EventServerStatus:
		// Token rotation is signaled by a server_status emission immediately
		// after RotatePairToken; the mirror can't distinguish that from a
		// plain online/offline flip from payload alone, so rotation audit
		// rows are written directly by the caller via RecordTokenRotation
		// instead of inferred here.
	}
	return nil
}

func (m *Mirror) upsertDevice(dev *model.Device) {
	row := DeviceRow{
		AgentID:      dev.AgentID,
		Hostname:     dev.Hostname,
		Status:       string(dev.Status),
		AgentVersion: dev.AgentVersion,
		LastSeenMS:   dev.LastSeenMS,
		FirstSeenMS:  dev.FirstSeenMS,
		PrimaryIP:    dev.Network.PrimaryIP,
		SubnetCIDR:   dev.Network.SubnetCIDR,
	}
	err := m.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agent_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"hostname", "status", "agent_version", "last_seen_ms", "primary_ip", "subnet_cidr", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		m.logger.Warn("mirror: device upsert failed", zap.String("agent_id", dev.AgentID), zap.Error(err))
	}
}

func (m *Mirror) insertActivity(ev *model.ActivityEvent) {
	row := ActivityRow{
		Kind:        string(ev.Kind),
		AgentID:     ev.AgentID,
		Message:     ev.Message,
		TimestampMS: ev.TimestampMS,
	}
	if err := m.db.Create(&row).Error; err != nil {
		m.logger.Warn("mirror: activity insert failed", zap.Error(err))
	}
}

func (m *Mirror) insertLog(ev *model.LogEvent) {
	row := LogRow{
		Level:       string(ev.Level),
		AgentID:     ev.AgentID,
		Message:     ev.Message,
		TimestampMS: ev.TimestampMS,
	}
	if err := m.db.Create(&row).Error; err != nil {
		m.logger.Warn("mirror: log insert failed", zap.Error(err))
	}
}

// RecordTokenRotation writes the audit row called for by SPEC_FULL §12.
// Called directly by the control API handler rather than inferred from an
// Emit payload, since rotate_pair_token's server_status emission carries no
// marker distinguishing it from any other status refresh.
func (m *Mirror) RecordTokenRotation(nowMS int64) {
	row := TokenRotationRow{RotatedAtMS: nowMS}
	if err := m.db.Create(&row).Error; err != nil {
		m.logger.Warn("mirror: token rotation audit insert failed", zap.Error(err))
	}
}
