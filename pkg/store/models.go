package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"fleetwatch/pkg/fleet"
)

type serverModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name           string    `gorm:"type:text;not null"`
	Address        string    `gorm:"column:address;type:text;not null"`
	HardwareID     string    `gorm:"column:hardware_id;type:text;not null"`
	Status         string    `gorm:"type:text;not null"`
	DeletableFiles int       `gorm:"column:deletable_files;not null"`
	CreatedAt      time.Time `gorm:"type:timestamptz;not null;autoCreateTime"`
}

func (serverModel) TableName() string { return "servers" }

func newServerModel(s fleet.Server) serverModel {
	return serverModel{
		ID:             s.ID,
		Name:           s.Name,
		Address:        s.Address,
		HardwareID:     s.HardwareID,
		Status:         string(s.Status),
		DeletableFiles: s.DeletableFiles,
		CreatedAt:      s.CreatedAt,
	}
}

func (m serverModel) toFleet() fleet.Server {
	return fleet.Server{
		Identity: fleet.Identity{
			ID:         m.ID,
			Name:       m.Name,
			Address:    m.Address,
			HardwareID: m.HardwareID,
			CreatedAt:  m.CreatedAt,
		},
		Status:         fleet.Status(m.Status),
		DeletableFiles: m.DeletableFiles,
	}
}

type metricModel struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	ServerID   uuid.UUID `gorm:"type:uuid;not null"`
	CPU        *float64  `gorm:"column:cpu"`
	RAM        *float64  `gorm:"column:ram"`
	Disk       *float64  `gorm:"column:disk"`
	Uptime     *float64  `gorm:"column:uptime"`
	TotalDisk  *float64  `gorm:"column:total_disk"`
	RecordedAt time.Time `gorm:"type:timestamptz;not null"`
}

func (metricModel) TableName() string { return "server_metrics" }

func newMetricModel(s fleet.Snapshot) metricModel {
	return metricModel{
		ServerID:   s.ServerID,
		CPU:        s.CPU,
		RAM:        s.RAM,
		Disk:       s.Disk,
		Uptime:     s.Uptime,
		TotalDisk:  s.TotalDisk,
		RecordedAt: s.RecordedAt,
	}
}

func (m metricModel) toFleet() fleet.Snapshot {
	return fleet.Snapshot{
		ID:         m.ID,
		ServerID:   m.ServerID,
		CPU:        m.CPU,
		RAM:        m.RAM,
		Disk:       m.Disk,
		Uptime:     m.Uptime,
		TotalDisk:  m.TotalDisk,
		RecordedAt: m.RecordedAt,
	}
}

type fileModel struct {
	ServerID     uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Path         string     `gorm:"type:text;primaryKey"`
	Type         string     `gorm:"type:text;not null"`
	SizeGB       float64    `gorm:"column:size_gb"`
	LastModified time.Time  `gorm:"type:timestamptz;not null"`
	LastAccessed *time.Time `gorm:"type:timestamptz"`
	RiskScore    int        `gorm:"column:risk_score"`
}

func (fileModel) TableName() string { return "files" }

func newFileModel(f fleet.FileRecord) fileModel {
	return fileModel{
		ServerID:     f.ServerID,
		Path:         f.Path,
		Type:         string(f.Type),
		SizeGB:       f.SizeGB,
		LastModified: f.LastModified,
		LastAccessed: f.LastAccessed,
		RiskScore:    f.RiskScore,
	}
}

type auditModel struct {
	ID      int64             `gorm:"primaryKey;autoIncrement"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;autoCreateTime"`
}

func (auditModel) TableName() string { return "audit" }

func newAuditModel(e fleet.AuditEntry) auditModel {
	return auditModel{
		Actor:   e.Actor,
		Action:  e.Action,
		Obj:     e.Object,
		Details: toJSONMap(e.Details),
		At:      e.At,
	}
}

func toJSONMap(src map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range src {
		out[k] = v
	}
	return out
}
