package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Server struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name           string    `gorm:"type:text;not null"`
	Address        string    `gorm:"column:address;type:text;not null"`
	HardwareID     string    `gorm:"column:hardware_id;type:text;not null"`
	Status         string    `gorm:"type:text;not null;default:'offline';check:chk_servers_status,status IN ('online','offline','unreachable')"`
	DeletableFiles int       `gorm:"column:deletable_files;type:integer;not null;default:0"`
	CreatedAt      time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

type ServerMetric struct {
	ID         int64     `gorm:"type:bigserial;primaryKey"`
	ServerID   uuid.UUID `gorm:"type:uuid;not null;index:idx_server_metrics_latest,priority:1"`
	CPU        *float64  `gorm:"column:cpu;type:double precision"`
	RAM        *float64  `gorm:"column:ram;type:double precision"`
	Disk       *float64  `gorm:"column:disk;type:double precision"`
	Uptime     *float64  `gorm:"column:uptime;type:double precision"`
	TotalDisk  *float64  `gorm:"column:total_disk;type:double precision"`
	RecordedAt time.Time `gorm:"type:timestamptz;not null;index:idx_server_metrics_latest,priority:2,sort:desc"`
	Server     Server    `gorm:"foreignKey:ServerID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

type File struct {
	ServerID     uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Path         string     `gorm:"type:text;primaryKey"`
	Type         string     `gorm:"type:text;not null;check:chk_files_type,type IN ('file','folder')"`
	SizeGB       float64    `gorm:"column:size_gb;type:double precision;not null;default:0"`
	LastModified time.Time  `gorm:"type:timestamptz;not null"`
	LastAccessed *time.Time `gorm:"type:timestamptz"`
	RiskScore    int        `gorm:"type:integer;not null;default:0;index;check:chk_files_risk,risk_score BETWEEN 0 AND 100"`
	Server       Server     `gorm:"foreignKey:ServerID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type Audit struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Audit) TableName() string { return "audit" }

func openTx(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Server{},
		&ServerMetric{},
		&File{},
		&Audit{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if !m.HasConstraint(&ServerMetric{}, "Server") {
		if err := m.CreateConstraint(&ServerMetric{}, "Server"); err != nil {
			return err
		}
	}
	if !m.HasConstraint(&File{}, "Server") {
		if err := m.CreateConstraint(&File{}, "Server"); err != nil {
			return err
		}
	}

	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&Audit{},
		&File{},
		&ServerMetric{},
		&Server{},
	)
}
