package fleet

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FileType distinguishes plain files from folders in an inventory.
type FileType string

const (
	FileTypeFile   FileType = "file"
	FileTypeFolder FileType = "folder"
)

// BytesPerGB converts sizes reported in GB back to bytes.
const BytesPerGB = 1024 * 1024 * 1024

// FileRecord is one inventory entry, unique by (ServerID, Path). SizeGB uses
// the same unit as snapshot TotalDisk. A zero LastModified is treated as
// infinitely old; a nil LastAccessed means the collector could not read it.
type FileRecord struct {
	ServerID     uuid.UUID  `json:"server_id" db:"server_id"`
	Path         string     `json:"path" db:"path"`
	Type         FileType   `json:"type" db:"type"`
	SizeGB       float64    `json:"size" db:"size_gb"`
	LastModified time.Time  `json:"last_modified" db:"last_modified"`
	LastAccessed *time.Time `json:"last_accessed" db:"last_accessed"`
	RiskScore    int        `json:"risk_score" db:"risk_score"`
}

// InventoryBatch is the unit a file collector publishes for one scan of one server.
type InventoryBatch struct {
	ServerID  uuid.UUID       `json:"server_id"`
	ScannedAt time.Time       `json:"scanned_at"`
	Files     []InventoryFile `json:"files"`
}

// InventoryFile is a collector-side file entry. RiskScore is nil when the
// collector did not score the file, in which case a stored score is kept.
type InventoryFile struct {
	Path         string     `json:"path"`
	Type         FileType   `json:"type"`
	SizeGB       float64    `json:"size_gb"`
	LastModified time.Time  `json:"last_modified"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`
	RiskScore    *int       `json:"risk_score,omitempty"`
}

// FileUpsert pairs a record with whether its risk score should be written.
type FileUpsert struct {
	Record    FileRecord
	WriteRisk bool
}

// Validate checks the batch before it is written.
func (b InventoryBatch) Validate() error {
	if b.ServerID == uuid.Nil {
		return errors.New("server_id missing from inventory batch")
	}
	for i, f := range b.Files {
		if strings.TrimSpace(f.Path) == "" {
			return fmt.Errorf("file %d: path is required", i)
		}
		if f.Type != FileTypeFile && f.Type != FileTypeFolder {
			return fmt.Errorf("file %s: unknown type %q", f.Path, f.Type)
		}
		if f.SizeGB < 0 {
			return fmt.Errorf("file %s: negative size", f.Path)
		}
		if f.RiskScore != nil && (*f.RiskScore < 0 || *f.RiskScore > 100) {
			return fmt.Errorf("file %s: risk score %d outside 0-100", f.Path, *f.RiskScore)
		}
	}
	return nil
}

// Upserts converts the batch into store writes. A path listed more than
// once is written once, with its last entry.
func (b InventoryBatch) Upserts() []FileUpsert {
	out := make([]FileUpsert, 0, len(b.Files))
	for _, f := range b.Files {
		rec := FileRecord{
			ServerID:     b.ServerID,
			Path:         f.Path,
			Type:         f.Type,
			SizeGB:       f.SizeGB,
			LastModified: f.LastModified.UTC(),
			LastAccessed: f.LastAccessed,
		}
		if f.RiskScore != nil {
			rec.RiskScore = *f.RiskScore
		}
		out = append(out, FileUpsert{Record: rec, WriteRisk: f.RiskScore != nil})
	}
	return CompactUpserts(out)
}

// CompactUpserts keeps one upsert per (ServerID, Path), the last one given,
// at the position of the first occurrence. A single INSERT ... ON CONFLICT
// statement cannot touch the same row twice.
func CompactUpserts(ups []FileUpsert) []FileUpsert {
	type key struct {
		server uuid.UUID
		path   string
	}
	index := make(map[key]int, len(ups))
	out := make([]FileUpsert, 0, len(ups))
	for _, u := range ups {
		k := key{u.Record.ServerID, u.Record.Path}
		if i, ok := index[k]; ok {
			out[i] = u
			continue
		}
		index[k] = len(out)
		out = append(out, u)
	}
	return out
}
