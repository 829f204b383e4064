package fleet

import (
	"bytes"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Telemetry carries the values reported by an agent. Every field is optional.
type Telemetry struct {
	CPU        *float64   `json:"cpu"`
	RAM        *float64   `json:"ram"`
	Disk       *float64   `json:"disk"`
	Uptime     *float64   `json:"uptime"`
	TotalDisk  *float64   `json:"total_disk"`
	RecordedAt *time.Time `json:"recorded_at"`
}

// Snapshot is one immutable telemetry reading for a server. TotalDisk is in GB.
type Snapshot struct {
	ID         int64     `json:"id" db:"id"`
	ServerID   uuid.UUID `json:"server_id" db:"server_id"`
	CPU        *float64  `json:"cpu" db:"cpu"`
	RAM        *float64  `json:"ram" db:"ram"`
	Disk       *float64  `json:"disk" db:"disk"`
	Uptime     *float64  `json:"uptime" db:"uptime"`
	TotalDisk  *float64  `json:"total_disk" db:"total_disk"`
	RecordedAt time.Time `json:"recorded_at" db:"recorded_at"`
}

// NewSnapshot builds a snapshot for serverID from t, recorded at t.RecordedAt
// or fallback when the agent sent no timestamp.
func NewSnapshot(serverID uuid.UUID, t Telemetry, fallback time.Time) Snapshot {
	recordedAt := fallback
	if t.RecordedAt != nil && !t.RecordedAt.IsZero() {
		recordedAt = *t.RecordedAt
	}
	return Snapshot{
		ServerID:   serverID,
		CPU:        t.CPU,
		RAM:        t.RAM,
		Disk:       t.Disk,
		Uptime:     t.Uptime,
		TotalDisk:  t.TotalDisk,
		RecordedAt: recordedAt.UTC(),
	}
}

// Telemetry returns the snapshot values in the shape used by enriched records.
func (s Snapshot) Telemetry() Telemetry {
	recordedAt := s.RecordedAt
	return Telemetry{
		CPU:        s.CPU,
		RAM:        s.RAM,
		Disk:       s.Disk,
		Uptime:     s.Uptime,
		TotalDisk:  s.TotalDisk,
		RecordedAt: &recordedAt,
	}
}

// newer reports whether a should replace b as the current snapshot of a server.
func newer(a, b Snapshot) bool {
	if !a.RecordedAt.Equal(b.RecordedAt) {
		return a.RecordedAt.After(b.RecordedAt)
	}
	return a.ID > b.ID
}

// LatestPerServer reduces snapshots to the most recent one per server:
// highest RecordedAt, ties broken by highest ID. The result is ordered by
// server id so callers get the same answer regardless of input order.
func LatestPerServer(snapshots []Snapshot) []Snapshot {
	latest := make(map[uuid.UUID]Snapshot, len(snapshots))
	for _, snap := range snapshots {
		current, ok := latest[snap.ServerID]
		if !ok || newer(snap, current) {
			latest[snap.ServerID] = snap
		}
	}

	out := make([]Snapshot, 0, len(latest))
	for _, snap := range latest {
		out = append(out, snap)
	}
	slices.SortFunc(out, func(a, b Snapshot) int {
		return bytes.Compare(a.ServerID[:], b.ServerID[:])
	})
	return out
}
