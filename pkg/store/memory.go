package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetwatch/pkg/fleet"
)

// Operation names accepted by Memory.FailOn and reported by Memory.Calls.
const (
	OpListServers        = "list_servers"
	OpCreateServer       = "create_server"
	OpUpdateServerStatus = "update_server_status"
	OpDeleteSnapshots    = "delete_snapshots"
	OpDeleteServer       = "delete_server"
	OpAppendSnapshot     = "append_snapshot"
	OpLatestSnapshots    = "latest_snapshots"
	OpListFiles          = "list_files" // also ListFilesByServer and ListFilesAboveRisk
	OpUpsertFiles        = "upsert_files"
	OpRecordAudit        = "record_audit"
)

type fileKey struct {
	server uuid.UUID
	path   string
}

// Memory is an in-process Store. It supports fault injection and counts
// calls per operation so callers can assert on write behaviour.
type Memory struct {
	mu        sync.RWMutex
	servers   map[uuid.UUID]fleet.Server
	order     []uuid.UUID
	snapshots []fleet.Snapshot
	nextSnap  int64
	files     map[fileKey]fleet.FileRecord
	audit     []fleet.AuditEntry

	failures map[string]error
	calls    map[string]int
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		servers:  make(map[uuid.UUID]fleet.Server),
		files:    make(map[fileKey]fleet.FileRecord),
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// FailOn makes every later call of op return err. A nil err clears it.
func (m *Memory) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Calls reports how many times op has been invoked, including failed calls.
func (m *Memory) Calls(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// Audit returns a copy of the recorded audit entries.
func (m *Memory) Audit() []fleet.AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.audit)
}

// Snapshots returns every stored snapshot in insertion order.
func (m *Memory) Snapshots() []fleet.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.snapshots)
}

// must be called with mu held for writing.
func (m *Memory) enter(op string) error {
	m.calls[op]++
	if err := m.failures[op]; err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (m *Memory) ListServers(ctx context.Context) ([]fleet.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpListServers); err != nil {
		return nil, err
	}

	out := make([]fleet.Server, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.servers[id])
	}
	return out, nil
}

func (m *Memory) GetServer(ctx context.Context, id uuid.UUID) (fleet.Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	srv, ok := m.servers[id]
	if !ok {
		return fleet.Server{}, fmt.Errorf("server %s: %w", id, ErrNotFound)
	}
	return srv, nil
}

func (m *Memory) CreateServer(ctx context.Context, srv fleet.Server) (fleet.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpCreateServer); err != nil {
		return fleet.Server{}, err
	}

	if srv.ID == uuid.Nil {
		srv.ID = uuid.New()
	}
	if _, exists := m.servers[srv.ID]; exists {
		return fleet.Server{}, fmt.Errorf("server %s already exists", srv.ID)
	}
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = time.Now().UTC()
	}
	m.servers[srv.ID] = srv
	m.order = append(m.order, srv.ID)
	return srv, nil
}

func (m *Memory) UpdateServerStatus(ctx context.Context, id uuid.UUID, status fleet.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpUpdateServerStatus); err != nil {
		return err
	}

	srv, ok := m.servers[id]
	if !ok {
		return fmt.Errorf("server %s: %w", id, ErrNotFound)
	}
	srv.Status = status
	m.servers[id] = srv
	return nil
}

// SetDeletableFiles stands in for the external recommendation process.
func (m *Memory) SetDeletableFiles(id uuid.UUID, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if srv, ok := m.servers[id]; ok {
		srv.DeletableFiles = n
		m.servers[id] = srv
	}
}

func (m *Memory) DeleteServer(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Both steps are checked before anything is mutated so a failure in
	// either leaves the store untouched.
	if err := m.enter(OpDeleteSnapshots); err != nil {
		return fmt.Errorf("delete metrics: %w", err)
	}
	if err := m.enter(OpDeleteServer); err != nil {
		return fmt.Errorf("delete server: %w", err)
	}
	if _, ok := m.servers[id]; !ok {
		return fmt.Errorf("server %s: %w", id, ErrNotFound)
	}

	m.snapshots = slices.DeleteFunc(m.snapshots, func(s fleet.Snapshot) bool {
		return s.ServerID == id
	})
	delete(m.servers, id)
	m.order = slices.DeleteFunc(m.order, func(v uuid.UUID) bool { return v == id })
	return nil
}

func (m *Memory) AppendSnapshot(ctx context.Context, snap fleet.Snapshot) (fleet.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpAppendSnapshot); err != nil {
		return fleet.Snapshot{}, err
	}
	if _, ok := m.servers[snap.ServerID]; !ok {
		return fleet.Snapshot{}, fmt.Errorf("server %s: %w", snap.ServerID, ErrNotFound)
	}

	m.nextSnap++
	snap.ID = m.nextSnap
	m.snapshots = append(m.snapshots, snap)
	return snap, nil
}

func (m *Memory) LatestSnapshots(ctx context.Context) ([]fleet.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpLatestSnapshots); err != nil {
		return nil, err
	}
	return fleet.LatestPerServer(m.snapshots), nil
}

func (m *Memory) ListFiles(ctx context.Context) ([]fleet.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpListFiles); err != nil {
		return nil, err
	}
	return m.sortedFiles(func(fleet.FileRecord) bool { return true }), nil
}

func (m *Memory) ListFilesByServer(ctx context.Context, id uuid.UUID) ([]fleet.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpListFiles); err != nil {
		return nil, err
	}
	return m.sortedFiles(func(f fleet.FileRecord) bool { return f.ServerID == id }), nil
}

func (m *Memory) ListFilesAboveRisk(ctx context.Context, threshold int) ([]fleet.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpListFiles); err != nil {
		return nil, err
	}
	files := m.sortedFiles(func(f fleet.FileRecord) bool { return f.RiskScore > threshold })
	slices.SortStableFunc(files, func(a, b fleet.FileRecord) int { return b.RiskScore - a.RiskScore })
	return files, nil
}

func (m *Memory) sortedFiles(keep func(fleet.FileRecord) bool) []fleet.FileRecord {
	out := make([]fleet.FileRecord, 0, len(m.files))
	for _, f := range m.files {
		if keep(f) {
			out = append(out, f)
		}
	}
	slices.SortFunc(out, func(a, b fleet.FileRecord) int {
		if c := strings.Compare(a.ServerID.String(), b.ServerID.String()); c != 0 {
			return c
		}
		return strings.Compare(a.Path, b.Path)
	})
	return out
}

func (m *Memory) UpsertFiles(ctx context.Context, files []fleet.FileUpsert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpUpsertFiles); err != nil {
		return err
	}

	for _, f := range files {
		key := fileKey{server: f.Record.ServerID, path: f.Record.Path}
		rec := f.Record
		if existing, ok := m.files[key]; ok && !f.WriteRisk {
			rec.RiskScore = existing.RiskScore
		}
		m.files[key] = rec
	}
	return nil
}

func (m *Memory) RecordAudit(ctx context.Context, entry fleet.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpRecordAudit); err != nil {
		return err
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)
