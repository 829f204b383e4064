package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/pkg/fleet"
)

func ptr[T any](v T) *T { return &v }

func seedServer(t *testing.T, m *Memory, name string) fleet.Server {
	t.Helper()
	srv, err := m.CreateServer(context.Background(), fleet.Server{
		Identity: fleet.Identity{Name: name, Address: "10.0.0.1", HardwareID: "aa:bb"},
		Status:   fleet.StatusOffline,
	})
	require.NoError(t, err)
	return srv
}

func TestMemoryServerLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	a := seedServer(t, m, "a")
	b := seedServer(t, m, "b")
	assert.NotEqual(t, uuid.Nil, a.ID)

	servers, err := m.ListServers(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, "a", servers[0].Name)
	assert.Equal(t, "b", servers[1].Name)

	require.NoError(t, m.UpdateServerStatus(ctx, b.ID, fleet.StatusOnline))
	got, err := m.GetServer(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, fleet.StatusOnline, got.Status)

	err = m.UpdateServerStatus(ctx, uuid.New(), fleet.StatusOnline)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.GetServer(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryDeleteServerRemovesSnapshots(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := seedServer(t, m, "a")
	b := seedServer(t, m, "b")

	_, err := m.AppendSnapshot(ctx, fleet.Snapshot{ServerID: a.ID, RecordedAt: time.Now()})
	require.NoError(t, err)
	_, err = m.AppendSnapshot(ctx, fleet.Snapshot{ServerID: b.ID, RecordedAt: time.Now()})
	require.NoError(t, err)

	require.NoError(t, m.DeleteServer(ctx, a.ID))

	_, err = m.GetServer(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	snaps := m.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, b.ID, snaps[0].ServerID)

	assert.ErrorIs(t, m.DeleteServer(ctx, a.ID), ErrNotFound)
}

func TestMemoryDeleteServerFailureLeavesState(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := seedServer(t, m, "a")
	_, err := m.AppendSnapshot(ctx, fleet.Snapshot{ServerID: a.ID, RecordedAt: time.Now()})
	require.NoError(t, err)

	boom := errors.New("boom")
	for _, op := range []string{OpDeleteSnapshots, OpDeleteServer} {
		m.FailOn(op, boom)
		err := m.DeleteServer(ctx, a.ID)
		require.ErrorIs(t, err, boom)
		m.FailOn(op, nil)

		_, err = m.GetServer(ctx, a.ID)
		require.NoError(t, err, "server must survive a failed %s", op)
		assert.Len(t, m.Snapshots(), 1)
	}
}

func TestMemoryLatestSnapshots(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := seedServer(t, m, "a")
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	_, err := m.AppendSnapshot(ctx, fleet.Snapshot{ServerID: a.ID, RecordedAt: base, TotalDisk: ptr(10.0)})
	require.NoError(t, err)
	_, err = m.AppendSnapshot(ctx, fleet.Snapshot{ServerID: a.ID, RecordedAt: base.Add(time.Minute), TotalDisk: ptr(20.0)})
	require.NoError(t, err)
	_, err = m.AppendSnapshot(ctx, fleet.Snapshot{ServerID: a.ID, RecordedAt: base.Add(time.Minute), TotalDisk: ptr(30.0)})
	require.NoError(t, err)

	latest, err := m.LatestSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, 30.0, *latest[0].TotalDisk)

	_, err = m.AppendSnapshot(ctx, fleet.Snapshot{ServerID: uuid.New(), RecordedAt: base})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryUpsertFilesKeepsUnscoredRisk(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := seedServer(t, m, "a")

	rec := fleet.FileRecord{ServerID: a.ID, Path: "/srv/data.db", Type: fleet.FileTypeFile, SizeGB: 1, RiskScore: 80}
	require.NoError(t, m.UpsertFiles(ctx, []fleet.FileUpsert{{Record: rec, WriteRisk: true}}))

	rec.SizeGB = 2
	rec.RiskScore = 0
	require.NoError(t, m.UpsertFiles(ctx, []fleet.FileUpsert{{Record: rec}}))

	files, err := m.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, 2.0, files[0].SizeGB)
	assert.Equal(t, 80, files[0].RiskScore)

	risky, err := m.ListFilesAboveRisk(ctx, 50)
	require.NoError(t, err)
	assert.Len(t, risky, 1)

	risky, err = m.ListFilesAboveRisk(ctx, 80)
	require.NoError(t, err)
	assert.Empty(t, risky)
}

func TestMemoryCallsCountFailures(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := seedServer(t, m, "a")

	m.FailOn(OpUpdateServerStatus, errors.New("read only"))
	require.Error(t, m.UpdateServerStatus(ctx, a.ID, fleet.StatusOnline))
	assert.Equal(t, 1, m.Calls(OpUpdateServerStatus))

	got, err := m.GetServer(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, fleet.StatusOffline, got.Status)
}

func TestMemoryRecordAudit(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.RecordAudit(context.Background(), fleet.AuditEntry{Actor: "api", Action: "server.register", Object: "x"}))

	entries := m.Audit()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].At.IsZero())
}

func TestMemoryListFilesByServer(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := seedServer(t, m, "a")
	b := seedServer(t, m, "b")

	require.NoError(t, m.UpsertFiles(ctx, []fleet.FileUpsert{
		{Record: fleet.FileRecord{ServerID: a.ID, Path: "/z", Type: fleet.FileTypeFile}},
		{Record: fleet.FileRecord{ServerID: b.ID, Path: "/y", Type: fleet.FileTypeFile}},
		{Record: fleet.FileRecord{ServerID: a.ID, Path: "/m", Type: fleet.FileTypeFile}},
	}))

	files, err := m.ListFilesByServer(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "/m", files[0].Path)
	assert.Equal(t, "/z", files[1].Path)

	m.FailOn(OpListFiles, errors.New("offline"))
	_, err = m.ListFilesByServer(ctx, a.ID)
	assert.Error(t, err)
}
