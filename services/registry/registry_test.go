package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/pkg/fleet"
	"fleetwatch/pkg/store"
)

func ptr[T any](v T) *T { return &v }

var fixedNow = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type publisher struct {
	subjects []string
}

func (p *publisher) Publish(_ context.Context, subj string, _ any) error {
	p.subjects = append(p.subjects, subj)
	return nil
}

func newRegistry(st *store.Memory, pub *publisher) *Registry {
	return New(st, WithPublisher(pub), WithClock(func() time.Time { return fixedNow }))
}

func TestRegister(t *testing.T) {
	st := store.NewMemory()
	pub := &publisher{}

	srv, err := newRegistry(st, pub).Register(context.Background(), "alice", Registration{
		Name:       " web-1 ",
		Address:    "10.1.0.4",
		HardwareID: "de:ad:be:ef:00:01",
		Status:     "Online",
	})
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, srv.ID)
	assert.Equal(t, "web-1", srv.Name)
	assert.Equal(t, fleet.StatusOnline, srv.Status)
	assert.Equal(t, fixedNow, srv.CreatedAt)
	assert.Empty(t, st.Snapshots())

	audit := st.Audit()
	require.Len(t, audit, 1)
	assert.Equal(t, "alice", audit[0].Actor)
	assert.Equal(t, "server.register", audit[0].Action)
	assert.Equal(t, srv.ID.String(), audit[0].Object)

	assert.Equal(t, []string{fleet.SubjectServerRegistered}, pub.subjects)
}

func TestRegisterWithTelemetryAndID(t *testing.T) {
	st := store.NewMemory()
	id := uuid.New()

	srv, err := newRegistry(st, &publisher{}).Register(context.Background(), "api", Registration{
		ID:         &id,
		Name:       "db-1",
		Address:    "10.1.0.5",
		HardwareID: "de:ad:be:ef:00:02",
		Status:     "offline",
		CPU:        ptr(3.0),
		RAM:        ptr(20.0),
		Disk:       ptr(40.0),
		Uptime:     ptr(0.0),
		TotalDisk:  ptr(512.0),
	})
	require.NoError(t, err)
	assert.Equal(t, id, srv.ID)

	snaps := st.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, id, snaps[0].ServerID)
	assert.Equal(t, 512.0, *snaps[0].TotalDisk)
	assert.Equal(t, fixedNow, snaps[0].RecordedAt)
}

func TestRegisterPartialTelemetrySkipsSnapshot(t *testing.T) {
	st := store.NewMemory()
	_, err := newRegistry(st, &publisher{}).Register(context.Background(), "api", Registration{
		Name: "x", Address: "10.0.0.9", HardwareID: "aa", Status: "online",
		CPU: ptr(1.0), RAM: ptr(2.0),
	})
	require.NoError(t, err)
	assert.Empty(t, st.Snapshots())
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name        string
		reg         Registration
		wantMissing []string
		wantInvalid bool
	}{
		{
			name:        "missing hardware id",
			reg:         Registration{Name: "a", Address: "10.0.0.1", Status: "online"},
			wantMissing: []string{"mac_address"},
		},
		{
			name:        "everything missing",
			reg:         Registration{},
			wantMissing: []string{"name", "ip_address", "mac_address", "status"},
		},
		{
			name:        "unknown status",
			reg:         Registration{Name: "a", Address: "10.0.0.1", HardwareID: "aa", Status: "sleeping"},
			wantInvalid: true,
		},
		{
			name:        "nil id",
			reg:         Registration{ID: &uuid.Nil, Name: "a", Address: "10.0.0.1", HardwareID: "aa", Status: "online"},
			wantInvalid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemory()
			pub := &publisher{}

			_, err := newRegistry(st, pub).Register(context.Background(), "api", tt.reg)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantMissing, verr.Missing)
			assert.Equal(t, tt.wantInvalid, len(verr.Invalid) > 0)

			assert.Zero(t, st.Calls(store.OpCreateServer))
			servers, err := st.ListServers(context.Background())
			require.NoError(t, err)
			assert.Empty(t, servers)
			assert.Empty(t, pub.subjects)
		})
	}
}

func TestRegisterStoreFailure(t *testing.T) {
	st := store.NewMemory()
	st.FailOn(store.OpCreateServer, errors.New("unique violation"))

	_, err := newRegistry(st, &publisher{}).Register(context.Background(), "api", Registration{
		Name: "a", Address: "10.0.0.1", HardwareID: "aa", Status: "online",
	})
	require.Error(t, err)
	assert.Empty(t, st.Audit())
}

func TestRemove(t *testing.T) {
	st := store.NewMemory()
	pub := &publisher{}
	reg := newRegistry(st, pub)
	ctx := context.Background()

	srv, err := reg.Register(ctx, "api", Registration{
		Name: "a", Address: "10.0.0.1", HardwareID: "aa", Status: "online",
		CPU: ptr(1.0), RAM: ptr(1.0), Disk: ptr(1.0), Uptime: ptr(1.0),
	})
	require.NoError(t, err)

	require.NoError(t, reg.Remove(ctx, "bob", srv.ID))

	_, err = st.GetServer(ctx, srv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, st.Snapshots())
	assert.Equal(t, []string{fleet.SubjectServerRegistered, fleet.SubjectServerRemoved}, pub.subjects)

	audit := st.Audit()
	require.Len(t, audit, 2)
	assert.Equal(t, "server.remove", audit[1].Action)
	assert.Equal(t, "bob", audit[1].Actor)
}

func TestRemoveUnknown(t *testing.T) {
	err := newRegistry(store.NewMemory(), &publisher{}).Remove(context.Background(), "api", uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRemoveSnapshotFailureKeepsServer(t *testing.T) {
	st := store.NewMemory()
	pub := &publisher{}
	reg := newRegistry(st, pub)
	ctx := context.Background()

	srv, err := reg.Register(ctx, "api", Registration{
		Name: "a", Address: "10.0.0.1", HardwareID: "aa", Status: "online",
		CPU: ptr(1.0), RAM: ptr(1.0), Disk: ptr(1.0), Uptime: ptr(1.0),
	})
	require.NoError(t, err)

	st.FailOn(store.OpDeleteSnapshots, errors.New("lock timeout"))
	err = reg.Remove(ctx, "api", srv.ID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrNotFound)

	_, err = st.GetServer(ctx, srv.ID)
	require.NoError(t, err)
	assert.Len(t, st.Snapshots(), 1)
	assert.Equal(t, []string{fleet.SubjectServerRegistered}, pub.subjects)
}
