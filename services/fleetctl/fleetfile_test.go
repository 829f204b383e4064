package fleetctl

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/pkg/store"
	"fleetwatch/services/registry"
)

const sample = `
servers:
  - name: web-1
    ip_address: 10.0.0.4
    mac_address: "de:ad:be:ef:00:01"
    status: offline
  - id: 3b241101-e2bb-4255-8caf-4136c566a962
    name: db-1
    ip_address: 10.0.0.5:9100
    mac_address: "de:ad:be:ef:00:02"
    status: online
    cpu: 5
    ram: 30
    disk: 70
    uptime: 86400
    total_disk: 1863.02
`

func TestLoadFleetFile(t *testing.T) {
	ff, err := LoadFleetFile(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, ff.Servers, 2)

	assert.Equal(t, "web-1", ff.Servers[0].Name)
	assert.Nil(t, ff.Servers[0].ID)
	require.NotNil(t, ff.Servers[1].ID)
	assert.Equal(t, uuid.MustParse("3b241101-e2bb-4255-8caf-4136c566a962"), *ff.Servers[1].ID)
	require.NotNil(t, ff.Servers[1].TotalDisk)
	assert.Equal(t, 1863.02, *ff.Servers[1].TotalDisk)
}

func TestLoadFleetFileErrors(t *testing.T) {
	_, err := LoadFleetFile(strings.NewReader(""))
	assert.ErrorContains(t, err, "empty")

	_, err = LoadFleetFile(strings.NewReader("servers:\n  - name: a\n    hostname: b\n"))
	assert.Error(t, err)

	_, err = LoadFleetFile(strings.NewReader(`
servers:
  - name: a
    ip_address: 10.0.0.1
    status: online
  - name: b
    mac_address: aa
    status: parked
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "servers[0] (a)")
	assert.Contains(t, err.Error(), "servers[1] (b)")
}

func TestImport(t *testing.T) {
	ff, err := LoadFleetFile(strings.NewReader(sample))
	require.NoError(t, err)

	st := store.NewMemory()
	res := Import(context.Background(), registry.New(st), "fleetctl", ff)
	assert.Len(t, res.Created, 2)
	assert.Empty(t, res.Failed)
	assert.Len(t, st.Snapshots(), 1)

	st.FailOn(store.OpCreateServer, errors.New("duplicate"))
	res = Import(context.Background(), registry.New(st), "fleetctl", ff)
	assert.Empty(t, res.Created)
	assert.Len(t, res.Failed, 2)
}
