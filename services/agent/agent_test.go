package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/pkg/fleet"
	"fleetwatch/services/poller"
)

type fakeCollector struct {
	reading Reading
	err     error
}

func (f fakeCollector) Collect(context.Context) (Reading, error) { return f.reading, f.err }

func TestHandlerServesReading(t *testing.T) {
	reading := Reading{
		Hostname:      "nas-1",
		CPUPercent:    12.5,
		RAMPercent:    40,
		DiskPercent:   55,
		TotalDiskGB:   931.51,
		UptimeSeconds: 3600,
		Timestamp:     "2026-10-19T08:00:00Z",
	}
	srv := httptest.NewServer(Handler(fakeCollector{reading: reading}, zerolog.Nop()))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + MetricsPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	for _, key := range []string{"hostname", "cpu_percent", "ram_percent", "disk_percent", "total_disk", "uptime_seconds", "timestamp"} {
		assert.Contains(t, body, key)
	}
}

func TestHandlerMatchesPollerDecoding(t *testing.T) {
	reading := Reading{UptimeSeconds: 10, TotalDiskGB: 100, DiskPercent: 25, Timestamp: "2026-10-19T08:00:00Z"}
	rec := httptest.NewRecorder()
	Handler(fakeCollector{reading: reading}, zerolog.Nop()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, MetricsPath, nil))

	got, err := poller.DecodePayload(rec.Body.Bytes())
	require.NoError(t, err)
	require.NotNil(t, got.Uptime)
	assert.Equal(t, 10.0, *got.Uptime)
	assert.Equal(t, 100.0, *got.TotalDisk)
	require.NotNil(t, got.RecordedAt)
	assert.Equal(t, time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC), *got.RecordedAt)
}

func TestHandlerCollectorFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler(fakeCollector{err: errors.New("no /proc")}, zerolog.Nop()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, MetricsPath, nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRoundGB(t *testing.T) {
	assert.Equal(t, 931.51, RoundGB(931.5112))
	assert.Equal(t, 0.0, RoundGB(0.001))
}

func writeFile(t *testing.T, path string, size int, mod time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	mod := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	writeFile(t, filepath.Join(root, "a.log"), 1024, mod)
	writeFile(t, filepath.Join(root, "data", "b.bin"), 2048, mod)
	writeFile(t, filepath.Join(root, "data", "deep", "c.bin"), 4096, mod)

	files, err := Scanner{}.Scan(context.Background(), root)
	require.NoError(t, err)

	byPath := map[string]fleet.InventoryFile{}
	for _, f := range files {
		byPath[f.Path] = f
	}
	require.Len(t, byPath, 5)

	a := byPath[filepath.Join(root, "a.log")]
	assert.Equal(t, fleet.FileTypeFile, a.Type)
	assert.InDelta(t, 1024.0/fleet.BytesPerGB, a.SizeGB, 1e-15)
	assert.Equal(t, mod, a.LastModified)

	data := byPath[filepath.Join(root, "data")]
	assert.Equal(t, fleet.FileTypeFolder, data.Type)
	assert.InDelta(t, 6144.0/fleet.BytesPerGB, data.SizeGB, 1e-15)

	deep := byPath[filepath.Join(root, "data", "deep")]
	assert.InDelta(t, 4096.0/fleet.BytesPerGB, deep.SizeGB, 1e-15)

	assert.NotContains(t, byPath, root)
}

func TestScanMissingRoot(t *testing.T) {
	_, err := Scanner{}.Scan(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestBatch(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "x"), 10, time.Now())
	now := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

	id := uuid.New()
	batch, err := Scanner{}.Batch(context.Background(), id, root, now)
	require.NoError(t, err)
	assert.Equal(t, id, batch.ServerID)
	assert.Equal(t, now, batch.ScannedAt)
	assert.Len(t, batch.Files, 1)

	_, err = Scanner{}.Batch(context.Background(), uuid.Nil, root, now)
	assert.Error(t, err)
}

type recordingPublisher struct {
	failAt  int
	batches []fleet.InventoryBatch
}

func (p *recordingPublisher) Publish(_ context.Context, subj string, v any) error {
	if subj != fleet.SubjectInventoryFiles {
		return errors.New("unexpected subject " + subj)
	}
	if p.failAt > 0 && len(p.batches)+1 == p.failAt {
		return errors.New("maximum payload exceeded")
	}
	p.batches = append(p.batches, v.(fleet.InventoryBatch))
	return nil
}

func TestChunk(t *testing.T) {
	id := uuid.New()
	now := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	files := make([]fleet.InventoryFile, 2500)
	for i := range files {
		files[i] = fleet.InventoryFile{Path: fmt.Sprintf("/f%04d", i), Type: fleet.FileTypeFile}
	}
	batch := fleet.InventoryBatch{ServerID: id, ScannedAt: now, Files: files}

	chunks := Chunk(batch, 1000)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0].Files, 1000)
	assert.Len(t, chunks[1].Files, 1000)
	assert.Len(t, chunks[2].Files, 500)
	assert.Equal(t, "/f1000", chunks[1].Files[0].Path)
	for _, c := range chunks {
		assert.Equal(t, id, c.ServerID)
		assert.Equal(t, now, c.ScannedAt)
	}

	assert.Len(t, Chunk(batch, 0), 3, "zero selects the default size")
	assert.Len(t, Chunk(fleet.InventoryBatch{ServerID: id}, 10), 1)
}

func TestPublishLargeScanInBoundedBatches(t *testing.T) {
	root := t.TempDir()
	for i := range 25 {
		writeFile(t, filepath.Join(root, fmt.Sprintf("f%02d", i)), 1, time.Now())
	}
	batch, err := Scanner{}.Batch(context.Background(), uuid.New(), root, time.Now())
	require.NoError(t, err)
	require.Len(t, batch.Files, 25)

	pub := &recordingPublisher{}
	n, err := Publish(context.Background(), pub, batch, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, pub.batches, 3)

	seen := map[string]bool{}
	for _, b := range pub.batches {
		assert.LessOrEqual(t, len(b.Files), 10)
		data, err := json.Marshal(b)
		require.NoError(t, err)
		assert.Less(t, len(data), 1<<20)
		for _, f := range b.Files {
			seen[f.Path] = true
		}
	}
	assert.Len(t, seen, 25)
}

func TestPublishStopsOnFailure(t *testing.T) {
	files := make([]fleet.InventoryFile, 5)
	for i := range files {
		files[i] = fleet.InventoryFile{Path: fmt.Sprintf("/f%d", i), Type: fleet.FileTypeFile}
	}
	pub := &recordingPublisher{failAt: 2}
	n, err := Publish(context.Background(), pub, fleet.InventoryBatch{ServerID: uuid.New(), Files: files}, 2)
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, err.Error(), "chunk 2 of 3")
}
