package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleetwatch/pkg/bus"
	"fleetwatch/pkg/fleet"
)

// DefaultBatchSize keeps one published batch well under the NATS default
// max_payload of 1 MiB.
const DefaultBatchSize = 1000

// Scanner walks a directory tree into inventory entries.
type Scanner struct {
	Log zerolog.Logger
}

type scanned struct {
	file  fleet.InventoryFile
	bytes int64
}

// Scan returns every file and folder below root, root excluded. Folder
// sizes are the sum of the files they contain. Entries that cannot be read
// are skipped and logged.
func (s Scanner) Scan(ctx context.Context, root string) ([]fleet.InventoryFile, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", root, err)
	}

	entries := make(map[string]*scanned)
	folderBytes := make(map[string]int64)

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if path == root {
				return walkErr
			}
			s.Log.Warn().Err(walkErr).Str("path", path).Msg("skip unreadable entry")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			s.Log.Warn().Err(err).Str("path", path).Msg("stat entry")
			return nil
		}

		switch {
		case d.IsDir():
			entries[path] = &scanned{file: fleet.InventoryFile{
				Path:         path,
				Type:         fleet.FileTypeFolder,
				LastModified: info.ModTime().UTC(),
				LastAccessed: accessTime(path),
			}}
		case info.Mode().IsRegular():
			entries[path] = &scanned{
				bytes: info.Size(),
				file: fleet.InventoryFile{
					Path:         path,
					Type:         fleet.FileTypeFile,
					LastModified: info.ModTime().UTC(),
					LastAccessed: accessTime(path),
				},
			}
			for dir := filepath.Dir(path); dir != root && len(dir) > len(root); dir = filepath.Dir(dir) {
				folderBytes[dir] += info.Size()
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	out := make([]fleet.InventoryFile, 0, len(entries))
	for path, e := range entries {
		n := e.bytes
		if e.file.Type == fleet.FileTypeFolder {
			n = folderBytes[path]
		}
		e.file.SizeGB = float64(n) / fleet.BytesPerGB
		out = append(out, e.file)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Batch scans root and wraps the result for serverID.
func (s Scanner) Batch(ctx context.Context, serverID uuid.UUID, root string, now time.Time) (fleet.InventoryBatch, error) {
	if serverID == uuid.Nil {
		return fleet.InventoryBatch{}, errors.New("server id is required")
	}
	files, err := s.Scan(ctx, root)
	if err != nil {
		return fleet.InventoryBatch{}, err
	}
	batch := fleet.InventoryBatch{ServerID: serverID, ScannedAt: now.UTC(), Files: files}
	return batch, batch.Validate()
}

// Chunk splits batch into batches of at most size files that share its
// server and scan time. A size of zero or less selects DefaultBatchSize. An
// empty batch yields a single empty batch.
func Chunk(batch fleet.InventoryBatch, size int) []fleet.InventoryBatch {
	if size <= 0 {
		size = DefaultBatchSize
	}
	if len(batch.Files) <= size {
		return []fleet.InventoryBatch{batch}
	}
	out := make([]fleet.InventoryBatch, 0, (len(batch.Files)+size-1)/size)
	for start := 0; start < len(batch.Files); start += size {
		end := min(start+size, len(batch.Files))
		out = append(out, fleet.InventoryBatch{
			ServerID:  batch.ServerID,
			ScannedAt: batch.ScannedAt,
			Files:     batch.Files[start:end],
		})
	}
	return out
}

// Publish sends batch in chunks of at most size files and returns how many
// messages were published. It stops at the first failed publish.
func Publish(ctx context.Context, pub bus.Publisher, batch fleet.InventoryBatch, size int) (int, error) {
	chunks := Chunk(batch, size)
	for i, c := range chunks {
		if err := pub.Publish(ctx, fleet.SubjectInventoryFiles, c); err != nil {
			return i, fmt.Errorf("publish chunk %d of %d: %w", i+1, len(chunks), err)
		}
	}
	return len(chunks), nil
}
