package storage

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"fleetwatch/pkg/fleet"
)

const bytesPerMB = 1024 * 1024

// FleetCapacity sums total and used capacity over the latest snapshot of
// each server. Missing values count as zero.
func FleetCapacity(latest []fleet.Snapshot) (total, used float64) {
	for _, s := range latest {
		t, u := snapshotCapacity(s)
		total += t
		used += u
	}
	return total, used
}

func snapshotCapacity(s fleet.Snapshot) (total, used float64) {
	if s.TotalDisk == nil {
		return 0, 0
	}
	total = *s.TotalDisk
	if s.Disk != nil {
		used = *s.Disk / 100 * total
	}
	return total, used
}

// UnusedVolume sums the size of files whose last access is at least window
// before now. Files without an access time are skipped.
func UnusedVolume(files []fleet.FileRecord, now time.Time, window time.Duration) float64 {
	var sum float64
	for _, f := range files {
		if f.LastAccessed == nil {
			continue
		}
		if now.Sub(*f.LastAccessed) >= window {
			sum += f.SizeGB
		}
	}
	return sum
}

// IsLarge reports whether a file of sizeGB exceeds thresholdMB.
func IsLarge(sizeGB, thresholdMB float64) bool {
	return sizeGB*fleet.BytesPerGB > thresholdMB*bytesPerMB
}

// IsStale reports whether lastModified is more than window before now. A
// zero time is treated as infinitely old.
func IsStale(lastModified, now time.Time, window time.Duration) bool {
	if lastModified.IsZero() {
		return true
	}
	return now.Sub(lastModified) > window
}

// CountLarge counts large files per server.
func CountLarge(files []fleet.FileRecord, thresholdMB float64) map[uuid.UUID]int {
	return countBy(files, func(f fleet.FileRecord) bool { return IsLarge(f.SizeGB, thresholdMB) })
}

// CountUnused counts files per server not modified within window.
func CountUnused(files []fleet.FileRecord, now time.Time, window time.Duration) map[uuid.UUID]int {
	return countBy(files, func(f fleet.FileRecord) bool { return IsStale(f.LastModified, now, window) })
}

// CountRisky counts files per server with a risk score above threshold.
func CountRisky(files []fleet.FileRecord, threshold int) map[uuid.UUID]int {
	return countBy(files, func(f fleet.FileRecord) bool { return f.RiskScore > threshold })
}

func countBy(files []fleet.FileRecord, match func(fleet.FileRecord) bool) map[uuid.UUID]int {
	out := make(map[uuid.UUID]int)
	for _, f := range files {
		if match(f) {
			out[f.ServerID]++
		}
	}
	return out
}

// SortOnlineFirst moves online servers ahead of the rest, keeping the input
// order within each group.
func SortOnlineFirst(rows []ServerStorage) {
	slices.SortStableFunc(rows, func(a, b ServerStorage) int {
		ao, bo := a.Status == fleet.StatusOnline, b.Status == fleet.StatusOnline
		switch {
		case ao && !bo:
			return -1
		case !ao && bo:
			return 1
		default:
			return 0
		}
	})
}
