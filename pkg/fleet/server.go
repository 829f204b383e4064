package fleet

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the reachability classification of a monitored server.
type Status string

const (
	StatusOnline      Status = "online"
	StatusOffline     Status = "offline"
	StatusUnreachable Status = "unreachable"
)

// Statuses lists every valid status value.
var Statuses = []Status{StatusOnline, StatusOffline, StatusUnreachable}

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusUnreachable:
		return true
	default:
		return false
	}
}

// ParseStatus normalises raw and returns the matching Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("invalid status %q", raw)
	}
	return s, nil
}

// Identity is the immutable part of a server record, fixed at registration.
type Identity struct {
	ID         uuid.UUID `json:"id" db:"id"`
	Name       string    `json:"name" db:"name"`
	Address    string    `json:"ip_address" db:"address"`
	HardwareID string    `json:"mac_address" db:"hardware_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Server is a registered machine together with its last persisted status.
// Status only changes through Reconcile. DeletableFiles is maintained by an
// external recommendation process and is read-only here.
type Server struct {
	Identity
	Status         Status `json:"status" db:"status"`
	DeletableFiles int    `json:"deletable_files" db:"deletable_files"`
}

// Reconcile applies an observed status to s and reports whether it differs
// from the persisted one.
func Reconcile(s Server, observed Status) (Server, bool) {
	if s.Status == observed {
		return s, false
	}
	s.Status = observed
	return s, true
}

// EnrichedServer is a server as returned by a poll: identity, reconciled
// status and live telemetry (nil fields when the probe failed).
type EnrichedServer struct {
	Server
	Telemetry
}
