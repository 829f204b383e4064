package fleet

import (
	"time"

	"github.com/google/uuid"
)

const (
	// StreamName is the JetStream stream carrying every fleetwatch subject.
	StreamName = "FLEETWATCH"

	SubjectWildcard         = "fleetwatch.>"
	SubjectStatusChanged    = "fleetwatch.servers.status"
	SubjectServerRegistered = "fleetwatch.servers.registered"
	SubjectServerRemoved    = "fleetwatch.servers.removed"
	SubjectInventoryFiles   = "fleetwatch.inventory.files"
)

// StatusChangedEvent is published after a reconciled status has been persisted.
type StatusChangedEvent struct {
	ServerID  uuid.UUID `json:"server_id"`
	Name      string    `json:"name"`
	Previous  Status    `json:"previous"`
	Current   Status    `json:"current"`
	ChangedAt time.Time `json:"changed_at"`
}

// ServerEvent is published on registration and removal.
type ServerEvent struct {
	ServerID uuid.UUID `json:"server_id"`
	Name     string    `json:"name,omitempty"`
	Address  string    `json:"ip_address,omitempty"`
	At       time.Time `json:"at"`
}
