// Package registry adds servers to and removes them from the fleet.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleetwatch/pkg/bus"
	"fleetwatch/pkg/fleet"
)

// Store is the persistence the registry needs.
type Store interface {
	CreateServer(ctx context.Context, srv fleet.Server) (fleet.Server, error)
	DeleteServer(ctx context.Context, id uuid.UUID) error
	AppendSnapshot(ctx context.Context, snap fleet.Snapshot) (fleet.Snapshot, error)
	RecordAudit(ctx context.Context, entry fleet.AuditEntry) error
}

// Registration is the input to Register. The telemetry fields are optional;
// an initial snapshot is stored only when cpu, ram, disk and uptime are all set.
type Registration struct {
	ID         *uuid.UUID `json:"id,omitempty" yaml:"id,omitempty"`
	Name       string     `json:"name" yaml:"name"`
	Address    string     `json:"ip_address" yaml:"ip_address"`
	HardwareID string     `json:"mac_address" yaml:"mac_address"`
	Status     string     `json:"status" yaml:"status"`
	CPU        *float64   `json:"cpu,omitempty" yaml:"cpu,omitempty"`
	RAM        *float64   `json:"ram,omitempty" yaml:"ram,omitempty"`
	Disk       *float64   `json:"disk,omitempty" yaml:"disk,omitempty"`
	Uptime     *float64   `json:"uptime,omitempty" yaml:"uptime,omitempty"`
	TotalDisk  *float64   `json:"total_disk,omitempty" yaml:"total_disk,omitempty"`
}

// ValidationError lists every problem found in a Registration.
type ValidationError struct {
	Missing []string
	Invalid []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required fields: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, strings.Join(e.Invalid, "; "))
	}
	return strings.Join(parts, "; ")
}

// Validate checks r and returns the normalised status.
func (r Registration) Validate() (fleet.Status, error) {
	verr := &ValidationError{}
	for _, f := range []struct {
		name  string
		value string
	}{
		{"name", r.Name},
		{"ip_address", r.Address},
		{"mac_address", r.HardwareID},
		{"status", r.Status},
	} {
		if strings.TrimSpace(f.value) == "" {
			verr.Missing = append(verr.Missing, f.name)
		}
	}

	var status fleet.Status
	if strings.TrimSpace(r.Status) != "" {
		s, err := fleet.ParseStatus(r.Status)
		if err != nil {
			verr.Invalid = append(verr.Invalid, err.Error())
		}
		status = s
	}
	if r.ID != nil && *r.ID == uuid.Nil {
		verr.Invalid = append(verr.Invalid, "id must not be the nil uuid")
	}

	if len(verr.Missing) > 0 || len(verr.Invalid) > 0 {
		return "", verr
	}
	return status, nil
}

func (r Registration) telemetry() (fleet.Telemetry, bool) {
	if r.CPU == nil || r.RAM == nil || r.Disk == nil || r.Uptime == nil {
		return fleet.Telemetry{}, false
	}
	return fleet.Telemetry{CPU: r.CPU, RAM: r.RAM, Disk: r.Disk, Uptime: r.Uptime, TotalDisk: r.TotalDisk}, true
}

// Option customises a Registry.
type Option func(*Registry)

// WithPublisher sets where registration events are published.
func WithPublisher(pub bus.Publisher) Option {
	return func(r *Registry) { r.events = pub }
}

// WithLogger sets the registry logger.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry owns server creation and removal.
type Registry struct {
	store  Store
	events bus.Publisher
	log    zerolog.Logger
	now    func() time.Time
}

// New builds a Registry over store.
func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		events: bus.Discard{},
		log:    zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates reg and stores a new server. actor is recorded in the
// audit trail.
func (r *Registry) Register(ctx context.Context, actor string, reg Registration) (fleet.Server, error) {
	status, err := reg.Validate()
	if err != nil {
		return fleet.Server{}, err
	}

	now := r.now().UTC()
	srv := fleet.Server{
		Identity: fleet.Identity{
			Name:       strings.TrimSpace(reg.Name),
			Address:    strings.TrimSpace(reg.Address),
			HardwareID: strings.TrimSpace(reg.HardwareID),
			CreatedAt:  now,
		},
		Status: status,
	}
	if reg.ID != nil {
		srv.ID = *reg.ID
	}

	created, err := r.store.CreateServer(ctx, srv)
	if err != nil {
		return fleet.Server{}, fmt.Errorf("create server: %w", err)
	}
	log := r.log.With().Str("server_id", created.ID.String()).Logger()

	if t, ok := reg.telemetry(); ok {
		if _, err := r.store.AppendSnapshot(ctx, fleet.NewSnapshot(created.ID, t, now)); err != nil {
			log.Warn().Err(err).Msg("store initial snapshot")
		}
	}

	r.audit(ctx, log, fleet.AuditEntry{
		Actor:  actor,
		Action: "server.register",
		Object: created.ID.String(),
		Details: map[string]any{
			"name":        created.Name,
			"ip_address":  created.Address,
			"mac_address": created.HardwareID,
			"status":      string(created.Status),
		},
		At: now,
	})

	evt := fleet.ServerEvent{ServerID: created.ID, Name: created.Name, Address: created.Address, At: now}
	if err := r.events.Publish(ctx, fleet.SubjectServerRegistered, evt); err != nil {
		log.Warn().Err(err).Msg("publish registration")
	}

	log.Info().Str("name", created.Name).Msg("server registered")
	return created, nil
}

// Remove deletes a server and its metric history. Nothing is removed when
// either deletion fails. Unknown ids yield an error wrapping store.ErrNotFound.
func (r *Registry) Remove(ctx context.Context, actor string, id uuid.UUID) error {
	if id == uuid.Nil {
		return errors.New("server id is required")
	}
	if err := r.store.DeleteServer(ctx, id); err != nil {
		return fmt.Errorf("remove server %s: %w", id, err)
	}

	now := r.now().UTC()
	log := r.log.With().Str("server_id", id.String()).Logger()

	r.audit(ctx, log, fleet.AuditEntry{
		Actor:  actor,
		Action: "server.remove",
		Object: id.String(),
		At:     now,
	})

	if err := r.events.Publish(ctx, fleet.SubjectServerRemoved, fleet.ServerEvent{ServerID: id, At: now}); err != nil {
		log.Warn().Err(err).Msg("publish removal")
	}

	log.Info().Msg("server removed")
	return nil
}

func (r *Registry) audit(ctx context.Context, log zerolog.Logger, entry fleet.AuditEntry) {
	if err := r.store.RecordAudit(ctx, entry); err != nil {
		log.Warn().Err(err).Str("action", entry.Action).Msg("record audit")
	}
}
