// Package fleetctl holds the operator-side helpers behind the fleetctl CLI.
package fleetctl

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"fleetwatch/pkg/fleet"
	"fleetwatch/services/registry"
)

// FleetFile is a declarative list of servers to register.
//
//	servers:
//	  - name: web-1
//	    ip_address: 10.0.0.4
//	    mac_address: "de:ad:be:ef:00:01"
//	    status: offline
type FleetFile struct {
	Servers []registry.Registration `yaml:"servers"`
}

// LoadFleetFile decodes and validates a fleet file. Every invalid entry is
// reported, not just the first.
func LoadFleetFile(r io.Reader) (FleetFile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var ff FleetFile
	if err := dec.Decode(&ff); err != nil {
		if errors.Is(err, io.EOF) {
			return FleetFile{}, errors.New("fleet file is empty")
		}
		return FleetFile{}, fmt.Errorf("decode fleet file: %w", err)
	}

	var errs []error
	for i, reg := range ff.Servers {
		if _, err := reg.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("servers[%d] (%s): %w", i, reg.Name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return FleetFile{}, err
	}
	return ff, nil
}

// Registerer is the registry operation Import needs.
type Registerer interface {
	Register(ctx context.Context, actor string, reg registry.Registration) (fleet.Server, error)
}

// ImportResult reports what Import did.
type ImportResult struct {
	Created []fleet.Server
	Failed  map[string]error
}

// Import registers every server in ff. A failed entry does not stop the rest.
func Import(ctx context.Context, reg Registerer, actor string, ff FleetFile) ImportResult {
	res := ImportResult{Failed: make(map[string]error)}
	for _, r := range ff.Servers {
		srv, err := reg.Register(ctx, actor, r)
		if err != nil {
			res.Failed[r.Name] = err
			continue
		}
		res.Created = append(res.Created, srv)
	}
	return res
}
