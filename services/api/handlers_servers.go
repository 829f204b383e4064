package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"fleetwatch/pkg/fleet"
	"fleetwatch/pkg/store"
	"fleetwatch/services/registry"
)

func (a *API) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := a.poller.PollAll(r.Context())
	if err != nil {
		a.log.Error().Err(err).Msg("poll fleet")
		respondError(w, http.StatusInternalServerError, errors.New("failed to fetch servers"))
		return
	}
	if servers == nil {
		servers = []fleet.EnrichedServer{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"servers": servers})
}

func (a *API) handleRegisterServer(w http.ResponseWriter, r *http.Request) {
	var req registry.Registration
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	srv, err := a.registry.Register(ctx, actor(r), req)
	if err != nil {
		var verr *registry.ValidationError
		if errors.As(err, &verr) {
			respondJSON(w, http.StatusBadRequest, map[string]any{
				"error":   verr.Error(),
				"missing": verr.Missing,
				"invalid": verr.Invalid,
			})
			return
		}
		a.log.Error().Err(err).Msg("register server")
		respondError(w, http.StatusInternalServerError, errors.New("failed to register server"))
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{"server": srv})
}

func (a *API) handleRemoveServer(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid server id: %w", err))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if err := a.registry.Remove(ctx, actor(r), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, fmt.Errorf("server %s not found", id))
			return
		}
		a.log.Error().Err(err).Str("server_id", id.String()).Msg("remove server")
		respondError(w, http.StatusInternalServerError, errors.New("failed to delete server"))
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"deleted": id})
}
