package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"fleetwatch/pkg/fleet"
)

func (a *API) handleRiskyFiles(w http.ResponseWriter, r *http.Request) {
	threshold := a.aggregator.Config().RiskThreshold
	if raw := strings.TrimSpace(r.URL.Query().Get("threshold")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > 100 {
			respondError(w, http.StatusBadRequest, errors.New("threshold must be an integer between 0 and 100"))
			return
		}
		threshold = n
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	files, err := a.aggregator.RiskyFiles(ctx, threshold)
	if err != nil {
		a.log.Error().Err(err).Msg("list risky files")
		respondError(w, http.StatusInternalServerError, errors.New("failed to list risky files"))
		return
	}
	if files == nil {
		files = []fleet.FileRecord{}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"threshold": threshold,
		"files":     files,
	})
}

func (a *API) handleStorageSummary(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	respondJSON(w, http.StatusOK, a.aggregator.Summary(ctx))
}

func (a *API) handleStorageServers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	respondJSON(w, http.StatusOK, a.aggregator.Servers(ctx))
}
