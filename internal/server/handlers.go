package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	syncwire "github.com/cadenzadev/cadenza/internal/sync"
	"github.com/cadenzadev/cadenza/internal/types"
)

// Handler serves the sync API against one server store.
type Handler struct {
	store   *Store
	apiKey  string
	version string
}

// NewHandler creates the HTTP handler set.
func NewHandler(store *Store, apiKey, version string) *Handler {
	return &Handler{store: store, apiKey: apiKey, version: version}
}

// Health handles GET /api/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// SyncPush handles POST /api/v1/sync/push
func (h *Handler) SyncPush(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req syncwire.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if err := validatePushRequest(req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// Idempotent replay: a retried push returns the original outcome
	// instead of being applied twice.
	cached, found, err := h.store.CheckPushIdempotency(ctx, req.PushID)
	if err != nil {
		slog.Error("idempotency check failed", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal error")
		return
	}
	if found {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Idempotent-Replay", "true")
		w.Write(cached)
		slog.Info("push idempotent replay",
			"component", "server",
			"action", "sync_push_replay",
			"push_id", req.PushID,
		)
		return
	}

	resp, err := h.store.ApplyPush(ctx, req)
	if err != nil {
		slog.Error("push transaction failed",
			"component", "server",
			"action", "sync_push_failed",
			"push_id", req.PushID,
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Push failed")
		return
	}

	respBytes, _ := json.Marshal(resp)
	if err := h.store.RecordPushIdempotency(ctx, req.PushID, respBytes, IdempotencyTTL); err != nil {
		slog.Warn("failed to cache idempotency", "push_id", req.PushID, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(respBytes)

	slog.Info("push completed",
		"component", "server",
		"action", "sync_push",
		"push_id", req.PushID,
		"source_id", req.SourceID,
		"table", req.Table,
		"accepted", len(resp.Accepted),
		"rejected", len(resp.Rejected),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// SyncPull handles GET /api/v1/sync/pull?table=&since=&limit=
func (h *Handler) SyncPull(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	table, err := types.ParseTable(r.URL.Query().Get("table"))
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var since int64
	if s := r.URL.Query().Get("since"); s != "" {
		since, err = strconv.ParseInt(s, 10, 64)
		if err != nil || since < 0 {
			WriteProblem(w, r, http.StatusBadRequest, "since must be a non-negative integer cursor")
			return
		}
	}

	limit := 500
	if s := r.URL.Query().Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 1 || limit > 1000 {
			WriteProblem(w, r, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
	}

	resp, err := h.store.Pull(ctx, table, since, limit)
	if err != nil {
		slog.Error("pull query failed",
			"component", "server",
			"action", "sync_pull_failed",
			"table", string(table),
			"since", since,
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Failed to retrieve changes")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// validatePushRequest validates the push request structure.
func validatePushRequest(req syncwire.PushRequest) error {
	if req.PushID == "" {
		return fmt.Errorf("push_id is required")
	}
	if req.SourceID == "" {
		return fmt.Errorf("source_id is required")
	}
	if _, err := types.ParseTable(req.Table); err != nil {
		return err
	}
	if len(req.Records) == 0 {
		return fmt.Errorf("records array is required")
	}
	if len(req.Records) > syncwire.MaxPushRecords {
		return fmt.Errorf("records exceeds maximum of %d", syncwire.MaxPushRecords)
	}
	return nil
}
