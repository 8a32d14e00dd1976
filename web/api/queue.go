package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"gocurate/models"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"
	"github.com/rohanthewiz/serr"
)

// ============================================================================
// Queue and Sync Control API Handlers
//
// These endpoints power the workspace's operational surface: a queue
// status readout, a failed-change requeue, an enable/disable toggle,
// and a "Sync Now" trigger. When the process runs without a sync
// engine (hub-only mode) these routes are not mounted.
// ============================================================================

// QueueStatus handles GET /api/v1/queue/status
// Returns the engine state plus per-state queue counts, and the most
// recent failed changes so an operator can see what is stuck.
func (h *Handlers) QueueStatus(ctx rweb.Context) error {
	status := h.Engine.Status()

	failed, err := h.Workspace.Log().FailedChanges(20)
	if err != nil {
		logger.LogErr(serr.Wrap(err, "failed to read failed changes"), "queue status")
		return writeError(ctx, http.StatusInternalServerError, "failed to read queue")
	}

	type failedOut struct {
		Seq       int64  `json:"seq"`
		Table     string `json:"table"`
		Key       string `json:"key"`
		Type      string `json:"type"`
		Attempts  int32  `json:"attempts"`
		LastError string `json:"last_error,omitempty"`
		Class     string `json:"error_class,omitempty"`
	}
	failures := make([]failedOut, 0, len(failed))
	for _, rec := range failed {
		failures = append(failures, failedOut{
			Seq:       rec.Sequence,
			Table:     rec.TableName,
			Key:       rec.RowKey,
			Type:      models.ChangeTypeName(rec.ChangeType),
			Attempts:  rec.Attempts,
			LastError: rec.LastError.String,
			Class:     rec.ErrorClass.String,
		})
	}

	return writeSuccess(ctx, http.StatusOK, map[string]interface{}{
		"engine":   status,
		"failures": failures,
	})
}

// QueueRetry handles POST /api/v1/queue/retry
// Returns failed changes to pending and nudges a sync cycle. With no
// body every failed record is requeued; {"seqs": [..]} restricts the
// retry to the named sequences.
func (h *Handlers) QueueRetry(ctx rweb.Context) error {
	var req struct {
		Seqs []int64 `json:"seqs"`
	}
	if body := ctx.Request().Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return writeError(ctx, http.StatusBadRequest, "invalid request body")
		}
	}

	var requeued int64
	var err error
	if len(req.Seqs) > 0 {
		requeued, err = h.Workspace.Log().RequeueSequences(req.Seqs)
	} else {
		requeued, err = h.Workspace.Log().RequeueFailed()
	}
	if err != nil {
		logger.LogErr(serr.Wrap(err, "failed to requeue changes"), "queue retry")
		return writeError(ctx, http.StatusInternalServerError, "failed to requeue changes")
	}

	logger.Info("Failed changes requeued", "count", requeued)

	if requeued > 0 && h.Engine.IsEnabled() {
		// Best effort; the requeued records also go out on the next poll
		if err := h.Engine.SyncNow(); err != nil {
			logger.Info("Sync after requeue deferred", "reason", err.Error())
		}
	}

	return writeSuccess(ctx, http.StatusOK, map[string]int64{"requeued": requeued})
}

// SyncNow handles POST /api/v1/sync/now
// Triggers an immediate sync cycle. Returns 409 Conflict if a cycle is
// already in progress or the engine is disabled.
func (h *Handlers) SyncNow(ctx rweb.Context) error {
	if err := h.Engine.SyncNow(); err != nil {
		msg := err.Error()
		if msg == "sync already in progress" || msg == "sync is disabled" {
			return writeError(ctx, http.StatusConflict, msg)
		}
		return writeError(ctx, http.StatusInternalServerError, serr.Wrap(err, "sync failed").Error())
	}

	return writeSuccess(ctx, http.StatusOK, h.Engine.Status())
}

// SyncToggle handles POST /api/v1/sync/toggle
// Enables or disables the sync engine at runtime.
// Request body: {"enabled": true} or {"enabled": false}
func (h *Handlers) SyncToggle(ctx rweb.Context) error {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.Unmarshal(ctx.Request().Body(), &req); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}

	h.Engine.SetEnabled(req.Enabled)

	return writeSuccess(ctx, http.StatusOK, h.Engine.Status())
}

// RecentChanges handles GET /api/v1/queue/recent
// Returns the most recent change records regardless of state, newest
// first. Feeds the terminal queue inspector.
func (h *Handlers) RecentChanges(ctx rweb.Context) error {
	limit := 50
	if limitStr := ctx.Request().QueryParam("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			return writeError(ctx, http.StatusBadRequest, "invalid limit parameter")
		}
		limit = parsed
	}

	recs, err := h.Workspace.Log().RecentChanges(limit)
	if err != nil {
		logger.LogErr(serr.Wrap(err, "failed to read recent changes"), "queue recent")
		return writeError(ctx, http.StatusInternalServerError, "failed to read recent changes")
	}

	type recentOut struct {
		Seq    int64  `json:"seq"`
		Table  string `json:"table"`
		Key    string `json:"key"`
		Type   string `json:"type"`
		State  string `json:"state"`
		Source string `json:"source"`
		Error  string `json:"error,omitempty"`
	}
	out := make([]recentOut, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recentOut{
			Seq:    rec.Sequence,
			Table:  rec.TableName,
			Key:    rec.RowKey,
			Type:   models.ChangeTypeName(rec.ChangeType),
			State:  models.SyncStateName(rec.SyncState),
			Source: rec.Source,
			Error:  rec.LastError.String,
		})
	}

	return writeSuccess(ctx, http.StatusOK, out)
}
