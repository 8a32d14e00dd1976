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

// Health reports that the server is up. Open endpoint; clients probe it
// before attempting a sync cycle.
// GET /api/v1/health
func (h *Handlers) Health(ctx rweb.Context) error {
	return writeSuccess(ctx, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"hub":    h.Hub != nil,
	})
}

// SubmitChanges accepts a batch of changes from a client workspace.
// POST /api/v1/sync
//
// Request body: { "changes": [ {...}, ... ] }
//
// Changes are reordered for safe application, then applied each in its
// own transaction. Status is 200 when every change applied, 207 on
// partial failure, 400 when all failed. The response data carries
// server-generated followup changes plus the failed changes with their
// errors attached; submitted changes absent from errors succeeded.
func (h *Handlers) SubmitChanges(ctx rweb.Context) error {
	if GetCurrentUserGUID(ctx) == "" {
		return writeError(ctx, http.StatusUnauthorized, "authentication required")
	}

	var req models.SubmitRequest
	if err := json.Unmarshal(ctx.Request().Body(), &req); err != nil {
		logger.LogErr(serr.Wrap(err, "failed to decode sync submission"), "invalid JSON")
		return writeError(ctx, http.StatusBadRequest, "invalid JSON body")
	}
	if len(req.Changes) == 0 {
		return writeSuccess(ctx, http.StatusOK, &models.SubmitResponse{})
	}

	// Fallback source for changes that arrive untagged
	source := ctx.Request().QueryParam("client")

	resp, status := h.Hub.Apply(req.Changes, source)

	logger.Info("Sync batch applied",
		"received", len(req.Changes),
		"failed", len(resp.Errors),
		"followups", len(resp.Changes),
		"status", status,
	)

	ctx.SetStatus(status)
	return ctx.WriteJSON(APIResponse{Success: status != http.StatusBadRequest, Data: resp})
}

// GetChanges returns changes recorded after the given cursor so clients
// can replicate hub-side state.
// GET /api/v1/changes?since=<seq>&limit=<n>&client=<id>
//
// The cursor is exclusive. Changes originating from the requesting
// client (matched by the client param) are omitted. has_more signals
// the client to pull again from the new cursor.
func (h *Handlers) GetChanges(ctx rweb.Context) error {
	if GetCurrentUserGUID(ctx) == "" {
		return writeError(ctx, http.StatusUnauthorized, "authentication required")
	}

	var since int64
	if sinceStr := ctx.Request().QueryParam("since"); sinceStr != "" {
		parsed, err := strconv.ParseInt(sinceStr, 10, 64)
		if err != nil || parsed < 0 {
			return writeError(ctx, http.StatusBadRequest, "invalid since parameter")
		}
		since = parsed
	}

	limit := 100
	if limitStr := ctx.Request().QueryParam("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			return writeError(ctx, http.StatusBadRequest, "invalid limit parameter")
		}
		limit = parsed
	}

	excludeSource := ctx.Request().QueryParam("client")

	resp, err := h.Hub.ChangesSince(since, limit, excludeSource)
	if err != nil {
		logger.LogErr(serr.Wrap(err, "failed to read change feed"), "since", since)
		return writeError(ctx, http.StatusInternalServerError, "failed to read change feed")
	}

	return writeSuccess(ctx, http.StatusOK, resp)
}
