package models

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
)

// ============================================================================
// Sync Engine
//
// One background goroutine drains the change log against the hub in
// sequence order. The polling timer, commit notifications and the
// "sync now" endpoint all funnel into runCycle behind a TryLock, so at
// most one cycle — and therefore one in-flight submission — exists at a
// time. Consecutive failures back off exponentially up to maxBackoff.
// ============================================================================

// maxBackoff caps the exponential backoff between failed cycles.
const maxBackoff = 5 * time.Minute

// pullLimit bounds one page of the hub's change feed.
const pullLimit = 100

// SyncEngine owns the drain loop for one workspace.
type SyncEngine struct {
	ws     *Workspace
	client *HubClient
	cfg    *Config

	syncMu     sync.Mutex  // one cycle at a time
	enabled    atomic.Bool // runtime toggle
	inProgress atomic.Bool
	cancelFunc context.CancelFunc
	wake       chan struct{} // nudged by commit handlers

	statusMu            sync.Mutex
	lastSync            time.Time
	lastError           error
	consecutiveFailures int
}

// SyncEngineStatus is the engine state for the ops surface.
type SyncEngineStatus struct {
	Enabled             bool        `json:"enabled"`
	Connected           bool        `json:"connected"`
	InProgress          bool        `json:"in_progress"`
	LastSync            *time.Time  `json:"last_sync"`
	LastError           string      `json:"last_error,omitempty"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	Queue               QueueCounts `json:"queue"`
}

// NewSyncEngine wires an engine to a workspace and hub client. Records
// stranded in flight by a crash are returned to pending here: the hub
// upserts duplicate submissions, so resending is safe and cheaper than
// distinguishing delivered from undelivered.
func NewSyncEngine(ws *Workspace, client *HubClient, cfg *Config) (*SyncEngine, error) {
	se := &SyncEngine{
		ws:     ws,
		client: client,
		cfg:    cfg,
		wake:   make(chan struct{}, 1),
	}
	se.enabled.Store(cfg.SyncEnabled)
	client.SetClientID(ws.ClientID())

	recovered, err := ws.Log().RecoverInFlight()
	if err != nil {
		return nil, serr.Wrap(err, "failed to recover in-flight records")
	}
	if recovered > 0 {
		logger.Info("Recovered stranded in-flight changes", "count", recovered)
	}

	// Appends nudge the loop so edits drain promptly instead of waiting
	// out the poll interval. The buffered channel coalesces bursts.
	ws.Store().OnCommit(func() {
		select {
		case se.wake <- struct{}{}:
		default:
		}
	})

	return se, nil
}

// Start launches the drain goroutine.
func (se *SyncEngine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	se.cancelFunc = cancel
	go se.loop(ctx)
	logger.Info("Sync engine started",
		"hub_url", se.cfg.HubURL,
		"client_id", se.ws.ClientID(),
		"interval", se.cfg.SyncInterval.String())
}

// Stop cancels the drain goroutine.
func (se *SyncEngine) Stop() {
	if se.cancelFunc != nil {
		se.cancelFunc()
	}
	logger.Info("Sync engine stopped")
}

// SyncNow runs a cycle immediately, synchronously. Errors if a cycle is
// already running or the engine is disabled.
func (se *SyncEngine) SyncNow() error {
	if !se.enabled.Load() {
		return serr.New("sync is disabled")
	}
	if se.inProgress.Load() {
		return serr.New("sync already in progress")
	}
	return se.runCycle(context.Background())
}

// SetEnabled toggles the engine at runtime.
func (se *SyncEngine) SetEnabled(enabled bool) {
	se.enabled.Store(enabled)
	logger.Info("Sync engine toggled", "enabled", enabled)
}

// IsEnabled reports the runtime toggle.
func (se *SyncEngine) IsEnabled() bool {
	return se.enabled.Load()
}

// Status snapshots the engine and queue state.
func (se *SyncEngine) Status() SyncEngineStatus {
	se.statusMu.Lock()
	status := SyncEngineStatus{
		Enabled:             se.enabled.Load(),
		Connected:           se.consecutiveFailures == 0 && !se.lastSync.IsZero(),
		InProgress:          se.inProgress.Load(),
		ConsecutiveFailures: se.consecutiveFailures,
	}
	if !se.lastSync.IsZero() {
		t := se.lastSync
		status.LastSync = &t
	}
	if se.lastError != nil {
		status.LastError = se.lastError.Error()
	}
	se.statusMu.Unlock()

	counts, err := se.ws.Log().Counts()
	if err != nil {
		logger.LogErr(err, "failed to read queue counts for status")
	}
	status.Queue = counts
	return status
}

// loop runs cycles on the poll interval and on commit nudges, skipping
// cycles while inside a failure backoff window.
func (se *SyncEngine) loop(ctx context.Context) {
	if se.enabled.Load() {
		if err := se.runCycle(ctx); err != nil {
			logger.LogErr(err, "initial sync cycle failed")
		}
	}

	ticker := time.NewTicker(se.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-se.wake:
		}
		if !se.enabled.Load() {
			continue
		}
		if se.inBackoff() {
			continue
		}
		if err := se.runCycle(ctx); err != nil {
			se.statusMu.Lock()
			failures := se.consecutiveFailures
			se.statusMu.Unlock()
			logger.LogErr(err, "sync cycle failed", "consecutive_failures", failures)
		}
	}
}

func (se *SyncEngine) inBackoff() bool {
	se.statusMu.Lock()
	defer se.statusMu.Unlock()
	if se.consecutiveFailures == 0 {
		return false
	}
	backoff := time.Second
	for i := 0; i < se.consecutiveFailures; i++ {
		backoff *= 2
		if backoff >= maxBackoff {
			backoff = maxBackoff
			break
		}
	}
	return time.Since(se.lastSync) < backoff
}

func (se *SyncEngine) recordFailure(err error) {
	se.statusMu.Lock()
	se.consecutiveFailures++
	se.lastError = err
	se.lastSync = time.Now()
	se.statusMu.Unlock()
}

func (se *SyncEngine) recordSuccess() {
	se.statusMu.Lock()
	se.consecutiveFailures = 0
	se.lastError = nil
	se.lastSync = time.Now()
	se.statusMu.Unlock()
}

// runCycle executes one full cycle: health, pull, retire net-zero work,
// requeue retryable failures, drain one batch.
func (se *SyncEngine) runCycle(ctx context.Context) error {
	if !se.syncMu.TryLock() {
		return nil // another cycle is running
	}
	defer se.syncMu.Unlock()

	se.inProgress.Store(true)
	defer se.inProgress.Store(false)

	if err := se.client.Health(ctx); err != nil {
		se.recordFailure(err)
		return serr.Wrap(err, "hub health check failed")
	}

	if err := se.pull(ctx); err != nil {
		se.recordFailure(err)
		return serr.Wrap(err, "pull from hub failed")
	}

	if err := se.elideNetZero(); err != nil {
		logger.LogErr(err, "net-zero elision pass failed")
	}

	requeued, err := se.ws.Log().RequeueRetryable(se.cfg.MaxRetries)
	if err != nil {
		logger.LogErr(err, "failed to requeue retryable failures")
	} else if requeued > 0 {
		logger.Info("Requeued transient failures", "count", requeued)
	}

	if err := se.drain(ctx); err != nil {
		se.recordFailure(err)
		return serr.Wrap(err, "drain failed")
	}

	se.recordSuccess()
	return nil
}

// ============================================================================
// Pull
// ============================================================================

// pull applies hub-side changes after our cursor, page by page. Pulled
// changes land with the IGNORED source: already the hub's state, never
// drained back, never revertible.
func (se *SyncEngine) pull(ctx context.Context) error {
	cursor, err := RemoteCursor(se.ws.Store())
	if err != nil {
		return err
	}

	for {
		page, err := se.client.FetchChanges(ctx, cursor, pullLimit)
		if err != nil {
			return err
		}
		if len(page.Changes) == 0 {
			return nil
		}

		maxSeq, err := se.ws.ApplyRemote(page.Changes)
		if err != nil {
			return err
		}
		if maxSeq > cursor {
			cursor = maxSeq
			if err := SaveRemoteCursor(se.ws.Store(), cursor); err != nil {
				return err
			}
		}
		logger.Info("Pulled changes from hub", "count", len(page.Changes), "cursor", cursor)
		if !page.HasMore {
			return nil
		}
	}
}

// ============================================================================
// Net-zero elision
// ============================================================================

// elideNetZero retires create/undo pairs the hub never needs to see: a
// pending CREATED or COPIED followed by a pending revert DELETED of the
// same entity, with no record of it ever sent, nets to nothing. Both
// sides are marked synced locally without a network call.
func (se *SyncEngine) elideNetZero() error {
	log := se.ws.Log()
	deletes, err := log.queryChanges(`
		SELECT `+changeColumns+`
		FROM change_log
		WHERE sync_state = ? AND source = ? AND change_type = ?
		ORDER BY sequence ASC`, SyncPending, SourceRevert, ChangeDeleted)
	if err != nil {
		return err
	}

	for _, del := range deletes {
		fully, err := log.EntityFullyPending(del.TableName, del.RowKey)
		if err != nil {
			return err
		}
		if !fully {
			continue
		}
		seqs, err := log.entitySequences(del.TableName, del.RowKey)
		if err != nil {
			return err
		}
		if err := log.MarkSynced(seqs...); err != nil {
			return err
		}
		logger.Info("Retired net-zero change set locally",
			"table", del.TableName, "key", del.RowKey, "records", len(seqs))
	}
	return nil
}

// ============================================================================
// Drain
// ============================================================================

// drain sends one bounded batch of pending records in sequence order.
// At most one record per entity goes per batch, and entities with an
// in-flight or failed record are held back entirely, so the hub always
// sees an entity's operations in causal order and a failure blocks the
// records behind it rather than letting them overtake.
func (se *SyncEngine) drain(ctx context.Context) error {
	log := se.ws.Log()

	candidates, err := log.PendingBatch(se.cfg.SyncBatch * 4)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	blocked, err := log.BlockedEntities()
	if err != nil {
		return err
	}

	var picked []ChangeRecord
	for _, rec := range candidates {
		entity := JoinKey(rec.TableName, rec.RowKey)
		if _, held := blocked[entity]; held {
			continue
		}
		blocked[entity] = struct{}{} // one record per entity per batch
		picked = append(picked, rec)
		if len(picked) >= se.cfg.SyncBatch {
			break
		}
	}
	if len(picked) == 0 {
		return nil
	}

	seqs := make([]int64, len(picked))
	for i := range picked {
		seqs[i] = picked[i].Sequence
	}
	claimed, err := log.ClaimPending(seqs)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}
	claimedSet := make(map[int64]struct{}, len(claimed))
	for _, seq := range claimed {
		claimedSet[seq] = struct{}{}
	}

	wire := make([]WireChange, 0, len(claimed))
	for i := range picked {
		if _, ok := claimedSet[picked[i].Sequence]; ok {
			wire = append(wire, picked[i].ToWire())
		}
	}

	resp, err := se.client.Submit(ctx, wire)
	if err != nil {
		// Transport failure: nothing was confirmed, fail the whole
		// batch as transient so the retry budget applies.
		for _, seq := range claimed {
			if markErr := log.MarkFailed(seq, ErrorClass(err), err.Error()); markErr != nil {
				logger.LogErr(markErr, "failed to mark change failed", "sequence", seq)
			}
		}
		return err
	}

	failed := make(map[int64]string, len(resp.Errors))
	for _, ch := range resp.Errors {
		msg := "rejected by hub"
		if len(ch.Errors) > 0 {
			msg = strings.Join(ch.Errors, "; ")
		}
		failed[ch.Seq] = msg
	}

	var synced []int64
	for _, seq := range claimed {
		if msg, bad := failed[seq]; bad {
			if err := log.MarkFailed(seq, classifyHubMessage(msg), msg); err != nil {
				logger.LogErr(err, "failed to mark change failed", "sequence", seq)
			}
			continue
		}
		synced = append(synced, seq)
	}
	if err := log.MarkSynced(synced...); err != nil {
		return err
	}

	// Server-generated followups (e.g. a compensating delete for a copy
	// whose source vanished) apply like pulled changes.
	if len(resp.Changes) > 0 {
		if _, err := se.ws.ApplyRemote(resp.Changes); err != nil {
			return err
		}
	}

	logger.Info("Drained change batch",
		"sent", len(claimed), "synced", len(synced), "failed", len(failed))
	return nil
}

// classifyHubMessage buckets a per-change error string from the hub.
// The hub's messages are stable enough to match on; anything novel is
// treated as a validation failure so it waits for a human.
func classifyHubMessage(msg string) SyncErrorClass {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "not found"):
		return ClassNotFound
	case strings.Contains(lower, "conflict"), strings.Contains(lower, "already exists"):
		return ClassConflict
	default:
		return ClassValidation
	}
}
