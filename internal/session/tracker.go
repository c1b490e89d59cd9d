// Package session tracks generation attempt cycles from start to outcome.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/promptloom/promptloom/internal/store"
	"github.com/promptloom/promptloom/internal/types"
)

// Tracker records one session per distinct attempt at reaching a satisfactory
// output. It is an explicit object owned by the editing-session scope, not a
// process-wide global, so parallel editing contexts (and tests) don't
// interfere with each other.
//
// At most one session is active at any time: starting a new session while one
// is open implicitly closes the previous one as unsatisfied.
type Tracker struct {
	mu      sync.Mutex
	store   store.Store
	log     *slog.Logger
	now     func() time.Time
	newID   func() string
	active  *types.GenerationSession
	onClose func(*types.GenerationSession)
}

// NewTracker creates a Tracker. The store may be nil for purely in-memory
// use; persistence is best-effort either way. A nil now defaults to time.Now.
func NewTracker(st store.Store, logger *slog.Logger, now func() time.Time) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		store: st,
		log:   logger,
		now:   now,
		newID: store.NewULID,
	}
}

// OnClose registers a callback invoked with every session as it closes,
// after persistence. Used to feed completed sessions to the learner.
func (t *Tracker) OnClose(fn func(*types.GenerationSession)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = fn
}

// Start opens a new session, deep-snapshotting the dimension set so later
// edits can't corrupt historical analysis. If a session is already active it
// is closed as unsatisfied first; the abandoned session is returned so the
// caller can observe the implicit close rather than have it happen silently.
func (t *Tracker) Start(dims []types.Dimension, baseImage string, mode types.OutputMode) (active, abandoned *types.GenerationSession) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active != nil {
		abandoned = t.closeLocked(false)
	}

	t.active = &types.GenerationSession{
		ID:         t.newID(),
		StartedAt:  t.now(),
		Dimensions: types.CloneDimensions(dims),
		BaseImage:  baseImage,
		OutputMode: mode,
	}
	return t.active, abandoned
}

// Active returns the open session, or nil.
func (t *Tracker) Active() *types.GenerationSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// RecordIteration appends an iteration record referencing the produced
// prompt IDs. Without an active session this is a logged no-op.
func (t *Tracker) RecordIteration(promptIDs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active == nil {
		t.log.Warn("record iteration with no active session", "prompt_count", len(promptIDs))
		return
	}

	ids := make([]string, len(promptIDs))
	copy(ids, promptIDs)
	t.active.Iterations = append(t.active.Iterations, types.IterationRecord{
		Timestamp: t.now(),
		PromptIDs: ids,
	})
}

// MarkSatisfied closes the active session as satisfied. Idempotent: without
// an active session it returns nil and does nothing.
func (t *Tracker) MarkSatisfied() *types.GenerationSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked(true)
}

// EndUnsuccessful closes the active session as unsatisfied.
func (t *Tracker) EndUnsuccessful() *types.GenerationSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked(false)
}

// closeLocked ends the active session, persists it best-effort, and notifies
// the close callback. Returns the closed session, or nil if none was open.
// Caller must hold t.mu.
func (t *Tracker) closeLocked(satisfied bool) *types.GenerationSession {
	if t.active == nil {
		return nil
	}

	sess := t.active
	t.active = nil

	ended := t.now()
	if ended.Before(sess.StartedAt) {
		ended = sess.StartedAt
	}
	sess.Satisfied = satisfied
	sess.EndedAt = &ended

	if t.store != nil {
		if err := t.store.SaveSession(sess); err != nil {
			t.log.Error("failed to persist session", "session_id", sess.ID, "error", err)
		}
	}
	if t.onClose != nil {
		t.onClose(sess)
	}
	return sess
}
