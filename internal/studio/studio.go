// Package studio is the manual generation engine: it owns the editing state
// (dimensions, base image, current prompt set) and wires the session tracker,
// undo history, preference learner, autoplay loop, and provider calls into
// one surface for the UI layer.
package studio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/promptloom/promptloom/internal/autoplay"
	"github.com/promptloom/promptloom/internal/history"
	"github.com/promptloom/promptloom/internal/learner"
	"github.com/promptloom/promptloom/internal/provider"
	"github.com/promptloom/promptloom/internal/session"
	"github.com/promptloom/promptloom/internal/store"
	"github.com/promptloom/promptloom/internal/types"
)

var (
	ErrPromptNotFound  = errors.New("studio: prompt not in the current set")
	ErrElementNotFound = errors.New("studio: element index out of range")
)

// maxFeedbackContext caps how many recent ratings are replayed to the
// generator as context.
const maxFeedbackContext = 20

// Options configures a Studio.
type Options struct {
	Store           store.Store
	Generator       provider.Generator
	Evaluator       provider.Evaluator
	Polisher        provider.Polisher
	Logger          *slog.Logger
	HistoryCapacity int
	Autoplay        autoplay.Config
}

// Studio is safe for concurrent use; the HTTP layer and the autoplay loop
// both call into it.
type Studio struct {
	mu       sync.Mutex
	log      *slog.Logger
	store    store.Store
	tracker  *session.Tracker
	history  *history.Manager
	learner  *learner.Learner
	autoplay *autoplay.Orchestrator
	gen      provider.Generator
	fallback provider.Generator

	autoplayCfg autoplay.Config
	unsubscribe func()

	dimensions []types.Dimension
	baseImage  string
	outputMode types.OutputMode
	current    []types.GeneratedPrompt
	feedback   []types.Feedback
}

// New wires the engine together. Generator may be nil, in which case all
// generation uses the local fallback.
func New(opts Options) *Studio {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Studio{
		log:         logger,
		store:       opts.Store,
		tracker:     session.NewTracker(opts.Store, logger, nil),
		history:     history.New(opts.HistoryCapacity),
		learner:     learner.New(opts.Store, logger),
		gen:         opts.Generator,
		fallback:    provider.NewFallbackGenerator(),
		autoplayCfg: opts.Autoplay,
		outputMode:  types.ModeImage,
	}

	// Completed sessions feed the learner regardless of how they closed.
	s.tracker.OnClose(s.learner.ObserveSession)

	gen := opts.Generator
	if gen == nil {
		gen = s.fallback
	}
	s.autoplay = autoplay.New(gen, opts.Evaluator, opts.Polisher, logger)
	s.autoplay.OnIteration(s.tracker.RecordIteration)
	s.autoplay.OnAccepted(s.acceptAutoplayPrompt)
	s.unsubscribe = s.watchAutoplay()

	return s
}

// Close flushes background learning work.
func (s *Studio) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.learner.Close()
}

// SetDimensions replaces the editing dimension set.
func (s *Studio) SetDimensions(dims []types.Dimension) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dimensions = types.CloneDimensions(dims)
}

func (s *Studio) Dimensions() []types.Dimension {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.CloneDimensions(s.dimensions)
}

func (s *Studio) SetBaseImage(desc string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseImage = desc
}

func (s *Studio) SetOutputMode(mode types.OutputMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputMode = mode
}

// Generate runs one manual generation pass. A provider failure falls back to
// the deterministic local constructor, so the user always gets prompts back;
// the degradation is logged, not surfaced as an error.
func (s *Studio) Generate(ctx context.Context) ([]types.GeneratedPrompt, error) {
	s.mu.Lock()
	req := provider.GenerateRequest{
		Dimensions:     types.CloneDimensions(s.dimensions),
		Feedback:       append([]types.Feedback(nil), s.feedback...),
		OutputMode:     s.outputMode,
		BaseImage:      s.baseImage,
		LockedElements: lockedElements(s.current),
		LockedPrompts:  lockedPrompts(s.current),
	}
	if s.tracker.Active() == nil {
		s.tracker.Start(s.dimensions, s.baseImage, s.outputMode)
	}
	s.mu.Unlock()

	res, err := s.generate(ctx, req)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.current = types.ClonePrompts(res.Prompts)
	if len(res.AdjustedDimensions) > 0 {
		s.dimensions = types.CloneDimensions(res.AdjustedDimensions)
	}
	s.history.Push(&types.PromptHistoryEntry{
		Prompts:    types.ClonePrompts(res.Prompts),
		Dimensions: types.CloneDimensions(s.dimensions),
		BaseImage:  s.baseImage,
	})
	s.mu.Unlock()

	s.tracker.RecordIteration(promptIDs(res.Prompts))
	s.persistPromptSet(res.Prompts)

	return types.ClonePrompts(res.Prompts), nil
}

func (s *Studio) generate(ctx context.Context, req provider.GenerateRequest) (*provider.GenerateResult, error) {
	if s.gen != nil {
		res, err := s.gen.GeneratePrompts(ctx, req)
		if err == nil {
			return res, nil
		}
		s.log.Warn("provider generation failed, using local fallback", "error", err)
	}
	return s.fallback.GeneratePrompts(ctx, req)
}

// RatePrompt records a thumbs verdict. The rating feeds the preference
// learner; a thumbs-up is treated as the user accepting the result, closing
// the active session as satisfied.
func (s *Studio) RatePrompt(promptID string, rating types.Rating) error {
	s.mu.Lock()
	prompt := findPrompt(s.current, promptID)
	if prompt == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPromptNotFound, promptID)
	}
	prompt.Rating = rating

	fb := types.Feedback{PromptID: promptID, Rating: rating, At: time.Now()}
	s.feedback = append(s.feedback, fb)
	if len(s.feedback) > maxFeedbackContext {
		s.feedback = s.feedback[len(s.feedback)-maxFeedbackContext:]
	}
	snapshot := *prompt
	current := types.ClonePrompts(s.current)
	s.mu.Unlock()

	s.learner.ProcessFeedback(fb, &snapshot)
	if rating == types.RatingUp {
		s.tracker.MarkSatisfied()
	}
	s.persistPromptSet(current)
	return nil
}

// SetPromptLock pins or releases a whole prompt; locked prompts survive
// regeneration untouched.
func (s *Studio) SetPromptLock(promptID string, locked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prompt := findPrompt(s.current, promptID)
	if prompt == nil {
		return fmt.Errorf("%w: %s", ErrPromptNotFound, promptID)
	}
	prompt.Locked = locked
	return nil
}

// SetElementLock pins one element of a prompt; locked elements are passed to
// the generator as verbatim constraints.
func (s *Studio) SetElementLock(promptID string, elementIdx int, locked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prompt := findPrompt(s.current, promptID)
	if prompt == nil {
		return fmt.Errorf("%w: %s", ErrPromptNotFound, promptID)
	}
	if elementIdx < 0 || elementIdx >= len(prompt.Elements) {
		return fmt.Errorf("%w: %s[%d]", ErrElementNotFound, promptID, elementIdx)
	}
	prompt.Elements[elementIdx].Locked = locked
	return nil
}

// CurrentPrompts returns the working prompt set.
func (s *Studio) CurrentPrompts() []types.GeneratedPrompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.ClonePrompts(s.current)
}

// Undo steps the history back and restores that snapshot as the working
// state. Returns the restored entry, or nil at the oldest entry.
func (s *Studio) Undo() *types.PromptHistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.history.Undo()
	s.restoreLocked(entry)
	return entry
}

// Redo steps the history forward.
func (s *Studio) Redo() *types.PromptHistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.history.Redo()
	s.restoreLocked(entry)
	return entry
}

func (s *Studio) restoreLocked(entry *types.PromptHistoryEntry) {
	if entry == nil {
		return
	}
	s.current = types.ClonePrompts(entry.Prompts)
	if entry.Dimensions != nil {
		s.dimensions = types.CloneDimensions(entry.Dimensions)
	}
	if entry.BaseImage != "" {
		s.baseImage = entry.BaseImage
	}
}

// HistoryState exposes the undo/redo read model.
func (s *Studio) HistoryState() history.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Snapshot()
}

// Suggestions queries the learner against the current dimension set.
func (s *Studio) Suggestions() []types.Suggestion {
	s.mu.Lock()
	dims := types.CloneDimensions(s.dimensions)
	s.mu.Unlock()
	return s.learner.Suggestions(dims)
}

// ActiveSession returns a summary of the open session, or nil.
func (s *Studio) ActiveSession() *types.SessionSummary {
	active := s.tracker.Active()
	if active == nil {
		return nil
	}
	summary := active.ToSummary()
	return &summary
}

// EndSession closes the active session with the given outcome.
func (s *Studio) EndSession(satisfied bool) *types.GenerationSession {
	if satisfied {
		return s.tracker.MarkSatisfied()
	}
	return s.tracker.EndUnsuccessful()
}

// StartAutoplay begins the iterative loop over the current editing state.
func (s *Studio) StartAutoplay(cfg autoplay.Config) error {
	s.mu.Lock()
	dims := types.CloneDimensions(s.dimensions)
	base := s.baseImage
	mode := s.outputMode
	if cfg == (autoplay.Config{}) {
		cfg = s.autoplayCfg
	}
	if s.tracker.Active() == nil {
		s.tracker.Start(s.dimensions, s.baseImage, s.outputMode)
	}
	s.mu.Unlock()

	return s.autoplay.Start(dims, base, mode, cfg)
}

// StopAutoplay cancels a live run.
func (s *Studio) StopAutoplay() bool {
	return s.autoplay.Stop()
}

// ResetAutoplay returns a finished run to idle.
func (s *Studio) ResetAutoplay() error {
	return s.autoplay.Reset()
}

// AutoplayState snapshots the loop for the UI.
func (s *Studio) AutoplayState() autoplay.State {
	return s.autoplay.State()
}

// AutoplayEvents returns the retained run log.
func (s *Studio) AutoplayEvents() []autoplay.Event {
	return s.autoplay.Events()
}

// SubscribeAutoplay streams run events, for the websocket layer.
func (s *Studio) SubscribeAutoplay(buf int) (<-chan autoplay.Event, func()) {
	return s.autoplay.Subscribe(buf)
}

// acceptAutoplayPrompt folds an accepted candidate into the working set and
// snapshots it into the undo history.
func (s *Studio) acceptAutoplayPrompt(p types.GeneratedPrompt, score int) {
	s.mu.Lock()
	s.current = append(s.current, p)
	s.history.Push(&types.PromptHistoryEntry{
		Prompts:    types.ClonePrompts(s.current),
		Dimensions: types.CloneDimensions(s.dimensions),
		BaseImage:  s.baseImage,
	})
	current := types.ClonePrompts(s.current)
	s.mu.Unlock()

	s.persistPromptSet(current)
	s.log.Info("autoplay candidate saved", "prompt_id", p.ID, "score", score)
}

// watchAutoplay closes the session as satisfied when a run meets its target.
func (s *Studio) watchAutoplay() func() {
	ch, cancel := s.autoplay.Subscribe(32)
	go func() {
		for ev := range ch {
			if ev.Phase == autoplay.PhaseComplete {
				if s.autoplay.State().CompletionReason == autoplay.ReasonTargetMet {
					s.tracker.MarkSatisfied()
				}
			}
		}
	}()
	return cancel
}

// persistPromptSet is fire-and-forget; a storage failure never interrupts
// the editing flow. Sets are keyed by their session so regeneration within a
// session overwrites rather than accumulating.
func (s *Studio) persistPromptSet(prompts []types.GeneratedPrompt) {
	if s.store == nil || len(prompts) == 0 {
		return
	}
	key := "unsessioned"
	if active := s.tracker.Active(); active != nil {
		key = active.ID
	}
	if err := s.store.SavePromptSet(key, prompts); err != nil {
		s.log.Error("failed to persist prompt set", "error", err)
	}
}

func findPrompt(prompts []types.GeneratedPrompt, id string) *types.GeneratedPrompt {
	for i := range prompts {
		if prompts[i].ID == id {
			return &prompts[i]
		}
	}
	return nil
}

func promptIDs(prompts []types.GeneratedPrompt) []string {
	ids := make([]string, len(prompts))
	for i, p := range prompts {
		ids[i] = p.ID
	}
	return ids
}

func lockedElements(prompts []types.GeneratedPrompt) []types.PromptElement {
	var out []types.PromptElement
	for _, p := range prompts {
		for _, el := range p.Elements {
			if el.Locked {
				out = append(out, el)
			}
		}
	}
	return out
}

func lockedPrompts(prompts []types.GeneratedPrompt) []types.GeneratedPrompt {
	var out []types.GeneratedPrompt
	for _, p := range prompts {
		if p.Locked {
			out = append(out, p)
		}
	}
	return out
}
