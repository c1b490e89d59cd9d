// Package autoplay runs the iterative generate / evaluate / polish loop that
// keeps producing candidates until enough are saved or the budget runs out.
package autoplay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/promptloom/promptloom/internal/provider"
	"github.com/promptloom/promptloom/internal/types"
)

// Precondition failures returned by Start and Reset. Surfaced as values so
// the UI layer can show them without a panic path.
var (
	ErrNoBaseImage    = errors.New("autoplay: no base image description set")
	ErrAlreadyRunning = errors.New("autoplay: a run is already in progress")
	ErrNotTerminal    = errors.New("autoplay: reset requires a finished run")
)

// Default loop parameters. The near-miss band's upper bound is the approval
// threshold: a candidate at or above the threshold is accepted outright.
const (
	DefaultApprovalThreshold = 70
	DefaultNearMissLower     = 55
	DefaultTargetSavedCount  = 1
	DefaultMaxIterations     = 5
)

// Config bounds one autoplay run.
type Config struct {
	TargetSavedCount  int `json:"target_saved_count" yaml:"target_saved_count"`
	MaxIterations     int `json:"max_iterations" yaml:"max_iterations"`
	ApprovalThreshold int `json:"approval_threshold" yaml:"approval_threshold"`
	NearMissLower     int `json:"near_miss_lower" yaml:"near_miss_lower"`
}

func (c *Config) applyDefaults() {
	if c.TargetSavedCount <= 0 {
		c.TargetSavedCount = DefaultTargetSavedCount
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.ApprovalThreshold <= 0 {
		c.ApprovalThreshold = DefaultApprovalThreshold
	}
	if c.NearMissLower <= 0 {
		c.NearMissLower = DefaultNearMissLower
	}
}

// Orchestrator drives the loop. One instance per editing context; Start is
// not re-entrant while a run is live. Cancellation is cooperative: Stop
// moves the state machine to a terminal phase and any in-flight provider
// result is discarded when it arrives, never applied.
type Orchestrator struct {
	log       *slog.Logger
	generator provider.Generator
	evaluator provider.Evaluator
	polisher  provider.Polisher
	now       func() time.Time

	mu         sync.Mutex
	run        int // increments per Start; stale results carry an old token
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	cfg        Config
	phase      Phase
	iteration  int
	saved      []types.GeneratedPrompt
	reason     CompletionReason
	lastErr    string
	events     *eventLog
	subs       map[int]chan Event
	nextSub    int
	onAccepted func(types.GeneratedPrompt, int)
	onIterate  func(promptIDs []string)
}

// New creates an idle orchestrator over the given provider calls.
func New(gen provider.Generator, eval provider.Evaluator, pol provider.Polisher, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		log:       logger,
		generator: gen,
		evaluator: eval,
		polisher:  pol,
		now:       time.Now,
		phase:     PhaseIdle,
		events:    newEventLog(maxEventLog),
		subs:      make(map[int]chan Event),
	}
}

// OnAccepted registers a callback fired with every accepted prompt and its
// final score. Register before Start.
func (o *Orchestrator) OnAccepted(fn func(types.GeneratedPrompt, int)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onAccepted = fn
}

// OnIteration registers a callback fired with the candidate prompt IDs of
// every completed generation call, for session bookkeeping.
func (o *Orchestrator) OnIteration(fn func(promptIDs []string)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onIterate = fn
}

// Start begins a run. Precondition failures return synchronously; the loop
// itself runs in the background until a terminal phase.
func (o *Orchestrator) Start(dims []types.Dimension, baseImage string, mode types.OutputMode, cfg Config) error {
	if strings.TrimSpace(baseImage) == "" {
		return ErrNoBaseImage
	}
	cfg.applyDefaults()

	o.mu.Lock()
	if o.phase.Running() {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}

	o.run++
	runID := o.run
	o.cfg = cfg
	o.iteration = 0
	o.saved = nil
	o.reason = ""
	o.lastErr = ""
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.phase = PhaseGenerating
	o.emitLocked(fmt.Sprintf("autoplay started: target %d, budget %d iterations",
		cfg.TargetSavedCount, cfg.MaxIterations))
	o.mu.Unlock()

	o.wg.Add(1)
	go o.loop(ctx, runID, types.CloneDimensions(dims), baseImage, mode, cfg)
	return nil
}

// Stop ends a live run as user_stopped. Results of in-flight provider calls
// are discarded when they land. Returns false if nothing was running.
func (o *Orchestrator) Stop() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.phase.Running() {
		return false
	}
	if o.cancel != nil {
		o.cancel()
	}
	o.phase = PhaseComplete
	o.reason = ReasonUserStopped
	o.emitLocked("stopped by user")
	return true
}

// Reset returns a finished orchestrator to idle. Calling while a run is
// live is rejected; stop it first.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.phase.terminal() {
		return ErrNotTerminal
	}
	// Invalidate the finished run's token. A loop goroutine still blocked in
	// a provider call carries the old token, so its result is discarded on
	// arrival instead of driving a machine that is no longer terminal.
	o.run++
	o.phase = PhaseIdle
	o.iteration = 0
	o.saved = nil
	o.reason = ""
	o.lastErr = ""
	o.emitLocked("reset to idle")
	return nil
}

// Wait blocks until the current run's loop goroutine has exited.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// State returns a snapshot for the UI.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return State{
		Phase:            o.phase,
		CurrentIteration: o.iteration,
		MaxIterations:    o.cfg.MaxIterations,
		SavedCount:       len(o.saved),
		TargetCount:      o.cfg.TargetSavedCount,
		CompletionReason: o.reason,
		LastError:        o.lastErr,
	}
}

// SavedPrompts returns the prompts accepted so far, oldest first.
func (o *Orchestrator) SavedPrompts() []types.GeneratedPrompt {
	o.mu.Lock()
	defer o.mu.Unlock()
	return types.ClonePrompts(o.saved)
}

// Events returns the retained run log, oldest first.
func (o *Orchestrator) Events() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.events.entries()
}

// Subscribe returns a channel receiving every logged event, and a cancel
// func. A slow subscriber drops events rather than stalling the loop.
func (o *Orchestrator) Subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 16
	}
	ch := make(chan Event, buf)

	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.mu.Unlock()

	return ch, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if sub, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(sub)
		}
	}
}

func (o *Orchestrator) loop(ctx context.Context, runID int, dims []types.Dimension, baseImage string, mode types.OutputMode, cfg Config) {
	defer o.wg.Done()

	goal := goalContext(baseImage, dims)
	for iter := 1; iter <= cfg.MaxIterations; iter++ {
		if !o.transition(runID, PhaseGenerating, iter, fmt.Sprintf("iteration %d of %d", iter, cfg.MaxIterations)) {
			return
		}

		res, err := o.generator.GeneratePrompts(ctx, provider.GenerateRequest{
			Dimensions: dims,
			OutputMode: mode,
			BaseImage:  baseImage,
		})
		if err != nil {
			o.fail(runID, fmt.Errorf("generation failed: %w", err))
			return
		}
		if !o.transition(runID, PhaseEvaluating, iter, fmt.Sprintf("evaluating %d candidates", len(res.Prompts))) {
			o.discard(runID, "generate")
			return
		}
		o.notifyIteration(res.Prompts)

		for _, cand := range res.Prompts {
			done, ok := o.judge(ctx, runID, iter, cand, goal, cfg)
			if !ok {
				return
			}
			if done {
				return
			}
		}

		if len(res.AdjustedDimensions) > 0 && iter < cfg.MaxIterations {
			if !o.transition(runID, PhaseRefining, iter, "adopting provider-adjusted dimensions") {
				return
			}
			dims = res.AdjustedDimensions
			goal = goalContext(baseImage, dims)
		}
	}

	o.complete(runID, ReasonMaxIterations, "iteration budget exhausted")
}

// judge scores one candidate and applies the acceptance policy. The second
// return value is false when the run is stale or failed; the first is true
// when the target was reached and the loop should end.
func (o *Orchestrator) judge(ctx context.Context, runID, iter int, cand types.GeneratedPrompt, goal string, cfg Config) (done, ok bool) {
	eval, err := o.evaluator.EvaluateImage(ctx, cand.ID, goal)
	if err != nil {
		o.fail(runID, fmt.Errorf("evaluation failed: %w", err))
		return false, false
	}

	score := eval.Score
	accepted := score >= cfg.ApprovalThreshold

	if !accepted && score >= cfg.NearMissLower {
		// One polish pass, one re-evaluation. Never a second polish: the
		// worst case stays bounded at two evaluations per candidate.
		if !o.transition(runID, PhasePolishing, iter, fmt.Sprintf("near miss at %d, polishing", score)) {
			o.discard(runID, "evaluate")
			return false, false
		}
		polished, err := o.polisher.PolishImage(ctx, cand.ID, *eval)
		if err != nil {
			o.fail(runID, fmt.Errorf("polish failed: %w", err))
			return false, false
		}
		if polished.ReEvaluation != nil {
			score = polished.ReEvaluation.Score
			accepted = score >= cfg.ApprovalThreshold
		}
		if !o.transition(runID, PhaseEvaluating, iter, fmt.Sprintf("post-polish score %d", score)) {
			o.discard(runID, "polish")
			return false, false
		}
	}

	if !accepted {
		o.note(runID, iter, fmt.Sprintf("rejected candidate %s at score %d", cand.ID, score))
		return false, true
	}
	return o.accept(runID, iter, cand, score, cfg)
}

// accept records an approved candidate. Completes the run when the target
// is reached.
func (o *Orchestrator) accept(runID, iter int, cand types.GeneratedPrompt, score int, cfg Config) (done, ok bool) {
	o.mu.Lock()
	if o.run != runID || o.phase.terminal() {
		o.mu.Unlock()
		o.discard(runID, "accept")
		return false, false
	}
	o.saved = append(o.saved, cand)
	savedCount := len(o.saved)
	o.emitLocked(fmt.Sprintf("saved candidate %s at score %d (%d of %d)",
		cand.ID, score, savedCount, cfg.TargetSavedCount))
	cb := o.onAccepted
	targetMet := savedCount >= cfg.TargetSavedCount
	o.mu.Unlock()

	if cb != nil {
		cb(cand, score)
	}
	if targetMet {
		o.complete(runID, ReasonTargetMet, "target saved count reached")
		return true, true
	}
	return false, true
}

// transition moves the machine to phase, returning false when the run is
// stale or already terminal.
func (o *Orchestrator) transition(runID int, phase Phase, iter int, msg string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run != runID || o.phase.terminal() {
		return false
	}
	o.phase = phase
	o.iteration = iter
	o.emitLocked(msg)
	return true
}

func (o *Orchestrator) complete(runID int, reason CompletionReason, msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run != runID || o.phase.terminal() {
		return
	}
	o.phase = PhaseComplete
	o.reason = reason
	o.emitLocked(msg)
}

func (o *Orchestrator) fail(runID int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run != runID || o.phase.terminal() {
		return
	}
	o.phase = PhaseError
	o.reason = ReasonError
	o.lastErr = err.Error()
	o.emitLocked(err.Error())
	o.log.Error("autoplay run failed", "error", err)
}

// note logs a non-transition event for the current run.
func (o *Orchestrator) note(runID, iter int, msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run != runID || o.phase.terminal() {
		return
	}
	o.iteration = iter
	o.emitLocked(msg)
}

// discard records that a late provider result arrived after the run ended.
func (o *Orchestrator) discard(runID int, call string) {
	o.log.Debug("discarding late provider result", "run", runID, "call", call)
}

func (o *Orchestrator) notifyIteration(prompts []types.GeneratedPrompt) {
	o.mu.Lock()
	cb := o.onIterate
	o.mu.Unlock()
	if cb == nil {
		return
	}
	ids := make([]string, len(prompts))
	for i, p := range prompts {
		ids[i] = p.ID
	}
	cb(ids)
}

// emitLocked appends to the bounded log and fans out to subscribers.
// Caller must hold o.mu.
func (o *Orchestrator) emitLocked(msg string) {
	ev := Event{
		Timestamp: o.now(),
		Phase:     o.phase,
		Iteration: o.iteration,
		Message:   msg,
	}
	o.events.append(ev)
	for _, sub := range o.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}

// goalContext summarizes what the evaluator should judge against.
func goalContext(baseImage string, dims []types.Dimension) string {
	var b strings.Builder
	b.WriteString(baseImage)
	for _, d := range dims {
		ref := strings.TrimSpace(d.Reference)
		if ref == "" {
			continue
		}
		fmt.Fprintf(&b, "; %s: %s", d.Type, ref)
	}
	return b.String()
}
