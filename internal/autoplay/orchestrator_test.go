package autoplay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/promptloom/promptloom/internal/provider"
	"github.com/promptloom/promptloom/internal/types"
)

// stubProvider implements all three provider calls with injectable behavior
// and call counting.
type stubProvider struct {
	mu          sync.Mutex
	genFn       func(req provider.GenerateRequest) (*provider.GenerateResult, error)
	evalFn      func(imageRef string) (*provider.Evaluation, error)
	polishFn    func(imageRef string, ev provider.Evaluation) (*provider.PolishResult, error)
	genCalls    int
	evalCalls   int
	polishCalls int
}

func (s *stubProvider) GeneratePrompts(_ context.Context, req provider.GenerateRequest) (*provider.GenerateResult, error) {
	s.mu.Lock()
	s.genCalls++
	fn := s.genFn
	s.mu.Unlock()
	return fn(req)
}

func (s *stubProvider) EvaluateImage(_ context.Context, imageRef, _ string) (*provider.Evaluation, error) {
	s.mu.Lock()
	s.evalCalls++
	fn := s.evalFn
	s.mu.Unlock()
	return fn(imageRef)
}

func (s *stubProvider) PolishImage(_ context.Context, imageRef string, ev provider.Evaluation) (*provider.PolishResult, error) {
	s.mu.Lock()
	s.polishCalls++
	fn := s.polishFn
	s.mu.Unlock()
	return fn(imageRef, ev)
}

func (s *stubProvider) counts() (gen, eval, polish int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.genCalls, s.evalCalls, s.polishCalls
}

// candidates builds a generation result with n prompts.
func candidates(n int) *provider.GenerateResult {
	res := &provider.GenerateResult{}
	for i := 0; i < n; i++ {
		res.Prompts = append(res.Prompts, types.GeneratedPrompt{
			ID:        fmt.Sprintf("cand-%d", i+1),
			SceneType: types.SceneTypes[i%len(types.SceneTypes)],
			Prompt:    fmt.Sprintf("candidate %d", i+1),
		})
	}
	return res
}

func scoreOf(score int, approved bool) func(string) (*provider.Evaluation, error) {
	return func(string) (*provider.Evaluation, error) {
		return &provider.Evaluation{Score: score, Approved: approved}, nil
	}
}

func noPolish(t *testing.T) func(string, provider.Evaluation) (*provider.PolishResult, error) {
	return func(string, provider.Evaluation) (*provider.PolishResult, error) {
		t.Error("polish must not be called")
		return &provider.PolishResult{}, nil
	}
}

func newOrchestrator(s *stubProvider) *Orchestrator {
	return New(s, s, s, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAlwaysApprovedMeetsTargetInOneIteration(t *testing.T) {
	stub := &stubProvider{
		genFn:    func(provider.GenerateRequest) (*provider.GenerateResult, error) { return candidates(4), nil },
		evalFn:   scoreOf(90, true),
		polishFn: noPolish(t),
	}
	o := newOrchestrator(stub)

	if err := o.Start(nil, "a lighthouse", types.ModeImage, Config{TargetSavedCount: 2, MaxIterations: 3}); err != nil {
		t.Fatal(err)
	}
	o.Wait()

	st := o.State()
	if st.Phase != PhaseComplete || st.CompletionReason != ReasonTargetMet {
		t.Fatalf("state = %+v, want complete/target_met", st)
	}
	if st.SavedCount != 2 {
		t.Errorf("SavedCount = %d, want 2", st.SavedCount)
	}
	if st.CurrentIteration != 1 {
		t.Errorf("CurrentIteration = %d, want exactly 1", st.CurrentIteration)
	}
	if gen, _, _ := stub.counts(); gen != 1 {
		t.Errorf("generate calls = %d, want 1", gen)
	}
	if saved := o.SavedPrompts(); len(saved) != 2 || saved[0].ID != "cand-1" || saved[1].ID != "cand-2" {
		t.Errorf("saved prompts = %+v", saved)
	}
}

func TestNearMissPolishNeverImprovesExhaustsBudget(t *testing.T) {
	stub := &stubProvider{
		genFn:  func(provider.GenerateRequest) (*provider.GenerateResult, error) { return candidates(1), nil },
		evalFn: scoreOf(60, false),
		polishFn: func(string, provider.Evaluation) (*provider.PolishResult, error) {
			return &provider.PolishResult{Improved: false}, nil
		},
	}
	o := newOrchestrator(stub)

	if err := o.Start(nil, "a lighthouse", types.ModeImage, Config{TargetSavedCount: 1, MaxIterations: 3}); err != nil {
		t.Fatal(err)
	}
	o.Wait()

	st := o.State()
	if st.Phase != PhaseComplete || st.CompletionReason != ReasonMaxIterations {
		t.Fatalf("state = %+v, want complete/max_iterations", st)
	}
	if st.SavedCount != 0 {
		t.Errorf("SavedCount = %d, want 0", st.SavedCount)
	}
	// One polish per near-miss candidate, never a second pass.
	if _, _, polish := stub.counts(); polish != 3 {
		t.Errorf("polish calls = %d, want 3 (one per iteration)", polish)
	}
}

func TestPolishLiftsNearMissAboveThreshold(t *testing.T) {
	scores := []int{55, 80}
	var evalIdx int
	var mu sync.Mutex
	stub := &stubProvider{
		genFn: func(provider.GenerateRequest) (*provider.GenerateResult, error) { return candidates(2), nil },
		evalFn: func(string) (*provider.Evaluation, error) {
			mu.Lock()
			defer mu.Unlock()
			s := scores[evalIdx%len(scores)]
			evalIdx++
			return &provider.Evaluation{Score: s, Approved: s >= 70}, nil
		},
		polishFn: func(_ string, ev provider.Evaluation) (*provider.PolishResult, error) {
			return &provider.PolishResult{
				PolishedURL:  "img://polished",
				Improved:     true,
				ReEvaluation: &provider.Evaluation{Score: 72, Approved: true},
			}, nil
		},
	}
	o := newOrchestrator(stub)

	if err := o.Start(nil, "a lighthouse", types.ModeImage, Config{TargetSavedCount: 1, MaxIterations: 3}); err != nil {
		t.Fatal(err)
	}
	o.Wait()

	st := o.State()
	if st.Phase != PhaseComplete || st.CompletionReason != ReasonTargetMet {
		t.Fatalf("state = %+v, want complete/target_met", st)
	}
	if st.SavedCount != 1 || st.CurrentIteration != 1 {
		t.Errorf("saved=%d iteration=%d, want 1/1", st.SavedCount, st.CurrentIteration)
	}
	// The polished first candidate is the one saved.
	if saved := o.SavedPrompts(); len(saved) != 1 || saved[0].ID != "cand-1" {
		t.Errorf("saved prompts = %+v", saved)
	}
	if _, _, polish := stub.counts(); polish != 1 {
		t.Errorf("polish calls = %d, want 1", polish)
	}
}

func TestBelowBandRejectedWithoutPolish(t *testing.T) {
	stub := &stubProvider{
		genFn:    func(provider.GenerateRequest) (*provider.GenerateResult, error) { return candidates(2), nil },
		evalFn:   scoreOf(40, false),
		polishFn: noPolish(t),
	}
	o := newOrchestrator(stub)

	if err := o.Start(nil, "a lighthouse", types.ModeImage, Config{TargetSavedCount: 1, MaxIterations: 2}); err != nil {
		t.Fatal(err)
	}
	o.Wait()

	st := o.State()
	if st.CompletionReason != ReasonMaxIterations || st.SavedCount != 0 {
		t.Errorf("state = %+v, want max_iterations with nothing saved", st)
	}
}

func TestStopDiscardsLateResults(t *testing.T) {
	evalStarted := make(chan struct{})
	release := make(chan struct{})
	stub := &stubProvider{
		genFn: func(provider.GenerateRequest) (*provider.GenerateResult, error) { return candidates(1), nil },
		evalFn: func(string) (*provider.Evaluation, error) {
			close(evalStarted)
			<-release
			return &provider.Evaluation{Score: 95, Approved: true}, nil
		},
		polishFn: noPolish(t),
	}
	o := newOrchestrator(stub)

	if err := o.Start(nil, "a lighthouse", types.ModeImage, Config{TargetSavedCount: 1, MaxIterations: 3}); err != nil {
		t.Fatal(err)
	}
	<-evalStarted

	if !o.Stop() {
		t.Fatal("Stop should report a live run was stopped")
	}
	st := o.State()
	if st.Phase != PhaseComplete || st.CompletionReason != ReasonUserStopped {
		t.Fatalf("state after stop = %+v", st)
	}

	// The in-flight evaluation now lands with an approving score; it must
	// be discarded, not saved.
	close(release)
	o.Wait()

	st = o.State()
	if st.SavedCount != 0 {
		t.Errorf("late result was applied: SavedCount = %d", st.SavedCount)
	}
	if st.CompletionReason != ReasonUserStopped {
		t.Errorf("reason rewritten after stop: %s", st.CompletionReason)
	}
}

func TestResetDiscardsLateResults(t *testing.T) {
	genStarted := make(chan struct{})
	release := make(chan struct{})
	stub := &stubProvider{
		genFn: func(provider.GenerateRequest) (*provider.GenerateResult, error) {
			close(genStarted)
			<-release
			return candidates(1), nil
		},
		evalFn: func(string) (*provider.Evaluation, error) {
			return &provider.Evaluation{Score: 95, Approved: true}, nil
		},
		polishFn: noPolish(t),
	}
	o := newOrchestrator(stub)

	if err := o.Start(nil, "a lighthouse", types.ModeImage, Config{TargetSavedCount: 1, MaxIterations: 3}); err != nil {
		t.Fatal(err)
	}
	<-genStarted

	if !o.Stop() {
		t.Fatal("Stop should report a live run was stopped")
	}
	if err := o.Reset(); err != nil {
		t.Fatal(err)
	}
	st := o.State()
	if st.Phase != PhaseIdle {
		t.Fatalf("phase after reset = %s", st.Phase)
	}

	// The in-flight generation now lands with an approvable candidate; it
	// must not resurrect the reset machine.
	close(release)
	o.Wait()

	st = o.State()
	if st.Phase != PhaseIdle {
		t.Errorf("late result drove the machine out of idle: phase = %s", st.Phase)
	}
	if st.SavedCount != 0 {
		t.Errorf("late result was applied after reset: SavedCount = %d", st.SavedCount)
	}
	if st.CompletionReason != "" {
		t.Errorf("completion reason set after reset: %s", st.CompletionReason)
	}
	if _, eval, _ := stub.counts(); eval != 0 {
		t.Errorf("stale run kept evaluating after reset: %d calls", eval)
	}
}

func TestStartPreconditions(t *testing.T) {
	genStarted := make(chan struct{})
	release := make(chan struct{})
	stub := &stubProvider{
		genFn: func(provider.GenerateRequest) (*provider.GenerateResult, error) {
			close(genStarted)
			<-release
			return candidates(1), nil
		},
		evalFn:   scoreOf(90, true),
		polishFn: noPolish(t),
	}
	o := newOrchestrator(stub)

	if err := o.Start(nil, "   ", types.ModeImage, Config{}); !errors.Is(err, ErrNoBaseImage) {
		t.Errorf("empty base image: err = %v, want ErrNoBaseImage", err)
	}

	if err := o.Start(nil, "a lighthouse", types.ModeImage, Config{}); err != nil {
		t.Fatal(err)
	}
	<-genStarted
	if err := o.Start(nil, "another", types.ModeImage, Config{}); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("re-entrant start: err = %v, want ErrAlreadyRunning", err)
	}

	close(release)
	o.Wait()
}

func TestResetOnlyFromTerminal(t *testing.T) {
	genStarted := make(chan struct{})
	release := make(chan struct{})
	stub := &stubProvider{
		genFn: func(provider.GenerateRequest) (*provider.GenerateResult, error) {
			close(genStarted)
			<-release
			return candidates(1), nil
		},
		evalFn:   scoreOf(90, true),
		polishFn: noPolish(t),
	}
	o := newOrchestrator(stub)

	if err := o.Reset(); !errors.Is(err, ErrNotTerminal) {
		t.Errorf("reset from idle: err = %v, want ErrNotTerminal", err)
	}

	if err := o.Start(nil, "a lighthouse", types.ModeImage, Config{}); err != nil {
		t.Fatal(err)
	}
	<-genStarted
	if err := o.Reset(); !errors.Is(err, ErrNotTerminal) {
		t.Errorf("reset while running: err = %v, want ErrNotTerminal", err)
	}
	close(release)
	o.Wait()

	if err := o.Reset(); err != nil {
		t.Fatalf("reset from terminal: %v", err)
	}
	st := o.State()
	if st.Phase != PhaseIdle || st.SavedCount != 0 || st.CurrentIteration != 0 || st.CompletionReason != "" {
		t.Errorf("reset left residue: %+v", st)
	}
}

func TestProviderFailureIsTerminalError(t *testing.T) {
	stub := &stubProvider{
		genFn: func(provider.GenerateRequest) (*provider.GenerateResult, error) {
			return nil, errors.New("upstream 503")
		},
		evalFn:   scoreOf(90, true),
		polishFn: noPolish(t),
	}
	o := newOrchestrator(stub)

	if err := o.Start(nil, "a lighthouse", types.ModeImage, Config{MaxIterations: 3}); err != nil {
		t.Fatal(err)
	}
	o.Wait()

	st := o.State()
	if st.Phase != PhaseError || st.CompletionReason != ReasonError {
		t.Fatalf("state = %+v, want error state", st)
	}
	if !strings.Contains(st.LastError, "generation failed") || !strings.Contains(st.LastError, "upstream 503") {
		t.Errorf("LastError = %q", st.LastError)
	}
	// No silent retry.
	if gen, _, _ := stub.counts(); gen != 1 {
		t.Errorf("generate calls = %d, want 1", gen)
	}
}

func TestCallbacksFire(t *testing.T) {
	stub := &stubProvider{
		genFn:    func(provider.GenerateRequest) (*provider.GenerateResult, error) { return candidates(2), nil },
		evalFn:   scoreOf(90, true),
		polishFn: noPolish(t),
	}
	o := newOrchestrator(stub)

	var mu sync.Mutex
	var iterations [][]string
	var accepted []string
	o.OnIteration(func(ids []string) {
		mu.Lock()
		iterations = append(iterations, ids)
		mu.Unlock()
	})
	o.OnAccepted(func(p types.GeneratedPrompt, score int) {
		mu.Lock()
		accepted = append(accepted, fmt.Sprintf("%s@%d", p.ID, score))
		mu.Unlock()
	})

	if err := o.Start(nil, "a lighthouse", types.ModeImage, Config{TargetSavedCount: 2}); err != nil {
		t.Fatal(err)
	}
	o.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(iterations) != 1 || len(iterations[0]) != 2 {
		t.Errorf("iteration callbacks = %+v", iterations)
	}
	if len(accepted) != 2 || accepted[0] != "cand-1@90" {
		t.Errorf("accepted callbacks = %+v", accepted)
	}
}

func TestSubscribeStreamsEvents(t *testing.T) {
	stub := &stubProvider{
		genFn:    func(provider.GenerateRequest) (*provider.GenerateResult, error) { return candidates(1), nil },
		evalFn:   scoreOf(90, true),
		polishFn: noPolish(t),
	}
	o := newOrchestrator(stub)

	ch, cancel := o.Subscribe(64)

	if err := o.Start(nil, "a lighthouse", types.ModeImage, Config{TargetSavedCount: 1}); err != nil {
		t.Fatal(err)
	}
	o.Wait()
	cancel()

	var events []Event
	for ev := range ch {
		events = append(events, ev)
	}
	if len(events) == 0 {
		t.Fatal("subscriber received no events")
	}
	last := events[len(events)-1]
	if last.Phase != PhaseComplete {
		t.Errorf("final event phase = %s, want complete", last.Phase)
	}
}

func TestEventLogBounded(t *testing.T) {
	l := newEventLog(maxEventLog)
	for i := 0; i < 250; i++ {
		l.append(Event{Iteration: i})
	}
	entries := l.entries()
	if len(entries) != maxEventLog {
		t.Fatalf("retained %d events, want %d", len(entries), maxEventLog)
	}
	if entries[0].Iteration != 150 || entries[len(entries)-1].Iteration != 249 {
		t.Errorf("log should keep the most recent entries oldest-first, got [%d..%d]",
			entries[0].Iteration, entries[len(entries)-1].Iteration)
	}
}
