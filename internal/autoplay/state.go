package autoplay

import "time"

// Phase is one state of the autoplay loop.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseGenerating Phase = "generating"
	PhaseEvaluating Phase = "evaluating"
	PhaseRefining   Phase = "refining"
	PhasePolishing  Phase = "polishing"
	PhaseComplete   Phase = "complete"
	PhaseError      Phase = "error"
)

// terminal reports whether the loop has ended.
func (p Phase) terminal() bool {
	return p == PhaseComplete || p == PhaseError
}

// Running reports whether the loop is between Start and a terminal state.
func (p Phase) Running() bool {
	return !p.terminal() && p != PhaseIdle
}

// CompletionReason explains why a run ended.
type CompletionReason string

const (
	ReasonTargetMet     CompletionReason = "target_met"
	ReasonMaxIterations CompletionReason = "max_iterations"
	ReasonUserStopped   CompletionReason = "user_stopped"
	ReasonError         CompletionReason = "error"
)

// State is a read-model snapshot of the loop, safe to hand to the UI.
type State struct {
	Phase            Phase            `json:"phase"`
	CurrentIteration int              `json:"current_iteration"`
	MaxIterations    int              `json:"max_iterations"`
	SavedCount       int              `json:"saved_count"`
	TargetCount      int              `json:"target_count"`
	CompletionReason CompletionReason `json:"completion_reason,omitempty"`
	LastError        string           `json:"last_error,omitempty"`
}

// Event is one entry in the append-only run log.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Phase     Phase     `json:"phase"`
	Iteration int       `json:"iteration"`
	Message   string    `json:"message"`
}

// maxEventLog bounds the retained log so long sessions don't grow memory
// without limit. Older entries fall off the front.
const maxEventLog = 100

// eventLog is a bounded most-recent-N buffer.
type eventLog struct {
	buf  []Event
	head int
	size int
}

func newEventLog(capacity int) *eventLog {
	if capacity <= 0 {
		capacity = maxEventLog
	}
	return &eventLog{buf: make([]Event, capacity)}
}

func (l *eventLog) append(ev Event) {
	if l.size < len(l.buf) {
		l.buf[(l.head+l.size)%len(l.buf)] = ev
		l.size++
		return
	}
	l.buf[l.head] = ev
	l.head = (l.head + 1) % len(l.buf)
}

// entries returns the retained events oldest-first.
func (l *eventLog) entries() []Event {
	out := make([]Event, l.size)
	for i := 0; i < l.size; i++ {
		out[i] = l.buf[(l.head+i)%len(l.buf)]
	}
	return out
}
