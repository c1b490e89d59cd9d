// Package provider defines the external generation, evaluation, and polish
// calls the engine consumes, plus a deterministic local fallback. Provider
// responses are validated at this boundary so malformed payloads surface as
// typed errors instead of leaking zero values into aggregation.
package provider

import (
	"context"
	"fmt"

	"github.com/promptloom/promptloom/internal/types"
)

// Score bounds for evaluations. Providers returning a score outside this
// range are treated as malformed.
const (
	ScoreMin = 0
	ScoreMax = 100
)

// GenerateRequest carries everything the generation call needs. Locked
// elements are constraints the generator must reproduce verbatim; locked
// prompts are passed so their scene slots can be preserved untouched.
type GenerateRequest struct {
	Dimensions     []types.Dimension
	Feedback       []types.Feedback
	OutputMode     types.OutputMode
	BaseImage      string
	LockedElements []types.PromptElement
	LockedPrompts  []types.GeneratedPrompt
}

// GenerateResult is the validated outcome of a generation call.
type GenerateResult struct {
	Prompts            []types.GeneratedPrompt
	AdjustedDimensions []types.Dimension
}

// Evaluation is a scored judgment of one generated output.
type Evaluation struct {
	Score        int      `json:"score"`
	Approved     bool     `json:"approved"`
	Feedback     string   `json:"feedback"`
	Improvements []string `json:"improvements"`
}

// PolishResult is the outcome of a single polish pass, including the
// mandatory re-evaluation of the polished output.
type PolishResult struct {
	PolishedURL  string      `json:"polishedUrl"`
	ReEvaluation *Evaluation `json:"reEvaluation"`
	Improved     bool        `json:"improved"`
}

// Generator produces candidate prompts from the current dimension set.
type Generator interface {
	GeneratePrompts(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}

// Evaluator scores a generated output against the goal context.
type Evaluator interface {
	EvaluateImage(ctx context.Context, imageRef, goalContext string) (*Evaluation, error)
}

// Polisher runs one refinement pass over a near-miss output.
type Polisher interface {
	PolishImage(ctx context.Context, imageRef string, eval Evaluation) (*PolishResult, error)
}

// MalformedResponseError reports a provider payload that failed boundary
// validation. Call names which external call produced it.
type MalformedResponseError struct {
	Call   string
	Reason string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed %s response: %s", e.Call, e.Reason)
}

func malformed(call, format string, args ...any) *MalformedResponseError {
	return &MalformedResponseError{Call: call, Reason: fmt.Sprintf(format, args...)}
}

// ValidateGenerateResult rejects generation payloads that would poison
// downstream state: no prompts, prompts without text, or unknown scene types.
func ValidateGenerateResult(res *GenerateResult) error {
	if res == nil {
		return malformed("generate", "nil result")
	}
	if len(res.Prompts) == 0 {
		return malformed("generate", "no prompts returned")
	}
	for i, p := range res.Prompts {
		if p.Prompt == "" {
			return malformed("generate", "prompt %d has empty text", i)
		}
		if !validSceneType(p.SceneType) {
			return malformed("generate", "prompt %d has unknown scene type %q", i, p.SceneType)
		}
	}
	return nil
}

// ValidateEvaluation rejects out-of-range scores.
func ValidateEvaluation(ev *Evaluation) error {
	if ev == nil {
		return malformed("evaluate", "nil evaluation")
	}
	if ev.Score < ScoreMin || ev.Score > ScoreMax {
		return malformed("evaluate", "score %d outside [%d, %d]", ev.Score, ScoreMin, ScoreMax)
	}
	return nil
}

// ValidatePolishResult requires a re-evaluation whenever the provider claims
// improvement; an unverified claim cannot drive acceptance.
func ValidatePolishResult(res *PolishResult) error {
	if res == nil {
		return malformed("polish", "nil result")
	}
	if res.Improved && res.ReEvaluation == nil {
		return malformed("polish", "improved without a re-evaluation")
	}
	if res.ReEvaluation != nil {
		if err := ValidateEvaluation(res.ReEvaluation); err != nil {
			return malformed("polish", "re-evaluation invalid: %v", err)
		}
	}
	return nil
}

func validSceneType(st types.SceneType) bool {
	for _, s := range types.SceneTypes {
		if s == st {
			return true
		}
	}
	return false
}
