// Package types defines the core data structures for the prompt studio engine.
package types

import (
	"time"
)

// DimensionType identifies a transformation axis a user can describe.
type DimensionType string

const (
	DimEnvironment DimensionType = "environment"
	DimCharacters  DimensionType = "characters"
	DimArtStyle    DimensionType = "artStyle"
	DimMood        DimensionType = "mood"
	DimLighting    DimensionType = "lighting"
	DimColor       DimensionType = "colorPalette"
	DimComposition DimensionType = "composition"
	DimCamera      DimensionType = "camera"
	DimTimePeriod  DimensionType = "timePeriod"
	DimWeather     DimensionType = "weather"
	DimTexture     DimensionType = "texture"
	DimAction      DimensionType = "action"
	DimProps       DimensionType = "props"
	DimEmotion     DimensionType = "emotion"
	DimDetailLevel DimensionType = "detailLevel"
)

// AllDimensionTypes lists every dimension type in a stable order.
var AllDimensionTypes = []DimensionType{
	DimEnvironment, DimCharacters, DimArtStyle, DimMood, DimLighting,
	DimColor, DimComposition, DimCamera, DimTimePeriod, DimWeather,
	DimTexture, DimAction, DimProps, DimEmotion, DimDetailLevel,
}

// FilterMode governs which parts of the base content a dimension touches.
type FilterMode string

const (
	FilterInclude FilterMode = "include"
	FilterExclude FilterMode = "exclude"
	FilterBlend   FilterMode = "blend"
)

// TransformMode governs how the dimension reference is applied.
type TransformMode string

const (
	TransformReplace TransformMode = "replace"
	TransformMerge   TransformMode = "merge"
	TransformAccent  TransformMode = "accent"
)

// Dimension is a named transformation axis with a free-text reference and
// an intensity weight in [0, 1].
type Dimension struct {
	ID            string        `json:"id"`
	Type          DimensionType `json:"type"`
	Reference     string        `json:"reference"`
	Weight        float64       `json:"weight"`
	FilterMode    FilterMode    `json:"filter_mode"`
	TransformMode TransformMode `json:"transform_mode"`
}

// CloneDimensions deep-copies a dimension set. Session snapshots must not
// alias the live editing slice.
func CloneDimensions(dims []Dimension) []Dimension {
	if dims == nil {
		return nil
	}
	out := make([]Dimension, len(dims))
	copy(out, dims)
	return out
}

// SceneType is one of the four fixed shot types produced per generation.
type SceneType string

const (
	SceneWide    SceneType = "wide"
	SceneMedium  SceneType = "medium"
	SceneCloseUp SceneType = "closeup"
	SceneDetail  SceneType = "detail"
)

// SceneTypes lists the shot types in scene-number order.
var SceneTypes = []SceneType{SceneWide, SceneMedium, SceneCloseUp, SceneDetail}

// Rating is a user's thumbs up/down verdict on a generated prompt.
type Rating string

const (
	RatingUp   Rating = "up"
	RatingDown Rating = "down"
	RatingNone Rating = ""
)

// PromptElement is a single sub-claim within a generated prompt.
type PromptElement struct {
	Category DimensionType `json:"category"`
	Text     string        `json:"text"`
	Locked   bool          `json:"locked"`
}

// GeneratedPrompt is one candidate output from a generation call.
type GeneratedPrompt struct {
	ID             string          `json:"id"`
	SceneNumber    int             `json:"scene_number"`
	SceneType      SceneType       `json:"scene_type"`
	Prompt         string          `json:"prompt"`
	NegativePrompt string          `json:"negative_prompt,omitempty"`
	Rating         Rating          `json:"rating,omitempty"`
	Locked         bool            `json:"locked"`
	Elements       []PromptElement `json:"elements,omitempty"`
}

// ClonePrompts deep-copies a prompt set, including elements.
func ClonePrompts(prompts []GeneratedPrompt) []GeneratedPrompt {
	if prompts == nil {
		return nil
	}
	out := make([]GeneratedPrompt, len(prompts))
	copy(out, prompts)
	for i := range out {
		if out[i].Elements != nil {
			els := make([]PromptElement, len(out[i].Elements))
			copy(els, out[i].Elements)
			out[i].Elements = els
		}
	}
	return out
}

// LockedElements collects locked elements across a prompt set, preserving order.
func LockedElements(prompts []GeneratedPrompt) []PromptElement {
	var locked []PromptElement
	for _, p := range prompts {
		for _, el := range p.Elements {
			if el.Locked {
				locked = append(locked, el)
			}
		}
	}
	return locked
}

// OutputMode selects the kind of output a generation run targets.
type OutputMode string

const (
	ModeImage      OutputMode = "image"
	ModeVideo      OutputMode = "video"
	ModeStoryboard OutputMode = "storyboard"
)

// IterationRecord references one produced prompt set within a session.
type IterationRecord struct {
	Timestamp time.Time `json:"timestamp"`
	PromptIDs []string  `json:"prompt_ids"`
}

// GenerationSession is one attempt cycle at reaching a satisfactory output.
// Once EndedAt is set the session is append-only history and never mutated.
type GenerationSession struct {
	ID         string            `json:"id"`
	StartedAt  time.Time         `json:"started_at"`
	Dimensions []Dimension       `json:"dimensions"` // snapshot, not a live reference
	BaseImage  string            `json:"base_image,omitempty"`
	OutputMode OutputMode        `json:"output_mode"`
	Iterations []IterationRecord `json:"iterations"`
	Satisfied  bool              `json:"satisfied"`
	EndedAt    *time.Time        `json:"ended_at,omitempty"`
}

// Closed reports whether the session has ended.
func (s *GenerationSession) Closed() bool {
	return s.EndedAt != nil
}

// IterationCount returns the number of recorded iterations.
func (s *GenerationSession) IterationCount() int {
	return len(s.Iterations)
}

// SessionSummary is a lightweight representation for listing sessions.
type SessionSummary struct {
	ID             string     `json:"id"`
	OutputMode     OutputMode `json:"output_mode"`
	IterationCount int        `json:"iteration_count"`
	Satisfied      bool       `json:"satisfied"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// ToSummary converts a GenerationSession to its summary form.
func (s *GenerationSession) ToSummary() SessionSummary {
	return SessionSummary{
		ID:             s.ID,
		OutputMode:     s.OutputMode,
		IterationCount: len(s.Iterations),
		Satisfied:      s.Satisfied,
		StartedAt:      s.StartedAt,
		EndedAt:        s.EndedAt,
	}
}

// Feedback is a single rating event targeting a generated prompt.
type Feedback struct {
	PromptID string    `json:"prompt_id"`
	Rating   Rating    `json:"rating"`
	Edited   string    `json:"edited,omitempty"` // user's edited prompt text, if any
	At       time.Time `json:"at"`
}

// StyleStat holds running positive/negative counts for one
// (dimension type, normalized reference) bucket.
type StyleStat struct {
	Positive int `json:"positive"`
	Negative int `json:"negative"`
}

// Samples returns the total observation count for the bucket.
func (s StyleStat) Samples() int {
	return s.Positive + s.Negative
}

// PositiveRatio returns the fraction of positive observations, 0 when empty.
func (s StyleStat) PositiveRatio() float64 {
	n := s.Samples()
	if n == 0 {
		return 0
	}
	return float64(s.Positive) / float64(n)
}

// ModeStat tracks how quickly an output mode reaches satisfaction.
type ModeStat struct {
	TotalIterations int `json:"total_iterations"`
	SampleCount     int `json:"sample_count"`
}

// AvgIterations returns the mean iterations-to-satisfaction, 0 when unsampled.
func (m ModeStat) AvgIterations() float64 {
	if m.SampleCount == 0 {
		return 0
	}
	return float64(m.TotalIterations) / float64(m.SampleCount)
}

// PreferenceModel is the process-wide learned aggregate. It is only ever
// merged into, never wholesale replaced. The order slices record key
// insertion order so that ranking ties resolve deterministically.
type PreferenceModel struct {
	Styles     map[string]*StyleStat   `json:"styles"`
	StyleOrder []string                `json:"style_order"`
	Modes      map[OutputMode]ModeStat `json:"modes"`
	Combos     map[string]int          `json:"combos"`
	ComboOrder []string                `json:"combo_order"`
	UpdatedAt  time.Time               `json:"updated_at"`
}

// NewPreferenceModel returns an empty model with initialized maps.
func NewPreferenceModel() *PreferenceModel {
	return &PreferenceModel{
		Styles: make(map[string]*StyleStat),
		Modes:  make(map[OutputMode]ModeStat),
		Combos: make(map[string]int),
	}
}

// PromptHistoryEntry is an immutable snapshot of the prompt set (and
// optionally the dimension set and base image) at the moment of a push.
type PromptHistoryEntry struct {
	Prompts    []GeneratedPrompt `json:"prompts"`
	Dimensions []Dimension       `json:"dimensions,omitempty"`
	BaseImage  string            `json:"base_image,omitempty"`
	PushedAt   time.Time         `json:"pushed_at"`
}

// SuggestionKind distinguishes the kinds of suggestions the learner produces.
type SuggestionKind string

const (
	SuggestAddDimension SuggestionKind = "add_dimension"
	SuggestAdjustWeight SuggestionKind = "adjust_weight"
	SuggestOutputMode   SuggestionKind = "output_mode"
)

// Suggestion is one ranked recommendation surfaced to the dimension editor.
type Suggestion struct {
	Kind       SuggestionKind `json:"kind"`
	Dimension  DimensionType  `json:"dimension,omitempty"`
	Reference  string         `json:"reference,omitempty"`
	Weight     float64        `json:"weight,omitempty"`
	OutputMode OutputMode     `json:"output_mode,omitempty"`
	Confidence float64        `json:"confidence"`
	Reason     string         `json:"reason"`
}
