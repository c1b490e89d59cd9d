// Package learner maintains aggregate preference statistics from user
// feedback and completed sessions, and produces ranked suggestions.
package learner

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/promptloom/promptloom/internal/store"
	"github.com/promptloom/promptloom/internal/types"
)

// MinSampleCount is the floor below which a bucket is not considered
// statistically meaningful. Keeps a single lucky rating from dominating
// the suggestions.
const MinSampleCount = 3

// maxStyleSuggestions caps how many style-derived suggestions one query returns.
const maxStyleSuggestions = 5

// suggestionModes lists output modes in a fixed comparison order.
var suggestionModes = []types.OutputMode{types.ModeImage, types.ModeVideo, types.ModeStoryboard}

// StyleRank is one derived ranking entry over a style bucket.
type StyleRank struct {
	Key       string              `json:"key"`
	Dimension types.DimensionType `json:"dimension"`
	Reference string              `json:"reference"`
	Stat      types.StyleStat     `json:"stat"`
	Ratio     float64             `json:"ratio"`
}

// ComboRank is one derived ranking entry over a dimension-combination bucket.
type ComboRank struct {
	Signature string `json:"signature"`
	Count     int    `json:"count"`
}

// Learner owns the preference model. All mutation is merge-only and
// commutative; persistence happens on a background queue so failures never
// reach the generation call path.
type Learner struct {
	mu    sync.Mutex
	store store.Store
	log   *slog.Logger
	queue *taskQueue
	model *types.PreferenceModel

	// Derived aggregates, recomputed by the batch learn passes.
	topStyles []StyleRank
	topCombos []ComboRank
}

// New creates a Learner, loading any persisted preference model. A load
// failure is logged and the learner starts from an empty model.
func New(st store.Store, logger *slog.Logger) *Learner {
	if logger == nil {
		logger = slog.Default()
	}

	model := types.NewPreferenceModel()
	if st != nil {
		loaded, err := st.LoadPreferences()
		if err != nil {
			logger.Error("failed to load preference model, starting empty", "error", err)
		} else {
			model = loaded
		}
	}

	l := &Learner{
		store: st,
		log:   logger,
		queue: newTaskQueue(logger),
		model: model,
	}
	l.learnStylesLocked()
	l.learnCombosLocked()
	return l
}

// Close flushes pending persistence work.
func (l *Learner) Close() {
	l.queue.close()
}

// NormalizeReference buckets a free-text reference: case-folded with
// whitespace collapsed. Verbatim references are too granular to aggregate on.
func NormalizeReference(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// StyleKey builds the bucket key for a (dimension type, reference) pair.
func StyleKey(t types.DimensionType, reference string) string {
	return string(t) + "|" + NormalizeReference(reference)
}

// splitStyleKey is the inverse of StyleKey.
func splitStyleKey(key string) (types.DimensionType, string) {
	parts := strings.SplitN(key, "|", 2)
	if len(parts) != 2 {
		return "", key
	}
	return types.DimensionType(parts[0]), parts[1]
}

// ComboSignature produces a canonical signature for the set of dimension
// types carrying a non-empty reference.
func ComboSignature(dims []types.Dimension) string {
	seen := make(map[types.DimensionType]bool)
	var ts []string
	for _, d := range dims {
		if strings.TrimSpace(d.Reference) == "" || seen[d.Type] {
			continue
		}
		seen[d.Type] = true
		ts = append(ts, string(d.Type))
	}
	sort.Strings(ts)
	return strings.Join(ts, "+")
}

// ProcessFeedback folds one rating event into the model. Every element the
// rated prompt carries contributes one observation to its style bucket.
// Merge-only counter updates keep feedback application commutative.
func (l *Learner) ProcessFeedback(fb types.Feedback, prompt *types.GeneratedPrompt) {
	if prompt == nil || fb.Rating == types.RatingNone {
		return
	}
	positive := fb.Rating == types.RatingUp

	l.mu.Lock()
	for _, el := range prompt.Elements {
		if strings.TrimSpace(el.Text) == "" {
			continue
		}
		l.bumpStyleLocked(StyleKey(el.Category, el.Text), positive)
	}
	l.model.UpdatedAt = time.Now()
	l.mu.Unlock()

	l.persistAsync("process_feedback")
}

// ObserveSession folds a completed session into the model and reruns the
// batch learning passes. Unclosed sessions are ignored.
func (l *Learner) ObserveSession(sess *types.GenerationSession) {
	if sess == nil || !sess.Closed() {
		return
	}

	l.mu.Lock()
	if sess.Satisfied {
		stat := l.model.Modes[sess.OutputMode]
		stat.TotalIterations += sess.IterationCount()
		stat.SampleCount++
		l.model.Modes[sess.OutputMode] = stat
	}

	if sig := ComboSignature(sess.Dimensions); sig != "" {
		if _, ok := l.model.Combos[sig]; !ok {
			l.model.ComboOrder = append(l.model.ComboOrder, sig)
		}
		l.model.Combos[sig]++
	}
	l.model.UpdatedAt = time.Now()

	l.learnStylesLocked()
	l.learnCombosLocked()
	l.mu.Unlock()

	l.persistAsync("observe_session")
}

// LearnStylePreferences recomputes the ranked style aggregates.
func (l *Learner) LearnStylePreferences() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.learnStylesLocked()
}

// LearnDimensionCombinations recomputes the ranked combination aggregates.
func (l *Learner) LearnDimensionCombinations() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.learnCombosLocked()
}

// bumpStyleLocked increments one style bucket, tracking key insertion order.
func (l *Learner) bumpStyleLocked(key string, positive bool) {
	stat, ok := l.model.Styles[key]
	if !ok {
		stat = &types.StyleStat{}
		l.model.Styles[key] = stat
		l.model.StyleOrder = append(l.model.StyleOrder, key)
	}
	if positive {
		stat.Positive++
	} else {
		stat.Negative++
	}
}

// learnStylesLocked ranks style buckets by positive ratio. Buckets below the
// sample floor are excluded; ties keep insertion order (sort is stable over
// the insertion-ordered key list), so ranking is deterministic.
func (l *Learner) learnStylesLocked() {
	ranks := make([]StyleRank, 0, len(l.model.StyleOrder))
	for _, key := range l.model.StyleOrder {
		stat, ok := l.model.Styles[key]
		if !ok || stat.Samples() < MinSampleCount {
			continue
		}
		dim, ref := splitStyleKey(key)
		ranks = append(ranks, StyleRank{
			Key:       key,
			Dimension: dim,
			Reference: ref,
			Stat:      *stat,
			Ratio:     stat.PositiveRatio(),
		})
	}
	sort.SliceStable(ranks, func(i, j int) bool {
		if ranks[i].Ratio != ranks[j].Ratio {
			return ranks[i].Ratio > ranks[j].Ratio
		}
		return ranks[i].Stat.Samples() > ranks[j].Stat.Samples()
	})
	l.topStyles = ranks
}

// learnCombosLocked ranks combination signatures by co-occurrence count.
func (l *Learner) learnCombosLocked() {
	ranks := make([]ComboRank, 0, len(l.model.ComboOrder))
	for _, sig := range l.model.ComboOrder {
		count := l.model.Combos[sig]
		if count < MinSampleCount {
			continue
		}
		ranks = append(ranks, ComboRank{Signature: sig, Count: count})
	}
	sort.SliceStable(ranks, func(i, j int) bool {
		return ranks[i].Count > ranks[j].Count
	})
	l.topCombos = ranks
}

// Suggestions returns ranked candidate dimension additions, weight
// adjustments, and an output-mode recommendation. Pure query over in-memory
// state, deterministic for a given model: rankings come from the batch
// passes and ties resolve by key insertion order.
func (l *Learner) Suggestions(current []types.Dimension) []types.Suggestion {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Dimension types already present with a non-empty reference are not
	// candidates for addition.
	present := make(map[types.DimensionType]*types.Dimension)
	for i := range current {
		d := &current[i]
		if strings.TrimSpace(d.Reference) == "" {
			continue
		}
		if _, ok := present[d.Type]; !ok {
			present[d.Type] = d
		}
	}

	var out []types.Suggestion
	styleCount := 0
	for _, rank := range l.topStyles {
		if styleCount >= maxStyleSuggestions {
			break
		}
		if rank.Ratio < 0.5 {
			break // ranked descending; nothing below is worth suggesting
		}

		if existing, ok := present[rank.Dimension]; ok {
			// Same bucket the user already has: suggest leaning into it
			// when the learned signal is stronger than the current weight.
			if NormalizeReference(existing.Reference) != rank.Reference {
				continue
			}
			if existing.Weight >= rank.Ratio {
				continue
			}
			out = append(out, types.Suggestion{
				Kind:       types.SuggestAdjustWeight,
				Dimension:  rank.Dimension,
				Reference:  rank.Reference,
				Weight:     rank.Ratio,
				Confidence: confidence(rank),
				Reason: fmt.Sprintf("%q rated up %d of %d times; weight %.1f underplays it",
					rank.Reference, rank.Stat.Positive, rank.Stat.Samples(), existing.Weight),
			})
			styleCount++
			continue
		}

		out = append(out, types.Suggestion{
			Kind:       types.SuggestAddDimension,
			Dimension:  rank.Dimension,
			Reference:  rank.Reference,
			Weight:     rank.Ratio,
			Confidence: confidence(rank),
			Reason: fmt.Sprintf("%s %q rated up %d of %d times",
				rank.Dimension, rank.Reference, rank.Stat.Positive, rank.Stat.Samples()),
		})
		styleCount++
	}

	if mode, stat, ok := l.bestModeLocked(); ok {
		out = append(out, types.Suggestion{
			Kind:       types.SuggestOutputMode,
			OutputMode: mode,
			Confidence: 1.0 / (1.0 + stat.AvgIterations()),
			Reason: fmt.Sprintf("%s reaches satisfaction in %.1f iterations on average (%d samples)",
				mode, stat.AvgIterations(), stat.SampleCount),
		})
	}

	return out
}

// bestModeLocked picks the output mode with the lowest average iterations to
// satisfaction among modes with enough samples. Fixed iteration order keeps
// the choice deterministic.
func (l *Learner) bestModeLocked() (types.OutputMode, types.ModeStat, bool) {
	var (
		best     types.OutputMode
		bestStat types.ModeStat
		found    bool
	)
	for _, mode := range suggestionModes {
		stat, ok := l.model.Modes[mode]
		if !ok || stat.SampleCount < MinSampleCount {
			continue
		}
		if !found || stat.AvgIterations() < bestStat.AvgIterations() {
			best, bestStat, found = mode, stat, true
		}
	}
	return best, bestStat, found
}

func confidence(rank StyleRank) float64 {
	// Ratio tempered by sample volume: ten observations count as full weight.
	vol := float64(rank.Stat.Samples()) / 10.0
	if vol > 1 {
		vol = 1
	}
	return rank.Ratio * vol
}

// StyleRanking returns the current derived style ranking.
func (l *Learner) StyleRanking() []StyleRank {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]StyleRank, len(l.topStyles))
	copy(out, l.topStyles)
	return out
}

// ComboRanking returns the current derived combination ranking.
func (l *Learner) ComboRanking() []ComboRank {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ComboRank, len(l.topCombos))
	copy(out, l.topCombos)
	return out
}

// ModeStats returns a copy of the per-mode statistics.
func (l *Learner) ModeStats() map[types.OutputMode]types.ModeStat {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[types.OutputMode]types.ModeStat, len(l.model.Modes))
	for k, v := range l.model.Modes {
		out[k] = v
	}
	return out
}

// StyleStat returns the raw counters for one (dimension, reference) bucket.
func (l *Learner) StyleStat(t types.DimensionType, reference string) (types.StyleStat, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stat, ok := l.model.Styles[StyleKey(t, reference)]
	if !ok {
		return types.StyleStat{}, false
	}
	return *stat, true
}

// persistAsync snapshots the model and schedules a best-effort save.
func (l *Learner) persistAsync(reason string) {
	if l.store == nil {
		return
	}

	l.mu.Lock()
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	l.queue.submit(reason, func() error {
		return l.store.SavePreferences(snapshot)
	})
}

// snapshotLocked deep-copies the model for handoff to the background queue.
func (l *Learner) snapshotLocked() *types.PreferenceModel {
	snap := types.NewPreferenceModel()
	for k, v := range l.model.Styles {
		stat := *v
		snap.Styles[k] = &stat
	}
	snap.StyleOrder = append([]string(nil), l.model.StyleOrder...)
	for k, v := range l.model.Modes {
		snap.Modes[k] = v
	}
	for k, v := range l.model.Combos {
		snap.Combos[k] = v
	}
	snap.ComboOrder = append([]string(nil), l.model.ComboOrder...)
	snap.UpdatedAt = l.model.UpdatedAt
	return snap
}
