package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/promptloom/promptloom/internal/types"
)

// FallbackGenerator assembles prompts locally from the dimension set, with no
// external calls. It exists so a provider outage during manual generation
// still produces usable output. Given the same request it produces the same
// prompt text; only the IDs vary.
type FallbackGenerator struct {
	newID func() string
}

func NewFallbackGenerator() *FallbackGenerator {
	return &FallbackGenerator{newID: uuid.NewString}
}

// scene framing prefixes, one prompt per scene type.
var scenePrefixes = map[types.SceneType]string{
	types.SceneWide:    "wide establishing shot of",
	types.SceneMedium:  "medium shot of",
	types.SceneCloseUp: "close-up of",
	types.SceneDetail:  "detail study of",
}

func (g *FallbackGenerator) GeneratePrompts(_ context.Context, req GenerateRequest) (*GenerateResult, error) {
	subject := strings.TrimSpace(req.BaseImage)
	if subject == "" {
		subject = "the scene"
	}

	included, excluded := splitByFilter(req.Dimensions)

	// Heaviest dimensions lead the prompt; equal weights keep their
	// original order so assembly stays deterministic.
	sort.SliceStable(included, func(i, j int) bool {
		return included[i].Weight > included[j].Weight
	})

	fragments := make([]string, 0, len(included))
	elements := make([]types.PromptElement, 0, len(included)+len(req.LockedElements))
	for _, d := range included {
		ref := strings.TrimSpace(d.Reference)
		if ref == "" {
			continue
		}
		fragments = append(fragments, weightedFragment(ref, d.Weight))
		elements = append(elements, types.PromptElement{Category: d.Type, Text: ref})
	}
	for _, el := range req.LockedElements {
		if strings.TrimSpace(el.Text) == "" {
			continue
		}
		fragments = append(fragments, el.Text)
		elements = append(elements, types.PromptElement{Category: el.Category, Text: el.Text, Locked: true})
	}

	negative := negativeFragments(excluded)

	locked := make(map[types.SceneType]types.GeneratedPrompt)
	for _, lp := range req.LockedPrompts {
		if lp.Locked {
			locked[lp.SceneType] = lp
		}
	}

	res := &GenerateResult{}
	for i, scene := range types.SceneTypes {
		if lp, ok := locked[scene]; ok {
			lp.SceneNumber = i + 1
			res.Prompts = append(res.Prompts, lp)
			continue
		}

		text := scenePrefixes[scene] + " " + subject
		if len(fragments) > 0 {
			text += ", " + strings.Join(fragments, ", ")
		}
		res.Prompts = append(res.Prompts, types.GeneratedPrompt{
			ID:             g.newID(),
			SceneNumber:    i + 1,
			SceneType:      scene,
			Prompt:         text,
			NegativePrompt: negative,
			Elements:       append([]types.PromptElement(nil), elements...),
		})
	}
	return res, nil
}

// splitByFilter separates dimensions to render from dimensions that should
// suppress content (exclude filter feeds the negative prompt).
func splitByFilter(dims []types.Dimension) (included, excluded []types.Dimension) {
	for _, d := range dims {
		if d.FilterMode == types.FilterExclude {
			excluded = append(excluded, d)
			continue
		}
		included = append(included, d)
	}
	return included, excluded
}

func weightedFragment(ref string, weight float64) string {
	switch {
	case weight >= 0.7:
		return fmt.Sprintf("strong %s", ref)
	case weight <= 0.3:
		return fmt.Sprintf("subtle hint of %s", ref)
	default:
		return ref
	}
}

func negativeFragments(excluded []types.Dimension) string {
	var parts []string
	for _, d := range excluded {
		ref := strings.TrimSpace(d.Reference)
		if ref == "" {
			continue
		}
		parts = append(parts, ref)
	}
	return strings.Join(parts, ", ")
}
