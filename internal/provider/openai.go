package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/promptloom/promptloom/internal/types"
)

// Settings configures the OpenAI-backed provider.
type Settings struct {
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// OpenAIProvider implements Generator, Evaluator, and Polisher over the
// official openai-go SDK (chat completions). The model is instructed to
// answer in JSON; everything it returns passes boundary validation before
// reaching the engine.
type OpenAIProvider struct {
	model string
	opts  []option.RequestOption
	newID func() string
}

// NewOpenAIProvider builds a provider from settings.
func NewOpenAIProvider(cfg Settings) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key missing; provide provider.api_key")
	}
	if cfg.Model == "" {
		return nil, errors.New("provider model is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIProvider{model: cfg.Model, opts: opts, newID: uuid.NewString}, nil
}

const generateSystemPrompt = `You are a prompt engineer for an image generation studio.
Given a base image description and weighted style dimensions, write one prompt per
requested scene type. Respond with JSON only, shaped as:
{"prompts":[{"sceneType":"wide|medium|closeup|detail","prompt":"...","negativePrompt":"...",
"elements":[{"category":"<dimension type>","text":"..."}]}],
"adjustedDimensions":[{"type":"...","reference":"...","weight":0.0}]}`

const evaluateSystemPrompt = `You are a strict art director evaluating a generated image
against its creative goal. Respond with JSON only:
{"score":<0-100>,"approved":<bool>,"feedback":"...","improvements":["..."]}`

const polishSystemPrompt = `You refine a near-miss generated image given its evaluation.
Respond with JSON only:
{"polishedUrl":"...","improved":<bool>,"reEvaluation":{"score":<0-100>,"approved":<bool>,
"feedback":"...","improvements":["..."]}}`

// wire shapes mirror the JSON the model is asked to produce.
type wirePrompt struct {
	SceneType      string `json:"sceneType"`
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negativePrompt"`
	Elements       []struct {
		Category string `json:"category"`
		Text     string `json:"text"`
	} `json:"elements"`
}

type wireGenerateResult struct {
	Prompts            []wirePrompt `json:"prompts"`
	AdjustedDimensions []struct {
		Type      string  `json:"type"`
		Reference string  `json:"reference"`
		Weight    float64 `json:"weight"`
	} `json:"adjustedDimensions"`
}

func (p *OpenAIProvider) GeneratePrompts(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	raw, err := p.complete(ctx, generateSystemPrompt, describeGenerateRequest(req))
	if err != nil {
		return nil, fmt.Errorf("generate call: %w", err)
	}

	var wire wireGenerateResult
	if err := json.Unmarshal(extractJSON(raw), &wire); err != nil {
		return nil, malformed("generate", "not valid JSON: %v", err)
	}

	res := &GenerateResult{}
	for sceneNum, wp := range wire.Prompts {
		gp := types.GeneratedPrompt{
			ID:             p.newID(),
			SceneNumber:    sceneNum + 1,
			SceneType:      types.SceneType(wp.SceneType),
			Prompt:         wp.Prompt,
			NegativePrompt: wp.NegativePrompt,
		}
		for _, el := range wp.Elements {
			gp.Elements = append(gp.Elements, types.PromptElement{
				Category: types.DimensionType(el.Category),
				Text:     el.Text,
			})
		}
		res.Prompts = append(res.Prompts, gp)
	}
	for _, wd := range wire.AdjustedDimensions {
		res.AdjustedDimensions = append(res.AdjustedDimensions, types.Dimension{
			ID:        p.newID(),
			Type:      types.DimensionType(wd.Type),
			Reference: wd.Reference,
			Weight:    wd.Weight,
		})
	}

	if err := ValidateGenerateResult(res); err != nil {
		return nil, err
	}
	return res, nil
}

func (p *OpenAIProvider) EvaluateImage(ctx context.Context, imageRef, goalContext string) (*Evaluation, error) {
	user := fmt.Sprintf("Image: %s\nGoal: %s", imageRef, goalContext)
	raw, err := p.complete(ctx, evaluateSystemPrompt, user)
	if err != nil {
		return nil, fmt.Errorf("evaluate call: %w", err)
	}

	var ev Evaluation
	if err := json.Unmarshal(extractJSON(raw), &ev); err != nil {
		return nil, malformed("evaluate", "not valid JSON: %v", err)
	}
	if err := ValidateEvaluation(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (p *OpenAIProvider) PolishImage(ctx context.Context, imageRef string, eval Evaluation) (*PolishResult, error) {
	evalJSON, _ := json.Marshal(eval)
	user := fmt.Sprintf("Image: %s\nEvaluation: %s", imageRef, evalJSON)
	raw, err := p.complete(ctx, polishSystemPrompt, user)
	if err != nil {
		return nil, fmt.Errorf("polish call: %w", err)
	}

	var res PolishResult
	if err := json.Unmarshal(extractJSON(raw), &res); err != nil {
		return nil, malformed("polish", "not valid JSON: %v", err)
	}
	if err := ValidatePolishResult(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (p *OpenAIProvider) complete(ctx context.Context, system, user string) (string, error) {
	client := openai.NewClient(p.opts...)

	resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(p.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// describeGenerateRequest renders the request as the user message.
func describeGenerateRequest(req GenerateRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Base image: %s\nOutput mode: %s\nScene types: %s\n",
		req.BaseImage, req.OutputMode, joinSceneTypes())

	if len(req.Dimensions) > 0 {
		b.WriteString("Dimensions (weight 0..1):\n")
		for _, d := range req.Dimensions {
			fmt.Fprintf(&b, "- %s: %q weight=%.2f filter=%s transform=%s\n",
				d.Type, d.Reference, d.Weight, d.FilterMode, d.TransformMode)
		}
	}
	if len(req.LockedElements) > 0 {
		b.WriteString("Locked elements (reproduce verbatim):\n")
		for _, el := range req.LockedElements {
			fmt.Fprintf(&b, "- [%s] %s\n", el.Category, el.Text)
		}
	}
	for _, fb := range req.Feedback {
		if fb.Rating == types.RatingNone {
			continue
		}
		fmt.Fprintf(&b, "Prior rating: prompt %s rated %s\n", fb.PromptID, fb.Rating)
	}
	return b.String()
}

func joinSceneTypes() string {
	parts := make([]string, len(types.SceneTypes))
	for i, s := range types.SceneTypes {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}

// extractJSON tolerates models that wrap their JSON in a markdown fence.
func extractJSON(s string) []byte {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	return []byte(s)
}
