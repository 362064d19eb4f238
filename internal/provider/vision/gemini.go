package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/genrelay-io/genrelay/internal/config"
)

const (
	defaultModel       = "gemini-2.5-flash"
	defaultCallTimeout = 20 * time.Second
)

// Config holds classifier settings.
type Config struct {
	APIKey      string
	Model       string
	CallTimeout time.Duration
}

// LoadConfig loads classifier configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		APIKey:      config.GetEnvStr("GENRELAY_VISION_API_KEY", ""),
		Model:       config.GetEnvStr("GENRELAY_VISION_MODEL", defaultModel),
		CallTimeout: config.GetEnvDuration("GENRELAY_VISION_CALL_TIMEOUT", defaultCallTimeout),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return ErrMissingAPIKey
	}

	return nil
}

// jsonGenerator sends a multimodal prompt and returns the model's JSON text.
type jsonGenerator interface {
	GenerateJSON(ctx context.Context, parts ...genai.Part) (string, error)
}

// GeminiClassifier implements Classifier on Gemini's JSON response mode.
type GeminiClassifier struct {
	client      *genai.Client
	gen         jsonGenerator
	callTimeout time.Duration
}

// NewGeminiClassifier creates a classifier backed by Gemini.
func NewGeminiClassifier(ctx context.Context, cfg *Config) (*GeminiClassifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	generative := client.GenerativeModel(model)
	generative.SetTemperature(0.1)
	generative.ResponseMIMEType = "application/json"

	return &GeminiClassifier{
		client:      client,
		gen:         &geminiJSON{model: generative},
		callTimeout: timeout,
	}, nil
}

// Close releases the underlying client.
func (g *GeminiClassifier) Close() error {
	if g.client != nil {
		return g.client.Close()
	}

	return nil
}

// ClassifyView implements Classifier.
func (g *GeminiClassifier) ClassifyView(ctx context.Context, img Image, expected string) (*ViewResult, error) {
	prompt := fmt.Sprintf(`You are checking a product render. Which camera angle does this image show?
Answer with JSON {"view": string, "confidence": number} where view is one of
front, side, back, top, three_quarter and confidence (0-1) is your confidence that the image
shows the %q view.`, expected)

	var result ViewResult
	if err := g.ask(ctx, img, prompt, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// CompareTokens implements Classifier.
func (g *GeminiClassifier) CompareTokens(ctx context.Context, img Image, reference Tokens) (float64, error) {
	ref, err := json.Marshal(reference)
	if err != nil {
		return 0, fmt.Errorf("encode reference tokens: %w", err)
	}

	prompt := fmt.Sprintf(`Compare this product render against the reference design tokens below.
Score from 0 to 1 how faithfully the render preserves the palette, the materials and the
construction details. Answer with JSON {"score": number}.
Reference: %s`, ref)

	var result Similarity
	if err := g.ask(ctx, img, prompt, &result); err != nil {
		return 0, err
	}

	return result.Score, nil
}

// ExtractTokens implements Classifier.
func (g *GeminiClassifier) ExtractTokens(ctx context.Context, img Image) (*Tokens, error) {
	const prompt = `Extract the design invariants of the product in this image.
Answer with JSON {"palette": [string], "materials": [string], "construction": [string]}:
named colors, surface materials, and construction details that must stay the same from every
camera angle.`

	var tokens Tokens
	if err := g.ask(ctx, img, prompt, &tokens); err != nil {
		return nil, err
	}

	return &tokens, nil
}

func (g *GeminiClassifier) ask(ctx context.Context, img Image, prompt string, out any) error {
	if len(img.Data) == 0 {
		return ErrEmptyImage
	}

	ctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	text, err := g.gen.GenerateJSON(ctx, genai.ImageData(imageFormat(img.MIMEType), img.Data), genai.Text(prompt))
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(cleanJSONBlock(text)), out); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}

	return validateResponse(out)
}

type geminiJSON struct {
	model *genai.GenerativeModel
}

func (g *geminiJSON) GenerateJSON(ctx context.Context, parts ...genai.Part) (string, error) {
	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}

	return extractText(resp)
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: no candidates in response", ErrInvalidResponse)
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("%w: no content in response", ErrInvalidResponse)
	}

	var b strings.Builder

	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}

	if b.Len() == 0 {
		return "", errors.Join(ErrInvalidResponse, errors.New("no text parts in response"))
	}

	return b.String(), nil
}

// cleanJSONBlock removes markdown code fences the model sometimes adds despite JSON mode.
func cleanJSONBlock(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	return strings.TrimSpace(text)
}

var _ Classifier = (*GeminiClassifier)(nil)
