// Package vision checks synthesized views against the primary artifact.
//
// Two checks gate every derivative view: the view classifier reports how confident it is that
// the image shows the requested angle, and the design-token comparison reports how closely the
// image matches the palette, materials and construction details of the primary artifact.
package vision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrMissingAPIKey indicates the classifier was configured without credentials.
	ErrMissingAPIKey = errors.New("vision api key is required")

	// ErrInvalidResponse is returned when the model's answer cannot be parsed or validated.
	ErrInvalidResponse = errors.New("invalid classifier response")

	// ErrEmptyImage is returned for an image without data.
	ErrEmptyImage = errors.New("image data is empty")
)

// Image is the raw artifact handed to the classifier.
type Image struct {
	Data     []byte
	MIMEType string
}

// Tokens are the design invariants extracted from an artifact.
type Tokens struct {
	Palette      []string `json:"palette" validate:"dive,required"`
	Materials    []string `json:"materials" validate:"dive,required"`
	Construction []string `json:"construction" validate:"dive,required"`
}

// ViewResult is the classifier's view check.
type ViewResult struct {
	View       string  `json:"view" validate:"required"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
}

// Similarity is the design-token comparison result.
type Similarity struct {
	Score float64 `json:"score" validate:"gte=0,lte=1"`
}

// Classifier scores synthesized views.
type Classifier interface {
	// ClassifyView returns the confidence that img shows the expected view. When the model
	// thinks the image shows a different view, the confidence is reported for the expected one.
	ClassifyView(ctx context.Context, img Image, expected string) (*ViewResult, error)

	// CompareTokens scores how well img preserves the reference design tokens.
	CompareTokens(ctx context.Context, img Image, reference Tokens) (float64, error)

	// ExtractTokens pulls the design invariants out of a primary artifact.
	ExtractTokens(ctx context.Context, img Image) (*Tokens, error)
}

var validate = validator.New()

func validateResponse(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}

	return nil
}

// imageFormat returns the genai image format for a MIME type ("png", "jpeg", ...).
func imageFormat(mimeType string) string {
	format := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(mimeType)), "image/")
	if i := strings.IndexByte(format, ';'); i >= 0 {
		format = format[:i]
	}

	switch format {
	case "", "jpg":
		return "jpeg"
	}

	return format
}

// MockClassifier is a function-field Classifier for tests.
type MockClassifier struct {
	ClassifyViewFunc  func(ctx context.Context, img Image, expected string) (*ViewResult, error)
	CompareTokensFunc func(ctx context.Context, img Image, reference Tokens) (float64, error)
	ExtractTokensFunc func(ctx context.Context, img Image) (*Tokens, error)
}

// ClassifyView implements Classifier.
func (m *MockClassifier) ClassifyView(ctx context.Context, img Image, expected string) (*ViewResult, error) {
	if m.ClassifyViewFunc != nil {
		return m.ClassifyViewFunc(ctx, img, expected)
	}

	return &ViewResult{View: expected, Confidence: 1}, nil
}

// CompareTokens implements Classifier.
func (m *MockClassifier) CompareTokens(ctx context.Context, img Image, reference Tokens) (float64, error) {
	if m.CompareTokensFunc != nil {
		return m.CompareTokensFunc(ctx, img, reference)
	}

	return 1, nil
}

// ExtractTokens implements Classifier.
func (m *MockClassifier) ExtractTokens(ctx context.Context, img Image) (*Tokens, error) {
	if m.ExtractTokensFunc != nil {
		return m.ExtractTokensFunc(ctx, img)
	}

	return &Tokens{Palette: []string{"oak"}, Materials: []string{"wood"}, Construction: []string{"four legs"}}, nil
}
