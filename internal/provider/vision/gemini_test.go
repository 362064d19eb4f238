package vision

import (
	"context"
	"errors"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGenerator struct {
	response string
	err      error
	parts    []genai.Part
}

func (f *fakeGenerator) GenerateJSON(_ context.Context, parts ...genai.Part) (string, error) {
	f.parts = parts
	return f.response, f.err
}

func newTestClassifier(gen jsonGenerator) *GeminiClassifier {
	return &GeminiClassifier{gen: gen, callTimeout: defaultCallTimeout}
}

var testImage = Image{Data: []byte("png"), MIMEType: "image/png"}

func TestGeminiClassifier_ClassifyView(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	gen := &fakeGenerator{response: "```json\n{\"view\":\"side\",\"confidence\":0.92}\n```"}
	classifier := newTestClassifier(gen)

	result, err := classifier.ClassifyView(t.Context(), testImage, "side")
	require.NoError(t, err)
	assert.Equal(t, "side", result.View)
	assert.InDelta(t, 0.92, result.Confidence, 1e-9)

	require.Len(t, gen.parts, 2)

	blob, ok := gen.parts[0].(genai.Blob)
	require.True(t, ok)
	assert.Equal(t, "image/png", blob.MIMEType)
}

func TestGeminiClassifier_InvalidResponses(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name     string
		response string
	}{
		{name: "not json", response: "the side view"},
		{name: "confidence out of range", response: `{"view":"side","confidence":1.7}`},
		{name: "missing view", response: `{"confidence":0.5}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classifier := newTestClassifier(&fakeGenerator{response: tt.response})

			_, err := classifier.ClassifyView(t.Context(), testImage, "side")
			assert.ErrorIs(t, err, ErrInvalidResponse)
		})
	}
}

func TestGeminiClassifier_CompareAndExtract(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	classifier := newTestClassifier(&fakeGenerator{response: `{"score":0.71}`})

	score, err := classifier.CompareTokens(t.Context(), testImage, Tokens{Palette: []string{"walnut"}})
	require.NoError(t, err)
	assert.InDelta(t, 0.71, score, 1e-9)

	classifier = newTestClassifier(&fakeGenerator{
		response: `{"palette":["walnut","brass"],"materials":["wood"],"construction":["tapered legs"]}`,
	})

	tokens, err := classifier.ExtractTokens(t.Context(), testImage)
	require.NoError(t, err)
	assert.Equal(t, []string{"walnut", "brass"}, tokens.Palette)
	assert.Equal(t, []string{"tapered legs"}, tokens.Construction)

	classifier = newTestClassifier(&fakeGenerator{response: `{"palette":[""]}`})
	_, err = classifier.ExtractTokens(t.Context(), testImage)
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestGeminiClassifier_Errors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	boom := errors.New("quota exceeded")
	classifier := newTestClassifier(&fakeGenerator{err: boom})

	_, err := classifier.ClassifyView(t.Context(), testImage, "side")
	assert.ErrorIs(t, err, boom)

	_, err = classifier.ClassifyView(t.Context(), Image{}, "side")
	assert.ErrorIs(t, err, ErrEmptyImage)
}

func TestImageFormat(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.Equal(t, "png", imageFormat("image/png"))
	assert.Equal(t, "jpeg", imageFormat("image/jpg"))
	assert.Equal(t, "jpeg", imageFormat(""))
	assert.Equal(t, "webp", imageFormat("image/webp; charset=binary"))
}

func TestExtractText(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := extractText(&genai.GenerateContentResponse{})
	require.ErrorIs(t, err, ErrInvalidResponse)

	text, err := extractText(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text(`{"score":`), genai.Text(`0.5}`)}},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"score":0.5}`, text)
}
