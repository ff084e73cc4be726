package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/wolfman30/payreminder/internal/conversation"
)

type geminiGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// GeminiClassifier asks a Gemini model for a JSON verdict.
type GeminiClassifier struct {
	client *genai.Client
	model  geminiGenerator
}

// NewGeminiClassifier creates a Gemini-backed classifier; Close releases it.
func NewGeminiClassifier(ctx context.Context, apiKey, modelID string) (*GeminiClassifier, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("classifier: gemini api key is required")
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("classifier: failed to create gemini client: %w", err)
	}
	model := client.GenerativeModel(modelID)
	model.SetTemperature(0)
	model.SetMaxOutputTokens(256)
	model.ResponseMIMEType = "application/json"
	model.SystemInstruction = genai.NewUserContent(genai.Text(systemPrompt))
	return &GeminiClassifier{client: client, model: model}, nil
}

func newGeminiClassifierWithModel(model geminiGenerator) *GeminiClassifier {
	return &GeminiClassifier{model: model}
}

func (c *GeminiClassifier) Classify(ctx context.Context, text string, history []conversation.Message) (conversation.Classification, error) {
	resp, err := c.model.GenerateContent(ctx, genai.Text(buildPrompt(text, history)))
	if err != nil {
		return conversation.Classification{}, fmt.Errorf("classifier: gemini completion failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return conversation.Classification{}, errors.New("classifier: gemini returned no candidates")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return conversation.Classification{}, errors.New("classifier: gemini returned empty content")
	}
	var b strings.Builder
	for _, part := range candidate.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return parseVerdict(b.String())
}

// Close releases the underlying client.
func (c *GeminiClassifier) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
