package transport

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"promptbatch/internal/task"
)

// Gemini executes tasks against Google's Gemini API.
type Gemini struct {
	client *genai.Client
	logger *zap.Logger
}

// NewGemini creates a Gemini transport with the given API key.
func NewGemini(ctx context.Context, apiKey string, logger *zap.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key cannot be empty")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &Gemini{client: client, logger: logger}, nil
}

func (g *Gemini) Execute(ctx context.Context, req *task.Request) (*task.Response, error) {
	model := g.client.GenerativeModel(req.Model)

	prompt := flattenPrompt(req)

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("gemini call failed for model %s: %w", req.Model, err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("gemini returned no content for task %s: invalid request", req.ID)
	}
	if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return nil, fmt.Errorf("gemini blocked content for task %s: validation failed by safety filter", req.ID)
	}

	text := ""
	for _, part := range resp.Candidates[0].Content.Parts {
		if textPart, ok := part.(genai.Text); ok {
			text += string(textPart)
		}
	}

	g.logger.Debug("gemini call completed",
		zap.String("task_id", req.ID),
		zap.String("model", req.Model),
		zap.Int("output_chars", len(text)),
	)

	promptTokens := len(prompt) / 4
	completionTokens := len(text) / 4
	return &task.Response{
		ID:      req.ID,
		Request: req,
		Output:  text,
		Usage: task.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}

func (g *Gemini) ExecuteBatch(ctx context.Context, reqs []*task.Request) ([]*task.Response, error) {
	return executeSequential(ctx, g, reqs)
}
