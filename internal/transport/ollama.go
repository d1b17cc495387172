package transport

import (
	"context"
	"fmt"

	"github.com/ollama/ollama/api"
	"go.uber.org/zap"

	"promptbatch/internal/task"
)

// Ollama executes tasks against a local Ollama daemon via its chat API.
type Ollama struct {
	client *api.Client
	logger *zap.Logger
}

// NewOllama creates a transport using the daemon address from the
// OLLAMA_HOST environment (default localhost).
func NewOllama(logger *zap.Logger) (*Ollama, error) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama client: %w", err)
	}
	return &Ollama{client: client, logger: logger}, nil
}

func (o *Ollama) Execute(ctx context.Context, req *task.Request) (*task.Response, error) {
	messages := make([]api.Message, 0, len(req.Messages)+1)
	if len(req.Messages) > 0 {
		for _, m := range req.Messages {
			messages = append(messages, api.Message{Role: m.Role, Content: m.Content})
		}
	} else {
		messages = append(messages, api.Message{Role: "user", Content: req.Prompt})
	}

	options := map[string]any{}
	if req.Temperature != 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens != 0 {
		options["num_predict"] = req.MaxTokens
	}

	stream := false
	chatReq := &api.ChatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   &stream,
		Options:  options,
	}

	var final api.ChatResponse
	err := o.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		final = resp
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama chat failed for model %s: %w", req.Model, err)
	}

	o.logger.Debug("ollama call completed",
		zap.String("task_id", req.ID),
		zap.String("model", req.Model),
		zap.Int("prompt_tokens", final.Metrics.PromptEvalCount),
		zap.Int("completion_tokens", final.Metrics.EvalCount),
	)

	return &task.Response{
		ID:      req.ID,
		Request: req,
		Output:  final.Message.Content,
		Usage: task.Usage{
			PromptTokens:     final.Metrics.PromptEvalCount,
			CompletionTokens: final.Metrics.EvalCount,
			TotalTokens:      final.Metrics.PromptEvalCount + final.Metrics.EvalCount,
		},
	}, nil
}

func (o *Ollama) ExecuteBatch(ctx context.Context, reqs []*task.Request) ([]*task.Response, error) {
	return executeSequential(ctx, o, reqs)
}
