package task

import (
	"time"
)

// Message is a single chat message in a structured prompt.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Request describes one unit of work to send through the transport.
// A request is immutable once enqueued.
type Request struct {
	ID          string            `json:"id"`
	Prompt      string            `json:"prompt,omitempty"`
	Messages    []Message         `json:"messages,omitempty"`
	Model       string            `json:"model,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	// Priority affects dispatch order when the queue runs in priority
	// mode; it is scheduling state, not content.
	Priority int `json:"priority,omitempty"`
}

// Usage holds token accounting reported by the transport.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the terminal outcome of a request: the final attempt's
// result after any retries. Exactly one response is produced per task.
type Response struct {
	ID          string    `json:"id"`
	Request     *Request  `json:"request,omitempty"`
	Success     bool      `json:"success"`
	Output      string    `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	ErrorCode   string    `json:"error_code,omitempty"`
	Usage       Usage     `json:"usage"`
	Cost        float64   `json:"cost,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	RetryCount  int       `json:"retry_count"`
}

// Task is the internal queue entity. It wraps a request with scheduling
// state and is mutated by the controller as retries occur.
//
// Invariant: RetryCount <= MaxRetries at all times.
type Task struct {
	Request         *Request
	Priority        int
	Target          string
	EstimatedTokens int
	RetryCount      int
	MaxRetries      int
}

// New wraps a request into a queueable task. The target defaults to the
// request's model so rate limiting keys on the model being called.
func New(req *Request, maxRetries int) *Task {
	return &Task{
		Request:         req,
		Priority:        req.Priority,
		Target:          req.Model,
		EstimatedTokens: EstimateTokens(req),
		MaxRetries:      maxRetries,
	}
}

// EstimateTokens gives a rough token count for rate-limit accounting:
// prompt characters at ~4 chars per token plus the completion budget.
func EstimateTokens(req *Request) int {
	chars := len(req.Prompt)
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	est := chars/4 + req.MaxTokens
	if est < 1 {
		est = 1
	}
	return est
}
