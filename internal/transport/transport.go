// Package transport abstracts the remote service that executes prompt
// tasks. The engine never talks to a network API directly; it calls this
// interface.
package transport

import (
	"context"

	"promptbatch/internal/task"
)

// Transport executes one task, or a batch, against a remote service.
// Implementations may fail with classifiable errors; the retry layer
// decides what is transient.
type Transport interface {
	Execute(ctx context.Context, req *task.Request) (*task.Response, error)
	ExecuteBatch(ctx context.Context, reqs []*task.Request) ([]*task.Response, error)
}

// executeSequential is the default ExecuteBatch: one Execute per request,
// stopping at the first error.
func executeSequential(ctx context.Context, t Transport, reqs []*task.Request) ([]*task.Response, error) {
	out := make([]*task.Response, 0, len(reqs))
	for _, req := range reqs {
		resp, err := t.Execute(ctx, req)
		if err != nil {
			return out, err
		}
		out = append(out, resp)
	}
	return out, nil
}

// flattenPrompt renders a request's messages (or plain prompt) as one
// text block for providers without a native chat message API.
func flattenPrompt(req *task.Request) string {
	if len(req.Messages) == 0 {
		return req.Prompt
	}
	var out string
	for _, m := range req.Messages {
		if out != "" {
			out += "\n\n"
		}
		out += m.Role + ": " + m.Content
	}
	return out
}
