// Package idempotency derives content-stable keys for tasks and records
// their outcomes, so resubmitting identical work short-circuits to the
// cached result instead of re-invoking the transport.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"promptbatch/internal/task"
)

// Defaults applied during normalization so requests that merely omit a
// field hash the same as requests that spell out the default.
const (
	defaultModel       = "default"
	defaultTemperature = 1.0
	defaultMaxTokens   = 1000
)

type canonicalPair struct {
	Key   string `json:"k"`
	Value string `json:"v"`
}

// canonicalRequest is the normalized form that gets hashed. The task id
// is deliberately excluded: two requests with the same content but
// different ids are the same work.
type canonicalRequest struct {
	Prompt      string          `json:"prompt,omitempty"`
	Messages    []task.Message  `json:"messages,omitempty"`
	Model       string          `json:"model"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
	Metadata    []canonicalPair `json:"metadata,omitempty"`
}

// Key computes the idempotency key for a request: a SHA-256 digest of
// the canonical form, truncated to 32 hex characters. Message order is
// preserved (it is semantic); metadata keys are sorted.
func Key(req *task.Request) string {
	c := canonicalRequest{
		Prompt:      req.Prompt,
		Messages:    req.Messages,
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.Temperature == 0 {
		c.Temperature = defaultTemperature
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = defaultMaxTokens
	}

	if len(req.Metadata) > 0 {
		keys := make([]string, 0, len(req.Metadata))
		for k := range req.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			c.Metadata = append(c.Metadata, canonicalPair{Key: k, Value: req.Metadata[k]})
		}
	}

	// Marshal of a struct with fixed field order is deterministic.
	data, err := json.Marshal(c)
	if err != nil {
		// Only unmarshalable types reach here, and the canonical form
		// has none.
		panic(err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:32]
}
