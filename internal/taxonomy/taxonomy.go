// Package taxonomy classifies failures into a static table of error codes
// so the retry layer can decide, uniformly, what is worth retrying.
package taxonomy

import (
	"context"
	"errors"
	"os"
	"strings"
)

// Category groups related error codes.
type Category string

const (
	CategoryAPI        Category = "api"
	CategoryFile       Category = "file"
	CategoryValidation Category = "validation"
	CategoryConfig     Category = "config"
	CategorySystem     Category = "system"
	CategoryBusiness   Category = "business"
	CategoryGeneric    Category = "generic"
)

// Code identifies one entry in the error taxonomy.
type Code string

const (
	CodeRateLimit    Code = "RATE_LIMIT"
	CodeTimeout      Code = "TIMEOUT"
	CodeAuth         Code = "AUTH"
	CodeQuota        Code = "QUOTA"
	CodeServerError  Code = "SERVER_ERROR"
	CodeNetwork      Code = "NETWORK"
	CodeValidation   Code = "VALIDATION"
	CodeFileNotFound Code = "FILE_NOT_FOUND"
	CodePermission   Code = "PERMISSION"
	CodeConfig       Code = "CONFIG"
	CodeMemory       Code = "MEMORY"
	CodeDisk         Code = "DISK"
	CodeBatch        Code = "BATCH"
	CodeCheckpoint   Code = "CHECKPOINT"
	CodeResume       Code = "RESUME"
	CodeCircuitOpen  Code = "CIRCUIT_OPEN"
	CodeUnknown      Code = "UNKNOWN"
)

// Entry describes how one error code behaves. The table is static and
// never mutated at runtime.
type Entry struct {
	Code            Code
	Category        Category
	Retryable       bool
	HTTPStatus      int
	SuggestedAction string
}

var table = map[Code]Entry{
	CodeRateLimit:    {CodeRateLimit, CategoryAPI, true, 429, "wait for the rate limit window to pass"},
	CodeTimeout:      {CodeTimeout, CategoryAPI, true, 408, "retry; consider raising the task timeout"},
	CodeAuth:         {CodeAuth, CategoryAPI, false, 401, "check the API key or credentials"},
	CodeQuota:        {CodeQuota, CategoryAPI, false, 402, "check account quota and billing"},
	CodeServerError:  {CodeServerError, CategoryAPI, true, 500, "retry; the provider is having trouble"},
	CodeNetwork:      {CodeNetwork, CategoryAPI, true, 0, "retry; check connectivity if it persists"},
	CodeValidation:   {CodeValidation, CategoryValidation, false, 400, "fix the request payload"},
	CodeFileNotFound: {CodeFileNotFound, CategoryFile, false, 404, "check the file path"},
	CodePermission:   {CodePermission, CategoryFile, false, 403, "check file permissions"},
	CodeConfig:       {CodeConfig, CategoryConfig, false, 0, "fix the configuration"},
	CodeMemory:       {CodeMemory, CategorySystem, false, 0, "reduce concurrency or batch size"},
	CodeDisk:         {CodeDisk, CategorySystem, false, 0, "free disk space"},
	CodeBatch:        {CodeBatch, CategoryBusiness, false, 0, "inspect the batch input"},
	CodeCheckpoint:   {CodeCheckpoint, CategoryBusiness, true, 0, "retry; checkpoint writes are best-effort"},
	CodeResume:       {CodeResume, CategoryBusiness, false, 0, "checkpoint is missing or corrupt; start a fresh run"},
	CodeCircuitOpen:  {CodeCircuitOpen, CategoryAPI, true, 503, "wait for the circuit breaker cooldown"},
	CodeUnknown:      {CodeUnknown, CategoryGeneric, true, 0, "retry; report if it persists"},
}

// Lookup returns the table entry for a code, falling back to UNKNOWN.
func Lookup(code Code) Entry {
	if e, ok := table[code]; ok {
		return e
	}
	return table[CodeUnknown]
}

// substring rules are checked in order; first match wins. Mirrors the
// provider error strings seen in practice.
var rules = []struct {
	code     Code
	patterns []string
}{
	{CodeRateLimit, []string{"rate limit", "too many requests", "429"}},
	{CodeAuth, []string{"unauthorized", "invalid api key", "authentication", "401"}},
	{CodeQuota, []string{"quota", "billing", "insufficient credit", "402"}},
	{CodeCircuitOpen, []string{"circuit breaker"}},
	{CodeTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{CodeServerError, []string{"internal server error", "bad gateway", "service unavailable", "gateway timeout", "overloaded", "500", "502", "503", "504"}},
	{CodeNetwork, []string{"connection", "network", "dns", "temporary", "reset by peer", "broken pipe", "eof"}},
	{CodeValidation, []string{"validation", "invalid request", "malformed", "400"}},
	{CodeFileNotFound, []string{"no such file", "file not found"}},
	{CodePermission, []string{"permission denied", "access denied"}},
	{CodeMemory, []string{"out of memory", "cannot allocate"}},
	{CodeDisk, []string{"no space left", "disk full"}},
	{CodeConfig, []string{"config"}},
}

// Classify maps an error to its taxonomy entry. Errors already carrying a
// taxonomy code keep it; context deadline and filesystem errors are
// recognized by type; everything else is matched on the message. Unknown
// errors default to retryable so transient unclassified failures are not
// silently dropped.
func Classify(err error) Entry {
	if err == nil {
		return Lookup(CodeUnknown)
	}

	var te *Error
	if errors.As(err, &te) {
		return te.Entry
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Lookup(CodeTimeout)
	}
	if os.IsNotExist(err) {
		return Lookup(CodeFileNotFound)
	}
	if os.IsPermission(err) {
		return Lookup(CodePermission)
	}

	msg := strings.ToLower(err.Error())
	for _, r := range rules {
		for _, p := range r.patterns {
			if strings.Contains(msg, p) {
				return Lookup(r.code)
			}
		}
	}
	return Lookup(CodeUnknown)
}
