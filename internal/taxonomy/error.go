package taxonomy

import "fmt"

// Error is a classified failure. It carries the taxonomy entry, a
// user-facing message, a technical detail string, the number of attempts
// made, and the underlying cause for diagnostics.
type Error struct {
	Entry    Entry
	Message  string
	Detail   string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Entry.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Entry.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with an explicit code.
func New(code Code, message string) *Error {
	return &Error{
		Entry:   Lookup(code),
		Message: message,
	}
}

// Wrap classifies err and records how many attempts were made before the
// failure became terminal. Already-classified errors keep their entry.
func Wrap(err error, attempts int) *Error {
	entry := Classify(err)
	return &Error{
		Entry:    entry,
		Message:  err.Error(),
		Detail:   entry.SuggestedAction,
		Attempts: attempts,
		Err:      err,
	}
}
