// Package backend provides a uniform asynchronous execution interface over
// the AI providers the suite can route to: the metered Xeno cloud service,
// a local Ollama daemon, and the OpenRouter routing API. Adapters perform one
// unit of work per call and never touch the credit ledger.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Adapter-level error values. Backend failures are captured in these and
// settled as refunds by the dispatcher; they never cross the async boundary
// as panics or silent drops.
var (
	ErrUnavailable   = errors.New("backend unavailable")
	ErrTimeout       = errors.New("backend timeout")
	ErrRequestFailed = errors.New("backend request failed")
	ErrUnknownChoice = errors.New("unknown backend choice")
)

// Choice selects one of the configured providers.
type Choice string

const (
	ChoiceXenoCloud   Choice = "xeno_cloud"
	ChoiceOllamaLocal Choice = "ollama_local"
	ChoiceOpenRouter  Choice = "openrouter"
)

// NewChoice validates a provider selector.
func NewChoice(raw string) (Choice, error) {
	switch Choice(strings.TrimSpace(raw)) {
	case ChoiceXenoCloud, ChoiceOllamaLocal, ChoiceOpenRouter:
		return Choice(strings.TrimSpace(raw)), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownChoice, raw)
}

// String returns the selector identifier.
func (choice Choice) String() string {
	return string(choice)
}

// Request is one unit of AI work.
type Request struct {
	Operation string
	Payload   string
	Model     string
}

// Result is the terminal output of one executed request. CreditsUsed is the
// usage the provider declares; free providers declare an explicit zero. A nil
// CreditsUsed means the provider declared nothing, and the caller bills the
// full reserved amount.
type Result struct {
	Payload     string
	CreditsUsed *int64
	RequestID   string
}

// DeclareCredits wraps a declared usage figure for a Result.
func DeclareCredits(amount int64) *int64 {
	return &amount
}

// Backend executes one request and returns a result or a failure within the
// caller's context deadline.
type Backend interface {
	Name() string
	Execute(ctx context.Context, request Request) (Result, error)
}

// mapTransportError folds context expiry into the adapter taxonomy.
func mapTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
