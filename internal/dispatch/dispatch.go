// Package dispatch defines the shared request/result types exchanged
// between the router, the execution slot, and the per-capability
// clients, plus the dispatcher that maps an API category to a concrete
// client. The router never talks to a client directly — only through
// a Dispatcher, so transport detail stays out of the decision core.
package dispatch

import (
	"context"
	"time"
)

// API identifies an external service category.
type API string

const (
	// APIWeather is the weather forecast service.
	APIWeather API = "weather"
	// APIScores is the sports scoreboard service.
	APIScores API = "scores"
	// APIImageGen is the image generation service.
	APIImageGen API = "imagegen"
	// APISearch is the web search service.
	APISearch API = "search"
	// APILanguageModel is the language model, used both as a
	// capability in its own right and for retry refinement and
	// final-pass rendering.
	APILanguageModel API = "languagemodel"
)

// CallResult is the normalized outcome of one external call: either a
// success carrying an opaque payload, or a failure carrying a message.
// Failures are always reported through this type, never as errors —
// only contract violations escape as errors elsewhere.
type CallResult struct {
	// OK reports whether the call succeeded.
	OK bool
	// Payload is the success payload. Opaque to the router; each
	// category's formatter knows how to render it.
	Payload any
	// Message describes a failure. Empty on success.
	Message string
	// Retryable marks a failure whose shape suggests the input could
	// be repaired (e.g. a misspelled location). Set by the client that
	// recognized the shape; the router never pattern-matches messages.
	Retryable bool
	// Cancelled marks a failure caused by the caller withdrawing
	// interest. Never retried, never followed by a final pass.
	Cancelled bool
}

// Success builds a successful CallResult.
func Success(payload any) CallResult {
	return CallResult{OK: true, Payload: payload}
}

// Failure builds an ordinary (non-retryable) failure.
func Failure(message string) CallResult {
	return CallResult{Message: message}
}

// RetryableFailure builds a failure flagged as input-correctable.
func RetryableFailure(message string) CallResult {
	return CallResult{Message: message, Retryable: true}
}

// Cancelled builds a failure caused by caller cancellation.
func Cancelled(message string) CallResult {
	return CallResult{Message: message, Cancelled: true}
}

// Text returns the payload as a string when it is one, else "".
// Language-model payloads are plain strings; this is the accessor the
// router uses for refinement output.
func (r CallResult) Text() string {
	s, _ := r.Payload.(string)
	return s
}

// Stage records one attempt within a routed request: which API was
// invoked and what came back. The ordered stage list is an audit trail
// only; it never influences control flow.
type Stage struct {
	API    API
	Result CallResult
}

// RoutedResult is what the router hands back to its caller: the
// category that produced the answer, the chosen result, and the full
// audit trail. The caller always receives a usable FinalResponse.
type RoutedResult struct {
	FinalAPI      API
	FinalResponse CallResult
	Stages        []Stage
}

// Turn is one prior conversation exchange, supplied by the caller and
// optionally narrowed before a final pass.
type Turn struct {
	Role      string // "user" or "assistant"
	Content   string
	Timestamp time.Time
}

// ModelRequest is a language-model call. Used for capability chat,
// retry refinement, and final-pass rendering.
type ModelRequest struct {
	RequesterID string
	Input       string
	// Model overrides the default model (e.g. a dedicated repair
	// model). Empty uses the provider default.
	Model string
	// History holds optional prior turns for conversational context.
	History []Turn
	// SuppressPersona drops any globally configured persona
	// instruction. Refinement calls set this so repair output is not
	// colored by personality.
	SuppressPersona bool
}

// Client executes one category's requests. Implementations own
// transport detail and shape their responses into a generic success
// payload or failure message.
type Client interface {
	Execute(ctx context.Context, requesterID, input string) CallResult
}

// ModelClient executes language-model requests, which carry more
// context than plain capability calls.
type ModelClient interface {
	ExecuteModel(ctx context.Context, req ModelRequest) CallResult
}

// Formatter renders a category's success payload into the textual
// context a final pass should see.
type Formatter interface {
	FormatContext(payload any) (string, error)
}

// FormatterFunc adapts a function to the Formatter interface.
type FormatterFunc func(payload any) (string, error)

// FormatContext implements Formatter.
func (f FormatterFunc) FormatContext(payload any) (string, error) {
	return f(payload)
}

// Dispatcher maps an API category to a concrete client. It is the
// router's only path to the outside world.
type Dispatcher interface {
	// ExecuteRequest runs one call against the named category.
	ExecuteRequest(ctx context.Context, api API, requesterID, input string) CallResult
	// ExecuteModelRequest runs one language-model call.
	ExecuteModelRequest(ctx context.Context, req ModelRequest) CallResult
}
