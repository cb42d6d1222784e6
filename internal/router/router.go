// Package router implements the routed execution pipeline: given a
// capability configuration and user text, it drives the capability to
// completion through a bounded state machine — primary call, optional
// LLM-assisted input repair on recoverable failures, optional
// final-pass rendering of the raw result into conversational text.
//
// The router never performs network I/O itself. Every external call
// goes through the execution slot, and every client is reached through
// the dispatcher, so the pipeline stays testable with fakes and knows
// nothing about transports.
package router

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/parley-bot/parley/internal/config"
	"github.com/parley-bot/parley/internal/dispatch"
	"github.com/parley-bot/parley/internal/events"
	"github.com/parley-bot/parley/internal/prompts"
	"github.com/parley-bot/parley/internal/queue"
)

// Window narrows supplied conversation history before a final pass,
// bounded by the capability's configured depth range. Consulted only
// when history was supplied.
type Window interface {
	Evaluate(ctx context.Context, history []dispatch.Turn, input string, cap config.CapabilityConfig, requesterID string) []dispatch.Turn
}

// Router drives routed requests. All collaborators are injected at
// construction; a Router has no mutable state of its own and is safe
// for concurrent use.
type Router struct {
	logger     *slog.Logger
	dispatcher dispatch.Dispatcher
	slot       *queue.Slot
	window     Window
	formatters map[dispatch.API]dispatch.Formatter
	bus        *events.Bus

	refineBudget time.Duration
	finalBudget  time.Duration
}

// Option configures a Router.
type Option func(*Router)

// WithWindow attaches the context-window collaborator.
func WithWindow(w Window) Option {
	return func(r *Router) { r.window = w }
}

// WithFormatter registers a category's result formatter for final-pass
// context rendering.
func WithFormatter(api dispatch.API, f dispatch.Formatter) Option {
	return func(r *Router) { r.formatters[api] = f }
}

// WithBus attaches an observability bus for request narration.
func WithBus(bus *events.Bus) Option {
	return func(r *Router) { r.bus = bus }
}

// WithModelBudgets overrides the timeout budgets for refinement and
// final-pass language-model calls. These are typically shorter than
// capability timeouts.
func WithModelBudgets(refine, finalPass time.Duration) Option {
	return func(r *Router) {
		if refine > 0 {
			r.refineBudget = refine
		}
		if finalPass > 0 {
			r.finalBudget = finalPass
		}
	}
}

// New creates a router.
func New(logger *slog.Logger, dispatcher dispatch.Dispatcher, slot *queue.Slot, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		logger:       logger,
		dispatcher:   dispatcher,
		slot:         slot,
		formatters:   make(map[dispatch.API]dispatch.Formatter),
		refineBudget: 15 * time.Second,
		finalBudget:  30 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// refineOutcome is the per-iteration decision of the retry loop: either
// continue with a repaired input or stop for a named reason. Explicit
// values instead of mutated loop variables keep the transitions
// auditable.
type refineOutcome struct {
	proceed   bool
	nextInput string
	stop      string
}

// trail accumulates the stage audit list and narrates each entry.
type trail struct {
	r         *Router
	requestID string
	stages    []dispatch.Stage
}

func (t *trail) record(label string, api dispatch.API, res dispatch.CallResult) {
	t.stages = append(t.stages, dispatch.Stage{API: api, Result: res})
	t.r.logger.Debug("stage recorded",
		"request_id", t.requestID,
		"stage", len(t.stages),
		"api", api,
		"label", label,
		"ok", res.OK,
		"retryable", res.Retryable,
		"cancelled", res.Cancelled,
	)
	t.r.bus.Emit(events.SourceRouter, events.KindStage, map[string]any{
		"request_id": t.requestID,
		"api":        string(api),
		"label":      label,
		"ok":         res.OK,
		"retryable":  res.Retryable,
	})
}

// Route drives one capability request to completion. It never returns
// an error for expected outcomes: every path yields a usable
// RoutedResult whose FinalResponse carries either the answer or the
// most specific failure message from the deepest stage reached.
//
// history holds optional prior conversation turns; it is consulted
// only for a final pass, after narrowing through the window
// collaborator. ctx cancellation halts in-flight and pending calls.
func (r *Router) Route(ctx context.Context, cap config.CapabilityConfig, input, requesterID string, history []dispatch.Turn) dispatch.RoutedResult {
	requestID := uuid.NewString()
	api := dispatch.API(cap.API)
	start := time.Now()

	r.logger.Info("routing request",
		"request_id", requestID,
		"capability", cap.Name,
		"api", api,
		"requester", requesterID,
	)
	r.bus.Emit(events.SourceRouter, events.KindRequestStart, map[string]any{
		"request_id": requestID,
		"capability": cap.Name,
		"requester":  requesterID,
	})

	t := &trail{r: r, requestID: requestID}

	// PRIMARY
	res := r.callCapability(ctx, cap, api, requesterID, input)
	t.record(cap.Name, api, res)

	// Retry loop: refine the input through the language model and
	// re-attempt, up to the policy ceiling. Each iteration adds two
	// stages (refine + attempt) unless refinement stops the loop.
	current := input
	for attempt := 0; r.retryAllowed(cap, res, attempt); attempt++ {
		r.bus.Emit(events.SourceRouter, events.KindRetryRefine, map[string]any{
			"request_id": requestID,
			"capability": cap.Name,
			"attempt":    attempt + 1,
		})

		refineRes, outcome := r.refine(ctx, cap, requesterID, current, res.Message)
		t.record(cap.Name+":retry", dispatch.APILanguageModel, refineRes)
		if !outcome.proceed {
			r.logger.Info("retry loop stopped",
				"request_id", requestID,
				"capability", cap.Name,
				"reason", outcome.stop,
				"attempt", attempt+1,
			)
			break
		}

		r.logger.Info("retrying with refined input",
			"request_id", requestID,
			"capability", cap.Name,
			"attempt", attempt+1,
		)
		current = outcome.nextInput
		res = r.callCapability(ctx, cap, api, requesterID, current)
		t.record(cap.Name, api, res)
	}

	// FINAL_PASS, with the fallback invariant: a final-pass failure
	// never turns an overall success into a failure.
	finalAPI, finalRes := api, res
	if res.OK && cap.FinalPass && api != dispatch.APILanguageModel {
		if fpRes, attempted := r.finalPass(ctx, cap, api, requesterID, input, res, history); attempted {
			t.record(cap.Name+":final", dispatch.APILanguageModel, fpRes)
			r.bus.Emit(events.SourceRouter, events.KindFinalPass, map[string]any{
				"request_id": requestID,
				"capability": cap.Name,
				"ok":         fpRes.OK,
			})
			if fpRes.OK {
				finalAPI, finalRes = dispatch.APILanguageModel, fpRes
			} else {
				r.logger.Info("final pass failed, returning raw result",
					"request_id", requestID,
					"capability", cap.Name,
					"reason", fpRes.Message,
				)
			}
		}
	}

	elapsed := time.Since(start)
	r.logger.Info("routing complete",
		"request_id", requestID,
		"capability", cap.Name,
		"final_api", finalAPI,
		"ok", finalRes.OK,
		"stages", len(t.stages),
		"elapsed", elapsed.Truncate(time.Millisecond),
	)
	r.bus.Emit(events.SourceRouter, events.KindRequestComplete, map[string]any{
		"request_id": requestID,
		"capability": cap.Name,
		"final_api":  string(finalAPI),
		"ok":         finalRes.OK,
		"stages":     len(t.stages),
		"elapsed_ms": elapsed.Milliseconds(),
	})

	return dispatch.RoutedResult{
		FinalAPI:      finalAPI,
		FinalResponse: finalRes,
		Stages:        t.stages,
	}
}

// callCapability submits the capability's own call through the slot.
func (r *Router) callCapability(ctx context.Context, cap config.CapabilityConfig, api dispatch.API, requesterID, input string) dispatch.CallResult {
	return r.slot.Execute(ctx, queue.Call{
		API:         api,
		RequesterID: requesterID,
		Label:       cap.Name,
		Timeout:     cap.Timeout(),
		Work: func(workCtx context.Context) dispatch.CallResult {
			return r.dispatcher.ExecuteRequest(workCtx, api, requesterID, input)
		},
	})
}

// retryAllowed reports whether another repair attempt may start. All
// conditions must hold: policy enabled, the failure is flagged
// input-correctable by the client that produced it, cancellation has
// not occurred, and the ceiling has room.
func (r *Router) retryAllowed(cap config.CapabilityConfig, res dispatch.CallResult, attempts int) bool {
	if res.OK || res.Cancelled {
		return false
	}
	if cap.Retry == nil || !cap.Retry.Enabled {
		return false
	}
	if !res.Retryable {
		return false
	}
	return attempts < cap.Retry.MaxRetries
}

// refine asks the language model for a corrected input. The returned
// CallResult is recorded as a stage regardless of outcome; the
// refineOutcome says whether the loop proceeds.
func (r *Router) refine(ctx context.Context, cap config.CapabilityConfig, requesterID, failedInput, failureMessage string) (dispatch.CallResult, refineOutcome) {
	var model, instruction string
	if cap.Retry != nil {
		model = cap.Retry.Model
		instruction = cap.Retry.Instruction
	}

	res := r.slot.Execute(ctx, queue.Call{
		API:         dispatch.APILanguageModel,
		RequesterID: requesterID,
		Label:       cap.Name + ":retry",
		Timeout:     r.refineBudget,
		Work: func(workCtx context.Context) dispatch.CallResult {
			return r.dispatcher.ExecuteModelRequest(workCtx, dispatch.ModelRequest{
				RequesterID: requesterID,
				Input:       prompts.RefinePrompt(failedInput, failureMessage, instruction),
				Model:       model,
				// Repair output must not be colored by persona.
				SuppressPersona: true,
			})
		},
	})

	if !res.OK {
		return res, refineOutcome{stop: "refinement call failed"}
	}

	refined := strings.TrimSpace(res.Text())
	switch {
	case refined == "":
		// Stop A: the model had nothing better to offer.
		return res, refineOutcome{stop: "refinement empty"}
	case refined == strings.TrimSpace(failedInput):
		// Stop B: re-running the identical input cannot make progress.
		return res, refineOutcome{stop: "refinement unchanged"}
	default:
		return res, refineOutcome{proceed: true, nextInput: refined}
	}
}

// finalPass renders the successful payload through the category's
// formatter and asks the language model for a conversational answer.
// attempted is false only when no formatter is registered for the
// category, in which case no stage is recorded.
func (r *Router) finalPass(ctx context.Context, cap config.CapabilityConfig, api dispatch.API, requesterID, input string, res dispatch.CallResult, history []dispatch.Turn) (dispatch.CallResult, bool) {
	f, ok := r.formatters[api]
	if !ok {
		r.logger.Warn("final pass configured but no formatter registered",
			"capability", cap.Name,
			"api", api,
		)
		return dispatch.CallResult{}, false
	}

	rendered, err := f.FormatContext(res.Payload)
	if err != nil {
		// A formatter that rejects its own category's payload counts
		// as a failed final pass; the fallback rule keeps the raw
		// success.
		return dispatch.Failure("render final-pass context: " + err.Error()), true
	}

	narrowed := history
	if r.window != nil && len(history) > 0 {
		narrowed = r.window.Evaluate(ctx, history, input, cap, requesterID)
	}

	return r.slot.Execute(ctx, queue.Call{
		API:         dispatch.APILanguageModel,
		RequesterID: requesterID,
		Label:       cap.Name + ":final",
		Timeout:     r.finalBudget,
		Work: func(workCtx context.Context) dispatch.CallResult {
			return r.dispatcher.ExecuteModelRequest(workCtx, dispatch.ModelRequest{
				RequesterID: requesterID,
				Input:       prompts.FinalPassPrompt(string(api), rendered, input),
				History:     narrowed,
			})
		},
	}), true
}
