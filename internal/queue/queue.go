// Package queue implements the bounded execution slot every external
// call goes through. The slot knows nothing about transports or
// payloads — only an API category, an operation label, a timeout
// budget, and a unit of work. It races the work against the budget,
// classifies cancellation distinctly from ordinary failure, and logs
// the call's duration. It holds no cross-call state.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/parley-bot/parley/internal/dispatch"
	"github.com/parley-bot/parley/internal/events"
)

// Work performs one external call. It must honor ctx: when the slot's
// timeout fires or the caller cancels, ctx is cancelled and the work
// is expected to return promptly.
type Work func(ctx context.Context) dispatch.CallResult

// Call describes one unit of work submitted to the slot.
type Call struct {
	// API is the category label, used for logging and the optional
	// per-category concurrency ceiling.
	API dispatch.API
	// RequesterID identifies who asked, for logging only.
	RequesterID string
	// Label names the operation (capability name, "<name>:retry",
	// "<name>:final").
	Label string
	// Timeout is the budget for this call. Zero means no timeout.
	Timeout time.Duration
	// Work performs the call.
	Work Work
}

// Slot executes calls with per-call timeout enforcement and
// cooperative cancellation. Safe for concurrent use; calls are
// independent of one another.
type Slot struct {
	logger *slog.Logger
	bus    *events.Bus
	// limits holds optional per-category semaphores. A category with
	// no entry is unlimited. Contention has not been observed in
	// practice, so nothing is limited unless configured.
	limits map[dispatch.API]chan struct{}
}

// Option configures a Slot.
type Option func(*Slot)

// WithLimit caps concurrent calls for one category. n <= 0 leaves the
// category unlimited.
func WithLimit(api dispatch.API, n int) Option {
	return func(s *Slot) {
		if n > 0 {
			s.limits[api] = make(chan struct{}, n)
		}
	}
}

// WithBus attaches an observability bus for call narration.
func WithBus(bus *events.Bus) Option {
	return func(s *Slot) { s.bus = bus }
}

// New creates an execution slot.
func New(logger *slog.Logger, opts ...Option) *Slot {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Slot{
		logger: logger,
		limits: make(map[dispatch.API]chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Execute runs one call. The returned CallResult is always usable:
//   - caller's ctx already cancelled → Cancelled, work never starts
//   - budget exceeded → ordinary failure identifying a timeout
//   - caller cancels mid-flight → Cancelled
//   - work reports its own cancellation → Cancelled (never retried)
//   - otherwise → whatever the work returned
func (s *Slot) Execute(ctx context.Context, call Call) dispatch.CallResult {
	// Fast-fail: don't start work for a caller that already left.
	if err := ctx.Err(); err != nil {
		s.logger.Debug("call rejected, context already cancelled",
			"api", call.API,
			"label", call.Label,
			"requester", call.RequesterID,
		)
		return dispatch.Cancelled("request cancelled before " + call.Label + " started")
	}

	if sem, ok := s.limits[call.API]; ok {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
		case <-ctx.Done():
			return dispatch.Cancelled("request cancelled waiting for " + string(call.API) + " slot")
		}
	}

	s.bus.Emit(events.SourceQueue, events.KindCallStart, map[string]any{
		"api":       string(call.API),
		"label":     call.Label,
		"requester": call.RequesterID,
	})

	workCtx := ctx
	cancel := context.CancelFunc(func() {})
	if call.Timeout > 0 {
		workCtx, cancel = context.WithTimeout(ctx, call.Timeout)
	}
	defer cancel()

	start := time.Now()
	done := make(chan dispatch.CallResult, 1)
	go func() {
		done <- call.Work(workCtx)
	}()

	var res dispatch.CallResult
	select {
	case res = <-done:
		// Work that failed because its context was cancelled must be
		// classified, not treated as an ordinary (possibly retryable)
		// failure.
		if !res.OK && !res.Cancelled && ctx.Err() != nil {
			res = dispatch.Cancelled(res.Message)
		}
	case <-workCtx.Done():
		if ctx.Err() != nil {
			res = dispatch.Cancelled(fmt.Sprintf("%s cancelled after %s", call.Label, time.Since(start).Truncate(time.Millisecond)))
		} else {
			// The budget fired, not the caller. The work goroutine's
			// context is already cancelled by the deferred cancel; it
			// will unwind on its own.
			res = dispatch.Failure(fmt.Sprintf("%s timed out after %s", call.Label, call.Timeout))
		}
	}

	duration := time.Since(start)
	s.logger.Debug("call completed",
		"api", call.API,
		"label", call.Label,
		"requester", call.RequesterID,
		"ok", res.OK,
		"cancelled", res.Cancelled,
		"duration", duration.Truncate(time.Millisecond),
	)
	s.bus.Emit(events.SourceQueue, events.KindCallDone, map[string]any{
		"api":         string(call.API),
		"label":       call.Label,
		"ok":          res.OK,
		"cancelled":   res.Cancelled,
		"duration_ms": duration.Milliseconds(),
	})

	return res
}
