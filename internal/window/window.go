// Package window narrows conversation history before it is handed to a
// language-model final pass. Trimming is deterministic and applies dual
// eviction: age-based (entries older than maxAge are excluded) and
// depth-based (the capability's configured depth range caps how many of
// the newest turns survive).
package window

import (
	"context"
	"log/slog"
	"time"

	"github.com/parley-bot/parley/internal/config"
	"github.com/parley-bot/parley/internal/dispatch"
)

// Evaluator trims supplied history to a capability's depth bounds. It
// implements router.Window.
type Evaluator struct {
	maxAge  time.Duration
	nowFunc func() time.Time
	logger  *slog.Logger
}

// New creates an evaluator. Turns older than maxAge are dropped
// regardless of depth bounds; zero or negative maxAge defaults to
// 30 minutes.
func New(maxAge time.Duration, logger *slog.Logger) *Evaluator {
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		maxAge:  maxAge,
		nowFunc: time.Now,
		logger:  logger,
	}
}

// Evaluate returns the newest turns that fit the capability's depth
// range, oldest first. Turns beyond the age cutoff are excluded before
// the depth cap applies. When fewer fresh turns remain than the
// configured minimum, Evaluate returns nil: a final pass with too
// little context reads worse than one with none.
func (e *Evaluator) Evaluate(_ context.Context, history []dispatch.Turn, _ string, cap config.CapabilityConfig, requesterID string) []dispatch.Turn {
	if len(history) == 0 {
		return nil
	}

	cutoff := e.nowFunc().Add(-e.maxAge)
	fresh := make([]dispatch.Turn, 0, len(history))
	for _, t := range history {
		if !t.Timestamp.IsZero() && t.Timestamp.Before(cutoff) {
			continue
		}
		fresh = append(fresh, t)
	}

	min, max := 0, 0
	if d := cap.HistoryDepth; d != nil {
		min, max = d.Min, d.Max
	}
	if min > 0 && len(fresh) < min {
		e.logger.Debug("history below depth minimum, dropping context",
			"capability", cap.Name, "requester", requesterID,
			"turns", len(fresh), "min", min)
		return nil
	}
	if max > 0 && len(fresh) > max {
		fresh = fresh[len(fresh)-max:]
	}

	e.logger.Debug("history window evaluated",
		"capability", cap.Name, "requester", requesterID,
		"supplied", len(history), "kept", len(fresh))
	return fresh
}
