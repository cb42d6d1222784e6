package bridge

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/parley-bot/parley/internal/config"
	"github.com/parley-bot/parley/internal/dispatch"
	"github.com/parley-bot/parley/internal/events"
)

// Pipeline abstracts the routed execution pipeline for testability.
// The real implementation is *router.Router.
type Pipeline interface {
	Route(ctx context.Context, cap config.CapabilityConfig, input, requesterID string, history []dispatch.Turn) dispatch.RoutedResult
}

// Gateway abstracts the chat gateway connection. The real
// implementation is *Client.
type Gateway interface {
	Messages() <-chan Inbound
	Send(ctx context.Context, msg Outbound) error
}

// HistoryStore persists conversation turns across messages. The real
// implementation is *history.Store.
type HistoryStore interface {
	RecentTurns(conversationID string) ([]dispatch.Turn, error)
	AddTurn(conversationID, role, content string) error
}

// handleTimeout bounds how long a single inbound message may be
// processed (pipeline run + answer send).
const handleTimeout = 5 * time.Minute

// rateWindow is the sliding window for per-sender rate limiting.
const rateWindow = time.Minute

// cleanupInterval controls how often stale rate-limit entries are
// evicted.
const cleanupInterval = 10 * time.Minute

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Gateway      Gateway
	Pipeline     Pipeline
	History      HistoryStore // optional; nil disables history
	Capabilities []config.CapabilityConfig
	Formatters   map[dispatch.API]dispatch.Formatter // payload rendering when no final pass ran
	HTMLBody     bool
	RateLimit    int // per sender per minute; 0 = unlimited
	Bus          *events.Bus
	Logger       *slog.Logger
}

// Bridge receives chat messages from the gateway, matches a leading
// keyword to a capability, drives the request through the pipeline,
// and sends the answer back.
type Bridge struct {
	gateway    Gateway
	pipeline   Pipeline
	history    HistoryStore
	caps       []config.CapabilityConfig
	formatters map[dispatch.API]dispatch.Formatter
	htmlBody   bool
	rateLimit  int
	bus        *events.Bus
	logger     *slog.Logger

	mu          sync.Mutex
	senderTimes map[string][]time.Time
	lastCleanup time.Time
}

// New creates a chat message bridge.
func New(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		gateway:     cfg.Gateway,
		pipeline:    cfg.Pipeline,
		history:     cfg.History,
		caps:        cfg.Capabilities,
		formatters:  cfg.Formatters,
		htmlBody:    cfg.HTMLBody,
		rateLimit:   cfg.RateLimit,
		bus:         cfg.Bus,
		logger:      logger,
		senderTimes: make(map[string][]time.Time),
	}
}

// Start receives messages from the gateway and drives them through the
// pipeline until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) {
	b.logger.Info("chat bridge started")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("chat bridge shutting down")
			return
		case msg, ok := <-b.gateway.Messages():
			if !ok {
				b.logger.Info("gateway message channel closed, bridge stopping")
				return
			}

			if msg.Sender == "" || strings.TrimSpace(msg.Content) == "" {
				b.logger.Debug("bridge ignoring empty message", "sender", msg.Sender)
				continue
			}

			if !b.allowSender(msg.Sender) {
				b.logger.Warn("chat message rate-limited", "sender", msg.Sender)
				continue
			}

			b.bus.Emit(events.SourceBridge, events.KindMessageReceived, map[string]any{
				"sender":      msg.Sender,
				"message_len": len(msg.Content),
			})

			b.handleMessage(ctx, msg)
		}
	}
}

// HandleOnce processes a single message outside the gateway loop. The
// CLI uses it to route one-shot questions.
func (b *Bridge) HandleOnce(ctx context.Context, msg Inbound) {
	b.handleMessage(ctx, msg)
}

// handleMessage processes a single inbound chat message: matches a
// capability, runs the pipeline, and sends the answer back to the
// sender.
func (b *Bridge) handleMessage(ctx context.Context, msg Inbound) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	cap, input, ok := b.matchCapability(msg.Content)
	if !ok {
		b.logger.Debug("no capability matched and no chat fallback configured",
			"sender", msg.Sender)
		return
	}

	convID := "chat-" + sanitizeSender(msg.Sender)
	b.logger.Info("chat message received",
		"sender", msg.Sender,
		"conversation_id", convID,
		"capability", cap.Name,
		"message_len", len(msg.Content),
	)

	var history []dispatch.Turn
	if b.history != nil {
		turns, err := b.history.RecentTurns(convID)
		if err != nil {
			b.logger.Warn("history load failed", "conversation_id", convID, "error", err)
		} else {
			history = turns
		}
	}

	res := b.pipeline.Route(ctx, cap, input, msg.Sender, history)

	if res.FinalResponse.Cancelled {
		b.logger.Info("chat request cancelled",
			"sender", msg.Sender, "capability", cap.Name)
		return
	}

	answer := b.renderAnswer(cap, res)
	if answer == "" {
		return
	}

	out := Outbound{Recipient: msg.Sender, Body: markdownToPlain(answer)}
	if b.htmlBody {
		if html, err := markdownToHTML(answer); err == nil {
			out.HTMLBody = html
		} else {
			b.logger.Warn("markdown render failed", "error", err)
		}
	}

	if err := b.gateway.Send(ctx, out); err != nil {
		b.logger.Error("chat answer send failed",
			"sender", msg.Sender, "capability", cap.Name, "error", err)
		return
	}

	b.bus.Emit(events.SourceBridge, events.KindAnswerSent, map[string]any{
		"sender":     msg.Sender,
		"capability": cap.Name,
		"answer_len": len(out.Body),
	})

	if b.history != nil && res.FinalResponse.OK {
		if err := b.history.AddTurn(convID, "user", input); err != nil {
			b.logger.Warn("history record failed", "error", err)
		}
		if err := b.history.AddTurn(convID, "assistant", answer); err != nil {
			b.logger.Warn("history record failed", "error", err)
		}
	}

	b.logger.Info("chat answer sent",
		"sender", msg.Sender,
		"conversation_id", convID,
		"answer_len", len(out.Body),
	)
}

// renderAnswer turns a routed result into user-facing text. Successful
// text responses pass through; structured payloads that skipped the
// final pass are rendered via the producing category's formatter.
// Failures get a short apology carrying the failure message.
func (b *Bridge) renderAnswer(cap config.CapabilityConfig, res dispatch.RoutedResult) string {
	if !res.FinalResponse.OK {
		if res.FinalResponse.Message == "" {
			return "Sorry, that didn't work."
		}
		return "Sorry, that didn't work: " + res.FinalResponse.Message
	}

	if text := res.FinalResponse.Text(); text != "" {
		return text
	}

	if f, ok := b.formatters[res.FinalAPI]; ok {
		rendered, err := f.FormatContext(res.FinalResponse.Payload)
		if err != nil {
			b.logger.Warn("payload render failed",
				"capability", cap.Name, "api", string(res.FinalAPI), "error", err)
			return "Done."
		}
		return rendered
	}
	return "Done."
}

// matchCapability matches the leading word of a message against
// configured capability keywords. Unmatched messages fall through to
// the capability backed by the language model, carrying the full text.
func (b *Bridge) matchCapability(content string) (config.CapabilityConfig, string, bool) {
	trimmed := strings.TrimSpace(content)
	keyword, rest, _ := strings.Cut(trimmed, " ")
	keyword = strings.ToLower(keyword)

	for _, c := range b.caps {
		if strings.ToLower(c.Name) == keyword {
			return c, strings.TrimSpace(rest), true
		}
	}

	for _, c := range b.caps {
		if dispatch.API(c.API) == dispatch.APILanguageModel {
			return c, trimmed, true
		}
	}

	return config.CapabilityConfig{}, "", false
}

// allowSender checks whether the sender is within the per-minute rate
// limit. Returns true if the message should be processed.
func (b *Bridge) allowSender(senderID string) bool {
	if b.rateLimit <= 0 {
		return true
	}

	now := time.Now()
	cutoff := now.Add(-rateWindow)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeCleanupLocked(now)

	// Prune expired timestamps for this sender.
	timestamps := b.senderTimes[senderID]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= b.rateLimit {
		b.senderTimes[senderID] = valid
		return false
	}

	b.senderTimes[senderID] = append(valid, now)
	return true
}

// maybeCleanupLocked evicts stale sender entries. Must be called with
// b.mu held.
func (b *Bridge) maybeCleanupLocked(now time.Time) {
	if now.Sub(b.lastCleanup) < cleanupInterval {
		return
	}
	b.lastCleanup = now

	cutoff := now.Add(-2 * rateWindow)
	for sender, timestamps := range b.senderTimes {
		if len(timestamps) == 0 {
			delete(b.senderTimes, sender)
			continue
		}
		if timestamps[len(timestamps)-1].Before(cutoff) {
			delete(b.senderTimes, sender)
		}
	}
}

// sanitizeSender strips non-alphanumeric characters from a sender ID
// to produce a safe conversation ID component.
func sanitizeSender(sender string) string {
	var sb strings.Builder
	for _, r := range sender {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
