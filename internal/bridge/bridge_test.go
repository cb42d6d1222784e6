package bridge

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/parley-bot/parley/internal/config"
	"github.com/parley-bot/parley/internal/dispatch"
)

// fakePipeline records routed calls and returns a canned result.
type fakePipeline struct {
	result dispatch.RoutedResult

	calls      int
	lastCap    config.CapabilityConfig
	lastInput  string
	lastSender string
	lastHist   []dispatch.Turn
}

func (p *fakePipeline) Route(_ context.Context, cap config.CapabilityConfig, input, requesterID string, history []dispatch.Turn) dispatch.RoutedResult {
	p.calls++
	p.lastCap = cap
	p.lastInput = input
	p.lastSender = requesterID
	p.lastHist = history
	return p.result
}

// fakeGateway collects sent messages.
type fakeGateway struct {
	inbound chan Inbound
	sent    []Outbound
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{inbound: make(chan Inbound, 8)}
}

func (g *fakeGateway) Messages() <-chan Inbound { return g.inbound }

func (g *fakeGateway) Send(_ context.Context, msg Outbound) error {
	g.sent = append(g.sent, msg)
	return nil
}

// fakeHistory is an in-memory HistoryStore.
type fakeHistory struct {
	turns map[string][]dispatch.Turn
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{turns: make(map[string][]dispatch.Turn)}
}

func (h *fakeHistory) RecentTurns(convID string) ([]dispatch.Turn, error) {
	return h.turns[convID], nil
}

func (h *fakeHistory) AddTurn(convID, role, content string) error {
	h.turns[convID] = append(h.turns[convID], dispatch.Turn{Role: role, Content: content})
	return nil
}

func testCaps() []config.CapabilityConfig {
	return []config.CapabilityConfig{
		{Name: "weather", API: "weather"},
		{Name: "search", API: "search"},
		{Name: "chat", API: "languagemodel"},
	}
}

func TestMatchCapability(t *testing.T) {
	b := New(BridgeConfig{Capabilities: testCaps(), Logger: slog.Default()})

	tests := []struct {
		name      string
		content   string
		wantCap   string
		wantInput string
		wantOK    bool
	}{
		{"keyword match", "weather rome", "weather", "rome", true},
		{"keyword case-insensitive", "Weather Rome", "weather", "Rome", true},
		{"keyword only", "weather", "weather", "", true},
		{"unmatched falls to chat", "tell me a joke", "chat", "tell me a joke", true},
		{"leading whitespace", "  search go testing", "search", "go testing", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cap, input, ok := b.matchCapability(tt.content)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if cap.Name != tt.wantCap {
				t.Errorf("capability = %q, want %q", cap.Name, tt.wantCap)
			}
			if input != tt.wantInput {
				t.Errorf("input = %q, want %q", input, tt.wantInput)
			}
		})
	}
}

func TestMatchCapabilityNoFallback(t *testing.T) {
	b := New(BridgeConfig{
		Capabilities: []config.CapabilityConfig{{Name: "weather", API: "weather"}},
		Logger:       slog.Default(),
	})

	if _, _, ok := b.matchCapability("tell me a joke"); ok {
		t.Error("matched without a language-model fallback capability")
	}
}

func TestHandleMessageSendsAnswer(t *testing.T) {
	gw := newFakeGateway()
	hist := newFakeHistory()
	p := &fakePipeline{result: dispatch.RoutedResult{
		FinalAPI:      dispatch.APILanguageModel,
		FinalResponse: dispatch.Success("It is **sunny** in Rome."),
	}}

	b := New(BridgeConfig{
		Gateway:      gw,
		Pipeline:     p,
		History:      hist,
		Capabilities: testCaps(),
		Logger:       slog.Default(),
	})

	b.handleMessage(context.Background(), Inbound{Sender: "alice@example", Content: "weather rome"})

	if p.calls != 1 {
		t.Fatalf("pipeline calls = %d, want 1", p.calls)
	}
	if p.lastCap.Name != "weather" || p.lastInput != "rome" || p.lastSender != "alice@example" {
		t.Errorf("pipeline got cap=%q input=%q sender=%q", p.lastCap.Name, p.lastInput, p.lastSender)
	}
	if len(gw.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(gw.sent))
	}
	if gw.sent[0].Recipient != "alice@example" {
		t.Errorf("recipient = %q", gw.sent[0].Recipient)
	}
	if gw.sent[0].Body != "It is sunny in Rome." {
		t.Errorf("body = %q, want markdown stripped", gw.sent[0].Body)
	}

	turns := hist.turns["chat-aliceexample"]
	if len(turns) != 2 {
		t.Fatalf("recorded %d turns, want 2", len(turns))
	}
	if turns[0].Role != "user" || turns[1].Role != "assistant" {
		t.Errorf("turn roles = %q, %q", turns[0].Role, turns[1].Role)
	}
}

func TestHandleMessagePassesHistory(t *testing.T) {
	gw := newFakeGateway()
	hist := newFakeHistory()
	_ = hist.AddTurn("chat-alice", "user", "earlier question")

	p := &fakePipeline{result: dispatch.RoutedResult{
		FinalResponse: dispatch.Success("answer"),
	}}
	b := New(BridgeConfig{
		Gateway:      gw,
		Pipeline:     p,
		History:      hist,
		Capabilities: testCaps(),
		Logger:       slog.Default(),
	})

	b.handleMessage(context.Background(), Inbound{Sender: "alice", Content: "chat more please"})

	if len(p.lastHist) != 1 || p.lastHist[0].Content != "earlier question" {
		t.Errorf("pipeline history = %+v, want earlier turn", p.lastHist)
	}
}

func TestHandleMessageFailure(t *testing.T) {
	gw := newFakeGateway()
	p := &fakePipeline{result: dispatch.RoutedResult{
		FinalAPI:      dispatch.APIWeather,
		FinalResponse: dispatch.Failure("location not found: atlantis"),
	}}
	b := New(BridgeConfig{
		Gateway:      gw,
		Pipeline:     p,
		Capabilities: testCaps(),
		Logger:       slog.Default(),
	})

	b.handleMessage(context.Background(), Inbound{Sender: "alice", Content: "weather atlantis"})

	if len(gw.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(gw.sent))
	}
	if !strings.Contains(gw.sent[0].Body, "location not found") {
		t.Errorf("failure answer = %q, want failure message included", gw.sent[0].Body)
	}
}

func TestHandleMessageCancelledStaysSilent(t *testing.T) {
	gw := newFakeGateway()
	p := &fakePipeline{result: dispatch.RoutedResult{
		FinalResponse: dispatch.Cancelled("request cancelled"),
	}}
	b := New(BridgeConfig{
		Gateway:      gw,
		Pipeline:     p,
		Capabilities: testCaps(),
		Logger:       slog.Default(),
	})

	b.handleMessage(context.Background(), Inbound{Sender: "alice", Content: "weather rome"})

	if len(gw.sent) != 0 {
		t.Errorf("sent %d messages after cancellation, want 0", len(gw.sent))
	}
}

func TestRenderAnswerStructuredPayload(t *testing.T) {
	b := New(BridgeConfig{
		Capabilities: testCaps(),
		Formatters: map[dispatch.API]dispatch.Formatter{
			dispatch.APIWeather: dispatch.FormatterFunc(func(payload any) (string, error) {
				return "Rome: 22C, clear sky", nil
			}),
		},
		Logger: slog.Default(),
	})

	res := dispatch.RoutedResult{
		FinalAPI:      dispatch.APIWeather,
		FinalResponse: dispatch.Success(struct{ Temp float64 }{22}),
	}
	got := b.renderAnswer(config.CapabilityConfig{Name: "weather"}, res)
	if got != "Rome: 22C, clear sky" {
		t.Errorf("renderAnswer() = %q", got)
	}
}

func TestAllowSender(t *testing.T) {
	b := New(BridgeConfig{RateLimit: 2, Logger: slog.Default()})

	if !b.allowSender("alice") || !b.allowSender("alice") {
		t.Fatal("first two messages should pass")
	}
	if b.allowSender("alice") {
		t.Error("third message within the window should be limited")
	}
	if !b.allowSender("bob") {
		t.Error("limits are per sender")
	}
}

func TestAllowSenderUnlimited(t *testing.T) {
	b := New(BridgeConfig{Logger: slog.Default()})
	for i := 0; i < 100; i++ {
		if !b.allowSender("alice") {
			t.Fatal("rate limit 0 should never block")
		}
	}
}
