// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (router, execution slot,
// chat bridge) to subscribers (admin WebSocket handler, MQTT narration
// publisher). The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceRouter identifies events from the routed execution pipeline.
	SourceRouter = "router"
	// SourceQueue identifies events from the bounded execution slot.
	SourceQueue = "queue"
	// SourceBridge identifies events from the chat-platform bridge.
	SourceBridge = "bridge"
)

// Kind constants describe the type of event within a source.
const (
	// KindRequestStart signals the beginning of a routed request.
	// Data: request_id, capability, requester.
	KindRequestStart = "request_start"
	// KindStage signals completion of one stage within a routed request.
	// Data: request_id, api, label, ok, retryable.
	KindStage = "stage"
	// KindRetryRefine signals an LLM input-repair attempt.
	// Data: request_id, capability, attempt.
	KindRetryRefine = "retry_refine"
	// KindFinalPass signals a final-pass rendering attempt.
	// Data: request_id, capability, ok.
	KindFinalPass = "final_pass"
	// KindRequestComplete signals the end of a routed request.
	// Data: request_id, capability, final_api, ok, stages, elapsed_ms.
	KindRequestComplete = "request_complete"

	// KindCallStart signals an execution slot accepted a call.
	// Data: api, label, requester.
	KindCallStart = "call_start"
	// KindCallDone signals an execution slot call finished.
	// Data: api, label, ok, cancelled, duration_ms.
	KindCallDone = "call_done"

	// KindMessageReceived signals an incoming chat message.
	// Data: sender, message_len.
	KindMessageReceived = "message_received"
	// KindAnswerSent signals an outbound chat answer.
	// Data: sender, capability, answer_len.
	KindAnswerSent = "answer_sent"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Emit is a convenience wrapper that stamps the current time.
// Safe to call on a nil receiver (no-op).
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
