package admin

import (
	"context"
	"sync"
	"time"

	"github.com/parley-bot/parley/internal/config"
	"github.com/parley-bot/parley/internal/dispatch"
)

// Pipeline is the routed execution pipeline surface the recorder can
// wrap. The real implementation is *router.Router.
type Pipeline interface {
	Route(ctx context.Context, cap config.CapabilityConfig, input, requesterID string, history []dispatch.Turn) dispatch.RoutedResult
}

// StageRecord summarizes one stage of a recorded request.
type StageRecord struct {
	API       string `json:"api"`
	OK        bool   `json:"ok"`
	Retryable bool   `json:"retryable,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
	Message   string `json:"message,omitempty"`
}

// RequestRecord summarizes one completed routed request.
type RequestRecord struct {
	Time       time.Time     `json:"time"`
	Capability string        `json:"capability"`
	Requester  string        `json:"requester"`
	FinalAPI   string        `json:"final_api"`
	OK         bool          `json:"ok"`
	ElapsedMS  int64         `json:"elapsed_ms"`
	Stages     []StageRecord `json:"stages"`
}

// Recorder keeps a circular buffer of recent routed requests for the
// admin introspection endpoints. Safe for concurrent use.
type Recorder struct {
	mu      sync.RWMutex
	entries []RequestRecord
	head    int
	count   int
	total   int64
}

// NewRecorder creates a recorder holding the most recent size requests.
func NewRecorder(size int) *Recorder {
	if size <= 0 {
		size = 50
	}
	return &Recorder{entries: make([]RequestRecord, size)}
}

// Observe records one completed request.
func (rec *Recorder) Observe(capName, requester string, res dispatch.RoutedResult, elapsed time.Duration) {
	stages := make([]StageRecord, len(res.Stages))
	for i, st := range res.Stages {
		stages[i] = StageRecord{
			API:       string(st.API),
			OK:        st.Result.OK,
			Retryable: st.Result.Retryable,
			Cancelled: st.Result.Cancelled,
			Message:   st.Result.Message,
		}
	}

	rec.mu.Lock()
	rec.entries[rec.head] = RequestRecord{
		Time:       time.Now().UTC(),
		Capability: capName,
		Requester:  requester,
		FinalAPI:   string(res.FinalAPI),
		OK:         res.FinalResponse.OK,
		ElapsedMS:  elapsed.Milliseconds(),
		Stages:     stages,
	}
	rec.head = (rec.head + 1) % len(rec.entries)
	if rec.count < len(rec.entries) {
		rec.count++
	}
	rec.total++
	rec.mu.Unlock()
}

// Recent returns recorded requests, newest first.
func (rec *Recorder) Recent() []RequestRecord {
	rec.mu.RLock()
	defer rec.mu.RUnlock()

	bufLen := len(rec.entries)
	out := make([]RequestRecord, 0, rec.count)
	for i := 0; i < rec.count; i++ {
		idx := (rec.head - 1 - i + bufLen) % bufLen
		out = append(out, rec.entries[idx])
	}
	return out
}

// Total returns the number of requests observed since startup.
func (rec *Recorder) Total() int64 {
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return rec.total
}

// Wrap decorates a pipeline so every routed request is recorded.
func (rec *Recorder) Wrap(next Pipeline) Pipeline {
	return &recordingPipeline{next: next, rec: rec}
}

type recordingPipeline struct {
	next Pipeline
	rec  *Recorder
}

func (p *recordingPipeline) Route(ctx context.Context, cap config.CapabilityConfig, input, requesterID string, history []dispatch.Turn) dispatch.RoutedResult {
	start := time.Now()
	res := p.next.Route(ctx, cap, input, requesterID, history)
	p.rec.Observe(cap.Name, requesterID, res, time.Since(start))
	return res
}
