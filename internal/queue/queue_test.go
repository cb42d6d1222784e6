package queue

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parley-bot/parley/internal/dispatch"
	"github.com/parley-bot/parley/internal/events"
)

func TestExecuteSuccess(t *testing.T) {
	s := New(slog.Default())
	res := s.Execute(context.Background(), Call{
		API:     dispatch.APIWeather,
		Label:   "weather",
		Timeout: time.Second,
		Work: func(ctx context.Context) dispatch.CallResult {
			return dispatch.Success("sunny")
		},
	})

	if !res.OK || res.Text() != "sunny" {
		t.Errorf("Execute() = %+v, want success with payload sunny", res)
	}
}

func TestExecuteTimeout(t *testing.T) {
	s := New(slog.Default())
	res := s.Execute(context.Background(), Call{
		API:     dispatch.APIScores,
		Label:   "scores",
		Timeout: 20 * time.Millisecond,
		Work: func(ctx context.Context) dispatch.CallResult {
			<-ctx.Done()
			return dispatch.Failure("upstream never answered")
		},
	})

	if res.OK {
		t.Fatal("Execute() succeeded, want timeout failure")
	}
	if res.Cancelled {
		t.Error("timeout must be an ordinary failure, not cancellation")
	}
	if !strings.Contains(res.Message, "timed out") {
		t.Errorf("Message = %q, want it to identify a timeout", res.Message)
	}
}

func TestExecuteFastFail(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var started atomic.Bool
	s := New(slog.Default())
	res := s.Execute(ctx, Call{
		API:   dispatch.APISearch,
		Label: "search",
		Work: func(ctx context.Context) dispatch.CallResult {
			started.Store(true)
			return dispatch.Success("never seen")
		},
	})

	if !res.Cancelled {
		t.Errorf("Execute() = %+v, want cancelled result", res)
	}
	if started.Load() {
		t.Error("work started despite pre-cancelled context")
	}
}

func TestExecuteCallerCancelMidFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(slog.Default())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res := s.Execute(ctx, Call{
		API:     dispatch.APIImageGen,
		Label:   "image",
		Timeout: 5 * time.Second,
		Work: func(ctx context.Context) dispatch.CallResult {
			<-ctx.Done()
			return dispatch.Failure("interrupted")
		},
	})

	if !res.Cancelled {
		t.Errorf("Execute() = %+v, want cancellation distinct from failure", res)
	}
}

func TestExecuteClassifiesWorkCancellation(t *testing.T) {
	// Work that reports its own cancellation passes through as
	// cancelled even when the slot's contexts are still live.
	s := New(slog.Default())
	res := s.Execute(context.Background(), Call{
		API:     dispatch.APILanguageModel,
		Label:   "chat",
		Timeout: time.Second,
		Work: func(ctx context.Context) dispatch.CallResult {
			return dispatch.Cancelled("stream torn down")
		},
	})

	if !res.Cancelled {
		t.Errorf("Execute() = %+v, want cancelled", res)
	}
}

func TestExecuteZeroTimeoutMeansNoBudget(t *testing.T) {
	s := New(slog.Default())
	res := s.Execute(context.Background(), Call{
		API:   dispatch.APIWeather,
		Label: "weather",
		Work: func(ctx context.Context) dispatch.CallResult {
			if _, ok := ctx.Deadline(); ok {
				return dispatch.Failure("unexpected deadline")
			}
			return dispatch.Success("ok")
		},
	})

	if !res.OK {
		t.Errorf("Execute() = %+v, want success with no deadline set", res)
	}
}

func TestExecuteRespectsCategoryLimit(t *testing.T) {
	s := New(slog.Default(), WithLimit(dispatch.APIScores, 1))

	hold := make(chan struct{})
	first := make(chan dispatch.CallResult, 1)
	go func() {
		first <- s.Execute(context.Background(), Call{
			API:   dispatch.APIScores,
			Label: "scores",
			Work: func(ctx context.Context) dispatch.CallResult {
				<-hold
				return dispatch.Success("one")
			},
		})
	}()

	// Give the first call time to occupy the slot, then verify a
	// second call on the same category blocks until released.
	time.Sleep(20 * time.Millisecond)

	second := make(chan dispatch.CallResult, 1)
	go func() {
		second <- s.Execute(context.Background(), Call{
			API:   dispatch.APIScores,
			Label: "scores",
			Work: func(ctx context.Context) dispatch.CallResult {
				return dispatch.Success("two")
			},
		})
	}()

	select {
	case <-second:
		t.Fatal("second call completed while first held the category slot")
	case <-time.After(50 * time.Millisecond):
	}

	close(hold)
	for _, ch := range []chan dispatch.CallResult{first, second} {
		select {
		case res := <-ch:
			if !res.OK {
				t.Errorf("call failed: %+v", res)
			}
		case <-time.After(time.Second):
			t.Fatal("call did not complete after slot release")
		}
	}
}

func TestExecutePublishesNarration(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(4)
	defer bus.Unsubscribe(ch)

	s := New(slog.Default(), WithBus(bus))
	s.Execute(context.Background(), Call{
		API:     dispatch.APIWeather,
		Label:   "weather",
		Timeout: time.Second,
		Work: func(ctx context.Context) dispatch.CallResult {
			return dispatch.Success("sunny")
		},
	})

	var kinds []string
	for i := 0; i < 2; i++ {
		select {
		case e := <-ch:
			kinds = append(kinds, e.Kind)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for narration events, got %v", kinds)
		}
	}
	if kinds[0] != events.KindCallStart || kinds[1] != events.KindCallDone {
		t.Errorf("narration kinds = %v, want [call_start call_done]", kinds)
	}
}
