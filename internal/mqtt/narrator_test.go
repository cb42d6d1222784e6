package mqtt

import (
	"context"
	"log/slog"
	"testing"

	"github.com/parley-bot/parley/internal/config"
	"github.com/parley-bot/parley/internal/events"
)

func TestTopics(t *testing.T) {
	n := New(config.MQTTConfig{TopicRoot: "parley", DeviceName: "den"}, nil, slog.Default())

	if got := n.availabilityTopic(); got != "parley/den/availability" {
		t.Errorf("availabilityTopic() = %q", got)
	}

	e := events.Event{Source: events.SourceRouter, Kind: events.KindStage}
	if got := n.eventTopic(e); got != "parley/den/events/router/stage" {
		t.Errorf("eventTopic() = %q", got)
	}
}

func TestTopicRootDefault(t *testing.T) {
	n := New(config.MQTTConfig{DeviceName: "den"}, nil, slog.Default())
	if got := n.baseTopic(); got != "parley/den" {
		t.Errorf("baseTopic() = %q", got)
	}
}

func TestStartRejectsBadBrokerURL(t *testing.T) {
	n := New(config.MQTTConfig{Broker: "://bad"}, events.New(), slog.Default())
	if err := n.Start(context.Background()); err == nil {
		t.Error("Start() accepted malformed broker URL")
	}
}
