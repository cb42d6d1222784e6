// Package mqtt publishes routing narration to an MQTT broker. Each
// operational event from the bus becomes a retained-free JSON message
// under the configured topic root, so external dashboards can follow
// what the agent is doing in real time. The publisher is optional:
// when no broker is configured the rest of the system runs without it.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/parley-bot/parley/internal/config"
	"github.com/parley-bot/parley/internal/events"
)

// Narrator manages the MQTT connection and forwards bus events to the
// broker until its context is cancelled.
type Narrator struct {
	cfg    config.MQTTConfig
	bus    *events.Bus
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates a Narrator but does not connect. Call [Narrator.Start]
// to begin the connection and forwarding loop.
func New(cfg config.MQTTConfig, bus *events.Bus, logger *slog.Logger) *Narrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Narrator{
		cfg:    cfg,
		bus:    bus,
		logger: logger,
	}
}

// Start connects to the MQTT broker and forwards bus events until ctx
// is cancelled. On every (re-)connect it publishes an "online"
// availability message; the broker's will message flips it to
// "offline" if the process dies.
func (n *Narrator) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(n.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := n.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: n.cfg.Username,
		ConnectPassword: []byte(n.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			n.logger.Info("mqtt connected to broker", "broker", n.cfg.Broker)
			n.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			n.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "parley-" + n.cfg.DeviceName,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	n.cm = cm

	// Wait for the initial connection before consuming events.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail; autopaho keeps retrying in the background.
		n.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	n.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection.
func (n *Narrator) Stop(ctx context.Context) error {
	if n.cm == nil {
		return nil
	}
	n.publishAvailability(ctx, n.cm, "offline")
	return n.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires.
func (n *Narrator) AwaitConnection(ctx context.Context) error {
	if n.cm == nil {
		return fmt.Errorf("mqtt narrator not started")
	}
	return n.cm.AwaitConnection(ctx)
}

func (n *Narrator) baseTopic() string {
	root := n.cfg.TopicRoot
	if root == "" {
		root = "parley"
	}
	return root + "/" + n.cfg.DeviceName
}

func (n *Narrator) availabilityTopic() string {
	return n.baseTopic() + "/availability"
}

// eventTopic maps an event to its broker topic, e.g.
// parley/den/events/router/stage.
func (n *Narrator) eventTopic(e events.Event) string {
	return n.baseTopic() + "/events/" + e.Source + "/" + e.Kind
}

func (n *Narrator) runLoop(ctx context.Context) {
	ch := n.bus.Subscribe(64)
	defer n.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			n.publishEvent(ctx, e)
		}
	}
}

func (n *Narrator) publishEvent(ctx context.Context, e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		n.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}

	if _, err := n.cm.Publish(ctx, &paho.Publish{
		Topic:   n.eventTopic(e),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		n.logger.Debug("mqtt event publish failed",
			"source", e.Source, "kind", e.Kind, "error", err)
	}
}

func (n *Narrator) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   n.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		n.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		n.logger.Info("mqtt availability published", "status", status)
	}
}
