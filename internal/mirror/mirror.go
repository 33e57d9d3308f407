// Package mirror publishes fresh readings to an MQTT broker for live
// dashboards. The mirror is strictly best effort: the durable queue is the
// delivery path of record, and nothing here blocks or fails a sample.
package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"spokesense/uplink/internal/model"
	"spokesense/uplink/internal/uplink"
)

const publishTimeout = 2 * time.Second

// Mirror publishes readings to spokesense/<device_id>/readings.
type Mirror struct {
	client mqtt.Client
	topic  string
	logger *slog.Logger
}

// Connect dials the broker and returns a ready mirror.
func Connect(brokerURL, deviceID string, logger *slog.Logger) (*Mirror, error) {
	if logger == nil {
		logger = slog.Default()
	}

	clientID := fmt.Sprintf("%s-uplink-%d", deviceID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(brokerURL).SetClientID(clientID)
	opts = opts.SetOrderMatters(false).SetConnectTimeout(5 * time.Second)
	opts = opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect mqtt broker %s: %w", brokerURL, token.Error())
	}

	logger.Info("mirror connected", "broker", brokerURL, "client_id", clientID)

	return &Mirror{
		client: client,
		topic:  fmt.Sprintf("spokesense/%s/readings", deviceID),
		logger: logger,
	}, nil
}

// Publish sends one reading at QoS 0. The payload matches the collector
// wire format so dashboard consumers parse one schema.
func (m *Mirror) Publish(ctx context.Context, r model.Reading) error {
	data, err := uplink.EncodePayload(r)
	if err != nil {
		return err
	}

	token := m.client.Publish(m.topic, 0, false, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", m.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", m.topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (m *Mirror) Close() {
	m.client.Disconnect(250)
}
