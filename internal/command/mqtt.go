package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nerrad567/robot-starter/internal/infrastructure/mqtt"
)

const mqttQueueSize = 16

// ErrQueueFull is returned to the MQTT client when commands arrive faster
// than the control loop drains them.
var ErrQueueFull = errors.New("command: queue full")

// Broker is the part of the MQTT client used by MQTTChannel.
// *mqtt.Client implements it.
type Broker interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// MQTTChannel receives commands on <prefix>/command and publishes acks on
// <prefix>/ack.
type MQTTChannel struct {
	broker       Broker
	commandTopic string
	ackTopic     string
	qos          byte
	records      chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// NewMQTTChannel subscribes to the command topic.
func NewMQTTChannel(broker Broker, topics mqtt.Topics, qos byte) (*MQTTChannel, error) {
	c := &MQTTChannel{
		broker:       broker,
		commandTopic: topics.Command(),
		ackTopic:     topics.Ack(),
		qos:          qos,
		records:      make(chan []byte, mqttQueueSize),
		closed:       make(chan struct{}),
	}

	if err := broker.Subscribe(c.commandTopic, qos, c.onMessage); err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", c.commandTopic, err)
	}
	return c, nil
}

// onMessage runs on the MQTT client's delivery goroutine and must not block.
func (c *MQTTChannel) onMessage(_ string, payload []byte) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}

	select {
	case c.records <- append([]byte(nil), payload...):
		return nil
	default:
		return ErrQueueFull
	}
}

// Name implements Channel.
func (c *MQTTChannel) Name() string {
	return "mqtt"
}

// Receive implements Channel.
func (c *MQTTChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrChannelClosed
	case rec := <-c.records:
		return rec, nil
	}
}

// Acknowledge implements Channel.
func (c *MQTTChannel) Acknowledge(_ context.Context, ack Ack) error {
	data, err := json.Marshal(ack)
	if err != nil {
		return fmt.Errorf("encoding ack: %w", err)
	}
	if err := c.broker.Publish(c.ackTopic, data, c.qos, false); err != nil {
		return fmt.Errorf("publishing ack: %w", err)
	}
	return nil
}

// Close unsubscribes from the command topic.
func (c *MQTTChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		if uerr := c.broker.Unsubscribe(c.commandTopic); uerr != nil {
			err = fmt.Errorf("unsubscribing from %s: %w", c.commandTopic, uerr)
		}
	})
	return err
}
