package broker

import (
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher sends payloads to arbitrary topics over a shared client.
type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
}

type ClientPublisher struct {
	client mqtt.Client
}

func NewPublisher(client mqtt.Client) *ClientPublisher {
	return &ClientPublisher{client: client}
}

func (p *ClientPublisher) Publish(topic string, qos byte, payload []byte) error {
	token := p.client.Publish(topic, qos, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}
