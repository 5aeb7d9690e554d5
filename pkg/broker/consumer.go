package broker

import (
	"context"
	"fmt"
	"log"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Handler processes one message received on topic.
type Handler func(topic string, msg mqtt.Message) error

// Consumer subscribes a handler to a topic filter (wildcards allowed).
type Consumer struct {
	client  mqtt.Client
	filter  string
	qos     byte
	handler Handler
	log     *log.Logger
}

func NewConsumer(client mqtt.Client, filter string, qos byte, logger *log.Logger) *Consumer {
	if logger == nil {
		logger = log.Default()
	}
	return &Consumer{client: client, filter: filter, qos: qos, log: logger}
}

func (c *Consumer) SetHandler(h Handler) { c.handler = h }

// Consume subscribes and blocks until ctx is done, then unsubscribes.
func (c *Consumer) Consume(ctx context.Context) error {
	token := c.client.Subscribe(c.filter, c.qos, func(_ mqtt.Client, msg mqtt.Message) {
		if c.handler == nil {
			c.log.Printf("broker: no handler for %s", msg.Topic())
			return
		}
		if err := c.handler(msg.Topic(), msg); err != nil {
			c.log.Printf("broker: handling %s: %v", msg.Topic(), err)
		}
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", c.filter, token.Error())
	}
	c.log.Printf("broker: subscribed to %s", c.filter)

	<-ctx.Done()
	c.client.Unsubscribe(c.filter).Wait()
	return nil
}
