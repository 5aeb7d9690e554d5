// Package broker wraps the paho MQTT client used as the node's radio transport.
package broker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	ClientID string
	// ConnectAttempts bounds the initial connection retries.
	ConnectAttempts int
}

// Connect dials the broker with exponential backoff and disconnects when ctx ends.
func Connect(ctx context.Context, cfg Config, logger *log.Logger) (mqtt.Client, error) {
	if logger == nil {
		logger = log.Default()
	}
	addr := fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(addr)
	opts.SetUsername(cfg.User)
	opts.SetPassword(cfg.Password)
	opts.SetClientID(cfg.ClientID)
	// sessione persistente: le richieste QoS1 arrivate mentre eravamo offline vengono riconsegnate
	opts.SetCleanSession(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Printf("broker: connection lost: %v", err)
	})

	attempts := cfg.ConnectAttempts
	if attempts < 1 {
		attempts = 5
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			logger.Printf("broker: connect to %s failed: %v", addr, token.Error())
			return token.Error()
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("could not establish MQTT connection after retries: %w", err)
	}
	logger.Printf("broker: connected to %s as %s", addr, cfg.ClientID)

	go func() {
		<-ctx.Done()
		Close(client)
	}()
	return client, nil
}

// Close disconnects if still connected.
func Close(client mqtt.Client) {
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
}
