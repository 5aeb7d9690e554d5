// Package radio exposes the provisioning endpoints over MQTT, standing in for the
// short-range link. Requests are queued by the MQTT callback and served from the
// node's control loop, so the state machine keeps a single owner.
package radio

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/LeonardoBeccarini/plant_node/pkg/broker"
	"github.com/LeonardoBeccarini/plant_node/pkg/dedup"
)

// Dispatcher serves one endpoint request.
type Dispatcher interface {
	Handle(endpoint string, payload []byte) ([]byte, error)
}

const (
	queueSize = 32
	dedupTTL  = 30 * time.Second
	// status è idempotente: nessun dedup
	idempotentEndpoint = "status"
)

type request struct {
	endpoint string
	payload  []byte
}

type Bridge struct {
	pub    broker.Publisher
	disp   Dispatcher
	base   string // <prefix>/<device>
	dedup  *dedup.Deduper
	queue  chan request
	log    *log.Logger
	served int
}

func NewBridge(pub broker.Publisher, disp Dispatcher, prefix, deviceID string, logger *log.Logger) *Bridge {
	if logger == nil {
		logger = log.Default()
	}
	return &Bridge{
		pub:   pub,
		disp:  disp,
		base:  strings.Trim(prefix, "/") + "/" + deviceID,
		dedup: dedup.New(dedupTTL, 1000),
		queue: make(chan request, queueSize),
		log:   logger,
	}
}

// RequestFilter is the subscription covering every endpoint.
func (b *Bridge) RequestFilter() string { return b.base + "/prov/+" }

// RequestTopic is where clients send requests for endpoint.
func (b *Bridge) RequestTopic(endpoint string) string { return b.base + "/prov/" + endpoint }

// ResponseTopic is where the answer to endpoint is published.
func (b *Bridge) ResponseTopic(endpoint string) string { return b.RequestTopic(endpoint) + "/resp" }

// LiveTopic carries live sensor notifications.
func (b *Bridge) LiveTopic() string { return b.base + "/live" }

// HandleMessage is the broker.Handler: it only enqueues.
func (b *Bridge) HandleMessage(topic string, msg mqtt.Message) error {
	prefix := b.base + "/prov/"
	if !strings.HasPrefix(topic, prefix) {
		return fmt.Errorf("radio: unexpected topic %s", topic)
	}
	endpoint := strings.TrimPrefix(topic, prefix)
	if endpoint == "" || strings.Contains(endpoint, "/") {
		return nil // risposte e sotto-topic non ci interessano
	}
	payload := msg.Payload()
	if endpoint != idempotentEndpoint {
		// ogni richiesta viene registrata, ma si scarta solo la riconsegna QoS1 (flag DUP):
		// un nuovo invio identico dell'app va servito
		fresh := b.dedup.ShouldProcess(dedup.Key(topic, payload))
		if !fresh && msg.Duplicate() {
			b.log.Printf("radio: redelivered %s request dropped", endpoint)
			return nil
		}
	}
	select {
	case b.queue <- request{endpoint: endpoint, payload: append([]byte(nil), payload...)}:
		return nil
	default:
		return fmt.Errorf("radio: queue full, %s request dropped", endpoint)
	}
}

// Poll serves every queued request and publishes the responses. Called from the
// control loop.
func (b *Bridge) Poll(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-b.queue:
			resp, err := b.disp.Handle(req.endpoint, req.payload)
			if err != nil {
				b.log.Printf("radio: %s: %v", req.endpoint, err)
			}
			b.served++
			if perr := b.pub.Publish(b.ResponseTopic(req.endpoint), 1, resp); perr != nil {
				return perr
			}
		default:
			return nil
		}
	}
}

// Pending is the number of queued requests.
func (b *Bridge) Pending() int { return len(b.queue) }

// Served counts requests answered since start.
func (b *Bridge) Served() int { return b.served }

// Notify publishes a live reading.
func (b *Bridge) Notify(payload []byte) error {
	return b.pub.Publish(b.LiveTopic(), 0, payload)
}
