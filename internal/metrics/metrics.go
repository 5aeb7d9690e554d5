// Package metrics exposes node counters and gauges on a private Prometheus registry.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LeonardoBeccarini/plant_node/internal/model"
	"github.com/LeonardoBeccarini/plant_node/internal/services/upload"
)

type Metrics struct {
	reg *prometheus.Registry

	BufferDepth       prometheus.Gauge
	ProvisioningState prometheus.Gauge
	Batches           *prometheus.CounterVec
	UploadedRecords   prometheus.Counter
	RadioRequests     prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		BufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plant_node", Name: "buffer_records",
			Help: "Records waiting in the ring buffer.",
		}),
		ProvisioningState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plant_node", Name: "provisioning_state",
			Help: "Current provisioning state (0=PENDING .. 5=FAILED).",
		}),
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plant_node", Name: "upload_batches_total",
			Help: "Upload attempts by outcome.",
		}, []string{"result"}),
		UploadedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plant_node", Name: "uploaded_records_total",
			Help: "Records acknowledged by the backend.",
		}),
		RadioRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plant_node", Name: "radio_requests_total",
			Help: "Provisioning endpoint requests served.",
		}),
	}
	m.reg.MustRegister(m.BufferDepth, m.ProvisioningState, m.Batches, m.UploadedRecords, m.RadioRequests)
	return m
}

// Result maps a PostBatch error to its label.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, upload.ErrNoData):
		return "no_data"
	case errors.Is(err, upload.ErrNotProvisioned):
		return "not_provisioned"
	case errors.Is(err, upload.ErrDeliveryFailed):
		return "delivery_failed"
	default:
		return "error"
	}
}

// BatchDone implements upload.Observer.
func (m *Metrics) BatchDone(records int, err error) {
	m.Batches.WithLabelValues(Result(err)).Inc()
	if err == nil {
		m.UploadedRecords.Add(float64(records))
	}
}

func (m *Metrics) SetProvisioningState(s model.ProvisioningState) {
	m.ProvisioningState.Set(float64(s))
}

// Gatherer exposes the registry for tests and custom handlers.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
