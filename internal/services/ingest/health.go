package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// TrackingWriter wraps a PointWriter and remembers the last write failure for /healthz
// and /readyz.
type TrackingWriter struct {
	next PointWriter
	now  func() time.Time

	mu      sync.RWMutex
	lastErr time.Time
	written int64
}

func NewTrackingWriter(next PointWriter) *TrackingWriter {
	t := &TrackingWriter{next: next, now: time.Now}
	t.lastErr = t.now().Add(-24 * time.Hour) // nessun errore noto
	return t
}

func (t *TrackingWriter) WritePoint(ctx context.Context, points ...*write.Point) error {
	err := t.next.WritePoint(ctx, points...)
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.lastErr = t.now()
		return err
	}
	t.written += int64(len(points))
	return nil
}

// LastErrorAge is the time since the last failed write.
func (t *TrackingWriter) LastErrorAge() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.now().Sub(t.lastErr)
}

func (t *TrackingWriter) Written() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.written
}

// Probes are the dependency checks behind the health endpoints. A nil probe is skipped.
type Probes struct {
	Writer  *TrackingWriter
	Storage func(ctx context.Context) bool
	MQTT    func() bool
	// MinErrorAge is how long the writer must have been clean to be ready.
	MinErrorAge time.Duration
}

type healthStatus struct {
	Status          string  `json:"status"`
	StorageOK       bool    `json:"storage_ok"`
	MQTTConnected   *bool   `json:"mqtt_connected,omitempty"`
	LastWriteErrorS float64 `json:"last_write_error_age_sec"`
	Written         int64   `json:"points_written"`
}

func (p Probes) check(ctx context.Context) healthStatus {
	st := healthStatus{StorageOK: true}
	if p.Storage != nil {
		st.StorageOK = p.Storage(ctx)
	}
	mqttOK := true
	if p.MQTT != nil {
		mqttOK = p.MQTT()
		st.MQTTConnected = &mqttOK
	}
	recent := false
	if p.Writer != nil {
		age := p.Writer.LastErrorAge()
		st.LastWriteErrorS = age.Seconds()
		st.Written = p.Writer.Written()
		recent = age <= p.MinErrorAge
	}
	switch {
	case st.StorageOK && mqttOK && !recent:
		st.Status = "ok"
	case st.StorageOK:
		st.Status = "degraded"
	default:
		st.Status = "down"
	}
	return st
}

// NewHealthHandler always answers 200 with the dependency snapshot.
func NewHealthHandler(p Probes) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(p.check(ctx))
	})
}

// NewReadyHandler answers 503 unless every dependency is ok.
func NewReadyHandler(p Probes) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		ready := p.check(ctx).Status == "ok"
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"ready": ready})
	})
}
