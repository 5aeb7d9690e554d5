package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/LeonardoBeccarini/plant_node/internal/model"
	"github.com/LeonardoBeccarini/plant_node/internal/services/backend"
	"github.com/LeonardoBeccarini/plant_node/internal/services/provisioning"
	"github.com/LeonardoBeccarini/plant_node/internal/services/wifi"
	"github.com/LeonardoBeccarini/plant_node/pkg/store"
)

type fakeWriter struct {
	mu     sync.Mutex
	points []*write.Point
	err    error
}

func (w *fakeWriter) WritePoint(_ context.Context, p ...*write.Point) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.points = append(w.points, p...)
	return nil
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type linkUp struct{}

func (linkUp) Join(context.Context, wifi.Credentials) error { return nil }
func (linkUp) Connected() bool                              { return true }

func newTestServer(t *testing.T, w PointWriter) (*Service, *httptest.Server) {
	t.Helper()
	s := NewService(NewRegistry(), w, log.New(io.Discard, "", 0))
	srv := httptest.NewServer(NewHTTPMux(s))
	t.Cleanup(srv.Close)
	return s, srv
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestStatusEndpointCodes(t *testing.T) {
	s, srv := newTestServer(t, &fakeWriter{})
	p, _ := s.reg.Issue(9)

	tests := []struct {
		name string
		body map[string]string
		code int
	}{
		{"unknown token", map[string]string{"provision_token": "x", "device_id": "D", "status": "DEVICE_CONNECTED"}, http.StatusNotFound},
		{"missing status", map[string]string{"provision_token": p.Token}, http.StatusBadRequest},
		{"illegal", map[string]string{"provision_token": p.Token, "device_id": "D", "status": "COMPLETED"}, http.StatusBadRequest},
		{"ok", map[string]string{"provision_token": p.Token, "device_id": "D", "status": "DEVICE_CONNECTED"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := postJSON(t, srv.URL+"/api/provisioning/status", tt.body)
			if resp.StatusCode != tt.code {
				t.Fatalf("code %d, want %d (%v)", resp.StatusCode, tt.code, out)
			}
			if tt.code == http.StatusOK && out["status"] != "DEVICE_CONNECTED" {
				t.Fatalf("body %v", out)
			}
		})
	}
}

func TestIssueTokenEndpoint(t *testing.T) {
	_, srv := newTestServer(t, &fakeWriter{})
	resp, err := http.Get(srv.URL + "/api/provision/token/12")
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Token string `json:"provision_token"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || out.Token == "" {
		t.Fatalf("code %d token %q", resp.StatusCode, out.Token)
	}

	resp, err = http.Get(srv.URL + "/api/provisioning/" + out.Token)
	if err != nil {
		t.Fatal(err)
	}
	var st map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if st["status"] != "PENDING" || st["plant_id"] != float64(12) {
		t.Fatalf("status %v", st)
	}

	resp, _ = http.Get(srv.URL + "/api/provision/token/abc")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("non numeric plant: %d", resp.StatusCode)
	}
}

func TestSensorUploadWritesPoints(t *testing.T) {
	w := &fakeWriter{}
	_, srv := newTestServer(t, w)

	a := model.NewSensorRecord()
	a.Timestamp = 1_700_000_000
	a.SoilMoisture1 = 0.3
	a.Stamp(7)
	b := model.NewSensorRecord()
	b.Timestamp = 1_700_000_060
	b.Humidity = 55
	b.Stamp(7)

	resp, out := postJSON(t, srv.URL+"/api/sensorUpload", []model.SensorRecord{a, b})
	if resp.StatusCode != http.StatusOK || out["stored"] != float64(2) {
		t.Fatalf("code %d body %v", resp.StatusCode, out)
	}
	if len(w.points) != 2 {
		t.Fatalf("points = %d", len(w.points))
	}
	p := w.points[0]
	if p.Name() != MeasurementUpload || !p.Time().Equal(time.Unix(1_700_000_000, 0)) {
		t.Fatalf("point %s at %v", p.Name(), p.Time())
	}
	tags := p.TagList()
	if len(tags) != 1 || tags[0].Key != "plant_id" || tags[0].Value != "7" {
		t.Fatalf("tags %+v", tags)
	}
	if fields := p.FieldList(); len(fields) != 1 || fields[0].Key != "soil_moisture_1" {
		t.Fatalf("fields %+v", fields)
	}
}

func TestSensorUploadRejects(t *testing.T) {
	w := &fakeWriter{}
	_, srv := newTestServer(t, w)

	unstamped := model.NewSensorRecord()
	unstamped.Humidity = 40
	resp, _ := postJSON(t, srv.URL+"/api/sensorUpload", []model.SensorRecord{unstamped})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unstamped: %d", resp.StatusCode)
	}
	resp, _ = postJSON(t, srv.URL+"/api/sensorUpload", map[string]int{"plant_id": 1})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("object body: %d", resp.StatusCode)
	}

	w.err = errors.New("influx down")
	ok := model.NewSensorRecord()
	ok.Light = 100
	ok.Stamp(1)
	resp, _ = postJSON(t, srv.URL+"/api/sensorUpload", []model.SensorRecord{ok})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("writer error: %d", resp.StatusCode)
	}
}

func TestRecordToPointSkipsEmpty(t *testing.T) {
	r := model.NewSensorRecord()
	if p := RecordToPoint(MeasurementUpload, r, time.Now()); p != nil {
		t.Fatal("point for empty record")
	}
	r.SoilTemp = math.Inf(1)
	if p := RecordToPoint(MeasurementUpload, r, time.Now()); p != nil {
		t.Fatal("point for infinite reading")
	}
}

func TestHandleLive(t *testing.T) {
	w := &fakeWriter{}
	s := NewService(NewRegistry(), w, log.New(io.Discard, "", 0))
	fixed := time.Unix(1_700_000_500, 0).UTC()
	s.now = func() time.Time { return fixed }

	r := model.NewSensorRecord()
	r.ExtTemp = 21.5
	b, _ := json.Marshal(r)
	if err := s.HandleLive("plantnode/D/live", fakeMessage{"plantnode/D/live", b}); err != nil {
		t.Fatal(err)
	}
	if err := s.HandleLive("plantnode/D/live", fakeMessage{"plantnode/D/live", []byte("{")}); err != nil {
		t.Fatalf("bad payload should be dropped: %v", err)
	}
	if len(w.points) != 1 || w.points[0].Name() != MeasurementLive || !w.points[0].Time().Equal(fixed) {
		t.Fatalf("points %+v", w.points)
	}
}

// A node state machine driven against the real HTTP routes.
func TestMachineProvisionsAgainstService(t *testing.T) {
	s, srv := newTestServer(t, &fakeWriter{})
	p, _ := s.reg.Issue(77)

	client := backend.NewClient(backend.Config{BaseURL: srv.URL, Timeout: 2 * time.Second})
	m := provisioning.NewMachine(provisioning.Config{
		DeviceID:      "A4CF1223-4B5C",
		Store:         store.NewMemStore(),
		Oracle:        client,
		Link:          linkUp{},
		Logger:        log.New(io.Discard, "", 0),
		LookupBackoff: time.Millisecond,
	})
	ctx := context.Background()
	if _, err := m.Begin(false); err != nil {
		t.Fatal(err)
	}
	m.SetProvisionToken(p.Token)
	m.SetWiFiCredentials(wifi.Credentials{SSID: "greenhouse", Password: "pw"})

	for i := 0; i < 4 && !m.Provisioned(); i++ {
		if err := m.Advance(ctx); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	if !m.Provisioned() || m.PlantID() != 77 {
		t.Fatalf("state %s plant %d", m.State(), m.PlantID())
	}
	got, _ := s.reg.Get(p.Token)
	if got.Status != model.StateCompleted || got.DeviceID != "A4CF1223-4B5C" {
		t.Fatalf("backend record %+v", got)
	}
}
