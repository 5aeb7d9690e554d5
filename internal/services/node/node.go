// Package node wires the device agent: persistent store, record buffer, provisioning
// machine, sampler, upload coordinator and radio bridge, driven by one scheduler.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/LeonardoBeccarini/plant_node/internal/buffer"
	"github.com/LeonardoBeccarini/plant_node/internal/config"
	"github.com/LeonardoBeccarini/plant_node/internal/metrics"
	"github.com/LeonardoBeccarini/plant_node/internal/model"
	"github.com/LeonardoBeccarini/plant_node/internal/scheduler"
	"github.com/LeonardoBeccarini/plant_node/internal/services/provisioning"
	"github.com/LeonardoBeccarini/plant_node/internal/services/radio"
	"github.com/LeonardoBeccarini/plant_node/internal/services/sampler"
	"github.com/LeonardoBeccarini/plant_node/internal/services/upload"
	"github.com/LeonardoBeccarini/plant_node/internal/services/wifi"
	"github.com/LeonardoBeccarini/plant_node/pkg/broker"
	"github.com/LeonardoBeccarini/plant_node/pkg/store"
)

// Deps are the collaborators chosen by the binary. Nil Oracle means no backend is
// configured; nil Reader disables sampling; nil Publisher disables the radio bridge.
type Deps struct {
	Store     store.Store
	Oracle    provisioning.Oracle
	Poster    upload.Poster
	UploadURL string
	Link      wifi.Link
	Clock     wifi.Clock
	Reader    sampler.Reader
	Publisher broker.Publisher
	Logger    *log.Logger

	// MQTTConnected and BreakerState feed /healthz; both are optional.
	MQTTConnected func() bool
	BreakerState  func() string
}

type Node struct {
	cfg  *config.Config
	deps Deps
	log  *log.Logger

	Buffer   *buffer.Buffer
	Machine  *provisioning.Machine
	Sampler  *sampler.Manager
	Uploader *upload.Coordinator
	Bridge   *radio.Bridge
	Metrics  *metrics.Metrics

	// snapshot read by the HTTP goroutine, refreshed by the control loop
	mu     sync.Mutex
	health metrics.Health
}

func New(cfg *config.Config, d Deps) *Node {
	if d.Logger == nil {
		d.Logger = log.Default()
	}
	if d.Clock == nil {
		d.Clock = wifi.SystemClock{}
	}
	if cfg.Device.ID == "" {
		cfg.Device.ID = provisioning.StoredDeviceID(d.Store)
	}
	n := &Node{cfg: cfg, deps: d, log: d.Logger, Metrics: metrics.New()}

	n.Buffer = buffer.New(cfg.Buffer.Capacity, d.Store, d.Logger)
	n.Machine = provisioning.NewMachine(provisioning.Config{
		DeviceID:       cfg.Device.ID,
		Store:          d.Store,
		Oracle:         d.Oracle,
		Link:           d.Link,
		Logger:         d.Logger,
		LookupAttempts: cfg.Provisioning.LookupAttempts,
		LookupBackoff:  cfg.Provisioning.LookupBackoff,
		OnChange:       n.Metrics.SetProvisioningState,
	})
	if d.Reader != nil {
		n.Sampler = sampler.NewManager(d.Reader, n.Buffer, d.Clock, d.Logger)
	}
	if d.Poster != nil {
		n.Uploader = upload.NewCoordinator(upload.Config{
			Buffer:   n.Buffer,
			Store:    d.Store,
			Poster:   d.Poster,
			Link:     d.Link,
			Clock:    d.Clock,
			Backoff:  cfg.Upload.Backoff,
			Logger:   d.Logger,
			Observer: n.Metrics,
		})
	}
	if d.Publisher != nil && cfg.Device.ID == "" {
		n.log.Printf("node: no device id, radio bridge disabled")
	} else if d.Publisher != nil {
		n.Bridge = radio.NewBridge(d.Publisher, n.Machine, cfg.MQTT.Prefix, cfg.Device.ID, d.Logger)
	}
	return n
}

// Start restores the buffer and the provisioning progress. reset wipes identity and
// WiFi credentials first.
func (n *Node) Start(ctx context.Context, reset bool) error {
	if err := n.Buffer.LoadState(); err != nil {
		// stato corrotto: si riparte con il buffer vuoto
		n.log.Printf("node: buffer state discarded: %v", err)
	}
	n.Metrics.BufferDepth.Set(float64(n.Buffer.Len()))

	provisioned, err := n.Machine.Begin(reset)
	if err != nil {
		return fmt.Errorf("provisioning begin: %w", err)
	}
	n.Metrics.SetProvisioningState(n.Machine.State())
	n.rejoin(ctx)
	n.log.Printf("node: device %s, state %s, %d buffered records (provisioned=%t)",
		n.Machine.DeviceID(), n.Machine.State(), n.Buffer.Len(), provisioned)
	n.refresh()
	return nil
}

// rejoin reconnects with the stored credentials once onboarding got past the WiFi step.
func (n *Node) rejoin(ctx context.Context) {
	c := n.Machine.WiFiCredentials()
	if n.deps.Link == nil || c.SSID == "" || n.deps.Link.Connected() {
		return
	}
	if st := n.Machine.State(); st < model.StateWiFiSetup || st == model.StateFailed {
		return
	}
	if err := n.deps.Link.Join(ctx, c); err != nil {
		n.log.Printf("node: %v", err)
	}
}

// Schedule registers the periodic tasks.
func (n *Node) Schedule(s *scheduler.Scheduler) {
	if n.Bridge != nil {
		s.Add("radio", n.cfg.Radio.Interval, n.tracked(n.serveRadio))
	}
	s.Add("provision", n.cfg.Provisioning.Interval, n.tracked(n.provision))
	if n.Sampler != nil {
		s.Add("sample", n.cfg.Sampling.SampleInterval, n.sample)
		s.Add("record", n.cfg.Sampling.RecordInterval, n.tracked(n.record))
	}
	if n.Uploader != nil {
		s.Add("upload", n.cfg.Upload.Interval, n.tracked(n.upload))
	}
}

// tracked refreshes the health snapshot after task.
func (n *Node) tracked(task scheduler.Task) scheduler.Task {
	return func(ctx context.Context) error {
		defer n.refresh()
		return task(ctx)
	}
}

func (n *Node) refresh() {
	h := metrics.Health{
		Provisioning:  n.Machine.State().String(),
		WiFiConnected: n.deps.Link != nil && n.deps.Link.Connected(),
		Buffered:      n.Buffer.Len(),
	}
	n.mu.Lock()
	n.health = h
	n.mu.Unlock()
}

func (n *Node) sample(ctx context.Context) error {
	return n.Sampler.Sample(ctx)
}

func (n *Node) record(context.Context) error {
	err := n.Sampler.Record()
	n.Metrics.BufferDepth.Set(float64(n.Buffer.Len()))
	return err
}

func (n *Node) upload(ctx context.Context) error {
	if !n.Machine.Provisioned() {
		return nil
	}
	err := n.Uploader.PostBatch(ctx, n.deps.UploadURL, n.cfg.Upload.BatchSize, n.cfg.Upload.Retries)
	n.Metrics.BufferDepth.Set(float64(n.Buffer.Len()))
	if errors.Is(err, upload.ErrNoData) {
		return nil
	}
	return err
}

// provision advances onboarding one step. FAILED stays until restart or reset.
func (n *Node) provision(ctx context.Context) error {
	if n.Machine.State().Terminal() {
		return nil
	}
	return n.Machine.Advance(ctx)
}

// serveRadio answers queued provisioning requests and sends the live reading.
func (n *Node) serveRadio(ctx context.Context) error {
	before := n.Bridge.Served()
	err := n.Bridge.Poll(ctx)
	n.Metrics.RadioRequests.Add(float64(n.Bridge.Served() - before))
	if err != nil {
		return err
	}
	if n.Sampler == nil || !n.deps.Clock.Synced() {
		return nil
	}
	rec := n.Sampler.Latest().AsRecord(n.deps.Clock.Now().Unix())
	if !rec.HasReading() {
		return nil
	}
	rec.Stamp(n.Machine.PlantID())
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return n.Bridge.Notify(b)
}

// Health is the /healthz snapshot.
func (n *Node) Health() metrics.Health {
	n.mu.Lock()
	h := n.health
	n.mu.Unlock()
	if n.deps.MQTTConnected != nil {
		h.MQTTConnected = n.deps.MQTTConnected()
	}
	if n.deps.BreakerState != nil {
		h.Breaker = n.deps.BreakerState()
	}
	return h
}

// Handler serves /metrics and /healthz.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", n.Metrics.Handler())
	mux.Handle("/healthz", metrics.NewHealthHandler(n.Health))
	return mux
}

// Close persists the buffer one last time.
func (n *Node) Close() error {
	if err := n.Buffer.SaveState(); err != nil {
		return fmt.Errorf("final buffer save: %w", err)
	}
	if n.Machine.State() != model.StateCompleted {
		n.log.Printf("node: stopping while %s", n.Machine.State())
	}
	return nil
}
