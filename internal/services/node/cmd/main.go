package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/pflag"

	"github.com/LeonardoBeccarini/plant_node/internal/config"
	"github.com/LeonardoBeccarini/plant_node/internal/scheduler"
	"github.com/LeonardoBeccarini/plant_node/internal/services/backend"
	"github.com/LeonardoBeccarini/plant_node/internal/services/node"
	"github.com/LeonardoBeccarini/plant_node/internal/services/provisioning"
	"github.com/LeonardoBeccarini/plant_node/internal/services/sampler"
	"github.com/LeonardoBeccarini/plant_node/internal/services/wifi"
	"github.com/LeonardoBeccarini/plant_node/pkg/broker"
	"github.com/LeonardoBeccarini/plant_node/pkg/store"
)

// probeFromURL derives host:port of the backend, used as WiFi reachability probe.
func probeFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the YAML configuration file")
	reset := pflag.Bool("reset", false, "wipe stored provisioning data and WiFi credentials")
	simulate := pflag.Bool("simulate", false, "read sensors from the soil moisture simulator")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if pflag.CommandLine.Changed("simulate") {
		cfg.Sampling.Simulate = *simulate
	}
	logger, logCloser, err := cfg.NewLogger("node: ")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logCloser.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// === Store ===
	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		logger.Fatalf("store: %v", err)
	}
	defer st.Close()

	// === Identity ===
	if cfg.Device.ID == "" {
		if mac, err := provisioning.HostMAC(); err == nil {
			cfg.Device.ID = provisioning.DeviceIDFromMAC(mac)
			logger.Printf("advertising as %s", provisioning.ServiceName(mac))
		} else {
			logger.Printf("no usable MAC address (%v), using stored device id", err)
			cfg.Device.ID = provisioning.StoredDeviceID(st)
		}
	}
	if cfg.Device.ID == "" && cfg.MQTT.Enabled {
		logger.Fatalf("no device id: set device.id, the radio topics depend on it")
	}

	// === Backend + link ===
	client := backend.NewClient(backend.Config{
		BaseURL:          cfg.Backend.URL,
		Timeout:          cfg.Backend.Timeout,
		FailureThreshold: cfg.Backend.BreakerFailures,
		OpenTimeout:      cfg.Backend.BreakerOpen,
	})
	probe := cfg.WiFi.ProbeAddr
	if probe == "" {
		probe = probeFromURL(cfg.Backend.URL)
	}
	link := wifi.NewHostLink(probe, logger)

	deps := node.Deps{
		Store:        st,
		Link:         link,
		Clock:        wifi.SystemClock{},
		Logger:       logger,
		BreakerState: client.BreakerState,
	}
	if client.BaseURL() != "" {
		deps.Oracle = client
		deps.Poster = client
		deps.UploadURL = client.URL(cfg.Upload.Path)
	} else {
		logger.Printf("no backend url configured: provisioning stays local and uploads are disabled")
	}

	if cfg.Sampling.Simulate {
		sim := sampler.NewSimulator(cfg.Sampling.DecayPerMin)
		sim.Seed(ctx, cfg.Sampling.Latitude, cfg.Sampling.Longitude)
		deps.Reader = sim
	} else {
		logger.Printf("no sensor reader available, sampling disabled (use --simulate)")
	}

	// === MQTT (radio) ===
	var mc mqtt.Client
	if cfg.MQTT.Enabled {
		mc, err = broker.Connect(ctx, broker.Config{
			Host:     cfg.MQTT.Host,
			Port:     cfg.MQTT.Port,
			User:     cfg.MQTT.User,
			Password: cfg.MQTT.Password,
			ClientID: "plant-node-" + cfg.Device.ID,
		}, logger)
		if err != nil {
			logger.Fatalf("mqtt: %v", err)
		}
		defer broker.Close(mc)
		deps.Publisher = broker.NewPublisher(mc)
		deps.MQTTConnected = mc.IsConnectionOpen
	}

	n := node.New(cfg, deps)
	if err := n.Start(ctx, *reset); err != nil {
		logger.Fatalf("start: %v", err)
	}
	defer func() {
		if err := n.Close(); err != nil {
			logger.Printf("%v", err)
		}
	}()

	if n.Bridge != nil {
		consumer := broker.NewConsumer(mc, n.Bridge.RequestFilter(), 1, logger)
		consumer.SetHandler(n.Bridge.HandleMessage)
		go func() {
			if err := consumer.Consume(ctx); err != nil {
				logger.Printf("radio consumer: %v", err)
			}
		}()
	}

	// === HTTP ===
	var hs *http.Server
	if cfg.Metrics.Addr != "" {
		hs = &http.Server{Addr: cfg.Metrics.Addr, Handler: n.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Printf("metrics listening on %s", cfg.Metrics.Addr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("metrics server error: %v", err)
			}
		}()
	}

	// === Control loop ===
	sched := scheduler.New(100*time.Millisecond, logger)
	n.Schedule(sched)
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Printf("shutting down...")
	cancel()
	<-done

	if hs != nil {
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		_ = hs.Shutdown(shCtx)
	}
}
