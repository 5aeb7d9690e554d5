package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"

	"github.com/LeonardoBeccarini/plant_node/internal/services/ingest"
	"github.com/LeonardoBeccarini/plant_node/pkg/broker"
)

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func main() {
	cfg := struct {
		MQTT       broker.Config
		MQTTPrefix string
		LiveOn     bool

		InfluxURL    string
		InfluxToken  string
		InfluxOrg    string
		InfluxBucket string

		HTTPPort int
	}{
		MQTT: broker.Config{
			Host:     envStr("MQTT_HOST", "localhost"),
			Port:     envInt("MQTT_PORT", 1883),
			User:     envStr("MQTT_USER", ""),
			Password: envStr("MQTT_PASSWORD", ""),
			ClientID: envStr("HOSTNAME", "ingest-service"),
		},
		MQTTPrefix: envStr("MQTT_PREFIX", "plantnode"),
		LiveOn:     envStr("LIVE_SUBSCRIBE", "true") == "true",

		InfluxURL:    envStr("INFLUX_URL", "http://localhost:8086"),
		InfluxToken:  os.Getenv("INFLUX_TOKEN"),
		InfluxOrg:    envStr("INFLUX_ORG", "plants"),
		InfluxBucket: envStr("INFLUX_BUCKET", "readings"),

		HTTPPort: envInt("HTTP_PORT", 8080),
	}
	logger := log.New(os.Stdout, "ingest-svc: ", log.LstdFlags)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// === InfluxDB ===
	influx := influxdb2.NewClient(cfg.InfluxURL, cfg.InfluxToken)
	defer influx.Close()
	writer := ingest.NewTrackingWriter(influx.WriteAPIBlocking(cfg.InfluxOrg, cfg.InfluxBucket))

	svc := ingest.NewService(ingest.NewRegistry(), writer, logger)
	probes := ingest.Probes{
		Writer:      writer,
		MinErrorAge: 30 * time.Second,
		Storage: func(ctx context.Context) bool {
			ok, err := influx.Ping(ctx)
			return ok && err == nil
		},
	}

	// === MQTT (letture live, opzionale) ===
	if cfg.LiveOn {
		client, err := broker.Connect(ctx, cfg.MQTT, logger)
		if err != nil {
			logger.Printf("live readings disabled: %v", err)
		} else {
			defer broker.Close(client)
			probes.MQTT = client.IsConnectionOpen
			c := broker.NewConsumer(client, cfg.MQTTPrefix+"/+/live", 0, logger)
			c.SetHandler(svc.HandleLive)
			go func() {
				if err := c.Consume(ctx); err != nil {
					logger.Printf("live consumer: %v", err)
				}
			}()
		}
	}

	// === HTTP ===
	mux := ingest.NewHTTPMux(svc)
	mux.Handle("GET /healthz", ingest.NewHealthHandler(probes))
	mux.Handle("GET /readyz", ingest.NewReadyHandler(probes))

	hs := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Printf("HTTP listening on :%d", cfg.HTTPPort)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Printf("shutting down...")
	cancel()

	shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shCancel()
	_ = hs.Shutdown(shCtx)
}
