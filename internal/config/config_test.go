package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "node.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Upload.BatchSize != 10 || cfg.Upload.Retries != 3 || cfg.Upload.Backoff != time.Second {
		t.Errorf("upload defaults = %+v", cfg.Upload)
	}
	if cfg.Buffer.Capacity != 500 || cfg.Sampling.RecordInterval != time.Minute || cfg.Upload.Interval != 20*time.Second {
		t.Errorf("defaults drifted: %+v", cfg)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	p := writeFile(t, `
backend:
  url: http://backend.local:3000
upload:
  batch_size: 25
  backoff: 250ms
store:
  driver: memory
mqtt:
  enabled: true
  host: broker
`)
	t.Setenv("MQTT_PORT", "8883")
	t.Setenv("UPLOAD_RETRIES", "5")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.URL != "http://backend.local:3000" || cfg.Upload.BatchSize != 25 || cfg.Upload.Backoff != 250*time.Millisecond {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.MQTT.Port != 8883 || cfg.Upload.Retries != 5 {
		t.Errorf("env overrides not applied: port=%d retries=%d", cfg.MQTT.Port, cfg.Upload.Retries)
	}
	if cfg.Upload.Interval != 20*time.Second {
		t.Errorf("unset key lost its default: %v", cfg.Upload.Interval)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"batch too large", "buffer:\n  capacity: 5\nupload:\n  batch_size: 10\n", "batch_size"},
		{"unknown driver", "store:\n  driver: postgres\n", "unsupported store driver"},
		{"zero interval", "radio:\n  interval: 0s\n", "radio.interval"},
		{"mqtt without host", "mqtt:\n  enabled: true\n  host: \"\"\n", "mqtt host"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestNewLoggerWritesFile(t *testing.T) {
	cfg := Default()
	cfg.Logging.File = filepath.Join(t.TempDir(), "node.log")
	l, c, err := cfg.NewLogger("node: ")
	if err != nil {
		t.Fatal(err)
	}
	l.Printf("hello")
	_ = c.Close()
	b, _ := os.ReadFile(cfg.Logging.File)
	if !strings.Contains(string(b), "node: ") || !strings.Contains(string(b), "hello") {
		t.Errorf("log file = %q", b)
	}
}
