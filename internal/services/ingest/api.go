package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/LeonardoBeccarini/plant_node/internal/model"
	"github.com/LeonardoBeccarini/plant_node/internal/services/provisioning"
)

type Service struct {
	reg    *Registry
	writer PointWriter
	log    *log.Logger
	now    func() time.Time
}

func NewService(reg *Registry, writer PointWriter, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{reg: reg, writer: writer, log: logger, now: time.Now}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func message(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

// statusFor maps registry errors to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownToken):
		return http.StatusNotFound
	case errors.Is(err, ErrMissingField), errors.Is(err, provisioning.ErrInvalidTransition):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type deviceRequest struct {
	ProvisionToken string `json:"provision_token"`
	DeviceID       string `json:"device_id"`
	Status         string `json:"status"`
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
}

// NewHTTPMux wires every backend route. Health endpoints are mounted by the binary.
func NewHTTPMux(s *Service) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/ping", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
	})

	// token per una pianta (lo usa l'app per avviare il provisioning)
	mux.HandleFunc("GET /api/provision/token/{plant_id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(r.PathValue("plant_id"))
		if err != nil {
			message(w, http.StatusBadRequest, "plant_id must be numeric")
			return
		}
		p, err := s.reg.Issue(id)
		if err != nil {
			message(w, statusFor(err), err.Error())
			return
		}
		s.log.Printf("ingest: issued token for plant %d", id)
		writeJSON(w, http.StatusOK, map[string]any{"provision_token": p.Token, "expires_at": p.ExpiresAt})
	})

	mux.HandleFunc("GET /api/provisioning/{token}", func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.reg.Get(r.PathValue("token"))
		if !ok {
			message(w, http.StatusNotFound, "Provisioning token not found or expired")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status": p.Status.String(), "device_id": p.DeviceID, "plant_id": p.PlantID, "expires_at": p.ExpiresAt,
		})
	})

	mux.HandleFunc("POST /api/provisioning/status", func(w http.ResponseWriter, r *http.Request) {
		var req deviceRequest
		if err := decode(r, &req); err != nil {
			message(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if err := s.reg.UpdateStatus(req.ProvisionToken, req.DeviceID, req.Status); err != nil {
			s.log.Printf("ingest: status %s refused: %v", req.Status, err)
			message(w, statusFor(err), err.Error())
			return
		}
		s.log.Printf("ingest: device %s -> %s", req.DeviceID, req.Status)
		writeJSON(w, http.StatusOK, map[string]string{"message": "Status updated", "status": req.Status})
	})

	mux.HandleFunc("POST /api/provisioning/verify", func(w http.ResponseWriter, r *http.Request) {
		var req deviceRequest
		if err := decode(r, &req); err != nil {
			message(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if err := s.reg.Verify(req.ProvisionToken, req.DeviceID); err != nil {
			message(w, statusFor(err), err.Error())
			return
		}
		message(w, http.StatusOK, "Device verified")
	})

	mux.HandleFunc("POST /api/provision/verify", func(w http.ResponseWriter, r *http.Request) {
		var req deviceRequest
		if err := decode(r, &req); err != nil {
			message(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		plant, err := s.reg.LookupPlant(req.ProvisionToken, req.DeviceID)
		if err != nil {
			message(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message":  "Device backend connection verified",
			"status":   model.StateBackendVerified.String(),
			"plant_id": plant,
		})
	})

	mux.HandleFunc("POST /api/sensorUpload", func(w http.ResponseWriter, r *http.Request) {
		var batch []model.SensorRecord
		if err := decode(r, &batch); err != nil {
			message(w, http.StatusBadRequest, "expected a JSON array of readings")
			return
		}
		for _, rec := range batch {
			if rec.PlantID <= 0 {
				message(w, http.StatusBadRequest, "plant_id is required on every reading")
				return
			}
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		n, err := WriteBatch(ctx, s.writer, MeasurementUpload, batch, s.now())
		if err != nil {
			s.log.Printf("ingest: %v", err)
			message(w, http.StatusServiceUnavailable, "storage unavailable")
			return
		}
		s.log.Printf("ingest: stored %d/%d readings", n, len(batch))
		writeJSON(w, http.StatusOK, map[string]int{"stored": n})
	})

	return mux
}

// HandleLive is a broker.Handler storing live notifications published by nodes.
func (s *Service) HandleLive(topic string, msg mqtt.Message) error {
	var rec model.SensorRecord
	if err := json.Unmarshal(msg.Payload(), &rec); err != nil {
		s.log.Printf("ingest: invalid live payload on %s: %v", topic, err)
		return nil // non bloccare lo stream
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := WriteBatch(ctx, s.writer, MeasurementLive, []model.SensorRecord{rec}, s.now())
	return err
}
