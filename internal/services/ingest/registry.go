// Package ingest is the backend counterpart of the node: it issues provisioning tokens,
// validates the status reports sent during onboarding and stores uploaded readings.
package ingest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LeonardoBeccarini/plant_node/internal/model"
	"github.com/LeonardoBeccarini/plant_node/internal/services/provisioning"
)

var (
	ErrUnknownToken = errors.New("invalid, expired, or completed provisioning token")
	ErrMissingField = errors.New("missing required field")
)

// TokenTTL is how long an issued token stays usable.
const TokenTTL = time.Hour

// Provisioning is the backend view of one onboarding attempt.
type Provisioning struct {
	Token     string                  `json:"provision_token"`
	PlantID   int                     `json:"plant_id"`
	DeviceID  string                  `json:"device_id,omitempty"`
	Status    model.ProvisioningState `json:"-"`
	ExpiresAt time.Time               `json:"expires_at"`
}

// Registry keeps provisioning records in memory. Safe for concurrent HTTP handlers.
type Registry struct {
	mu    sync.Mutex
	byTok map[string]*Provisioning
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{byTok: make(map[string]*Provisioning), now: time.Now}
}

// Issue creates a PENDING record bound to plantID and returns its token.
func (r *Registry) Issue(plantID int) (Provisioning, error) {
	if plantID <= 0 {
		return Provisioning{}, fmt.Errorf("%w: plant_id", ErrMissingField)
	}
	p := &Provisioning{
		Token:     uuid.NewString(),
		PlantID:   plantID,
		Status:    model.StatePending,
		ExpiresAt: r.now().Add(TokenTTL),
	}
	r.mu.Lock()
	r.byTok[p.Token] = p
	r.mu.Unlock()
	return *p, nil
}

// live returns the record for token if it exists and has not expired. Caller holds mu.
func (r *Registry) live(token string) (*Provisioning, bool) {
	p, ok := r.byTok[token]
	if !ok || r.now().After(p.ExpiresAt) {
		return nil, false
	}
	return p, true
}

// Get returns a copy of the record for token.
func (r *Registry) Get(token string) (Provisioning, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.live(token)
	if !ok {
		return Provisioning{}, false
	}
	return *p, true
}

// UpdateStatus applies a status report from a device, using the same transition
// table as the node.
func (r *Registry) UpdateStatus(token, deviceID, status string) error {
	if token == "" || status == "" {
		return fmt.Errorf("%w: provision_token and status are required", ErrMissingField)
	}
	next, err := model.ParseProvisioningState(status)
	if err != nil {
		return fmt.Errorf("%w: %v", provisioning.ErrInvalidTransition, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.live(token)
	if !ok || p.Status.Terminal() {
		return ErrUnknownToken
	}
	if next == model.StateDeviceConnected && deviceID == "" {
		return fmt.Errorf("%w: device_id is required for DEVICE_CONNECTED", ErrMissingField)
	}
	if _, err := provisioning.Transition(p.Status, next); err != nil {
		return err
	}
	p.Status = next
	if deviceID != "" {
		p.DeviceID = deviceID
	}
	return nil
}

// Verify confirms token belongs to deviceID and is still in progress.
func (r *Registry) Verify(token, deviceID string) error {
	if token == "" || deviceID == "" {
		return fmt.Errorf("%w: provision_token and device_id are required", ErrMissingField)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.live(token)
	if !ok || p.Status.Terminal() {
		return ErrUnknownToken
	}
	if p.DeviceID != "" && p.DeviceID != deviceID {
		return fmt.Errorf("%w: token bound to another device", ErrUnknownToken)
	}
	return nil
}

// LookupPlant returns the plant the token was issued for. Older provisionings of the
// same device are invalidated.
func (r *Registry) LookupPlant(token, deviceID string) (int, error) {
	if token == "" || deviceID == "" {
		return 0, fmt.Errorf("%w: provision_token and device_id are required", ErrMissingField)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.live(token)
	if !ok || p.Status == model.StateFailed {
		return 0, ErrUnknownToken
	}
	for tok, other := range r.byTok {
		if tok != token && other.DeviceID == deviceID && other.Status != model.StateFailed {
			other.Status = model.StateFailed
		}
	}
	p.DeviceID = deviceID
	return p.PlantID, nil
}
