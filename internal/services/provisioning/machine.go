// Package provisioning sequences device onboarding: token, WiFi credentials, backend
// verification and plant binding. Progress is persisted so a reboot resumes where the
// node left off.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/LeonardoBeccarini/plant_node/internal/model"
	"github.com/LeonardoBeccarini/plant_node/internal/services/wifi"
	"github.com/LeonardoBeccarini/plant_node/pkg/store"
)

// Oracle is the backend consulted on every transition once a token is known.
type Oracle interface {
	Ping(ctx context.Context) error
	UpdateStatus(ctx context.Context, token, deviceID, status string) error
	Verify(ctx context.Context, token, deviceID string) error
	LookupPlant(ctx context.Context, token, deviceID string) (int, error)
}

type Config struct {
	DeviceID string
	Store    store.Store
	Oracle   Oracle // nil when no backend URL is configured
	Link     wifi.Link
	Logger   *log.Logger

	LookupAttempts int
	LookupBackoff  time.Duration

	// OnChange is called after every state change, including FAILED and Reset.
	OnChange func(model.ProvisioningState)
}

// Machine owns the provisioning state and identity fields. Single owner, no locking.
type Machine struct {
	cfg Config
	log *log.Logger

	state      model.ProvisioningState
	wifiState  model.WiFiSetupState
	inProgress bool

	token     string
	plantID   int
	userToken string
	creds     wifi.Credentials
}

func NewMachine(cfg Config) *Machine {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.LookupAttempts < 1 {
		cfg.LookupAttempts = 3
	}
	if cfg.LookupBackoff <= 0 {
		cfg.LookupBackoff = time.Second
	}
	return &Machine{
		cfg:     cfg,
		log:     cfg.Logger,
		plantID: model.UnsetPlantID,
	}
}

func (m *Machine) State() model.ProvisioningState { return m.state }
func (m *Machine) WiFiState() model.WiFiSetupState { return m.wifiState }
func (m *Machine) InProgress() bool { return m.inProgress }
func (m *Machine) DeviceID() string { return m.cfg.DeviceID }
func (m *Machine) ProvisionToken() string { return m.token }
func (m *Machine) PlantID() int { return m.plantID }
func (m *Machine) UserToken() string { return m.userToken }
func (m *Machine) WiFiCredentials() wifi.Credentials { return m.creds }
func (m *Machine) Provisioned() bool { return m.state == model.StateCompleted }

func (m *Machine) prefs() *store.Session {
	return store.Begin(m.cfg.Store, model.PrefsNamespace)
}

func (m *Machine) changed() {
	if m.cfg.OnChange != nil {
		m.cfg.OnChange(m.state)
	}
}

// Begin restores persisted progress. A COMPLETED snapshot short-circuits onboarding and
// Begin reports true. With reset the identity and WiFi credentials are wiped first.
func (m *Machine) Begin(reset bool) (bool, error) {
	if reset {
		m.log.Printf("prov: reset requested, wiping stored provisioning data")
		m.wipe(true)
	}

	p := m.prefs()
	if m.cfg.DeviceID == "" {
		m.cfg.DeviceID = p.GetString(model.KeyDeviceID, "")
	} else if p.GetString(model.KeyDeviceID, "") != m.cfg.DeviceID {
		_ = p.PutString(model.KeyDeviceID, m.cfg.DeviceID)
	}

	m.token = p.GetString(model.KeyProvisionToken, "")
	m.plantID = p.GetInt(model.KeyPlantID, model.UnsetPlantID)
	m.userToken = p.GetString(model.KeyUserToken, "")
	m.creds = wifi.Credentials{
		SSID:       p.GetString(model.KeyWiFiSSID, ""),
		Password:   p.GetString(model.KeyWiFiPassword, ""),
		Enterprise: p.GetBool(model.KeyIsEnterprise, false),
		Identity:   p.GetString(model.KeyEnterpriseIdentity, ""),
		Username:   p.GetString(model.KeyEnterpriseUsername, ""),
	}
	if m.creds.Enterprise {
		m.creds.Password = p.GetString(model.KeyEnterprisePassword, "")
	}
	hasData := p.GetBool(model.KeyHasData, false)
	saved := model.ProvisioningState(p.GetInt(model.KeyState, int(model.StatePending)))
	savedWiFi := model.WiFiSetupState(p.GetInt(model.KeyWiFiState, int(model.WiFiNotStarted)))
	if err := p.End(); err != nil {
		m.log.Printf("prov: store error during restore: %v", err)
	}

	if hasData && saved == model.StateCompleted {
		m.state = model.StateCompleted
		m.wifiState = model.WiFiConnected
		m.inProgress = false
		m.log.Printf("prov: device %s already provisioned (plant %d)", m.cfg.DeviceID, m.plantID)
		m.changed()
		return true, nil
	}

	// un FAILED salvato non dovrebbe esistere (wipe), ripartiamo da PENDING
	if !saved.Valid() || saved.Terminal() {
		saved = model.StatePending
	}
	if savedWiFi < model.WiFiNotStarted || savedWiFi > model.WiFiFailed {
		savedWiFi = model.WiFiNotStarted
	}
	m.state = saved
	m.wifiState = savedWiFi
	m.inProgress = true
	m.log.Printf("prov: resuming at %s (wifi %s) for device %s", m.state, m.wifiState, m.cfg.DeviceID)
	m.changed()
	return false, nil
}

// SetState requests a transition. Terminal states and illegal predecessors are rejected
// without side effects. A backend refusal forces FAILED and returns ErrBackendRejection.
func (m *Machine) SetState(ctx context.Context, next model.ProvisioningState) error {
	if _, err := Transition(m.state, next); err != nil {
		return err
	}
	if next == model.StateFailed {
		m.fail(ctx, "requested")
		return nil
	}

	if m.token != "" && m.cfg.Oracle != nil {
		if err := m.cfg.Oracle.UpdateStatus(ctx, m.token, m.cfg.DeviceID, next.String()); err != nil {
			m.fail(ctx, fmt.Sprintf("status %s refused", next))
			return fmt.Errorf("%w: status %s: %v", ErrBackendRejection, next, err)
		}
	}

	if next == model.StateBackendVerified {
		if err := m.verifyBackend(ctx); err != nil {
			m.fail(ctx, "backend verification failed")
			return fmt.Errorf("%w: %v", ErrBackendRejection, err)
		}
	}

	prev := m.state
	m.state = next
	if next == model.StateCompleted {
		m.inProgress = false
		m.persistSnapshot()
	} else {
		m.inProgress = true
		m.persistProgress()
	}
	m.log.Printf("prov: %s -> %s", prev, next)
	m.changed()
	return nil
}

// verifyBackend needs the link up, the backend answering and the token accepted.
func (m *Machine) verifyBackend(ctx context.Context) error {
	if m.cfg.Link == nil || !m.cfg.Link.Connected() {
		return errors.New("wifi not connected")
	}
	if m.cfg.Oracle == nil {
		return errors.New("backend url not configured")
	}
	if m.token == "" {
		return errors.New("no provision token")
	}
	if err := m.cfg.Oracle.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if err := m.cfg.Oracle.Verify(ctx, m.token, m.cfg.DeviceID); err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	return nil
}

// fail moves to FAILED: best-effort FAILED notification, then identity wipe.
func (m *Machine) fail(ctx context.Context, reason string) {
	if m.token != "" && m.cfg.Oracle != nil {
		if err := m.cfg.Oracle.UpdateStatus(ctx, m.token, m.cfg.DeviceID, model.StateFailed.String()); err != nil {
			m.log.Printf("prov: FAILED notification not delivered: %v", err)
		}
	}
	m.log.Printf("prov: %s -> FAILED (%s)", m.state, reason)
	m.state = model.StateFailed
	m.inProgress = false
	m.wifiState = model.WiFiNotStarted
	m.wipe(false)
	m.changed()
}

// wipe clears persisted identity. withWiFi also drops the stored credentials.
func (m *Machine) wipe(withWiFi bool) {
	m.token = ""
	m.plantID = model.UnsetPlantID
	m.userToken = ""

	p := m.prefs()
	for _, k := range []string{
		model.KeyProvisionToken, model.KeyPlantID, model.KeyPlantIDString, model.KeyUserToken,
		model.KeyState, model.KeyWiFiState, model.KeyHasData, model.KeyVerified,
	} {
		_ = p.Remove(k)
	}
	if withWiFi {
		m.creds = wifi.Credentials{}
		m.wifiState = model.WiFiNotStarted
		for _, k := range []string{
			model.KeyWiFiSSID, model.KeyWiFiPassword, model.KeyIsEnterprise,
			model.KeyEnterpriseIdentity, model.KeyEnterpriseUsername, model.KeyEnterprisePassword,
		} {
			_ = p.Remove(k)
		}
	}
	if err := p.End(); err != nil {
		m.log.Printf("prov: wipe incomplete: %v", err)
	}
}

// Reset leaves any state, terminal ones included, and starts over from PENDING.
func (m *Machine) Reset() {
	m.wipe(true)
	m.state = model.StatePending
	m.inProgress = false
	m.log.Printf("prov: reset to PENDING")
	m.changed()
}

func (m *Machine) persistProgress() {
	p := m.prefs()
	_ = p.PutInt(model.KeyState, int(m.state))
	_ = p.PutInt(model.KeyWiFiState, int(m.wifiState))
	_ = p.PutBool(model.KeyHasData, true)
	if err := p.End(); err != nil {
		m.log.Printf("prov: failed to persist progress: %v", err)
	}
}

// persistSnapshot writes the full identity with state already set to COMPLETED.
func (m *Machine) persistSnapshot() {
	p := m.prefs()
	_ = p.PutString(model.KeyProvisionToken, m.token)
	_ = p.PutInt(model.KeyPlantID, m.plantID)
	_ = p.PutString(model.KeyPlantIDString, fmt.Sprint(m.plantID))
	_ = p.PutString(model.KeyUserToken, m.userToken)
	_ = p.PutInt(model.KeyState, int(m.state))
	_ = p.PutInt(model.KeyWiFiState, int(m.wifiState))
	_ = p.PutBool(model.KeyHasData, true)
	if err := p.End(); err != nil {
		m.log.Printf("prov: failed to persist snapshot: %v", err)
	}
}

func (m *Machine) SetProvisionToken(token string) {
	m.token = token
	p := m.prefs()
	_ = p.PutString(model.KeyProvisionToken, token)
	_ = p.PutBool(model.KeyHasData, true)
	if err := p.End(); err != nil {
		m.log.Printf("prov: failed to persist token: %v", err)
	}
}

func (m *Machine) SetPlantID(id int) {
	m.plantID = id
	p := m.prefs()
	_ = p.PutInt(model.KeyPlantID, id)
	_ = p.PutString(model.KeyPlantIDString, fmt.Sprint(id))
	_ = p.PutBool(model.KeyHasData, true)
	if err := p.End(); err != nil {
		m.log.Printf("prov: failed to persist plant id: %v", err)
	}
}

func (m *Machine) SetUserToken(token string) {
	m.userToken = token
	p := m.prefs()
	_ = p.PutString(model.KeyUserToken, token)
	if err := p.End(); err != nil {
		m.log.Printf("prov: failed to persist user token: %v", err)
	}
}

func (m *Machine) SetWiFiState(s model.WiFiSetupState) {
	m.wifiState = s
	p := m.prefs()
	_ = p.PutInt(model.KeyWiFiState, int(s))
	if err := p.End(); err != nil {
		m.log.Printf("prov: failed to persist wifi state: %v", err)
	}
}

// SetWiFiCredentials stores credentials; enterprise ones go to the enterprise keys.
func (m *Machine) SetWiFiCredentials(c wifi.Credentials) {
	m.creds = c
	p := m.prefs()
	_ = p.PutString(model.KeyWiFiSSID, c.SSID)
	_ = p.PutBool(model.KeyIsEnterprise, c.Enterprise)
	if c.Enterprise {
		_ = p.PutString(model.KeyEnterpriseIdentity, c.Identity)
		_ = p.PutString(model.KeyEnterpriseUsername, c.Username)
		_ = p.PutString(model.KeyEnterprisePassword, c.Password)
	} else {
		_ = p.PutString(model.KeyWiFiPassword, c.Password)
	}
	if err := p.End(); err != nil {
		m.log.Printf("prov: failed to persist wifi credentials: %v", err)
	}
}

// Advance performs the next onboarding step, if its inputs are available. It is called
// periodically; a step whose inputs are missing is a no-op.
func (m *Machine) Advance(ctx context.Context) error {
	switch m.state {
	case model.StatePending:
		if m.token == "" {
			return nil
		}
		return m.SetState(ctx, model.StateDeviceConnected)

	case model.StateDeviceConnected:
		if m.creds.SSID == "" {
			return nil
		}
		if m.cfg.Link == nil {
			return errors.New("prov: no network link")
		}
		m.SetWiFiState(model.WiFiConnecting)
		if err := m.cfg.Link.Join(ctx, m.creds); err != nil {
			m.SetWiFiState(model.WiFiFailed)
			return fmt.Errorf("prov: wifi join: %w", err)
		}
		m.SetWiFiState(model.WiFiConnected)
		return m.SetState(ctx, model.StateWiFiSetup)

	case model.StateWiFiSetup:
		return m.SetState(ctx, model.StateBackendVerified)

	case model.StateBackendVerified:
		if id, err := m.lookupPlant(ctx); err != nil {
			m.log.Printf("prov: plant lookup failed: %v", err)
		} else {
			m.SetPlantID(id)
			p := m.prefs()
			_ = p.PutBool(model.KeyVerified, true)
			_ = p.End()
		}
		if m.plantID <= 0 {
			m.fail(ctx, "no plant id")
			return fmt.Errorf("%w: no plant id after lookup", ErrBackendRejection)
		}
		return m.SetState(ctx, model.StateCompleted)
	}
	return nil
}

func (m *Machine) lookupPlant(ctx context.Context) (int, error) {
	if m.cfg.Oracle == nil {
		return 0, errors.New("backend url not configured")
	}
	var id int
	attempt := 0
	op := func() error {
		attempt++
		v, err := m.cfg.Oracle.LookupPlant(ctx, m.token, m.cfg.DeviceID)
		if err != nil {
			m.log.Printf("prov: plant lookup attempt %d/%d: %v", attempt, m.cfg.LookupAttempts, err)
			return err
		}
		id = v
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.LookupBackoff), uint64(m.cfg.LookupAttempts-1)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return 0, err
	}
	return id, nil
}

// Status is the payload of the status endpoint.
type Status struct {
	State         string `json:"state"`
	WiFiConnected bool   `json:"wifi_connected"`
	DeviceID      string `json:"device_id"`
}

func (m *Machine) Status() Status {
	connected := m.wifiState == model.WiFiConnected
	if m.cfg.Link != nil {
		connected = m.cfg.Link.Connected()
	}
	return Status{State: m.state.String(), WiFiConnected: connected, DeviceID: m.cfg.DeviceID}
}
