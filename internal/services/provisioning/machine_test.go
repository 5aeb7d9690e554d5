package provisioning

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"testing"
	"time"

	"github.com/LeonardoBeccarini/plant_node/internal/model"
	"github.com/LeonardoBeccarini/plant_node/internal/services/wifi"
	"github.com/LeonardoBeccarini/plant_node/pkg/store"
)

type fakeOracle struct {
	statuses   []string
	rejectOn   string // status label to refuse
	verifyErr  error
	pingErr    error
	plantID    int
	lookupErr  error
	lookupCall int
}

func (f *fakeOracle) Ping(context.Context) error { return f.pingErr }

func (f *fakeOracle) UpdateStatus(_ context.Context, _, _, status string) error {
	f.statuses = append(f.statuses, status)
	if status == f.rejectOn {
		return errors.New("400 invalid state transition")
	}
	return nil
}

func (f *fakeOracle) Verify(context.Context, string, string) error { return f.verifyErr }

func (f *fakeOracle) LookupPlant(context.Context, string, string) (int, error) {
	f.lookupCall++
	return f.plantID, f.lookupErr
}

type fakeLink struct {
	connected bool
	joinErr   error
	joined    []wifi.Credentials
}

func (l *fakeLink) Join(_ context.Context, c wifi.Credentials) error {
	l.joined = append(l.joined, c)
	if l.joinErr != nil {
		return l.joinErr
	}
	l.connected = true
	return nil
}

func (l *fakeLink) Connected() bool { return l.connected }

func newTestMachine(st store.Store, o Oracle, l wifi.Link) *Machine {
	cfg := Config{
		DeviceID:      "A4CF1223-4B5C",
		Store:         st,
		Link:          l,
		Logger:        log.New(io.Discard, "", 0),
		LookupBackoff: time.Millisecond,
	}
	if o != nil {
		cfg.Oracle = o
	}
	return NewMachine(cfg)
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		cur, next model.ProvisioningState
		ok        bool
	}{
		{model.StatePending, model.StateDeviceConnected, true},
		{model.StateDeviceConnected, model.StateWiFiSetup, true},
		{model.StateWiFiSetup, model.StateBackendVerified, true},
		{model.StateBackendVerified, model.StateCompleted, true},
		{model.StatePending, model.StateBackendVerified, false},
		{model.StatePending, model.StateCompleted, false},
		{model.StateWiFiSetup, model.StateDeviceConnected, false},
		{model.StatePending, model.StatePending, false},
		{model.StateWiFiSetup, model.StateFailed, true},
		{model.StateCompleted, model.StateFailed, false},
		{model.StateFailed, model.StatePending, false},
		{model.StatePending, model.ProvisioningState(42), false},
	}
	for _, tt := range tests {
		got, err := Transition(tt.cur, tt.next)
		if tt.ok {
			if err != nil || got != tt.next {
				t.Errorf("%s -> %s: got %s, %v", tt.cur, tt.next, got, err)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidTransition) || got != tt.cur {
			t.Errorf("%s -> %s: got %s, %v; want rejection", tt.cur, tt.next, got, err)
		}
	}
}

func TestSetStateRejectsSkippingAhead(t *testing.T) {
	o := &fakeOracle{}
	m := newTestMachine(store.NewMemStore(), o, &fakeLink{connected: true})
	m.SetProvisionToken("tok")
	err := m.SetState(context.Background(), model.StateBackendVerified)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if m.State() != model.StatePending || len(o.statuses) != 0 {
		t.Errorf("state=%s statuses=%v; want untouched", m.State(), o.statuses)
	}
}

func TestTerminalStatesRejectEverything(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(store.NewMemStore(), nil, nil)
	if err := m.SetState(ctx, model.StateFailed); err != nil {
		t.Fatalf("fail: %v", err)
	}
	for _, next := range []model.ProvisioningState{model.StatePending, model.StateDeviceConnected, model.StateCompleted, model.StateFailed} {
		if err := m.SetState(ctx, next); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("FAILED -> %s: err = %v", next, err)
		}
	}

	m.Reset()
	if m.State() != model.StatePending {
		t.Fatalf("after Reset state = %s", m.State())
	}
}

func walkToCompleted(t *testing.T, m *Machine) {
	t.Helper()
	ctx := context.Background()
	for _, s := range []model.ProvisioningState{model.StateDeviceConnected, model.StateWiFiSetup, model.StateBackendVerified, model.StateCompleted} {
		if err := m.SetState(ctx, s); err != nil {
			t.Fatalf("-> %s: %v", s, err)
		}
	}
}

func TestHappyPathNotifiesBackendAndPersistsSnapshot(t *testing.T) {
	st := store.NewMemStore()
	o := &fakeOracle{}
	m := newTestMachine(st, o, &fakeLink{connected: true})
	m.SetProvisionToken("tok")
	m.SetPlantID(7)
	m.SetUserToken("user")
	walkToCompleted(t, m)

	want := []string{"DEVICE_CONNECTED", "WIFI_SETUP", "BACKEND_VERIFIED", "COMPLETED"}
	if len(o.statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", o.statuses, want)
	}
	for i := range want {
		if o.statuses[i] != want[i] {
			t.Errorf("status[%d] = %s, want %s", i, o.statuses[i], want[i])
		}
	}
	if m.InProgress() {
		t.Error("in-progress flag still set after COMPLETED")
	}

	p := store.Begin(st, model.PrefsNamespace)
	defer p.End()
	if got := model.ProvisioningState(p.GetInt(model.KeyState, -1)); got != model.StateCompleted {
		t.Errorf("persisted state = %s", got)
	}
	if p.GetString(model.KeyProvisionToken, "") != "tok" || p.GetInt(model.KeyPlantID, 0) != 7 ||
		p.GetString(model.KeyPlantIDString, "") != "7" || p.GetString(model.KeyUserToken, "") != "user" {
		t.Error("identity snapshot incomplete")
	}
}

func TestResumeCompletedShortCircuits(t *testing.T) {
	st := store.NewMemStore()
	m := newTestMachine(st, &fakeOracle{}, &fakeLink{connected: true})
	m.SetProvisionToken("tok")
	m.SetPlantID(3)
	walkToCompleted(t, m)

	again := newTestMachine(st, nil, nil)
	done, err := again.Begin(false)
	if err != nil || !done {
		t.Fatalf("Begin = %v, %v; want already provisioned", done, err)
	}
	if again.State() != model.StateCompleted || again.PlantID() != 3 || again.ProvisionToken() != "tok" {
		t.Errorf("restored state=%s plant=%d token=%q", again.State(), again.PlantID(), again.ProvisionToken())
	}
}

func TestResumeMidway(t *testing.T) {
	st := store.NewMemStore()
	m := newTestMachine(st, nil, nil)
	ctx := context.Background()
	if err := m.SetState(ctx, model.StateDeviceConnected); err != nil {
		t.Fatal(err)
	}
	m.SetWiFiState(model.WiFiConnecting)

	again := newTestMachine(st, nil, nil)
	done, err := again.Begin(false)
	if err != nil || done {
		t.Fatalf("Begin = %v, %v", done, err)
	}
	if again.State() != model.StateDeviceConnected || again.WiFiState() != model.WiFiConnecting {
		t.Errorf("resumed at (%s, %s)", again.State(), again.WiFiState())
	}
	if !again.InProgress() {
		t.Error("resumed machine not in progress")
	}
}

func TestBeginWithResetWipes(t *testing.T) {
	st := store.NewMemStore()
	m := newTestMachine(st, &fakeOracle{}, &fakeLink{connected: true})
	m.SetProvisionToken("tok")
	m.SetWiFiCredentials(wifi.Credentials{SSID: "home", Password: "pw"})
	walkToCompleted(t, m)

	again := newTestMachine(st, nil, nil)
	done, err := again.Begin(true)
	if err != nil || done {
		t.Fatalf("Begin(reset) = %v, %v", done, err)
	}
	if again.State() != model.StatePending || again.ProvisionToken() != "" || again.WiFiCredentials().SSID != "" {
		t.Errorf("reset left state=%s token=%q ssid=%q", again.State(), again.ProvisionToken(), again.WiFiCredentials().SSID)
	}
}

func TestBackendRejectionForcesFailedAndWipes(t *testing.T) {
	st := store.NewMemStore()
	o := &fakeOracle{rejectOn: "WIFI_SETUP"}
	m := newTestMachine(st, o, &fakeLink{connected: true})
	m.SetProvisionToken("tok")
	m.SetPlantID(9)
	ctx := context.Background()
	if err := m.SetState(ctx, model.StateDeviceConnected); err != nil {
		t.Fatal(err)
	}
	m.SetWiFiState(model.WiFiConnected)

	err := m.SetState(ctx, model.StateWiFiSetup)
	if !errors.Is(err, ErrBackendRejection) {
		t.Fatalf("err = %v, want ErrBackendRejection", err)
	}
	if m.State() != model.StateFailed || m.InProgress() {
		t.Errorf("state=%s inProgress=%v", m.State(), m.InProgress())
	}
	if last := o.statuses[len(o.statuses)-1]; last != "FAILED" {
		t.Errorf("last notified status = %s, want FAILED", last)
	}
	for _, k := range []string{model.KeyProvisionToken, model.KeyPlantID, model.KeyUserToken, model.KeyState} {
		if _, err := st.Get(model.PrefsNamespace, k); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("key %s survived FAILED wipe", k)
		}
	}
	if m.PlantID() != model.UnsetPlantID || m.ProvisionToken() != "" {
		t.Error("in-memory identity not cleared")
	}
	if m.WiFiState() != model.WiFiNotStarted {
		t.Errorf("wifi state = %s after FAILED, want NOT_STARTED", m.WiFiState())
	}
	if _, err := st.Get(model.PrefsNamespace, model.KeyWiFiState); !errors.Is(err, store.ErrNotFound) {
		t.Error("wifi_state survived FAILED wipe")
	}
}

func TestBackendVerifiedRequiresLiveVerification(t *testing.T) {
	tests := []struct {
		name   string
		oracle *fakeOracle
		link   *fakeLink
	}{
		{"link down", &fakeOracle{}, &fakeLink{connected: false}},
		{"ping fails", &fakeOracle{pingErr: errors.New("timeout")}, &fakeLink{connected: true}},
		{"verify fails", &fakeOracle{verifyErr: errors.New("401")}, &fakeLink{connected: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMachine(store.NewMemStore(), tt.oracle, tt.link)
			m.SetProvisionToken("tok")
			ctx := context.Background()
			_ = m.SetState(ctx, model.StateDeviceConnected)
			_ = m.SetState(ctx, model.StateWiFiSetup)
			err := m.SetState(ctx, model.StateBackendVerified)
			if !errors.Is(err, ErrBackendRejection) || m.State() != model.StateFailed {
				t.Errorf("err=%v state=%s", err, m.State())
			}
		})
	}
}

func TestNoTokenProgressesLocally(t *testing.T) {
	o := &fakeOracle{}
	m := newTestMachine(store.NewMemStore(), o, nil)
	if err := m.SetState(context.Background(), model.StateDeviceConnected); err != nil {
		t.Fatal(err)
	}
	if len(o.statuses) != 0 {
		t.Errorf("backend notified without a token: %v", o.statuses)
	}
}

func TestAdvanceDrivesOnboarding(t *testing.T) {
	st := store.NewMemStore()
	o := &fakeOracle{plantID: 11}
	l := &fakeLink{}
	m := newTestMachine(st, o, l)
	ctx := context.Background()

	if err := m.Advance(ctx); err != nil || m.State() != model.StatePending {
		t.Fatalf("advance without token: %v, %s", err, m.State())
	}
	m.SetProvisionToken("tok")
	m.SetWiFiCredentials(wifi.Credentials{SSID: "home", Password: "pw"})

	for i := 0; i < 4; i++ {
		if err := m.Advance(ctx); err != nil {
			t.Fatalf("advance %d at %s: %v", i, m.State(), err)
		}
	}
	if m.State() != model.StateCompleted || m.PlantID() != 11 {
		t.Fatalf("state=%s plant=%d", m.State(), m.PlantID())
	}
	if m.WiFiState() != model.WiFiConnected || len(l.joined) != 1 {
		t.Errorf("wifi=%s joins=%d", m.WiFiState(), len(l.joined))
	}
	p := store.Begin(st, model.PrefsNamespace)
	defer p.End()
	if !p.GetBool(model.KeyVerified, false) {
		t.Error("verified flag not stored")
	}
}

func TestAdvanceWiFiJoinFailureKeepsState(t *testing.T) {
	m := newTestMachine(store.NewMemStore(), nil, &fakeLink{joinErr: errors.New("auth")})
	ctx := context.Background()
	m.SetProvisionToken("tok")
	m.SetWiFiCredentials(wifi.Credentials{SSID: "home"})
	_ = m.Advance(ctx)
	if err := m.Advance(ctx); err == nil {
		t.Fatal("expected join error")
	}
	if m.State() != model.StateDeviceConnected || m.WiFiState() != model.WiFiFailed {
		t.Errorf("state=%s wifi=%s", m.State(), m.WiFiState())
	}
}

func TestAdvanceLookupRetriesThenFails(t *testing.T) {
	o := &fakeOracle{lookupErr: errors.New("503")}
	m := newTestMachine(store.NewMemStore(), o, &fakeLink{connected: true})
	m.SetProvisionToken("tok")
	ctx := context.Background()
	_ = m.SetState(ctx, model.StateDeviceConnected)
	_ = m.SetState(ctx, model.StateWiFiSetup)
	_ = m.SetState(ctx, model.StateBackendVerified)

	err := m.Advance(ctx)
	if !errors.Is(err, ErrBackendRejection) || m.State() != model.StateFailed {
		t.Fatalf("err=%v state=%s", err, m.State())
	}
	if o.lookupCall != 3 {
		t.Errorf("lookup attempts = %d, want 3", o.lookupCall)
	}
}

func TestAdvanceLookupFailureWithKnownPlant(t *testing.T) {
	o := &fakeOracle{lookupErr: errors.New("503")}
	m := newTestMachine(store.NewMemStore(), o, &fakeLink{connected: true})
	m.SetProvisionToken("tok")
	m.SetPlantID(4)
	ctx := context.Background()
	_ = m.SetState(ctx, model.StateDeviceConnected)
	_ = m.SetState(ctx, model.StateWiFiSetup)
	_ = m.SetState(ctx, model.StateBackendVerified)

	if err := m.Advance(ctx); err != nil || m.State() != model.StateCompleted {
		t.Fatalf("err=%v state=%s", err, m.State())
	}
}

func TestOnChangeCallback(t *testing.T) {
	var seen []model.ProvisioningState
	m := newTestMachine(store.NewMemStore(), nil, nil)
	m.cfg.OnChange = func(s model.ProvisioningState) { seen = append(seen, s) }
	_ = m.SetState(context.Background(), model.StateDeviceConnected)
	_ = m.SetState(context.Background(), model.StateFailed)
	if len(seen) != 2 || seen[0] != model.StateDeviceConnected || seen[1] != model.StateFailed {
		t.Errorf("seen = %v", seen)
	}
}

func TestDeviceIdentity(t *testing.T) {
	mac := net.HardwareAddr{0xa4, 0xcf, 0x12, 0x23, 0x4b, 0x5c}
	if got := DeviceIDFromMAC(mac); got != "A4CF1223-4B5C" {
		t.Errorf("DeviceIDFromMAC = %s", got)
	}
	if got := ServiceName(mac); got != "GURU_234B5C" {
		t.Errorf("ServiceName = %s", got)
	}
	if DeviceIDFromMAC(net.HardwareAddr{1, 2}) != "" {
		t.Error("short MAC should yield empty id")
	}
}
