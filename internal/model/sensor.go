package model

import "fmt"

// ProvisioningState is the onboarding progress of the node.
type ProvisioningState int

const (
	StatePending ProvisioningState = iota
	StateDeviceConnected
	StateWiFiSetup
	StateBackendVerified
	StateCompleted
	StateFailed
)

var provisioningLabels = [...]string{
	StatePending:         "PENDING",
	StateDeviceConnected: "DEVICE_CONNECTED",
	StateWiFiSetup:       "WIFI_SETUP",
	StateBackendVerified: "BACKEND_VERIFIED",
	StateCompleted:       "COMPLETED",
	StateFailed:          "FAILED",
}

func (s ProvisioningState) String() string {
	if s < 0 || int(s) >= len(provisioningLabels) {
		return "UNKNOWN"
	}
	return provisioningLabels[s]
}

// Terminal reports whether no transition may leave s.
func (s ProvisioningState) Terminal() bool { return s == StateCompleted || s == StateFailed }

// Valid reports whether s is one of the declared states.
func (s ProvisioningState) Valid() bool { return s >= StatePending && s <= StateFailed }

// ParseProvisioningState maps a label back to its state.
func ParseProvisioningState(label string) (ProvisioningState, error) {
	for i, l := range provisioningLabels {
		if l == label {
			return ProvisioningState(i), nil
		}
	}
	return StatePending, fmt.Errorf("unknown provisioning state %q", label)
}

// WiFiSetupState tracks the radio join independently of ProvisioningState.
type WiFiSetupState int

const (
	WiFiNotStarted WiFiSetupState = iota
	WiFiConnecting
	WiFiConnected
	WiFiFailed
)

func (s WiFiSetupState) String() string {
	switch s {
	case WiFiNotStarted:
		return "NOT_STARTED"
	case WiFiConnecting:
		return "CONNECTING"
	case WiFiConnected:
		return "CONNECTED"
	case WiFiFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}
