package provisioning

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/LeonardoBeccarini/plant_node/internal/services/wifi"
)

// Endpoint names exposed on the radio link.
const (
	EndpointProvisionToken = "provision-token"
	EndpointPlantID        = "plant-id"
	EndpointWiFiConfig     = "wifi-config"
	EndpointEnterpriseWiFi = "enterprise-wifi"
	EndpointStatus         = "status"
)

// Handler consumes a request payload and returns the bytes to send back. A non-nil
// error wraps ErrParse; the response then carries the parse-error acknowledgement and no
// state was changed.
type Handler func(payload []byte) ([]byte, error)

// Endpoints returns the dispatch table bound to m.
func (m *Machine) Endpoints() map[string]Handler {
	return map[string]Handler{
		EndpointProvisionToken: m.handleProvisionToken,
		EndpointPlantID:        m.handlePlantID,
		EndpointWiFiConfig:     m.handleWiFiConfig,
		EndpointEnterpriseWiFi: m.handleEnterpriseWiFi,
		EndpointStatus:         m.handleStatus,
	}
}

// EndpointNames lists the endpoints in a stable order.
func EndpointNames() []string {
	names := []string{EndpointProvisionToken, EndpointPlantID, EndpointWiFiConfig, EndpointEnterpriseWiFi, EndpointStatus}
	sort.Strings(names)
	return names
}

// Handle dispatches payload to the named endpoint.
func (m *Machine) Handle(endpoint string, payload []byte) ([]byte, error) {
	h, ok := m.Endpoints()[endpoint]
	if !ok {
		return []byte("Unknown endpoint"), fmt.Errorf("%w: unknown endpoint %q", ErrParse, endpoint)
	}
	return h(payload)
}

func parseErr(resp string, err error) ([]byte, error) {
	return []byte(resp), fmt.Errorf("%w: %v", ErrParse, err)
}

func (m *Machine) handleProvisionToken(payload []byte) ([]byte, error) {
	const bad = "Failed to parse provision token"
	var req struct {
		ProvisionToken string `json:"provision_token"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return parseErr(bad, err)
	}
	if strings.TrimSpace(req.ProvisionToken) == "" {
		return parseErr(bad, fmt.Errorf("provision_token missing"))
	}
	m.SetProvisionToken(req.ProvisionToken)
	m.log.Printf("prov: provision token received")
	return []byte("Provision token received"), nil
}

func (m *Machine) handlePlantID(payload []byte) ([]byte, error) {
	const bad = "Failed to parse plant ID"
	var req struct {
		PlantID json.RawMessage `json:"plant_id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return parseErr(bad, err)
	}
	if len(req.PlantID) == 0 {
		return parseErr(bad, fmt.Errorf("plant_id missing"))
	}
	raw := string(req.PlantID)
	var s string
	if err := json.Unmarshal(req.PlantID, &s); err == nil {
		raw = s
	}
	id, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return parseErr(bad, err)
	}
	if id <= 0 {
		return parseErr(bad, fmt.Errorf("plant_id %d not positive", id))
	}
	m.SetPlantID(id)
	m.log.Printf("prov: plant id %d received", id)
	return []byte("Plant ID received"), nil
}

func (m *Machine) handleWiFiConfig(payload []byte) ([]byte, error) {
	const bad = "Failed to parse WiFi config"
	var req struct {
		SSID         string `json:"ssid"`
		Password     string `json:"password"`
		IsEnterprise bool   `json:"isEnterprise"`
		Identity     string `json:"identity"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return parseErr(bad, err)
	}
	if req.SSID == "" {
		return parseErr(bad, fmt.Errorf("ssid missing"))
	}
	c := wifi.Credentials{SSID: req.SSID, Password: req.Password}
	if req.IsEnterprise {
		if req.Identity == "" {
			return parseErr(bad, fmt.Errorf("identity missing for enterprise network"))
		}
		c.Enterprise = true
		c.Identity = req.Identity
		c.Username = req.Identity
	}
	m.SetWiFiCredentials(c)
	m.log.Printf("prov: wifi config received for %q (enterprise=%v)", c.SSID, c.Enterprise)
	return []byte("WiFi config received"), nil
}

func (m *Machine) handleEnterpriseWiFi(payload []byte) ([]byte, error) {
	const bad = "Failed to parse enterprise config"
	var req struct {
		Identity     string `json:"identity"`
		Username     string `json:"username"`
		Password     string `json:"password"`
		SSID         string `json:"ssid"`
		IsEnterprise *bool  `json:"isEnterprise"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return parseErr(bad, err)
	}
	if req.Identity == "" || req.Username == "" || req.Password == "" || req.SSID == "" || req.IsEnterprise == nil {
		return parseErr(bad, fmt.Errorf("identity, username, password, ssid and isEnterprise are required"))
	}
	m.SetWiFiCredentials(wifi.Credentials{
		SSID:       req.SSID,
		Password:   req.Password,
		Enterprise: *req.IsEnterprise,
		Identity:   req.Identity,
		Username:   req.Username,
	})
	m.log.Printf("prov: enterprise config received for %q", req.SSID)
	return []byte("Enterprise config received and saved"), nil
}

func (m *Machine) handleStatus([]byte) ([]byte, error) {
	b, err := json.Marshal(m.Status())
	if err != nil {
		return []byte(`{"state":"UNKNOWN"}`), nil
	}
	return b, nil
}
