// Package model holds the records and enums shared by the node services.
package model

// Namespaces and keys of the persistent store. Each owner is the sole writer of its keys.
const (
	PrefsNamespace  = "device_prefs"
	BufferNamespace = "buffer_state"
	BufferKey       = "circularBuffer"

	KeyProvisionToken     = "provision_token"
	KeyPlantID            = "plant_id"
	KeyPlantIDString      = "plant_id_str"
	KeyUserToken          = "user_token"
	KeyState              = "state"
	KeyWiFiState          = "wifi_state"
	KeyHasData            = "has_data"
	KeyWiFiSSID           = "wifi_ssid"
	KeyWiFiPassword       = "wifi_password"
	KeyIsEnterprise       = "is_enterprise"
	KeyEnterpriseIdentity = "enterprise_identity"
	KeyEnterpriseUsername = "enterprise_username"
	KeyEnterprisePassword = "enterprise_password"
	KeyVerified           = "verified"
	KeyDeviceID           = "device_id"
)
