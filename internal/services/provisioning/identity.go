package provisioning

import (
	"errors"
	"fmt"
	"net"

	"github.com/LeonardoBeccarini/plant_node/internal/model"
	"github.com/LeonardoBeccarini/plant_node/pkg/store"
)

// DeviceIDFromMAC renders the stable device identifier, e.g. "A4CF1223-4B5C".
func DeviceIDFromMAC(mac net.HardwareAddr) string {
	if len(mac) < 6 {
		return ""
	}
	return fmt.Sprintf("%02X%02X%02X%02X-%02X%02X", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

// ServiceName is the name the node advertises on the radio link.
func ServiceName(mac net.HardwareAddr) string {
	if len(mac) < 6 {
		return "GURU_000000"
	}
	return fmt.Sprintf("GURU_%02X%02X%02X", mac[3], mac[4], mac[5])
}

// HostMAC returns the hardware address of the first non-loopback interface.
func HostMAC() (net.HardwareAddr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 || len(ifc.HardwareAddr) < 6 {
			continue
		}
		return ifc.HardwareAddr, nil
	}
	return nil, errors.New("no interface with a hardware address")
}

// StoredDeviceID returns the device id saved by a previous run, or "".
func StoredDeviceID(st store.Store) string {
	if st == nil {
		return ""
	}
	p := store.Begin(st, model.PrefsNamespace)
	defer p.End()
	return p.GetString(model.KeyDeviceID, "")
}
