package mqtt

import "github.com/khairulanwarjo/gestella/internal/buildinfo"

// DeviceInfo holds the Home Assistant device registry fields shared by
// every discovery payload, so HA groups the sensors under one device.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message. Name is relative to the device (HasEntityName), so it must
// not repeat the device name.
type SensorConfig struct {
	Name              string     `json:"name"`
	ObjectID          string     `json:"object_id,omitempty"`
	HasEntityName     bool       `json:"has_entity_name,omitempty"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	DeviceClass       string     `json:"device_class,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
}

// NewDeviceInfo creates a DeviceInfo keyed by the persistent instance
// ID. The device name is what HA displays.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "Gestella",
		Model:        "Telegram Assistant",
		SWVersion:    buildinfo.Version,
	}
}
