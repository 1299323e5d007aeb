// ABOUTME: Data models for one2track GPS tracker devices
// ABOUTME: JSON-serializable structures matching the vendor's ad-hoc device payload

package models

// SimCard holds the SIM details the vendor embeds in each device record.
type SimCard struct {
	TariffType   string `json:"tariff_type"`
	BalanceCents int    `json:"balance_cents"`
}

// Location is the most recent position report for a device. The vendor
// serializes latitude and longitude as strings, so they stay strings here
// and are converted on demand.
type Location struct {
	Latitude           string  `json:"latitude"`
	Longitude          string  `json:"longitude"`
	Altitude           int     `json:"altitude"`
	LocationType       string  `json:"location_type"`
	Address            string  `json:"address"`
	SignalStrength     int     `json:"signal_strength"`
	SatelliteCount     int     `json:"satellite_count"`
	BatteryPercentage  int     `json:"battery_percentage"`
	LastCommunication  string  `json:"last_communication"`
	LastLocationUpdate string  `json:"last_location_update"`
	Host               string  `json:"host"`
	Port               string  `json:"port"`
	Speed              float64 `json:"speed"`
}

// TrackerDevice is one GPS tracker as reported by the device-list endpoint.
// Every poll produces a fresh, independent slice of these; consumers must
// re-match devices across polls by UUID.
type TrackerDevice struct {
	ID           int      `json:"id"`
	UUID         string   `json:"uuid"`
	SerialNumber string   `json:"serial_number"`
	Name         string   `json:"name"`
	Status       string   `json:"status"`
	PhoneNumber  string   `json:"phone_number"`
	SimCard      SimCard  `json:"simcard"`
	LastLocation Location `json:"last_location"`
}

// LocationTypeWifi marks a position derived from wifi access points rather
// than a GPS fix.
const LocationTypeWifi = "WIFI"
