// ABOUTME: Presentation helpers mapping raw device records to consumer-facing fields
// ABOUTME: Provides coordinate parsing, accuracy estimation, and position source

package models

import "strconv"

// Source describes how a device position was determined.
type Source string

const (
	SourceGPS    Source = "gps"
	SourceRouter Source = "router"
)

// Coordinates returns the device position as floats. ok is false when the
// vendor sent no parseable coordinates.
func (d *TrackerDevice) Coordinates() (lat, lon float64, ok bool) {
	lat, latErr := strconv.ParseFloat(d.LastLocation.Latitude, 64)
	lon, lonErr := strconv.ParseFloat(d.LastLocation.Longitude, 64)
	if latErr != nil || lonErr != nil {
		return 0, 0, false
	}
	return lat, lon, true
}

// Accuracy estimates the position accuracy in meters from the reported
// signal strength (0-100). Stronger signal means a tighter fix.
func (d *TrackerDevice) Accuracy() int {
	signal := d.LastLocation.SignalStrength
	switch {
	case signal > 80:
		return 5
	case signal > 50:
		return 10
	case signal > 20:
		return 20
	default:
		return 50
	}
}

// PositionSource reports whether the last position came from GPS or from a
// wifi access point match.
func (d *TrackerDevice) PositionSource() Source {
	if d.LastLocation.LocationType == LocationTypeWifi {
		return SourceRouter
	}
	return SourceGPS
}

// Battery returns the last reported battery percentage.
func (d *TrackerDevice) Battery() int {
	return d.LastLocation.BatteryPercentage
}
