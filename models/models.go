// ABOUTME: API response models for the bridge's HTTP surface
// ABOUTME: Snapshot of the latest poll plus shared error envelope

package models

import "time"

// Snapshot is the result of one successful poll cycle, as served to
// downstream consumers.
type Snapshot struct {
	Devices   []TrackerDevice `json:"devices"`
	Timestamp time.Time       `json:"timestamp"`
	Cached    bool            `json:"cached"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Code    int    `json:"code"`
}

// MessageRequest is the body of a send-message call.
type MessageRequest struct {
	DeviceID string `json:"device_id"`
	Message  string `json:"message"`
	Title    string `json:"title,omitempty"`
}
