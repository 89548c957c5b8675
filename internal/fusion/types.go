// Package fusion defines the context fusion data model: per-device context
// frames, the sensor priority table, and the per-dimension resolution rules
// that merge many devices' observations into one unified context.
package fusion

import (
	"time"
)

// DeviceType classifies a connected device.
type DeviceType string

// Known device types.
const (
	DeviceMobile       DeviceType = "mobile"
	DeviceDesktop      DeviceType = "desktop"
	DeviceWeb          DeviceType = "web"
	DeviceWearable     DeviceType = "wearable"
	DeviceSmartglasses DeviceType = "smartglasses"
	DeviceSmarthome    DeviceType = "smarthome"
	DeviceAPI          DeviceType = "api"
	DeviceAssistant    DeviceType = "assistant"
	DeviceUnknown      DeviceType = "unknown"
)

// ParseDeviceType maps a wire string to a DeviceType, defaulting to unknown.
func ParseDeviceType(s string) DeviceType {
	switch DeviceType(s) {
	case DeviceMobile, DeviceDesktop, DeviceWeb, DeviceWearable,
		DeviceSmartglasses, DeviceSmarthome, DeviceAPI, DeviceAssistant:
		return DeviceType(s)
	default:
		return DeviceUnknown
	}
}

// Context dimension names.
const (
	DimLocation = "location"
	DimActivity = "activity"
	DimPeople   = "people"
	DimMood     = "mood"
)

// Observation is one dimension reading from a device.
type Observation struct {
	Value      any       `json:"value"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// SensorReading is one raw sensor value held in a frame, tagged with the
// reporting device's authority for that signal type.
type SensorReading struct {
	Value      any       `json:"value"`
	Priority   int       `json:"priority"`
	Confidence float64   `json:"confidence,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// DeviceContextFrame is the hub-side state for one (user, device). The hub
// owns it exclusively once published; the originating agent holds only a
// local copy.
type DeviceContextFrame struct {
	DeviceID     string                   `json:"device_id"`
	DeviceType   DeviceType               `json:"device_type"`
	Dimensions   map[string]Observation   `json:"dimensions"`
	Sensors      map[string]SensorReading `json:"sensors,omitempty"`
	LastSequence uint64                   `json:"last_sequence"`
	CreatedAt    time.Time                `json:"created_at"`
	UpdatedAt    time.Time                `json:"updated_at"`
	ExpiresAt    time.Time                `json:"expires_at"`
}

// NewDeviceContextFrame creates an empty frame with the given storage TTL.
func NewDeviceContextFrame(deviceID string, deviceType DeviceType, ttl time.Duration) *DeviceContextFrame {
	now := time.Now()
	return &DeviceContextFrame{
		DeviceID:   deviceID,
		DeviceType: deviceType,
		Dimensions: make(map[string]Observation),
		Sensors:    make(map[string]SensorReading),
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
}

// Touch refreshes the frame's update time and pushes out its expiry.
func (f *DeviceContextFrame) Touch(ttl time.Duration) {
	now := time.Now()
	f.UpdatedAt = now
	f.ExpiresAt = now.Add(ttl)
}

// Expired reports whether the frame is past its storage TTL. Resolution
// eligibility is presence-based; this is only the hard storage backstop.
func (f *DeviceContextFrame) Expired(now time.Time) bool {
	return now.After(f.ExpiresAt)
}

// ResolvedValue is one dimension's winner after resolution.
type ResolvedValue struct {
	Value      any        `json:"value"`
	Confidence float64    `json:"confidence"`
	DeviceID   string     `json:"device_id"`
	DeviceType DeviceType `json:"device_type"`
	ObservedAt time.Time  `json:"observed_at"`
}

// Contributor records which device supplied which resolved dimension.
type Contributor struct {
	DeviceID   string     `json:"device_id"`
	DeviceType DeviceType `json:"device_type"`
	Dimension  string     `json:"dimension"`
}

// UnifiedContext is the hub's authoritative fused context for one user.
// Mutated only by the hub's integration pass; read-only everywhere else.
// Never deleted, only superseded by a higher version.
type UnifiedContext struct {
	UserID       string         `json:"user_id"`
	Location     *ResolvedValue `json:"location,omitempty"`
	Activity     *ResolvedValue `json:"activity,omitempty"`
	People       []string       `json:"people"`
	Mood         *ResolvedValue `json:"mood,omitempty"`
	Confidence   float64        `json:"confidence"`
	Contributors []Contributor  `json:"contributors"`
	Version      uint64         `json:"version"`
	ResolvedAt   time.Time      `json:"resolved_at"`
}

// UnifiedContextPayload is the wire payload for hub broadcasts. Version is
// mirrored at the top level so receivers can discard stale broadcasts
// without walking the context.
type UnifiedContextPayload struct {
	Context      *UnifiedContext `json:"context"`
	Contributors []Contributor   `json:"contributors"`
	Version      uint64          `json:"version"`
}
