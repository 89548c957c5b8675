// Package session provides per-device session state and the cross-device
// continuity protocol: bounded topic/item retention, handoff lifecycle, and
// continuity briefings.
package session

import (
	"errors"
	"time"

	"github.com/memorable/contextmesh/internal/fusion"
)

// Sentinel errors.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrNoPendingHandoff = errors.New("no pending handoff")
)

// DeviceSession is the short-lived working state for one (user, device):
// a context snapshot plus bounded lists of recent conversation topics and
// active item references.
type DeviceSession struct {
	SessionID     string            `json:"session_id"`
	UserID        string            `json:"user_id"`
	DeviceID      string            `json:"device_id"`
	DeviceType    fusion.DeviceType `json:"device_type"`
	Context       map[string]any    `json:"context,omitempty"`
	Topics        []string          `json:"conversation_topics"`
	ActiveItemIDs []string          `json:"active_item_ids"`
	Summary       string            `json:"session_summary,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
}

// Update is a partial merge into a device session. Topics and item IDs are
// appended (newest last) and bounded by the retention limits; context keys
// overwrite existing ones.
type Update struct {
	Context       map[string]any `json:"context,omitempty"`
	Topics        []string       `json:"conversation_topics,omitempty"`
	ActiveItemIDs []string       `json:"active_item_ids,omitempty"`
	Summary       string         `json:"session_summary,omitempty"`
}

// HandoffRequest asks for an in-progress session to follow the user to
// another device. When the target device is unknown the handoff is stored
// pending until a device claims it.
type HandoffRequest struct {
	UserID           string `json:"user_id,omitempty"`
	SourceDeviceID   string `json:"source_device_id,omitempty"`
	TargetDeviceID   string `json:"target_device_id,omitempty"`
	TargetDeviceType string `json:"target_device_type,omitempty"`
}

// Handoff is one session transfer. Pending handoffs are consumed by exactly
// one claim or expire unclaimed.
type Handoff struct {
	HandoffID        string        `json:"handoff_id"`
	UserID           string        `json:"user_id"`
	SourceDeviceID   string        `json:"source_device_id"`
	TargetDeviceType string        `json:"target_device_type,omitempty"`
	Snapshot         DeviceSession `json:"snapshot"`
	Briefing         string        `json:"briefing"`
	CreatedAt        time.Time     `json:"created_at"`
	ExpiresAt        time.Time     `json:"expires_at"`
}

// Expired reports whether the handoff's claim window has closed.
func (h *Handoff) Expired(now time.Time) bool {
	return now.After(h.ExpiresAt)
}

// CrossDeviceState is the read-only "what's happening everywhere" view.
type CrossDeviceState struct {
	UserID        string          `json:"user_id"`
	Sessions      []DeviceSession `json:"sessions"`
	Topics        []string        `json:"topics"`
	ActiveItemIDs []string        `json:"active_item_ids"`
}

// ContinuityView answers "what was I doing here, and elsewhere?" for one
// device.
type ContinuityView struct {
	ThisDevice   *DeviceSession  `json:"this_device,omitempty"`
	OtherDevices []DeviceSession `json:"other_devices"`
	Briefing     string          `json:"briefing"`
}
