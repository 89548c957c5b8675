// Package transport provides the pub/sub layer for context fusion: the wire
// envelope, the per-user channel namespace, and broker implementations.
package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/memorable/contextmesh/internal/fusion"
)

// Envelope is the wire format for all channel messages.
type Envelope struct {
	MessageID  string          `json:"message_id"`
	Timestamp  time.Time       `json:"timestamp"`
	UserID     string          `json:"user_id"`
	DeviceID   string          `json:"device_id"`
	DeviceType string          `json:"device_type"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Envelope type constants.
const (
	EnvelopeContextUpdate  = "context_update"
	EnvelopeSensorUpdate   = "sensor_update"
	EnvelopeHeartbeat      = "heartbeat"
	EnvelopeUnifiedContext = "unified_context"
	EnvelopeControl        = "control"
)

// Control command constants.
const (
	CommandForceSync    = "force_sync"
	CommandClearContext = "clear_context"
	CommandHandoff      = "handoff"
	CommandDisconnect   = "disconnect"
)

// ContextUpdatePayload carries a dimension delta from a device.
type ContextUpdatePayload struct {
	Delta          map[string]fusion.Observation `json:"delta"`
	SequenceNumber uint64                        `json:"sequence_number"`
}

// SensorUpdatePayload carries a raw sensor reading. Priority is the sending
// device's authority for this signal type, looked up from the priority table
// at publish time so the hub can resolve without a second round trip.
type SensorUpdatePayload struct {
	SignalType string  `json:"signal_type"`
	Reading    any     `json:"reading"`
	Priority   int     `json:"priority"`
	Confidence float64 `json:"confidence,omitempty"`
}

// HeartbeatPayload carries device liveness and capabilities. Used purely for
// presence, never for content.
type HeartbeatPayload struct {
	Capabilities   []string `json:"capabilities,omitempty"`
	BatteryLevel   *float64 `json:"battery_level,omitempty"`
	NetworkQuality string   `json:"network_quality,omitempty"`
}

// ControlPayload carries a control command.
type ControlPayload struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope with a fresh message ID and the payload
// marshalled in place.
func NewEnvelope(userID, deviceID, deviceType, msgType string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return &Envelope{
		MessageID:  uuid.NewString(),
		Timestamp:  time.Now(),
		UserID:     userID,
		DeviceID:   deviceID,
		DeviceType: deviceType,
		Type:       msgType,
		Payload:    data,
	}, nil
}

// DecodePayload unmarshals the envelope payload into target.
func (e *Envelope) DecodePayload(target any) error {
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
