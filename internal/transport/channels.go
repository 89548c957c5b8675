package transport

import "fmt"

// ChannelNames holds the per-user channel names on the broker.
type ChannelNames struct {
	Update   string // dimension deltas from any device
	Presence string // heartbeats
	Unified  string // hub broadcasts
	Control  string // force_sync, clear_context, handoff, disconnect
}

// Channels returns the ChannelNames for the given user.
func Channels(userID string) ChannelNames {
	return ChannelNames{
		Update:   fmt.Sprintf("context.update.%s", userID),
		Presence: fmt.Sprintf("context.presence.%s", userID),
		Unified:  fmt.Sprintf("context.unified.%s", userID),
		Control:  fmt.Sprintf("context.control.%s", userID),
	}
}

// SensorChannel returns the per-signal-type channel, allowing consumers to
// subscribe selectively.
func SensorChannel(userID, signalType string) string {
	return fmt.Sprintf("context.sensor.%s.%s", userID, signalType)
}

// SensorChannelPrefix returns the prefix shared by all of a user's sensor
// channels.
func SensorChannelPrefix(userID string) string {
	return fmt.Sprintf("context.sensor.%s.", userID)
}

// All returns every fixed channel name for consumer subscription. Sensor
// channels are dynamic and subscribed per signal type.
func (c ChannelNames) All() []string {
	return []string{c.Update, c.Presence, c.Unified, c.Control}
}
