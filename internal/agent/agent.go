// Package agent implements the device context agent: it publishes local
// observations, tracks peer presence, and decides through a lightweight
// election whether this device should also run hub duties.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/memorable/contextmesh/internal/fusion"
	"github.com/memorable/contextmesh/internal/presence"
	"github.com/memorable/contextmesh/internal/session"
	"github.com/memorable/contextmesh/internal/transport"
)

// Peer event types.
const (
	EventDeviceOnline  = "device_online"
	EventDeviceOffline = "device_offline"
	EventHubElected    = "hub_elected"
	EventHubResigned   = "hub_resigned"
)

// PeerEvent reports a change in the peer set or this agent's hub role.
type PeerEvent struct {
	Type   string
	Device presence.Record
}

// Options configures an Agent.
type Options struct {
	UserID       string
	DeviceID     string
	DeviceType   fusion.DeviceType
	Capabilities []string

	HeartbeatInterval time.Duration
	PresenceTimeout   time.Duration
}

func (o *Options) fillDefaults() {
	if o.DeviceType == "" {
		o.DeviceType = fusion.DeviceUnknown
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.PresenceTimeout <= 0 {
		o.PresenceTimeout = 3 * o.HeartbeatInterval
	}
}

// Agent is one device's connection to the fusion layer. It owns its local
// frame and session state exclusively; the hub owns everything fused.
type Agent struct {
	opts      Options
	transport transport.Transport
	table     *fusion.SensorPriorityTable
	peers     *presence.Roster

	seq         atomic.Uint64
	lastVersion atomic.Uint64

	frame    *fusion.DeviceContextFrame // local copy of own observations
	unified  *fusion.UnifiedContext     // latest accepted broadcast
	leadsHub bool
	mu       sync.RWMutex

	battery        *float64
	networkQuality string

	events    chan PeerEvent
	onUnified func(*fusion.UnifiedContext)
}

// New creates an Agent on the given transport. A nil table uses the default
// priority table.
func New(t transport.Transport, table *fusion.SensorPriorityTable, opts Options) *Agent {
	opts.fillDefaults()
	if table == nil {
		table = fusion.DefaultPriorityTable()
	}
	return &Agent{
		opts:      opts,
		transport: t,
		table:     table,
		peers:     presence.NewRoster(opts.PresenceTimeout),
		frame:     fusion.NewDeviceContextFrame(opts.DeviceID, opts.DeviceType, opts.PresenceTimeout),
		events:    make(chan PeerEvent, 32),
	}
}

// OnUnified registers a callback invoked for each accepted (strictly newer)
// unified context broadcast. Must be called before Run.
func (a *Agent) OnUnified(fn func(*fusion.UnifiedContext)) {
	a.onUnified = fn
}

// Events returns the peer/election event stream. Events are dropped when the
// consumer falls behind.
func (a *Agent) Events() <-chan PeerEvent {
	return a.events
}

// Run connects the agent: it subscribes to the user's channels, announces
// itself, asks the hub for a catch-up broadcast, then heartbeats and prunes
// on a shared tick until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	channels := transport.Channels(a.opts.UserID)
	for _, ch := range []string{channels.Unified, channels.Presence, channels.Control} {
		if err := a.transport.Subscribe(ch); err != nil {
			return err
		}
	}
	if err := a.transport.Start(ctx); err != nil {
		return err
	}

	a.Heartbeat(ctx)
	if err := a.RequestCatchUpSync(ctx); err != nil {
		slog.Warn("agent: catch-up sync request failed", "device", a.opts.DeviceID, "error", err)
	}
	// With no peers visible yet this agent leads; peers announcing themselves
	// re-run the election.
	a.checkElection()

	// Heartbeat and presence pruning share one ticker and one shutdown.
	ticker := time.NewTicker(a.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.Heartbeat(ctx)
			a.PruneStaleDevices()
		case msg, ok := <-a.transport.Messages():
			if !ok {
				return nil
			}
			a.handleMessage(msg)
		}
	}
}

func (a *Agent) handleMessage(msg transport.Message) {
	env, err := msg.Decode()
	if err != nil {
		slog.Warn("agent: dropping malformed message", "channel", msg.Channel, "error", err)
		return
	}
	if env.DeviceID == a.opts.DeviceID {
		return
	}

	switch env.Type {
	case transport.EnvelopeHeartbeat:
		a.handlePeerHeartbeat(env)
	case transport.EnvelopeUnifiedContext:
		a.handleUnified(env)
	case transport.EnvelopeControl:
		a.handlePeerControl(env)
	}
}

func (a *Agent) handlePeerHeartbeat(env *transport.Envelope) {
	var payload transport.HeartbeatPayload
	if err := env.DecodePayload(&payload); err != nil {
		slog.Warn("agent: dropping malformed heartbeat", "device", env.DeviceID, "error", err)
		return
	}

	newPeer := !a.peers.Present(env.DeviceID)
	deviceType := fusion.ParseDeviceType(env.DeviceType)
	a.peers.Observe(env.DeviceID, deviceType, payload.Capabilities, env.Timestamp)

	if newPeer {
		a.emit(PeerEvent{Type: EventDeviceOnline, Device: presence.Record{
			DeviceID:     env.DeviceID,
			DeviceType:   deviceType,
			Capabilities: payload.Capabilities,
			LastSeen:     env.Timestamp,
		}})
		a.checkElection()
	}
}

// handleUnified accepts a broadcast only if its version is strictly newer
// than the last seen one; late or duplicate deliveries are silently ignored,
// so a consumer never regresses its displayed state.
func (a *Agent) handleUnified(env *transport.Envelope) {
	var payload fusion.UnifiedContextPayload
	if err := env.DecodePayload(&payload); err != nil {
		slog.Warn("agent: dropping malformed unified context", "error", err)
		return
	}
	if payload.Context == nil {
		return
	}

	for {
		last := a.lastVersion.Load()
		if payload.Version <= last {
			slog.Debug("agent: discarding stale broadcast", "version", payload.Version, "last", last)
			return
		}
		if a.lastVersion.CompareAndSwap(last, payload.Version) {
			break
		}
	}

	a.mu.Lock()
	a.unified = payload.Context
	a.mu.Unlock()

	if a.onUnified != nil {
		a.onUnified(payload.Context)
	}
}

func (a *Agent) handlePeerControl(env *transport.Envelope) {
	var payload transport.ControlPayload
	if err := env.DecodePayload(&payload); err != nil {
		return
	}
	if payload.Command == transport.CommandDisconnect {
		if a.peers.Remove(env.DeviceID) {
			a.emit(PeerEvent{Type: EventDeviceOffline, Device: presence.Record{
				DeviceID:   env.DeviceID,
				DeviceType: fusion.ParseDeviceType(env.DeviceType),
			}})
			a.checkElection()
		}
	}
}

// PublishDelta publishes a timestamped, sequence-numbered dimension delta.
// Failures are logged and returned but never queued or retried: a fresher
// observation supersedes this one on the next cycle.
func (a *Agent) PublishDelta(ctx context.Context, delta map[string]fusion.Observation) error {
	now := time.Now()
	for dim, obs := range delta {
		if obs.ObservedAt.IsZero() {
			obs.ObservedAt = now
			delta[dim] = obs
		}
	}

	a.mu.Lock()
	for dim, obs := range delta {
		a.frame.Dimensions[dim] = obs
	}
	a.frame.UpdatedAt = now
	a.mu.Unlock()

	env, err := transport.NewEnvelope(a.opts.UserID, a.opts.DeviceID, string(a.opts.DeviceType),
		transport.EnvelopeContextUpdate, transport.ContextUpdatePayload{
			Delta:          delta,
			SequenceNumber: a.seq.Add(1),
		})
	if err != nil {
		return err
	}
	if err := a.transport.Publish(ctx, transport.Channels(a.opts.UserID).Update, env); err != nil {
		slog.Warn("agent: delta publish failed", "device", a.opts.DeviceID, "error", err)
		return err
	}
	return nil
}

// PublishSensorReading publishes a raw reading on the signal's channel,
// tagged with this device's authority for that signal type so the hub can
// resolve without a second round trip.
func (a *Agent) PublishSensorReading(ctx context.Context, signalType string, reading any, confidence float64) error {
	priority := a.table.Priority(a.opts.DeviceType, signalType)

	a.mu.Lock()
	a.frame.Sensors[signalType] = fusion.SensorReading{
		Value:      reading,
		Priority:   priority,
		Confidence: confidence,
		ObservedAt: time.Now(),
	}
	a.mu.Unlock()

	env, err := transport.NewEnvelope(a.opts.UserID, a.opts.DeviceID, string(a.opts.DeviceType),
		transport.EnvelopeSensorUpdate, transport.SensorUpdatePayload{
			SignalType: signalType,
			Reading:    reading,
			Priority:   priority,
			Confidence: confidence,
		})
	if err != nil {
		return err
	}
	if err := a.transport.Publish(ctx, transport.SensorChannel(a.opts.UserID, signalType), env); err != nil {
		slog.Warn("agent: sensor publish failed", "device", a.opts.DeviceID, "signal", signalType, "error", err)
		return err
	}
	return nil
}

// SetBattery updates the battery level reported in heartbeats.
func (a *Agent) SetBattery(level float64) {
	a.mu.Lock()
	a.battery = &level
	a.mu.Unlock()
}

// SetNetworkQuality updates the network quality reported in heartbeats.
func (a *Agent) SetNetworkQuality(quality string) {
	a.mu.Lock()
	a.networkQuality = quality
	a.mu.Unlock()
}

// Heartbeat announces liveness and capabilities. Presence only, never
// content.
func (a *Agent) Heartbeat(ctx context.Context) {
	a.mu.RLock()
	payload := transport.HeartbeatPayload{
		Capabilities:   a.opts.Capabilities,
		BatteryLevel:   a.battery,
		NetworkQuality: a.networkQuality,
	}
	a.mu.RUnlock()

	env, err := transport.NewEnvelope(a.opts.UserID, a.opts.DeviceID, string(a.opts.DeviceType),
		transport.EnvelopeHeartbeat, payload)
	if err != nil {
		slog.Warn("agent: build heartbeat", "error", err)
		return
	}
	if err := a.transport.Publish(ctx, transport.Channels(a.opts.UserID).Presence, env); err != nil {
		slog.Debug("agent: heartbeat failed", "device", a.opts.DeviceID, "error", err)
	}
}

// PruneStaleDevices drops peers not heard from within the presence timeout,
// emitting one device_offline event per dropped peer, then re-evaluates the
// hub election.
func (a *Agent) PruneStaleDevices() []presence.Record {
	removed := a.peers.Prune(time.Now())
	for _, rec := range removed {
		slog.Info("agent: peer offline", "device", rec.DeviceID, "type", rec.DeviceType, "last_seen", rec.LastSeen)
		a.emit(PeerEvent{Type: EventDeviceOffline, Device: rec})
	}
	if len(removed) > 0 {
		a.checkElection()
	}
	return removed
}

// RequestCatchUpSync asks the hub to re-broadcast the current unified
// context, so a reconnecting agent is not left with stale local state.
func (a *Agent) RequestCatchUpSync(ctx context.Context) error {
	return a.publishControl(ctx, transport.CommandForceSync, nil)
}

// RequestHandoff asks the hub to transfer this device's session. With no
// target the handoff is parked until another device claims it.
func (a *Agent) RequestHandoff(ctx context.Context, req session.HandoffRequest) error {
	return a.publishControl(ctx, transport.CommandHandoff, req)
}

// Disconnect announces departure so peers and the hub can drop this device
// without waiting out the presence timeout.
func (a *Agent) Disconnect(ctx context.Context) error {
	return a.publishControl(ctx, transport.CommandDisconnect, nil)
}

func (a *Agent) publishControl(ctx context.Context, command string, payload any) error {
	var raw []byte
	if payload != nil {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			return err
		}
	}
	env, err := transport.NewEnvelope(a.opts.UserID, a.opts.DeviceID, string(a.opts.DeviceType),
		transport.EnvelopeControl, transport.ControlPayload{Command: command, Payload: raw})
	if err != nil {
		return err
	}
	if err := a.transport.Publish(ctx, transport.Channels(a.opts.UserID).Control, env); err != nil {
		slog.Warn("agent: control publish failed", "device", a.opts.DeviceID, "command", command, "error", err)
		return err
	}
	return nil
}

// IsHub reports whether this agent currently leads the hub election: no
// present peer outranks its device type. Ties lead jointly; redundant hubs
// do idempotent work.
func (a *Agent) IsHub() bool {
	return a.peers.ShouldLeadHub(a.opts.DeviceID, a.opts.DeviceType)
}

// checkElection emits an event when this agent's hub role flips.
func (a *Agent) checkElection() {
	leads := a.IsHub()

	a.mu.Lock()
	changed := leads != a.leadsHub
	a.leadsHub = leads
	a.mu.Unlock()

	if !changed {
		return
	}
	if leads {
		a.emit(PeerEvent{Type: EventHubElected})
	} else {
		a.emit(PeerEvent{Type: EventHubResigned})
	}
}

// Peers returns the current peer presence records.
func (a *Agent) Peers() []presence.Record {
	return a.peers.Records()
}

// UnifiedContext returns the latest accepted broadcast. When the transport
// is running degraded (local-only), this stays nil and LocalFrame is the
// single-device view.
func (a *Agent) UnifiedContext() *fusion.UnifiedContext {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.unified
}

// LastVersion returns the highest broadcast version seen.
func (a *Agent) LastVersion() uint64 {
	return a.lastVersion.Load()
}

// LocalFrame returns a snapshot of this device's own observations.
func (a *Agent) LocalFrame() fusion.DeviceContextFrame {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snapshot := *a.frame
	snapshot.Dimensions = make(map[string]fusion.Observation, len(a.frame.Dimensions))
	for k, v := range a.frame.Dimensions {
		snapshot.Dimensions[k] = v
	}
	snapshot.Sensors = make(map[string]fusion.SensorReading, len(a.frame.Sensors))
	for k, v := range a.frame.Sensors {
		snapshot.Sensors[k] = v
	}
	return snapshot
}

// emit delivers an event without blocking the message loop.
func (a *Agent) emit(ev PeerEvent) {
	select {
	case a.events <- ev:
	default:
	}
}
