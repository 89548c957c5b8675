// Package hub implements the context hub: per-user fan-in of device
// observations, debounced integration, per-dimension conflict resolution,
// and versioned broadcast of the unified context.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/memorable/contextmesh/internal/fusion"
	"github.com/memorable/contextmesh/internal/presence"
	"github.com/memorable/contextmesh/internal/session"
	"github.com/memorable/contextmesh/internal/transport"
)

// Options configures a Hub.
type Options struct {
	// DeviceID and DeviceType identify the hub on the wire. An agent that
	// elected itself hub passes its own identity.
	DeviceID   string
	DeviceType fusion.DeviceType

	DebounceWindow  time.Duration
	SweepInterval   time.Duration
	PresenceTimeout time.Duration
	FrameTTL        map[string]time.Duration
	DefaultFrameTTL time.Duration
}

func (o *Options) fillDefaults() {
	if o.DeviceID == "" {
		o.DeviceID = "hub"
	}
	if o.DeviceType == "" {
		o.DeviceType = fusion.DeviceAPI
	}
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = 100 * time.Millisecond
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.PresenceTimeout <= 0 {
		o.PresenceTimeout = 15 * time.Second
	}
	if o.DefaultFrameTTL <= 0 {
		o.DefaultFrameTTL = 5 * time.Minute
	}
}

// frameTTL returns the storage TTL for a device type.
func (o *Options) frameTTL(deviceType fusion.DeviceType) time.Duration {
	if ttl, ok := o.FrameTTL[string(deviceType)]; ok && ttl > 0 {
		return ttl
	}
	return o.DefaultFrameTTL
}

// userState is the hub's per-user pipeline. Each user's state is isolated:
// one user's updates never block or corrupt another's.
type userState struct {
	userID  string
	frames  map[string]*fusion.DeviceContextFrame
	roster  *presence.Roster
	unified *fusion.UnifiedContext
	version uint64
	// debounceGen identifies the current timer; a fired timer whose
	// generation is no longer current has been superseded and must not run
	// its integration pass.
	debounce    *time.Timer
	debounceGen uint64
	mu          sync.Mutex
}

// Hub aggregates device observations per user and broadcasts the fused
// result. Logically one active instance per user; duplicate hubs degrade to
// redundant idempotent work, never corruption.
type Hub struct {
	transport  transport.Transport
	table      *fusion.SensorPriorityTable
	continuity *session.Manager
	opts       Options
	users      map[string]*userState
	mu         sync.RWMutex
}

// New creates a Hub. The continuity manager is optional; without it, handoff
// control commands are logged and dropped.
func New(t transport.Transport, table *fusion.SensorPriorityTable, continuity *session.Manager, opts Options) *Hub {
	opts.fillDefaults()
	if table == nil {
		table = fusion.DefaultPriorityTable()
	}
	return &Hub{
		transport:  t,
		table:      table,
		continuity: continuity,
		opts:       opts,
		users:      make(map[string]*userState),
	}
}

// Track subscribes the hub to a user's channels. Sensor channels are
// per-signal; pass the signal types the hub should follow.
func (h *Hub) Track(userID string, signalTypes ...string) error {
	channels := transport.Channels(userID)
	for _, ch := range []string{channels.Update, channels.Presence, channels.Control} {
		if err := h.transport.Subscribe(ch); err != nil {
			return err
		}
	}
	for _, signal := range signalTypes {
		if err := h.transport.Subscribe(transport.SensorChannel(userID, signal)); err != nil {
			return err
		}
	}
	h.userState(userID)
	return nil
}

// Run consumes messages and runs the maintenance sweep until the context is
// cancelled. A malformed message is logged and dropped; it never stops the
// loop or touches another user's pipeline.
func (h *Hub) Run(ctx context.Context) error {
	if err := h.transport.Start(ctx); err != nil {
		return err
	}

	sweep := time.NewTicker(h.opts.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			h.sweepAll(ctx)
		case msg, ok := <-h.transport.Messages():
			if !ok {
				return nil
			}
			h.handleMessage(ctx, msg)
		}
	}
}

func (h *Hub) handleMessage(ctx context.Context, msg transport.Message) {
	env, err := msg.Decode()
	if err != nil {
		slog.Warn("hub: dropping malformed message", "channel", msg.Channel, "error", err)
		return
	}
	if env.UserID == "" || env.DeviceID == "" {
		slog.Warn("hub: dropping message without identity", "channel", msg.Channel, "type", env.Type)
		return
	}
	// Ignore our own broadcasts echoed back by the broker.
	if env.DeviceID == h.opts.DeviceID {
		return
	}

	switch env.Type {
	case transport.EnvelopeContextUpdate:
		h.handleUpdate(ctx, env)
	case transport.EnvelopeSensorUpdate:
		h.handleSensor(ctx, env)
	case transport.EnvelopeHeartbeat:
		h.handleHeartbeat(ctx, env)
	case transport.EnvelopeControl:
		h.handleControl(ctx, env)
	case transport.EnvelopeUnifiedContext:
		// Another hub's broadcast; nothing to integrate.
	default:
		slog.Warn("hub: dropping message of unknown type", "type", env.Type, "channel", msg.Channel)
	}
}

func (h *Hub) handleUpdate(ctx context.Context, env *transport.Envelope) {
	var payload transport.ContextUpdatePayload
	if err := env.DecodePayload(&payload); err != nil {
		slog.Warn("hub: dropping malformed context update", "user", env.UserID, "device", env.DeviceID, "error", err)
		return
	}

	us := h.userState(env.UserID)
	deviceType := fusion.ParseDeviceType(env.DeviceType)

	us.mu.Lock()
	frame := h.frameLocked(us, env.DeviceID, deviceType)
	if payload.SequenceNumber > 0 && payload.SequenceNumber <= frame.LastSequence {
		us.mu.Unlock()
		slog.Debug("hub: discarding stale delta", "device", env.DeviceID, "seq", payload.SequenceNumber, "last", frame.LastSequence)
		return
	}
	if payload.SequenceNumber > frame.LastSequence+1 && frame.LastSequence > 0 {
		slog.Debug("hub: delta sequence gap", "device", env.DeviceID, "seq", payload.SequenceNumber, "last", frame.LastSequence)
	}
	frame.LastSequence = payload.SequenceNumber
	for dim, obs := range payload.Delta {
		if obs.ObservedAt.IsZero() {
			obs.ObservedAt = env.Timestamp
		}
		frame.Dimensions[dim] = obs
	}
	frame.Touch(h.opts.frameTTL(deviceType))
	us.mu.Unlock()

	h.scheduleIntegration(ctx, us)
}

func (h *Hub) handleSensor(ctx context.Context, env *transport.Envelope) {
	var payload transport.SensorUpdatePayload
	if err := env.DecodePayload(&payload); err != nil {
		slog.Warn("hub: dropping malformed sensor update", "user", env.UserID, "device", env.DeviceID, "error", err)
		return
	}
	if payload.SignalType == "" {
		slog.Warn("hub: dropping sensor update without signal type", "user", env.UserID, "device", env.DeviceID)
		return
	}

	us := h.userState(env.UserID)
	deviceType := fusion.ParseDeviceType(env.DeviceType)

	us.mu.Lock()
	frame := h.frameLocked(us, env.DeviceID, deviceType)
	frame.Sensors[payload.SignalType] = fusion.SensorReading{
		Value:      payload.Reading,
		Priority:   payload.Priority,
		Confidence: payload.Confidence,
		ObservedAt: env.Timestamp,
	}
	frame.Touch(h.opts.frameTTL(deviceType))
	us.mu.Unlock()

	h.scheduleIntegration(ctx, us)
}

func (h *Hub) handleHeartbeat(ctx context.Context, env *transport.Envelope) {
	var payload transport.HeartbeatPayload
	if err := env.DecodePayload(&payload); err != nil {
		slog.Warn("hub: dropping malformed heartbeat", "user", env.UserID, "device", env.DeviceID, "error", err)
		return
	}

	us := h.userState(env.UserID)
	newlyPresent := !us.roster.Live(env.DeviceID, time.Now())
	us.roster.Observe(env.DeviceID, fusion.ParseDeviceType(env.DeviceType), payload.Capabilities, env.Timestamp)

	// A returning device can re-qualify its frame for resolution.
	if newlyPresent {
		h.scheduleIntegration(ctx, us)
	}
}

func (h *Hub) handleControl(ctx context.Context, env *transport.Envelope) {
	var payload transport.ControlPayload
	if err := env.DecodePayload(&payload); err != nil {
		slog.Warn("hub: dropping malformed control message", "user", env.UserID, "error", err)
		return
	}

	us := h.userState(env.UserID)
	switch payload.Command {
	case transport.CommandForceSync:
		us.mu.Lock()
		unified := us.unified
		us.mu.Unlock()
		if unified != nil {
			h.broadcast(ctx, us.userID, unified)
		} else {
			h.scheduleIntegration(ctx, us)
		}

	case transport.CommandClearContext:
		us.mu.Lock()
		us.frames = make(map[string]*fusion.DeviceContextFrame)
		us.mu.Unlock()
		h.scheduleIntegration(ctx, us)

	case transport.CommandDisconnect:
		us.mu.Lock()
		delete(us.frames, env.DeviceID)
		us.mu.Unlock()
		us.roster.Remove(env.DeviceID)
		h.scheduleIntegration(ctx, us)

	case transport.CommandHandoff:
		h.handleHandoff(ctx, env, payload)

	default:
		slog.Warn("hub: dropping unknown control command", "command", payload.Command, "user", env.UserID)
	}
}

func (h *Hub) handleHandoff(ctx context.Context, env *transport.Envelope, payload transport.ControlPayload) {
	if h.continuity == nil {
		slog.Warn("hub: handoff requested but no continuity manager configured", "user", env.UserID)
		return
	}
	var req session.HandoffRequest
	if len(payload.Payload) > 0 {
		if err := json.Unmarshal(payload.Payload, &req); err != nil {
			slog.Warn("hub: dropping malformed handoff request", "user", env.UserID, "error", err)
			return
		}
	}
	req.UserID = env.UserID
	req.SourceDeviceID = env.DeviceID
	if _, err := h.continuity.InitiateHandoff(ctx, req); err != nil {
		slog.Warn("hub: handoff initiation failed", "user", env.UserID, "source", env.DeviceID, "error", err)
	}
}

// userState returns the per-user pipeline, creating it on first use.
func (h *Hub) userState(userID string) *userState {
	h.mu.RLock()
	us, ok := h.users[userID]
	h.mu.RUnlock()
	if ok {
		return us
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if us, ok = h.users[userID]; ok {
		return us
	}
	us = &userState{
		userID: userID,
		frames: make(map[string]*fusion.DeviceContextFrame),
		roster: presence.NewRoster(h.opts.PresenceTimeout),
	}
	h.users[userID] = us
	return us
}

// frameLocked returns the device frame, creating it if needed. Caller holds
// us.mu.
func (h *Hub) frameLocked(us *userState, deviceID string, deviceType fusion.DeviceType) *fusion.DeviceContextFrame {
	frame, ok := us.frames[deviceID]
	if !ok {
		frame = fusion.NewDeviceContextFrame(deviceID, deviceType, h.opts.frameTTL(deviceType))
		us.frames[deviceID] = frame
	}
	return frame
}

// scheduleIntegration starts or reschedules the user's debounce timer.
// Updates landing inside an open window collapse into one integration pass.
func (h *Hub) scheduleIntegration(ctx context.Context, us *userState) {
	us.mu.Lock()
	defer us.mu.Unlock()

	if us.debounce != nil {
		us.debounce.Stop()
	}
	us.debounceGen++
	gen := us.debounceGen
	us.debounce = time.AfterFunc(h.opts.DebounceWindow, func() {
		h.integrate(ctx, us, gen)
	})
}

// integrate is the per-user integration pass: gather non-stale frames,
// resolve every dimension, bump the version, and broadcast. Staleness is
// presence-based; the frame TTL is only the storage backstop. A pass whose
// timer generation was superseded skips: the newer timer covers its input.
func (h *Hub) integrate(ctx context.Context, us *userState, gen uint64) {
	now := time.Now()

	us.mu.Lock()
	if gen != us.debounceGen {
		us.mu.Unlock()
		return
	}
	us.debounce = nil
	eligible := make([]*fusion.DeviceContextFrame, 0, len(us.frames))
	for id, frame := range us.frames {
		if frame.Expired(now) {
			delete(us.frames, id)
			continue
		}
		if !us.roster.Live(id, now) {
			continue
		}
		eligible = append(eligible, frame)
	}
	us.version++
	unified := fusion.Resolve(us.userID, eligible, h.table, us.version)
	us.unified = unified
	us.mu.Unlock()

	slog.Debug("hub: integrated context",
		"user", us.userID, "version", unified.Version,
		"devices", len(eligible), "confidence", unified.Confidence)

	h.broadcast(ctx, us.userID, unified)
}

// broadcast publishes a unified context snapshot. Receivers discard any
// version at or below their last seen one, so re-broadcasts are idempotent.
func (h *Hub) broadcast(ctx context.Context, userID string, unified *fusion.UnifiedContext) {
	env, err := transport.NewEnvelope(userID, h.opts.DeviceID, string(h.opts.DeviceType),
		transport.EnvelopeUnifiedContext, fusion.UnifiedContextPayload{
			Context:      unified,
			Contributors: unified.Contributors,
			Version:      unified.Version,
		})
	if err != nil {
		slog.Warn("hub: build unified broadcast", "user", userID, "error", err)
		return
	}
	if err := h.transport.Publish(ctx, transport.Channels(userID).Unified, env); err != nil {
		slog.Warn("hub: unified broadcast failed", "user", userID, "version", unified.Version, "error", err)
	}
}

// sweepAll prunes expired presence and frames for every tracked user and
// re-integrates the users whose eligible set changed.
func (h *Hub) sweepAll(ctx context.Context) {
	h.mu.RLock()
	users := make([]*userState, 0, len(h.users))
	for _, us := range h.users {
		users = append(users, us)
	}
	h.mu.RUnlock()

	now := time.Now()
	for _, us := range users {
		changed := false

		removed := us.roster.Prune(now)
		if len(removed) > 0 {
			changed = true
		}

		us.mu.Lock()
		for id, frame := range us.frames {
			if frame.Expired(now) {
				delete(us.frames, id)
				changed = true
			}
		}
		us.mu.Unlock()

		if changed {
			h.scheduleIntegration(ctx, us)
		}
	}
}

// UnifiedContext returns the latest fused context for a user, or nil if no
// integration pass has run yet.
func (h *Hub) UnifiedContext(userID string) *fusion.UnifiedContext {
	h.mu.RLock()
	us, ok := h.users[userID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	us.mu.Lock()
	defer us.mu.Unlock()
	return us.unified
}

// Devices returns the user's devices heard from within the presence timeout.
func (h *Hub) Devices(userID string) []presence.Record {
	h.mu.RLock()
	us, ok := h.users[userID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	return us.roster.LiveRecords(time.Now())
}

// ActiveDeviceCount returns how many of the user's devices are live.
func (h *Hub) ActiveDeviceCount(userID string) int {
	h.mu.RLock()
	us, ok := h.users[userID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	return us.roster.LiveCount(time.Now())
}
