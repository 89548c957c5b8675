package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memorable/contextmesh/internal/fusion"
)

// Options configures a Manager.
type Options struct {
	HandoffTTL time.Duration
	MaxTopics  int
	MaxItems   int
	// SessionTTL maps device type names to session retention, with
	// DefaultSessionTTL as the fallback (same discipline as context frames).
	SessionTTL        map[string]time.Duration
	DefaultSessionTTL time.Duration
}

func (o *Options) fillDefaults() {
	if o.HandoffTTL <= 0 {
		o.HandoffTTL = 5 * time.Minute
	}
	if o.MaxTopics <= 0 {
		o.MaxTopics = 20
	}
	if o.MaxItems <= 0 {
		o.MaxItems = 50
	}
	if o.DefaultSessionTTL <= 0 {
		o.DefaultSessionTTL = 5 * time.Minute
	}
}

func (o *Options) sessionTTL(deviceType fusion.DeviceType) time.Duration {
	if ttl, ok := o.SessionTTL[string(deviceType)]; ok && ttl > 0 {
		return ttl
	}
	return o.DefaultSessionTTL
}

// Manager is the session continuity manager: it maintains per-device
// sessions and executes the handoff protocol that lets an in-progress
// context follow the user from one device to another.
type Manager struct {
	store *Store
	opts  Options
}

// NewManager creates a Manager on the given store.
func NewManager(store *Store, opts Options) *Manager {
	opts.fillDefaults()
	return &Manager{store: store, opts: opts}
}

// UpdateSession merges an update into the device's session, creating it on
// first activity. Topic and item lists are bounded by the retention limits.
func (m *Manager) UpdateSession(ctx context.Context, userID, deviceID string, deviceType fusion.DeviceType, up Update) (*DeviceSession, error) {
	now := time.Now()
	sess, err := m.store.GetSession(userID, deviceID, now)
	if err == ErrSessionNotFound {
		sess = m.newSession(userID, deviceID, deviceType)
	} else if err != nil {
		return nil, err
	}

	m.merge(sess, up)
	sess.DeviceType = deviceType
	sess.UpdatedAt = now
	sess.ExpiresAt = now.Add(m.opts.sessionTTL(deviceType))

	if err := m.store.SaveSession(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// InitiateHandoff snapshots the source device's session and either pushes it
// straight to a known target device or stores it pending for whichever
// device claims it first. A new request supersedes any outstanding one.
func (m *Manager) InitiateHandoff(ctx context.Context, req HandoffRequest) (*Handoff, error) {
	if req.UserID == "" || req.SourceDeviceID == "" {
		return nil, fmt.Errorf("handoff needs a user and a source device")
	}

	now := time.Now()
	source, err := m.store.GetSession(req.UserID, req.SourceDeviceID, now)
	if err == ErrSessionNotFound {
		// Nothing captured yet on the source; hand off an empty session so
		// the claim still establishes continuity.
		source = m.newSession(req.UserID, req.SourceDeviceID, fusion.DeviceUnknown)
	} else if err != nil {
		return nil, err
	}

	h := &Handoff{
		HandoffID:        uuid.NewString(),
		UserID:           req.UserID,
		SourceDeviceID:   req.SourceDeviceID,
		TargetDeviceType: req.TargetDeviceType,
		Snapshot:         *source,
		Briefing:         m.briefing(source),
		CreatedAt:        now,
		ExpiresAt:        now.Add(m.opts.HandoffTTL),
	}

	if req.TargetDeviceID != "" {
		// Known target: push immediately instead of parking the handoff.
		target := fusion.ParseDeviceType(req.TargetDeviceType)
		if _, err := m.mergeHandoff(ctx, h, req.TargetDeviceID, target); err != nil {
			return nil, err
		}
		slog.Info("session handoff pushed",
			"user", req.UserID, "source", req.SourceDeviceID, "target", req.TargetDeviceID)
		return h, nil
	}

	if err := m.store.PutHandoff(h); err != nil {
		return nil, err
	}
	slog.Info("session handoff pending",
		"user", req.UserID, "source", req.SourceDeviceID,
		"target_type", req.TargetDeviceType, "expires_at", h.ExpiresAt)
	return h, nil
}

// ClaimHandoff gives a (re)connecting device the user's pending handoff, if
// one is outstanding and unexpired. Exactly one claimant wins; everyone else
// gets ErrNoPendingHandoff. The source session is merged into the claiming
// device's session and the briefing returned.
func (m *Manager) ClaimHandoff(ctx context.Context, userID, deviceID string, deviceType fusion.DeviceType) (*Handoff, error) {
	h, err := m.store.TakeHandoff(userID, time.Now())
	if err != nil {
		return nil, err
	}
	if _, err := m.mergeHandoff(ctx, h, deviceID, deviceType); err != nil {
		return nil, err
	}
	slog.Info("session handoff claimed",
		"user", userID, "source", h.SourceDeviceID, "target", deviceID, "handoff_id", h.HandoffID)
	return h, nil
}

// mergeHandoff folds a handoff snapshot into the target device's session.
func (m *Manager) mergeHandoff(ctx context.Context, h *Handoff, deviceID string, deviceType fusion.DeviceType) (*DeviceSession, error) {
	return m.UpdateSession(ctx, h.UserID, deviceID, deviceType, Update{
		Context:       h.Snapshot.Context,
		Topics:        h.Snapshot.Topics,
		ActiveItemIDs: h.Snapshot.ActiveItemIDs,
		Summary:       h.Briefing,
	})
}

// GetCrossDeviceState aggregates all of a user's active sessions into
// topic/item unions. Read-only.
func (m *Manager) GetCrossDeviceState(ctx context.Context, userID string) (*CrossDeviceState, error) {
	sessions, err := m.store.ListSessions(userID, time.Now())
	if err != nil {
		return nil, err
	}

	topics := NewStringRing(m.opts.MaxTopics)
	items := NewStringRing(m.opts.MaxItems)
	// ListSessions is newest first; feed oldest first so the freshest
	// sessions claim the tail of the rings.
	for i := len(sessions) - 1; i >= 0; i-- {
		topics.AddAll(sessions[i].Topics)
		items.AddAll(sessions[i].ActiveItemIDs)
	}

	return &CrossDeviceState{
		UserID:        userID,
		Sessions:      sessions,
		Topics:        topics.Items(),
		ActiveItemIDs: items.Items(),
	}, nil
}

// Continuity builds the per-device continuity view: this device's session,
// everything happening elsewhere, and a briefing.
func (m *Manager) Continuity(ctx context.Context, userID, deviceID string) (*ContinuityView, error) {
	sessions, err := m.store.ListSessions(userID, time.Now())
	if err != nil {
		return nil, err
	}

	view := &ContinuityView{OtherDevices: []DeviceSession{}}
	for i := range sessions {
		if sessions[i].DeviceID == deviceID {
			view.ThisDevice = &sessions[i]
		} else {
			view.OtherDevices = append(view.OtherDevices, sessions[i])
		}
	}
	if view.ThisDevice != nil {
		view.Briefing = m.briefing(view.ThisDevice)
	}
	return view, nil
}

// Sweep removes expired sessions and handoffs.
func (m *Manager) Sweep(now time.Time) error {
	n, err := m.store.Sweep(now)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Debug("session sweep", "removed", n)
	}
	return nil
}

func (m *Manager) newSession(userID, deviceID string, deviceType fusion.DeviceType) *DeviceSession {
	now := time.Now()
	return &DeviceSession{
		SessionID:     uuid.NewString(),
		UserID:        userID,
		DeviceID:      deviceID,
		DeviceType:    deviceType,
		Context:       map[string]any{},
		Topics:        []string{},
		ActiveItemIDs: []string{},
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(m.opts.sessionTTL(deviceType)),
	}
}

// merge applies an update with bounded retention.
func (m *Manager) merge(sess *DeviceSession, up Update) {
	if sess.Context == nil {
		sess.Context = map[string]any{}
	}
	for k, v := range up.Context {
		sess.Context[k] = v
	}

	topics := NewStringRing(m.opts.MaxTopics)
	topics.AddAll(sess.Topics)
	topics.AddAll(up.Topics)
	sess.Topics = topics.Items()

	items := NewStringRing(m.opts.MaxItems)
	items.AddAll(sess.ActiveItemIDs)
	items.AddAll(up.ActiveItemIDs)
	sess.ActiveItemIDs = items.Items()

	if up.Summary != "" {
		sess.Summary = up.Summary
	}
}

// briefing renders the short natural-language continuity summary: last known
// location/activity/people, up to three recent topics, and how many items
// are in flight.
func (m *Manager) briefing(sess *DeviceSession) string {
	var parts []string

	if loc := contextString(sess.Context, "location"); loc != "" {
		parts = append(parts, fmt.Sprintf("You were at %s", loc))
	}
	if act := contextString(sess.Context, "activity"); act != "" {
		if len(parts) == 0 {
			parts = append(parts, fmt.Sprintf("You were %s", act))
		} else {
			parts = append(parts, act)
		}
	}
	if people := contextStrings(sess.Context, "people"); len(people) > 0 {
		parts = append(parts, "with "+joinNames(people))
	}

	sentence := strings.Join(parts, ", ")

	topics := NewStringRing(m.opts.MaxTopics)
	topics.AddAll(sess.Topics)
	if recent := topics.Newest(3); len(recent) > 0 {
		if sentence != "" {
			sentence += ". "
		}
		sentence += "Recent topics: " + strings.Join(recent, ", ")
	}

	if n := len(sess.ActiveItemIDs); n > 0 {
		if sentence != "" {
			sentence += ". "
		}
		if n == 1 {
			sentence += "1 item in progress"
		} else {
			sentence += fmt.Sprintf("%d items in progress", n)
		}
	}

	if sentence == "" {
		return "Nothing in progress."
	}
	return sentence + "."
}

func contextString(ctx map[string]any, key string) string {
	if v, ok := ctx[key].(string); ok {
		return v
	}
	// Resolved values arrive as {value, confidence, ...} maps after a JSON
	// round trip.
	if nested, ok := ctx[key].(map[string]any); ok {
		if v, ok := nested["value"].(string); ok {
			return v
		}
	}
	return ""
}

func contextStrings(ctx map[string]any, key string) []string {
	switch v := ctx[key].(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func joinNames(names []string) string {
	switch len(names) {
	case 1:
		return names[0]
	case 2:
		return names[0] + " and " + names[1]
	default:
		return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
	}
}
