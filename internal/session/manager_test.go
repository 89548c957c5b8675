package session

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/memorable/contextmesh/internal/fusion"
)

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	return NewManager(newTestStore(t), opts)
}

func TestManagerUpdateSessionCreatesAndMerges(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	sess, err := m.UpdateSession(ctx, "user-1", "phone-1", fusion.DeviceMobile, Update{
		Context: map[string]any{"location": "office"},
		Topics:  []string{"standup"},
	})
	if err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}
	if sess.SessionID == "" {
		t.Error("expected a generated session ID")
	}

	sess, err = m.UpdateSession(ctx, "user-1", "phone-1", fusion.DeviceMobile, Update{
		Context: map[string]any{"activity": "commuting"},
		Topics:  []string{"dinner"},
	})
	if err != nil {
		t.Fatalf("second UpdateSession failed: %v", err)
	}
	if sess.Context["location"] != "office" || sess.Context["activity"] != "commuting" {
		t.Errorf("expected merged context, got %v", sess.Context)
	}
	if len(sess.Topics) != 2 || sess.Topics[1] != "dinner" {
		t.Errorf("expected appended topics, got %v", sess.Topics)
	}
}

func TestManagerUpdateSessionDropsExpiredState(t *testing.T) {
	m := newTestManager(t, Options{DefaultSessionTTL: 10 * time.Millisecond})
	ctx := context.Background()

	_, err := m.UpdateSession(ctx, "user-1", "phone-1", fusion.DeviceMobile, Update{
		Topics: []string{"old business"},
	})
	if err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	// The expired row may still be in the store, but a new update starts a
	// fresh session instead of reviving the stale topics.
	sess, err := m.UpdateSession(ctx, "user-1", "phone-1", fusion.DeviceMobile, Update{
		Topics: []string{"new business"},
	})
	if err != nil {
		t.Fatalf("UpdateSession after expiry failed: %v", err)
	}
	if len(sess.Topics) != 1 || sess.Topics[0] != "new business" {
		t.Errorf("expected expired topics dropped, got %v", sess.Topics)
	}
}

func TestManagerUpdateSessionBoundsRetention(t *testing.T) {
	m := newTestManager(t, Options{MaxTopics: 3, MaxItems: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := m.UpdateSession(ctx, "user-1", "phone-1", fusion.DeviceMobile, Update{
			Topics:        []string{fmt.Sprintf("topic-%d", i)},
			ActiveItemIDs: []string{fmt.Sprintf("item-%d", i)},
		})
		if err != nil {
			t.Fatalf("UpdateSession failed: %v", err)
		}
	}

	sess, err := m.UpdateSession(ctx, "user-1", "phone-1", fusion.DeviceMobile, Update{})
	if err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}
	if len(sess.Topics) != 3 || sess.Topics[0] != "topic-2" {
		t.Errorf("expected newest 3 topics, got %v", sess.Topics)
	}
	if len(sess.ActiveItemIDs) != 2 || sess.ActiveItemIDs[0] != "item-3" {
		t.Errorf("expected newest 2 items, got %v", sess.ActiveItemIDs)
	}
}

func TestManagerHandoffPendingClaim(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	_, err := m.UpdateSession(ctx, "user-1", "phone-1", fusion.DeviceMobile, Update{
		Context:       map[string]any{"location": "train", "activity": "reading"},
		Topics:        []string{"trip planning"},
		ActiveItemIDs: []string{"booking-42"},
	})
	if err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	h, err := m.InitiateHandoff(ctx, HandoffRequest{
		UserID:         "user-1",
		SourceDeviceID: "phone-1",
	})
	if err != nil {
		t.Fatalf("InitiateHandoff failed: %v", err)
	}
	if h.Briefing == "" {
		t.Error("expected a briefing on the handoff")
	}

	claimed, err := m.ClaimHandoff(ctx, "user-1", "desk-1", fusion.DeviceDesktop)
	if err != nil {
		t.Fatalf("ClaimHandoff failed: %v", err)
	}
	if claimed.HandoffID != h.HandoffID {
		t.Errorf("expected handoff %s, got %s", h.HandoffID, claimed.HandoffID)
	}

	// The claimant's session inherited the source state.
	target, err := m.store.GetSession("user-1", "desk-1", time.Now())
	if err != nil {
		t.Fatalf("target session missing: %v", err)
	}
	if target.Context["location"] != "train" {
		t.Errorf("expected inherited context, got %v", target.Context)
	}
	if len(target.Topics) != 1 || target.Topics[0] != "trip planning" {
		t.Errorf("expected inherited topics, got %v", target.Topics)
	}
	if target.Summary != h.Briefing {
		t.Errorf("expected briefing as summary, got %q", target.Summary)
	}

	// Exactly one claim wins.
	if _, err := m.ClaimHandoff(ctx, "user-1", "web-1", fusion.DeviceWeb); err != ErrNoPendingHandoff {
		t.Errorf("expected ErrNoPendingHandoff for the loser, got %v", err)
	}
}

func TestManagerHandoffKnownTargetPushes(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	_, err := m.UpdateSession(ctx, "user-1", "phone-1", fusion.DeviceMobile, Update{
		Topics: []string{"budget review"},
	})
	if err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	_, err = m.InitiateHandoff(ctx, HandoffRequest{
		UserID:           "user-1",
		SourceDeviceID:   "phone-1",
		TargetDeviceID:   "desk-1",
		TargetDeviceType: "desktop",
	})
	if err != nil {
		t.Fatalf("InitiateHandoff failed: %v", err)
	}

	// Pushed directly: nothing left pending, target already merged.
	if _, err := m.ClaimHandoff(ctx, "user-1", "web-1", fusion.DeviceWeb); err != ErrNoPendingHandoff {
		t.Errorf("expected no pending handoff after push, got %v", err)
	}
	target, err := m.store.GetSession("user-1", "desk-1", time.Now())
	if err != nil {
		t.Fatalf("target session missing: %v", err)
	}
	if len(target.Topics) != 1 || target.Topics[0] != "budget review" {
		t.Errorf("expected pushed topics, got %v", target.Topics)
	}
}

func TestManagerHandoffFromUnknownSource(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	// No session on the source yet: an empty handoff still establishes
	// continuity for the claimant.
	h, err := m.InitiateHandoff(ctx, HandoffRequest{
		UserID:         "user-1",
		SourceDeviceID: "phone-1",
	})
	if err != nil {
		t.Fatalf("InitiateHandoff failed: %v", err)
	}
	if h.Briefing != "Nothing in progress." {
		t.Errorf("expected empty briefing, got %q", h.Briefing)
	}
}

func TestManagerHandoffRequiresUserAndSource(t *testing.T) {
	m := newTestManager(t, Options{})

	if _, err := m.InitiateHandoff(context.Background(), HandoffRequest{UserID: "user-1"}); err == nil {
		t.Error("expected error without source device")
	}
	if _, err := m.InitiateHandoff(context.Background(), HandoffRequest{SourceDeviceID: "phone-1"}); err == nil {
		t.Error("expected error without user")
	}
}

func TestManagerGetCrossDeviceState(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	if _, err := m.UpdateSession(ctx, "user-1", "phone-1", fusion.DeviceMobile, Update{
		Topics:        []string{"groceries"},
		ActiveItemIDs: []string{"list-1"},
	}); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}
	if _, err := m.UpdateSession(ctx, "user-1", "desk-1", fusion.DeviceDesktop, Update{
		Topics:        []string{"quarterly report", "groceries"},
		ActiveItemIDs: []string{"doc-7"},
	}); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	state, err := m.GetCrossDeviceState(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetCrossDeviceState failed: %v", err)
	}
	if len(state.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(state.Sessions))
	}
	// Union, deduplicated.
	joined := strings.Join(state.Topics, "|")
	if !strings.Contains(joined, "groceries") || !strings.Contains(joined, "quarterly report") {
		t.Errorf("expected topic union, got %v", state.Topics)
	}
	if count := strings.Count(joined, "groceries"); count != 1 {
		t.Errorf("expected groceries deduplicated, got %v", state.Topics)
	}
	if len(state.ActiveItemIDs) != 2 {
		t.Errorf("expected 2 active items, got %v", state.ActiveItemIDs)
	}
}

func TestManagerContinuityView(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	if _, err := m.UpdateSession(ctx, "user-1", "phone-1", fusion.DeviceMobile, Update{
		Context: map[string]any{"location": "kitchen", "people": []string{"Sam", "Lee"}},
		Topics:  []string{"recipes"},
	}); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}
	if _, err := m.UpdateSession(ctx, "user-1", "desk-1", fusion.DeviceDesktop, Update{
		Topics: []string{"slides"},
	}); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	view, err := m.Continuity(ctx, "user-1", "phone-1")
	if err != nil {
		t.Fatalf("Continuity failed: %v", err)
	}
	if view.ThisDevice == nil || view.ThisDevice.DeviceID != "phone-1" {
		t.Fatalf("expected this device's session, got %+v", view.ThisDevice)
	}
	if len(view.OtherDevices) != 1 || view.OtherDevices[0].DeviceID != "desk-1" {
		t.Errorf("expected desk-1 under other devices, got %+v", view.OtherDevices)
	}
	if !strings.Contains(view.Briefing, "kitchen") {
		t.Errorf("expected location in briefing, got %q", view.Briefing)
	}
	if !strings.Contains(view.Briefing, "Sam and Lee") {
		t.Errorf("expected people in briefing, got %q", view.Briefing)
	}
	if !strings.Contains(view.Briefing, "recipes") {
		t.Errorf("expected topics in briefing, got %q", view.Briefing)
	}
}

func TestManagerSweepRemovesExpired(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	if _, err := m.UpdateSession(ctx, "user-1", "phone-1", fusion.DeviceMobile, Update{}); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	// Far in the future everything is expired.
	if err := m.Sweep(time.Now().Add(24 * time.Hour)); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	state, err := m.GetCrossDeviceState(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetCrossDeviceState failed: %v", err)
	}
	if len(state.Sessions) != 0 {
		t.Errorf("expected no sessions after sweep, got %d", len(state.Sessions))
	}
}

func TestBriefingFormat(t *testing.T) {
	m := newTestManager(t, Options{})
	sess := &DeviceSession{
		Context: map[string]any{
			"location": "home office",
			"activity": "writing",
			"people":   []string{"Ana"},
		},
		Topics:        []string{"draft", "edits", "cover letter", "send"},
		ActiveItemIDs: []string{"doc-1", "doc-2"},
	}

	got := m.briefing(sess)
	if !strings.HasPrefix(got, "You were at home office, writing, with Ana.") {
		t.Errorf("unexpected briefing prefix: %q", got)
	}
	// Only the newest three topics appear.
	if strings.Contains(got, "draft,") || !strings.Contains(got, "send") {
		t.Errorf("expected newest topics only, got %q", got)
	}
	if !strings.Contains(got, "2 items in progress") {
		t.Errorf("expected item count, got %q", got)
	}
}
