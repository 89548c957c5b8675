package presence

import (
	"testing"
	"time"

	"github.com/memorable/contextmesh/internal/fusion"
)

func TestRosterObserveAndPrune(t *testing.T) {
	now := time.Now()
	r := NewRoster(15 * time.Second)

	r.Observe("phone-1", fusion.DeviceMobile, []string{"gps"}, now.Add(-20*time.Second))
	r.Observe("desk-1", fusion.DeviceDesktop, nil, now.Add(-5*time.Second))

	if r.Count() != 2 {
		t.Fatalf("expected 2 present devices, got %d", r.Count())
	}

	removed := r.Prune(now)
	if len(removed) != 1 || removed[0].DeviceID != "phone-1" {
		t.Fatalf("expected phone-1 pruned, got %+v", removed)
	}
	if !r.Present("desk-1") {
		t.Error("expected desk-1 still present")
	}
	if r.Present("phone-1") {
		t.Error("expected phone-1 gone after prune")
	}
}

func TestRosterObserveRefreshes(t *testing.T) {
	now := time.Now()
	r := NewRoster(15 * time.Second)

	r.Observe("phone-1", fusion.DeviceMobile, nil, now.Add(-14*time.Second))
	r.Observe("phone-1", fusion.DeviceMobile, nil, now.Add(-time.Second))

	if removed := r.Prune(now); len(removed) != 0 {
		t.Errorf("expected refreshed device to survive prune, removed %+v", removed)
	}
}

func TestRosterObserveIgnoresOlderHeartbeat(t *testing.T) {
	now := time.Now()
	r := NewRoster(15 * time.Second)

	r.Observe("phone-1", fusion.DeviceMobile, nil, now)
	// A delayed heartbeat arriving out of order must not roll LastSeen back.
	r.Observe("phone-1", fusion.DeviceMobile, nil, now.Add(-10*time.Second))

	recs := r.Records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if !recs[0].LastSeen.Equal(now) {
		t.Errorf("expected LastSeen %v, got %v", now, recs[0].LastSeen)
	}
}

func TestRosterLiveIgnoresUnprunedRecords(t *testing.T) {
	now := time.Now()
	r := NewRoster(15 * time.Second)

	r.Observe("phone-1", fusion.DeviceMobile, nil, now.Add(-20*time.Second))
	r.Observe("desk-1", fusion.DeviceDesktop, nil, now.Add(-5*time.Second))

	// No Prune has run: the stale record still exists but is not live.
	if !r.Present("phone-1") {
		t.Fatal("expected stale record to still exist before prune")
	}
	if r.Live("phone-1", now) {
		t.Error("expected phone-1 dead past the timeout")
	}
	if !r.Live("desk-1", now) {
		t.Error("expected desk-1 live within the timeout")
	}
	if r.Live("ghost", now) {
		t.Error("expected unknown device not live")
	}

	if n := r.LiveCount(now); n != 1 {
		t.Errorf("expected 1 live device, got %d", n)
	}
	recs := r.LiveRecords(now)
	if len(recs) != 1 || recs[0].DeviceID != "desk-1" {
		t.Errorf("expected only desk-1 in live records, got %+v", recs)
	}
}

func TestRosterRemove(t *testing.T) {
	r := NewRoster(15 * time.Second)
	r.Observe("phone-1", fusion.DeviceMobile, nil, time.Now())

	if !r.Remove("phone-1") {
		t.Error("expected Remove to report true for present device")
	}
	if r.Remove("phone-1") {
		t.Error("expected Remove to report false for absent device")
	}
	if r.Count() != 0 {
		t.Errorf("expected empty roster, got %d", r.Count())
	}
}

func TestShouldLeadHubRanking(t *testing.T) {
	now := time.Now()
	r := NewRoster(15 * time.Second)
	r.Observe("phone-1", fusion.DeviceMobile, nil, now)
	r.Observe("watch-1", fusion.DeviceWearable, nil, now)

	// Mobile outranks wearable; phone leads, watch does not.
	if !r.ShouldLeadHub("phone-1", fusion.DeviceMobile) {
		t.Error("expected phone to lead over wearable")
	}
	if r.ShouldLeadHub("watch-1", fusion.DeviceWearable) {
		t.Error("expected watch not to lead while phone is present")
	}

	// A desktop joining outranks the phone.
	r.Observe("desk-1", fusion.DeviceDesktop, nil, now)
	if r.ShouldLeadHub("phone-1", fusion.DeviceMobile) {
		t.Error("expected phone to cede hub role to desktop")
	}
	if !r.ShouldLeadHub("desk-1", fusion.DeviceDesktop) {
		t.Error("expected desktop to lead")
	}
}

func TestShouldLeadHubTieBothLead(t *testing.T) {
	now := time.Now()
	r := NewRoster(15 * time.Second)
	r.Observe("desk-1", fusion.DeviceDesktop, nil, now)
	r.Observe("desk-2", fusion.DeviceDesktop, nil, now)

	if !r.ShouldLeadHub("desk-1", fusion.DeviceDesktop) {
		t.Error("expected desk-1 to lead on rank tie")
	}
	if !r.ShouldLeadHub("desk-2", fusion.DeviceDesktop) {
		t.Error("expected desk-2 to lead on rank tie")
	}
}

func TestShouldLeadHubAlone(t *testing.T) {
	r := NewRoster(15 * time.Second)
	// A device with no visible peers always leads, even the weakest type.
	if !r.ShouldLeadHub("bulb-1", fusion.DeviceSmarthome) {
		t.Error("expected lone device to lead")
	}
}

func TestHubRankOrdering(t *testing.T) {
	order := []fusion.DeviceType{
		fusion.DeviceDesktop,
		fusion.DeviceMobile,
		fusion.DeviceWeb,
		fusion.DeviceAssistant,
		fusion.DeviceAPI,
		fusion.DeviceWearable,
		fusion.DeviceSmarthome,
		fusion.DeviceUnknown,
	}
	for i := 1; i < len(order); i++ {
		if HubRank(order[i-1]) <= HubRank(order[i]) {
			t.Errorf("expected %s to outrank %s", order[i-1], order[i])
		}
	}
	if HubRank(fusion.DeviceWearable) != HubRank(fusion.DeviceSmartglasses) {
		t.Error("expected wearable and smartglasses to share a rank")
	}
}
