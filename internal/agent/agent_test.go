package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/memorable/contextmesh/internal/fusion"
	"github.com/memorable/contextmesh/internal/transport"
)

func newTestAgent(t *testing.T, broker *transport.LocalBroker, deviceID string, deviceType fusion.DeviceType) *Agent {
	t.Helper()
	tr := broker.Endpoint()
	t.Cleanup(func() { tr.Close() })
	return New(tr, nil, Options{
		UserID:            "user-1",
		DeviceID:          deviceID,
		DeviceType:        deviceType,
		HeartbeatInterval: 50 * time.Millisecond,
		PresenceTimeout:   150 * time.Millisecond,
	})
}

func runAgent(t *testing.T, a *Agent) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Run(ctx)
}

// observerOn subscribes a raw endpoint to one of the user's channels.
func observerOn(t *testing.T, broker *transport.LocalBroker, channel string) *transport.LocalTransport {
	t.Helper()
	tr := broker.Endpoint()
	if err := tr.Subscribe(channel); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func awaitEnvelope(t *testing.T, tr *transport.LocalTransport, msgType string) *transport.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-tr.Messages():
			if !ok {
				t.Fatal("observer closed")
			}
			env, err := msg.Decode()
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if env.Type == msgType {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", msgType)
		}
	}
}

func awaitEvent(t *testing.T, a *Agent, eventType string) PeerEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-a.Events():
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

func TestAgentAnnouncesAndRequestsCatchUp(t *testing.T) {
	broker := transport.NewLocalBroker()
	presenceObs := observerOn(t, broker, transport.Channels("user-1").Presence)
	controlObs := observerOn(t, broker, transport.Channels("user-1").Control)

	a := newTestAgent(t, broker, "phone-1", fusion.DeviceMobile)
	runAgent(t, a)

	hb := awaitEnvelope(t, presenceObs, transport.EnvelopeHeartbeat)
	if hb.DeviceID != "phone-1" || hb.DeviceType != "mobile" {
		t.Errorf("unexpected heartbeat identity %s/%s", hb.DeviceID, hb.DeviceType)
	}

	ctl := awaitEnvelope(t, controlObs, transport.EnvelopeControl)
	var payload transport.ControlPayload
	if err := ctl.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if payload.Command != transport.CommandForceSync {
		t.Errorf("expected force_sync on connect, got %s", payload.Command)
	}
}

func TestAgentPublishDeltaSequencing(t *testing.T) {
	broker := transport.NewLocalBroker()
	updateObs := observerOn(t, broker, transport.Channels("user-1").Update)

	a := newTestAgent(t, broker, "phone-1", fusion.DeviceMobile)

	for i := 0; i < 3; i++ {
		err := a.PublishDelta(context.Background(), map[string]fusion.Observation{
			fusion.DimLocation: {Value: "park", Confidence: 0.9},
		})
		if err != nil {
			t.Fatalf("PublishDelta failed: %v", err)
		}
	}

	for want := uint64(1); want <= 3; want++ {
		env := awaitEnvelope(t, updateObs, transport.EnvelopeContextUpdate)
		var payload transport.ContextUpdatePayload
		if err := env.DecodePayload(&payload); err != nil {
			t.Fatalf("DecodePayload failed: %v", err)
		}
		if payload.SequenceNumber != want {
			t.Errorf("expected sequence %d, got %d", want, payload.SequenceNumber)
		}
		if payload.Delta[fusion.DimLocation].ObservedAt.IsZero() {
			t.Error("expected ObservedAt filled in")
		}
	}

	frame := a.LocalFrame()
	if frame.Dimensions[fusion.DimLocation].Value != "park" {
		t.Errorf("expected local frame updated, got %+v", frame.Dimensions)
	}
}

func TestAgentSensorReadingCarriesPriority(t *testing.T) {
	broker := transport.NewLocalBroker()
	sensorObs := observerOn(t, broker, transport.SensorChannel("user-1", "heart_rate"))

	a := newTestAgent(t, broker, "watch-1", fusion.DeviceWearable)
	if err := a.PublishSensorReading(context.Background(), "heart_rate", 72, 0.95); err != nil {
		t.Fatalf("PublishSensorReading failed: %v", err)
	}

	env := awaitEnvelope(t, sensorObs, transport.EnvelopeSensorUpdate)
	var payload transport.SensorUpdatePayload
	if err := env.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if payload.Priority != 100 {
		t.Errorf("expected wearable heart_rate priority 100, got %d", payload.Priority)
	}
	if payload.SignalType != "heart_rate" {
		t.Errorf("unexpected signal type %s", payload.SignalType)
	}
}

func TestAgentDiscardsStaleBroadcast(t *testing.T) {
	broker := transport.NewLocalBroker()
	a := newTestAgent(t, broker, "phone-1", fusion.DeviceMobile)

	var (
		mu   sync.Mutex
		seen []uint64
	)
	a.OnUnified(func(u *fusion.UnifiedContext) {
		mu.Lock()
		seen = append(seen, u.Version)
		mu.Unlock()
	})
	runAgent(t, a)

	hub := broker.Endpoint()
	defer hub.Close()

	sendUnified := func(version uint64) {
		env, err := transport.NewEnvelope("user-1", "hub", "api", transport.EnvelopeUnifiedContext,
			fusion.UnifiedContextPayload{
				Context: &fusion.UnifiedContext{UserID: "user-1", Version: version},
				Version: version,
			})
		if err != nil {
			t.Fatalf("NewEnvelope failed: %v", err)
		}
		if err := hub.Publish(context.Background(), transport.Channels("user-1").Unified, env); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	sendUnified(3)
	sendUnified(2) // late delivery, must be dropped
	sendUnified(4)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out, last version %d", a.LastVersion())
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	if len(seen) != 2 || seen[0] != 3 || seen[1] != 4 {
		t.Errorf("expected callbacks for versions [3 4], got %v", seen)
	}
	mu.Unlock()
	if got := a.UnifiedContext(); got == nil || got.Version != 4 {
		t.Errorf("expected stored version 4, got %+v", got)
	}
}

func TestAgentPeerLifecycleEvents(t *testing.T) {
	broker := transport.NewLocalBroker()
	a := newTestAgent(t, broker, "phone-1", fusion.DeviceMobile)
	runAgent(t, a)

	peer := broker.Endpoint()
	defer peer.Close()

	beat := func() {
		env, err := transport.NewEnvelope("user-1", "watch-1", "wearable", transport.EnvelopeHeartbeat,
			transport.HeartbeatPayload{Capabilities: []string{"heart_rate"}})
		if err != nil {
			t.Fatalf("NewEnvelope failed: %v", err)
		}
		if err := peer.Publish(context.Background(), transport.Channels("user-1").Presence, env); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	beat()

	ev := awaitEvent(t, a, EventDeviceOnline)
	if ev.Device.DeviceID != "watch-1" || ev.Device.DeviceType != fusion.DeviceWearable {
		t.Errorf("unexpected online event %+v", ev.Device)
	}

	// Stop heartbeating: the peer ages out after the presence timeout.
	ev = awaitEvent(t, a, EventDeviceOffline)
	if ev.Device.DeviceID != "watch-1" {
		t.Errorf("unexpected offline event %+v", ev.Device)
	}
	if len(a.Peers()) != 0 {
		t.Errorf("expected empty peer set, got %+v", a.Peers())
	}
}

func TestAgentHubElection(t *testing.T) {
	broker := transport.NewLocalBroker()
	a := newTestAgent(t, broker, "phone-1", fusion.DeviceMobile)
	runAgent(t, a)

	// Alone, the agent leads.
	awaitEvent(t, a, EventHubElected)
	if !a.IsHub() {
		t.Fatal("expected lone agent to lead")
	}

	// A desktop appears and outranks the phone.
	peer := broker.Endpoint()
	defer peer.Close()
	env, err := transport.NewEnvelope("user-1", "desk-1", "desktop", transport.EnvelopeHeartbeat, transport.HeartbeatPayload{})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if err := peer.Publish(context.Background(), transport.Channels("user-1").Presence, env); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	awaitEvent(t, a, EventHubResigned)
	if a.IsHub() {
		t.Error("expected phone to cede to desktop")
	}

	// The desktop goes silent; leadership returns.
	awaitEvent(t, a, EventHubElected)
	if !a.IsHub() {
		t.Error("expected phone to lead again after desktop timeout")
	}
}

func TestAgentDisconnectAnnounce(t *testing.T) {
	broker := transport.NewLocalBroker()
	controlObs := observerOn(t, broker, transport.Channels("user-1").Control)

	a := newTestAgent(t, broker, "phone-1", fusion.DeviceMobile)
	if err := a.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	env := awaitEnvelope(t, controlObs, transport.EnvelopeControl)
	var payload transport.ControlPayload
	if err := env.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if payload.Command != transport.CommandDisconnect {
		t.Errorf("expected disconnect command, got %s", payload.Command)
	}
}

func TestAgentIgnoresOwnEcho(t *testing.T) {
	broker := transport.NewLocalBroker()
	a := newTestAgent(t, broker, "phone-1", fusion.DeviceMobile)
	runAgent(t, a)

	// The local broker echoes the agent's own heartbeats back to it; they
	// must not show up as peers.
	time.Sleep(120 * time.Millisecond)
	if len(a.Peers()) != 0 {
		t.Errorf("expected no peers from own echo, got %+v", a.Peers())
	}
}
