// Package presence tracks which of a user's devices are currently connected,
// derived from recent heartbeats, and ranks them for hub election.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/memorable/contextmesh/internal/fusion"
)

// Record is one device's presence state.
type Record struct {
	DeviceID     string            `json:"device_id"`
	DeviceType   fusion.DeviceType `json:"device_type"`
	Capabilities []string          `json:"capabilities,omitempty"`
	LastSeen     time.Time         `json:"last_seen"`
}

// Roster is the per-user set of present devices. Created on first heartbeat,
// refreshed on each, pruned once a device exceeds the presence timeout.
type Roster struct {
	timeout time.Duration
	records map[string]*Record
	mu      sync.RWMutex
}

// NewRoster creates a roster with the given presence timeout (typically
// three missed heartbeats).
func NewRoster(timeout time.Duration) *Roster {
	return &Roster{
		timeout: timeout,
		records: make(map[string]*Record),
	}
}

// Observe records a heartbeat from a device, creating or refreshing its
// presence record.
func (r *Roster) Observe(deviceID string, deviceType fusion.DeviceType, capabilities []string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[deviceID]
	if !ok {
		rec = &Record{DeviceID: deviceID, DeviceType: deviceType}
		r.records[deviceID] = rec
	}
	rec.DeviceType = deviceType
	if capabilities != nil {
		rec.Capabilities = capabilities
	}
	if at.After(rec.LastSeen) {
		rec.LastSeen = at
	}
}

// Remove deletes a device's record, e.g. on an explicit disconnect.
// Returns true if the device was present.
func (r *Roster) Remove(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[deviceID]; !ok {
		return false
	}
	delete(r.records, deviceID)
	return true
}

// Prune removes devices not heard from within the timeout and returns them,
// sorted by device ID, so the caller can emit one offline event per device.
func (r *Roster) Prune(now time.Time) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []Record
	for id, rec := range r.records {
		if now.Sub(rec.LastSeen) > r.timeout {
			removed = append(removed, *rec)
			delete(r.records, id)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].DeviceID < removed[j].DeviceID })
	return removed
}

// Present reports whether a device has a presence record. Records linger
// until pruned; use Live when the timeout must count.
func (r *Roster) Present(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[deviceID]
	return ok
}

// Live reports whether a device heartbeated within the presence timeout.
// Unlike Present it does not depend on Prune having run: a device that went
// silent is dead the moment the timeout elapses, not at the next sweep.
func (r *Roster) Live(deviceID string, now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[deviceID]
	return ok && now.Sub(rec.LastSeen) <= r.timeout
}

// Records returns a snapshot of all presence records, sorted by device ID.
func (r *Roster) Records() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// LiveRecords returns the devices heard from within the timeout, sorted by
// device ID.
func (r *Roster) LiveRecords(now time.Time) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		if now.Sub(rec.LastSeen) <= r.timeout {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Count returns the number of present devices.
func (r *Roster) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// LiveCount returns how many devices heartbeated within the timeout.
func (r *Roster) LiveCount(now time.Time) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, rec := range r.records {
		if now.Sub(rec.LastSeen) <= r.timeout {
			n++
		}
	}
	return n
}

// hubRank is the static device-type ranking for hub election. Higher wins.
var hubRank = map[fusion.DeviceType]int{
	fusion.DeviceDesktop:      80,
	fusion.DeviceMobile:       70,
	fusion.DeviceWeb:          60,
	fusion.DeviceAssistant:    50,
	fusion.DeviceAPI:          40,
	fusion.DeviceWearable:     30,
	fusion.DeviceSmartglasses: 30,
	fusion.DeviceSmarthome:    20,
	fusion.DeviceUnknown:      10,
}

// HubRank returns the hub-election rank for a device type.
func HubRank(deviceType fusion.DeviceType) int {
	return hubRank[deviceType]
}

// ShouldLeadHub reports whether the given device should assume hub duties:
// it leads unless some other present device strictly outranks it. Equal
// ranks both lead; redundant hubs re-derive the same context from the same
// inputs, so the duplicated work is idempotent rather than harmful.
func (r *Roster) ShouldLeadHub(selfID string, selfType fusion.DeviceType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	selfRank := hubRank[selfType]
	for id, rec := range r.records {
		if id == selfID {
			continue
		}
		if hubRank[rec.DeviceType] > selfRank {
			return false
		}
	}
	return true
}
