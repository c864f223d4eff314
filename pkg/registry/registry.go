// Package registry holds the live UDID<->DeviceID mapping that usbmuxd
// hands out as devices attach and detach. Readers (service dial
// orchestration, diagnostics, anything that needs to resolve a UDID to
// the device id usbmuxd actually multiplexes on) call Lookup freely;
// only the muxd Monitor actor ever writes, so this is a plain RWMutex
// table rather than anything fancier.
package registry

import (
	"sync"
)

// Device is a snapshot of one attached device's identity as reported
// by usbmuxd's Attached event.
type Device struct {
	UDID           string
	DeviceID       int
	ProductID      int
	ConnectionType string
}

// Registry is a thread-safe UDID<->DeviceID table, written by a single
// Monitor actor and read concurrently by everything that dials a
// service against a UDID.
type Registry struct {
	mu      sync.RWMutex
	byUDID  map[string]Device
	byDevID map[int]string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byUDID:  make(map[string]Device),
		byDevID: make(map[int]string),
	}
}

// Attach records a newly attached device, replacing any prior entry
// for the same UDID (a device can re-attach with a new device id after
// a muxd restart).
func (r *Registry) Attach(d Device) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prevUDID, ok := r.byDevID[d.DeviceID]; ok && prevUDID != d.UDID {
		delete(r.byUDID, prevUDID)
	}
	if prev, ok := r.byUDID[d.UDID]; ok && prev.DeviceID != d.DeviceID {
		delete(r.byDevID, prev.DeviceID)
	}
	r.byUDID[d.UDID] = d
	r.byDevID[d.DeviceID] = d.UDID
}

// Detach removes the device with the given device id, if present.
func (r *Registry) Detach(deviceID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	udid, ok := r.byDevID[deviceID]
	if !ok {
		return
	}
	delete(r.byDevID, deviceID)
	delete(r.byUDID, udid)
}

// Lookup resolves a UDID to its current Device, if attached.
func (r *Registry) Lookup(udid string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byUDID[udid]
	return d, ok
}

// DeviceIDFor resolves a UDID directly to a device id.
func (r *Registry) DeviceIDFor(udid string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byUDID[udid]
	if !ok {
		return 0, false
	}
	return d.DeviceID, true
}

// List returns a snapshot of every currently attached device.
func (r *Registry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.byUDID))
	for _, d := range r.byUDID {
		out = append(out, d)
	}
	return out
}

// Clear removes every entry, used when the Monitor loses its muxd
// connection and must assume all devices are gone until Listen
// replays the attach set on reconnect.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byUDID = make(map[string]Device)
	r.byDevID = make(map[int]string)
}
