package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAttachAndLookup(t *testing.T) {
	r := New()
	r.Attach(Device{UDID: "udid-1", DeviceID: 3, ConnectionType: "USB"})

	d, ok := r.Lookup("udid-1")
	assert.True(t, ok)
	assert.Equal(t, 3, d.DeviceID)

	id, ok := r.DeviceIDFor("udid-1")
	assert.True(t, ok)
	assert.Equal(t, 3, id)
}

func TestDetachRemovesEntry(t *testing.T) {
	r := New()
	r.Attach(Device{UDID: "udid-1", DeviceID: 3})
	r.Detach(3)

	_, ok := r.Lookup("udid-1")
	assert.False(t, ok)
}

func TestReattachWithNewDeviceIDReplacesOldMapping(t *testing.T) {
	r := New()
	r.Attach(Device{UDID: "udid-1", DeviceID: 3})
	r.Attach(Device{UDID: "udid-1", DeviceID: 9})

	_, oldOK := r.byDevID[3]
	assert.False(t, oldOK)

	id, ok := r.DeviceIDFor("udid-1")
	assert.True(t, ok)
	assert.Equal(t, 9, id)
}

func TestListReturnsSnapshot(t *testing.T) {
	r := New()
	r.Attach(Device{UDID: "udid-1", DeviceID: 1})
	r.Attach(Device{UDID: "udid-2", DeviceID: 2})

	all := r.List()
	assert.Len(t, all, 2)
}

func TestClearRemovesEverything(t *testing.T) {
	r := New()
	r.Attach(Device{UDID: "udid-1", DeviceID: 1})
	r.Clear()

	assert.Empty(t, r.List())
	_, ok := r.Lookup("udid-1")
	assert.False(t, ok)
}

func TestDetachUnknownDeviceIDIsNoop(t *testing.T) {
	r := New()
	assert.NotPanics(t, func() { r.Detach(42) })
}
