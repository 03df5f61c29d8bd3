package bus_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/uib-gmbh/confd/internal/bus"
)

func TestExpandShorthand(t *testing.T) {
	assert.Equal(t, "session:abc", bus.ExpandShorthand("$", "session:abc", "user:bob"))
	assert.Equal(t, "user:bob", bus.ExpandShorthand("@", "session:abc", "user:bob"))
	assert.Equal(t, "event:host_connected", bus.ExpandShorthand("event:host_connected", "session:abc", "user:bob"))
}

func TestCheckAccess_SessionChannel(t *testing.T) {
	p := bus.Principal{SessionChannel: "session:abc", UserChannel: "user:bob"}
	assert.NoError(t, bus.CheckAccess(p, "session:abc", false))
	assert.NoError(t, bus.CheckAccess(p, "session:abc", true))
}

func TestCheckAccess_EventChannel(t *testing.T) {
	p := bus.Principal{SessionChannel: "session:abc", UserChannel: "user:bob"}
	assert.Error(t, bus.CheckAccess(p, "event:host_connected", true))
	assert.Error(t, bus.CheckAccess(p, "event:host_connected", false))

	admin := bus.Principal{SessionChannel: "session:xyz", UserChannel: "user:root", IsAdmin: true}
	assert.NoError(t, bus.CheckAccess(admin, "event:host_connected", false))
}

func TestCheckAccess_ServiceChannel(t *testing.T) {
	p := bus.Principal{SessionChannel: "session:abc", UserChannel: "user:bob"}
	assert.NoError(t, bus.CheckAccess(p, "service:messagebus", true))
	assert.Error(t, bus.CheckAccess(p, "service:messagebus", false))

	admin := bus.Principal{SessionChannel: "session:xyz", UserChannel: "user:root", IsAdmin: true}
	assert.NoError(t, bus.CheckAccess(admin, "service:messagebus", false))
}

func TestMessageEncodeDecode(t *testing.T) {
	msg := &bus.Message{Type: bus.TypeEvent, Channel: "event:host_connected", Sender: "host:x"}
	encoded, err := bus.Encode(msg)
	assert.NoError(t, err)

	decoded, err := bus.Decode(encoded)
	assert.NoError(t, err)
	assert.Equal(t, msg.Channel, decoded.Channel)
	assert.Equal(t, msg.Sender, decoded.Sender)
}
