package docan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingFrameListener struct {
	frames []Frame
}

func (r *recordingFrameListener) Handle(frame Frame) {
	r.frames = append(r.frames, frame)
}

type recordingSentListener struct {
	frames []Frame
}

func (r *recordingSentListener) FrameSent(frame Frame) {
	r.frames = append(r.frames, frame)
}

func TestVirtualBusDeliversToOtherMembersOnly(t *testing.T) {
	busA, _ := NewVirtualBus("test-channel-basic")
	busB, _ := NewVirtualBus("test-channel-basic")
	assert.NoError(t, busA.Connect())
	assert.NoError(t, busB.Connect())
	defer busA.Disconnect()
	defer busB.Disconnect()

	listenerA := &recordingFrameListener{}
	listenerB := &recordingFrameListener{}
	busA.Subscribe(listenerA)
	busB.Subscribe(listenerB)

	sentA := &recordingSentListener{}
	busA.SubscribeSent(sentA)

	frame := NewFrame(0x123, 4, false)
	copy(frame.Data[:], []byte{1, 2, 3, 4})
	assert.NoError(t, busA.Send(frame))

	assert.Empty(t, listenerA.frames, "the sender must not receive its own frame")
	if assert.Len(t, listenerB.frames, 1) {
		assert.EqualValues(t, 0x123, listenerB.frames[0].ID)
	}
	assert.Len(t, sentA.frames, 1, "busA's own FrameSentListener should fire synchronously from Send")
}

func TestVirtualBusDisconnectStopsDelivery(t *testing.T) {
	busA, _ := NewVirtualBus("test-channel-disconnect")
	busB, _ := NewVirtualBus("test-channel-disconnect")
	busA.Connect()
	busB.Connect()
	defer busA.Disconnect()

	listenerB := &recordingFrameListener{}
	busB.Subscribe(listenerB)
	busB.Disconnect()

	busA.Send(NewFrame(0x1, 1, false))
	assert.Empty(t, listenerB.frames, "a disconnected bus must not receive further frames")
}

func TestVirtualBusSendBeforeConnectFails(t *testing.T) {
	bus, _ := NewVirtualBus("test-channel-unconnected")
	assert.ErrorIs(t, bus.Send(NewFrame(0x1, 1, false)), ErrIllegalArgument)
}
