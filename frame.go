// Package docan is a pure Go implementation of ISO 15765-2 (ISO-TP/DoCAN),
// the transport protocol that segments variable-length diagnostic messages
// over fixed-size CAN/CAN-FD frames.
package docan

import (
	"golang.org/x/sys/unix"
)

// CanSffMask isolates the 11-bit standard identifier from a raw CAN-ID word.
const CanSffMask uint32 = unix.CAN_SFF_MASK

// CanEffMask isolates the 29-bit extended identifier from a raw CAN-ID word.
const CanEffMask uint32 = unix.CAN_EFF_MASK

// CanEffFlag marks a CAN-ID as using the 29-bit extended identifier format.
const CanEffFlag uint32 = unix.CAN_EFF_FLAG

// MaxClassicalPayload is the largest payload a classical CAN frame carries.
const MaxClassicalPayload = 8

// MaxFDPayload is the largest payload a CAN-FD frame carries.
const MaxFDPayload = 64

// Frame is one physical CAN or CAN-FD frame, addressed by a raw CAN
// identifier and carrying up to MaxFDPayload bytes of payload.
//
// Data is sized to MaxFDPayload so the same type serves classical CAN
// (only the first 8 bytes used, DLC <= 8) and CAN-FD links.
type Frame struct {
	ID    uint32
	FD    bool
	DLC   uint8
	Data  [MaxFDPayload]byte
}

// NewFrame builds a Frame with the given identifier and DLC; Data is
// left zeroed for the caller to fill.
func NewFrame(id uint32, dlc uint8, fd bool) Frame {
	return Frame{ID: id, DLC: dlc, FD: fd}
}

// Payload returns the slice of Data actually carried by the frame.
func (f *Frame) Payload() []byte {
	return f.Data[:f.DLC]
}

// FrameListener receives CAN frames delivered by a Bus. Handle must not
// block: it runs on the driver's receive path (spec.md section 5).
type FrameListener interface {
	Handle(frame Frame)
}

// FrameSentListener is notified when a previously queued frame has left
// the controller (TX-done). It is the transceiver's counterpart to
// FrameListener on the transmit side.
type FrameSentListener interface {
	FrameSent(frame Frame)
}

// Bus abstracts one physical or virtual CAN controller. Concrete
// implementations (SocketCAN, slcan-over-serial, an in-process virtual
// bus) live in pkg/canbus and virtualbus.go; the core only depends on
// this interface.
type Bus interface {
	Connect() error
	Disconnect() error
	Send(frame Frame) error
	Subscribe(listener FrameListener) error
	// SubscribeSent registers a listener for TX-done notifications. Not
	// every backend can distinguish "sent" from "handed to driver"; those
	// that can't should invoke it synchronously from Send.
	SubscribeSent(listener FrameSentListener) error
}

// NewBusFunc constructs a Bus for a named, registered interface type.
type NewBusFunc func(channel string) (Bus, error)

var busRegistry = make(map[string]NewBusFunc)

// RegisterBus registers a new Bus constructor under interfaceType. Driver
// packages (pkg/canbus/socketcan, pkg/canbus/slcan) call this from an
// init() function.
func RegisterBus(interfaceType string, newBus NewBusFunc) {
	busRegistry[interfaceType] = newBus
}

// NewBus creates a Bus using a previously registered interface type.
func NewBus(interfaceType string, channel string) (Bus, error) {
	ctor, ok := busRegistry[interfaceType]
	if !ok {
		return nil, ErrIllegalArgument
	}
	return ctor(channel)
}
