// Package socketcan adapts github.com/brutella/can's SocketCAN binding
// to the docan.Bus interface, for running over a real Linux CAN
// controller.
package socketcan

import (
	"github.com/brutella/can"

	"github.com/mbergman/godocan"
)

// Bus wraps a brutella/can SocketCAN binding as a docan.Bus. It only
// carries classical CAN frames (brutella/can predates CAN-FD), so
// Connections built over it must use FD: false.
type Bus struct {
	bus      *can.Bus
	listener docan.FrameListener
	sent     docan.FrameSentListener
}

// New opens interfaceName (e.g. "can0") as a docan.Bus. It satisfies
// docan.NewBusFunc so it can be registered under an interface type.
func New(interfaceName string) (docan.Bus, error) {
	raw, err := can.NewBusForInterfaceWithName(interfaceName)
	if err != nil {
		return nil, err
	}
	return &Bus{bus: raw}, nil
}

func init() {
	docan.RegisterBus("socketcan", New)
}

// Connect starts brutella/can's read loop in the background, the same
// pattern the reference driver uses.
func (b *Bus) Connect() error {
	go func() {
		_ = b.bus.ConnectAndPublish()
	}()
	return nil
}

// Disconnect closes the underlying socket.
func (b *Bus) Disconnect() error {
	return b.bus.Disconnect()
}

// Send publishes frame and, since brutella/can's Publish blocks until
// the frame has been written to the socket, invokes the registered
// FrameSentListener synchronously afterward.
func (b *Bus) Send(frame docan.Frame) error {
	out := can.Frame{ID: frame.ID, Length: frame.DLC}
	copy(out.Data[:], frame.Data[:frame.DLC])
	if err := b.bus.Publish(out); err != nil {
		return err
	}
	if b.sent != nil {
		b.sent.FrameSent(frame)
	}
	return nil
}

// Subscribe registers listener and wires this Bus as brutella/can's
// Handler.
func (b *Bus) Subscribe(listener docan.FrameListener) error {
	b.listener = listener
	b.bus.Subscribe(b)
	return nil
}

// SubscribeSent registers listener, invoked synchronously from Send.
func (b *Bus) SubscribeSent(listener docan.FrameSentListener) error {
	b.sent = listener
	return nil
}

// Handle implements brutella/can's Handler interface, translating a
// received can.Frame into a docan.Frame.
func (b *Bus) Handle(frame can.Frame) {
	if b.listener == nil {
		return
	}
	out := docan.NewFrame(frame.ID, frame.Length, false)
	copy(out.Data[:], frame.Data[:frame.Length])
	b.listener.Handle(out)
}
