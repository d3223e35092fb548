package docan

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// virtualBusHub fans out frames between every VirtualBus attached to
// the same named channel, standing in for a physical CAN segment that
// several transceivers share.
//
// Delivery is serialized through queue/dispatching rather than called
// directly from Send, because a receiver can itself send a reply (a
// Flow Control CTS, say) before the original Send returns. On a real
// bus that reply arrives over the driver's own separate receive path,
// never nested inside the sender's call stack; a naive VirtualBus that
// delivered and replied with plain recursive calls would instead
// re-enter the original sender's in-progress Message
// Transmitter/Receiver call, corrupting its state. Queueing makes every
// Send's hub-wide delivery, including any replies it provokes, run one
// at a time in the order frames were produced.
type virtualBusHub struct {
	mu          sync.Mutex
	members     []*VirtualBus
	queue       []queuedFrame
	dispatching bool
}

type queuedFrame struct {
	from  *VirtualBus
	frame Frame
}

var virtualHubs = struct {
	mu   sync.Mutex
	byID map[string]*virtualBusHub
}{byID: make(map[string]*virtualBusHub)}

func virtualHubFor(channel string) *virtualBusHub {
	virtualHubs.mu.Lock()
	defer virtualHubs.mu.Unlock()
	hub, ok := virtualHubs.byID[channel]
	if !ok {
		hub = &virtualBusHub{}
		virtualHubs.byID[channel] = hub
	}
	return hub
}

// VirtualBus is an in-process Bus implementation: every frame Send
// writes is delivered synchronously to every other VirtualBus
// connected to the same channel name, with no socket or serial link
// involved. It exists for tests and examples that need a Bus without a
// real CAN controller; pkg/canbus holds the real drivers.
type VirtualBus struct {
	channel string
	hub     *virtualBusHub

	mu       sync.Mutex
	listener FrameListener
	sent     FrameSentListener
}

// NewVirtualBus builds a VirtualBus attached to channel; it satisfies
// NewBusFunc so it can be registered under an interface type.
func NewVirtualBus(channel string) (Bus, error) {
	return &VirtualBus{channel: channel}, nil
}

func init() {
	RegisterBus("virtual", NewVirtualBus)
}

// Connect joins the named channel's hub, making this bus visible to
// every other member's Send.
func (b *VirtualBus) Connect() error {
	b.hub = virtualHubFor(b.channel)
	b.hub.mu.Lock()
	b.hub.members = append(b.hub.members, b)
	b.hub.mu.Unlock()
	log.WithField("channel", b.channel).Debug("[DOCAN][VIRTUALBUS] connected")
	return nil
}

// Disconnect leaves the hub; frames sent afterwards are not delivered
// to this bus.
func (b *VirtualBus) Disconnect() error {
	if b.hub == nil {
		return nil
	}
	b.hub.mu.Lock()
	for i, m := range b.hub.members {
		if m == b {
			b.hub.members = append(b.hub.members[:i], b.hub.members[i+1:]...)
			break
		}
	}
	b.hub.mu.Unlock()
	return nil
}

// Send queues frame for delivery to every other member of the hub. If
// no delivery is already in progress, this call also drains the queue:
// it delivers frame, invokes this bus's own FrameSentListener (a
// VirtualBus can always distinguish "sent" from "handed to driver"
// since there is no hardware queue in between), and then keeps draining
// whatever further frames that delivery provoked, in the order they
// were queued, until none remain. A Send called while a drain is
// already running (from inside a listener invoked by that drain) just
// enqueues and returns; the outermost call does the work.
func (b *VirtualBus) Send(frame Frame) error {
	if b.hub == nil {
		return ErrIllegalArgument
	}
	hub := b.hub
	hub.mu.Lock()
	hub.queue = append(hub.queue, queuedFrame{from: b, frame: frame})
	if hub.dispatching {
		hub.mu.Unlock()
		return nil
	}
	hub.dispatching = true
	hub.mu.Unlock()

	for {
		hub.mu.Lock()
		if len(hub.queue) == 0 {
			hub.dispatching = false
			hub.mu.Unlock()
			return nil
		}
		next := hub.queue[0]
		hub.queue = hub.queue[1:]
		members := make([]*VirtualBus, len(hub.members))
		copy(members, hub.members)
		hub.mu.Unlock()

		for _, m := range members {
			if m != next.from {
				m.deliver(next.frame)
			}
		}
		next.from.notifySent(next.frame)
	}
}

func (b *VirtualBus) notifySent(frame Frame) {
	b.mu.Lock()
	sent := b.sent
	b.mu.Unlock()
	if sent != nil {
		sent.FrameSent(frame)
	}
}

func (b *VirtualBus) deliver(frame Frame) {
	b.mu.Lock()
	listener := b.listener
	b.mu.Unlock()
	if listener != nil {
		listener.Handle(frame)
	}
}

// Subscribe registers the listener that receives every frame Sent by
// another member of this bus's hub.
func (b *VirtualBus) Subscribe(listener FrameListener) error {
	b.mu.Lock()
	b.listener = listener
	b.mu.Unlock()
	return nil
}

// SubscribeSent registers the listener notified synchronously from
// Send.
func (b *VirtualBus) SubscribeSent(listener FrameSentListener) error {
	b.mu.Lock()
	b.sent = listener
	b.mu.Unlock()
	return nil
}
