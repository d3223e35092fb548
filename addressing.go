package docan

import "sync"

// Addressing encodes a transport address into an outgoing frame and
// decodes a data-link address back into a Connection lookup key, per
// one of the three variants of spec.md section 4.2.
type Addressing interface {
	// EncodeTx sets canID and, for variants that steal payload bytes,
	// writes into payload and returns the slice the codec should use.
	EncodeTx(conn *Connection, canID *uint32, payload []byte) []byte
	// DecodeRx resolves the canID/payload of a received frame into the
	// key used to look up its Connection, and the codec payload to
	// hand to the Frame Decoder.
	DecodeRx(canID uint32, payload []byte) (key uint32, codecPayload []byte)
	// ReceptionKey computes the same key space as DecodeRx would for a
	// frame actually addressed to conn, used to populate the
	// AddressingFilter's table at configuration time.
	ReceptionKey(conn *Connection) uint32
}

// NormalAddressing uses the raw CAN-ID as the data-link address; the
// payload carries no addressing bytes (FrameCodecConfig.Offset == 0).
type NormalAddressing struct{}

func (NormalAddressing) EncodeTx(conn *Connection, canID *uint32, payload []byte) []byte {
	*canID = conn.DataLink.RequestID
	return payload
}

func (NormalAddressing) DecodeRx(canID uint32, payload []byte) (uint32, []byte) {
	return canID, payload
}

func (NormalAddressing) ReceptionKey(conn *Connection) uint32 {
	return conn.DataLink.ResponseID
}

// Fixed normal addressing CAN-ID layout (ISO 15765-2): priority nibble,
// PDU format byte selecting physical vs. functional addressing, then
// target and source address bytes.
const (
	NormalFixedPriority          uint32 = 0x18
	NormalFixedFormatPhysical    uint32 = 0xDA
	NormalFixedFormatFunctional  uint32 = 0xDB
)

// NormalFixedAddressing derives the 29-bit CAN-ID from (source, target)
// through the ISO 15765-2 fixed formula instead of storing it; the
// address is never carried in the payload (Offset == 0).
type NormalFixedAddressing struct {
	// Functional selects the functional (broadcast) PDU format instead
	// of the physical one.
	Functional bool
}

// EncodeFixedCanID computes the 29-bit CAN-ID for a (source, target)
// pair under the fixed normal addressing formula.
func EncodeFixedCanID(source, target TransportAddress, functional bool) uint32 {
	format := NormalFixedFormatPhysical
	if functional {
		format = NormalFixedFormatFunctional
	}
	return CanEffFlag | (NormalFixedPriority << 24) | (format << 16) | (uint32(target) << 8) | uint32(source)
}

// DecodeFixedCanID recovers (source, target) from a 29-bit CAN-ID
// produced by EncodeFixedCanID, reporting whether the ID matches the
// fixed normal addressing layout at all.
func DecodeFixedCanID(canID uint32) (source, target TransportAddress, functional bool, ok bool) {
	id := canID & CanEffMask
	priority := (id >> 24) & 0xFF
	format := (id >> 16) & 0xFF
	if priority != NormalFixedPriority {
		return 0, 0, false, false
	}
	switch format {
	case NormalFixedFormatPhysical:
		functional = false
	case NormalFixedFormatFunctional:
		functional = true
	default:
		return 0, 0, false, false
	}
	target = TransportAddress((id >> 8) & 0xFF)
	source = TransportAddress(id & 0xFF)
	return source, target, functional, true
}

func (a NormalFixedAddressing) EncodeTx(conn *Connection, canID *uint32, payload []byte) []byte {
	*canID = EncodeFixedCanID(conn.Transport.SourceID, conn.Transport.TargetID, a.Functional)
	return payload
}

func (NormalFixedAddressing) DecodeRx(canID uint32, payload []byte) (uint32, []byte) {
	return canID & CanEffMask, payload
}

func (a NormalFixedAddressing) ReceptionKey(conn *Connection) uint32 {
	return EncodeFixedCanID(conn.Transport.TargetID, conn.Transport.SourceID, a.Functional) & CanEffMask
}

// ExtendedAddressing carries the target address as the leading payload
// byte; FrameCodecConfig.Offset must be 1 on links that use it.
type ExtendedAddressing struct{}

func (ExtendedAddressing) EncodeTx(conn *Connection, canID *uint32, payload []byte) []byte {
	*canID = conn.DataLink.RequestID
	payload[0] = byte(conn.Transport.TargetID)
	return payload
}

func (ExtendedAddressing) DecodeRx(canID uint32, payload []byte) (uint32, []byte) {
	if len(payload) == 0 {
		return canID << 8, payload
	}
	// The key folds in the leading address byte so two targets sharing
	// one CAN-ID resolve to distinct connections.
	return canID<<8 | uint32(payload[0]), payload
}

func (ExtendedAddressing) ReceptionKey(conn *Connection) uint32 {
	return conn.DataLink.ResponseID<<8 | uint32(conn.Transport.TargetID)
}

// AddressingFilter resolves an incoming CAN frame to its Connection in
// O(1) over a static table built at configuration time (spec.md section
// 4.2). A lookup miss means the frame is silently dropped.
type AddressingFilter struct {
	mu         sync.RWMutex
	addressing Addressing
	byKey      map[uint32]*Connection
}

// NewAddressingFilter builds an empty filter for the given addressing
// variant.
func NewAddressingFilter(addressing Addressing) *AddressingFilter {
	return &AddressingFilter{
		addressing: addressing,
		byKey:      make(map[uint32]*Connection),
	}
}

// Add registers a Connection's reception CAN-ID in the filter.
func (f *AddressingFilter) Add(conn *Connection) {
	key := f.addressing.ReceptionKey(conn)
	f.mu.Lock()
	f.byKey[key] = conn
	f.mu.Unlock()
}

// Remove drops a previously added Connection from the filter.
func (f *AddressingFilter) Remove(conn *Connection) {
	key := f.addressing.ReceptionKey(conn)
	f.mu.Lock()
	delete(f.byKey, key)
	f.mu.Unlock()
}

// Resolve maps a received frame to its Connection and the codec payload
// (addressing bytes stripped), or reports ok == false on a lookup miss.
func (f *AddressingFilter) Resolve(frame Frame) (conn *Connection, codecPayload []byte, ok bool) {
	key, payload := f.addressing.DecodeRx(frame.ID, frame.Payload())
	f.mu.RLock()
	conn, ok = f.byKey[key]
	f.mu.RUnlock()
	return conn, payload, ok
}
