package docan

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/mbergman/godocan/pkg/metrics"
)

// DataFramesSentCallback is notified when a data frame a Message
// Transmitter handed to the PhysicalTransceiver has left the
// controller.
type DataFramesSentCallback interface {
	DataFramesSent(job JobHandle, frameCount int, size int)
}

// PhysicalTransceiver adapts one Bus to one DoCAN link, enforcing the
// single-frame-in-flight send discipline of invariant I2 (spec.md
// section 4.3). One transceiver serves every connection sharing a
// physical link; callers are the Message Transmitter/Receiver state
// machines.
type PhysicalTransceiver struct {
	bus        Bus
	addressing Addressing
	filter     *AddressingFilter
	sink       FrameSink

	mu              sync.Mutex
	pending         bool
	pendingCallback DataFramesSentCallback
	pendingJob      JobHandle
	pendingSize     int
}

// NewPhysicalTransceiver builds a transceiver over bus, using addressing
// to encode outgoing frames and filter to resolve incoming ones to a
// Connection, handing decoded content to sink.
func NewPhysicalTransceiver(bus Bus, addressing Addressing, filter *AddressingFilter, sink FrameSink) *PhysicalTransceiver {
	return &PhysicalTransceiver{bus: bus, addressing: addressing, filter: filter, sink: sink}
}

// Connect opens the underlying bus and subscribes for received frames
// and TX-done notifications.
func (t *PhysicalTransceiver) Connect() error {
	if err := t.bus.Connect(); err != nil {
		return err
	}
	if err := t.bus.Subscribe(t); err != nil {
		return err
	}
	return t.bus.SubscribeSent(t)
}

// Disconnect closes the underlying bus.
func (t *PhysicalTransceiver) Disconnect() error {
	return t.bus.Disconnect()
}

// StartSendDataFrames encodes and enqueues one data frame (Single,
// First, or Consecutive depending on frameIndex and data) for conn.
// lastFrameIndex is accepted for interface fidelity with the source
// but ignored: this implementation always encodes exactly one frame per
// call, so the caller (Message Transmitter) invokes it once per frame;
// a future driver wanting to batch multiple frames per call would give
// it meaning, as spec.md section 9 notes.
func (t *PhysicalTransceiver) StartSendDataFrames(conn *Connection, callback DataFramesSentCallback, job JobHandle, frameIndex uint16, lastFrameIndex uint16, cfDataSize uint16, data []byte) (SendResult, uint16) {
	t.mu.Lock()
	if t.pending {
		t.mu.Unlock()
		return SendFull, 0
	}
	t.mu.Unlock()

	var buf [MaxFDPayload]byte
	var canID uint32
	encodePayload := t.addressing.EncodeTx(conn, &canID, buf[:])

	payload, consumed, res := conn.Codec.EncodeDataFrame(encodePayload, data, frameIndex, cfDataSize)
	if res != CodecOK {
		log.WithFields(log.Fields{"canID": canID, "frameIndex": frameIndex, "result": res}).
			Warn("[DOCAN][TRANSCEIVER] encode failed")
		return SendInvalid, 0
	}

	frame := NewFrame(canID, uint8(len(payload)), conn.FD)
	copy(frame.Data[:], payload)

	// The pending slot must be armed before bus.Send, not after: a
	// synchronous Bus (VirtualBus, and the slcan/socketcan drivers, which
	// invoke their registered FrameSentListener synchronously right after
	// a successful blocking write) calls FrameSent from inside Send, and
	// FrameSent drops the notification if pending is still false.
	t.mu.Lock()
	t.pending = true
	t.pendingCallback = callback
	t.pendingJob = job
	t.pendingSize = int(consumed)
	t.mu.Unlock()

	if err := t.bus.Send(frame); err != nil {
		t.mu.Lock()
		t.pending = false
		t.pendingCallback = nil
		t.mu.Unlock()
		if errors.Is(err, ErrHwQueueFull) {
			return SendHwQueueFull, 0
		}
		log.WithFields(log.Fields{"canID": canID, "error": err}).
			Warn("[DOCAN][TRANSCEIVER] send failed")
		return SendFailed, 0
	}
	metrics.IncFrameSent()

	return SendQueuedFull, consumed
}

// CancelSendDataFrames clears the pending slot iff both callback and
// job identify the same send that is currently pending; a stale or
// mismatched cancel is a silent no-op, making this safe to call
// idempotently from a retrying caller.
func (t *PhysicalTransceiver) CancelSendDataFrames(callback DataFramesSentCallback, job JobHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending && t.pendingCallback == callback && t.pendingJob == job {
		t.pending = false
		t.pendingCallback = nil
	}
}

// SendFlowControl sends a Flow Control frame synchronously; no pending
// slot is reserved, so it never competes with a data-frame send.
func (t *PhysicalTransceiver) SendFlowControl(conn *Connection, status FlowStatus, blockSize uint8, minSeparationTime uint8) error {
	var buf [MaxFDPayload]byte
	var canID uint32
	encodePayload := t.addressing.EncodeTx(conn, &canID, buf[:])

	payload, res := conn.Codec.EncodeFlowControlFrame(encodePayload, status, blockSize, minSeparationTime)
	if res != CodecOK {
		return res
	}
	frame := NewFrame(canID, uint8(len(payload)), conn.FD)
	copy(frame.Data[:], payload)
	return t.bus.Send(frame)
}

// Handle implements FrameListener: it resolves the reception address
// via the filter and routes decoded content to sink. A lookup miss
// drops the frame.
func (t *PhysicalTransceiver) Handle(frame Frame) {
	metrics.IncFrameReceived()
	conn, payload, ok := t.filter.Resolve(frame)
	if !ok {
		metrics.IncFrameDropped("unknown-address")
		return
	}
	if res := DecodeFrame(conn.Codec, conn, payload, t.sink); res != CodecOK {
		metrics.IncFrameDropped("decode-failed")
		log.WithFields(log.Fields{"canID": frame.ID, "result": res}).
			Debug("[DOCAN][TRANSCEIVER] decode failed")
	}
}

// FrameSent implements FrameSentListener: it clears the pending slot
// and, unless a race with CancelSendDataFrames already cleared the
// callback, invokes it exactly once.
func (t *PhysicalTransceiver) FrameSent(frame Frame) {
	t.mu.Lock()
	if !t.pending {
		t.mu.Unlock()
		return
	}
	t.pending = false
	callback := t.pendingCallback
	job := t.pendingJob
	size := t.pendingSize
	t.pendingCallback = nil
	t.mu.Unlock()

	if callback != nil {
		callback.DataFramesSent(job, 1, size)
	}
}
