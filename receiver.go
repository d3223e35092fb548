package docan

// ReceiverState is a Message Receiver's position in the state machine
// of spec.md section 4.5.
type ReceiverState uint8

const (
	ReceiverIdle ReceiverState = iota
	ReceiverSendCts
	// ReceiverWaitReady is the wait-frame policy of spec.md section 4.5:
	// the upper layer reported it isn't ready to accept the message yet,
	// so an FC=Wait was sent and the receiver retries readiness on
	// every RxTimeoutUs interval.
	ReceiverWaitReady
	ReceiverWaitConsecutive
	ReceiverDone
)

func (s ReceiverState) String() string {
	switch s {
	case ReceiverIdle:
		return "idle"
	case ReceiverSendCts:
		return "send-cts"
	case ReceiverWaitReady:
		return "wait-ready"
	case ReceiverWaitConsecutive:
		return "wait-consecutive"
	case ReceiverDone:
		return "done"
	default:
		return "unknown"
	}
}

// ProcessedListener is invoked exactly once per accepted message
// (invariant I4), reporting success or the cause of failure.
type ProcessedListener interface {
	MessageProcessed(transport TransportAddressPair, cause ProcessedCause, payload []byte)
}

// ReceiverConfig carries the tuning parameters of spec.md section 6
// that govern one Message Receiver.
type ReceiverConfig struct {
	RxTimeoutUs          uint64
	FlowControlWaitCount uint16
	BlockSize            uint8
	// MinSeparationTimeUs is this receiver's own STmin demand, encoded
	// into every CTS Flow Control frame it sends.
	MinSeparationTimeUs uint32
}

// MessageReceiver reassembles one segmented incoming message and emits
// Flow Control frames as it goes (spec.md section 4.5). It is owned by
// a Session pool slot and reused across messages; Reset prepares it for
// a new one.
type MessageReceiver struct {
	transceiver *PhysicalTransceiver
	config      ReceiverConfig
	buffer      []byte

	conn               *Connection
	listener           ProcessedListener
	state              ReceiverState
	expectedSize       uint32
	expectedFrameCount uint16
	consecutiveSize    uint16
	bytesReceived      uint32
	nextSequenceNumber uint8
	blockCounter       uint8
	waitCount          uint16
	deadlineUs         uint64
}

// NewMessageReceiver builds a receiver slot with a fixed maxMessageSize
// buffer allocated once, up front, satisfying the "no dynamic
// allocation on the hot path" constraint of spec.md section 1.
func NewMessageReceiver(transceiver *PhysicalTransceiver, config ReceiverConfig, maxMessageSize uint32) *MessageReceiver {
	return &MessageReceiver{
		transceiver: transceiver,
		config:      config,
		buffer:      make([]byte, maxMessageSize),
		state:       ReceiverIdle,
	}
}

// InUse reports whether the slot is currently reassembling a message.
func (r *MessageReceiver) InUse() bool {
	return r.state != ReceiverIdle && r.state != ReceiverDone
}

// Connection returns the connection this slot is currently bound to.
func (r *MessageReceiver) Connection() *Connection {
	return r.conn
}

// reset returns the slot to Idle, ready for reuse.
func (r *MessageReceiver) reset() {
	r.conn = nil
	r.listener = nil
	r.state = ReceiverIdle
	r.expectedSize = 0
	r.expectedFrameCount = 0
	r.consecutiveSize = 0
	r.bytesReceived = 0
	r.nextSequenceNumber = 0
	r.blockCounter = 0
	r.waitCount = 0
	r.deadlineUs = 0
}

func (r *MessageReceiver) finish(cause ProcessedCause) {
	transport := r.conn.Transport
	listener := r.listener
	var payload []byte
	if cause.Success() {
		payload = r.buffer[:r.bytesReceived]
	}
	r.state = ReceiverDone
	if listener != nil {
		listener.MessageProcessed(transport, cause, payload)
	}
}

// OnSingleFrame binds the slot to conn and completes immediately with
// the Single Frame's payload.
func (r *MessageReceiver) OnSingleFrame(conn *Connection, data []byte, listener ProcessedListener) {
	r.conn = conn
	r.listener = listener
	r.bytesReceived = uint32(copy(r.buffer, data))
	r.finish(ProcessedOK)
}

// OnFirstFrame binds the slot to conn and answers CTS (normal case),
// Wait (via proceedOrWait, while Connection.ReceiverReady reports not
// ready) or Overflow (messageSize exceeds this slot's buffer, which can
// only happen if the Session misjudged capacity before allocating).
func (r *MessageReceiver) OnFirstFrame(conn *Connection, messageSize uint32, frameCount uint16, cfDataSize uint16, data []byte, listener ProcessedListener, nowUs uint64) {
	r.conn = conn
	r.listener = listener
	r.expectedSize = messageSize
	r.expectedFrameCount = frameCount
	r.consecutiveSize = cfDataSize
	r.nextSequenceNumber = 1
	r.blockCounter = 0
	r.waitCount = 0

	if messageSize > uint32(len(r.buffer)) {
		r.sendOverflow()
		return
	}
	r.bytesReceived = uint32(copy(r.buffer, data))
	r.proceedOrWait(nowUs)
}

// proceedOrWait sends CTS once the upper layer is ready to accept the
// message, or FC=Wait if a Connection.ReceiverReady hook reports it
// isn't (spec.md section 4.5's wait-frame policy). A nil hook means
// "always ready", preserving the immediate-CTS behaviour for
// Connections that never set it.
func (r *MessageReceiver) proceedOrWait(nowUs uint64) {
	if r.conn.ReceiverReady == nil || r.conn.ReceiverReady() {
		r.sendCts(nowUs)
		return
	}
	r.sendWait(nowUs)
}

func (r *MessageReceiver) sendCts(nowUs uint64) {
	r.state = ReceiverSendCts
	_ = r.transceiver.SendFlowControl(r.conn, FlowStatusCTS, r.config.BlockSize, encodeMinSeparationTime(r.config.MinSeparationTimeUs))
	r.state = ReceiverWaitConsecutive
	r.deadlineUs = nowUs + r.config.RxTimeoutUs
}

// sendWait emits one FC=Wait and arms a retry after RxTimeoutUs, up to
// FlowControlWaitCount times; the (N+1)-th time a Wait would be needed,
// it aborts with ProcessedWaitLimitExceeded (ISO_GENERAL_REJECT)
// instead of sending another one.
func (r *MessageReceiver) sendWait(nowUs uint64) {
	r.waitCount++
	if r.waitCount > r.config.FlowControlWaitCount {
		r.finish(ProcessedWaitLimitExceeded)
		return
	}
	_ = r.transceiver.SendFlowControl(r.conn, FlowStatusWait, 0, 0)
	r.state = ReceiverWaitReady
	r.deadlineUs = nowUs + r.config.RxTimeoutUs
}

func (r *MessageReceiver) sendOverflow() {
	_ = r.transceiver.SendFlowControl(r.conn, FlowStatusOverflow, 0, 0)
	r.finish(ProcessedOverflow)
}

// OnConsecutiveFrame validates the sequence number (invariant I1),
// appends data, and either requests the next Flow Control block,
// completes the message, or aborts on mismatch.
func (r *MessageReceiver) OnConsecutiveFrame(sequenceNumber uint8, data []byte, nowUs uint64) {
	if r.state != ReceiverWaitConsecutive {
		return
	}
	if sequenceNumber != r.nextSequenceNumber%16 {
		r.finish(ProcessedWrongSequenceNumber)
		return
	}

	remaining := r.expectedSize - r.bytesReceived
	n := uint32(len(data))
	if n > remaining {
		n = remaining // I3: never write past expected-size; trailing padding is dropped.
	}
	r.bytesReceived += uint32(copy(r.buffer[r.bytesReceived:], data[:n]))
	r.nextSequenceNumber++
	r.blockCounter++

	if r.bytesReceived >= r.expectedSize {
		r.finish(ProcessedOK)
		return
	}

	if r.config.BlockSize != 0 && r.blockCounter >= r.config.BlockSize {
		r.blockCounter = 0
		r.sendCts(nowUs)
		return
	}
	r.deadlineUs = nowUs + r.config.RxTimeoutUs
}

// Tick advances the slot's deadline; it reports whether the slot
// finished (successfully or not) as a result of this tick.
func (r *MessageReceiver) Tick(nowUs uint64) bool {
	switch r.state {
	case ReceiverWaitReady:
		if nowUs < r.deadlineUs {
			return false
		}
		r.proceedOrWait(nowUs)
		return r.state == ReceiverDone
	case ReceiverWaitConsecutive:
		if nowUs < r.deadlineUs {
			return false
		}
		r.finish(ProcessedRxTimeout)
		return true
	default:
		return false
	}
}

// Cancel aborts an in-progress reassembly with the given cause.
func (r *MessageReceiver) Cancel(cause ProcessedCause) {
	if !r.InUse() {
		return
	}
	r.finish(cause)
}
