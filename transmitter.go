package docan

// TransmitterState is a Message Transmitter's position in the state
// machine of spec.md section 4.4.
type TransmitterState uint8

const (
	TransmitterIdle TransmitterState = iota
	// TransmitterAwaitingAck covers SendFirst and SendConsecutive from
	// the spec diagram: a frame has been handed to the transceiver and
	// we are waiting for its TX-done callback. ackNextStep records what
	// that callback should do.
	TransmitterAwaitingAck
	// TransmitterConsecutivePending is the STmin gate between two
	// consecutive frames of the same block.
	TransmitterConsecutivePending
	TransmitterWaitFlowControl
	TransmitterWaitTxCallback
	TransmitterDone
)

func (s TransmitterState) String() string {
	switch s {
	case TransmitterIdle:
		return "idle"
	case TransmitterAwaitingAck:
		return "awaiting-ack"
	case TransmitterConsecutivePending:
		return "consecutive-pending"
	case TransmitterWaitFlowControl:
		return "wait-flow-control"
	case TransmitterWaitTxCallback:
		return "wait-tx-callback"
	case TransmitterDone:
		return "done"
	default:
		return "unknown"
	}
}

type ackNextStep uint8

const (
	ackNextFlowControl ackNextStep = iota
	ackNextMoreConsecutive
	ackNextBlockBoundary
	ackNextDone
)

// TransmitterConfig carries the tuning parameters of spec.md section 6
// that govern one Message Transmitter.
type TransmitterConfig struct {
	TxCallbackTimeoutUs  uint64
	FlowControlTimeoutUs uint64
	MinSeparationTimeUs  uint32
	FlowControlWaitCount uint16
}

// MessageTransmitter segments one outgoing message, obeys flow control,
// and retries on a transceiver FULL result (spec.md section 4.4). It is
// owned by a Session pool slot and reused across messages.
type MessageTransmitter struct {
	transceiver *PhysicalTransceiver
	config      TransmitterConfig
	// ackCallback receives the transceiver's TX-done notifications; it
	// is always the owning Session, which routes by JobHandle back to
	// this slot's own DataFramesSent under the session lock.
	ackCallback DataFramesSentCallback

	conn     *Connection
	listener ProcessedListener
	job      JobHandle
	payload  []byte

	state        TransmitterState
	nextStep     ackNextStep
	frameIndex   uint16
	bytesSent    uint32
	cfDataSize   uint16
	blockSize    uint8
	blockCounter uint8
	waitCount    uint16
	minSepUs     uint32

	deadlineUs uint64
	nextSendUs uint64
}

// NewMessageTransmitter builds a transmitter slot whose TX-done
// notifications are routed through ackCallback (the owning Session).
func NewMessageTransmitter(transceiver *PhysicalTransceiver, config TransmitterConfig, ackCallback DataFramesSentCallback) *MessageTransmitter {
	return &MessageTransmitter{transceiver: transceiver, config: config, ackCallback: ackCallback, state: TransmitterIdle}
}

// InUse reports whether the slot is currently sending a message.
func (t *MessageTransmitter) InUse() bool {
	return t.state != TransmitterIdle && t.state != TransmitterDone
}

// Connection returns the connection this slot is currently bound to.
func (t *MessageTransmitter) Connection() *Connection {
	return t.conn
}

func (t *MessageTransmitter) reset() {
	t.conn = nil
	t.listener = nil
	t.payload = nil
	t.state = TransmitterIdle
	t.frameIndex = 0
	t.bytesSent = 0
	t.cfDataSize = 0
	t.blockSize = 0
	t.blockCounter = 0
	t.waitCount = 0
	t.minSepUs = 0
	t.deadlineUs = 0
	t.nextSendUs = 0
}

func (t *MessageTransmitter) finish(cause ProcessedCause) {
	transport := t.conn.Transport
	listener := t.listener
	t.state = TransmitterDone
	if listener != nil {
		listener.MessageProcessed(transport, cause, nil)
	}
}

// Start begins sending payload over conn, identified by job for the
// transceiver's cancel/ack bookkeeping. nowUs seeds the first deadline.
func (t *MessageTransmitter) Start(conn *Connection, job JobHandle, payload []byte, listener ProcessedListener, nowUs uint64) CodecResult {
	frameCount, cfDataSize, res := conn.Codec.GetEncodedFrameCount(uint32(len(payload)))
	if res != CodecOK {
		return res
	}

	t.conn = conn
	t.job = job
	t.payload = payload
	t.listener = listener
	t.cfDataSize = cfDataSize
	t.frameIndex = 0
	t.bytesSent = 0
	t.minSepUs = t.config.MinSeparationTimeUs

	if frameCount == 1 {
		t.nextStep = ackNextDone
	} else {
		t.nextStep = ackNextFlowControl
	}
	t.state = TransmitterAwaitingAck
	t.deadlineUs = nowUs + t.config.TxCallbackTimeoutUs
	t.trySend(nowUs)
	return CodecOK
}

func (t *MessageTransmitter) trySend(nowUs uint64) {
	remaining := t.payload[t.bytesSent:]
	lastFrameIndex := t.frameIndex // unused by this transceiver; one frame per call regardless
	result, consumed := t.transceiver.StartSendDataFrames(t.conn, t.ackCallback, t.job, t.frameIndex, lastFrameIndex, t.cfDataSize, remaining)
	switch result {
	case SendQueuedFull:
		t.bytesSent += uint32(consumed)
		t.frameIndex++
		if t.bytesSent >= uint32(len(t.payload)) {
			t.nextStep = ackNextDone
		} else if t.frameIndex > 1 && t.blockSize != 0 && t.blockCounter+1 >= t.blockSize {
			t.nextStep = ackNextBlockBoundary
		} else if t.frameIndex > 1 {
			t.nextStep = ackNextMoreConsecutive
		}
		t.state = TransmitterAwaitingAck
		t.deadlineUs = nowUs + t.config.TxCallbackTimeoutUs
	case SendFull, SendHwQueueFull:
		// Rearm via the tick generator without changing logical state;
		// Tick retries trySend while state == TransmitterAwaitingAck and
		// the transceiver is still busy.
	case SendInvalid:
		t.finish(ProcessedGeneralProgrammingFailure)
	case SendFailed:
		t.finish(ProcessedTxFailed)
	}
}

// DataFramesSent implements DataFramesSentCallback: the transceiver's
// TX-done notification for the frame we most recently handed it. nowUs
// is the Session's most recent tick time, since TX-done arrives off the
// Bus's own callback path rather than from CyclicTask; it seeds the
// STmin gate for ackNextMoreConsecutive.
func (t *MessageTransmitter) DataFramesSent(job JobHandle, frameCount int, size int, nowUs uint64) {
	if t.state != TransmitterAwaitingAck || job != t.job {
		return
	}
	switch t.nextStep {
	case ackNextDone:
		t.state = TransmitterWaitTxCallback
		t.finish(ProcessedOK)
	case ackNextFlowControl, ackNextBlockBoundary:
		t.blockCounter = 0
		t.state = TransmitterWaitFlowControl
	case ackNextMoreConsecutive:
		t.blockCounter++
		t.nextSendUs = nowUs + uint64(t.minSepUs)
		t.state = TransmitterConsecutivePending
	}
}

// FlowControlFrameReceived handles an incoming Flow Control frame while
// waiting for one.
func (t *MessageTransmitter) FlowControlFrameReceived(status FlowStatus, blockSize uint8, encodedMinSeparationTime uint8, nowUs uint64) {
	if t.state != TransmitterWaitFlowControl {
		return
	}
	switch status {
	case FlowStatusCTS:
		t.blockSize = blockSize
		t.blockCounter = 0
		t.waitCount = 0
		t.minSepUs = decodeMinSeparationTime(encodedMinSeparationTime, t.config.MinSeparationTimeUs)
		if t.minSepUs < t.config.MinSeparationTimeUs {
			t.minSepUs = t.config.MinSeparationTimeUs
		}
		t.state = TransmitterAwaitingAck
		t.deadlineUs = nowUs + t.config.TxCallbackTimeoutUs
		t.trySend(nowUs)
	case FlowStatusWait:
		t.waitCount++
		if t.waitCount > t.config.FlowControlWaitCount {
			t.finish(ProcessedWaitLimitExceeded)
			return
		}
		t.deadlineUs = nowUs + t.config.FlowControlTimeoutUs
	case FlowStatusOverflow:
		t.finish(ProcessedOverflow)
	}
}

// Tick advances deadlines and drives the STmin gate; it reports whether
// the slot finished (successfully or not) as a result of this tick.
func (t *MessageTransmitter) Tick(nowUs uint64) bool {
	switch t.state {
	case TransmitterAwaitingAck:
		if nowUs >= t.deadlineUs {
			t.finish(ProcessedTxCallbackTimeout)
			return true
		}
		t.trySend(nowUs)
	case TransmitterWaitFlowControl:
		if nowUs >= t.deadlineUs {
			t.finish(ProcessedFlowControlTimeout)
			return true
		}
	case TransmitterWaitTxCallback:
		if nowUs >= t.deadlineUs {
			t.finish(ProcessedTxCallbackTimeout)
			return true
		}
	case TransmitterConsecutivePending:
		if nowUs >= t.nextSendUs {
			t.state = TransmitterAwaitingAck
			t.deadlineUs = nowUs + t.config.TxCallbackTimeoutUs
			t.trySend(nowUs)
		}
	}
	return t.state == TransmitterDone
}

// Cancel aborts an in-progress send with the given cause, also
// cancelling any frame still pending at the transceiver.
func (t *MessageTransmitter) Cancel(cause ProcessedCause) {
	if !t.InUse() {
		return
	}
	t.transceiver.CancelSendDataFrames(t.ackCallback, t.job)
	t.finish(cause)
}
