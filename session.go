package docan

import (
	"sync"

	"github.com/mbergman/godocan/pkg/metrics"
)

// SessionConfig carries the pool sizing and tuning parameters of
// spec.md section 6 that are not specific to one connection.
type SessionConfig struct {
	ReceiverPoolSize    int
	TransmitterPoolSize int
	MaxMessageSize      uint32

	AllocateTimeoutUs  uint64
	AllocateRetryCount uint16

	Receiver    ReceiverConfig
	Transmitter TransmitterConfig
}

// MessageReceivedListener is handed every fully reassembled incoming
// message, per the upper-edge contract of spec.md section 4.7.
type MessageReceivedListener interface {
	MessageReceived(transport TransportAddressPair, payload []byte)
}

// pendingSend is a Send request that arrived while every transmitter
// slot was busy; the Session retries it on every tick until a slot
// frees or AllocateRetryCount is exceeded.
type pendingSend struct {
	conn     *Connection
	payload  []byte
	listener ProcessedListener
	retries  uint16
}

// Session is the Session/Job Container of spec.md section 4.6: it owns
// the receiver and transmitter pools, the addressing filter, the tick
// generator, and the mutex guarding the pool maps. Codec work and Bus
// calls happen with the lock released.
//
// This mirrors the cooperative, single-threaded scheduling model of
// spec.md section 5 rather than reproducing its lock discipline
// verbatim: CyclicTask and the Bus's delivery of received/TX-done
// frames are expected to run from one serialized context (one
// goroutine pumping a ticker and the bus's channel, as cmd/docanctl
// and the tests do), not from arbitrary concurrent goroutines. The
// mutex protects the pool maps against torn reads within that
// sequence; it is not a substitute for that serialization.
type Session struct {
	mu sync.Mutex

	transceiver *PhysicalTransceiver
	filter      *AddressingFilter
	config      SessionConfig

	receivers    []*MessageReceiver
	transmitters []*MessageTransmitter

	recvByConn map[*Connection]*MessageReceiver
	sendByConn map[*Connection]*MessageTransmitter
	txJobs     *jobHandleAllocator

	pending         []pendingSend
	messageListener MessageReceivedListener

	// now is the microsecond clock value from the most recent
	// CyclicTask call, used to arm deadlines for frames that arrive
	// between ticks.
	now uint64
}

// SetMessageListener registers the upper-layer consumer of completed
// incoming messages. It may be changed at any time; Session reads it
// under the session lock.
func (s *Session) SetMessageListener(listener MessageReceivedListener) {
	s.mu.Lock()
	s.messageListener = listener
	s.mu.Unlock()
}

// NewSession builds a Session over bus using addressing, with pools
// sized per config.
func NewSession(bus Bus, addressing Addressing, config SessionConfig) *Session {
	s := &Session{
		filter:     NewAddressingFilter(addressing),
		config:     config,
		recvByConn: make(map[*Connection]*MessageReceiver),
		sendByConn: make(map[*Connection]*MessageTransmitter),
	}
	s.transceiver = NewPhysicalTransceiver(bus, addressing, s.filter, s)

	s.receivers = make([]*MessageReceiver, config.ReceiverPoolSize)
	for i := range s.receivers {
		s.receivers[i] = NewMessageReceiver(s.transceiver, config.Receiver, config.MaxMessageSize)
	}
	s.transmitters = make([]*MessageTransmitter, config.TransmitterPoolSize)
	for i := range s.transmitters {
		s.transmitters[i] = NewMessageTransmitter(s.transceiver, config.Transmitter, s)
	}
	s.txJobs = newJobHandleAllocator(config.TransmitterPoolSize)
	return s
}

// AddConnection registers a Connection's reception address with the
// addressing filter, making it reachable by incoming frames.
func (s *Session) AddConnection(conn *Connection) {
	s.filter.Add(conn)
}

// RemoveConnection unregisters a Connection.
func (s *Session) RemoveConnection(conn *Connection) {
	s.filter.Remove(conn)
}

// Connect opens the underlying Bus.
func (s *Session) Connect() error {
	return s.transceiver.Connect()
}

// Disconnect closes the underlying Bus.
func (s *Session) Disconnect() error {
	return s.transceiver.Disconnect()
}

// Send hands payload to a free transmitter slot for conn, or queues it
// if every slot is busy (retried on CyclicTask until AllocateRetryCount
// is exceeded, at which point listener observes NoResourceAvailable).
// At most one in-flight send per Connection is honoured: a second Send
// for a Connection that already has one in flight is queued behind it.
func (s *Session) Send(conn *Connection, payload []byte, listener ProcessedListener, nowUs uint64) {
	s.mu.Lock()
	if _, busy := s.sendByConn[conn]; busy {
		s.pending = append(s.pending, pendingSend{conn: conn, payload: payload, listener: listener})
		s.mu.Unlock()
		return
	}
	slot, idx, ok := s.freeTransmitterLocked()
	if !ok {
		s.pending = append(s.pending, pendingSend{conn: conn, payload: payload, listener: listener})
		s.mu.Unlock()
		return
	}
	s.sendByConn[conn] = slot
	job := s.txJobs.handle(idx)
	s.mu.Unlock()

	wrapped := s.transmitterListener(conn, idx, listener)
	if res := slot.Start(conn, job, payload, wrapped, nowUs); res != CodecOK {
		s.mu.Lock()
		delete(s.sendByConn, conn)
		s.mu.Unlock()
		listener.MessageProcessed(conn.Transport, ProcessedGeneralProgrammingFailure, nil)
	}
}

// transmitterListener releases conn's transmitter slot on completion,
// bumping its job-handle generation so a cancel racing against the
// slot's next reuse can never match the wrong job, then forwards the
// outcome to the upper layer's ProcessedListener.
func (s *Session) transmitterListener(conn *Connection, idx int, upstream ProcessedListener) ProcessedListener {
	return processedFunc(func(transport TransportAddressPair, cause ProcessedCause, payload []byte) {
		s.mu.Lock()
		delete(s.sendByConn, conn)
		s.txJobs.release(idx)
		s.mu.Unlock()
		metrics.IncMessageCompleted("tx", cause.String())
		if upstream != nil {
			upstream.MessageProcessed(transport, cause, payload)
		}
	})
}

func (s *Session) freeTransmitterLocked() (*MessageTransmitter, int, bool) {
	for i, t := range s.transmitters {
		if !t.InUse() {
			return t, i, true
		}
	}
	return nil, 0, false
}

func (s *Session) freeReceiverLocked() (*MessageReceiver, bool) {
	for _, r := range s.receivers {
		if !r.InUse() {
			return r, true
		}
	}
	return nil, false
}

// CyclicTask advances every active slot's deadlines and retries queued
// sends. It does not release slots itself: each slot is released by its
// wrapped processed-listener at the moment it finishes, which fires the
// caller's listener exactly once per accepted message (invariant I4).
func (s *Session) CyclicTask(nowUs uint64) {
	s.mu.Lock()
	s.now = nowUs
	activeRecv := make([]*MessageReceiver, 0, len(s.recvByConn))
	for _, r := range s.recvByConn {
		activeRecv = append(activeRecv, r)
	}
	activeSend := make([]*MessageTransmitter, 0, len(s.sendByConn))
	for _, t := range s.sendByConn {
		activeSend = append(activeSend, t)
	}
	toStart := s.retryPendingLocked()
	metrics.SetReceiverSlotsInUse(len(activeRecv))
	metrics.SetTransmitterSlotsInUse(len(activeSend))
	metrics.SetPendingSends(len(s.pending))
	s.mu.Unlock()

	// Tick and Start run without the session lock held: a synchronous
	// finish() inside either calls back into a wrapped ProcessedListener
	// (transmitterListener/receiverListener) that itself takes the lock
	// to release the slot, which would deadlock if it were still held
	// here.
	for _, r := range activeRecv {
		r.Tick(nowUs)
	}
	for _, t := range activeSend {
		t.Tick(nowUs)
	}
	for _, op := range toStart {
		op.slot.Start(op.conn, op.job, op.payload, op.listener, nowUs)
	}
}

// startOp is a Start call deferred until after the session lock is
// released, so a synchronous codec failure inside Start can call back
// into the wrapped ProcessedListener (which itself takes the lock)
// without deadlocking.
type startOp struct {
	slot     *MessageTransmitter
	conn     *Connection
	job      JobHandle
	payload  []byte
	listener ProcessedListener
}

func (s *Session) retryPendingLocked() []startOp {
	var toStart []startOp
	remaining := s.pending[:0]
	for _, p := range s.pending {
		if _, busy := s.sendByConn[p.conn]; busy {
			remaining = append(remaining, p)
			continue
		}
		slot, idx, ok := s.freeTransmitterLocked()
		if !ok {
			p.retries++
			if p.retries >= s.config.AllocateRetryCount {
				p.listener.MessageProcessed(p.conn.Transport, ProcessedNoResourceAvailable, nil)
				continue
			}
			remaining = append(remaining, p)
			continue
		}
		s.sendByConn[p.conn] = slot
		job := s.txJobs.handle(idx)
		toStart = append(toStart, startOp{
			slot:     slot,
			conn:     p.conn,
			job:      job,
			payload:  p.payload,
			listener: s.transmitterListener(p.conn, idx, p.listener),
		})
	}
	s.pending = remaining
	return toStart
}

// SingleFrameReceived implements FrameSink.
func (s *Session) SingleFrameReceived(conn *Connection, data []byte) {
	s.mu.Lock()
	if _, active := s.recvByConn[conn]; active {
		s.mu.Unlock()
		return
	}
	slot, ok := s.freeReceiverLocked()
	if !ok {
		s.mu.Unlock()
		_ = s.transceiver.SendFlowControl(conn, FlowStatusOverflow, 0, 0)
		return
	}
	s.recvByConn[conn] = slot
	s.mu.Unlock()
	slot.OnSingleFrame(conn, data, s.receiverListener(conn))
}

// FirstFrameReceived implements FrameSink.
func (s *Session) FirstFrameReceived(conn *Connection, messageSize uint32, frameCount uint16, cfDataSize uint16, data []byte) {
	s.mu.Lock()
	if _, active := s.recvByConn[conn]; active {
		s.mu.Unlock()
		return
	}
	slot, ok := s.freeReceiverLocked()
	if !ok {
		s.mu.Unlock()
		_ = s.transceiver.SendFlowControl(conn, FlowStatusOverflow, 0, 0)
		return
	}
	s.recvByConn[conn] = slot
	now := s.now
	s.mu.Unlock()
	slot.OnFirstFrame(conn, messageSize, frameCount, cfDataSize, data, s.receiverListener(conn), now)
}

// ConsecutiveFrameReceived implements FrameSink.
func (s *Session) ConsecutiveFrameReceived(conn *Connection, sequenceNumber uint8, data []byte) {
	s.mu.Lock()
	slot, active := s.recvByConn[conn]
	now := s.now
	s.mu.Unlock()
	if !active {
		return
	}
	slot.OnConsecutiveFrame(sequenceNumber, data, now)
}

// FlowControlFrameReceived implements FrameSink, forwarding to whichever
// transmitter slot owns conn.
func (s *Session) FlowControlFrameReceived(conn *Connection, status FlowStatus, blockSize uint8, minSeparationTime uint8) {
	s.mu.Lock()
	slot, active := s.sendByConn[conn]
	now := s.now
	s.mu.Unlock()
	if !active {
		return
	}
	slot.FlowControlFrameReceived(status, blockSize, minSeparationTime, now)
}

// DataFramesSent implements DataFramesSentCallback, routing the
// transceiver's TX-done notification to the transmitter slot job.slot
// identifies.
func (s *Session) DataFramesSent(job JobHandle, frameCount int, size int) {
	s.mu.Lock()
	if int(job.slot) >= len(s.transmitters) {
		s.mu.Unlock()
		return
	}
	slot := s.transmitters[job.slot]
	now := s.now
	s.mu.Unlock()
	slot.DataFramesSent(job, frameCount, size, now)
}

// SessionChanged implements spec.md section 4.6's session-transition
// rule: when the active diagnostic session changes, every in-flight
// message whose Connection is no longer allowed under the new session
// must be batch-aborted with ISO_CONDITIONS_NOT_CORRECT rather than be
// left to time out on its own. allowed reports whether conn may still
// be used post-transition; the caller (typically a UDS
// DiagnosticSessionControl handler) supplies it from whatever now
// governs permitted addressing.
func (s *Session) SessionChanged(allowed func(conn *Connection) bool) {
	s.mu.Lock()
	var toCancelRecv []*MessageReceiver
	for conn, r := range s.recvByConn {
		if !allowed(conn) {
			toCancelRecv = append(toCancelRecv, r)
		}
	}
	var toCancelSend []*MessageTransmitter
	for conn, t := range s.sendByConn {
		if !allowed(conn) {
			toCancelSend = append(toCancelSend, t)
		}
	}
	s.mu.Unlock()

	// Cancel runs without the session lock held, same as CyclicTask:
	// finish() synchronously calls back into receiverListener/
	// transmitterListener, which take the lock themselves to release
	// the slot.
	for _, r := range toCancelRecv {
		r.Cancel(ProcessedConditionsNotCorrect)
	}
	for _, t := range toCancelSend {
		t.Cancel(ProcessedConditionsNotCorrect)
	}
}

// receiverListener releases conn's receiver slot on completion and, on
// success, hands the reassembled message to the registered
// MessageReceivedListener.
func (s *Session) receiverListener(conn *Connection) ProcessedListener {
	return processedFunc(func(transport TransportAddressPair, cause ProcessedCause, payload []byte) {
		s.mu.Lock()
		delete(s.recvByConn, conn)
		listener := s.messageListener
		s.mu.Unlock()
		metrics.IncMessageCompleted("rx", cause.String())
		if cause.Success() && listener != nil {
			listener.MessageReceived(transport, payload)
		}
	})
}

// processedFunc adapts a function to ProcessedListener.
type processedFunc func(transport TransportAddressPair, cause ProcessedCause, payload []byte)

func (f processedFunc) MessageProcessed(transport TransportAddressPair, cause ProcessedCause, payload []byte) {
	f(transport, cause, payload)
}
