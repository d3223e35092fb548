package docan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// newTestReceiver builds a MessageReceiver backed by a real
// PhysicalTransceiver/VirtualBus pair so Flow Control frames it emits
// can be observed on a second, sniffing VirtualBus on the same channel.
func newTestReceiver(t *testing.T, channel string, waitCount uint16) (*MessageReceiver, *Connection, *recordingFrameListener) {
	t.Helper()

	codecCfg, err := NewFrameCodecConfig(
		SizeConfig{Min: 1, Max: 8}, SizeConfig{Min: 8, Max: 8},
		SizeConfig{Min: 1, Max: 8}, SizeConfig{Min: 3, Max: 8}, 0, 0,
	)
	assert.NoError(t, err)
	codec := NewFrameCodec(codecCfg, ClassicalFrameSizeMapper{})

	rxBus, err := NewVirtualBus(channel)
	assert.NoError(t, err)
	sniffer, err := NewVirtualBus(channel)
	assert.NoError(t, err)

	filter := NewAddressingFilter(NormalAddressing{})
	transceiver := NewPhysicalTransceiver(rxBus, NormalAddressing{}, filter, nil)
	assert.NoError(t, transceiver.Connect())
	assert.NoError(t, sniffer.Connect())
	t.Cleanup(func() {
		transceiver.Disconnect()
		sniffer.Disconnect()
	})

	sniffed := &recordingFrameListener{}
	assert.NoError(t, sniffer.Subscribe(sniffed))

	conn := &Connection{
		Transport: TransportAddressPair{SourceID: 1, TargetID: 2},
		DataLink:  DataLinkAddressPair{RequestID: 0x100, ResponseID: 0x101},
		Codec:     codec,
		Mapper:    ClassicalFrameSizeMapper{},
	}

	r := NewMessageReceiver(transceiver, ReceiverConfig{
		RxTimeoutUs:          1_000,
		FlowControlWaitCount: waitCount,
	}, 64)
	return r, conn, sniffed
}

// flowStatusesSent extracts the FlowStatus nibble from every Flow
// Control frame the sniffer observed.
func flowStatusesSent(frames []Frame) []FlowStatus {
	var out []FlowStatus
	for _, f := range frames {
		if f.Data[0]>>4 == uint8(FrameTypeFlowControl) {
			out = append(out, FlowStatus(f.Data[0]&0x0F))
		}
	}
	return out
}

// TestReceiverWaitsThenProceedsOnceReady exercises the wait-frame
// policy's success path: ReceiverReady starts false, so the First
// Frame draws an FC=Wait instead of CTS; once the hook flips to true,
// the next retry (driven by Tick once RxTimeoutUs elapses) sends CTS
// and the reassembly completes normally.
func TestReceiverWaitsThenProceedsOnceReady(t *testing.T) {
	ready := false
	r, conn, sniffed := newTestReceiver(t, "test-receiver-wait-then-ready", 3)
	conn.ReceiverReady = func() bool { return ready }

	listener := &recordingOutcomeListener{}
	r.OnFirstFrame(conn, 16, 3, 7, []byte{1, 2, 3, 4, 5, 6}, listener, 0)

	assert.Equal(t, ReceiverWaitReady, r.state)
	assert.Equal(t, uint16(1), r.waitCount)

	ready = true
	finished := r.Tick(2_000)
	assert.False(t, finished)
	assert.Equal(t, ReceiverWaitConsecutive, r.state)

	assert.Equal(t, []FlowStatus{FlowStatusWait, FlowStatusCTS}, flowStatusesSent(sniffed.frames))

	r.OnConsecutiveFrame(1, []byte{7, 8, 9, 10, 11, 12, 13}, 2_000)
	r.OnConsecutiveFrame(2, []byte{14, 15, 16}, 2_000)

	assert.Equal(t, ReceiverDone, r.state)
	if assert.Len(t, listener.calls, 1) {
		assert.Equal(t, ProcessedOK, listener.calls[0])
	}
}

// TestReceiverAbortsAfterWaitLimitExceeded exercises the failure path:
// a Connection that never becomes ready exhausts FlowControlWaitCount
// Wait frames and the receiver aborts with ProcessedWaitLimitExceeded
// (ISO_GENERAL_REJECT) on the one that would have been needed next.
func TestReceiverAbortsAfterWaitLimitExceeded(t *testing.T) {
	r, conn, sniffed := newTestReceiver(t, "test-receiver-wait-limit", 2)
	conn.ReceiverReady = func() bool { return false }

	listener := &recordingOutcomeListener{}
	r.OnFirstFrame(conn, 16, 3, 7, []byte{1, 2, 3, 4, 5, 6}, listener, 0)
	assert.Equal(t, ReceiverWaitReady, r.state)

	finished := r.Tick(2_000)
	assert.False(t, finished)
	assert.Equal(t, ReceiverWaitReady, r.state)

	finished = r.Tick(4_000)
	assert.True(t, finished)
	assert.Equal(t, ReceiverDone, r.state)

	assert.Equal(t, []FlowStatus{FlowStatusWait, FlowStatusWait}, flowStatusesSent(sniffed.frames))
	if assert.Len(t, listener.calls, 1) {
		assert.Equal(t, ProcessedWaitLimitExceeded, listener.calls[0])
	}
}

// TestReceiverSkipsWaitWhenAlwaysReady confirms a Connection that
// never sets ReceiverReady keeps the pre-existing immediate-CTS
// behaviour, with no Wait frames at all.
func TestReceiverSkipsWaitWhenAlwaysReady(t *testing.T) {
	r, conn, sniffed := newTestReceiver(t, "test-receiver-always-ready", 0)

	listener := &recordingOutcomeListener{}
	r.OnFirstFrame(conn, 8, 2, 7, []byte{1, 2, 3, 4, 5, 6}, listener, 0)

	assert.Equal(t, ReceiverWaitConsecutive, r.state)
	assert.Equal(t, []FlowStatus{FlowStatusCTS}, flowStatusesSent(sniffed.frames))

	r.OnConsecutiveFrame(1, []byte{7, 8}, 0)
	if assert.Len(t, listener.calls, 1) {
		assert.Equal(t, ProcessedOK, listener.calls[0])
	}
}
