package docan

// FrameSink receives the decoded content of an inbound data-link frame,
// already resolved to its Connection. The Session/Job Container
// implements this by routing to the Message Receiver or Message
// Transmitter owning that connection (spec.md section 4.3).
type FrameSink interface {
	SingleFrameReceived(conn *Connection, data []byte)
	FirstFrameReceived(conn *Connection, messageSize uint32, frameCount uint16, cfDataSize uint16, data []byte)
	ConsecutiveFrameReceived(conn *Connection, sequenceNumber uint8, data []byte)
	FlowControlFrameReceived(conn *Connection, status FlowStatus, blockSize uint8, minSeparationTime uint8)
}

// DecodeFrame decodes one inbound payload with codec and routes the
// result to sink. It is stateless: all per-message state lives in the
// Message Receiver/Transmitter the sink dispatches to.
func DecodeFrame(codec *FrameCodec, conn *Connection, payload []byte, sink FrameSink) CodecResult {
	frameType, res := codec.DecodeFrameType(payload)
	if res != CodecOK {
		return res
	}
	switch frameType {
	case FrameTypeSingle:
		messageSize, data, res := codec.DecodeSingleFrame(payload)
		if res != CodecOK {
			return res
		}
		sink.SingleFrameReceived(conn, data[:messageSize])
	case FrameTypeFirst:
		messageSize, frameCount, cfDataSize, data, res := codec.DecodeFirstFrame(payload)
		if res != CodecOK {
			return res
		}
		sink.FirstFrameReceived(conn, messageSize, frameCount, cfDataSize, data)
	case FrameTypeConsecutive:
		sequenceNumber, data, res := codec.DecodeConsecutiveFrame(payload)
		if res != CodecOK {
			return res
		}
		sink.ConsecutiveFrameReceived(conn, sequenceNumber, data)
	case FrameTypeFlowControl:
		status, blockSize, stMin, res := codec.DecodeFlowControlFrame(payload)
		if res != CodecOK {
			return res
		}
		sink.FlowControlFrameReceived(conn, status, blockSize, stMin)
	default:
		return CodecInvalidFrameType
	}
	return CodecOK
}
