package docan

// TransportAddress is a logical (upper-layer) diagnostic address, as
// opposed to the physical CAN identifier that carries it on the wire.
type TransportAddress uint16

// TransportAddressPair identifies the two logical endpoints of a
// diagnostic exchange.
type TransportAddressPair struct {
	SourceID TransportAddress
	TargetID TransportAddress
}

// DataLinkAddressPair is the pair of raw CAN identifiers used to carry
// one TransportAddressPair: the ID a request is sent on, and the ID its
// response is expected on.
type DataLinkAddressPair struct {
	RequestID  uint32
	ResponseID uint32
}

// Connection is the immutable bundle of everything a Message
// Transmitter/Receiver needs to exchange one transport-layer message:
// its logical addresses, the CAN identifiers that carry it, and the
// codec/mapper pair sized for its link (spec.md section 4.6).
type Connection struct {
	Transport TransportAddressPair
	DataLink  DataLinkAddressPair
	Codec     *FrameCodec
	Mapper    FrameSizeMapper
	FD        bool
	// ReceiverReady, if set, lets the upper layer hold off accepting a
	// First Frame on this Connection (spec.md section 4.5's wait-frame
	// policy): a MessageReceiver calls it before answering CTS and sends
	// FC=Wait instead whenever it reports false. A nil hook means the
	// receiver is always ready.
	ReceiverReady func() bool
}
