package docan

import (
	"fmt"
	"strconv"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// LinkConfig is everything an INI file needs to describe to stand up
// one DoCAN link: the addressing variant, the CAN-ID/address table for
// its connections, the frame codec's sizing, and the tuning parameters
// of spec.md section 6. Loading one never touches a Bus; the caller
// wires the result into a Session separately.
type LinkConfig struct {
	Addressing  string
	Functional  bool
	FD          bool
	Offset      uint16
	Filler      byte
	SingleFrame SizeConfig
	FirstFrame  SizeConfig
	CfFrame     SizeConfig
	FcFrame     SizeConfig

	Session SessionConfig

	Connections []ConnectionConfig
}

// ConnectionConfig names one [connection.*] section: the logical
// transport addresses and the CAN identifiers that carry them.
type ConnectionConfig struct {
	Name     string
	SourceID TransportAddress
	TargetID TransportAddress
	RequestID  uint32
	ResponseID uint32
}

// LoadLinkConfig reads an INI file describing one link, per the table
// of section 6 configuration parameters.
//
// Expected layout:
//
//	[link]
//	addressing = normal | normal-fixed | extended
//	functional = false
//	fd = false
//	offset = 0
//	filler = 0xCC
//	single_frame = 1-7
//	first_frame = 8-8
//	consecutive_frame = 1-7
//	flow_control_frame = 3-8
//
//	[pool]
//	receivers = 4
//	transmitters = 4
//	max_message_size = 65536
//
//	[timing]
//	allocate_timeout = 10000
//	rx_timeout = 1000000
//	tx_callback_timeout = 1000000
//	flow_control_timeout = 1000000
//	allocate_retry_count = 3
//	flow_control_wait_count = 10
//	min_separation_time = 0
//	block_size = 8
//
//	[connection.tester]
//	source = 0x0E80
//	target = 0x0001
//	request_id = 0x18DA01F1
//	response_id = 0x18DAF101
func LoadLinkConfig(path string) (*LinkConfig, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("docan: load link config: %w", err)
	}
	return parseLinkConfig(file)
}

// LoadLinkConfigBytes parses an INI document already held in memory,
// for callers embedding link configuration instead of reading it from
// disk.
func LoadLinkConfigBytes(data []byte) (*LinkConfig, error) {
	file, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("docan: load link config: %w", err)
	}
	return parseLinkConfig(file)
}

func parseLinkConfig(file *ini.File) (*LinkConfig, error) {
	link := file.Section("link")
	pool := file.Section("pool")
	timing := file.Section("timing")

	cfg := &LinkConfig{
		Addressing: link.Key("addressing").MustString("normal"),
		Functional: link.Key("functional").MustBool(false),
		FD:         link.Key("fd").MustBool(false),
		Offset:     uint16(link.Key("offset").MustUint64(0)),
		Filler:     byte(link.Key("filler").MustUint64(0xCC)),
	}

	var err error
	if cfg.SingleFrame, err = parseSizeRange(link, "single_frame", SizeConfig{Min: 1, Max: 7}); err != nil {
		return nil, err
	}
	if cfg.FirstFrame, err = parseSizeRange(link, "first_frame", SizeConfig{Min: 8, Max: 8}); err != nil {
		return nil, err
	}
	if cfg.CfFrame, err = parseSizeRange(link, "consecutive_frame", SizeConfig{Min: 1, Max: 7}); err != nil {
		return nil, err
	}
	if cfg.FcFrame, err = parseSizeRange(link, "flow_control_frame", SizeConfig{Min: 3, Max: 8}); err != nil {
		return nil, err
	}

	cfg.Session = SessionConfig{
		ReceiverPoolSize:    int(pool.Key("receivers").MustUint64(4)),
		TransmitterPoolSize: int(pool.Key("transmitters").MustUint64(4)),
		MaxMessageSize:      uint32(pool.Key("max_message_size").MustUint64(4095)),
		AllocateTimeoutUs:   timing.Key("allocate_timeout").MustUint64(10_000),
		AllocateRetryCount:  uint16(timing.Key("allocate_retry_count").MustUint64(3)),
		Receiver: ReceiverConfig{
			RxTimeoutUs:          timing.Key("rx_timeout").MustUint64(1_000_000),
			FlowControlWaitCount: uint16(timing.Key("flow_control_wait_count").MustUint64(10)),
			BlockSize:            uint8(timing.Key("block_size").MustUint64(8)),
			MinSeparationTimeUs:  uint32(timing.Key("min_separation_time").MustUint64(0)),
		},
		Transmitter: TransmitterConfig{
			TxCallbackTimeoutUs:  timing.Key("tx_callback_timeout").MustUint64(1_000_000),
			FlowControlTimeoutUs: timing.Key("flow_control_timeout").MustUint64(1_000_000),
			MinSeparationTimeUs:  uint32(timing.Key("min_separation_time").MustUint64(0)),
			FlowControlWaitCount: uint16(timing.Key("flow_control_wait_count").MustUint64(10)),
		},
	}

	for _, section := range file.Sections() {
		name, ok := sectionSuffix(section.Name(), "connection.")
		if !ok {
			continue
		}
		conn := ConnectionConfig{Name: name}
		conn.SourceID = TransportAddress(section.Key("source").MustUint64(0))
		conn.TargetID = TransportAddress(section.Key("target").MustUint64(0))
		conn.RequestID, err = parseCanID(section.Key("request_id").String())
		if err != nil {
			return nil, fmt.Errorf("docan: connection %q: request_id: %w", name, err)
		}
		conn.ResponseID, err = parseCanID(section.Key("response_id").String())
		if err != nil {
			return nil, fmt.Errorf("docan: connection %q: response_id: %w", name, err)
		}
		cfg.Connections = append(cfg.Connections, conn)
		log.WithFields(log.Fields{"connection": name, "requestID": conn.RequestID, "responseID": conn.ResponseID}).
			Debug("[DOCAN][CONFIG] loaded connection")
	}

	return cfg, nil
}

// sectionSuffix splits a dotted INI section name on prefix, e.g.
// ("connection.tester", "connection.") -> ("tester", true).
func sectionSuffix(name, prefix string) (string, bool) {
	if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
		return "", false
	}
	return name[len(prefix):], true
}

func parseSizeRange(section *ini.Section, key string, fallback SizeConfig) (SizeConfig, error) {
	raw := section.Key(key).String()
	if raw == "" {
		return fallback, nil
	}
	var lo, hi uint64
	if _, err := fmt.Sscanf(raw, "%d-%d", &lo, &hi); err != nil {
		return SizeConfig{}, fmt.Errorf("docan: %s: expected \"min-max\", got %q: %w", key, raw, err)
	}
	return SizeConfig{Min: uint16(lo), Max: uint16(hi)}, nil
}

func parseCanID(raw string) (uint32, error) {
	id, err := strconv.ParseUint(raw, 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(id), nil
}

// BuildFrameCodecConfig turns the link's sizing fields into a validated
// FrameCodecConfig.
func (c *LinkConfig) BuildFrameCodecConfig() (FrameCodecConfig, error) {
	return NewFrameCodecConfig(c.SingleFrame, c.FirstFrame, c.CfFrame, c.FcFrame, c.Filler, c.Offset)
}

// BuildMapper returns the FrameSizeMapper matching the link's FD
// setting: ClassicalFrameSizeMapper for classical CAN, FDFrameSizeMapper
// for CAN-FD.
func (c *LinkConfig) BuildMapper() FrameSizeMapper {
	if c.FD {
		return FDFrameSizeMapper{}
	}
	return ClassicalFrameSizeMapper{}
}

// BuildAddressing returns the Addressing variant named by the link's
// "addressing" key.
func (c *LinkConfig) BuildAddressing() (Addressing, error) {
	switch c.Addressing {
	case "", "normal":
		return NormalAddressing{}, nil
	case "normal-fixed":
		return NormalFixedAddressing{Functional: c.Functional}, nil
	case "extended":
		return ExtendedAddressing{}, nil
	default:
		return nil, fmt.Errorf("docan: unknown addressing mode %q: %w", c.Addressing, ErrConfig)
	}
}

// BuildConnections materializes every [connection.*] section into a
// Connection sharing codec and mapper.
func (c *LinkConfig) BuildConnections(codec *FrameCodec, mapper FrameSizeMapper) []*Connection {
	conns := make([]*Connection, 0, len(c.Connections))
	for _, cc := range c.Connections {
		conns = append(conns, &Connection{
			Transport: TransportAddressPair{SourceID: cc.SourceID, TargetID: cc.TargetID},
			DataLink:  DataLinkAddressPair{RequestID: cc.RequestID, ResponseID: cc.ResponseID},
			Codec:     codec,
			Mapper:    mapper,
			FD:        c.FD,
		})
	}
	return conns
}
