// Package uds is a thin UDS (ISO 14229) consumer of the docan
// transport's upper-edge contract: it demonstrates routing reassembled
// messages to registered handlers without implementing any diagnostic
// service itself.
package uds

import "fmt"

// NegativeResponseServiceID prefixes every UDS negative response.
const NegativeResponseServiceID byte = 0x7F

// positiveResponseOffset is added to a request's service ID to form
// the corresponding positive response's service ID.
const positiveResponseOffset byte = 0x40

// Message is a parsed UDS request or response. For requests and
// positive responses, Subfunction is a copy of the byte after the
// service ID, and Data holds every byte after the service ID, that byte
// included, so Encode rebuilds the payload from ServiceID and Data.
type Message struct {
	ServiceID   byte
	Subfunction *byte
	NRC         *byte
	Data        []byte
	IsResponse  bool
	IsPositive  bool
}

// ParseMessage splits a transport payload into its UDS fields. It
// returns nil for an empty payload, which a well-behaved ECU never
// sends.
func ParseMessage(raw []byte, isResponse bool) *Message {
	if len(raw) == 0 {
		return nil
	}

	if !isResponse {
		m := &Message{ServiceID: raw[0], Data: raw[1:]}
		if len(raw) > 1 {
			sub := raw[1]
			m.Subfunction = &sub
		}
		return m
	}

	if raw[0] == NegativeResponseServiceID {
		if len(raw) < 3 {
			return &Message{IsResponse: true}
		}
		nrc := raw[2]
		return &Message{
			ServiceID:  raw[1],
			NRC:        &nrc,
			Data:       raw[3:],
			IsResponse: true,
			IsPositive: false,
		}
	}

	m := &Message{
		ServiceID:  raw[0] - positiveResponseOffset,
		Data:       raw[1:],
		IsResponse: true,
		IsPositive: true,
	}
	if len(raw) > 1 {
		sub := raw[1]
		m.Subfunction = &sub
	}
	return m
}

// Encode serializes the message back into a transport payload.
func (m *Message) Encode() []byte {
	if !m.IsResponse {
		raw := append([]byte{m.ServiceID}, m.Data...)
		return raw
	}
	if m.IsPositive {
		raw := append([]byte{m.ServiceID + positiveResponseOffset}, m.Data...)
		return raw
	}
	raw := []byte{NegativeResponseServiceID, m.ServiceID}
	if m.NRC != nil {
		raw = append(raw, *m.NRC)
	}
	return append(raw, m.Data...)
}

func (m *Message) String() string {
	if !m.IsResponse {
		return fmt.Sprintf("request service=%s subfunction=%s data=% X", m.ServiceLabel(), m.subfunctionLabel(), m.Data)
	}
	if m.IsPositive {
		return fmt.Sprintf("response service=%s subfunction=%s data=% X", m.ServiceLabel(), m.subfunctionLabel(), m.Data)
	}
	return fmt.Sprintf("negative response service=%s nrc=%s", m.ServiceLabel(), m.nrcLabel())
}

func (m *Message) subfunctionLabel() string {
	if m.Subfunction == nil {
		return "none"
	}
	return fmt.Sprintf("0x%02X", *m.Subfunction)
}

func (m *Message) nrcLabel() string {
	if m.NRC == nil {
		return "none"
	}
	if label, ok := nrcNames[*m.NRC]; ok {
		return label
	}
	return fmt.Sprintf("0x%02X", *m.NRC)
}
