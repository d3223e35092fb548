package uds

import "testing"

func TestParseMessageEmptyPayloadIsNil(t *testing.T) {
	if ParseMessage(nil, false) != nil {
		t.Fatal("empty request payload must parse to nil")
	}
	if ParseMessage([]byte{}, true) != nil {
		t.Fatal("empty response payload must parse to nil")
	}
}

func TestParseMessageRequest(t *testing.T) {
	raw := []byte{ServiceDiagnosticSessionControl, 0x03}
	m := ParseMessage(raw, false)
	if m.ServiceID != ServiceDiagnosticSessionControl {
		t.Fatalf("ServiceID = 0x%02X, want 0x%02X", m.ServiceID, ServiceDiagnosticSessionControl)
	}
	if m.Subfunction == nil || *m.Subfunction != 0x03 {
		t.Fatalf("Subfunction = %v, want 0x03", m.Subfunction)
	}
	if m.IsResponse {
		t.Fatal("request must not be flagged IsResponse")
	}
}

func TestParseMessageRequestWithNoSubfunction(t *testing.T) {
	m := ParseMessage([]byte{ServiceTesterPresent}, false)
	if m.Subfunction != nil {
		t.Fatalf("Subfunction = %v, want nil for a one-byte request", m.Subfunction)
	}
	if len(m.Data) != 0 {
		t.Fatalf("Data = %v, want empty", m.Data)
	}
}

func TestParseMessagePositiveResponse(t *testing.T) {
	raw := []byte{ServiceDiagnosticSessionControl + positiveResponseOffset, 0x03, 0x00, 0x32}
	m := ParseMessage(raw, true)
	if !m.IsResponse || !m.IsPositive {
		t.Fatalf("IsResponse=%v IsPositive=%v, want both true", m.IsResponse, m.IsPositive)
	}
	if m.ServiceID != ServiceDiagnosticSessionControl {
		t.Fatalf("ServiceID = 0x%02X, want 0x%02X", m.ServiceID, ServiceDiagnosticSessionControl)
	}
	if m.Subfunction == nil || *m.Subfunction != 0x03 {
		t.Fatalf("Subfunction = %v, want 0x03", m.Subfunction)
	}
	if string(m.Data) != string([]byte{0x03, 0x00, 0x32}) {
		t.Fatalf("Data = % X, want 03 00 32", m.Data)
	}
}

func TestParseMessageNegativeResponse(t *testing.T) {
	raw := []byte{NegativeResponseServiceID, ServiceReadDataByIdentifier, NRCRequestOutOfRange}
	m := ParseMessage(raw, true)
	if !m.IsResponse || m.IsPositive {
		t.Fatalf("IsResponse=%v IsPositive=%v, want response/negative", m.IsResponse, m.IsPositive)
	}
	if m.ServiceID != ServiceReadDataByIdentifier {
		t.Fatalf("ServiceID = 0x%02X, want 0x%02X", m.ServiceID, ServiceReadDataByIdentifier)
	}
	if m.NRC == nil || *m.NRC != NRCRequestOutOfRange {
		t.Fatalf("NRC = %v, want 0x%02X", m.NRC, NRCRequestOutOfRange)
	}
}

func TestParseMessageNegativeResponseTooShort(t *testing.T) {
	m := ParseMessage([]byte{NegativeResponseServiceID, ServiceReadDataByIdentifier}, true)
	if !m.IsResponse {
		t.Fatal("truncated negative response must still be flagged IsResponse")
	}
	if m.NRC != nil {
		t.Fatalf("NRC = %v, want nil for a truncated negative response", m.NRC)
	}
}

func TestEncodeRequestRoundTrips(t *testing.T) {
	raw := []byte{ServiceRoutineControl, 0x01, 0x02, 0x03}
	m := ParseMessage(raw, false)
	if got := m.Encode(); string(got) != string(raw) {
		t.Fatalf("Encode() = % X, want % X", got, raw)
	}
}

func TestEncodePositiveResponseRoundTrips(t *testing.T) {
	raw := []byte{ServiceReadDataByIdentifier + positiveResponseOffset, 0xF1, 0x90, 0x01, 0x02}
	m := ParseMessage(raw, true)
	if got := m.Encode(); string(got) != string(raw) {
		t.Fatalf("Encode() = % X, want % X", got, raw)
	}
}

func TestEncodeNegativeResponseRoundTrips(t *testing.T) {
	raw := []byte{NegativeResponseServiceID, ServiceSecurityAccess, NRCInvalidKey}
	m := ParseMessage(raw, true)
	if got := m.Encode(); string(got) != string(raw) {
		t.Fatalf("Encode() = % X, want % X", got, raw)
	}
}

func TestServiceLabelKnownAndUnknown(t *testing.T) {
	known := &Message{ServiceID: ServiceECUReset}
	if known.ServiceLabel() != "ECU Reset" {
		t.Fatalf("ServiceLabel() = %q, want %q", known.ServiceLabel(), "ECU Reset")
	}
	unknown := &Message{ServiceID: 0xAB}
	if unknown.ServiceLabel() != "0xAB" {
		t.Fatalf("ServiceLabel() = %q, want %q", unknown.ServiceLabel(), "0xAB")
	}
}

func TestStringDoesNotPanicOnAnyVariant(t *testing.T) {
	nrc := NRCRequestOutOfRange
	sub := byte(0x01)
	cases := []*Message{
		{ServiceID: ServiceTesterPresent, IsResponse: false},
		{ServiceID: ServiceTesterPresent, Subfunction: &sub, IsResponse: true, IsPositive: true},
		{ServiceID: ServiceReadDataByIdentifier, NRC: &nrc, IsResponse: true},
	}
	for _, m := range cases {
		if m.String() == "" {
			t.Fatal("String() must not return empty")
		}
	}
}
