package uds

import "fmt"

// UDS service ID constants, ISO 14229-1.
const (
	ServiceDiagnosticSessionControl       byte = 0x10
	ServiceECUReset                       byte = 0x11
	ServiceClearDiagnosticInformation     byte = 0x14
	ServiceReadDTCInformation             byte = 0x19
	ServiceReadDataByIdentifier           byte = 0x22
	ServiceReadMemoryByAddress            byte = 0x23
	ServiceReadScalingDataByIdentifier    byte = 0x24
	ServiceSecurityAccess                 byte = 0x27
	ServiceCommunicationControl           byte = 0x28
	ServiceWriteDataByIdentifier          byte = 0x2E
	ServiceInputOutputControlByIdentifier byte = 0x2F
	ServiceRoutineControl                 byte = 0x31
	ServiceRequestDownload                byte = 0x34
	ServiceRequestUpload                  byte = 0x35
	ServiceTransferData                   byte = 0x36
	ServiceRequestTransferExit            byte = 0x37
	ServiceTesterPresent                  byte = 0x3E
	ServiceControlDTCSetting              byte = 0x85
)

var serviceIDNames = map[byte]string{
	ServiceDiagnosticSessionControl:       "Diagnostic Session Control",
	ServiceECUReset:                       "ECU Reset",
	ServiceClearDiagnosticInformation:     "Clear Diagnostic Information",
	ServiceReadDTCInformation:             "Read DTC Information",
	ServiceReadDataByIdentifier:           "Read Data By Identifier",
	ServiceReadMemoryByAddress:            "Read Memory By Address",
	ServiceReadScalingDataByIdentifier:    "Read Scaling Data By Identifier",
	ServiceSecurityAccess:                 "Security Access",
	ServiceCommunicationControl:           "Communication Control",
	ServiceWriteDataByIdentifier:          "Write Data By Identifier",
	ServiceInputOutputControlByIdentifier: "Input Output Control By Identifier",
	ServiceRoutineControl:                 "Routine Control",
	ServiceRequestDownload:                "Request Download",
	ServiceRequestUpload:                  "Request Upload",
	ServiceTransferData:                   "Transfer Data",
	ServiceRequestTransferExit:            "Request Transfer Exit",
	ServiceTesterPresent:                  "Tester Present",
	ServiceControlDTCSetting:              "Control DTC Setting",
}

// ServiceLabel returns the human-readable name of a service ID, or its
// hex value if unknown.
func (m *Message) ServiceLabel() string {
	if name, ok := serviceIDNames[m.ServiceID]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", m.ServiceID)
}
