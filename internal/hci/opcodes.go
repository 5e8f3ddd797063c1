package hci

// Opcode groups the Opcode Group Field (OGF, bits 10-15) and Opcode
// Command Field (OCF, bits 0-9) into the 16-bit value carried on the
// wire, the same bit layout the teacher's linux/cmd.go opcode type
// uses.
type Opcode uint16

func (op Opcode) OGF() uint8  { return uint8((uint16(op) & 0xFC00) >> 10) }
func (op Opcode) OCF() uint16 { return uint16(op) & 0x03FF }

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return "Opcode(unknown)"
}

// Opcode Group Fields.
const (
	ogfLinkCtl    uint16 = 0x01
	ogfLinkPolicy uint16 = 0x02
	ogfHostCtl    uint16 = 0x03
	ogfInfoParam  uint16 = 0x04
	ogfStatusParam uint16 = 0x05
	ogfLECtl      uint16 = 0x08
	ogfVendorCmd  uint16 = 0x3F
)

func mkOpcode(ogf uint16, ocf uint16) Opcode { return Opcode(ogf<<10 | ocf) }

// Link Control commands (OGF 0x01) — BR/EDR connection setup,
// interrogation, and Secure Simple Pairing.
var (
	OpInquiry              = mkOpcode(ogfLinkCtl, 0x0001)
	OpInquiryCancel        = mkOpcode(ogfLinkCtl, 0x0002)
	OpCreateConnection     = mkOpcode(ogfLinkCtl, 0x0005)
	OpDisconnect           = mkOpcode(ogfLinkCtl, 0x0006)
	OpCreateConnectionCancel = mkOpcode(ogfLinkCtl, 0x0008)
	OpAcceptConnectionRequest = mkOpcode(ogfLinkCtl, 0x0009)
	OpRejectConnectionRequest = mkOpcode(ogfLinkCtl, 0x000A)
	OpLinkKeyRequestReply    = mkOpcode(ogfLinkCtl, 0x000B)
	OpLinkKeyRequestNegReply = mkOpcode(ogfLinkCtl, 0x000C)
	OpPINCodeRequestReply    = mkOpcode(ogfLinkCtl, 0x000D)
	OpAuthenticationRequested = mkOpcode(ogfLinkCtl, 0x0011)
	OpSetConnectionEncryption = mkOpcode(ogfLinkCtl, 0x0013)
	OpRemoteNameRequest      = mkOpcode(ogfLinkCtl, 0x0019)
	OpRemoteNameRequestCancel = mkOpcode(ogfLinkCtl, 0x001A)
	OpReadRemoteSupportedFeatures = mkOpcode(ogfLinkCtl, 0x001B)
	OpReadRemoteExtendedFeatures  = mkOpcode(ogfLinkCtl, 0x001C)
	OpReadRemoteVersionInformation = mkOpcode(ogfLinkCtl, 0x001D)
	OpIOCapabilityRequestReply    = mkOpcode(ogfLinkCtl, 0x002B)
	OpUserConfirmationRequestReply = mkOpcode(ogfLinkCtl, 0x002C)
	OpUserConfirmationRequestNegReply = mkOpcode(ogfLinkCtl, 0x002D)
	OpUserPasskeyRequestReply     = mkOpcode(ogfLinkCtl, 0x002E)
	OpUserPasskeyRequestNegReply  = mkOpcode(ogfLinkCtl, 0x002F)
	OpIOCapabilityRequestNegReply = mkOpcode(ogfLinkCtl, 0x0034)
)

// Host Controller & Baseband commands (OGF 0x03).
var (
	OpSetEventMask        = mkOpcode(ogfHostCtl, 0x0001)
	OpReset               = mkOpcode(ogfHostCtl, 0x0003)
	OpWriteLocalName      = mkOpcode(ogfHostCtl, 0x0013)
	OpReadLocalName       = mkOpcode(ogfHostCtl, 0x0014)
	OpWriteClassOfDevice  = mkOpcode(ogfHostCtl, 0x0024)
	OpReadClassOfDevice   = mkOpcode(ogfHostCtl, 0x0023)
	OpReadAutomaticFlushTimeout  = mkOpcode(ogfHostCtl, 0x0027)
	OpWriteAutomaticFlushTimeout = mkOpcode(ogfHostCtl, 0x0028)
	OpHostNumberOfCompletedPackets = mkOpcode(ogfHostCtl, 0x0035)
	OpWriteSimplePairingMode     = mkOpcode(ogfHostCtl, 0x0056)
	OpSetEventMask2              = mkOpcode(ogfHostCtl, 0x0063)
)

// Informational Parameters (OGF 0x04).
var (
	OpReadLocalVersionInformation = mkOpcode(ogfInfoParam, 0x0001)
	OpReadLocalSupportedFeatures  = mkOpcode(ogfInfoParam, 0x0003)
	OpReadBufferSize              = mkOpcode(ogfInfoParam, 0x0005)
	OpReadBDADDR                  = mkOpcode(ogfInfoParam, 0x0009)
)

// Status Parameters (OGF 0x05).
var (
	OpReadRSSI               = mkOpcode(ogfStatusParam, 0x0005)
	OpReadEncryptionKeySize  = mkOpcode(ogfStatusParam, 0x0008)
)

// LE Controller commands (OGF 0x08).
var (
	OpLESetEventMask          = mkOpcode(ogfLECtl, 0x0001)
	OpLEReadBufferSize        = mkOpcode(ogfLECtl, 0x0002)
	OpLESetRandomAddress      = mkOpcode(ogfLECtl, 0x0005)
	OpLESetAdvertisingParameters = mkOpcode(ogfLECtl, 0x0006)
	OpLESetAdvertisingData    = mkOpcode(ogfLECtl, 0x0008)
	OpLESetScanResponseData   = mkOpcode(ogfLECtl, 0x0009)
	OpLESetAdvertiseEnable    = mkOpcode(ogfLECtl, 0x000A)
	OpLESetScanParameters     = mkOpcode(ogfLECtl, 0x000B)
	OpLESetScanEnable         = mkOpcode(ogfLECtl, 0x000C)
	OpLECreateConnection      = mkOpcode(ogfLECtl, 0x000D)
	OpLECreateConnectionCancel = mkOpcode(ogfLECtl, 0x000E)
	OpLEConnectionUpdate      = mkOpcode(ogfLECtl, 0x0013)
	OpLEStartEncryption       = mkOpcode(ogfLECtl, 0x0019)
	OpLELongTermKeyRequestReply = mkOpcode(ogfLECtl, 0x001A)
	OpLELongTermKeyRequestNegReply = mkOpcode(ogfLECtl, 0x001B)
)

// Vendor commands (OGF 0x3F). SetACLPriority is the one vendor
// command this core names concretely (spec §4.2/§6), guarded behind
// the controller's advertised VendorFeatures bitmask rather than a
// hard-coded per-chipset opcode.
var (
	OpVendorSetACLPriority = mkOpcode(ogfVendorCmd, 0x0001)
)

var opcodeNames = map[Opcode]string{
	OpInquiry:                  "Inquiry",
	OpCreateConnection:         "CreateConnection",
	OpDisconnect:               "Disconnect",
	OpCreateConnectionCancel:   "CreateConnectionCancel",
	OpAcceptConnectionRequest:  "AcceptConnectionRequest",
	OpRejectConnectionRequest:  "RejectConnectionRequest",
	OpLinkKeyRequestReply:      "LinkKeyRequestReply",
	OpLinkKeyRequestNegReply:   "LinkKeyRequestNegativeReply",
	OpRemoteNameRequest:        "RemoteNameRequest",
	OpReadRemoteSupportedFeatures:  "ReadRemoteSupportedFeatures",
	OpReadRemoteExtendedFeatures:   "ReadRemoteExtendedFeatures",
	OpReadRemoteVersionInformation: "ReadRemoteVersionInformation",
	OpIOCapabilityRequestReply:     "IOCapabilityRequestReply",
	OpUserConfirmationRequestReply: "UserConfirmationRequestReply",
	OpReset:                    "Reset",
	OpReadBufferSize:           "ReadBufferSize",
	OpLEReadBufferSize:         "LEReadBufferSize",
	OpLECreateConnection:       "LECreateConnection",
	OpLECreateConnectionCancel: "LECreateConnectionCancel",
	OpVendorSetACLPriority:     "VendorSetACLPriority",
}
