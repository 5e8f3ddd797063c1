// Package att implements the Attribute Protocol bearer: a single
// request-at-a-time transaction lock over one fixed L2CAP channel,
// plus the PDU codec every GATT procedure is built from.
//
// Grounded on the teacher's att.go opcode/error-code tables and
// opcode-to-response map, inverted from the teacher's GATT-server role
// to a GATT-client role (spec §4.4).
package att

// Opcode is one Attribute Protocol PDU opcode (Core Spec v5.0 Vol 3
// Part F §3.4).
type Opcode uint8

const (
	OpError              Opcode = 0x01
	OpMTUReq             Opcode = 0x02
	OpMTUResp            Opcode = 0x03
	OpFindInfoReq        Opcode = 0x04
	OpFindInfoResp       Opcode = 0x05
	OpFindByTypeValueReq Opcode = 0x06
	OpFindByTypeValueResp Opcode = 0x07
	OpReadByTypeReq      Opcode = 0x08
	OpReadByTypeResp     Opcode = 0x09
	OpReadReq            Opcode = 0x0A
	OpReadResp           Opcode = 0x0B
	OpReadBlobReq        Opcode = 0x0C
	OpReadBlobResp       Opcode = 0x0D
	OpReadMultiReq       Opcode = 0x0E
	OpReadMultiResp      Opcode = 0x0F
	OpReadByGroupTypeReq Opcode = 0x10
	OpReadByGroupTypeResp Opcode = 0x11
	OpWriteReq           Opcode = 0x12
	OpWriteResp          Opcode = 0x13
	OpWriteCmd           Opcode = 0x52
	OpPrepareWriteReq    Opcode = 0x16
	OpPrepareWriteResp   Opcode = 0x17
	OpExecuteWriteReq    Opcode = 0x18
	OpExecuteWriteResp   Opcode = 0x19
	OpHandleValueNotify  Opcode = 0x1B
	OpHandleValueInd     Opcode = 0x1D
	OpHandleValueCnf     Opcode = 0x1E
	OpSignedWriteCmd     Opcode = 0xD2
)

func (o Opcode) String() string {
	switch o {
	case OpError:
		return "Error"
	case OpMTUReq:
		return "ExchangeMTURequest"
	case OpMTUResp:
		return "ExchangeMTUResponse"
	case OpFindInfoReq:
		return "FindInformationRequest"
	case OpFindInfoResp:
		return "FindInformationResponse"
	case OpFindByTypeValueReq:
		return "FindByTypeValueRequest"
	case OpFindByTypeValueResp:
		return "FindByTypeValueResponse"
	case OpReadByTypeReq:
		return "ReadByTypeRequest"
	case OpReadByTypeResp:
		return "ReadByTypeResponse"
	case OpReadReq:
		return "ReadRequest"
	case OpReadResp:
		return "ReadResponse"
	case OpReadBlobReq:
		return "ReadBlobRequest"
	case OpReadBlobResp:
		return "ReadBlobResponse"
	case OpReadMultiReq:
		return "ReadMultipleRequest"
	case OpReadMultiResp:
		return "ReadMultipleResponse"
	case OpReadByGroupTypeReq:
		return "ReadByGroupTypeRequest"
	case OpReadByGroupTypeResp:
		return "ReadByGroupTypeResponse"
	case OpWriteReq:
		return "WriteRequest"
	case OpWriteResp:
		return "WriteResponse"
	case OpWriteCmd:
		return "WriteCommand"
	case OpPrepareWriteReq:
		return "PrepareWriteRequest"
	case OpPrepareWriteResp:
		return "PrepareWriteResponse"
	case OpExecuteWriteReq:
		return "ExecuteWriteRequest"
	case OpExecuteWriteResp:
		return "ExecuteWriteResponse"
	case OpHandleValueNotify:
		return "HandleValueNotification"
	case OpHandleValueInd:
		return "HandleValueIndication"
	case OpHandleValueCnf:
		return "HandleValueConfirmation"
	case OpSignedWriteCmd:
		return "SignedWriteCommand"
	default:
		return "Unknown"
	}
}

// respFor maps a request opcode to the response opcode that completes
// its transaction (teacher's attRespFor map, generalized to every
// request this client issues).
var respFor = map[Opcode]Opcode{
	OpMTUReq:             OpMTUResp,
	OpFindInfoReq:        OpFindInfoResp,
	OpFindByTypeValueReq: OpFindByTypeValueResp,
	OpReadByTypeReq:      OpReadByTypeResp,
	OpReadReq:            OpReadResp,
	OpReadBlobReq:        OpReadBlobResp,
	OpReadMultiReq:       OpReadMultiResp,
	OpReadByGroupTypeReq: OpReadByGroupTypeResp,
	OpWriteReq:           OpWriteResp,
	OpPrepareWriteReq:    OpPrepareWriteResp,
	OpExecuteWriteReq:    OpExecuteWriteResp,
}

// ErrorCode is an Attribute Protocol ErrorResponse error code.
type ErrorCode uint8

const (
	ErrInvalidHandle           ErrorCode = 0x01
	ErrReadNotPermitted        ErrorCode = 0x02
	ErrWriteNotPermitted       ErrorCode = 0x03
	ErrInvalidPDU              ErrorCode = 0x04
	ErrInsufficientAuth        ErrorCode = 0x05
	ErrRequestNotSupported     ErrorCode = 0x06
	ErrInvalidOffset           ErrorCode = 0x07
	ErrInsufficientAuthor      ErrorCode = 0x08
	ErrPrepareQueueFull        ErrorCode = 0x09
	ErrAttributeNotFound       ErrorCode = 0x0A
	ErrAttributeNotLong        ErrorCode = 0x0B
	ErrInsufficientEncrKeySize ErrorCode = 0x0C
	ErrInvalidAttributeValueLen ErrorCode = 0x0D
	ErrUnlikelyError           ErrorCode = 0x0E
	ErrInsufficientEncryption  ErrorCode = 0x0F
	ErrUnsupportedGroupType    ErrorCode = 0x10
	ErrInsufficientResources   ErrorCode = 0x11
)

func (e ErrorCode) String() string {
	switch e {
	case ErrInvalidHandle:
		return "InvalidHandle"
	case ErrReadNotPermitted:
		return "ReadNotPermitted"
	case ErrWriteNotPermitted:
		return "WriteNotPermitted"
	case ErrInvalidPDU:
		return "InvalidPDU"
	case ErrInsufficientAuth:
		return "InsufficientAuthentication"
	case ErrRequestNotSupported:
		return "RequestNotSupported"
	case ErrInvalidOffset:
		return "InvalidOffset"
	case ErrInsufficientAuthor:
		return "InsufficientAuthorization"
	case ErrPrepareQueueFull:
		return "PrepareQueueFull"
	case ErrAttributeNotFound:
		return "AttributeNotFound"
	case ErrAttributeNotLong:
		return "AttributeNotLong"
	case ErrInsufficientEncrKeySize:
		return "InsufficientEncryptionKeySize"
	case ErrInvalidAttributeValueLen:
		return "InvalidAttributeValueLength"
	case ErrUnlikelyError:
		return "UnlikelyError"
	case ErrInsufficientEncryption:
		return "InsufficientEncryption"
	case ErrUnsupportedGroupType:
		return "UnsupportedGroupType"
	case ErrInsufficientResources:
		return "InsufficientResources"
	default:
		return "Unknown"
	}
}

// LEMinMTU is the minimum and default ATT_MTU before negotiation
// (spec §4.4).
const LEMinMTU = 23

// ExecuteWrite flags.
const (
	ExecWriteCancel  uint8 = 0x00
	ExecWritePending uint8 = 0x01
)
