package att

import (
	"encoding/binary"

	"github.com/sapphire-bt/host/errors"
	"github.com/sapphire-bt/host/uuid"
)

// ErrorResponse is PDU 0x01: the request opcode, the attribute handle
// in play (0x0000 if none), and the error code (teacher's attErr).
type ErrorResponse struct {
	RequestOpcode Opcode
	Handle        uint16
	Code          ErrorCode
}

func (e ErrorResponse) Marshal() []byte {
	b := make([]byte, 5)
	b[0] = byte(OpError)
	b[1] = byte(e.RequestOpcode)
	binary.LittleEndian.PutUint16(b[2:4], e.Handle)
	b[4] = byte(e.Code)
	return b
}

func UnmarshalErrorResponse(b []byte) (ErrorResponse, error) {
	if len(b) < 5 {
		return ErrorResponse{}, shortPDU("error response")
	}
	return ErrorResponse{
		RequestOpcode: Opcode(b[1]),
		Handle:        binary.LittleEndian.Uint16(b[2:4]),
		Code:          ErrorCode(b[4]),
	}, nil
}

func shortPDU(what string) error {
	return errors.WithProto(errors.KindPacketMalformed, errors.ProtoATTError, 0, "att: short "+what)
}

// MarshalExchangeMTURequest encodes PDU 0x02.
func MarshalExchangeMTURequest(clientRxMTU uint16) []byte {
	b := make([]byte, 3)
	b[0] = byte(OpMTUReq)
	binary.LittleEndian.PutUint16(b[1:3], clientRxMTU)
	return b
}

// UnmarshalExchangeMTUResponse decodes PDU 0x03's serverRxMTU field.
func UnmarshalExchangeMTUResponse(b []byte) (uint16, error) {
	if len(b) < 3 {
		return 0, shortPDU("mtu response")
	}
	return binary.LittleEndian.Uint16(b[1:3]), nil
}

// MarshalFindInformationRequest encodes PDU 0x04.
func MarshalFindInformationRequest(startHandle, endHandle uint16) []byte {
	b := make([]byte, 5)
	b[0] = byte(OpFindInfoReq)
	binary.LittleEndian.PutUint16(b[1:3], startHandle)
	binary.LittleEndian.PutUint16(b[3:5], endHandle)
	return b
}

// HandleUUIDPair is one (handle, uuid) entry of a FindInformationResponse.
type HandleUUIDPair struct {
	Handle uint16
	UUID   uuid.UUID
}

// UnmarshalFindInformationResponse decodes PDU 0x05: format byte 1
// means 16-bit UUIDs follow, format byte 2 means 128-bit.
func UnmarshalFindInformationResponse(b []byte) ([]HandleUUIDPair, error) {
	if len(b) < 2 {
		return nil, shortPDU("find information response")
	}
	format := b[1]
	body := b[2:]
	var uuidLen int
	switch format {
	case 1:
		uuidLen = 2
	case 2:
		uuidLen = 16
	default:
		return nil, shortPDU("find information response format")
	}
	stride := 2 + uuidLen
	if len(body)%stride != 0 || len(body) == 0 {
		return nil, shortPDU("find information response body")
	}
	out := make([]HandleUUIDPair, 0, len(body)/stride)
	for off := 0; off < len(body); off += stride {
		h := binary.LittleEndian.Uint16(body[off : off+2])
		u, err := uuid.FromBytes(body[off+2 : off+stride])
		if err != nil {
			return nil, shortPDU("find information response uuid")
		}
		out = append(out, HandleUUIDPair{Handle: h, UUID: u})
	}
	return out, nil
}

// MarshalFindByTypeValueRequest encodes PDU 0x06.
func MarshalFindByTypeValueRequest(startHandle, endHandle uint16, attrType uuid.UUID, value []byte) []byte {
	b := make([]byte, 5+2+len(value))
	b[0] = byte(OpFindByTypeValueReq)
	binary.LittleEndian.PutUint16(b[1:3], startHandle)
	binary.LittleEndian.PutUint16(b[3:5], endHandle)
	copy(b[5:7], attrType.Bytes())
	copy(b[7:], value)
	return b
}

// HandleRange is one entry of a FindByTypeValueResponse.
type HandleRange struct {
	Found     uint16
	GroupEnd  uint16
}

func UnmarshalFindByTypeValueResponse(b []byte) ([]HandleRange, error) {
	body := b[1:]
	if len(body) == 0 || len(body)%4 != 0 {
		return nil, shortPDU("find by type value response")
	}
	out := make([]HandleRange, 0, len(body)/4)
	for off := 0; off < len(body); off += 4 {
		out = append(out, HandleRange{
			Found:    binary.LittleEndian.Uint16(body[off : off+2]),
			GroupEnd: binary.LittleEndian.Uint16(body[off+2 : off+4]),
		})
	}
	return out, nil
}

// MarshalReadByTypeRequest encodes PDU 0x08.
func MarshalReadByTypeRequest(startHandle, endHandle uint16, attrType uuid.UUID) []byte {
	b := make([]byte, 5+attrType.Len())
	b[0] = byte(OpReadByTypeReq)
	binary.LittleEndian.PutUint16(b[1:3], startHandle)
	binary.LittleEndian.PutUint16(b[3:5], endHandle)
	copy(b[5:], attrType.Bytes())
	return b
}

// AttributeData is one (handle, value) entry shared by ReadByType and
// ReadByGroupType responses.
type AttributeData struct {
	Handle   uint16
	GroupEnd uint16 // only meaningful for ReadByGroupType
	Value    []byte
}

// UnmarshalReadByTypeResponse decodes PDU 0x09: a length byte followed
// by a flat array of (handle, value) entries all of that length.
func UnmarshalReadByTypeResponse(b []byte) ([]AttributeData, error) {
	if len(b) < 2 {
		return nil, shortPDU("read by type response")
	}
	stride := int(b[1])
	if stride < 3 {
		return nil, shortPDU("read by type response stride")
	}
	body := b[2:]
	if len(body) == 0 || len(body)%stride != 0 {
		return nil, shortPDU("read by type response body")
	}
	out := make([]AttributeData, 0, len(body)/stride)
	for off := 0; off < len(body); off += stride {
		out = append(out, AttributeData{
			Handle: binary.LittleEndian.Uint16(body[off : off+2]),
			Value:  append([]byte(nil), body[off+2:off+stride]...),
		})
	}
	return out, nil
}

// MarshalReadRequest encodes PDU 0x0A.
func MarshalReadRequest(handle uint16) []byte {
	b := make([]byte, 3)
	b[0] = byte(OpReadReq)
	binary.LittleEndian.PutUint16(b[1:3], handle)
	return b
}

func UnmarshalReadResponse(b []byte) ([]byte, error) {
	if len(b) < 1 {
		return nil, shortPDU("read response")
	}
	return b[1:], nil
}

// MarshalReadBlobRequest encodes PDU 0x0C.
func MarshalReadBlobRequest(handle, offset uint16) []byte {
	b := make([]byte, 5)
	b[0] = byte(OpReadBlobReq)
	binary.LittleEndian.PutUint16(b[1:3], handle)
	binary.LittleEndian.PutUint16(b[3:5], offset)
	return b
}

func UnmarshalReadBlobResponse(b []byte) ([]byte, error) {
	if len(b) < 1 {
		return nil, shortPDU("read blob response")
	}
	return b[1:], nil
}

// MarshalReadByGroupTypeRequest encodes PDU 0x10.
func MarshalReadByGroupTypeRequest(startHandle, endHandle uint16, groupType uuid.UUID) []byte {
	b := make([]byte, 5+groupType.Len())
	b[0] = byte(OpReadByGroupTypeReq)
	binary.LittleEndian.PutUint16(b[1:3], startHandle)
	binary.LittleEndian.PutUint16(b[3:5], endHandle)
	copy(b[5:], groupType.Bytes())
	return b
}

// UnmarshalReadByGroupTypeResponse decodes PDU 0x11: a length byte
// followed by a flat array of (handle, group_end, value) entries.
func UnmarshalReadByGroupTypeResponse(b []byte) ([]AttributeData, error) {
	if len(b) < 2 {
		return nil, shortPDU("read by group type response")
	}
	stride := int(b[1])
	if stride < 4 {
		return nil, shortPDU("read by group type response stride")
	}
	body := b[2:]
	if len(body) == 0 || len(body)%stride != 0 {
		return nil, shortPDU("read by group type response body")
	}
	out := make([]AttributeData, 0, len(body)/stride)
	for off := 0; off < len(body); off += stride {
		out = append(out, AttributeData{
			Handle:   binary.LittleEndian.Uint16(body[off : off+2]),
			GroupEnd: binary.LittleEndian.Uint16(body[off+2 : off+4]),
			Value:    append([]byte(nil), body[off+4:off+stride]...),
		})
	}
	return out, nil
}

// MarshalWriteRequest encodes PDU 0x12 (or, with cmd=true, the
// WriteCommand variant 0x52, which carries no response).
func MarshalWriteRequest(handle uint16, value []byte, cmd bool) []byte {
	b := make([]byte, 3+len(value))
	if cmd {
		b[0] = byte(OpWriteCmd)
	} else {
		b[0] = byte(OpWriteReq)
	}
	binary.LittleEndian.PutUint16(b[1:3], handle)
	copy(b[3:], value)
	return b
}

// MarshalPrepareWriteRequest encodes PDU 0x16.
func MarshalPrepareWriteRequest(handle, offset uint16, value []byte) []byte {
	b := make([]byte, 5+len(value))
	b[0] = byte(OpPrepareWriteReq)
	binary.LittleEndian.PutUint16(b[1:3], handle)
	binary.LittleEndian.PutUint16(b[3:5], offset)
	copy(b[5:], value)
	return b
}

// PrepareWriteResponse echoes the handle, offset, and value written,
// used to verify reliable-write integrity (spec §4.4).
type PrepareWriteResponse struct {
	Handle uint16
	Offset uint16
	Value  []byte
}

func UnmarshalPrepareWriteResponse(b []byte) (PrepareWriteResponse, error) {
	if len(b) < 5 {
		return PrepareWriteResponse{}, shortPDU("prepare write response")
	}
	return PrepareWriteResponse{
		Handle: binary.LittleEndian.Uint16(b[1:3]),
		Offset: binary.LittleEndian.Uint16(b[3:5]),
		Value:  append([]byte(nil), b[5:]...),
	}, nil
}

// MarshalExecuteWriteRequest encodes PDU 0x18.
func MarshalExecuteWriteRequest(flag uint8) []byte {
	return []byte{byte(OpExecuteWriteReq), flag}
}

// HandleValueNotification is the unsolicited PDU 0x1B/0x1D payload.
type HandleValueNotification struct {
	Handle uint16
	Value  []byte
}

func UnmarshalHandleValue(b []byte) (HandleValueNotification, error) {
	if len(b) < 3 {
		return HandleValueNotification{}, shortPDU("handle value notification")
	}
	return HandleValueNotification{
		Handle: binary.LittleEndian.Uint16(b[1:3]),
		Value:  append([]byte(nil), b[3:]...),
	}, nil
}

// MarshalHandleValueConfirmation encodes PDU 0x1E, the mandatory reply
// to a HandleValueIndication.
func MarshalHandleValueConfirmation() []byte {
	return []byte{byte(OpHandleValueCnf)}
}
