package att

import (
	"bytes"
	"testing"

	"github.com/sapphire-bt/host/uuid"
)

func TestErrorResponseRoundTrip(t *testing.T) {
	e := ErrorResponse{RequestOpcode: OpReadReq, Handle: 0x0012, Code: ErrInvalidHandle}
	got, err := UnmarshalErrorResponse(e.Marshal())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != e {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, e)
	}
}

func TestUnmarshalErrorResponseShort(t *testing.T) {
	if _, err := UnmarshalErrorResponse([]byte{0x01, 0x0A}); err == nil {
		t.Fatal("expected error for a short error response")
	}
}

func TestMarshalExchangeMTURequest(t *testing.T) {
	b := MarshalExchangeMTURequest(185)
	if len(b) != 3 || b[0] != byte(OpMTUReq) {
		t.Fatalf("unexpected encoding: %v", b)
	}
	mtu, err := UnmarshalExchangeMTUResponse([]byte{byte(OpMTUResp), 185 & 0xFF, 185 >> 8})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mtu != 185 {
		t.Fatalf("mtu = %d, want 185", mtu)
	}
}

func TestUnmarshalFindInformationResponse16Bit(t *testing.T) {
	body := []byte{byte(OpFindInfoResp), 1,
		0x01, 0x00, 0x00, 0x28, // handle 1, uuid 0x2800
		0x02, 0x00, 0x03, 0x28, // handle 2, uuid 0x2803
	}
	got, err := UnmarshalFindInformationResponse(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 pairs, got %d", len(got))
	}
	if got[0].Handle != 1 || !got[0].UUID.Equal(uuid.UUID16(0x2800)) {
		t.Fatalf("first pair mismatch: %+v", got[0])
	}
	if got[1].Handle != 2 || !got[1].UUID.Equal(uuid.UUID16(0x2803)) {
		t.Fatalf("second pair mismatch: %+v", got[1])
	}
}

func TestUnmarshalFindInformationResponseBadFormat(t *testing.T) {
	if _, err := UnmarshalFindInformationResponse([]byte{byte(OpFindInfoResp), 9, 0, 0}); err == nil {
		t.Fatal("expected error for an unrecognized format byte")
	}
}

func TestUnmarshalFindInformationResponseMisalignedBody(t *testing.T) {
	// Format 1 (16-bit uuids, stride 4) with a 3-byte body.
	if _, err := UnmarshalFindInformationResponse([]byte{byte(OpFindInfoResp), 1, 0x01, 0x00, 0x00}); err == nil {
		t.Fatal("expected error for a body not a multiple of the stride")
	}
}

func TestMarshalFindByTypeValueRequest(t *testing.T) {
	b := MarshalFindByTypeValueRequest(1, 0xFFFF, uuid.UUID16(0x2A00), []byte{'a', 'b'})
	if b[0] != byte(OpFindByTypeValueReq) {
		t.Fatalf("unexpected opcode byte")
	}
	if len(b) != 5+2+2 {
		t.Fatalf("unexpected length: %d", len(b))
	}
	if !bytes.Equal(b[7:], []byte{'a', 'b'}) {
		t.Fatalf("value not appended correctly: %v", b[7:])
	}
}

func TestUnmarshalFindByTypeValueResponse(t *testing.T) {
	body := []byte{byte(OpFindByTypeValueResp),
		0x01, 0x00, 0x05, 0x00,
		0x06, 0x00, 0x06, 0x00,
	}
	got, err := UnmarshalFindByTypeValueResponse(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != (HandleRange{Found: 1, GroupEnd: 5}) || got[1] != (HandleRange{Found: 6, GroupEnd: 6}) {
		t.Fatalf("unexpected ranges: %+v", got)
	}
}

func TestMarshalReadByTypeRequest(t *testing.T) {
	b := MarshalReadByTypeRequest(1, 0xFFFF, uuid.UUID16(0x2803))
	if len(b) != 7 {
		t.Fatalf("expected a 7-byte 16-bit-uuid request, got %d", len(b))
	}
}

func TestUnmarshalReadByTypeResponse(t *testing.T) {
	body := []byte{byte(OpReadByTypeResp), 5,
		0x03, 0x00, 0x02, 0xAA, 0xBB,
		0x04, 0x00, 0x02, 0xCC, 0xDD,
	}
	got, err := UnmarshalReadByTypeResponse(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Handle != 3 || !bytes.Equal(got[0].Value, []byte{0x02, 0xAA, 0xBB}) {
		t.Fatalf("first entry mismatch: %+v", got[0])
	}
}

func TestUnmarshalReadByTypeResponseBadStride(t *testing.T) {
	if _, err := UnmarshalReadByTypeResponse([]byte{byte(OpReadByTypeResp), 2, 0x01}); err == nil {
		t.Fatal("expected error for stride < 3")
	}
}

func TestReadRequestResponseRoundTrip(t *testing.T) {
	b := MarshalReadRequest(0x0099)
	if len(b) != 3 || b[0] != byte(OpReadReq) {
		t.Fatalf("unexpected request encoding: %v", b)
	}
	value, err := UnmarshalReadResponse([]byte{byte(OpReadResp), 1, 2, 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(value, []byte{1, 2, 3}) {
		t.Fatalf("value = %v, want [1 2 3]", value)
	}
}

func TestReadBlobRequestResponseRoundTrip(t *testing.T) {
	b := MarshalReadBlobRequest(0x0099, 22)
	if len(b) != 5 || b[0] != byte(OpReadBlobReq) {
		t.Fatalf("unexpected request encoding: %v", b)
	}
	value, err := UnmarshalReadBlobResponse([]byte{byte(OpReadBlobResp), 9, 9})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(value, []byte{9, 9}) {
		t.Fatalf("value = %v, want [9 9]", value)
	}
}

func TestUnmarshalReadByGroupTypeResponse(t *testing.T) {
	body := []byte{byte(OpReadByGroupTypeResp), 6,
		0x01, 0x00, 0x03, 0x00, 0x00, 0x18,
		0x04, 0x00, 0x06, 0x00, 0x01, 0x18,
	}
	got, err := UnmarshalReadByGroupTypeResponse(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Handle != 1 || got[0].GroupEnd != 3 || !bytes.Equal(got[0].Value, []byte{0x00, 0x18}) {
		t.Fatalf("first entry mismatch: %+v", got[0])
	}
	if got[1].Handle != 4 || got[1].GroupEnd != 6 {
		t.Fatalf("second entry mismatch: %+v", got[1])
	}
}

func TestMarshalWriteRequestAndCommand(t *testing.T) {
	req := MarshalWriteRequest(0x0020, []byte{1, 2}, false)
	if req[0] != byte(OpWriteReq) {
		t.Fatalf("expected WriteRequest opcode")
	}
	cmd := MarshalWriteRequest(0x0020, []byte{1, 2}, true)
	if cmd[0] != byte(OpWriteCmd) {
		t.Fatalf("expected WriteCommand opcode")
	}
}

func TestPrepareWriteRoundTrip(t *testing.T) {
	b := MarshalPrepareWriteRequest(0x0030, 4, []byte{0xEE, 0xFF})
	if b[0] != byte(OpPrepareWriteReq) {
		t.Fatalf("unexpected opcode byte")
	}
	resp := append([]byte{byte(OpPrepareWriteResp)}, b[1:]...)
	got, err := UnmarshalPrepareWriteResponse(resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Handle != 0x0030 || got.Offset != 4 || !bytes.Equal(got.Value, []byte{0xEE, 0xFF}) {
		t.Fatalf("unexpected response: %+v", got)
	}
}

func TestMarshalExecuteWriteRequest(t *testing.T) {
	b := MarshalExecuteWriteRequest(ExecWritePending)
	if len(b) != 2 || b[0] != byte(OpExecuteWriteReq) || b[1] != ExecWritePending {
		t.Fatalf("unexpected encoding: %v", b)
	}
}

func TestUnmarshalHandleValue(t *testing.T) {
	got, err := UnmarshalHandleValue([]byte{byte(OpHandleValueNotify), 0x01, 0x00, 9, 9, 9})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Handle != 1 || !bytes.Equal(got.Value, []byte{9, 9, 9}) {
		t.Fatalf("unexpected notification: %+v", got)
	}
}

func TestMarshalHandleValueConfirmation(t *testing.T) {
	b := MarshalHandleValueConfirmation()
	if len(b) != 1 || b[0] != byte(OpHandleValueCnf) {
		t.Fatalf("unexpected encoding: %v", b)
	}
}
