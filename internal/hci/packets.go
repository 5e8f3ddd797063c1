package hci

import "encoding/binary"

// PacketType is the one-octet HCI transport framing prefix (spec §6).
// Transport consumes/produces packets already split into their own
// streams, so PacketType is mostly documentary here — it records
// which logical stream a packet belongs to without a leading byte on
// the wire, the way the teacher's linux/internal/hci.PacketType does
// for its own (byte-prefixed) framing.
type PacketType uint8

const (
	PacketCommand PacketType = 0x01
	PacketACLData PacketType = 0x02
	PacketSCOData PacketType = 0x03
	PacketEvent   PacketType = 0x04
	PacketVendor  PacketType = 0xFF
)

// PBFlag is the Packet Boundary flag carried in bits 12-13 of the ACL
// data header's handle_and_flags field (spec §6).
type PBFlag uint8

const (
	PBFirstNonFlushable PBFlag = 0x0
	PBContinuing        PBFlag = 0x1
	PBFirstFlushable    PBFlag = 0x2
)

// BCFlag is the Broadcast flag carried in bits 14-15 of the same
// field.
type BCFlag uint8

const (
	BCPointToPoint        BCFlag = 0x0
	BCActiveSlaveBroadcast BCFlag = 0x1
)

// ACLDataHeader is the 4-octet little-endian header prefixing every
// ACL data packet payload (spec §6): 12-bit handle, 2-bit PB flag,
// 2-bit BC flag, then a 16-bit total length.
type ACLDataHeader struct {
	Handle uint16 // 12 bits significant
	PB     PBFlag
	BC     BCFlag
	Length uint16
}

// Marshal encodes the header, little-endian, into a fresh 4-byte
// slice.
func (h ACLDataHeader) Marshal() []byte {
	b := make([]byte, 4)
	handleAndFlags := (h.Handle & 0x0FFF) | (uint16(h.PB&0x3) << 12) | (uint16(h.BC&0x3) << 14)
	binary.LittleEndian.PutUint16(b[0:2], handleAndFlags)
	binary.LittleEndian.PutUint16(b[2:4], h.Length)
	return b
}

// UnmarshalACLDataHeader parses a 4-byte ACL data header.
func UnmarshalACLDataHeader(b []byte) (ACLDataHeader, error) {
	if len(b) < 4 {
		return ACLDataHeader{}, errShortPacket("acl data header", 4, len(b))
	}
	handleAndFlags := binary.LittleEndian.Uint16(b[0:2])
	return ACLDataHeader{
		Handle: handleAndFlags & 0x0FFF,
		PB:     PBFlag((handleAndFlags >> 12) & 0x3),
		BC:     BCFlag((handleAndFlags >> 14) & 0x3),
		Length: binary.LittleEndian.Uint16(b[2:4]),
	}, nil
}

// CommandHeader is the 3-octet header prefixing an HCI command's
// parameters: a 16-bit opcode and an 8-bit parameter length.
type CommandHeader struct {
	Opcode Opcode
	PLen   uint8
}

func (h CommandHeader) Marshal() []byte {
	b := make([]byte, 3)
	binary.LittleEndian.PutUint16(b[0:2], uint16(h.Opcode))
	b[2] = h.PLen
	return b
}

// EventHeader is the 2-octet header prefixing every HCI event: an
// 8-bit event code and an 8-bit parameter length.
type EventHeader struct {
	Code EventCode
	PLen uint8
}

func UnmarshalEventHeader(b []byte) (EventHeader, error) {
	if len(b) < 2 {
		return EventHeader{}, errShortPacket("event header", 2, len(b))
	}
	return EventHeader{Code: EventCode(b[0]), PLen: b[1]}, nil
}

type malformedError struct {
	what string
	want int
	got  int
}

func (e *malformedError) Error() string {
	return "hci: malformed " + e.what
}

func errShortPacket(what string, want, got int) error {
	return &malformedError{what: what, want: want, got: got}
}
