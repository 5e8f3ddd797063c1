// Package l2cap implements C4-C7: ACL fragmentation/recombination,
// logical-link channel demultiplexing, the BR/EDR dynamic channel
// state machine, and the signaling protocol that drives it.
//
// Grounded on the teacher's linux/internal/l2cap/l2cap.go for the
// packet-struct-with-Unmarshal idiom and per-handle connection
// bookkeeping, generalized from paypal-gatt's LE-only, fixed-channel
// world to the BR/EDR dynamic-channel registry spec.md calls for.
package l2cap

import (
	"encoding/binary"

	"github.com/sapphire-bt/host/errors"
)

// Well-known fixed channel ids (spec §6).
const (
	CIDSignalingBREDR uint16 = 0x0001
	CIDATT            uint16 = 0x0004
	CIDSignalingLE    uint16 = 0x0005
	CIDSMP            uint16 = 0x0006
)

// DynamicCIDMin is the start of the locally-allocated dynamic channel
// id range (spec §8: cid allocation invariant starts here).
const DynamicCIDMin uint16 = 0x0040

// BFrame is the basic L2CAP frame header: a 16-bit length followed by
// a 16-bit channel id (spec §6).
type BFrame struct {
	Length  uint16
	CID     uint16
	Payload []byte
}

func (f BFrame) Marshal() []byte {
	b := make([]byte, 4+len(f.Payload))
	binary.LittleEndian.PutUint16(b[0:2], uint16(len(f.Payload)))
	binary.LittleEndian.PutUint16(b[2:4], f.CID)
	copy(b[4:], f.Payload)
	return b
}

func UnmarshalBFrame(b []byte) (BFrame, error) {
	if len(b) < 4 {
		return BFrame{}, errors.New(errors.KindPacketMalformed, "l2cap: short b-frame header")
	}
	length := binary.LittleEndian.Uint16(b[0:2])
	cid := binary.LittleEndian.Uint16(b[2:4])
	payload := b[4:]
	if len(payload) != int(length) {
		return BFrame{}, errors.New(errors.KindPacketMalformed, "l2cap: b-frame length mismatch")
	}
	return BFrame{Length: length, CID: cid, Payload: payload}, nil
}

// IsDynamicPSM reports whether psm is a valid dynamically-allocated
// PSM: odd lower byte, bit 0 of the upper byte clear (spec §6).
func IsDynamicPSM(psm uint16) bool {
	if psm < 0x1001 {
		return false
	}
	lower := uint8(psm)
	upper := uint8(psm >> 8)
	return lower&0x01 == 1 && upper&0x01 == 0
}
