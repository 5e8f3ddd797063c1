package l2cap

import (
	"github.com/sapphire-bt/host/internal/hci"
)

// Fragment splits an outbound B-frame into the list of raw ACL
// packets (4-byte ACLDataHeader + chunk) the controller must send
// contiguously (spec §4.3/§8): the first fragment is tagged
// PBFirstNonFlushable, every subsequent fragment PBContinuing, all
// BC=PointToPoint.
func Fragment(handle uint16, frame BFrame, aclMTU int) [][]byte {
	sdu := frame.Marshal()
	if aclMTU <= 0 {
		aclMTU = len(sdu)
	}
	var out [][]byte
	for offset := 0; offset < len(sdu); offset += aclMTU {
		end := offset + aclMTU
		if end > len(sdu) {
			end = len(sdu)
		}
		chunk := sdu[offset:end]
		pb := hci.PBContinuing
		if offset == 0 {
			pb = hci.PBFirstNonFlushable
		}
		hdr := hci.ACLDataHeader{
			Handle: handle,
			PB:     pb,
			BC:     hci.BCPointToPoint,
			Length: uint16(len(chunk)),
		}
		out = append(out, append(hdr.Marshal(), chunk...))
	}
	return out
}
