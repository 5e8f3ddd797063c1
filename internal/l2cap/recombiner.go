package l2cap

import (
	"encoding/binary"

	"github.com/sapphire-bt/host/errors"
	"github.com/sapphire-bt/host/internal/hci"
)

type recombineBuf struct {
	want int // total bytes of the b-frame (4-byte header + declared length); 0 until the header has arrived
	got  []byte
}

// Recombiner reassembles inbound ACL fragments into complete B-frames
// keyed by connection handle (spec §4.3). One Recombiner instance is
// owned per LogicalLink.
type Recombiner struct {
	bufs map[uint16]*recombineBuf

	// Errors is incremented on recombination failure (length overflow,
	// unexpected continuation); exposed for diagnostics/tests.
	Errors int
}

func NewRecombiner() *Recombiner {
	return &Recombiner{bufs: make(map[uint16]*recombineBuf)}
}

// Feed consumes one already-header-stripped ACL payload for handle.
// It returns a complete BFrame once all of its fragments have
// arrived, or ok=false while more fragments are still expected.
// Broadcast packets must be filtered out by the caller before Feed is
// reached (spec §4.3: "Broadcast ACL packets are dropped").
func (r *Recombiner) Feed(handle uint16, pb hci.PBFlag, payload []byte) (frame BFrame, ok bool, err error) {
	switch pb {
	case hci.PBFirstNonFlushable, hci.PBFirstFlushable:
		buf := &recombineBuf{}
		buf.got = append(buf.got, payload...)
		if len(payload) < 4 {
			// The b-frame header itself is split; its length is read
			// once a continuation supplies the rest of it.
			r.bufs[handle] = buf
			return BFrame{}, false, nil
		}
		buf.want = 4 + int(binary.LittleEndian.Uint16(payload[0:2]))
		if len(buf.got) > buf.want {
			r.Errors++
			delete(r.bufs, handle)
			return BFrame{}, false, errors.New(errors.KindPacketMalformed, "l2cap: first fragment exceeds declared length")
		}
		if len(buf.got) == buf.want {
			f, uerr := UnmarshalBFrame(buf.got)
			return f, uerr == nil, uerr
		}
		r.bufs[handle] = buf
		return BFrame{}, false, nil

	case hci.PBContinuing:
		buf, found := r.bufs[handle]
		if !found {
			r.Errors++
			return BFrame{}, false, errors.New(errors.KindPacketMalformed, "l2cap: continuation with no pending fragment")
		}
		buf.got = append(buf.got, payload...)
		if buf.want == 0 {
			if len(buf.got) < 4 {
				return BFrame{}, false, nil
			}
			buf.want = 4 + int(binary.LittleEndian.Uint16(buf.got[0:2]))
		}
		if len(buf.got) > buf.want {
			r.Errors++
			delete(r.bufs, handle)
			return BFrame{}, false, errors.New(errors.KindPacketMalformed, "l2cap: recombined length overflow")
		}
		if len(buf.got) < buf.want {
			return BFrame{}, false, nil
		}
		delete(r.bufs, handle)
		f, uerr := UnmarshalBFrame(buf.got)
		return f, uerr == nil, uerr

	default:
		r.Errors++
		return BFrame{}, false, errors.New(errors.KindPacketMalformed, "l2cap: unexpected pb flag")
	}
}

// Discard drops any in-progress reassembly for handle, e.g. on
// disconnection.
func (r *Recombiner) Discard(handle uint16) {
	delete(r.bufs, handle)
}
