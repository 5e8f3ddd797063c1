package l2cap

import (
	"bytes"
	"testing"

	"github.com/sapphire-bt/host/internal/hci"
)

func TestFragmentSinglePacket(t *testing.T) {
	frame := BFrame{CID: CIDATT, Payload: []byte{1, 2, 3}}
	frags := Fragment(0x0040, frame, 1024)
	if len(frags) != 1 {
		t.Fatalf("expected 1 fragment, got %d", len(frags))
	}
	hdr, err := hci.UnmarshalACLDataHeader(frags[0])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hdr.PB != hci.PBFirstNonFlushable {
		t.Fatalf("first fragment PB = %v, want PBFirstNonFlushable", hdr.PB)
	}
	if hdr.Handle != 0x0040 {
		t.Fatalf("handle = 0x%04x, want 0x0040", hdr.Handle)
	}
	if !bytes.Equal(frags[0][4:], frame.Marshal()) {
		t.Fatal("fragment payload does not match the marshaled b-frame")
	}
}

func TestFragmentSplitsAtACLMTU(t *testing.T) {
	frame := BFrame{CID: CIDATT, Payload: bytes.Repeat([]byte{0xAB}, 50)}
	sdu := frame.Marshal() // 54 bytes total (4-byte header + 50-byte payload)
	frags := Fragment(0x0041, frame, 20)
	if len(frags) != 3 { // 20 + 20 + 14
		t.Fatalf("expected 3 fragments, got %d", len(frags))
	}

	var reassembled []byte
	for i, frag := range frags {
		hdr, err := hci.UnmarshalACLDataHeader(frag)
		if err != nil {
			t.Fatalf("fragment %d: unexpected error: %v", i, err)
		}
		wantPB := hci.PBContinuing
		if i == 0 {
			wantPB = hci.PBFirstNonFlushable
		}
		if hdr.PB != wantPB {
			t.Fatalf("fragment %d: PB = %v, want %v", i, hdr.PB, wantPB)
		}
		if hdr.BC != hci.BCPointToPoint {
			t.Fatalf("fragment %d: BC = %v, want BCPointToPoint", i, hdr.BC)
		}
		reassembled = append(reassembled, frag[4:]...)
	}
	if !bytes.Equal(reassembled, sdu) {
		t.Fatal("reassembled fragments do not match the original b-frame")
	}
}

func TestRecombinerSingleFragment(t *testing.T) {
	r := NewRecombiner()
	frame := BFrame{CID: CIDATT, Payload: []byte{9, 8, 7}}
	got, ok, err := r.Feed(1, hci.PBFirstNonFlushable, frame.Marshal())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected a complete frame from a single fragment")
	}
	if got.CID != frame.CID || !bytes.Equal(got.Payload, frame.Payload) {
		t.Fatalf("recombined frame mismatch: got %+v", got)
	}
}

func TestRecombinerMultipleFragments(t *testing.T) {
	r := NewRecombiner()
	frame := BFrame{CID: CIDATT, Payload: bytes.Repeat([]byte{0x5A}, 50)}
	frags := Fragment(1, frame, 20)

	var got BFrame
	var ok bool
	var err error
	for i, frag := range frags {
		hdr, herr := hci.UnmarshalACLDataHeader(frag)
		if herr != nil {
			t.Fatalf("fragment %d: %v", i, herr)
		}
		got, ok, err = r.Feed(1, hdr.PB, frag[4:])
		if err != nil {
			t.Fatalf("fragment %d: unexpected error: %v", i, err)
		}
	}
	if !ok {
		t.Fatal("expected the final fragment to complete the frame")
	}
	if !bytes.Equal(got.Payload, frame.Payload) {
		t.Fatal("recombined payload does not match the original")
	}
	if r.Errors != 0 {
		t.Fatalf("unexpected recombination errors: %d", r.Errors)
	}
}

func TestRecombinerContinuationWithoutFirstFails(t *testing.T) {
	r := NewRecombiner()
	_, ok, err := r.Feed(1, hci.PBContinuing, []byte{1, 2, 3})
	if ok || err == nil {
		t.Fatal("expected an error for an orphan continuation fragment")
	}
	if r.Errors != 1 {
		t.Fatalf("Errors = %d, want 1", r.Errors)
	}
}

func TestRecombinerOverflowFails(t *testing.T) {
	r := NewRecombiner()
	frame := BFrame{CID: CIDATT, Payload: []byte{1, 2, 3}}
	sdu := frame.Marshal()
	// Feed the first fragment, then an oversized continuation.
	if _, ok, err := r.Feed(1, hci.PBFirstNonFlushable, sdu[:2]); ok || err != nil {
		t.Fatalf("unexpected early completion/error: ok=%v err=%v", ok, err)
	}
	_, ok, err := r.Feed(1, hci.PBContinuing, bytes.Repeat([]byte{0xFF}, 100))
	if ok || err == nil {
		t.Fatal("expected overflow error")
	}
	if r.Errors != 1 {
		t.Fatalf("Errors = %d, want 1", r.Errors)
	}
}

func TestRecombinerDiscard(t *testing.T) {
	r := NewRecombiner()
	frame := BFrame{CID: CIDATT, Payload: []byte{1, 2, 3, 4, 5, 6}}
	sdu := frame.Marshal()
	if _, ok, err := r.Feed(1, hci.PBFirstNonFlushable, sdu[:2]); ok || err != nil {
		t.Fatalf("unexpected early completion/error: ok=%v err=%v", ok, err)
	}
	r.Discard(1)
	_, ok, err := r.Feed(1, hci.PBContinuing, sdu[2:])
	if ok || err == nil {
		t.Fatal("expected discarded reassembly state to reject a stray continuation")
	}
}
