// Package peer implements the host's peer cache and bonding store
// (spec §4.7): the authoritative record of every remote device the
// host has discovered, connected to, or bonded with.
package peer

import (
	"github.com/sapphire-bt/host/gap"
	"github.com/sapphire-bt/host/uuid"
)

// ConnState is a peer's connection state on one transport.
type ConnState int

const (
	NotConnected ConnState = iota
	Initializing
	Connected
)

func (s ConnState) String() string {
	switch s {
	case NotConnected:
		return "NotConnected"
	case Initializing:
		return "Initializing"
	case Connected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// LEBond holds the LE pairing data a completed SMP exchange produced
// (spec §4.5's Phase3 key distribution, mirrored from smp.Keys).
type LEBond struct {
	LocalLTK  [16]byte
	LocalEDIV uint16
	LocalRand uint64
	HaveLocalLTK bool

	PeerLTK  [16]byte
	PeerEDIV uint16
	PeerRand uint64
	HavePeerLTK bool

	IRK     [16]byte
	HaveIRK bool

	CSRK     [16]byte
	HaveCSRK bool
}

// BREDRBond holds a classic link key and its SSP-reported type.
type BREDRBond struct {
	LinkKey [16]byte
	KeyType uint8
}

// Peer is one remote device's identity record (spec §4.2: "Peer"
// type). A Peer is created once per discovered/bonded identity and
// lives in the Cache until evicted.
type Peer struct {
	ID         uint64
	Address    gap.Address
	Name       string
	HaveName   bool
	Technology gap.Technology

	LEState    ConnState
	BREDRState ConnState

	Bonded bool
	LE     *LEBond
	BREDR  *BREDRBond

	LEConnectable    bool
	BREDRConnectable bool

	RSSI         int8
	HaveRSSI     bool
	AdvData      []byte
	ServiceUUIDs []uuid.UUID
}

// Connectable reports whether this peer has ever advertised as
// connectable on tech (spec §4.2 invariant: "a Peer is connectable in
// a transport iff it has ever advertised as connectable in that
// transport").
func (p *Peer) Connectable(tech gap.Technology) bool {
	switch tech {
	case gap.TechnologyLE:
		return p.LEConnectable
	case gap.TechnologyClassic:
		return p.BREDRConnectable
	default:
		return p.LEConnectable || p.BREDRConnectable
	}
}

func (p *Peer) clone() *Peer {
	cp := *p
	if p.LE != nil {
		le := *p.LE
		cp.LE = &le
	}
	if p.BREDR != nil {
		be := *p.BREDR
		cp.BREDR = &be
	}
	cp.AdvData = append([]byte(nil), p.AdvData...)
	cp.ServiceUUIDs = append([]uuid.UUID(nil), p.ServiceUUIDs...)
	return &cp
}
