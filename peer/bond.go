package peer

import (
	"crypto/aes"

	"github.com/sapphire-bt/host/gap"
)

// BondingData is the externally persisted form of one bonded peer's
// identity and keys, as the bond-persistence collaborator interface
// exchanges it (spec §6: "bond persistence is a collaborator
// interface: RestoreBonds([BondingData]) -> [BondingData rejected]").
type BondingData struct {
	ID      uint64
	Address gap.Address
	Name    string
	LE      *LEBond
	BREDR   *BREDRBond
}

// valid reports whether d carries the fields AddBondedPeer requires:
// identifier, address, and at least one of LE or BREDR bond data.
func (d BondingData) valid() bool {
	if d.ID == 0 {
		return false
	}
	if d.Address.Bytes == [6]byte{} {
		return false
	}
	if d.LE == nil && d.BREDR == nil {
		return false
	}
	return true
}

// RestoreBonds feeds previously persisted bonding records back into
// the cache in one pass, for use at startup. It returns the subset
// rejected for missing required fields; everything else is installed
// as an already-bonded Peer with no connection state.
func (c *Cache) RestoreBonds(records []BondingData) []BondingData {
	var rejected []BondingData
	for _, d := range records {
		if !d.valid() {
			rejected = append(rejected, d)
			continue
		}
		c.addBondedPeer(d)
	}
	return rejected
}

// AddBondedPeer installs a single restored or freshly bonded peer
// record (spec §4.7). Missing required fields reject the call.
func (c *Cache) AddBondedPeer(d BondingData) error {
	if !d.valid() {
		return errMissingBondFields
	}
	c.addBondedPeer(d)
	return nil
}

func (c *Cache) addBondedPeer(d BondingData) {
	tech := gap.TechnologyLE
	switch {
	case d.LE != nil && d.BREDR != nil:
		tech = gap.TechnologyDualMode
	case d.BREDR != nil:
		tech = gap.TechnologyClassic
	}

	p := &Peer{
		ID:         d.ID,
		Address:    d.Address,
		Name:       d.Name,
		HaveName:   d.Name != "",
		Technology: tech,
		Bonded:     true,
		LE:         d.LE,
		BREDR:      d.BREDR,
	}
	c.install(p)
	c.fireBonded(p)
}

// LookupBREDRBond adapts the cache to smp.BondLookup's shape, so it
// can be wired directly into NewBREDRManager.
func (c *Cache) LookupBREDRBond(addr [6]byte) (linkKey [16]byte, keyType uint8, ok bool) {
	p := c.byBREDRAddr(addr)
	if p == nil || p.BREDR == nil {
		return [16]byte{}, 0, false
	}
	return p.BREDR.LinkKey, p.BREDR.KeyType, true
}

// StoreBREDRBond adapts the cache to smp.BondStore's shape. It fails
// silently (logging, not erroring the caller) if no peer exists yet
// for addr; SSP always completes after NotifyConnected has created or
// resolved one via the connection path, so this is a defensive
// backstop, not an expected case.
func (c *Cache) StoreBREDRBond(addr [6]byte, linkKey [16]byte, keyType uint8) {
	p := c.byBREDRAddr(addr)
	if p == nil {
		c.log.WithField("addr", addr).Warn("peer: bredr bond for unknown peer, dropping")
		return
	}
	p.BREDR = &BREDRBond{LinkKey: linkKey, KeyType: keyType}
	p.Bonded = true
	if p.Technology == gap.TechnologyLE {
		p.Technology = gap.TechnologyDualMode
	}
	c.fireUpdated(p)
	c.fireBonded(p)
}

// StoreLEBond records the LE pairing result from a completed SMP
// exchange against the peer matching addr, creating one if needed.
func (c *Cache) StoreLEBond(addr gap.Address, local, remote Keys) {
	p := c.lookupOrCreate(addr, false)
	bond := &LEBond{}
	if local.HaveLTK {
		bond.LocalLTK, bond.LocalEDIV, bond.LocalRand, bond.HaveLocalLTK = local.LTK, local.EDIV, local.Rand, true
	}
	if remote.HaveLTK {
		bond.PeerLTK, bond.PeerEDIV, bond.PeerRand, bond.HavePeerLTK = remote.LTK, remote.EDIV, remote.Rand, true
	}
	if remote.HaveIRK {
		bond.IRK, bond.HaveIRK = remote.IRK, true
	}
	if remote.HaveCSRK {
		bond.CSRK, bond.HaveCSRK = remote.CSRK, true
	}
	p.LE = bond
	p.Bonded = true
	if p.Technology == gap.TechnologyClassic {
		p.Technology = gap.TechnologyDualMode
	}
	c.fireUpdated(p)
	c.fireBonded(p)
}

// Keys mirrors smp.Keys' field shape without importing smp, so this
// package has no dependency on the pairing state machine itself; the
// host layer converts smp.Keys to peer.Keys at the call site.
type Keys struct {
	LTK     [16]byte
	EDIV    uint16
	Rand    uint64
	HaveLTK bool

	IRK     [16]byte
	HaveIRK bool

	CSRK     [16]byte
	HaveCSRK bool
}

// resolveRPA implements the Core Spec Vol 3 Part H §2.2.2 "ah"
// function used to test whether a resolvable private address was
// generated from irk: ah(k, r) = e(k, r) mod 2^24, compared against
// the address's lower 24 bits. Grounded on the same single-block AES
// primitive smp/crypto.go's c1/e functions use, reimplemented locally
// since that helper is unexported from smp.
func resolveRPA(irk [16]byte, addr [6]byte) bool {
	if addr[5]&0xC0 != 0x40 {
		return false // not a resolvable private address (spec Vol 6 Part B 1.3.2.2)
	}
	var prand [16]byte
	prand[0], prand[1], prand[2] = addr[3], addr[4], addr[5]

	block, err := aes.NewCipher(reverse16(irk))
	if err != nil {
		return false
	}
	var hash [16]byte
	block.Encrypt(hash[:], reverse16(prand))
	hash = reverse16(hash)

	return hash[0] == addr[0] && hash[1] == addr[1] && hash[2] == addr[2]
}

func reverse16(b [16]byte) [16]byte {
	var out [16]byte
	for i := 0; i < 16; i++ {
		out[i] = b[15-i]
	}
	return out
}
