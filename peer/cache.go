package peer

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/sapphire-bt/host/errors"
	"github.com/sapphire-bt/host/gap"
	"github.com/sapphire-bt/host/internal/dispatch"
)

// errMissingBondFields is returned when a BondingData record lacks
// the identifier/address/key fields AddBondedPeer requires.
var errMissingBondFields = errors.New(errors.KindInvalidParameters, "peer: bonding data missing required fields")

// defaultCacheCapacity bounds the LRU's backing store: a safety valve
// against unbounded growth from a host that discovers many
// never-connected peers over a long uptime, not the mechanism that
// implements spec §4.7's "destroyed only when both disconnected and
// unbonded and evicted" lifecycle (Remove, below, enforces that rule
// for explicit removals). Capacity eviction takes the least recently
// used entry whether or not it is bonded or connected, and fires no
// OnRemoved callback.
const defaultCacheCapacity = 4096

// Cache is the process-wide peer store (spec §4.7). It is the one
// piece of long-lived shared mutable state outside a single
// connection's own objects (spec §5: "the peer cache is the only
// long-lived shared mutable state; all mutations from the
// dispatcher"). Grounded on golang-lru/v2 for the id-indexed store,
// generalized with a secondary per-address-kind index since a Peer
// must be reachable by either key.
type Cache struct {
	loop *dispatch.Loop
	log  *logrus.Entry

	byID   *lru.Cache[uint64, *Peer]
	byAddr map[gap.AddressKind]map[[6]byte]uint64
	nextID uint64

	onUpdated            []func(*Peer)
	onRemoved            []func(*Peer)
	onBonded             []func(*Peer)
	onAutoConnectRequest []func(*Peer)
}

// NewCache constructs an empty cache bound to loop; every callback
// registered via On* fires from loop's dispatcher goroutine.
func NewCache(loop *dispatch.Loop, log *logrus.Entry) *Cache {
	byID, err := lru.NewWithEvict[uint64, *Peer](defaultCacheCapacity, nil)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// defaultCacheCapacity never is.
		panic(err)
	}
	return &Cache{
		loop:   loop,
		log:    log,
		byID:   byID,
		byAddr: make(map[gap.AddressKind]map[[6]byte]uint64),
	}
}

// OnUpdated registers a callback fired whenever a Peer's fields
// change (new name, new RSSI, new bond, etc).
func (c *Cache) OnUpdated(h func(*Peer)) { c.onUpdated = append(c.onUpdated, h) }

// OnRemoved registers a callback fired when Remove evicts a Peer; LRU
// capacity eviction does not fire it.
func (c *Cache) OnRemoved(h func(*Peer)) { c.onRemoved = append(c.onRemoved, h) }

// OnBonded registers a callback fired once a Peer's bonded flag is
// set (AddBondedPeer, StoreBREDRBond, or StoreLEBond).
func (c *Cache) OnBonded(h func(*Peer)) { c.onBonded = append(c.onBonded, h) }

// OnAutoConnectRequest registers a callback the connection layer
// drives when a bonded, disconnected peer should be auto-reconnected
// (e.g. on seeing its advertisement again); the cache itself never
// calls this on its own initiative, only exposes the registration
// point other components drive.
func (c *Cache) OnAutoConnectRequest(h func(*Peer)) { c.onAutoConnectRequest = append(c.onAutoConnectRequest, h) }

// RequestAutoConnect notifies registered auto-connect listeners for
// p; called by the connection layer on rediscovery of a bonded peer.
func (c *Cache) RequestAutoConnect(p *Peer) { c.notify(c.onAutoConnectRequest, p) }

func (c *Cache) notify(hs []func(*Peer), p *Peer) {
	if len(hs) == 0 {
		return
	}
	cp := p.clone()
	c.loop.Post(func() {
		for _, h := range hs {
			h(cp)
		}
	})
}

func (c *Cache) fireUpdated(p *Peer) { c.notify(c.onUpdated, p) }
func (c *Cache) fireRemoved(p *Peer) { c.notify(c.onRemoved, p) }
func (c *Cache) fireBonded(p *Peer)  { c.notify(c.onBonded, p) }

func (c *Cache) indexOf(kind gap.AddressKind) map[[6]byte]uint64 {
	m, ok := c.byAddr[kind]
	if !ok {
		m = make(map[[6]byte]uint64)
		c.byAddr[kind] = m
	}
	return m
}

func (c *Cache) install(p *Peer) {
	if p.ID == 0 {
		c.nextID++
		p.ID = c.nextID
	} else if p.ID > c.nextID {
		c.nextID = p.ID
	}
	c.byID.Add(p.ID, p)
	c.indexOf(p.Address.Kind)[p.Address.Bytes] = p.ID
}

func (c *Cache) byKindAddr(kind gap.AddressKind, addr [6]byte) *Peer {
	id, ok := c.indexOf(kind)[addr]
	if !ok {
		return nil
	}
	p, ok := c.byID.Get(id)
	if !ok {
		return nil
	}
	return p
}

// byBREDRAddr looks a peer up by its BR/EDR public address.
func (c *Cache) byBREDRAddr(addr [6]byte) *Peer {
	return c.byKindAddr(gap.AddressBREDRPublic, addr)
}

// byIdentity resolves addr to an existing peer: a direct index hit,
// or (for an LE-random resolvable address) a scan over every bonded
// peer's IRK via the ah() function (spec §4.7: "identity resolution
// of an LE-random to a known IRK owner").
func (c *Cache) byIdentity(addr gap.Address) *Peer {
	if p := c.byKindAddr(addr.Kind, addr.Bytes); p != nil {
		return p
	}
	if addr.Kind != gap.AddressLERandom {
		return nil
	}
	for _, id := range c.byID.Keys() {
		p, ok := c.byID.Get(id)
		if !ok || p.LE == nil || !p.LE.HaveIRK {
			continue
		}
		if resolveRPA(p.LE.IRK, addr.Bytes) {
			return p
		}
	}
	return nil
}

func (c *Cache) lookupOrCreate(addr gap.Address, connectable bool) *Peer {
	if p := c.byIdentity(addr); p != nil {
		return p
	}
	p := &Peer{Address: addr}
	if addr.Kind == gap.AddressBREDRPublic {
		p.Technology = gap.TechnologyClassic
	} else {
		p.Technology = gap.TechnologyLE
	}
	c.install(p)
	return p
}

// NewPeer returns the existing Peer matching address (including
// identity resolution of an LE-random address to a known IRK owner),
// or allocates a fresh one otherwise (spec §4.7). connectable updates
// the peer's per-technology connectable flag, which is sticky once
// set (spec §4.2 invariant).
func (c *Cache) NewPeer(address gap.Address, connectable bool) *Peer {
	p := c.lookupOrCreate(address, connectable)
	if address.IsLE() {
		p.LEConnectable = p.LEConnectable || connectable
	} else {
		p.BREDRConnectable = p.BREDRConnectable || connectable
	}
	c.fireUpdated(p)
	return p
}

// UpgradeToPublic merges an LE-random peer entry into its resolved
// public identity address, the way identity resolution is expected to
// (spec §4.2: "address may be upgraded from LE-random to LE-public on
// identity resolution, which merges entries").
func (c *Cache) UpgradeToPublic(p *Peer, public [6]byte) {
	oldKind, oldAddr := p.Address.Kind, p.Address.Bytes
	delete(c.indexOf(oldKind), oldAddr)
	p.Address = gap.Address{Kind: gap.AddressLEPublic, Bytes: public}
	c.indexOf(gap.AddressLEPublic)[public] = p.ID
	c.fireUpdated(p)
}

// Remove evicts p if it is unbonded and disconnected on every
// transport (spec §4.7: "peers flagged as removed while disconnected
// allow the id to be freed; peers that disconnect while bonded
// remain"). It is a no-op otherwise.
func (c *Cache) Remove(p *Peer) bool {
	if p.Bonded {
		return false
	}
	if p.LEState != NotConnected || p.BREDRState != NotConnected {
		return false
	}
	c.byID.Remove(p.ID)
	delete(c.indexOf(p.Address.Kind), p.Address.Bytes)
	c.fireRemoved(p)
	return true
}

// Get returns the peer with the given stable id, if still present.
func (c *Cache) Get(id uint64) (*Peer, bool) { return c.byID.Get(id) }

// Len reports the number of peers currently cached.
func (c *Cache) Len() int { return c.byID.Len() }
