package host

import (
	"github.com/sirupsen/logrus"

	"github.com/sapphire-bt/host/att"
	"github.com/sapphire-bt/host/errors"
	"github.com/sapphire-bt/host/gap"
	"github.com/sapphire-bt/host/gatt"
	"github.com/sapphire-bt/host/internal/dispatch"
	"github.com/sapphire-bt/host/internal/hci"
	"github.com/sapphire-bt/host/internal/l2cap"
	"github.com/sapphire-bt/host/peer"
	"github.com/sapphire-bt/host/smp"
)

// defaultACLMTU is the ACL data length the fragmenter uses for every
// logical link. The Read Buffer Size results (readBufferInfo) only
// size the ACL data channel's credit pools; they do not change it.
const defaultACLMTU = 251

// Conn is the public handle an application holds on one established
// connection: a GAP Connection plus, once pairing and discovery have
// run, a ready-to-use GATT client.
type Conn struct {
	*gap.Connection
	Client *gatt.Client

	smpMgr  *smp.Manager       // nil for BR/EDR, where pairing is host-wide
	bondKey gap.Address        // the identity address bonds are stored under
}

// Host is the top-level object a caller constructs once per HCI
// transport. It runs on one dispatcher loop whose lifetime the caller
// owns (see New): every callback it invokes runs on that loop's single
// goroutine, and its public methods touch host state without posting,
// so they run on that goroutine when called from a task on the loop
// (the one-dispatcher-per-host scheduling model, spec §5).
type Host struct {
	loop *dispatch.Loop
	log  *logrus.Entry
	cfg  Config

	transport *hci.Transport
	cache     *peer.Cache

	le           *gap.LEConnector
	bredr        *gap.BREDRConnector
	interrogator *gap.Interrogator
	bredrPairing *smp.BREDRManager

	links map[uint16]*l2cap.LogicalLink
	conns map[uint16]*Conn

	onConnected    func(*Conn)
	onDisconnected func(*Conn, error)
}

// New constructs a Host around an already-open controller packet
// interface. The caller owns the dispatch.Loop's lifetime (Stop it
// when the host is torn down) so it can also be shared with other
// collaborators (a CLI, a test harness) that need to post onto the
// same single thread of execution.
func New(loop *dispatch.Loop, ctrl hci.Controller, log *logrus.Entry, opts ...Option) *Host {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	h := &Host{
		loop:  loop,
		log:   log,
		cfg:   cfg,
		links: make(map[uint16]*l2cap.LogicalLink),
		conns: make(map[uint16]*Conn),
	}
	h.cache = peer.NewCache(loop, log)

	h.transport = hci.NewTransport(loop, ctrl, log, h.onTransportClosed)
	h.transport.OnACL(h.onACL)

	smpCfg := smp.Config{
		IOCapability:      cfg.IOCapability,
		Bonding:           cfg.Bondable,
		SecureConnections: cfg.SecurityMode == SecurityModeSecureConnectionsOnly,
		MaxEncKeySize:     16,
		LocalKeyDist:      smp.KeyDistEncKey | smp.KeyDistIDKey,
		RemoteKeyDist:     smp.KeyDistEncKey | smp.KeyDistIDKey,
	}
	h.bredrPairing = smp.NewBREDRManager(h.transport.Commands, log, smpCfg, cfg.PairingDelegate, h.cache.LookupBREDRBond, h.cache.StoreBREDRBond)

	h.interrogator = gap.NewInterrogator(loop, h.transport.Commands, log)
	h.le = gap.NewLEConnector(loop, h.transport.Commands, log, nil)
	h.bredr = gap.NewBREDRConnector(loop, h.transport.Commands, log, h.interrogator)
	h.bredr.SetPairingManager(h.bredrPairing)
	h.bredr.OnInboundRequest(func([6]byte) bool { return true })
	h.bredr.OnConnected(h.onBREDRResolved)

	h.readBufferInfo()

	return h
}

// readBufferInfo issues Read Buffer Size and LE Read Buffer Size once
// at startup and feeds the results to the ACL data channel's credit
// pools (spec §4.2). Until these complete, QueueFragments has no pool
// to drain against and any queued traffic simply waits; this matches
// real controller bring-up order, where these reads happen before any
// connection can exist.
func (h *Host) readBufferInfo() {
	h.transport.Commands.SendCommand(hci.OpReadBufferSize, nil, hci.EvtCommandComplete, func(r hci.CommandResult) {
		if r.Err != nil || len(r.Params) < 8 || r.Params[0] != 0 {
			h.log.WithError(r.Err).Warn("host: read buffer size failed")
			return
		}
		aclLen := uint16(r.Params[1]) | uint16(r.Params[2])<<8
		aclPkts := int(uint16(r.Params[4]) | uint16(r.Params[5])<<8)
		h.transport.ACLData.SetBufferInfo(hci.LinkBREDR, aclLen, aclPkts)
	})

	h.transport.Commands.SendCommand(hci.OpLEReadBufferSize, nil, hci.EvtCommandComplete, func(r hci.CommandResult) {
		if r.Err != nil || len(r.Params) < 4 || r.Params[0] != 0 {
			h.log.WithError(r.Err).Warn("host: LE read buffer size failed")
			return
		}
		aclLen := uint16(r.Params[1]) | uint16(r.Params[2])<<8
		aclPkts := int(r.Params[3])
		if aclLen == 0 {
			// a zero LE buffer descriptor means the controller shares
			// the BR/EDR pool (Core Spec Vol 4 Part E §7.8.2); nothing
			// further to record here.
			return
		}
		h.transport.ACLData.SetBufferInfo(hci.LinkLE, aclLen, aclPkts)
	})
}

// OnConnected registers the callback fired once a Conn is ready for
// use: interrogated (BR/EDR) or immediate (LE), with no pairing
// performed yet — pairing happens lazily, the first time
// OpenL2capChannel demands a security level the link doesn't have.
func (h *Host) OnConnected(fn func(*Conn)) { h.onConnected = fn }

// OnDisconnected registers the callback fired once a Conn's link
// drops, for any reason.
func (h *Host) OnDisconnected(fn func(*Conn, error)) { h.onDisconnected = fn }

// PeerCache exposes the C12 peer store so callers can register bond
// lifecycle callbacks and restore persisted bonds.
func (h *Host) PeerCache() *peer.Cache { return h.cache }

// ConnectLE initiates an LE connection to peer (spec §4.6). onComplete
// fires once, with either a ready *Conn or an error.
func (h *Host) ConnectLE(addr gap.Address, params gap.ConnectionParams, onComplete func(*Conn, error)) {
	h.le.Connect(addr, params, func(handle uint16, role uint8, err error) {
		if err != nil {
			onComplete(nil, err)
			return
		}
		c := h.installLEConn(addr, handle)
		onComplete(c, nil)
	})
}

// ConnectBREDR initiates a BR/EDR connection to addr (spec §4.6).
// onComplete fires once interrogation resolves (or fails).
func (h *Host) ConnectBREDR(addr [6]byte, onComplete func(*Conn, error)) {
	h.bredr.Connect(addr, func(handle uint16, err error) {
		if err != nil {
			onComplete(nil, err)
			return
		}
		// onBREDRResolved installs the Conn right after this callback
		// returns, within the same task; a task posted now runs after
		// it and finds the Conn in place.
		h.loop.Post(func() {
			if c, ok := h.conns[handle]; ok {
				onComplete(c, nil)
			}
		})
	})
}

func (h *Host) installLEConn(addr gap.Address, handle uint16) *Conn {
	h.transport.ACLData.RegisterHandle(handle, hci.LinkLE)

	link := l2cap.NewLogicalLink(h.loop, h.transport.ACLData, h.log, handle, defaultACLMTU, true)
	h.links[handle] = link

	local := smp.Address{} // public-address-by-default local identity; spec §6 has no local-address-type setter on the core itself
	remote := smp.Address{Bytes: addr.Bytes, Random: addr.Kind == gap.AddressLERandom}

	smpCfg := smp.Config{
		IOCapability:      h.cfg.IOCapability,
		Bonding:           h.cfg.Bondable,
		SecureConnections: h.cfg.SecurityMode == SecurityModeSecureConnectionsOnly,
		MaxEncKeySize:     16,
		LocalKeyDist:      smp.KeyDistEncKey | smp.KeyDistIDKey,
		RemoteKeyDist:     smp.KeyDistEncKey | smp.KeyDistIDKey,
	}
	mgr := smp.NewManager(h.loop, link.FixedChannel(l2cap.CIDSMP), h.log, smpCfg, h.cfg.PairingDelegate, local, remote)

	gapConn := gap.NewLEConnection(link, addr, handle, h.storingRaiser(addr, gap.LEPairingRaiser(mgr)))

	c := &Conn{Connection: gapConn, smpMgr: mgr, bondKey: addr}
	c.SetSecurityGate(func() bool { return h.peerAlreadyBonded(addr) })
	h.conns[handle] = c

	bearer := att.NewBearer(h.loop, link.FixedChannel(l2cap.CIDATT), h.log)
	c.Client = gatt.NewClient(bearer, h.log)

	link.OnError(func(err error) { h.teardown(handle, err) })

	h.cache.NewPeer(addr, true)
	if h.onConnected != nil {
		h.onConnected(c)
	}
	return c
}

func (h *Host) onBREDRResolved(addr [6]byte, handle uint16, info *gap.RemoteInfo, err error) {
	bredrAddr := gap.Address{Kind: gap.AddressBREDRPublic, Bytes: addr}
	if err != nil {
		if conn, ok := h.conns[handle]; ok {
			delete(h.conns, handle)
			delete(h.links, handle)
			if h.onDisconnected != nil {
				h.onDisconnected(conn, err)
			}
		}
		return
	}

	h.transport.ACLData.RegisterHandle(handle, hci.LinkBREDR)

	link := l2cap.NewLogicalLink(h.loop, h.transport.ACLData, h.log, handle, defaultACLMTU, false)
	h.links[handle] = link

	raiser := h.storingRaiser(bredrAddr, gap.BREDRPairingRaiser(h.bredrPairing, addr, handle))
	gapConn := gap.NewBREDRConnection(link, bredrAddr, handle, info, raiser)
	c := &Conn{Connection: gapConn, bondKey: bredrAddr}
	c.SetSecurityGate(func() bool { return h.peerAlreadyBonded(bredrAddr) })
	h.conns[handle] = c

	bearer := att.NewBearer(h.loop, link.FixedChannel(l2cap.CIDATT), h.log)
	c.Client = gatt.NewClient(bearer, h.log)

	link.OnError(func(err error) { h.teardown(handle, err) })

	p := h.cache.NewPeer(bredrAddr, true)
	if info != nil && info.HaveName {
		p.Name, p.HaveName = info.Name, true
	}

	if h.onConnected != nil {
		h.onConnected(c)
	}
}

// storingRaiser wraps a PairingRaiser so that every successful
// exchange it completes is persisted to the peer cache before the
// original caller (OpenL2capChannel) sees the result; this is the
// only place a bond gets written for a newly paired link, since
// neither smp nor gap may depend on peer.
func (h *Host) storingRaiser(addr gap.Address, raise gap.PairingRaiser) gap.PairingRaiser {
	return func(req gap.SecurityRequirements, cb func(smp.Result)) {
		raise(req, func(r smp.Result) {
			h.storePairingResult(addr, r)
			cb(r)
		})
	}
}

// storePairingResult persists a completed SMP exchange's keys into
// the peer cache. Host-level code (not smp or gap, which must not
// depend on peer) is the natural place for this conversion, per
// DESIGN.md's note on peer.Keys duplicating smp.Keys' shape.
func (h *Host) storePairingResult(addr gap.Address, r smp.Result) {
	if !r.Success {
		return
	}
	h.cache.StoreLEBond(addr, toPeerKeys(r.Local), toPeerKeys(r.Remote))
	if r.Remote.HaveLinkKey {
		h.cache.StoreBREDRBond(addr.Bytes, r.Remote.LinkKey, 0)
	}
}

func toPeerKeys(k smp.Keys) peer.Keys {
	return peer.Keys{
		LTK: k.LTK, EDIV: k.EDIV, Rand: k.Rand, HaveLTK: k.HaveLTK,
		IRK: k.IRK, HaveIRK: k.HaveIRK,
		CSRK: k.CSRK, HaveCSRK: k.HaveCSRK,
	}
}

func (h *Host) peerAlreadyBonded(addr gap.Address) bool {
	p := h.cache.NewPeer(addr, false)
	return p.Bonded
}

func (h *Host) onACL(handle uint16, pb hci.PBFlag, bc hci.BCFlag, payload []byte) {
	link, ok := h.links[handle]
	if !ok {
		return
	}
	link.HandleInboundACL(pb, payload)
}

func (h *Host) teardown(handle uint16, err error) {
	conn, ok := h.conns[handle]
	if !ok {
		return
	}
	delete(h.conns, handle)
	delete(h.links, handle)

	lt := hci.LinkLE
	if conn.Technology == gap.TechnologyClassic {
		lt = hci.LinkBREDR
	}
	h.transport.ACLData.ClearControllerPacketCount(handle, lt)
	h.transport.ACLData.UnregisterHandle(handle)

	if h.onDisconnected != nil {
		h.onDisconnected(conn, err)
	}
}

func (h *Host) onTransportClosed(err error) {
	h.log.WithError(err).Error("host: transport closed")
	for handle, conn := range h.conns {
		delete(h.conns, handle)
		delete(h.links, handle)
		if h.onDisconnected != nil {
			h.onDisconnected(conn, errors.New(errors.KindLinkDisconnected, "host: transport closed"))
		}
	}
}

// RequestSecurity sends an LE Security Request to the peer, asking it
// to initiate pairing (spec §4.5: "either side may request pairing be
// initiated"). It is a no-op on a BR/EDR connection, where SSP has no
// equivalent local-initiated request the host side issues this way.
func (c *Conn) RequestSecurity() {
	if c.smpMgr != nil {
		c.smpMgr.SendSecurityRequest()
	}
}

// Disconnect tears down handle's link with the given diagnostic
// reason (spec §4.6); all reasons map to the same HCI wire reason.
func (h *Host) Disconnect(handle uint16, reason gap.DisconnectReason) {
	conn, ok := h.conns[handle]
	if !ok {
		return
	}
	if conn.Technology == gap.TechnologyClassic {
		h.bredr.Disconnect(handle, reason)
	} else {
		h.le.Disconnect(handle, reason)
	}
}
