package gap

import (
	"github.com/sapphire-bt/host/errors"
	"github.com/sapphire-bt/host/internal/l2cap"
	"github.com/sapphire-bt/host/smp"
)

// SecurityRequirements names the pairing properties OpenL2capChannel
// must first raise the link to (spec §4.6: "Pairing gating").
type SecurityRequirements struct {
	Authentication    bool
	SecureConnections bool
}

// Satisfied reports whether a completed pairing Result meets req.
func (req SecurityRequirements) Satisfied(r smp.Result) bool {
	if !r.Success {
		return false
	}
	if req.SecureConnections && !r.SC {
		return false
	}
	return true
}

// PairingRaiser starts (or reuses) whatever pairing exchange is
// needed to satisfy req, delivering the outcome once. Connection's LE
// and BR/EDR constructors adapt smp.Manager.StartPairing and
// smp.BREDRManager.StartPairing to this shape.
type PairingRaiser func(req SecurityRequirements, cb func(smp.Result))

// Connection is a GAP-level handle on one logical link: the
// underlying L2CAP multiplexer plus the interrogation/pairing gates
// spec §4.6 imposes in front of dynamic-channel open. Grounded on
// spec §4.6's "Pairing gating for channel open" paragraph; no direct
// teacher type (paypal-gatt's conn.go is peripheral-only and has no
// gating concept at all).
type Connection struct {
	Link         *l2cap.LogicalLink
	Peer         Address
	Handle       uint16
	Technology   Technology
	Remote       *RemoteInfo // nil for LE, populated once BR/EDR interrogation completes
	Interrogated bool

	raisePairing PairingRaiser
	alreadySecure func() bool
}

// NewLEConnection wraps a just-established LE link. LE links need no
// interrogation (spec §4.6 only requires it for BR/EDR), so
// Interrogated is true immediately.
func NewLEConnection(link *l2cap.LogicalLink, peer Address, handle uint16, raise PairingRaiser) *Connection {
	return &Connection{
		Link:         link,
		Peer:         peer,
		Handle:       handle,
		Technology:   TechnologyLE,
		Interrogated: true,
		raisePairing: raise,
	}
}

// NewBREDRConnection wraps a BR/EDR link once interrogation has
// completed; remote must be non-nil.
func NewBREDRConnection(link *l2cap.LogicalLink, peer Address, handle uint16, remote *RemoteInfo, raise PairingRaiser) *Connection {
	return &Connection{
		Link:         link,
		Peer:         peer,
		Handle:       handle,
		Technology:   TechnologyClassic,
		Remote:       remote,
		Interrogated: true,
		raisePairing: raise,
	}
}

// SetSecurityGate installs an optional "already secure" check (wired
// by the host layer to the peer cache's bond state), so a previously
// bonded peer skips re-pairing.
func (c *Connection) SetSecurityGate(alreadySecure func() bool) { c.alreadySecure = alreadySecure }

// OpenL2capChannel raises the link to the requested security level
// (if not already there), then opens a dynamic channel via the
// link's signaling instance. Security requirement failure propagates
// to cb as a nil channel and the pairing error (spec §4.6).
func (c *Connection) OpenL2capChannel(psm uint16, req SecurityRequirements, wantERTM bool, cb func(*l2cap.DynamicChannel, error)) {
	if !c.Interrogated {
		cb(nil, errors.New(errors.KindNotReady, "gap: connection not yet interrogated"))
		return
	}
	open := func() {
		c.Link.Signaling().OpenOutbound(psm, wantERTM, cb, func([]byte) {}, func(bool) {})
	}
	if c.alreadySecure != nil && c.alreadySecure() {
		open()
		return
	}
	if c.raisePairing == nil {
		open()
		return
	}
	c.raisePairing(req, func(r smp.Result) {
		if !req.Satisfied(r) {
			err := r.Err
			if err == nil {
				err = errors.New(errors.KindFailed, "gap: security requirements not satisfied")
			}
			cb(nil, err)
			return
		}
		open()
	})
}

// LEPairingRaiser adapts an smp.Manager's Initiator-only StartPairing
// to the PairingRaiser shape OpenL2capChannel expects.
func LEPairingRaiser(mgr *smp.Manager) PairingRaiser {
	return func(req SecurityRequirements, cb func(smp.Result)) {
		mgr.StartPairing(cb)
	}
}

// BREDRPairingRaiser adapts smp.BREDRManager.StartPairing (which is
// keyed by address+handle, since one BREDRManager serves every BR/EDR
// connection on the host) to the PairingRaiser shape.
func BREDRPairingRaiser(mgr *smp.BREDRManager, addr [6]byte, handle uint16) PairingRaiser {
	return func(req SecurityRequirements, cb func(smp.Result)) {
		mgr.StartPairing(addr, handle, cb)
	}
}
