package gap

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/sapphire-bt/host/errors"
	"github.com/sapphire-bt/host/internal/dispatch"
	"github.com/sapphire-bt/host/internal/hci"
	"github.com/sapphire-bt/host/smp"
)

// roleCentral is the HCI role byte this host always requests when
// accepting an inbound ConnectionRequest (spec §4.6: "accept with
// role=central").
const roleCentral uint8 = 0x00

type bredrConnectRequest struct {
	addr       [6]byte
	onComplete func(handle uint16, err error)
}

// BREDRConnector serializes BR/EDR connection initiation ("one
// pending CreateConnection at a time", spec §4.6), accepts inbound
// ConnectionRequest events, and drives interrogation to completion
// before a connection is reported ready. Grounded on the same
// status-then-async-event shape as LEConnector; no teacher source
// exists for central-role BR/EDR connection setup.
type BREDRConnector struct {
	cmd  *hci.CommandChannel
	loop *dispatch.Loop
	log  *logrus.Entry
	ir   *Interrogator

	// pairing is notified of every ACL connect/disconnect so its
	// per-handle session table stays in sync (spec §4.6: BR/EDR
	// pairing is keyed by address+handle, not raised until asked).
	// nil is valid: a host with BR/EDR connection management but no
	// pairing support simply skips the notification.
	pairing *smp.BREDRManager

	pending *bredrConnectRequest

	// onConnected is invoked once interrogation completes for any
	// connection (inbound or outbound), success or failure, so the
	// host layer can wire a LogicalLink and notify smp.BREDRManager.
	onConnected func(addr [6]byte, handle uint16, info *RemoteInfo, err error)
	// acceptInbound decides whether an inbound ConnectionRequest for
	// an ACL link should be accepted at all; nil accepts everything.
	acceptInbound func(addr [6]byte) bool
}

// NewBREDRConnector subscribes to ConnectionRequest/ConnectionComplete.
func NewBREDRConnector(loop *dispatch.Loop, cmd *hci.CommandChannel, log *logrus.Entry, ir *Interrogator) *BREDRConnector {
	c := &BREDRConnector{cmd: cmd, loop: loop, log: log, ir: ir}
	cmd.Subscribe(hci.EvtConnectionRequest, c.onConnectionRequest)
	cmd.Subscribe(hci.EvtConnectionComplete, c.onConnectionComplete)
	cmd.Subscribe(hci.EvtDisconnectionComplete, c.onDisconnectionComplete)
	return c
}

// SetPairingManager wires the BR/EDR SMP session table to this
// connector's connect/disconnect lifecycle; call before any
// connection completes.
func (c *BREDRConnector) SetPairingManager(mgr *smp.BREDRManager) { c.pairing = mgr }

// OnConnected registers the callback fired once per connection
// (inbound or outbound) after interrogation resolves.
func (c *BREDRConnector) OnConnected(h func(addr [6]byte, handle uint16, info *RemoteInfo, err error)) {
	c.onConnected = h
}

// OnInboundRequest registers the accept/reject policy for inbound
// ConnectionRequest events; returning false rejects with
// "connection rejected due to limited resources" semantics.
func (c *BREDRConnector) OnInboundRequest(h func(addr [6]byte) bool) { c.acceptInbound = h }

// Connect initiates an outbound ACL connection to addr. onComplete
// fires once interrogation completes (or fails); the logical link is
// not considered open until then (spec §4.6: "the logical-link object
// exists but does not expose channel-open to callers" before that).
func (c *BREDRConnector) Connect(addr [6]byte, onComplete func(handle uint16, err error)) {
	if c.pending != nil {
		onComplete(0, errors.New(errors.KindInProgress, "gap: bredr connection already in progress"))
		return
	}
	req := &bredrConnectRequest{addr: addr, onComplete: onComplete}
	c.pending = req

	payload := make([]byte, 13)
	copy(payload[0:6], addr[:])
	binary.LittleEndian.PutUint16(payload[6:8], 0xCC18) // packet type: DM1/DH1 through DH5, standard default
	payload[8] = 0x01                                    // page scan repetition mode R1
	payload[9] = 0x00                                    // reserved
	binary.LittleEndian.PutUint16(payload[10:12], 0x0000) // clock offset, unknown
	payload[12] = 0x01                                    // allow role switch

	c.cmd.SendCommand(hci.OpCreateConnection, payload, hci.EvtCommandStatus, func(res hci.CommandResult) {
		if c.pending != req {
			return
		}
		if res.Err != nil {
			c.pending = nil
			onComplete(0, res.Err)
		}
		// success: ConnectionComplete resolves the request below.
	})
}

func (c *BREDRConnector) onConnectionRequest(payload []byte) hci.SubscriberAction {
	if len(payload) < 10 {
		return hci.Continue
	}
	var addr [6]byte
	copy(addr[:], payload[0:6])
	linkType := payload[9]
	const linkTypeACL = 0x01
	if linkType != linkTypeACL {
		return hci.Continue
	}

	accept := c.acceptInbound == nil || c.acceptInbound(addr)
	if !accept {
		reject := make([]byte, 7)
		copy(reject[0:6], addr[:])
		reject[6] = 0x0D // reason: connection rejected due to limited resources
		c.cmd.SendCommand(hci.OpRejectConnectionRequest, reject, hci.EvtCommandStatus, func(hci.CommandResult) {})
		return hci.Continue
	}

	accepted := make([]byte, 7)
	copy(accepted[0:6], addr[:])
	accepted[6] = roleCentral
	c.cmd.SendCommand(hci.OpAcceptConnectionRequest, accepted, hci.EvtCommandStatus, func(hci.CommandResult) {})
	return hci.Continue
}

func (c *BREDRConnector) onConnectionComplete(payload []byte) hci.SubscriberAction {
	if len(payload) < 11 {
		return hci.Continue
	}
	status := payload[0]
	handle := binary.LittleEndian.Uint16(payload[1:3])
	var addr [6]byte
	copy(addr[:], payload[3:9])
	linkType := payload[9]
	const linkTypeACL = 0x01
	if linkType != linkTypeACL {
		return hci.Continue
	}

	req := c.pending
	isOutbound := req != nil && req.addr == addr
	if isOutbound {
		c.pending = nil
	}

	if status != 0 {
		err := errors.WithProto(errors.KindFailed, errors.ProtoHCIStatus, status, "gap: bredr connection failed")
		if isOutbound {
			req.onComplete(0, err)
		}
		if c.onConnected != nil {
			c.onConnected(addr, 0, nil, err)
		}
		return hci.Continue
	}

	if c.pairing != nil {
		c.pairing.NotifyConnected(addr, handle)
	}

	c.ir.Interrogate(handle, addr, func(info *RemoteInfo, err error) {
		if err != nil {
			err = errors.New(errors.KindFailed, "gap: interrogation failed: "+err.Error())
			c.Disconnect(handle, ReasonInterrogationFailed)
		}
		if isOutbound {
			req.onComplete(handle, err)
		}
		if c.onConnected != nil {
			c.onConnected(addr, handle, info, err)
		}
	})
	return hci.Continue
}

func (c *BREDRConnector) onDisconnectionComplete(payload []byte) hci.SubscriberAction {
	if len(payload) < 4 {
		return hci.Continue
	}
	status := payload[0]
	handle := binary.LittleEndian.Uint16(payload[1:3])
	if status != 0 {
		return hci.Continue
	}
	if c.pairing != nil {
		c.pairing.NotifyDisconnected(handle)
	}
	return hci.Continue
}

// disconnectParams builds the HCI Disconnect command payload; every
// DisconnectReason maps to the same wire reason (spec §4.6).
func disconnectParams(handle uint16) []byte {
	payload := make([]byte, 3)
	binary.LittleEndian.PutUint16(payload[0:2], handle)
	payload[2] = hciReasonRemoteUserTerminated
	return payload
}

// Disconnect issues HCI Disconnect for handle, tagging the local
// diagnostic reason (spec §4.6); it does not wait for
// DisconnectionComplete.
func (c *BREDRConnector) Disconnect(handle uint16, reason DisconnectReason) {
	c.log.WithField("handle", handle).WithField("reason", reason).Info("gap: disconnecting bredr link")
	c.cmd.SendCommand(hci.OpDisconnect, disconnectParams(handle), hci.EvtCommandStatus, func(hci.CommandResult) {})
}
