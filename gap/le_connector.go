package gap

import (
	"encoding/binary"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sapphire-bt/host/errors"
	"github.com/sapphire-bt/host/internal/dispatch"
	"github.com/sapphire-bt/host/internal/hci"
)

// leConnectTimeout is the default LE CreateConnection deadline (spec
// §5: "LE CreateConnection: 10 s (user-configurable)").
const leConnectTimeout = 10 * time.Second

// statusUnknownConnectionID is the HCI status an aborted
// LECreateConnection resolves through: the eventual LEConnectionComplete
// carries this code for both the user-Cancel and the timeout path
// (spec §4.6).
const statusUnknownConnectionID uint8 = 0x02

// ConnectionParams is the subset of LE connection parameters an
// initiator proposes (Core Spec Vol 2 Part E §7.8.12).
type ConnectionParams struct {
	ScanInterval       uint16
	ScanWindow         uint16
	ConnIntervalMin    uint16
	ConnIntervalMax    uint16
	ConnLatency        uint16
	SupervisionTimeout uint16
	MinCELen           uint16
	MaxCELen           uint16
}

// DefaultConnectionParams mirrors commonly used central defaults (30ms
// scan interval/window, 30-50ms connection interval, no latency, 720ms
// supervision timeout).
func DefaultConnectionParams() ConnectionParams {
	return ConnectionParams{
		ScanInterval:       0x0030,
		ScanWindow:         0x0030,
		ConnIntervalMin:    0x0018,
		ConnIntervalMax:    0x0028,
		ConnLatency:        0,
		SupervisionTimeout: 0x0048,
		MinCELen:           0,
		MaxCELen:           0,
	}
}

// LocalAddressDelegate resolves which own-address-type an outbound LE
// connection should use before LECreateConnection is issued (spec
// §4.6: "resolve the local address type via the LocalAddressDelegate
// (asynchronous); during this window a Cancel must be honored without
// sending any controller command"). cb must be invoked exactly once,
// eventually, from any goroutine.
type LocalAddressDelegate func(peer Address, cb func(ownAddrType uint8, err error))

type leConnectRequest struct {
	peer          Address
	onComplete    func(handle uint16, role uint8, err error)
	timer         *dispatch.Timer
	resolvingAddr bool
	canceled      bool
	timedOut      bool
}

// LEConnector serializes LE connection initiation: "one outbound
// initiation at a time per link-layer constraint" (spec §4.6).
// Grounded on smp.Manager's single-pending-exchange shape generalized
// to HCI's status-then-async-event split instead of a single
// synchronous reply.
type LEConnector struct {
	cmd       *hci.CommandChannel
	loop      *dispatch.Loop
	log       *logrus.Entry
	localAddr LocalAddressDelegate

	pending *leConnectRequest
}

// NewLEConnector subscribes to LEConnectionComplete once; localAddr
// may be nil, in which case every connection uses own-address-type
// public (0x00).
func NewLEConnector(loop *dispatch.Loop, cmd *hci.CommandChannel, log *logrus.Entry, localAddr LocalAddressDelegate) *LEConnector {
	c := &LEConnector{cmd: cmd, loop: loop, log: log, localAddr: localAddr}
	cmd.Subscribe(hci.EvtLEMeta, c.onLEMeta)
	return c
}

// Connect initiates an LE connection to peer. onComplete is invoked
// exactly once, from the dispatcher, with either a connection handle
// and link-layer role, or an error (errors.KindInProgress if a
// connection is already in flight, errors.KindCanceled/KindTimedOut
// for an aborted attempt).
func (c *LEConnector) Connect(peer Address, params ConnectionParams, onComplete func(handle uint16, role uint8, err error)) {
	if c.pending != nil {
		onComplete(0, 0, errors.New(errors.KindInProgress, "gap: le connection already in progress"))
		return
	}
	req := &leConnectRequest{peer: peer, onComplete: onComplete, resolvingAddr: true}
	c.pending = req

	cb := func(ownAddrType uint8, err error) {
		c.loop.Post(func() { c.onAddressResolved(req, ownAddrType, err, params) })
	}
	if c.localAddr != nil {
		c.localAddr(peer, cb)
	} else {
		cb(0, nil)
	}
}

func (c *LEConnector) onAddressResolved(req *leConnectRequest, ownAddrType uint8, err error, params ConnectionParams) {
	if c.pending != req {
		return
	}
	req.resolvingAddr = false
	if req.canceled {
		c.finish(req, 0, 0, errors.New(errors.KindCanceled, "gap: le connection canceled"))
		return
	}
	if err != nil {
		c.finish(req, 0, 0, err)
		return
	}

	payload := make([]byte, 25)
	binary.LittleEndian.PutUint16(payload[0:2], params.ScanInterval)
	binary.LittleEndian.PutUint16(payload[2:4], params.ScanWindow)
	payload[4] = 0 // initiator filter policy: use peer address
	payload[5] = leAddrType(req.peer)
	copy(payload[6:12], req.peer.Bytes[:])
	payload[12] = ownAddrType
	binary.LittleEndian.PutUint16(payload[13:15], params.ConnIntervalMin)
	binary.LittleEndian.PutUint16(payload[15:17], params.ConnIntervalMax)
	binary.LittleEndian.PutUint16(payload[17:19], params.ConnLatency)
	binary.LittleEndian.PutUint16(payload[19:21], params.SupervisionTimeout)
	binary.LittleEndian.PutUint16(payload[21:23], params.MinCELen)
	binary.LittleEndian.PutUint16(payload[23:25], params.MaxCELen)

	c.cmd.SendCommand(hci.OpLECreateConnection, payload, hci.EvtCommandStatus, func(res hci.CommandResult) {
		if c.pending != req {
			return
		}
		if res.Err != nil {
			c.finish(req, 0, 0, res.Err)
			return
		}
		req.timer = c.loop.PostAfter(leConnectTimeout, func() { c.onTimeout(req) })
	})
}

func (c *LEConnector) onTimeout(req *leConnectRequest) {
	if c.pending != req || req.timedOut || req.canceled {
		return
	}
	req.timedOut = true
	c.cmd.SendCommand(hci.OpLECreateConnectionCancel, nil, hci.EvtCommandComplete, func(hci.CommandResult) {})
}

// Cancel aborts the in-flight connection attempt, if any. During the
// address-resolution window this honors the cancel without sending
// any controller command (spec §4.6); otherwise it issues
// LECreateConnectionCancel and waits for the resulting
// LEConnectionComplete(status=UnknownConnectionId).
func (c *LEConnector) Cancel() {
	req := c.pending
	if req == nil {
		return
	}
	req.canceled = true
	if req.resolvingAddr {
		return
	}
	if req.timer != nil {
		req.timer.Stop()
	}
	c.cmd.SendCommand(hci.OpLECreateConnectionCancel, nil, hci.EvtCommandComplete, func(hci.CommandResult) {})
}

func (c *LEConnector) onLEMeta(payload []byte) hci.SubscriberAction {
	if len(payload) < 1 || hci.LEEventCode(payload[0]) != hci.LEEvtConnectionComplete {
		return hci.Continue
	}
	body := payload[1:]
	if len(body) < 18 {
		return hci.Continue
	}
	status := body[0]
	handle := binary.LittleEndian.Uint16(body[1:3])
	role := body[3]

	req := c.pending
	if req == nil {
		return hci.Continue
	}
	if req.timer != nil {
		req.timer.Stop()
	}
	if status != 0 {
		if status == statusUnknownConnectionID && (req.canceled || req.timedOut) {
			kind := errors.KindCanceled
			if req.timedOut {
				kind = errors.KindTimedOut
			}
			c.finish(req, 0, 0, errors.New(kind, "gap: le connection aborted"))
			return hci.Continue
		}
		c.finish(req, 0, 0, errors.WithProto(errors.KindFailed, errors.ProtoHCIStatus, status, "gap: le connection failed"))
		return hci.Continue
	}
	c.finish(req, handle, role, nil)
	return hci.Continue
}

func (c *LEConnector) finish(req *leConnectRequest, handle uint16, role uint8, err error) {
	if c.pending != req {
		return
	}
	c.pending = nil
	req.onComplete(handle, role, err)
}

// Disconnect issues HCI Disconnect for an LE link handle, tagging the
// local diagnostic reason (spec §4.6).
func (c *LEConnector) Disconnect(handle uint16, reason DisconnectReason) {
	c.log.WithField("handle", handle).WithField("reason", reason).Info("gap: disconnecting le link")
	c.cmd.SendCommand(hci.OpDisconnect, disconnectParams(handle), hci.EvtCommandStatus, func(hci.CommandResult) {})
}
