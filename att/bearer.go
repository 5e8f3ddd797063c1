package att

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sapphire-bt/host/errors"
	"github.com/sapphire-bt/host/internal/dispatch"
	"github.com/sapphire-bt/host/internal/hci"
	"github.com/sapphire-bt/host/internal/l2cap"
)

// requestTimeout is the 30-second no-response deadline that
// permanently shuts the bearer down (spec §4.4).
const requestTimeout = 30 * time.Second

// Bearer owns one ATT fixed channel (cid 0x0004) and its
// one-transaction-at-a-time contract (spec §4.4): a request locks the
// bearer until its matching response, an ErrorResponse, or a 30s
// timeout. Inbound indications are confirmed before their handler
// runs; no lock state is kept for the inbound direction.
// Grounded on C1's CommandChannel (internal/hci/command.go) for the
// pending-request/dispatch.Timer shape, since both are "one
// outstanding exchange, callback on completion, fatal on timeout"
// designs; the opcode table itself is adapted from the teacher's
// att.go.
type Bearer struct {
	channel *l2cap.Channel
	log     *logrus.Entry
	loop    *dispatch.Loop

	mtu uint16

	pendingReq *pendingRequest

	notifyHandlers map[uint16]func([]byte)
	indHandlers    map[uint16]func([]byte)

	onClosed func(error)
	closed   bool
}

type pendingRequest struct {
	opcode   Opcode
	callback func(resp []byte, err error)
	timer    *dispatch.Timer
}

// NewBearer wraps an already-open ATT fixed channel. initialMTU is
// att.LEMinMTU until ExchangeMTU completes.
func NewBearer(loop *dispatch.Loop, channel *l2cap.Channel, log *logrus.Entry) *Bearer {
	b := &Bearer{
		channel:        channel,
		log:            log,
		loop:           loop,
		mtu:            LEMinMTU,
		notifyHandlers: make(map[uint16]func([]byte)),
		indHandlers:    make(map[uint16]func([]byte)),
	}
	channel.Attach(b)
	return b
}

// MTU returns the currently negotiated ATT_MTU.
func (b *Bearer) MTU() uint16 { return b.mtu }

// UpdateMTU records the negotiated ATT_MTU once ExchangeMTU completes.
func (b *Bearer) UpdateMTU(mtu uint16) { b.mtu = mtu }

// OnNotify/OnIndicate register a per-handle fan-out callback for
// unsolicited server traffic; SetClosedHandler fires once when the
// bearer is permanently shut down (timeout, or the channel closing).
func (b *Bearer) OnNotify(handle uint16, h func([]byte))   { b.notifyHandlers[handle] = h }
func (b *Bearer) OnIndicate(handle uint16, h func([]byte)) { b.indHandlers[handle] = h }
func (b *Bearer) SetClosedHandler(h func(error))           { b.onClosed = h }

// Request transmits a single ATT request PDU and locks the bearer
// until its response, a matching ErrorResponse, or the 30s timeout
// (spec §4.4).
func (b *Bearer) Request(opcode Opcode, pdu []byte, cb func(resp []byte, err error)) {
	if b.closed {
		cb(nil, errClosed())
		return
	}
	if b.pendingReq != nil {
		cb(nil, errors.New(errors.KindInProgress, "att: request already pending"))
		return
	}
	pr := &pendingRequest{opcode: opcode, callback: cb}
	b.pendingReq = pr
	pr.timer = b.loop.PostAfter(requestTimeout, func() {
		if b.pendingReq != pr {
			return
		}
		b.pendingReq = nil
		b.shutdown(errors.New(errors.KindTimedOut, "att: request timed out"))
	})
	b.channel.Send(pdu, hci.PriorityHigh)
}

// Command transmits a command PDU (e.g. WriteCommand): fire-and-forget,
// no response, no bearer lock.
func (b *Bearer) Command(pdu []byte) {
	if b.closed {
		return
	}
	b.channel.Send(pdu, hci.PriorityHigh)
}

// confirmIndication sends the mandatory HandleValueConfirmation before
// the indication's value is handed to its registered handler (spec
// §4.4: "auto-confirm indications must be emitted by the bearer
// itself before dispatching to the handler").
func (b *Bearer) confirmIndication() {
	b.channel.Send(MarshalHandleValueConfirmation(), hci.PriorityHigh)
}

// HandleData implements l2cap.ChannelHandler.
func (b *Bearer) HandleData(payload []byte) {
	if len(payload) == 0 || b.closed {
		return
	}
	opcode := Opcode(payload[0])
	switch opcode {
	case OpError:
		b.completeRequest(payload)
	case OpHandleValueNotify:
		n, err := UnmarshalHandleValue(payload)
		if err != nil {
			return
		}
		if h, ok := b.notifyHandlers[n.Handle]; ok {
			h(n.Value)
		}
	case OpHandleValueInd:
		n, err := UnmarshalHandleValue(payload)
		if err != nil {
			return
		}
		b.confirmIndication()
		if h, ok := b.indHandlers[n.Handle]; ok {
			h(n.Value)
		}
	default:
		b.completeRequest(payload)
	}
}

func (b *Bearer) completeRequest(payload []byte) {
	pr := b.pendingReq
	if pr == nil {
		return
	}
	if errResp, err := UnmarshalErrorResponse(payload); err == nil && Opcode(payload[0]) == OpError {
		if errResp.RequestOpcode != pr.opcode {
			return
		}
		b.pendingReq = nil
		pr.timer.Stop()
		pr.callback(nil, errors.WithProto(errors.KindFailed, errors.ProtoATTError, uint8(errResp.Code), "att: error response"))
		return
	}
	want, ok := respFor[pr.opcode]
	if !ok || Opcode(payload[0]) != want {
		return
	}
	b.pendingReq = nil
	pr.timer.Stop()
	pr.callback(payload, nil)
}

// OnClosed implements l2cap.ChannelHandler: the underlying channel
// died, so every pending exchange fails and the bearer is locked shut.
func (b *Bearer) OnClosed() {
	b.shutdown(errors.New(errors.KindLinkDisconnected, "att: channel closed"))
}

func (b *Bearer) shutdown(err error) {
	if b.closed {
		return
	}
	b.closed = true
	b.log.WithError(err).Warn("att: bearer shut down")
	if b.pendingReq != nil {
		pr := b.pendingReq
		b.pendingReq = nil
		pr.timer.Stop()
		pr.callback(nil, err)
	}
	if b.onClosed != nil {
		b.onClosed(err)
	}
}

func errClosed() error {
	return errors.New(errors.KindLinkDisconnected, "att: bearer permanently shut down")
}
