package hci

import (
	"encoding/binary"
	"time"

	"github.com/sapphire-bt/host/errors"
	"github.com/sapphire-bt/host/internal/dispatch"

	"github.com/sirupsen/logrus"
)

// commandTimeout is the per-command deadline enforced by the command
// channel (12 seconds, Core Spec Vol 2 Part E §4.4).
const commandTimeout = 12 * time.Second

// SubscriberAction is returned by an async event subscriber to tell
// the channel whether to keep delivering future events of that code
// to it.
type SubscriberAction int

const (
	Continue SubscriberAction = iota
	Remove
)

// AsyncHandler receives unsolicited events (spec §4.1: "a separate
// registration allows upper layers to subscribe to specific event
// codes").
type AsyncHandler func(payload []byte) SubscriberAction

// CommandResult is delivered to a command's completion callback: the
// raw return parameters (for CommandComplete) or an error derived
// from a CommandStatus/timeout/transport failure.
type CommandResult struct {
	Params []byte
	Err    error
}

type pendingCommand struct {
	opcode      Opcode
	payload     []byte
	expectEvent EventCode
	callback    func(CommandResult)
	timer       *dispatch.Timer
}

// CommandChannel serializes HCI commands the way the teacher's
// cmd.Cmd does (one outstanding command tracked in a done-channel
// slip), generalized from a blocking Send to the dispatcher's
// callback style and extended with the spec's credit counter, 12s
// timeout, and async-event subscription table. Every field below is
// only ever touched from tasks running on loop, so no mutex guards
// them.
type CommandChannel struct {
	loop   *dispatch.Loop
	ctrl   Controller
	log    *logrus.Entry
	onFail func(error)

	queue    []*pendingCommand
	inFlight *pendingCommand
	credit   int

	subscribers map[EventCode][]AsyncHandler

	closed bool
}

// NewCommandChannel constructs a channel bound to ctrl, posting all
// its work onto loop. onFail is invoked once, from the loop, when the
// channel shuts down irrecoverably (12s timeout or controller
// failure).
func NewCommandChannel(loop *dispatch.Loop, ctrl Controller, log *logrus.Entry, onFail func(error)) *CommandChannel {
	return &CommandChannel{
		loop:        loop,
		ctrl:        ctrl,
		log:         log,
		onFail:      onFail,
		credit:      1,
		subscribers: make(map[EventCode][]AsyncHandler),
	}
}

// SendCommand enqueues opcode+payload for transmission. expectEvent
// is the event code the reply is matched against; pass EvtCommandComplete
// (the default per spec §4.1) unless the command completes via
// CommandStatus. No other event code completes a command; a non-zero
// CommandStatus fails the command whatever expectEvent is.
func (c *CommandChannel) SendCommand(opcode Opcode, payload []byte, expectEvent EventCode, cb func(CommandResult)) {
	c.loop.Post(func() {
		if c.closed {
			cb(CommandResult{Err: errors.New(errors.KindNotReady, "command channel closed")})
			return
		}
		pc := &pendingCommand{opcode: opcode, payload: payload, expectEvent: expectEvent, callback: cb}
		c.queue = append(c.queue, pc)
		c.pump()
	})
}

// pump forwards queued commands to the controller while credit
// permits (spec §4.1: "1 outstanding by default, adjusted by
// NumCompletedPackets-style flow").
func (c *CommandChannel) pump() {
	if c.closed || c.inFlight != nil || c.credit <= 0 || len(c.queue) == 0 {
		return
	}
	pc := c.queue[0]
	c.queue = c.queue[1:]
	c.inFlight = pc
	c.credit--

	raw := marshalCommand(pc.opcode, pc.payload)
	if err := c.ctrl.SendCommand(raw); err != nil {
		c.failAll(err)
		return
	}
	pc.timer = c.loop.PostAfter(commandTimeout, func() {
		c.onTimeout(pc)
	})
}

func marshalCommand(opcode Opcode, payload []byte) []byte {
	h := CommandHeader{Opcode: opcode, PLen: uint8(len(payload))}
	return append(h.Marshal(), payload...)
}

// HandleEvent is fed every inbound event packet by Transport's read
// loop. It must run on the dispatcher.
func (c *CommandChannel) HandleEvent(hdr EventHeader, payload []byte) {
	if c.closed {
		return
	}
	switch hdr.Code {
	case EvtCommandComplete:
		c.completeInFlight(EvtCommandComplete, commandCompleteOpcode(payload), commandCompleteParams(payload))
	case EvtCommandStatus:
		status, opcode := commandStatusFields(payload)
		if status != 0 {
			c.completeInFlightErr(opcode, errors.WithProto(errors.KindFailed, errors.ProtoHCIStatus, status, "command status"))
			return
		}
		c.completeInFlight(EvtCommandStatus, opcode, nil)
	default:
		c.dispatchAsync(hdr.Code, payload)
	}
}

func (c *CommandChannel) completeInFlight(code EventCode, opcode Opcode, params []byte) {
	if c.inFlight == nil || c.inFlight.opcode != opcode || c.inFlight.expectEvent != code {
		c.log.WithField("opcode", opcode).Warn("hci: event matched no pending command")
		return
	}
	pc := c.inFlight
	c.inFlight = nil
	c.credit++
	pc.timer.Stop()
	pc.callback(CommandResult{Params: params})
	c.pump()
}

func (c *CommandChannel) completeInFlightErr(opcode Opcode, err error) {
	if c.inFlight == nil || c.inFlight.opcode != opcode {
		c.log.WithField("opcode", opcode).Warn("hci: error event matched no pending command")
		return
	}
	pc := c.inFlight
	c.inFlight = nil
	c.credit++
	pc.timer.Stop()
	pc.callback(CommandResult{Err: err})
	c.pump()
}

// onTimeout implements the spec's fatal timeout rule: the offending
// command and every other still-pending command fail, and no further
// command is ever processed by this channel again.
func (c *CommandChannel) onTimeout(pc *pendingCommand) {
	if c.closed || c.inFlight != pc {
		return
	}
	c.failAll(errors.WithProto(errors.KindTimedOut, errors.ProtoHCIStatus, 0x01, "command timed out"))
}

func (c *CommandChannel) failAll(err error) {
	if c.closed {
		return
	}
	c.closed = true
	if c.inFlight != nil {
		c.inFlight.timer.Stop()
		c.inFlight.callback(CommandResult{Err: err})
		c.inFlight = nil
	}
	for _, pc := range c.queue {
		pc.callback(CommandResult{Err: err})
	}
	c.queue = nil
	if c.onFail != nil {
		c.onFail(err)
	}
}

// Subscribe registers h to receive every future event of code until
// it returns Remove.
func (c *CommandChannel) Subscribe(code EventCode, h AsyncHandler) {
	c.loop.Post(func() {
		c.subscribers[code] = append(c.subscribers[code], h)
	})
}

func (c *CommandChannel) dispatchAsync(code EventCode, payload []byte) {
	handlers := c.subscribers[code]
	if len(handlers) == 0 {
		return
	}
	kept := handlers[:0]
	for _, h := range handlers {
		if h(payload) == Continue {
			kept = append(kept, h)
		}
	}
	c.subscribers[code] = kept
}

func commandCompleteOpcode(b []byte) Opcode {
	if len(b) < 3 {
		return 0
	}
	return Opcode(binary.LittleEndian.Uint16(b[1:3]))
}

func commandCompleteParams(b []byte) []byte {
	if len(b) < 3 {
		return nil
	}
	return b[3:]
}

func commandStatusFields(b []byte) (status uint8, opcode Opcode) {
	if len(b) < 4 {
		return 0, 0
	}
	return b[0], Opcode(binary.LittleEndian.Uint16(b[2:4]))
}
