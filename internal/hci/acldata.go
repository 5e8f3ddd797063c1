package hci

import (
	"github.com/sapphire-bt/host/internal/dispatch"

	"github.com/sirupsen/logrus"
)

// LinkType distinguishes the two ACL buffer pools the controller
// exposes (spec §4.2: "per-transport (BR/EDR vs LE) buffer-descriptor
// information").
type LinkType int

const (
	LinkBREDR LinkType = iota
	LinkLE
)

// Priority selects one of the two per-handle dispatch queues.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityHigh
)

// bufferPool tracks one transport's controller-side buffer budget,
// the way the teacher's l2cap.L2CAP tracks its single bufCnt/bufSize
// pair (linux/internal/l2cap/l2cap.go), generalized to two pools (LE
// may have a separate buffer budget from BR/EDR) and to a counted
// credit instead of a blocking channel, since sends here are posted
// through the dispatcher rather than issued by a blocking goroutine.
type bufferPool struct {
	maxDataLength uint16
	maxNumPackets int
	credit        int
}

type queuedPacket struct {
	handle uint16
	frags  [][]byte
}

type handleState struct {
	linkType   LinkType
	high       []queuedPacket
	low        []queuedPacket
	outstanding int // packets currently delegated to the controller for this handle
}

// ACLDataChannel implements C3: per-handle priority queues draining
// against the controller's buffer credit, registered-handle tracking,
// DropQueuedPackets, and the optional vendor ACL-priority hint. All
// state is only touched from tasks posted to loop.
type ACLDataChannel struct {
	loop *dispatch.Loop
	ctrl Controller
	cmds *CommandChannel
	log  *logrus.Entry

	pools   map[LinkType]*bufferPool
	handles map[uint16]*handleState
}

func NewACLDataChannel(loop *dispatch.Loop, ctrl Controller, cmds *CommandChannel, log *logrus.Entry) *ACLDataChannel {
	return &ACLDataChannel{
		loop:    loop,
		ctrl:    ctrl,
		cmds:    cmds,
		log:     log,
		pools:   make(map[LinkType]*bufferPool),
		handles: make(map[uint16]*handleState),
	}
}

// SetBufferInfo records the buffer descriptor for a transport,
// obtained via ReadBufferSize/LEReadBufferSize (spec §4.2).
func (a *ACLDataChannel) SetBufferInfo(lt LinkType, maxDataLength uint16, maxNumPackets int) {
	a.loop.Post(func() {
		a.pools[lt] = &bufferPool{maxDataLength: maxDataLength, maxNumPackets: maxNumPackets, credit: maxNumPackets}
	})
}

// RegisterHandle admits a connection handle to receive queued
// traffic. Packets for unregistered handles are dropped immediately,
// per spec §4.2.
func (a *ACLDataChannel) RegisterHandle(handle uint16, lt LinkType) {
	a.loop.Post(func() {
		a.handles[handle] = &handleState{linkType: lt}
	})
}

// UnregisterHandle discards all queued packets for handle. The
// controller-side packet count for the handle is cleared separately,
// via ClearControllerPacketCount, once DisconnectionComplete arrives
// (spec §4.2).
func (a *ACLDataChannel) UnregisterHandle(handle uint16) {
	a.loop.Post(func() {
		delete(a.handles, handle)
	})
}

// ClearControllerPacketCount resets the credit consumed by packets
// the controller will never acknowledge with NumberOfCompletedPackets
// because the link already dropped (spec §4.2).
func (a *ACLDataChannel) ClearControllerPacketCount(handle uint16, lt LinkType) {
	a.loop.Post(func() {
		hs, ok := a.handles[handle]
		if !ok {
			return
		}
		pool := a.pools[lt]
		if pool != nil {
			pool.credit += hs.outstanding
			if pool.credit > pool.maxNumPackets {
				pool.credit = pool.maxNumPackets
			}
		}
	})
}

// QueueFragments enqueues one atomic group of ACL fragments (all
// fragments of a single L2CAP SDU) for handle at priority p. The
// group is delegated to the controller as one contiguous unit so it
// is never interleaved with another handle's or another SDU's
// fragments mid-PDU (spec §4.2).
func (a *ACLDataChannel) QueueFragments(handle uint16, p Priority, frags [][]byte) {
	a.loop.Post(func() {
		hs, ok := a.handles[handle]
		if !ok {
			a.log.WithField("handle", handle).Warn("hci: dropping ACL fragments for unregistered handle")
			return
		}
		pkt := queuedPacket{handle: handle, frags: frags}
		if p == PriorityHigh {
			hs.high = append(hs.high, pkt)
		} else {
			hs.low = append(hs.low, pkt)
		}
		a.pump(hs)
	})
}

// pump drains queued fragments against the appropriate buffer pool's
// credit, draining High before Low at the credit boundary (spec
// §4.2). Packets already delegated to the controller (outstanding)
// are never preempted — pump only ever appends new sends.
func (a *ACLDataChannel) pump(hs *handleState) {
	pool := a.pools[hs.linkType]
	if pool == nil {
		return
	}
	for pool.credit > 0 {
		var pkt *queuedPacket
		if len(hs.high) > 0 {
			pkt = &hs.high[0]
			hs.high = hs.high[1:]
		} else if len(hs.low) > 0 {
			pkt = &hs.low[0]
			hs.low = hs.low[1:]
		} else {
			return
		}
		for _, frag := range pkt.frags {
			if pool.credit <= 0 {
				// Should not happen: fragment groups are sized to fit
				// one packet each at this layer; the fragmenter (C4)
				// is responsible for splitting at the ACL MTU.
				a.log.Warn("hci: ran out of acl credit mid fragment group")
				break
			}
			if err := a.ctrl.SendACL(frag); err != nil {
				a.log.WithError(err).Warn("hci: acl send failed")
				return
			}
			pool.credit--
			hs.outstanding++
		}
	}
}

// HandleNumberOfCompletedPackets returns controller buffer credit for
// acknowledged handles (spec §4.2, Core Spec Vol 2 Part E §4.1.1).
// completions maps connection handle to the number of packets the
// controller just reported as completed.
func (a *ACLDataChannel) HandleNumberOfCompletedPackets(completions map[uint16]int) {
	a.loop.Post(func() {
		for handle, n := range completions {
			hs, ok := a.handles[handle]
			if !ok {
				continue
			}
			pool := a.pools[hs.linkType]
			if pool == nil {
				continue
			}
			hs.outstanding -= n
			if hs.outstanding < 0 {
				hs.outstanding = 0
			}
			pool.credit += n
			if pool.credit > pool.maxNumPackets {
				pool.credit = pool.maxNumPackets
			}
			a.pump(hs)
		}
	})
}

// DropPredicate reports whether a queued packet for handle should be
// discarded, e.g. because the L2CAP channel it belongs to has closed.
type DropPredicate func(handle uint16) bool

// DropQueuedPackets lets L2CAP discard stale PDUs for a torn-down
// dynamic channel without waiting for them to reach the controller
// (spec §4.2).
func (a *ACLDataChannel) DropQueuedPackets(pred DropPredicate) {
	a.loop.Post(func() {
		for handle, hs := range a.handles {
			if !pred(handle) {
				continue
			}
			hs.high = nil
			hs.low = nil
		}
	})
}

// SetACLPriority forwards the optional per-connection ACL priority
// hint (Source/Sink/Normal) through the vendor command named in spec
// §4.2/§6, when the controller advertises the capability.
func (a *ACLDataChannel) SetACLPriority(handle uint16, priority uint8, cb func(error)) {
	a.loop.Post(func() {
		if a.ctrl.VendorFeatures()&FeatureSetACLPriority == 0 {
			cb(nil)
			return
		}
		payload := make([]byte, 3)
		payload[0] = byte(handle)
		payload[1] = byte(handle >> 8)
		payload[2] = priority
		a.cmds.SendCommand(OpVendorSetACLPriority, payload, EvtCommandComplete, func(res CommandResult) {
			cb(res.Err)
		})
	})
}

// SetAutomaticFlushTimeout configures the BR/EDR per-handle flush
// timeout. timeout is in the controller's 0.625ms units, 1ms..1.28s;
// 0 means infinite (spec §4.2).
func (a *ACLDataChannel) SetAutomaticFlushTimeout(handle uint16, timeout uint16, cb func(error)) {
	payload := make([]byte, 4)
	payload[0] = byte(handle)
	payload[1] = byte(handle >> 8)
	payload[2] = byte(timeout)
	payload[3] = byte(timeout >> 8)
	a.cmds.SendCommand(OpWriteAutomaticFlushTimeout, payload, EvtCommandComplete, func(res CommandResult) {
		cb(res.Err)
	})
}
