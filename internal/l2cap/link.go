package l2cap

import (
	"github.com/sapphire-bt/host/internal/dispatch"
	"github.com/sapphire-bt/host/internal/hci"

	"github.com/sirupsen/logrus"
)

// LinkErrorHandler is notified once when a link-level error occurs
// (spec §4.3: "posts one link-error callback to the dispatcher;
// further operations on the link are no-ops").
type LinkErrorHandler func(err error)

// LogicalLink is one ACL connection's L2CAP state: its recombiner,
// its demultiplexed channel set, and the outbound fragmenter/credit
// path down to C3. Grounded on the teacher's l2cap.go `l2cap` struct
// (one instance per connection, owning `handles` and dispatch) and
// linux/internal/l2cap/l2cap.go's per-handle `Conn` bookkeeping,
// merged into a single type since this core, unlike the teacher,
// must support both fixed and dynamic channels on the same link.
type LogicalLink struct {
	loop   *dispatch.Loop
	acl    *hci.ACLDataChannel
	log    *logrus.Entry
	Handle uint16
	aclMTU int

	recombiner *Recombiner
	channels   map[uint16]*Channel
	signaling  *Signaling

	onError LinkErrorHandler
	closed  bool
}

// NewLogicalLink creates a link for an already-established ACL
// connection handle. isLE selects cid 5 vs cid 1 for the signaling
// channel (spec §4.3).
func NewLogicalLink(loop *dispatch.Loop, acl *hci.ACLDataChannel, log *logrus.Entry, handle uint16, aclMTU int, isLE bool) *LogicalLink {
	l := &LogicalLink{
		loop:       loop,
		acl:        acl,
		log:        log,
		Handle:     handle,
		aclMTU:     aclMTU,
		recombiner: NewRecombiner(),
		channels:   make(map[uint16]*Channel),
	}
	sigCID := CIDSignalingBREDR
	if isLE {
		sigCID = CIDSignalingLE
	}
	l.signaling = newSignaling(l, sigCID)
	l.channels[sigCID] = &Channel{link: l, CID: sigCID}
	l.channels[sigCID].Attach(l.signaling)
	return l
}

// OnError registers the link-error callback.
func (l *LogicalLink) OnError(h LinkErrorHandler) { l.onError = h }

// Signaling returns the link's signaling channel instance, through
// which callers open and accept dynamic channels (spec §4.3).
func (l *LogicalLink) Signaling() *Signaling { return l.signaling }

// linkMaxMTU is the local rxMTU this host proposes in an outbound or
// inbound ConfigurationRequest absent any channel-specific override.
func (l *LogicalLink) linkMaxMTU() uint16 { return DefaultMTU }

// FixedChannel returns (creating if necessary) the Channel for a
// fixed cid such as ATT or SMP.
func (l *LogicalLink) FixedChannel(cid uint16) *Channel {
	ch, ok := l.channels[cid]
	if !ok {
		ch = &Channel{link: l, CID: cid}
		l.channels[cid] = ch
	}
	return ch
}

// HandleInboundACL feeds one already-header-stripped ACL payload
// through the recombiner and, once a full B-frame assembles,
// demultiplexes it by channel id (spec §4.3 C4/C5).
func (l *LogicalLink) HandleInboundACL(pb hci.PBFlag, payload []byte) {
	if l.closed {
		return
	}
	frame, ok, err := l.recombiner.Feed(l.Handle, pb, payload)
	if err != nil {
		l.log.WithError(err).Warn("l2cap: recombination error")
		if !ok {
			return
		}
	}
	if !ok {
		return
	}
	ch, found := l.channels[frame.CID]
	if !found {
		if frame.CID >= DynamicCIDMin {
			l.log.WithField("cid", frame.CID).Warn("l2cap: pdu for unknown dynamic channel dropped")
			return
		}
		ch = &Channel{link: l, CID: frame.CID}
		l.channels[frame.CID] = ch
	}
	ch.deliver(frame.Payload)
}

func (l *LogicalLink) send(ch *Channel, payload []byte, priority hci.Priority) {
	if l.closed {
		return
	}
	frame := BFrame{CID: ch.CID, Payload: payload}
	frags := Fragment(l.Handle, frame, l.aclMTU)
	l.acl.QueueFragments(l.Handle, priority, frags)
}

// registerDynamicChannel adds cid to the demux table, pointing at a
// DynamicChannel's ChannelHandler (the signaling FSM attaches its own
// Channel once ConnectionResponse/Request assigns the local cid).
func (l *LogicalLink) registerDynamicChannel(cid uint16) *Channel {
	ch := &Channel{link: l, CID: cid}
	l.channels[cid] = ch
	return ch
}

func (l *LogicalLink) unregisterChannel(cid uint16) {
	delete(l.channels, cid)
	l.acl.DropQueuedPackets(func(handle uint16) bool { return handle == l.Handle })
}

// Close tears the link down: every channel's OnClosed fires once and
// further operations become no-ops (spec §4.3).
func (l *LogicalLink) Close(err error) {
	if l.closed {
		return
	}
	l.closed = true
	for cid, ch := range l.channels {
		ch.closed()
		delete(l.channels, cid)
	}
	l.recombiner.Discard(l.Handle)
	if l.onError != nil {
		l.onError(err)
	}
}
