package l2cap

import "github.com/sapphire-bt/host/internal/hci"

// ChannelHandler receives reassembled B-frame payloads for one
// channel id and is told when the link underneath it dies.
type ChannelHandler interface {
	HandleData(payload []byte)
	OnClosed()
}

// Channel is one demultiplexed endpoint of a LogicalLink: either a
// fixed channel (ATT, SMP, signaling) or a dynamic channel's data
// path. Grounded on the teacher's l2cap.go fixed-channel-per-role
// shape, generalized to support an owner attaching after traffic has
// already started arriving (spec §4.3: "If no upper-layer owner has
// yet attached to a fixed channel, PDUs are queued in arrival order
// and flushed on attach").
type Channel struct {
	link   *LogicalLink
	CID    uint16
	Remote uint16 // remote-side cid, meaningful for dynamic channels only

	owner  ChannelHandler
	queued [][]byte
}

// Attach registers owner as this channel's handler and flushes any
// PDUs that arrived before attachment.
func (c *Channel) Attach(owner ChannelHandler) {
	c.owner = owner
	for _, pdu := range c.queued {
		owner.HandleData(pdu)
	}
	c.queued = nil
}

func (c *Channel) deliver(payload []byte) {
	if c.owner == nil {
		c.queued = append(c.queued, payload)
		return
	}
	c.owner.HandleData(payload)
}

func (c *Channel) closed() {
	if c.owner != nil {
		c.owner.OnClosed()
	}
}

// Send fragments and queues payload for transmission on this
// channel's B-frame.
func (c *Channel) Send(payload []byte, priority hci.Priority) {
	c.link.send(c, payload, priority)
}
