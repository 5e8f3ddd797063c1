package hci

import (
	"github.com/sapphire-bt/host/internal/dispatch"

	"github.com/sirupsen/logrus"
)

// Transport is C1: it owns the packet-oriented link to the
// controller and the two channels layered directly on top of it
// (Commands, ACL). Grounded on the teacher's linux.HCI constructor
// (linux/hci.go's NewHCI: one device, a cmd channel, an event
// dispatch table, a background read loop), replacing the teacher's
// own goroutine-per-reader-plus-shared-mutex shape with the
// dispatcher: Transport starts one reader goroutine per controller
// stream, and each reader does nothing but Post frames onto the
// single loop.
type Transport struct {
	loop *dispatch.Loop
	ctrl Controller
	log  *logrus.Entry

	Commands *CommandChannel
	ACLData  *ACLDataChannel

	aclHandler func(handle uint16, pb PBFlag, bc BCFlag, payload []byte)
	scoHandler func(handle uint16, payload []byte)
	onClosed   func(error)

	closed bool
}

// NewTransport wires a Transport around ctrl and starts its reader
// goroutines. onClosed fires exactly once: on a controller read
// failure, or when the command channel itself gives up after a 12s
// timeout (spec §4.1: "a transport-level read error ... shuts both
// command and ACL channels ... is non-recoverable").
func NewTransport(loop *dispatch.Loop, ctrl Controller, log *logrus.Entry, onClosed func(error)) *Transport {
	t := &Transport{loop: loop, ctrl: ctrl, log: log, onClosed: onClosed}
	t.Commands = NewCommandChannel(loop, ctrl, log, t.fail)
	t.ACLData = NewACLDataChannel(loop, ctrl, t.Commands, log)

	go t.readEvents()
	go t.readACL()
	go t.readSCO()
	return t
}

func (t *Transport) readEvents() {
	for raw := range t.ctrl.Events() {
		raw := raw
		t.loop.Post(func() { t.dispatchEvent(raw) })
	}
	t.loop.Post(func() { t.fail(errControllerGone("event")) })
}

func (t *Transport) readACL() {
	for raw := range t.ctrl.ACL() {
		raw := raw
		t.loop.Post(func() { t.dispatchACL(raw) })
	}
}

func (t *Transport) readSCO() {
	for raw := range t.ctrl.SCO() {
		raw := raw
		t.loop.Post(func() { t.dispatchSCO(raw) })
	}
}

func (t *Transport) dispatchEvent(raw []byte) {
	if t.closed {
		return
	}
	hdr, err := UnmarshalEventHeader(raw)
	if err != nil {
		t.log.WithError(err).Warn("hci: malformed event header")
		return
	}
	payload := raw[2:]
	t.Commands.HandleEvent(hdr, payload)
}

func (t *Transport) dispatchACL(raw []byte) {
	if t.closed {
		return
	}
	hdr, err := UnmarshalACLDataHeader(raw)
	if err != nil {
		t.log.WithError(err).Warn("hci: malformed acl data header")
		return
	}
	if hdr.BC != BCPointToPoint {
		return // spec §4.3: broadcast ACL packets are dropped.
	}
	payload := raw[4:]
	if len(payload) < int(hdr.Length) {
		t.log.Warn("hci: acl payload shorter than declared length")
		return
	}
	if t.aclHandler != nil {
		t.aclHandler(hdr.Handle, hdr.PB, hdr.BC, payload[:hdr.Length])
	}
}

func (t *Transport) dispatchSCO(raw []byte) {
	if t.closed || len(raw) < 3 || t.scoHandler == nil {
		return
	}
	handle := uint16(raw[0]) | uint16(raw[1]&0x0F)<<8
	n := int(raw[2])
	if len(raw) < 3+n {
		return
	}
	t.scoHandler(handle, raw[3:3+n])
}

// OnACL registers the handler for inbound point-to-point ACL data
// packets, header parsed but not yet reassembled (the handler feeds
// L2CAP's recombiner, C4).
func (t *Transport) OnACL(h func(handle uint16, pb PBFlag, bc BCFlag, payload []byte)) {
	t.aclHandler = h
}

// OnSCO registers the handler for inbound SCO audio packets.
func (t *Transport) OnSCO(h func(handle uint16, payload []byte)) {
	t.scoHandler = h
}

// VendorFeatures reports the controller's vendor capability bitmask.
func (t *Transport) VendorFeatures() uint64 { return t.ctrl.VendorFeatures() }

// ConfigureSCOCodec forwards the abstract codec configuration
// capability named in spec §4.1.
func (t *Transport) ConfigureSCOCodec(params []byte) error {
	return t.ctrl.ConfigureSCOCodec(params)
}

func (t *Transport) fail(err error) {
	if t.closed {
		return
	}
	t.closed = true
	if t.onClosed != nil {
		t.onClosed(err)
	}
}

type controllerGoneError struct{ stream string }

func (e *controllerGoneError) Error() string { return "hci: controller " + e.stream + " stream closed" }

func errControllerGone(stream string) error { return &controllerGoneError{stream: stream} }
