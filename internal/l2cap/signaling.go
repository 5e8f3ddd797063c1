package l2cap

import (
	"encoding/binary"
	"time"

	"github.com/sapphire-bt/host/internal/dispatch"
	"github.com/sapphire-bt/host/internal/hci"
)

// Signaling command codes (Core Spec Vol 3 Part A §4).
const (
	SigCommandReject         uint8 = 0x01
	SigConnectionRequest     uint8 = 0x02
	SigConnectionResponse    uint8 = 0x03
	SigConfigurationRequest  uint8 = 0x04
	SigConfigurationResponse uint8 = 0x05
	SigDisconnectionRequest  uint8 = 0x06
	SigDisconnectionResponse uint8 = 0x07
	SigEchoRequest           uint8 = 0x08
	SigEchoResponse          uint8 = 0x09
	SigInformationRequest    uint8 = 0x0A
	SigInformationResponse   uint8 = 0x0B
)

// CommandReject reasons.
const (
	RejectNotUnderstood uint16 = 0x0000
	RejectMTUExceeded   uint16 = 0x0001
	RejectInvalidCID    uint16 = 0x0002
)

// Connection response results.
const (
	ConnResultSuccess uint16 = 0x0000
	ConnResultPending uint16 = 0x0001
)

// Configuration response results.
const (
	ConfigResultSuccess            uint16 = 0x0000
	ConfigResultUnacceptableParams uint16 = 0x0001
	ConfigResultRejected           uint16 = 0x0002
	ConfigResultUnknownOptions     uint16 = 0x0003
)

// rtxTimeout is the Response Timeout eXpired deadline for a signaling
// request awaiting its response (spec §4.3).
const rtxTimeout = 60 * time.Second

// sigHeader is the 4-octet signaling command header (spec §6).
type sigHeader struct {
	Code   uint8
	Ident  uint8
	Length uint16
}

func (h sigHeader) marshal() []byte {
	b := make([]byte, 4)
	b[0] = h.Code
	b[1] = h.Ident
	binary.LittleEndian.PutUint16(b[2:4], h.Length)
	return b
}

// pendingSigRequest tracks one outstanding signaling request. callback
// returns true once the exchange is fully resolved; returning false
// (used only for a Connection Response with result=Pending) keeps the
// identifier registered and re-arms the RTX timer so a later response
// reusing the same identifier still completes the request.
type pendingSigRequest struct {
	code     uint8 // the request code, to match an unexpected-code reject
	callback func(code uint8, payload []byte, err error) bool
	timer    *dispatch.Timer
}

// Signaling is the per-link instance of the L2CAP signaling channel
// (cid 1 classic / cid 5 LE): it allocates identifiers, tracks
// pending requests against the 60s RTX timer, and owns every
// DynamicChannel on the link. Grounded on spec §4.3's state-machine
// text; no direct teacher equivalent (paypal-gatt never negotiates
// dynamic channels), styled after the teacher's opcode-dispatch-table
// idiom in att.go.
type Signaling struct {
	link *LogicalLink
	cid  uint16

	nextIdent uint8 // last identifier issued; wraps 1..255, skips 0
	pending   map[uint8]*pendingSigRequest

	dynByLocal map[uint16]*DynamicChannel
	cids       *CIDAllocator

	extFeaturesKnown     bool
	extFeaturesRequested bool
	peerExtFeatures      uint32
	onExtFeaturesKnown   []func()
}

func newSignaling(link *LogicalLink, cid uint16) *Signaling {
	return &Signaling{
		link:       link,
		cid:        cid,
		pending:    make(map[uint8]*pendingSigRequest),
		dynByLocal: make(map[uint16]*DynamicChannel),
		cids:       NewCIDAllocator(),
	}
}

func (s *Signaling) allocIdent() uint8 {
	s.nextIdent++
	if s.nextIdent == 0 {
		s.nextIdent = 1
	}
	return s.nextIdent
}

// sendRequest transmits a signaling request and arms its RTX timer.
// cb fires with the matching response's code+payload, or a non-nil
// err on reject/timeout/link closure.
func (s *Signaling) sendRequest(code uint8, payload []byte, cb func(code uint8, payload []byte, err error) bool) {
	ident := s.allocIdent()
	hdr := sigHeader{Code: code, Ident: ident, Length: uint16(len(payload))}
	s.link.FixedChannel(s.cid).Send(append(hdr.marshal(), payload...), hci.PriorityHigh)

	pr := &pendingSigRequest{code: code, callback: cb}
	s.armPending(ident, pr)
}

func (s *Signaling) armPending(ident uint8, pr *pendingSigRequest) {
	pr.timer = s.link.loop.PostAfter(rtxTimeout, func() {
		if _, ok := s.pending[ident]; !ok {
			return
		}
		delete(s.pending, ident)
		pr.callback(0, nil, errRTXExpired())
	})
	s.pending[ident] = pr
}

func (s *Signaling) sendCommandReject(ident uint8, reason uint16, data []byte) {
	payload := make([]byte, 2+len(data))
	binary.LittleEndian.PutUint16(payload[0:2], reason)
	copy(payload[2:], data)
	hdr := sigHeader{Code: SigCommandReject, Ident: ident, Length: uint16(len(payload))}
	s.link.FixedChannel(s.cid).Send(append(hdr.marshal(), payload...), hci.PriorityHigh)
}

// HandleData implements ChannelHandler: dispatch one signaling PDU.
// A signaling B-frame may carry multiple commands back to back; this
// core, like the spec's literal scenarios, processes one command per
// call and relies on the sender not to coalesce unrelated commands
// (acceptable since this host never does so itself).
func (s *Signaling) HandleData(payload []byte) {
	if len(payload) < 4 {
		return
	}
	code := payload[0]
	ident := payload[1]
	length := binary.LittleEndian.Uint16(payload[2:4])
	body := payload[4:]
	if len(body) < int(length) {
		return
	}
	body = body[:length]

	switch code {
	case SigConnectionRequest:
		s.handleConnectionRequest(ident, body)
	case SigConnectionResponse:
		s.completeRequest(ident, code, body)
	case SigConfigurationRequest:
		s.handleConfigurationRequest(ident, body)
	case SigConfigurationResponse:
		s.completeRequest(ident, code, body)
	case SigDisconnectionRequest:
		s.handleDisconnectionRequest(ident, body)
	case SigDisconnectionResponse:
		s.completeRequest(ident, code, body)
	case SigInformationRequest:
		s.handleInformationRequest(ident, body)
	case SigInformationResponse:
		s.completeRequest(ident, code, body)
	case SigEchoRequest:
		hdr := sigHeader{Code: SigEchoResponse, Ident: ident, Length: uint16(len(body))}
		s.link.FixedChannel(s.cid).Send(append(hdr.marshal(), body...), hci.PriorityLow)
	case SigCommandReject:
		s.completeRequest(ident, code, body)
	default:
		s.sendCommandReject(ident, RejectNotUnderstood, nil)
	}
}

func (s *Signaling) completeRequest(ident uint8, code uint8, body []byte) {
	pr, ok := s.pending[ident]
	if !ok {
		return
	}
	delete(s.pending, ident)
	pr.timer.Stop()
	if !pr.callback(code, body, nil) {
		// Result=Pending: keep watching this identifier for the
		// peer's eventual follow-up response.
		s.armPending(ident, pr)
	}
}

// OnClosed implements ChannelHandler: every pending signaling request
// fails and every dynamic channel on this link is torn down.
func (s *Signaling) OnClosed() {
	for ident, pr := range s.pending {
		pr.timer.Stop()
		_ = pr.callback(0, nil, errLinkClosed())
		delete(s.pending, ident)
	}
	for cid, dc := range s.dynByLocal {
		dc.forceClose(errLinkClosed())
		delete(s.dynByLocal, cid)
	}
}

func (s *Signaling) handleInformationRequest(ident uint8, body []byte) {
	if len(body) < 2 {
		s.sendCommandReject(ident, RejectNotUnderstood, nil)
		return
	}
	infoType := binary.LittleEndian.Uint16(body[0:2])
	const infoTypeExtendedFeatures = 0x0002
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint16(payload[0:2], infoType)
	if infoType == infoTypeExtendedFeatures {
		binary.LittleEndian.PutUint16(payload[2:4], 0) // result=success
		payload = append(payload, 0, 0, 0, 0)          // no extended features advertised locally
	} else {
		binary.LittleEndian.PutUint16(payload[2:4], 1) // result=not supported
	}
	hdr := sigHeader{Code: SigInformationResponse, Ident: ident, Length: uint16(len(payload))}
	s.link.FixedChannel(s.cid).Send(append(hdr.marshal(), payload...), hci.PriorityHigh)
}

// requestExtendedFeatures issues the once-per-link InformationRequest
// the spec requires before any outbound ConfigurationRequest can be
// sent (spec §4.3 step 4).
func (s *Signaling) requestExtendedFeatures(done func()) {
	if s.extFeaturesKnown {
		done()
		return
	}
	s.onExtFeaturesKnown = append(s.onExtFeaturesKnown, done)
	if s.extFeaturesRequested {
		return
	}
	s.extFeaturesRequested = true
	payload := make([]byte, 2)
	binary.LittleEndian.PutUint16(payload, 0x0002) // InfoType=ExtendedFeatures
	s.sendRequest(SigInformationRequest, payload, func(code uint8, body []byte, err error) bool {
		if err == nil && len(body) >= 8 {
			s.peerExtFeatures = binary.LittleEndian.Uint32(body[4:8])
		}
		s.extFeaturesKnown = true
		cbs := s.onExtFeaturesKnown
		s.onExtFeaturesKnown = nil
		for _, cb := range cbs {
			cb()
		}
		return true
	})
}

type sigError struct{ msg string }

func (e *sigError) Error() string { return e.msg }

func errRTXExpired() error { return &sigError{"l2cap: signaling request timed out (rtx)"} }
func errLinkClosed() error { return &sigError{"l2cap: link closed"} }
