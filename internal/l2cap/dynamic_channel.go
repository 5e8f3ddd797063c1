package l2cap

import (
	"encoding/binary"

	"github.com/sapphire-bt/host/errors"
	"github.com/sapphire-bt/host/internal/hci"
)

// DCState is a BR/EDR dynamic channel's position in the state machine
// described in spec §4.3.
type DCState int

const (
	DCClosed DCState = iota
	DCWaitConnRsp
	DCWaitConfig
	DCWaitConfigReqRsp
	DCOpen
	DCWaitDisconnect
)

func (s DCState) String() string {
	switch s {
	case DCClosed:
		return "Closed"
	case DCWaitConnRsp:
		return "WaitConnRsp"
	case DCWaitConfig:
		return "WaitConfig"
	case DCWaitConfigReqRsp:
		return "WaitConfigReqRsp"
	case DCOpen:
		return "Open"
	case DCWaitDisconnect:
		return "WaitDisconnect"
	default:
		return "Unknown"
	}
}

// DynamicChannel is one BR/EDR dynamic (PSM-addressed) L2CAP channel.
// Grounded entirely on spec §4.3's state-machine text; paypal-gatt
// never opens dynamic channels (LE-only, fixed cid 4/6), so this type
// has no direct teacher file to adapt. It follows the teacher's
// explicit-state-field struct idiom seen throughout linux/internal
// (e.g. Conn's seq/aclc fields) rather than introducing a generic
// state-machine abstraction the rest of the codebase doesn't use.
type DynamicChannel struct {
	sig  *Signaling
	link *LogicalLink

	PSM       uint16
	LocalCID  uint16
	RemoteCID uint16
	State     DCState

	wantERTM           bool
	peerBasicOnRetry   bool
	outboundConfigSent bool
	inboundConfigSent  bool
	rxMTU              uint16
	txMTU              uint16

	channel *Channel

	onOpen   func(err error)
	onData   func([]byte)
	onClosed func(localInitiated bool)
}

// OpenOutbound starts the outbound connection sequence: allocate a
// local cid, send ConnectionRequest, and drive configuration once the
// peer's extended features are known (spec §4.3, steps 1-7).
func (s *Signaling) OpenOutbound(psm uint16, wantERTM bool, onOpen func(*DynamicChannel, error), onData func([]byte), onClosed func(bool)) *DynamicChannel {
	localCID := s.cids.Allocate()
	dc := &DynamicChannel{
		sig:      s,
		link:     s.link,
		PSM:      psm,
		LocalCID: localCID,
		State:    DCWaitConnRsp,
		wantERTM: wantERTM,
		rxMTU:    s.link.linkMaxMTU(),
		onData:   onData,
		onClosed: onClosed,
	}
	dc.onOpen = func(err error) { onOpen(dc, err) }
	s.dynByLocal[localCID] = dc

	payload := make([]byte, 4)
	binary.LittleEndian.PutUint16(payload[0:2], psm)
	binary.LittleEndian.PutUint16(payload[2:4], localCID)
	s.sendRequest(SigConnectionRequest, payload, func(code uint8, body []byte, err error) bool {
		return dc.handleConnectionResponse(code, body, err)
	})
	return dc
}

// handleConnectionResponse reports whether the request is fully
// resolved (false keeps the identifier armed for a further response,
// used only for result=Pending).
func (dc *DynamicChannel) handleConnectionResponse(code uint8, body []byte, err error) bool {
	if dc.State != DCWaitConnRsp {
		return true
	}
	if err != nil {
		dc.fail(err)
		return true
	}
	if code == SigCommandReject {
		dc.fail(errors.New(errors.KindFailed, "l2cap: connection request rejected"))
		return true
	}
	if len(body) < 8 {
		dc.fail(errors.New(errors.KindPacketMalformed, "l2cap: short connection response"))
		return true
	}
	dcid := binary.LittleEndian.Uint16(body[0:2])
	result := binary.LittleEndian.Uint16(body[4:6])

	switch result {
	case ConnResultPending:
		// Remain in WaitConnRsp; the peer is expected to send a
		// further ConnectionResponse reusing this identifier.
		return false
	case ConnResultSuccess:
		if existing, ok := dc.sig.findByRemote(dcid); ok && existing != dc {
			dc.fail(errors.New(errors.KindFailed, "l2cap: remote cid already allocated on this link"))
			return true
		}
		dc.RemoteCID = dcid
		dc.State = DCWaitConfig
		dc.channel = dc.link.registerDynamicChannel(dc.LocalCID)
		dc.channel.Attach(dc)
		dc.sig.requestExtendedFeatures(func() {
			dc.sendConfigRequest()
		})
	default:
		dc.fail(errors.New(errors.KindFailed, "l2cap: connection refused"))
	}
	return true
}

func (s *Signaling) findByRemote(remoteCID uint16) (*DynamicChannel, bool) {
	for _, dc := range s.dynByLocal {
		if dc.RemoteCID == remoteCID {
			return dc, true
		}
	}
	return nil, false
}

func (dc *DynamicChannel) sendConfigRequest() {
	opts := ConfigOptions{MTU: mtuPtr(dc.rxMTU)}
	if dc.wantERTM && dc.sig.peerExtFeatures&0x0008 != 0 { // bit 3: enhanced retransmission mode
		opts.RFC = &RFCOption{Mode: RFCModeERTM, TxWindowSize: 6, MaxTransmit: 20, MPS: 672}
	}
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint16(payload[0:2], dc.RemoteCID)
	payload = append(payload, MarshalConfigOptions(opts)...)
	dc.State = DCWaitConfigReqRsp
	dc.sig.sendRequest(SigConfigurationRequest, payload, func(code uint8, body []byte, err error) bool {
		dc.handleConfigurationResponse(code, body, err)
		return true
	})
}

func mtuPtr(v uint16) *uint16 { return &v }

func (dc *DynamicChannel) handleConfigurationResponse(code uint8, body []byte, err error) {
	if err != nil {
		dc.fail(err)
		return
	}
	if len(body) < 6 {
		dc.fail(errors.New(errors.KindPacketMalformed, "l2cap: short configuration response"))
		return
	}
	// body layout: source cid (0:2), flags (2:4, unused), result (4:6),
	// options (6:) (Core Spec Vol 3 Part A §4.5).
	result := binary.LittleEndian.Uint16(body[4:6])
	opts, _ := UnmarshalConfigOptions(body[6:])

	switch result {
	case ConfigResultSuccess:
		if opts.MTU != nil {
			dc.txMTU = *opts.MTU
		}
		dc.outboundConfigured()
	case ConfigResultUnacceptableParams, ConfigResultRejected:
		if dc.wantERTM && opts.RFC != nil && opts.RFC.Mode == RFCModeBasic {
			// Peer rejected ERTM, proposing Basic: renegotiate Basic
			// (spec §4.3 mode-negotiation rule).
			dc.wantERTM = false
			dc.peerBasicOnRetry = true
			dc.sendConfigRequest()
			return
		}
		if dc.peerBasicOnRetry {
			// We already retried with Basic and it was rejected again
			// for a reason other than Basic: modes are inconsistent.
			dc.fail(errors.New(errors.KindFailed, "l2cap: inconsistent mode negotiation"))
			return
		}
		dc.fail(errors.New(errors.KindFailed, "l2cap: configuration rejected"))
	default:
		dc.fail(errors.New(errors.KindFailed, "l2cap: configuration failed"))
	}
}

// outboundConfigured records that this side's own ConfigurationRequest
// was accepted. Open is only entered once both outboundConfigSent and
// inboundConfigSent are set (spec §4.3 step 6: "both directions must
// independently agree before the channel is usable").
func (dc *DynamicChannel) outboundConfigured() {
	dc.outboundConfigSent = true
	if dc.bothConfigured() {
		dc.State = DCOpen
		dc.completeOpen()
	}
}

func (dc *DynamicChannel) bothConfigured() bool {
	return dc.outboundConfigSent && dc.inboundConfigSent
}

func (dc *DynamicChannel) completeOpen() {
	if dc.onOpen != nil {
		cb := dc.onOpen
		dc.onOpen = nil
		cb(nil)
	}
}

func (dc *DynamicChannel) fail(err error) {
	if dc.State == DCClosed {
		return
	}
	dc.State = DCClosed
	dc.sig.cids.Release(dc.LocalCID)
	delete(dc.sig.dynByLocal, dc.LocalCID)
	if dc.onOpen != nil {
		cb := dc.onOpen
		dc.onOpen = nil
		cb(err)
		return
	}
	if dc.onClosed != nil {
		dc.onClosed(true)
	}
}

func (dc *DynamicChannel) forceClose(err error) {
	dc.fail(err)
}

// HandleData implements ChannelHandler for the channel's data path
// once Open.
func (dc *DynamicChannel) HandleData(payload []byte) {
	if dc.onData != nil {
		dc.onData(payload)
	}
}

// OnClosed implements ChannelHandler: the underlying link died.
func (dc *DynamicChannel) OnClosed() {
	dc.fail(errLinkClosed())
}

// Send transmits payload on this channel's data path.
func (dc *DynamicChannel) Send(payload []byte, priority hci.Priority) {
	if dc.channel != nil {
		dc.channel.Send(payload, priority)
	}
}

// Close sends DisconnectionRequest; local-initiated close does not
// invoke onClosed (the caller already knows), per spec §4.3.
func (dc *DynamicChannel) Close() {
	if dc.State == DCClosed || dc.State == DCWaitDisconnect {
		return
	}
	dc.State = DCWaitDisconnect
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint16(payload[0:2], dc.RemoteCID)
	binary.LittleEndian.PutUint16(payload[2:4], dc.LocalCID)
	dc.sig.sendRequest(SigDisconnectionRequest, payload, func(code uint8, body []byte, err error) bool {
		dc.State = DCClosed
		dc.sig.cids.Release(dc.LocalCID)
		delete(dc.sig.dynByLocal, dc.LocalCID)
		dc.link.unregisterChannel(dc.LocalCID)
		return true
	})
}

// --- Inbound (peer-initiated) side ---

func (s *Signaling) handleConnectionRequest(ident uint8, body []byte) {
	if len(body) < 4 {
		s.sendCommandReject(ident, RejectNotUnderstood, nil)
		return
	}
	psm := binary.LittleEndian.Uint16(body[0:2])
	remoteCID := binary.LittleEndian.Uint16(body[2:4])

	localCID := s.cids.Allocate()
	dc := &DynamicChannel{
		sig:       s,
		link:      s.link,
		PSM:       psm,
		LocalCID:  localCID,
		RemoteCID: remoteCID,
		State:     DCWaitConfig,
		rxMTU:     s.link.linkMaxMTU(),
	}
	s.dynByLocal[localCID] = dc
	dc.channel = s.link.registerDynamicChannel(localCID)
	dc.channel.Attach(dc)

	payload := make([]byte, 8)
	binary.LittleEndian.PutUint16(payload[0:2], remoteCID)
	binary.LittleEndian.PutUint16(payload[2:4], localCID)
	binary.LittleEndian.PutUint16(payload[4:6], ConnResultSuccess)
	hdr := sigHeader{Code: SigConnectionResponse, Ident: ident, Length: uint16(len(payload))}
	s.link.FixedChannel(s.cid).Send(append(hdr.marshal(), payload...), hci.PriorityHigh)

	s.requestExtendedFeatures(func() {
		dc.sendConfigRequest()
	})
}

func (s *Signaling) handleConfigurationRequest(ident uint8, body []byte) {
	if len(body) < 4 {
		s.sendCommandReject(ident, RejectNotUnderstood, nil)
		return
	}
	localCID := binary.LittleEndian.Uint16(body[0:2])
	dc, ok := s.dynByLocal[localCID]
	if !ok {
		s.sendCommandReject(ident, RejectInvalidCID, nil)
		return
	}
	opts, err := UnmarshalConfigOptions(body[4:])
	if err != nil {
		s.sendCommandReject(ident, RejectNotUnderstood, nil)
		return
	}

	result := ConfigResultSuccess
	respOpts := ConfigOptions{}
	if len(opts.Unknown) > 0 {
		result = ConfigResultUnknownOptions
	} else if opts.RFC != nil && opts.RFC.Mode != RFCModeBasic {
		result = ConfigResultUnacceptableParams
		respOpts.RFC = &RFCOption{Mode: RFCModeBasic}
	} else if opts.MTU != nil && *opts.MTU < MinMTU {
		result = ConfigResultUnacceptableParams
		respOpts.MTU = mtuPtr(MinMTU)
	} else if opts.MTU != nil {
		dc.txMTU = *opts.MTU
	}

	// payload layout: source cid (0:2), flags (2:4, always 0 here),
	// result (4:6), options (6:) (Core Spec Vol 3 Part A §4.5).
	payload := make([]byte, 6)
	binary.LittleEndian.PutUint16(payload[0:2], dc.RemoteCID)
	binary.LittleEndian.PutUint16(payload[4:6], result)
	payload = append(payload, MarshalConfigOptions(respOpts)...)
	hdr := sigHeader{Code: SigConfigurationResponse, Ident: ident, Length: uint16(len(payload))}
	s.link.FixedChannel(s.cid).Send(append(hdr.marshal(), payload...), hci.PriorityHigh)

	if result == ConfigResultSuccess {
		dc.inboundConfigSent = true
		if dc.State == DCOpen || dc.bothConfigured() {
			dc.State = DCOpen
			dc.completeOpen()
		}
	}
}

func (s *Signaling) handleDisconnectionRequest(ident uint8, body []byte) {
	if len(body) < 4 {
		s.sendCommandReject(ident, RejectNotUnderstood, nil)
		return
	}
	localCID := binary.LittleEndian.Uint16(body[0:2])
	remoteCID := binary.LittleEndian.Uint16(body[2:4])
	dc, ok := s.dynByLocal[localCID]
	if !ok || dc.RemoteCID != remoteCID {
		s.sendCommandReject(ident, RejectInvalidCID, nil)
		return
	}

	payload := make([]byte, 4)
	binary.LittleEndian.PutUint16(payload[0:2], localCID)
	binary.LittleEndian.PutUint16(payload[2:4], remoteCID)
	hdr := sigHeader{Code: SigDisconnectionResponse, Ident: ident, Length: uint16(len(payload))}
	s.link.FixedChannel(s.cid).Send(append(hdr.marshal(), payload...), hci.PriorityHigh)

	dc.State = DCClosed
	s.cids.Release(localCID)
	delete(s.dynByLocal, localCID)
	s.link.unregisterChannel(localCID)
	if dc.onClosed != nil {
		dc.onClosed(false)
	}
}
