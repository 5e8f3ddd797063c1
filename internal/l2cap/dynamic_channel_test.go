package l2cap

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/sapphire-bt/host/internal/dispatch"
	"github.com/sapphire-bt/host/internal/hci"
)

// fakeController is a minimal hci.Controller: it records every ACL
// packet handed to SendACL and never produces inbound traffic of its
// own (the tests drive inbound PDUs directly through
// LogicalLink.HandleInboundACL instead, the way the teacher's
// l2cap_test.go fake shim feeds bytes straight into the parser rather
// than a real socket).
type fakeController struct {
	mu   sync.Mutex
	sent [][]byte

	events chan []byte
	acl    chan []byte
	sco    chan []byte
}

func newFakeController() *fakeController {
	return &fakeController{
		events: make(chan []byte),
		acl:    make(chan []byte),
		sco:    make(chan []byte),
	}
}

func (f *fakeController) SendCommand(b []byte) error { return nil }

func (f *fakeController) SendACL(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), b...))
	return nil
}

func (f *fakeController) SendSCO(b []byte) error                { return nil }
func (f *fakeController) Events() <-chan []byte                 { return f.events }
func (f *fakeController) ACL() <-chan []byte                    { return f.acl }
func (f *fakeController) SCO() <-chan []byte                    { return f.sco }
func (f *fakeController) VendorFeatures() uint64                { return 0 }
func (f *fakeController) ConfigureSCOCodec(params []byte) error { return nil }

func (f *fakeController) takeSent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sent
	f.sent = nil
	return out
}

const testHandle = 0x002A

// testLink starts a dispatcher and a LogicalLink over a fakeController,
// with enough ACL buffer credit that every send reaches the controller
// immediately.
func testLink(t *testing.T) (*dispatch.Loop, *fakeController, *LogicalLink) {
	t.Helper()
	loop := dispatch.New(64)
	t.Cleanup(loop.Stop)

	ctrl := newFakeController()
	log := logrus.NewEntry(logrus.New())
	cmds := hci.NewCommandChannel(loop, ctrl, log, func(error) {})
	acl := hci.NewACLDataChannel(loop, ctrl, cmds, log)
	acl.SetBufferInfo(hci.LinkBREDR, 1024, 16)
	acl.RegisterHandle(testHandle, hci.LinkBREDR)

	var link *LogicalLink
	runSync(t, loop, func() {
		link = NewLogicalLink(loop, acl, log, testHandle, 1024, false)
	})
	return loop, ctrl, link
}

// runSync posts fn to loop and blocks until it has run. It then posts
// a second no-op task and waits for that too: fn may itself trigger a
// self-Post (e.g. QueueFragments's pump task, one level deep off any
// Channel.Send), and the FIFO ordering of a single-consumer loop
// guarantees that nested task completes before the flush task's own
// close(done) fires. Without this, reading the fake controller's sent
// packets right after fn returns would race the loop goroutine still
// draining that nested task.
func runSync(t *testing.T, loop *dispatch.Loop, fn func()) {
	t.Helper()
	wait := func(fn func()) {
		done := make(chan struct{})
		loop.Post(func() {
			fn()
			close(done)
		})
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not process task in time")
		}
	}
	wait(fn)
	wait(func() {})
}

func sigFrame(code, ident uint8, body []byte) []byte {
	hdr := sigHeader{Code: code, Ident: ident, Length: uint16(len(body))}
	return append(hdr.marshal(), body...)
}

// deliverSignaling feeds one signaling-channel PDU from the simulated
// peer into link, as if it had just arrived over the ACL.
func deliverSignaling(t *testing.T, loop *dispatch.Loop, link *LogicalLink, code, ident uint8, body []byte) {
	t.Helper()
	frame := BFrame{CID: CIDSignalingBREDR, Payload: sigFrame(code, ident, body)}
	runSync(t, loop, func() {
		link.HandleInboundACL(hci.PBFirstNonFlushable, frame.Marshal())
	})
}

// parseSent reassembles the raw ACL packets the controller recorded
// into BFrames (tests here never exceed the 1024-byte ACL MTU, so each
// BFrame is exactly one fragment).
func parseSent(t *testing.T, raw [][]byte) []BFrame {
	t.Helper()
	var out []BFrame
	for _, b := range raw {
		hdr, err := hci.UnmarshalACLDataHeader(b)
		require.NoError(t, err)
		require.Equal(t, hci.PBFirstNonFlushable, hdr.PB, "test frames are never fragmented")
		frame, err := UnmarshalBFrame(b[4:])
		require.NoError(t, err)
		out = append(out, frame)
	}
	return out
}

func lastSignalingCommand(t *testing.T, ctrl *fakeController) (code, ident uint8, body []byte) {
	t.Helper()
	sent := parseSent(t, ctrl.takeSent())
	require.NotEmpty(t, sent, "expected at least one outbound signaling pdu")
	frame := sent[len(sent)-1]
	require.Equal(t, CIDSignalingBREDR, frame.CID)
	require.GreaterOrEqual(t, len(frame.Payload), 4)
	return frame.Payload[0], frame.Payload[1], frame.Payload[4:]
}

// TestOutboundOpenHandshake drives a full outbound dynamic-channel
// open: ConnectionRequest/Response, the information exchange gating
// the first ConfigurationRequest, and both directions' configuration
// round trip (spec §4.3 steps 1-7).
func TestOutboundOpenHandshake(t *testing.T) {
	loop, ctrl, link := testLink(t)

	type openResult struct {
		dc  *DynamicChannel
		err error
	}
	opened := make(chan openResult, 1)

	runSync(t, loop, func() {
		link.Signaling().OpenOutbound(0x1001, false,
			func(dc *DynamicChannel, err error) { opened <- openResult{dc, err} },
			nil, nil)
	})

	// 1. Peer should have seen a ConnectionRequest.
	code, ident, body := lastSignalingCommand(t, ctrl)
	require.Equal(t, SigConnectionRequest, code)
	require.Len(t, body, 4)
	psm := binary.LittleEndian.Uint16(body[0:2])
	remoteLocalCID := binary.LittleEndian.Uint16(body[2:4]) // our local cid, from the peer's point of view
	require.EqualValues(t, 0x1001, psm)
	require.Equal(t, DynamicCIDMin, remoteLocalCID)

	// 2. Peer replies with ConnectionResponse(Pending) first, as real
	// controllers sometimes do, then the real Success response reusing
	// the same identifier.
	const peerCID uint16 = 0x0050
	pendingBody := make([]byte, 8)
	binary.LittleEndian.PutUint16(pendingBody[0:2], peerCID)
	binary.LittleEndian.PutUint16(pendingBody[2:4], remoteLocalCID)
	binary.LittleEndian.PutUint16(pendingBody[4:6], ConnResultPending)
	deliverSignaling(t, loop, link, SigConnectionResponse, ident, pendingBody)

	select {
	case <-opened:
		t.Fatal("open must not complete on a Pending connection response")
	case <-time.After(20 * time.Millisecond):
	}

	successBody := make([]byte, 8)
	binary.LittleEndian.PutUint16(successBody[0:2], peerCID)
	binary.LittleEndian.PutUint16(successBody[2:4], remoteLocalCID)
	binary.LittleEndian.PutUint16(successBody[4:6], ConnResultSuccess)
	deliverSignaling(t, loop, link, SigConnectionResponse, ident, successBody)

	// 3. An InformationRequest (extended features) must go out before
	// any ConfigurationRequest.
	code, ident, body = lastSignalingCommand(t, ctrl)
	require.Equal(t, SigInformationRequest, code)
	require.Len(t, body, 2)
	require.EqualValues(t, 0x0002, binary.LittleEndian.Uint16(body))

	infoResp := make([]byte, 8)
	binary.LittleEndian.PutUint16(infoResp[0:2], 0x0002) // InfoType echoed
	binary.LittleEndian.PutUint16(infoResp[2:4], 0)      // result success
	binary.LittleEndian.PutUint32(infoResp[4:8], 0)      // no extended features
	deliverSignaling(t, loop, link, SigInformationResponse, ident, infoResp)

	// 4. Our ConfigurationRequest should follow, proposing the default
	// MTU with no RFC option (ERTM was not requested).
	code, ident, body = lastSignalingCommand(t, ctrl)
	require.Equal(t, SigConfigurationRequest, code)
	require.GreaterOrEqual(t, len(body), 4)
	dcidInReq := binary.LittleEndian.Uint16(body[0:2])
	require.EqualValues(t, peerCID, dcidInReq)
	opts, err := UnmarshalConfigOptions(body[4:])
	require.NoError(t, err)
	require.NotNil(t, opts.MTU)
	require.EqualValues(t, DefaultMTU, *opts.MTU)
	require.Nil(t, opts.RFC)

	// 5. Peer accepts our configuration...
	cfgRespBody := make([]byte, 6)
	binary.LittleEndian.PutUint16(cfgRespBody[0:2], remoteLocalCID)
	binary.LittleEndian.PutUint16(cfgRespBody[2:4], 0) // flags
	binary.LittleEndian.PutUint16(cfgRespBody[4:6], ConfigResultSuccess)
	deliverSignaling(t, loop, link, SigConfigurationResponse, ident, cfgRespBody)

	select {
	case <-opened:
		t.Fatal("open must not complete until the peer's ConfigurationRequest also arrives")
	case <-time.After(20 * time.Millisecond):
	}

	// 6. ...and separately sends its own ConfigurationRequest, which
	// we must accept and answer.
	peerCfgIdent := uint8(0xAA)
	peerCfgBody := make([]byte, 4)
	binary.LittleEndian.PutUint16(peerCfgBody[0:2], remoteLocalCID)
	mtu := uint16(512)
	peerCfgBody = append(peerCfgBody, MarshalConfigOptions(ConfigOptions{MTU: &mtu})...)
	deliverSignaling(t, loop, link, SigConfigurationRequest, peerCfgIdent, peerCfgBody)

	code, _, body = lastSignalingCommand(t, ctrl)
	require.Equal(t, SigConfigurationResponse, code)
	result := binary.LittleEndian.Uint16(body[4:6])
	require.EqualValues(t, ConfigResultSuccess, result)

	// 7. Both directions configured: the open must now complete.
	select {
	case res := <-opened:
		require.NoError(t, res.err)
		require.NotNil(t, res.dc)
		require.Equal(t, DCOpen, res.dc.State)
		require.Equal(t, peerCID, res.dc.RemoteCID)
		require.Equal(t, remoteLocalCID, res.dc.LocalCID)
	case <-time.After(time.Second):
		t.Fatal("open never completed")
	}
}

// TestOutboundOpenRefused exercises a ConnectionResponse refusal: the
// outbound open must fail and release its local cid back to the pool.
func TestOutboundOpenRefused(t *testing.T) {
	loop, ctrl, link := testLink(t)

	opened := make(chan error, 1)
	runSync(t, loop, func() {
		link.Signaling().OpenOutbound(0x1001, false,
			func(dc *DynamicChannel, err error) { opened <- err }, nil, nil)
	})

	_, ident, body := lastSignalingCommand(t, ctrl)
	localCID := binary.LittleEndian.Uint16(body[2:4])

	const refusedNoResources uint16 = 0x0004
	refusal := make([]byte, 8)
	binary.LittleEndian.PutUint16(refusal[0:2], 0) // no dcid assigned
	binary.LittleEndian.PutUint16(refusal[2:4], localCID)
	binary.LittleEndian.PutUint16(refusal[4:6], refusedNoResources)
	deliverSignaling(t, loop, link, SigConnectionResponse, ident, refusal)

	select {
	case err := <-opened:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("open never completed")
	}

	// The cid must have been released: a fresh OpenOutbound reuses it.
	var dc2 *DynamicChannel
	runSync(t, loop, func() {
		dc2 = link.Signaling().OpenOutbound(0x1001, false, func(*DynamicChannel, error) {}, nil, nil)
	})
	require.Equal(t, localCID, dc2.LocalCID)
}

// TestOutboundOpenModeRenegotiation exercises the
// ERTM-rejected-fall-back-to-Basic rule on an outbound open, which the
// peer's own ConfigurationRequest then completes (spec §4.3).
func TestOutboundOpenModeRenegotiation(t *testing.T) {
	loop, ctrl, link := testLink(t)

	var dc *DynamicChannel
	var onOpenErr error
	var onOpenCalled bool
	runSync(t, loop, func() {
		dc = link.Signaling().OpenOutbound(0x1003, true, // wantERTM
			func(got *DynamicChannel, err error) {
				onOpenCalled = true
				onOpenErr = err
			}, nil, nil)
	})

	_, ident, body := lastSignalingCommand(t, ctrl)
	localCID := binary.LittleEndian.Uint16(body[2:4])
	require.Equal(t, dc.LocalCID, localCID)

	const peerCID uint16 = 0x0060
	successBody := make([]byte, 8)
	binary.LittleEndian.PutUint16(successBody[0:2], peerCID)
	binary.LittleEndian.PutUint16(successBody[2:4], localCID)
	binary.LittleEndian.PutUint16(successBody[4:6], ConnResultSuccess)
	deliverSignaling(t, loop, link, SigConnectionResponse, ident, successBody)

	_, ident, _ = lastSignalingCommand(t, ctrl) // InformationRequest
	infoResp := make([]byte, 8)
	binary.LittleEndian.PutUint16(infoResp[0:2], 0x0002)
	binary.LittleEndian.PutUint16(infoResp[2:4], 0)
	// Advertise ERTM support (bit 3) so the channel proposes it.
	binary.LittleEndian.PutUint32(infoResp[4:8], 0x0008)
	deliverSignaling(t, loop, link, SigInformationResponse, ident, infoResp)

	code, ident, body := lastSignalingCommand(t, ctrl)
	require.Equal(t, SigConfigurationRequest, code)
	opts, err := UnmarshalConfigOptions(body[4:])
	require.NoError(t, err)
	require.NotNil(t, opts.RFC)
	require.Equal(t, RFCModeERTM, opts.RFC.Mode)

	// Peer rejects ERTM, countering with Basic.
	rejectBody := make([]byte, 6)
	binary.LittleEndian.PutUint16(rejectBody[0:2], localCID)
	binary.LittleEndian.PutUint16(rejectBody[2:4], 0)
	binary.LittleEndian.PutUint16(rejectBody[4:6], ConfigResultUnacceptableParams)
	rejectBody = append(rejectBody, MarshalConfigOptions(ConfigOptions{RFC: &RFCOption{Mode: RFCModeBasic}})...)
	deliverSignaling(t, loop, link, SigConfigurationResponse, ident, rejectBody)

	// Retry must now propose Basic mode.
	code, ident, body = lastSignalingCommand(t, ctrl)
	require.Equal(t, SigConfigurationRequest, code)
	opts, err = UnmarshalConfigOptions(body[4:])
	require.NoError(t, err)
	require.Nil(t, opts.RFC)

	acceptBody := make([]byte, 6)
	binary.LittleEndian.PutUint16(acceptBody[0:2], localCID)
	binary.LittleEndian.PutUint16(acceptBody[2:4], 0)
	binary.LittleEndian.PutUint16(acceptBody[4:6], ConfigResultSuccess)
	deliverSignaling(t, loop, link, SigConfigurationResponse, ident, acceptBody)

	// Peer's own ConfigurationRequest completes the open.
	peerCfgBody := make([]byte, 4)
	binary.LittleEndian.PutUint16(peerCfgBody[0:2], localCID)
	deliverSignaling(t, loop, link, SigConfigurationRequest, 0x55, peerCfgBody)

	runSync(t, loop, func() {})
	require.True(t, onOpenCalled)
	require.NoError(t, onOpenErr)
	require.Equal(t, DCOpen, dc.State)
}

// TestLocalDisconnectDoesNotFireOnClosed confirms the spec §4.3 rule
// that a locally-initiated Close does not invoke onClosed (the caller
// already knows it closed the channel).
func TestLocalDisconnectDoesNotFireOnClosed(t *testing.T) {
	loop, ctrl, link := testLink(t)

	var dc *DynamicChannel
	opened := make(chan struct{}, 1)
	closedCalls := 0
	runSync(t, loop, func() {
		dc = link.Signaling().OpenOutbound(0x1001, false,
			func(got *DynamicChannel, err error) { dc = got; opened <- struct{}{} },
			nil, func(localInitiated bool) { closedCalls++ })
	})

	_, ident, body := lastSignalingCommand(t, ctrl)
	localCID := binary.LittleEndian.Uint16(body[2:4])
	const peerCID uint16 = 0x0070
	successBody := make([]byte, 8)
	binary.LittleEndian.PutUint16(successBody[0:2], peerCID)
	binary.LittleEndian.PutUint16(successBody[2:4], localCID)
	binary.LittleEndian.PutUint16(successBody[4:6], ConnResultSuccess)
	deliverSignaling(t, loop, link, SigConnectionResponse, ident, successBody)

	_, ident, _ = lastSignalingCommand(t, ctrl)
	infoResp := make([]byte, 8)
	binary.LittleEndian.PutUint16(infoResp[0:2], 0x0002)
	deliverSignaling(t, loop, link, SigInformationResponse, ident, infoResp)

	_, ident, _ = lastSignalingCommand(t, ctrl)
	cfgRespBody := make([]byte, 6)
	binary.LittleEndian.PutUint16(cfgRespBody[0:2], localCID)
	deliverSignaling(t, loop, link, SigConfigurationResponse, ident, cfgRespBody)

	peerCfgBody := make([]byte, 4)
	binary.LittleEndian.PutUint16(peerCfgBody[0:2], localCID)
	deliverSignaling(t, loop, link, SigConfigurationRequest, 0x42, peerCfgBody)

	<-opened
	require.Equal(t, DCOpen, dc.State)

	runSync(t, loop, func() { dc.Close() })
	code, ident, _ := lastSignalingCommand(t, ctrl)
	require.Equal(t, SigDisconnectionRequest, code)

	discRespBody := make([]byte, 4)
	binary.LittleEndian.PutUint16(discRespBody[0:2], localCID)
	binary.LittleEndian.PutUint16(discRespBody[2:4], peerCID)
	deliverSignaling(t, loop, link, SigDisconnectionResponse, ident, discRespBody)

	runSync(t, loop, func() {})
	require.Equal(t, DCClosed, dc.State)
	require.Zero(t, closedCalls, "locally-initiated close must not invoke onClosed")
}
