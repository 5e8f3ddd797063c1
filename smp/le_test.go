package smp

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/sapphire-bt/host/internal/dispatch"
	"github.com/sapphire-bt/host/internal/hci"
	"github.com/sapphire-bt/host/internal/l2cap"
)

// leFakeController is the same fake-transport shape att/bearer_test.go
// and gatt/client_test.go use: it records outbound ACL frames so the
// test can relay them to the peer stack instead of driving a real
// controller.
type leFakeController struct {
	mu   sync.Mutex
	sent [][]byte

	events chan []byte
	acl    chan []byte
	sco    chan []byte
}

func newLEFakeController() *leFakeController {
	return &leFakeController{events: make(chan []byte), acl: make(chan []byte), sco: make(chan []byte)}
}

func (f *leFakeController) SendCommand(b []byte) error { return nil }
func (f *leFakeController) SendACL(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), b...))
	return nil
}
func (f *leFakeController) SendSCO(b []byte) error                { return nil }
func (f *leFakeController) Events() <-chan []byte                 { return f.events }
func (f *leFakeController) ACL() <-chan []byte                    { return f.acl }
func (f *leFakeController) SCO() <-chan []byte                    { return f.sco }
func (f *leFakeController) VendorFeatures() uint64                { return 0 }
func (f *leFakeController) ConfigureSCOCodec(params []byte) error { return nil }

func (f *leFakeController) takeSent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sent
	f.sent = nil
	return out
}

const leTestHandle = 0x0041

type smpStack struct {
	loop *dispatch.Loop
	ctrl *leFakeController
	link *l2cap.LogicalLink
	mgr  *Manager
}

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

func newSMPStack(t *testing.T, cfg Config, delegate Delegate, local, remote Address) *smpStack {
	t.Helper()
	loop := dispatch.New(64)
	t.Cleanup(loop.Stop)

	ctrl := newLEFakeController()
	log := logrus.NewEntry(logrus.New())
	cmds := hci.NewCommandChannel(loop, ctrl, log, func(error) {})
	acl := hci.NewACLDataChannel(loop, ctrl, cmds, log)
	acl.SetBufferInfo(hci.LinkLE, 251, 8)
	acl.RegisterHandle(leTestHandle, hci.LinkLE)

	s := &smpStack{loop: loop, ctrl: ctrl}
	runSync(t, loop, func() {
		s.link = l2cap.NewLogicalLink(loop, acl, log, leTestHandle, 251, true)
		s.mgr = NewManager(loop, s.link.FixedChannel(l2cap.CIDSMP), log, cfg, delegate, local, remote)
	})
	return s
}

func (s *smpStack) takePDUs(t *testing.T) [][]byte {
	t.Helper()
	raw := s.ctrl.takeSent()
	out := make([][]byte, 0, len(raw))
	for _, b := range raw {
		if len(b) < 4 {
			t.Fatalf("short acl packet: %v", b)
		}
		frame, err := l2cap.UnmarshalBFrame(b[4:])
		if err != nil {
			t.Fatalf("unexpected error unmarshaling bframe: %v", err)
		}
		out = append(out, frame.Payload)
	}
	return out
}

func (s *smpStack) deliver(t *testing.T, pdu []byte) {
	t.Helper()
	frame := l2cap.BFrame{CID: l2cap.CIDSMP, Payload: pdu}
	runSync(t, s.loop, func() {
		s.link.HandleInboundACL(hci.PBFirstNonFlushable, frame.Marshal())
	})
}

// relay pumps PDUs back and forth between two stacks until neither
// side has anything queued, or the round limit is hit (a stuck
// protocol is a test failure, not an infinite loop).
func relay(t *testing.T, a, b *smpStack) {
	t.Helper()
	for i := 0; i < 32; i++ {
		aOut := a.takePDUs(t)
		for _, pdu := range aOut {
			b.deliver(t, pdu)
		}
		bOut := b.takePDUs(t)
		for _, pdu := range bOut {
			a.deliver(t, pdu)
		}
		if len(aOut) == 0 && len(bOut) == 0 {
			return
		}
	}
	t.Fatal("smp exchange did not converge")
}

var addrA = Address{Bytes: [6]byte{1, 2, 3, 4, 5, 6}}
var addrB = Address{Bytes: [6]byte{6, 5, 4, 3, 2, 1}}

func TestLEPairingJustWorksLegacy(t *testing.T) {
	cfg := Config{
		IOCapability:  IOCapNoInputNoOutput,
		Bonding:       true,
		MaxEncKeySize: 16,
		LocalKeyDist:  KeyDistEncKey | KeyDistIDKey,
		RemoteKeyDist: KeyDistEncKey | KeyDistIDKey,
	}
	alice := newSMPStack(t, cfg, Delegate{}, addrA, addrB)
	bob := newSMPStack(t, cfg, Delegate{}, addrB, addrA)

	var aliceResult Result
	var aliceDone bool

	runSync(t, alice.loop, func() {
		alice.mgr.StartPairing(func(r Result) {
			aliceResult = r
			aliceDone = true
		})
	})
	relay(t, alice, bob)

	require.True(t, aliceDone)
	require.True(t, aliceResult.Success)
	require.Equal(t, MethodJustWorks, aliceResult.Method)
	require.True(t, aliceResult.Local.HaveLTK)
	require.True(t, aliceResult.Remote.HaveLTK)
}

func TestLEPairingSecureConnectionsJustWorks(t *testing.T) {
	cfg := Config{
		IOCapability:      IOCapNoInputNoOutput,
		Bonding:           true,
		SecureConnections: true,
		MaxEncKeySize:     16,
		LocalKeyDist:      KeyDistEncKey,
		RemoteKeyDist:     KeyDistEncKey,
	}
	alice := newSMPStack(t, cfg, Delegate{}, addrA, addrB)
	bob := newSMPStack(t, cfg, Delegate{}, addrB, addrA)

	var aliceResult Result
	var gotResult bool
	runSync(t, alice.loop, func() {
		alice.mgr.StartPairing(func(r Result) {
			aliceResult = r
			gotResult = true
		})
	})
	relay(t, alice, bob)

	require.True(t, gotResult)
	require.True(t, aliceResult.Success)
	require.True(t, aliceResult.SC)
	require.Equal(t, MethodJustWorks, aliceResult.Method)
	require.NotEqual(t, [16]byte{}, aliceResult.Local.LTK)
}

func TestLEPairingFailsOnConcurrentStart(t *testing.T) {
	cfg := Config{IOCapability: IOCapNoInputNoOutput, MaxEncKeySize: 16}
	alice := newSMPStack(t, cfg, Delegate{}, addrA, addrB)

	runSync(t, alice.loop, func() {
		alice.mgr.StartPairing(func(Result) {})
	})

	var secondErr error
	runSync(t, alice.loop, func() {
		alice.mgr.StartPairing(func(r Result) {
			secondErr = r.Err
		})
	})
	require.Error(t, secondErr)
}

func TestLEPairingPasskeyEntry(t *testing.T) {
	cfg := Config{
		IOCapability:  IOCapKeyboardOnly,
		MITM:          true,
		MaxEncKeySize: 16,
	}
	displayCfg := cfg
	displayCfg.IOCapability = IOCapDisplayOnly

	var shown uint32
	var gotInput bool
	aliceDelegate := Delegate{
		RequestPasskey: func(cb func(uint32, bool)) {
			gotInput = true
			cb(shown, true)
		},
	}
	bobDelegate := Delegate{
		DisplayPasskey: func(passkey uint32) { shown = passkey },
	}

	alice := newSMPStack(t, cfg, aliceDelegate, addrA, addrB)
	bob := newSMPStack(t, displayCfg, bobDelegate, addrB, addrA)

	var aliceResult Result
	var done bool
	runSync(t, alice.loop, func() {
		alice.mgr.StartPairing(func(r Result) {
			aliceResult = r
			done = true
		})
	})
	relay(t, alice, bob)

	require.True(t, gotInput)
	require.True(t, done)
	require.True(t, aliceResult.Success)
	require.Equal(t, MethodPasskeyEntry, aliceResult.Method)
}
