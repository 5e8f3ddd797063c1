package host

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/sapphire-bt/host/gap"
	"github.com/sapphire-bt/host/internal/dispatch"
	"github.com/sapphire-bt/host/internal/hci"
	"github.com/sapphire-bt/host/peer"
)

// fakeController is the same outbound-command-recording fake used
// throughout gap's tests, extended with a real Events() channel since
// Host wires a real hci.Transport (and therefore real reader
// goroutines) rather than calling CommandChannel.HandleEvent
// directly.
type fakeController struct {
	mu   sync.Mutex
	cmds [][]byte

	events chan []byte
	acl    chan []byte
	sco    chan []byte
}

func newFakeController() *fakeController {
	return &fakeController{events: make(chan []byte, 8), acl: make(chan []byte, 8), sco: make(chan []byte, 8)}
}

func (f *fakeController) SendCommand(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, append([]byte(nil), b...))
	return nil
}
func (f *fakeController) SendACL(b []byte) error               { return nil }
func (f *fakeController) SendSCO(b []byte) error               { return nil }
func (f *fakeController) Events() <-chan []byte                { return f.events }
func (f *fakeController) ACL() <-chan []byte                   { return f.acl }
func (f *fakeController) SCO() <-chan []byte                   { return f.sco }
func (f *fakeController) VendorFeatures() uint64               { return 0 }
func (f *fakeController) ConfigureSCOCodec(params []byte) error { return nil }

func (f *fakeController) lastOpcode() hci.Opcode {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.cmds) == 0 {
		return 0
	}
	raw := f.cmds[len(f.cmds)-1]
	return hci.Opcode(uint16(raw[0]) | uint16(raw[1])<<8)
}

func rawEvent(code hci.EventCode, payload []byte) []byte {
	return append([]byte{byte(code), byte(len(payload))}, payload...)
}

func commandStatusEvent(opcode hci.Opcode) []byte {
	return rawEvent(hci.EvtCommandStatus, []byte{0x00, 0x01, byte(opcode), byte(opcode >> 8)})
}

func commandCompleteEvent(opcode hci.Opcode, params []byte) []byte {
	body := make([]byte, 3+len(params))
	body[0] = 1 // num hci command packets
	body[1], body[2] = byte(opcode), byte(opcode>>8)
	copy(body[3:], params)
	return rawEvent(hci.EvtCommandComplete, body)
}

// answerBufferSizeQueries replies to the Read Buffer Size and LE Read
// Buffer Size commands Host issues once at construction, letting the
// ACL data channel's credit pools open up before a test drives a
// connection through them.
func answerBufferSizeQueries(t *testing.T, ctrl *fakeController) {
	t.Helper()
	waitFor(t, time.Second, func() bool { return ctrl.lastOpcode() == hci.OpReadBufferSize })
	ctrl.events <- commandCompleteEvent(hci.OpReadBufferSize, []byte{0x00, 0xFB, 0x00, 0xFF, 0x08, 0x00, 0x00, 0x00})

	waitFor(t, time.Second, func() bool { return ctrl.lastOpcode() == hci.OpLEReadBufferSize })
	ctrl.events <- commandCompleteEvent(hci.OpLEReadBufferSize, []byte{0x00, 0xFB, 0x00, 0x08})
}

func leConnectionCompleteEvent(handle uint16, addr [6]byte) []byte {
	body := make([]byte, 19)
	body[0] = byte(hci.LEEvtConnectionComplete)
	body[1] = 0x00 // status: success
	body[2] = byte(handle)
	body[3] = byte(handle >> 8)
	copy(body[6:12], addr[:])
	return rawEvent(hci.EvtLEMeta, body)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHostConnectLEWiresClientAndPeer(t *testing.T) {
	loop := dispatch.New(64)
	t.Cleanup(loop.Stop)
	ctrl := newFakeController()
	log := logrus.NewEntry(logrus.New())

	h := New(loop, ctrl, log, Bondable(true))
	answerBufferSizeQueries(t, ctrl)

	var connected *Conn
	var connErr error
	done := make(chan struct{})
	peerAddr := gap.Address{Kind: gap.AddressLERandom, Bytes: [6]byte{9, 8, 7, 6, 5, 4}}

	loop.Post(func() {
		h.ConnectLE(peerAddr, gap.DefaultConnectionParams(), func(c *Conn, err error) {
			connected, connErr = c, err
			close(done)
		})
	})

	waitFor(t, time.Second, func() bool { return ctrl.lastOpcode() == hci.OpLECreateConnection })

	ctrl.events <- commandStatusEvent(hci.OpLECreateConnection)
	ctrl.events <- leConnectionCompleteEvent(0x0040, peerAddr.Bytes)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connect never completed")
	}

	require.NoError(t, connErr)
	require.NotNil(t, connected)
	require.NotNil(t, connected.Client)
	require.Equal(t, gap.TechnologyLE, connected.Technology)
	require.True(t, connected.Interrogated, "LE connections need no interrogation")
	require.Equal(t, peerAddr, connected.Peer)

	var cached *peer.Peer
	cachedDone := make(chan struct{})
	loop.Post(func() {
		cached, _ = h.PeerCache().Get(1)
		close(cachedDone)
	})
	<-cachedDone
	require.NotNil(t, cached)
	require.Equal(t, peerAddr, cached.Address)
}

func TestHostRejectsDoubleLEConnect(t *testing.T) {
	loop := dispatch.New(64)
	t.Cleanup(loop.Stop)
	ctrl := newFakeController()
	log := logrus.NewEntry(logrus.New())
	h := New(loop, ctrl, log)
	answerBufferSizeQueries(t, ctrl)

	peerAddr := gap.Address{Kind: gap.AddressLEPublic, Bytes: [6]byte{1, 2, 3, 4, 5, 6}}

	loop.Post(func() {
		h.ConnectLE(peerAddr, gap.DefaultConnectionParams(), func(*Conn, error) {})
	})
	waitFor(t, time.Second, func() bool { return ctrl.lastOpcode() == hci.OpLECreateConnection })

	var secondErr error
	secondDone := make(chan struct{})
	loop.Post(func() {
		h.ConnectLE(peerAddr, gap.DefaultConnectionParams(), func(_ *Conn, err error) {
			secondErr = err
			close(secondDone)
		})
	})

	select {
	case <-secondDone:
	case <-time.After(time.Second):
		t.Fatal("second connect callback never fired")
	}
	require.Error(t, secondErr)
}
