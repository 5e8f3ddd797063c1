package gap

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/sapphire-bt/host/internal/hci"
	"github.com/sapphire-bt/host/smp"
)

func connectionCompletePayload(status uint8, handle uint16, addr [6]byte) []byte {
	b := make([]byte, 11)
	b[0] = status
	binary.LittleEndian.PutUint16(b[1:3], handle)
	copy(b[3:9], addr[:])
	b[9] = 0x01 // link type: ACL
	b[10] = 0x00
	return b
}

func remoteNamePayload(addr [6]byte, name string) []byte {
	b := make([]byte, 7+len(name)+1)
	copy(b[1:7], addr[:])
	copy(b[7:], []byte(name))
	return b
}

func versionInfoPayload(handle uint16) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint16(b[1:3], handle)
	b[3] = 0x08
	binary.LittleEndian.PutUint16(b[4:6], 0x000F)
	binary.LittleEndian.PutUint16(b[6:8], 0x0001)
	return b
}

func supportedFeaturesPayload(handle uint16) []byte {
	b := make([]byte, 11)
	binary.LittleEndian.PutUint16(b[1:3], handle)
	return b
}

func extFeaturesPayload(handle uint16, page, maxPage uint8) []byte {
	b := make([]byte, 13)
	binary.LittleEndian.PutUint16(b[1:3], handle)
	b[3] = page
	b[4] = maxPage
	return b
}

// answerInterrogation feeds the four fixed completion events
// Interrogator.Interrogate waits on for a single-page, no-extended-
// features peer, letting a test's Connect/accept flow resolve.
func answerInterrogation(t *testing.T, loop interface {
	Post(func())
}, cmds *hci.CommandChannel, handle uint16, addr [6]byte) {
	t.Helper()
	deliver := func(code hci.EventCode, payload []byte) {
		done := make(chan struct{})
		loop.Post(func() {
			cmds.HandleEvent(hci.EventHeader{Code: code}, payload)
			close(done)
		})
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not process interrogation event in time")
		}
	}
	deliver(hci.EvtRemoteNameRequestComplete, remoteNamePayload(addr, "peer"))
	deliver(hci.EvtReadRemoteVersionInformationComplete, versionInfoPayload(handle))
	deliver(hci.EvtReadRemoteSupportedFeaturesComplete, supportedFeaturesPayload(handle))
	deliver(hci.EvtReadRemoteExtendedFeaturesComplete, extFeaturesPayload(handle, 0, 0))
}

func TestBREDRConnectorOutboundConnectNotifiesPairingOnDisconnect(t *testing.T) {
	loop, ctrl, cmds := newGapStack(t)
	log := logrus.NewEntry(logrus.New())
	ir := NewInterrogator(loop, cmds, log)
	connector := NewBREDRConnector(loop, cmds, log, ir)

	pairing := smp.NewBREDRManager(cmds, log, smp.Config{}, smp.Delegate{},
		func([6]byte) ([16]byte, uint8, bool) { return [16]byte{}, 0, false },
		func([6]byte, [16]byte, uint8) {})
	connector.SetPairingManager(pairing)

	addr := [6]byte{1, 2, 3, 4, 5, 6}
	const handle = uint16(0x0020)

	var gotHandle uint16
	var connErr error
	connected := make(chan struct{})
	runSync(t, loop, func() {
		connector.Connect(addr, func(h uint16, err error) {
			gotHandle, connErr = h, err
			close(connected)
		})
	})
	require.Equal(t, hci.OpCreateConnection, ctrl.lastOpcode())

	runSync(t, loop, func() {
		cmds.HandleEvent(hci.EventHeader{Code: hci.EvtCommandStatus}, []byte{0x00, 0x01, byte(hci.OpCreateConnection), byte(hci.OpCreateConnection >> 8)})
	})
	runSync(t, loop, func() {
		cmds.HandleEvent(hci.EventHeader{Code: hci.EvtConnectionComplete}, connectionCompletePayload(0, handle, addr))
	})

	answerInterrogation(t, loop, cmds, handle, addr)

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("connect never completed")
	}
	require.NoError(t, connErr)
	require.Equal(t, handle, gotHandle)

	// NotifyConnected should have told pairing about addr/handle: a
	// pairing session started now and then torn down by a
	// DisconnectionComplete event routed through onDisconnectionComplete
	// must fail via that handle mapping rather than hanging forever.
	result := make(chan smp.Result, 1)
	runSync(t, loop, func() {
		pairing.StartPairing(addr, handle, func(r smp.Result) { result <- r })
	})
	runSync(t, loop, func() {
		cmds.HandleEvent(hci.EventHeader{Code: hci.EvtDisconnectionComplete}, []byte{0x00, byte(handle), byte(handle >> 8), 0x13})
	})

	select {
	case r := <-result:
		require.False(t, r.Success)
	case <-time.After(time.Second):
		t.Fatal("pairing session never failed after disconnect")
	}
}

func TestBREDRConnectorRejectsConcurrentConnect(t *testing.T) {
	loop, _, cmds := newGapStack(t)
	log := logrus.NewEntry(logrus.New())
	ir := NewInterrogator(loop, cmds, log)
	connector := NewBREDRConnector(loop, cmds, log, ir)

	runSync(t, loop, func() {
		connector.Connect([6]byte{1, 2, 3, 4, 5, 6}, func(uint16, error) {})
	})

	var secondErr error
	runSync(t, loop, func() {
		connector.Connect([6]byte{9, 9, 9, 9, 9, 9}, func(_ uint16, err error) {
			secondErr = err
		})
	})
	require.Error(t, secondErr)
}

func TestBREDRConnectorRejectsInboundWhenPolicyDenies(t *testing.T) {
	loop, ctrl, cmds := newGapStack(t)
	log := logrus.NewEntry(logrus.New())
	ir := NewInterrogator(loop, cmds, log)
	connector := NewBREDRConnector(loop, cmds, log, ir)
	connector.OnInboundRequest(func([6]byte) bool { return false })

	addr := [6]byte{4, 4, 4, 4, 4, 4}
	runSync(t, loop, func() {
		cmds.HandleEvent(hci.EventHeader{Code: hci.EvtConnectionRequest}, connectionRequestPayload(addr))
	})

	require.Equal(t, hci.OpRejectConnectionRequest, ctrl.lastOpcode())
}

func connectionRequestPayload(addr [6]byte) []byte {
	b := make([]byte, 10)
	copy(b[0:6], addr[:])
	b[9] = 0x01 // link type: ACL
	return b
}
