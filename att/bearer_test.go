package att

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sapphire-bt/host/internal/dispatch"
	"github.com/sapphire-bt/host/internal/hci"
	"github.com/sapphire-bt/host/internal/l2cap"
)

// bearerFakeController records every outbound ACL packet and otherwise
// produces no inbound traffic: tests deliver ATT PDUs from the
// simulated peer directly through LogicalLink.HandleInboundACL.
type bearerFakeController struct {
	mu   sync.Mutex
	sent [][]byte

	events chan []byte
	acl    chan []byte
	sco    chan []byte
}

func newBearerFakeController() *bearerFakeController {
	return &bearerFakeController{
		events: make(chan []byte),
		acl:    make(chan []byte),
		sco:    make(chan []byte),
	}
}

func (f *bearerFakeController) SendCommand(b []byte) error { return nil }
func (f *bearerFakeController) SendACL(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), b...))
	return nil
}
func (f *bearerFakeController) SendSCO(b []byte) error                { return nil }
func (f *bearerFakeController) Events() <-chan []byte                 { return f.events }
func (f *bearerFakeController) ACL() <-chan []byte                    { return f.acl }
func (f *bearerFakeController) SCO() <-chan []byte                    { return f.sco }
func (f *bearerFakeController) VendorFeatures() uint64                { return 0 }
func (f *bearerFakeController) ConfigureSCOCodec(params []byte) error { return nil }

func (f *bearerFakeController) takeSent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sent
	f.sent = nil
	return out
}

const bearerTestHandle = 0x0030

// testBearer wires a Bearer to a real LogicalLink/ACLDataChannel stack
// over a fake controller, the same harness shape as
// internal/l2cap's dynamic_channel_test.go.
func testBearer(t *testing.T) (*dispatch.Loop, *bearerFakeController, *l2cap.LogicalLink, *Bearer) {
	t.Helper()
	loop := dispatch.New(64)
	t.Cleanup(loop.Stop)

	ctrl := newBearerFakeController()
	log := logrus.NewEntry(logrus.New())
	cmds := hci.NewCommandChannel(loop, ctrl, log, func(error) {})
	acl := hci.NewACLDataChannel(loop, ctrl, cmds, log)
	acl.SetBufferInfo(hci.LinkLE, 251, 8)
	acl.RegisterHandle(bearerTestHandle, hci.LinkLE)

	var link *l2cap.LogicalLink
	var bearer *Bearer
	runSync(t, loop, func() {
		link = l2cap.NewLogicalLink(loop, acl, log, bearerTestHandle, 251, true)
		bearer = NewBearer(loop, link.FixedChannel(l2cap.CIDATT), log)
	})
	return loop, ctrl, link, bearer
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

func deliverATT(t *testing.T, loop *dispatch.Loop, link *l2cap.LogicalLink, payload []byte) {
	t.Helper()
	frame := l2cap.BFrame{CID: l2cap.CIDATT, Payload: payload}
	runSync(t, loop, func() {
		link.HandleInboundACL(hci.PBFirstNonFlushable, frame.Marshal())
	})
}

func lastSent(t *testing.T, ctrl *bearerFakeController) []byte {
	t.Helper()
	sent := ctrl.takeSent()
	if len(sent) == 0 {
		t.Fatal("expected at least one outbound packet")
	}
	raw := sent[len(sent)-1]
	if len(raw) < 4 {
		t.Fatalf("short acl packet: %v", raw)
	}
	frame, err := l2cap.UnmarshalBFrame(raw[4:])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return frame.Payload
}

func TestBearerRequestCompletesOnResponse(t *testing.T) {
	loop, ctrl, link, bearer := testBearer(t)

	results := make(chan []byte, 1)
	runSync(t, loop, func() {
		bearer.Request(OpReadReq, MarshalReadRequest(0x0010), func(resp []byte, err error) {
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			results <- resp
		})
	})

	req := lastSent(t, ctrl)
	if req[0] != byte(OpReadReq) {
		t.Fatalf("expected a ReadRequest on the wire, got opcode 0x%02x", req[0])
	}

	// A second request while one is pending must fail immediately.
	busy := make(chan error, 1)
	runSync(t, loop, func() {
		bearer.Request(OpReadReq, MarshalReadRequest(0x0010), func(_ []byte, err error) { busy <- err })
	})
	select {
	case err := <-busy:
		if err == nil {
			t.Fatal("expected the second concurrent request to fail")
		}
	default:
		t.Fatal("second request never completed")
	}

	resp := append([]byte{byte(OpReadResp)}, 0xAB, 0xCD)
	deliverATT(t, loop, link, resp)

	select {
	case got := <-results:
		if got[0] != byte(OpReadResp) {
			t.Fatalf("unexpected response opcode: 0x%02x", got[0])
		}
	case <-time.After(time.Second):
		t.Fatal("request never completed")
	}
}

func TestBearerRequestCompletesOnErrorResponse(t *testing.T) {
	loop, _, link, bearer := testBearer(t)

	results := make(chan error, 1)
	runSync(t, loop, func() {
		bearer.Request(OpReadReq, MarshalReadRequest(0x0010), func(_ []byte, err error) { results <- err })
	})

	errResp := ErrorResponse{RequestOpcode: OpReadReq, Handle: 0x0010, Code: ErrReadNotPermitted}
	deliverATT(t, loop, link, errResp.Marshal())

	select {
	case err := <-results:
		if err == nil {
			t.Fatal("expected an error from the ErrorResponse")
		}
	case <-time.After(time.Second):
		t.Fatal("request never completed")
	}
}

func TestBearerIndicationAutoConfirmsBeforeHandler(t *testing.T) {
	loop, ctrl, link, bearer := testBearer(t)

	var gotValue []byte
	delivered := make(chan struct{}, 1)
	runSync(t, loop, func() {
		bearer.OnIndicate(0x0020, func(v []byte) {
			gotValue = v
			delivered <- struct{}{}
		})
	})

	ind := append([]byte{byte(OpHandleValueInd), 0x20, 0x00}, 0x01, 0x02)
	deliverATT(t, loop, link, ind)

	<-delivered
	if string(gotValue) != "\x01\x02" {
		t.Fatalf("indication value = %v, want [1 2]", gotValue)
	}

	cnf := lastSent(t, ctrl)
	if cnf[0] != byte(OpHandleValueCnf) {
		t.Fatalf("expected the bearer to auto-confirm, got opcode 0x%02x", cnf[0])
	}
}

func TestBearerNotifyDoesNotLockRequestPath(t *testing.T) {
	loop, _, link, bearer := testBearer(t)

	var gotValue []byte
	delivered := make(chan struct{}, 1)
	runSync(t, loop, func() {
		bearer.OnNotify(0x0021, func(v []byte) {
			gotValue = v
			delivered <- struct{}{}
		})
	})

	notif := append([]byte{byte(OpHandleValueNotify), 0x21, 0x00}, 0x09)
	deliverATT(t, loop, link, notif)
	<-delivered
	if string(gotValue) != "\x09" {
		t.Fatalf("notification value = %v, want [9]", gotValue)
	}

	// A request issued afterwards must still be free to proceed.
	ok := make(chan struct{}, 1)
	runSync(t, loop, func() {
		bearer.Request(OpReadReq, MarshalReadRequest(0x0010), func(_ []byte, err error) {
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			ok <- struct{}{}
		})
	})
	resp := append([]byte{byte(OpReadResp)}, 0x01)
	deliverATT(t, loop, link, resp)
	select {
	case <-ok:
	case <-time.After(time.Second):
		t.Fatal("request after a notification never completed")
	}
}

func TestBearerOnClosedFailsPendingRequest(t *testing.T) {
	loop, _, _, bearer := testBearer(t)

	results := make(chan error, 1)
	runSync(t, loop, func() {
		bearer.Request(OpReadReq, MarshalReadRequest(0x0010), func(_ []byte, err error) { results <- err })
	})

	closedCalls := 0
	runSync(t, loop, func() {
		bearer.SetClosedHandler(func(error) { closedCalls++ })
		bearer.OnClosed()
	})

	select {
	case err := <-results:
		if err == nil {
			t.Fatal("expected the pending request to fail when the channel closes")
		}
	case <-time.After(time.Second):
		t.Fatal("request never completed")
	}
	if closedCalls != 1 {
		t.Fatalf("closedCalls = %d, want 1", closedCalls)
	}

	// Further requests on a closed bearer fail immediately.
	late := make(chan error, 1)
	runSync(t, loop, func() {
		bearer.Request(OpReadReq, MarshalReadRequest(0x0010), func(_ []byte, err error) { late <- err })
	})
	if err := <-late; err == nil {
		t.Fatal("expected a request on a closed bearer to fail immediately")
	}
}
