package gap

import (
	"context"
	"encoding/binary"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sapphire-bt/host/errors"
	"github.com/sapphire-bt/host/internal/dispatch"
	"github.com/sapphire-bt/host/internal/hci"
)

// RemoteInfo collects what interrogation (spec §4.6) learns about a
// newly connected BR/EDR peer before its logical link is handed to
// callers.
type RemoteInfo struct {
	Name                    string
	HaveName                bool
	LMPVersion              uint8
	ManufacturerName        uint16
	LMPSubversion           uint16
	SupportedFeatures       [8]byte
	ExtendedFeaturesMaxPage uint8
	ExtendedFeatures        map[uint8][8]byte
}

type nameResult struct {
	name string
	err  error
}

type versionResult struct {
	version       uint8
	manufacturer  uint16
	subversion    uint16
	err           error
}

type featuresResult struct {
	features [8]byte
	err      error
}

type extFeaturesResult struct {
	page    uint8
	maxPage uint8
	feats   [8]byte
	err     error
}

// Interrogator drives the fixed post-connection command sequence
// (spec §4.6: RemoteNameRequest, ReadRemoteVersionInformation,
// ReadRemoteSupportedFeatures, ReadRemoteExtendedFeatures per page).
// Every one of these commands completes immediately via CommandStatus
// and delivers its real answer as a separate event later, the same
// split smp.BREDRManager's SSP driver handles by subscribing once and
// dispatching by correlation key (address for RemoteNameRequest,
// connection handle for the rest, since the Core Spec does not carry
// a handle in RemoteNameRequestComplete). Interrogate supervises one
// connection's whole step set with an errgroup and reports the first
// failing step's error; a step already waiting for its completion
// event is not interrupted, so the result is delivered once every
// step has finished. BREDRConnector disconnects the link when the
// result is an error.
type Interrogator struct {
	cmd  *hci.CommandChannel
	loop *dispatch.Loop
	log  *logrus.Entry

	nameWaiters    map[[6]byte]chan nameResult
	versionWaiters map[uint16]chan versionResult
	featWaiters    map[uint16]chan featuresResult
	extWaiters     map[uint16]map[uint8]chan extFeaturesResult
}

// NewInterrogator subscribes to the four completion events on cmd.
// One Interrogator instance serves every BR/EDR connection the host
// makes; waiters are correlated per-call and removed once matched.
func NewInterrogator(loop *dispatch.Loop, cmd *hci.CommandChannel, log *logrus.Entry) *Interrogator {
	ir := &Interrogator{
		loop:           loop,
		cmd:            cmd,
		log:            log,
		nameWaiters:    make(map[[6]byte]chan nameResult),
		versionWaiters: make(map[uint16]chan versionResult),
		featWaiters:    make(map[uint16]chan featuresResult),
		extWaiters:     make(map[uint16]map[uint8]chan extFeaturesResult),
	}
	cmd.Subscribe(hci.EvtRemoteNameRequestComplete, ir.onRemoteNameComplete)
	cmd.Subscribe(hci.EvtReadRemoteVersionInformationComplete, ir.onVersionComplete)
	cmd.Subscribe(hci.EvtReadRemoteSupportedFeaturesComplete, ir.onFeaturesComplete)
	cmd.Subscribe(hci.EvtReadRemoteExtendedFeaturesComplete, ir.onExtFeaturesComplete)
	return ir
}

// Interrogate runs the full sequence for handle/addr and delivers the
// aggregated RemoteInfo, or the first error encountered, to cb. cb is
// always invoked from the dispatcher.
func (ir *Interrogator) Interrogate(handle uint16, addr [6]byte, cb func(*RemoteInfo, error)) {
	go ir.run(handle, addr, cb)
}

func (ir *Interrogator) run(handle uint16, addr [6]byte, cb func(*RemoteInfo, error)) {
	g, ctx := errgroup.WithContext(context.Background())
	info := &RemoteInfo{ExtendedFeatures: make(map[uint8][8]byte)}

	g.Go(func() error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res := ir.requestRemoteName(addr)
		if res.err != nil {
			return res.err
		}
		info.Name = res.name
		info.HaveName = true
		return nil
	})
	g.Go(func() error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res := ir.requestVersion(handle)
		if res.err != nil {
			return res.err
		}
		info.LMPVersion = res.version
		info.ManufacturerName = res.manufacturer
		info.LMPSubversion = res.subversion
		return nil
	})
	g.Go(func() error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res := ir.requestFeatures(handle)
		if res.err != nil {
			return res.err
		}
		info.SupportedFeatures = res.features
		return nil
	})
	g.Go(func() error {
		// Page 0 must complete first: it carries the max supported
		// page, which bounds the fan-out for the remaining pages.
		page0, err := ir.requestExtFeaturesPage(handle, 0)
		if err != nil {
			return err
		}
		info.ExtendedFeatures[0] = page0.feats
		info.ExtendedFeaturesMaxPage = page0.maxPage
		if page0.maxPage == 0 {
			return nil
		}
		pg, ctx2 := errgroup.WithContext(ctx)
		results := make([]extFeaturesResult, page0.maxPage)
		for p := uint8(1); p <= page0.maxPage; p++ {
			p := p
			pg.Go(func() error {
				if ctx2.Err() != nil {
					return ctx2.Err()
				}
				r, err := ir.requestExtFeaturesPage(handle, p)
				if err != nil {
					return err
				}
				results[p-1] = *r
				return nil
			})
		}
		if err := pg.Wait(); err != nil {
			return err
		}
		for _, r := range results {
			info.ExtendedFeatures[r.page] = r.feats
		}
		return nil
	})

	err := g.Wait()
	ir.loop.Post(func() {
		if err != nil {
			cb(nil, err)
			return
		}
		cb(info, nil)
	})
}

func (ir *Interrogator) requestRemoteName(addr [6]byte) nameResult {
	ch := make(chan nameResult, 1)
	ir.loop.Post(func() {
		ir.nameWaiters[addr] = ch
		payload := make([]byte, 10)
		copy(payload[0:6], addr[:])
		ir.cmd.SendCommand(hci.OpRemoteNameRequest, payload, hci.EvtCommandStatus, func(res hci.CommandResult) {
			if res.Err != nil {
				delete(ir.nameWaiters, addr)
				ch <- nameResult{err: res.Err}
			}
		})
	})
	return <-ch
}

func (ir *Interrogator) onRemoteNameComplete(payload []byte) hci.SubscriberAction {
	if len(payload) < 7 {
		return hci.Continue
	}
	var addr [6]byte
	copy(addr[:], payload[1:7])
	ch, ok := ir.nameWaiters[addr]
	if !ok {
		return hci.Continue
	}
	delete(ir.nameWaiters, addr)
	if payload[0] != 0 {
		ch <- nameResult{err: errors.WithProto(errors.KindFailed, errors.ProtoHCIStatus, payload[0], "gap: remote name request failed")}
		return hci.Continue
	}
	name := parseRemoteName(payload[7:])
	ch <- nameResult{name: name}
	return hci.Continue
}

func parseRemoteName(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (ir *Interrogator) requestVersion(handle uint16) versionResult {
	ch := make(chan versionResult, 1)
	ir.loop.Post(func() {
		ir.versionWaiters[handle] = ch
		payload := make([]byte, 2)
		binary.LittleEndian.PutUint16(payload, handle)
		ir.cmd.SendCommand(hci.OpReadRemoteVersionInformation, payload, hci.EvtCommandStatus, func(res hci.CommandResult) {
			if res.Err != nil {
				delete(ir.versionWaiters, handle)
				ch <- versionResult{err: res.Err}
			}
		})
	})
	return <-ch
}

func (ir *Interrogator) onVersionComplete(payload []byte) hci.SubscriberAction {
	if len(payload) < 8 {
		return hci.Continue
	}
	handle := binary.LittleEndian.Uint16(payload[1:3])
	ch, ok := ir.versionWaiters[handle]
	if !ok {
		return hci.Continue
	}
	delete(ir.versionWaiters, handle)
	if payload[0] != 0 {
		ch <- versionResult{err: errors.WithProto(errors.KindFailed, errors.ProtoHCIStatus, payload[0], "gap: read remote version failed")}
		return hci.Continue
	}
	ch <- versionResult{
		version:      payload[3],
		manufacturer: binary.LittleEndian.Uint16(payload[4:6]),
		subversion:   binary.LittleEndian.Uint16(payload[6:8]),
	}
	return hci.Continue
}

func (ir *Interrogator) requestFeatures(handle uint16) featuresResult {
	ch := make(chan featuresResult, 1)
	ir.loop.Post(func() {
		ir.featWaiters[handle] = ch
		payload := make([]byte, 2)
		binary.LittleEndian.PutUint16(payload, handle)
		ir.cmd.SendCommand(hci.OpReadRemoteSupportedFeatures, payload, hci.EvtCommandStatus, func(res hci.CommandResult) {
			if res.Err != nil {
				delete(ir.featWaiters, handle)
				ch <- featuresResult{err: res.Err}
			}
		})
	})
	return <-ch
}

func (ir *Interrogator) onFeaturesComplete(payload []byte) hci.SubscriberAction {
	if len(payload) < 11 {
		return hci.Continue
	}
	handle := binary.LittleEndian.Uint16(payload[1:3])
	ch, ok := ir.featWaiters[handle]
	if !ok {
		return hci.Continue
	}
	delete(ir.featWaiters, handle)
	if payload[0] != 0 {
		ch <- featuresResult{err: errors.WithProto(errors.KindFailed, errors.ProtoHCIStatus, payload[0], "gap: read remote features failed")}
		return hci.Continue
	}
	var feats [8]byte
	copy(feats[:], payload[3:11])
	ch <- featuresResult{features: feats}
	return hci.Continue
}

func (ir *Interrogator) requestExtFeaturesPage(handle uint16, page uint8) (*extFeaturesResult, error) {
	ch := make(chan extFeaturesResult, 1)
	ir.loop.Post(func() {
		byPage, ok := ir.extWaiters[handle]
		if !ok {
			byPage = make(map[uint8]chan extFeaturesResult)
			ir.extWaiters[handle] = byPage
		}
		byPage[page] = ch
		payload := make([]byte, 3)
		binary.LittleEndian.PutUint16(payload[0:2], handle)
		payload[2] = page
		ir.cmd.SendCommand(hci.OpReadRemoteExtendedFeatures, payload, hci.EvtCommandStatus, func(res hci.CommandResult) {
			if res.Err != nil {
				delete(byPage, page)
				ch <- extFeaturesResult{err: res.Err}
			}
		})
	})
	r := <-ch
	if r.err != nil {
		return nil, r.err
	}
	return &r, nil
}

func (ir *Interrogator) onExtFeaturesComplete(payload []byte) hci.SubscriberAction {
	if len(payload) < 13 {
		return hci.Continue
	}
	handle := binary.LittleEndian.Uint16(payload[1:3])
	byPage, ok := ir.extWaiters[handle]
	if !ok {
		return hci.Continue
	}
	page := payload[3]
	ch, ok := byPage[page]
	if !ok {
		return hci.Continue
	}
	delete(byPage, page)
	if len(byPage) == 0 {
		delete(ir.extWaiters, handle)
	}
	if payload[0] != 0 {
		ch <- extFeaturesResult{err: errors.WithProto(errors.KindFailed, errors.ProtoHCIStatus, payload[0], "gap: read remote extended features failed")}
		return hci.Continue
	}
	var feats [8]byte
	copy(feats[:], payload[5:13])
	ch <- extFeaturesResult{page: page, maxPage: payload[4], feats: feats}
	return hci.Continue
}
