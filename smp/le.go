package smp

import (
	"crypto/rand"

	"github.com/sirupsen/logrus"

	"github.com/sapphire-bt/host/errors"
	"github.com/sapphire-bt/host/internal/dispatch"
	"github.com/sapphire-bt/host/internal/hci"
	"github.com/sapphire-bt/host/internal/l2cap"
)

// Config is the local policy a Manager pairs with: its own IO
// capability, whether it requires MITM protection/bonding, the
// maximum encryption key size it will accept, and which keys it wants
// distributed in each direction (spec §4.5).
type Config struct {
	IOCapability     IOCapability
	MITM             bool
	Bonding          bool
	SecureConnections bool
	MaxEncKeySize    uint8
	LocalKeyDist     uint8
	RemoteKeyDist    uint8
}

// PasskeyDisplay and PasskeyInput are the two ways a Manager's owner
// participates in PasskeyEntry association: the owner is asked to
// show a generated value, or to supply one the peer displayed.
type PasskeyDisplay func(passkey uint32)
type PasskeyInput func(cb func(passkey uint32, ok bool))
type NumericConfirm func(value uint32, cb func(confirm bool))

// Delegate lets the pairing owner drive the user-interaction steps an
// association model needs; a Manager with a nil field for the model
// in use fails that pairing (ReasonPasskeyEntryFailed or
// ReasonNumericComparisonFailed) rather than blocking forever.
type Delegate struct {
	DisplayPasskey  PasskeyDisplay
	RequestPasskey  PasskeyInput
	ConfirmNumeric  NumericConfirm
}

// Manager is the LE SMP pairing state machine for one connection,
// implementing l2cap.ChannelHandler over the fixed SMP channel (cid
// 0x0006). Grounded on C1's CommandChannel (internal/hci/command.go)
// for the single-outstanding-exchange/timer/fail-once shape,
// generalized from one request-response pair to the full Phase1/
// Phase2/Phase3 sequence, and on att.Bearer's pending-request pattern
// for the per-phase dispatch.Timer.
type Manager struct {
	loop    *dispatch.Loop
	channel *l2cap.Channel
	log     *logrus.Entry
	cfg     Config
	delegate Delegate

	local  Address
	remote Address
	role   Role

	phase Phase
	timer *dispatch.Timer

	localParams  PairingParams
	remoteParams PairingParams
	method       Method
	usingSC      bool

	localRandom   [16]byte
	localConfirm  [16]byte
	remoteConfirm [16]byte
	remoteRandom  [16]byte

	localKeyPair *ECDHKeyPair
	localPubX, localPubY   [32]byte
	remotePubX, remotePubY [32]byte
	dhKey         [32]byte
	macKey        [16]byte
	ltk           [16]byte
	passkey       uint32
	passkeyBitsSent int
	awaitingPeerDHKeyCheck bool

	stk [16]byte

	localDistribute  uint8
	remoteDistribute uint8
	localKeys        Keys
	remoteKeys       Keys

	onResult func(Result)
	guard    failureGuard
}

// NewManager wires a Manager onto an already-open SMP fixed channel.
// local/remote are this link's two device addresses, used by the
// crypto toolbox's address-dependent inputs.
func NewManager(loop *dispatch.Loop, channel *l2cap.Channel, log *logrus.Entry, cfg Config, delegate Delegate, local, remote Address) *Manager {
	m := &Manager{
		loop:     loop,
		channel:  channel,
		log:      log,
		cfg:      cfg,
		delegate: delegate,
		local:    local,
		remote:   remote,
		phase:    Idle,
	}
	channel.Attach(m)
	return m
}

// StartPairing initiates Phase1 as the Initiator (spec §4.5: "either
// side may request pairing be initiated"). onResult is invoked exactly
// once when the attempt concludes.
func (m *Manager) StartPairing(onResult func(Result)) {
	if m.phase != Idle {
		onResult(Result{Success: false, Err: errors.New(errors.KindInProgress, "smp: pairing already in progress")})
		return
	}
	m.role = Initiator
	m.onResult = onResult
	m.guard = failureGuard{}
	m.localRandom = randomBytes16()

	m.localParams = PairingParams{
		IOCapability:     m.cfg.IOCapability,
		AuthReq:          m.authReq(),
		MaxEncKeySize:    m.cfg.MaxEncKeySize,
		InitiatorKeyDist: m.cfg.LocalKeyDist,
		ResponderKeyDist: m.cfg.RemoteKeyDist,
	}
	m.enterPhase(Phase1FeatureExchange)
	m.send(m.localParams.MarshalRequest())
}

// Security Request lets a Responder ask its peer (acting as
// Initiator) to kick off pairing (Core Spec v5.0 Vol 3 Part H §3.5.9).
func (m *Manager) SendSecurityRequest() {
	if m.phase != Idle {
		return
	}
	m.send(marshalSecurityRequest(m.authReq()))
}

func (m *Manager) authReq() uint8 {
	var a uint8
	if m.cfg.Bonding {
		a |= AuthReqBonding
	}
	if m.cfg.MITM {
		a |= AuthReqMITM
	}
	if m.cfg.SecureConnections {
		a |= AuthReqSC
	}
	return a
}

// HandleData implements l2cap.ChannelHandler.
func (m *Manager) HandleData(payload []byte) {
	if len(payload) == 0 {
		return
	}
	switch Opcode(payload[0]) {
	case OpSecurityRequest:
		// Left to the owner: receiving this does not itself start a
		// Manager-driven exchange, since only the owner knows whether
		// it wants to re-key or initiate pairing in response.
	case OpPairingRequest:
		m.handlePairingRequest(payload)
	case OpPairingResponse:
		m.handlePairingResponse(payload)
	case OpPairingConfirm:
		m.handlePairingConfirm(payload)
	case OpPairingRandom:
		m.handlePairingRandom(payload)
	case OpPairingPublicKey:
		m.handlePairingPublicKey(payload)
	case OpPairingDHKeyCheck:
		m.handlePairingDHKeyCheck(payload)
	case OpPairingFailed:
		m.handlePairingFailed(payload)
	case OpEncryptionInformation, OpMasterIdentification, OpIdentityInformation,
		OpIdentityAddressInformation, OpSigningInformation:
		m.handleKeyDistribution(payload)
	case OpPairingKeypressNotification:
		// Keypress notifications are advisory UI hints only; no state
		// machine action is required to receive one.
	default:
		m.fail(ReasonCommandNotSupported, errors.New(errors.KindPacketMalformed, "smp: unsupported opcode"))
	}
}

// OnClosed implements l2cap.ChannelHandler.
func (m *Manager) OnClosed() {
	if m.phase == Idle {
		return
	}
	m.fail(ReasonUnspecifiedReason, errors.New(errors.KindLinkDisconnected, "smp: channel closed"))
}

func (m *Manager) enterPhase(p Phase) {
	m.phase = p
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = m.loop.PostAfter(phaseTimeout, func() {
		m.fail(ReasonUnspecifiedReason, errors.New(errors.KindTimedOut, "smp: phase timed out"))
	})
}

func (m *Manager) send(pdu []byte) {
	m.channel.Send(pdu, hci.PriorityHigh)
}

func (m *Manager) fail(reason FailureReason, err error) {
	if m.phase == Idle {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if reason != 0 {
		m.send(marshalPairingFailed(reason))
	}
	m.phase = Idle
	m.guard.notify(func() {
		if m.onResult != nil {
			m.onResult(Result{Success: false, FailReason: reason, Err: err})
		}
	})
}

func (m *Manager) handlePairingFailed(payload []byte) {
	reason, err := unmarshalPairingFailed(payload)
	if err != nil {
		return
	}
	m.phase = Idle
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.guard.notify(func() {
		if m.onResult != nil {
			m.onResult(Result{Success: false, FailReason: reason, Err: errors.WithProto(errors.KindFailed, errors.ProtoSMPFailure, uint8(reason), "smp: pairing failed")})
		}
	})
}

// --- Phase 1: feature exchange ---

func (m *Manager) handlePairingRequest(payload []byte) {
	if m.phase != Idle {
		m.fail(ReasonUnspecifiedReason, errors.New(errors.KindInProgress, "smp: pairing already in progress"))
		return
	}
	params, err := unmarshalPairingParams(payload)
	if err != nil {
		m.fail(ReasonInvalidParameters, err)
		return
	}
	m.role = Responder
	m.remoteParams = params
	m.localRandom = randomBytes16()

	m.localParams = PairingParams{
		IOCapability:     m.cfg.IOCapability,
		AuthReq:          m.authReq(),
		MaxEncKeySize:    m.cfg.MaxEncKeySize,
		InitiatorKeyDist: params.InitiatorKeyDist & m.cfg.RemoteKeyDist,
		ResponderKeyDist: params.ResponderKeyDist & m.cfg.LocalKeyDist,
	}
	m.resolveMethodAndKeySize()
	m.enterPhase(Phase1FeatureExchange)
	m.send(m.localParams.MarshalResponse())
	m.enterPhase(Phase2Authentication)
	m.beginPhase2()
}

func (m *Manager) handlePairingResponse(payload []byte) {
	if m.phase != Phase1FeatureExchange || m.role != Initiator {
		m.fail(ReasonUnspecifiedReason, errors.New(errors.KindFailed, "smp: unexpected pairing response"))
		return
	}
	params, err := unmarshalPairingParams(payload)
	if err != nil {
		m.fail(ReasonInvalidParameters, err)
		return
	}
	m.remoteParams = params
	m.localParams.InitiatorKeyDist &= params.InitiatorKeyDist
	m.localParams.ResponderKeyDist &= params.ResponderKeyDist
	m.resolveMethodAndKeySize()
	m.enterPhase(Phase2Authentication)
	m.beginPhase2()
}

func (m *Manager) resolveMethodAndKeySize() {
	initCap, respCap := m.localParams.IOCapability, m.remoteParams.IOCapability
	initMITM, respMITM := m.localParams.AuthReq&AuthReqMITM != 0, m.remoteParams.AuthReq&AuthReqMITM != 0
	initOOB, respOOB := m.localParams.OOBDataPresent, m.remoteParams.OOBDataPresent
	if m.role == Responder {
		initCap, respCap = respCap, initCap
		initMITM, respMITM = respMITM, initMITM
		initOOB, respOOB = respOOB, initOOB
	}
	m.usingSC = m.localParams.AuthReq&AuthReqSC != 0 && m.remoteParams.AuthReq&AuthReqSC != 0
	m.method = ResolveMethod(initCap, respCap, initMITM, respMITM, initOOB, respOOB, m.usingSC)

	if m.localParams.MaxEncKeySize > m.remoteParams.MaxEncKeySize {
		m.localParams.MaxEncKeySize = m.remoteParams.MaxEncKeySize
	}
}

// --- Phase 2: authentication ---

func (m *Manager) beginPhase2() {
	if m.usingSC {
		m.beginPhase2SC()
		return
	}
	m.beginPhase2Legacy()
}

func (m *Manager) beginPhase2Legacy() {
	switch m.method {
	case MethodJustWorks:
		m.passkey = 0
		m.proceedLegacyConfirm()
	case MethodPasskeyEntry:
		m.beginLegacyPasskeyEntry()
	case MethodOutOfBand:
		// Out-of-band TK exchange happens outside SMP; this core has
		// no OOB data channel wired up, so treat as unsupported.
		m.fail(ReasonOOBNotAvailable, errors.New(errors.KindNotSupported, "smp: out-of-band not supported"))
	default:
		m.fail(ReasonAuthenticationRequirements, errors.New(errors.KindNotSupported, "smp: numeric comparison requires secure connections"))
	}
}

// isPasskeyDisplaySide decides which peer generates and shows the
// passkey versus which one keys it in (Core Spec v5.0 Vol 3 Part H
// §2.3.5.1): a pure-display side always shows, a pure-keyboard side
// always inputs, and a KeyboardDisplay side shows when the peer
// cannot (KeyboardOnly) or, paired with another KeyboardDisplay side,
// when it is the Initiator.
func (m *Manager) isPasskeyDisplaySide() bool {
	switch m.localParams.IOCapability {
	case IOCapDisplayOnly, IOCapDisplayYesNo:
		return true
	case IOCapKeyboardOnly:
		return false
	case IOCapKeyboardDisplay:
		switch m.remoteParams.IOCapability {
		case IOCapKeyboardOnly:
			return true
		case IOCapKeyboardDisplay:
			return m.role == Initiator
		default:
			return false
		}
	default:
		return false
	}
}

func (m *Manager) beginLegacyPasskeyEntry() {
	if m.isPasskeyDisplaySide() {
		if m.delegate.DisplayPasskey == nil {
			m.fail(ReasonPasskeyEntryFailed, errors.New(errors.KindNotSupported, "smp: no passkey display delegate"))
			return
		}
		m.passkey = randomPasskey()
		m.delegate.DisplayPasskey(m.passkey)
		m.proceedLegacyConfirm()
		return
	}
	if m.delegate.RequestPasskey == nil {
		m.fail(ReasonPasskeyEntryFailed, errors.New(errors.KindNotSupported, "smp: no passkey input delegate"))
		return
	}
	m.delegate.RequestPasskey(func(passkey uint32, ok bool) {
		if m.phase != Phase2Authentication {
			return
		}
		if !ok {
			m.fail(ReasonPasskeyEntryFailed, errors.New(errors.KindCanceled, "smp: passkey entry canceled"))
			return
		}
		m.passkey = passkey
		m.proceedLegacyConfirm()
	})
}

func (m *Manager) tk() [16]byte {
	var tk [16]byte
	tk[14] = byte(m.passkey >> 8)
	tk[15] = byte(m.passkey)
	tk[13] = byte(m.passkey >> 16)
	tk[12] = byte(m.passkey >> 24)
	return tk
}

func (m *Manager) proceedLegacyConfirm() {
	preq := m.initiatorParams().body()
	pres := m.responderParams().body()
	iat, rat := m.addrTypes()
	ia, ra := m.addrPairLegacy()
	m.localConfirm = c1(m.tk(), m.localRandom, preq, pres, iat, rat, ia, ra)
	m.send(marshalPairingConfirm(m.localConfirm))
}

func (m *Manager) initiatorParams() PairingParams {
	if m.role == Initiator {
		return m.localParams
	}
	return m.remoteParams
}

func (m *Manager) responderParams() PairingParams {
	if m.role == Responder {
		return m.localParams
	}
	return m.remoteParams
}

func (m *Manager) addrTypes() (iat, rat byte) {
	initAddr, respAddr := m.local, m.remote
	if m.role == Responder {
		initAddr, respAddr = m.remote, m.local
	}
	if initAddr.Random {
		iat = 1
	}
	if respAddr.Random {
		rat = 1
	}
	return iat, rat
}

func (m *Manager) addrPairLegacy() (ia, ra [6]byte) {
	initAddr, respAddr := m.local, m.remote
	if m.role == Responder {
		initAddr, respAddr = m.remote, m.local
	}
	return initAddr.Bytes, respAddr.Bytes
}

func (m *Manager) handlePairingConfirm(payload []byte) {
	if m.phase != Phase2Authentication || m.usingSC {
		m.fail(ReasonUnspecifiedReason, errors.New(errors.KindFailed, "smp: unexpected pairing confirm"))
		return
	}
	c, err := unmarshal16(payload)
	if err != nil {
		m.fail(ReasonInvalidParameters, err)
		return
	}
	m.remoteConfirm = c

	// Only the Initiator sends its Random upon receiving the peer's
	// Confirm; the Responder waits to receive the Initiator's Random
	// first and validates it before replying with its own (Core Spec
	// v5.0 Vol 3 Part H §2.3.5.5).
	if m.role == Initiator {
		m.sendLegacyRandom()
	}
}

func (m *Manager) sendLegacyRandom() {
	m.send(marshalPairingRandom(m.localRandom))
}

func (m *Manager) handlePairingRandom(payload []byte) {
	if m.phase != Phase2Authentication {
		m.fail(ReasonUnspecifiedReason, errors.New(errors.KindFailed, "smp: unexpected pairing random"))
		return
	}
	r, err := unmarshal16(payload)
	if err != nil {
		m.fail(ReasonInvalidParameters, err)
		return
	}
	if m.usingSC {
		m.handleSCRandom(r)
		return
	}

	m.remoteRandom = r
	preq := m.initiatorParams().body()
	pres := m.responderParams().body()
	iat, rat := m.addrTypes()
	ia, ra := m.addrPairLegacy()

	// The peer's Confirm was computed over its own random value, which
	// we just received as r.
	expectFromPeer := c1(m.tk(), r, preq, pres, iat, rat, ia, ra)
	if expectFromPeer != m.remoteConfirm {
		m.fail(ReasonConfirmValueFailed, errors.New(errors.KindFailed, "smp: confirm value mismatch"))
		return
	}
	if m.role == Responder {
		m.sendLegacyRandom()
	}

	var initiatorRandom, responderRandom [16]byte
	if m.role == Initiator {
		initiatorRandom, responderRandom = m.localRandom, m.remoteRandom
	} else {
		initiatorRandom, responderRandom = m.remoteRandom, m.localRandom
	}
	m.stk = s1(m.tk(), initiatorRandom, responderRandom)
	m.beginPhase3()
}

// --- Phase 2: Secure Connections ---

func (m *Manager) beginPhase2SC() {
	kp, err := GenerateECDHKeyPair()
	if err != nil {
		m.fail(ReasonUnspecifiedReason, err)
		return
	}
	m.localKeyPair = kp
	m.localPubX, m.localPubY = kp.PublicKeyXY()

	if m.method == MethodPasskeyEntry {
		m.beginSCPasskeyEntry()
		return
	}
	m.send(marshalPairingPublicKey(m.localPubX, m.localPubY))
}

func (m *Manager) beginSCPasskeyEntry() {
	if m.isPasskeyDisplaySide() {
		if m.delegate.DisplayPasskey == nil {
			m.fail(ReasonPasskeyEntryFailed, errors.New(errors.KindNotSupported, "smp: no passkey display delegate"))
			return
		}
		m.passkey = randomPasskey()
		m.delegate.DisplayPasskey(m.passkey)
		m.send(marshalPairingPublicKey(m.localPubX, m.localPubY))
		return
	}
	if m.delegate.RequestPasskey == nil {
		m.fail(ReasonPasskeyEntryFailed, errors.New(errors.KindNotSupported, "smp: no passkey input delegate"))
		return
	}
	m.delegate.RequestPasskey(func(passkey uint32, ok bool) {
		if m.phase != Phase2Authentication {
			return
		}
		if !ok {
			m.fail(ReasonPasskeyEntryFailed, errors.New(errors.KindCanceled, "smp: passkey entry canceled"))
			return
		}
		m.passkey = passkey
		m.send(marshalPairingPublicKey(m.localPubX, m.localPubY))
	})
}

func (m *Manager) handlePairingPublicKey(payload []byte) {
	if m.phase != Phase2Authentication || !m.usingSC {
		m.fail(ReasonUnspecifiedReason, errors.New(errors.KindFailed, "smp: unexpected public key"))
		return
	}
	x, y, err := unmarshalPairingPublicKey(payload)
	if err != nil {
		m.fail(ReasonInvalidParameters, err)
		return
	}
	m.remotePubX, m.remotePubY = x, y
	w, err := m.localKeyPair.SharedSecret(x, y)
	if err != nil {
		m.fail(ReasonDHKeyCheckFailed, err)
		return
	}
	m.dhKey = w

	if m.method == MethodPasskeyEntry {
		m.passkeyBitsSent = 0
		m.sendNextSCPasskeyConfirm()
		return
	}
	m.localRandom = randomBytes16()
	m.localConfirm = f4(m.localU(), m.v(), m.localRandom, 0)
	if m.role == Initiator {
		// The initiator waits for the responder's confirm before
		// sending its own random (Core Spec v5.0 Vol 3 Part H §2.3.5.6).
		return
	}
	m.send(marshalPairingConfirm(m.localConfirm))
}

// localU/v give f4/f6 the (u, v) ordering the toolbox expects: u is
// always the initiator's public key X coordinate, v the responder's.
// remoteU returns the responder's coordinate, the same value as v.
func (m *Manager) remoteU() [32]byte {
	if m.role == Initiator {
		return m.remotePubX
	}
	return m.localPubX
}

func (m *Manager) localU() [32]byte {
	if m.role == Initiator {
		return m.localPubX
	}
	return m.remotePubX
}

func (m *Manager) v() [32]byte {
	if m.role == Initiator {
		return m.remotePubX
	}
	return m.localPubX
}

func (m *Manager) sendNextSCPasskeyConfirm() {
	bit := (m.passkey >> uint(m.passkeyBitsSent)) & 1
	m.localRandom = randomBytes16()
	m.localRandom[0] = m.localRandom[0]&0xFE | byte(bit)
	z := byte(0x80 | bit)
	m.localConfirm = f4(m.localU(), m.v(), m.localRandom, z)
	m.send(marshalPairingConfirm(m.localConfirm))
}

func (m *Manager) handleSCRandom(r [16]byte) {
	m.remoteRandom = r
	if m.method == MethodPasskeyEntry {
		bit := (m.passkey >> uint(m.passkeyBitsSent)) & 1
		z := byte(0x80 | bit)
		want := f4(m.otherU(), m.otherV(), m.remoteRandom, z)
		if want != m.remoteConfirm {
			m.fail(ReasonConfirmValueFailed, errors.New(errors.KindFailed, "smp: confirm value mismatch"))
			return
		}
		m.passkeyBitsSent++
		if m.passkeyBitsSent < 20 {
			m.sendNextSCPasskeyConfirm()
			return
		}
		m.computeSCDHKeyCheck()
		return
	}
	if m.role == Initiator {
		want := f4(m.otherU(), m.otherV(), m.remoteRandom, 0)
		if want != m.remoteConfirm {
			m.fail(ReasonConfirmValueFailed, errors.New(errors.KindFailed, "smp: confirm value mismatch"))
			return
		}
		m.send(marshalPairingRandom(m.localRandom))
	}
	if m.method == MethodNumericComparison {
		value := g2(m.localU(), m.v(), m.localRandom, m.remoteRandom)
		if m.delegate.ConfirmNumeric == nil {
			m.fail(ReasonNumericComparisonFailed, errors.New(errors.KindNotSupported, "smp: no numeric comparison delegate"))
			return
		}
		m.delegate.ConfirmNumeric(value, func(ok bool) {
			if m.phase != Phase2Authentication {
				return
			}
			if !ok {
				m.fail(ReasonNumericComparisonFailed, errors.New(errors.KindFailed, "smp: numeric comparison rejected"))
				return
			}
			m.computeSCDHKeyCheck()
		})
		return
	}
	m.computeSCDHKeyCheck()
}

// otherU/otherV mirror localU/v from the perspective of validating the
// peer's confirm (the peer's own random was computed using the same
// (u, v) ordering, regardless of which side is asking).
func (m *Manager) otherU() [32]byte { return m.localU() }
func (m *Manager) otherV() [32]byte { return m.v() }

func (m *Manager) computeSCDHKeyCheck() {
	na, nb := m.initiatorRandomSC(), m.responderRandomSC()
	ia, ra := m.addrPairLegacy()
	a1 := append7(ia, m.addrTypeOf(ia))
	a2 := append7(ra, m.addrTypeOf(ra))

	mackey, ltk := f5(m.dhKey, na, nb, a1, a2)
	m.macKey = mackey
	m.ltk = ltk

	r := m.dhKeyCheckR()
	localIOCap := [3]byte{m.localParams.AuthReq, oobByte(m.localParams.OOBDataPresent), byte(m.localParams.IOCapability)}

	var localA, peerA [7]byte
	if m.role == Initiator {
		localA, peerA = a1, a2
	} else {
		localA, peerA = a2, a1
	}
	localCheck := f6(m.macKey, m.localNonceSC(), m.remoteNonceSC(), r, localIOCap, localA, peerA)
	m.send(marshalPairingDHKeyCheck(localCheck))
	m.awaitingPeerDHKeyCheck = true
}

func append7(addr [6]byte, addrType byte) [7]byte {
	var out [7]byte
	out[0] = addrType
	copy(out[1:], addr[:])
	return out
}

func (m *Manager) addrTypeOf(addr [6]byte) byte {
	if addr == m.local.Bytes {
		if m.local.Random {
			return 1
		}
		return 0
	}
	if m.remote.Random {
		return 1
	}
	return 0
}

func (m *Manager) initiatorRandomSC() [16]byte {
	if m.role == Initiator {
		return m.localRandom
	}
	return m.remoteRandom
}

func (m *Manager) responderRandomSC() [16]byte {
	if m.role == Responder {
		return m.localRandom
	}
	return m.remoteRandom
}

func (m *Manager) localNonceSC() [16]byte  { return m.localRandom }
func (m *Manager) remoteNonceSC() [16]byte { return m.remoteRandom }

func (m *Manager) dhKeyCheckR() [16]byte {
	if m.method != MethodPasskeyEntry {
		return [16]byte{}
	}
	var r [16]byte
	r[12] = byte(m.passkey >> 24)
	r[13] = byte(m.passkey >> 16)
	r[14] = byte(m.passkey >> 8)
	r[15] = byte(m.passkey)
	return r
}

func oobByte(present bool) byte {
	if present {
		return 1
	}
	return 0
}

func (m *Manager) handlePairingDHKeyCheck(payload []byte) {
	if m.phase != Phase2Authentication || !m.usingSC {
		m.fail(ReasonUnspecifiedReason, errors.New(errors.KindFailed, "smp: unexpected dhkey check"))
		return
	}
	check, err := unmarshal16(payload)
	if err != nil {
		m.fail(ReasonInvalidParameters, err)
		return
	}
	ia, ra := m.addrPairLegacy()
	a1 := append7(ia, m.addrTypeOf(ia))
	a2 := append7(ra, m.addrTypeOf(ra))
	var peerA, localA [7]byte
	if m.role == Initiator {
		peerA, localA = a2, a1
	} else {
		peerA, localA = a1, a2
	}
	peerIOCap := [3]byte{m.remoteParams.AuthReq, oobByte(m.remoteParams.OOBDataPresent), byte(m.remoteParams.IOCapability)}
	r := m.dhKeyCheckR()
	want := f6(m.macKey, m.remoteNonceSC(), m.localNonceSC(), r, peerIOCap, peerA, localA)
	if want != check {
		m.fail(ReasonDHKeyCheckFailed, errors.New(errors.KindFailed, "smp: dhkey check failed"))
		return
	}
	if !m.awaitingPeerDHKeyCheck {
		// We haven't sent our own check yet (peer beat us to it as
		// Responder racing Initiator); finish the local computation
		// first so both sides converge on the same LTK before Phase3.
		m.computeSCDHKeyCheck()
	}
	m.beginPhase3()
}

// --- Phase 3: key distribution ---

func (m *Manager) beginPhase3() {
	m.enterPhase(Phase3KeyDistribution)
	m.localDistribute = m.localParams.InitiatorKeyDist
	m.remoteDistribute = m.localParams.ResponderKeyDist
	if m.role == Responder {
		m.localDistribute = m.localParams.ResponderKeyDist
		m.remoteDistribute = m.localParams.InitiatorKeyDist
	}
	if !m.usingSC {
		m.localKeys.HaveLTK = true
		m.localKeys.LTK = m.stk
	}
	m.distributeLocalKeys()
	m.checkPhase3Complete()
}

func (m *Manager) distributeLocalKeys() {
	if m.localDistribute&KeyDistEncKey != 0 && !m.usingSC {
		m.send(marshalEncryptionInformation(m.localKeys.LTK))
		m.send(marshalMasterIdentification(0, 0))
	}
	if m.localDistribute&KeyDistIDKey != 0 {
		irk := randomBytes16()
		m.localKeys.HaveIRK = true
		m.localKeys.IRK = irk
		m.localKeys.IdentityAddr = m.local
		m.send(marshalIdentityInformation(irk))
		m.send(marshalIdentityAddressInformation(m.local))
	}
	if m.localDistribute&KeyDistSign != 0 {
		csrk := randomBytes16()
		m.localKeys.HaveCSRK = true
		m.localKeys.CSRK = csrk
		m.send(marshalSigningInformation(csrk))
	}
}

func (m *Manager) handleKeyDistribution(payload []byte) {
	if m.phase != Phase3KeyDistribution {
		m.fail(ReasonUnspecifiedReason, errors.New(errors.KindFailed, "smp: unexpected key distribution pdu"))
		return
	}
	switch Opcode(payload[0]) {
	case OpEncryptionInformation:
		ltk, err := unmarshal16(payload)
		if err != nil {
			m.fail(ReasonInvalidParameters, err)
			return
		}
		m.remoteKeys.HaveLTK = true
		m.remoteKeys.LTK = ltk
	case OpMasterIdentification:
		ediv, rnd, err := unmarshalMasterIdentification(payload)
		if err != nil {
			m.fail(ReasonInvalidParameters, err)
			return
		}
		m.remoteKeys.EDIV = ediv
		m.remoteKeys.Rand = rnd
	case OpIdentityInformation:
		irk, err := unmarshal16(payload)
		if err != nil {
			m.fail(ReasonInvalidParameters, err)
			return
		}
		m.remoteKeys.HaveIRK = true
		m.remoteKeys.IRK = irk
	case OpIdentityAddressInformation:
		addr, err := unmarshalIdentityAddressInformation(payload)
		if err != nil {
			m.fail(ReasonInvalidParameters, err)
			return
		}
		m.remoteKeys.IdentityAddr = addr
	case OpSigningInformation:
		csrk, err := unmarshal16(payload)
		if err != nil {
			m.fail(ReasonInvalidParameters, err)
			return
		}
		m.remoteKeys.HaveCSRK = true
		m.remoteKeys.CSRK = csrk
	}
	m.checkPhase3Complete()
}

func (m *Manager) checkPhase3Complete() {
	if m.remoteDistribute&KeyDistEncKey != 0 && !m.remoteKeys.HaveLTK {
		return
	}
	if m.remoteDistribute&KeyDistIDKey != 0 && !m.remoteKeys.HaveIRK {
		return
	}
	if m.remoteDistribute&KeyDistSign != 0 && !m.remoteKeys.HaveCSRK {
		return
	}

	m.phase = Idle
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.usingSC {
		m.localKeys.HaveLTK = true
		m.localKeys.LTK = m.ltk
		m.remoteKeys.HaveLTK = true
		m.remoteKeys.LTK = m.ltk
	}
	m.guard.notify(func() {
		if m.onResult != nil {
			m.onResult(Result{
				Success: true,
				Method:  m.method,
				SC:      m.usingSC,
				Bonded:  m.localParams.AuthReq&AuthReqBonding != 0 && m.remoteParams.AuthReq&AuthReqBonding != 0,
				KeySize: m.localParams.MaxEncKeySize,
				Local:   m.localKeys,
				Remote:  m.remoteKeys,
			})
		}
	})
}

func randomBytes16() [16]byte {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return b
}

func randomPasskey() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	return v % 1000000
}

