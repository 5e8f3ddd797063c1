package smp

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/sapphire-bt/host/errors"
	"github.com/sapphire-bt/host/internal/hci"
)

// minimumEncryptionKeySize is the policy floor a BR/EDR link's
// negotiated encryption key size must meet; below it the link is torn
// down rather than trusted (spec §4.5, "Key storage security").
const minimumEncryptionKeySize = 7

// BondLookup resolves a stored link key for addr, the way a peer
// cache answers LinkKeyRequest for an already-bonded device (spec
// §4.7). ok is false when no bond exists.
type BondLookup func(addr [6]byte) (linkKey [16]byte, keyType uint8, ok bool)

// BondStore is called once BR/EDR SSP produces a new or changed link
// key to persist (spec §4.7).
type BondStore func(addr [6]byte, linkKey [16]byte, keyType uint8)

// bredrSession tracks one in-progress SSP pairing attempt, keyed by
// the peer's BD_ADDR.
type bredrSession struct {
	addr      [6]byte
	handle    uint16
	role      Role
	ioCap     IOCapability
	mitm      bool
	method    Method
	keyType   uint8
	onResult  func(Result)
	guard     failureGuard
}

// BREDRManager drives Secure Simple Pairing over HCI events (Core
// Spec v5.0 Vol 2 Part F), one CommandChannel subscription set shared
// across every BR/EDR connection this host has open at once. Grounded
// on C1's CommandChannel.Subscribe/AsyncHandler plumbing
// (internal/hci/command.go), generalized from "one outstanding
// command" to "one outstanding pairing attempt per peer address".
type BREDRManager struct {
	cmd   *hci.CommandChannel
	log   *logrus.Entry
	cfg   Config

	lookupBond BondLookup
	storeBond  BondStore

	sessions map[[6]byte]*bredrSession
	handles  map[uint16][6]byte

	displayPasskey PasskeyDisplay
	confirmNumeric NumericConfirm
	requestPasskey PasskeyInput
}

// NewBREDRManager subscribes to every SSP-related HCI event on cmd.
func NewBREDRManager(cmd *hci.CommandChannel, log *logrus.Entry, cfg Config, delegate Delegate, lookupBond BondLookup, storeBond BondStore) *BREDRManager {
	m := &BREDRManager{
		cmd:            cmd,
		log:            log,
		cfg:            cfg,
		lookupBond:     lookupBond,
		storeBond:      storeBond,
		sessions:       make(map[[6]byte]*bredrSession),
		handles:        make(map[uint16][6]byte),
		displayPasskey: delegate.DisplayPasskey,
		confirmNumeric: delegate.ConfirmNumeric,
		requestPasskey: delegate.RequestPasskey,
	}
	cmd.Subscribe(hci.EvtIOCapabilityRequest, m.onIOCapabilityRequest)
	cmd.Subscribe(hci.EvtIOCapabilityResponse, m.onIOCapabilityResponse)
	cmd.Subscribe(hci.EvtUserConfirmationRequest, m.onUserConfirmationRequest)
	cmd.Subscribe(hci.EvtUserPasskeyRequest, m.onUserPasskeyRequest)
	cmd.Subscribe(hci.EvtUserPasskeyNotification, m.onUserPasskeyNotification)
	cmd.Subscribe(hci.EvtSimplePairingComplete, m.onSimplePairingComplete)
	cmd.Subscribe(hci.EvtLinkKeyRequest, m.onLinkKeyRequest)
	cmd.Subscribe(hci.EvtLinkKeyNotification, m.onLinkKeyNotification)
	cmd.Subscribe(hci.EvtPINCodeRequest, m.onPINCodeRequest)
	cmd.Subscribe(hci.EvtAuthenticationComplete, m.onAuthenticationComplete)
	cmd.Subscribe(hci.EvtEncryptionChange, m.onEncryptionChange)
	return m
}

// NotifyConnected records the BD_ADDR/connection-handle pairing for
// an open BR/EDR ACL link, learned from ConnectionComplete by the
// connection manager (gap): AuthenticationComplete and
// EncryptionChange identify their link by handle, not address, so
// this manager needs the mapping to route them back to a session.
func (m *BREDRManager) NotifyConnected(addr [6]byte, handle uint16) {
	m.handles[handle] = addr
	if s, ok := m.sessions[addr]; ok {
		s.handle = handle
	}
}

// NotifyDisconnected forgets a connection handle's mapping and fails
// any session still open for it.
func (m *BREDRManager) NotifyDisconnected(handle uint16) {
	addr, ok := m.handles[handle]
	delete(m.handles, handle)
	if !ok {
		return
	}
	if s, exists := m.sessions[addr]; exists {
		m.fail(s, ReasonUnspecifiedReason, errors.New(errors.KindLinkDisconnected, "smp: bredr link disconnected"))
	}
}

// StartPairing authenticates the already-connected BR/EDR peer at
// addr/handle, triggering the controller's own IOCapabilityRequest
// event (Core Spec v5.0 Vol 2 Part F §4.2.7). onResult fires exactly
// once.
func (m *BREDRManager) StartPairing(addr [6]byte, handle uint16, onResult func(Result)) {
	if _, exists := m.sessions[addr]; exists {
		onResult(Result{Success: false, Err: errors.New(errors.KindInProgress, "smp: bredr pairing already in progress")})
		return
	}
	m.sessions[addr] = &bredrSession{addr: addr, handle: handle, role: Initiator, onResult: onResult}
	m.handles[handle] = addr
	m.cmd.SendCommand(hci.OpAuthenticationRequested, authenticationRequestedParams(handle), hci.EvtCommandStatus, func(hci.CommandResult) {})
}

func authenticationRequestedParams(handle uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, handle)
	return b
}

func (m *BREDRManager) session(addr [6]byte) *bredrSession {
	s, ok := m.sessions[addr]
	if !ok {
		s = &bredrSession{addr: addr, role: Responder}
		m.sessions[addr] = s
	}
	return s
}

func (m *BREDRManager) fail(s *bredrSession, reason FailureReason, err error) {
	delete(m.sessions, s.addr)
	s.guard.notify(func() {
		if s.onResult != nil {
			s.onResult(Result{Success: false, FailReason: reason, Err: err})
		}
	})
}

func bdaddrFrom(payload []byte) [6]byte {
	var addr [6]byte
	copy(addr[:], payload[0:6])
	return addr
}

func (m *BREDRManager) onIOCapabilityRequest(payload []byte) hci.SubscriberAction {
	if len(payload) < 6 {
		return hci.Continue
	}
	addr := bdaddrFrom(payload)
	s := m.session(addr)
	s.ioCap = m.cfg.IOCapability
	s.mitm = m.cfg.MITM

	var authReq uint8
	if m.cfg.MITM {
		authReq = 0x01 // MITM Protection Required, No Bonding, in the BR/EDR AuthenticationRequirements encoding
		if m.cfg.Bonding {
			authReq = 0x03
		}
	} else if m.cfg.Bonding {
		authReq = 0x02
	}

	reply := make([]byte, 9)
	copy(reply[0:6], addr[:])
	reply[6] = byte(m.cfg.IOCapability)
	reply[7] = 0x00 // OOB data not present
	reply[8] = authReq
	m.cmd.SendCommand(hci.OpIOCapabilityRequestReply, reply, hci.EvtCommandComplete, func(hci.CommandResult) {})
	return hci.Continue
}

func (m *BREDRManager) onIOCapabilityResponse(payload []byte) hci.SubscriberAction {
	if len(payload) < 9 {
		return hci.Continue
	}
	addr := bdaddrFrom(payload)
	s := m.session(addr)
	peerCap := IOCapability(payload[6])
	peerMITM := payload[8]&0x01 != 0

	s.method = ResolveMethod(s.ioCap, peerCap, s.mitm, peerMITM, false, false, false)
	if s.role == Responder {
		s.method = ResolveMethod(peerCap, s.ioCap, peerMITM, s.mitm, false, false, false)
	}
	return hci.Continue
}

func (m *BREDRManager) onUserConfirmationRequest(payload []byte) hci.SubscriberAction {
	if len(payload) < 10 {
		return hci.Continue
	}
	addr := bdaddrFrom(payload)
	s := m.session(addr)
	value := binary.LittleEndian.Uint32(payload[6:10])

	if s.method == MethodJustWorks || m.confirmNumeric == nil {
		m.cmd.SendCommand(hci.OpUserConfirmationRequestReply, addr[:], hci.EvtCommandComplete, func(hci.CommandResult) {})
		return hci.Continue
	}
	m.confirmNumeric(value, func(ok bool) {
		if ok {
			m.cmd.SendCommand(hci.OpUserConfirmationRequestReply, addr[:], hci.EvtCommandComplete, func(hci.CommandResult) {})
			return
		}
		m.cmd.SendCommand(hci.OpUserConfirmationRequestNegReply, addr[:], hci.EvtCommandComplete, func(hci.CommandResult) {})
		m.fail(s, ReasonNumericComparisonFailed, errors.New(errors.KindFailed, "smp: numeric comparison rejected"))
	})
	return hci.Continue
}

func (m *BREDRManager) onUserPasskeyRequest(payload []byte) hci.SubscriberAction {
	if len(payload) < 6 {
		return hci.Continue
	}
	addr := bdaddrFrom(payload)
	if m.requestPasskey == nil {
		m.cmd.SendCommand(hci.OpUserPasskeyRequestNegReply, addr[:], hci.EvtCommandComplete, func(hci.CommandResult) {})
		m.fail(m.session(addr), ReasonPasskeyEntryFailed, errors.New(errors.KindNotSupported, "smp: no passkey input delegate"))
		return hci.Continue
	}
	m.requestPasskey(func(passkey uint32, ok bool) {
		if !ok {
			m.cmd.SendCommand(hci.OpUserPasskeyRequestNegReply, addr[:], hci.EvtCommandComplete, func(hci.CommandResult) {})
			m.fail(m.session(addr), ReasonPasskeyEntryFailed, errors.New(errors.KindCanceled, "smp: passkey entry canceled"))
			return
		}
		reply := make([]byte, 10)
		copy(reply[0:6], addr[:])
		binary.LittleEndian.PutUint32(reply[6:10], passkey)
		m.cmd.SendCommand(hci.OpUserPasskeyRequestReply, reply, hci.EvtCommandComplete, func(hci.CommandResult) {})
	})
	return hci.Continue
}

func (m *BREDRManager) onUserPasskeyNotification(payload []byte) hci.SubscriberAction {
	if len(payload) < 10 || m.displayPasskey == nil {
		return hci.Continue
	}
	passkey := binary.LittleEndian.Uint32(payload[6:10])
	m.displayPasskey(passkey)
	return hci.Continue
}

func (m *BREDRManager) onPINCodeRequest(payload []byte) hci.SubscriberAction {
	if len(payload) < 6 {
		return hci.Continue
	}
	addr := bdaddrFrom(payload)
	// Legacy (pre-SSP) pairing is out of scope for this core; reject
	// so the link either falls back to SSP or fails cleanly.
	// PIN_Code_Request_Negative_Reply: OGF 0x01, OCF 0x000E.
	m.cmd.SendCommand(hci.Opcode(0x01<<10|0x000E), addr[:], hci.EvtCommandComplete, func(hci.CommandResult) {})
	return hci.Continue
}

func (m *BREDRManager) onLinkKeyRequest(payload []byte) hci.SubscriberAction {
	if len(payload) < 6 {
		return hci.Continue
	}
	addr := bdaddrFrom(payload)
	if m.lookupBond != nil {
		if linkKey, _, ok := m.lookupBond(addr); ok {
			reply := make([]byte, 22)
			copy(reply[0:6], addr[:])
			copy(reply[6:22], linkKey[:])
			m.cmd.SendCommand(hci.OpLinkKeyRequestReply, reply, hci.EvtCommandComplete, func(hci.CommandResult) {})
			return hci.Continue
		}
	}
	m.cmd.SendCommand(hci.OpLinkKeyRequestNegReply, addr[:], hci.EvtCommandComplete, func(hci.CommandResult) {})
	return hci.Continue
}

func (m *BREDRManager) onLinkKeyNotification(payload []byte) hci.SubscriberAction {
	if len(payload) < 23 {
		return hci.Continue
	}
	addr := bdaddrFrom(payload)
	var linkKey [16]byte
	copy(linkKey[:], payload[6:22])
	keyType := payload[22]

	s := m.session(addr)
	// ChangedCombination (key type 0x06) means the remote derived a
	// new key from the existing one in place; the stored key type
	// carries forward unchanged rather than being overwritten with
	// 0x06 (Core Spec v5.0 Vol 2 Part F §6.2.2).
	if keyType == 0x06 && s.keyType != 0 {
		keyType = s.keyType
	}
	s.keyType = keyType
	if m.storeBond != nil {
		m.storeBond(addr, linkKey, keyType)
	}
	return hci.Continue
}

func (m *BREDRManager) onSimplePairingComplete(payload []byte) hci.SubscriberAction {
	if len(payload) < 7 {
		return hci.Continue
	}
	status := payload[0]
	addr := bdaddrFrom(payload[1:])
	s := m.session(addr)
	if status != 0 {
		m.log.WithField("status", status).Warn("smp: simple pairing complete failed")
		m.fail(s, ReasonUnspecifiedReason, errors.WithProto(errors.KindFailed, errors.ProtoHCIStatus, status, "smp: simple pairing failed"))
		return hci.Continue
	}
	// Authentication/EncryptionChange still need to complete before
	// this pairing attempt is reported done (spec §4.5); the session
	// stays open until onEncryptionChange closes it out.
	return hci.Continue
}

func (m *BREDRManager) onAuthenticationComplete(payload []byte) hci.SubscriberAction {
	if len(payload) < 3 {
		return hci.Continue
	}
	status := payload[0]
	handle := binary.LittleEndian.Uint16(payload[1:3])
	if status != 0 {
		if s := m.sessionByHandle(handle); s != nil {
			m.fail(s, ReasonAuthenticationRequirements, errors.WithProto(errors.KindFailed, errors.ProtoHCIStatus, status, "smp: authentication failed"))
		}
		return hci.Continue
	}
	m.cmd.SendCommand(hci.OpSetConnectionEncryption, setConnectionEncryptionParams(handle, true), hci.EvtCommandStatus, func(hci.CommandResult) {})
	return hci.Continue
}

func setConnectionEncryptionParams(handle uint16, enable bool) []byte {
	b := make([]byte, 3)
	binary.LittleEndian.PutUint16(b[0:2], handle)
	if enable {
		b[2] = 0x01
	}
	return b
}

func (m *BREDRManager) onEncryptionChange(payload []byte) hci.SubscriberAction {
	if len(payload) < 4 {
		return hci.Continue
	}
	status := payload[0]
	handle := binary.LittleEndian.Uint16(payload[1:3])
	enabled := payload[3] != 0
	if status != 0 || !enabled {
		return hci.Continue
	}
	m.cmd.SendCommand(hci.OpReadEncryptionKeySize, readEncryptionKeySizeParams(handle), hci.EvtCommandComplete, func(res hci.CommandResult) {
		m.onReadEncryptionKeySizeComplete(handle, res)
	})
	return hci.Continue
}

func readEncryptionKeySizeParams(handle uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, handle)
	return b
}

func (m *BREDRManager) onReadEncryptionKeySizeComplete(handle uint16, res hci.CommandResult) {
	s := m.sessionByHandle(handle)
	teardown := func(err error) {
		m.cmd.SendCommand(hci.OpDisconnect, []byte{byte(handle), byte(handle >> 8), 0x05}, hci.EvtCommandStatus, func(hci.CommandResult) {}) // 0x05: Authentication Failure
		if s != nil {
			m.fail(s, ReasonEncryptionKeySize, err)
		}
	}
	if res.Err != nil || len(res.Params) < 4 || res.Params[0] != 0 {
		teardown(errors.New(errors.KindFailed, "smp: failed to read encryption key size"))
		return
	}
	keySize := res.Params[3]
	if keySize < minimumEncryptionKeySize {
		teardown(errors.Newf(errors.KindInvalidParameters, "smp: encryption key size %d below minimum %d", keySize, minimumEncryptionKeySize))
		return
	}
	if s == nil {
		return
	}
	delete(m.sessions, s.addr)
	s.guard.notify(func() {
		if s.onResult != nil {
			s.onResult(Result{Success: true, Method: s.method, KeySize: keySize, Bonded: m.cfg.Bonding})
		}
	})
}

// sessionByHandle resolves a handle-keyed event back to the session
// tracked by address, using the mapping NotifyConnected/StartPairing
// populated.
func (m *BREDRManager) sessionByHandle(handle uint16) *bredrSession {
	addr, ok := m.handles[handle]
	if !ok {
		return nil
	}
	return m.sessions[addr]
}
