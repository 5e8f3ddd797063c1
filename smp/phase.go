// Package smp implements the Security Manager Protocol pairing state
// machine of spec §4.5 (C10): a common Idle/Phase1/Phase2/Phase3
// skeleton shared by two independent drivers — LE SMP over the fixed
// channel (le.go) and BR/EDR Secure Simple Pairing over HCI events
// (bredr.go) — plus the cryptographic toolbox (crypto.go) both share.
//
// Grounded on C1's CommandChannel (internal/hci/command.go) for the
// "one outstanding exchange, dispatcher-confined callback, timer-gated,
// fail-once" shape, generalized from a single request/response pair to
// a multi-step phase sequence.
package smp

import "time"

// phaseTimeout is the 30-second deadline the LE Manager arms at the
// start of each phase (spec §4.5/§5): on expiry it sends PairingFailed
// and reports a KindTimedOut failure. This package does not disconnect
// the link itself.
const phaseTimeout = 30 * time.Second

// Phase is the pairing machine's current stage.
type Phase int

const (
	Idle Phase = iota
	Phase1FeatureExchange
	Phase2Authentication
	Phase3KeyDistribution
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Phase1FeatureExchange:
		return "phase1-feature-exchange"
	case Phase2Authentication:
		return "phase2-authentication"
	case Phase3KeyDistribution:
		return "phase3-key-distribution"
	default:
		return "phase(unknown)"
	}
}

// Role is which side of the pairing this local machine plays for the
// duration of one pairing attempt.
type Role int

const (
	Initiator Role = iota
	Responder
)

// IOCapability is the local or remote input/output capability
// advertised during feature exchange (Core Spec v5.0 Vol 3 Part H
// §2.3.2, Table 2.6).
type IOCapability uint8

const (
	IOCapDisplayOnly     IOCapability = 0x00
	IOCapDisplayYesNo    IOCapability = 0x01
	IOCapKeyboardOnly    IOCapability = 0x02
	IOCapNoInputNoOutput IOCapability = 0x03
	IOCapKeyboardDisplay IOCapability = 0x04
)

// AuthReq bit positions (Core Spec v5.0 Vol 3 Part H §3.5.1, Table 3.3).
const (
	AuthReqBonding      uint8 = 1 << 0 // bits 0-1: 01 = bonding
	AuthReqMITM         uint8 = 1 << 2
	AuthReqSC           uint8 = 1 << 3
	AuthReqKeypress     uint8 = 1 << 4
	AuthReqCT2          uint8 = 1 << 5
)

// KeyDistribution bits (Core Spec v5.0 Vol 3 Part H §3.6.1).
const (
	KeyDistEncKey  uint8 = 1 << 0 // LTK + EDIV + Rand
	KeyDistIDKey   uint8 = 1 << 1 // IRK + identity address
	KeyDistSign    uint8 = 1 << 2 // CSRK
	KeyDistLinkKey uint8 = 1 << 3 // derived BR/EDR link key (CTKD)
)

// Method is the resolved pairing association model (Core Spec v5.0
// Vol 3 Part H §2.3.5.1, Table 2.8), shared by both LE legacy/SC
// pairing and BR/EDR Secure Simple Pairing since both transports use
// the same IO-capability matrix to pick an association model.
type Method int

const (
	MethodJustWorks Method = iota
	MethodPasskeyEntry
	MethodNumericComparison
	MethodOutOfBand
)

func (m Method) String() string {
	switch m {
	case MethodJustWorks:
		return "just-works"
	case MethodPasskeyEntry:
		return "passkey-entry"
	case MethodNumericComparison:
		return "numeric-comparison"
	case MethodOutOfBand:
		return "out-of-band"
	default:
		return "method(unknown)"
	}
}

// ioCapMatrix is Table 2.8, indexed [initiator][responder], assuming
// neither side requested OOB and at least one side requested MITM
// protection. When MITM is not requested by either side, JustWorks is
// always used regardless of IO capabilities.
var ioCapMatrix = [5][5]Method{
	IOCapDisplayOnly: {
		IOCapDisplayOnly:     MethodJustWorks,
		IOCapDisplayYesNo:    MethodJustWorks,
		IOCapKeyboardOnly:    MethodPasskeyEntry,
		IOCapNoInputNoOutput: MethodJustWorks,
		IOCapKeyboardDisplay: MethodPasskeyEntry,
	},
	IOCapDisplayYesNo: {
		IOCapDisplayOnly:     MethodJustWorks,
		IOCapDisplayYesNo:    MethodNumericComparison,
		IOCapKeyboardOnly:    MethodPasskeyEntry,
		IOCapNoInputNoOutput: MethodJustWorks,
		IOCapKeyboardDisplay: MethodNumericComparison,
	},
	IOCapKeyboardOnly: {
		IOCapDisplayOnly:     MethodPasskeyEntry,
		IOCapDisplayYesNo:    MethodPasskeyEntry,
		IOCapKeyboardOnly:    MethodPasskeyEntry,
		IOCapNoInputNoOutput: MethodJustWorks,
		IOCapKeyboardDisplay: MethodPasskeyEntry,
	},
	IOCapNoInputNoOutput: {
		IOCapDisplayOnly:     MethodJustWorks,
		IOCapDisplayYesNo:    MethodJustWorks,
		IOCapKeyboardOnly:    MethodJustWorks,
		IOCapNoInputNoOutput: MethodJustWorks,
		IOCapKeyboardDisplay: MethodJustWorks,
	},
	IOCapKeyboardDisplay: {
		IOCapDisplayOnly:     MethodPasskeyEntry,
		IOCapDisplayYesNo:    MethodNumericComparison,
		IOCapKeyboardOnly:    MethodPasskeyEntry,
		IOCapNoInputNoOutput: MethodJustWorks,
		IOCapKeyboardDisplay: MethodNumericComparison,
	},
}

// ResolveMethod picks the pairing association model from both sides'
// IO capability, MITM request, OOB flag, and whether Secure Connections
// is in use (SC pairing never falls back to legacy JustPasskey-via-
// TK-entry display rules; it reuses the same table per spec but
// NumericComparison requires SC specifically — legacy pairing with a
// DisplayYesNo/DisplayYesNo pair uses PasskeyEntry instead, since
// Numeric Comparison does not exist pre-SC).
func ResolveMethod(initCap, respCap IOCapability, initMITM, respMITM, initOOB, respOOB, sc bool) Method {
	if initOOB && respOOB {
		return MethodOutOfBand
	}
	if !initMITM && !respMITM {
		return MethodJustWorks
	}
	m := ioCapMatrix[initCap][respCap]
	if m == MethodNumericComparison && !sc {
		return MethodPasskeyEntry
	}
	return m
}

// FailureReason is the one-octet reason code carried by PairingFailed
// (Core Spec v5.0 Vol 3 Part H §3.5.5) and, for BR/EDR SSP, the
// equivalent HCI status values mapped onto the same set.
type FailureReason uint8

const (
	ReasonPasskeyEntryFailed            FailureReason = 0x01
	ReasonOOBNotAvailable               FailureReason = 0x02
	ReasonAuthenticationRequirements    FailureReason = 0x03
	ReasonConfirmValueFailed            FailureReason = 0x04
	ReasonPairingNotSupported           FailureReason = 0x05
	ReasonEncryptionKeySize             FailureReason = 0x06
	ReasonCommandNotSupported           FailureReason = 0x07
	ReasonUnspecifiedReason             FailureReason = 0x08
	ReasonRepeatedAttempts              FailureReason = 0x09
	ReasonInvalidParameters             FailureReason = 0x0A
	ReasonDHKeyCheckFailed              FailureReason = 0x0B
	ReasonNumericComparisonFailed       FailureReason = 0x0C
	ReasonBREDRPairingInProgress        FailureReason = 0x0D
	ReasonCrossTransportNotAllowed      FailureReason = 0x0E
)

func (r FailureReason) String() string {
	switch r {
	case ReasonPasskeyEntryFailed:
		return "passkey-entry-failed"
	case ReasonOOBNotAvailable:
		return "oob-not-available"
	case ReasonAuthenticationRequirements:
		return "authentication-requirements"
	case ReasonConfirmValueFailed:
		return "confirm-value-failed"
	case ReasonPairingNotSupported:
		return "pairing-not-supported"
	case ReasonEncryptionKeySize:
		return "encryption-key-size"
	case ReasonCommandNotSupported:
		return "command-not-supported"
	case ReasonUnspecifiedReason:
		return "unspecified-reason"
	case ReasonRepeatedAttempts:
		return "repeated-attempts"
	case ReasonInvalidParameters:
		return "invalid-parameters"
	case ReasonDHKeyCheckFailed:
		return "dhkey-check-failed"
	case ReasonNumericComparisonFailed:
		return "numeric-comparison-failed"
	case ReasonBREDRPairingInProgress:
		return "bredr-pairing-in-progress"
	case ReasonCrossTransportNotAllowed:
		return "cross-transport-key-derivation-not-allowed"
	default:
		return "reason(unknown)"
	}
}

// Address is a Bluetooth device address together with the address
// kind needed by the crypto toolbox's a1/a2 inputs (public vs random,
// Core Spec v5.0 Vol 3 Part H §2.2.7) and by BR/EDR event matching.
type Address struct {
	Bytes  [6]byte
	Random bool
}

// Keys is the set of keys one side distributed during Phase3 (spec
// §4.5: "each side transmits only the keys negotiated in Phase1").
// Fields are zero when not distributed.
type Keys struct {
	LTK  [16]byte
	EDIV uint16
	Rand uint64
	HaveLTK bool

	IRK           [16]byte
	IdentityAddr  Address
	HaveIRK       bool

	CSRK    [16]byte
	HaveCSRK bool

	LinkKey     [16]byte
	HaveLinkKey bool
}

// Result is delivered to the pairing listener exactly once, on success
// or failure (spec §4.5: "listener is notified exactly once").
type Result struct {
	Success     bool
	Method      Method
	SC          bool
	Bonded      bool
	KeySize     uint8
	Local       Keys
	Remote      Keys
	FailReason  FailureReason
	Err         error
}

// failureGuard makes the result notification idempotent: every machine embeds one
// and checks it before notifying its listener, since the dispatcher
// may observe both a timer fire and a protocol failure for the same
// attempt in back-to-back tasks.
type failureGuard struct {
	notified bool
}

func (g *failureGuard) notify(do func()) {
	if g.notified {
		return
	}
	g.notified = true
	do()
}
