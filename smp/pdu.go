package smp

import "encoding/binary"

// Opcode is the one-octet SMP command code (Core Spec v5.0 Vol 3 Part
// H §3.3), the same opcode-byte-plus-fixed-body shape att/pdu.go uses
// for ATT.
type Opcode uint8

const (
	OpPairingRequest            Opcode = 0x01
	OpPairingResponse           Opcode = 0x02
	OpPairingConfirm            Opcode = 0x03
	OpPairingRandom             Opcode = 0x04
	OpPairingFailed             Opcode = 0x05
	OpEncryptionInformation     Opcode = 0x06
	OpMasterIdentification      Opcode = 0x07
	OpIdentityInformation       Opcode = 0x08
	OpIdentityAddressInformation Opcode = 0x09
	OpSigningInformation        Opcode = 0x0A
	OpSecurityRequest           Opcode = 0x0B
	OpPairingPublicKey          Opcode = 0x0C
	OpPairingDHKeyCheck         Opcode = 0x0D
	OpPairingKeypressNotification Opcode = 0x0E
)

func shortPDU() error { return errShort }

var errShort = &pduError{"smp: pdu too short"}

type pduError struct{ msg string }

func (e *pduError) Error() string { return e.msg }

// PairingParams is the 6-byte body common to PairingRequest and
// PairingResponse (Core Spec v5.0 Vol 3 Part H §3.5.1/§3.5.2).
type PairingParams struct {
	IOCapability     IOCapability
	OOBDataPresent   bool
	AuthReq          uint8
	MaxEncKeySize    uint8
	InitiatorKeyDist uint8
	ResponderKeyDist uint8
}

// Marshal encodes the opcode-prefixed 7-byte PDU.
func (p PairingParams) marshal(opcode Opcode) []byte {
	b := make([]byte, 7)
	b[0] = byte(opcode)
	b[1] = byte(p.IOCapability)
	if p.OOBDataPresent {
		b[2] = 0x01
	}
	b[3] = p.AuthReq
	b[4] = p.MaxEncKeySize
	b[5] = p.InitiatorKeyDist
	b[6] = p.ResponderKeyDist
	return b
}

func (p PairingParams) MarshalRequest() []byte  { return p.marshal(OpPairingRequest) }
func (p PairingParams) MarshalResponse() []byte { return p.marshal(OpPairingResponse) }

// body returns the 6 bytes after the opcode, used directly as preq/pres
// in the c1 legacy confirm calculation.
func (p PairingParams) body() [7]byte {
	var b [7]byte
	copy(b[:], p.marshal(OpPairingRequest)[1:])
	return b
}

func unmarshalPairingParams(b []byte) (PairingParams, error) {
	if len(b) < 7 {
		return PairingParams{}, shortPDU()
	}
	return PairingParams{
		IOCapability:     IOCapability(b[1]),
		OOBDataPresent:   b[2] != 0,
		AuthReq:          b[3],
		MaxEncKeySize:    b[4],
		InitiatorKeyDist: b[5],
		ResponderKeyDist: b[6],
	}, nil
}

func marshalPairingConfirm(c [16]byte) []byte {
	return append([]byte{byte(OpPairingConfirm)}, c[:]...)
}

func marshalPairingRandom(r [16]byte) []byte {
	return append([]byte{byte(OpPairingRandom)}, r[:]...)
}

func unmarshal16(b []byte) ([16]byte, error) {
	var out [16]byte
	if len(b) < 17 {
		return out, shortPDU()
	}
	copy(out[:], b[1:17])
	return out, nil
}

func marshalPairingFailed(reason FailureReason) []byte {
	return []byte{byte(OpPairingFailed), byte(reason)}
}

func unmarshalPairingFailed(b []byte) (FailureReason, error) {
	if len(b) < 2 {
		return 0, shortPDU()
	}
	return FailureReason(b[1]), nil
}

func marshalEncryptionInformation(ltk [16]byte) []byte {
	return append([]byte{byte(OpEncryptionInformation)}, ltk[:]...)
}

func marshalMasterIdentification(ediv uint16, rand uint64) []byte {
	b := make([]byte, 11)
	b[0] = byte(OpMasterIdentification)
	binary.LittleEndian.PutUint16(b[1:3], ediv)
	binary.LittleEndian.PutUint64(b[3:11], rand)
	return b
}

func unmarshalMasterIdentification(b []byte) (ediv uint16, rnd uint64, err error) {
	if len(b) < 11 {
		return 0, 0, shortPDU()
	}
	return binary.LittleEndian.Uint16(b[1:3]), binary.LittleEndian.Uint64(b[3:11]), nil
}

func marshalIdentityInformation(irk [16]byte) []byte {
	return append([]byte{byte(OpIdentityInformation)}, irk[:]...)
}

func marshalIdentityAddressInformation(addr Address) []byte {
	b := make([]byte, 8)
	b[0] = byte(OpIdentityAddressInformation)
	if addr.Random {
		b[1] = 0x01
	}
	copy(b[2:8], addr.Bytes[:])
	return b
}

func unmarshalIdentityAddressInformation(b []byte) (Address, error) {
	if len(b) < 8 {
		return Address{}, shortPDU()
	}
	var a Address
	a.Random = b[1] != 0
	copy(a.Bytes[:], b[2:8])
	return a, nil
}

func marshalSigningInformation(csrk [16]byte) []byte {
	return append([]byte{byte(OpSigningInformation)}, csrk[:]...)
}

func marshalSecurityRequest(authReq uint8) []byte {
	return []byte{byte(OpSecurityRequest), authReq}
}

func marshalPairingPublicKey(x, y [32]byte) []byte {
	b := make([]byte, 65)
	b[0] = byte(OpPairingPublicKey)
	copy(b[1:33], x[:])
	copy(b[33:65], y[:])
	return b
}

func unmarshalPairingPublicKey(b []byte) (x, y [32]byte, err error) {
	if len(b) < 65 {
		return x, y, shortPDU()
	}
	copy(x[:], b[1:33])
	copy(y[:], b[33:65])
	return x, y, nil
}

func marshalPairingDHKeyCheck(check [16]byte) []byte {
	return append([]byte{byte(OpPairingDHKeyCheck)}, check[:]...)
}
