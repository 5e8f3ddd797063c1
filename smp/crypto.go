package smp

import (
	"crypto/aes"
	"crypto/ecdh"
	"crypto/rand"
)

// e is the AES-128 single-block encryption primitive the legacy
// confirm/STK functions are built from (Core Spec v5.0 Vol 3 Part H
// §2.2.1).
func e(key, plaintext [16]byte) [16]byte {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		// key is always 16 bytes; aes.NewCipher only fails on bad key length.
		panic("smp: invalid aes key length")
	}
	var out [16]byte
	block.Encrypt(out[:], plaintext[:])
	return out
}

func xor16(a, b [16]byte) [16]byte {
	var out [16]byte
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// c1 computes the legacy pairing confirm value (Core Spec v5.0 Vol 3
// Part H §2.2.3). preq/pres hold the 6-byte PairingRequest/Response
// bodies (opcode stripped), zero-padded to 7 bytes; iat/rat are the initiator/responder address
// types (0 public, 1 random); ia/ra are the 6-byte addresses.
func c1(k, r [16]byte, preq, pres [7]byte, iat, rat byte, ia, ra [6]byte) [16]byte {
	var p1 [16]byte
	p1[0] = iat
	p1[1] = rat
	copy(p1[2:9], preq[:])
	copy(p1[9:16], pres[:])

	var p2 [16]byte
	copy(p2[0:6], ra[:])
	copy(p2[6:12], ia[:])
	// p2[12:16] stays zero (padding).

	step1 := xor16(r, p1)
	enc1 := e(k, step1)
	step2 := xor16(enc1, p2)
	return e(k, step2)
}

// s1 derives the legacy short-term key (Core Spec v5.0 Vol 3 Part H
// §2.2.4) from the two 128-bit confirm randoms, using only their
// lower 64 bits each.
func s1(k, r1, r2 [16]byte) [16]byte {
	var plaintext [16]byte
	copy(plaintext[0:8], r2[8:16])
	copy(plaintext[8:16], r1[8:16])
	return e(k, plaintext)
}

// cmacSubkeys derives AES-CMAC's K1/K2 (RFC 4493 §2.3) from block,
// named the way the pack's SMB CMAC signer names them.
func cmacSubkeys(block interface{ Encrypt(dst, src []byte) }) (k1, k2 [16]byte) {
	const rb = 0x87
	var zero [16]byte
	var l [16]byte
	block.Encrypt(l[:], zero[:])

	k1 = shiftLeftXorIfMSBSet(l, rb)
	k2 = shiftLeftXorIfMSBSet(k1, rb)
	return k1, k2
}

func shiftLeftXorIfMSBSet(in [16]byte, rb byte) [16]byte {
	msbSet := in[0]&0x80 != 0
	var out [16]byte
	carry := byte(0)
	for i := 15; i >= 0; i-- {
		out[i] = in[i]<<1 | carry
		carry = in[i] >> 7
	}
	if msbSet {
		out[15] ^= rb
	}
	return out
}

// aesCMAC computes AES-128-CMAC (RFC 4493) over data using key.
func aesCMAC(key [16]byte, data []byte) [16]byte {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		panic("smp: invalid aes key length")
	}
	k1, k2 := cmacSubkeys(block)

	n := (len(data) + 15) / 16
	complete := len(data) != 0 && len(data)%16 == 0
	if n == 0 {
		n = 1
	}

	var mLast [16]byte
	if complete {
		last := data[(n-1)*16:]
		var block16 [16]byte
		copy(block16[:], last)
		mLast = xor16(block16, k1)
	} else {
		last := data[(n-1)*16:]
		var block16 [16]byte
		copy(block16[:], last) // zero-padded
		block16[len(last)] = 0x80
		mLast = xor16(block16, k2)
	}

	var x [16]byte
	for i := 0; i < n-1; i++ {
		var mi [16]byte
		copy(mi[:], data[i*16:(i+1)*16])
		y := xor16(x, mi)
		block.Encrypt(x[:], y[:])
	}
	y := xor16(x, mLast)
	var out [16]byte
	block.Encrypt(out[:], y[:])
	return out
}

// scSalt is the fixed 128-bit salt f5 uses to derive its intermediate
// key T from the DHKey (Core Spec v5.0 Vol 3 Part H §2.2.8, Table 2.6).
var scSalt = [16]byte{
	0x6C, 0x88, 0x83, 0x91, 0xAA, 0xF5, 0xA5, 0x38,
	0x60, 0x37, 0x0B, 0xDB, 0x5A, 0x60, 0x83, 0xBE,
}

// scKeyID is the "btle" ASCII key-id literal used as f5's fixed input.
var scKeyID = [4]byte{0x62, 0x74, 0x6C, 0x65}

// f4 computes the Secure Connections confirm value (Core Spec v5.0
// Vol 3 Part H §2.2.6). u, v are the two sides' public key X
// coordinates, x is the local side's own random/key, z is the
// association-model-dependent input octet (0 for JustWorks/
// NumericComparison, the passkey bit for PasskeyEntry).
func f4(u, v [32]byte, x [16]byte, z byte) [16]byte {
	data := make([]byte, 0, 32+32+1)
	data = append(data, u[:]...)
	data = append(data, v[:]...)
	data = append(data, z)
	return aesCMAC(x, data)
}

// f5 derives the Secure Connections MacKey and LTK from the ECDH
// shared secret w (Core Spec v5.0 Vol 3 Part H §2.2.8). a1/a2 are each
// a 7-byte address-type-plus-address pair.
func f5(w [32]byte, n1, n2 [16]byte, a1, a2 [7]byte) (macKey, ltk [16]byte) {
	t := aesCMAC(scSalt, w[:])

	build := func(counter byte) []byte {
		data := make([]byte, 0, 1+4+16+16+7+7+2)
		data = append(data, counter)
		data = append(data, scKeyID[:]...)
		data = append(data, n1[:]...)
		data = append(data, n2[:]...)
		data = append(data, a1[:]...)
		data = append(data, a2[:]...)
		data = append(data, 0x00, 0x01) // Length = 256 bits, little-endian
		return data
	}
	macKey = aesCMAC(t, build(0))
	ltk = aesCMAC(t, build(1))
	return macKey, ltk
}

// f6 computes the Secure Connections DHKey check value (Core Spec
// v5.0 Vol 3 Part H §2.2.8) from the MacKey f5 derived. r is the
// nonce/passkey/OOB randomizer appropriate to the association model,
// iocap is the sender's packed AuthReq||OOB||IOCap triple.
func f6(macKey [16]byte, n1, n2, r [16]byte, iocap [3]byte, a1, a2 [7]byte) [16]byte {
	data := make([]byte, 0, 16+16+16+3+7+7)
	data = append(data, n1[:]...)
	data = append(data, n2[:]...)
	data = append(data, r[:]...)
	data = append(data, iocap[:]...)
	data = append(data, a1[:]...)
	data = append(data, a2[:]...)
	return aesCMAC(macKey, data)
}

// g2 computes the 6-digit numeric comparison value (Core Spec v5.0
// Vol 3 Part H §2.2.9) displayed to the user on both sides.
func g2(u, v [32]byte, x, y [16]byte) uint32 {
	data := make([]byte, 0, 32+32+16)
	data = append(data, u[:]...)
	data = append(data, v[:]...)
	data = append(data, y[:]...)
	mac := aesCMAC(x, data)
	// The least significant 32 bits, interpreted big-endian per the
	// spec's bit-numbering, mod 10^6.
	val := uint32(mac[12])<<24 | uint32(mac[13])<<16 | uint32(mac[14])<<8 | uint32(mac[15])
	return val % 1000000
}

// ECDHKeyPair is one side's P-256 key pair for Secure Connections
// (Core Spec v5.0 Vol 3 Part H §2.3.5.6). The crypto/ecdh package
// handles the scalar arithmetic; this wraps it in the 32-byte X/Y
// coordinate wire format SMP's Pairing Public Key PDU uses.
type ECDHKeyPair struct {
	private *ecdh.PrivateKey
}

// GenerateECDHKeyPair produces a fresh P-256 key pair.
func GenerateECDHKeyPair() (*ECDHKeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &ECDHKeyPair{private: priv}, nil
}

// PublicKeyXY returns the public key's X and Y coordinates in the
// little-endian wire order SMP's Pairing Public Key PDU carries them
// in (Core Spec v5.0 Vol 3 Part H §3.5.6).
func (kp *ECDHKeyPair) PublicKeyXY() (x, y [32]byte) {
	raw := kp.private.PublicKey().Bytes() // uncompressed: 0x04 || X(32, big-endian) || Y(32, big-endian)
	for i := 0; i < 32; i++ {
		x[i] = raw[1+31-i]
		y[i] = raw[33+31-i]
	}
	return x, y
}

// SharedSecret computes the ECDH shared secret w with a peer public
// key given in the same little-endian X/Y wire order.
func (kp *ECDHKeyPair) SharedSecret(peerX, peerY [32]byte) ([32]byte, error) {
	raw := make([]byte, 65)
	raw[0] = 0x04
	for i := 0; i < 32; i++ {
		raw[1+i] = peerX[31-i]
		raw[33+i] = peerY[31-i]
	}
	peerPub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return [32]byte{}, err
	}
	secret, err := kp.private.ECDH(peerPub)
	if err != nil {
		return [32]byte{}, err
	}
	var w [32]byte
	// ECDH() returns the shared X coordinate big-endian; f5 wants it
	// in the same little-endian order as the public key coordinates.
	for i := 0; i < 32; i++ {
		w[i] = secret[31-i]
	}
	return w, nil
}
