package smp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func hexKey(t *testing.T) [16]byte {
	t.Helper()
	return [16]byte{
		0x2b, 0x7e, 0x15, 0x16, 0x28, 0xae, 0xd2, 0xa6,
		0xab, 0xf7, 0x15, 0x88, 0x09, 0xcf, 0x4f, 0x3c,
	}
}

// TestAESCMACRFC4493Vectors checks aesCMAC against the four published
// RFC 4493 §4 test vectors, the canonical AES-128-CMAC conformance
// check independent of anything Bluetooth-specific.
func TestAESCMACRFC4493Vectors(t *testing.T) {
	k := hexKey(t)

	m := []byte{
		0x6b, 0xc1, 0xbe, 0xe2, 0x2e, 0x40, 0x9f, 0x96,
		0xe9, 0x3d, 0x7e, 0x11, 0x73, 0x93, 0x17, 0x2a,
		0xae, 0x2d, 0x8a, 0x57, 0x1e, 0x03, 0xac, 0x9c,
		0x9e, 0xb7, 0x6f, 0xac, 0x45, 0xaf, 0x8e, 0x51,
		0x30, 0xc8, 0x1c, 0x46, 0xa3, 0x5c, 0xe4, 0x11,
		0xe5, 0xfb, 0xc1, 0x19, 0x1a, 0x0a, 0x52, 0xef,
		0xf6, 0x9f, 0x24, 0x45, 0xdf, 0x4f, 0x9b, 0x17,
		0xad, 0x2b, 0x41, 0x7b, 0xe6, 0x6c, 0x37, 0x10,
	}

	cases := []struct {
		name string
		msg  []byte
		want [16]byte
	}{
		{
			name: "empty message",
			msg:  nil,
			want: [16]byte{0xbb, 0x1d, 0x69, 0x29, 0xe9, 0x59, 0x37, 0x28, 0x7f, 0xa3, 0x7d, 0x12, 0x9b, 0x75, 0x67, 0x46},
		},
		{
			name: "16-byte message",
			msg:  m[:16],
			want: [16]byte{0x07, 0x0a, 0x16, 0xb4, 0x6b, 0x4d, 0x41, 0x44, 0xf7, 0x9b, 0xdd, 0x9d, 0xd0, 0x4a, 0x28, 0x7c},
		},
		{
			name: "40-byte message",
			msg:  m[:40],
			want: [16]byte{0xdf, 0xa6, 0x67, 0x47, 0xde, 0x9a, 0xe6, 0x30, 0x30, 0xca, 0x32, 0x61, 0x14, 0x97, 0xc8, 0x27},
		},
		{
			name: "64-byte message",
			msg:  m[:64],
			want: [16]byte{0x51, 0xf0, 0xbe, 0xbf, 0x7e, 0x3b, 0x9d, 0x92, 0xfc, 0x49, 0x74, 0x17, 0x79, 0x36, 0x3c, 0xfe},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := aesCMAC(k, c.msg)
			require.Equal(t, c.want, got)
		})
	}
}

func TestXor16(t *testing.T) {
	var a, b [16]byte
	a[0], a[15] = 0xFF, 0x01
	b[0], b[15] = 0x0F, 0x01
	got := xor16(a, b)
	require.Equal(t, byte(0xF0), got[0])
	require.Equal(t, byte(0x00), got[15])
}

// TestECDHSharedSecretSymmetric checks that two independently
// generated key pairs agree on the same shared secret from each
// side's perspective, the property f5 depends on.
func TestECDHSharedSecretSymmetric(t *testing.T) {
	a, err := GenerateECDHKeyPair()
	require.NoError(t, err)
	b, err := GenerateECDHKeyPair()
	require.NoError(t, err)

	ax, ay := a.PublicKeyXY()
	bx, by := b.PublicKeyXY()

	wa, err := a.SharedSecret(bx, by)
	require.NoError(t, err)
	wb, err := b.SharedSecret(ax, ay)
	require.NoError(t, err)
	require.Equal(t, wa, wb)
}

// TestF5DerivesDistinctMacKeyAndLTK checks f5 produces two different
// 128-bit outputs from the same shared secret (MacKey and LTK must
// never collide, Core Spec v5.0 Vol 3 Part H §2.2.8).
func TestF5DerivesDistinctMacKeyAndLTK(t *testing.T) {
	var w [32]byte
	for i := range w {
		w[i] = byte(i)
	}
	var n1, n2 [16]byte
	n1[0], n2[0] = 0x01, 0x02
	var a1, a2 [7]byte
	a2[0] = 0x01

	mac, ltk := f5(w, n1, n2, a1, a2)
	require.NotEqual(t, mac, ltk)
}

// TestG2IsBoundedToSixDigits checks g2's numeric-comparison output is
// always in [0, 999999], the range a 6-digit display can show (Core
// Spec v5.0 Vol 3 Part H §2.2.9).
func TestG2IsBoundedToSixDigits(t *testing.T) {
	var u, v [32]byte
	for i := range u {
		u[i] = byte(i)
		v[i] = byte(255 - i)
	}
	var x, y [16]byte
	x[0] = 0x11

	got := g2(u, v, x, y)
	require.Less(t, got, uint32(1000000))
}
