// Package uuid implements Bluetooth-flavored UUIDs: 16-, 32-, and
// 128-bit identifiers carried little-endian on the wire (the reverse
// of the canonical textual big-endian form).
package uuid

import (
	"bytes"
	"fmt"

	gouuid "github.com/google/uuid"
)

// bluetoothBase is the Bluetooth Base UUID: 00000000-0000-1000-8000-00805F9B34FB.
// A 16- or 32-bit UUID is this base with its first 2 or 4 bytes replaced.
var bluetoothBase = gouuid.MustParse("00000000-0000-1000-8000-00805F9B34FB")

// UUID holds the wire-order (little-endian) bytes, the way the
// teacher's UUID{b []byte} does: 2, 4, or 16 bytes.
type UUID struct {
	b []byte
}

// reverse returns a new slice with b's bytes in reverse order.
//
// Kept verbatim in spirit from the teacher's uuid_test.go-exercised
// reverse() helper: wire order for Bluetooth UUIDs is the reverse of
// RFC 4122 textual order.
func reverse(b []byte) []byte {
	n := len(b)
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = b[n-1-i]
	}
	return out
}

// UUID16 constructs the UUID for Bluetooth SIG-assigned 16-bit value u.
func UUID16(u uint16) UUID {
	return UUID{b: []byte{byte(u), byte(u >> 8)}}
}

// UUID32 constructs the UUID for Bluetooth SIG-assigned 32-bit value u.
func UUID32(u uint32) UUID {
	return UUID{b: []byte{byte(u), byte(u >> 8), byte(u >> 16), byte(u >> 24)}}
}

// Must128 parses a canonical 128-bit UUID string (e.g.
// "6e400001-b5a3-f393-e0a9-e50e24dcca9e") and panics on failure; for
// use with package-level var declarations of well-known UUIDs.
func Must128(s string) UUID {
	u, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

// Parse parses a canonical (big-endian, hyphenated) 128-bit UUID
// string and returns its little-endian wire-order UUID.
func Parse(s string) (UUID, error) {
	g, err := gouuid.Parse(s)
	if err != nil {
		return UUID{}, fmt.Errorf("uuid: %w", err)
	}
	be := g[:]
	return UUID{b: reverse(be)}, nil
}

// FromBytes wraps a pre-reversed (wire-order) byte slice of length 2,
// 4, or 16 as a UUID. The bytes are copied, so the caller's slice
// (e.g. a freshly parsed ATT/L2CAP PDU buffer) may be reused.
func FromBytes(b []byte) (UUID, error) {
	switch len(b) {
	case 2, 4, 16:
		return UUID{b: append([]byte(nil), b...)}, nil
	default:
		return UUID{}, fmt.Errorf("uuid: invalid length %d", len(b))
	}
}

// Len returns the wire length in bytes: 2, 4, or 16.
func (u UUID) Len() int { return len(u.b) }

// Bytes returns the little-endian wire-order bytes. The returned slice
// must not be modified.
func (u UUID) Bytes() []byte { return u.b }

// reverseBytes returns the UUID's stored bytes in big-endian (RFC 4122
// textual) byte order without expanding 16/32-bit forms; String
// expands via To128 first.
func (u UUID) reverseBytes() []byte { return reverse(u.b) }

// To128 expands a 16- or 32-bit UUID against the Bluetooth Base UUID;
// a 128-bit UUID is returned unchanged.
func (u UUID) To128() UUID {
	switch len(u.b) {
	case 16:
		return u
	case 2:
		full := append([]byte(nil), bluetoothBase[:]...)
		copy(full[2:4], reverse(u.b))
		return UUID{b: reverse(full)}
	case 4:
		full := append([]byte(nil), bluetoothBase[:]...)
		copy(full[0:4], reverse(u.b))
		return UUID{b: reverse(full)}
	default:
		return u
	}
}

// String renders the UUID in canonical big-endian textual form.
func (u UUID) String() string {
	full := u.To128()
	var g gouuid.UUID
	copy(g[:], reverse(full.b))
	return g.String()
}

// Equal reports whether u and v denote the same UUID, comparing their
// 128-bit expansions so a 16-bit form and its 128-bit equivalent
// compare equal.
func Equal(u, v UUID) bool {
	return bytes.Equal(u.To128().b, v.To128().b)
}

func (u UUID) Equal(v UUID) bool { return Equal(u, v) }

// IsZero reports whether u has never been assigned a value.
func (u UUID) IsZero() bool { return u.b == nil }

// Well-known Bluetooth SIG UUIDs used by the GATT/ATT/L2CAP layers.
var (
	GAPService  = UUID16(0x1800)
	GATTService = UUID16(0x1801)

	PrimaryService   = UUID16(0x2800)
	SecondaryService = UUID16(0x2801)
	Include          = UUID16(0x2802)
	Characteristic   = UUID16(0x2803)

	ClientCharacteristicConfig = UUID16(0x2902)
	ServerCharacteristicConfig = UUID16(0x2903)

	DeviceName = UUID16(0x2A00)
	Appearance = UUID16(0x2A01)
)
