package l2cap

import (
	"encoding/binary"

	"github.com/sapphire-bt/host/errors"
)

// Configuration option types of interest (spec §6).
const (
	OptionMTU uint8 = 0x01
	OptionRFC uint8 = 0x04
)

// RFC modes (Core Spec Vol 3 Part A §5.4).
const (
	RFCModeBasic uint8 = 0x00
	RFCModeERTM  uint8 = 0x03
)

// MinMTU is the smallest MTU a configuration request may propose for
// a classic ACL channel (spec §4.3: "MTU policy").
const MinMTU uint16 = 48

// DefaultMTU is the rxMTU a dynamic channel proposes when its owner
// has not requested a larger one.
const DefaultMTU uint16 = 672

// MTUOption is configuration option type 0x01 (length 2): a single
// 16-bit MTU value.
type MTUOption struct{ MTU uint16 }

func (o MTUOption) marshal() []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, o.MTU)
	return encodeOption(OptionMTU, b)
}

// RFCOption is configuration option type 0x04 (length 9): retransmission
// and flow control parameters.
type RFCOption struct {
	Mode                 uint8
	TxWindowSize         uint8
	MaxTransmit          uint8
	RetransmissionTimeout uint16
	MonitorTimeout       uint16
	MPS                  uint16
}

func (o RFCOption) marshal() []byte {
	b := make([]byte, 9)
	b[0] = o.Mode
	b[1] = o.TxWindowSize
	b[2] = o.MaxTransmit
	binary.LittleEndian.PutUint16(b[3:5], o.RetransmissionTimeout)
	binary.LittleEndian.PutUint16(b[5:7], o.MonitorTimeout)
	binary.LittleEndian.PutUint16(b[7:9], o.MPS)
	return encodeOption(OptionRFC, b)
}

func encodeOption(typ uint8, value []byte) []byte {
	b := make([]byte, 2+len(value))
	b[0] = typ
	b[1] = uint8(len(value))
	copy(b[2:], value)
	return b
}

// ConfigOptions is a decoded set of configuration options carried in
// a ConfigurationRequest/Response payload.
type ConfigOptions struct {
	MTU     *uint16
	RFC     *RFCOption
	Unknown []uint8 // option types this codec did not recognize
}

// MarshalConfigOptions serializes the options present (nil fields are
// omitted) in type order.
func MarshalConfigOptions(opts ConfigOptions) []byte {
	var out []byte
	if opts.MTU != nil {
		out = append(out, MTUOption{MTU: *opts.MTU}.marshal()...)
	}
	if opts.RFC != nil {
		out = append(out, opts.RFC.marshal()...)
	}
	return out
}

// UnmarshalConfigOptions walks a TLV option list, tolerating options
// it doesn't recognize (recorded in Unknown per spec §4.3's "echo
// that option back with result=UnknownOptions" rule).
func UnmarshalConfigOptions(b []byte) (ConfigOptions, error) {
	var opts ConfigOptions
	for len(b) > 0 {
		if len(b) < 2 {
			return opts, errors.New(errors.KindPacketMalformed, "l2cap: truncated config option header")
		}
		typ, length := b[0], int(b[1])
		if len(b) < 2+length {
			return opts, errors.New(errors.KindPacketMalformed, "l2cap: truncated config option value")
		}
		value := b[2 : 2+length]
		switch typ {
		case OptionMTU:
			if length != 2 {
				return opts, errors.New(errors.KindPacketMalformed, "l2cap: bad mtu option length")
			}
			mtu := binary.LittleEndian.Uint16(value)
			opts.MTU = &mtu
		case OptionRFC:
			if length != 9 {
				return opts, errors.New(errors.KindPacketMalformed, "l2cap: bad rfc option length")
			}
			opts.RFC = &RFCOption{
				Mode:                  value[0],
				TxWindowSize:          value[1],
				MaxTransmit:           value[2],
				RetransmissionTimeout: binary.LittleEndian.Uint16(value[3:5]),
				MonitorTimeout:        binary.LittleEndian.Uint16(value[5:7]),
				MPS:                   binary.LittleEndian.Uint16(value[7:9]),
			}
		default:
			opts.Unknown = append(opts.Unknown, typ)
		}
		b = b[2+length:]
	}
	return opts, nil
}
