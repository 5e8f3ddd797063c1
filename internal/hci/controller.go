package hci

// Controller is the packet-oriented interface to the chipset. Per
// spec §1/§6, the byte-level transport to the controller is out of
// scope for this core; callers supply a Controller that already
// frames whole HCI packets (command, event, ACL, SCO) rather than a
// raw byte stream. This plays the role the teacher's `shim` plays for
// the peripheral role (linux/internal/socket), generalized to an
// explicit packet interface instead of a line-oriented text protocol.
type Controller interface {
	// SendCommand writes one framed HCI command packet (opcode +
	// parameters, without the HCI packet-type octet, which this core
	// never adds) to the controller.
	SendCommand(b []byte) error

	// SendACL writes one framed ACL data packet (header + payload,
	// without the packet-type octet) to the controller.
	SendACL(b []byte) error

	// SendSCO writes one framed SCO data packet to the controller.
	SendSCO(b []byte) error

	// Events returns a channel of inbound HCI event packets (each
	// already stripped of the packet-type octet). The channel is
	// closed, with no further sends, when the controller link is
	// gone; that closure is the only required failure signal.
	Events() <-chan []byte

	// ACL returns a channel of inbound ACL data packets.
	ACL() <-chan []byte

	// SCO returns a channel of inbound SCO data packets.
	SCO() <-chan []byte

	// VendorFeatures reports the controller's vendor feature bitmask;
	// the ACL data channel queries it on every SetACLPriority call.
	// FeatureSetACLPriority is the only feature of interest to this
	// core (spec §6).
	VendorFeatures() uint64

	// ConfigureSCOCodec is the abstract "configure SCO codec"
	// capability named in spec §4.1; out-of-scope controller-specific
	// parameters are opaque to this core.
	ConfigureSCOCodec(params []byte) error
}

// Vendor feature bits (spec §6: "required feature of interest:
// SetAclPriorityCommand"). Only one bit is named by the spec; further
// bits are reserved for controller-specific capabilities this core
// does not interpret.
const (
	FeatureSetACLPriority uint64 = 1 << 0
)
