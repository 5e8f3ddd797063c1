package gatt

import "github.com/sapphire-bt/host/uuid"

// Characteristic property bits (Core Spec v5.0 Vol 3 Part G §3.3.1.1),
// kept in teacher's const-block style but renamed/extended to the
// full set the wire format defines rather than the teacher's
// server-only subset (charRead/charWrite/charWriteNR/charNotify).
const (
	PropBroadcast        uint8 = 1 << 0
	PropRead             uint8 = 1 << 1
	PropWriteWithoutResp uint8 = 1 << 2
	PropWrite            uint8 = 1 << 3
	PropNotify           uint8 = 1 << 4
	PropIndicate         uint8 = 1 << 5
	PropAuthSignedWrites uint8 = 1 << 6
	PropExtendedProps    uint8 = 1 << 7
)

// RemoteCharacteristic is one characteristic discovered within a
// service's handle range via ReadByType(0x2803) (spec §4.4).
type RemoteCharacteristic struct {
	uuid        uuid.UUID
	declHandle  uint16
	valueHandle uint16
	endHandle   uint16 // inclusive upper bound of this chrc's descriptors
	props       uint8

	service *RemoteService
	descs   []*RemoteDescriptor
}

func newRemoteCharacteristic(svc *RemoteService, u uuid.UUID, declHandle uint16, props uint8, valueHandle uint16) *RemoteCharacteristic {
	return &RemoteCharacteristic{
		service:     svc,
		uuid:        u,
		declHandle:  declHandle,
		props:       props,
		valueHandle: valueHandle,
	}
}

func (c *RemoteCharacteristic) UUID() uuid.UUID { return c.uuid }

// Handle returns the characteristic declaration's attribute handle.
func (c *RemoteCharacteristic) Handle() uint16 { return c.declHandle }

// ValueHandle returns the attribute handle of the characteristic's
// value (always declHandle+1, enforced at discovery time).
func (c *RemoteCharacteristic) ValueHandle() uint16 { return c.valueHandle }

func (c *RemoteCharacteristic) Properties() uint8 { return c.props }

func (c *RemoteCharacteristic) Service() *RemoteService { return c.service }

func (c *RemoteCharacteristic) Descriptors() []*RemoteDescriptor { return c.descs }

func (c *RemoteCharacteristic) descRangeEnd(serviceEnd uint16) uint16 {
	if c.endHandle != 0 {
		return c.endHandle
	}
	return serviceEnd
}
