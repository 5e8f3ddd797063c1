package gatt

import "github.com/sapphire-bt/host/uuid"

// RemoteDescriptor is one descriptor discovered via FindInformation
// over a characteristic's value-handle-exclusive sub-range (spec
// §4.4).
type RemoteDescriptor struct {
	uuid   uuid.UUID
	handle uint16

	char *RemoteCharacteristic
}

func newRemoteDescriptor(char *RemoteCharacteristic, u uuid.UUID, handle uint16) *RemoteDescriptor {
	return &RemoteDescriptor{char: char, uuid: u, handle: handle}
}

func (d *RemoteDescriptor) UUID() uuid.UUID { return d.uuid }

func (d *RemoteDescriptor) Handle() uint16 { return d.handle }

func (d *RemoteDescriptor) Characteristic() *RemoteCharacteristic { return d.char }
