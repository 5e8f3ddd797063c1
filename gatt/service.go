// Package gatt implements the GATT client: the discovery, read, write,
// and notification procedures layered over the ATT bearer (spec
// §4.4, C9).
//
// Grounded on the teacher's service.go/characteristic.go/descriptor.go
// field layout (private fields, UUID()/getter accessors), inverted
// from local-attribute-database records the teacher's GATT server
// exposes to a connected central, into discovered-remote records a
// client assembles from ATT responses.
package gatt

import "github.com/sapphire-bt/host/uuid"

// RemoteService is one service discovered via ReadByGroupType or
// FindByTypeValue (spec §4.4).
type RemoteService struct {
	uuid        uuid.UUID
	startHandle uint16
	endHandle   uint16
	secondary   bool

	chars []*RemoteCharacteristic
}

func newRemoteService(u uuid.UUID, start, end uint16, secondary bool) *RemoteService {
	return &RemoteService{uuid: u, startHandle: start, endHandle: end, secondary: secondary}
}

func (s *RemoteService) UUID() uuid.UUID { return s.uuid }

// Handle returns the service declaration's attribute handle.
func (s *RemoteService) Handle() uint16 { return s.startHandle }

// EndHandle returns the last attribute handle covered by this service
// (the group end from its declaration, or 0xFFFF if the service is the
// last on the peer's attribute database).
func (s *RemoteService) EndHandle() uint16 { return s.endHandle }

// Secondary reports whether this service was declared under the
// Secondary Service (0x2801) group type rather than Primary (0x2800).
func (s *RemoteService) Secondary() bool { return s.secondary }

// Characteristics returns the characteristics discovered under this
// service, in handle order.
func (s *RemoteService) Characteristics() []*RemoteCharacteristic { return s.chars }
