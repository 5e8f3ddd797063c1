package gatt

import (
	"github.com/sirupsen/logrus"

	"github.com/sapphire-bt/host/att"
	"github.com/sapphire-bt/host/errors"
	"github.com/sapphire-bt/host/uuid"
)

// Client drives the GATT client procedures of spec §4.4 over one ATT
// Bearer: MTU exchange, service/characteristic/descriptor discovery,
// reads (short, long, by-type), writes (short, command, long/reliable),
// and notification/indication subscription.
type Client struct {
	bearer *att.Bearer
	log    *logrus.Entry

	services []*RemoteService

	longWriteQueue []func()
	longWriteBusy  bool
}

// NewClient wraps an already-open ATT bearer.
func NewClient(bearer *att.Bearer, log *logrus.Entry) *Client {
	return &Client{bearer: bearer, log: log}
}

// ExchangeMTU negotiates ATT_MTU: the result is
// max(att.LEMinMTU, min(peer_rx_mtu, preferred)) (spec §4.4). A server
// that replies RequestNotSupported leaves the bearer at LEMinMTU.
func (c *Client) ExchangeMTU(preferred uint16, cb func(negotiated uint16, err error)) {
	c.bearer.Request(att.OpMTUReq, att.MarshalExchangeMTURequest(preferred), func(resp []byte, err error) {
		if err != nil {
			if e, ok := err.(*errors.Error); ok && e.Layer == errors.ProtoATTError && e.Code == uint8(att.ErrRequestNotSupported) {
				c.bearer.UpdateMTU(att.LEMinMTU)
				cb(att.LEMinMTU, nil)
				return
			}
			cb(0, err)
			return
		}
		peerRxMTU, uerr := att.UnmarshalExchangeMTUResponse(resp)
		if uerr != nil {
			cb(0, uerr)
			return
		}
		negotiated := peerRxMTU
		if preferred < negotiated {
			negotiated = preferred
		}
		if negotiated < att.LEMinMTU {
			negotiated = att.LEMinMTU
		}
		c.bearer.UpdateMTU(negotiated)
		cb(negotiated, nil)
	})
}

// DiscoverServices performs primary service discovery via
// ReadByGroupType(0x2800), scanning the full handle range in batches
// until ErrorResponse(AttributeNotFound) signals the end (spec §4.4).
func (c *Client) DiscoverServices(cb func([]*RemoteService, error)) {
	c.services = nil
	c.discoverServicesFrom(0x0001, cb)
}

func (c *Client) discoverServicesFrom(start uint16, cb func([]*RemoteService, error)) {
	req := att.MarshalReadByGroupTypeRequest(start, 0xFFFF, uuid.PrimaryService)
	c.bearer.Request(att.OpReadByGroupTypeReq, req, func(resp []byte, err error) {
		if err != nil {
			if isAttrNotFound(err) {
				cb(c.services, nil)
				return
			}
			cb(nil, err)
			return
		}
		entries, uerr := att.UnmarshalReadByGroupTypeResponse(resp)
		if uerr != nil {
			cb(nil, uerr)
			return
		}
		var last uint16
		for _, e := range entries {
			u, uerr := uuid.FromBytes(e.Value)
			if uerr != nil {
				cb(nil, errors.New(errors.KindPacketMalformed, "gatt: malformed service uuid"))
				return
			}
			c.services = append(c.services, newRemoteService(u, e.Handle, e.GroupEnd, false))
			last = e.GroupEnd
		}
		if last == 0xFFFF {
			cb(c.services, nil)
			return
		}
		c.discoverServicesFrom(last+1, cb)
	})
}

// DiscoverServicesByUUID filters discovery to services matching u via
// FindByTypeValue (spec §4.4).
func (c *Client) DiscoverServicesByUUID(u uuid.UUID, cb func([]*RemoteService, error)) {
	var out []*RemoteService
	var scan func(start uint16)
	scan = func(start uint16) {
		req := att.MarshalFindByTypeValueRequest(start, 0xFFFF, uuid.PrimaryService, u.Bytes())
		c.bearer.Request(att.OpFindByTypeValueReq, req, func(resp []byte, err error) {
			if err != nil {
				if isAttrNotFound(err) {
					cb(out, nil)
					return
				}
				cb(nil, err)
				return
			}
			ranges, uerr := att.UnmarshalFindByTypeValueResponse(resp)
			if uerr != nil {
				cb(nil, uerr)
				return
			}
			var last uint16
			for _, r := range ranges {
				out = append(out, newRemoteService(u, r.Found, r.GroupEnd, false))
				last = r.GroupEnd
			}
			if last == 0xFFFF {
				cb(out, nil)
				return
			}
			scan(last + 1)
		})
	}
	scan(0x0001)
}

// DiscoverCharacteristics performs characteristic discovery within
// svc's handle range via ReadByType(0x2803) (spec §4.4). Enforces
// value_handle == declaration_handle+1 and strictly-increasing
// declaration handles; any violation fails with PacketMalformed.
func (c *Client) DiscoverCharacteristics(svc *RemoteService, cb func([]*RemoteCharacteristic, error)) {
	c.discoverCharsFrom(svc, svc.startHandle, 0, cb)
}

func (c *Client) discoverCharsFrom(svc *RemoteService, start uint16, prevDecl uint16, cb func([]*RemoteCharacteristic, error)) {
	req := att.MarshalReadByTypeRequest(start, svc.endHandle, uuid.Characteristic)
	c.bearer.Request(att.OpReadByTypeReq, req, func(resp []byte, err error) {
		if err != nil {
			if isAttrNotFound(err) {
				cb(svc.chars, nil)
				return
			}
			cb(nil, err)
			return
		}
		entries, uerr := att.UnmarshalReadByTypeResponse(resp)
		if uerr != nil {
			cb(nil, uerr)
			return
		}
		var lastDecl uint16
		for _, e := range entries {
			if len(e.Value) < 3 {
				cb(nil, errors.New(errors.KindPacketMalformed, "gatt: short characteristic declaration"))
				return
			}
			props := e.Value[0]
			valueHandle := uint16(e.Value[1]) | uint16(e.Value[2])<<8
			if valueHandle != e.Handle+1 {
				cb(nil, errors.New(errors.KindPacketMalformed, "gatt: characteristic value handle not declaration+1"))
				return
			}
			if prevDecl != 0 && e.Handle <= prevDecl {
				cb(nil, errors.New(errors.KindPacketMalformed, "gatt: characteristic handles not strictly increasing"))
				return
			}
			u, uerr := uuid.FromBytes(e.Value[3:])
			if uerr != nil {
				cb(nil, errors.New(errors.KindPacketMalformed, "gatt: malformed characteristic uuid"))
				return
			}
			if len(svc.chars) > 0 {
				svc.chars[len(svc.chars)-1].endHandle = e.Handle - 1
			}
			svc.chars = append(svc.chars, newRemoteCharacteristic(svc, u, e.Handle, props, valueHandle))
			prevDecl = e.Handle
			lastDecl = e.Handle
		}
		if lastDecl >= svc.endHandle {
			cb(svc.chars, nil)
			return
		}
		c.discoverCharsFrom(svc, lastDecl+1, prevDecl, cb)
	})
}

// DiscoverDescriptors performs descriptor discovery via
// FindInformation over char's sub-range: from its value handle
// exclusive to the next characteristic's declaration handle minus one,
// or the service end (spec §4.4).
func (c *Client) DiscoverDescriptors(char *RemoteCharacteristic, cb func([]*RemoteDescriptor, error)) {
	end := char.descRangeEnd(char.service.endHandle)
	start := char.valueHandle + 1
	if start > end {
		cb(nil, nil)
		return
	}
	c.discoverDescsFrom(char, start, end, cb)
}

func (c *Client) discoverDescsFrom(char *RemoteCharacteristic, start, end uint16, cb func([]*RemoteDescriptor, error)) {
	req := att.MarshalFindInformationRequest(start, end)
	c.bearer.Request(att.OpFindInfoReq, req, func(resp []byte, err error) {
		if err != nil {
			if isAttrNotFound(err) {
				cb(char.descs, nil)
				return
			}
			cb(nil, err)
			return
		}
		pairs, uerr := att.UnmarshalFindInformationResponse(resp)
		if uerr != nil {
			cb(nil, uerr)
			return
		}
		var last uint16
		for _, p := range pairs {
			char.descs = append(char.descs, newRemoteDescriptor(char, p.UUID, p.Handle))
			last = p.Handle
		}
		if last >= end {
			cb(char.descs, nil)
			return
		}
		c.discoverDescsFrom(char, last+1, end, cb)
	})
}

// isAttrNotFound reports whether err is the ATT ErrorResponse that
// terminates a discovery scan (spec §4.4). errors.Is deliberately
// compares Kind only, so the protocol code is checked directly here.
func isAttrNotFound(err error) bool {
	e, ok := err.(*errors.Error)
	if !ok {
		return false
	}
	return e.Layer == errors.ProtoATTError && e.Code == uint8(att.ErrAttributeNotFound)
}
