package hci

// EventCode is the one-octet HCI event code (spec §6), named here the
// way the teacher's linux/internal/event package names them.
type EventCode uint8

const (
	EvtInquiryComplete                      EventCode = 0x01
	EvtInquiryResult                        EventCode = 0x02
	EvtConnectionComplete                   EventCode = 0x03
	EvtConnectionRequest                    EventCode = 0x04
	EvtDisconnectionComplete                EventCode = 0x05
	EvtAuthenticationComplete               EventCode = 0x06
	EvtRemoteNameRequestComplete             EventCode = 0x07
	EvtEncryptionChange                     EventCode = 0x08
	EvtReadRemoteSupportedFeaturesComplete  EventCode = 0x0B
	EvtReadRemoteVersionInformationComplete EventCode = 0x0C
	EvtCommandComplete                      EventCode = 0x0E
	EvtCommandStatus                        EventCode = 0x0F
	EvtHardwareError                        EventCode = 0x10
	EvtRoleChange                           EventCode = 0x12
	EvtNumberOfCompletedPackets             EventCode = 0x13
	EvtPINCodeRequest                       EventCode = 0x16
	EvtLinkKeyRequest                       EventCode = 0x17
	EvtLinkKeyNotification                  EventCode = 0x18
	EvtReadRemoteExtendedFeaturesComplete   EventCode = 0x23
	EvtIOCapabilityRequest                  EventCode = 0x31
	EvtIOCapabilityResponse                 EventCode = 0x32
	EvtUserConfirmationRequest               EventCode = 0x33
	EvtUserPasskeyRequest                   EventCode = 0x34
	EvtSimplePairingComplete                 EventCode = 0x36
	EvtUserPasskeyNotification               EventCode = 0x3B
	EvtLEMeta                                EventCode = 0x3E
)

var eventCodeNames = map[EventCode]string{
	EvtInquiryComplete:                      "InquiryComplete",
	EvtInquiryResult:                        "InquiryResult",
	EvtConnectionComplete:                   "ConnectionComplete",
	EvtConnectionRequest:                    "ConnectionRequest",
	EvtDisconnectionComplete:                "DisconnectionComplete",
	EvtAuthenticationComplete:               "AuthenticationComplete",
	EvtRemoteNameRequestComplete:             "RemoteNameRequestComplete",
	EvtEncryptionChange:                     "EncryptionChange",
	EvtReadRemoteSupportedFeaturesComplete:  "ReadRemoteSupportedFeaturesComplete",
	EvtReadRemoteVersionInformationComplete: "ReadRemoteVersionInformationComplete",
	EvtCommandComplete:                      "CommandComplete",
	EvtCommandStatus:                        "CommandStatus",
	EvtHardwareError:                        "HardwareError",
	EvtRoleChange:                           "RoleChange",
	EvtNumberOfCompletedPackets:             "NumberOfCompletedPackets",
	EvtPINCodeRequest:                       "PINCodeRequest",
	EvtLinkKeyRequest:                       "LinkKeyRequest",
	EvtLinkKeyNotification:                  "LinkKeyNotification",
	EvtReadRemoteExtendedFeaturesComplete:   "ReadRemoteExtendedFeaturesComplete",
	EvtIOCapabilityRequest:                  "IOCapabilityRequest",
	EvtIOCapabilityResponse:                 "IOCapabilityResponse",
	EvtUserConfirmationRequest:               "UserConfirmationRequest",
	EvtUserPasskeyRequest:                   "UserPasskeyRequest",
	EvtSimplePairingComplete:                 "SimplePairingComplete",
	EvtUserPasskeyNotification:               "UserPasskeyNotification",
	EvtLEMeta:                                "LEMeta",
}

func (e EventCode) String() string {
	if name, ok := eventCodeNames[e]; ok {
		return name
	}
	return "EventCode(unknown)"
}

// LEEventCode is the one-octet LE meta-event subevent code, nested
// inside an EvtLEMeta event's first parameter byte.
type LEEventCode uint8

const (
	LEEvtConnectionComplete             LEEventCode = 0x01
	LEEvtAdvertisingReport              LEEventCode = 0x02
	LEEvtConnectionUpdateComplete       LEEventCode = 0x03
	LEEvtReadRemoteFeaturesComplete     LEEventCode = 0x04
	LEEvtLongTermKeyRequest             LEEventCode = 0x05
)

var leEventCodeNames = map[LEEventCode]string{
	LEEvtConnectionComplete:         "LEConnectionComplete",
	LEEvtAdvertisingReport:          "LEAdvertisingReport",
	LEEvtConnectionUpdateComplete:   "LEConnectionUpdateComplete",
	LEEvtReadRemoteFeaturesComplete: "LEReadRemoteFeaturesComplete",
	LEEvtLongTermKeyRequest:         "LELongTermKeyRequest",
}

func (e LEEventCode) String() string {
	if name, ok := leEventCodeNames[e]; ok {
		return name
	}
	return "LEEventCode(unknown)"
}
