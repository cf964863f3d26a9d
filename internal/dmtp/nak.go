package dmtp

import "fmt"

// NAKCode is the u16 error code carried in a server-error packet payload
//.
type NAKCode uint16

const (
	NAKIDInvalid                 NAKCode = 0x0001
	NAKAccountInvalid            NAKCode = 0x0002
	NAKDeviceInvalid             NAKCode = 0x0003
	NAKAccountInactive           NAKCode = 0x0004
	NAKDeviceInactive            NAKCode = 0x0005
	NAKExcessiveConnections      NAKCode = 0x0006
	NAKFormatDefinitionInvalid   NAKCode = 0x0007
	NAKEventError                NAKCode = 0x0008
	NAKExcessiveEvents           NAKCode = 0x0009
	NAKDuplicateEvent            NAKCode = 0x000A
	NAKBlockChecksum             NAKCode = 0x000B
	NAKPacketPayload             NAKCode = 0x000C
	NAKPacketType                NAKCode = 0x000D
	NAKProtocolError             NAKCode = 0x000E
)

var nakNames = map[NAKCode]string{
	NAKIDInvalid:               "NAK_ID_INVALID",
	NAKAccountInvalid:          "NAK_ACCOUNT_INVALID",
	NAKDeviceInvalid:           "NAK_DEVICE_INVALID",
	NAKAccountInactive:         "NAK_ACCOUNT_INACTIVE",
	NAKDeviceInactive:          "NAK_DEVICE_INACTIVE",
	NAKExcessiveConnections:    "NAK_EXCESSIVE_CONNECTIONS",
	NAKFormatDefinitionInvalid: "NAK_FORMAT_DEFINITION_INVALID",
	NAKEventError:              "NAK_EVENT_ERROR",
	NAKExcessiveEvents:         "NAK_EXCESSIVE_EVENTS",
	NAKDuplicateEvent:          "NAK_DUPLICATE_EVENT",
	NAKBlockChecksum:           "NAK_BLOCK_CHECKSUM",
	NAKPacketPayload:           "NAK_PACKET_PAYLOAD",
	NAKPacketType:              "NAK_PACKET_TYPE",
	NAKProtocolError:           "NAK_PROTOCOL_ERROR",
}

// String returns the NAK code's symbolic name.
func (c NAKCode) String() string {
	if name, ok := nakNames[c]; ok {
		return name
	}
	return fmt.Sprintf(unknownFmt, uint16(c))
}

// terminatingNAKs short-circuit the session once the response is flushed:
// identification failures, NAK_PROTOCOL_ERROR, and
// NAK_EXCESSIVE_CONNECTIONS.
var terminatingNAKs = map[NAKCode]bool{
	NAKIDInvalid:            true,
	NAKAccountInvalid:       true,
	NAKDeviceInvalid:        true,
	NAKAccountInactive:      true,
	NAKDeviceInactive:       true,
	NAKExcessiveConnections: true,
	NAKProtocolError:        true,
}

// Terminates reports whether a server-error response carrying this code
// must end the session after it is flushed.
func (c NAKCode) Terminates() bool {
	return terminatingNAKs[c]
}

// ProtocolError is a server-error response: an error code plus an echo of
// the offending packet header, built at the point of failure and converted
// to a wire packet by the session's central dispatch.
type ProtocolError struct {
	Code NAKCode
	// OffendingType is the type byte of the packet that triggered the
	// error, when one is available.
	OffendingType Type
	HasOffending  bool
	// Context carries optional per-error detail: a sequence number, a
	// property ID, or similar, appended verbatim after the code and the
	// offending-type echo.
	Context []byte
}

func (e ProtocolError) Error() string {
	return fmt.Sprintf("dmtp: %s", e.Code)
}

// Packet renders e as a TypeServerError packet.
func (e ProtocolError) Packet() Packet {
	w := NewWriter()
	w.PutUint(uint32(e.Code), 2)
	if e.HasOffending {
		w.PutUint(uint32(e.OffendingType), 1)
	}
	w.PutBytes(e.Context)
	return Packet{Type: TypeServerError, Payload: w.Bytes()}
}

// NewProtocolError builds a ProtocolError for code, optionally echoing the
// offending packet's type byte.
func NewProtocolError(code NAKCode, offending Type, hasOffending bool, context ...byte) ProtocolError {
	return ProtocolError{Code: code, OffendingType: offending, HasOffending: hasOffending, Context: context}
}
