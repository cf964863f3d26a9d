// Package dmtp implements the OpenDMTP telemetry protocol: packet framing,
// the per-session state machine, device identity resolution, the
// connection/event rate limiter, and event dispatch into a pluggable store.
package dmtp

import (
	"errors"
	"fmt"
	"sync"
)

// -------------------------------------------------------------------------
// Protocol Constants
// -------------------------------------------------------------------------

// BinarySentinel marks the start of a binary-framed packet.
const BinarySentinel byte = 0xE0

// ASCIISentinel marks the start of an ASCII-framed packet line.
const ASCIISentinel byte = 0x24 // '$'

// LineTerminator is the default ASCII line terminator.
const LineTerminator byte = '\r'

// HeaderSize is the binary frame header: sentinel(1) + type(1) + length(1).
const HeaderSize = 3

// MaxPayloadLen is the largest payload a single packet may carry.
const MaxPayloadLen = 255

// MaxPacketSize is the largest encoded binary packet: header + max payload.
const MaxPacketSize = HeaderSize + MaxPayloadLen

// unknownFmt formats unrecognized enum values with their numeric code.
const unknownFmt = "Unknown(0x%02X)"

// -------------------------------------------------------------------------
// Packet Types
// -------------------------------------------------------------------------

// Type identifies the packet's payload kind (the wire "type" byte).
type Type uint8

const (
	// TypeClientUniqueID carries a 6-byte device unique ID (AWAIT_IDENT only).
	TypeClientUniqueID Type = 0x01
	// TypeClientAccountID carries the account name (string, <=20 bytes).
	TypeClientAccountID Type = 0x02
	// TypeClientDeviceID carries the device name (string, <=20 bytes).
	TypeClientDeviceID Type = 0x03

	// TypeClientPropertyValue carries a property id/value pair.
	TypeClientPropertyValue Type = 0x20
	// TypeClientDiagnostic carries a diagnostic code/value pair.
	TypeClientDiagnostic Type = 0x30
	// TypeClientError reports a client-detected error, e.g. ERROR_PACKET_ENCODING.
	TypeClientError Type = 0x40
	// TypeClientFormatDef24 registers a custom event payload template.
	TypeClientFormatDef24 Type = 0x50

	// TypeEventStandardMin is the lowest standard (fixed-layout) event type.
	TypeEventStandardMin Type = 0x10
	// TypeEventStandardMax is the highest standard event type.
	TypeEventStandardMax Type = 0x1A
	// TypeEventCustomMin is the lowest custom (template-defined) event type.
	TypeEventCustomMin Type = 0xE0
	// TypeEventCustomMax is the highest custom event type.
	TypeEventCustomMax Type = 0xEF

	// TypeClientEOBMore signals end-of-block, more blocks to follow.
	TypeClientEOBMore Type = 0xFC
	// TypeClientEOBDone signals end-of-block, last block of the session.
	TypeClientEOBDone Type = 0xFD

	// TypeServerACK acknowledges the last successfully inserted event.
	TypeServerACK Type = 0xFA
	// TypeServerEOB closes a block when more blocks are expected.
	TypeServerEOB Type = 0xFB
	// TypeServerEOT closes the session after the final block.
	TypeServerEOT Type = 0xFD
	// TypeServerError carries a NAK error code.
	TypeServerError Type = 0xFE
)

// IsEventType reports whether t identifies a GPS event packet, standard or
// custom.
func (t Type) IsEventType() bool {
	return (t >= TypeEventStandardMin && t <= TypeEventStandardMax) ||
		(t >= TypeEventCustomMin && t <= TypeEventCustomMax)
}

// IsCustomEventType reports whether t is a template-defined event type.
func (t Type) IsCustomEventType() bool {
	return t >= TypeEventCustomMin && t <= TypeEventCustomMax
}

var typeNames = map[Type]string{
	TypeClientUniqueID:      "CLIENT_UNIQUE_ID",
	TypeClientAccountID:     "CLIENT_ACCOUNT_ID",
	TypeClientDeviceID:      "CLIENT_DEVICE_ID",
	TypeClientPropertyValue: "CLIENT_PROPERTY_VALUE",
	TypeClientDiagnostic:    "CLIENT_DIAGNOSTIC",
	TypeClientError:         "CLIENT_ERROR",
	TypeClientFormatDef24:   "CLIENT_FORMAT_DEF_24",
	TypeClientEOBMore:       "CLIENT_EOB_MORE",
	TypeClientEOBDone:       "CLIENT_EOB_DONE",
	TypeServerACK:           "ACK",
	TypeServerEOB:           "EOB",
	TypeServerError:         "ERROR",
	// TypeServerEOT shares 0xFD with TypeClientEOBDone; direction
	// disambiguates it, so it is not listed here to keep String() on the
	// client value above.
}

// String returns a human-readable name for the packet type.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	if t.IsEventType() {
		return fmt.Sprintf("EVENT(0x%02X)", uint8(t))
	}
	return fmt.Sprintf(unknownFmt, uint8(t))
}

// -------------------------------------------------------------------------
// Encoding
// -------------------------------------------------------------------------

// Encoding identifies how a packet stream is framed on the wire.
type Encoding uint8

const (
	// EncodingUnknown is the zero value, before a session's first packet.
	EncodingUnknown Encoding = iota
	// EncodingBinary is the canonical [sentinel][type][len][payload] frame.
	EncodingBinary
	// EncodingBase64 is ASCII-framed, payload base64-encoded, no checksum.
	EncodingBase64
	// EncodingBase64Cksum is EncodingBase64 with a trailing Fletcher checksum.
	EncodingBase64Cksum
	// EncodingHex is ASCII-framed, payload hex-encoded, no checksum.
	EncodingHex
	// EncodingHexCksum is EncodingHex with a trailing Fletcher checksum.
	EncodingHexCksum
	// EncodingCSV is ASCII-framed, payload comma-separated, no checksum.
	EncodingCSV
	// EncodingCSVCksum is EncodingCSV with a trailing Fletcher checksum.
	EncodingCSVCksum
)

// Bitmask values for a device's supported-encoding set
// (SupportsEncoding/RemoveEncoding). EncodingUnknown has no bit: a session
// always negotiates a concrete encoding before identity resolution
// completes.
const (
	EncodingBitBinary      = 1 << 0
	EncodingBitBase64      = 1 << 1
	EncodingBitBase64Cksum = 1 << 2
	EncodingBitHex         = 1 << 3
	EncodingBitHexCksum    = 1 << 4
	EncodingBitCSV         = 1 << 5
	EncodingBitCSVCksum    = 1 << 6
)

// Bit returns the supported-encoding bitmask bit for e, or 0 for
// EncodingUnknown.
func (e Encoding) Bit() uint8 {
	switch e {
	case EncodingBinary:
		return EncodingBitBinary
	case EncodingBase64:
		return EncodingBitBase64
	case EncodingBase64Cksum:
		return EncodingBitBase64Cksum
	case EncodingHex:
		return EncodingBitHex
	case EncodingHexCksum:
		return EncodingBitHexCksum
	case EncodingCSV:
		return EncodingBitCSV
	case EncodingCSVCksum:
		return EncodingBitCSVCksum
	default:
		return 0
	}
}

// HasChecksum reports whether e carries a trailing Fletcher checksum.
func (e Encoding) HasChecksum() bool {
	switch e {
	case EncodingBase64Cksum, EncodingHexCksum, EncodingCSVCksum:
		return true
	default:
		return false
	}
}

// IsASCII reports whether e is one of the text-framed encodings.
func (e Encoding) IsASCII() bool {
	return e != EncodingBinary && e != EncodingUnknown
}

var encodingNames = [...]string{
	"UNKNOWN", "BINARY", "BASE64", "BASE64+CKSUM", "HEX", "HEX+CKSUM", "CSV", "CSV+CKSUM",
}

// String returns the human-readable name of the encoding.
func (e Encoding) String() string {
	if int(e) < len(encodingNames) {
		return encodingNames[e]
	}
	return fmt.Sprintf(unknownFmt, uint8(e))
}

// downgradeTo maps an encoding to the encoding a client falls back to after
// reporting ERROR_PACKET_ENCODING: the ASCII variant one rung down,
// keeping the checksum property. Binary has nowhere to downgrade to.
var downgradeTo = map[Encoding]Encoding{
	EncodingCSVCksum:    EncodingBase64Cksum,
	EncodingCSV:         EncodingBase64,
	EncodingHexCksum:    EncodingBase64Cksum,
	EncodingHex:         EncodingBase64,
	EncodingBase64Cksum: EncodingBase64Cksum,
	EncodingBase64:      EncodingBase64,
}

// Downgrade returns the encoding a session falls back to from e, and true if
// a downgrade is possible.
func Downgrade(e Encoding) (Encoding, bool) {
	d, ok := downgradeTo[e]
	if !ok || d == e {
		return e, false
	}
	return d, true
}

// -------------------------------------------------------------------------
// Packet
// -------------------------------------------------------------------------

// Packet is a decoded OpenDMTP packet: a type byte and its payload.
type Packet struct {
	Type    Type
	Payload []byte
}

// -------------------------------------------------------------------------
// Codec Errors
// -------------------------------------------------------------------------

// Sentinel errors for packet decode failures.
var (
	// ErrInvalidHeader indicates the frame does not start with a recognized
	// sentinel byte.
	ErrInvalidHeader = errors.New("invalid packet header")
	// ErrInvalidType indicates the type byte is not a recognized packet type.
	ErrInvalidType = errors.New("invalid packet type")
	// ErrInvalidLength indicates the declared length does not match the
	// available payload bytes.
	ErrInvalidLength = errors.New("invalid packet length")
	// ErrUnsupportedEncoding indicates the requested encoding is not one
	// this codec can frame or deframe.
	ErrUnsupportedEncoding = errors.New("unsupported encoding")
	// ErrInvalidPayload indicates a payload reader moved past the declared
	// payload length, or the payload bytes failed to decode.
	ErrInvalidPayload = errors.New("invalid packet payload")
	// ErrInvalidChecksum indicates an ASCII+CKSUM packet's embedded
	// checksum does not match its body.
	ErrInvalidChecksum = errors.New("invalid packet checksum")
	// ErrShortBuffer indicates fewer bytes are available than the frame
	// declares it needs.
	ErrShortBuffer = errors.New("short buffer")
)

// ActualLength inspects the first bytes of a packet stream (at least
// HeaderSize bytes for a binary frame) and returns the total number of bytes
// the frame occupies, or -1 if prefix begins an ASCII frame (read until
// LineTerminator instead). Returns an error if prefix is too short to
// classify or carries an unrecognized sentinel.
func ActualLength(prefix []byte) (int, error) {
	if len(prefix) == 0 {
		return 0, fmt.Errorf("actual length: %w", ErrShortBuffer)
	}
	switch prefix[0] {
	case ASCIISentinel:
		return -1, nil
	case BinarySentinel:
		if len(prefix) < HeaderSize {
			return 0, fmt.Errorf("actual length: %w", ErrShortBuffer)
		}
		return HeaderSize + int(prefix[2]), nil
	default:
		return 0, fmt.Errorf("actual length: sentinel 0x%02X: %w", prefix[0], ErrInvalidHeader)
	}
}

// DecodeBinary decodes a complete binary frame (sentinel, type, length,
// payload) from buf. buf must be exactly the frame's declared length; use
// ActualLength first to determine how much to read.
func DecodeBinary(buf []byte) (Packet, error) {
	if len(buf) < HeaderSize {
		return Packet{}, fmt.Errorf("decode binary: %w", ErrShortBuffer)
	}
	if buf[0] != BinarySentinel {
		return Packet{}, fmt.Errorf("decode binary: sentinel 0x%02X: %w", buf[0], ErrInvalidHeader)
	}
	plen := int(buf[2])
	if len(buf) != HeaderSize+plen {
		return Packet{}, fmt.Errorf("decode binary: declared %d, got %d: %w",
			plen, len(buf)-HeaderSize, ErrInvalidLength)
	}
	payload := make([]byte, plen)
	copy(payload, buf[HeaderSize:])
	return Packet{Type: Type(buf[1]), Payload: payload}, nil
}

// EncodeBinary renders pkt as a binary frame.
func EncodeBinary(pkt Packet) ([]byte, error) {
	if len(pkt.Payload) > MaxPayloadLen {
		return nil, fmt.Errorf("encode binary: payload %d bytes: %w", len(pkt.Payload), ErrInvalidLength)
	}
	out := make([]byte, HeaderSize+len(pkt.Payload))
	out[0] = BinarySentinel
	out[1] = uint8(pkt.Type)
	out[2] = uint8(len(pkt.Payload))
	copy(out[HeaderSize:], pkt.Payload)
	return out, nil
}

// Decode decodes a single framed packet encoded as enc. line is the raw
// bytes for an ASCII frame (sentinel through, but excluding, the line
// terminator) or the raw bytes of a complete binary frame.
func Decode(line []byte, enc Encoding) (Packet, error) {
	if enc == EncodingBinary {
		return DecodeBinary(line)
	}
	return decodeASCII(line, enc)
}

// Encode renders pkt using enc, including the trailing line terminator for
// ASCII encodings.
func Encode(pkt Packet, enc Encoding) ([]byte, error) {
	if enc == EncodingBinary {
		return EncodeBinary(pkt)
	}
	return encodeASCII(pkt, enc)
}

// -------------------------------------------------------------------------
// Payload Cursor
// -------------------------------------------------------------------------

// Reader is a read cursor over a packet payload, exposing the typed
// accessors the FSM uses to parse event and identification payloads.
// Advancing past the end of the buffer returns ErrInvalidPayload.
type Reader struct {
	buf []byte
	pos int
}

// NewReader returns a Reader positioned at the start of buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Len returns the number of unread bytes remaining.
func (r *Reader) Len() int {
	return len(r.buf) - r.pos
}

func (r *Reader) need(n int) error {
	if r.Len() < n {
		return fmt.Errorf("reader: need %d bytes, have %d: %w", n, r.Len(), ErrInvalidPayload)
	}
	return nil
}

// Uint reads an unsigned big-endian integer of n bytes (1-4).
func (r *Reader) Uint(n int) (uint32, error) {
	if n < 1 || n > 4 {
		return 0, fmt.Errorf("reader: width %d: %w", n, ErrInvalidPayload)
	}
	if err := r.need(n); err != nil {
		return 0, err
	}
	var v uint32
	for i := 0; i < n; i++ {
		v = (v << 8) | uint32(r.buf[r.pos+i])
	}
	r.pos += n
	return v, nil
}

// Int reads a signed, two's-complement, big-endian integer of n bytes (1-4).
func (r *Reader) Int(n int) (int32, error) {
	u, err := r.Uint(n)
	if err != nil {
		return 0, err
	}
	signBit := uint32(1) << (n*8 - 1)
	if u&signBit != 0 {
		return int32(u) - int32(1<<(n*8)), nil
	}
	return int32(u), nil
}

// Uint64 reads an unsigned big-endian integer of n bytes (1-8), for fields
// wider than Uint can express (e.g. the 6-byte device unique ID).
func (r *Reader) Uint64(n int) (uint64, error) {
	if n < 1 || n > 8 {
		return 0, fmt.Errorf("reader: width %d: %w", n, ErrInvalidPayload)
	}
	if err := r.need(n); err != nil {
		return 0, err
	}
	var v uint64
	for i := 0; i < n; i++ {
		v = (v << 8) | uint64(r.buf[r.pos+i])
	}
	r.pos += n
	return v, nil
}

// Bytes reads n raw bytes.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

// String reads an n-byte fixed-length field and trims trailing NUL padding.
func (r *Reader) String(n int) (string, error) {
	b, err := r.Bytes(n)
	if err != nil {
		return "", err
	}
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return string(b[:end]), nil
}

// Remaining returns every unread byte without advancing the cursor.
func (r *Reader) Remaining() []byte {
	return r.buf[r.pos:]
}

// -------------------------------------------------------------------------
// Payload Writer
// -------------------------------------------------------------------------

// Writer builds a packet payload left to right. It never errors: callers
// are expected to keep total length <= MaxPayloadLen, checked once at the
// point the payload is attached to a Packet.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 32)}
}

// PutUint appends an unsigned big-endian integer of n bytes (1-4).
func (w *Writer) PutUint(v uint32, n int) {
	for i := n - 1; i >= 0; i-- {
		w.buf = append(w.buf, byte(v>>(8*uint(i))))
	}
}

// PutInt appends a signed, two's-complement, big-endian integer of n bytes.
func (w *Writer) PutInt(v int32, n int) {
	w.PutUint(uint32(v), n)
}

// PutBytes appends raw bytes.
func (w *Writer) PutBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// PutString appends s padded (or truncated) to exactly n bytes.
func (w *Writer) PutString(s string, n int) {
	b := make([]byte, n)
	copy(b, s)
	w.buf = append(w.buf, b...)
}

// Bytes returns the built payload.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// -------------------------------------------------------------------------
// PayloadBufferPool
// -------------------------------------------------------------------------

// PayloadBufferPool recycles MaxPacketSize buffers for session read loops.
var PayloadBufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, MaxPacketSize)
		return &buf
	},
}
