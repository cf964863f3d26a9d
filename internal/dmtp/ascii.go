package dmtp

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// ASCII framing: a packet body is
//
//	$<hex-type><hex-plen><hex-payload>[*<hex-fletcher>]\r
//
// or the base64/csv analogues, which substitute the payload encoding but
// keep the two-hex-digit type and length fields and the optional trailing
// "*<F0><F1>" checksum, each a two-hex-digit byte.

const (
	asciiTypeLen = 2
	asciiLenLen  = 2
	cksumSep     = '*'
)

// decodeASCII decodes line, the bytes of one ASCII frame starting at
// ASCIISentinel and excluding the trailing LineTerminator.
func decodeASCII(line []byte, enc Encoding) (Packet, error) {
	if len(line) == 0 || line[0] != ASCIISentinel {
		return Packet{}, fmt.Errorf("decode ascii: %w", ErrInvalidHeader)
	}
	body := line[1:]

	var cksumField []byte
	if enc.HasChecksum() {
		idx := indexByte(body, cksumSep)
		if idx < 0 {
			return Packet{}, fmt.Errorf("decode ascii: missing checksum separator: %w", ErrInvalidChecksum)
		}
		cksumField = body[idx+1:]
		body = body[:idx]
	}

	if len(body) < asciiTypeLen+asciiLenLen {
		return Packet{}, fmt.Errorf("decode ascii: %w", ErrInvalidLength)
	}

	typeByte, err := decodeHexByte(body[:asciiTypeLen])
	if err != nil {
		return Packet{}, fmt.Errorf("decode ascii: type field: %w", ErrInvalidType)
	}
	plenByte, err := decodeHexByte(body[asciiTypeLen : asciiTypeLen+asciiLenLen])
	if err != nil {
		return Packet{}, fmt.Errorf("decode ascii: length field: %w", ErrInvalidLength)
	}

	payloadField := body[asciiTypeLen+asciiLenLen:]
	payload, err := decodePayloadField(payloadField, enc)
	if err != nil {
		return Packet{}, err
	}
	if len(payload) != int(plenByte) {
		return Packet{}, fmt.Errorf("decode ascii: declared %d, decoded %d: %w",
			plenByte, len(payload), ErrInvalidLength)
	}

	if enc.HasChecksum() {
		if err := verifyASCIIChecksum(line[:len(line)-len(cksumField)-1], cksumField); err != nil {
			return Packet{}, err
		}
	}

	return Packet{Type: Type(typeByte), Payload: payload}, nil
}

// encodeASCII renders pkt using enc, including the leading sentinel and the
// trailing line terminator.
func encodeASCII(pkt Packet, enc Encoding) ([]byte, error) {
	if len(pkt.Payload) > MaxPayloadLen {
		return nil, fmt.Errorf("encode ascii: payload %d bytes: %w", len(pkt.Payload), ErrInvalidLength)
	}

	var sb strings.Builder
	sb.WriteByte(ASCIISentinel)
	sb.WriteString(encodeHexByte(uint8(pkt.Type)))
	sb.WriteString(encodeHexByte(uint8(len(pkt.Payload))))
	sb.WriteString(encodePayloadField(pkt.Payload, enc))

	out := []byte(sb.String())
	if enc.HasChecksum() {
		var f Fletcher16
		_, _ = f.Write(out[1:]) // checksum covers the body, not the sentinel
		f0, f1 := f.Bytes()
		out = append(out, cksumSep)
		out = append(out, []byte(encodeHexByte(f0))...)
		out = append(out, []byte(encodeHexByte(f1))...)
	}
	out = append(out, LineTerminator)
	return out, nil
}

// verifyASCIIChecksum checks cksumField (4 hex chars: F0 then F1) against
// the Fletcher-16 checksum of body (the ASCII bytes after the sentinel, up
// to but excluding the "*" separator).
func verifyASCIIChecksum(frameWithSentinel []byte, cksumField []byte) error {
	if len(cksumField) != 4 {
		return fmt.Errorf("decode ascii: checksum field length %d: %w", len(cksumField), ErrInvalidChecksum)
	}
	f0, err := decodeHexByte(cksumField[0:2])
	if err != nil {
		return fmt.Errorf("decode ascii: checksum field: %w", ErrInvalidChecksum)
	}
	f1, err := decodeHexByte(cksumField[2:4])
	if err != nil {
		return fmt.Errorf("decode ascii: checksum field: %w", ErrInvalidChecksum)
	}

	var f Fletcher16
	_, _ = f.Write(frameWithSentinel[1:]) // exclude the leading sentinel byte
	if !f.ValidateAppended(f0, f1) {
		return fmt.Errorf("decode ascii: %w", ErrInvalidChecksum)
	}
	return nil
}

func decodePayloadField(field []byte, enc Encoding) ([]byte, error) {
	switch baseEncoding(enc) {
	case EncodingHex:
		b, err := hex.DecodeString(string(field))
		if err != nil {
			return nil, fmt.Errorf("decode ascii: hex payload: %w", ErrInvalidPayload)
		}
		return b, nil
	case EncodingBase64:
		b, err := base64.StdEncoding.DecodeString(string(field))
		if err != nil {
			return nil, fmt.Errorf("decode ascii: base64 payload: %w", ErrInvalidPayload)
		}
		return b, nil
	case EncodingCSV:
		return decodeCSVPayload(field)
	default:
		return nil, fmt.Errorf("decode ascii: encoding %s: %w", enc, ErrUnsupportedEncoding)
	}
}

func encodePayloadField(payload []byte, enc Encoding) string {
	switch baseEncoding(enc) {
	case EncodingHex:
		return hex.EncodeToString(payload)
	case EncodingBase64:
		return base64.StdEncoding.EncodeToString(payload)
	case EncodingCSV:
		return encodeCSVPayload(payload)
	default:
		return ""
	}
}

// baseEncoding strips the +CKSUM suffix, returning the underlying payload
// encoding (HEX, BASE64, or CSV).
func baseEncoding(enc Encoding) Encoding {
	switch enc {
	case EncodingHexCksum:
		return EncodingHex
	case EncodingBase64Cksum:
		return EncodingBase64
	case EncodingCSVCksum:
		return EncodingCSV
	default:
		return enc
	}
}

func decodeCSVPayload(field []byte) ([]byte, error) {
	if len(field) == 0 {
		return []byte{}, nil
	}
	parts := strings.Split(string(field), ",")
	out := make([]byte, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("decode ascii: csv payload: %w", ErrInvalidPayload)
		}
		out[i] = byte(v)
	}
	return out, nil
}

func encodeCSVPayload(payload []byte) string {
	parts := make([]string, len(payload))
	for i, b := range payload {
		parts[i] = strconv.Itoa(int(b))
	}
	return strings.Join(parts, ",")
}

func decodeHexByte(field []byte) (byte, error) {
	b, err := hex.DecodeString(string(field))
	if err != nil || len(b) != 1 {
		return 0, ErrInvalidPayload
	}
	return b[0], nil
}

func encodeHexByte(b byte) string {
	return hex.EncodeToString([]byte{b})
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
