package dmtp

// candidateASCIIEncodings is the order detectEncoding tries sub-variants of
// an ASCII frame in. The sentinel byte alone doesn't name which payload
// encoding a client picked, so the first frame is parsed speculatively:
// whichever
// candidate decodes cleanly (header fields in range, checksum valid if
// present) is taken as the session's encoding. Checksum variants are tried
// before their bare counterparts so a checksummed frame that happens to
// parse under the wrong base encoding doesn't win on a checksum coincidence.
var candidateASCIIEncodings = []Encoding{
	EncodingHexCksum,
	EncodingBase64Cksum,
	EncodingCSVCksum,
	EncodingHex,
	EncodingBase64,
	EncodingCSV,
}

// detectEncoding determines a session's encoding from its first frame; the
// first packet received fixes the encoding for the rest of the session.
func detectEncoding(frame []byte) (Encoding, error) {
	if len(frame) == 0 {
		return EncodingUnknown, ErrShortBuffer
	}
	if frame[0] == BinarySentinel {
		return EncodingBinary, nil
	}
	if frame[0] != ASCIISentinel {
		return EncodingUnknown, ErrInvalidHeader
	}
	for _, enc := range candidateASCIIEncodings {
		if _, err := decodeASCII(frame, enc); err == nil {
			return enc, nil
		}
	}
	return EncodingUnknown, ErrInvalidHeader
}
