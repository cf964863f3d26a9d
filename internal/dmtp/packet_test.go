package dmtp_test

import (
	"bytes"
	"testing"

	"github.com/khansohel/traffometer-opendmtp-server-sub000/internal/dmtp"
)

func TestEncodeDecodeBinaryRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		pkt  dmtp.Packet
	}{
		{"empty payload", dmtp.Packet{Type: dmtp.TypeClientEOBMore}},
		{"unique id", dmtp.Packet{Type: dmtp.TypeClientUniqueID, Payload: []byte{1, 2, 3, 4, 5, 6}}},
		{"max payload", dmtp.Packet{Type: dmtp.TypeEventStandardMin, Payload: bytes.Repeat([]byte{0xAB}, dmtp.MaxPayloadLen)}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			buf, err := dmtp.EncodeBinary(tt.pkt)
			if err != nil {
				t.Fatalf("EncodeBinary: %v", err)
			}
			got, err := dmtp.DecodeBinary(buf)
			if err != nil {
				t.Fatalf("DecodeBinary: %v", err)
			}
			if got.Type != tt.pkt.Type || !bytes.Equal(got.Payload, tt.pkt.Payload) {
				t.Errorf("round trip = %+v, want %+v", got, tt.pkt)
			}
		})
	}
}

func TestEncodeBinaryRejectsOversizedPayload(t *testing.T) {
	t.Parallel()

	_, err := dmtp.EncodeBinary(dmtp.Packet{
		Type:    dmtp.TypeEventStandardMin,
		Payload: bytes.Repeat([]byte{0}, dmtp.MaxPayloadLen+1),
	})
	if err == nil {
		t.Fatal("EncodeBinary with oversized payload: want error, got nil")
	}
}

func TestDecodeBinaryRejectsBadSentinel(t *testing.T) {
	t.Parallel()

	_, err := dmtp.DecodeBinary([]byte{0x00, 0x01, 0x00})
	if err == nil {
		t.Fatal("DecodeBinary with bad sentinel: want error, got nil")
	}
}

func TestActualLength(t *testing.T) {
	t.Parallel()

	n, err := dmtp.ActualLength([]byte{dmtp.BinarySentinel, 0x10, 0x05})
	if err != nil {
		t.Fatalf("ActualLength: %v", err)
	}
	if n != dmtp.HeaderSize+5 {
		t.Errorf("ActualLength = %d, want %d", n, dmtp.HeaderSize+5)
	}

	n, err = dmtp.ActualLength([]byte{dmtp.ASCIISentinel})
	if err != nil {
		t.Fatalf("ActualLength (ascii): %v", err)
	}
	if n != -1 {
		t.Errorf("ActualLength (ascii) = %d, want -1", n)
	}

	if _, err := dmtp.ActualLength([]byte{0xFF}); err == nil {
		t.Error("ActualLength with unrecognized sentinel: want error, got nil")
	}
}

func TestEncodeDecodeASCIIRoundTrip(t *testing.T) {
	t.Parallel()

	encodings := []dmtp.Encoding{
		dmtp.EncodingHex, dmtp.EncodingHexCksum,
		dmtp.EncodingBase64, dmtp.EncodingBase64Cksum,
		dmtp.EncodingCSV, dmtp.EncodingCSVCksum,
	}

	for _, enc := range encodings {
		enc := enc
		t.Run(enc.String(), func(t *testing.T) {
			t.Parallel()

			pkt := dmtp.Packet{Type: dmtp.TypeClientAccountID, Payload: []byte("acme-fleet")}
			line, err := dmtp.Encode(pkt, enc)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if line[len(line)-1] != dmtp.LineTerminator {
				t.Fatalf("Encode: missing trailing terminator")
			}

			got, err := dmtp.Decode(line[:len(line)-1], enc)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got.Type != pkt.Type || !bytes.Equal(got.Payload, pkt.Payload) {
				t.Errorf("round trip = %+v, want %+v", got, pkt)
			}
		})
	}
}

func TestDecodeASCIIRejectsTamperedChecksum(t *testing.T) {
	t.Parallel()

	pkt := dmtp.Packet{Type: dmtp.TypeClientAccountID, Payload: []byte("acme-fleet")}
	line, err := dmtp.Encode(pkt, dmtp.EncodingHexCksum)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	line = line[:len(line)-1]
	line[len(line)-1] ^= 0xFF // flip the last checksum hex digit

	if _, err := dmtp.Decode(line, dmtp.EncodingHexCksum); err == nil {
		t.Fatal("Decode with tampered checksum: want error, got nil")
	}
}

func TestDowngrade(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from   dmtp.Encoding
		wantTo dmtp.Encoding
		wantOK bool
	}{
		{dmtp.EncodingCSVCksum, dmtp.EncodingBase64Cksum, true},
		{dmtp.EncodingCSV, dmtp.EncodingBase64, true},
		{dmtp.EncodingHexCksum, dmtp.EncodingBase64Cksum, true},
		{dmtp.EncodingBase64, dmtp.EncodingBase64, false},
		{dmtp.EncodingBinary, dmtp.EncodingBinary, false},
	}
	for _, tt := range tests {
		got, ok := dmtp.Downgrade(tt.from)
		if ok != tt.wantOK || got != tt.wantTo {
			t.Errorf("Downgrade(%s) = (%s, %v), want (%s, %v)", tt.from, got, ok, tt.wantTo, tt.wantOK)
		}
	}
}

func TestReaderWriterRoundTrip(t *testing.T) {
	t.Parallel()

	w := dmtp.NewWriter()
	w.PutUint(0x01020304, 4)
	w.PutInt(-1, 2)
	w.PutString("dev1", 8)
	w.PutBytes([]byte{0xAA, 0xBB})

	r := dmtp.NewReader(w.Bytes())
	u, err := r.Uint(4)
	if err != nil || u != 0x01020304 {
		t.Fatalf("Uint(4) = (%d, %v), want (0x01020304, nil)", u, err)
	}
	i, err := r.Int(2)
	if err != nil || i != -1 {
		t.Fatalf("Int(2) = (%d, %v), want (-1, nil)", i, err)
	}
	s, err := r.String(8)
	if err != nil || s != "dev1" {
		t.Fatalf("String(8) = (%q, %v), want (dev1, nil)", s, err)
	}
	rest := r.Remaining()
	if !bytes.Equal(rest, []byte{0xAA, 0xBB}) {
		t.Fatalf("Remaining() = %v, want [0xAA 0xBB]", rest)
	}
}

func TestReaderUint64(t *testing.T) {
	t.Parallel()

	buf := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05}
	r := dmtp.NewReader(buf)
	v, err := r.Uint64(6)
	if err != nil {
		t.Fatalf("Uint64(6): %v", err)
	}
	if want := uint64(0x000102030405); v != want {
		t.Errorf("Uint64(6) = %#x, want %#x", v, want)
	}
}

func TestReaderShortBufferError(t *testing.T) {
	t.Parallel()

	r := dmtp.NewReader([]byte{0x01})
	if _, err := r.Uint(4); err == nil {
		t.Fatal("Uint(4) on 1-byte buffer: want error, got nil")
	}
}
