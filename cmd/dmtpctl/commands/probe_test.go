package commands

import (
	"testing"

	"github.com/khansohel/traffometer-opendmtp-server-sub000/internal/dmtp"
)

func decodeFrames(t *testing.T, frames [][]byte, enc dmtp.Encoding) []dmtp.Packet {
	t.Helper()
	var pkts []dmtp.Packet
	for _, frame := range frames {
		line := frame
		if enc != dmtp.EncodingBinary {
			line = frame[:len(frame)-1] // strip LineTerminator
		}
		pkt, err := dmtp.Decode(line, enc)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		pkts = append(pkts, pkt)
	}
	return pkts
}

func TestBuildBlockAccountDeviceBinary(t *testing.T) {
	opts := probeOptions{account: "acct1", device: "dev1", encoding: "binary", events: 2, lat: 1.5, lon: -2.5}
	frames, err := buildBlock(opts, dmtp.EncodingBinary)
	if err != nil {
		t.Fatalf("buildBlock: %v", err)
	}
	// account, device, 2 events, EOB = 5 frames.
	if len(frames) != 5 {
		t.Fatalf("want 5 frames, got %d", len(frames))
	}

	pkts := decodeFrames(t, frames, dmtp.EncodingBinary)
	if pkts[0].Type != dmtp.TypeClientAccountID || string(pkts[0].Payload) != "acct1" {
		t.Errorf("unexpected account packet: %+v", pkts[0])
	}
	if pkts[1].Type != dmtp.TypeClientDeviceID || string(pkts[1].Payload) != "dev1" {
		t.Errorf("unexpected device packet: %+v", pkts[1])
	}
	for _, pkt := range pkts[2:4] {
		if pkt.Type != dmtp.TypeEventStandardMin {
			t.Errorf("expected standard event packet, got %s", pkt.Type)
		}
	}
	eob := pkts[len(pkts)-1]
	if eob.Type != dmtp.TypeClientEOBDone {
		t.Fatalf("expected closing EOB_DONE, got %s", eob.Type)
	}
	if len(eob.Payload) != 2 {
		t.Fatalf("binary EOB should carry a 2-byte block checksum, got %d bytes", len(eob.Payload))
	}
}

func TestBuildBlockUniqueIDMore(t *testing.T) {
	opts := probeOptions{uniqueID: 0x112233445566, encoding: "hexcksum", events: 1, more: true}
	frames, err := buildBlock(opts, dmtp.EncodingHexCksum)
	if err != nil {
		t.Fatalf("buildBlock: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("want 3 frames (unique id, event, EOB), got %d", len(frames))
	}

	pkts := decodeFrames(t, frames, dmtp.EncodingHexCksum)
	if pkts[0].Type != dmtp.TypeClientUniqueID {
		t.Fatalf("expected unique ID packet, got %s", pkts[0].Type)
	}
	w := dmtp.NewReader(pkts[0].Payload)
	uid, err := w.Uint64(6)
	if err != nil || uid != opts.uniqueID {
		t.Errorf("unique ID round-trip: got %d, err %v", uid, err)
	}
	if pkts[len(pkts)-1].Type != dmtp.TypeClientEOBMore {
		t.Fatalf("expected EOB_MORE, got %s", pkts[len(pkts)-1].Type)
	}
}

func TestStandardEventPacketRoundTrip(t *testing.T) {
	opts := probeOptions{lat: 40.7128, lon: -74.0060, speedKPH: 55.5, heading: 270, altitude: -12, statusCode: 7}
	pkt := standardEventPacket(opts)
	if pkt.Type != dmtp.TypeEventStandardMin {
		t.Fatalf("unexpected type %s", pkt.Type)
	}

	r := dmtp.NewReader(pkt.Payload)
	if _, err := r.Uint(4); err != nil {
		t.Fatalf("timestamp: %v", err)
	}
	status, err := r.Uint(2)
	if err != nil || status != uint32(opts.statusCode) {
		t.Errorf("status code: got %d, err %v", status, err)
	}
	gpsBuf, err := r.Bytes(6)
	if err != nil {
		t.Fatalf("gps bytes: %v", err)
	}
	gp, err := dmtp.DecodeGPSPoint(gpsBuf, 3)
	if err != nil {
		t.Fatalf("decode gps: %v", err)
	}
	if diff := gp.Latitude - opts.lat; diff > 0.001 || diff < -0.001 {
		t.Errorf("latitude round-trip: want %f, got %f", opts.lat, gp.Latitude)
	}
}

func TestFormatResponseTable(t *testing.T) {
	packets := []dmtp.Packet{
		{Type: dmtp.TypeServerACK, Payload: []byte{0x00, 0x01}},
		{Type: dmtp.TypeServerEOT},
	}
	out, err := formatResponse(packets, formatTable)
	if err != nil {
		t.Fatalf("formatResponse: %v", err)
	}
	if out == "" {
		t.Fatal("expected non-empty table output")
	}
}

func TestFormatResponseUnsupported(t *testing.T) {
	if _, err := formatResponse(nil, "xml"); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}
