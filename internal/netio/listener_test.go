package netio_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/khansohel/traffometer-opendmtp-server-sub000/internal/config"
	"github.com/khansohel/traffometer-opendmtp-server-sub000/internal/dmtp"
	dmtpmetrics "github.com/khansohel/traffometer-opendmtp-server-sub000/internal/metrics"
	"github.com/khansohel/traffometer-opendmtp-server-sub000/internal/netio"
	memorystore "github.com/khansohel/traffometer-opendmtp-server-sub000/internal/store/memory"
)

func testListenerConfig() config.ListenerConfig {
	return config.ListenerConfig{
		Port:              0, // kernel-assigned, read back via Addr/PacketAddr
		IdleTimeout:       2 * time.Second,
		PacketTimeout:     time.Second,
		SessionTimeoutTCP: 5 * time.Second,
		SessionTimeoutUDP: 5 * time.Second,
		LingerSeconds:     1,
		MaxPacketBytes:    dmtp.MaxPacketSize,
		MinPacketBytes:    dmtp.HeaderSize,
	}
}

// startListener binds a Listener on loopback, runs it, and returns it plus
// the seeded store. Cleanup stops the listener and waits for Run to return
// so the goroutine-leak check sees a quiet process.
func startListener(t *testing.T) (*netio.Listener, *memorystore.Store) {
	t.Helper()

	store := memorystore.New()
	store.AddDevice(
		config.DeviceConfig{Account: "demo", Device: "m1", UniqueID: 99, Active: true},
		config.RateLimitConfig{
			WindowMinutes: 60,
			TotalMaxConn:  100, TotalMaxConnPerMinute: 100,
			DuplexMaxConn: 100, DuplexMaxConnPerMinute: 100,
		},
	)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	collector := dmtpmetrics.NewCollector(prometheus.NewRegistry())

	factory := func(transport dmtp.Transport, peer, traceID string) *dmtp.Session {
		return dmtp.NewSession(transport, peer, store,
			dmtp.WithLogger(logger),
			dmtp.WithTraceID(traceID),
		)
	}

	ln, err := netio.New(testListenerConfig(), logger, collector, factory)
	if err != nil {
		t.Fatalf("netio.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ln.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})

	return ln, store
}

func encodeFrame(t *testing.T, pkt dmtp.Packet) []byte {
	t.Helper()
	buf, err := dmtp.EncodeBinary(pkt)
	if err != nil {
		t.Fatalf("EncodeBinary: %v", err)
	}
	return buf
}

func eventPayload(t *testing.T, ts uint32) []byte {
	t.Helper()
	w := dmtp.NewWriter()
	w.PutUint(ts, 4)
	w.PutUint(0xF020, 2)
	gps, err := dmtp.EncodeGPSPoint(dmtp.GPSPoint{Latitude: 34.05, Longitude: -118.25}, 3)
	if err != nil {
		t.Fatalf("EncodeGPSPoint: %v", err)
	}
	w.PutBytes(gps)
	w.PutUint(0, 2)
	w.PutUint(0, 2)
	w.PutInt(0, 2)
	w.PutUint(0, 3)
	w.PutUint(0, 2)
	return w.Bytes()
}

func uniqueIDFrame(t *testing.T, id uint64) []byte {
	t.Helper()
	w := dmtp.NewWriter()
	w.PutUint(uint32(id>>32), 2)
	w.PutUint(uint32(id), 4)
	return encodeFrame(t, dmtp.Packet{Type: dmtp.TypeClientUniqueID, Payload: w.Bytes()})
}

// parseResponses walks a byte stream of concatenated binary frames.
func parseResponses(t *testing.T, data []byte) []dmtp.Packet {
	t.Helper()
	var out []dmtp.Packet
	for len(data) > 0 {
		if len(data) < dmtp.HeaderSize {
			t.Fatalf("trailing partial frame: %x", data)
		}
		total, err := dmtp.ActualLength(data[:dmtp.HeaderSize])
		if err != nil {
			t.Fatalf("ActualLength: %v", err)
		}
		pkt, err := dmtp.DecodeBinary(data[:total])
		if err != nil {
			t.Fatalf("DecodeBinary: %v", err)
		}
		out = append(out, pkt)
		data = data[total:]
	}
	return out
}

// TestListenerTCPDuplexBlock drives one full duplex block over a real TCP
// connection: identification, one event, EOB_DONE with a valid Fletcher
// checksum, expecting ACK then EOT back and one event in the store.
func TestListenerTCPDuplexBlock(t *testing.T) {
	t.Parallel()

	ln, store := startListener(t)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frames := [][]byte{
		uniqueIDFrame(t, 99),
		encodeFrame(t, dmtp.Packet{Type: dmtp.TypeEventStandardMin, Payload: eventPayload(t, 0x65000000)}),
	}

	var fletcher dmtp.Fletcher16
	for _, frame := range frames {
		if _, err := conn.Write(frame); err != nil {
			t.Fatalf("write: %v", err)
		}
		_, _ = fletcher.Write(frame)
	}

	eobHeader := []byte{dmtp.BinarySentinel, byte(dmtp.TypeClientEOBDone), 2}
	_, _ = fletcher.Write(eobHeader)
	f0, f1 := fletcher.Bytes()
	if _, err := conn.Write(append(eobHeader, f0, f1)); err != nil {
		t.Fatalf("write eob: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read responses: %v", err)
	}

	resp := parseResponses(t, data)
	if len(resp) != 2 {
		t.Fatalf("responses = %v, want [ACK, EOT]", resp)
	}
	if resp[0].Type != dmtp.TypeServerACK {
		t.Errorf("resp[0].Type = %s, want ACK", resp[0].Type)
	}
	if resp[1].Type != dmtp.TypeServerEOT {
		t.Errorf("resp[1].Type = %s, want EOT", resp[1].Type)
	}

	count, err := store.CountEvents(context.Background(), "demo", "m1", 0, ^uint32(0))
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if count != 1 {
		t.Errorf("store has %d events, want 1", count)
	}
}

// TestListenerTCPUnknownDevice expects a NAK_ID_INVALID error packet and a
// closed connection when the unique ID resolves to nothing.
func TestListenerTCPUnknownDevice(t *testing.T) {
	t.Parallel()

	ln, _ := startListener(t)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(uniqueIDFrame(t, 424242)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read responses: %v", err)
	}

	resp := parseResponses(t, data)
	if len(resp) != 1 || resp[0].Type != dmtp.TypeServerError {
		t.Fatalf("responses = %v, want exactly one ERROR packet", resp)
	}
	r := dmtp.NewReader(resp[0].Payload)
	code, err := r.Uint(2)
	if err != nil {
		t.Fatalf("decode NAK code: %v", err)
	}
	if dmtp.NAKCode(code) != dmtp.NAKIDInvalid {
		t.Errorf("NAK code = %s, want NAK_ID_INVALID", dmtp.NAKCode(code))
	}
}

// TestListenerUDPSimplexDatagram sends identification plus three events in
// one datagram and waits for them to land in the store. No response frames
// are expected on the return path.
func TestListenerUDPSimplexDatagram(t *testing.T) {
	t.Parallel()

	ln, store := startListener(t)

	conn, err := net.Dial("udp", ln.PacketAddr().String())
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	defer conn.Close()

	var datagram []byte
	datagram = append(datagram, uniqueIDFrame(t, 99)...)
	for i := 0; i < 3; i++ {
		datagram = append(datagram, encodeFrame(t, dmtp.Packet{
			Type:    dmtp.TypeEventStandardMin,
			Payload: eventPayload(t, uint32(0x65100000+i*60)),
		})...)
	}

	if _, err := conn.Write(datagram); err != nil {
		t.Fatalf("write datagram: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		count, err := store.CountEvents(context.Background(), "demo", "m1", 0, ^uint32(0))
		if err != nil {
			t.Fatalf("CountEvents: %v", err)
		}
		if count == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("store has %d events, want 3 before deadline", count)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Simplex: nothing must come back.
	_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 64)
	if n, err := conn.Read(buf); err == nil {
		t.Errorf("unexpected %d response bytes on simplex transport: %x", n, buf[:n])
	}
}
