package commands

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/khansohel/traffometer-opendmtp-server-sub000/internal/dmtp"
)

// probeOptions collects the identification and event fields a probe run
// assembles into a wire block.
type probeOptions struct {
	account    string
	device     string
	uniqueID   uint64
	encoding   string
	lat        float64
	lon        float64
	speedKPH   float64
	heading    float64
	altitude   float64
	statusCode uint16
	events     int
	more       bool
	timeout    time.Duration
}

var encodingNames = map[string]dmtp.Encoding{
	"binary":      dmtp.EncodingBinary,
	"base64":      dmtp.EncodingBase64,
	"base64cksum": dmtp.EncodingBase64Cksum,
	"hex":         dmtp.EncodingHex,
	"hexcksum":    dmtp.EncodingHexCksum,
	"csv":         dmtp.EncodingCSV,
	"csvcksum":    dmtp.EncodingCSVCksum,
}

func probeCmd() *cobra.Command {
	opts := probeOptions{}

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Send a synthetic OpenDMTP block to a running dmtpd",
		Long: "Builds an identification packet, one or more standard event packets, and an " +
			"end-of-block packet, frames them with the chosen encoding, and sends them at --addr " +
			"over --proto. The decoded ACK/NAK/EOB/EOT response is printed in --format.",
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runProbe(opts)
		},
	}

	cmd.Flags().StringVar(&opts.account, "account", "", "account ID (ignored if --unique-id is set)")
	cmd.Flags().StringVar(&opts.device, "device", "", "device ID (ignored if --unique-id is set)")
	cmd.Flags().Uint64Var(&opts.uniqueID, "unique-id", 0, "6-byte unique ID; identifies by unique ID instead of account/device")
	cmd.Flags().StringVar(&opts.encoding, "encoding", "binary",
		"frame encoding: binary, base64, base64cksum, hex, hexcksum, csv, csvcksum")
	cmd.Flags().Float64Var(&opts.lat, "lat", 37.3861, "event latitude")
	cmd.Flags().Float64Var(&opts.lon, "lon", -122.0839, "event longitude")
	cmd.Flags().Float64Var(&opts.speedKPH, "speed", 0, "event speed in km/h")
	cmd.Flags().Float64Var(&opts.heading, "heading", 0, "event heading in degrees")
	cmd.Flags().Float64Var(&opts.altitude, "altitude", 0, "event altitude in meters")
	cmd.Flags().Uint16Var(&opts.statusCode, "status", 0, "event status code")
	cmd.Flags().IntVar(&opts.events, "events", 1, "number of standard event packets to send in the block")
	cmd.Flags().BoolVar(&opts.more, "more", false, "send CLIENT_EOB_MORE instead of CLIENT_EOB_DONE")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "overall dial/send/receive timeout")

	return cmd
}

func runProbe(opts probeOptions) error {
	enc, ok := encodingNames[opts.encoding]
	if !ok {
		return fmt.Errorf("unknown encoding %q", opts.encoding)
	}

	frames, err := buildBlock(opts, enc)
	if err != nil {
		return fmt.Errorf("build block: %w", err)
	}

	packets, err := sendBlock(serverAddr, proto, enc, frames, opts.timeout)
	if err != nil {
		return fmt.Errorf("send block: %w", err)
	}

	out, err := formatResponse(packets, outputFormat)
	if err != nil {
		return fmt.Errorf("format response: %w", err)
	}
	fmt.Println(out)
	return nil
}

// buildBlock assembles the identification packet(s), opts.events standard
// event packets, and the closing end-of-block packet, each encoded as enc.
func buildBlock(opts probeOptions, enc dmtp.Encoding) ([][]byte, error) {
	var pkts []dmtp.Packet

	if opts.uniqueID != 0 {
		w := dmtp.NewWriter()
		putUint64(w, opts.uniqueID, 6)
		pkts = append(pkts, dmtp.Packet{Type: dmtp.TypeClientUniqueID, Payload: w.Bytes()})
	} else {
		pkts = append(pkts,
			dmtp.Packet{Type: dmtp.TypeClientAccountID, Payload: []byte(opts.account)},
			dmtp.Packet{Type: dmtp.TypeClientDeviceID, Payload: []byte(opts.device)},
		)
	}

	for i := 0; i < opts.events; i++ {
		pkts = append(pkts, standardEventPacket(opts))
	}

	eobType := dmtp.TypeClientEOBDone
	if opts.more {
		eobType = dmtp.TypeClientEOBMore
	}

	frames := make([][]byte, 0, len(pkts)+1)
	var fletcher dmtp.Fletcher16
	for _, pkt := range pkts {
		frame, err := dmtp.Encode(pkt, enc)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", pkt.Type, err)
		}
		if enc == dmtp.EncodingBinary {
			fletcher.Write(frame)
		}
		frames = append(frames, frame)
	}

	eobFrame, err := encodeClosingFrame(eobType, enc, &fletcher)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", eobType, err)
	}
	frames = append(frames, eobFrame)
	return frames, nil
}

// encodeClosingFrame builds the block's final CLIENT_EOB_MORE/DONE packet.
// For binary encoding it carries a 2-byte Fletcher-16 checksum over every
// preceding frame plus its own 3-byte header, matching
// Session.decodeFrame's validation on the server side.
// ASCII encodings need no block-wide checksum: each ASCII+CKSUM frame
// already carries its own per-packet checksum via dmtp.Encode.
func encodeClosingFrame(eobType dmtp.Type, enc dmtp.Encoding, fletcher *dmtp.Fletcher16) ([]byte, error) {
	if enc != dmtp.EncodingBinary {
		return dmtp.Encode(dmtp.Packet{Type: eobType}, enc)
	}
	header := []byte{dmtp.BinarySentinel, byte(eobType), 2}
	fletcher.Write(header)
	f0, f1 := fletcher.Bytes()
	return append(header, f0, f1), nil
}

// standardEventPacket builds a TypeEventStandardMin payload matching the
// fixed layout the server's parseStandardEvent expects: timestamp, status,
// GPS point, five motion fields (speed and heading scaled by 10, altitude,
// and zero distance and top speed).
func standardEventPacket(opts probeOptions) dmtp.Packet {
	w := dmtp.NewWriter()
	w.PutUint(uint32(nowUnix()), 4)
	w.PutUint(uint32(opts.statusCode), 2)
	gps, _ := dmtp.EncodeGPSPoint(dmtp.GPSPoint{Latitude: opts.lat, Longitude: opts.lon}, 3)
	w.PutBytes(gps)
	w.PutUint(uint32(opts.speedKPH*10), 2)
	w.PutUint(uint32(opts.heading*10), 2)
	w.PutInt(int32(opts.altitude), 2)
	w.PutUint(uint32(0), 3) // distance
	w.PutUint(uint32(0), 2) // top speed
	return dmtp.Packet{Type: dmtp.TypeEventStandardMin, Payload: w.Bytes()}
}

// sendBlock dials addr over proto, writes frames in order, and (for TCP
// only, UDP being simplex) reads and decodes whatever response
// frames arrive before timeout elapses or the connection closes.
func sendBlock(addr, proto string, enc dmtp.Encoding, frames [][]byte, timeout time.Duration) ([]dmtp.Packet, error) {
	conn, err := net.DialTimeout(proto, addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", proto, addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	for _, frame := range frames {
		if _, err := conn.Write(frame); err != nil {
			return nil, fmt.Errorf("write frame: %w", err)
		}
	}

	if proto == "udp" {
		return nil, nil
	}

	return readResponses(conn, enc)
}

// readResponses reads decoded response packets from r until a terminating
// packet (EOT or a terminating NAK) is seen, the connection is closed, or
// the connection's deadline (set by the caller) expires.
func readResponses(r io.Reader, enc dmtp.Encoding) ([]dmtp.Packet, error) {
	br := bufio.NewReader(r)
	var out []dmtp.Packet

	for {
		pkt, err := readFrame(br, enc)
		if err != nil {
			if errors.Is(err, io.EOF) || isTimeout(err) {
				return out, nil
			}
			return out, err
		}
		out = append(out, pkt)

		if pkt.Type == dmtp.TypeServerEOT {
			return out, nil
		}
		if pkt.Type == dmtp.TypeServerError {
			nr := dmtp.NewReader(pkt.Payload)
			if code, err := nr.Uint(2); err == nil && dmtp.NAKCode(code).Terminates() {
				return out, nil
			}
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// readFrame reads one complete frame from br, binary or ASCII, and decodes
// it as enc.
func readFrame(br *bufio.Reader, enc dmtp.Encoding) (dmtp.Packet, error) {
	if enc == dmtp.EncodingBinary {
		prefix := make([]byte, dmtp.HeaderSize)
		if _, err := io.ReadFull(br, prefix); err != nil {
			return dmtp.Packet{}, err
		}
		total, err := dmtp.ActualLength(prefix)
		if err != nil {
			return dmtp.Packet{}, err
		}
		buf := make([]byte, total)
		copy(buf, prefix)
		if _, err := io.ReadFull(br, buf[dmtp.HeaderSize:]); err != nil {
			return dmtp.Packet{}, err
		}
		return dmtp.DecodeBinary(buf)
	}

	line, err := br.ReadBytes(dmtp.LineTerminator)
	if err != nil {
		return dmtp.Packet{}, err
	}
	line = line[:len(line)-1]
	return dmtp.Decode(line, enc)
}

// nowUnix is a package-level var so tests can override it; production code
// always uses the real wall clock.
var nowUnix = func() int64 { return time.Now().Unix() }

// putUint64 appends an unsigned big-endian integer of n bytes (up to 8),
// for fields (the 6-byte unique ID) too wide for Writer.PutUint's uint32.
func putUint64(w *dmtp.Writer, v uint64, n int) {
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	w.PutBytes(b)
}
