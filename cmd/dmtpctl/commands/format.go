package commands

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/khansohel/traffometer-opendmtp-server-sub000/internal/dmtp"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatResponse renders the packets a probe received back from dmtpd in
// the requested format. An empty slice (the UDP case, or a TCP probe that
// got no response before its deadline) still renders cleanly.
func formatResponse(packets []dmtp.Packet, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatResponseJSON(packets)
	case formatTable:
		return formatResponseTable(packets), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatResponseTable(packets []dmtp.Packet) string {
	if len(packets) == 0 {
		return "(no response)"
	}

	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tDETAIL")
	for _, pkt := range packets {
		fmt.Fprintf(w, "%s\t%s\n", pkt.Type, describePayload(pkt))
	}
	_ = w.Flush()
	return strings.TrimRight(buf.String(), "\n")
}

func formatResponseJSON(packets []dmtp.Packet) (string, error) {
	views := make([]packetView, len(packets))
	for i, pkt := range packets {
		views[i] = packetToView(pkt)
	}
	data, err := json.MarshalIndent(views, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal response to JSON: %w", err)
	}
	return string(data), nil
}

// packetView is the JSON rendering of one decoded response packet.
type packetView struct {
	Type    string `json:"type"`
	Detail  string `json:"detail,omitempty"`
	Payload string `json:"payload_hex,omitempty"`
}

func packetToView(pkt dmtp.Packet) packetView {
	return packetView{
		Type:    pkt.Type.String(),
		Detail:  describePayload(pkt),
		Payload: hex.EncodeToString(pkt.Payload),
	}
}

// describePayload interprets a response packet's payload where the wire
// format is known (ACK sequence number, server-error NAK code and
// offending type); everything else falls back to a length note.
func describePayload(pkt dmtp.Packet) string {
	switch pkt.Type {
	case dmtp.TypeServerACK:
		return describeACK(pkt.Payload)
	case dmtp.TypeServerError:
		return describeServerError(pkt.Payload)
	case dmtp.TypeServerEOB, dmtp.TypeServerEOT:
		return ""
	default:
		return fmt.Sprintf("%d byte payload", len(pkt.Payload))
	}
}

func describeACK(payload []byte) string {
	if len(payload) == 0 {
		return "seq=0 (no sequence numbering in this block)"
	}
	r := dmtp.NewReader(payload)
	seq, err := r.Uint(len(payload))
	if err != nil {
		return fmt.Sprintf("malformed ACK payload (%d bytes)", len(payload))
	}
	return fmt.Sprintf("seq=%d", seq)
}

func describeServerError(payload []byte) string {
	r := dmtp.NewReader(payload)
	code, err := r.Uint(2)
	if err != nil {
		return "malformed server-error payload"
	}
	nak := dmtp.NAKCode(code)

	detail := nak.String()
	if offending, err := r.Uint(1); err == nil {
		detail += fmt.Sprintf(" (offending type 0x%02X)", offending)
	}
	if nak.Terminates() {
		detail += " [terminates session]"
	}
	return detail
}
