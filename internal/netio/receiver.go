package netio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/khansohel/traffometer-opendmtp-server-sub000/internal/dmtp"
)

// handleConn owns one accepted TCP connection end to end: it builds the
// session, enforces the session/idle/packet timeout classes, drives frames
// through
// dmtp.Session.Handle, and writes responses back to the peer.
func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetLinger(l.cfg.LingerSeconds); err != nil {
			l.logger.Warn("set linger", slog.String("error", err.Error()))
		}
	}

	peer := conn.RemoteAddr().String()
	traceID := newTraceID()
	sess := l.newSession(dmtp.TransportStream, peer, traceID)

	logger := l.logger.With(slog.String("peer", peer), slog.String("session_id", traceID))

	l.metrics.RegisterSession(dmtp.TransportStream.String())
	defer l.metrics.UnregisterSession(dmtp.TransportStream.String())

	deadline := time.Now().Add(l.cfg.SessionTimeoutTCP)
	br := bufio.NewReaderSize(conn, l.cfg.MaxPacketBytes)

	for {
		if time.Now().After(deadline) {
			logger.Debug("session wall-clock timeout")
			return
		}

		frame, err := readFrame(br, conn, l.cfg.IdleTimeout, l.cfg.PacketTimeout, l.cfg.MaxPacketBytes)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("read frame", slog.String("error", err.Error()))
			}
			return
		}

		l.metrics.IncPacketsReceived(dmtp.TransportStream.String())

		prevEncoding := sess.Encoding()
		resp, err := sess.Handle(ctx, frame)
		if err != nil {
			logger.Debug("handle frame", slog.String("error", err.Error()))
			return
		}
		l.observeEncodingDowngrade(prevEncoding, sess.Encoding())
		l.observeResponses(resp)

		for _, pkt := range resp {
			buf, err := dmtp.Encode(pkt, sess.Encoding())
			if err != nil {
				logger.Warn("encode response", slog.String("error", err.Error()))
				return
			}
			if _, err := conn.Write(buf); err != nil {
				logger.Debug("write response", slog.String("error", err.Error()))
				return
			}
			l.metrics.IncPacketsSent(dmtp.TransportStream.String(), pkt.Type.String())
		}

		if sess.Terminated() {
			return
		}
	}
}

// readFrame reads exactly one OpenDMTP frame from br: it waits up to idle
// for the frame's first byte, then bounds the remainder of the read by
// packetTimeout. Binary frames are sized via dmtp.ActualLength;
// ASCII frames are read up to the line terminator.
func readFrame(br *bufio.Reader, conn net.Conn, idle, packetTimeout time.Duration, maxLen int) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
		return nil, fmt.Errorf("netio: set idle deadline: %w", err)
	}

	first, err := br.Peek(1)
	if err != nil {
		return nil, err
	}

	if err := conn.SetReadDeadline(time.Now().Add(packetTimeout)); err != nil {
		return nil, fmt.Errorf("netio: set packet deadline: %w", err)
	}

	switch first[0] {
	case dmtp.ASCIISentinel:
		line, err := br.ReadBytes(dmtp.LineTerminator)
		if err != nil {
			return nil, fmt.Errorf("netio: read ascii frame: %w", err)
		}
		if len(line) > maxLen {
			return nil, ErrFrameTooLarge
		}
		return line[:len(line)-1], nil

	case dmtp.BinarySentinel:
		header := make([]byte, dmtp.HeaderSize)
		if _, err := io.ReadFull(br, header); err != nil {
			return nil, fmt.Errorf("netio: read binary header: %w", err)
		}
		total, err := dmtp.ActualLength(header)
		if err != nil {
			return nil, fmt.Errorf("netio: frame header: %w", err)
		}
		if total > maxLen {
			return nil, ErrFrameTooLarge
		}
		frame := make([]byte, total)
		copy(frame, header)
		if _, err := io.ReadFull(br, frame[dmtp.HeaderSize:]); err != nil {
			return nil, fmt.Errorf("netio: read binary payload: %w", err)
		}
		return frame, nil

	default:
		return nil, fmt.Errorf("netio: sentinel 0x%02X: %w", first[0], dmtp.ErrInvalidHeader)
	}
}

// observeResponses updates NAK/rate-limiter metrics from the server-error
// packets a Handle call produced.
func (l *Listener) observeResponses(resp []dmtp.Packet) {
	for _, pkt := range resp {
		code, ok := nakCodeFromPacket(pkt)
		if !ok {
			continue
		}
		l.metrics.IncNAK(code.String())
		if code == dmtp.NAKExcessiveConnections {
			l.metrics.IncRateLimiterDenial()
		}
	}
}

// observeEncodingDowngrade increments the downgrade counter when a
// session's negotiated encoding fell back after a CLIENT_ERROR report
//.
func (l *Listener) observeEncodingDowngrade(before, after dmtp.Encoding) {
	if before != dmtp.EncodingUnknown && after != before {
		l.metrics.IncEncodingDowngrade()
	}
}

// nakCodeFromPacket extracts the NAK code from a TypeServerError packet's
// payload (the code is the first two big-endian bytes).
func nakCodeFromPacket(pkt dmtp.Packet) (dmtp.NAKCode, bool) {
	if pkt.Type != dmtp.TypeServerError || len(pkt.Payload) < 2 {
		return 0, false
	}
	return dmtp.NAKCode(uint16(pkt.Payload[0])<<8 | uint16(pkt.Payload[1])), true
}
