package netio

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/khansohel/traffometer-opendmtp-server-sub000/internal/dmtp"
)

// handleDatagram owns one UDP datagram end to end. OpenDMTP simplex
// clients may bundle several packets back to back in a single datagram,
// so the datagram is split into individual frames and each is run through
// the same dmtp.Session (a fresh session per datagram, even for a
// repeated source address; no session state survives across datagrams). Responses are
// built and counted but never written back, since UDP carries no return
// path for the server.
func (l *Listener) handleDatagram(ctx context.Context, peer string, data []byte) {
	frames, err := splitFrames(data, l.cfg.MaxPacketBytes)
	if err != nil {
		l.logger.Debug("split datagram", slog.String("peer", peer), slog.String("error", err.Error()))
	}
	if len(frames) == 0 {
		return
	}

	traceID := newTraceID()
	sess := l.newSession(dmtp.TransportDatagram, peer, traceID)

	logger := l.logger.With(slog.String("peer", peer), slog.String("session_id", traceID))

	l.metrics.RegisterSession(dmtp.TransportDatagram.String())
	defer l.metrics.UnregisterSession(dmtp.TransportDatagram.String())

	for _, frame := range frames {
		l.metrics.IncPacketsReceived(dmtp.TransportDatagram.String())

		prevEncoding := sess.Encoding()
		resp, err := sess.Handle(ctx, frame)
		if err != nil {
			logger.Debug("handle frame", slog.String("error", err.Error()))
			return
		}
		l.observeEncodingDowngrade(prevEncoding, sess.Encoding())
		l.observeResponses(resp)

		for _, pkt := range resp {
			l.metrics.IncPacketsSent(dmtp.TransportDatagram.String(), pkt.Type.String())
		}

		if sess.Terminated() {
			return
		}
	}
}

// splitFrames carves buf, a complete UDP datagram, into individual
// OpenDMTP frames. It returns the frames successfully parsed before any
// error, so a malformed trailing frame does not discard good ones that
// preceded it.
func splitFrames(buf []byte, maxLen int) ([][]byte, error) {
	var frames [][]byte

	for len(buf) > 0 {
		switch buf[0] {
		case dmtp.ASCIISentinel:
			idx := bytes.IndexByte(buf, dmtp.LineTerminator)
			if idx < 0 {
				return frames, fmt.Errorf("netio: split frames: %w", dmtp.ErrShortBuffer)
			}
			if idx > maxLen {
				return frames, ErrFrameTooLarge
			}
			frames = append(frames, buf[:idx])
			buf = buf[idx+1:]

		case dmtp.BinarySentinel:
			if len(buf) < dmtp.HeaderSize {
				return frames, fmt.Errorf("netio: split frames: %w", dmtp.ErrShortBuffer)
			}
			total, err := dmtp.ActualLength(buf[:dmtp.HeaderSize])
			if err != nil {
				return frames, fmt.Errorf("netio: split frames: %w", err)
			}
			if total > maxLen {
				return frames, ErrFrameTooLarge
			}
			if len(buf) < total {
				return frames, fmt.Errorf("netio: split frames: %w", dmtp.ErrShortBuffer)
			}
			frames = append(frames, buf[:total])
			buf = buf[total:]

		default:
			return frames, fmt.Errorf("netio: split frames: sentinel 0x%02X: %w", buf[0], dmtp.ErrInvalidHeader)
		}
	}

	return frames, nil
}
