package dmtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// -------------------------------------------------------------------------
// Transport
// -------------------------------------------------------------------------

// Transport distinguishes the two ways a Session can be carried.
type Transport uint8

const (
	// TransportStream is a duplex, connection-oriented (TCP) session.
	TransportStream Transport = iota
	// TransportDatagram is a simplex, connectionless (UDP) session; server
	// responses are built but never flushed back to the peer.
	TransportDatagram
)

func (t Transport) String() string {
	if t == TransportStream {
		return "stream"
	}
	return "datagram"
}

// IsDuplex reports whether t carries server responses.
func (t Transport) IsDuplex() bool {
	return t == TransportStream
}

// -------------------------------------------------------------------------
// Session Errors
// -------------------------------------------------------------------------

var (
	// ErrSessionTerminated indicates Handle was called after the session
	// already reached TERMINATED.
	ErrSessionTerminated = errors.New("session terminated")
	// ErrUnexpectedPacket indicates pt is not legal in the session's
	// current state.
	ErrUnexpectedPacket = errors.New("unexpected packet for session state")
)

// -------------------------------------------------------------------------
// Session Options — functional options pattern
// -------------------------------------------------------------------------

// SessionOption configures optional Session parameters.
type SessionOption func(*Session)

// WithLogger attaches a structured logger. Nil is ignored.
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the session's source of wall-clock seconds, for
// deterministic rate-limiter tests.
func WithClock(now func() int64) SessionOption {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTraceID attaches an external trace identifier (typically a
// github.com/google/uuid value minted by the listener) instead of letting
// the session generate none.
func WithTraceID(id string) SessionOption {
	return func(s *Session) {
		s.traceID = id
	}
}

// -------------------------------------------------------------------------
// Session
// -------------------------------------------------------------------------

// Session is a single connection's protocol runtime state. It is
// created on accept/receive, owned exclusively by the worker goroutine that
// drives it, and destroyed on terminate or transport close. No session data
// is read or written across worker boundaries.
type Session struct {
	logger    *slog.Logger
	store     Store
	transport Transport
	peer      string
	traceID   string
	now       func() int64

	state    State
	encoding Encoding
	fletcher Fletcher16

	identity         *DeviceIdentity
	pendingAccountID string
	pendingDeviceID  string

	hasAck   bool
	ackSeq   uint32
	ackWidth int

	deferredErr *ProtocolError

	// pendingChecksumOK holds the outcome of the binary block-checksum
	// check computed by Handle before dispatch reaches handleEOB.
	pendingChecksumOK bool

	onStateChange StateCallback

	terminate bool
}

// NewSession constructs a Session for one accepted connection or received
// datagram. store must be safe for concurrent calls; it is shared
// across every session the listener creates.
func NewSession(transport Transport, peer string, store Store, opts ...SessionOption) *Session {
	s := &Session{
		store:     store,
		transport: transport,
		peer:      peer,
		state:     StateAwaitIdent,
		encoding:  EncodingUnknown,
		logger:    slog.Default(),
		now:       defaultClock,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("peer", peer), slog.String("transport", transport.String()))
	if s.traceID != "" {
		s.logger = s.logger.With(slog.String("session_id", s.traceID))
	}
	return s
}

// State returns the session's current FSM state.
func (s *Session) State() State {
	return s.state
}

// Terminated reports whether the session has reached TERMINATED and should
// not be handed any further frames.
func (s *Session) Terminated() bool {
	return s.terminate
}

// Encoding returns the session's negotiated wire encoding, or
// EncodingUnknown before the first frame has been handled.
func (s *Session) Encoding() Encoding {
	return s.encoding
}

// Handle decodes one complete frame (a binary frame, or the bytes of one
// ASCII line excluding the terminator) and returns the packets to write
// back to the peer, in order. For a datagram session the caller builds but
// never flushes these (simplex discards responses).
func (s *Session) Handle(ctx context.Context, frame []byte) ([]Packet, error) {
	if s.terminate {
		return nil, fmt.Errorf("handle: %w", ErrSessionTerminated)
	}

	if s.encoding == EncodingUnknown {
		enc, err := detectEncoding(frame)
		if err != nil {
			s.terminate = true
			return []Packet{NewProtocolError(NAKProtocolError, 0, false).Packet()}, nil
		}
		s.encoding = enc
	}

	pkt, checksumOK, decodeErr := s.decodeFrame(frame)
	if decodeErr != nil {
		s.terminate = true
		return []Packet{NewProtocolError(NAKProtocolError, 0, false).Packet()}, nil
	}
	s.pendingChecksumOK = checksumOK

	if !Allowed(s.state, pkt.Type) {
		return s.fail(NewProtocolError(NAKPacketType, pkt.Type, true)), nil
	}

	resp, err := s.dispatch(ctx, pkt)
	if err != nil {
		return nil, err
	}
	from := s.state
	switch {
	case s.terminate:
		// fail() already forced StateTerminated; Next() ignores current
		// state and must not be allowed to revive it.
	case s.state == StateAwaitIdent && s.identity != nil:
		// Identification can complete on either the single CLIENT_UNIQUE_ID
		// packet or the second of the CLIENT_ACCOUNT_ID/CLIENT_DEVICE_ID
		// pair; either way the FSM leaves AWAIT_IDENT the moment identity
		// resolution succeeds, not on a fixed packet type.
		s.state = StateIdentified
	default:
		s.state = Next(s.state, pkt.Type)
	}
	if s.onStateChange != nil {
		s.onStateChange(StateChange{TraceID: s.traceID, From: from, To: s.state, Packet: pkt.Type})
	}
	return resp, nil
}

// decodeFrame decodes frame per the session's negotiated encoding. For
// EncodingBinary it also advances the block Fletcher checksum: every
// packet's bytes are fed in, except the two trailing checksum bytes of an
// EOB/EOT packet, and checksumOK reports whether those trailing bytes (when
// present) matched.
func (s *Session) decodeFrame(frame []byte) (pkt Packet, checksumOK bool, err error) {
	if s.encoding != EncodingBinary {
		pkt, err = Decode(frame, s.encoding)
		return pkt, true, err
	}

	pkt, err = DecodeBinary(frame)
	if err != nil {
		return Packet{}, false, err
	}

	isEOB := pkt.Type == TypeClientEOBMore || pkt.Type == TypeClientEOBDone
	if !isEOB {
		_, _ = s.fletcher.Write(frame)
		return pkt, true, nil
	}

	switch len(pkt.Payload) {
	case 0:
		_, _ = s.fletcher.Write(frame[:HeaderSize])
		return pkt, true, nil
	case 2:
		_, _ = s.fletcher.Write(frame[:HeaderSize])
		ok := s.fletcher.ValidateAppended(pkt.Payload[0], pkt.Payload[1])
		return pkt, ok, nil
	default:
		// Any other payload length is handleEOB's call to answer with
		// NAK_PACKET_PAYLOAD; it is not a framing error, so the packet
		// still reaches dispatch.
		_, _ = s.fletcher.Write(frame[:HeaderSize])
		return pkt, false, nil
	}
}

// dispatch routes pkt to its handler. The FSM transition table has already
// confirmed pkt.Type is legal in s.state.
func (s *Session) dispatch(ctx context.Context, pkt Packet) ([]Packet, error) {
	switch {
	case pkt.Type == TypeClientUniqueID:
		return s.handleUniqueID(ctx, pkt)
	case pkt.Type == TypeClientAccountID:
		return s.handleAccountID(ctx, pkt)
	case pkt.Type == TypeClientDeviceID:
		return s.handleDeviceID(ctx, pkt)
	case pkt.Type == TypeClientPropertyValue:
		return s.handleProperty(ctx, pkt)
	case pkt.Type == TypeClientDiagnostic:
		return s.handleDiagnostic(ctx, pkt)
	case pkt.Type == TypeClientError:
		return s.handleClientError(ctx, pkt)
	case pkt.Type == TypeClientFormatDef24:
		return s.handleFormatDef(ctx, pkt)
	case pkt.Type.IsEventType():
		return s.handleEvent(ctx, pkt)
	case pkt.Type == TypeClientEOBMore:
		return s.handleEOB(ctx, pkt, false)
	case pkt.Type == TypeClientEOBDone:
		return s.handleEOB(ctx, pkt, true)
	default:
		return s.fail(NewProtocolError(NAKPacketType, pkt.Type, true)), nil
	}
}

// fail builds the response for a ProtocolError, terminating the session if
// the code requires it.
func (s *Session) fail(pe ProtocolError) []Packet {
	if pe.Code.Terminates() {
		s.state = StateTerminated
		s.terminate = true
	}
	return []Packet{pe.Packet()}
}

func defaultClock() int64 {
	return time.Now().Unix()
}
