package dmtp

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
)

// Client-reported error codes carried in a TypeClientError payload.
// The protocol defines more than this; ERROR_PACKET_ENCODING is the only
// one that changes session behavior (encoding downgrade), so it is the
// only one named here.
const clientErrorPacketEncoding uint32 = 0x0001

// trimNUL drops trailing zero bytes from a fixed-length string field.
func trimNUL(b []byte) string {
	return string(bytes.TrimRight(b, "\x00"))
}

// -------------------------------------------------------------------------
// Identification
// -------------------------------------------------------------------------

func (s *Session) handleUniqueID(ctx context.Context, pkt Packet) ([]Packet, error) {
	r := NewReader(pkt.Payload)
	uniqueID, err := r.Uint64(6)
	if err != nil {
		return s.fail(NewProtocolError(NAKIDInvalid, pkt.Type, true)), nil
	}

	identity, ok, err := s.store.LookupByUnique(ctx, uniqueID)
	if err != nil || !ok {
		return s.fail(NewProtocolError(NAKIDInvalid, pkt.Type, true)), nil
	}
	return s.completeIdentification(ctx, pkt, identity)
}

func (s *Session) handleAccountID(ctx context.Context, pkt Packet) ([]Packet, error) {
	s.pendingAccountID = trimNUL(pkt.Payload)
	return s.tryResolveByName(ctx, pkt)
}

func (s *Session) handleDeviceID(ctx context.Context, pkt Packet) ([]Packet, error) {
	s.pendingDeviceID = trimNUL(pkt.Payload)
	return s.tryResolveByName(ctx, pkt)
}

func (s *Session) tryResolveByName(ctx context.Context, pkt Packet) ([]Packet, error) {
	if s.pendingAccountID == "" || s.pendingDeviceID == "" {
		return nil, nil
	}
	identity, ok, err := s.store.LookupByName(ctx, s.pendingAccountID, s.pendingDeviceID)
	if err != nil {
		return s.fail(NewProtocolError(NAKAccountInvalid, pkt.Type, true)), nil
	}
	if !ok {
		return s.fail(NewProtocolError(NAKDeviceInvalid, pkt.Type, true)), nil
	}
	return s.completeIdentification(ctx, pkt, identity)
}

func (s *Session) completeIdentification(ctx context.Context, pkt Packet, identity DeviceIdentity) ([]Packet, error) {
	if !identity.IsAccountActive {
		return s.fail(NewProtocolError(NAKAccountInactive, pkt.Type, true)), nil
	}
	if !identity.IsActive {
		return s.fail(NewProtocolError(NAKDeviceInactive, pkt.Type, true)), nil
	}

	if !identity.MarkAndValidate(s.transport.IsDuplex(), s.now()) {
		return s.fail(NewProtocolError(NAKExcessiveConnections, pkt.Type, true)), nil
	}

	var duplex *ConnectionProfile
	if s.transport.IsDuplex() && identity.HasDuplexProfile {
		duplex = &identity.Duplex
	}
	if err := s.store.SaveConnectionState(ctx, identity.DeviceID, identity.Total, duplex); err != nil {
		s.logger.Warn("save connection state failed", slog.String("error", err.Error()))
	}

	s.identity = &identity
	s.logger = s.logger.With(
		slog.String("account_id", identity.AccountID),
		slog.String("device_id", identity.DeviceID),
	)
	return nil, nil
}

// -------------------------------------------------------------------------
// Property / Diagnostic / Client Error
// -------------------------------------------------------------------------

func (s *Session) handleProperty(ctx context.Context, pkt Packet) ([]Packet, error) {
	r := NewReader(pkt.Payload)
	propertyID, err := r.Uint(4)
	if err != nil {
		return nil, nil // malformed observability packets are dropped, not NAKed
	}
	if err := s.store.RecordProperty(ctx, s.identity.AccountID, s.identity.DeviceID, propertyID, r.Remaining()); err != nil {
		s.logger.Warn("record property failed", slog.String("error", err.Error()))
	}
	return nil, nil
}

func (s *Session) handleDiagnostic(ctx context.Context, pkt Packet) ([]Packet, error) {
	r := NewReader(pkt.Payload)
	code, err := r.Uint(4)
	if err != nil {
		return nil, nil
	}
	if err := s.store.RecordDiagnostic(ctx, s.identity.AccountID, s.identity.DeviceID, code, r.Remaining()); err != nil {
		s.logger.Warn("record diagnostic failed", slog.String("error", err.Error()))
	}
	return nil, nil
}

func (s *Session) handleClientError(ctx context.Context, pkt Packet) ([]Packet, error) {
	r := NewReader(pkt.Payload)
	code, err := r.Uint(4)
	if err != nil {
		return nil, nil
	}
	_ = s.store.RecordDiagnostic(ctx, s.identity.AccountID, s.identity.DeviceID, code, r.Remaining())

	if code != clientErrorPacketEncoding {
		return nil, nil
	}

	downgraded, ok := Downgrade(s.encoding)
	if !ok {
		return nil, nil
	}
	if err := s.store.RemoveEncoding(ctx, s.identity.DeviceID, s.encoding.Bit()); err != nil {
		s.logger.Warn("remove encoding failed", slog.String("error", err.Error()))
	}
	s.identity.RemoveEncoding(s.encoding)
	s.encoding = downgraded
	return nil, nil
}

// -------------------------------------------------------------------------
// Format Definition
// -------------------------------------------------------------------------

func (s *Session) handleFormatDef(ctx context.Context, pkt Packet) ([]Packet, error) {
	r := NewReader(pkt.Payload)
	customType, err := r.Uint(1)
	if err != nil {
		return s.fail(NewProtocolError(NAKFormatDefinitionInvalid, pkt.Type, true)), nil
	}
	if Type(customType) < TypeEventCustomMin || Type(customType) > TypeEventCustomMax {
		return s.fail(NewProtocolError(NAKFormatDefinitionInvalid, pkt.Type, true)), nil
	}

	fieldCount, err := r.Uint(1)
	if err != nil || int(fieldCount)*3 > r.Len() {
		return s.fail(NewProtocolError(NAKFormatDefinitionInvalid, pkt.Type, true)), nil
	}

	fields := make([]Field, fieldCount)
	for i := range fields {
		ft, _ := r.Uint(1)
		idx, _ := r.Uint(1)
		length, _ := r.Uint(1)
		fields[i] = Field{Type: FieldType(ft), Index: uint8(idx), Length: uint8(length)}
	}

	tmpl := PayloadTemplate{CustomType: Type(customType), Fields: fields}
	if err := tmpl.Validate(); err != nil {
		return s.fail(NewProtocolError(NAKFormatDefinitionInvalid, pkt.Type, true)), nil
	}

	ok, err := s.store.RegisterTemplate(ctx, s.identity.AccountID, s.identity.DeviceID, tmpl)
	if err != nil || !ok {
		return s.fail(NewProtocolError(NAKFormatDefinitionInvalid, pkt.Type, true)), nil
	}
	return nil, nil
}

// -------------------------------------------------------------------------
// Events
// -------------------------------------------------------------------------

func (s *Session) handleEvent(ctx context.Context, pkt Packet) ([]Packet, error) {
	// A deferred error already holds the block's one allowed error slot;
	// every subsequent event is dropped until end-of-block.
	if s.deferredErr != nil {
		return nil, nil
	}

	ev, seqWidth, err := s.parseEvent(ctx, pkt)
	if err != nil {
		pe := NewProtocolError(NAKEventError, pkt.Type, true)
		s.deferredErr = &pe
		return nil, nil
	}

	if s.identity.MaxAllowedEvents > 0 {
		now := s.now()
		from := now - int64(s.identity.LimitTimeIntervalMinutes)*60
		if from < 0 {
			from = 0
		}
		count, err := s.store.CountEvents(ctx, ev.AccountID, ev.DeviceID, uint32(from), uint32(now))
		if err != nil {
			pe := NewProtocolError(NAKEventError, pkt.Type, true)
			s.deferredErr = &pe
			return nil, nil
		}
		if count >= s.identity.MaxAllowedEvents {
			pe := NewProtocolError(NAKExcessiveEvents, pkt.Type, true)
			s.deferredErr = &pe
			return nil, nil
		}
	}

	if _, err := s.store.InsertEvent(ctx, ev); err != nil {
		pe := NewProtocolError(NAKEventError, pkt.Type, true)
		s.deferredErr = &pe
		return nil, nil
	}

	// A duplicate insert is not an error for ACK purposes:
	// the block still advances its ACK sequence as if it had succeeded.
	s.hasAck = true
	s.ackSeq = ev.Sequence
	s.ackWidth = seqWidth
	return nil, nil
}

func (s *Session) parseEvent(ctx context.Context, pkt Packet) (Event, int, error) {
	if pkt.Type.IsCustomEventType() {
		return s.parseCustomEvent(ctx, pkt)
	}
	return s.parseStandardEvent(pkt)
}

// parseStandardEvent decodes the fixed-layout event types: a 4-byte
// timestamp, 2-byte status code, a standard-resolution GPS point, five
// 2/3-byte motion fields, two optional 4-byte geofence IDs, and an optional
// trailing sequence number as wide as what is left in the payload, up to
// 3 bytes.
func (s *Session) parseStandardEvent(pkt Packet) (Event, int, error) {
	r := NewReader(pkt.Payload)

	ts, err := r.Uint(4)
	if err != nil {
		return Event{}, 0, err
	}
	status, err := r.Uint(2)
	if err != nil {
		return Event{}, 0, err
	}
	gpsBuf, err := r.Bytes(6)
	if err != nil {
		return Event{}, 0, err
	}
	gp, err := DecodeGPSPoint(gpsBuf, 3)
	if err != nil {
		return Event{}, 0, err
	}
	speed, err := r.Uint(2)
	if err != nil {
		return Event{}, 0, err
	}
	heading, err := r.Uint(2)
	if err != nil {
		return Event{}, 0, err
	}
	altitude, err := r.Int(2)
	if err != nil {
		return Event{}, 0, err
	}
	distance, err := r.Uint(3)
	if err != nil {
		return Event{}, 0, err
	}
	topSpeed, err := r.Uint(2)
	if err != nil {
		return Event{}, 0, err
	}

	ev := Event{
		AccountID:  s.identity.AccountID,
		DeviceID:   s.identity.DeviceID,
		Timestamp:  ts,
		StatusCode: uint16(status),
		Point:      gp,
		SpeedKPH:   float32(speed) / 10,
		Heading:    float32(heading) / 10,
		Altitude:   float32(altitude),
		Distance:   float32(distance) / 10,
		TopSpeed:   float32(topSpeed) / 10,
		Raw:        append([]byte(nil), pkt.Payload...),
	}

	if r.Len() >= 4 {
		gf1, _ := r.Uint(4)
		ev.GeofenceID1 = gf1
	}
	if r.Len() >= 4 {
		gf2, _ := r.Uint(4)
		ev.GeofenceID2 = gf2
	}

	seqWidth := 1
	if r.Len() > 0 {
		w := r.Len()
		if w > 3 {
			w = 3
		}
		seq, err := r.Uint(w)
		if err == nil {
			ev.HasSequence = true
			ev.Sequence = seq
			ev.SeqWidth = w
			seqWidth = w
		}
	}

	return ev, seqWidth, nil
}

// Semantic slots a custom field's Index can name; unrecognized indexes are
// decoded (to keep the cursor aligned)
// but not attached to a typed Event field.
const (
	fieldIndexTimestamp = iota
	fieldIndexStatusCode
	fieldIndexGPSPoint
	fieldIndexSpeed
	fieldIndexHeading
	fieldIndexAltitude
	fieldIndexDistance
	fieldIndexTopSpeed
	fieldIndexGeofence1
	fieldIndexGeofence2
	fieldIndexSequence
)

func (s *Session) parseCustomEvent(ctx context.Context, pkt Packet) (Event, int, error) {
	tmpl, ok, err := s.store.LookupTemplate(ctx, s.identity.AccountID, s.identity.DeviceID, pkt.Type)
	if err != nil {
		return Event{}, 0, err
	}
	if !ok {
		return Event{}, 0, fmt.Errorf("no template registered for type %s: %w", pkt.Type, ErrInvalidPayload)
	}

	r := NewReader(pkt.Payload)
	ev := Event{
		AccountID:  s.identity.AccountID,
		DeviceID:   s.identity.DeviceID,
		CustomType: pkt.Type,
	}
	seqWidth := 1

	for _, f := range tmpl.Fields {
		switch f.Type {
		case FieldTypeGPSPoint:
			buf, err := r.Bytes(int(f.Length))
			if err != nil {
				return Event{}, 0, err
			}
			gp, err := DecodeGPSPoint(buf, int(f.Length)/2)
			if err != nil {
				return Event{}, 0, err
			}
			ev.Point = gp

		case FieldTypeSignedInt:
			v, err := r.Int(int(f.Length))
			if err != nil {
				return Event{}, 0, err
			}
			applyIntField(&ev, int(f.Index), v, &seqWidth, int(f.Length))

		case FieldTypeUnsignedInt:
			v, err := r.Uint(int(f.Length))
			if err != nil {
				return Event{}, 0, err
			}
			applyUintField(&ev, int(f.Index), v, &seqWidth, int(f.Length))

		case FieldTypeString, FieldTypeBinary:
			if _, err := r.Bytes(int(f.Length)); err != nil {
				return Event{}, 0, err
			}
		}
	}

	ev.Raw = append([]byte(nil), pkt.Payload...)
	return ev, seqWidth, nil
}

func applyUintField(ev *Event, index int, v uint32, seqWidth *int, width int) {
	switch index {
	case fieldIndexTimestamp:
		ev.Timestamp = v
	case fieldIndexStatusCode:
		ev.StatusCode = uint16(v)
	case fieldIndexSpeed:
		ev.SpeedKPH = float32(v) / 10
	case fieldIndexHeading:
		ev.Heading = float32(v) / 10
	case fieldIndexDistance:
		ev.Distance = float32(v) / 10
	case fieldIndexTopSpeed:
		ev.TopSpeed = float32(v) / 10
	case fieldIndexGeofence1:
		ev.GeofenceID1 = v
	case fieldIndexGeofence2:
		ev.GeofenceID2 = v
	case fieldIndexSequence:
		ev.HasSequence = true
		ev.Sequence = v
		ev.SeqWidth = width
		*seqWidth = width
	}
}

func applyIntField(ev *Event, index int, v int32, seqWidth *int, width int) {
	if index == fieldIndexAltitude {
		ev.Altitude = float32(v)
		return
	}
	applyUintField(ev, index, uint32(v), seqWidth, width)
}

// -------------------------------------------------------------------------
// End of Block
// -------------------------------------------------------------------------

func (s *Session) handleEOB(_ context.Context, pkt Packet, isDone bool) ([]Packet, error) {
	payloadInvalid := false
	checksumFailed := false

	if s.encoding == EncodingBinary {
		switch len(pkt.Payload) {
		case 0:
		case 2:
			checksumFailed = !s.pendingChecksumOK
		default:
			payloadInvalid = true
		}
	}
	s.fletcher.Reset() // reset only at block boundaries

	var resp []Packet
	switch {
	case payloadInvalid:
		resp = append(resp, NewProtocolError(NAKPacketPayload, pkt.Type, true).Packet())
	case checksumFailed:
		resp = append(resp, NewProtocolError(NAKBlockChecksum, pkt.Type, true).Packet())
	case s.hasAck:
		resp = append(resp, s.ackPacket())
	}

	if s.deferredErr != nil {
		resp = append(resp, s.deferredErr.Packet())
		s.deferredErr = nil
	}

	if isDone {
		resp = append(resp, Packet{Type: TypeServerEOT})
		s.terminate = true
	} else {
		resp = append(resp, Packet{Type: TypeServerEOB})
	}

	s.hasAck = false
	return resp, nil
}

func (s *Session) ackPacket() Packet {
	w := NewWriter()
	w.PutUint(s.ackSeq, s.ackWidth)
	return Packet{Type: TypeServerACK, Payload: w.Bytes()}
}
