// Package pgstore implements dmtp.Store on PostgreSQL via pgx/v5's
// connection pool. See schema.sql for the expected table layout.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/khansohel/traffometer-opendmtp-server-sub000/internal/dmtp"
)

// Store is a PostgreSQL-backed dmtp.Store.
type Store struct {
	pool *pgxpool.Pool
}

// New parses dsn, opens a connection pool, and verifies connectivity with
// Ping before returning. Callers must call Close when done.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// -------------------------------------------------------------------------
// DeviceStore
// -------------------------------------------------------------------------

const deviceColumns = `account_id, device_id, unique_id, is_active, is_account_active,
	supported_encodings, limit_time_interval_minutes, max_allowed_events,
	total_window_minutes, total_max_conn, total_max_conn_per_minute, total_mask, total_last_connect_sec,
	has_duplex_profile, duplex_window_minutes, duplex_max_conn, duplex_max_conn_per_minute,
	duplex_mask, duplex_last_connect_sec`

func (s *Store) LookupByUnique(ctx context.Context, uniqueID uint64) (dmtp.DeviceIdentity, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE unique_id = $1`, uniqueID)
	return scanDevice(row)
}

func (s *Store) LookupByName(ctx context.Context, account, device string) (dmtp.DeviceIdentity, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE account_id = $1 AND device_id = $2`, account, device)
	return scanDevice(row)
}

func scanDevice(row pgx.Row) (dmtp.DeviceIdentity, bool, error) {
	var (
		id         dmtp.DeviceIdentity
		totalMask  []byte
		duplexMask []byte
	)
	err := row.Scan(
		&id.AccountID, &id.DeviceID, &id.UniqueID, &id.IsActive, &id.IsAccountActive,
		&id.SupportedEncodings, &id.LimitTimeIntervalMinutes, &id.MaxAllowedEvents,
		&id.Total.WindowMinutes, &id.Total.MaxConn, &id.Total.MaxConnPerMinute, &totalMask, &id.Total.LastConnectSec,
		&id.HasDuplexProfile, &id.Duplex.WindowMinutes, &id.Duplex.MaxConn, &id.Duplex.MaxConnPerMinute,
		&duplexMask, &id.Duplex.LastConnectSec,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return dmtp.DeviceIdentity{}, false, nil
	}
	if err != nil {
		return dmtp.DeviceIdentity{}, false, fmt.Errorf("pgstore: scan device: %w", err)
	}
	id.Total.Mask = dmtp.ConnMaskFromBytes(totalMask)
	id.Duplex.Mask = dmtp.ConnMaskFromBytes(duplexMask)
	return id, true, nil
}

func (s *Store) SaveConnectionState(ctx context.Context, deviceID string, total dmtp.ConnectionProfile, duplex *dmtp.ConnectionProfile) error {
	if duplex != nil {
		_, err := s.pool.Exec(ctx, `
			UPDATE devices SET
				total_mask = $2, total_last_connect_sec = $3,
				duplex_mask = $4, duplex_last_connect_sec = $5
			WHERE device_id = $1`,
			deviceID, total.Mask.Bytes(), total.LastConnectSec, duplex.Mask.Bytes(), duplex.LastConnectSec)
		if err != nil {
			return fmt.Errorf("pgstore: save connection state: %w", err)
		}
		return nil
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE devices SET total_mask = $2, total_last_connect_sec = $3
		WHERE device_id = $1`,
		deviceID, total.Mask.Bytes(), total.LastConnectSec)
	if err != nil {
		return fmt.Errorf("pgstore: save connection state: %w", err)
	}
	return nil
}

func (s *Store) SupportsEncoding(ctx context.Context, deviceID string, bit uint8) (bool, error) {
	var mask uint8
	err := s.pool.QueryRow(ctx, `SELECT supported_encodings FROM devices WHERE device_id = $1`, deviceID).Scan(&mask)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("pgstore: device %q: %w", deviceID, ErrDeviceNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("pgstore: supports encoding: %w", err)
	}
	return mask&bit != 0, nil
}

func (s *Store) RemoveEncoding(ctx context.Context, deviceID string, bit uint8) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE devices SET supported_encodings = supported_encodings & ~$2::smallint
		WHERE device_id = $1`, deviceID, int16(bit))
	if err != nil {
		return fmt.Errorf("pgstore: remove encoding: %w", err)
	}
	return nil
}

func (s *Store) RegisterTemplate(ctx context.Context, account, device string, tmpl dmtp.PayloadTemplate) (bool, error) {
	fields, err := json.Marshal(tmpl.Fields)
	if err != nil {
		return false, fmt.Errorf("pgstore: marshal template fields: %w", err)
	}

	var inserted bool
	err = s.pool.QueryRow(ctx, `
		INSERT INTO payload_templates (account_id, device_id, custom_type, fields)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, device_id, custom_type) DO UPDATE SET fields = EXCLUDED.fields
		RETURNING (xmax = 0)`,
		account, device, tmpl.CustomType, fields).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("pgstore: register template: %w", err)
	}
	return inserted, nil
}

func (s *Store) LookupTemplate(ctx context.Context, account, device string, customType dmtp.Type) (dmtp.PayloadTemplate, bool, error) {
	var fields []byte
	err := s.pool.QueryRow(ctx, `
		SELECT fields FROM payload_templates
		WHERE account_id = $1 AND device_id = $2 AND custom_type = $3`,
		account, device, customType).Scan(&fields)
	if errors.Is(err, pgx.ErrNoRows) {
		return dmtp.PayloadTemplate{}, false, nil
	}
	if err != nil {
		return dmtp.PayloadTemplate{}, false, fmt.Errorf("pgstore: lookup template: %w", err)
	}

	var tmplFields []dmtp.Field
	if err := json.Unmarshal(fields, &tmplFields); err != nil {
		return dmtp.PayloadTemplate{}, false, fmt.Errorf("pgstore: unmarshal template fields: %w", err)
	}
	return dmtp.PayloadTemplate{CustomType: customType, Fields: tmplFields}, true, nil
}

// -------------------------------------------------------------------------
// EventStore
// -------------------------------------------------------------------------

func (s *Store) CountEvents(ctx context.Context, account, device string, fromSec, toSec uint32) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM events
		WHERE account_id = $1 AND device_id = $2 AND "timestamp" >= $3 AND "timestamp" < $4`,
		account, device, fromSec, toSec).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("pgstore: count events: %w", err)
	}
	return count, nil
}

func (s *Store) InsertEvent(ctx context.Context, ev dmtp.Event) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO events (
			account_id, device_id, custom_type, "timestamp", status_code,
			point_lat, point_lon, speed_kph, heading, altitude, distance, top_speed,
			geofence_id1, geofence_id2, has_sequence, sequence, seq_width, raw
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (account_id, device_id, "timestamp", status_code) DO NOTHING`,
		ev.AccountID, ev.DeviceID, ev.CustomType, ev.Timestamp, ev.StatusCode,
		ev.Point.Latitude, ev.Point.Longitude, ev.SpeedKPH, ev.Heading, ev.Altitude, ev.Distance, ev.TopSpeed,
		ev.GeofenceID1, ev.GeofenceID2, ev.HasSequence, ev.Sequence, ev.SeqWidth, ev.Raw)
	if err != nil {
		return false, fmt.Errorf("pgstore: insert event: %w", err)
	}
	return tag.RowsAffected() == 0, nil
}

func (s *Store) RangeEvents(ctx context.Context, account, device string, from, to uint32, asc bool, limit int) ([]dmtp.Event, error) {
	order := "DESC"
	if asc {
		order = "ASC"
	}

	query := fmt.Sprintf(`
		SELECT account_id, device_id, custom_type, "timestamp", status_code,
			point_lat, point_lon, speed_kph, heading, altitude, distance, top_speed,
			geofence_id1, geofence_id2, has_sequence, sequence, seq_width, raw
		FROM events
		WHERE account_id = $1 AND device_id = $2 AND "timestamp" >= $3 AND "timestamp" < $4
		ORDER BY "timestamp" %s`, order)

	args := []any{account, device, from, to}
	if limit > 0 {
		query += " LIMIT $5"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: range events: %w", err)
	}
	defer rows.Close()

	var out []dmtp.Event
	for rows.Next() {
		var ev dmtp.Event
		if err := rows.Scan(
			&ev.AccountID, &ev.DeviceID, &ev.CustomType, &ev.Timestamp, &ev.StatusCode,
			&ev.Point.Latitude, &ev.Point.Longitude, &ev.SpeedKPH, &ev.Heading, &ev.Altitude, &ev.Distance, &ev.TopSpeed,
			&ev.GeofenceID1, &ev.GeofenceID2, &ev.HasSequence, &ev.Sequence, &ev.SeqWidth, &ev.Raw,
		); err != nil {
			return nil, fmt.Errorf("pgstore: scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: range events: %w", err)
	}
	return out, nil
}

// -------------------------------------------------------------------------
// Diagnostics
// -------------------------------------------------------------------------

func (s *Store) RecordProperty(ctx context.Context, account, device string, propertyID uint32, value []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO properties (account_id, device_id, property_id, value) VALUES ($1, $2, $3, $4)`,
		account, device, propertyID, value)
	if err != nil {
		return fmt.Errorf("pgstore: record property: %w", err)
	}
	return nil
}

func (s *Store) RecordDiagnostic(ctx context.Context, account, device string, code uint32, value []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO diagnostics (account_id, device_id, code, value) VALUES ($1, $2, $3, $4)`,
		account, device, code, value)
	if err != nil {
		return fmt.Errorf("pgstore: record diagnostic: %w", err)
	}
	return nil
}

var _ dmtp.Store = (*Store)(nil)
