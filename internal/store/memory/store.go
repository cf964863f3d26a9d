// Package memorystore implements dmtp.Store entirely in memory: a
// reference backend for local runs, integration tests, and any deployment
// small enough that durability across restarts does not matter.
package memorystore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/khansohel/traffometer-opendmtp-server-sub000/internal/config"
	"github.com/khansohel/traffometer-opendmtp-server-sub000/internal/dmtp"
)

// PropertyRecord is one CLIENT_PROPERTY_VALUE observation recorded by the
// diagnostics sink.
type PropertyRecord struct {
	Account    string
	Device     string
	PropertyID uint32
	Value      []byte
}

// DiagnosticRecord is one CLIENT_DIAGNOSTIC observation recorded by the
// diagnostics sink.
type DiagnosticRecord struct {
	Account string
	Device  string
	Code    uint32
	Value   []byte
}

// Store is an in-memory dmtp.Store. All methods are safe for concurrent
// use; one Store is shared across every session the listener creates.
type Store struct {
	mu sync.RWMutex

	byUnique map[uint64]dmtp.DeviceIdentity
	byName   map[string]dmtp.DeviceIdentity

	events map[dmtp.EventKey]dmtp.Event

	templates map[string]map[dmtp.Type]dmtp.PayloadTemplate

	properties  []PropertyRecord
	diagnostics []DiagnosticRecord
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		byUnique:  make(map[uint64]dmtp.DeviceIdentity),
		byName:    make(map[string]dmtp.DeviceIdentity),
		events:    make(map[dmtp.EventKey]dmtp.Event),
		templates: make(map[string]map[dmtp.Type]dmtp.PayloadTemplate),
	}
}

// NewFromConfig returns a Store pre-populated with cfg.Devices, each given
// cfg.RateLimit as its starting connection-profile quota. Intended for
// cmd/dmtpd when config.StoreConfig.Driver is "memory".
func NewFromConfig(cfg *config.Config) *Store {
	s := New()
	for _, dc := range cfg.Devices {
		s.AddDevice(dc, cfg.RateLimit)
	}
	return s
}

// AddDevice registers one device identity, deriving its ConnectionProfile
// quotas from rl. A device added this way supports every encoding.
func (s *Store) AddDevice(dc config.DeviceConfig, rl config.RateLimitConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := dmtp.DeviceIdentity{
		AccountID:                dc.Account,
		DeviceID:                 dc.Device,
		UniqueID:                 dc.UniqueID,
		IsActive:                 dc.Active,
		IsAccountActive:          true,
		SupportedEncodings:       allEncodingBits(),
		LimitTimeIntervalMinutes: rl.WindowMinutes,
		MaxAllowedEvents:         rl.MaxAllowedEvents,
		Total: dmtp.ConnectionProfile{
			WindowMinutes:    rl.WindowMinutes,
			MaxConn:          rl.TotalMaxConn,
			MaxConnPerMinute: rl.TotalMaxConnPerMinute,
		},
		Duplex: dmtp.ConnectionProfile{
			WindowMinutes:    rl.WindowMinutes,
			MaxConn:          rl.DuplexMaxConn,
			MaxConnPerMinute: rl.DuplexMaxConnPerMinute,
		},
		HasDuplexProfile: true,
	}

	s.byUnique[dc.UniqueID] = id
	s.byName[nameKey(dc.Account, dc.Device)] = id
}

func allEncodingBits() uint8 {
	return dmtp.EncodingBitBinary | dmtp.EncodingBitBase64 | dmtp.EncodingBitBase64Cksum |
		dmtp.EncodingBitHex | dmtp.EncodingBitHexCksum | dmtp.EncodingBitCSV | dmtp.EncodingBitCSVCksum
}

func nameKey(account, device string) string {
	return account + "|" + device
}

// -------------------------------------------------------------------------
// DeviceStore
// -------------------------------------------------------------------------

func (s *Store) LookupByUnique(_ context.Context, uniqueID uint64) (dmtp.DeviceIdentity, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byUnique[uniqueID]
	return id, ok, nil
}

func (s *Store) LookupByName(_ context.Context, account, device string) (dmtp.DeviceIdentity, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[nameKey(account, device)]
	return id, ok, nil
}

// SaveConnectionState persists the rate-limiter mutation back onto both
// identity indexes, keeping them in sync since a device is reachable by
// either its unique ID or its (account, device) name pair.
func (s *Store) SaveConnectionState(_ context.Context, deviceID string, total dmtp.ConnectionProfile, duplex *dmtp.ConnectionProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, id := range s.byName {
		if id.DeviceID != deviceID {
			continue
		}
		id.Total = total
		if duplex != nil {
			id.Duplex = *duplex
		}
		s.byName[key] = id
		s.byUnique[id.UniqueID] = id
	}
	return nil
}

func (s *Store) SupportsEncoding(_ context.Context, deviceID string, bit uint8) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.byName {
		if id.DeviceID == deviceID {
			return id.SupportedEncodings&bit != 0, nil
		}
	}
	return false, fmt.Errorf("memorystore: device %q: %w", deviceID, ErrDeviceNotFound)
}

func (s *Store) RemoveEncoding(_ context.Context, deviceID string, bit uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, id := range s.byName {
		if id.DeviceID != deviceID {
			continue
		}
		id.SupportedEncodings &^= bit
		s.byName[key] = id
		s.byUnique[id.UniqueID] = id
	}
	return nil
}

func (s *Store) RegisterTemplate(_ context.Context, account, device string, tmpl dmtp.PayloadTemplate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := nameKey(account, device)
	byType, ok := s.templates[key]
	if !ok {
		byType = make(map[dmtp.Type]dmtp.PayloadTemplate)
		s.templates[key] = byType
	}
	byType[tmpl.CustomType] = tmpl
	return true, nil
}

func (s *Store) LookupTemplate(_ context.Context, account, device string, customType dmtp.Type) (dmtp.PayloadTemplate, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byType, ok := s.templates[nameKey(account, device)]
	if !ok {
		return dmtp.PayloadTemplate{}, false, nil
	}
	tmpl, ok := byType[customType]
	return tmpl, ok, nil
}

// -------------------------------------------------------------------------
// EventStore
// -------------------------------------------------------------------------

func (s *Store) CountEvents(_ context.Context, account, device string, fromSec, toSec uint32) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, ev := range s.events {
		if ev.AccountID == account && ev.DeviceID == device && ev.Timestamp >= fromSec && ev.Timestamp < toSec {
			count++
		}
	}
	return count, nil
}

func (s *Store) InsertEvent(_ context.Context, ev dmtp.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ev.Key()
	if _, exists := s.events[key]; exists {
		return true, nil
	}
	s.events[key] = ev
	return false, nil
}

func (s *Store) RangeEvents(_ context.Context, account, device string, from, to uint32, asc bool, limit int) ([]dmtp.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []dmtp.Event
	for _, ev := range s.events {
		if ev.AccountID == account && ev.DeviceID == device && ev.Timestamp >= from && ev.Timestamp < to {
			out = append(out, ev)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if asc {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].Timestamp > out[j].Timestamp
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// -------------------------------------------------------------------------
// Diagnostics
// -------------------------------------------------------------------------

func (s *Store) RecordProperty(_ context.Context, account, device string, propertyID uint32, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.properties = append(s.properties, PropertyRecord{Account: account, Device: device, PropertyID: propertyID, Value: cp})
	return nil
}

func (s *Store) RecordDiagnostic(_ context.Context, account, device string, code uint32, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.diagnostics = append(s.diagnostics, DiagnosticRecord{Account: account, Device: device, Code: code, Value: cp})
	return nil
}

// Properties returns a snapshot of every recorded property observation, in
// insertion order.
func (s *Store) Properties() []PropertyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PropertyRecord, len(s.properties))
	copy(out, s.properties)
	return out
}

// Diagnostics returns a snapshot of every recorded diagnostic observation,
// in insertion order.
func (s *Store) Diagnostics() []DiagnosticRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DiagnosticRecord, len(s.diagnostics))
	copy(out, s.diagnostics)
	return out
}

var _ dmtp.Store = (*Store)(nil)
