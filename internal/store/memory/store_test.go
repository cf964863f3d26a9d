package memorystore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/khansohel/traffometer-opendmtp-server-sub000/internal/config"
	"github.com/khansohel/traffometer-opendmtp-server-sub000/internal/dmtp"
	memorystore "github.com/khansohel/traffometer-opendmtp-server-sub000/internal/store/memory"
)

func TestLookupByUniqueAndName(t *testing.T) {
	t.Parallel()

	s := memorystore.New()
	s.AddDevice(config.DeviceConfig{Account: "acct", Device: "dev1", UniqueID: 42, Active: true}, config.DefaultConfig().RateLimit)

	id, ok, err := s.LookupByUnique(context.Background(), 42)
	if err != nil || !ok {
		t.Fatalf("LookupByUnique: ok=%v err=%v", ok, err)
	}
	if id.DeviceID != "dev1" {
		t.Errorf("DeviceID = %q, want dev1", id.DeviceID)
	}

	id2, ok, err := s.LookupByName(context.Background(), "acct", "dev1")
	if err != nil || !ok {
		t.Fatalf("LookupByName: ok=%v err=%v", ok, err)
	}
	if id2.UniqueID != 42 {
		t.Errorf("UniqueID = %d, want 42", id2.UniqueID)
	}

	_, ok, err = s.LookupByUnique(context.Background(), 999)
	if err != nil || ok {
		t.Errorf("LookupByUnique(999): ok=%v err=%v, want ok=false", ok, err)
	}
}

func TestSaveConnectionStateSyncsBothIndexes(t *testing.T) {
	t.Parallel()

	s := memorystore.New()
	s.AddDevice(config.DeviceConfig{Account: "acct", Device: "dev1", UniqueID: 7, Active: true}, config.DefaultConfig().RateLimit)

	newTotal := dmtp.ConnectionProfile{Mask: dmtp.ConnMask{0b101}, WindowMinutes: 60, LastConnectSec: 1000}
	if err := s.SaveConnectionState(context.Background(), "dev1", newTotal, nil); err != nil {
		t.Fatalf("SaveConnectionState: %v", err)
	}

	byUnique, _, _ := s.LookupByUnique(context.Background(), 7)
	byName, _, _ := s.LookupByName(context.Background(), "acct", "dev1")

	if byUnique.Total.Mask != newTotal.Mask || byName.Total.Mask != newTotal.Mask {
		t.Errorf("Total.Mask not synced: byUnique=%v byName=%v", byUnique.Total.Mask, byName.Total.Mask)
	}
}

func TestSupportsAndRemoveEncoding(t *testing.T) {
	t.Parallel()

	s := memorystore.New()
	s.AddDevice(config.DeviceConfig{Account: "acct", Device: "dev1", UniqueID: 1, Active: true}, config.DefaultConfig().RateLimit)

	ok, err := s.SupportsEncoding(context.Background(), "dev1", dmtp.EncodingBitCSV)
	if err != nil || !ok {
		t.Fatalf("SupportsEncoding before removal: ok=%v err=%v", ok, err)
	}

	if err := s.RemoveEncoding(context.Background(), "dev1", dmtp.EncodingBitCSV); err != nil {
		t.Fatalf("RemoveEncoding: %v", err)
	}

	ok, err = s.SupportsEncoding(context.Background(), "dev1", dmtp.EncodingBitCSV)
	if err != nil || ok {
		t.Errorf("SupportsEncoding after removal: ok=%v err=%v, want false", ok, err)
	}
}

func TestSupportsEncodingUnknownDevice(t *testing.T) {
	t.Parallel()

	s := memorystore.New()
	_, err := s.SupportsEncoding(context.Background(), "ghost", dmtp.EncodingBitBinary)
	if !errors.Is(err, memorystore.ErrDeviceNotFound) {
		t.Errorf("SupportsEncoding(ghost) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRegisterAndLookupTemplate(t *testing.T) {
	t.Parallel()

	s := memorystore.New()
	tmpl := dmtp.PayloadTemplate{
		CustomType: 0xE1,
		Fields: []dmtp.Field{
			{Type: dmtp.FieldTypeUnsignedInt, Index: 0, Length: 4},
		},
	}

	created, err := s.RegisterTemplate(context.Background(), "acct", "dev1", tmpl)
	if err != nil || !created {
		t.Fatalf("RegisterTemplate: created=%v err=%v", created, err)
	}

	got, ok, err := s.LookupTemplate(context.Background(), "acct", "dev1", 0xE1)
	if err != nil || !ok {
		t.Fatalf("LookupTemplate: ok=%v err=%v", ok, err)
	}
	if len(got.Fields) != 1 {
		t.Errorf("Fields length = %d, want 1", len(got.Fields))
	}

	_, ok, err = s.LookupTemplate(context.Background(), "acct", "dev2", 0xE1)
	if err != nil || ok {
		t.Errorf("LookupTemplate(dev2): ok=%v err=%v, want false", ok, err)
	}
}

func TestInsertEventDuplicateDetection(t *testing.T) {
	t.Parallel()

	s := memorystore.New()
	ev := dmtp.Event{AccountID: "acct", DeviceID: "dev1", Timestamp: 100, StatusCode: 1}

	dup, err := s.InsertEvent(context.Background(), ev)
	if err != nil || dup {
		t.Fatalf("first InsertEvent: dup=%v err=%v", dup, err)
	}

	dup, err = s.InsertEvent(context.Background(), ev)
	if err != nil || !dup {
		t.Fatalf("second InsertEvent: dup=%v err=%v, want dup=true", dup, err)
	}

	count, err := s.CountEvents(context.Background(), "acct", "dev1", 0, 200)
	if err != nil || count != 1 {
		t.Errorf("CountEvents = %d, want 1 (err=%v)", count, err)
	}
}

func TestRangeEventsOrderingAndLimit(t *testing.T) {
	t.Parallel()

	s := memorystore.New()
	for i, ts := range []uint32{300, 100, 200} {
		ev := dmtp.Event{AccountID: "acct", DeviceID: "dev1", Timestamp: ts, StatusCode: uint16(i)}
		if _, err := s.InsertEvent(context.Background(), ev); err != nil {
			t.Fatalf("InsertEvent: %v", err)
		}
	}

	asc, err := s.RangeEvents(context.Background(), "acct", "dev1", 0, 1000, true, 0)
	if err != nil {
		t.Fatalf("RangeEvents asc: %v", err)
	}
	if len(asc) != 3 || asc[0].Timestamp != 100 || asc[2].Timestamp != 300 {
		t.Errorf("RangeEvents asc ordering wrong: %+v", asc)
	}

	desc, err := s.RangeEvents(context.Background(), "acct", "dev1", 0, 1000, false, 2)
	if err != nil {
		t.Fatalf("RangeEvents desc: %v", err)
	}
	if len(desc) != 2 || desc[0].Timestamp != 300 {
		t.Errorf("RangeEvents desc/limit wrong: %+v", desc)
	}
}

func TestDiagnosticsSink(t *testing.T) {
	t.Parallel()

	s := memorystore.New()
	if err := s.RecordProperty(context.Background(), "acct", "dev1", 7, []byte("v1")); err != nil {
		t.Fatalf("RecordProperty: %v", err)
	}
	if err := s.RecordDiagnostic(context.Background(), "acct", "dev1", 3, []byte("d1")); err != nil {
		t.Fatalf("RecordDiagnostic: %v", err)
	}

	props := s.Properties()
	if len(props) != 1 || props[0].PropertyID != 7 || string(props[0].Value) != "v1" {
		t.Errorf("Properties() = %+v, unexpected", props)
	}

	diags := s.Diagnostics()
	if len(diags) != 1 || diags[0].Code != 3 || string(diags[0].Value) != "d1" {
		t.Errorf("Diagnostics() = %+v, unexpected", diags)
	}
}

func TestNewFromConfigSeedsDevices(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Devices = []config.DeviceConfig{
		{Account: "acct1", Device: "dev1", UniqueID: 111, Active: true},
	}

	s := memorystore.NewFromConfig(cfg)

	id, ok, err := s.LookupByUnique(context.Background(), 111)
	if err != nil || !ok {
		t.Fatalf("LookupByUnique: ok=%v err=%v", ok, err)
	}
	if id.Total.WindowMinutes != cfg.RateLimit.WindowMinutes {
		t.Errorf("Total.WindowMinutes = %d, want %d", id.Total.WindowMinutes, cfg.RateLimit.WindowMinutes)
	}
}
