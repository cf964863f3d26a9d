package pgstore_test

import (
	"context"
	"os"
	"testing"

	"github.com/khansohel/traffometer-opendmtp-server-sub000/internal/dmtp"
	pgstore "github.com/khansohel/traffometer-opendmtp-server-sub000/internal/store/postgres"
)

// testDSN returns the postgres connection string for integration tests, or
// skips the test if DMTPD_TEST_POSTGRES_DSN is unset. These tests exercise
// pgstore against a real server; they are not run as part of the default
// unit test pass.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("DMTPD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DMTPD_TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}
	return dsn
}

func TestStoreEventLifecycle(t *testing.T) {
	dsn := testDSN(t)

	ctx := context.Background()
	s, err := pgstore.New(ctx, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	ev := dmtp.Event{
		AccountID:  "acct-test",
		DeviceID:   "dev-test",
		Timestamp:  1700000000,
		StatusCode: 1,
		Point:      dmtp.GPSPoint{Latitude: 1.5, Longitude: -2.5},
	}

	dup, err := s.InsertEvent(ctx, ev)
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if dup {
		t.Error("InsertEvent reported duplicate on first insert")
	}

	dup, err = s.InsertEvent(ctx, ev)
	if err != nil {
		t.Fatalf("InsertEvent (second): %v", err)
	}
	if !dup {
		t.Error("InsertEvent did not report duplicate on re-insert")
	}

	count, err := s.CountEvents(ctx, "acct-test", "dev-test", 0, 1800000000)
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if count != 1 {
		t.Errorf("CountEvents = %d, want 1", count)
	}
}

func TestStoreTemplateRoundTrip(t *testing.T) {
	dsn := testDSN(t)

	ctx := context.Background()
	s, err := pgstore.New(ctx, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	tmpl := dmtp.PayloadTemplate{
		CustomType: 0xE2,
		Fields: []dmtp.Field{
			{Type: dmtp.FieldTypeGPSPoint, Index: 0, Length: 6},
		},
	}

	created, err := s.RegisterTemplate(ctx, "acct-test", "dev-test", tmpl)
	if err != nil {
		t.Fatalf("RegisterTemplate: %v", err)
	}
	if !created {
		t.Error("RegisterTemplate reported update, expected insert")
	}

	got, ok, err := s.LookupTemplate(ctx, "acct-test", "dev-test", 0xE2)
	if err != nil {
		t.Fatalf("LookupTemplate: %v", err)
	}
	if !ok {
		t.Fatal("LookupTemplate: not found")
	}
	if len(got.Fields) != 1 || got.Fields[0].Type != dmtp.FieldTypeGPSPoint {
		t.Errorf("LookupTemplate fields = %+v, unexpected", got.Fields)
	}
}
