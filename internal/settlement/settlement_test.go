package settlement

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
)

var testDB *sql.DB

func TestMain(m *testing.M) {
	connStr := os.Getenv("BECKN_TEST_DB")
	if connStr == "" {
		os.Exit(0)
	}
	var err error
	testDB, err = sql.Open("postgres", connStr)
	if err != nil {
		panic("settlement: failed to connect to test database: " + err.Error())
	}
	defer testDB.Close()
	if _, err := testDB.Exec(Schema); err != nil {
		panic("settlement: failed to apply schema: " + err.Error())
	}
	os.Exit(m.Run())
}

func TestRecordThenGet(t *testing.T) {
	if testDB == nil {
		t.Skip("BECKN_TEST_DB not configured")
	}
	store := NewStore(testDB)
	ctx := context.Background()

	if err := store.Record(ctx, Settlement{
		OrderID: "order-1", CollectorAppID: "bap.example.com", ReceiverAppID: "bpp.example.com",
		SettlementStatus: StatusPending, ReconStatus: ReconUnmatched, Amount: "100.00", Currency: "INR",
		Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, "order-1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.SettlementStatus != StatusPending || got.ReconStatus != ReconUnmatched {
		t.Fatalf("unexpected settlement: %+v", got)
	}
}

func TestRecordUpsertsOnConflict(t *testing.T) {
	if testDB == nil {
		t.Skip("BECKN_TEST_DB not configured")
	}
	store := NewStore(testDB)
	ctx := context.Background()

	base := Settlement{
		OrderID: "order-2", CollectorAppID: "bap.example.com", ReceiverAppID: "bpp.example.com",
		SettlementStatus: StatusPending, ReconStatus: ReconUnmatched, Amount: "50.00", Currency: "INR",
		Timestamp: time.Now().UTC(),
	}
	if err := store.Record(ctx, base); err != nil {
		t.Fatal(err)
	}

	base.SettlementStatus = StatusPaid
	base.ReconStatus = ReconMatched
	base.Reference = "utr-123"
	if err := store.Record(ctx, base); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, "order-2")
	if err != nil {
		t.Fatal(err)
	}
	if got.SettlementStatus != StatusPaid || got.ReconStatus != ReconMatched || got.Reference != "utr-123" {
		t.Fatalf("expected upsert to update status/recon/reference, got %+v", got)
	}
}

func TestGetReturnsNilForUnknownOrder(t *testing.T) {
	if testDB == nil {
		t.Skip("BECKN_TEST_DB not configured")
	}
	store := NewStore(testDB)
	got, err := store.Get(context.Background(), "no-such-order")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown order, got %+v", got)
	}
}
