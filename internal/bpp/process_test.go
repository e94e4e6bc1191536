package bpp

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/lib/pq"

	"github.com/beckn-net/beckn-core/internal/catalog"
	"github.com/beckn-net/beckn-core/internal/igm"
	"github.com/beckn-net/beckn-core/internal/orderfsm"
	"github.com/beckn-net/beckn-core/internal/registry"
	"github.com/beckn-net/beckn-core/internal/settlement"
	"github.com/beckn-net/beckn-core/internal/txlog"
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
		panic("bpp: failed to connect to test database: " + err.Error())
	}
	defer testDB.Close()
	if _, err := testDB.Exec(orderfsm.Schema + igm.Schema + settlement.Schema + registry.Schema + txlog.Schema); err != nil {
		panic(err.Error())
	}
	os.Exit(m.Run())
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(orderfsm.NewStore(testDB), catalog.NewStore(rdb), nil, igm.NewStore(testDB), settlement.NewStore(testDB),
		"bpp.example.com", "key-1", nil, zap.NewNop())
}

func TestSelectThenConfirmThenCancelFlow(t *testing.T) {
	if testDB == nil {
		t.Skip("BECKN_TEST_DB not configured")
	}
	e := newTestEngine(t)
	ctx := context.Background()
	txn := "process-test-txn-1"

	res, werr := e.ProcessOrderAction(ctx, "select", txn, "bap.example.com", "bpp.example.com", "ONDC:RET10", "std:011", json.RawMessage(`{}`))
	if werr != nil {
		t.Fatal(werr)
	}
	if res.NewState != orderfsm.StateCreated {
		t.Fatalf("expected CREATED after select, got %s", res.NewState)
	}

	res, werr = e.ProcessOrderAction(ctx, "confirm", txn, "bap.example.com", "bpp.example.com", "", "", json.RawMessage(`{}`))
	if werr != nil {
		t.Fatal(werr)
	}
	if res.NewState != orderfsm.StateAccepted {
		t.Fatalf("expected ACCEPTED after confirm, got %s", res.NewState)
	}

	cancelMsg, _ := json.Marshal(map[string]any{"order": map[string]any{"cancellation_reason_id": "001"}})
	res, werr = e.ProcessOrderAction(ctx, "cancel", txn, "bap.example.com", "bpp.example.com", "", "", cancelMsg)
	if werr != nil {
		t.Fatal(werr)
	}
	if res.NewState != orderfsm.StateCancelled {
		t.Fatalf("expected CANCELLED after cancel, got %s", res.NewState)
	}
}

func TestProcessIssueThenIssueStatusFlow(t *testing.T) {
	if testDB == nil {
		t.Skip("BECKN_TEST_DB not configured")
	}
	e := newTestEngine(t)
	ctx := context.Background()

	issueMsg, _ := json.Marshal(map[string]any{
		"issue": map[string]any{"category": "ORDER", "description": map[string]any{"short_desc": "item missing"}},
	})
	res, werr := e.ProcessOrderAction(ctx, "issue", "issue-test-txn-1", "bap.example.com", "bpp.example.com", "ONDC:RET10", "std:011", issueMsg)
	if werr != nil {
		t.Fatal(werr)
	}
	if res.IssueID == "" {
		t.Fatal("expected a generated issue_id")
	}

	statusMsg, _ := json.Marshal(map[string]any{"issue_id": res.IssueID})
	res2, werr := e.ProcessOrderAction(ctx, "issue_status", "issue-test-txn-1", "bap.example.com", "bpp.example.com", "", "", statusMsg)
	if werr != nil {
		t.Fatal(werr)
	}
	if res2.IssueID != res.IssueID {
		t.Fatalf("expected issue_status lookup to echo issue_id %s, got %s", res.IssueID, res2.IssueID)
	}

	transitionMsg, _ := json.Marshal(map[string]any{"issue_id": res.IssueID, "status": "RESOLVED", "resolution": "refund issued"})
	res3, werr := e.ProcessOrderAction(ctx, "issue_status", "issue-test-txn-1", "bap.example.com", "bpp.example.com", "", "", transitionMsg)
	if werr != nil {
		t.Fatal(werr)
	}
	if res3.IssueID != res.IssueID {
		t.Fatalf("expected issue transition to echo issue_id %s, got %s", res.IssueID, res3.IssueID)
	}
}

func TestProcessActionOnUnknownTransactionFails(t *testing.T) {
	if testDB == nil {
		t.Skip("BECKN_TEST_DB not configured")
	}
	e := newTestEngine(t)
	ctx := context.Background()

	_, werr := e.ProcessOrderAction(ctx, "status", "no-such-transaction", "bap.example.com", "bpp.example.com", "", "", json.RawMessage(`{}`))
	if werr == nil {
		t.Fatal("expected status query on unknown transaction to fail")
	}
}
