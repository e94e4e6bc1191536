package bap

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/lib/pq"

	"github.com/beckn-net/beckn-core/internal/authheader"
	"github.com/beckn-net/beckn-core/internal/beckncontext"
	"github.com/beckn-net/beckn-core/internal/beckncrypto"
	"github.com/beckn-net/beckn-core/internal/registry"
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
		panic("bap: failed to connect to test database: " + err.Error())
	}
	defer testDB.Close()
	if _, err := testDB.Exec(registry.Schema); err != nil {
		panic(err.Error())
	}
	if _, err := testDB.Exec(txlog.Schema); err != nil {
		panic(err.Error())
	}
	os.Exit(m.Run())
}

func newTestServer(t *testing.T) (*Server, *WebhookStore, string, string, []byte) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	regStore := registry.NewStore(testDB)
	txStore := txlog.NewStore(testDB)
	dedup := beckncontext.NewDedup(rdb, beckncontext.DedupTTL)
	projections := NewProjectionStore(rdb)
	webhooks := NewWebhookStore(rdb)

	pub, priv, _ := beckncrypto.GenerateSigningKeyPair()
	privKey, _ := beckncrypto.DecodePrivateKey(priv)
	bppID := "bpp.baptest.example.com"
	if err := regStore.Upsert(context.Background(), registry.Subscriber{
		SubscriberID: bppID, SubscriberURL: "https://bpp.baptest.example.com/beckn",
		Type: registry.TypeBPP, SigningPublicKey: pub, Status: registry.StatusSubscribed,
	}); err != nil {
		t.Fatal(err)
	}

	engine := New("bap.baptest.example.com", "https://bap.baptest.example.com/beckn",
		"https://gateway.example.com", "key-1", privKey, txStore, webhooks, zap.NewNop())
	notifier := engine.client
	srv := NewServer(engine, regStore, dedup, txStore, projections, webhooks, notifier, zap.NewNop())
	return srv, webhooks, bppID, "key-1", priv
}

func TestHandleCallbackRejectsUnknownSender(t *testing.T) {
	if testDB == nil {
		t.Skip("BECKN_TEST_DB not configured")
	}
	gin.SetMode(gin.TestMode)
	srv, _, _, _, _ := newTestServer(t)

	r := gin.New()
	srv.RegisterRoutes(r)

	env := callbackEnvelope{
		Context: beckncontext.Build(beckncontext.BuildParams{
			Domain: "ONDC:RET10", Country: "IND", City: "std:011",
			Action: "on_search", BapID: "bap.baptest.example.com", BapURI: "https://bap.baptest.example.com/beckn",
			BppID: "unknown.bpp.com", BppURI: "https://unknown.bpp.com/beckn",
		}),
		Message: json.RawMessage(`{"catalog":{}}`),
	}
	body, _ := json.Marshal(env)

	req := httptest.NewRequest(http.MethodPost, "/on_search", bytes.NewReader(body))
	req.Header.Set("Authorization", "Signature keyId=\"x|y|ed25519\",algorithm=\"ed25519\",created=\"1\",expires=\"2\",headers=\"(created) (expires) digest\",signature=\"bad\"")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unregistered bpp_id, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleCallbackAcksAndPersistsProjection(t *testing.T) {
	if testDB == nil {
		t.Skip("BECKN_TEST_DB not configured")
	}
	gin.SetMode(gin.TestMode)
	srv, _, bppID, keyID, privRaw := newTestServer(t)
	privKey, _ := beckncrypto.DecodePrivateKey(privRaw)

	r := gin.New()
	srv.RegisterRoutes(r)

	env := callbackEnvelope{
		Context: beckncontext.Build(beckncontext.BuildParams{
			Domain: "ONDC:RET10", Country: "IND", City: "std:011",
			Action: "on_search", BapID: "bap.baptest.example.com", BapURI: "https://bap.baptest.example.com/beckn",
			BppID: bppID, BppURI: "https://bpp.baptest.example.com/beckn",
		}),
		Message: json.RawMessage(`{"catalog":{}}`),
	}
	body, _ := json.Marshal(env)
	header, err := authheader.Build(bppID, keyID, privKey, env)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/on_search", bytes.NewReader(body))
	req.Header.Set("Authorization", header)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 ACK, got %d: %s", w.Code, w.Body.String())
	}

	proj, err := srv.projections.Load(context.Background(), env.Context.TransactionID)
	if err != nil {
		t.Fatal(err)
	}
	if proj == nil || proj.Action != "on_search" {
		t.Fatalf("expected persisted projection for on_search, got %+v", proj)
	}
}

func TestHandleOrderStatusReturns404ForUnknownTransaction(t *testing.T) {
	if testDB == nil {
		t.Skip("BECKN_TEST_DB not configured")
	}
	gin.SetMode(gin.TestMode)
	srv, _, _, _, _ := newTestServer(t)

	r := gin.New()
	srv.RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodGet, "/orders/no-such-transaction", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown transaction_id, got %d: %s", w.Code, w.Body.String())
	}
}
