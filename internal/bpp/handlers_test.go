package bpp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/beckn-net/beckn-core/internal/authheader"
	"github.com/beckn-net/beckn-core/internal/beckncontext"
	"github.com/beckn-net/beckn-core/internal/beckncrypto"
	"github.com/beckn-net/beckn-core/internal/catalog"
	"github.com/beckn-net/beckn-core/internal/igm"
	"github.com/beckn-net/beckn-core/internal/orderfsm"
	"github.com/beckn-net/beckn-core/internal/registry"
	"github.com/beckn-net/beckn-core/internal/settlement"
	"github.com/beckn-net/beckn-core/internal/txlog"
)

func newTestHandlerServer(t *testing.T) (*Server, string, []byte) {
	t.Helper()
	if testDB == nil {
		t.Skip("BECKN_TEST_DB not configured")
	}
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	regStore := registry.NewStore(testDB)
	txStore := txlog.NewStore(testDB)
	dedup := beckncontext.NewDedup(rdb, beckncontext.DedupTTL)

	pub, priv, _ := beckncrypto.GenerateSigningKeyPair()
	privKey, _ := beckncrypto.DecodePrivateKey(priv)
	bapID := "bap.bpphandlertest.example.com"
	if err := regStore.Upsert(context.Background(), registry.Subscriber{
		SubscriberID: bapID, SubscriberURL: "https://bap.bpphandlertest.example.com/beckn",
		Type: registry.TypeBAP, SigningPublicKey: pub, Status: registry.StatusSubscribed,
	}); err != nil {
		t.Fatal(err)
	}

	engine := New(orderfsm.NewStore(testDB), catalog.NewStore(rdb), txStore, igm.NewStore(testDB), settlement.NewStore(testDB),
		"bpp.bpphandlertest.example.com", "key-1", privKey, zap.NewNop())
	srv := NewServer(engine, regStore, dedup, txStore, zap.NewNop())
	return srv, bapID, priv
}

func TestHandleActionRejectsUnknownSender(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv, _, _ := newTestHandlerServer(t)

	r := gin.New()
	srv.RegisterRoutes(r)

	env := envelope{
		Context: beckncontext.Build(beckncontext.BuildParams{
			Domain: "ONDC:RET10", Country: "IND", City: "std:011",
			Action: "search", BapID: "unknown.bap.com", BapURI: "https://unknown.bap.com/beckn",
			BppID: "bpp.bpphandlertest.example.com", BppURI: "https://bpp.bpphandlertest.example.com/beckn",
		}),
		Message: json.RawMessage(`{"intent":{}}`),
	}
	body, _ := json.Marshal(env)

	req := httptest.NewRequest(http.MethodPost, "/search", bytes.NewReader(body))
	req.Header.Set("Authorization", "Signature keyId=\"x|y|ed25519\",algorithm=\"ed25519\",created=\"1\",expires=\"2\",headers=\"(created) (expires) digest\",signature=\"bad\"")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unregistered bap_id, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleActionRejectsBadSignature(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv, bapID, _ := newTestHandlerServer(t)

	r := gin.New()
	srv.RegisterRoutes(r)

	env := envelope{
		Context: beckncontext.Build(beckncontext.BuildParams{
			Domain: "ONDC:RET10", Country: "IND", City: "std:011",
			Action: "search", BapID: bapID, BapURI: "https://bap.bpphandlertest.example.com/beckn",
			BppID: "bpp.bpphandlertest.example.com", BppURI: "https://bpp.bpphandlertest.example.com/beckn",
		}),
		Message: json.RawMessage(`{"intent":{}}`),
	}
	body, _ := json.Marshal(env)

	req := httptest.NewRequest(http.MethodPost, "/search", bytes.NewReader(body))
	req.Header.Set("Authorization", "Signature keyId=\""+bapID+"|key-1|ed25519\",algorithm=\"ed25519\",created=\"1\",expires=\"2\",headers=\"(created) (expires) digest\",signature=\"bad\"")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid signature, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleActionSelectAcksAndCreatesOrder(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv, bapID, privRaw := newTestHandlerServer(t)
	privKey, _ := beckncrypto.DecodePrivateKey(privRaw)

	r := gin.New()
	srv.RegisterRoutes(r)

	env := envelope{
		Context: beckncontext.Build(beckncontext.BuildParams{
			Domain: "ONDC:RET10", Country: "IND", City: "std:011",
			Action: "select", BapID: bapID, BapURI: "https://bap.bpphandlertest.example.com/beckn",
			BppID: "bpp.bpphandlertest.example.com", BppURI: "https://bpp.bpphandlertest.example.com/beckn",
		}),
		Message: json.RawMessage(`{"order":{}}`),
	}
	body, _ := json.Marshal(env)
	header, err := authheader.Build(bapID, "key-1", privKey, env)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/select", bytes.NewReader(body))
	req.Header.Set("Authorization", header)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 ACK, got %d: %s", w.Code, w.Body.String())
	}

	entries, err := srv.txStore.ByTransaction(context.Background(), env.Context.TransactionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 {
		t.Fatal("expected the inbound select to be recorded in the transaction log")
	}
}

func TestHandleGetSettlementReturns404WhenUnrecorded(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv, _, _ := newTestHandlerServer(t)

	r := gin.New()
	srv.RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodGet, "/settlements/no-such-order", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an order with no recorded settlement, got %d: %s", w.Code, w.Body.String())
	}
}
