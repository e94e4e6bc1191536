package registry

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

	"github.com/beckn-net/beckn-core/internal/beckncrypto"
)

func newTestHandlerServer(t *testing.T) *Server {
	t.Helper()
	if testDB == nil {
		t.Skip("BECKN_TEST_DB not configured")
	}
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewStore(testDB)
	cache := NewLookupCache(rdb, LookupCacheTTL)
	_, priv, _ := beckncrypto.GenerateSigningKeyPair()
	privKey, _ := beckncrypto.DecodePrivateKey(priv)
	return NewServer(store, cache, "registry.example.com", "key-1", privKey)
}

func TestHandleSubscribeThenOnSubscribeCompletesChallenge(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := newTestHandlerServer(t)
	r := gin.New()
	srv.RegisterRoutes(r)

	encrPub, encrPriv, err := beckncrypto.GenerateEncryptionKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	signPub, _, _ := beckncrypto.GenerateSigningKeyPair()

	subReq := subscribeRequest{
		SubscriberID: "handlertest-bpp.example.com", SubscriberURL: "https://handlertest-bpp.example.com/beckn",
		Type: "BPP", Domain: "ONDC:RET10", City: "std:011",
		SigningPublicKey: signPub, EncrPublicKey: encrPub, UniqueKeyID: "key-2",
	}
	body, _ := json.Marshal(subReq)
	req := httptest.NewRequest(http.MethodPost, "/subscribe", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from /subscribe, got %d: %s", w.Code, w.Body.String())
	}

	var subResp struct {
		Status    string `json:"status"`
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &subResp); err != nil {
		t.Fatal(err)
	}
	plaintext, err := beckncrypto.Decrypt(subResp.Challenge, encrPriv)
	if err != nil {
		t.Fatal(err)
	}

	onSubReq := onSubscribeRequest{SubscriberID: subReq.SubscriberID, AnswerToChallenge: string(plaintext)}
	onBody, _ := json.Marshal(onSubReq)
	onReq := httptest.NewRequest(http.MethodPost, "/on_subscribe", bytes.NewReader(onBody))
	onW := httptest.NewRecorder()
	r.ServeHTTP(onW, onReq)
	if onW.Code != http.StatusOK {
		t.Fatalf("expected 200 from /on_subscribe, got %d: %s", onW.Code, onW.Body.String())
	}

	sub, err := srv.store.Get(context.Background(), subReq.SubscriberID)
	if err != nil {
		t.Fatal(err)
	}
	if sub == nil || sub.Status != StatusSubscribed {
		t.Fatalf("expected subscriber to be SUBSCRIBED after challenge verification, got %+v", sub)
	}
}

func TestHandleOnSubscribeRejectsWrongAnswer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := newTestHandlerServer(t)
	ctx := context.Background()

	if err := srv.store.Upsert(ctx, Subscriber{
		SubscriberID: "handlertest-wronganswer.example.com", SubscriberURL: "https://x.example.com",
		Type: TypeBPP, Status: StatusUnderSubscription, Challenge: "expected-answer",
	}); err != nil {
		t.Fatal(err)
	}

	r := gin.New()
	srv.RegisterRoutes(r)

	onSubReq := onSubscribeRequest{SubscriberID: "handlertest-wronganswer.example.com", AnswerToChallenge: "wrong-answer"}
	body, _ := json.Marshal(onSubReq)
	req := httptest.NewRequest(http.MethodPost, "/on_subscribe", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 ack-style response even on mismatch, got %d", w.Code)
	}

	sub, err := srv.store.Get(ctx, "handlertest-wronganswer.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if sub.Status != StatusUnderSubscription {
		t.Fatalf("expected status to remain UNDER_SUBSCRIPTION on a wrong answer, got %s", sub.Status)
	}
}

func TestHandleLookupExcludesRevokedSubscriberAfterCacheInvalidation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := newTestHandlerServer(t)
	ctx := context.Background()

	if err := srv.store.Upsert(ctx, Subscriber{
		SubscriberID: "handlertest-revoke.example.com", SubscriberURL: "https://handlertest-revoke.example.com/beckn",
		Type: TypeBPP, Domain: "ONDC:RET99", City: "std:099", Status: StatusSubscribed,
	}); err != nil {
		t.Fatal(err)
	}

	r := gin.New()
	srv.RegisterRoutes(r)

	lookupReq := lookupRequest{Domain: "ONDC:RET99", City: "std:099"}
	body, _ := json.Marshal(lookupReq)

	// Warm the cache with the subscriber present.
	req := httptest.NewRequest(http.MethodPost, "/lookup", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var subs []Subscriber
	if err := json.Unmarshal(w.Body.Bytes(), &subs); err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected the subscriber to appear in the warm lookup, got %+v", subs)
	}

	revokeReq := httptest.NewRequest(http.MethodPost, "/admin/subscribers/handlertest-revoke.example.com/revoke", nil)
	revokeW := httptest.NewRecorder()
	r.ServeHTTP(revokeW, revokeReq)
	if revokeW.Code != http.StatusOK {
		t.Fatalf("expected 200 from revoke, got %d: %s", revokeW.Code, revokeW.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodPost, "/lookup", bytes.NewReader(body))
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req2)
	var subs2 []Subscriber
	if err := json.Unmarshal(w2.Body.Bytes(), &subs2); err != nil {
		t.Fatal(err)
	}
	for _, s := range subs2 {
		if s.SubscriberID == "handlertest-revoke.example.com" {
			t.Fatal("expected revoked subscriber to be excluded from lookup immediately after the cache invalidation")
		}
	}
}

func TestHandleVLookupReturnsSignedHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := newTestHandlerServer(t)
	r := gin.New()
	srv.RegisterRoutes(r)

	lookupReq := lookupRequest{Domain: "ONDC:RET10"}
	body, _ := json.Marshal(lookupReq)
	req := httptest.NewRequest(http.MethodPost, "/vlookup", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from /vlookup, got %d", w.Code)
	}
	if w.Header().Get("Authorization") == "" {
		t.Fatal("expected /vlookup to set a signed Authorization header")
	}
}

func TestHandleAdminDeleteInvalidatesCache(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := newTestHandlerServer(t)
	ctx := context.Background()

	if err := srv.store.Upsert(ctx, Subscriber{
		SubscriberID: "handlertest-delete.example.com", SubscriberURL: "https://handlertest-delete.example.com/beckn",
		Type: TypeBPP, Domain: "ONDC:RET88", City: "std:088", Status: StatusSubscribed,
	}); err != nil {
		t.Fatal(err)
	}

	r := gin.New()
	srv.RegisterRoutes(r)

	lookupReq := lookupRequest{Domain: "ONDC:RET88", City: "std:088"}
	body, _ := json.Marshal(lookupReq)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/lookup", bytes.NewReader(body)))
	var subs []Subscriber
	_ = json.Unmarshal(w.Body.Bytes(), &subs)
	if len(subs) != 1 {
		t.Fatalf("expected subscriber present before delete, got %+v", subs)
	}

	delReq := httptest.NewRequest(http.MethodDelete, "/admin/subscribers/handlertest-delete.example.com", nil)
	delW := httptest.NewRecorder()
	r.ServeHTTP(delW, delReq)
	if delW.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from admin delete, got %d", delW.Code)
	}

	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, httptest.NewRequest(http.MethodPost, "/lookup", bytes.NewReader(body)))
	var subs2 []Subscriber
	_ = json.Unmarshal(w2.Body.Bytes(), &subs2)
	if len(subs2) != 0 {
		t.Fatalf("expected deleted subscriber to no longer appear via cached lookup, got %+v", subs2)
	}
}
