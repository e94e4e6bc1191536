package registry

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/beckn-net/beckn-core/internal/authheader"
	"github.com/beckn-net/beckn-core/internal/beckncrypto"
)

// Server exposes the registry's HTTP surface (spec.md §6: /subscribe,
// /on_subscribe, /lookup, /vlookup, /ondc/vlookup, plus the admin routes).
type Server struct {
	store       *Store
	cache       *LookupCache
	subscriber  string
	uniqueKeyID string
	privKey     ed25519.PrivateKey
}

func NewServer(store *Store, cache *LookupCache, subscriberID, uniqueKeyID string, privKey ed25519.PrivateKey) *Server {
	return &Server{store: store, cache: cache, subscriber: subscriberID, uniqueKeyID: uniqueKeyID, privKey: privKey}
}

func (s *Server) RegisterRoutes(r gin.IRouter) {
	r.POST("/subscribe", s.handleSubscribe)
	r.POST("/on_subscribe", s.handleOnSubscribe)
	r.POST("/lookup", s.handleLookup)
	r.POST("/vlookup", s.handleVLookup)
	r.POST("/ondc/vlookup", s.handleONDCVLookup)
	r.GET("/admin/subscribers", s.handleAdminList)
	r.GET("/admin/audit", s.handleAdminAudit)
	r.POST("/admin/subscribers/:id/approve", s.handleAdminTransition(StatusSubscribed))
	r.POST("/admin/subscribers/:id/suspend", s.handleAdminTransition(StatusSuspended))
	r.POST("/admin/subscribers/:id/revoke", s.handleAdminTransition(StatusRevoked))
	r.DELETE("/admin/subscribers/:id", s.handleAdminDelete)
}

type subscribeRequest struct {
	SubscriberID     string `json:"subscriber_id" binding:"required"`
	SubscriberURL    string `json:"subscriber_url" binding:"required"`
	Type             string `json:"type" binding:"required"`
	Domain           string `json:"domain"`
	City             string `json:"city"`
	SigningPublicKey string `json:"signing_public_key" binding:"required"`
	EncrPublicKey    string `json:"encr_public_key" binding:"required"`
	UniqueKeyID      string `json:"unique_key_id" binding:"required"`
}

// handleSubscribe onboards a subscriber: rejects an already-SUBSCRIBED id,
// persists INITIATED then UNDER_SUBSCRIPTION, and returns an ECIES-encrypted
// challenge for the caller to decrypt and echo back via /on_subscribe.
func (s *Server) handleSubscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	existing, err := s.store.Get(ctx, req.SubscriberID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if existing != nil && existing.Status == StatusSubscribed {
		c.JSON(http.StatusConflict, gin.H{"error": "subscriber already subscribed"})
		return
	}

	challenge, _, err := beckncrypto.GenerateSigningKeyPair()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "challenge generation failed"})
		return
	}
	plaintext := challenge // reuse the random pub half as challenge material

	encrypted, err := beckncrypto.Encrypt([]byte(plaintext), req.EncrPublicKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid encr_public_key"})
		return
	}

	sub := Subscriber{
		SubscriberID:     req.SubscriberID,
		SubscriberURL:    req.SubscriberURL,
		Type:             SubscriberType(req.Type),
		Domain:           req.Domain,
		City:             req.City,
		SigningPublicKey: req.SigningPublicKey,
		EncrPublicKey:    req.EncrPublicKey,
		UniqueKeyID:      req.UniqueKeyID,
		Status:           StatusInitiated,
		Challenge:        plaintext,
	}
	if err := s.store.Upsert(ctx, sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "persist failed"})
		return
	}
	if err := s.store.SetStatus(ctx, req.SubscriberID, StatusUnderSubscription, nil, nil); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "persist failed"})
		return
	}
	s.audit(ctx, req.SubscriberID, "subscribe", string(StatusInitiated), c.ClientIP())

	c.JSON(http.StatusOK, gin.H{"status": string(StatusInitiated), "challenge": encrypted})
}

type onSubscribeRequest struct {
	SubscriberID      string `json:"subscriber_id" binding:"required"`
	AnswerToChallenge string `json:"answer" binding:"required"`
}

// handleOnSubscribe completes onboarding when the caller echoes back the
// correctly-decrypted challenge plaintext.
func (s *Server) handleOnSubscribe(c *gin.Context) {
	var req onSubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	sub, err := s.store.Get(ctx, req.SubscriberID)
	if err != nil || sub == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown subscriber_id"})
		return
	}

	if req.AnswerToChallenge != sub.Challenge {
		s.audit(ctx, req.SubscriberID, "on_subscribe_failed", "challenge mismatch", c.ClientIP())
		c.JSON(http.StatusOK, gin.H{"status": string(StatusUnderSubscription)})
		return
	}

	now := time.Now().UTC()
	validUntil := now.AddDate(1, 0, 0)
	if err := s.store.SetStatus(ctx, req.SubscriberID, StatusSubscribed, &now, &validUntil); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status update failed"})
		return
	}
	s.cache.InvalidateAll(ctx)
	s.audit(ctx, req.SubscriberID, "subscriber.subscribed", "challenge verified", c.ClientIP())

	c.JSON(http.StatusOK, gin.H{"status": string(StatusSubscribed)})
}

type lookupRequest struct {
	SubscriberID string `json:"subscriber_id"`
	Type         string `json:"type"`
	Domain       string `json:"domain"`
	City         string `json:"city"`
}

func (s *Server) lookup(c *gin.Context) ([]Subscriber, error) {
	var req lookupRequest
	_ = c.ShouldBindJSON(&req)
	filter := LookupFilter{SubscriberID: req.SubscriberID, Type: req.Type, Domain: req.Domain, City: req.City}

	ctx := c.Request.Context()
	if subs, ok := s.cache.Get(ctx, filter.CacheKey()); ok {
		return subs, nil
	}
	subs, err := s.store.Lookup(ctx, filter)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, filter.CacheKey(), subs)
	return subs, nil
}

func (s *Server) handleLookup(c *gin.Context) {
	subs, err := s.lookup(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, subs)
}

// handleVLookup is identical to /lookup, but the JSON response is returned
// alongside a registry-signed Authorization header so the caller can detect
// tampering by an intermediary.
func (s *Server) handleVLookup(c *gin.Context) {
	subs, err := s.lookup(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if subs == nil {
		subs = []Subscriber{}
	}
	header, err := authheader.Build(s.subscriber, s.uniqueKeyID, s.privKey, subs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signing failed"})
		return
	}
	c.Header("Authorization", header)
	c.JSON(http.StatusOK, subs)
}

type ondcVLookupRequest struct {
	SenderSubscriberID string `json:"sender_subscriber_id" binding:"required"`
	RequestID          string `json:"request_id" binding:"required"`
	Timestamp          string `json:"timestamp" binding:"required"`
	Signature          string `json:"signature" binding:"required"`
	SearchParameters   struct {
		Country      string `json:"country"`
		Domain       string `json:"domain"`
		Type         string `json:"type"`
		City         string `json:"city"`
		SubscriberID string `json:"subscriber_id"`
	} `json:"search_parameters" binding:"required"`
}

// handleONDCVLookup implements the ONDC-flavored vlookup: the signature is
// Ed25519 over the pipe-joined search parameters using the sender's
// registered signing key.
func (s *Server) handleONDCVLookup(c *gin.Context) {
	var req ondcVLookupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	sender, err := s.store.Get(ctx, req.SenderSubscriberID)
	if err != nil || sender == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown sender_subscriber_id"})
		return
	}

	signingInput := req.SearchParameters.Country + "|" + req.SearchParameters.Domain + "|" +
		req.SearchParameters.Type + "|" + req.SearchParameters.City + "|" + req.SearchParameters.SubscriberID
	if !beckncrypto.Verify([]byte(signingInput), req.Signature, sender.SigningPublicKey) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	subs, err := s.store.Lookup(ctx, LookupFilter{
		SubscriberID: req.SearchParameters.SubscriberID,
		Type:         req.SearchParameters.Type,
		Domain:       req.SearchParameters.Domain,
		City:         req.SearchParameters.City,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	respSigningInput := req.SenderSubscriberID + "|" + req.RequestID + "|" + req.Timestamp
	sig := beckncrypto.Sign([]byte(respSigningInput), s.privKey)

	c.JSON(http.StatusOK, gin.H{
		"subscriber_id": s.subscriber,
		"request_id":    req.RequestID,
		"timestamp":     req.Timestamp,
		"subscribers":   subs,
		"signature":     sig,
	})
}

// handleAdminAudit serves the registry's audit trail, newest first, for
// read-only operator inspection — no dashboard UI, per spec.md Non-goals.
func (s *Server) handleAdminAudit(c *gin.Context) {
	limit := 100
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		limit = v
	}
	entries, err := s.store.AuditRecent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit query failed"})
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) handleAdminList(c *gin.Context) {
	subs, err := s.store.Lookup(c.Request.Context(), LookupFilter{
		SubscriberID: c.Query("subscriber_id"),
		Type:         c.Query("type"),
		Domain:       c.Query("domain"),
		City:         c.Query("city"),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, subs)
}

// handleAdminTransition returns a handler moving a subscriber into the
// given status, auditing the previous status and requester identity.
func (s *Server) handleAdminTransition(to Status) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		ctx := c.Request.Context()

		sub, err := s.store.Get(ctx, id)
		if err != nil || sub == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown subscriber_id"})
			return
		}
		from := sub.Status

		if err := s.store.SetStatus(ctx, id, to, sub.ValidFrom, sub.ValidUntil); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "transition failed"})
			return
		}
		s.cache.InvalidateAll(ctx)
		requester := c.GetHeader("X-Admin-Actor")
		details, _ := json.Marshal(gin.H{"from": from, "to": to})
		s.auditWithActor(ctx, requester, id, "admin.transition", string(details), c.ClientIP())

		c.JSON(http.StatusOK, gin.H{"subscriber_id": id, "status": string(to)})
	}
}

func (s *Server) handleAdminDelete(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()
	if err := s.store.Delete(ctx, id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	s.cache.InvalidateAll(ctx)
	requester := c.GetHeader("X-Admin-Actor")
	s.auditWithActor(ctx, requester, id, "admin.delete", "", c.ClientIP())
	c.Status(http.StatusNoContent)
}

func (s *Server) audit(ctx context.Context, subscriberID, action, details, ip string) {
	_ = s.store.Audit(ctx, AuditEntry{
		Actor: s.subscriber, Action: action, ResourceType: "subscriber", ResourceID: subscriberID,
		Details: details, IP: ip,
	})
}

func (s *Server) auditWithActor(ctx context.Context, actor, subscriberID, action, details, ip string) {
	if actor == "" {
		actor = "admin"
	}
	_ = s.store.Audit(ctx, AuditEntry{
		Actor: actor, Action: action, ResourceType: "subscriber", ResourceID: subscriberID,
		Details: details, IP: ip,
	})
}
