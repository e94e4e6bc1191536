// Package bap implements C7: the simplified outbound client API, signed
// dispatch, and the inbound on_* callback router with webhook fan-out.
// Grounded on internal/daytona/client.go for outbound dispatch shape and
// internal/billing/session.go's Redis hash access pattern (reused here for
// the webhook registration map, subscriber_id → {url, events[]}).
package bap

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beckn-net/beckn-core/internal/beckncontext"
	"github.com/beckn-net/beckn-core/internal/httpclient"
	"github.com/beckn-net/beckn-core/internal/txlog"
)

// SimpleRequest is the reduced body the simplified outbound API accepts,
// per spec.md §4.6. Fields not relevant to an action are left zero.
type SimpleRequest struct {
	Domain        string          `json:"domain,omitempty"`
	Country       string          `json:"country,omitempty"`
	City          string          `json:"city,omitempty"`
	Query         json.RawMessage `json:"query,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
	BppID         string          `json:"bpp_id,omitempty"`
	BppURI        string          `json:"bpp_uri,omitempty"`
	Fields        json.RawMessage `json:"fields,omitempty"`
}

// DispatchResult is returned to the caller immediately; network dispatch
// itself is fire-and-forget.
type DispatchResult struct {
	Ack           string `json:"ack"`
	TransactionID string `json:"transaction_id"`
	MessageID     string `json:"message_id"`
}

// Engine owns identity, the transaction log, and the webhook registry used
// by both outbound dispatch and inbound callback relay.
type Engine struct {
	subscriberID  string
	subscriberURL string
	gatewayURL    string
	client        *httpclient.Client
	txlog         *txlog.Store
	webhooks      *WebhookStore
	log           *zap.Logger
}

func New(subscriberID, subscriberURL, gatewayURL, uniqueKeyID string, privKey ed25519.PrivateKey, tx *txlog.Store, webhooks *WebhookStore, log *zap.Logger) *Engine {
	return &Engine{
		subscriberID:  subscriberID,
		subscriberURL: subscriberURL,
		gatewayURL:    gatewayURL,
		client:        httpclient.New(subscriberID, uniqueKeyID, privKey, 10*time.Second),
		txlog:         tx,
		webhooks:      webhooks,
		log:           log,
	}
}

// Dispatch builds a Context, wraps req into {context, message}, writes a
// SENT transaction log entry, returns ACK immediately, and fires the
// network request in the background. Action-specific message shaping is
// left to the caller via buildMessage.
func (e *Engine) Dispatch(ctx context.Context, action string, req SimpleRequest, buildMessage func(SimpleRequest) map[string]any) (DispatchResult, error) {
	bctx := beckncontext.Build(beckncontext.BuildParams{
		Domain: req.Domain, Country: req.Country, City: req.City,
		Action: action, BapID: e.subscriberID, BapURI: e.subscriberURL,
		BppID: req.BppID, BppURI: req.BppURI, TransactionID: req.TransactionID,
	})

	message := buildMessage(req)
	envelope := map[string]any{"context": bctx, "message": message}

	raw, err := json.Marshal(envelope)
	if err != nil {
		return DispatchResult{}, err
	}

	id, err := e.txlog.Append(ctx, txlog.Entry{
		TransactionID: bctx.TransactionID, MessageID: bctx.MessageID, Action: action,
		BapID: e.subscriberID, BppID: req.BppID, Domain: req.Domain, City: req.City,
		RequestBody: raw, Status: txlog.StatusSent,
	})
	if err != nil {
		e.log.Error("bap: transaction log append failed", zap.Error(err))
	}

	url := e.gatewayURL + "/search"
	if action != "search" {
		url = req.BppURI + "/" + action
	}

	go e.dispatchAsync(context.Background(), id, url, envelope)

	return DispatchResult{Ack: "ACK", TransactionID: bctx.TransactionID, MessageID: bctx.MessageID}, nil
}

func (e *Engine) dispatchAsync(ctx context.Context, txLogID int64, url string, envelope map[string]any) {
	start := time.Now()
	respBody, status, err := e.client.Post(ctx, url, envelope)
	latency := time.Since(start).Milliseconds()

	if txLogID == 0 {
		return
	}
	if err != nil {
		e.log.Warn("bap: dispatch failed", zap.String("url", url), zap.Error(err))
		markErr := e.txlog.MarkResponse(ctx, txLogID, txlog.StatusError, nil, latency, err.Error())
		if markErr != nil {
			e.log.Error("bap: mark response failed", zap.Error(markErr))
		}
		return
	}
	status2 := txlog.StatusAck
	if status >= 300 {
		status2 = txlog.StatusNack
	}
	if err := e.txlog.MarkResponse(ctx, txLogID, status2, respBody, latency, ""); err != nil {
		e.log.Error("bap: mark response failed", zap.Error(err))
	}
}

// NewMessageID generates a fresh v4 UUID for a callback that doesn't carry
// its own.
func NewMessageID() string { return uuid.NewString() }
