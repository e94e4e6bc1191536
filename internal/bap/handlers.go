package bap

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/beckn-net/beckn-core/internal/authheader"
	"github.com/beckn-net/beckn-core/internal/beckncontext"
	"github.com/beckn-net/beckn-core/internal/httpclient"
	"github.com/beckn-net/beckn-core/internal/registry"
	"github.com/beckn-net/beckn-core/internal/txlog"
	"github.com/beckn-net/beckn-core/internal/weberr"
)

var outboundActions = []string{
	"search", "select", "init", "confirm", "status", "track",
	"cancel", "update", "rating", "support", "issue", "issue_status",
}

var callbackActions = []string{
	"on_search", "on_select", "on_init", "on_confirm", "on_status", "on_track",
	"on_cancel", "on_update", "on_rating", "on_support", "on_issue", "on_issue_status",
}

// Server exposes the simplified outbound API plus the inbound on_* callback
// router, per spec.md §4.6.
type Server struct {
	engine        *Engine
	registryStore *registry.Store
	dedup         *beckncontext.Dedup
	txStore       *txlog.Store
	projections   *ProjectionStore
	webhooks      *WebhookStore
	notifier      *httpclient.Client
	log           *zap.Logger
}

func NewServer(engine *Engine, registryStore *registry.Store, dedup *beckncontext.Dedup, txStore *txlog.Store,
	projections *ProjectionStore, webhooks *WebhookStore, notifier *httpclient.Client, log *zap.Logger) *Server {
	return &Server{
		engine: engine, registryStore: registryStore, dedup: dedup, txStore: txStore,
		projections: projections, webhooks: webhooks, notifier: notifier, log: log,
	}
}

func (s *Server) RegisterRoutes(r gin.IRouter) {
	for _, action := range outboundActions {
		action := action
		r.POST("/"+action, func(c *gin.Context) { s.handleOutbound(c, action) })
	}
	for _, action := range callbackActions {
		action := action
		r.POST("/"+action, func(c *gin.Context) { s.handleCallback(c, action) })
	}
	r.GET("/orders/:txn_id", s.handleOrderStatus)
}

func (s *Server) handleOutbound(c *gin.Context, action string) {
	var req SimpleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, nackBody(weberr.ContextError(weberr.CodeMalformedContext, "malformed request body")))
		return
	}
	res, err := s.engine.Dispatch(c.Request.Context(), action, req, func(r SimpleRequest) map[string]any {
		return buildOutboundMessage(action, r)
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, nackBody(weberr.TechnicalError(weberr.CodeSerializationFail, err.Error())))
		return
	}
	c.JSON(http.StatusOK, res)
}

// buildOutboundMessage shapes the {message} half of the envelope from the
// reduced SimpleRequest, per action.
func buildOutboundMessage(action string, r SimpleRequest) map[string]any {
	switch action {
	case "search":
		return map[string]any{"intent": rawOrEmpty(r.Query)}
	case "cancel", "update":
		return map[string]any{"order": rawOrEmpty(r.Fields)}
	case "rating", "issue", "issue_status":
		return rawFieldsMap(r.Fields)
	default:
		return map[string]any{"order": rawOrEmpty(r.Fields)}
	}
}

func rawOrEmpty(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var v any
	_ = json.Unmarshal(raw, &v)
	return v
}

func rawFieldsMap(raw json.RawMessage) map[string]any {
	m := map[string]any{}
	if len(raw) == 0 {
		return m
	}
	_ = json.Unmarshal(raw, &m)
	return m
}

type callbackEnvelope struct {
	Context beckncontext.Context `json:"context"`
	Message json.RawMessage      `json:"message"`
}

// handleCallback implements the inbound router: verify auth, validate
// context, dedup, append CALLBACK_RECEIVED, persist the BAP-side
// projection, then relay to any registered webhook.
func (s *Server) handleCallback(c *gin.Context, action string) {
	var env callbackEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, nackBody(weberr.ContextError(weberr.CodeMalformedContext, "malformed request body")))
		return
	}
	ctx := c.Request.Context()

	sub, err := s.registryStore.Get(ctx, env.Context.BppID)
	if err != nil || sub == nil {
		c.JSON(http.StatusUnauthorized, nackBody(weberr.PolicyError(weberr.CodeUnauthorized, "unknown bpp_id")))
		return
	}
	if !authheader.Verify(c.GetHeader("Authorization"), env, sub.SigningPublicKey) {
		c.JSON(http.StatusUnauthorized, nackBody(weberr.ContextError(weberr.CodeInvalidSignature, "invalid signature")))
		return
	}
	if verr := beckncontext.Validate(&env.Context); verr != nil {
		c.JSON(http.StatusOK, nackBody(verr))
		return
	}

	seen, err := s.dedup.SeenBefore(ctx, env.Context.MessageID)
	if err != nil {
		s.log.Error("bap: dedup check failed", zap.Error(err))
	}

	s.recordCallback(ctx, env, action)
	c.JSON(http.StatusOK, ackBody())

	if seen {
		return
	}

	if err := s.projections.Save(ctx, env.Context.TransactionID, action, env.Message); err != nil {
		s.log.Error("bap: projection save failed", zap.Error(err))
	}

	go s.relayWebhook(context.Background(), env.Context.BapID, action, env)
}

func (s *Server) relayWebhook(ctx context.Context, subscriberID, event string, env callbackEnvelope) {
	err := s.webhooks.Notify(ctx, subscriberID, event, func(ctx context.Context, url string) error {
		_, status, err := s.notifier.Post(ctx, url, env)
		if err != nil {
			return err
		}
		if status >= 400 {
			s.log.Warn("bap: webhook endpoint returned error status",
				zap.String("subscriber_id", subscriberID), zap.Int("status", status))
		}
		return nil
	})
	if err != nil {
		s.log.Warn("bap: webhook relay failed", zap.String("subscriber_id", subscriberID), zap.Error(err))
	}
}

func (s *Server) recordCallback(ctx context.Context, env callbackEnvelope, action string) {
	if s.txStore == nil {
		return
	}
	raw, _ := json.Marshal(env)
	_, err := s.txStore.Append(ctx, txlog.Entry{
		TransactionID: env.Context.TransactionID,
		MessageID:     env.Context.MessageID,
		Action:        action,
		BapID:         env.Context.BapID,
		BppID:         env.Context.BppID,
		Domain:        env.Context.Domain,
		City:          env.Context.EffectiveCity(),
		RequestBody:   raw,
		Status:        txlog.StatusCallbackReceived,
	})
	if err != nil {
		s.log.Error("bap: transaction log append failed", zap.Error(err))
	}
}

type orderStatusResponse struct {
	TransactionID string          `json:"transaction_id"`
	Status        string          `json:"status"`
	Action        string          `json:"action,omitempty"`
	CallbackData  json.RawMessage `json:"callback_data,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at,omitempty"`
}

// handleOrderStatus joins the transaction log by transaction_id and layers
// the most recent on_* callback body on top, per spec.md §4.6.
func (s *Server) handleOrderStatus(c *gin.Context) {
	txnID := c.Param("txn_id")
	ctx := c.Request.Context()

	entries, err := s.txStore.ByTransaction(ctx, txnID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, nackBody(weberr.TechnicalError(weberr.CodeDatabaseFailure, err.Error())))
		return
	}
	if len(entries) == 0 {
		body := nackBody(weberr.BusinessError(weberr.CodeInvalidTransition, "unknown transaction_id"))
		body["transaction_id"] = txnID
		c.JSON(http.StatusNotFound, body)
		return
	}
	latest := entries[len(entries)-1]

	resp := orderStatusResponse{TransactionID: txnID, Status: string(latest.Status)}

	proj, err := s.projections.Load(ctx, txnID)
	if err != nil {
		s.log.Error("bap: projection load failed", zap.Error(err))
	}
	if proj != nil {
		resp.Action = proj.Action
		resp.CallbackData = proj.Body
		resp.UpdatedAt = proj.UpdatedAt
	}
	c.JSON(http.StatusOK, resp)
}

func ackBody() gin.H { return gin.H{"message": gin.H{"ack": gin.H{"status": "ACK"}}} }

func nackBody(err *weberr.Error) gin.H {
	return gin.H{
		"message": gin.H{"ack": gin.H{"status": "NACK"}},
		"error":   err,
	}
}
