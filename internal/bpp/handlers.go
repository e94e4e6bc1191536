package bpp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/beckn-net/beckn-core/internal/authheader"
	"github.com/beckn-net/beckn-core/internal/beckncontext"
	"github.com/beckn-net/beckn-core/internal/catalog"
	"github.com/beckn-net/beckn-core/internal/registry"
	"github.com/beckn-net/beckn-core/internal/txlog"
	"github.com/beckn-net/beckn-core/internal/weberr"
)

var protocolActions = []string{
	"search", "select", "init", "confirm", "status", "track",
	"cancel", "update", "rating", "support", "issue", "issue_status",
}

// Server exposes one POST route per protocol action, per spec.md §4.7.
type Server struct {
	engine        *Engine
	registryStore *registry.Store
	dedup         *beckncontext.Dedup
	txStore       *txlog.Store
	log           *zap.Logger
}

func NewServer(engine *Engine, registryStore *registry.Store, dedup *beckncontext.Dedup, txStore *txlog.Store, log *zap.Logger) *Server {
	return &Server{engine: engine, registryStore: registryStore, dedup: dedup, txStore: txStore, log: log}
}

func (s *Server) RegisterRoutes(r gin.IRouter) {
	for _, action := range protocolActions {
		action := action
		r.POST("/"+action, func(c *gin.Context) { s.handleAction(c, action) })
	}
	r.GET("/settlements/:order_id", s.handleGetSettlement)
}

func (s *Server) handleGetSettlement(c *gin.Context) {
	if s.engine.settlements == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "settlement not found"})
		return
	}
	st, err := s.engine.settlements.Get(c.Request.Context(), c.Param("order_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if st == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "settlement not found"})
		return
	}
	c.JSON(http.StatusOK, st)
}

type envelope struct {
	Context beckncontext.Context `json:"context"`
	Message json.RawMessage      `json:"message"`
}

func (s *Server) handleAction(c *gin.Context, action string) {
	var env envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, nackBody(weberr.ContextError(weberr.CodeMalformedContext, "malformed request body")))
		return
	}
	ctx := c.Request.Context()

	sub, err := s.registryStore.Get(ctx, env.Context.BapID)
	if err != nil || sub == nil {
		c.JSON(http.StatusUnauthorized, nackBody(weberr.PolicyError(weberr.CodeUnauthorized, "unknown bap_id")))
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
		s.log.Error("bpp: dedup check failed", zap.Error(err))
	}

	if seen {
		s.recordInbound(ctx, env, action)
		c.JSON(http.StatusOK, ackBody())
		return
	}

	var result *ActionResult
	var werr *weberr.Error
	s.engine.WithTransactionLock(env.Context.TransactionID, func() {
		result, werr = s.engine.ProcessOrderAction(ctx, action, env.Context.TransactionID,
			env.Context.BapID, env.Context.BppID, env.Context.Domain, env.Context.EffectiveCity(), env.Message)
	})

	s.recordInbound(ctx, env, action)

	if werr != nil {
		c.JSON(http.StatusOK, nackBody(werr))
		return
	}
	c.JSON(http.StatusOK, ackBody())

	go s.dispatchCallback(context.Background(), action, env, result)
}

func (s *Server) dispatchCallback(ctx context.Context, action string, env envelope, result *ActionResult) {
	var body any
	var err error
	switch action {
	case "search":
		body, err = s.buildOnSearch(ctx, env)
	case "issue", "issue_status":
		body, err = s.buildOnIssue(ctx, result)
	default:
		body, err = s.buildOnOrder(ctx, result)
	}
	if err != nil {
		s.log.Warn("bpp: callback build failed", zap.String("action", action), zap.Error(err))
		return
	}
	if body == nil {
		return // e.g. incremental catalog filter matched nothing
	}
	if err := s.engine.DispatchCallback(ctx, env.Context.BapURI, action, body); err != nil {
		s.log.Warn("bpp: callback dispatch failed", zap.String("action", action), zap.Error(err))
	}
}

type searchMessage struct {
	Intent struct {
		Descriptor struct {
			Name string `json:"name"`
		} `json:"descriptor"`
		Category struct {
			ID string `json:"id"`
		} `json:"category"`
		Provider struct {
			ID string `json:"id"`
		} `json:"provider"`
		Fulfillment struct {
			Type string `json:"type"`
		} `json:"fulfillment"`
		Tags []struct {
			Code   string   `json:"code"`
			Values []string `json:"list"`
		} `json:"tags"`
	} `json:"intent"`
}

func (s *Server) buildOnSearch(ctx context.Context, env envelope) (any, error) {
	var msg searchMessage
	_ = json.Unmarshal(env.Message, &msg)

	intent := catalog.Intent{
		DescriptorName: msg.Intent.Descriptor.Name,
		CategoryID:     msg.Intent.Category.ID,
		ProviderID:     msg.Intent.Provider.ID,
		FulfillmentTyp: msg.Intent.Fulfillment.Type,
		Tags:           map[string][]string{},
	}
	for _, t := range msg.Intent.Tags {
		if t.Code == "catalog_inc" {
			for _, v := range t.Values {
				if ts, err := time.Parse(time.RFC3339, v); err == nil {
					intent.CatalogIncTS = &ts
				}
			}
			continue
		}
		intent.Tags[t.Code] = t.Values
	}

	subscriberID := env.Context.BppID
	c, err := s.engine.catalog.BuildOnSearchResponse(ctx, subscriberID, intent, 0)
	if err != nil || c == nil {
		return nil, err
	}
	return gin.H{"context": env.Context, "message": gin.H{"catalog": c}}, nil
}

func (s *Server) buildOnOrder(ctx context.Context, result *ActionResult) (any, error) {
	if result == nil {
		return nil, nil
	}
	o, err := s.engine.orders.Get(ctx, result.OrderID)
	if err != nil || o == nil {
		return nil, err
	}
	return gin.H{"order": o}, nil
}

func (s *Server) buildOnIssue(ctx context.Context, result *ActionResult) (any, error) {
	if result == nil || s.engine.issues == nil {
		return nil, nil
	}
	i, err := s.engine.issues.Get(ctx, result.IssueID)
	if err != nil || i == nil {
		return nil, err
	}
	return gin.H{"issue": i}, nil
}

func (s *Server) recordInbound(ctx context.Context, env envelope, action string) {
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
		Status:        txlog.StatusAck,
	})
	if err != nil {
		s.log.Error("bpp: transaction log append failed", zap.Error(err))
	}
}

func ackBody() gin.H {
	return gin.H{"message": gin.H{"ack": gin.H{"status": "ACK"}}}
}

func nackBody(err *weberr.Error) gin.H {
	return gin.H{
		"message": gin.H{"ack": gin.H{"status": "NACK"}},
		"error":   err,
	}
}
