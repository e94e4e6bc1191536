package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/beckn-net/beckn-core/internal/authheader"
	"github.com/beckn-net/beckn-core/internal/beckncontext"
	"github.com/beckn-net/beckn-core/internal/registry"
	"github.com/beckn-net/beckn-core/internal/txlog"
	"github.com/beckn-net/beckn-core/internal/weberr"
)

// Server exposes the gateway's two routes: POST /search (from a BAP) and
// POST /on_search (the BPP callback relayed back to the BAP).
type Server struct {
	gw            *Gateway
	registryStore *registry.Store
	dedup         *beckncontext.Dedup
	txStore       *txlog.Store
	log           *zap.Logger
}

func NewServer(gw *Gateway, registryStore *registry.Store, dedup *beckncontext.Dedup, txStore *txlog.Store, log *zap.Logger) *Server {
	return &Server{gw: gw, registryStore: registryStore, dedup: dedup, txStore: txStore, log: log}
}

func (s *Server) RegisterRoutes(r gin.IRouter) {
	r.POST("/search", s.handleSearch)
	r.POST("/on_search", s.handleOnSearch)
}

func (s *Server) handleSearch(c *gin.Context) {
	var env Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, nackBody(weberr.ContextError(weberr.CodeMalformedContext, "malformed request body")))
		return
	}
	ctx := c.Request.Context()

	if !s.authenticate(c, env, env.Context.BapID) {
		return
	}

	if verr := beckncontext.Validate(&env.Context); verr != nil {
		c.JSON(http.StatusOK, nackBody(verr))
		return
	}

	seen, err := s.dedup.SeenBefore(ctx, env.Context.MessageID)
	if err != nil {
		s.log.Error("gateway: dedup check failed", zap.Error(err))
	}

	s.recordInbound(ctx, env, "search")
	c.JSON(http.StatusOK, ackBody())

	if seen {
		return
	}
	go s.gw.BroadcastSearch(context.Background(), env)
}

func (s *Server) handleOnSearch(c *gin.Context) {
	var env Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, nackBody(weberr.ContextError(weberr.CodeMalformedContext, "malformed request body")))
		return
	}
	ctx := c.Request.Context()

	if !s.authenticate(c, env, env.Context.BppID) {
		return
	}

	if verr := beckncontext.Validate(&env.Context); verr != nil {
		c.JSON(http.StatusOK, nackBody(verr))
		return
	}

	seen, _ := s.dedup.SeenBefore(ctx, env.Context.MessageID)
	s.recordInbound(ctx, env, "on_search")
	c.JSON(http.StatusOK, ackBody())

	if seen {
		return
	}
	go func() {
		if err := s.gw.RelayCallback(context.Background(), env); err != nil {
			s.log.Warn("gateway: on_search relay failed", zap.Error(err))
		}
	}()
}

// authenticate verifies the Authorization header against senderID's
// registered signing key.
func (s *Server) authenticate(c *gin.Context, env Envelope, senderID string) bool {
	sub, err := s.registryStore.Get(c.Request.Context(), senderID)
	if err != nil || sub == nil {
		c.JSON(http.StatusUnauthorized, nackBody(weberr.PolicyError(weberr.CodeUnauthorized, "unknown subscriber")))
		return false
	}
	header := c.GetHeader("Authorization")
	if !authheader.Verify(header, env, sub.SigningPublicKey) {
		c.JSON(http.StatusUnauthorized, nackBody(weberr.ContextError(weberr.CodeInvalidSignature, "invalid signature")))
		return false
	}
	return true
}

func (s *Server) recordInbound(ctx context.Context, env Envelope, action string) {
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
		s.log.Error("gateway: transaction log append failed", zap.Error(err))
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
