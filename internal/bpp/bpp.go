// Package bpp implements C8: the inbound protocol-action router, order
// state machine driver, and outbound signed callback dispatch. Grounded on
// internal/auth/middleware.go's Gin-middleware verification shape and
// internal/settler/handler.go's per-entity dispatch-by-status pattern;
// per-transaction serialization is grounded on the sync.Mutex-keyed-map
// idiom used throughout certenIO-certen-validator's pkg/batch package.
package bpp

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beckn-net/beckn-core/internal/catalog"
	"github.com/beckn-net/beckn-core/internal/httpclient"
	"github.com/beckn-net/beckn-core/internal/igm"
	"github.com/beckn-net/beckn-core/internal/orderfsm"
	"github.com/beckn-net/beckn-core/internal/settlement"
	"github.com/beckn-net/beckn-core/internal/txlog"
)

// Engine wires the order store, catalog store and outbound client together
// and owns the per-transaction_id lock table.
type Engine struct {
	orders      *orderfsm.Store
	catalog     *catalog.Store
	txlog       *txlog.Store
	issues      *igm.Store
	settlements *settlement.Store
	client      *httpclient.Client
	log         *zap.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(orders *orderfsm.Store, cat *catalog.Store, tx *txlog.Store, issues *igm.Store, settlements *settlement.Store,
	subscriberID, uniqueKeyID string, privKey ed25519.PrivateKey, log *zap.Logger) *Engine {
	return &Engine{
		orders:      orders,
		catalog:     cat,
		txlog:       tx,
		issues:      issues,
		settlements: settlements,
		client:      httpclient.New(subscriberID, uniqueKeyID, privKey, 10*time.Second),
		log:         log,
		locks:       make(map[string]*sync.Mutex),
	}
}

// lockFor returns the per-transaction_id mutex, creating it on first use.
// spec.md §4.7/§5: concurrent select/init/confirm on the same transaction
// must serialize.
func (e *Engine) lockFor(transactionID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[transactionID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[transactionID] = l
	}
	return l
}

// WithTransactionLock runs fn while holding the lock for transactionID.
func (e *Engine) WithTransactionLock(transactionID string, fn func()) {
	l := e.lockFor(transactionID)
	l.Lock()
	defer l.Unlock()
	fn()
}

// NewOrderID derives a stable order_id for a fresh (select-created)
// transaction. Spec.md doesn't mandate a particular format; a random v4
// keeps it collision-free the same way transaction_id/message_id are
// generated in beckncontext.Build.
func NewOrderID() string { return uuid.NewString() }

// DispatchCallback signs and POSTs an on_<action> body to bapURI.
func (e *Engine) DispatchCallback(ctx context.Context, bapURI, action string, body any) error {
	url := bapURI + "/on_" + action
	_, err := e.client.Post(ctx, url, body)
	return err
}
