package bpp

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/beckn-net/beckn-core/internal/igm"
	"github.com/beckn-net/beckn-core/internal/orderfsm"
	"github.com/beckn-net/beckn-core/internal/settlement"
	"github.com/beckn-net/beckn-core/internal/weberr"
)

// Message is the generic {context, message} payload shape; the action
// determines how Message's contents are interpreted.
type Message = json.RawMessage

// ActionResult is what ProcessOrderAction hands back to the caller: the
// order's id and its state after the action, ready to drive the async
// on_<action> reply.
type ActionResult struct {
	OrderID  string
	NewState orderfsm.State
	IssueID  string
}

type genericOrderMessage struct {
	Order struct {
		ID                   string          `json:"id"`
		Provider             json.RawMessage `json:"provider"`
		Items                json.RawMessage `json:"items"`
		Billing              json.RawMessage `json:"billing"`
		Fulfillments         json.RawMessage `json:"fulfillments"`
		Quote                json.RawMessage `json:"quote"`
		Payment              json.RawMessage `json:"payment"`
		CancellationReasonID string          `json:"cancellation_reason_id"`
	} `json:"order"`
}

type ratingMessage struct {
	OrderID  string `json:"order_id"`
	Value    int    `json:"rating_value"`
	Feedback string `json:"feedback"`
}

// ProcessOrderAction implements spec.md §4.9's action→state mapping. It
// must be called while holding the caller's per-transaction_id lock.
func (e *Engine) ProcessOrderAction(ctx context.Context, action, transactionID, bapID, bppID, domain, city string, rawMessage Message) (*ActionResult, *weberr.Error) {
	switch action {
	case "search":
		return nil, nil // no order involved; handled entirely by the catalog path
	case "select":
		return e.processSelect(ctx, transactionID, bapID, bppID, domain, city, rawMessage)
	case "init":
		return e.processInit(ctx, transactionID, rawMessage)
	case "confirm":
		return e.processConfirm(ctx, transactionID, rawMessage)
	case "status", "track", "support":
		return e.processReadOnly(ctx, transactionID)
	case "cancel":
		return e.processCancel(ctx, transactionID, rawMessage)
	case "update":
		return e.processUpdate(ctx, transactionID, rawMessage)
	case "rating":
		return e.processRating(ctx, transactionID, rawMessage)
	case "issue":
		return e.processIssue(ctx, transactionID, rawMessage)
	case "issue_status":
		return e.processIssueStatus(ctx, rawMessage)
	default:
		return nil, weberr.BusinessError(weberr.CodeInvalidTransition, "unrecognized action: "+action)
	}
}

func (e *Engine) processSelect(ctx context.Context, transactionID, bapID, bppID, domain, city string, raw Message) (*ActionResult, *weberr.Error) {
	var msg genericOrderMessage
	_ = json.Unmarshal(raw, &msg)

	orderID := NewOrderID()
	if err := e.orders.Create(ctx, orderfsm.Order{
		OrderID: orderID, TransactionID: transactionID, BapID: bapID, BppID: bppID,
		Domain: domain, City: city, Provider: msg.Order.Provider, Items: msg.Order.Items,
	}); err != nil {
		return nil, weberr.TechnicalError(weberr.CodeDatabaseFailure, err.Error())
	}
	return &ActionResult{OrderID: orderID, NewState: orderfsm.StateCreated}, nil
}

func (e *Engine) processInit(ctx context.Context, transactionID string, raw Message) (*ActionResult, *weberr.Error) {
	o, werr := e.requireOrder(ctx, transactionID)
	if werr != nil {
		return nil, werr
	}
	var msg genericOrderMessage
	_ = json.Unmarshal(raw, &msg)
	if err := e.orders.ApplyInit(ctx, o.OrderID, msg.Order.Billing, msg.Order.Fulfillments); err != nil {
		return nil, weberr.TechnicalError(weberr.CodeDatabaseFailure, err.Error())
	}
	return &ActionResult{OrderID: o.OrderID, NewState: orderfsm.StateCreated}, nil
}

func (e *Engine) processConfirm(ctx context.Context, transactionID string, raw Message) (*ActionResult, *weberr.Error) {
	o, werr := e.requireOrder(ctx, transactionID)
	if werr != nil {
		return nil, werr
	}
	var msg genericOrderMessage
	_ = json.Unmarshal(raw, &msg)
	updated, werr := e.orders.Confirm(ctx, o.OrderID, msg.Order.Quote, msg.Order.Payment, "confirm", "bpp")
	if werr != nil {
		return nil, werr
	}
	if e.settlements != nil {
		if err := e.settlements.Record(ctx, settlement.Settlement{
			OrderID: updated.OrderID, CollectorAppID: updated.BapID, ReceiverAppID: updated.BppID,
			SettlementStatus: settlement.StatusPending, ReconStatus: settlement.ReconUnmatched,
			Timestamp: time.Now().UTC(),
		}); err != nil {
			e.log.Error("bpp: settlement record failed", zap.Error(err))
		}
	}
	return &ActionResult{OrderID: updated.OrderID, NewState: updated.State}, nil
}

func (e *Engine) processReadOnly(ctx context.Context, transactionID string) (*ActionResult, *weberr.Error) {
	o, werr := e.requireOrder(ctx, transactionID)
	if werr != nil {
		return nil, werr
	}
	return &ActionResult{OrderID: o.OrderID, NewState: o.State}, nil
}

func (e *Engine) processCancel(ctx context.Context, transactionID string, raw Message) (*ActionResult, *weberr.Error) {
	o, werr := e.requireOrder(ctx, transactionID)
	if werr != nil {
		return nil, werr
	}
	var msg genericOrderMessage
	_ = json.Unmarshal(raw, &msg)
	updated, werr := e.orders.Cancel(ctx, o.OrderID, msg.Order.CancellationReasonID, "buyer")
	if werr != nil {
		return nil, werr
	}
	return &ActionResult{OrderID: updated.OrderID, NewState: updated.State}, nil
}

// updateMessage extends genericOrderMessage with the return_request
// fulfillment tag spec.md §4.9 uses to distinguish a return from a plain
// field update.
type updateMessage struct {
	UpdateTarget string `json:"update_target"`
	Order        struct {
		Fulfillments []struct {
			Tags []struct {
				Code  string `json:"code"`
				Value string `json:"value"`
			} `json:"tags"`
		} `json:"fulfillments"`
	} `json:"order"`
}

func (e *Engine) processUpdate(ctx context.Context, transactionID string, raw Message) (*ActionResult, *weberr.Error) {
	o, werr := e.requireOrder(ctx, transactionID)
	if werr != nil {
		return nil, werr
	}

	var upd updateMessage
	_ = json.Unmarshal(raw, &upd)
	reasonCode := returnReasonCode(upd)
	if reasonCode != "" {
		updated, werr := e.orders.Return(ctx, o.OrderID, reasonCode, "buyer")
		if werr != nil {
			return nil, werr
		}
		return &ActionResult{OrderID: updated.OrderID, NewState: updated.State}, nil
	}

	var msg genericOrderMessage
	_ = json.Unmarshal(raw, &msg)
	if err := e.orders.ApplyUpdate(ctx, o.OrderID, msg.Order.Fulfillments); err != nil {
		return nil, weberr.TechnicalError(weberr.CodeDatabaseFailure, err.Error())
	}
	return &ActionResult{OrderID: o.OrderID, NewState: o.State}, nil
}

func returnReasonCode(upd updateMessage) string {
	for _, f := range upd.Order.Fulfillments {
		for _, t := range f.Tags {
			if t.Code == "return_request" {
				return t.Value
			}
		}
	}
	return ""
}

func (e *Engine) processRating(ctx context.Context, transactionID string, raw Message) (*ActionResult, *weberr.Error) {
	o, werr := e.requireOrder(ctx, transactionID)
	if werr != nil {
		return nil, werr
	}
	var msg ratingMessage
	_ = json.Unmarshal(raw, &msg)
	if werr := e.orders.RecordRating(ctx, orderfsm.Rating{OrderID: o.OrderID, Value: msg.Value, Feedback: msg.Feedback}); werr != nil {
		return nil, werr
	}
	return &ActionResult{OrderID: o.OrderID, NewState: o.State}, nil
}

// issueMessage is the flattened shape of an IGM issue action's message.order
// equivalent: an issue raised against an (optional) order_id.
type issueMessage struct {
	Issue struct {
		ID          string `json:"id"`
		OrderID     string `json:"order_id"`
		Category    string `json:"category"`
		SubCategory string `json:"sub_category"`
		Description struct {
			ShortDesc string `json:"short_desc"`
		} `json:"description"`
	} `json:"issue"`
}

func (e *Engine) processIssue(ctx context.Context, transactionID string, raw Message) (*ActionResult, *weberr.Error) {
	if e.issues == nil {
		return nil, weberr.BusinessError(weberr.CodeInvalidTransition, "issue handling not configured")
	}
	var msg issueMessage
	_ = json.Unmarshal(raw, &msg)

	issueID := msg.Issue.ID
	if issueID == "" {
		issueID = NewOrderID()
	}
	if err := e.issues.Create(ctx, igm.Issue{
		IssueID: issueID, OrderID: msg.Issue.OrderID, TransactionID: transactionID,
		Category: msg.Issue.Category, SubCategory: msg.Issue.SubCategory, ShortDesc: msg.Issue.Description.ShortDesc,
	}); err != nil {
		return nil, weberr.TechnicalError(weberr.CodeDatabaseFailure, err.Error())
	}
	return &ActionResult{IssueID: issueID}, nil
}

// issueStatusMessage carries the issue_id an issue_status lookup (and
// optional respondent transition) targets.
type issueStatusMessage struct {
	IssueID    string `json:"issue_id"`
	Status     string `json:"status"`
	Resolution string `json:"resolution"`
}

func (e *Engine) processIssueStatus(ctx context.Context, raw Message) (*ActionResult, *weberr.Error) {
	if e.issues == nil {
		return nil, weberr.BusinessError(weberr.CodeInvalidTransition, "issue handling not configured")
	}
	var msg issueStatusMessage
	_ = json.Unmarshal(raw, &msg)
	if msg.IssueID == "" {
		return nil, weberr.BusinessError(weberr.CodeInvalidTransition, "issue_status requires issue_id")
	}

	if msg.Status == "" {
		issue, err := e.issues.Get(ctx, msg.IssueID)
		if err != nil {
			return nil, weberr.TechnicalError(weberr.CodeDatabaseFailure, err.Error())
		}
		if issue == nil {
			return nil, weberr.BusinessError(weberr.CodeInvalidTransition, "unknown issue_id: "+msg.IssueID)
		}
		return &ActionResult{IssueID: issue.IssueID}, nil
	}

	issue, werr := e.issues.Transition(ctx, msg.IssueID, igm.Status(msg.Status), msg.Resolution)
	if werr != nil {
		return nil, werr
	}
	return &ActionResult{IssueID: issue.IssueID}, nil
}

func (e *Engine) requireOrder(ctx context.Context, transactionID string) (*orderfsm.Order, *weberr.Error) {
	o, err := e.orders.ByTransaction(ctx, transactionID)
	if err != nil {
		return nil, weberr.TechnicalError(weberr.CodeDatabaseFailure, err.Error())
	}
	if o == nil {
		return nil, weberr.BusinessError(weberr.CodeInvalidTransition, "no order for transaction_id: "+transactionID)
	}
	return o, nil
}
