// Package engine owns the order lifecycle: validated submission with a
// durable PENDING record ahead of any network call, reconciliation of
// exchange-side state into the local log, and cancellation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"execution-core/internal/events"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

// GatewayProvider hands out a Gateway for a user's credential config.
// Implemented by the gateway pool.
type GatewayProvider interface {
	GetOrCreate(ctx context.Context, userID, credentialID string) (common.Gateway, error)
	RecordFailure(credentialID string)
	RecordSuccess(credentialID string)
}

// Metrics is the subset of the monitor the engine feeds. May be nil.
type Metrics interface {
	IncrementOrders()
	IncrementReconciles()
	IncrementErrors()
}

// Config tunes the engine's sweep behavior.
type Config struct {
	SweepInterval   time.Duration // periodic sweep cadence
	SweepStaleAfter time.Duration // non-terminal age before an order is re-checked
}

// Engine executes and reconciles orders.
type Engine struct {
	store   *db.Database
	pool    GatewayProvider
	bus     *events.Bus
	metrics Metrics
	cfg     Config

	// One in-flight network submission per credential.
	credMu    sync.Mutex
	credLocks map[string]*sync.Mutex

	// Reconciliation is serialized per order, concurrent across orders.
	orderMu    sync.Mutex
	orderLocks map[int64]*sync.Mutex
}

// New creates an Engine. bus and metrics may be nil.
func New(store *db.Database, pool GatewayProvider, bus *events.Bus, metrics Metrics, cfg Config) *Engine {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.SweepStaleAfter <= 0 {
		cfg.SweepStaleAfter = 60 * time.Second
	}
	return &Engine{
		store:      store,
		pool:       pool,
		bus:        bus,
		metrics:    metrics,
		cfg:        cfg,
		credLocks:  make(map[string]*sync.Mutex),
		orderLocks: make(map[int64]*sync.Mutex),
	}
}

// clientOrderID derives the exchange client order id from the row id, so
// a crash between insert and ack can be recovered by a client-id query.
func clientOrderID(orderID int64) string {
	return fmt.Sprintf("exec-%d", orderID)
}

// SubmitOrder validates, persists, and submits an order. The returned
// order reflects the row after submission; on error it may be non-nil
// (e.g. a PENDING row waiting for the sweep, or a FAILED row with the
// rejection reason).
func (e *Engine) SubmitOrder(ctx context.Context, userID string, req Request) (*db.Order, error) {
	req.normalize()
	if err := req.validate(); err != nil {
		return nil, err
	}

	cred, err := e.resolveCredential(ctx, userID, req.CredentialID)
	if err != nil {
		return nil, err
	}

	gw, err := e.pool.GetOrCreate(ctx, userID, cred.ID)
	if err != nil {
		return nil, fmt.Errorf("gateway for credential %s: %w", cred.ID, err)
	}

	// Serialize submissions per credential.
	lock := e.credLock(cred.ID)
	lock.Lock()
	defer lock.Unlock()

	// Stop direction is checked against the live price before anything
	// is persisted; a bad stop never produces a row.
	if req.OrderType == string(common.OrderTypeStopLimit) {
		livePrice, err := gw.GetPrice(ctx, req.Symbol)
		if err != nil {
			e.noteGatewayError(cred.ID, err)
			return nil, fmt.Errorf("fetch price for stop validation: %w", err)
		}
		if err := checkStopDirection(common.Side(req.Side), req.StopPrice, livePrice); err != nil {
			return nil, err
		}
	}

	// Durable PENDING row before the network call. A crash after this
	// point leaves a row the sweep can recover.
	orderID, err := e.store.InsertOrder(ctx, db.Order{
		UserID:       userID,
		CredentialID: cred.ID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		OrderType:    req.OrderType,
		Quantity:     req.Quantity,
		Price:        req.Price,
		StopPrice:    req.StopPrice,
		Status:       string(common.StatusPending),
	})
	if err != nil {
		return nil, fmt.Errorf("persist order: %w", err)
	}
	e.publish(events.EventOrderSubmitted, e.snapshot(ctx, orderID, ""))

	result, submitErr := gw.PlaceOrder(ctx, common.OrderRequest{
		Symbol:    req.Symbol,
		Side:      common.Side(req.Side),
		Type:      common.OrderType(req.OrderType),
		Qty:       req.Quantity,
		Price:     req.Price,
		StopPrice: req.StopPrice,
		ClientID:  clientOrderID(orderID),
	})
	if submitErr != nil {
		return e.handleSubmitFailure(ctx, orderID, cred.ID, submitErr)
	}

	e.pool.RecordSuccess(cred.ID)
	if e.metrics != nil {
		e.metrics.IncrementOrders()
	}

	if result.ExchangeOrderID != "" {
		if err := e.store.SetOrderExchangeID(ctx, orderID, result.ExchangeOrderID); err != nil {
			log.Printf("engine: record exchange id for order %d: %v", orderID, err)
		}
	}

	status := result.Status
	executed := result.ExecutedQty
	// A MARKET ack means the order traded in full; some venues still
	// report NEW on the ack itself.
	if common.OrderType(req.OrderType) == common.OrderTypeMarket {
		status = common.StatusFilled
	}
	if status == common.StatusFilled {
		executed = req.Quantity
	}

	if status != common.StatusPending {
		if _, err := e.applyTransition(ctx, orderID, status, executed, result.AvgPrice, ""); err != nil {
			log.Printf("engine: apply submit result for order %d: %v", orderID, err)
		}
	}

	return e.store.GetOrderByID(ctx, orderID)
}

// handleSubmitFailure classifies a placeOrder error. Transient failures
// leave the row PENDING for the sweep; deterministic rejections fail it
// immediately. Nothing is ever auto-retried.
func (e *Engine) handleSubmitFailure(ctx context.Context, orderID int64, credentialID string, submitErr error) (*db.Order, error) {
	e.noteGatewayError(credentialID, submitErr)

	if common.IsTransient(submitErr) {
		log.Printf("engine: order %d submission outcome unknown, leaving PENDING: %v", orderID, submitErr)
		order, err := e.store.GetOrderByID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		return order, submitErr
	}

	if _, err := e.applyTransition(ctx, orderID, common.StatusFailed, 0, 0, submitErr.Error()); err != nil {
		log.Printf("engine: mark order %d failed: %v", orderID, err)
	}
	order, err := e.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return order, submitErr
}

// Reconcile applies an exchange-side update addressed by exchange order
// id. Unknown ids are logged and dropped; replays and rewinds are no-ops.
func (e *Engine) Reconcile(ctx context.Context, exchangeOrderID string, status common.OrderStatus, executedQty float64) error {
	order, err := e.store.GetOrderByExchangeID(ctx, exchangeOrderID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			log.Printf("engine: reconcile for unknown exchange order %s (status %s), dropped", exchangeOrderID, status)
			return nil
		}
		return err
	}

	lock := e.orderLock(order.ID)
	lock.Lock()
	defer lock.Unlock()

	_, err = e.applyTransition(ctx, order.ID, status, executedQty, 0, "")
	if err == nil && e.metrics != nil {
		e.metrics.IncrementReconciles()
	}
	return err
}

// Cancel cancels a user's resting order on the exchange and records the
// outcome.
func (e *Engine) Cancel(ctx context.Context, userID string, orderID int64) (*db.Order, error) {
	order, err := e.store.GetUserOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if common.OrderStatus(order.Status).Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrNotCancellable, order.Status)
	}

	lock := e.orderLock(order.ID)
	lock.Lock()
	defer lock.Unlock()

	// A PENDING row with no exchange id never got an ack; check whether
	// the exchange knows it before deciding.
	if order.ExchangeOrderID == "" {
		gw, err := e.pool.GetOrCreate(ctx, userID, order.CredentialID)
		if err != nil {
			return nil, err
		}
		state, err := gw.GetOrder(ctx, order.Symbol, "", clientOrderID(order.ID))
		if err != nil {
			if errors.Is(err, common.ErrOrderNotFound) {
				// Never reached the exchange; cancel locally.
				if _, err := e.applyTransition(ctx, order.ID, common.StatusCancelled, order.ExecutedQty, 0, "cancelled before reaching the exchange"); err != nil {
					return nil, err
				}
				return e.store.GetOrderByID(ctx, order.ID)
			}
			return nil, err
		}
		order.ExchangeOrderID = state.ExchangeOrderID
		if err := e.store.SetOrderExchangeID(ctx, order.ID, state.ExchangeOrderID); err != nil {
			return nil, err
		}
	}

	gw, err := e.pool.GetOrCreate(ctx, userID, order.CredentialID)
	if err != nil {
		return nil, err
	}

	cancelErr := gw.CancelOrder(ctx, order.Symbol, order.ExchangeOrderID)
	if cancelErr != nil && !errors.Is(cancelErr, common.ErrOrderNotFound) && !errors.Is(cancelErr, common.ErrAlreadyFilled) {
		e.noteGatewayError(order.CredentialID, cancelErr)
		return nil, cancelErr
	}

	// Cancel raced a fill, or succeeded: the exchange has the truth.
	state, err := gw.GetOrder(ctx, order.Symbol, order.ExchangeOrderID, "")
	if err != nil {
		// Cancel went through but the confirm query failed; record the
		// cancel with what we know.
		if _, err := e.applyTransition(ctx, order.ID, common.StatusCancelled, order.ExecutedQty, 0, ""); err != nil {
			return nil, err
		}
	} else {
		if _, err := e.applyTransition(ctx, order.ID, state.Status, state.ExecutedQty, 0, ""); err != nil {
			return nil, err
		}
	}

	return e.store.GetOrderByID(ctx, order.ID)
}

// applyTransition enforces the forward-only state machine and writes the
// guarded update. Returns whether a write happened. Callers hold the
// order lock where racing matters.
func (e *Engine) applyTransition(ctx context.Context, orderID int64, status common.OrderStatus, executedQty, avgPrice float64, reason string) (bool, error) {
	order, err := e.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return false, err
	}

	// FILLED means fully executed, whatever the update claimed. A settle
	// (cancel/fail) keeps the fill already recorded.
	if status == common.StatusFilled {
		executedQty = order.Quantity
	}
	if (status == common.StatusCancelled || status == common.StatusFailed) && executedQty < order.ExecutedQty {
		executedQty = order.ExecutedQty
	}

	current := common.OrderStatus(order.Status)
	if !allowedTransition(current, status, order.ExecutedQty, executedQty) {
		if current == status && executedQty == order.ExecutedQty {
			return false, nil // replay, idempotent
		}
		log.Printf("engine: discarded transition %s(%.8f) -> %s(%.8f) for order %d",
			current, order.ExecutedQty, status, executedQty, orderID)
		return false, nil
	}

	ok, err := e.store.TransitionOrder(ctx, orderID, order.Status, string(status), executedQty, avgPrice, reason)
	if err != nil {
		if e.metrics != nil {
			e.metrics.IncrementErrors()
		}
		return false, err
	}
	if !ok {
		// Lost a race with a concurrent writer; the guard kept the row safe.
		return false, nil
	}

	e.publish(statusEvent(status), e.snapshot(ctx, orderID, reason))
	return true, nil
}

// allowedTransition is the forward-only rule: PENDING may move anywhere,
// PARTIALLY_FILLED may only grow its fill or settle, terminal states
// never change.
func allowedTransition(from, to common.OrderStatus, fromQty, toQty float64) bool {
	if from.Terminal() {
		return false
	}
	if toQty < fromQty {
		return false
	}
	switch from {
	case common.StatusPending:
		switch to {
		case common.StatusPartiallyFilled, common.StatusFilled, common.StatusFailed, common.StatusCancelled:
			return true
		}
	case common.StatusPartiallyFilled:
		switch to {
		case common.StatusPartiallyFilled:
			return toQty > fromQty
		case common.StatusFilled, common.StatusCancelled:
			return true
		}
	}
	return false
}

func statusEvent(status common.OrderStatus) events.Event {
	switch status {
	case common.StatusFilled:
		return events.EventOrderFilled
	case common.StatusPartiallyFilled:
		return events.EventOrderPartiallyFilled
	case common.StatusFailed:
		return events.EventOrderRejected
	case common.StatusCancelled:
		return events.EventOrderCancelled
	default:
		return events.EventOrderAccepted
	}
}

func (e *Engine) resolveCredential(ctx context.Context, userID, credentialID string) (*db.CredentialConfig, error) {
	var (
		cred *db.CredentialConfig
		err  error
	)
	if credentialID == "" {
		cred, err = e.store.FirstActiveCredential(ctx, userID)
	} else {
		cred, err = e.store.GetCredential(ctx, userID, credentialID)
	}
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNoCredential
		}
		return nil, err
	}
	if !cred.IsActive {
		return nil, ErrNoCredential
	}
	return cred, nil
}

// noteGatewayError feeds the pool's circuit breaker for infrastructure
// failures. Deterministic order rejections are not gateway failures.
func (e *Engine) noteGatewayError(credentialID string, err error) {
	if common.IsTransient(err) || errors.Is(err, common.ErrAuthFailure) {
		e.pool.RecordFailure(credentialID)
	}
	if e.metrics != nil {
		e.metrics.IncrementErrors()
	}
}

func (e *Engine) credLock(credentialID string) *sync.Mutex {
	e.credMu.Lock()
	defer e.credMu.Unlock()
	lock, ok := e.credLocks[credentialID]
	if !ok {
		lock = &sync.Mutex{}
		e.credLocks[credentialID] = lock
	}
	return lock
}

func (e *Engine) orderLock(orderID int64) *sync.Mutex {
	e.orderMu.Lock()
	defer e.orderMu.Unlock()
	lock, ok := e.orderLocks[orderID]
	if !ok {
		lock = &sync.Mutex{}
		e.orderLocks[orderID] = lock
	}
	return lock
}

func (e *Engine) publish(event events.Event, update *events.OrderUpdate) {
	if e.bus == nil || update == nil {
		return
	}
	e.bus.Publish(event, *update)
	e.bus.Publish(events.EventOrderUpdate, *update)
}

func (e *Engine) snapshot(ctx context.Context, orderID int64, reason string) *events.OrderUpdate {
	order, err := e.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil
	}
	return &events.OrderUpdate{
		OrderID:         order.ID,
		ExchangeOrderID: order.ExchangeOrderID,
		UserID:          order.UserID,
		Symbol:          order.Symbol,
		Side:            order.Side,
		Status:          order.Status,
		ExecutedQty:     order.ExecutedQty,
		Quantity:        order.Quantity,
		Reason:          reason,
		Timestamp:       time.Now(),
	}
}
