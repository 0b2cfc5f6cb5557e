package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"execution-core/pkg/exchanges/common"
)

// Start runs one sweep immediately (crash recovery) and then sweeps
// periodically until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	if err := e.Sweep(ctx); err != nil {
		log.Printf("engine: startup sweep: %v", err)
	}

	go func() {
		ticker := time.NewTicker(e.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.Sweep(ctx); err != nil {
					log.Printf("engine: sweep: %v", err)
				}
			}
		}
	}()
}

// Sweep re-checks every stale non-terminal order against the exchange
// and adopts the authoritative state. A PENDING order the exchange never
// heard of is failed; one that turns out to live on the exchange gets its
// id recorded and its state synced.
func (e *Engine) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-e.cfg.SweepStaleAfter)
	stale, err := e.store.ListStaleOpenOrders(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	log.Printf("engine: sweeping %d stale open order(s)", len(stale))
	for i := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.sweepOrder(ctx, stale[i].ID)
	}
	return nil
}

func (e *Engine) sweepOrder(ctx context.Context, orderID int64) {
	lock := e.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; a reconcile may have settled it meanwhile.
	order, err := e.store.GetOrderByID(ctx, orderID)
	if err != nil {
		log.Printf("engine: sweep read order %d: %v", orderID, err)
		return
	}
	if common.OrderStatus(order.Status).Terminal() {
		return
	}

	gw, err := e.pool.GetOrCreate(ctx, order.UserID, order.CredentialID)
	if err != nil {
		log.Printf("engine: sweep order %d: no gateway: %v", order.ID, err)
		return
	}

	state, err := gw.GetOrder(ctx, order.Symbol, order.ExchangeOrderID, clientOrderID(order.ID))
	if err != nil {
		if errors.Is(err, common.ErrOrderNotFound) {
			if order.ExchangeOrderID == "" {
				// The submission died before the exchange saw it.
				if _, err := e.applyTransition(ctx, order.ID, common.StatusFailed, 0, 0, "order never reached the exchange"); err != nil {
					log.Printf("engine: sweep fail order %d: %v", order.ID, err)
				}
				return
			}
			// The exchange acked this order once; not-found now likely
			// means history purge. Log and keep for the next sweep.
			log.Printf("engine: sweep order %d: exchange lost order %s", order.ID, order.ExchangeOrderID)
			return
		}
		e.noteGatewayError(order.CredentialID, err)
		log.Printf("engine: sweep query order %d: %v", order.ID, err)
		return
	}

	e.pool.RecordSuccess(order.CredentialID)

	if order.ExchangeOrderID == "" && state.ExchangeOrderID != "" {
		if err := e.store.SetOrderExchangeID(ctx, order.ID, state.ExchangeOrderID); err != nil {
			log.Printf("engine: sweep record exchange id for order %d: %v", order.ID, err)
			return
		}
	}

	changed, err := e.applyTransition(ctx, order.ID, state.Status, state.ExecutedQty, 0, "")
	if err != nil {
		log.Printf("engine: sweep apply order %d: %v", order.ID, err)
		return
	}
	if changed {
		if e.metrics != nil {
			e.metrics.IncrementReconciles()
		}
		log.Printf("engine: sweep reconciled order %d to %s (%.8f executed)", order.ID, state.Status, state.ExecutedQty)
	}
}
