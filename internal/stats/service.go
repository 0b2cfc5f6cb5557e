// Package stats aggregates per-user trading activity from the order log.
package stats

import (
	"context"

	"execution-core/pkg/db"
)

// Snapshot is a user's aggregate activity view.
type Snapshot struct {
	TotalTrades       int `json:"total_trades"`
	SuccessfulTrades  int `json:"successful_trades"`
	FailedTrades      int `json:"failed_trades"`
	PendingTrades     int `json:"pending_trades"`
	ActiveCredentials int `json:"active_credentials"`
}

// Service computes order statistics straight from the store, so counts
// always reflect the durable log rather than in-memory state.
type Service struct {
	store *db.Database
}

func New(store *db.Database) *Service {
	return &Service{store: store}
}

// Compute returns the user's current aggregate counts.
func (s *Service) Compute(ctx context.Context, userID string) (*Snapshot, error) {
	counts, err := s.store.CountUserOrders(ctx, userID)
	if err != nil {
		return nil, err
	}
	creds, err := s.store.CountActiveCredentials(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		TotalTrades:       counts.Total,
		SuccessfulTrades:  counts.Filled,
		FailedTrades:      counts.Failed,
		PendingTrades:     counts.Pending,
		ActiveCredentials: creds,
	}, nil
}
