package stream

import (
	"context"
	"log"
	"sync"
	"time"

	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

// GatewayProvider is the pool subset the supervisor needs.
type GatewayProvider interface {
	GetOrCreate(ctx context.Context, userID, credentialID string) (common.Gateway, error)
}

// Supervisor keeps one user stream running per active credential. Dead
// streams are restarted on the next sync; a gateway whose type does not
// support streaming is skipped.
type Supervisor struct {
	store    *db.Database
	pool     GatewayProvider
	rec      Reconciler
	interval time.Duration

	mu      sync.Mutex
	running map[string]bool
}

func NewSupervisor(store *db.Database, pool GatewayProvider, rec Reconciler, interval time.Duration) *Supervisor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Supervisor{
		store:    store,
		pool:     pool,
		rec:      rec,
		interval: interval,
		running:  make(map[string]bool),
	}
}

// Start syncs immediately and then keeps syncing until ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) {
	s.sync(ctx)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sync(ctx)
			}
		}
	}()
}

func (s *Supervisor) sync(ctx context.Context) {
	creds, err := s.store.ListActiveCredentials(ctx)
	if err != nil {
		log.Printf("stream: list credentials: %v", err)
		return
	}

	for i := range creds {
		cred := creds[i]

		s.mu.Lock()
		alive := s.running[cred.ID]
		if !alive {
			s.running[cred.ID] = true
		}
		s.mu.Unlock()
		if alive {
			continue
		}

		gw, err := s.pool.GetOrCreate(ctx, cred.UserID, cred.ID)
		if err != nil {
			log.Printf("stream: gateway for credential %s: %v", cred.ID, err)
			s.markStopped(cred.ID)
			continue
		}
		client, ok := gw.(Client)
		if !ok {
			// Venue without user streams; the sweep covers it alone.
			s.markStopped(cred.ID)
			continue
		}

		us := NewUserStream(client, s.rec, cred.ID)
		go func(credentialID string) {
			defer s.markStopped(credentialID)
			if err := us.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("stream: credential %s stream ended: %v", credentialID, err)
			}
		}(cred.ID)
	}
}

func (s *Supervisor) markStopped(credentialID string) {
	s.mu.Lock()
	delete(s.running, credentialID)
	s.mu.Unlock()
}
