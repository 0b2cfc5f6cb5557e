package common

import (
	"context"
	"log"
	"sync"
	"time"
)

// TimeSync tracks the offset between the local clock and a venue's server
// clock so signed request timestamps stay inside the venue's recv window.
type TimeSync struct {
	mu            sync.RWMutex
	getServerTime func(ctx context.Context) (int64, error)
	offset        int64 // milliseconds, server minus local
	lastSync      time.Time
	interval      time.Duration
}

// NewTimeSync creates a sync manager around a server-time fetcher.
func NewTimeSync(getServerTime func(ctx context.Context) (int64, error)) *TimeSync {
	return &TimeSync{
		getServerTime: getServerTime,
		interval:      30 * time.Minute,
	}
}

// SyncIfStale re-syncs when the last successful sync is older than the
// re-sync interval. Callers run it before issuing signed requests, which
// gives an initial sync on first use and a periodic refresh after that.
func (ts *TimeSync) SyncIfStale(ctx context.Context) error {
	ts.mu.RLock()
	fresh := time.Since(ts.lastSync) < ts.interval
	ts.mu.RUnlock()
	if fresh {
		return nil
	}
	return ts.Sync(ctx)
}

// Sync fetches server time once and updates the offset. Network latency is
// assumed symmetric.
func (ts *TimeSync) Sync(ctx context.Context) error {
	before := time.Now().UnixMilli()
	serverTime, err := ts.getServerTime(ctx)
	if err != nil {
		return err
	}
	after := time.Now().UnixMilli()

	local := before + (after-before)/2

	ts.mu.Lock()
	ts.offset = serverTime - local
	ts.lastSync = time.Now()
	ts.mu.Unlock()

	log.Printf("time sync: offset=%dms", serverTime-local)
	return nil
}

// Now returns the current time in milliseconds adjusted to the server clock.
func (ts *TimeSync) Now() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}

// Offset returns the current offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
