// Package stream consumes venue user data streams and feeds order updates
// into reconciliation. It is a latency optimization on top of the polling
// sweep: a missed or dropped event is always caught by the next sweep.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"execution-core/pkg/exchanges/common"
)

// Client is what a gateway must expose to run a user data stream.
// The Binance futures client implements it.
type Client interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context) error
	StreamURL() string
}

// Reconciler applies an exchange-side order update. Implemented by the
// engine.
type Reconciler interface {
	Reconcile(ctx context.Context, exchangeOrderID string, status common.OrderStatus, executedQty float64) error
}

// UserStream is one live user data stream for one credential.
type UserStream struct {
	client       Client
	rec          Reconciler
	credentialID string

	// URL overrides the client's stream base. Tests point it at a local
	// websocket server.
	URL string
}

func NewUserStream(client Client, rec Reconciler, credentialID string) *UserStream {
	return &UserStream{client: client, rec: rec, credentialID: credentialID}
}

// Run opens the stream and consumes it until ctx is done or the
// connection drops. The caller decides whether to restart.
func (s *UserStream) Run(ctx context.Context) error {
	listenKey, err := s.client.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("create listen key: %w", err)
	}

	base := s.URL
	if base == "" {
		base = s.client.StreamURL()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, base+"/"+listenKey, nil)
	if err != nil {
		return fmt.Errorf("dial user stream: %w", err)
	}
	defer conn.Close()
	log.Printf("stream: user stream up for credential %s", s.credentialID)

	// Keys expire after 60 minutes without a keepalive.
	keepalive := time.NewTicker(30 * time.Minute)
	defer keepalive.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				// Unblocks the reader below.
				conn.Close()
				return
			case <-keepalive.C:
				if err := s.client.KeepAliveListenKey(ctx); err != nil {
					log.Printf("stream: keepalive for credential %s: %v", s.credentialID, err)
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read user stream: %w", err)
		}
		s.handleMessage(ctx, msg)
	}
}

func (s *UserStream) handleMessage(ctx context.Context, msg []byte) {
	// The "e" field is not always a plain string on every event type;
	// decode lazily.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(msg, &raw); err != nil {
		log.Printf("stream: parse error: %v", err)
		return
	}

	var eventType string
	if v, ok := raw["e"]; ok {
		if err := json.Unmarshal(v, &eventType); err != nil {
			return
		}
	}
	if eventType != "ORDER_TRADE_UPDATE" {
		return
	}

	var wrap struct {
		Data struct {
			Symbol        string `json:"s"`
			Status        string `json:"X"`
			OrderID       int64  `json:"i"`
			ClientOrderID string `json:"c"`
			CumQty        string `json:"z"`
		} `json:"o"`
	}
	if err := json.Unmarshal(msg, &wrap); err != nil {
		log.Printf("stream: order update parse error: %v", err)
		return
	}

	executed, _ := strconv.ParseFloat(wrap.Data.CumQty, 64)
	exchangeOrderID := strconv.FormatInt(wrap.Data.OrderID, 10)

	if err := s.rec.Reconcile(ctx, exchangeOrderID, mapStreamStatus(wrap.Data.Status), executed); err != nil {
		log.Printf("stream: reconcile order %s: %v", exchangeOrderID, err)
	}
}

func mapStreamStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return common.StatusPending
	case "PARTIALLY_FILLED":
		return common.StatusPartiallyFilled
	case "FILLED":
		return common.StatusFilled
	case "CANCELED", "EXPIRED":
		return common.StatusCancelled
	case "REJECTED":
		return common.StatusFailed
	default:
		return common.StatusPending
	}
}
