package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/pkg/exchanges/common"
)

type fakeStreamClient struct {
	keepalives int
}

func (f *fakeStreamClient) CreateListenKey(ctx context.Context) (string, error) {
	return "test-listen-key", nil
}
func (f *fakeStreamClient) KeepAliveListenKey(ctx context.Context) error {
	f.keepalives++
	return nil
}
func (f *fakeStreamClient) StreamURL() string { return "" }

type recordingReconciler struct {
	mu    sync.Mutex
	calls []reconcileCall
}

type reconcileCall struct {
	exchangeOrderID string
	status          common.OrderStatus
	executedQty     float64
}

func (r *recordingReconciler) Reconcile(ctx context.Context, exchangeOrderID string, status common.OrderStatus, executedQty float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, reconcileCall{exchangeOrderID, status, executedQty})
	return nil
}

func (r *recordingReconciler) snapshot() []reconcileCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reconcileCall(nil), r.calls...)
}

var upgrader = websocket.Upgrader{}

// serveStream runs a websocket server that sends the given frames to the
// first connection and then closes it.
func serveStream(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/test-listen-key") {
			http.Error(w, "wrong listen key", http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestUserStreamReconcilesOrderUpdates(t *testing.T) {
	frames := []string{
		// Irrelevant event types are ignored.
		`{"e":"ACCOUNT_UPDATE","T":1}`,
		`{"e":"ORDER_TRADE_UPDATE","o":{"s":"BTCUSDT","X":"PARTIALLY_FILLED","i":42,"c":"exec-7","z":"0.5"}}`,
		`{"e":"ORDER_TRADE_UPDATE","o":{"s":"BTCUSDT","X":"FILLED","i":42,"c":"exec-7","z":"1"}}`,
		// Garbage does not kill the stream.
		`not json`,
	}
	srv := serveStream(t, frames)

	rec := &recordingReconciler{}
	us := NewUserStream(&fakeStreamClient{}, rec, "cred-1")
	us.URL = "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Run returns with a read error once the server closes the conn.
	err := us.Run(ctx)
	require.Error(t, err)

	calls := rec.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, reconcileCall{"42", common.StatusPartiallyFilled, 0.5}, calls[0])
	assert.Equal(t, reconcileCall{"42", common.StatusFilled, 1}, calls[1])
}

func TestUserStreamWrongListenKeyFailsDial(t *testing.T) {
	srv := serveStream(t, nil)

	us := NewUserStream(&fakeStreamClient{}, &recordingReconciler{}, "cred-1")
	us.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/extra"

	err := us.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial user stream")
}

func TestMapStreamStatus(t *testing.T) {
	cases := map[string]common.OrderStatus{
		"NEW":              common.StatusPending,
		"PARTIALLY_FILLED": common.StatusPartiallyFilled,
		"FILLED":           common.StatusFilled,
		"CANCELED":         common.StatusCancelled,
		"EXPIRED":          common.StatusCancelled,
		"REJECTED":         common.StatusFailed,
		"anything":         common.StatusPending,
	}
	for in, want := range cases {
		assert.Equal(t, want, mapStreamStatus(in), in)
	}
}
