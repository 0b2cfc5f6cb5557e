package futures

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"execution-core/pkg/exchanges/common"
)

// Listen key endpoints authenticate with the API key header only; no
// signature or timestamp.

// CreateListenKey opens a user data stream and returns its key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	if c.cfg.APIKey == "" {
		return "", common.ErrAuthFailure
	}
	body, err := c.doKeyed(ctx, http.MethodPost, "/fapi/v1/listenKey")
	if err != nil {
		return "", err
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode listen key: %w", err)
	}
	if resp.ListenKey == "" {
		return "", fmt.Errorf("empty listen key in response")
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends the stream's validity. Binance expires keys
// after 60 minutes without a keepalive; futures keepalives address the
// account's single stream, so no key is passed.
func (c *Client) KeepAliveListenKey(ctx context.Context) error {
	_, err := c.doKeyed(ctx, http.MethodPut, "/fapi/v1/listenKey")
	return err
}

// CloseListenKey closes the user data stream.
func (c *Client) CloseListenKey(ctx context.Context) error {
	_, err := c.doKeyed(ctx, http.MethodDelete, "/fapi/v1/listenKey")
	return err
}

// StreamURL returns the websocket base for user data streams.
func (c *Client) StreamURL() string {
	if c.cfg.Testnet {
		return "wss://stream.binancefuture.com/ws"
	}
	return "wss://fstream.binance.com/ws"
}

func (c *Client) doKeyed(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.do(req)
}
