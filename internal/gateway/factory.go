package gateway

import (
	"fmt"
	"time"

	"execution-core/pkg/config"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/binance/futures"
	"execution-core/pkg/exchanges/common"
)

// BinanceFuturesFactory builds USDT-M futures gateways from a venue
// profile. The credential's testnet flag picks the endpoint.
func BinanceFuturesFactory(profile config.VenueProfile, timeout time.Duration) Factory {
	return func(cred db.CredentialConfig, apiKey, apiSecret string) (common.Gateway, error) {
		if apiKey == "" || apiSecret == "" {
			return nil, fmt.Errorf("credential %s has empty secrets", cred.ID)
		}

		base := profile.BaseURL
		if cred.IsTestnet {
			base = profile.TestnetURL
		}
		return futures.New(futures.Config{
			APIKey:     apiKey,
			APISecret:  apiSecret,
			Testnet:    cred.IsTestnet,
			RecvWindow: profile.RecvWindowMs,
			BaseURL:    base,
			Timeout:    timeout,
		}), nil
	}
}
