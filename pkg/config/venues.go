package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// VenueProfile describes one venue's endpoints and request limits. Profiles
// let deployments point at alternate clusters or tune recvWindow without a
// rebuild.
type VenueProfile struct {
	Name         string        `yaml:"name"`
	BaseURL      string        `yaml:"base_url"`
	TestnetURL   string        `yaml:"testnet_url"`
	RecvWindowMs int64         `yaml:"recv_window_ms"`
	WeightLimit  int           `yaml:"weight_limit"`
	WeightWindow time.Duration `yaml:"weight_window"`
}

type venuesFile struct {
	Venues []VenueProfile `yaml:"venues"`
}

// defaultVenues are used when no venues.yaml is provided.
func defaultVenues() map[string]VenueProfile {
	return map[string]VenueProfile{
		"binance-futures": {
			Name:         "binance-futures",
			BaseURL:      "https://fapi.binance.com",
			TestnetURL:   "https://testnet.binancefuture.com",
			RecvWindowMs: 5000,
			WeightLimit:  2400,
			WeightWindow: time.Minute,
		},
	}
}

// LoadVenues reads venue profiles from a YAML file, merged over the
// built-in defaults. An empty path returns the defaults.
func LoadVenues(path string) (map[string]VenueProfile, error) {
	venues := defaultVenues()
	if path == "" {
		return venues, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read venues file: %w", err)
	}

	var f venuesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse venues file: %w", err)
	}

	for _, v := range f.Venues {
		if v.Name == "" {
			return nil, fmt.Errorf("venue profile without a name in %s", path)
		}
		if v.RecvWindowMs == 0 {
			v.RecvWindowMs = 5000
		}
		if v.WeightWindow == 0 {
			v.WeightWindow = time.Minute
		}
		venues[v.Name] = v
	}
	return venues, nil
}
