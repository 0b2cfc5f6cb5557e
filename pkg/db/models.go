// Package db is the durable store: users, credential configs, and the
// order log. All user-scoped queries take a userID and refuse to run
// without one.
package db

import (
	"errors"
	"time"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
)

// User represents an application user.
type User struct {
	ID           string
	Email        string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CredentialConfig is a user's stored exchange API credential. Secrets are
// only ever stored encrypted; the masked key prefix is what reads expose.
type CredentialConfig struct {
	ID                 string
	UserID             string
	Name               string
	APIKeyEncrypted    string
	APISecretEncrypted string
	APIKeyMasked       string
	KeyVersion         int
	IsTestnet          bool
	IsActive           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Order is one row of the order log. ID doubles as the exchange client
// order id, which lets a sweep find orders that crashed before the
// exchange id was recorded.
type Order struct {
	ID              int64
	ExchangeOrderID string
	UserID          string
	CredentialID    string
	Symbol          string
	Side            string
	OrderType       string
	Quantity        float64
	ExecutedQty     float64
	Price           float64
	StopPrice       float64
	AvgPrice        float64
	Status          string
	FailureReason   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OrderCounts are per-user aggregate counts over the order log.
type OrderCounts struct {
	Total   int
	Filled  int
	Failed  int
	Pending int // PENDING plus PARTIALLY_FILLED
}
