package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CryptoCurrency is a tradable currency with its last polled USD price.
// Prices are refreshed out of band; trading captures the rate in effect at
// execution time on the resulting transaction record.
type CryptoCurrency struct {
	ID             string          `json:"id" db:"id"`
	Symbol         string          `json:"symbol" db:"symbol"`
	Name           string          `json:"name" db:"name"`
	IconURL        string          `json:"icon_url" db:"icon_url"`
	PriceUSD       decimal.Decimal `json:"price_usd" db:"price_usd"`
	PriceChange24h decimal.Decimal `json:"price_change_24h" db:"price_change_24h"`
	MarketCap      decimal.Decimal `json:"market_cap" db:"market_cap"`
	IsActive       bool            `json:"is_active" db:"is_active"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// CryptoWallet holds a crypto balance for one (user, currency) pair. Created
// lazily on first purchase; soft-deactivated, never deleted.
type CryptoWallet struct {
	ID         string          `json:"id" db:"id"`
	UserID     int             `json:"user_id" db:"user_id"`
	CurrencyID string          `json:"currency_id" db:"currency_id"`
	Address    string          `json:"address" db:"address"`
	Balance    decimal.Decimal `json:"balance" db:"balance"`
	IsActive   bool            `json:"is_active" db:"is_active"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// Crypto transaction types
const (
	CryptoTxTypeBuy         = "buy"
	CryptoTxTypeSell        = "sell"
	CryptoTxTypeTransferOut = "transfer_out"
	CryptoTxTypeTransferIn  = "transfer_in"
)

// Crypto transaction statuses
const (
	CryptoTxStatusCompleted = "completed"
	CryptoTxStatusFailed    = "failed"
)

// CryptoTransaction is the immutable audit record for a crypto operation.
// ExchangeRate is the USD price captured when the operation executed.
type CryptoTransaction struct {
	ID           string          `json:"id" db:"id"`
	UserID       int             `json:"user_id" db:"user_id"`
	WalletID     string          `json:"wallet_id" db:"wallet_id"`
	Type         string          `json:"type" db:"type"`
	Status       string          `json:"status" db:"status"`
	CryptoAmount decimal.Decimal `json:"crypto_amount" db:"crypto_amount"`
	USDAmount    decimal.Decimal `json:"usd_amount" db:"usd_amount"`
	FeeAmount    decimal.Decimal `json:"fee_amount" db:"fee_amount"`
	ExchangeRate decimal.Decimal `json:"exchange_rate" db:"exchange_rate"`
	FromAddress  string          `json:"from_address,omitempty" db:"from_address"`
	ToAddress    string          `json:"to_address,omitempty" db:"to_address"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}
