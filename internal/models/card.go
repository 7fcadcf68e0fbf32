package models

import (
	"crypto/rand"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Card represents a fiat balance-holding account owned by one user.
// Balances are mutated only through the ledger service and are never
// negative; a card is soft-deactivated, never deleted.
type Card struct {
	ID         int             `json:"id" db:"id"`
	CardNumber string          `json:"card_number" db:"card_number"`
	UserID     int             `json:"user_id" db:"user_id"`
	CardName   string          `json:"card_name" db:"card_name"`
	Balance    decimal.Decimal `json:"balance" db:"balance"`
	Currency   string          `json:"currency" db:"currency"`
	CVV        string          `json:"-" db:"cvv"`
	IsActive   bool            `json:"is_active" db:"is_active"`
	IsDefault  bool            `json:"is_default" db:"is_default"`
	IssuedAt   time.Time       `json:"issued_at" db:"issued_at"`
	ExpiresAt  time.Time       `json:"expires_at" db:"expires_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// CardIssueRequest represents new card issuance
type CardIssueRequest struct {
	CardName string `json:"card_name" validate:"max=100"`
	Currency string `json:"currency" validate:"omitempty,len=3"`
}

const cardNumberLength = 16

// GenerateCardNumber returns a random 16-digit card number.
func GenerateCardNumber() string {
	return randomDigits(cardNumberLength)
}

// GenerateCVV returns a random 3-digit CVV.
func GenerateCVV() string {
	return randomDigits(3)
}

// GenerateExpirationDate returns the expiry for a newly issued card.
func GenerateExpirationDate() time.Time {
	return time.Now().AddDate(4, 0, 0)
}

func randomDigits(n int) string {
	digits := make([]byte, n)
	for i := range digits {
		v, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			// crypto/rand only fails if the OS entropy source is broken
			v = big.NewInt(0)
		}
		digits[i] = byte('0' + v.Int64())
	}
	return string(digits)
}
