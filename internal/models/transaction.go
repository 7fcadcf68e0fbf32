package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction types
const (
	TransactionTypeExpense = 0
	TransactionTypeIncome  = 1
)

// Transaction is one immutable, signed entry in the append-only log.
// A successful transfer produces exactly two rows (a negative expense for
// the sender, a positive income for the recipient) sharing one TransferID.
// Rows are never updated or deleted.
type Transaction struct {
	ID              string          `json:"id" db:"id"`
	TransferID      string          `json:"transfer_id" db:"transfer_id"`
	UserID          int             `json:"user_id" db:"user_id"`
	CardID          int             `json:"card_id" db:"card_id"`
	Title           string          `json:"title" db:"title"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	TransactionType int             `json:"transaction_type" db:"transaction_type"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// TransferRequest is the payload for a card-to-card transfer. The recipient
// identifier is either a 16-digit card number or a registered phone number.
type TransferRequest struct {
	SenderCardNumber    string          `json:"sender_card_number" validate:"required,len=16,numeric"`
	RecipientIdentifier string          `json:"recipient_identifier" validate:"required,max=20"`
	Amount              decimal.Decimal `json:"amount" validate:"required"`
}
