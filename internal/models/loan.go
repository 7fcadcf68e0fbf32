package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Loan is a monetary obligation. RemainingDebt only ever decreases while the
// loan is active; once fully repaid IsActive flips to false and stays false.
type Loan struct {
	ID              string          `json:"id" db:"id"`
	UserID          int             `json:"user_id" db:"user_id"`
	TotalAmount     decimal.Decimal `json:"total_amount" db:"total_amount"`
	RemainingDebt   decimal.Decimal `json:"remaining_debt" db:"remaining_debt"`
	InterestRate    decimal.Decimal `json:"interest_rate" db:"interest_rate"`
	TermMonths      int             `json:"term_months" db:"term_months"`
	MonthlyPayment  decimal.Decimal `json:"monthly_payment" db:"monthly_payment"`
	IssueDate       time.Time       `json:"issue_date" db:"issue_date"`
	NextPaymentDate time.Time       `json:"next_payment_date" db:"next_payment_date"`
	IsActive        bool            `json:"is_active" db:"is_active"`
}

type Mortgage struct {
	ID             string          `json:"id" db:"id"`
	UserID         int             `json:"user_id" db:"user_id"`
	PropertyCost   decimal.Decimal `json:"property_cost" db:"property_cost"`
	InitialPayment decimal.Decimal `json:"initial_payment" db:"initial_payment"`
	TotalAmount    decimal.Decimal `json:"total_amount" db:"total_amount"`
	TermYears      int             `json:"term_years" db:"term_years"`
	InterestRate   decimal.Decimal `json:"interest_rate" db:"interest_rate"`
	MonthlyPayment decimal.Decimal `json:"monthly_payment" db:"monthly_payment"`
	IssueDate      time.Time       `json:"issue_date" db:"issue_date"`
	IsActive       bool            `json:"is_active" db:"is_active"`
}

type Deposit struct {
	ID           string          `json:"id" db:"id"`
	UserID       int             `json:"user_id" db:"user_id"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	InterestRate decimal.Decimal `json:"interest_rate" db:"interest_rate"`
	TermMonths   int             `json:"term_months" db:"term_months"`
	StartDate    time.Time       `json:"start_date" db:"start_date"`
}

// Application types
const (
	ApplicationTypeLoan     = "LOAN"
	ApplicationTypeMortgage = "MORTGAGE"
	ApplicationTypeDeposit  = "DEPOSIT"
	ApplicationTypeCard     = "CARD"
)

// Application statuses
const (
	ApplicationStatusPending  = "PENDING"
	ApplicationStatusApproved = "APPROVED"
	ApplicationStatusRejected = "REJECTED"
)

// Application is a pending product request; approval materialises the
// corresponding Loan/Mortgage/Deposit/Card row.
type Application struct {
	ID              string    `json:"id" db:"id"`
	UserID          int       `json:"user_id" db:"user_id"`
	ApplicationType string    `json:"application_type" db:"application_type"`
	Status          string    `json:"status" db:"status"`
	Details         Details   `json:"details" db:"details"`
	RejectionReason string    `json:"rejection_reason,omitempty" db:"rejection_reason"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// Details type for JSONB fields
type Details map[string]any

// Value implements driver.Valuer for Details
func (d Details) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

// Scan implements sql.Scanner for Details
func (d *Details) Scan(value any) error {
	if value == nil {
		*d = nil
		return nil
	}

	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(b, d)
}

// DecimalField reads a decimal value out of a JSONB details blob.
func (d Details) DecimalField(key string) (decimal.Decimal, error) {
	raw, ok := d[key]
	if !ok {
		return decimal.Zero, errors.New("missing field: " + key)
	}
	switch v := raw.(type) {
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case json.Number:
		return decimal.NewFromString(v.String())
	default:
		return decimal.Zero, errors.New("unsupported type for field: " + key)
	}
}

// IntField reads an integer value out of a JSONB details blob.
func (d Details) IntField(key string) (int, error) {
	raw, ok := d[key]
	if !ok {
		return 0, errors.New("missing field: " + key)
	}
	switch v := raw.(type) {
	case float64:
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		return int(n), err
	default:
		return 0, errors.New("unsupported type for field: " + key)
	}
}
