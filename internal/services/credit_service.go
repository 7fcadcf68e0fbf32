package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/nyotabank/backend/internal/metrics"
)

// Calculator input errors
var (
	ErrInvalidTerm = errors.New("term must be positive")
	ErrInvalidRate = errors.New("rate must not be negative")
)

// Score bands and factor weights. The affordability bonus deliberately uses
// the primary (first-issued) card balance as an income proxy; the formula is
// preserved as documented, not corrected.
const (
	baseScore = 400
	minScore  = 0
	maxScore  = 1000

	loanScoreThreshold     = 400
	mortgageScoreThreshold = 600
)

var (
	mortgageAbsoluteCeiling = decimal.NewFromInt(10_000_000)
	loanBalanceDivisor      = decimal.NewFromInt(10_000)
	loanBalanceMaxMult      = decimal.NewFromInt(2)
)

// CreditProfile is the derived scoring breakdown. It is recomputed on every
// request and never persisted.
type CreditProfile struct {
	BaseScore               int             `json:"base_score"`
	AccountAgeDays          int             `json:"account_age_days"`
	AccountAgeBonus         int             `json:"account_age_bonus"`
	TransactionCount        int             `json:"transaction_count"`
	TransactionBonus        int             `json:"transaction_bonus"`
	CurrentBalance          decimal.Decimal `json:"current_balance"`
	BalanceBonus            int             `json:"balance_bonus"`
	LoanPenalty             int             `json:"loan_penalty"`
	CompletedLoanBonus      int             `json:"completed_loan_bonus"`
	MortgageBonus           int             `json:"mortgage_bonus"`
	RecentTransactionsCount int             `json:"recent_transactions_count"`
	RecentActivityBonus     int             `json:"recent_activity_bonus"`
	FinalScore              int             `json:"final_score"`
}

type loanStanding struct {
	active     bool
	delinquent bool
}

type mortgageStanding struct {
	active      bool
	totalAmount decimal.Decimal
}

type creditInputs struct {
	joinedAt          time.Time
	transactionCount  int
	totalBalance      decimal.Decimal
	primaryBalance    decimal.Decimal
	hasPrimaryAccount bool
	loans             []loanStanding
	mortgages         []mortgageStanding
	recentCount       int
}

// CreditService derives a bounded score and loan/mortgage terms from account
// history. It performs read-only queries, holds no mutable state, and is
// safe for any number of concurrent callers.
type CreditService struct {
	db               *sql.DB
	mortgageBaseRate decimal.Decimal
}

func NewCreditService(db *sql.DB) *CreditService {
	viper.SetDefault("credit.mortgage_base_rate", "12.0")
	baseRate, err := decimal.NewFromString(viper.GetString("credit.mortgage_base_rate"))
	if err != nil {
		log.Printf("[CREDIT] Invalid mortgage base rate config, using 12.0: %v", err)
		baseRate = decimal.NewFromInt(12)
	}
	return &CreditService{
		db:               db,
		mortgageBaseRate: baseRate,
	}
}

// Score computes the full breakdown for a user. With no intervening data
// change two calls yield identical output.
func (s *CreditService) Score(ctx context.Context, userID int) (*CreditProfile, error) {
	inputs, err := s.loadInputs(ctx, userID)
	if err != nil {
		return nil, err
	}
	metrics.RecordCreditScore()
	return buildProfile(inputs, time.Now()), nil
}

// buildProfile is the pure scoring function over fetched history.
func buildProfile(in creditInputs, now time.Time) *CreditProfile {
	profile := &CreditProfile{
		BaseScore:      baseScore,
		CurrentBalance: in.totalBalance,
	}
	score := baseScore

	// One point per week of membership, capped at 100.
	profile.AccountAgeDays = int(now.Sub(in.joinedAt).Hours() / 24)
	profile.AccountAgeBonus = capInt(profile.AccountAgeDays/7, 100)
	score += profile.AccountAgeBonus

	profile.TransactionCount = in.transactionCount
	profile.TransactionBonus = capInt(in.transactionCount*5, 100)
	score += profile.TransactionBonus

	// Single highest tier applies.
	switch {
	case in.totalBalance.GreaterThanOrEqual(decimal.NewFromInt(100_000)):
		profile.BalanceBonus = 100
	case in.totalBalance.GreaterThanOrEqual(decimal.NewFromInt(50_000)):
		profile.BalanceBonus = 50
	case in.totalBalance.GreaterThanOrEqual(decimal.NewFromInt(10_000)):
		profile.BalanceBonus = 25
	}
	score += profile.BalanceBonus

	for _, loan := range in.loans {
		if loan.active {
			profile.LoanPenalty += 20
			if loan.delinquent {
				profile.LoanPenalty += 50
			}
		} else {
			profile.CompletedLoanBonus += 75
		}
	}
	score -= profile.LoanPenalty
	score += profile.CompletedLoanBonus

	for _, mortgage := range in.mortgages {
		if mortgage.active {
			profile.MortgageBonus += 30
			if in.hasPrimaryAccount && in.primaryBalance.IsPositive() {
				ratio := mortgage.totalAmount.Div(in.primaryBalance)
				if ratio.LessThanOrEqual(decimal.NewFromInt(3)) {
					profile.MortgageBonus += 20
				}
			}
		} else {
			profile.MortgageBonus += 150
		}
	}
	score += profile.MortgageBonus

	profile.RecentTransactionsCount = in.recentCount
	if in.recentCount >= 5 {
		profile.RecentActivityBonus = 25
	}
	score += profile.RecentActivityBonus

	if score < minScore {
		score = minScore
	}
	if score > maxScore {
		score = maxScore
	}
	profile.FinalScore = score
	return profile
}

// CanTakeLoan reports loan eligibility for a score.
func (s *CreditService) CanTakeLoan(score int) bool {
	return score >= loanScoreThreshold
}

// MaxLoanAmount is the score-band base amount scaled by the balance
// multiplier min(totalBalance/10000, 2.0).
func (s *CreditService) MaxLoanAmount(score int, totalBalance decimal.Decimal) decimal.Decimal {
	var base decimal.Decimal
	switch {
	case score >= 800:
		base = decimal.NewFromInt(1_000_000)
	case score >= 600:
		base = decimal.NewFromInt(500_000)
	case score >= 400:
		base = decimal.NewFromInt(100_000)
	default:
		return decimal.Zero
	}

	multiplier := totalBalance.Div(loanBalanceDivisor)
	if multiplier.GreaterThan(loanBalanceMaxMult) {
		multiplier = loanBalanceMaxMult
	}
	return base.Mul(multiplier)
}

// LoanInterestRate is the banded annual rate in percent.
func (s *CreditService) LoanInterestRate(score int) decimal.Decimal {
	switch {
	case score >= 900:
		return decimal.NewFromFloat(8.0)
	case score >= 800:
		return decimal.NewFromFloat(10.0)
	case score >= 700:
		return decimal.NewFromFloat(12.0)
	case score >= 600:
		return decimal.NewFromFloat(14.0)
	case score >= 400:
		return decimal.NewFromFloat(16.0)
	default:
		return decimal.NewFromFloat(20.0)
	}
}

// CanTakeMortgage requires the score threshold and at most one concurrent
// mortgage per user.
func (s *CreditService) CanTakeMortgage(score int, hasActiveMortgage bool) bool {
	if hasActiveMortgage {
		return false
	}
	return score >= mortgageScoreThreshold
}

// MaxMortgageAmount treats the aggregate balance as a monthly income proxy:
// totalBalance * 12 * band multiplier, capped at the absolute ceiling.
func (s *CreditService) MaxMortgageAmount(score int, totalBalance decimal.Decimal) decimal.Decimal {
	var multiplier decimal.Decimal
	switch {
	case score >= 900:
		multiplier = decimal.NewFromInt(5)
	case score >= 800:
		multiplier = decimal.NewFromInt(4)
	case score >= 700:
		multiplier = decimal.NewFromInt(3)
	case score >= 600:
		multiplier = decimal.NewFromInt(2)
	default:
		return decimal.Zero
	}

	amount := totalBalance.Mul(decimal.NewFromInt(12)).Mul(multiplier)
	if amount.GreaterThan(mortgageAbsoluteCeiling) {
		return mortgageAbsoluteCeiling
	}
	return amount
}

// MortgageInterestRate adjusts the configured base rate by score band.
func (s *CreditService) MortgageInterestRate(score int) decimal.Decimal {
	switch {
	case score >= 900:
		return s.mortgageBaseRate.Sub(decimal.NewFromInt(2))
	case score >= 800:
		return s.mortgageBaseRate.Sub(decimal.NewFromInt(1))
	case score >= 700:
		return s.mortgageBaseRate
	case score >= 600:
		return s.mortgageBaseRate.Add(decimal.NewFromInt(1))
	default:
		return s.mortgageBaseRate
	}
}

// MonthlyPayment is the standard annuity formula, rounded half-up to 2
// decimal places. A zero rate amortizes linearly.
func (s *CreditService) MonthlyPayment(principal, annualRatePercent decimal.Decimal, termMonths int) (decimal.Decimal, error) {
	if termMonths <= 0 {
		return decimal.Zero, ErrInvalidTerm
	}
	if annualRatePercent.IsNegative() {
		return decimal.Zero, ErrInvalidRate
	}

	monthlyRate := annualRatePercent.Div(decimal.NewFromInt(100)).Div(decimal.NewFromInt(12))
	if monthlyRate.IsZero() {
		return principal.Div(decimal.NewFromInt(int64(termMonths))).Round(2), nil
	}

	growth := decimal.NewFromInt(1).Add(monthlyRate).Pow(decimal.NewFromInt(int64(termMonths)))
	payment := principal.Mul(monthlyRate).Mul(growth).Div(growth.Sub(decimal.NewFromInt(1)))
	return payment.Round(2), nil
}

func (s *CreditService) loadInputs(ctx context.Context, userID int) (creditInputs, error) {
	var in creditInputs

	err := s.db.QueryRowContext(ctx, `SELECT created_at FROM users WHERE id = $1`, userID).Scan(&in.joinedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return in, ErrUserNotFound
		}
		return in, fmt.Errorf("load user: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE user_id = $1`, userID).Scan(&in.transactionCount)
	if err != nil {
		return in, fmt.Errorf("count transactions: %w", err)
	}

	var totalStr string
	err = s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(balance), 0)::text FROM cards WHERE user_id = $1`, userID).Scan(&totalStr)
	if err != nil {
		return in, fmt.Errorf("aggregate balances: %w", err)
	}
	in.totalBalance, err = decimal.NewFromString(totalStr)
	if err != nil {
		return in, fmt.Errorf("parse aggregate balance: %w", err)
	}

	var primaryStr string
	err = s.db.QueryRowContext(ctx, `
		SELECT balance::text FROM cards
		WHERE user_id = $1
		ORDER BY issued_at, id
		LIMIT 1`, userID).Scan(&primaryStr)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// No primary account: the affordability bonus simply never applies.
	case err != nil:
		return in, fmt.Errorf("load primary card: %w", err)
	default:
		in.hasPrimaryAccount = true
		in.primaryBalance, err = decimal.NewFromString(primaryStr)
		if err != nil {
			return in, fmt.Errorf("parse primary balance: %w", err)
		}
	}

	in.loans, err = s.loadLoans(ctx, userID)
	if err != nil {
		return in, err
	}

	in.mortgages, err = s.loadMortgages(ctx, userID)
	if err != nil {
		return in, err
	}

	oneMonthAgo := time.Now().AddDate(0, 0, -30)
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE user_id = $1 AND created_at >= $2`, userID, oneMonthAgo).Scan(&in.recentCount)
	if err != nil {
		return in, fmt.Errorf("count recent transactions: %w", err)
	}

	return in, nil
}

func (s *CreditService) loadLoans(ctx context.Context, userID int) ([]loanStanding, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT is_active, next_payment_date FROM loans WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("load loans: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var loans []loanStanding
	for rows.Next() {
		var standing loanStanding
		var nextPayment sql.NullTime
		if err := rows.Scan(&standing.active, &nextPayment); err != nil {
			return nil, fmt.Errorf("scan loan: %w", err)
		}
		standing.delinquent = standing.active && nextPayment.Valid && nextPayment.Time.Before(now)
		loans = append(loans, standing)
	}
	return loans, rows.Err()
}

func (s *CreditService) loadMortgages(ctx context.Context, userID int) ([]mortgageStanding, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT is_active, total_amount::text FROM mortgages WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("load mortgages: %w", err)
	}
	defer rows.Close()

	var mortgages []mortgageStanding
	for rows.Next() {
		var standing mortgageStanding
		var amountStr string
		if err := rows.Scan(&standing.active, &amountStr); err != nil {
			return nil, fmt.Errorf("scan mortgage: %w", err)
		}
		standing.totalAmount, err = decimal.NewFromString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("parse mortgage amount: %w", err)
		}
		mortgages = append(mortgages, standing)
	}
	return mortgages, rows.Err()
}

// HasActiveMortgage reports whether the user currently holds an active
// mortgage, the one-concurrent-mortgage gate.
func (s *CreditService) HasActiveMortgage(ctx context.Context, userID int) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mortgages WHERE user_id = $1 AND is_active = TRUE`, userID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count active mortgages: %w", err)
	}
	return count > 0, nil
}

// TotalBalance aggregates the user's fiat card balances for the calculators.
func (s *CreditService) TotalBalance(ctx context.Context, userID int) (decimal.Decimal, error) {
	var totalStr string
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(balance), 0)::text FROM cards WHERE user_id = $1`, userID).Scan(&totalStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("aggregate balances: %w", err)
	}
	return decimal.NewFromString(totalStr)
}

func capInt(v, limit int) int {
	if v > limit {
		return limit
	}
	return v
}
