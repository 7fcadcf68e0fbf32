package services

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func newTestCreditService() *CreditService {
	return &CreditService{mortgageBaseRate: decimal.NewFromFloat(12.0)}
}

func TestBuildProfile(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	t.Run("established customer with mixed history", func(t *testing.T) {
		in := creditInputs{
			joinedAt:          now.AddDate(-3, 0, 0), // >700 days, bonus caps at 100
			transactionCount:  40,                    // caps at 100
			totalBalance:      decimal.NewFromInt(60_000),
			primaryBalance:    decimal.NewFromInt(60_000),
			hasPrimaryAccount: true,
			loans: []loanStanding{
				{active: true, delinquent: true}, // -20 -50
			},
			recentCount: 7, // +25
		}

		profile := buildProfile(in, now)
		assert.Equal(t, 100, profile.AccountAgeBonus)
		assert.Equal(t, 100, profile.TransactionBonus)
		assert.Equal(t, 50, profile.BalanceBonus)
		assert.Equal(t, 70, profile.LoanPenalty)
		assert.Equal(t, 25, profile.RecentActivityBonus)
		assert.Equal(t, 605, profile.FinalScore)
	})

	t.Run("new customer starts at base", func(t *testing.T) {
		in := creditInputs{
			joinedAt:     now.AddDate(0, 0, -3),
			totalBalance: decimal.Zero,
		}

		profile := buildProfile(in, now)
		assert.Equal(t, 400, profile.FinalScore)
		assert.Zero(t, profile.AccountAgeBonus)
		assert.Zero(t, profile.TransactionBonus)
	})

	t.Run("age bonus is one point per full week", func(t *testing.T) {
		in := creditInputs{joinedAt: now.AddDate(0, 0, -70)}
		profile := buildProfile(in, now)
		assert.Equal(t, 70, profile.AccountAgeDays)
		assert.Equal(t, 10, profile.AccountAgeBonus)
	})

	t.Run("only highest balance tier applies", func(t *testing.T) {
		for balance, want := range map[int64]int{
			5_000:   0,
			10_000:  25,
			50_000:  50,
			100_000: 100,
			250_000: 100,
		} {
			in := creditInputs{joinedAt: now, totalBalance: decimal.NewFromInt(balance)}
			assert.Equal(t, want, buildProfile(in, now).BalanceBonus, "balance %d", balance)
		}
	})

	t.Run("completed products outweigh active ones", func(t *testing.T) {
		in := creditInputs{
			joinedAt:  now,
			loans:     []loanStanding{{active: false}},     // +75
			mortgages: []mortgageStanding{{active: false}}, // +150
		}
		profile := buildProfile(in, now)
		assert.Equal(t, 75, profile.CompletedLoanBonus)
		assert.Equal(t, 150, profile.MortgageBonus)
		assert.Equal(t, 625, profile.FinalScore)
	})

	t.Run("active mortgage affordability bonus", func(t *testing.T) {
		// total_amount / primary balance <= 3 earns the extra 20.
		affordable := creditInputs{
			joinedAt:          now,
			hasPrimaryAccount: true,
			primaryBalance:    decimal.NewFromInt(100_000),
			totalBalance:      decimal.NewFromInt(100_000),
			mortgages:         []mortgageStanding{{active: true, totalAmount: decimal.NewFromInt(300_000)}},
		}
		assert.Equal(t, 50, buildProfile(affordable, now).MortgageBonus)

		stretched := affordable
		stretched.mortgages = []mortgageStanding{{active: true, totalAmount: decimal.NewFromInt(300_001)}}
		assert.Equal(t, 30, buildProfile(stretched, now).MortgageBonus)
	})

	t.Run("score is clamped to bounds", func(t *testing.T) {
		var manyDelinquent []loanStanding
		for i := 0; i < 10; i++ {
			manyDelinquent = append(manyDelinquent, loanStanding{active: true, delinquent: true})
		}
		low := buildProfile(creditInputs{joinedAt: now, loans: manyDelinquent}, now)
		assert.Equal(t, 0, low.FinalScore)

		var manyCompleted []mortgageStanding
		for i := 0; i < 10; i++ {
			manyCompleted = append(manyCompleted, mortgageStanding{active: false})
		}
		high := buildProfile(creditInputs{joinedAt: now, mortgages: manyCompleted}, now)
		assert.Equal(t, 1000, high.FinalScore)
	})

	t.Run("recent activity threshold is five", func(t *testing.T) {
		below := buildProfile(creditInputs{joinedAt: now, recentCount: 4}, now)
		assert.Zero(t, below.RecentActivityBonus)

		at := buildProfile(creditInputs{joinedAt: now, recentCount: 5}, now)
		assert.Equal(t, 25, at.RecentActivityBonus)
	})
}

func TestLoanCalculators(t *testing.T) {
	s := newTestCreditService()

	t.Run("eligibility threshold", func(t *testing.T) {
		assert.False(t, s.CanTakeLoan(399))
		assert.True(t, s.CanTakeLoan(400))
	})

	t.Run("max amount bands scaled by balance", func(t *testing.T) {
		balance := decimal.NewFromInt(10_000) // multiplier 1.0
		assert.True(t, s.MaxLoanAmount(850, balance).Equal(decimal.NewFromInt(1_000_000)))
		assert.True(t, s.MaxLoanAmount(650, balance).Equal(decimal.NewFromInt(500_000)))
		assert.True(t, s.MaxLoanAmount(450, balance).Equal(decimal.NewFromInt(100_000)))
		assert.True(t, s.MaxLoanAmount(300, balance).IsZero())
	})

	t.Run("balance multiplier caps at two", func(t *testing.T) {
		huge := decimal.NewFromInt(1_000_000)
		assert.True(t, s.MaxLoanAmount(850, huge).Equal(decimal.NewFromInt(2_000_000)))

		half := decimal.NewFromInt(5_000) // multiplier 0.5
		assert.True(t, s.MaxLoanAmount(450, half).Equal(decimal.NewFromInt(50_000)))
	})

	t.Run("interest rate bands", func(t *testing.T) {
		for score, want := range map[int]string{
			950: "8", 850: "10", 750: "12", 650: "14", 450: "16", 300: "20",
		} {
			assert.True(t, s.LoanInterestRate(score).Equal(decimal.RequireFromString(want)), "score %d", score)
		}
	})
}

func TestMortgageCalculators(t *testing.T) {
	s := newTestCreditService()

	t.Run("eligibility", func(t *testing.T) {
		assert.False(t, s.CanTakeMortgage(599, false))
		assert.True(t, s.CanTakeMortgage(600, false))
		assert.False(t, s.CanTakeMortgage(900, true), "active mortgage blocks a second one")
	})

	t.Run("max amount as income multiple", func(t *testing.T) {
		balance := decimal.NewFromInt(10_000)
		assert.True(t, s.MaxMortgageAmount(950, balance).Equal(decimal.NewFromInt(600_000)))
		assert.True(t, s.MaxMortgageAmount(850, balance).Equal(decimal.NewFromInt(480_000)))
		assert.True(t, s.MaxMortgageAmount(750, balance).Equal(decimal.NewFromInt(360_000)))
		assert.True(t, s.MaxMortgageAmount(650, balance).Equal(decimal.NewFromInt(240_000)))
		assert.True(t, s.MaxMortgageAmount(599, balance).IsZero())
	})

	t.Run("absolute ceiling", func(t *testing.T) {
		assert.True(t, s.MaxMortgageAmount(950, decimal.NewFromInt(1_000_000)).
			Equal(decimal.NewFromInt(10_000_000)))
	})

	t.Run("rate adjusts around base", func(t *testing.T) {
		assert.True(t, s.MortgageInterestRate(950).Equal(decimal.NewFromInt(10)))
		assert.True(t, s.MortgageInterestRate(850).Equal(decimal.NewFromInt(11)))
		assert.True(t, s.MortgageInterestRate(750).Equal(decimal.NewFromInt(12)))
		assert.True(t, s.MortgageInterestRate(650).Equal(decimal.NewFromInt(13)))
		assert.True(t, s.MortgageInterestRate(300).Equal(decimal.NewFromInt(12)))
	})
}

func TestMonthlyPayment(t *testing.T) {
	s := newTestCreditService()

	t.Run("standard annuity", func(t *testing.T) {
		// 100000 at 12% over 12 months: the classic annuity figure.
		payment, err := s.MonthlyPayment(decimal.NewFromInt(100_000), decimal.NewFromInt(12), 12)
		assert.NoError(t, err)
		assert.Equal(t, "8884.88", payment.StringFixed(2))
	})

	t.Run("zero rate amortizes linearly", func(t *testing.T) {
		payment, err := s.MonthlyPayment(decimal.NewFromInt(12_000), decimal.Zero, 12)
		assert.NoError(t, err)
		assert.Equal(t, "1000.00", payment.StringFixed(2))
	})

	t.Run("invalid inputs", func(t *testing.T) {
		_, err := s.MonthlyPayment(decimal.NewFromInt(1000), decimal.NewFromInt(10), 0)
		assert.ErrorIs(t, err, ErrInvalidTerm)

		_, err = s.MonthlyPayment(decimal.NewFromInt(1000), decimal.NewFromInt(-1), 12)
		assert.ErrorIs(t, err, ErrInvalidRate)
	})
}
