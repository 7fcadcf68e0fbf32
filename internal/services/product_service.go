package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nyotabank/backend/internal/metrics"
	"github.com/nyotabank/backend/internal/middleware"
	"github.com/nyotabank/backend/internal/models"
)

// ProductService handles credit products: score and offer enquiries, product
// applications and the admin approval flow. Approval materialises the
// product and moves the money in a single transaction.
type ProductService struct {
	db        *sql.DB
	credit    *CreditService
	validator *ValidationHelper
}

type ApplicationRequest struct {
	ApplicationType string         `json:"application_type" validate:"required,oneof=LOAN MORTGAGE DEPOSIT CARD"`
	Details         models.Details `json:"details"`
}

type RejectRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// CreditOffers is the pre-computed eligibility view for the current user.
type CreditOffers struct {
	Score                int             `json:"score"`
	CanTakeLoan          bool            `json:"can_take_loan"`
	MaxLoanAmount        decimal.Decimal `json:"max_loan_amount"`
	LoanInterestRate     decimal.Decimal `json:"loan_interest_rate"`
	CanTakeMortgage      bool            `json:"can_take_mortgage"`
	MaxMortgageAmount    decimal.Decimal `json:"max_mortgage_amount"`
	MortgageInterestRate decimal.Decimal `json:"mortgage_interest_rate"`
}

func NewProductService(db *sql.DB, credit *CreditService) *ProductService {
	return &ProductService{
		db:        db,
		credit:    credit,
		validator: NewValidationHelper(),
	}
}

// GetCreditScore returns the user's credit score breakdown
// @Summary Get credit score
// @Tags credit
// @Produce json
// @Success 200 {object} CreditProfile
// @Router /credit/score [get]
func (ps *ProductService) GetCreditScore(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	profile, err := ps.credit.Score(r.Context(), userID)
	if err != nil {
		writeBusinessError(w, "[CREDIT]", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(profile)
}

// GetUserCreditScore returns any user's credit score breakdown, for admins
// @Summary Get a user's credit score
// @Tags admin
// @Produce json
// @Param userId path int true "User ID"
// @Success 200 {object} CreditProfile
// @Failure 404 {object} ErrorResponse
// @Router /admin/users/{userId}/credit-score [get]
func (ps *ProductService) GetUserCreditScore(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.Atoi(chi.URLParam(r, "userId"))
	if err != nil {
		SendErrorResponse(w, "Invalid user ID", http.StatusBadRequest, nil)
		return
	}

	profile, err := ps.credit.Score(r.Context(), userID)
	if err != nil {
		writeBusinessError(w, "[CREDIT]", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(profile)
}

// GetCreditOffers returns loan and mortgage eligibility for the user
// @Summary Get credit offers
// @Tags credit
// @Produce json
// @Success 200 {object} CreditOffers
// @Router /credit/offers [get]
func (ps *ProductService) GetCreditOffers(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	offers, err := ps.buildOffers(r.Context(), userID)
	if err != nil {
		writeBusinessError(w, "[CREDIT]", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(offers)
}

func (ps *ProductService) buildOffers(ctx context.Context, userID int) (*CreditOffers, error) {
	profile, err := ps.credit.Score(ctx, userID)
	if err != nil {
		return nil, err
	}
	totalBalance, err := ps.credit.TotalBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	hasActiveMortgage, err := ps.credit.HasActiveMortgage(ctx, userID)
	if err != nil {
		return nil, err
	}

	score := profile.FinalScore
	return &CreditOffers{
		Score:                score,
		CanTakeLoan:          ps.credit.CanTakeLoan(score),
		MaxLoanAmount:        ps.credit.MaxLoanAmount(score, totalBalance),
		LoanInterestRate:     ps.credit.LoanInterestRate(score),
		CanTakeMortgage:      ps.credit.CanTakeMortgage(score, hasActiveMortgage),
		MaxMortgageAmount:    ps.credit.MaxMortgageAmount(score, totalBalance),
		MortgageInterestRate: ps.credit.MortgageInterestRate(score),
	}, nil
}

// SubmitApplication files a product application
// @Summary Submit a product application
// @Description Apply for a loan, mortgage, deposit or card
// @Tags applications
// @Accept json
// @Produce json
// @Param application body ApplicationRequest true "Application data"
// @Success 201 {object} models.Application
// @Failure 400 {object} ErrorResponse
// @Router /applications [post]
func (ps *ProductService) SubmitApplication(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req ApplicationRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := ps.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	if err := validateApplicationDetails(req.ApplicationType, req.Details); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	app := models.Application{
		ID:              uuid.New().String(),
		UserID:          userID,
		ApplicationType: req.ApplicationType,
		Status:          models.ApplicationStatusPending,
		Details:         req.Details,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}

	_, err := ps.db.ExecContext(r.Context(), `
		INSERT INTO applications (id, user_id, application_type, status, details, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		app.ID, app.UserID, app.ApplicationType, app.Status, app.Details, app.CreatedAt, app.UpdatedAt)
	if err != nil {
		log.Printf("[APPLICATIONS] Failed to insert for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to submit application", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[APPLICATIONS] %s application %s submitted by user %d", app.ApplicationType, app.ID, userID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(app)
}

// validateApplicationDetails checks the fields each product type requires.
func validateApplicationDetails(appType string, details models.Details) error {
	requirePositiveDecimal := func(key string) error {
		v, err := details.DecimalField(key)
		if err != nil {
			return err
		}
		if v.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("%s must be positive", key)
		}
		return nil
	}
	requirePositiveInt := func(key string) error {
		v, err := details.IntField(key)
		if err != nil {
			return err
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
		return nil
	}

	switch appType {
	case models.ApplicationTypeLoan:
		if err := requirePositiveDecimal("amount"); err != nil {
			return err
		}
		return requirePositiveInt("term_months")
	case models.ApplicationTypeMortgage:
		if err := requirePositiveDecimal("property_cost"); err != nil {
			return err
		}
		initial, err := details.DecimalField("initial_payment")
		if err != nil {
			return err
		}
		cost, _ := details.DecimalField("property_cost")
		if initial.LessThan(decimal.Zero) || initial.GreaterThanOrEqual(cost) {
			return errors.New("initial_payment must be non-negative and below property_cost")
		}
		return requirePositiveInt("term_years")
	case models.ApplicationTypeDeposit:
		if err := requirePositiveDecimal("amount"); err != nil {
			return err
		}
		return requirePositiveInt("term_months")
	case models.ApplicationTypeCard:
		return nil
	}
	return errors.New("unknown application type")
}

// ListApplications returns the user's applications
// @Summary List own applications
// @Tags applications
// @Produce json
// @Success 200 {array} models.Application
// @Router /applications [get]
func (ps *ProductService) ListApplications(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	ps.writeApplicationList(w, r, `WHERE user_id = $1`, userID)
}

// ListPendingApplications returns applications awaiting a decision
// @Summary List pending applications
// @Tags admin
// @Produce json
// @Success 200 {array} models.Application
// @Router /admin/applications [get]
func (ps *ProductService) ListPendingApplications(w http.ResponseWriter, r *http.Request) {
	ps.writeApplicationList(w, r, `WHERE status = $1`, models.ApplicationStatusPending)
}

func (ps *ProductService) writeApplicationList(w http.ResponseWriter, r *http.Request, where string, arg any) {
	rows, err := ps.db.QueryContext(r.Context(), `
		SELECT id, user_id, application_type, status, details, COALESCE(rejection_reason, ''), created_at, updated_at
		FROM applications `+where+`
		ORDER BY created_at DESC`, arg)
	if err != nil {
		log.Printf("[APPLICATIONS] Failed to list: %v", err)
		SendErrorResponse(w, "Failed to fetch applications", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	apps := []models.Application{}
	for rows.Next() {
		var app models.Application
		if err := rows.Scan(&app.ID, &app.UserID, &app.ApplicationType, &app.Status, &app.Details, &app.RejectionReason, &app.CreatedAt, &app.UpdatedAt); err != nil {
			log.Printf("[APPLICATIONS] Scan failed: %v", err)
			SendErrorResponse(w, "Failed to fetch applications", http.StatusInternalServerError, nil)
			return
		}
		apps = append(apps, app)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apps)
}

// ApproveApplication approves a pending application
// @Summary Approve an application
// @Description Approve a pending application and materialise the product
// @Tags admin
// @Produce json
// @Param id path string true "Application ID"
// @Success 200 {object} models.Application
// @Failure 404 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /admin/applications/{id}/approve [post]
func (ps *ProductService) ApproveApplication(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "id")

	app, err := ps.approve(r.Context(), appID)
	if err != nil {
		writeBusinessError(w, "[APPLICATIONS]", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(app)
}

// RejectApplication rejects a pending application with a reason
// @Summary Reject an application
// @Tags admin
// @Accept json
// @Produce json
// @Param id path string true "Application ID"
// @Param rejection body RejectRequest true "Rejection reason"
// @Success 200 {object} models.Application
// @Failure 404 {object} ErrorResponse
// @Router /admin/applications/{id}/reject [post]
func (ps *ProductService) RejectApplication(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "id")

	var req RejectRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := ps.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	app, err := ps.decide(r.Context(), appID, models.ApplicationStatusRejected, req.Reason, nil)
	if err != nil {
		writeBusinessError(w, "[APPLICATIONS]", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(app)
}

// approve materialises the product for a pending application. Eligibility is
// re-checked at approval time against the applicant's current score, not the
// score at submission.
func (ps *ProductService) approve(ctx context.Context, appID string) (*models.Application, error) {
	return ps.decide(ctx, appID, models.ApplicationStatusApproved, "", ps.materialise)
}

type materialiseFunc func(ctx context.Context, tx *sql.Tx, app *models.Application) error

func (ps *ProductService) decide(ctx context.Context, appID, status, reason string, materialise materialiseFunc) (*models.Application, error) {
	tx, err := ps.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin decision: %w", err)
	}
	defer tx.Rollback()

	var app models.Application
	err = tx.QueryRowContext(ctx, `
		SELECT id, user_id, application_type, status, details, created_at
		FROM applications
		WHERE id = $1
		FOR UPDATE`, appID).
		Scan(&app.ID, &app.UserID, &app.ApplicationType, &app.Status, &app.Details, &app.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrApplicationNotFound
		}
		return nil, fmt.Errorf("load application %s: %w", appID, err)
	}
	if app.Status != models.ApplicationStatusPending {
		return nil, ErrApplicationNotPending
	}

	if materialise != nil {
		if err := materialise(ctx, tx, &app); err != nil {
			return nil, err
		}
	}

	app.Status = status
	app.RejectionReason = reason
	app.UpdatedAt = time.Now()
	_, err = tx.ExecContext(ctx, `
		UPDATE applications
		SET status = $1, rejection_reason = NULLIF($2, ''), updated_at = $3
		WHERE id = $4`,
		app.Status, reason, app.UpdatedAt, app.ID)
	if err != nil {
		return nil, fmt.Errorf("update application %s: %w", appID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit decision: %w", err)
	}

	metrics.RecordApplication(app.ApplicationType, status)
	log.Printf("[APPLICATIONS] Application %s (%s) for user %d: %s", app.ID, app.ApplicationType, app.UserID, status)
	return &app, nil
}

func (ps *ProductService) materialise(ctx context.Context, tx *sql.Tx, app *models.Application) error {
	switch app.ApplicationType {
	case models.ApplicationTypeLoan:
		return ps.materialiseLoan(ctx, tx, app)
	case models.ApplicationTypeMortgage:
		return ps.materialiseMortgage(ctx, tx, app)
	case models.ApplicationTypeDeposit:
		return ps.materialiseDeposit(ctx, tx, app)
	case models.ApplicationTypeCard:
		return ps.materialiseCard(ctx, tx, app)
	}
	return fmt.Errorf("unknown application type %q", app.ApplicationType)
}

func (ps *ProductService) materialiseLoan(ctx context.Context, tx *sql.Tx, app *models.Application) error {
	amount, err := app.Details.DecimalField("amount")
	if err != nil {
		return err
	}
	termMonths, err := app.Details.IntField("term_months")
	if err != nil {
		return err
	}

	profile, err := ps.credit.Score(ctx, app.UserID)
	if err != nil {
		return err
	}
	totalBalance, err := ps.credit.TotalBalance(ctx, app.UserID)
	if err != nil {
		return err
	}
	score := profile.FinalScore
	if !ps.credit.CanTakeLoan(score) || amount.GreaterThan(ps.credit.MaxLoanAmount(score, totalBalance)) {
		return ErrNotEligible
	}

	rate := ps.credit.LoanInterestRate(score)
	monthly, err := ps.credit.MonthlyPayment(amount, rate, termMonths)
	if err != nil {
		return err
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO loans (id, user_id, total_amount, remaining_debt, interest_rate, term_months, monthly_payment, issue_date, next_payment_date, is_active)
		VALUES ($1, $2, $3, $3, $4, $5, $6, $7, $8, TRUE)`,
		uuid.New().String(), app.UserID, amount.StringFixed(2), rate.String(),
		termMonths, monthly.StringFixed(2), now, now.AddDate(0, 1, 0))
	if err != nil {
		return fmt.Errorf("insert loan: %w", err)
	}

	return ps.creditDefaultCard(ctx, tx, app.UserID, amount, "Loan disbursement")
}

func (ps *ProductService) materialiseMortgage(ctx context.Context, tx *sql.Tx, app *models.Application) error {
	propertyCost, err := app.Details.DecimalField("property_cost")
	if err != nil {
		return err
	}
	initialPayment, err := app.Details.DecimalField("initial_payment")
	if err != nil {
		return err
	}
	termYears, err := app.Details.IntField("term_years")
	if err != nil {
		return err
	}
	totalAmount := propertyCost.Sub(initialPayment)

	profile, err := ps.credit.Score(ctx, app.UserID)
	if err != nil {
		return err
	}
	totalBalance, err := ps.credit.TotalBalance(ctx, app.UserID)
	if err != nil {
		return err
	}
	hasActiveMortgage, err := ps.credit.HasActiveMortgage(ctx, app.UserID)
	if err != nil {
		return err
	}
	score := profile.FinalScore
	if !ps.credit.CanTakeMortgage(score, hasActiveMortgage) || totalAmount.GreaterThan(ps.credit.MaxMortgageAmount(score, totalBalance)) {
		return ErrNotEligible
	}

	rate := ps.credit.MortgageInterestRate(score)
	monthly, err := ps.credit.MonthlyPayment(totalAmount, rate, termYears*12)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO mortgages (id, user_id, property_cost, initial_payment, total_amount, term_years, interest_rate, monthly_payment, issue_date, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE)`,
		uuid.New().String(), app.UserID, propertyCost.StringFixed(2), initialPayment.StringFixed(2),
		totalAmount.StringFixed(2), termYears, rate.String(), monthly.StringFixed(2), time.Now())
	if err != nil {
		return fmt.Errorf("insert mortgage: %w", err)
	}
	return nil
}

func (ps *ProductService) materialiseDeposit(ctx context.Context, tx *sql.Tx, app *models.Application) error {
	amount, err := app.Details.DecimalField("amount")
	if err != nil {
		return err
	}
	termMonths, err := app.Details.IntField("term_months")
	if err != nil {
		return err
	}

	// Deposit rate tracks the mortgage base rate minus a fixed spread.
	rate := ps.credit.MortgageInterestRate(1000).Sub(decimal.NewFromInt(4))
	if rate.LessThan(decimal.NewFromInt(1)) {
		rate = decimal.NewFromInt(1)
	}

	if err := ps.debitDefaultCard(ctx, tx, app.UserID, amount, "Deposit funding"); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO deposits (id, user_id, amount, interest_rate, term_months, start_date)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(), app.UserID, amount.StringFixed(2), rate.String(), termMonths, time.Now())
	if err != nil {
		return fmt.Errorf("insert deposit: %w", err)
	}
	return nil
}

func (ps *ProductService) materialiseCard(ctx context.Context, tx *sql.Tx, app *models.Application) error {
	cardName := "Debit Card"
	if v, ok := app.Details["card_name"].(string); ok && v != "" {
		cardName = v
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO cards (card_number, user_id, card_name, balance, currency, cvv, is_active, is_default, issued_at, expires_at, updated_at)
		VALUES ($1, $2, $3, 0, 'USD', $4, TRUE, FALSE, NOW(), $5, NOW())`,
		models.GenerateCardNumber(), app.UserID, cardName, models.GenerateCVV(), models.GenerateExpirationDate())
	if err != nil {
		return fmt.Errorf("insert card: %w", err)
	}
	return nil
}

func (ps *ProductService) creditDefaultCard(ctx context.Context, tx *sql.Tx, userID int, amount decimal.Decimal, title string) error {
	return ps.moveOnDefaultCard(ctx, tx, userID, amount, title, models.TransactionTypeIncome)
}

func (ps *ProductService) debitDefaultCard(ctx context.Context, tx *sql.Tx, userID int, amount decimal.Decimal, title string) error {
	return ps.moveOnDefaultCard(ctx, tx, userID, amount.Neg(), title, models.TransactionTypeExpense)
}

func (ps *ProductService) moveOnDefaultCard(ctx context.Context, tx *sql.Tx, userID int, delta decimal.Decimal, title string, txType int) error {
	var cardID int
	var isActive bool
	err := tx.QueryRowContext(ctx, `
		SELECT id, is_active FROM cards
		WHERE user_id = $1
		ORDER BY issued_at, id
		LIMIT 1
		FOR UPDATE`, userID).Scan(&cardID, &isActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("lock default card: %w", err)
	}
	if !isActive {
		return ErrAccountBlocked
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE cards
		SET balance = balance + $1, updated_at = NOW()
		WHERE id = $2 AND balance + $1 >= 0`,
		delta.StringFixed(2), cardID)
	if err != nil {
		return fmt.Errorf("update card %d balance: %w", cardID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInsufficientFunds
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (id, transfer_id, user_id, card_id, title, amount, transaction_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		uuid.New().String(), uuid.New().String(), userID, cardID, title, delta.StringFixed(2), txType)
	if err != nil {
		return fmt.Errorf("append transaction record: %w", err)
	}
	return nil
}
