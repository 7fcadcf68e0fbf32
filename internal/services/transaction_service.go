package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"github.com/nyotabank/backend/internal/middleware"
	"github.com/nyotabank/backend/internal/models"
)

// TransactionService is the HTTP boundary for transfers, transaction history
// and balance enquiries. The money movement itself lives in LedgerService;
// this layer only decodes, validates, enforces idempotency and maps errors.
type TransactionService struct {
	db          *sql.DB
	redisClient *redis.Client
	ledger      *LedgerService
	validator   *ValidationHelper
}

func NewTransactionService(db *sql.DB, redisClient *redis.Client, ledger *LedgerService) *TransactionService {
	return &TransactionService{
		db:          db,
		redisClient: redisClient,
		ledger:      ledger,
		validator:   NewValidationHelper(),
	}
}

// CreateTransfer executes a card-to-card transfer
// @Summary Transfer money between cards
// @Description Transfer money from the user's card to a recipient identified by card number or phone number
// @Tags transfers
// @Accept json
// @Produce json
// @Param Idempotency-Key header string false "Idempotency key"
// @Param transfer body models.TransferRequest true "Transfer data"
// @Success 201 {object} TransferResult
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /transfers [post]
func (ts *TransactionService) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req models.TransferRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	// Replays of the same Idempotency-Key return the original result
	// instead of moving money twice. The cache key is scoped to the acting
	// user so one user's key cannot replay another user's result.
	idemKey := r.Header.Get("Idempotency-Key")
	cacheKey := fmt.Sprintf("transfer_idem:%d:%s", userID, idemKey)
	if idemKey != "" && ts.redisClient != nil {
		cached, err := ts.redisClient.Get(r.Context(), cacheKey).Result()
		if err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(cached))
			return
		}
	}

	result, err := ts.ledger.Transfer(r.Context(), userID, req)
	if err != nil {
		writeBusinessError(w, "[TRANSFER]", err)
		return
	}

	payload, _ := json.Marshal(result)
	if idemKey != "" && ts.redisClient != nil {
		if err := ts.redisClient.Set(r.Context(), cacheKey, payload, 24*time.Hour).Err(); err != nil {
			log.Printf("[TRANSFER] Failed to store idempotency key: %v", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	w.Write(payload)
}

// ListTransactions returns the user's transaction history
// @Summary List transactions
// @Description List the user's transactions, newest first
// @Tags transactions
// @Produce json
// @Param card_id query int false "Filter by card"
// @Param limit query int false "Page size (default 50, max 200)"
// @Param offset query int false "Page offset"
// @Success 200 {array} models.Transaction
// @Router /transactions [get]
func (ts *TransactionService) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		if v > 200 {
			v = 200
		}
		limit = v
	}
	offset := 0
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}

	query := `
		SELECT id, transfer_id, user_id, card_id, title, amount::text, transaction_type, created_at
		FROM transactions
		WHERE user_id = $1`
	args := []any{userID}

	if cardStr := r.URL.Query().Get("card_id"); cardStr != "" {
		cardID, err := strconv.Atoi(cardStr)
		if err != nil {
			SendErrorResponse(w, "Invalid card_id", http.StatusBadRequest, nil)
			return
		}
		query += ` AND card_id = $2`
		args = append(args, cardID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1) + ` OFFSET $` + strconv.Itoa(len(args)+2)
	args = append(args, limit, offset)

	rows, err := ts.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		log.Printf("[TRANSACTIONS] Failed to list for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		var t models.Transaction
		var amountStr string
		if err := rows.Scan(&t.ID, &t.TransferID, &t.UserID, &t.CardID, &t.Title, &amountStr, &t.TransactionType, &t.CreatedAt); err != nil {
			log.Printf("[TRANSACTIONS] Scan failed: %v", err)
			SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
			return
		}
		if t.Amount, err = decimal.NewFromString(amountStr); err != nil {
			SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
			return
		}
		transactions = append(transactions, t)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(transactions)
}

// GetTransaction returns one transaction by id
// @Summary Get a transaction
// @Tags transactions
// @Produce json
// @Param txId path string true "Transaction ID"
// @Success 200 {object} models.Transaction
// @Failure 404 {object} ErrorResponse
// @Router /transactions/{txId} [get]
func (ts *TransactionService) GetTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	txID := chi.URLParam(r, "txId")

	var t models.Transaction
	var amountStr string
	err := ts.db.QueryRowContext(r.Context(), `
		SELECT id, transfer_id, user_id, card_id, title, amount::text, transaction_type, created_at
		FROM transactions
		WHERE id = $1 AND user_id = $2`, txID, userID).
		Scan(&t.ID, &t.TransferID, &t.UserID, &t.CardID, &t.Title, &amountStr, &t.TransactionType, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[TRANSACTIONS] Failed to load %s: %v", txID, err)
		SendErrorResponse(w, "Failed to fetch transaction", http.StatusInternalServerError, nil)
		return
	}
	if t.Amount, err = decimal.NewFromString(amountStr); err != nil {
		SendErrorResponse(w, "Failed to fetch transaction", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(t)
}

// ListCards returns the user's cards with balances
// @Summary List cards
// @Tags cards
// @Produce json
// @Success 200 {array} models.Card
// @Router /cards [get]
func (ts *TransactionService) ListCards(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	rows, err := ts.db.QueryContext(r.Context(), `
		SELECT id, card_number, user_id, card_name, balance::text, currency, is_active, is_default, issued_at, expires_at, updated_at
		FROM cards
		WHERE user_id = $1
		ORDER BY issued_at, id`, userID)
	if err != nil {
		log.Printf("[CARDS] Failed to list for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch cards", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	cards := []models.Card{}
	for rows.Next() {
		var c models.Card
		var balanceStr string
		if err := rows.Scan(&c.ID, &c.CardNumber, &c.UserID, &c.CardName, &balanceStr, &c.Currency, &c.IsActive, &c.IsDefault, &c.IssuedAt, &c.ExpiresAt, &c.UpdatedAt); err != nil {
			log.Printf("[CARDS] Scan failed: %v", err)
			SendErrorResponse(w, "Failed to fetch cards", http.StatusInternalServerError, nil)
			return
		}
		if c.Balance, err = decimal.NewFromString(balanceStr); err != nil {
			SendErrorResponse(w, "Failed to fetch cards", http.StatusInternalServerError, nil)
			return
		}
		cards = append(cards, c)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cards)
}

// GetBalance returns one card's balance
// @Summary Get card balance
// @Tags cards
// @Produce json
// @Param cardId path int true "Card ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Router /cards/{cardId}/balance [get]
func (ts *TransactionService) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	cardID, err := strconv.Atoi(chi.URLParam(r, "cardId"))
	if err != nil {
		SendErrorResponse(w, "Invalid card ID", http.StatusBadRequest, nil)
		return
	}

	var balanceStr, currency string
	err = ts.db.QueryRowContext(r.Context(), `
		SELECT balance::text, currency FROM cards
		WHERE id = $1 AND user_id = $2`, cardID, userID).Scan(&balanceStr, &currency)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeBusinessError(w, "[CARDS]", ErrAccountNotFound)
			return
		}
		log.Printf("[CARDS] Failed to load balance for card %d: %v", cardID, err)
		SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"balance":  balanceStr,
		"currency": currency,
	})
}

// SetDefaultCard marks one of the user's cards as the default
// @Summary Set default card
// @Tags cards
// @Produce json
// @Param cardId path int true "Card ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Router /cards/{cardId}/default [post]
func (ts *TransactionService) SetDefaultCard(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	cardID, err := strconv.Atoi(chi.URLParam(r, "cardId"))
	if err != nil {
		SendErrorResponse(w, "Invalid card ID", http.StatusBadRequest, nil)
		return
	}

	tx, err := ts.db.BeginTx(r.Context(), nil)
	if err != nil {
		log.Printf("[CARDS] Failed to start default-card update: %v", err)
		SendErrorResponse(w, "Failed to update card", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(r.Context(), `
		UPDATE cards SET is_default = TRUE, updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND is_active = TRUE`, cardID, userID)
	if err != nil {
		log.Printf("[CARDS] Failed to set default card %d: %v", cardID, err)
		SendErrorResponse(w, "Failed to update card", http.StatusInternalServerError, nil)
		return
	}
	rows, err := result.RowsAffected()
	if err != nil || rows == 0 {
		writeBusinessError(w, "[CARDS]", ErrAccountNotFound)
		return
	}

	if _, err := tx.ExecContext(r.Context(), `
		UPDATE cards SET is_default = FALSE, updated_at = NOW()
		WHERE user_id = $1 AND id <> $2 AND is_default = TRUE`, userID, cardID); err != nil {
		log.Printf("[CARDS] Failed to clear previous default for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to update card", http.StatusInternalServerError, nil)
		return
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[CARDS] Failed to commit default-card update: %v", err)
		SendErrorResponse(w, "Failed to update card", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Default card updated"})
}
