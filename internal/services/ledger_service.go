package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/nyotabank/backend/internal/metrics"
	"github.com/nyotabank/backend/internal/models"
)

// pq error code for a lock_timeout expiry
const pqLockNotAvailable = "55P03"

var cardNumberRegex = regexp.MustCompile(`^\d{16}$`)

// LedgerService executes atomic value transfers between cards and appends
// the paired transaction records. It holds no state of its own; the database
// row locks are the only point of serialization.
type LedgerService struct {
	db          *sql.DB
	lockTimeout string
}

// TransferResult reports a successful transfer back to the API boundary.
type TransferResult struct {
	TransferID       string          `json:"transfer_id"`
	NewSourceBalance decimal.Decimal `json:"sender_balance"`
}

type lockedCard struct {
	id       int
	userID   int
	balance  decimal.Decimal
	isActive bool
}

func NewLedgerService(db *sql.DB) *LedgerService {
	viper.SetDefault("ledger.lock_timeout", "3s")
	return &LedgerService{
		db:          db,
		lockTimeout: viper.GetString("ledger.lock_timeout"),
	}
}

// Transfer moves amount from the acting user's card to the recipient, who is
// identified by an exact card number or, failing that, by phone number (in
// which case the recipient's first-registered active card receives the
// funds). Both balance changes and both transaction records commit in one
// database transaction; on any failure nothing is written.
func (s *LedgerService) Transfer(ctx context.Context, actingUserID int, req models.TransferRequest) (*TransferResult, error) {
	start := time.Now()
	outcome := "failed"
	defer func() { metrics.RecordTransfer(outcome, time.Since(start).Seconds()) }()

	amount := req.Amount
	if amount.LessThanOrEqual(decimal.Zero) || !amount.Equal(amount.Truncate(2)) {
		return nil, ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transfer: %w", err)
	}
	defer tx.Rollback()

	// Bounded lock wait; expiry surfaces as a retryable busy error.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%s'", s.lockTimeout)); err != nil {
		return nil, fmt.Errorf("set lock timeout: %w", err)
	}

	sender, senderName, err := s.resolveSenderCard(ctx, tx, req.SenderCardNumber, actingUserID)
	if err != nil {
		return nil, err
	}

	recipient, recipientUserID, recipientName, viaPhone, err := s.resolveRecipient(ctx, tx, req.RecipientIdentifier)
	if err != nil {
		return nil, err
	}

	sender, recipient, err = s.lockPair(ctx, tx, sender.id, recipient.id)
	if err != nil {
		return nil, err
	}

	// Precondition order: blocked before funds before self.
	if !sender.isActive {
		return nil, ErrAccountBlocked
	}
	if !recipient.isActive {
		return nil, ErrAccountBlocked
	}
	if sender.balance.LessThan(amount) {
		return nil, ErrInsufficientFunds
	}
	if sender.id == recipient.id {
		return nil, ErrSelfTransfer
	}
	// Moving money between one's own cards is allowed when the recipient is
	// named by card number. A phone identifier always resolves to the
	// recipient's first card, so paying one's own phone number could only
	// bounce money back to the same user.
	if viaPhone && recipientUserID == actingUserID {
		return nil, ErrSelfTransfer
	}

	if err := s.applyBalanceChange(ctx, tx, sender.id, amount.Neg()); err != nil {
		return nil, err
	}
	if err := s.applyBalanceChange(ctx, tx, recipient.id, amount); err != nil {
		return nil, err
	}

	transferID := uuid.New().String()
	now := time.Now()

	debit := models.Transaction{
		ID:              uuid.New().String(),
		TransferID:      transferID,
		UserID:          actingUserID,
		CardID:          sender.id,
		Title:           "Transfer to " + recipientName,
		Amount:          amount.Neg(),
		TransactionType: models.TransactionTypeExpense,
		CreatedAt:       now,
	}
	credit := models.Transaction{
		ID:              uuid.New().String(),
		TransferID:      transferID,
		UserID:          recipientUserID,
		CardID:          recipient.id,
		Title:           "Transfer from " + senderName,
		Amount:          amount,
		TransactionType: models.TransactionTypeIncome,
		CreatedAt:       now,
	}
	if err := s.appendRecord(ctx, tx, debit); err != nil {
		return nil, err
	}
	if err := s.appendRecord(ctx, tx, credit); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		if isLockTimeout(err) {
			return nil, ErrTransferBusy
		}
		return nil, fmt.Errorf("commit transfer: %w", err)
	}

	outcome = "success"
	log.Printf("[LEDGER] Transfer %s: card %d -> card %d, amount %s", transferID, sender.id, recipient.id, amount.StringFixed(2))
	return &TransferResult{
		TransferID:       transferID,
		NewSourceBalance: sender.balance.Sub(amount),
	}, nil
}

func (s *LedgerService) resolveSenderCard(ctx context.Context, tx *sql.Tx, cardNumber string, actingUserID int) (lockedCard, string, error) {
	var card lockedCard
	var balanceStr, firstName, lastName string
	err := tx.QueryRowContext(ctx, `
		SELECT c.id, c.user_id, c.balance::text, c.is_active, u.first_name, u.last_name
		FROM cards c
		JOIN users u ON u.id = c.user_id
		WHERE c.card_number = $1`, cardNumber).
		Scan(&card.id, &card.userID, &balanceStr, &card.isActive, &firstName, &lastName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lockedCard{}, "", ErrAccountNotFound
		}
		return lockedCard{}, "", fmt.Errorf("resolve sender card: %w", err)
	}
	if card.userID != actingUserID {
		return lockedCard{}, "", ErrNotOwner
	}
	card.balance, err = decimal.NewFromString(balanceStr)
	if err != nil {
		return lockedCard{}, "", fmt.Errorf("parse sender balance: %w", err)
	}
	name := (&models.User{FirstName: firstName, LastName: lastName}).FullName()
	return card, name, nil
}

// resolveRecipient tries the identifier as an exact card number first, then
// as a phone number. This is an explicit two-step resolution, not an
// exception-driven fallback: a 16-digit identifier that matches no card is
// still retried as a phone number before failing. The returned flag reports
// which branch matched; the self-transfer rules differ between them.
func (s *LedgerService) resolveRecipient(ctx context.Context, tx *sql.Tx, identifier string) (lockedCard, int, string, bool, error) {
	if cardNumberRegex.MatchString(identifier) {
		card, userID, name, err := s.recipientByCardNumber(ctx, tx, identifier)
		if err == nil {
			return card, userID, name, false, nil
		}
		if !errors.Is(err, ErrRecipientNotFound) {
			return lockedCard{}, 0, "", false, err
		}
	}
	card, userID, name, err := s.recipientByPhoneNumber(ctx, tx, identifier)
	return card, userID, name, true, err
}

func (s *LedgerService) recipientByCardNumber(ctx context.Context, tx *sql.Tx, cardNumber string) (lockedCard, int, string, error) {
	var card lockedCard
	var balanceStr, firstName, lastName string
	err := tx.QueryRowContext(ctx, `
		SELECT c.id, c.user_id, c.balance::text, c.is_active, u.first_name, u.last_name
		FROM cards c
		JOIN users u ON u.id = c.user_id
		WHERE c.card_number = $1`, cardNumber).
		Scan(&card.id, &card.userID, &balanceStr, &card.isActive, &firstName, &lastName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lockedCard{}, 0, "", ErrRecipientNotFound
		}
		return lockedCard{}, 0, "", fmt.Errorf("resolve recipient card: %w", err)
	}
	card.balance, err = decimal.NewFromString(balanceStr)
	if err != nil {
		return lockedCard{}, 0, "", fmt.Errorf("parse recipient balance: %w", err)
	}
	name := (&models.User{FirstName: firstName, LastName: lastName}).FullName()
	return card, card.userID, name, nil
}

func (s *LedgerService) recipientByPhoneNumber(ctx context.Context, tx *sql.Tx, phoneNumber string) (lockedCard, int, string, error) {
	var card lockedCard
	var balanceStr, firstName, lastName string
	// The recipient's first-registered active card receives the funds.
	err := tx.QueryRowContext(ctx, `
		SELECT c.id, c.user_id, c.balance::text, c.is_active, u.first_name, u.last_name
		FROM users u
		JOIN cards c ON c.user_id = u.id AND c.is_active = TRUE
		WHERE u.phone_number = $1
		ORDER BY c.issued_at, c.id
		LIMIT 1`, phoneNumber).
		Scan(&card.id, &card.userID, &balanceStr, &card.isActive, &firstName, &lastName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lockedCard{}, 0, "", ErrRecipientNotFound
		}
		return lockedCard{}, 0, "", fmt.Errorf("resolve recipient by phone: %w", err)
	}
	card.balance, err = decimal.NewFromString(balanceStr)
	if err != nil {
		return lockedCard{}, 0, "", fmt.Errorf("parse recipient balance: %w", err)
	}
	name := (&models.User{FirstName: firstName, LastName: lastName}).FullName()
	return card, card.userID, name, nil
}

// lockPair takes FOR UPDATE locks on both cards in ascending id order so two
// transfers targeting each other's cards cannot deadlock. The balances read
// under lock supersede the resolution-time reads.
func (s *LedgerService) lockPair(ctx context.Context, tx *sql.Tx, senderID, recipientID int) (lockedCard, lockedCard, error) {
	firstID, secondID := senderID, recipientID
	if firstID > secondID {
		firstID, secondID = secondID, firstID
	}

	first, err := s.lockCard(ctx, tx, firstID)
	if err != nil {
		return lockedCard{}, lockedCard{}, err
	}
	second := first
	if secondID != firstID {
		second, err = s.lockCard(ctx, tx, secondID)
		if err != nil {
			return lockedCard{}, lockedCard{}, err
		}
	}

	if first.id == senderID {
		return first, second, nil
	}
	return second, first, nil
}

func (s *LedgerService) lockCard(ctx context.Context, tx *sql.Tx, cardID int) (lockedCard, error) {
	var card lockedCard
	var balanceStr string
	err := tx.QueryRowContext(ctx, `
		SELECT id, user_id, balance::text, is_active
		FROM cards
		WHERE id = $1
		FOR UPDATE`, cardID).
		Scan(&card.id, &card.userID, &balanceStr, &card.isActive)
	if err != nil {
		if isLockTimeout(err) {
			return lockedCard{}, ErrTransferBusy
		}
		if errors.Is(err, sql.ErrNoRows) {
			// Row vanished between resolution and lock; data error, not a
			// business outcome.
			return lockedCard{}, fmt.Errorf("card %d missing at lock time", cardID)
		}
		return lockedCard{}, fmt.Errorf("lock card %d: %w", cardID, err)
	}
	card.balance, err = decimal.NewFromString(balanceStr)
	if err != nil {
		return lockedCard{}, fmt.Errorf("parse locked balance: %w", err)
	}
	return card, nil
}

func (s *LedgerService) applyBalanceChange(ctx context.Context, tx *sql.Tx, cardID int, delta decimal.Decimal) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE cards
		SET balance = balance + $1, updated_at = NOW()
		WHERE id = $2 AND balance + $1 >= 0`,
		delta.StringFixed(2), cardID)
	if err != nil {
		return fmt.Errorf("update balance for card %d: %w", cardID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// The locked read guarantees funds; a zero here means the invariant
		// was violated elsewhere.
		return fmt.Errorf("balance update rejected for card %d", cardID)
	}
	return nil
}

func (s *LedgerService) appendRecord(ctx context.Context, tx *sql.Tx, record models.Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, transfer_id, user_id, card_id, title, amount, transaction_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.ID, record.TransferID, record.UserID, record.CardID,
		record.Title, record.Amount.StringFixed(2), record.TransactionType, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("append transaction record: %w", err)
	}
	return nil
}

func isLockTimeout(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqLockNotAvailable
}
