package services

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/nyotabank/backend/internal/models"
)

const (
	senderCardNumber    = "1111222233334444"
	recipientCardNumber = "5555666677778888"
)

func expectSenderResolution(mock sqlmock.Sqlmock, cardID, userID int, balance string, active bool) {
	mock.ExpectQuery("SELECT c.id, c.user_id, c.balance::text, c.is_active, u.first_name, u.last_name").
		WithArgs(senderCardNumber).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance", "is_active", "first_name", "last_name"}).
			AddRow(cardID, userID, balance, active, "Alice", "Sender"))
}

func expectCardLock(mock sqlmock.Sqlmock, cardID, userID int, balance string, active bool) {
	mock.ExpectQuery("SELECT id, user_id, balance::text, is_active\\s+FROM cards\\s+WHERE id = \\$1\\s+FOR UPDATE").
		WithArgs(cardID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance", "is_active"}).
			AddRow(cardID, userID, balance, active))
}

func TestLedgerService_Transfer(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)
	ctx := context.Background()

	transferReq := func(amount string) models.TransferRequest {
		return models.TransferRequest{
			SenderCardNumber:    senderCardNumber,
			RecipientIdentifier: recipientCardNumber,
			Amount:              decimal.RequireFromString(amount),
		}
	}

	t.Run("successful transfer by card number", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))

		expectSenderResolution(mock, 1, 10, "100.00", true)

		// Recipient resolved by exact card number.
		mock.ExpectQuery("SELECT c.id, c.user_id, c.balance::text, c.is_active, u.first_name, u.last_name").
			WithArgs(recipientCardNumber).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance", "is_active", "first_name", "last_name"}).
				AddRow(2, 20, "5.00", true, "Bob", "Recipient"))

		expectCardLock(mock, 1, 10, "100.00", true)
		expectCardLock(mock, 2, 20, "5.00", true)

		// Debit and credit are the same amount with opposite signs.
		mock.ExpectExec("UPDATE cards").
			WithArgs("-60.00", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE cards").
			WithArgs("60.00", 2).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), 10, 1, "Transfer to Bob Recipient", "-60.00", models.TransactionTypeExpense, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), 20, 2, "Transfer from Alice Sender", "60.00", models.TransactionTypeIncome, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		result, err := service.Transfer(ctx, 10, transferReq("60.00"))
		assert.NoError(t, err)
		assert.NotEmpty(t, result.TransferID)
		assert.True(t, result.NewSourceBalance.Equal(decimal.RequireFromString("40.00")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("transfer between own cards by card number", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))

		expectSenderResolution(mock, 1, 10, "100.00", true)

		// The recipient card belongs to the acting user too; naming it by
		// card number makes this a legitimate own-card move.
		mock.ExpectQuery("SELECT c.id, c.user_id, c.balance::text, c.is_active, u.first_name, u.last_name").
			WithArgs(recipientCardNumber).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance", "is_active", "first_name", "last_name"}).
				AddRow(2, 10, "0.00", true, "Alice", "Sender"))

		expectCardLock(mock, 1, 10, "100.00", true)
		expectCardLock(mock, 2, 10, "0.00", true)

		mock.ExpectExec("UPDATE cards").
			WithArgs("-25.00", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE cards").
			WithArgs("25.00", 2).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), 10, 1, "Transfer to Alice Sender", "-25.00", models.TransactionTypeExpense, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), 10, 2, "Transfer from Alice Sender", "25.00", models.TransactionTypeIncome, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		result, err := service.Transfer(ctx, 10, transferReq("25.00"))
		assert.NoError(t, err)
		assert.True(t, result.NewSourceBalance.Equal(decimal.RequireFromString("75.00")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient funds", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))

		expectSenderResolution(mock, 1, 10, "10.00", true)
		mock.ExpectQuery("SELECT c.id, c.user_id, c.balance::text, c.is_active, u.first_name, u.last_name").
			WithArgs(recipientCardNumber).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance", "is_active", "first_name", "last_name"}).
				AddRow(2, 20, "5.00", true, "Bob", "Recipient"))
		expectCardLock(mock, 1, 10, "10.00", true)
		expectCardLock(mock, 2, 20, "5.00", true)
		mock.ExpectRollback()

		_, err := service.Transfer(ctx, 10, transferReq("60.00"))
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("blocked sender checked before funds", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))

		expectSenderResolution(mock, 1, 10, "10.00", false)
		mock.ExpectQuery("SELECT c.id, c.user_id, c.balance::text, c.is_active, u.first_name, u.last_name").
			WithArgs(recipientCardNumber).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance", "is_active", "first_name", "last_name"}).
				AddRow(2, 20, "5.00", true, "Bob", "Recipient"))
		expectCardLock(mock, 1, 10, "10.00", false)
		expectCardLock(mock, 2, 20, "5.00", true)
		mock.ExpectRollback()

		// Balance is also too low, but blocked wins.
		_, err := service.Transfer(ctx, 10, transferReq("60.00"))
		assert.ErrorIs(t, err, ErrAccountBlocked)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("self transfer via phone number", func(t *testing.T) {
		req := models.TransferRequest{
			SenderCardNumber:    senderCardNumber,
			RecipientIdentifier: "+15551234567",
			Amount:              decimal.RequireFromString("10.00"),
		}

		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))

		expectSenderResolution(mock, 1, 10, "100.00", true)

		// Phone resolves to another card of the acting user.
		mock.ExpectQuery("WHERE u.phone_number = \\$1").
			WithArgs("+15551234567").
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance", "is_active", "first_name", "last_name"}).
				AddRow(3, 10, "0.00", true, "Alice", "Sender"))

		expectCardLock(mock, 1, 10, "100.00", true)
		expectCardLock(mock, 3, 10, "0.00", true)
		mock.ExpectRollback()

		_, err := service.Transfer(ctx, 10, req)
		assert.ErrorIs(t, err, ErrSelfTransfer)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("sixteen digit identifier falls back to phone lookup", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))

		expectSenderResolution(mock, 1, 10, "100.00", true)

		// No card with that number; retried as a phone number.
		mock.ExpectQuery("SELECT c.id, c.user_id, c.balance::text, c.is_active, u.first_name, u.last_name").
			WithArgs(recipientCardNumber).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance", "is_active", "first_name", "last_name"}))
		mock.ExpectQuery("WHERE u.phone_number = \\$1").
			WithArgs(recipientCardNumber).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance", "is_active", "first_name", "last_name"}))
		mock.ExpectRollback()

		_, err := service.Transfer(ctx, 10, transferReq("10.00"))
		assert.ErrorIs(t, err, ErrRecipientNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("card not owned by acting user", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))

		expectSenderResolution(mock, 1, 99, "100.00", true)
		mock.ExpectRollback()

		_, err := service.Transfer(ctx, 10, transferReq("10.00"))
		assert.ErrorIs(t, err, ErrNotOwner)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lock timeout surfaces as busy", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))

		expectSenderResolution(mock, 1, 10, "100.00", true)
		mock.ExpectQuery("SELECT c.id, c.user_id, c.balance::text, c.is_active, u.first_name, u.last_name").
			WithArgs(recipientCardNumber).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance", "is_active", "first_name", "last_name"}).
				AddRow(2, 20, "5.00", true, "Bob", "Recipient"))

		mock.ExpectQuery("FOR UPDATE").
			WithArgs(1).
			WillReturnError(&pq.Error{Code: pqLockNotAvailable})
		mock.ExpectRollback()

		_, err := service.Transfer(ctx, 10, transferReq("10.00"))
		assert.ErrorIs(t, err, ErrTransferBusy)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid amounts rejected before any query", func(t *testing.T) {
		for _, amount := range []string{"0", "-5.00", "1.001"} {
			_, err := service.Transfer(ctx, 10, transferReq(amount))
			assert.ErrorIs(t, err, ErrInvalidAmount, "amount %s", amount)
		}
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("trailing zeros are valid precision", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))

		expectSenderResolution(mock, 1, 10, "100.00", true)
		mock.ExpectQuery("SELECT c.id, c.user_id, c.balance::text, c.is_active, u.first_name, u.last_name").
			WithArgs(recipientCardNumber).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance", "is_active", "first_name", "last_name"}).
				AddRow(2, 20, "5.00", true, "Bob", "Recipient"))

		expectCardLock(mock, 1, 10, "100.00", true)
		expectCardLock(mock, 2, 20, "5.00", true)

		// 60.000 is exactly representable at 2 dp despite its exponent.
		mock.ExpectExec("UPDATE cards").
			WithArgs("-60.00", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE cards").
			WithArgs("60.00", 2).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		_, err := service.Transfer(ctx, 10, transferReq("60.000"))
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
