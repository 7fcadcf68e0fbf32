package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestQRService_GeneratePaymentRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects non-positive and over-precise amounts", func(t *testing.T) {
		service := NewQRService(nil, nil)
		for _, amount := range []string{"0", "-1.00", "5.001"} {
			_, _, err := service.GeneratePaymentRequest(ctx, 10, decimal.RequireFromString(amount))
			assert.ErrorIs(t, err, ErrInvalidAmount, "amount %s", amount)
		}
	})

	t.Run("accepts amounts with trailing zeros", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		// 25.000 clears validation and reaches the card lookup.
		mock.ExpectQuery("SELECT c.card_number, u.first_name, u.last_name").
			WithArgs(10).
			WillReturnRows(sqlmock.NewRows([]string{"card_number", "first_name", "last_name"}))

		service := NewQRService(db, nil)
		_, _, err = service.GeneratePaymentRequest(ctx, 10, decimal.RequireFromString("25.000"))
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("fails when the user has no active card", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT c.card_number, u.first_name, u.last_name").
			WithArgs(10).
			WillReturnRows(sqlmock.NewRows([]string{"card_number", "first_name", "last_name"}))

		service := NewQRService(db, nil)
		_, _, err = service.GeneratePaymentRequest(ctx, 10, decimal.RequireFromString("25.00"))
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestQRService_ResolvePaymentRequest(t *testing.T) {
	ctx := context.Background()

	request := PaymentRequest{
		CardNumber:    "1111222233334444",
		RecipientName: "Alice Sender",
		Amount:        decimal.RequireFromString("25.00"),
		Nonce:         "test-nonce",
		Timestamp:     time.Now().Unix(),
	}
	payload, err := json.Marshal(request)
	assert.NoError(t, err)
	qrData := base64.URLEncoding.EncodeToString(payload)

	t.Run("valid code resolves and is consumed", func(t *testing.T) {
		redisClient, redisMock := redismock.NewClientMock()
		key := "payment_request:" + qrData
		redisMock.ExpectGet(key).SetVal(string(payload))
		redisMock.ExpectDel(key).SetVal(1)

		service := NewQRService(nil, redisClient)
		resolved, err := service.ResolvePaymentRequest(ctx, qrData)
		assert.NoError(t, err)
		assert.Equal(t, "1111222233334444", resolved.CardNumber)
		assert.Equal(t, "Alice Sender", resolved.RecipientName)
		assert.True(t, resolved.Amount.Equal(request.Amount))
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("expired or unknown code", func(t *testing.T) {
		redisClient, redisMock := redismock.NewClientMock()
		redisMock.ExpectGet("payment_request:" + qrData).RedisNil()

		service := NewQRService(nil, redisClient)
		_, err := service.ResolvePaymentRequest(ctx, qrData)
		assert.Error(t, err)
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("corrupted payload", func(t *testing.T) {
		redisClient, redisMock := redismock.NewClientMock()
		redisMock.ExpectGet("payment_request:garbage").SetVal("not json")

		service := NewQRService(nil, redisClient)
		_, err := service.ResolvePaymentRequest(ctx, "garbage")
		assert.Error(t, err)
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})
}
