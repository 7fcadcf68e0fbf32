package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"

	"github.com/nyotabank/backend/internal/middleware"
)

func transferRequestBody() *strings.Reader {
	return strings.NewReader(`{"sender_card_number":"1111222233334444","recipient_identifier":"5555666677778888","amount":"10.00"}`)
}

func newTransferRequest(userID int, idemKey string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/transfers", transferRequestBody())
	r.Header.Set("Idempotency-Key", idemKey)
	return r.WithContext(middleware.WithUserID(context.Background(), userID))
}

func TestTransactionService_CreateTransfer_Idempotency(t *testing.T) {
	t.Run("replay returns the cached result without touching the ledger", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		redisClient, redisMock := redismock.NewClientMock()
		cached := `{"transfer_id":"t-1","sender_balance":"40"}`
		redisMock.ExpectGet("transfer_idem:10:k1").SetVal(cached)

		service := NewTransactionService(db, redisClient, NewLedgerService(db))
		w := httptest.NewRecorder()
		service.CreateTransfer(w, newTransferRequest(10, "k1"))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, cached, w.Body.String())
		assert.NoError(t, redisMock.ExpectationsWereMet())
		// No database expectations were set; any ledger call would fail here.
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cached results are scoped to the acting user", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		// User 20 presents the key user 10 used; the lookup misses and the
		// transfer is attempted on user 20's own cards.
		redisClient, redisMock := redismock.NewClientMock()
		redisMock.ExpectGet("transfer_idem:20:k1").RedisNil()

		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT c.id, c.user_id, c.balance::text, c.is_active, u.first_name, u.last_name").
			WithArgs("1111222233334444").
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "balance", "is_active", "first_name", "last_name"}))
		mock.ExpectRollback()

		service := NewTransactionService(db, redisClient, NewLedgerService(db))
		w := httptest.NewRecorder()
		service.CreateTransfer(w, newTransferRequest(20, "k1"))

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.NoError(t, redisMock.ExpectationsWereMet())
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
