package services

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func setAuthTestConfig(t *testing.T) {
	t.Helper()
	viper.Set("jwt.secret_key", "test-secret")
	viper.Set("jwt.expiry_hours", 24)
	viper.Set("argon2.salt_length", 16)
	viper.Set("argon2.time", 1)
	viper.Set("argon2.memory", 64*1024)
	viper.Set("argon2.threads", 4)
	viper.Set("argon2.key_length", 32)
}

func TestPasswordHashing(t *testing.T) {
	setAuthTestConfig(t)

	t.Run("round trip", func(t *testing.T) {
		hashed, err := hashPassword("correct horse battery")
		assert.NoError(t, err)
		assert.Contains(t, hashed, "$")
		assert.True(t, verifyPassword("correct horse battery", hashed))
	})

	t.Run("wrong password rejected", func(t *testing.T) {
		hashed, err := hashPassword("password123")
		assert.NoError(t, err)
		assert.False(t, verifyPassword("password124", hashed))
	})

	t.Run("salts differ between hashes", func(t *testing.T) {
		first, err := hashPassword("same password")
		assert.NoError(t, err)
		second, err := hashPassword("same password")
		assert.NoError(t, err)
		assert.NotEqual(t, first, second)
	})

	t.Run("malformed hash rejected", func(t *testing.T) {
		assert.False(t, verifyPassword("anything", "not-a-valid-hash"))
		assert.False(t, verifyPassword("anything", "!!$!!"))
	})
}

func TestGenerateJWT(t *testing.T) {
	setAuthTestConfig(t)

	tokenString, err := generateJWT(42, true)
	assert.NoError(t, err)

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte("test-secret"), nil
	})
	assert.NoError(t, err)
	assert.True(t, token.Valid)

	claims, ok := token.Claims.(jwt.MapClaims)
	assert.True(t, ok)
	assert.Equal(t, float64(42), claims["user_id"])
	assert.Equal(t, true, claims["is_admin"])

	exp, ok := claims["exp"].(float64)
	assert.True(t, ok)
	assert.Greater(t, exp, float64(time.Now().Unix()))
}

func TestAuthService_Login(t *testing.T) {
	setAuthTestConfig(t)

	hashed, err := hashPassword("password123")
	assert.NoError(t, err)

	loginBody := `{"phone_number":"+15551234567","password":"password123"}`

	t.Run("valid credentials", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT id, phone_number, email, password").
			WithArgs("+15551234567").
			WillReturnRows(sqlmock.NewRows([]string{"id", "phone_number", "email", "password", "first_name", "last_name", "middle_name", "avatar_url", "is_admin", "created_at"}).
				AddRow(7, "+15551234567", "alice@example.com", hashed, "Alice", "Sender", "", "", false, time.Now()))
		mock.ExpectExec("UPDATE users SET last_login").
			WithArgs(7).
			WillReturnResult(sqlmock.NewResult(0, 1))

		service := NewAuthService(db, nil)
		r := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(loginBody))
		w := httptest.NewRecorder()
		service.Login(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"token"`)
		assert.Contains(t, w.Body.String(), `"alice@example.com"`)
		assert.NotContains(t, w.Body.String(), hashed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown phone number", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT id, phone_number, email, password").
			WithArgs("+15551234567").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		service := NewAuthService(db, nil)
		r := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(loginBody))
		w := httptest.NewRecorder()
		service.Login(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wrong password", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT id, phone_number, email, password").
			WithArgs("+15551234567").
			WillReturnRows(sqlmock.NewRows([]string{"id", "phone_number", "email", "password", "first_name", "last_name", "middle_name", "avatar_url", "is_admin", "created_at"}).
				AddRow(7, "+15551234567", "alice@example.com", hashed, "Alice", "Sender", "", "", false, time.Now()))

		service := NewAuthService(db, nil)
		r := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"phone_number":"+15551234567","password":"wrongpassword"}`))
		w := httptest.NewRecorder()
		service.Login(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid phone format rejected before querying", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewAuthService(db, nil)
		r := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"phone_number":"not-a-phone","password":"password123"}`))
		w := httptest.NewRecorder()
		service.Login(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAuthService_Register(t *testing.T) {
	setAuthTestConfig(t)

	registerBody := `{"phone_number":"+15551234567","password":"password123","email":"Alice@Example.com","first_name":"Alice","last_name":"Sender"}`

	t.Run("creates user and first card in one transaction", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		// Email is stored lowercased.
		mock.ExpectQuery("INSERT INTO users").
			WithArgs("+15551234567", "alice@example.com", sqlmock.AnyArg(), "Alice", "Sender", "").
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(7, time.Now()))
		mock.ExpectExec("INSERT INTO cards").
			WithArgs(sqlmock.AnyArg(), 7, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		service := NewAuthService(db, nil)
		r := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(registerBody))
		w := httptest.NewRecorder()
		service.Register(w, r)

		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Contains(t, w.Body.String(), `"token"`)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate phone number conflicts", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO users").
			WillReturnError(assert.AnError)
		mock.ExpectRollback()

		service := NewAuthService(db, nil)
		r := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(registerBody))
		w := httptest.NewRecorder()
		service.Register(w, r)

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
