package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"
)

// QRService issues short-lived payment requests as QR codes. A scanned code
// resolves to the recipient's card number and requested amount, which the
// payer then submits as an ordinary transfer.
type QRService struct {
	db          *sql.DB
	redisClient *redis.Client
}

// PaymentRequest is the payload encoded in a payment QR code.
type PaymentRequest struct {
	CardNumber    string          `json:"card_number"`
	RecipientName string          `json:"recipient_name"`
	Amount        decimal.Decimal `json:"amount"`
	Nonce         string          `json:"nonce"`
	Timestamp     int64           `json:"timestamp"`
}

func NewQRService(db *sql.DB, redisClient *redis.Client) *QRService {
	return &QRService{
		db:          db,
		redisClient: redisClient,
	}
}

// GeneratePaymentRequest builds a QR code asking for amount to be paid to
// the user's default card. Valid for five minutes, single use.
func (s *QRService) GeneratePaymentRequest(ctx context.Context, userID int, amount decimal.Decimal) (string, string, error) {
	if amount.LessThanOrEqual(decimal.Zero) || !amount.Equal(amount.Truncate(2)) {
		return "", "", ErrInvalidAmount
	}

	var cardNumber, firstName, lastName string
	err := s.db.QueryRowContext(ctx, `
		SELECT c.card_number, u.first_name, u.last_name
		FROM cards c
		JOIN users u ON u.id = c.user_id
		WHERE c.user_id = $1 AND c.is_active = TRUE
		ORDER BY c.issued_at, c.id
		LIMIT 1`, userID).Scan(&cardNumber, &firstName, &lastName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", ErrAccountNotFound
		}
		return "", "", fmt.Errorf("resolve default card: %w", err)
	}

	request := PaymentRequest{
		CardNumber:    cardNumber,
		RecipientName: fmt.Sprintf("%s %s", firstName, lastName),
		Amount:        amount,
		Nonce:         s.generateNonce(),
		Timestamp:     time.Now().Unix(),
	}

	jsonData, err := json.Marshal(request)
	if err != nil {
		return "", "", err
	}

	qrCode := base64.URLEncoding.EncodeToString(jsonData)

	key := fmt.Sprintf("payment_request:%s", qrCode)
	if err := s.redisClient.Set(ctx, key, jsonData, 5*time.Minute).Err(); err != nil {
		return "", "", err
	}

	qr, err := qrcode.New(qrCode, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}

	qrImage := base64.StdEncoding.EncodeToString(buf.Bytes())

	return qrCode, qrImage, nil
}

// ResolvePaymentRequest redeems a scanned code. The code is consumed; a
// second scan fails even inside the five-minute window.
func (s *QRService) ResolvePaymentRequest(ctx context.Context, qrData string) (*PaymentRequest, error) {
	key := fmt.Sprintf("payment_request:%s", qrData)

	data, err := s.redisClient.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("invalid or expired payment request")
	}
	if err != nil {
		return nil, err
	}

	var request PaymentRequest
	if err := json.Unmarshal(data, &request); err != nil {
		return nil, err
	}

	s.redisClient.Del(ctx, key)

	return &request, nil
}

func (s *QRService) generateNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
