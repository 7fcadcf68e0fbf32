package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/nyotabank/backend/internal/metrics"
	"github.com/nyotabank/backend/internal/middleware"
	"github.com/nyotabank/backend/internal/models"
)

// Fee rates: 1% on buy and sell, 0.1% on wallet-to-wallet transfer. Fees are
// rounded half-up to the currency minor unit (2 dp fiat, 8 dp crypto) and
// paid by the payer.
var (
	tradeFeeRate    = decimal.NewFromFloat(0.01)
	transferFeeRate = decimal.NewFromFloat(0.001)
)

const cryptoScale = 8

// CryptoService executes buy/sell/transfer operations between fiat cards and
// crypto wallets with the same locking and commit discipline as the fiat
// ledger. The exchange rate is read before any lock is taken and captured on
// the resulting record.
type CryptoService struct {
	db          *sql.DB
	validator   *ValidationHelper
	lockTimeout string
}

type CryptoBuyRequest struct {
	CurrencyID string          `json:"currency_id" validate:"required,max=64"`
	USDAmount  decimal.Decimal `json:"usd_amount" validate:"required"`
}

type CryptoSellRequest struct {
	WalletID     string          `json:"wallet_id" validate:"required,uuid4"`
	CryptoAmount decimal.Decimal `json:"crypto_amount" validate:"required"`
}

type CryptoTransferRequest struct {
	WalletID     string          `json:"wallet_id" validate:"required,uuid4"`
	ToAddress    string          `json:"to_address" validate:"required,max=128"`
	CryptoAmount decimal.Decimal `json:"crypto_amount" validate:"required"`
}

type lockedWallet struct {
	id      string
	userID  int
	address string
	balance decimal.Decimal
}

func NewCryptoService(db *sql.DB) *CryptoService {
	viper.SetDefault("ledger.lock_timeout", "3s")
	return &CryptoService{
		db:          db,
		validator:   NewValidationHelper(),
		lockTimeout: viper.GetString("ledger.lock_timeout"),
	}
}

// Buy purchases crypto with USD from the user's default card at the current
// rate. The wallet is created lazily on first purchase for that currency.
func (s *CryptoService) Buy(ctx context.Context, userID int, currencyID string, usdAmount decimal.Decimal) (*models.CryptoTransaction, error) {
	if usdAmount.LessThanOrEqual(decimal.Zero) || !usdAmount.Equal(usdAmount.Truncate(2)) {
		return nil, ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin buy: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%s'", s.lockTimeout)); err != nil {
		return nil, fmt.Errorf("set lock timeout: %w", err)
	}

	price, err := s.currencyPrice(ctx, tx, currencyID)
	if err != nil {
		return nil, err
	}

	// Lock order across tables is fixed: fiat card first, then wallet.
	card, err := s.lockDefaultCard(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if !card.isActive {
		return nil, ErrAccountBlocked
	}

	fee := usdAmount.Mul(tradeFeeRate).Round(2)
	total := usdAmount.Add(fee)
	if card.balance.LessThan(total) {
		return nil, ErrInsufficientFunds
	}

	cryptoAmount := usdAmount.DivRound(price, cryptoScale)

	wallet, err := s.lockOrCreateWallet(ctx, tx, userID, currencyID)
	if err != nil {
		return nil, err
	}

	if err := s.adjustCardBalance(ctx, tx, card.id, total.Neg()); err != nil {
		return nil, err
	}
	if err := s.adjustWalletBalance(ctx, tx, wallet.id, cryptoAmount); err != nil {
		return nil, err
	}

	record := models.CryptoTransaction{
		ID:           uuid.New().String(),
		UserID:       userID,
		WalletID:     wallet.id,
		Type:         models.CryptoTxTypeBuy,
		Status:       models.CryptoTxStatusCompleted,
		CryptoAmount: cryptoAmount,
		USDAmount:    usdAmount,
		FeeAmount:    fee,
		ExchangeRate: price,
	}
	if err := s.appendCryptoRecord(ctx, tx, &record); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		if isLockTimeout(err) {
			return nil, ErrTransferBusy
		}
		return nil, fmt.Errorf("commit buy: %w", err)
	}

	metrics.RecordCryptoTrade(models.CryptoTxTypeBuy, "success")
	log.Printf("[CRYPTO] Buy %s: user %d bought %s %s at %s", record.ID, userID, cryptoAmount.String(), currencyID, price.String())
	return &record, nil
}

// Sell converts crypto back to USD on the user's default card, net of fee.
func (s *CryptoService) Sell(ctx context.Context, userID int, walletID string, cryptoAmount decimal.Decimal) (*models.CryptoTransaction, error) {
	if cryptoAmount.LessThanOrEqual(decimal.Zero) || !cryptoAmount.Equal(cryptoAmount.Truncate(cryptoScale)) {
		return nil, ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin sell: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%s'", s.lockTimeout)); err != nil {
		return nil, fmt.Errorf("set lock timeout: %w", err)
	}

	currencyID, err := s.walletCurrency(ctx, tx, walletID, userID)
	if err != nil {
		return nil, err
	}
	price, err := s.currencyPrice(ctx, tx, currencyID)
	if err != nil {
		return nil, err
	}

	card, err := s.lockDefaultCard(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if !card.isActive {
		return nil, ErrAccountBlocked
	}

	wallet, err := s.lockWallet(ctx, tx, walletID, userID)
	if err != nil {
		return nil, err
	}
	if wallet.balance.LessThan(cryptoAmount) {
		return nil, ErrInsufficientFunds
	}

	usdGross := cryptoAmount.Mul(price).Round(2)
	fee := usdGross.Mul(tradeFeeRate).Round(2)
	usdNet := usdGross.Sub(fee)

	if err := s.adjustWalletBalance(ctx, tx, wallet.id, cryptoAmount.Neg()); err != nil {
		return nil, err
	}
	if err := s.adjustCardBalance(ctx, tx, card.id, usdNet); err != nil {
		return nil, err
	}

	record := models.CryptoTransaction{
		ID:           uuid.New().String(),
		UserID:       userID,
		WalletID:     wallet.id,
		Type:         models.CryptoTxTypeSell,
		Status:       models.CryptoTxStatusCompleted,
		CryptoAmount: cryptoAmount,
		USDAmount:    usdNet,
		FeeAmount:    fee,
		ExchangeRate: price,
	}
	if err := s.appendCryptoRecord(ctx, tx, &record); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		if isLockTimeout(err) {
			return nil, ErrTransferBusy
		}
		return nil, fmt.Errorf("commit sell: %w", err)
	}

	metrics.RecordCryptoTrade(models.CryptoTxTypeSell, "success")
	log.Printf("[CRYPTO] Sell %s: user %d sold %s of wallet %s for %s USD net", record.ID, userID, cryptoAmount.String(), walletID, usdNet.StringFixed(2))
	return &record, nil
}

// Transfer sends crypto to another address. If the address belongs to a
// wallet of the same currency in this bank, it is credited atomically and a
// paired inbound record is written; otherwise the amount leaves the bank.
// The 0.1% fee is charged in crypto units on the sending wallet.
func (s *CryptoService) Transfer(ctx context.Context, userID int, walletID, toAddress string, cryptoAmount decimal.Decimal) (*models.CryptoTransaction, error) {
	if cryptoAmount.LessThanOrEqual(decimal.Zero) || !cryptoAmount.Equal(cryptoAmount.Truncate(cryptoScale)) {
		return nil, ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin crypto transfer: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%s'", s.lockTimeout)); err != nil {
		return nil, fmt.Errorf("set lock timeout: %w", err)
	}

	currencyID, err := s.walletCurrency(ctx, tx, walletID, userID)
	if err != nil {
		return nil, err
	}
	price, err := s.currencyPrice(ctx, tx, currencyID)
	if err != nil {
		return nil, err
	}

	recipientID, hasRecipient, err := s.findWalletByAddress(ctx, tx, toAddress, currencyID)
	if err != nil {
		return nil, err
	}

	source, recipient, err := s.lockWalletPair(ctx, tx, walletID, recipientID, hasRecipient, userID)
	if err != nil {
		return nil, err
	}
	if source.address == toAddress {
		return nil, ErrSelfTransfer
	}

	fee := cryptoAmount.Mul(transferFeeRate).Round(cryptoScale)
	totalDebit := cryptoAmount.Add(fee)
	if source.balance.LessThan(totalDebit) {
		return nil, ErrInsufficientFunds
	}

	usdValue := cryptoAmount.Mul(price).Round(2)

	if err := s.adjustWalletBalance(ctx, tx, source.id, totalDebit.Neg()); err != nil {
		return nil, err
	}

	record := models.CryptoTransaction{
		ID:           uuid.New().String(),
		UserID:       userID,
		WalletID:     source.id,
		Type:         models.CryptoTxTypeTransferOut,
		Status:       models.CryptoTxStatusCompleted,
		CryptoAmount: cryptoAmount,
		USDAmount:    usdValue,
		FeeAmount:    fee,
		ExchangeRate: price,
		FromAddress:  source.address,
		ToAddress:    toAddress,
	}
	if err := s.appendCryptoRecord(ctx, tx, &record); err != nil {
		return nil, err
	}

	if hasRecipient {
		if err := s.adjustWalletBalance(ctx, tx, recipient.id, cryptoAmount); err != nil {
			return nil, err
		}
		inbound := models.CryptoTransaction{
			ID:           uuid.New().String(),
			UserID:       recipient.userID,
			WalletID:     recipient.id,
			Type:         models.CryptoTxTypeTransferIn,
			Status:       models.CryptoTxStatusCompleted,
			CryptoAmount: cryptoAmount,
			USDAmount:    usdValue,
			FeeAmount:    decimal.Zero,
			ExchangeRate: price,
			FromAddress:  source.address,
			ToAddress:    toAddress,
		}
		if err := s.appendCryptoRecord(ctx, tx, &inbound); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		if isLockTimeout(err) {
			return nil, ErrTransferBusy
		}
		return nil, fmt.Errorf("commit crypto transfer: %w", err)
	}

	metrics.RecordCryptoTrade(models.CryptoTxTypeTransferOut, "success")
	log.Printf("[CRYPTO] Transfer %s: user %d sent %s %s to %s", record.ID, userID, cryptoAmount.String(), currencyID, toAddress)
	return &record, nil
}

func (s *CryptoService) currencyPrice(ctx context.Context, tx *sql.Tx, currencyID string) (decimal.Decimal, error) {
	var priceStr string
	err := tx.QueryRowContext(ctx, `
		SELECT price_usd::text FROM crypto_currencies
		WHERE id = $1 AND is_active = TRUE`, currencyID).Scan(&priceStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, ErrCurrencyNotFound
		}
		return decimal.Zero, fmt.Errorf("load currency %s: %w", currencyID, err)
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price for %s: %w", currencyID, err)
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidPrice
	}
	return price, nil
}

func (s *CryptoService) walletCurrency(ctx context.Context, tx *sql.Tx, walletID string, userID int) (string, error) {
	var currencyID string
	err := tx.QueryRowContext(ctx, `
		SELECT currency_id FROM crypto_wallets
		WHERE id = $1 AND user_id = $2 AND is_active = TRUE`, walletID, userID).Scan(&currencyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrWalletNotFound
		}
		return "", fmt.Errorf("load wallet %s: %w", walletID, err)
	}
	return currencyID, nil
}

type lockedFiatCard struct {
	id       int
	balance  decimal.Decimal
	isActive bool
}

func (s *CryptoService) lockDefaultCard(ctx context.Context, tx *sql.Tx, userID int) (lockedFiatCard, error) {
	var card lockedFiatCard
	var balanceStr string
	err := tx.QueryRowContext(ctx, `
		SELECT id, balance::text, is_active FROM cards
		WHERE user_id = $1
		ORDER BY issued_at, id
		LIMIT 1
		FOR UPDATE`, userID).Scan(&card.id, &balanceStr, &card.isActive)
	if err != nil {
		if isLockTimeout(err) {
			return lockedFiatCard{}, ErrTransferBusy
		}
		if errors.Is(err, sql.ErrNoRows) {
			return lockedFiatCard{}, ErrAccountNotFound
		}
		return lockedFiatCard{}, fmt.Errorf("lock default card: %w", err)
	}
	card.balance, err = decimal.NewFromString(balanceStr)
	if err != nil {
		return lockedFiatCard{}, fmt.Errorf("parse card balance: %w", err)
	}
	return card, nil
}

func (s *CryptoService) lockWallet(ctx context.Context, tx *sql.Tx, walletID string, userID int) (lockedWallet, error) {
	var wallet lockedWallet
	var balanceStr string
	err := tx.QueryRowContext(ctx, `
		SELECT id, user_id, address, balance::text FROM crypto_wallets
		WHERE id = $1 AND is_active = TRUE
		FOR UPDATE`, walletID).Scan(&wallet.id, &wallet.userID, &wallet.address, &balanceStr)
	if err != nil {
		if isLockTimeout(err) {
			return lockedWallet{}, ErrTransferBusy
		}
		if errors.Is(err, sql.ErrNoRows) {
			return lockedWallet{}, ErrWalletNotFound
		}
		return lockedWallet{}, fmt.Errorf("lock wallet %s: %w", walletID, err)
	}
	if userID != 0 && wallet.userID != userID {
		return lockedWallet{}, ErrWalletNotFound
	}
	wallet.balance, err = decimal.NewFromString(balanceStr)
	if err != nil {
		return lockedWallet{}, fmt.Errorf("parse wallet balance: %w", err)
	}
	return wallet, nil
}

// lockWalletPair locks the source wallet and, for an internal transfer, the
// recipient wallet as well, in ascending wallet-id order.
func (s *CryptoService) lockWalletPair(ctx context.Context, tx *sql.Tx, sourceID, recipientID string, hasRecipient bool, userID int) (lockedWallet, lockedWallet, error) {
	if !hasRecipient || sourceID == recipientID {
		source, err := s.lockWallet(ctx, tx, sourceID, userID)
		return source, source, err
	}

	firstID, secondID := sourceID, recipientID
	if strings.Compare(firstID, secondID) > 0 {
		firstID, secondID = secondID, firstID
	}

	// Ownership is only enforced on the source wallet.
	firstOwner, secondOwner := userID, 0
	if firstID != sourceID {
		firstOwner, secondOwner = 0, userID
	}

	first, err := s.lockWallet(ctx, tx, firstID, firstOwner)
	if err != nil {
		return lockedWallet{}, lockedWallet{}, err
	}
	second, err := s.lockWallet(ctx, tx, secondID, secondOwner)
	if err != nil {
		return lockedWallet{}, lockedWallet{}, err
	}

	if first.id == sourceID {
		return first, second, nil
	}
	return second, first, nil
}

func (s *CryptoService) findWalletByAddress(ctx context.Context, tx *sql.Tx, address, currencyID string) (string, bool, error) {
	var id string
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM crypto_wallets
		WHERE address = $1 AND currency_id = $2 AND is_active = TRUE`, address, currencyID).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("resolve wallet address: %w", err)
	}
	return id, true, nil
}

// lockOrCreateWallet returns the user's wallet for the currency, creating it
// on first purchase.
func (s *CryptoService) lockOrCreateWallet(ctx context.Context, tx *sql.Tx, userID int, currencyID string) (lockedWallet, error) {
	var wallet lockedWallet
	var balanceStr string
	err := tx.QueryRowContext(ctx, `
		SELECT id, user_id, address, balance::text FROM crypto_wallets
		WHERE user_id = $1 AND currency_id = $2 AND is_active = TRUE
		FOR UPDATE`, userID, currencyID).Scan(&wallet.id, &wallet.userID, &wallet.address, &balanceStr)
	if err == nil {
		wallet.balance, err = decimal.NewFromString(balanceStr)
		if err != nil {
			return lockedWallet{}, fmt.Errorf("parse wallet balance: %w", err)
		}
		return wallet, nil
	}
	if isLockTimeout(err) {
		return lockedWallet{}, ErrTransferBusy
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return lockedWallet{}, fmt.Errorf("lock wallet for %s: %w", currencyID, err)
	}

	wallet = lockedWallet{
		id:      uuid.New().String(),
		userID:  userID,
		address: generateWalletAddress(),
		balance: decimal.Zero,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO crypto_wallets (id, user_id, currency_id, address, balance, is_active, created_at)
		VALUES ($1, $2, $3, $4, 0, TRUE, NOW())`,
		wallet.id, userID, currencyID, wallet.address)
	if err != nil {
		return lockedWallet{}, fmt.Errorf("create wallet for %s: %w", currencyID, err)
	}
	log.Printf("[CRYPTO] Created %s wallet %s for user %d", currencyID, wallet.id, userID)
	return wallet, nil
}

func generateWalletAddress() string {
	return "0x" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

func (s *CryptoService) adjustCardBalance(ctx context.Context, tx *sql.Tx, cardID int, delta decimal.Decimal) error {
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
		return fmt.Errorf("card %d balance update rejected", cardID)
	}
	return nil
}

func (s *CryptoService) adjustWalletBalance(ctx context.Context, tx *sql.Tx, walletID string, delta decimal.Decimal) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE crypto_wallets
		SET balance = balance + $1
		WHERE id = $2 AND balance + $1 >= 0`,
		delta.StringFixed(cryptoScale), walletID)
	if err != nil {
		return fmt.Errorf("update wallet %s balance: %w", walletID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("wallet %s balance update rejected", walletID)
	}
	return nil
}

func (s *CryptoService) appendCryptoRecord(ctx context.Context, tx *sql.Tx, record *models.CryptoTransaction) error {
	now := time.Now()
	record.CreatedAt = now
	record.CompletedAt = &now
	_, err := tx.ExecContext(ctx, `
		INSERT INTO crypto_transactions
		(id, user_id, wallet_id, type, status, crypto_amount, usd_amount, fee_amount, exchange_rate, from_address, to_address, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		record.ID, record.UserID, record.WalletID, record.Type, record.Status,
		record.CryptoAmount.StringFixed(cryptoScale), record.USDAmount.StringFixed(2),
		record.FeeAmount.String(), record.ExchangeRate.String(),
		record.FromAddress, record.ToAddress, record.CreatedAt, record.CompletedAt)
	if err != nil {
		return fmt.Errorf("append crypto record: %w", err)
	}
	return nil
}

// HTTP boundary

// BuyCrypto handles a crypto purchase
// @Summary Buy cryptocurrency
// @Description Buy cryptocurrency with USD from the user's default card
// @Tags crypto
// @Accept json
// @Produce json
// @Param request body CryptoBuyRequest true "Buy request"
// @Success 201 {object} models.CryptoTransaction
// @Failure 400 {object} ErrorResponse
// @Router /crypto/buy [post]
func (s *CryptoService) BuyCrypto(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req CryptoBuyRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	record, err := s.Buy(r.Context(), userID, req.CurrencyID, req.USDAmount)
	if err != nil {
		writeBusinessError(w, "[CRYPTO]", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(record)
}

// SellCrypto handles a crypto sale
// @Summary Sell cryptocurrency
// @Description Sell cryptocurrency for USD onto the user's default card
// @Tags crypto
// @Accept json
// @Produce json
// @Param request body CryptoSellRequest true "Sell request"
// @Success 201 {object} models.CryptoTransaction
// @Failure 400 {object} ErrorResponse
// @Router /crypto/sell [post]
func (s *CryptoService) SellCrypto(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req CryptoSellRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	record, err := s.Sell(r.Context(), userID, req.WalletID, req.CryptoAmount)
	if err != nil {
		writeBusinessError(w, "[CRYPTO]", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(record)
}

// TransferCrypto handles an outbound wallet transfer
// @Summary Transfer cryptocurrency
// @Description Send cryptocurrency from a wallet to another address
// @Tags crypto
// @Accept json
// @Produce json
// @Param request body CryptoTransferRequest true "Transfer request"
// @Success 201 {object} models.CryptoTransaction
// @Failure 400 {object} ErrorResponse
// @Router /crypto/transfer [post]
func (s *CryptoService) TransferCrypto(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req CryptoTransferRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	record, err := s.Transfer(r.Context(), userID, req.WalletID, req.ToAddress, req.CryptoAmount)
	if err != nil {
		writeBusinessError(w, "[CRYPTO]", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(record)
}

// ListWallets returns the user's wallets
// @Summary List crypto wallets
// @Tags crypto
// @Produce json
// @Success 200 {array} models.CryptoWallet
// @Router /crypto/wallets [get]
func (s *CryptoService) ListWallets(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	rows, err := s.db.QueryContext(r.Context(), `
		SELECT id, user_id, currency_id, address, balance::text, is_active, created_at
		FROM crypto_wallets
		WHERE user_id = $1 AND is_active = TRUE
		ORDER BY created_at`, userID)
	if err != nil {
		log.Printf("[CRYPTO] Failed to list wallets for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch wallets", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	wallets := []models.CryptoWallet{}
	for rows.Next() {
		var wallet models.CryptoWallet
		var balanceStr string
		if err := rows.Scan(&wallet.ID, &wallet.UserID, &wallet.CurrencyID, &wallet.Address, &balanceStr, &wallet.IsActive, &wallet.CreatedAt); err != nil {
			log.Printf("[CRYPTO] Failed to scan wallet: %v", err)
			SendErrorResponse(w, "Failed to fetch wallets", http.StatusInternalServerError, nil)
			return
		}
		wallet.Balance, err = decimal.NewFromString(balanceStr)
		if err != nil {
			log.Printf("[CRYPTO] Failed to parse wallet balance: %v", err)
			SendErrorResponse(w, "Failed to fetch wallets", http.StatusInternalServerError, nil)
			return
		}
		wallets = append(wallets, wallet)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(wallets)
}
