package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/nyotabank/backend/internal/metrics"
	"github.com/nyotabank/backend/internal/models"
)

const (
	marketCacheKey = "crypto:markets"
	marketCacheTTL = 60 * time.Second
)

// RateService keeps the crypto_currencies table fresh from an external price
// feed and serves market data with a redis read-through cache. The feed is
// polled by the scheduler; trading reads prices from the table only, so a
// feed outage degrades to stale prices rather than failed trades.
type RateService struct {
	db          *sql.DB
	redisClient *redis.Client
	httpClient  *http.Client
	feedURL     string
}

// feedEntry matches the markets payload of a CoinGecko-compatible feed.
type feedEntry struct {
	ID             string  `json:"id"`
	Symbol         string  `json:"symbol"`
	Name           string  `json:"name"`
	Image          string  `json:"image"`
	CurrentPrice   float64 `json:"current_price"`
	PriceChange24h float64 `json:"price_change_percentage_24h"`
	MarketCap      float64 `json:"market_cap"`
}

func NewRateService(db *sql.DB, redisClient *redis.Client) *RateService {
	viper.SetDefault("crypto.feed_url", "https://api.coingecko.com/api/v3/coins/markets?vs_currency=usd&per_page=50")
	return &RateService{
		db:          db,
		redisClient: redisClient,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		feedURL:     viper.GetString("crypto.feed_url"),
	}
}

// RefreshRates polls the feed once and upserts every active currency. Each
// refreshed price is also appended to crypto_price_history.
func (s *RateService) RefreshRates(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.feedURL, nil)
	if err != nil {
		return fmt.Errorf("build feed request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		metrics.RecordRateRefresh("error")
		return fmt.Errorf("fetch price feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.RecordRateRefresh("error")
		return fmt.Errorf("price feed returned status %d", resp.StatusCode)
	}

	var entries []feedEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return fmt.Errorf("decode price feed: %w", err)
	}

	updated := 0
	for _, entry := range entries {
		if entry.CurrentPrice <= 0 {
			continue
		}
		if err := s.upsertCurrency(ctx, entry); err != nil {
			log.Printf("[RATES] Failed to upsert %s: %v", entry.ID, err)
			continue
		}
		updated++
	}

	if s.redisClient != nil {
		s.redisClient.Del(ctx, marketCacheKey)
	}

	metrics.RecordRateRefresh("success")
	log.Printf("[RATES] Refreshed %d of %d currencies", updated, len(entries))
	return nil
}

func (s *RateService) upsertCurrency(ctx context.Context, entry feedEntry) error {
	price := decimal.NewFromFloat(entry.CurrentPrice)
	change := decimal.NewFromFloat(entry.PriceChange24h)
	marketCap := decimal.NewFromFloat(entry.MarketCap)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crypto_currencies (id, symbol, name, icon_url, price_usd, price_change_24h, market_cap, is_active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, NOW())
		ON CONFLICT (id) DO UPDATE SET
			price_usd = EXCLUDED.price_usd,
			price_change_24h = EXCLUDED.price_change_24h,
			market_cap = EXCLUDED.market_cap,
			icon_url = EXCLUDED.icon_url,
			updated_at = NOW()`,
		entry.ID, entry.Symbol, entry.Name, entry.Image,
		price.String(), change.String(), marketCap.String())
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO crypto_price_history (currency_id, price_usd, recorded_at)
		VALUES ($1, $2, NOW())`,
		entry.ID, price.String())
	return err
}

// ListCurrencies returns all active currencies with current prices
// @Summary List cryptocurrencies
// @Description List tradable cryptocurrencies with current USD prices
// @Tags crypto
// @Produce json
// @Success 200 {array} models.CryptoCurrency
// @Router /crypto/currencies [get]
func (s *RateService) ListCurrencies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if s.redisClient != nil {
		cached, err := s.redisClient.Get(ctx, marketCacheKey).Result()
		if err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(cached))
			return
		}
	}

	currencies, err := s.loadCurrencies(ctx)
	if err != nil {
		log.Printf("[RATES] Failed to load currencies: %v", err)
		SendErrorResponse(w, "Failed to fetch currencies", http.StatusInternalServerError, nil)
		return
	}

	payload, err := json.Marshal(currencies)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch currencies", http.StatusInternalServerError, nil)
		return
	}

	if s.redisClient != nil {
		if err := s.redisClient.Set(ctx, marketCacheKey, payload, marketCacheTTL).Err(); err != nil {
			log.Printf("[RATES] Failed to cache markets: %v", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

func (s *RateService) loadCurrencies(ctx context.Context) ([]models.CryptoCurrency, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, name, icon_url, price_usd::text, price_change_24h::text, market_cap::text, is_active, updated_at
		FROM crypto_currencies
		WHERE is_active = TRUE
		ORDER BY market_cap DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	currencies := []models.CryptoCurrency{}
	for rows.Next() {
		var c models.CryptoCurrency
		var priceStr, changeStr, capStr string
		if err := rows.Scan(&c.ID, &c.Symbol, &c.Name, &c.IconURL, &priceStr, &changeStr, &capStr, &c.IsActive, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if c.PriceUSD, err = decimal.NewFromString(priceStr); err != nil {
			return nil, fmt.Errorf("parse price for %s: %w", c.ID, err)
		}
		if c.PriceChange24h, err = decimal.NewFromString(changeStr); err != nil {
			return nil, fmt.Errorf("parse price change for %s: %w", c.ID, err)
		}
		if c.MarketCap, err = decimal.NewFromString(capStr); err != nil {
			return nil, fmt.Errorf("parse market cap for %s: %w", c.ID, err)
		}
		currencies = append(currencies, c)
	}
	return currencies, rows.Err()
}

// PricePoint is one historical price observation.
type PricePoint struct {
	PriceUSD   decimal.Decimal `json:"price_usd"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// GetPriceHistory returns recent price observations for one currency
// @Summary Get price history
// @Tags crypto
// @Produce json
// @Param id path string true "Currency ID"
// @Success 200 {array} PricePoint
// @Failure 404 {object} ErrorResponse
// @Router /crypto/currencies/{id}/history [get]
func (s *RateService) GetPriceHistory(w http.ResponseWriter, r *http.Request) {
	currencyID := chi.URLParam(r, "id")
	if currencyID == "" {
		SendErrorResponse(w, "Currency ID required", http.StatusBadRequest, nil)
		return
	}

	var exists bool
	err := s.db.QueryRowContext(r.Context(),
		`SELECT EXISTS (SELECT 1 FROM crypto_currencies WHERE id = $1)`, currencyID).Scan(&exists)
	if err != nil || !exists {
		writeBusinessError(w, "[RATES]", ErrCurrencyNotFound)
		return
	}

	rows, err := s.db.QueryContext(r.Context(), `
		SELECT price_usd::text, recorded_at
		FROM crypto_price_history
		WHERE currency_id = $1
		ORDER BY recorded_at DESC
		LIMIT 288`, currencyID)
	if err != nil {
		log.Printf("[RATES] Failed to load history for %s: %v", currencyID, err)
		SendErrorResponse(w, "Failed to fetch price history", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	points := []PricePoint{}
	for rows.Next() {
		var p PricePoint
		var priceStr string
		if err := rows.Scan(&priceStr, &p.RecordedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch price history", http.StatusInternalServerError, nil)
			return
		}
		if p.PriceUSD, err = decimal.NewFromString(priceStr); err != nil {
			SendErrorResponse(w, "Failed to fetch price history", http.StatusInternalServerError, nil)
			return
		}
		points = append(points, p)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(points)
}
