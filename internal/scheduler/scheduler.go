package scheduler

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/nyotabank/backend/internal/services"
)

// Scheduler runs the periodic jobs: crypto price refresh, card expiry
// sweeps and price-history pruning.
type Scheduler struct {
	cron  *cron.Cron
	db    *sql.DB
	rates *services.RateService
}

func NewScheduler(db *sql.DB, rates *services.RateService) *Scheduler {
	c := cron.New(
		cron.WithLocation(time.UTC),
	)

	s := &Scheduler{
		cron:  c,
		db:    db,
		rates: rates,
	}

	s.registerJobs()
	return s
}

func (s *Scheduler) registerJobs() {
	viper.SetDefault("scheduler.refresh_rates", "*/5 * * * *")
	viper.SetDefault("scheduler.expire_cards", "30 2 * * *")
	viper.SetDefault("scheduler.prune_price_history", "0 3 * * *")

	if _, err := s.cron.AddFunc(viper.GetString("scheduler.refresh_rates"), s.refreshRates); err != nil {
		log.Printf("[SCHEDULER] Failed to register rate refresh job: %v", err)
	}
	if _, err := s.cron.AddFunc(viper.GetString("scheduler.expire_cards"), s.expireCards); err != nil {
		log.Printf("[SCHEDULER] Failed to register card expiry job: %v", err)
	}
	if _, err := s.cron.AddFunc(viper.GetString("scheduler.prune_price_history"), s.prunePriceHistory); err != nil {
		log.Printf("[SCHEDULER] Failed to register price history pruning job: %v", err)
	}

	log.Println("[SCHEDULER] All cron jobs registered")
}

func (s *Scheduler) refreshRates() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.rates.RefreshRates(ctx); err != nil {
		log.Printf("[SCHEDULER] Rate refresh failed: %v", err)
	}
}

// expireCards deactivates cards past their expiry date. Balances stay on the
// card; only transfers in and out stop.
func (s *Scheduler) expireCards() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		UPDATE cards
		SET is_active = FALSE, updated_at = NOW()
		WHERE is_active = TRUE AND expires_at < NOW()`)
	if err != nil {
		log.Printf("[SCHEDULER] Card expiry sweep failed: %v", err)
		return
	}
	if rows, err := result.RowsAffected(); err == nil && rows > 0 {
		log.Printf("[SCHEDULER] Deactivated %d expired cards", rows)
	}
}

func (s *Scheduler) prunePriceHistory() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM crypto_price_history
		WHERE recorded_at < NOW() - INTERVAL '30 days'`)
	if err != nil {
		log.Printf("[SCHEDULER] Price history pruning failed: %v", err)
		return
	}
	if rows, err := result.RowsAffected(); err == nil && rows > 0 {
		log.Printf("[SCHEDULER] Pruned %d price history rows", rows)
	}
}

// Start begins the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Println("[SCHEDULER] Cron scheduler started")
}

// Stop waits for running jobs to finish before returning.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Println("[SCHEDULER] Cron scheduler stopped")
}
