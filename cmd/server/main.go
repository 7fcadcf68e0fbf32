package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/nyotabank/backend/internal/database"
	"github.com/nyotabank/backend/internal/handlers"
	mW "github.com/nyotabank/backend/internal/middleware"
	"github.com/nyotabank/backend/internal/scheduler"
	"github.com/nyotabank/backend/internal/services"
)

// @title Nyota Bank API
// @version 1.0
// @description Retail banking backend: card transfers, credit products and crypto trading
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")
	viper.BindEnv("database.migrations_path", "DATABASE_MIGRATIONS_PATH")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	viper.BindEnv("ledger.lock_timeout", "LEDGER_LOCK_TIMEOUT")
	viper.BindEnv("credit.mortgage_base_rate", "CREDIT_MORTGAGE_BASE_RATE")
	viper.BindEnv("crypto.feed_url", "CRYPTO_FEED_URL")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	if err := database.RunMigrations(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	ledgerService := services.NewLedgerService(db)
	creditService := services.NewCreditService(db)
	transactionService := services.NewTransactionService(db, redisClient, ledgerService)
	productService := services.NewProductService(db, creditService)
	cryptoService := services.NewCryptoService(db)
	rateService := services.NewRateService(db, redisClient)
	authService := services.NewAuthService(db, redisClient)
	qrService := services.NewQRService(db, redisClient)
	qrHandler := handlers.NewQRHandler(qrService)

	// Initialize auth middleware with Redis
	mW.InitAuthMiddleware(redisClient)

	// Price refresh and maintenance jobs
	sched := scheduler.NewScheduler(db, rateService)
	sched.Start()
	defer sched.Stop()

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(mW.Metrics)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/register", authService.Register)
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)
		r.Get("/crypto/currencies", rateService.ListCurrencies)
		r.Get("/crypto/currencies/{id}/history", rateService.GetPriceHistory)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/auth/profile", authService.GetProfile)

			// Cards and transfers
			r.Get("/cards", transactionService.ListCards)
			r.Get("/cards/{cardId}/balance", transactionService.GetBalance)
			r.Post("/cards/{cardId}/default", transactionService.SetDefaultCard)
			r.Post("/transfers", transactionService.CreateTransfer)
			r.Get("/transactions", transactionService.ListTransactions)
			r.Get("/transactions/{txId}", transactionService.GetTransaction)

			// Credit products
			r.Get("/credit/score", productService.GetCreditScore)
			r.Get("/credit/offers", productService.GetCreditOffers)
			r.Post("/applications", productService.SubmitApplication)
			r.Get("/applications", productService.ListApplications)

			// Crypto trading
			r.Get("/crypto/wallets", cryptoService.ListWallets)
			r.Post("/crypto/buy", cryptoService.BuyCrypto)
			r.Post("/crypto/sell", cryptoService.SellCrypto)
			r.Post("/crypto/transfer", cryptoService.TransferCrypto)

			// Payment request QR
			r.Post("/qr/generate", qrHandler.GenerateQR)
			r.Post("/qr/process", qrHandler.ProcessQR)

			// Admin endpoints
			r.Group(func(r chi.Router) {
				r.Use(mW.AdminOnly)

				r.Get("/admin/users/{userId}/credit-score", productService.GetUserCreditScore)
				r.Get("/admin/applications", productService.ListPendingApplications)
				r.Post("/admin/applications/{id}/approve", productService.ApproveApplication)
				r.Post("/admin/applications/{id}/reject", productService.RejectApplication)
			})
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
