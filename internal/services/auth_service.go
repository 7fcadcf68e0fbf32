package services

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	cryptorand "crypto/rand"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
	"golang.org/x/crypto/argon2"

	"github.com/nyotabank/backend/internal/middleware"
	"github.com/nyotabank/backend/internal/models"
)

// AuthService handles registration, login and token lifecycle. The phone
// number is the login identifier. Registration creates the user and their
// first card in one transaction so every user always has a default card.
type AuthService struct {
	db          *sql.DB
	redisClient *redis.Client
	validator   *ValidationHelper
}

// LoginRequest represents the login request payload
// @Description Login request structure
type LoginRequest struct {
	PhoneNumber string `json:"phone_number" validate:"required,e164" example:"+15551234567"`
	Password    string `json:"password" validate:"required,min=6" example:"password123"`
}

// RegisterRequest represents the registration request payload
// @Description Registration request structure
type RegisterRequest struct {
	PhoneNumber string `json:"phone_number" validate:"required,e164" example:"+15551234567"`
	Password    string `json:"password" validate:"required,min=6" example:"password123"`
	Email       string `json:"email" validate:"required,email" example:"user@example.com"`
	FirstName   string `json:"first_name" validate:"required,min=2" example:"John"`
	LastName    string `json:"last_name" validate:"required,min=2" example:"Doe"`
	MiddleName  string `json:"middle_name" validate:"omitempty,min=2" example:"Quincy"`
}

// AuthResponse represents the authentication response
// @Description Authentication response structure
type AuthResponse struct {
	Token string      `json:"token" example:"eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9..."`
	User  models.User `json:"user"`
}

func NewAuthService(db *sql.DB, redisClient *redis.Client) *AuthService {
	return &AuthService{
		db:          db,
		redisClient: redisClient,
		validator:   NewValidationHelper(),
	}
}

// Register handles user registration
// @Summary Register a new user
// @Description Register a new user with phone number and password; issues the first card
// @Tags auth
// @Accept json
// @Produce json
// @Param request body RegisterRequest true "Registration request"
// @Success 201 {object} AuthResponse "Registration successful"
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse "Phone number already registered"
// @Router /auth/register [post]
func (s *AuthService) Register(w http.ResponseWriter, r *http.Request) {
	log.Printf("[AUTH] Registration attempt from IP: %s", r.RemoteAddr)

	var req RegisterRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	hashedPassword, err := hashPassword(req.Password)
	if err != nil {
		log.Printf("[AUTH] Password hashing failed: %v", err)
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	tx, err := s.db.BeginTx(r.Context(), nil)
	if err != nil {
		log.Printf("[AUTH] Transaction start failed: %v", err)
		SendErrorResponse(w, "Failed to create user", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	user := models.User{
		PhoneNumber: req.PhoneNumber,
		Email:       strings.ToLower(req.Email),
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		MiddleName:  req.MiddleName,
	}
	err = tx.QueryRowContext(r.Context(), `
		INSERT INTO users (phone_number, email, password, first_name, last_name, middle_name, is_admin, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, NOW())
		RETURNING id, created_at`,
		user.PhoneNumber, user.Email, hashedPassword, user.FirstName, user.LastName, user.MiddleName).
		Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		log.Printf("[AUTH] User creation failed for %s: %v", req.PhoneNumber, err)
		SendErrorResponse(w, "Phone number already registered", http.StatusConflict, nil)
		return
	}

	// First card is the default card; transfers and product disbursements
	// land on it.
	_, err = tx.ExecContext(r.Context(), `
		INSERT INTO cards (card_number, user_id, card_name, balance, currency, cvv, is_active, is_default, issued_at, expires_at, updated_at)
		VALUES ($1, $2, 'Main Card', 0, 'USD', $3, TRUE, TRUE, NOW(), $4, NOW())`,
		models.GenerateCardNumber(), user.ID, models.GenerateCVV(), models.GenerateExpirationDate())
	if err != nil {
		log.Printf("[AUTH] Card issuance failed for user %d: %v", user.ID, err)
		SendErrorResponse(w, "Failed to create account", http.StatusInternalServerError, nil)
		return
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[AUTH] Transaction commit failed for %s: %v", req.PhoneNumber, err)
		SendErrorResponse(w, "Failed to create user", http.StatusInternalServerError, nil)
		return
	}

	token, err := generateJWT(user.ID, false)
	if err != nil {
		log.Printf("[AUTH] JWT generation failed for user %d: %v", user.ID, err)
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUTH] Registration successful for user %d", user.ID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(AuthResponse{Token: token, User: user})
}

// Login handles user authentication
// @Summary Login user
// @Description Authenticate user with phone number and password
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Login request"
// @Success 200 {object} AuthResponse "Login successful"
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse "Invalid credentials"
// @Router /auth/login [post]
func (s *AuthService) Login(w http.ResponseWriter, r *http.Request) {
	log.Printf("[AUTH] Login attempt from IP: %s", r.RemoteAddr)

	var req LoginRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var user models.User
	var hashedPassword string
	err := s.db.QueryRowContext(r.Context(), `
		SELECT id, phone_number, email, password, first_name, last_name, COALESCE(middle_name, ''), COALESCE(avatar_url, ''), is_admin, created_at
		FROM users
		WHERE phone_number = $1`, req.PhoneNumber).
		Scan(&user.ID, &user.PhoneNumber, &user.Email, &hashedPassword, &user.FirstName, &user.LastName, &user.MiddleName, &user.AvatarURL, &user.IsAdmin, &user.CreatedAt)
	if err != nil {
		log.Printf("[AUTH] User not found for phone number: %s", req.PhoneNumber)
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}

	if !verifyPassword(req.Password, hashedPassword) {
		log.Printf("[AUTH] Invalid password for user: %s", req.PhoneNumber)
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}

	token, err := generateJWT(user.ID, user.IsAdmin)
	if err != nil {
		log.Printf("[AUTH] JWT generation failed for user %d: %v", user.ID, err)
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	if _, err := s.db.ExecContext(r.Context(), `UPDATE users SET last_login = NOW() WHERE id = $1`, user.ID); err != nil {
		log.Printf("[AUTH] Failed to record last login for user %d: %v", user.ID, err)
	}

	log.Printf("[AUTH] Login successful for user %d", user.ID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(AuthResponse{Token: token, User: user})
}

// Logout handles user logout
// @Summary Logout user
// @Description Logout user and revoke the token
// @Tags auth
// @Produce json
// @Success 200 {object} map[string]string "Logout successful"
// @Router /auth/logout [post]
func (s *AuthService) Logout(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if len(token) > 7 && strings.HasPrefix(token, "Bearer ") {
		token = token[7:]

		if s.redisClient != nil {
			// Revoke until the token would have expired anyway.
			expiry := time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour
			if err := s.redisClient.Set(r.Context(), "revoked_token:"+token, "1", expiry).Err(); err != nil {
				log.Printf("[AUTH] Failed to revoke token: %v", err)
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Logout successful"})
}

// GetProfile retrieves the authenticated user's profile
// @Summary Get user profile
// @Tags auth
// @Produce json
// @Success 200 {object} models.User
// @Failure 401 {object} ErrorResponse
// @Router /auth/profile [get]
func (s *AuthService) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var user models.User
	err := s.db.QueryRowContext(r.Context(), `
		SELECT id, phone_number, email, first_name, last_name, COALESCE(middle_name, ''), COALESCE(avatar_url, ''), is_admin, created_at
		FROM users
		WHERE id = $1`, userID).
		Scan(&user.ID, &user.PhoneNumber, &user.Email, &user.FirstName, &user.LastName, &user.MiddleName, &user.AvatarURL, &user.IsAdmin, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			SendErrorResponse(w, "User not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[AUTH] Failed to fetch profile for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch profile", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(user)
}

func generateJWT(userID int, isAdmin bool) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  userID,
		"is_admin": isAdmin,
		"exp":      time.Now().Add(time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour).Unix(),
	})

	return token.SignedString([]byte(viper.GetString("jwt.secret_key")))
}

func hashPassword(password string) (string, error) {
	salt := make([]byte, viper.GetInt("argon2.salt_length"))
	if _, err := cryptorand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return fmt.Sprintf("%s$%s", base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(hash)), nil
}

func verifyPassword(password, hashedPassword string) bool {
	parts := strings.Split(hashedPassword, "$")
	if len(parts) != 2 {
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}

	hash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}

	computedHash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return string(hash) == string(computedHash)
}
