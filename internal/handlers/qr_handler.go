package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/nyotabank/backend/internal/middleware"
	"github.com/nyotabank/backend/internal/services"
)

type QRHandler struct {
	service   *services.QRService
	validator *services.ValidationHelper
}

func NewQRHandler(service *services.QRService) *QRHandler {
	return &QRHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// GenerateQR creates a payment-request QR code
// @Summary Generate payment request QR
// @Description Generate a QR code asking for a payment to the user's default card
// @Tags QR
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{amount=string} true "Requested amount"
// @Success 200 {object} object{qrCode=string,qrImage=string}
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Router /qr/generate [post]
func (h *QRHandler) GenerateQR(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Amount decimal.Decimal `json:"amount" validate:"required"`
	}
	if err := services.DecodeJSONBody(w, r, &req); err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	qrCode, qrImage, err := h.service.GeneratePaymentRequest(r.Context(), userID, req.Amount)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"qrCode":  qrCode,
		"qrImage": qrImage,
	})
}

// ProcessQR resolves a scanned payment-request QR code
// @Summary Resolve payment request QR
// @Description Resolve a scanned QR code to the recipient card and amount
// @Tags QR
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{qrData=string} true "Scanned QR data"
// @Success 200 {object} object{data=services.PaymentRequest}
// @Failure 400 {object} services.ErrorResponse
// @Router /qr/process [post]
func (h *QRHandler) ProcessQR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		QRData string `json:"qrData" validate:"required"`
	}
	if err := services.DecodeJSONBody(w, r, &req); err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.service.ResolvePaymentRequest(r.Context(), req.QRData)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    result,
	})
}
