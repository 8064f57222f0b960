package handler

import (
	"errors"
	"net/http"
	"strconv"

	"sokoni/internal/repository"
	"sokoni/internal/service"
	"sokoni/pkg/mpesa"

	"github.com/gin-gonic/gin"
)

type PaymentHandler struct {
	payments    *service.PaymentService
	paymentRepo *repository.PaymentRepository
}

func NewPaymentHandler(payments *service.PaymentService, paymentRepo *repository.PaymentRepository) *PaymentHandler {
	return &PaymentHandler{payments: payments, paymentRepo: paymentRepo}
}

// Initiate triggers an STK push for an order. The response is only the
// gateway acknowledgment; the terminal outcome arrives on the webhook,
// so clients poll GetStatus (or their order) for the result.
func (h *PaymentHandler) Initiate(c *gin.Context) {
	var req struct {
		OrderID     uint   `json:"order_id" binding:"required"`
		PhoneNumber string `json:"phone_number" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := h.payments.Initiate(c.Request.Context(), req.OrderID, req.PhoneNumber)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrPaymentInFlight), errors.Is(err, service.ErrOrderAlreadyPaid):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrInvalidPhone), errors.Is(err, service.ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			var rejected *mpesa.RejectedError
			if errors.As(err, &rejected) {
				c.JSON(http.StatusBadGateway, gin.H{"error": "payment rejected by gateway", "detail": rejected.Description})
				return
			}
			c.JSON(http.StatusBadGateway, gin.H{"error": "payment gateway unavailable, try again shortly"})
		}
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"payment_id":          p.ID,
		"order_id":            p.OrderID,
		"status":              p.Status,
		"checkout_request_id": p.CheckoutRequestID,
	})
}

func (h *PaymentHandler) GetStatus(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment id"})
		return
	}
	p, err := h.paymentRepo.GetByID(uint(id))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
		return
	}
	c.JSON(http.StatusOK, p)
}
