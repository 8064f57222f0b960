package handler

import (
	"net/http"
	"strconv"

	"sokoni/internal/repository"
	"sokoni/internal/service"

	"github.com/gin-gonic/gin"
)

type AdminHandler struct {
	paymentRepo *repository.PaymentRepository
	payments    *service.PaymentService
}

func NewAdminHandler(paymentRepo *repository.PaymentRepository, payments *service.PaymentService) *AdminHandler {
	return &AdminHandler{paymentRepo: paymentRepo, payments: payments}
}

// ListPayments exposes the append-only payment attempt audit trail.
func (h *AdminHandler) ListPayments(c *gin.Context) {
	status := c.Query("status")
	orderID, _ := strconv.ParseUint(c.Query("order_id"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	out, err := h.paymentRepo.List(status, uint(orderID), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list payments"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": out})
}

// ReconciliationStats surfaces the unknown-callback counter so operators
// can alert on callbacks that matched no payment request.
func (h *AdminHandler) ReconciliationStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"reconciliation_mismatches": h.payments.MismatchCount()})
}
