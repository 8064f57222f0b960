package handler

import (
	"io"
	"log"
	"net/http"

	"sokoni/internal/service"
	"sokoni/pkg/mpesa"

	"github.com/gin-gonic/gin"
)

type MpesaWebhookHandler struct {
	payments *service.PaymentService
}

func NewMpesaWebhookHandler(payments *service.PaymentService) *MpesaWebhookHandler {
	return &MpesaWebhookHandler{payments: payments}
}

// Handle processes the Daraja STK result callback. The provider expects
// a 200 with ResultCode 0 no matter what happened internally — anything
// else keeps its retry timer running — so every path acknowledges.
func (h *MpesaWebhookHandler) Handle(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		log.Printf("[MPESA callback] read body: %v", err)
		h.ack(c)
		return
	}
	log.Printf("[MPESA callback] raw body: %s", body)
	result, err := mpesa.ParseCallback(body)
	if err != nil {
		log.Printf("[MPESA callback] %v", err)
		h.ack(c)
		return
	}
	if err := h.payments.Reconcile(c.Request.Context(), result); err != nil {
		log.Printf("[MPESA callback] reconcile checkout_request_id=%s: %v", result.CheckoutRequestID, err)
	}
	h.ack(c)
}

func (h *MpesaWebhookHandler) ack(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
}
