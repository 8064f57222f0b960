package service

import (
	"encoding/json"
	"log"

	"sokoni/internal/domain"
	"sokoni/internal/models"
	"sokoni/internal/repository"
)

// NotificationService persists buyer-facing notifications. Delivery is
// in-app only; callers treat it as fire-and-forget.
type NotificationService struct {
	repo *repository.NotificationRepository
}

func NewNotificationService(repo *repository.NotificationRepository) *NotificationService {
	return &NotificationService{repo: repo}
}

func (s *NotificationService) notify(userID uint, notifType, title, body string, data map[string]interface{}) {
	var dataJSON string
	if data != nil {
		b, _ := json.Marshal(data)
		dataJSON = string(b)
	}
	err := s.repo.Create(&models.Notification{
		UserID: userID,
		Type:   notifType,
		Title:  title,
		Body:   body,
		Data:   dataJSON,
	})
	if err != nil {
		log.Printf("[NOTIFY] user %d %s: %v", userID, notifType, err)
	}
}

func (s *NotificationService) NotifyPaymentCompleted(userID uint, orderRef, receipt string) {
	s.notify(userID, domain.NotifPaymentCompleted, "Payment received",
		"Your payment for order "+orderRef+" was successful.",
		map[string]interface{}{"order_reference": orderRef, "receipt_number": receipt})
}

func (s *NotificationService) NotifyPaymentFailed(userID uint, orderRef, reason string) {
	if reason == "" {
		reason = "The payment was not completed."
	}
	s.notify(userID, domain.NotifPaymentFailed, "Payment failed",
		"Payment for order "+orderRef+" failed: "+reason,
		map[string]interface{}{"order_reference": orderRef})
}
