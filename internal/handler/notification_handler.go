package handler

import (
	"net/http"
	"strconv"

	"sokoni/internal/middleware"
	"sokoni/internal/models"

	"github.com/gin-gonic/gin"
)

// NotificationStore is what the notification endpoints need from
// storage (satisfied by *repository.NotificationRepository).
type NotificationStore interface {
	ListByUser(userID uint, limit int) ([]models.Notification, error)
	MarkRead(id, userID uint) (bool, error)
}

type NotificationHandler struct {
	store NotificationStore
}

func NewNotificationHandler(store NotificationStore) *NotificationHandler {
	return &NotificationHandler{store: store}
}

// List returns the authenticated user's notifications, newest first.
func (h *NotificationHandler) List(c *gin.Context) {
	userID := middleware.GetUserID(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	out, err := h.store.ListByUser(userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list notifications"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": out})
}

func (h *NotificationHandler) MarkRead(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification id"})
		return
	}
	userID := middleware.GetUserID(c)
	ok, err := h.store.MarkRead(uint(id), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not update notification"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
