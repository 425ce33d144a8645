package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"notification_delivery/internal/models"
	"notification_delivery/internal/repository"
)

// NotificationRepo описывает методы хранилища, которые нужны хендлерам.
type NotificationRepo interface {
	Create(ctx context.Context, n *models.Notification) error
	Get(ctx context.Context, id uuid.UUID) (*models.Notification, error)
}

type NotificationHandler struct {
	repo NotificationRepo
}

func NewNotificationHandler(repo NotificationRepo) *NotificationHandler {
	return &NotificationHandler{repo: repo}
}

type createNotificationRequest struct {
	Recipient    string          `json:"recipient"`
	Payload      json.RawMessage `json:"payload"`
	InvalidateAt *time.Time      `json:"invalidate_at,omitempty"`
}

// POST /api/notifications
// 201: { "id": uuid, "status": "created" }
// 400: invalid input
// 500: internal error
func (h *NotificationHandler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	var req createNotificationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	if req.Recipient == "" {
		writeError(w, http.StatusBadRequest, "recipient is required")
		return
	}
	if len(req.Payload) == 0 || !json.Valid(req.Payload) {
		writeError(w, http.StatusBadRequest, "payload must be a valid json value")
		return
	}
	if req.InvalidateAt != nil && !req.InvalidateAt.After(time.Now()) {
		writeError(w, http.StatusBadRequest, "invalidate_at is already in the past")
		return
	}

	n := &models.Notification{
		Recipient:    req.Recipient,
		Payload:      req.Payload,
		InvalidateAt: req.InvalidateAt,
	}

	if err := h.repo.Create(r.Context(), n); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":     n.ID,
		"status": n.Status,
	})
}

// GET /api/notifications/{id}
// 200: notification
// 400: invalid id
// 404: not found
// 500: internal error
func (h *NotificationHandler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be a uuid")
		return
	}

	n, err := h.repo.Get(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "notification not found")
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	resp := map[string]any{
		"id":          n.ID,
		"recipient":   n.Recipient,
		"payload":     n.Payload,
		"status":      n.Status,
		"retry_count": n.RetryCount,
		"created_at":  n.CreatedAt,
	}
	if n.InvalidateAt != nil {
		resp["invalidate_at"] = n.InvalidateAt
	}
	if n.DeliveredAt != nil {
		resp["delivered_at"] = n.DeliveredAt
	}
	if n.LastError != nil {
		resp["last_error"] = *n.LastError
	}

	writeJSON(w, http.StatusOK, resp)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return err
	}

	// Запрещаем второй JSON-объект в body
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("only one JSON object is allowed")
	}

	return nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
