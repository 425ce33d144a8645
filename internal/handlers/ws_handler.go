package handlers

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"notification_delivery/internal/auth"
	"notification_delivery/internal/service"
	"notification_delivery/internal/ws"
)

// WSHandler выпускает билеты и поднимает websocket-сессии. Билет одноразовый:
// апгрейд без валидного билета не происходит.
type WSHandler struct {
	tickets    *auth.TicketService
	hub        *ws.Hub
	confirms   *service.Confirmations
	sessionCfg ws.SessionConfig
	upgrader   websocket.Upgrader
	logger     *log.Logger
}

func NewWSHandler(tickets *auth.TicketService, hub *ws.Hub, confirms *service.Confirmations, sessionCfg ws.SessionConfig, logger *log.Logger) *WSHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &WSHandler{
		tickets:    tickets,
		hub:        hub,
		confirms:   confirms,
		sessionCfg: sessionCfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// аутентификация билетом, происхождение не проверяем
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

type issueTicketRequest struct {
	Recipient string `json:"recipient"`
}

// POST /api/ws/tickets
// 201: { "ticket": "...", "expires_in": "1m0s" }
// 400: invalid input
// 500: internal error
func (h *WSHandler) IssueTicket(w http.ResponseWriter, r *http.Request) {
	var req issueTicketRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.Recipient == "" {
		writeError(w, http.StatusBadRequest, "recipient is required")
		return
	}

	ticket, err := h.tickets.Issue(r.Context(), req.Recipient)
	if err != nil {
		h.logger.Printf("issue ticket for %s failed: %v", req.Recipient, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"ticket":     ticket,
		"expires_in": h.tickets.TTL().String(),
	})
}

// GET /ws?ticket=...
// Гасит билет, апгрейдит соединение и запускает сессию. Доставки начинают
// течь в неё сразу после регистрации в хабе.
func (h *WSHandler) Connect(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeError(w, http.StatusUnauthorized, "ticket is required")
		return
	}

	recipient, err := h.tickets.Consume(r.Context(), ticket)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrTicketUsed):
			writeError(w, http.StatusUnauthorized, "ticket already used")
		case errors.Is(err, auth.ErrUnauthorized):
			writeError(w, http.StatusUnauthorized, "invalid ticket")
		default:
			h.logger.Printf("consume ticket failed: %v", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade сам ответил клиенту
		h.logger.Printf("upgrade for %s failed: %v", recipient, err)
		return
	}

	onAck := func(sessionID string, id uuid.UUID) {
		h.confirms.Confirm(id, sessionID)
	}
	onClose := func(s *ws.Session, reason string) {
		h.hub.Unregister(s)
		h.confirms.ReleaseSession(s.ID())
	}

	sess := ws.NewSession(recipient, sock, h.sessionCfg, onAck, onClose, h.logger)
	h.hub.Register(sess)
	go sess.Run()
}

// healthHandler для liveness-проверок.
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}
