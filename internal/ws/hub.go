package ws

import (
	"log"
	"sync"

	"notification_delivery/internal/metrics"
	"notification_delivery/internal/service"
)

// Hub держит открытые сессии по получателям. Один получатель может иметь
// несколько одновременных сессий (несколько вкладок/устройств).
type Hub struct {
	logger *log.Logger

	mu       sync.Mutex
	sessions map[string][]*Session
	total    int
}

func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		logger:   logger,
		sessions: make(map[string][]*Session),
	}
}

func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	h.sessions[s.Recipient()] = append(h.sessions[s.Recipient()], s)
	h.total++
	total := h.total
	h.mu.Unlock()

	metrics.SetWSActiveSessions(total)
	h.logger.Printf("session %s registered for %s", s.ID(), s.Recipient())
}

func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	list := h.sessions[s.Recipient()]
	for i, cur := range list {
		if cur.ID() != s.ID() {
			continue
		}
		list = append(list[:i], list[i+1:]...)
		h.total--
		break
	}
	if len(list) == 0 {
		delete(h.sessions, s.Recipient())
	} else {
		h.sessions[s.Recipient()] = list
	}
	total := h.total
	h.mu.Unlock()

	metrics.SetWSActiveSessions(total)
}

// Session implements service.SessionHub: отдаёт самую свежую сессию
// получателя.
func (h *Hub) Session(recipient string) (service.SessionSink, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := h.sessions[recipient]
	if len(list) == 0 {
		return nil, false
	}
	return list[len(list)-1], true
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}
