package handlers

import "github.com/go-chi/chi/v5"

func RegisterRoutes(r chi.Router, nh *NotificationHandler, wh *WSHandler) {
	r.Route("/api/notifications", func(r chi.Router) {
		r.Post("/", nh.CreateNotification)
		r.Get("/{id}", nh.GetNotification)
	})

	r.Post("/api/ws/tickets", wh.IssueTicket)
	r.Get("/ws", wh.Connect)

	r.Get("/health", healthHandler)
}
