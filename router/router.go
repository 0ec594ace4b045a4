package router

import (
	"database/sql"
	"net/http"

	checklistHandler "checksync/internal/checklist"
	"checksync/internal/checklist/repository"
	"checksync/internal/checklist/service"
	"checksync/middleware"
	"checksync/socket"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// Setup wires the realtime gateway and the REST surface onto one mux.
func Setup(db *sql.DB) (http.Handler, *socket.Hub) {
	repo := repository.NewChecklistRepository(db)
	perms := service.NewPermissionService(repo)
	hub := socket.NewHub(repo, perms)
	svc := service.NewChecklistService(repo, perms, hub)
	handler := checklistHandler.NewChecklistHandler(svc)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}))

	// Network probe for offline clients; unauthenticated on purpose.
	r.Get("/healthz", handler.HealthCheck)
	r.Head("/healthz", handler.HealthCheck)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)

		r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
			identity, ok := middleware.IdentityFromContext(req.Context())
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			socket.ServeWs(hub, w, req, identity)
		})

		r.Post("/api/checklists", handler.CreateChecklist)
		r.Get("/api/checklists/{checklistId}/items", handler.ListItems)
		r.Post("/api/checklists/{checklistId}/items", handler.AddItem)
		r.Patch("/api/items/{itemId}/toggle", handler.ToggleItem)
		r.Patch("/api/items/{itemId}", handler.UpdateItem)
		r.Delete("/api/items/{itemId}", handler.DeleteItem)
	})

	return r, hub
}
