package auth

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"libracirc/internal/httpapi/render"
)

type Handler struct {
	service Service
	logger  *slog.Logger
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes mounts the login endpoint, which must stay reachable without a session.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/auth/login", h.handleLogin)
}

// ProtectedRoutes mounts endpoints that require a session.
func (h *Handler) ProtectedRoutes(r chi.Router) {
	r.Post("/auth/logout", h.handleLogout)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := render.Decode(r, &req); err != nil {
		render.Error(w, r, h.logger, err)
		return
	}

	session, err := h.service.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	render.JSON(w, http.StatusOK, session)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context(), bearerToken(r)); err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
