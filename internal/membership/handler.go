package membership

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"libracirc/internal/errkind"
	"libracirc/internal/httpapi/render"
)

type Handler struct {
	service Service
	logger  *slog.Logger
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes mounts the member endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/members", h.handleRegisterMember)
	r.Get("/members", h.handleListMembers)
	r.Get("/members/{id}", h.handleGetMember)
	r.Put("/members/{id}", h.handleUpdateMember)
	r.Delete("/members/{id}", h.handleDeleteMember)
	r.Patch("/members/{id}/status", h.handleSetStatus)
}

func (h *Handler) handleRegisterMember(w http.ResponseWriter, r *http.Request) {
	var req NewMember
	if err := render.Decode(r, &req); err != nil {
		render.Error(w, r, h.logger, err)
		return
	}

	member, err := h.service.RegisterMember(r.Context(), req)
	if err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	render.JSON(w, http.StatusCreated, member)
}

func (h *Handler) handleListMembers(w http.ResponseWriter, r *http.Request) {
	filter := MemberFilter{Query: r.URL.Query().Get("q")}
	if v := r.URL.Query().Get("status"); v != "" {
		status, err := ParseStatus(v)
		if err != nil {
			render.Error(w, r, h.logger, err)
			return
		}
		filter.Status = &status
	}
	var err error
	if filter.Limit, err = render.QueryInt(r, "limit", 0); err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	if filter.Offset, err = render.QueryInt(r, "offset", 0); err != nil {
		render.Error(w, r, h.logger, err)
		return
	}

	members, err := h.service.ListMembers(r.Context(), filter)
	if err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	render.JSON(w, http.StatusOK, map[string]any{"members": members})
}

func (h *Handler) handleGetMember(w http.ResponseWriter, r *http.Request) {
	member, err := h.service.GetMember(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	render.JSON(w, http.StatusOK, member)
}

func (h *Handler) handleUpdateMember(w http.ResponseWriter, r *http.Request) {
	var req MemberUpdate
	if err := render.Decode(r, &req); err != nil {
		render.Error(w, r, h.logger, err)
		return
	}

	member, err := h.service.UpdateMember(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	render.JSON(w, http.StatusOK, member)
}

func (h *Handler) handleDeleteMember(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteMember(r.Context(), chi.URLParam(r, "id")); err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status *Status `json:"status"`
	}
	if err := render.Decode(r, &req); err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	if req.Status == nil {
		render.Error(w, r, h.logger, errkind.ErrInvalid.With("status is required"))
		return
	}

	member, err := h.service.SetStatus(r.Context(), chi.URLParam(r, "id"), *req.Status)
	if err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	render.JSON(w, http.StatusOK, member)
}
