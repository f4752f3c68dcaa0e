package catalog

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

// Routes mounts the catalog endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/items", h.handleAddItem)
	r.Get("/items", h.handleListItems)
	r.Get("/items/{id}", h.handleGetItem)
	r.Put("/items/{id}", h.handleUpdateItem)
	r.Patch("/items/{id}/stock", h.handleAdjustStock)
	r.Delete("/items/{id}", h.handleRetireItem)
}

func (h *Handler) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var req NewItem
	if err := render.Decode(r, &req); err != nil {
		render.Error(w, r, h.logger, err)
		return
	}

	item, err := h.service.AddItem(r.Context(), req)
	if err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	render.JSON(w, http.StatusCreated, item)
}

func (h *Handler) handleListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ItemFilter{
		Query:         q.Get("q"),
		Category:      q.Get("category"),
		Status:        Status(q.Get("status")),
		AvailableOnly: q.Get("available") == "true",
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

	items, err := h.service.ListItems(r.Context(), filter)
	if err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	render.JSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.service.GetItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	render.JSON(w, http.StatusOK, item)
}

func (h *Handler) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	var req ItemUpdate
	if err := render.Decode(r, &req); err != nil {
		render.Error(w, r, h.logger, err)
		return
	}

	item, err := h.service.UpdateItem(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	render.JSON(w, http.StatusOK, item)
}

func (h *Handler) handleAdjustStock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Delta int `json:"delta"`
	}
	if err := render.Decode(r, &req); err != nil {
		render.Error(w, r, h.logger, err)
		return
	}

	item, err := h.service.AdjustStock(r.Context(), chi.URLParam(r, "id"), req.Delta)
	if err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	render.JSON(w, http.StatusOK, item)
}

func (h *Handler) handleRetireItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.service.RetireItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	render.JSON(w, http.StatusOK, item)
}
