package lending

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"libracirc/internal/httpapi/render"
)

type Handler struct {
	service Service
	logger  *slog.Logger
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes mounts the loan, return, maintenance and statistics endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/loans", h.handleBorrow)
	r.Post("/loans/batch", h.handleBorrowBatch)
	r.Get("/loans", h.handleListLoans)
	r.Get("/loans/{id}", h.handleGetLoan)
	r.Get("/loans/{id}/return", h.handleGetReturnByLoan)

	r.Post("/returns", h.handleReturn)
	r.Post("/returns/batch", h.handleReturnBatch)
	r.Get("/returns", h.handleListReturns)
	r.Get("/returns/{id}", h.handleGetReturn)

	r.Post("/maintenance/overdue-sweep", h.handleSweep)

	r.Get("/statistics/overview", h.handleOverview)
	r.Get("/statistics/popular", h.handlePopular)
}

type borrowBody struct {
	MemberID   string      `json:"member_id"`
	ItemID     string      `json:"item_id"`
	Lines      []BatchLine `json:"lines"`
	BorrowDate string      `json:"borrow_date"`
	DueDate    string      `json:"due_date"`
}

func (b borrowBody) dates() (time.Time, time.Time, error) {
	borrow, err := render.ParseDate("borrow_date", b.BorrowDate)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	due, err := render.ParseDate("due_date", b.DueDate)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return borrow, due, nil
}

func (h *Handler) handleBorrow(w http.ResponseWriter, r *http.Request) {
	var body borrowBody
	if err := render.Decode(r, &body); err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	borrow, due, err := body.dates()
	if err != nil {
		render.Error(w, r, h.logger, err)
		return
	}

	loan, err := h.service.Borrow(r.Context(), BorrowRequest{
		MemberID:   body.MemberID,
		ItemID:     body.ItemID,
		BorrowDate: borrow,
		DueDate:    due,
	})
	if err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	render.JSON(w, http.StatusCreated, loan)
}

func (h *Handler) handleBorrowBatch(w http.ResponseWriter, r *http.Request) {
	var body borrowBody
	if err := render.Decode(r, &body); err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	borrow, due, err := body.dates()
	if err != nil {
		render.Error(w, r, h.logger, err)
		return
	}

	loans, err := h.service.BorrowBatch(r.Context(), BorrowBatchRequest{
		MemberID:   body.MemberID,
		Lines:      body.Lines,
		BorrowDate: borrow,
		DueDate:    due,
	})
	if err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	render.JSON(w, http.StatusCreated, map[string]any{"loans": loans})
}

func (h *Handler) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	loan, err := h.service.GetLoan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	render.JSON(w, http.StatusOK, loan)
}

func (h *Handler) handleListLoans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := LoanFilter{MemberID: q.Get("member_id"), ItemID: q.Get("item_id")}

	var err error
	if s := q.Get("state"); s != "" {
		if filter.State, err = ParseState(s); err != nil {
			render.Error(w, r, h.logger, err)
			return
		}
	}
	if filter.BorrowedFrom, err = render.ParseDate("from", q.Get("from")); err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	if filter.BorrowedTo, err = render.ParseDate("to", q.Get("to")); err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	if filter.Limit, filter.Offset, err = page(r); err != nil {
		render.Error(w, r, h.logger, err)
		return
	}

	loans, err := h.service.ListLoans(r.Context(), filter)
	if err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	render.JSON(w, http.StatusOK, map[string]any{"loans": loans})
}

type returnBody struct {
	LoanID     string   `json:"loan_id"`
	LoanIDs    []string `json:"loan_ids"`
	ReturnDate string   `json:"return_date"`
	Mode       string   `json:"mode"`
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	var body returnBody
	if err := render.Decode(r, &body); err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	day, err := render.ParseDate("return_date", body.ReturnDate)
	if err != nil {
		render.Error(w, r, h.logger, err)
		return
	}

	ret, err := h.service.Return(r.Context(), ReturnRequest{LoanID: body.LoanID, ReturnDate: day})
	if err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	render.JSON(w, http.StatusCreated, ret)
}

type outcomeBody struct {
	LoanID      string              `json:"loan_id"`
	ReturnID    string              `json:"return_id,omitempty"`
	OverdueDays int                 `json:"overdue_days"`
	Fine        decimal.Decimal     `json:"fine"`
	Error       *render.ErrorDetail `json:"error,omitempty"`
}

func (h *Handler) handleReturnBatch(w http.ResponseWriter, r *http.Request) {
	var body returnBody
	if err := render.Decode(r, &body); err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	day, err := render.ParseDate("return_date", body.ReturnDate)
	if err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	mode, err := ParseBatchMode(body.Mode)
	if err != nil {
		render.Error(w, r, h.logger, err)
		return
	}

	outcomes, err := h.service.ReturnBatch(r.Context(), ReturnBatchRequest{LoanIDs: body.LoanIDs, ReturnDate: day, Mode: mode})
	if err != nil {
		render.Error(w, r, h.logger, err)
		return
	}

	results := make([]outcomeBody, len(outcomes))
	for i, o := range outcomes {
		results[i] = outcomeBody{LoanID: o.LoanID, ReturnID: o.ReturnID, OverdueDays: o.OverdueDays, Fine: o.Fine}
		if o.Err != nil {
			detail := render.Detail(o.Err)
			results[i].Error = &detail
		}
	}
	render.JSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *Handler) handleGetReturn(w http.ResponseWriter, r *http.Request) {
	ret, err := h.service.GetReturn(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	render.JSON(w, http.StatusOK, ret)
}

func (h *Handler) handleGetReturnByLoan(w http.ResponseWriter, r *http.Request) {
	ret, err := h.service.GetReturnByLoan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	render.JSON(w, http.StatusOK, ret)
}

func (h *Handler) handleListReturns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		filter ReturnFilter
		err    error
	)
	if filter.From, err = render.ParseDate("from", q.Get("from")); err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	if filter.To, err = render.ParseDate("to", q.Get("to")); err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	if filter.Limit, filter.Offset, err = page(r); err != nil {
		render.Error(w, r, h.logger, err)
		return
	}

	returns, err := h.service.ListReturns(r.Context(), filter)
	if err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	render.JSON(w, http.StatusOK, map[string]any{"returns": returns})
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.RefreshOverdueStatus(r.Context())
	if err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	render.JSON(w, http.StatusOK, map[string]int64{"updated": n})
}

func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.Overview(r.Context())
	if err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	render.JSON(w, http.StatusOK, o)
}

func (h *Handler) handlePopular(w http.ResponseWriter, r *http.Request) {
	top, err := render.QueryInt(r, "top", defaultPopular)
	if err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	items, err := h.service.PopularItems(r.Context(), top)
	if err != nil {
		render.Error(w, r, h.logger, err)
		return
	}
	render.JSON(w, http.StatusOK, map[string]any{"items": items})
}

func page(r *http.Request) (int, int, error) {
	limit, err := render.QueryInt(r, "limit", 0)
	if err != nil {
		return 0, 0, err
	}
	offset, err := render.QueryInt(r, "offset", 0)
	if err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}
