package outbox

import (
	"net/http"
	"strconv"

	"github.com/bissquit/tutordesk/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

const defaultFailedLimit = 50

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrItemNotFound, Status: http.StatusNotFound, Message: "outbox item not found"},
	{Error: ErrItemNotFailed, Status: http.StatusConflict, Message: "only failed items can be retried"},
}

// Handler serves the operator endpoints for inspecting the queue.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new outbox admin handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers admin routes (require admin role).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/outbox", func(r chi.Router) {
		r.Get("/stats", h.GetStats)
		r.Get("/failed", h.ListFailed)
		r.Get("/items/{id}", h.GetItem)
		r.Post("/items/{id}/retry", h.RetryItem)
	})
}

// ListFailedQuery holds query parameters of GET /outbox/failed.
type ListFailedQuery struct {
	Limit int `validate:"min=1,max=500"`
}

// GetStats handles GET /outbox/stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, stats)
}

// ListFailed handles GET /outbox/failed.
func (h *Handler) ListFailed(w http.ResponseWriter, r *http.Request) {
	query := ListFailedQuery{Limit: defaultFailedLimit}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		query.Limit = limit
	}

	if err := h.validator.Struct(query); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	items, err := h.service.ListFailed(r.Context(), query.Limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, items)
}

// GetItem handles GET /outbox/items/{id}.
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, item)
}

// RetryItem handles POST /outbox/items/{id}/retry.
func (h *Handler) RetryItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.service.Retry(r.Context(), id); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	item, err := h.service.Get(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, item)
}
