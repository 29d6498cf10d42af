package withholding

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/cadenza-erp/cadenza-erp/internal/platform/httpx"
	"github.com/cadenza-erp/cadenza-erp/internal/shared"
)

// Handler wires the withholding tax HTTP endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
	}
}

// MountRoutes registers withholding routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/taxes", h.listTaxes)
	r.Post("/taxes", h.createTax)
	r.Get("/taxes/{id}", h.getTax)
	r.Put("/taxes/{id}", h.updateTax)
	r.Post("/taxes/{id}/duplicate", h.duplicateTax)
	r.Post("/invoices/{invoiceID}/compute", h.computeInvoice)
	r.Get("/invoices/{invoiceID}", h.invoicePosition)
	r.Post("/invoices/{invoiceID}/payments", h.registerPayment)
	r.Get("/statements/{id}/moves", h.listMoves)
}

type taxRequest struct {
	CompanyID     int64   `json:"company_id" validate:"required,gt=0"`
	Name          string  `json:"name" validate:"required"`
	Code          string  `json:"code" validate:"required"`
	Certification bool    `json:"certification"`
	PaymentTermID *int64  `json:"payment_term_id,omitempty"`
	Causale       *string `json:"causale,omitempty"`
	Active        bool    `json:"active"`
	Rates         []struct {
		DateFrom        string          `json:"date_from" validate:"required"`
		DateTo          *string         `json:"date_to,omitempty"`
		Rate            decimal.Decimal `json:"rate"`
		BaseCoefficient decimal.Decimal `json:"base_coefficient"`
	} `json:"rates" validate:"required,min=1"`
}

func (req taxRequest) toTax() (Tax, error) {
	t := Tax{
		CompanyID:     req.CompanyID,
		Name:          req.Name,
		Code:          req.Code,
		Certification: req.Certification,
		PaymentTermID: req.PaymentTermID,
		Causale:       req.Causale,
		Active:        req.Active,
	}
	for _, r := range req.Rates {
		from, err := time.Parse("2006-01-02", r.DateFrom)
		if err != nil {
			return Tax{}, shared.Validationf("date_from must be YYYY-MM-DD")
		}
		rate := Rate{DateFrom: from, Rate: r.Rate, BaseCoefficient: r.BaseCoefficient}
		if rate.BaseCoefficient.IsZero() {
			rate.BaseCoefficient = decimal.NewFromInt(1)
		}
		if r.DateTo != nil {
			to, err := time.Parse("2006-01-02", *r.DateTo)
			if err != nil {
				return Tax{}, shared.Validationf("date_to must be YYYY-MM-DD")
			}
			rate.DateTo = &to
		}
		t.Rates = append(t.Rates, rate)
	}
	return t, nil
}

func (h *Handler) listTaxes(w http.ResponseWriter, r *http.Request) {
	companyID, err := strconv.ParseInt(r.URL.Query().Get("company_id"), 10, 64)
	if err != nil || companyID <= 0 {
		httpx.RespondError(w, shared.Validationf("company_id is required"))
		return
	}
	taxes, err := h.service.ListTaxes(r.Context(), companyID)
	if err != nil {
		h.logger.Error("list withholding taxes", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"taxes": taxes})
}

func (h *Handler) createTax(w http.ResponseWriter, r *http.Request) {
	var req taxRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "request body is not valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	tax, err := req.toTax()
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	created, err := h.service.CreateTax(r.Context(), tax)
	if err != nil {
		h.logger.Error("create withholding tax", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) getTax(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	tax, err := h.service.GetTax(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tax)
}

func (h *Handler) updateTax(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	var req taxRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "request body is not valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	tax, err := req.toTax()
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	tax.ID = id

	updated, err := h.service.UpdateTax(r.Context(), tax)
	if err != nil {
		h.logger.Error("update withholding tax", slog.Any("error", err), slog.Int64("id", id))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, updated)
}

func (h *Handler) duplicateTax(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	dup, err := h.service.DuplicateTax(r.Context(), id)
	if err != nil {
		h.logger.Error("duplicate withholding tax", slog.Any("error", err), slog.Int64("id", id))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, dup)
}

func (h *Handler) computeInvoice(w http.ResponseWriter, r *http.Request) {
	invoiceID, err := pathID(r, "invoiceID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	var req struct {
		Date string `json:"date"`
	}
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "request body is not valid JSON")
			return
		}
	}
	date := time.Now()
	if req.Date != "" {
		date, err = time.Parse("2006-01-02", req.Date)
		if err != nil {
			httpx.RespondError(w, shared.Validationf("date must be YYYY-MM-DD"))
			return
		}
	}

	pos, err := h.service.ComputeInvoice(r.Context(), invoiceID, date)
	if err != nil {
		h.logger.Error("compute invoice withholding", slog.Any("error", err), slog.Int64("invoice_id", invoiceID))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, pos)
}

func (h *Handler) invoicePosition(w http.ResponseWriter, r *http.Request) {
	invoiceID, err := pathID(r, "invoiceID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	pos, err := h.service.GetInvoicePosition(r.Context(), invoiceID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, pos)
}

func (h *Handler) registerPayment(w http.ResponseWriter, r *http.Request) {
	invoiceID, err := pathID(r, "invoiceID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	var req struct {
		Amount decimal.Decimal `json:"amount"`
		Date   string          `json:"date"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "request body is not valid JSON")
		return
	}
	date := time.Now()
	if req.Date != "" {
		date, err = time.Parse("2006-01-02", req.Date)
		if err != nil {
			httpx.RespondError(w, shared.Validationf("date must be YYYY-MM-DD"))
			return
		}
	}

	pos, err := h.service.RegisterPayment(r.Context(), invoiceID, req.Amount, date)
	if err != nil {
		h.logger.Error("register withholding payment", slog.Any("error", err), slog.Int64("invoice_id", invoiceID))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, pos)
}

func (h *Handler) listMoves(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	moves, err := h.service.ListMoves(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"moves": moves})
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, shared.Validationf("invalid %s", name)
	}
	return id, nil
}
