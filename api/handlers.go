/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes bond issuance, rental period allocation, payments and
  reconciliation over REST. Handles request decoding and validation, and
  delegates to the billing, cnam and notify packages.

ENDPOINTS:
  Bonds:
    POST   /api/bonds                      Issue a bond (numbered, tariff from nomenclature)
    GET    /api/bonds/next-number          Preview the next bond number (?category=)
    GET    /api/bonds/{id}                 Get a bond
    PATCH  /api/bonds/{id}/status          Status transition

  Nomenclature:
    GET    /api/nomenclature               List tariffs
    POST   /api/nomenclature               Create or replace a tariff
    GET    /api/nomenclature/{bondType}    Get one tariff

  Rentals:
    POST   /api/rentals                    Create a rental and allocate its periods
    GET    /api/rentals/{id}               Rental with periods
    POST   /api/rentals/{id}/bond          Assign a bond, recompute forward
    POST   /api/rentals/{id}/close         Close the rental at an end date
    GET    /api/rentals/{id}/reconciliation Per-period status (?asOf=)

  Periods:
    GET    /api/periods/{id}               Period with rental, bond and payments
    PATCH  /api/periods/{id}               Partial edit
    POST   /api/periods/{id}/resolve-gap   Manual gap resolution
    GET    /api/periods/{id}/reconciliation Period status (?asOf=)

  Payments:
    POST   /api/payments                   Record a payment

  Cron:
    POST   /api/cron/notifications         Extend open rentals and run the sweep

ERROR HANDLING:
  Domain errors map to HTTP status through generic.Code and friends:
  - 400: Validation errors, invalid windows, tiling, amount split
  - 404: Unknown rental, period, bond or tariff
  - 409: Duplicate bond number, existing rental id, locked period
  - 500: Storage failures
  The body carries the taxonomy code (e.g. "PeriodTiling") for clients.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - scheduler.go: SweepJob shared by the cron endpoint and the scheduler
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/medrent/billing-engine/billing"
	"github.com/medrent/billing-engine/cnam"
	"github.com/medrent/billing-engine/generic"
	"github.com/medrent/billing-engine/logging"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Billing   *billing.Service
	Numbering *cnam.Numbering
	Sweep     *SweepJob

	// Health reports storage reachability for /healthz. Nil means healthy.
	Health func(ctx context.Context) error

	Logger   *zap.Logger
	validate *validator.Validate
}

// NewHandler wires the handlers. The catalog and bond store are taken from
// the numbering service.
func NewHandler(svc *billing.Service, numbering *cnam.Numbering, sweep *SweepJob, logger *zap.Logger) *Handler {
	return &Handler{
		Billing:   svc,
		Numbering: numbering,
		Sweep:     sweep,
		Logger:    logging.OrNop(logger),
		validate:  validator.New(),
	}
}

// decode reads a JSON body into dst and runs the struct validation tags.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// asOf reads ?asOf=YYYY-MM-DD, defaulting to the service's today.
func (h *Handler) asOf(r *http.Request) (generic.TimePoint, error) {
	raw := r.URL.Query().Get("asOf")
	if raw == "" {
		return h.Billing.Today(), nil
	}
	return generic.ParseDate(raw)
}

// =============================================================================
// BOND HANDLERS
// =============================================================================

// IssueBond numbers and stores a bond priced from the nomenclature.
func (h *Handler) IssueBond(w http.ResponseWriter, r *http.Request) {
	var req IssueBondRequest
	if !h.decode(w, r, &req) {
		return
	}
	start, err := generic.ParseDate(req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid startDate format (use YYYY-MM-DD)", err)
		return
	}
	end, err := generic.ParseDate(req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid endDate format (use YYYY-MM-DD)", err)
		return
	}

	issue := cnam.IssueRequest{
		BondType:  cnam.BondType(req.BondType),
		PatientID: req.PatientID,
		StartDate: start,
		EndDate:   end,
		Status:    cnam.BondStatus(req.Status),
	}
	if req.RentalID != nil {
		id := generic.RentalID(*req.RentalID)
		issue.RentalID = &id
	}

	bond, err := h.Numbering.IssueBond(r.Context(), issue)
	if err != nil {
		h.writeDomainError(w, "Failed to issue bond", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBondDTO(bond))
}

func (h *Handler) GetBond(w http.ResponseWriter, r *http.Request) {
	id := generic.BondID(chi.URLParam(r, "id"))
	bond, err := h.Numbering.Bonds.GetBond(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Bond not found", fmt.Errorf("bond %s: %w", id, err))
		return
	}
	writeJSON(w, http.StatusOK, toBondDTO(bond))
}

// NextBondNumber previews the next number without reserving it.
func (h *Handler) NextBondNumber(w http.ResponseWriter, r *http.Request) {
	var category *cnam.Category
	if raw := r.URL.Query().Get("category"); raw != "" {
		c, err := cnam.ParseCategory(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid category", err)
			return
		}
		category = &c
	}

	number, err := h.Numbering.NextBondNumber(r.Context(), category)
	if err != nil {
		h.writeDomainError(w, "Failed to compute next bond number", err)
		return
	}
	dto := NextBondNumberDTO{BondNumber: number}
	if category != nil {
		dto.Category = string(*category)
	}
	writeJSON(w, http.StatusOK, dto)
}

// UpdateBondStatus applies a lifecycle transition. Rejecting a rental's
// active bond turns its future periods into gaps.
func (h *Handler) UpdateBondStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateBondStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := generic.BondID(chi.URLParam(r, "id"))
	bond, err := h.Billing.UpdateBondStatus(r.Context(), id, cnam.BondStatus(req.Status))
	if err != nil {
		h.writeDomainError(w, "Failed to update bond status", err)
		return
	}
	writeJSON(w, http.StatusOK, toBondDTO(bond))
}

// =============================================================================
// NOMENCLATURE HANDLERS
// =============================================================================

func (h *Handler) ListNomenclature(w http.ResponseWriter, r *http.Request) {
	tariffs, err := h.Numbering.Catalog.List(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list nomenclature", err)
		return
	}
	dtos := make([]TariffDTO, 0, len(tariffs))
	for _, t := range tariffs {
		dtos = append(dtos, toTariffDTO(t))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetTariff(w http.ResponseWriter, r *http.Request) {
	bondType := cnam.BondType(chi.URLParam(r, "bondType"))
	t, err := h.Numbering.Catalog.TariffFor(r.Context(), bondType)
	if err != nil {
		h.writeDomainError(w, "Tariff not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toTariffDTO(t))
}

// UpsertTariff creates or replaces the tariff of a bond type.
func (h *Handler) UpsertTariff(w http.ResponseWriter, r *http.Request) {
	var req UpsertTariffRequest
	if !h.decode(w, r, &req) {
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	t, err := h.Numbering.Catalog.Upsert(r.Context(), cnam.Tariff{
		BondType:    cnam.BondType(req.BondType),
		Category:    cnam.Category(req.Category),
		Amount:      req.Amount,
		MonthlyRate: req.MonthlyRate,
		Description: req.Description,
		IsActive:    active,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to save tariff", err)
		return
	}
	writeJSON(w, http.StatusOK, toTariffDTO(t))
}

// =============================================================================
// RENTAL HANDLERS
// =============================================================================

// CreateRental stores a rental and returns its allocated periods.
func (h *Handler) CreateRental(w http.ResponseWriter, r *http.Request) {
	var req CreateRentalRequest
	if !h.decode(w, r, &req) {
		return
	}
	start, err := generic.ParseDate(req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid startDate format (use YYYY-MM-DD)", err)
		return
	}
	end, err := parseOptDate(req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid endDate format (use YYYY-MM-DD)", err)
		return
	}

	rental := billing.Rental{
		ID:          generic.RentalID(req.ID),
		PatientID:   req.PatientID,
		CompanyID:   req.CompanyID,
		DeviceID:    generic.DeviceID(req.DeviceID),
		StartDate:   start,
		EndDate:     end,
		MonthlyRate: req.MonthlyRate,
	}
	if req.ActiveBondID != nil {
		id := generic.BondID(*req.ActiveBondID)
		rental.ActiveBondID = &id
	}

	created, periods, err := h.Billing.CreateRental(r.Context(), rental)
	if err != nil {
		h.writeDomainError(w, "Failed to create rental", err)
		return
	}
	writeJSON(w, http.StatusCreated, RentalResponse{
		Rental:  toRentalDTO(created),
		Periods: toPeriodDTOs(periods),
	})
}

func (h *Handler) GetRental(w http.ResponseWriter, r *http.Request) {
	id := generic.RentalID(chi.URLParam(r, "id"))
	rental, periods, err := h.Billing.GetRental(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Rental not found", err)
		return
	}
	writeJSON(w, http.StatusOK, RentalResponse{
		Rental:  toRentalDTO(rental),
		Periods: toPeriodDTOs(periods),
	})
}

// AssignBond links a LOCATION bond and recomputes periods from the
// effective date.
func (h *Handler) AssignBond(w http.ResponseWriter, r *http.Request) {
	var req AssignBondRequest
	if !h.decode(w, r, &req) {
		return
	}
	effective, err := parseOptDate(req.EffectiveDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid effectiveDate format (use YYYY-MM-DD)", err)
		return
	}

	ctx := r.Context()
	id := generic.RentalID(chi.URLParam(r, "id"))
	if _, err := h.Billing.AssignBond(ctx, id, generic.BondID(req.BondID), effective); err != nil {
		h.writeDomainError(w, "Failed to assign bond", err)
		return
	}
	h.writeRental(w, r, id)
}

func (h *Handler) CloseRental(w http.ResponseWriter, r *http.Request) {
	var req CloseRentalRequest
	if !h.decode(w, r, &req) {
		return
	}
	end, err := generic.ParseDate(req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid endDate format (use YYYY-MM-DD)", err)
		return
	}

	id := generic.RentalID(chi.URLParam(r, "id"))
	rental, periods, err := h.Billing.CloseRental(r.Context(), id, end)
	if err != nil {
		h.writeDomainError(w, "Failed to close rental", err)
		return
	}
	writeJSON(w, http.StatusOK, RentalResponse{
		Rental:  toRentalDTO(rental),
		Periods: toPeriodDTOs(periods),
	})
}

func (h *Handler) ReconcileRental(w http.ResponseWriter, r *http.Request) {
	asOf, err := h.asOf(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid asOf format (use YYYY-MM-DD)", err)
		return
	}
	id := generic.RentalID(chi.URLParam(r, "id"))
	rec, err := h.Billing.ReconcileRental(r.Context(), id, asOf)
	if err != nil {
		h.writeDomainError(w, "Failed to reconcile rental", err)
		return
	}
	writeJSON(w, http.StatusOK, toRentalReconciliationDTO(rec))
}

// writeRental answers with the current rental and its full period list.
func (h *Handler) writeRental(w http.ResponseWriter, r *http.Request, id generic.RentalID) {
	rental, periods, err := h.Billing.GetRental(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Rental not found", err)
		return
	}
	writeJSON(w, http.StatusOK, RentalResponse{
		Rental:  toRentalDTO(rental),
		Periods: toPeriodDTOs(periods),
	})
}

// =============================================================================
// PERIOD HANDLERS
// =============================================================================

func (h *Handler) GetPeriod(w http.ResponseWriter, r *http.Request) {
	id := generic.PeriodID(chi.URLParam(r, "id"))
	detail, err := h.Billing.GetPeriodDetail(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Period not found", err)
		return
	}

	resp := PeriodDetailResponse{
		Period:   toPeriodDTO(detail.Period),
		Rental:   toRentalDTO(detail.Rental),
		Payments: make([]PaymentDTO, 0, len(detail.Payments)),
	}
	if detail.Bond != nil {
		bond := toBondDTO(*detail.Bond)
		resp.Bond = &bond
	}
	for _, p := range detail.Payments {
		resp.Payments = append(resp.Payments, toPaymentDTO(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

// UpdatePeriod applies a partial edit. Moving a boundary must keep the
// rental tiled and every payment inside its period.
func (h *Handler) UpdatePeriod(w http.ResponseWriter, r *http.Request) {
	var req UpdatePeriodRequest
	if !h.decode(w, r, &req) {
		return
	}
	start, err := parseOptDate(req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid startDate format (use YYYY-MM-DD)", err)
		return
	}
	end, err := parseOptDate(req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid endDate format (use YYYY-MM-DD)", err)
		return
	}

	patch := billing.PeriodPatch{
		StartDate:             start,
		EndDate:               end,
		ExpectedAmount:        req.ExpectedAmount,
		CNAMExpectedAmount:    req.CNAMExpectedAmount,
		PatientExpectedAmount: req.PatientExpectedAmount,
		IsGapPeriod:           req.IsGapPeriod,
		GapReason:             req.GapReason,
	}
	if req.CNAMBondID != nil {
		id := generic.BondID(*req.CNAMBondID)
		patch.CNAMBondID = &id
	}

	id := generic.PeriodID(chi.URLParam(r, "id"))
	period, err := h.Billing.UpdatePeriod(r.Context(), id, patch)
	if err != nil {
		h.writeDomainError(w, "Failed to update period", err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTO(period))
}

func (h *Handler) ResolveGap(w http.ResponseWriter, r *http.Request) {
	var req ResolveGapRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := generic.PeriodID(chi.URLParam(r, "id"))
	period, err := h.Billing.ResolveGap(r.Context(), id, billing.GapResolution{
		ResolvedBy: req.ResolvedBy,
		Note:       req.Note,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to resolve gap", err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTO(period))
}

func (h *Handler) ReconcilePeriod(w http.ResponseWriter, r *http.Request) {
	asOf, err := h.asOf(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid asOf format (use YYYY-MM-DD)", err)
		return
	}
	id := generic.PeriodID(chi.URLParam(r, "id"))
	rec, err := h.Billing.ReconcilePeriod(r.Context(), id, asOf)
	if err != nil {
		h.writeDomainError(w, "Failed to reconcile period", err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodReconciliationDTO(rec))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// RecordPayment stores a payment and returns its period's reconciliation.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req RecordPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	paidOn, err := generic.ParseDate(req.PaymentDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid paymentDate format (use YYYY-MM-DD)", err)
		return
	}
	from, err := parseOptDate(req.PeriodStartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid periodStartDate format (use YYYY-MM-DD)", err)
		return
	}
	to, err := parseOptDate(req.PeriodEndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid periodEndDate format (use YYYY-MM-DD)", err)
		return
	}

	payment, rec, err := h.Billing.RecordPayment(r.Context(), billing.Payment{
		ID:              generic.PaymentID(req.ID),
		RentalID:        generic.RentalID(req.RentalID),
		PeriodID:        generic.PeriodID(req.PeriodID),
		Amount:          req.Amount,
		PaymentDate:     paidOn,
		PeriodStartDate: from,
		PeriodEndDate:   to,
		Method:          billing.PaymentMethod(req.Method),
		Status:          billing.PaymentStatus(req.Status),
	})
	if err != nil {
		h.writeDomainError(w, "Failed to record payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, PaymentResponse{
		Payment:        toPaymentDTO(payment),
		Reconciliation: toPeriodReconciliationDTO(rec),
	})
}

// =============================================================================
// CRON AND OPS HANDLERS
// =============================================================================

// RunNotificationSweep is the external scheduler's entry point. A partial
// sweep still answers 200 with its stats; success reports whether every
// phase completed.
func (h *Handler) RunNotificationSweep(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Sweep.Run(r.Context())
	resp := SweepResponse{Success: err == nil, Stats: stats}
	if err != nil {
		h.Logger.Error("notification sweep failed", zap.Error(err))
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Storage unreachable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
		resp.Code = generic.Code(err)
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			resp.Code = "Validation"
		}
	}
	writeJSON(w, status, resp)
}

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	switch {
	case generic.IsNotFound(err):
		return http.StatusNotFound
	case generic.IsConflict(err):
		return http.StatusConflict
	case generic.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error(message, zap.Error(err))
	}
	writeError(w, status, message, err)
}
