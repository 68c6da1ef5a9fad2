/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures of the billing API. Domain types stay free of
  JSON tags; these types carry the wire names (camelCase) and the request
  validation rules.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Bonds:         BondDTO, IssueBondRequest, UpdateBondStatusRequest
  Nomenclature:  TariffDTO, UpsertTariffRequest
  Rentals:       RentalDTO, CreateRentalRequest, AssignBondRequest,
                 CloseRentalRequest, RentalResponse
  Periods:       PeriodDTO, UpdatePeriodRequest, ResolveGapRequest,
                 PeriodDetailResponse
  Payments:      PaymentDTO, RecordPaymentRequest, PaymentResponse
  Reconciliation PeriodReconciliationDTO, RentalReconciliationDTO
  Sweep:         SweepResponse

VALIDATION:
  Request types carry validator/v10 struct tags for shape checks (required
  fields, enums, date format). Business rules (tiling, amount split, bond
  category) stay in the domain and come back as typed errors.

DATES AND MONEY:
  Dates are "YYYY-MM-DD" strings. Amounts are encoded as two-decimal
  strings ("190.00") and accepted as strings or numbers.

SEE ALSO:
  - handlers.go: Uses these types
  - generic/types.go: Money JSON encoding
*/
package api

import (
	"time"

	"github.com/medrent/billing-engine/billing"
	"github.com/medrent/billing-engine/cnam"
	"github.com/medrent/billing-engine/generic"
	"github.com/medrent/billing-engine/notify"
)

// =============================================================================
// BONDS
// =============================================================================

type BondDTO struct {
	ID          string        `json:"id"`
	BondNumber  string        `json:"bondNumber"`
	BondType    string        `json:"bondType"`
	Category    string        `json:"category"`
	Amount      generic.Money `json:"amount"`
	MonthlyRate generic.Money `json:"monthlyRate"`
	Status      string        `json:"status"`
	StartDate   string        `json:"startDate"`
	EndDate     string        `json:"endDate"`
	PatientID   string        `json:"patientId,omitempty"`
	RentalID    *string       `json:"rentalId,omitempty"`
	CreatedAt   *time.Time    `json:"createdAt,omitempty"`
}

// IssueBondRequest issues a bond; amounts come from the nomenclature.
type IssueBondRequest struct {
	BondType  string  `json:"bondType" validate:"required"`
	PatientID string  `json:"patientId"`
	RentalID  *string `json:"rentalId"`
	StartDate string  `json:"startDate" validate:"required,datetime=2006-01-02"`
	EndDate   string  `json:"endDate" validate:"required,datetime=2006-01-02"`
	Status    string  `json:"status" validate:"omitempty,oneof=PENDING APPROUVE"`
}

type UpdateBondStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=PENDING APPROUVE EXPIRED REJECTED"`
}

// NextBondNumberDTO keeps the "bonNumber" key existing clients read.
type NextBondNumberDTO struct {
	BondNumber string `json:"bonNumber"`
	Category   string `json:"category,omitempty"`
}

// =============================================================================
// NOMENCLATURE
// =============================================================================

type TariffDTO struct {
	BondType    string        `json:"bondType"`
	Category    string        `json:"category"`
	Amount      generic.Money `json:"amount"`
	MonthlyRate generic.Money `json:"monthlyRate"`
	Description string        `json:"description,omitempty"`
	IsActive    bool          `json:"isActive"`
}

type UpsertTariffRequest struct {
	BondType    string        `json:"bondType" validate:"required"`
	Category    string        `json:"category" validate:"required,oneof=LOCATION ACHAT"`
	Amount      generic.Money `json:"amount"`
	MonthlyRate generic.Money `json:"monthlyRate"`
	Description string        `json:"description"`
	IsActive    *bool         `json:"isActive"`
}

// =============================================================================
// RENTALS
// =============================================================================

type RentalDTO struct {
	ID           string        `json:"id"`
	PatientID    string        `json:"patientId,omitempty"`
	CompanyID    string        `json:"companyId,omitempty"`
	DeviceID     string        `json:"deviceId"`
	StartDate    string        `json:"startDate"`
	EndDate      *string       `json:"endDate"`
	MonthlyRate  generic.Money `json:"monthlyRate"`
	Status       string        `json:"status"`
	ActiveBondID *string       `json:"activeBondId,omitempty"`
}

type CreateRentalRequest struct {
	ID           string        `json:"id"`
	PatientID    string        `json:"patientId" validate:"required_without=CompanyID,excluded_with=CompanyID"`
	CompanyID    string        `json:"companyId"`
	DeviceID     string        `json:"deviceId" validate:"required"`
	StartDate    string        `json:"startDate" validate:"required,datetime=2006-01-02"`
	EndDate      *string       `json:"endDate" validate:"omitempty,datetime=2006-01-02"`
	MonthlyRate  generic.Money `json:"monthlyRate"`
	ActiveBondID *string       `json:"activeBondId"`
}

type AssignBondRequest struct {
	BondID string `json:"bondId" validate:"required"`
	// EffectiveDate defaults to the later of bond and rental start.
	EffectiveDate *string `json:"effectiveDate" validate:"omitempty,datetime=2006-01-02"`
}

type CloseRentalRequest struct {
	EndDate string `json:"endDate" validate:"required,datetime=2006-01-02"`
}

// RentalResponse is a rental with its periods.
type RentalResponse struct {
	Rental  RentalDTO   `json:"rental"`
	Periods []PeriodDTO `json:"periods"`
}

// =============================================================================
// PERIODS
// =============================================================================

type GapResolutionDTO struct {
	ResolvedAt time.Time `json:"resolvedAt"`
	ResolvedBy string    `json:"resolvedBy"`
	Note       string    `json:"note,omitempty"`
}

type PeriodDTO struct {
	ID                    string            `json:"id"`
	RentalID              string            `json:"rentalId"`
	StartDate             string            `json:"startDate"`
	EndDate               string            `json:"endDate"`
	ExpectedAmount        generic.Money     `json:"expectedAmount"`
	CNAMExpectedAmount    *generic.Money    `json:"cnamExpectedAmount"`
	PatientExpectedAmount *generic.Money    `json:"patientExpectedAmount"`
	IsGapPeriod           bool              `json:"isGapPeriod"`
	GapReason             string            `json:"gapReason,omitempty"`
	CNAMBondID            *string           `json:"cnamBondId"`
	GapResolution         *GapResolutionDTO `json:"gapResolution,omitempty"`
}

// UpdatePeriodRequest is a partial edit; omitted fields stay unchanged.
type UpdatePeriodRequest struct {
	StartDate             *string        `json:"startDate" validate:"omitempty,datetime=2006-01-02"`
	EndDate               *string        `json:"endDate" validate:"omitempty,datetime=2006-01-02"`
	ExpectedAmount        *generic.Money `json:"expectedAmount"`
	CNAMExpectedAmount    *generic.Money `json:"cnamExpectedAmount"`
	PatientExpectedAmount *generic.Money `json:"patientExpectedAmount"`
	IsGapPeriod           *bool          `json:"isGapPeriod"`
	GapReason             *string        `json:"gapReason"`
	CNAMBondID            *string        `json:"cnamBondId"`
}

type ResolveGapRequest struct {
	ResolvedBy string `json:"resolvedBy" validate:"required"`
	Note       string `json:"note"`
}

type PeriodDetailResponse struct {
	Period   PeriodDTO    `json:"period"`
	Rental   RentalDTO    `json:"rental"`
	Bond     *BondDTO     `json:"bond,omitempty"`
	Payments []PaymentDTO `json:"payments"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

type PaymentDTO struct {
	ID              string        `json:"id"`
	RentalID        string        `json:"rentalId"`
	PeriodID        string        `json:"periodId"`
	Amount          generic.Money `json:"amount"`
	PaymentDate     string        `json:"paymentDate"`
	PeriodStartDate *string       `json:"periodStartDate,omitempty"`
	PeriodEndDate   *string       `json:"periodEndDate,omitempty"`
	Method          string        `json:"method"`
	Status          string        `json:"status"`
}

type RecordPaymentRequest struct {
	ID              string        `json:"id"`
	RentalID        string        `json:"rentalId" validate:"required"`
	PeriodID        string        `json:"periodId" validate:"required"`
	Amount          generic.Money `json:"amount"`
	PaymentDate     string        `json:"paymentDate" validate:"required,datetime=2006-01-02"`
	PeriodStartDate *string       `json:"periodStartDate" validate:"omitempty,datetime=2006-01-02"`
	PeriodEndDate   *string       `json:"periodEndDate" validate:"omitempty,datetime=2006-01-02"`
	Method          string        `json:"method" validate:"required,oneof=CASH CHEQUE VIREMENT TRAITE CNAM"`
	Status          string        `json:"status" validate:"omitempty,oneof=PENDING COMPLETED FAILED CANCELLED"`
}

// PaymentResponse returns the stored payment with its period's new state.
type PaymentResponse struct {
	Payment        PaymentDTO              `json:"payment"`
	Reconciliation PeriodReconciliationDTO `json:"reconciliation"`
}

// =============================================================================
// RECONCILIATION
// =============================================================================

type MismatchDTO struct {
	PaymentID     string `json:"paymentId"`
	PaymentWindow string `json:"paymentWindow"`
	PeriodWindow  string `json:"periodWindow"`
}

type PeriodReconciliationDTO struct {
	PeriodID       string        `json:"periodId"`
	StartDate      string        `json:"startDate"`
	EndDate        string        `json:"endDate"`
	Status         string        `json:"status"`
	IsGapPeriod    bool          `json:"isGapPeriod"`
	ExpectedAmount generic.Money `json:"expectedAmount"`
	PaidAmount     generic.Money `json:"paidAmount"`
	CNAMPaid       generic.Money `json:"cnamPaid"`
	PatientPaid    generic.Money `json:"patientPaid"`
	Outstanding    generic.Money `json:"outstanding"`
	Mismatches     []MismatchDTO `json:"mismatches,omitempty"`
}

type RentalReconciliationDTO struct {
	RentalID       string                    `json:"rentalId"`
	AsOf           string                    `json:"asOf"`
	Periods        []PeriodReconciliationDTO `json:"periods"`
	ExpectedAmount generic.Money             `json:"expectedAmount"`
	PaidAmount     generic.Money             `json:"paidAmount"`
	CNAMPaid       generic.Money             `json:"cnamPaid"`
	PatientPaid    generic.Money             `json:"patientPaid"`
	Outstanding    generic.Money             `json:"outstanding"`
	Counts         map[string]int            `json:"counts"`
}

// =============================================================================
// SWEEP
// =============================================================================

type SweepResponse struct {
	Success bool         `json:"success"`
	Stats   notify.Stats `json:"stats"`
	Error   string       `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func dateStr(tp generic.TimePoint) string { return tp.String() }

func optDate(tp *generic.TimePoint) *string {
	if tp == nil {
		return nil
	}
	s := tp.String()
	return &s
}

func optID[T ~string](id *T) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}

// parseOptDate parses an optional "YYYY-MM-DD".
func parseOptDate(s *string) (*generic.TimePoint, error) {
	if s == nil {
		return nil, nil
	}
	tp, err := generic.ParseDate(*s)
	if err != nil {
		return nil, err
	}
	return &tp, nil
}

func toBondDTO(b cnam.Bond) BondDTO {
	dto := BondDTO{
		ID:          string(b.ID),
		BondNumber:  b.BondNumber,
		BondType:    string(b.BondType),
		Category:    string(b.Category),
		Amount:      b.Amount,
		MonthlyRate: b.MonthlyRate,
		Status:      string(b.Status),
		StartDate:   dateStr(b.StartDate),
		EndDate:     dateStr(b.EndDate),
		PatientID:   b.PatientID,
		RentalID:    optID(b.RentalID),
	}
	if !b.CreatedAt.IsZero() {
		created := b.CreatedAt
		dto.CreatedAt = &created
	}
	return dto
}

func toTariffDTO(t cnam.Tariff) TariffDTO {
	return TariffDTO{
		BondType:    string(t.BondType),
		Category:    string(t.Category),
		Amount:      t.Amount,
		MonthlyRate: t.MonthlyRate,
		Description: t.Description,
		IsActive:    t.IsActive,
	}
}

func toRentalDTO(r billing.Rental) RentalDTO {
	return RentalDTO{
		ID:           string(r.ID),
		PatientID:    r.PatientID,
		CompanyID:    r.CompanyID,
		DeviceID:     string(r.DeviceID),
		StartDate:    dateStr(r.StartDate),
		EndDate:      optDate(r.EndDate),
		MonthlyRate:  r.MonthlyRate,
		Status:       string(r.Status),
		ActiveBondID: optID(r.ActiveBondID),
	}
}

func toPeriodDTO(p billing.RentalPeriod) PeriodDTO {
	dto := PeriodDTO{
		ID:                    string(p.ID),
		RentalID:              string(p.RentalID),
		StartDate:             dateStr(p.StartDate),
		EndDate:               dateStr(p.EndDate),
		ExpectedAmount:        p.ExpectedAmount,
		CNAMExpectedAmount:    p.CNAMExpectedAmount,
		PatientExpectedAmount: p.PatientExpectedAmount,
		IsGapPeriod:           p.IsGapPeriod,
		GapReason:             p.GapReason,
		CNAMBondID:            optID(p.CNAMBondID),
	}
	if p.GapResolution != nil {
		dto.GapResolution = &GapResolutionDTO{
			ResolvedAt: p.GapResolution.ResolvedAt,
			ResolvedBy: p.GapResolution.ResolvedBy,
			Note:       p.GapResolution.Note,
		}
	}
	return dto
}

func toPeriodDTOs(periods []billing.RentalPeriod) []PeriodDTO {
	dtos := make([]PeriodDTO, 0, len(periods))
	for _, p := range periods {
		dtos = append(dtos, toPeriodDTO(p))
	}
	return dtos
}

func toPaymentDTO(p billing.Payment) PaymentDTO {
	return PaymentDTO{
		ID:              string(p.ID),
		RentalID:        string(p.RentalID),
		PeriodID:        string(p.PeriodID),
		Amount:          p.Amount,
		PaymentDate:     dateStr(p.PaymentDate),
		PeriodStartDate: optDate(p.PeriodStartDate),
		PeriodEndDate:   optDate(p.PeriodEndDate),
		Method:          string(p.Method),
		Status:          string(p.Status),
	}
}

func toPeriodReconciliationDTO(r billing.PeriodReconciliation) PeriodReconciliationDTO {
	dto := PeriodReconciliationDTO{
		PeriodID:       string(r.PeriodID),
		StartDate:      dateStr(r.Window.Start),
		EndDate:        dateStr(r.Window.End),
		Status:         string(r.Status),
		IsGapPeriod:    r.IsGapPeriod,
		ExpectedAmount: r.ExpectedAmount,
		PaidAmount:     r.PaidAmount,
		CNAMPaid:       r.CNAMPaid,
		PatientPaid:    r.PatientPaid,
		Outstanding:    r.Outstanding,
	}
	for _, m := range r.Mismatches {
		dto.Mismatches = append(dto.Mismatches, MismatchDTO{
			PaymentID:     string(m.PaymentID),
			PaymentWindow: m.PaymentWindow.String(),
			PeriodWindow:  m.PeriodWindow.String(),
		})
	}
	return dto
}

func toRentalReconciliationDTO(r billing.RentalReconciliation) RentalReconciliationDTO {
	dto := RentalReconciliationDTO{
		RentalID:       string(r.RentalID),
		AsOf:           dateStr(r.AsOf),
		Periods:        make([]PeriodReconciliationDTO, 0, len(r.Periods)),
		ExpectedAmount: r.ExpectedAmount,
		PaidAmount:     r.PaidAmount,
		CNAMPaid:       r.CNAMPaid,
		PatientPaid:    r.PatientPaid,
		Outstanding:    r.Outstanding,
		Counts:         make(map[string]int, len(r.Counts)),
	}
	for _, p := range r.Periods {
		dto.Periods = append(dto.Periods, toPeriodReconciliationDTO(p))
	}
	for status, n := range r.Counts {
		dto.Counts[string(status)] = n
	}
	return dto
}
