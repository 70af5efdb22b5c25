/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY AND PERCENTS:
  All decimal amounts are serialized as strings. Clients must not receive
  float-rounded money.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/pipeline"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// RunDTO represents one recompute run.
type RunDTO struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	StartedAt  string          `json:"started_at"`
	FinishedAt *string         `json:"finished_at,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Resumable  bool            `json:"resumable"`
	Stages     []CheckpointDTO `json:"stages,omitempty"`
}

// CheckpointDTO is one completed stage of a run.
type CheckpointDTO struct {
	Stage       string `json:"stage"`
	Rows        int    `json:"rows"`
	CompletedAt string `json:"completed_at"`
}

// TriggerRunResponse summarizes a run triggered via the API.
type TriggerRunResponse struct {
	RunID       string `json:"run_id"`
	Status      string `json:"status"`
	Hierarchies int    `json:"hierarchies"`
	Proposals   int    `json:"proposals"`
	Exceptions  int    `json:"exceptions"`
	GLEntries   int    `json:"gl_entries"`
}

// ProposalDTO represents one published proposal.
type ProposalDTO struct {
	ID             int               `json:"id"`
	GroupID        string            `json:"group_id"`
	ContentHash    string            `json:"content_hash"`
	ProductCodes   []string          `json:"product_codes"`
	PlanCodes      []string          `json:"plan_codes"`
	DateRangeFrom  string            `json:"date_range_from"`
	DateRangeTo    *string           `json:"date_range_to,omitempty"`
	SplitVersions  []SplitVersionDTO `json:"split_versions"`
	CertificateIDs []string          `json:"certificate_ids"`
}

// SplitVersionDTO is one dated premium-split configuration.
type SplitVersionDTO struct {
	EffectiveFrom string                `json:"effective_from"`
	EffectiveTo   *string               `json:"effective_to,omitempty"`
	Participants  []SplitParticipantDTO `json:"participants"`
}

// SplitParticipantDTO is one premium-split line.
type SplitParticipantDTO struct {
	SplitSequence   int    `json:"split_sequence"`
	WritingBrokerID string `json:"writing_broker_id"`
	SplitPercent    string `json:"split_percent"`
	HierarchyID     int    `json:"hierarchy_id"`
}

// HierarchyDTO represents one published hierarchy.
type HierarchyDTO struct {
	ID              int                  `json:"id"`
	GroupID         string               `json:"group_id"`
	WritingBrokerID string               `json:"writing_broker_id"`
	FirstUpline     string               `json:"first_upline,omitempty"`
	Versions        []HierarchyVersionDTO `json:"versions"`
}

// HierarchyVersionDTO is one dated participant chain.
type HierarchyVersionDTO struct {
	EffectiveFrom string           `json:"effective_from"`
	EffectiveTo   *string          `json:"effective_to,omitempty"`
	Participants  []ParticipantDTO `json:"participants"`
}

// ParticipantDTO is one broker in a hierarchy chain.
type ParticipantDTO struct {
	Level        int    `json:"level"`
	BrokerID     string `json:"broker_id"`
	SplitPercent string `json:"split_percent"`
	ScheduleCode string `json:"schedule_code,omitempty"`
}

// ExceptionDTO is one certificate split routed to manual review.
type ExceptionDTO struct {
	CertificateID string           `json:"certificate_id"`
	GroupID       string           `json:"group_id"`
	SplitSequence int              `json:"split_sequence"`
	Reason        string           `json:"reason"`
	Participants  []ParticipantDTO `json:"participants"`
}

// ConformanceDTO is one group's conformance aggregate.
type ConformanceDTO struct {
	GroupID                   string `json:"group_id"`
	TotalCertificates         int    `json:"total_certificates"`
	ConformantCertificates    int    `json:"conformant_certificates"`
	NonConformantCertificates int    `json:"non_conformant_certificates"`
	ConformancePercentage     string `json:"conformance_percentage"`
	Classification            string `json:"classification"`
	Exportable                bool   `json:"exportable"`
}

// JournalEntryDTO is one GL journal entry.
type JournalEntryDTO struct {
	PremiumID     string `json:"premium_id"`
	CertificateID string `json:"certificate_id"`
	GroupID       string `json:"group_id"`
	BrokerID      string `json:"broker_id"`
	Amount        string `json:"amount"`
	EntryType     string `json:"entry_type"`
	SourceBroker  string `json:"source_broker,omitempty"`
	ProposalID    int    `json:"proposal_id"`
	HierarchyID   int    `json:"hierarchy_id"`
	Level         int    `json:"level"`
	ScheduleCode  string `json:"schedule_code,omitempty"`
	RateSource    string `json:"rate_source"`
	RatePercent   string `json:"rate_percent"`
	SplitPercent  string `json:"split_percent"`
}

// TraceabilityDTO covers one premium transaction end to end.
type TraceabilityDTO struct {
	PremiumID       string           `json:"premium_id"`
	CertificateID   string           `json:"certificate_id"`
	GroupID         string           `json:"group_id"`
	HasErrors       bool             `json:"has_errors"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	TotalCommission string           `json:"total_commission"`
	EntryCount      int              `json:"entry_count"`
	Brokers         []BrokerTraceDTO `json:"brokers,omitempty"`
}

// BrokerTraceDTO is one broker's view of a premium's cascade.
type BrokerTraceDTO struct {
	BrokerID     string `json:"broker_id"`
	Level        int    `json:"level"`
	EntryType    string `json:"entry_type"`
	RateSource   string `json:"rate_source"`
	RatePercent  string `json:"rate_percent"`
	SplitPremium string `json:"split_premium"`
	Commission   string `json:"commission"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toRunDTO(run pipeline.RunRecord, cps []pipeline.CheckpointRecord) RunDTO {
	dto := RunDTO{
		ID:        run.ID,
		Status:    string(run.Status),
		StartedAt: run.StartedAt.Format(time.RFC3339),
		Reason:    run.Reason,
		Resumable: run.Resumable,
	}
	if run.FinishedAt != nil {
		dto.FinishedAt = strPtr(run.FinishedAt.Format(time.RFC3339))
	}
	for _, cp := range cps {
		dto.Stages = append(dto.Stages, CheckpointDTO{
			Stage:       cp.Stage,
			Rows:        cp.Rows,
			CompletedAt: cp.CompletedAt.Format(time.RFC3339),
		})
	}
	return dto
}

func toProposalDTO(p commission.Proposal) ProposalDTO {
	dto := ProposalDTO{
		ID:            int(p.ID),
		GroupID:       string(p.GroupID),
		ContentHash:   string(p.ContentHash),
		DateRangeFrom: p.DateRangeFrom.Format("2006-01-02"),
	}
	if p.DateRangeTo != nil {
		dto.DateRangeTo = strPtr(p.DateRangeTo.Format("2006-01-02"))
	}
	for _, c := range p.ProductCodes {
		dto.ProductCodes = append(dto.ProductCodes, string(c))
	}
	for _, c := range p.PlanCodes {
		dto.PlanCodes = append(dto.PlanCodes, string(c))
	}
	for _, c := range p.CertificateIDs {
		dto.CertificateIDs = append(dto.CertificateIDs, string(c))
	}
	for _, v := range p.SplitVersions {
		sv := SplitVersionDTO{EffectiveFrom: v.EffectiveFrom.Format("2006-01-02")}
		if v.EffectiveTo != nil {
			sv.EffectiveTo = strPtr(v.EffectiveTo.Format("2006-01-02"))
		}
		for _, sp := range v.Participants {
			sv.Participants = append(sv.Participants, SplitParticipantDTO{
				SplitSequence:   sp.SplitSequence,
				WritingBrokerID: string(sp.WritingBrokerID),
				SplitPercent:    sp.SplitPercent.String(),
				HierarchyID:     int(sp.HierarchyID),
			})
		}
		dto.SplitVersions = append(dto.SplitVersions, sv)
	}
	return dto
}

func toHierarchyDTO(h commission.Hierarchy) HierarchyDTO {
	dto := HierarchyDTO{
		ID:              int(h.ID),
		GroupID:         string(h.GroupID),
		WritingBrokerID: string(h.WritingBrokerID),
		FirstUpline:     string(h.FirstUpline),
	}
	for _, v := range h.Versions {
		hv := HierarchyVersionDTO{EffectiveFrom: v.EffectiveFrom.Format("2006-01-02")}
		if v.EffectiveTo != nil {
			hv.EffectiveTo = strPtr(v.EffectiveTo.Format("2006-01-02"))
		}
		hv.Participants = toParticipantDTOs(v.Participants)
		dto.Versions = append(dto.Versions, hv)
	}
	return dto
}

func toParticipantDTOs(ps []commission.HierarchyParticipant) []ParticipantDTO {
	dtos := make([]ParticipantDTO, len(ps))
	for i, p := range ps {
		dtos[i] = ParticipantDTO{
			Level:        p.Level,
			BrokerID:     string(p.BrokerID),
			SplitPercent: p.SplitPercent.String(),
			ScheduleCode: string(p.ScheduleCode),
		}
	}
	return dtos
}

func toJournalEntryDTO(e commission.GLJournalEntry) JournalEntryDTO {
	return JournalEntryDTO{
		PremiumID:     string(e.PremiumTransactionID),
		CertificateID: string(e.CertificateID),
		GroupID:       string(e.GroupID),
		BrokerID:      string(e.BrokerID),
		Amount:        e.CommissionAmount.StringFixed(2),
		EntryType:     string(e.EntryType),
		SourceBroker:  string(e.SourceBrokerID),
		ProposalID:    int(e.ProposalID),
		HierarchyID:   int(e.HierarchyID),
		Level:         e.Level,
		ScheduleCode:  string(e.ScheduleCode),
		RateSource:    string(e.RateSource),
		RatePercent:   e.RatePercent.String(),
		SplitPercent:  e.SplitPercent.String(),
	}
}

func toTraceabilityDTO(r commission.TraceabilityReport, brokers []commission.BrokerTraceability) TraceabilityDTO {
	dto := TraceabilityDTO{
		PremiumID:       string(r.PremiumTransactionID),
		CertificateID:   string(r.CertificateID),
		GroupID:         string(r.GroupID),
		HasErrors:       r.HasErrors,
		ErrorMessage:    r.ErrorMessage,
		TotalCommission: r.TotalCommission.StringFixed(2),
		EntryCount:      r.EntryCount,
	}
	for _, b := range brokers {
		dto.Brokers = append(dto.Brokers, BrokerTraceDTO{
			BrokerID:     string(b.BrokerID),
			Level:        b.Level,
			EntryType:    string(b.EntryType),
			RateSource:   string(b.RateSource),
			RatePercent:  b.RatePercent.String(),
			SplitPremium: b.SplitPremiumAmount.StringFixed(2),
			Commission:   b.CommissionAmount.StringFixed(2),
		})
	}
	return dto
}

func strPtr(s string) *string {
	return &s
}
