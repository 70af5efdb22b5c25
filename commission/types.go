/*
Package commission provides the core resolution and calculation engine.

PURPOSE:
  This package turns raw certificate split records and premium payments into
  an auditable commission ledger. It discovers the broker hierarchies that
  were never explicitly stored, groups certificates into minimal commission
  agreements (proposals) keyed by content, classifies how cleanly each group
  resolves, and runs every premium dollar through an 8-stage cascade that
  produces GL journal entries with a full per-dollar audit trail.

KEY CONCEPTS IN THIS FILE (types.go):
  - CertificateSplitRow: one normalized participation record
  - Hierarchy/HierarchyVersion/HierarchyParticipant: deduplicated chains
  - Proposal: one commission agreement per (Group, ContentHash)
  - PolicyHierarchyAssignment: the exception path (PHA)
  - PremiumTransaction, GLJournalEntry, TraceabilityReport: money in/out

DESIGN PRINCIPLES:
  1. Immutability: rows are never mutated in place; each stage builds new rows
  2. Precision: decimal.Decimal for every percent, rate, and dollar amount
  3. Determinism: identical input always yields identical IDs and hashes
  4. Auditability: every computed dollar carries its full resolution lineage

SEE ALSO:
  - hash.go:        canonical SplitConfig and ContentHash
  - hierarchy.go:   hierarchy discovery and deduplication
  - proposal.go:    proposal resolution and exception routing
  - conformance.go: group classification
  - calc.go:        the 8-stage calculation cascade
*/
package commission

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CertificateID string
type GroupID string
type BrokerID string
type ProductCode string
type PlanCode string
type ScheduleCode string
type PremiumID string

// ProposalID and HierarchyID are deterministic: they are assigned by canonical
// discovery order, so reruns on identical input produce identical IDs.
type ProposalID int
type HierarchyID int

// PlanWildcard is the key-mapping plan entry used when a certificate carries
// no usable plan code.
const PlanWildcard PlanCode = "*"

// Valid reports whether a group identifier can anchor a proposal. Null-ish and
// all-zero identifiers mark Direct-to-Consumer policies, which never resolve
// through proposals.
func (g GroupID) Valid() bool {
	s := strings.TrimSpace(string(g))
	if s == "" {
		return false
	}
	for _, r := range s {
		if r != '0' {
			return true
		}
	}
	return false
}

// Normalize maps null-ish plan codes onto the wildcard entry.
func (p PlanCode) Normalize() PlanCode {
	s := strings.TrimSpace(string(p))
	switch strings.ToUpper(s) {
	case "", "NULL", "N/A":
		return PlanWildcard
	}
	return PlanCode(s)
}

// =============================================================================
// CERTIFICATE SPLIT ROW - One participation record from the normalizer
// =============================================================================

type ReassignedType string

const (
	ReassignedNone        ReassignedType = "none"
	ReassignedTransferred ReassignedType = "transferred"
	ReassignedAssigned    ReassignedType = "assigned"
)

// CertificateSplitRow is one (CertificateId, SplitSequence, BrokerSequence)
// participation record as produced by the certificate normalizer.
// Immutable once normalized.
type CertificateSplitRow struct {
	CertificateID  CertificateID
	SplitSequence  int
	BrokerSequence int // 1 = writing broker

	GroupID       GroupID
	ProductCode   ProductCode
	PlanCode      PlanCode
	EffectiveDate time.Time

	SplitPercent    decimal.Decimal
	WritingBrokerID BrokerID
	SplitBrokerID   BrokerID
	PaidBrokerID    BrokerID
	Reassigned      ReassignedType
	ScheduleCode    ScheduleCode

	// CertificateRate is an explicit commission-rate override recorded
	// against (CertificateID, SplitBrokerID). Nil when absent.
	CertificateRate *decimal.Decimal
}

// =============================================================================
// HIERARCHY - Deduplicated commission chain for a (Group, WritingBroker)
// =============================================================================

// HierarchyParticipant belongs to exactly one HierarchyVersion.
// Levels are dense ascending integers starting at 1 (the writing broker).
type HierarchyParticipant struct {
	Level        int
	BrokerID     BrokerID
	SplitPercent decimal.Decimal
	ScheduleCode ScheduleCode

	// RatePercent is an optional participant-level commission rate override.
	// Zero means no override.
	RatePercent decimal.Decimal
}

// HierarchyVersion is the participant chain effective over a window.
// EffectiveTo == nil means open-ended (currently active).
type HierarchyVersion struct {
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
	Participants  []HierarchyParticipant
}

// Active reports whether the version covers the given date.
func (v *HierarchyVersion) Active(at time.Time) bool {
	if at.Before(v.EffectiveFrom) {
		return false
	}
	return v.EffectiveTo == nil || !at.After(*v.EffectiveTo)
}

// Hierarchy is keyed by (Group, WritingBroker[, FirstUpline]) and owns its
// versions. Exactly one version may be active at any date.
type Hierarchy struct {
	ID              HierarchyID
	GroupID         GroupID
	WritingBrokerID BrokerID
	FirstUpline     BrokerID // level-2 broker; empty for single-level chains
	Signature       StructuralSignature
	Versions        []HierarchyVersion
}

// ActiveVersion returns the version covering the given date, or nil.
func (h *Hierarchy) ActiveVersion(at time.Time) *HierarchyVersion {
	for i := range h.Versions {
		if h.Versions[i].Active(at) {
			return &h.Versions[i]
		}
	}
	return nil
}

// =============================================================================
// PROPOSAL - One commission agreement per (Group, ContentHash)
// =============================================================================

// SplitParticipant is one premium-split line: the writing broker of a split
// sequence, its share of the premium, and the hierarchy the share flows
// through.
type SplitParticipant struct {
	SplitSequence   int
	WritingBrokerID BrokerID
	SplitPercent    decimal.Decimal
	HierarchyID     HierarchyID
}

// PremiumSplitVersion is the split layout effective over a window.
type PremiumSplitVersion struct {
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
	Participants  []SplitParticipant
}

// Active reports whether the split version covers the given date.
func (v *PremiumSplitVersion) Active(at time.Time) bool {
	if at.Before(v.EffectiveFrom) {
		return false
	}
	return v.EffectiveTo == nil || !at.After(*v.EffectiveTo)
}

// Proposal represents one or more certificates sharing a Group and
// ContentHash. Subsequent matching certificates expand the code sets and
// date range rather than creating duplicates.
type Proposal struct {
	ID          ProposalID
	GroupID     GroupID
	ContentHash ContentHash

	ProductCodes []ProductCode // sorted, unique
	PlanCodes    []PlanCode    // sorted, unique, normalized

	DateRangeFrom time.Time
	DateRangeTo   *time.Time // nil = open-ended

	SplitVersions  []PremiumSplitVersion
	CertificateIDs []CertificateID // sorted, unique
}

// ActiveSplitVersion returns the split version covering the date, or nil.
func (p *Proposal) ActiveSplitVersion(at time.Time) *PremiumSplitVersion {
	for i := range p.SplitVersions {
		if p.SplitVersions[i].Active(at) {
			return &p.SplitVersions[i]
		}
	}
	return nil
}

// Covers reports whether the proposal's date range includes the given date.
func (p *Proposal) Covers(at time.Time) bool {
	if at.Before(p.DateRangeFrom) {
		return false
	}
	return p.DateRangeTo == nil || !at.After(*p.DateRangeTo)
}

// =============================================================================
// KEY MAPPING - (Group, Year, Product, Plan) -> proposals
// =============================================================================

// MappingKey is the deterministic lookup key used for conformance
// classification and certificate resolution.
type MappingKey struct {
	GroupID GroupID
	Year    int
	Product ProductCode
	Plan    PlanCode // normalized; PlanWildcard when null-ish
}

// KeyMapping maps each observed key to the proposals it resolves to.
// Not mutated once published. A key mapping to more than one proposal is
// what makes a certificate non-conformant ("Multiple Matches").
type KeyMapping map[MappingKey][]ProposalID

// Lookup resolves a key, preferring an exact plan match and consulting the
// wildcard entry only when no exact key exists.
func (m KeyMapping) Lookup(group GroupID, year int, product ProductCode, plan PlanCode) []ProposalID {
	k := MappingKey{GroupID: group, Year: year, Product: product, Plan: plan.Normalize()}
	if ids, ok := m[k]; ok {
		return ids
	}
	if k.Plan == PlanWildcard {
		return nil
	}
	k.Plan = PlanWildcard
	return m[k]
}

func (m KeyMapping) add(k MappingKey, id ProposalID) {
	ids := m[k]
	for _, existing := range ids {
		if existing == id {
			return
		}
	}
	ids = append(ids, id)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	m[k] = ids
}

// =============================================================================
// POLICY HIERARCHY ASSIGNMENT - Exception path
// =============================================================================

type NonConformantReason string

const (
	ReasonInvalidGroupID  NonConformantReason = "Invalid GroupId"
	ReasonSplitMismatch   NonConformantReason = "Split percent mismatch"
	ReasonEntropy         NonConformantReason = "BusinessDrivenEntropy"
	ReasonOutlier         NonConformantReason = "HumanErrorOutlier"
	ReasonNoMatch         NonConformantReason = "No Match"
	ReasonMultipleMatches NonConformantReason = "Multiple Matches"
)

// PolicyHierarchyAssignment (PHA) records a certificate/split that cannot or
// should not resolve through a proposal. It carries its own embedded
// participant chain so the certificate still pays out.
type PolicyHierarchyAssignment struct {
	CertificateID   CertificateID
	GroupID         GroupID
	SplitSequence   int
	IsNonConforming bool
	Reason          NonConformantReason
	Participants    []HierarchyParticipant
}

// =============================================================================
// CONFORMANCE
// =============================================================================

type ConformanceClass string

const (
	ClassConformant       ConformanceClass = "Conformant"
	ClassNearlyConformant ConformanceClass = "NearlyConformant"
	ClassNonConformant    ConformanceClass = "NonConformant"
)

// GroupConformanceStats is the per-group aggregate, recomputed wholesale each
// run. Classification gates what the export boundary may publish.
type GroupConformanceStats struct {
	GroupID                  GroupID
	TotalCertificates        int
	ConformantCertificates   int
	NonConformantCertificates int
	ConformancePercentage    decimal.Decimal // in [0,100]
	Classification           ConformanceClass
}

// Exportable reports whether the group's proposals, hierarchies, and policies
// may cross the export boundary. Non-conformant groups are withheld, never
// deleted.
func (s GroupConformanceStats) Exportable() bool {
	return s.Classification != ClassNonConformant
}

// =============================================================================
// PREMIUM & TERMINAL OUTPUTS
// =============================================================================

// PremiumTransaction is a dated dollar payment against a certificate.
type PremiumTransaction struct {
	ID            PremiumID
	CertificateID CertificateID
	Date          time.Time
	Amount        decimal.Decimal
}

type EntryType string

const (
	EntryOriginal EntryType = "Original"
	EntryAssigned EntryType = "Assigned"
)

// GLJournalEntry is a single computed, auditable commission payment line with
// its full resolution lineage.
type GLJournalEntry struct {
	PremiumTransactionID PremiumID
	CertificateID        CertificateID
	GroupID              GroupID
	BrokerID             BrokerID
	CommissionAmount     decimal.Decimal
	EntryType            EntryType
	SourceBrokerID       BrokerID // original broker for Assigned entries

	// Resolution lineage
	ProposalID   ProposalID
	HierarchyID  HierarchyID
	Level        int
	ScheduleCode ScheduleCode
	RateSource   RateSource
	RatePercent  decimal.Decimal
	SplitPercent decimal.Decimal
}

// TraceabilityReport covers one premium transaction, success or failure.
// Failed reports carry a specific, enumerable reason - never a generic error.
type TraceabilityReport struct {
	PremiumTransactionID PremiumID
	CertificateID        CertificateID
	GroupID              GroupID
	HasErrors            bool
	ErrorMessage         string
	TotalCommission      decimal.Decimal
	EntryCount           int
}

// BrokerTraceability is one row per GL entry a premium produced.
type BrokerTraceability struct {
	PremiumTransactionID PremiumID
	BrokerID             BrokerID
	Level                int
	EntryType            EntryType
	RateSource           RateSource
	RatePercent          decimal.Decimal
	SplitPremiumAmount   decimal.Decimal
	CommissionAmount     decimal.Decimal
}

// =============================================================================
// DECIMAL HELPERS
// =============================================================================

var (
	hundred = decimal.NewFromInt(100)

	// splitTolerance is how far a split-sequence percent sum may drift from
	// 100 before the certificate routes to PHA.
	splitTolerance = decimal.RequireFromString("0.01")
)

// RoundMoney rounds a dollar amount to cents. Rounding is applied exactly
// once per computed amount; derived amounts are computed by subtraction so
// reconciliation holds to the cent.
func RoundMoney(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// PercentOf returns round(amount * percent / 100, 2).
func PercentOf(amount, percent decimal.Decimal) decimal.Decimal {
	return RoundMoney(amount.Mul(percent).Div(hundred))
}

// splitSumOK reports whether a split-sequence percent total counts as 100%.
func splitSumOK(sum decimal.Decimal) bool {
	return sum.Sub(hundred).Abs().LessThanOrEqual(splitTolerance)
}
