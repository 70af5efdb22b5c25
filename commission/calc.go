/*
calc.go - The 8-stage premium calculation cascade

PURPOSE:
  Runs every premium payment through eight explicit stages, each consuming
  the previous stage's row set and producing a new, wider one - never
  mutating in place - so any stage's output can be replayed and diffed:

    1. Premium Context        join policy/group data, first-year flags
    2. Proposal Resolution    (GroupID, date) -> proposal
    3. Split Explosion        1->N rows, one per split participant
    4. Hierarchy Resolution   pick the active hierarchy version
    5. Participant Expansion  1->N rows, one per chain participant
    6. Rate Resolution        certificate > participant > schedule > none
    7. Commission             round(splitPremium * rate / 100, 2)
    8. Assignment Redirection AssignedAmount + RetainedAmount == Commission

  A premium that fails to resolve at any stage carries an enumerable
  failure forward and surfaces as a failed TraceabilityReport with that
  exact message - never a generic error, and never a dropped row.

RECONCILIATION:
  Rounding is applied once per computed amount. RetainedAmount is derived
  by subtraction from CommissionAmount, and recipient shares absorb the
  remainder into the final recipient, so assigned + retained reconciles to
  the commission exactly, to the cent.

SEE ALSO:
  - types.go:    GLJournalEntry, TraceabilityReport, BrokerTraceability
  - proposal.go: Resolution consumed by stage 2/3
  - hierarchy.go: HierarchySet consumed by stage 4/5
*/
package commission

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// UPSTREAM DIRECTORIES - External collaborators, specified at the interface
// =============================================================================

// PolicyInfo is what the policy/group directory knows about a certificate.
type PolicyInfo struct {
	GroupID       GroupID
	GroupName     string
	ProductCode   ProductCode
	SitusState    string
	GroupSize     int
	EffectiveDate time.Time
}

// PolicyDirectory resolves certificates to their policy/group context.
type PolicyDirectory interface {
	PolicyInfo(id CertificateID) (PolicyInfo, bool)
}

// ScheduleDirectory resolves commission rates from schedule rate tables,
// matched by (ScheduleCode, ProductCode, State, GroupSize band) with
// distinct first-year and renewal rates.
type ScheduleDirectory interface {
	Rate(code ScheduleCode, product ProductCode, state string, groupSize int, firstYear bool) (decimal.Decimal, bool)
}

// AssignmentRecipient is one receiver of a redirected commission share.
type AssignmentRecipient struct {
	BrokerID BrokerID
	Percent  decimal.Decimal // of the commission amount
}

// Assignment is an active commission redirection for a broker.
type Assignment struct {
	TotalAssignedPercent decimal.Decimal
	Recipients           []AssignmentRecipient
}

// AssignmentDirectory resolves the active redirection for a broker at a
// date. A proposal-specific assignment takes precedence over the broker's
// default; implementations encode that precedence.
type AssignmentDirectory interface {
	Active(broker BrokerID, proposal ProposalID, at time.Time) (*Assignment, bool)
}

// =============================================================================
// CERTIFICATE RATE OVERRIDES
// =============================================================================

type certBroker struct {
	Certificate CertificateID
	Broker      BrokerID
}

// CertificateRateIndex holds explicit rate overrides recorded against
// (CertificateID, SplitBrokerID) in commission-detail source data.
type CertificateRateIndex map[certBroker]decimal.Decimal

// BuildCertificateRates extracts overrides from normalized split rows.
func BuildCertificateRates(rows []CertificateSplitRow) CertificateRateIndex {
	idx := make(CertificateRateIndex)
	for _, r := range rows {
		if r.CertificateRate != nil {
			idx[certBroker{Certificate: r.CertificateID, Broker: r.SplitBrokerID}] = *r.CertificateRate
		}
	}
	return idx
}

// Lookup returns the override for (certificate, broker), if any.
func (idx CertificateRateIndex) Lookup(cert CertificateID, broker BrokerID) (decimal.Decimal, bool) {
	d, ok := idx[certBroker{Certificate: cert, Broker: broker}]
	return d, ok
}

// =============================================================================
// CALCULATION ROW
// =============================================================================

type RateSource string

const (
	RateSourceCertificate RateSource = "CertificateRate"
	RateSourceParticipant RateSource = "ParticipantRate"
	RateSourceSchedule    RateSource = "ScheduleLookup"
	RateSourceNone        RateSource = "NoRate"
)

// ResolutionFailure is the enumerable per-premium failure annotation.
type ResolutionFailure string

const (
	FailNone             ResolutionFailure = ""
	FailNoPolicy         ResolutionFailure = "No policy record"
	FailNoProposal       ResolutionFailure = "No matching proposal"
	FailNoSplitVersion   ResolutionFailure = "No matching split version"
	FailNoActiveVersion  ResolutionFailure = "No active hierarchy version"
)

// RecipientShare is one recipient's exact slice of an assigned amount.
type RecipientShare struct {
	BrokerID BrokerID
	Amount   decimal.Decimal
}

// CalculationRow is the growing record as a premium passes through the
// cascade. Stages copy rows; they never mutate a previous stage's set.
type CalculationRow struct {
	// Stage 1: premium context
	PremiumTransactionID     PremiumID
	CertificateID            CertificateID
	TransactionDate          time.Time
	PremiumAmount            decimal.Decimal
	GroupID                  GroupID
	ProductCode              ProductCode
	SitusState               string
	GroupSize                int
	CertificateEffectiveDate time.Time
	IsFirstYear              bool
	BasisYear                int

	// Stage 2: proposal resolution
	ProposalID ProposalID // 0 = unresolved

	// Stage 3: split explosion
	SplitSequence      int
	SplitBrokerID      BrokerID // writing broker of the split
	SplitPercent       decimal.Decimal
	SplitPremiumAmount decimal.Decimal

	// Stage 4: hierarchy resolution
	HierarchyID     HierarchyID
	VersionResolved bool

	// Stage 5: participant expansion
	BrokerID     BrokerID
	Level        int
	ScheduleCode ScheduleCode
	ParticipantRate decimal.Decimal

	// Stage 6: rate resolution
	RatePercent decimal.Decimal
	RateSource  RateSource

	// Stage 7: commission
	CommissionAmount decimal.Decimal

	// Stage 8: assignment redirection
	AssignedAmount decimal.Decimal
	RetainedAmount decimal.Decimal
	Recipients     []RecipientShare

	// Failure annotation, carried forward, never fatal
	Failure ResolutionFailure
}

func (r CalculationRow) failed() bool { return r.Failure != FailNone }

// =============================================================================
// ENGINE
// =============================================================================

// CalcInput is everything a calculation pass consumes. Proposals and
// hierarchies are the read-only output of this run's discovery passes.
type CalcInput struct {
	Premiums    []PremiumTransaction
	Resolution  *Resolution
	Hierarchies *HierarchySet

	Policies    PolicyDirectory
	Schedules   ScheduleDirectory
	Assignments AssignmentDirectory

	CertificateRates CertificateRateIndex
}

// StageCount records a stage's output row count for checkpointing.
type StageCount struct {
	Stage string
	Rows  int
}

// CalcOutput is the terminal output of the cascade.
type CalcOutput struct {
	StageCounts []StageCount
	Journal     []GLJournalEntry
	Reports     []TraceabilityReport
	BrokerRows  []BrokerTraceability
}

// Calculate runs the full cascade. The only error paths are context
// cancellation; resolution failures are data, not errors.
func Calculate(ctx context.Context, in CalcInput) (*CalcOutput, error) {
	out := &CalcOutput{}

	stages := []struct {
		name string
		fn   func(CalcInput, []CalculationRow) []CalculationRow
	}{
		{"premium_context", stagePremiumContext},
		{"proposal_resolution", stageProposalResolution},
		{"split_explosion", stageSplitExplosion},
		{"hierarchy_resolution", stageHierarchyResolution},
		{"participant_expansion", stageParticipantExpansion},
		{"rate_resolution", stageRateResolution},
		{"commission", stageCommission},
		{"assignment_redirection", stageAssignmentRedirection},
	}

	var rows []CalculationRow
	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows = s.fn(in, rows)
		out.StageCounts = append(out.StageCounts, StageCount{Stage: s.name, Rows: len(rows)})
	}

	emitTerminal(in, rows, out)
	return out, nil
}

// =============================================================================
// STAGES
// =============================================================================

// Stage 1: join each premium to its policy/group context.
func stagePremiumContext(in CalcInput, _ []CalculationRow) []CalculationRow {
	premiums := append([]PremiumTransaction(nil), in.Premiums...)
	sort.Slice(premiums, func(i, j int) bool { return premiums[i].ID < premiums[j].ID })

	rows := make([]CalculationRow, 0, len(premiums))
	for _, p := range premiums {
		row := CalculationRow{
			PremiumTransactionID: p.ID,
			CertificateID:        p.CertificateID,
			TransactionDate:      p.Date,
			PremiumAmount:        p.Amount,
		}
		info, ok := in.Policies.PolicyInfo(p.CertificateID)
		if !ok {
			row.Failure = FailNoPolicy
			rows = append(rows, row)
			continue
		}
		row.GroupID = info.GroupID
		row.ProductCode = info.ProductCode
		row.SitusState = info.SitusState
		row.GroupSize = info.GroupSize
		row.CertificateEffectiveDate = info.EffectiveDate
		row.IsFirstYear = p.Date.Before(info.EffectiveDate.AddDate(1, 0, 0))
		row.BasisYear = basisYear(info.EffectiveDate, p.Date)
		rows = append(rows, row)
	}
	return rows
}

// basisYear is the policy-year index of the transaction, floored at 1.
func basisYear(effective, at time.Time) int {
	year := 1
	for !at.Before(effective.AddDate(year, 0, 0)) {
		year++
	}
	if year < 1 {
		return 1
	}
	return year
}

// Stage 2: match each premium to its proposal by group and date window.
func stageProposalResolution(in CalcInput, prev []CalculationRow) []CalculationRow {
	rows := make([]CalculationRow, 0, len(prev))
	for _, row := range prev {
		if row.failed() {
			rows = append(rows, row)
			continue
		}
		p := in.Resolution.ProposalFor(row.GroupID, row.TransactionDate)
		if p == nil {
			row.Failure = FailNoProposal
			rows = append(rows, row)
			continue
		}
		row.ProposalID = p.ID
		rows = append(rows, row)
	}
	return rows
}

// Stage 3: explode each premium into one row per split participant of the
// proposal's active split version.
func stageSplitExplosion(in CalcInput, prev []CalculationRow) []CalculationRow {
	var rows []CalculationRow
	for _, row := range prev {
		if row.failed() {
			rows = append(rows, row)
			continue
		}
		p := in.Resolution.ByID(row.ProposalID)
		v := p.ActiveSplitVersion(row.TransactionDate)
		if v == nil {
			row.Failure = FailNoSplitVersion
			rows = append(rows, row)
			continue
		}
		for _, sp := range v.Participants {
			split := row
			split.SplitSequence = sp.SplitSequence
			split.SplitBrokerID = sp.WritingBrokerID
			split.SplitPercent = sp.SplitPercent
			split.SplitPremiumAmount = PercentOf(row.PremiumAmount, sp.SplitPercent)
			split.HierarchyID = sp.HierarchyID
			rows = append(rows, split)
		}
	}
	return rows
}

// Stage 4: resolve each split row's hierarchy to its active version.
func stageHierarchyResolution(in CalcInput, prev []CalculationRow) []CalculationRow {
	rows := make([]CalculationRow, 0, len(prev))
	for _, row := range prev {
		if row.failed() {
			rows = append(rows, row)
			continue
		}
		h := in.Hierarchies.ByID(row.HierarchyID)
		if h == nil || h.ActiveVersion(row.TransactionDate) == nil {
			row.Failure = FailNoActiveVersion
			rows = append(rows, row)
			continue
		}
		row.VersionResolved = true
		rows = append(rows, row)
	}
	return rows
}

// Stage 5: explode each resolved split row by hierarchy participant.
func stageParticipantExpansion(in CalcInput, prev []CalculationRow) []CalculationRow {
	var rows []CalculationRow
	for _, row := range prev {
		if row.failed() {
			rows = append(rows, row)
			continue
		}
		h := in.Hierarchies.ByID(row.HierarchyID)
		v := h.ActiveVersion(row.TransactionDate)
		for _, participant := range v.Participants {
			expanded := row
			expanded.BrokerID = participant.BrokerID
			expanded.Level = participant.Level
			expanded.ScheduleCode = participant.ScheduleCode
			expanded.ParticipantRate = participant.RatePercent
			rows = append(rows, expanded)
		}
	}
	return rows
}

// Stage 6: resolve the commission rate by priority - certificate override,
// then participant rate, then schedule lookup, else zero.
func stageRateResolution(in CalcInput, prev []CalculationRow) []CalculationRow {
	rows := make([]CalculationRow, 0, len(prev))
	for _, row := range prev {
		if row.failed() {
			rows = append(rows, row)
			continue
		}
		switch {
		case rateFromCertificate(in, &row):
		case rateFromParticipant(&row):
		case rateFromSchedule(in, &row):
		default:
			row.RatePercent = decimal.Zero
			row.RateSource = RateSourceNone
		}
		rows = append(rows, row)
	}
	return rows
}

func rateFromCertificate(in CalcInput, row *CalculationRow) bool {
	rate, ok := in.CertificateRates.Lookup(row.CertificateID, row.BrokerID)
	if !ok {
		return false
	}
	row.RatePercent = rate
	row.RateSource = RateSourceCertificate
	return true
}

func rateFromParticipant(row *CalculationRow) bool {
	if !row.ParticipantRate.IsPositive() {
		return false
	}
	row.RatePercent = row.ParticipantRate
	row.RateSource = RateSourceParticipant
	return true
}

func rateFromSchedule(in CalcInput, row *CalculationRow) bool {
	rate, ok := in.Schedules.Rate(row.ScheduleCode, row.ProductCode, row.SitusState, row.GroupSize, row.IsFirstYear)
	if !ok {
		return false
	}
	row.RatePercent = rate
	row.RateSource = RateSourceSchedule
	return true
}

// Stage 7: commission amount.
func stageCommission(_ CalcInput, prev []CalculationRow) []CalculationRow {
	rows := make([]CalculationRow, 0, len(prev))
	for _, row := range prev {
		if !row.failed() {
			row.CommissionAmount = PercentOf(row.SplitPremiumAmount, row.RatePercent)
		}
		rows = append(rows, row)
	}
	return rows
}

// Stage 8: assignment redirection. AssignedAmount is rounded once;
// RetainedAmount is the exact remainder, so the pair reconciles to the
// commission to the cent.
func stageAssignmentRedirection(in CalcInput, prev []CalculationRow) []CalculationRow {
	rows := make([]CalculationRow, 0, len(prev))
	for _, row := range prev {
		if row.failed() {
			rows = append(rows, row)
			continue
		}
		a, ok := in.Assignments.Active(row.BrokerID, row.ProposalID, row.TransactionDate)
		if !ok {
			row.RetainedAmount = row.CommissionAmount
			row.AssignedAmount = decimal.Zero
			rows = append(rows, row)
			continue
		}
		row.AssignedAmount = PercentOf(row.CommissionAmount, a.TotalAssignedPercent)
		row.RetainedAmount = row.CommissionAmount.Sub(row.AssignedAmount)
		row.Recipients = distribute(row.AssignedAmount, a)
		rows = append(rows, row)
	}
	return rows
}

// distribute slices an assigned amount across recipients proportionally.
// The final recipient absorbs the rounding remainder so the shares sum to
// the assigned amount exactly.
func distribute(assigned decimal.Decimal, a *Assignment) []RecipientShare {
	if len(a.Recipients) == 0 || assigned.IsZero() {
		return nil
	}
	shares := make([]RecipientShare, len(a.Recipients))
	remaining := assigned
	for i, r := range a.Recipients {
		if i == len(a.Recipients)-1 {
			shares[i] = RecipientShare{BrokerID: r.BrokerID, Amount: remaining}
			break
		}
		amt := RoundMoney(assigned.Mul(r.Percent).Div(a.TotalAssignedPercent))
		shares[i] = RecipientShare{BrokerID: r.BrokerID, Amount: amt}
		remaining = remaining.Sub(amt)
	}
	return shares
}

// =============================================================================
// TERMINAL OUTPUTS
// =============================================================================

func emitTerminal(in CalcInput, rows []CalculationRow, out *CalcOutput) {
	byPremium := make(map[PremiumID][]CalculationRow)
	var order []PremiumID
	for _, row := range rows {
		if _, ok := byPremium[row.PremiumTransactionID]; !ok {
			order = append(order, row.PremiumTransactionID)
		}
		byPremium[row.PremiumTransactionID] = append(byPremium[row.PremiumTransactionID], row)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	for _, id := range order {
		premiumRows := byPremium[id]
		report := TraceabilityReport{
			PremiumTransactionID: id,
			CertificateID:        premiumRows[0].CertificateID,
			GroupID:              premiumRows[0].GroupID,
			TotalCommission:      decimal.Zero,
		}

		for _, row := range premiumRows {
			if row.failed() {
				report.HasErrors = true
				report.ErrorMessage = string(row.Failure)
				continue
			}
			emitted := emitRow(row, out)
			report.EntryCount += emitted.count
			report.TotalCommission = report.TotalCommission.Add(emitted.total)
		}
		out.Reports = append(out.Reports, report)
	}
}

type emission struct {
	count int
	total decimal.Decimal
}

func emitRow(row CalculationRow, out *CalcOutput) emission {
	e := emission{total: decimal.Zero}

	if !row.RetainedAmount.IsZero() {
		entry := journalEntry(row, row.BrokerID, row.RetainedAmount, EntryOriginal, "")
		out.Journal = append(out.Journal, entry)
		out.BrokerRows = append(out.BrokerRows, brokerRow(row, entry))
		e.count++
		e.total = e.total.Add(row.RetainedAmount)
	}
	for _, share := range row.Recipients {
		if share.Amount.IsZero() {
			continue
		}
		entry := journalEntry(row, share.BrokerID, share.Amount, EntryAssigned, row.BrokerID)
		out.Journal = append(out.Journal, entry)
		out.BrokerRows = append(out.BrokerRows, brokerRow(row, entry))
		e.count++
		e.total = e.total.Add(share.Amount)
	}
	return e
}

func journalEntry(row CalculationRow, broker BrokerID, amount decimal.Decimal, entryType EntryType, source BrokerID) GLJournalEntry {
	return GLJournalEntry{
		PremiumTransactionID: row.PremiumTransactionID,
		CertificateID:        row.CertificateID,
		GroupID:              row.GroupID,
		BrokerID:             broker,
		CommissionAmount:     amount,
		EntryType:            entryType,
		SourceBrokerID:       source,
		ProposalID:           row.ProposalID,
		HierarchyID:          row.HierarchyID,
		Level:                row.Level,
		ScheduleCode:         row.ScheduleCode,
		RateSource:           row.RateSource,
		RatePercent:          row.RatePercent,
		SplitPercent:         row.SplitPercent,
	}
}

func brokerRow(row CalculationRow, entry GLJournalEntry) BrokerTraceability {
	return BrokerTraceability{
		PremiumTransactionID: row.PremiumTransactionID,
		BrokerID:             entry.BrokerID,
		Level:                row.Level,
		EntryType:            entry.EntryType,
		RateSource:           row.RateSource,
		RatePercent:          row.RatePercent,
		SplitPremiumAmount:   row.SplitPremiumAmount,
		CommissionAmount:     entry.CommissionAmount,
	}
}
