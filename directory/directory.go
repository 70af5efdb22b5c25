/*
Package directory provides in-memory implementations of the upstream
collaborator directories the calculation engine consumes.

PURPOSE:
  The engine treats the policy/group directory, the schedule rate tables,
  and the commission-assignment directory as external collaborators,
  specified only at their interfaces (commission.PolicyDirectory,
  commission.ScheduleDirectory, commission.AssignmentDirectory). This
  package implements those interfaces over plain maps and slices - enough
  for batch runs fed from fixtures, and for every test.

SEE ALSO:
  - commission/calc.go: the interfaces implemented here
  - factory:            builds populated directories from declarative specs
*/
package directory

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// POLICY DIRECTORY
// =============================================================================

// Policies maps certificates to their policy/group context.
type Policies struct {
	mu   sync.RWMutex
	byID map[commission.CertificateID]commission.PolicyInfo
}

func NewPolicies() *Policies {
	return &Policies{byID: make(map[commission.CertificateID]commission.PolicyInfo)}
}

// Add registers or replaces a certificate's policy record.
func (p *Policies) Add(id commission.CertificateID, info commission.PolicyInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID[id] = info
}

func (p *Policies) PolicyInfo(id commission.CertificateID) (commission.PolicyInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	info, ok := p.byID[id]
	return info, ok
}

// Len returns the number of registered certificates.
func (p *Policies) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byID)
}

// =============================================================================
// SCHEDULE DIRECTORY
// =============================================================================

// RateBand is one row of a schedule's rate table: a group-size band with
// distinct first-year and renewal rates.
type RateBand struct {
	Schedule      commission.ScheduleCode
	Product       commission.ProductCode
	State         string // empty matches any state
	GroupSizeFrom int
	GroupSizeTo   int // inclusive; 0 means open-ended
	FirstYearRate decimal.Decimal
	RenewalRate   decimal.Decimal
}

// covers reports whether the band matches the lookup coordinates.
func (b RateBand) covers(code commission.ScheduleCode, product commission.ProductCode, state string, size int) bool {
	if b.Schedule != code || b.Product != product {
		return false
	}
	if b.State != "" && b.State != state {
		return false
	}
	if size < b.GroupSizeFrom {
		return false
	}
	return b.GroupSizeTo == 0 || size <= b.GroupSizeTo
}

// Schedules is a scan-based schedule directory. Rate tables are small
// (hundreds of bands); a linear scan beats maintaining a band index.
type Schedules struct {
	mu    sync.RWMutex
	bands []RateBand
}

func NewSchedules() *Schedules {
	return &Schedules{}
}

// Add appends a rate band.
func (s *Schedules) Add(b RateBand) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bands = append(s.bands, b)
}

// Len returns the number of rate bands.
func (s *Schedules) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bands)
}

func (s *Schedules) Rate(code commission.ScheduleCode, product commission.ProductCode, state string, groupSize int, firstYear bool) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.bands {
		if !b.covers(code, product, state, groupSize) {
			continue
		}
		if firstYear {
			return b.FirstYearRate, true
		}
		return b.RenewalRate, true
	}
	return decimal.Zero, false
}

// =============================================================================
// ASSIGNMENT DIRECTORY
// =============================================================================

// AssignmentRecord is one commission redirection with its effective window.
// ProposalID 0 marks the broker's default assignment; a proposal-specific
// record takes precedence when both are active.
type AssignmentRecord struct {
	BrokerID      commission.BrokerID
	ProposalID    commission.ProposalID
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
	Assignment    commission.Assignment
}

func (r AssignmentRecord) active(at time.Time) bool {
	if at.Before(r.EffectiveFrom) {
		return false
	}
	return r.EffectiveTo == nil || !at.After(*r.EffectiveTo)
}

// Assignments resolves active redirections by broker and effective date.
type Assignments struct {
	mu      sync.RWMutex
	records []AssignmentRecord
}

func NewAssignments() *Assignments {
	return &Assignments{}
}

// Add appends an assignment record.
func (a *Assignments) Add(r AssignmentRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, r)
}

func (a *Assignments) Active(broker commission.BrokerID, proposal commission.ProposalID, at time.Time) (*commission.Assignment, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var fallback *commission.Assignment
	for i := range a.records {
		r := a.records[i]
		if r.BrokerID != broker || !r.active(at) {
			continue
		}
		if r.ProposalID == proposal && proposal != 0 {
			asn := r.Assignment
			return &asn, true
		}
		if r.ProposalID == 0 && fallback == nil {
			asn := r.Assignment
			fallback = &asn
		}
	}
	if fallback != nil {
		return fallback, true
	}
	return nil, false
}
