/*
schedule.go - Declarative schedule and assignment directory construction

PURPOSE:
  Builds populated ScheduleDirectory and AssignmentDirectory instances from
  JSON specs, validating them the way the rate-table owners expect:
  group-size bands must not overlap within one (schedule, product, state),
  and assignment percents must not exceed 100.

JSON SCHEMA (schedules):
  [
    {
      "schedule": "SCH-STD", "product": "DENTAL", "state": "TX",
      "bands": [
        {"size_from": 1, "size_to": 99, "first_year": 10, "renewal": 3},
        {"size_from": 100, "size_to": 0, "first_year": 8, "renewal": 2}
      ]
    }
  ]

JSON SCHEMA (assignments):
  [
    {
      "broker": "B001", "proposal": 0,
      "from": "2023-01-01",
      "total_percent": 40,
      "recipients": [{"broker": "B900", "percent": 40}]
    }
  ]

SEE ALSO:
  - book.go:   book-of-business construction
  - directory: the directory types populated here
*/
package factory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/directory"
)

// =============================================================================
// SCHEDULES
// =============================================================================

// ScheduleJSON describes one schedule's rate table for a product/state.
type ScheduleJSON struct {
	Schedule string     `json:"schedule"`
	Product  string     `json:"product"`
	State    string     `json:"state,omitempty"`
	Bands    []BandJSON `json:"bands"`
}

// BandJSON is one group-size band. SizeTo 0 means open-ended.
type BandJSON struct {
	SizeFrom  int     `json:"size_from"`
	SizeTo    int     `json:"size_to"`
	FirstYear float64 `json:"first_year"`
	Renewal   float64 `json:"renewal"`
}

// ParseSchedules builds a schedule directory from JSON.
func ParseSchedules(data []byte) (*directory.Schedules, error) {
	var specs []ScheduleJSON
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parse schedules: %w", err)
	}
	return BuildSchedules(specs)
}

// BuildSchedules validates and materializes schedule specs.
func BuildSchedules(specs []ScheduleJSON) (*directory.Schedules, error) {
	dir := directory.NewSchedules()
	for _, s := range specs {
		if s.Schedule == "" {
			return nil, fmt.Errorf("schedule spec missing schedule code")
		}
		if err := checkBandOverlap(s); err != nil {
			return nil, err
		}
		for _, b := range s.Bands {
			dir.Add(directory.RateBand{
				Schedule:      commission.ScheduleCode(s.Schedule),
				Product:       commission.ProductCode(s.Product),
				State:         s.State,
				GroupSizeFrom: b.SizeFrom,
				GroupSizeTo:   b.SizeTo,
				FirstYearRate: decimal.NewFromFloat(b.FirstYear),
				RenewalRate:   decimal.NewFromFloat(b.Renewal),
			})
		}
	}
	return dir, nil
}

func checkBandOverlap(s ScheduleJSON) error {
	for i, a := range s.Bands {
		for _, b := range s.Bands[i+1:] {
			aOpen := a.SizeTo == 0
			bOpen := b.SizeTo == 0
			overlaps := false
			switch {
			case aOpen && bOpen:
				overlaps = true
			case aOpen:
				overlaps = b.SizeTo >= a.SizeFrom
			case bOpen:
				overlaps = a.SizeTo >= b.SizeFrom
			default:
				overlaps = a.SizeFrom <= b.SizeTo && b.SizeFrom <= a.SizeTo
			}
			if overlaps {
				return fmt.Errorf("schedule %s/%s/%s: overlapping bands [%d,%d] and [%d,%d]",
					s.Schedule, s.Product, s.State, a.SizeFrom, a.SizeTo, b.SizeFrom, b.SizeTo)
			}
		}
	}
	return nil
}

// =============================================================================
// ASSIGNMENTS
// =============================================================================

// AssignmentJSON describes one commission redirection.
type AssignmentJSON struct {
	Broker       string          `json:"broker"`
	Proposal     int             `json:"proposal,omitempty"` // 0 = broker default
	From         string          `json:"from"`
	To           string          `json:"to,omitempty"`
	TotalPercent float64         `json:"total_percent"`
	Recipients   []RecipientJSON `json:"recipients"`
}

// RecipientJSON is one receiver of a redirected share.
type RecipientJSON struct {
	Broker  string  `json:"broker"`
	Percent float64 `json:"percent"`
}

// ParseAssignments builds an assignment directory from JSON.
func ParseAssignments(data []byte) (*directory.Assignments, error) {
	var specs []AssignmentJSON
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parse assignments: %w", err)
	}
	return BuildAssignments(specs)
}

// BuildAssignments validates and materializes assignment specs.
func BuildAssignments(specs []AssignmentJSON) (*directory.Assignments, error) {
	dir := directory.NewAssignments()
	for _, s := range specs {
		if s.Broker == "" {
			return nil, fmt.Errorf("assignment spec missing broker")
		}
		if s.TotalPercent <= 0 || s.TotalPercent > 100 {
			return nil, fmt.Errorf("assignment for %s: total_percent %v out of (0,100]", s.Broker, s.TotalPercent)
		}
		recipientTotal := 0.0
		asn := commission.Assignment{TotalAssignedPercent: decimal.NewFromFloat(s.TotalPercent)}
		for _, r := range s.Recipients {
			recipientTotal += r.Percent
			asn.Recipients = append(asn.Recipients, commission.AssignmentRecipient{
				BrokerID: commission.BrokerID(r.Broker),
				Percent:  decimal.NewFromFloat(r.Percent),
			})
		}
		if len(asn.Recipients) == 0 {
			return nil, fmt.Errorf("assignment for %s: no recipients", s.Broker)
		}
		if recipientTotal > s.TotalPercent+1e-9 {
			return nil, fmt.Errorf("assignment for %s: recipient percents %v exceed total %v", s.Broker, recipientTotal, s.TotalPercent)
		}

		from, err := time.Parse(dateLayout, s.From)
		if err != nil {
			return nil, fmt.Errorf("assignment for %s: bad from date %q", s.Broker, s.From)
		}
		rec := directory.AssignmentRecord{
			BrokerID:      commission.BrokerID(s.Broker),
			ProposalID:    commission.ProposalID(s.Proposal),
			EffectiveFrom: from,
			Assignment:    asn,
		}
		if s.To != "" {
			to, err := time.Parse(dateLayout, s.To)
			if err != nil {
				return nil, fmt.Errorf("assignment for %s: bad to date %q", s.Broker, s.To)
			}
			rec.EffectiveTo = &to
		}
		dir.Add(rec)
	}
	return dir, nil
}
