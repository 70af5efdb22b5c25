/*
Package factory builds populated directories and certificate books from
declarative JSON specs.

PURPOSE:
  Converts JSON book definitions into normalized split rows, premium
  transactions, and populated schedule/assignment/policy directories. This
  enables demo and regression data to be configured without code changes -
  an analyst can describe a book of business in JSON, and the factory
  produces everything a pipeline run consumes.

JSON SCHEMA (book):
  {
    "certificates": [
      {
        "id": "C100",
        "group": "G0100",
        "product": "DENTAL",
        "plan": "PLAN-A",
        "effective": "2023-01-15",
        "splits": [
          {
            "sequence": 1,
            "percent": 70,
            "chain": [
              {"broker": "B001", "schedule": "SCH-STD"},
              {"broker": "B010", "schedule": "SCH-OVR"}
            ]
          }
        ]
      }
    ],
    "premiums": [
      {"id": "P100", "certificate": "C100", "date": "2023-03-01", "amount": "1000.00"}
    ]
  }

VALIDATION:
  Schedule specs reject overlapping group-size bands for the same
  (schedule, product, state). Assignment specs reject total percents over
  100. Book specs reject unknown date formats and duplicate premium IDs.

SEE ALSO:
  - directory: the directory types populated here
  - pipeline:  BookSource adapts a built book to pipeline.Source
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/directory"
)

const dateLayout = "2006-01-02"

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// BookJSON is the JSON representation of a book of business.
type BookJSON struct {
	Certificates []CertificateJSON `json:"certificates"`
	Premiums     []PremiumJSON     `json:"premiums"`
	Policies     []PolicyJSON      `json:"policies,omitempty"`
}

// CertificateJSON describes one certificate and its split structure.
type CertificateJSON struct {
	ID        string      `json:"id"`
	Group     string      `json:"group"`
	Product   string      `json:"product"`
	Plan      string      `json:"plan,omitempty"`
	Effective string      `json:"effective"`
	Splits    []SplitJSON `json:"splits"`
}

// SplitJSON is one split sequence: a percent and its broker chain.
type SplitJSON struct {
	Sequence int         `json:"sequence"`
	Percent  float64     `json:"percent"`
	Chain    []ChainJSON `json:"chain"`
}

// ChainJSON is one broker in a split's chain, sequence 1 first.
type ChainJSON struct {
	Broker     string   `json:"broker"`
	Schedule   string   `json:"schedule,omitempty"`
	PaidTo     string   `json:"paid_to,omitempty"`     // defaults to broker (self-payment)
	Reassigned string   `json:"reassigned,omitempty"`  // "", "transferred", "assigned"
	Rate       *float64 `json:"rate,omitempty"`        // certificate-level override
}

// PremiumJSON is one premium payment.
type PremiumJSON struct {
	ID          string `json:"id"`
	Certificate string `json:"certificate"`
	Date        string `json:"date"`
	Amount      string `json:"amount"`
}

// PolicyJSON overrides the policy/group context derived from a certificate.
type PolicyJSON struct {
	Certificate string `json:"certificate"`
	GroupName   string `json:"group_name,omitempty"`
	State       string `json:"state,omitempty"`
	GroupSize   int    `json:"group_size,omitempty"`
}

// =============================================================================
// BOOK - Built output
// =============================================================================

// Book is a fully materialized book of business.
type Book struct {
	Rows     []commission.CertificateSplitRow
	Premiums []commission.PremiumTransaction
	Policies *directory.Policies
}

// ParseBook builds a Book from its JSON definition.
func ParseBook(data []byte) (*Book, error) {
	var spec BookJSON
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse book: %w", err)
	}
	return BuildBook(spec)
}

// BuildBook materializes a book spec into rows, premiums, and a policy
// directory derived from the certificates (overridable per certificate).
func BuildBook(spec BookJSON) (*Book, error) {
	book := &Book{Policies: directory.NewPolicies()}

	overrides := make(map[string]PolicyJSON)
	for _, p := range spec.Policies {
		overrides[p.Certificate] = p
	}

	for _, c := range spec.Certificates {
		effective, err := time.Parse(dateLayout, c.Effective)
		if err != nil {
			return nil, fmt.Errorf("certificate %s: bad effective date %q", c.ID, c.Effective)
		}
		if len(c.Splits) == 0 {
			return nil, fmt.Errorf("certificate %s: no splits", c.ID)
		}

		writing := c.Splits[0].Chain
		if len(writing) == 0 {
			return nil, fmt.Errorf("certificate %s: split %d has an empty chain", c.ID, c.Splits[0].Sequence)
		}

		for _, s := range c.Splits {
			if len(s.Chain) == 0 {
				return nil, fmt.Errorf("certificate %s: split %d has an empty chain", c.ID, s.Sequence)
			}
			writingBroker := commission.BrokerID(s.Chain[0].Broker)
			for level, link := range s.Chain {
				row := commission.CertificateSplitRow{
					CertificateID:   commission.CertificateID(c.ID),
					SplitSequence:   s.Sequence,
					BrokerSequence:  level + 1,
					GroupID:         commission.GroupID(c.Group),
					ProductCode:     commission.ProductCode(c.Product),
					PlanCode:        commission.PlanCode(c.Plan),
					EffectiveDate:   effective,
					SplitPercent:    decimal.NewFromFloat(s.Percent),
					WritingBrokerID: writingBroker,
					SplitBrokerID:   commission.BrokerID(link.Broker),
					PaidBrokerID:    commission.BrokerID(link.Broker),
					ScheduleCode:    commission.ScheduleCode(link.Schedule),
					Reassigned:      commission.ReassignedNone,
				}
				if link.PaidTo != "" {
					row.PaidBrokerID = commission.BrokerID(link.PaidTo)
				}
				switch link.Reassigned {
				case "":
				case "transferred":
					row.Reassigned = commission.ReassignedTransferred
				case "assigned":
					row.Reassigned = commission.ReassignedAssigned
				default:
					return nil, fmt.Errorf("certificate %s: unknown reassigned type %q", c.ID, link.Reassigned)
				}
				if link.Rate != nil {
					rate := decimal.NewFromFloat(*link.Rate)
					row.CertificateRate = &rate
				}
				book.Rows = append(book.Rows, row)
			}
		}

		info := commission.PolicyInfo{
			GroupID:       commission.GroupID(c.Group),
			ProductCode:   commission.ProductCode(c.Product),
			EffectiveDate: effective,
			GroupSize:     50,
		}
		if o, ok := overrides[c.ID]; ok {
			if o.GroupName != "" {
				info.GroupName = o.GroupName
			}
			if o.State != "" {
				info.SitusState = o.State
			}
			if o.GroupSize > 0 {
				info.GroupSize = o.GroupSize
			}
		}
		book.Policies.Add(commission.CertificateID(c.ID), info)
	}

	seen := make(map[string]bool)
	for _, p := range spec.Premiums {
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate premium id %q", p.ID)
		}
		seen[p.ID] = true
		date, err := time.Parse(dateLayout, p.Date)
		if err != nil {
			return nil, fmt.Errorf("premium %s: bad date %q", p.ID, p.Date)
		}
		amount, err := decimal.NewFromString(p.Amount)
		if err != nil {
			return nil, fmt.Errorf("premium %s: bad amount %q", p.ID, p.Amount)
		}
		book.Premiums = append(book.Premiums, commission.PremiumTransaction{
			ID:            commission.PremiumID(p.ID),
			CertificateID: commission.CertificateID(p.Certificate),
			Date:          date,
			Amount:        amount,
		})
	}

	return book, nil
}

// =============================================================================
// BOOK SOURCE - pipeline.Source adapter
// =============================================================================

// BookSource serves a built book as a pipeline source.
type BookSource struct {
	Book *Book
}

func (s *BookSource) SplitRows(_ context.Context) ([]commission.CertificateSplitRow, error) {
	return append([]commission.CertificateSplitRow(nil), s.Book.Rows...), nil
}

func (s *BookSource) Premiums(_ context.Context) ([]commission.PremiumTransaction, error) {
	return append([]commission.PremiumTransaction(nil), s.Book.Premiums...), nil
}
