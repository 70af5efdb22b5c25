/*
hierarchy.go - Broker hierarchy discovery and deduplication

PURPOSE:
  The source data never stored hierarchies explicitly. Every certificate
  split carries a chain of brokers (writing broker at sequence 1, uplines
  above); this file discovers one Hierarchy per (Group, WritingBroker
  [, FirstUpline]) and deduplicates structurally identical chains so that
  thousands of certificates sharing one chain produce one Hierarchy row.

TRANSFEREE EXCLUSION (correctness-critical):
  A broker B is excluded from a chain's participant list only if, for that
  certificate/split:
    1. B appears as PaidBrokerID with ReassignedType transferred/assigned,
    2. that row is not a self-payment (PaidBrokerID != SplitBrokerID), and
    3. B does NOT also appear as a SplitBrokerID (earner) on the same
       certificate/split.
  A broker that is both a transferee and an earner on the same
  certificate/split MUST remain a participant. The true-transferee set is
  computed first; participant lists exclude only that set.

DETERMINISM:
  Chains are visited in sorted (Group, Certificate, SplitSequence) order and
  IDs assigned on first sight of a new (Group, signature), so reruns on
  identical input yield identical HierarchyIDs.

SEE ALSO:
  - types.go:    Hierarchy, HierarchyVersion, HierarchyParticipant
  - proposal.go: consumes ChainOf() to wire split participants to chains
*/
package commission

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STRUCTURAL SIGNATURE
// =============================================================================

// StructuralSignature is the canonical, order-stable serialization of a
// chain's participant tuples. Two hierarchies with identical signatures are
// the same hierarchy.
type StructuralSignature string

// Signature serializes participants as level|broker|schedule|percent tuples
// in level order.
func Signature(participants []HierarchyParticipant) StructuralSignature {
	parts := make([]string, len(participants))
	for i, p := range participants {
		parts[i] = fmt.Sprintf("%d|%s|%s|%s", p.Level, p.BrokerID, p.ScheduleCode, p.SplitPercent.StringFixed(4))
	}
	return StructuralSignature(strings.Join(parts, ";"))
}

// =============================================================================
// BUILD INPUT / SET
// =============================================================================

// ParticipantRateKey addresses a participant-level commission rate override.
type ParticipantRateKey struct {
	GroupID  GroupID
	BrokerID BrokerID
}

// BuildInput carries everything hierarchy discovery needs.
type BuildInput struct {
	Rows []CertificateSplitRow

	// ParticipantRates are rate overrides attached directly to hierarchy
	// participants, keyed by (Group, Broker). Optional.
	ParticipantRates map[ParticipantRateKey]decimal.Decimal
}

type chainKey struct {
	Certificate CertificateID
	Split       int
}

type sigKey struct {
	Group     GroupID
	Signature StructuralSignature
}

// HierarchySet is the deduplicated output of discovery plus the lookup
// tables downstream stages need. Built once per run, then read-only.
type HierarchySet struct {
	Hierarchies []Hierarchy // ordered by ID

	byID   map[HierarchyID]*Hierarchy
	bySig  map[sigKey]HierarchyID
	chains map[chainKey]HierarchyID
}

// ByID returns the hierarchy with the given ID, or nil.
func (s *HierarchySet) ByID(id HierarchyID) *Hierarchy {
	return s.byID[id]
}

// ChainOf returns the hierarchy a certificate/split chain resolved to.
func (s *HierarchySet) ChainOf(cert CertificateID, split int) (HierarchyID, bool) {
	id, ok := s.chains[chainKey{Certificate: cert, Split: split}]
	return id, ok
}

// Len returns the number of deduplicated hierarchies.
func (s *HierarchySet) Len() int { return len(s.Hierarchies) }

// =============================================================================
// DISCOVERY
// =============================================================================

// BuildHierarchies discovers and deduplicates hierarchies from normalized
// split rows. The output is deterministic for identical input.
func BuildHierarchies(in BuildInput) (*HierarchySet, error) {
	// Pass 1: earners and candidate transferees per certificate/split.
	earners := make(map[chainKey]map[BrokerID]bool)
	candidates := make(map[chainKey]map[BrokerID]bool)
	byChain := make(map[chainKey][]CertificateSplitRow)

	for _, r := range in.Rows {
		k := chainKey{Certificate: r.CertificateID, Split: r.SplitSequence}
		if earners[k] == nil {
			earners[k] = make(map[BrokerID]bool)
		}
		earners[k][r.SplitBrokerID] = true

		reassigned := r.Reassigned == ReassignedTransferred || r.Reassigned == ReassignedAssigned
		if reassigned && r.PaidBrokerID != r.SplitBrokerID {
			if candidates[k] == nil {
				candidates[k] = make(map[BrokerID]bool)
			}
			candidates[k][r.PaidBrokerID] = true
		}

		byChain[k] = append(byChain[k], r)
	}

	// True transferees: candidates minus same-chain earners. Dual-role
	// brokers are never dropped.
	excluded := make(map[chainKey]map[BrokerID]bool, len(candidates))
	for k, brokers := range candidates {
		for b := range brokers {
			if earners[k][b] {
				continue
			}
			if excluded[k] == nil {
				excluded[k] = make(map[BrokerID]bool)
			}
			excluded[k][b] = true
		}
	}

	// Deterministic visit order: (Group, Certificate, SplitSequence).
	keys := make([]chainKey, 0, len(byChain))
	for k := range byChain {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := byChain[keys[i]][0], byChain[keys[j]][0]
		if a.GroupID != b.GroupID {
			return a.GroupID < b.GroupID
		}
		if keys[i].Certificate != keys[j].Certificate {
			return keys[i].Certificate < keys[j].Certificate
		}
		return keys[i].Split < keys[j].Split
	})

	set := &HierarchySet{
		bySig:  make(map[sigKey]HierarchyID),
		chains: make(map[chainKey]HierarchyID),
	}

	// Positional index while the slice is still growing; pointers into a
	// growing slice would go stale on reallocation.
	index := make(map[HierarchyID]int)

	nextID := HierarchyID(1)
	for _, k := range keys {
		rows := byChain[k]
		sort.Slice(rows, func(i, j int) bool {
			if rows[i].BrokerSequence != rows[j].BrokerSequence {
				return rows[i].BrokerSequence < rows[j].BrokerSequence
			}
			return rows[i].SplitBrokerID < rows[j].SplitBrokerID
		})

		group := rows[0].GroupID
		writing := rows[0].WritingBrokerID
		effective := rows[0].EffectiveDate

		// Participant list with true transferees removed and levels
		// renumbered dense from 1.
		var participants []HierarchyParticipant
		for _, r := range rows {
			if excluded[k][r.SplitBrokerID] {
				continue
			}
			p := HierarchyParticipant{
				Level:        len(participants) + 1,
				BrokerID:     r.SplitBrokerID,
				SplitPercent: r.SplitPercent,
				ScheduleCode: r.ScheduleCode,
			}
			if rate, ok := in.ParticipantRates[ParticipantRateKey{GroupID: group, BrokerID: r.SplitBrokerID}]; ok {
				p.RatePercent = rate
			}
			participants = append(participants, p)
			if r.EffectiveDate.Before(effective) {
				effective = r.EffectiveDate
			}
		}
		if len(participants) == 0 {
			continue
		}

		sig := Signature(participants)
		sk := sigKey{Group: group, Signature: sig}

		if id, ok := set.bySig[sk]; ok {
			// Structural duplicate: reuse, widening the version window.
			set.chains[k] = id
			h := &set.Hierarchies[index[id]]
			if effective.Before(h.Versions[0].EffectiveFrom) {
				h.Versions[0].EffectiveFrom = effective
			}
			continue
		}

		var firstUpline BrokerID
		if len(participants) > 1 {
			firstUpline = participants[1].BrokerID
		}

		h := Hierarchy{
			ID:              nextID,
			GroupID:         group,
			WritingBrokerID: writing,
			FirstUpline:     firstUpline,
			Signature:       sig,
			Versions: []HierarchyVersion{{
				EffectiveFrom: effective,
				Participants:  participants,
			}},
		}
		set.Hierarchies = append(set.Hierarchies, h)
		index[nextID] = len(set.Hierarchies) - 1
		set.bySig[sk] = nextID
		set.chains[k] = nextID
		nextID++
	}

	set.byID = make(map[HierarchyID]*Hierarchy, len(set.Hierarchies))
	for i := range set.Hierarchies {
		set.byID[set.Hierarchies[i].ID] = &set.Hierarchies[i]
	}

	return set, nil
}
