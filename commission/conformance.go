/*
conformance.go - Group conformance classification

PURPOSE:
  Measures, per group, how cleanly certificates resolve through the
  published key mapping. A certificate mapping to exactly one proposal is
  conformant; zero matches ("No Match") or several ("Multiple Matches")
  make it non-conformant. Group classification is the single gate deciding
  whether a group's proposals, hierarchies, and policies may reach the
  export boundary - non-conformant groups are withheld, never deleted.

THRESHOLDS:
  100%  -> Conformant
  >=95% -> NearlyConformant (threshold configurable)
  else  -> NonConformant

DEDUP-BEFORE-CLASSIFY:
  Certificates are deduplicated by ID before counting, so a duplicated
  source row can never change a classification.

SEE ALSO:
  - proposal.go: builds the KeyMapping consumed here
  - pipeline:    enforces the export gate using these stats
*/
package commission

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CERTIFICATE REFS - Deduplicated classification inputs
// =============================================================================

// ProductPlan is one observed (product, plan) pair on a certificate.
type ProductPlan struct {
	Product ProductCode
	Plan    PlanCode
}

// CertificateRef is the minimal view of a certificate the classifier needs.
type CertificateRef struct {
	ID      CertificateID
	GroupID GroupID
	Year    int // effective year
	Keys    []ProductPlan
}

// CertificateRefs collapses split rows into one ref per certificate.
// Duplicated source rows collapse here, which is what keeps classification
// monotonic under row duplication.
func CertificateRefs(rows []CertificateSplitRow) []CertificateRef {
	type agg struct {
		ref  CertificateRef
		seen map[ProductPlan]bool
	}
	byID := make(map[CertificateID]*agg)
	for _, r := range rows {
		a := byID[r.CertificateID]
		if a == nil {
			a = &agg{
				ref:  CertificateRef{ID: r.CertificateID, GroupID: r.GroupID, Year: r.EffectiveDate.Year()},
				seen: make(map[ProductPlan]bool),
			}
			byID[r.CertificateID] = a
		}
		if r.EffectiveDate.Year() < a.ref.Year {
			a.ref.Year = r.EffectiveDate.Year()
		}
		pp := ProductPlan{Product: r.ProductCode, Plan: r.PlanCode.Normalize()}
		if !a.seen[pp] {
			a.seen[pp] = true
			a.ref.Keys = append(a.ref.Keys, pp)
		}
	}

	refs := make([]CertificateRef, 0, len(byID))
	for _, a := range byID {
		sort.Slice(a.ref.Keys, func(i, j int) bool {
			if a.ref.Keys[i].Product != a.ref.Keys[j].Product {
				return a.ref.Keys[i].Product < a.ref.Keys[j].Product
			}
			return a.ref.Keys[i].Plan < a.ref.Keys[j].Plan
		})
		refs = append(refs, a.ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// CertificateClassification records how one certificate resolved.
type CertificateClassification struct {
	CertificateID CertificateID
	GroupID       GroupID
	Matches       int
	Conformant    bool
	Reason        NonConformantReason // empty when conformant
}

// Classify resolves every certificate against the key mapping and aggregates
// per-group conformance stats. nearlyThreshold is the NearlyConformant
// percentage floor (95 in the source system).
func Classify(refs []CertificateRef, km KeyMapping, nearlyThreshold decimal.Decimal) ([]CertificateClassification, []GroupConformanceStats) {
	classifications := make([]CertificateClassification, 0, len(refs))
	type tally struct{ total, conformant int }
	byGroup := make(map[GroupID]*tally)
	var groups []GroupID

	for _, ref := range refs {
		matched := make(map[ProposalID]bool)
		for _, key := range ref.Keys {
			for _, id := range km.Lookup(ref.GroupID, ref.Year, key.Product, key.Plan) {
				matched[id] = true
			}
		}

		cl := CertificateClassification{
			CertificateID: ref.ID,
			GroupID:       ref.GroupID,
			Matches:       len(matched),
			Conformant:    len(matched) == 1,
		}
		switch {
		case len(matched) == 0:
			cl.Reason = ReasonNoMatch
		case len(matched) > 1:
			cl.Reason = ReasonMultipleMatches
		}
		classifications = append(classifications, cl)

		t := byGroup[ref.GroupID]
		if t == nil {
			t = &tally{}
			byGroup[ref.GroupID] = t
			groups = append(groups, ref.GroupID)
		}
		t.total++
		if cl.Conformant {
			t.conformant++
		}
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })

	stats := make([]GroupConformanceStats, 0, len(groups))
	for _, g := range groups {
		t := byGroup[g]
		pct := decimal.NewFromInt(int64(t.conformant)).
			Mul(hundred).
			Div(decimal.NewFromInt(int64(t.total))).
			Round(2)

		s := GroupConformanceStats{
			GroupID:                   g,
			TotalCertificates:         t.total,
			ConformantCertificates:    t.conformant,
			NonConformantCertificates: t.total - t.conformant,
			ConformancePercentage:     pct,
		}
		switch {
		case t.conformant == t.total:
			s.Classification = ClassConformant
		case pct.GreaterThanOrEqual(nearlyThreshold):
			s.Classification = ClassNearlyConformant
		default:
			s.Classification = ClassNonConformant
		}
		stats = append(stats, s)
	}

	return classifications, stats
}
