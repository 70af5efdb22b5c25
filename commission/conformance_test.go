/*
conformance_test.go - Specification tests for conformance classification

PURPOSE:
  Pins the classification rules: exactly one match is conformant, zero and
  several are not, group thresholds split Conformant / NearlyConformant /
  NonConformant, the export gate follows classification, and duplicated
  source rows never change an outcome.
*/
package commission_test

import (
	"fmt"
	"testing"

	"github.com/warp/commission-engine/commission"
)

var nearly95 = dec("95")

func classify(t *testing.T, rows []commission.CertificateSplitRow) ([]commission.CertificateClassification, []commission.GroupConformanceStats) {
	t.Helper()
	res := resolve(t, rows)
	return commission.Classify(commission.CertificateRefs(rows), res.KeyMapping, nearly95)
}

func TestClassify_CleanGroupIsFullyConformant(t *testing.T) {
	// GIVEN: a group whose certificates all resolve to exactly one proposal
	// WHEN: classified
	// THEN: every certificate is conformant, the group is Conformant at 100%,
	//       and the group is exportable

	rows := []commission.CertificateSplitRow{
		row("C100", "G0100", 1, 1, "B001", "70"),
		row("C100", "G0100", 2, 1, "B002", "30"),
		row("C200", "G0100", 1, 1, "B001", "70"),
		row("C200", "G0100", 2, 1, "B002", "30"),
	}
	classifications, stats := classify(t, rows)

	for _, cl := range classifications {
		if !cl.Conformant || cl.Matches != 1 {
			t.Errorf("certificate %s: conformant=%v matches=%d, want exactly one match", cl.CertificateID, cl.Conformant, cl.Matches)
		}
	}
	if len(stats) != 1 {
		t.Fatalf("expected stats for 1 group, got %d", len(stats))
	}
	s := stats[0]
	if s.Classification != commission.ClassConformant {
		t.Errorf("classification = %q, want Conformant", s.Classification)
	}
	if !s.ConformancePercentage.Equal(dec("100")) {
		t.Errorf("percentage = %s, want 100", s.ConformancePercentage)
	}
	if !s.Exportable() {
		t.Error("a Conformant group must be exportable")
	}
}

func TestClassify_UnmappedCertificateIsNoMatch(t *testing.T) {
	// GIVEN: a certificate absent from the key mapping (its group routed
	//        entirely to PHA, so no proposals exist)
	// WHEN: classified
	// THEN: the certificate is NonConformant with reason "No Match" and the
	//       group is withheld from export

	rows := []commission.CertificateSplitRow{
		row("C100", "G0100", 1, 1, "B001", "90"), // split sums to 90 -> PHA
	}
	classifications, stats := classify(t, rows)

	if len(classifications) != 1 {
		t.Fatalf("expected 1 classification, got %d", len(classifications))
	}
	cl := classifications[0]
	if cl.Conformant || cl.Reason != commission.ReasonNoMatch {
		t.Errorf("classification = %+v, want non-conformant No Match", cl)
	}
	if stats[0].Classification != commission.ClassNonConformant {
		t.Errorf("group classification = %q, want NonConformant", stats[0].Classification)
	}
	if stats[0].Exportable() {
		t.Error("a NonConformant group must be withheld from export")
	}
}

func TestClassify_AmbiguousKeyIsMultipleMatches(t *testing.T) {
	// GIVEN: a key mapping where one key resolves to two proposals
	// WHEN: classified
	// THEN: the certificate is NonConformant with reason "Multiple Matches"

	km := commission.KeyMapping{
		{GroupID: "G0100", Year: 2023, Product: "DENTAL", Plan: "PLAN-A"}: {1, 2},
	}
	refs := []commission.CertificateRef{{
		ID:      "C100",
		GroupID: "G0100",
		Year:    2023,
		Keys:    []commission.ProductPlan{{Product: "DENTAL", Plan: "PLAN-A"}},
	}}

	classifications, stats := commission.Classify(refs, km, nearly95)
	if classifications[0].Matches != 2 || classifications[0].Reason != commission.ReasonMultipleMatches {
		t.Errorf("classification = %+v, want 2 matches / Multiple Matches", classifications[0])
	}
	if stats[0].Classification != commission.ClassNonConformant {
		t.Errorf("group classification = %q, want NonConformant", stats[0].Classification)
	}
}

func TestClassify_NearlyConformantThreshold(t *testing.T) {
	// GIVEN: 20 certificates, 19 conformant (95%) and, separately, 18 (90%)
	// WHEN: classified with a 95 threshold
	// THEN: 95% is NearlyConformant and still exportable; 90% is NonConformant

	mixedBook := func(conformant int) []commission.CertificateSplitRow {
		var rows []commission.CertificateSplitRow
		for i := 0; i < 20; i++ {
			r := row(fmt.Sprintf("C%03d", i+1), "G0100", 1, 1, "B001", "100")
			if i >= conformant {
				// Split mismatch routes the certificate to PHA; the distinct
				// plan keeps its key out of the mapping entirely.
				r.SplitPercent = dec("90")
				r.PlanCode = "PLAN-X"
			}
			rows = append(rows, r)
		}
		return rows
	}

	_, at95 := classify(t, mixedBook(19))
	if at95[0].Classification != commission.ClassNearlyConformant {
		t.Errorf("at 95%%: classification = %q, want NearlyConformant", at95[0].Classification)
	}
	if !at95[0].Exportable() {
		t.Error("a NearlyConformant group must still be exportable")
	}

	_, at90 := classify(t, mixedBook(18))
	if at90[0].Classification != commission.ClassNonConformant {
		t.Errorf("at 90%%: classification = %q, want NonConformant", at90[0].Classification)
	}
}

func TestClassify_DuplicatedRowsNeverChangeTheOutcome(t *testing.T) {
	// GIVEN: a clean book, and the same book with one certificate's rows
	//        duplicated at source
	// WHEN: refs are deduplicated and classified
	// THEN: stats are identical - duplication cannot shift a classification

	rows := []commission.CertificateSplitRow{
		row("C100", "G0100", 1, 1, "B001", "100"),
		row("C200", "G0100", 1, 1, "B001", "100"),
	}

	refs := commission.CertificateRefs(rows)
	duplicated := commission.CertificateRefs(append(rows, rows[0]))
	if len(refs) != 2 || len(duplicated) != 2 {
		t.Fatalf("ref counts = %d and %d, want 2 for both", len(refs), len(duplicated))
	}

	res := resolve(t, rows)
	_, clean := commission.Classify(refs, res.KeyMapping, nearly95)
	_, dup := commission.Classify(duplicated, res.KeyMapping, nearly95)

	if clean[0].TotalCertificates != dup[0].TotalCertificates ||
		clean[0].Classification != dup[0].Classification ||
		!clean[0].ConformancePercentage.Equal(dup[0].ConformancePercentage) {
		t.Errorf("stats diverged under duplication:\n  clean: %+v\n  dup:   %+v", clean[0], dup[0])
	}
}
