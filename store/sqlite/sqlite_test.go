package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/pipeline"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// stagingFixture builds one published and one withheld group.
func stagingFixture() pipeline.Staging {
	to := date(2023, time.December, 31)
	return pipeline.Staging{
		Hierarchies: []commission.Hierarchy{
			{
				ID:              1,
				GroupID:         "G0100",
				WritingBrokerID: "B001",
				FirstUpline:     "B010",
				Signature:       "1|B001|SCH-STD|100.0000;2|B010|SCH-STD|100.0000",
				Versions: []commission.HierarchyVersion{{
					EffectiveFrom: date(2023, time.January, 15),
					Participants: []commission.HierarchyParticipant{
						{Level: 1, BrokerID: "B001", SplitPercent: dec("100"), ScheduleCode: "SCH-STD"},
						{Level: 2, BrokerID: "B010", SplitPercent: dec("100"), ScheduleCode: "SCH-STD"},
					},
				}},
			},
			{
				ID:              2,
				GroupID:         "G0200",
				WritingBrokerID: "B002",
				Signature:       "1|B002|SCH-STD|100.0000",
				Versions: []commission.HierarchyVersion{{
					EffectiveFrom: date(2023, time.March, 1),
					Participants: []commission.HierarchyParticipant{
						{Level: 1, BrokerID: "B002", SplitPercent: dec("100"), ScheduleCode: "SCH-STD"},
					},
				}},
			},
		},
		Proposals: []commission.Proposal{
			{
				ID:            1,
				GroupID:       "G0100",
				ContentHash:   "sha256:aaaa",
				ProductCodes:  []commission.ProductCode{"DENTAL"},
				PlanCodes:     []commission.PlanCode{"PLAN-A"},
				DateRangeFrom: date(2023, time.January, 15),
				DateRangeTo:   &to,
				SplitVersions: []commission.PremiumSplitVersion{{
					EffectiveFrom: date(2023, time.January, 15),
					EffectiveTo:   &to,
					Participants: []commission.SplitParticipant{
						{SplitSequence: 1, WritingBrokerID: "B001", SplitPercent: dec("100"), HierarchyID: 1},
					},
				}},
				CertificateIDs: []commission.CertificateID{"C100", "C200"},
			},
			{
				ID:            2,
				GroupID:       "G0200",
				ContentHash:   "sha256:bbbb",
				ProductCodes:  []commission.ProductCode{"VISION"},
				PlanCodes:     []commission.PlanCode{"*"},
				DateRangeFrom: date(2023, time.March, 1),
				SplitVersions: []commission.PremiumSplitVersion{{
					EffectiveFrom: date(2023, time.March, 1),
					Participants: []commission.SplitParticipant{
						{SplitSequence: 1, WritingBrokerID: "B002", SplitPercent: dec("100"), HierarchyID: 2},
					},
				}},
				CertificateIDs: []commission.CertificateID{"C300"},
			},
		},
		KeyMapping: commission.KeyMapping{
			{GroupID: "G0100", Year: 2023, Product: "DENTAL", Plan: "PLAN-A"}: {1},
		},
		Exceptions: []commission.PolicyHierarchyAssignment{{
			CertificateID:   "C400",
			GroupID:         "00000",
			SplitSequence:   1,
			IsNonConforming: true,
			Reason:          commission.ReasonInvalidGroupID,
			Participants: []commission.HierarchyParticipant{
				{Level: 1, BrokerID: "B003", SplitPercent: dec("100"), ScheduleCode: "SCH-STD"},
			},
		}},
		Conformance: []commission.GroupConformanceStats{
			{
				GroupID:                "G0100",
				TotalCertificates:      2,
				ConformantCertificates: 2,
				ConformancePercentage:  dec("100"),
				Classification:         commission.ClassConformant,
			},
			{
				GroupID:                   "G0200",
				TotalCertificates:         4,
				ConformantCertificates:    2,
				NonConformantCertificates: 2,
				ConformancePercentage:     dec("50"),
				Classification:            commission.ClassNonConformant,
			},
		},
		Published: map[commission.GroupID]bool{"G0100": true},
	}
}

// =============================================================================
// RUN LIFECYCLE
// =============================================================================

func TestStore_RunLifecycleRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	started := date(2023, time.June, 1)

	require.NoError(t, s.RunStarted(ctx, pipeline.RunRecord{ID: "run-1", Status: pipeline.StatusRunning, StartedAt: started}))
	require.NoError(t, s.StageCompleted(ctx, pipeline.CheckpointRecord{RunID: "run-1", Stage: "normalize", Rows: 42, CompletedAt: started.Add(time.Second)}))
	require.NoError(t, s.StageCompleted(ctx, pipeline.CheckpointRecord{RunID: "run-1", Stage: "hierarchies", Rows: 7, CompletedAt: started.Add(2 * time.Second)}))

	finished := started.Add(time.Minute)
	require.NoError(t, s.RunFinished(ctx, pipeline.RunRecord{
		ID: "run-1", Status: pipeline.StatusFailed, FinishedAt: &finished,
		Reason: "schedule directory is empty", Resumable: true,
	}))

	runs, err := s.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, pipeline.StatusFailed, runs[0].Status)
	assert.True(t, runs[0].Resumable)
	assert.Equal(t, "schedule directory is empty", runs[0].Reason)
	require.NotNil(t, runs[0].FinishedAt)
	assert.True(t, runs[0].FinishedAt.Equal(finished))

	run, cps, found, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "run-1", run.ID)
	require.Len(t, cps, 2)
	assert.Equal(t, "normalize", cps[0].Stage)
	assert.Equal(t, 42, cps[0].Rows)
	assert.Equal(t, "hierarchies", cps[1].Stage)

	_, _, found, err = s.GetRun(ctx, "no-such-run")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_RunStartedIsIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	run := pipeline.RunRecord{ID: "run-1", Status: pipeline.StatusRunning, StartedAt: date(2023, time.June, 1)}
	require.NoError(t, s.RunStarted(ctx, run))
	require.NoError(t, s.RunStarted(ctx, run), "a retried start must not violate the primary key")

	runs, err := s.ListRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

// =============================================================================
// STAGING
// =============================================================================

func TestStore_ReplaceStagingRoundTripsAndIsIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	staging := stagingFixture()

	require.NoError(t, s.ReplaceStaging(ctx, "run-1", staging))
	// A retried commit rebuilds instead of duplicating.
	require.NoError(t, s.ReplaceStaging(ctx, "run-1", staging))

	proposals, err := s.PublishedProposals(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, proposals, 1)

	p := proposals[0]
	assert.Equal(t, commission.ProposalID(1), p.ID)
	assert.Equal(t, commission.GroupID("G0100"), p.GroupID)
	assert.Equal(t, commission.ContentHash("sha256:aaaa"), p.ContentHash)
	assert.Equal(t, []commission.ProductCode{"DENTAL"}, p.ProductCodes)
	assert.Equal(t, []commission.CertificateID{"C100", "C200"}, p.CertificateIDs)
	assert.True(t, p.DateRangeFrom.Equal(date(2023, time.January, 15)))
	require.NotNil(t, p.DateRangeTo)
	assert.True(t, p.DateRangeTo.Equal(date(2023, time.December, 31)))
	require.Len(t, p.SplitVersions, 1)
	require.Len(t, p.SplitVersions[0].Participants, 1)
	sp := p.SplitVersions[0].Participants[0]
	assert.Equal(t, commission.BrokerID("B001"), sp.WritingBrokerID)
	assert.True(t, sp.SplitPercent.Equal(dec("100")))
	assert.Equal(t, commission.HierarchyID(1), sp.HierarchyID)
}

func TestStore_ExportGateWithholdsUnpublishedGroups(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.ReplaceStaging(ctx, "run-1", stagingFixture()))

	proposals, err := s.PublishedProposals(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Equal(t, commission.GroupID("G0100"), proposals[0].GroupID)

	hierarchies, err := s.PublishedHierarchies(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, hierarchies, 1)
	assert.Equal(t, commission.GroupID("G0100"), hierarchies[0].GroupID)
	require.Len(t, hierarchies[0].Versions, 1)
	assert.Len(t, hierarchies[0].Versions[0].Participants, 2)
	assert.Equal(t, commission.BrokerID("B010"), hierarchies[0].FirstUpline)
}

func TestStore_ExceptionsAndConformanceRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.ReplaceStaging(ctx, "run-1", stagingFixture()))

	exceptions, err := s.Exceptions(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, exceptions, 1)
	e := exceptions[0]
	assert.Equal(t, commission.CertificateID("C400"), e.CertificateID)
	assert.Equal(t, commission.ReasonInvalidGroupID, e.Reason)
	assert.True(t, e.IsNonConforming)
	require.Len(t, e.Participants, 1)
	assert.Equal(t, commission.BrokerID("B003"), e.Participants[0].BrokerID)

	conformance, err := s.Conformance(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, conformance, 2)
	assert.Equal(t, commission.ClassConformant, conformance[0].Classification)
	assert.True(t, conformance[0].ConformancePercentage.Equal(dec("100")))
	assert.Equal(t, commission.ClassNonConformant, conformance[1].Classification)
	assert.True(t, conformance[1].ConformancePercentage.Equal(dec("50")))
	assert.False(t, conformance[1].Exportable())
}

func TestStore_StagingIsScopedByRun(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.ReplaceStaging(ctx, "run-1", stagingFixture()))

	other := stagingFixture()
	other.Proposals = other.Proposals[:1]
	other.Hierarchies = other.Hierarchies[:1]
	require.NoError(t, s.ReplaceStaging(ctx, "run-2", other))

	// Rebuilding run-2 must not touch run-1's rows.
	p1, err := s.PublishedProposals(ctx, "run-1")
	require.NoError(t, err)
	p2, err := s.PublishedProposals(ctx, "run-2")
	require.NoError(t, err)
	assert.Len(t, p1, 1)
	assert.Len(t, p2, 1)
}

// =============================================================================
// SINKS
// =============================================================================

func resultsFixture() *commission.CalcOutput {
	return &commission.CalcOutput{
		Journal: []commission.GLJournalEntry{
			{
				PremiumTransactionID: "P001", CertificateID: "C100", GroupID: "G0100",
				BrokerID: "B001", CommissionAmount: dec("15.00"), EntryType: commission.EntryOriginal,
				ProposalID: 1, HierarchyID: 1, Level: 1, ScheduleCode: "SCH-STD",
				RateSource: commission.RateSourceCertificate, RatePercent: dec("5"), SplitPercent: dec("50"),
			},
			{
				PremiumTransactionID: "P001", CertificateID: "C100", GroupID: "G0100",
				BrokerID: "B900", CommissionAmount: dec("10.00"), EntryType: commission.EntryAssigned,
				SourceBrokerID: "B001", ProposalID: 1, HierarchyID: 1, Level: 1,
				ScheduleCode: "SCH-STD", RateSource: commission.RateSourceCertificate,
				RatePercent: dec("5"), SplitPercent: dec("50"),
			},
		},
		Reports: []commission.TraceabilityReport{
			{PremiumTransactionID: "P001", CertificateID: "C100", GroupID: "G0100", TotalCommission: dec("25.00"), EntryCount: 2},
			{PremiumTransactionID: "P002", CertificateID: "C999", HasErrors: true, ErrorMessage: "No policy record", TotalCommission: dec("0")},
		},
		BrokerRows: []commission.BrokerTraceability{
			{PremiumTransactionID: "P001", BrokerID: "B001", Level: 1, EntryType: commission.EntryOriginal,
				RateSource: commission.RateSourceCertificate, RatePercent: dec("5"),
				SplitPremiumAmount: dec("500.00"), CommissionAmount: dec("15.00")},
			{PremiumTransactionID: "P001", BrokerID: "B900", Level: 1, EntryType: commission.EntryAssigned,
				RateSource: commission.RateSourceCertificate, RatePercent: dec("5"),
				SplitPremiumAmount: dec("500.00"), CommissionAmount: dec("10.00")},
		},
	}
}

func TestStore_JournalFiltersByBroker(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.AppendResults(ctx, "run-1", resultsFixture()))

	all, err := s.Journal(ctx, "run-1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	b900, err := s.Journal(ctx, "run-1", "B900")
	require.NoError(t, err)
	require.Len(t, b900, 1)
	assert.Equal(t, commission.EntryAssigned, b900[0].EntryType)
	assert.Equal(t, commission.BrokerID("B001"), b900[0].SourceBrokerID)
	assert.True(t, b900[0].CommissionAmount.Equal(dec("10.00")))

	none, err := s.Journal(ctx, "run-1", "B404")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_TraceabilityRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.AppendResults(ctx, "run-1", resultsFixture()))

	reports, err := s.Traceability(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, commission.PremiumID("P001"), reports[0].PremiumTransactionID)
	assert.False(t, reports[0].HasErrors)
	assert.True(t, reports[0].TotalCommission.Equal(dec("25.00")))
	assert.True(t, reports[1].HasErrors)
	assert.Equal(t, "No policy record", reports[1].ErrorMessage)

	report, brokers, found, err := s.TraceabilityFor(ctx, "run-1", "P001")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, report.EntryCount)
	require.Len(t, brokers, 2)
	assert.Equal(t, commission.BrokerID("B001"), brokers[0].BrokerID)
	assert.True(t, brokers[0].SplitPremiumAmount.Equal(dec("500.00")))

	_, _, found, err = s.TraceabilityFor(ctx, "run-1", "P404")
	require.NoError(t, err)
	assert.False(t, found)
}
