package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/commission/store"
	"github.com/warp/commission-engine/config"
	"github.com/warp/commission-engine/directory"
	"github.com/warp/commission-engine/pipeline"
)

// =============================================================================
// FIXTURES
// =============================================================================

type stubSource struct {
	rows     []commission.CertificateSplitRow
	premiums []commission.PremiumTransaction
}

func (s *stubSource) SplitRows(context.Context) ([]commission.CertificateSplitRow, error) {
	return s.rows, nil
}

func (s *stubSource) Premiums(context.Context) ([]commission.PremiumTransaction, error) {
	return s.premiums, nil
}

// failingStaging simulates a fatal invariant violation surfacing at the
// staging boundary.
type failingStaging struct{}

func (failingStaging) ReplaceStaging(context.Context, string, pipeline.Staging) error {
	return &commission.HashCollisionError{Hash: "sha256:deadbeef"}
}

func splitRow(cert, group, broker, pct string) commission.CertificateSplitRow {
	return commission.CertificateSplitRow{
		CertificateID:   commission.CertificateID(cert),
		SplitSequence:   1,
		BrokerSequence:  1,
		GroupID:         commission.GroupID(group),
		ProductCode:     "DENTAL",
		PlanCode:        "PLAN-A",
		EffectiveDate:   time.Date(2023, time.January, 15, 0, 0, 0, 0, time.UTC),
		SplitPercent:    decimal.RequireFromString(pct),
		WritingBrokerID: commission.BrokerID(broker),
		SplitBrokerID:   commission.BrokerID(broker),
		PaidBrokerID:    commission.BrokerID(broker),
		Reassigned:      commission.ReassignedNone,
		ScheduleCode:    "SCH-STD",
	}
}

// newRunner wires a complete runner over the memory store: one schedule band,
// a policy record per certificate, and no assignments.
func newRunner(mem *store.Memory, rows []commission.CertificateSplitRow, premiums []commission.PremiumTransaction) *pipeline.Runner {
	cfg := config.Default()
	cfg.Retry.InitialBackoffMS = 1
	cfg.Retry.MaxBackoffMS = 4

	policies := directory.NewPolicies()
	seen := make(map[commission.CertificateID]bool)
	for _, r := range rows {
		if seen[r.CertificateID] {
			continue
		}
		seen[r.CertificateID] = true
		policies.Add(r.CertificateID, commission.PolicyInfo{
			GroupID:       r.GroupID,
			ProductCode:   r.ProductCode,
			SitusState:    "TX",
			GroupSize:     50,
			EffectiveDate: r.EffectiveDate,
		})
	}

	schedules := directory.NewSchedules()
	schedules.Add(directory.RateBand{
		Schedule:      "SCH-STD",
		Product:       "DENTAL",
		GroupSizeFrom: 1,
		FirstYearRate: decimal.RequireFromString("3"),
		RenewalRate:   decimal.RequireFromString("1.5"),
	})

	return &pipeline.Runner{
		Config:      cfg,
		Source:      &stubSource{rows: rows, premiums: premiums},
		Policies:    policies,
		Schedules:   schedules,
		Assignments: directory.NewAssignments(),
		Staging:     mem,
		Sink:        mem,
		Checkpoints: mem,
	}
}

// =============================================================================
// FULL RUNS
// =============================================================================

func TestRunner_ExecuteCommitsAFullRun(t *testing.T) {
	mem := store.NewMemory()
	rows := []commission.CertificateSplitRow{
		splitRow("C100", "G0100", "B001", "100"),
		splitRow("C200", "G0100", "B001", "100"),
	}
	premiums := []commission.PremiumTransaction{{
		ID:            "P001",
		CertificateID: "C100",
		Date:          time.Date(2023, time.June, 1, 0, 0, 0, 0, time.UTC),
		Amount:        decimal.RequireFromString("1000"),
	}}

	result, err := newRunner(mem, rows, premiums).Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, result.Status)
	assert.Len(t, result.Staging.Proposals, 1, "both certificates share one config")
	assert.Len(t, result.Output.Journal, 1)

	ctx := context.Background()
	runs, err := mem.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, pipeline.StatusCompleted, runs[0].Status)
	require.NotNil(t, runs[0].FinishedAt)

	_, cps, found, err := mem.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	require.True(t, found)
	stages := make(map[string]int)
	for _, cp := range cps {
		stages[cp.Stage] = cp.Rows
	}
	for _, stage := range []string{
		"normalize", "discovery", "hierarchies", "proposals", "conformance",
		"staging_commit", "calc_premium_context", "calc_assignment_redirection", "sink_commit",
	} {
		assert.Contains(t, stages, stage)
	}
	assert.Equal(t, 2, stages["normalize"])
	assert.Equal(t, 1, stages["proposals"])

	proposals, err := mem.PublishedProposals(ctx, result.RunID)
	require.NoError(t, err)
	assert.Len(t, proposals, 1)

	journal, err := mem.Journal(ctx, result.RunID, "")
	require.NoError(t, err)
	require.Len(t, journal, 1)
	assert.Equal(t, "30", journal[0].CommissionAmount.String(), "1000 at the 3 percent first-year rate")

	reports, err := mem.Traceability(ctx, result.RunID)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.False(t, reports[0].HasErrors)
}

func TestRunner_NonConformantGroupIsWithheldFromPublish(t *testing.T) {
	// G0100 is half conformant (50% < 95): its proposal stays in staging but
	// never publishes. G0200 is clean and publishes.
	bad := splitRow("C150", "G0100", "B001", "90")
	bad.PlanCode = "PLAN-X"
	rows := []commission.CertificateSplitRow{
		splitRow("C100", "G0100", "B001", "100"),
		bad,
		splitRow("C200", "G0200", "B002", "100"),
	}

	mem := store.NewMemory()
	result, err := newRunner(mem, rows, nil).Execute(context.Background())
	require.NoError(t, err)
	assert.Len(t, result.Staging.Proposals, 2, "staging keeps the withheld group's proposal")

	published, err := mem.PublishedProposals(context.Background(), result.RunID)
	require.NoError(t, err)
	require.Len(t, published, 1, "only the conformant group publishes")
	assert.Equal(t, commission.GroupID("G0200"), published[0].GroupID)

	conformance, err := mem.Conformance(context.Background(), result.RunID)
	require.NoError(t, err)
	byGroup := make(map[commission.GroupID]commission.GroupConformanceStats)
	for _, s := range conformance {
		byGroup[s.GroupID] = s
	}
	assert.Equal(t, commission.ClassNonConformant, byGroup["G0100"].Classification)
	assert.Equal(t, commission.ClassConformant, byGroup["G0200"].Classification)
}

// =============================================================================
// FAILURE PATHS
// =============================================================================

func TestRunner_ExportPreconditionHaltsBeforeStaging(t *testing.T) {
	mem := store.NewMemory()
	runner := newRunner(mem, []commission.CertificateSplitRow{
		splitRow("C100", "G0100", "B001", "100"),
	}, nil)
	runner.Schedules = directory.NewSchedules() // empty: precondition must trip

	_, err := runner.Execute(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, commission.ErrExportPrecondition)

	ctx := context.Background()
	runs, err := mem.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, pipeline.StatusFailed, runs[0].Status)
	assert.True(t, runs[0].Resumable, "precondition failures are resumable")
	assert.Contains(t, runs[0].Reason, "schedule directory is empty")

	proposals, err := mem.PublishedProposals(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.Empty(t, proposals, "nothing may be committed before the gate passes")
	journal, err := mem.Journal(ctx, runs[0].ID, "")
	require.NoError(t, err)
	assert.Empty(t, journal)
}

func TestRunner_FatalErrorAbortsWithoutResume(t *testing.T) {
	mem := store.NewMemory()
	runner := newRunner(mem, []commission.CertificateSplitRow{
		splitRow("C100", "G0100", "B001", "100"),
	}, nil)
	runner.Staging = failingStaging{}

	_, err := runner.Execute(context.Background())
	require.Error(t, err)
	assert.True(t, commission.IsFatal(err))

	ctx := context.Background()
	runs, err := mem.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, pipeline.StatusFailed, runs[0].Status)
	assert.False(t, runs[0].Resumable, "fatal invariant violations are never resumable")

	journal, err := mem.Journal(ctx, runs[0].ID, "")
	require.NoError(t, err)
	assert.Empty(t, journal, "the sink must never see output from an aborted run")
}

// =============================================================================
// DEBUG LIMITS
// =============================================================================

func TestRunner_DebugGroupCapSelectsSortedPrefix(t *testing.T) {
	mem := store.NewMemory()
	rows := []commission.CertificateSplitRow{
		splitRow("C300", "G0300", "B003", "100"),
		splitRow("C100", "G0100", "B001", "100"),
		splitRow("C200", "G0200", "B002", "100"),
	}
	runner := newRunner(mem, rows, nil)
	runner.Config.DebugLimits.Groups = 1

	result, err := runner.Execute(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Staging.Proposals, 1, "only the first group in sorted order survives the cap")
	assert.Equal(t, commission.GroupID("G0100"), result.Staging.Proposals[0].GroupID)
}

func TestRunner_DebugOutputCapsBoundStagedDiscovery(t *testing.T) {
	mem := store.NewMemory()
	rows := []commission.CertificateSplitRow{
		splitRow("C100", "G0100", "B001", "100"),
		splitRow("C200", "G0200", "B002", "100"),
		splitRow("C300", "G0300", "B003", "100"),
	}
	runner := newRunner(mem, rows, nil)
	runner.Config.DebugLimits.Hierarchies = 2
	runner.Config.DebugLimits.Proposals = 2

	result, err := runner.Execute(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Staging.Proposals, 2, "the lowest-numbered proposals survive the cap")
	assert.Equal(t, commission.ProposalID(1), result.Staging.Proposals[0].ID)
	assert.Equal(t, commission.ProposalID(2), result.Staging.Proposals[1].ID)
	assert.Len(t, result.Staging.Hierarchies, 2)

	published, err := mem.PublishedProposals(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Len(t, published, 2, "uncapped proposals never reach the store")
}
