package directory_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/directory"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// =============================================================================
// SCHEDULES
// =============================================================================

func stdSchedules() *directory.Schedules {
	s := directory.NewSchedules()
	s.Add(directory.RateBand{
		Schedule: "SCH-STD", Product: "DENTAL", State: "TX",
		GroupSizeFrom: 1, GroupSizeTo: 99,
		FirstYearRate: dec("10"), RenewalRate: dec("3"),
	})
	s.Add(directory.RateBand{
		Schedule: "SCH-STD", Product: "DENTAL", State: "TX",
		GroupSizeFrom: 100, GroupSizeTo: 0,
		FirstYearRate: dec("8"), RenewalRate: dec("2"),
	})
	s.Add(directory.RateBand{
		Schedule: "SCH-STD", Product: "VISION", State: "",
		GroupSizeFrom: 1, GroupSizeTo: 0,
		FirstYearRate: dec("6"), RenewalRate: dec("1.5"),
	})
	return s
}

func TestSchedules_BandSelection(t *testing.T) {
	s := stdSchedules()

	rate, ok := s.Rate("SCH-STD", "DENTAL", "TX", 50, true)
	require.True(t, ok)
	assert.True(t, rate.Equal(dec("10")))

	rate, ok = s.Rate("SCH-STD", "DENTAL", "TX", 50, false)
	require.True(t, ok)
	assert.True(t, rate.Equal(dec("3")))

	rate, ok = s.Rate("SCH-STD", "DENTAL", "TX", 99, true)
	require.True(t, ok)
	assert.True(t, rate.Equal(dec("10")), "size_to is inclusive")

	rate, ok = s.Rate("SCH-STD", "DENTAL", "TX", 100, true)
	require.True(t, ok)
	assert.True(t, rate.Equal(dec("8")), "the open-ended band takes over at 100")
}

func TestSchedules_EmptyStateMatchesAnyState(t *testing.T) {
	s := stdSchedules()

	rate, ok := s.Rate("SCH-STD", "VISION", "CA", 10, true)
	require.True(t, ok)
	assert.True(t, rate.Equal(dec("6")))

	_, ok = s.Rate("SCH-STD", "DENTAL", "CA", 10, true)
	assert.False(t, ok, "a stated band never matches a different state")
}

func TestSchedules_NoBandMeansNoRate(t *testing.T) {
	s := stdSchedules()

	_, ok := s.Rate("SCH-UNKNOWN", "DENTAL", "TX", 50, true)
	assert.False(t, ok)

	_, ok = s.Rate("SCH-STD", "DENTAL", "TX", 0, true)
	assert.False(t, ok, "below every band's size_from")
}

// =============================================================================
// ASSIGNMENTS
// =============================================================================

func asn(total string, recipient commission.BrokerID) commission.Assignment {
	return commission.Assignment{
		TotalAssignedPercent: dec(total),
		Recipients: []commission.AssignmentRecipient{
			{BrokerID: recipient, Percent: dec(total)},
		},
	}
}

func TestAssignments_ProposalSpecificBeatsBrokerDefault(t *testing.T) {
	dir := directory.NewAssignments()
	from := time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC)
	dir.Add(directory.AssignmentRecord{
		BrokerID: "B001", ProposalID: 0, EffectiveFrom: from,
		Assignment: asn("40", "B900"),
	})
	dir.Add(directory.AssignmentRecord{
		BrokerID: "B001", ProposalID: 7, EffectiveFrom: from,
		Assignment: asn("25", "B901"),
	})

	at := time.Date(2023, time.June, 1, 0, 0, 0, 0, time.UTC)

	specific, ok := dir.Active("B001", 7, at)
	require.True(t, ok)
	assert.True(t, specific.TotalAssignedPercent.Equal(dec("25")), "the proposal-specific record wins")

	fallback, ok := dir.Active("B001", 8, at)
	require.True(t, ok)
	assert.True(t, fallback.TotalAssignedPercent.Equal(dec("40")), "other proposals fall back to the broker default")
}

func TestAssignments_EffectiveWindowIsInclusive(t *testing.T) {
	dir := directory.NewAssignments()
	from := time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2023, time.December, 31, 0, 0, 0, 0, time.UTC)
	dir.Add(directory.AssignmentRecord{
		BrokerID: "B001", EffectiveFrom: from, EffectiveTo: &to,
		Assignment: asn("40", "B900"),
	})

	_, ok := dir.Active("B001", 1, from)
	assert.True(t, ok, "active on the first day")
	_, ok = dir.Active("B001", 1, to)
	assert.True(t, ok, "active on the last day")
	_, ok = dir.Active("B001", 1, from.AddDate(0, 0, -1))
	assert.False(t, ok)
	_, ok = dir.Active("B001", 1, to.AddDate(0, 0, 1))
	assert.False(t, ok)
}

func TestAssignments_UnknownBrokerHasNoAssignment(t *testing.T) {
	dir := directory.NewAssignments()
	_, ok := dir.Active("B404", 1, time.Now())
	assert.False(t, ok)
}

// =============================================================================
// POLICIES
// =============================================================================

func TestPolicies_AddReplacesExistingRecords(t *testing.T) {
	p := directory.NewPolicies()
	p.Add("C100", commission.PolicyInfo{GroupID: "G0100", GroupSize: 50})
	p.Add("C100", commission.PolicyInfo{GroupID: "G0100", GroupSize: 75})

	assert.Equal(t, 1, p.Len())
	info, ok := p.PolicyInfo("C100")
	require.True(t, ok)
	assert.Equal(t, 75, info.GroupSize)

	_, ok = p.PolicyInfo("C404")
	assert.False(t, ok)
}
