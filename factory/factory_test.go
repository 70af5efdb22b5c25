package factory_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/factory"
)

// =============================================================================
// BOOKS
// =============================================================================

func TestParseBook_MaterializesRowsAndPremiums(t *testing.T) {
	book, err := factory.ParseBook([]byte(`{
		"certificates": [{
			"id": "C100", "group": "G0100", "product": "DENTAL", "plan": "PLAN-A",
			"effective": "2023-01-15",
			"splits": [
				{"sequence": 1, "percent": 70, "chain": [
					{"broker": "B001", "schedule": "SCH-STD"},
					{"broker": "B010", "schedule": "SCH-OVR"}
				]},
				{"sequence": 2, "percent": 30, "chain": [
					{"broker": "B002", "schedule": "SCH-STD"}
				]}
			]
		}],
		"premiums": [
			{"id": "P100", "certificate": "C100", "date": "2023-03-01", "amount": "1000.00"}
		]
	}`))
	require.NoError(t, err)

	require.Len(t, book.Rows, 3, "one row per chain link")
	first := book.Rows[0]
	assert.Equal(t, commission.CertificateID("C100"), first.CertificateID)
	assert.Equal(t, 1, first.SplitSequence)
	assert.Equal(t, 1, first.BrokerSequence)
	assert.Equal(t, commission.BrokerID("B001"), first.WritingBrokerID)
	assert.Equal(t, commission.BrokerID("B001"), first.PaidBrokerID, "self-payment is the default")
	assert.True(t, first.SplitPercent.Equal(decimal.RequireFromString("70")))

	upline := book.Rows[1]
	assert.Equal(t, 2, upline.BrokerSequence)
	assert.Equal(t, commission.BrokerID("B001"), upline.WritingBrokerID, "the writing broker heads the whole chain")
	assert.Equal(t, commission.ScheduleCode("SCH-OVR"), upline.ScheduleCode)

	second := book.Rows[2]
	assert.Equal(t, 2, second.SplitSequence)
	assert.Equal(t, commission.BrokerID("B002"), second.WritingBrokerID)

	require.Len(t, book.Premiums, 1)
	assert.Equal(t, commission.PremiumID("P100"), book.Premiums[0].ID)
	assert.True(t, book.Premiums[0].Amount.Equal(decimal.RequireFromString("1000.00")))
	assert.True(t, book.Premiums[0].Date.Equal(time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC)))

	info, ok := book.Policies.PolicyInfo("C100")
	require.True(t, ok, "a policy record is derived per certificate")
	assert.Equal(t, commission.GroupID("G0100"), info.GroupID)
	assert.Equal(t, 50, info.GroupSize, "group size defaults when no override is given")
}

func TestParseBook_PolicyOverridesApply(t *testing.T) {
	book, err := factory.ParseBook([]byte(`{
		"certificates": [{
			"id": "C100", "group": "G0100", "product": "DENTAL",
			"effective": "2023-01-15",
			"splits": [{"sequence": 1, "percent": 100, "chain": [{"broker": "B001", "schedule": "SCH-STD"}]}]
		}],
		"policies": [{"certificate": "C100", "state": "TX", "group_size": 250, "group_name": "Acme"}]
	}`))
	require.NoError(t, err)

	info, ok := book.Policies.PolicyInfo("C100")
	require.True(t, ok)
	assert.Equal(t, "TX", info.SitusState)
	assert.Equal(t, 250, info.GroupSize)
	assert.Equal(t, "Acme", info.GroupName)
}

func TestParseBook_ReassignmentAndRateOverride(t *testing.T) {
	book, err := factory.ParseBook([]byte(`{
		"certificates": [{
			"id": "C100", "group": "G0100", "product": "DENTAL",
			"effective": "2023-01-15",
			"splits": [{"sequence": 1, "percent": 100, "chain": [
				{"broker": "B001", "schedule": "SCH-STD", "paid_to": "B900", "reassigned": "transferred", "rate": 5}
			]}]
		}]
	}`))
	require.NoError(t, err)

	row := book.Rows[0]
	assert.Equal(t, commission.BrokerID("B900"), row.PaidBrokerID)
	assert.Equal(t, commission.ReassignedTransferred, row.Reassigned)
	require.NotNil(t, row.CertificateRate)
	assert.True(t, row.CertificateRate.Equal(decimal.RequireFromString("5")))
}

func TestParseBook_Rejections(t *testing.T) {
	cases := map[string]string{
		"bad effective date": `{"certificates": [{
			"id": "C100", "group": "G0100", "product": "DENTAL", "effective": "01/15/2023",
			"splits": [{"sequence": 1, "percent": 100, "chain": [{"broker": "B001"}]}]}]}`,
		"empty chain": `{"certificates": [{
			"id": "C100", "group": "G0100", "product": "DENTAL", "effective": "2023-01-15",
			"splits": [{"sequence": 1, "percent": 100, "chain": []}]}]}`,
		"no splits": `{"certificates": [{
			"id": "C100", "group": "G0100", "product": "DENTAL", "effective": "2023-01-15",
			"splits": []}]}`,
		"unknown reassigned type": `{"certificates": [{
			"id": "C100", "group": "G0100", "product": "DENTAL", "effective": "2023-01-15",
			"splits": [{"sequence": 1, "percent": 100, "chain": [{"broker": "B001", "reassigned": "sold"}]}]}]}`,
		"duplicate premium id": `{"premiums": [
			{"id": "P100", "certificate": "C100", "date": "2023-03-01", "amount": "10"},
			{"id": "P100", "certificate": "C200", "date": "2023-04-01", "amount": "20"}]}`,
		"bad premium amount": `{"premiums": [
			{"id": "P100", "certificate": "C100", "date": "2023-03-01", "amount": "ten"}]}`,
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := factory.ParseBook([]byte(spec))
			assert.Error(t, err)
		})
	}
}

// =============================================================================
// SCHEDULES
// =============================================================================

func TestParseSchedules_BuildsBands(t *testing.T) {
	dir, err := factory.ParseSchedules([]byte(`[{
		"schedule": "SCH-STD", "product": "DENTAL", "state": "TX",
		"bands": [
			{"size_from": 1, "size_to": 99, "first_year": 10, "renewal": 3},
			{"size_from": 100, "size_to": 0, "first_year": 8, "renewal": 2}
		]
	}]`))
	require.NoError(t, err)
	require.Equal(t, 2, dir.Len())

	rate, ok := dir.Rate("SCH-STD", "DENTAL", "TX", 50, true)
	require.True(t, ok)
	assert.True(t, rate.Equal(decimal.RequireFromString("10")))

	rate, ok = dir.Rate("SCH-STD", "DENTAL", "TX", 5000, true)
	require.True(t, ok, "size_to 0 is open-ended")
	assert.True(t, rate.Equal(decimal.RequireFromString("8")))

	rate, ok = dir.Rate("SCH-STD", "DENTAL", "TX", 50, false)
	require.True(t, ok)
	assert.True(t, rate.Equal(decimal.RequireFromString("3")), "renewal premiums use the renewal column")
}

func TestParseSchedules_RejectsOverlappingBands(t *testing.T) {
	cases := map[string]string{
		"closed over closed": `[{"schedule": "S", "product": "P", "bands": [
			{"size_from": 1, "size_to": 100, "first_year": 10, "renewal": 3},
			{"size_from": 50, "size_to": 200, "first_year": 8, "renewal": 2}]}]`,
		"open over closed": `[{"schedule": "S", "product": "P", "bands": [
			{"size_from": 100, "size_to": 0, "first_year": 10, "renewal": 3},
			{"size_from": 1, "size_to": 150, "first_year": 8, "renewal": 2}]}]`,
		"two open bands": `[{"schedule": "S", "product": "P", "bands": [
			{"size_from": 1, "size_to": 0, "first_year": 10, "renewal": 3},
			{"size_from": 500, "size_to": 0, "first_year": 8, "renewal": 2}]}]`,
		"missing schedule code": `[{"product": "P", "bands": [
			{"size_from": 1, "size_to": 0, "first_year": 10, "renewal": 3}]}]`,
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := factory.ParseSchedules([]byte(spec))
			assert.Error(t, err)
		})
	}
}

func TestParseSchedules_AdjacentBandsAreAllowed(t *testing.T) {
	_, err := factory.ParseSchedules([]byte(`[{
		"schedule": "S", "product": "P",
		"bands": [
			{"size_from": 1, "size_to": 99, "first_year": 10, "renewal": 3},
			{"size_from": 100, "size_to": 199, "first_year": 8, "renewal": 2},
			{"size_from": 200, "size_to": 0, "first_year": 6, "renewal": 1}
		]
	}]`))
	assert.NoError(t, err)
}

// =============================================================================
// ASSIGNMENTS
// =============================================================================

func TestParseAssignments_BuildsRecords(t *testing.T) {
	dir, err := factory.ParseAssignments([]byte(`[{
		"broker": "B001", "from": "2023-01-01", "to": "2023-12-31",
		"total_percent": 40,
		"recipients": [
			{"broker": "B900", "percent": 25},
			{"broker": "B901", "percent": 15}
		]
	}]`))
	require.NoError(t, err)

	asn, ok := dir.Active("B001", 7, time.Date(2023, time.June, 1, 0, 0, 0, 0, time.UTC))
	require.True(t, ok, "proposal 0 records are broker defaults matching any proposal")
	assert.True(t, asn.TotalAssignedPercent.Equal(decimal.RequireFromString("40")))
	require.Len(t, asn.Recipients, 2)
	assert.Equal(t, commission.BrokerID("B900"), asn.Recipients[0].BrokerID)

	_, ok = dir.Active("B001", 7, time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC))
	assert.False(t, ok, "outside the effective window")
}

func TestParseAssignments_Rejections(t *testing.T) {
	cases := map[string]string{
		"zero total": `[{"broker": "B001", "from": "2023-01-01", "total_percent": 0,
			"recipients": [{"broker": "B900", "percent": 0}]}]`,
		"total over 100": `[{"broker": "B001", "from": "2023-01-01", "total_percent": 140,
			"recipients": [{"broker": "B900", "percent": 40}]}]`,
		"no recipients": `[{"broker": "B001", "from": "2023-01-01", "total_percent": 40,
			"recipients": []}]`,
		"recipients exceed total": `[{"broker": "B001", "from": "2023-01-01", "total_percent": 40,
			"recipients": [{"broker": "B900", "percent": 30}, {"broker": "B901", "percent": 20}]}]`,
		"missing broker": `[{"from": "2023-01-01", "total_percent": 40,
			"recipients": [{"broker": "B900", "percent": 40}]}]`,
		"bad from date": `[{"broker": "B001", "from": "Jan 1", "total_percent": 40,
			"recipients": [{"broker": "B900", "percent": 40}]}]`,
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := factory.ParseAssignments([]byte(spec))
			assert.Error(t, err)
		})
	}
}
