package orderbook

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestDominates(t *testing.T) {
	cheaper := Ask{ProviderID: "p1", Price: dec("0.0008"), MaxLatencyMS: 900, AvailableTokens: 1000000}
	pricier := Ask{ProviderID: "p2", Price: dec("0.0009"), MaxLatencyMS: 800, AvailableTokens: 1000000}

	assert.False(t, cheaper.Dominates(pricier), "cheaper is not strictly better on latency, so neither dominates")
	assert.False(t, pricier.Dominates(cheaper))

	strictlyBetter := Ask{ProviderID: "p3", Price: dec("0.0007"), MaxLatencyMS: 700, AvailableTokens: 2000000}
	assert.True(t, strictlyBetter.Dominates(cheaper))
	assert.True(t, strictlyBetter.Dominates(pricier))
}

func TestParetoFrontier_BasicMatching(t *testing.T) {
	asks := []Ask{
		{ProviderID: "provider1", Model: "gpt-4", GPUType: "a100", Price: dec("0.0009"), MaxLatencyMS: 800, AvailableTokens: 1000000},
		{ProviderID: "provider2", Model: "gpt-4", GPUType: "a100", Price: dec("0.0008"), MaxLatencyMS: 900, AvailableTokens: 1000000},
	}

	frontier := ParetoFrontier(asks)

	require := assert.New(t)
	require.Len(frontier, 2, "neither ask dominates the other: provider1 wins on latency, provider2 on price")
	require.Equal("provider2", frontier[0].ProviderID, "lexicographically best by price first")
}

func TestParetoFrontier_MultipleValidMatches(t *testing.T) {
	asks := []Ask{
		{ProviderID: "provider1", Model: "gpt-4", GPUType: "a100", Price: dec("0.0009"), MaxLatencyMS: 800, AvailableTokens: 1000000},
		{ProviderID: "provider2", Model: "gpt-4", GPUType: "a100", Price: dec("0.0008"), MaxLatencyMS: 900, AvailableTokens: 1000000},
		{ProviderID: "provider3", Model: "gpt-4", GPUType: "h100", Price: dec("0.00075"), MaxLatencyMS: 950, AvailableTokens: 1000000},
	}

	frontier := ParetoFrontier(asks)
	assert.Equal(t, "provider3", frontier[0].ProviderID, "cheapest ask always leads the sort")
}

func TestParetoFrontier_StrictDominanceExcludesLoser(t *testing.T) {
	asks := []Ask{
		{ProviderID: "winner", Model: "gpt-4", Price: dec("0.0005"), MaxLatencyMS: 500, AvailableTokens: 500000},
		{ProviderID: "loser", Model: "gpt-4", Price: dec("0.0006"), MaxLatencyMS: 600, AvailableTokens: 400000},
	}

	frontier := ParetoFrontier(asks)
	assert.Len(t, frontier, 1)
	assert.Equal(t, "winner", frontier[0].ProviderID)
}

func TestParetoFrontier_Empty(t *testing.T) {
	assert.Empty(t, ParetoFrontier(nil))
}
