package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rollupContracts() []Contract {
	return []Contract{
		{
			ContractID: "C1",
			Positions: []Position{
				{PositionID: "P1", Lots: []Lot{{LotID: "L1"}, {LotID: "L2"}}},
			},
		},
	}
}

func TestRollupAllSucceeded(t *testing.T) {
	lots := []LotResult{
		{LotID: "L1", Entries: []CashFlowEntry{{Amount: decimal.NewFromInt(10)}}},
		{LotID: "L2"},
	}

	results, status := RollupLotResults(rollupContracts(), lots)

	assert.Equal(t, RequestSuccess, status)
	require.Len(t, results, 1)
	assert.False(t, results[0].Failed)
	assert.False(t, results[0].Positions[0].Failed)
}

func TestRollupPartialSuccess(t *testing.T) {
	lots := []LotResult{
		{LotID: "L1"},
		{LotID: "L2", Failed: true, Errors: []LotError{
			NewLotFailure("L2", "AAPL", CodeMarketDataUnavailable, "no data"),
		}},
	}

	results, status := RollupLotResults(rollupContracts(), lots)

	assert.Equal(t, RequestPartialSuccess, status)
	// 头寸下仍有成功分支，头寸与合约都不算失败
	assert.False(t, results[0].Failed)
	assert.False(t, results[0].Positions[0].Failed)
	assert.True(t, results[0].Positions[0].Lots[1].Failed)
}

func TestRollupAllFailed(t *testing.T) {
	lots := []LotResult{
		{LotID: "L1", Failed: true},
		{LotID: "L2", Failed: true},
	}

	results, status := RollupLotResults(rollupContracts(), lots)

	assert.Equal(t, RequestFailed, status)
	assert.True(t, results[0].Failed)
	assert.True(t, results[0].Positions[0].Failed)
}

func TestRollupSynthesizesMissingSlot(t *testing.T) {
	// L2 未写入槽位，按失败分支补齐
	lots := []LotResult{{LotID: "L1"}}

	results, status := RollupLotResults(rollupContracts(), lots)

	assert.Equal(t, RequestPartialSuccess, status)
	missing := results[0].Positions[0].Lots[1]
	assert.Equal(t, "L2", missing.LotID)
	assert.True(t, missing.Failed)
	require.Len(t, missing.Errors, 1)
	assert.Equal(t, CodeDispatch, missing.Errors[0].Code)
	assert.Equal(t, SeverityError, missing.Errors[0].Severity)
}

func TestCalculationResultFlattening(t *testing.T) {
	result := &CalculationResult{
		Contracts: []ContractResult{{
			ContractID: "C1",
			Positions: []PositionResult{{
				PositionID: "P1",
				Lots: []LotResult{
					{LotID: "L1", Entries: []CashFlowEntry{
						{Amount: decimal.NewFromInt(100)},
						{Amount: decimal.NewFromInt(-30)},
					}},
					{LotID: "L2",
						Entries: []CashFlowEntry{{Amount: decimal.NewFromInt(5)}},
						Errors:  []LotError{NewLotWarning("L2", "", CodeMarketDataUnavailable, "no data")},
					},
				},
			}},
		}},
	}

	assert.Len(t, result.AllEntries(), 3)
	assert.Len(t, result.AllErrors(), 1)
	assert.True(t, result.TotalAmount().Equal(decimal.NewFromInt(75)))
}
