package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pnlContract() *Contract {
	return &Contract{
		ContractID: "C1",
		Underlying: "AAPL",
		Currency:   "USD",
		StartDate:  day(2024, 1, 1),
		EndDate:    day(2024, 12, 31),
	}
}

func snapshotWithPrices(base string, changes ...PriceChange) *MarketDataSnapshot {
	snap := NewMarketDataSnapshot()
	snap.Prices["AAPL"] = &SymbolPrices{
		Symbol:    "AAPL",
		BasePrice: decimal.RequireFromString(base),
		Changes:   changes,
	}
	return snap
}

func TestPnLUnrealizedAtBreakpoints(t *testing.T) {
	calc := NewPnLCalculator()
	lot := &Lot{
		LotID: "L1", PositionID: "P1", ContractID: "C1",
		Quantity:  decimal.NewFromInt(100),
		CostPrice: decimal.NewFromInt(50),
		CostDate:  day(2024, 1, 1),
		Type:      LotTypeNew,
		Status:    LotStatusActive,
	}
	snap := snapshotWithPrices("55",
		PriceChange{Date: day(2024, 1, 10), Price: decimal.NewFromInt(60)},
	)
	rng := DateRange{Start: day(2024, 1, 1), End: day(2024, 1, 20)}

	entries, errs := calc.Calculate(pnlContract(), lot, rng, snap)

	require.Empty(t, errs)
	require.Len(t, entries, 2)

	// 断点日：(60−50)×100
	assert.Equal(t, day(2024, 1, 10), entries[0].FlowDate)
	assert.True(t, entries[0].Amount.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, FlowStatusAccrual, entries[0].Status)
	assert.Equal(t, BasisDailyClose, entries[0].Basis)

	// 窗口末端：价格平推
	assert.Equal(t, day(2024, 1, 20), entries[1].FlowDate)
	assert.True(t, entries[1].Amount.Equal(decimal.NewFromInt(1000)))
}

func TestPnLUnrealizedDedupesRangeEndBreakpoint(t *testing.T) {
	calc := NewPnLCalculator()
	lot := &Lot{
		LotID: "L1", PositionID: "P1",
		Quantity: decimal.NewFromInt(10), CostPrice: decimal.NewFromInt(50),
		CostDate: day(2024, 1, 1), Type: LotTypeNew, Status: LotStatusActive,
	}
	// 断点恰好落在窗口末端，只产出一条
	snap := snapshotWithPrices("55",
		PriceChange{Date: day(2024, 1, 20), Price: decimal.NewFromInt(60)},
	)
	rng := DateRange{Start: day(2024, 1, 1), End: day(2024, 1, 20)}

	entries, errs := calc.Calculate(pnlContract(), lot, rng, snap)

	require.Empty(t, errs)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Amount.Equal(decimal.NewFromInt(100)))
}

func TestPnLRealizedForClosingLot(t *testing.T) {
	calc := NewPnLCalculator()
	lot := &Lot{
		LotID: "L1", PositionID: "P1",
		Quantity:       decimal.NewFromInt(100),
		CostPrice:      decimal.NewFromInt(50),
		CostDate:       day(2024, 1, 15),
		SettlementDate: day(2024, 1, 17),
		Type:           LotTypeClosing,
		Status:         LotStatusClosed,
	}
	snap := snapshotWithPrices("55",
		PriceChange{Date: day(2024, 1, 10), Price: decimal.NewFromInt(60)},
	)
	rng := DateRange{Start: day(2024, 1, 1), End: day(2024, 1, 31)}

	entries, errs := calc.Calculate(pnlContract(), lot, rng, snap)

	require.Empty(t, errs)
	require.Len(t, entries, 1)
	e := entries[0]
	// 事件日价格 60：(60−50)×100
	assert.True(t, e.Amount.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, FlowStatusRealizedUnsettled, e.Status)
	assert.Equal(t, BasisTradeLevel, e.Basis)
	assert.Equal(t, day(2024, 1, 15), e.FlowDate)
	require.NotNil(t, e.SettlementDate)
	assert.Equal(t, day(2024, 1, 17), *e.SettlementDate)
}

func TestPnLRealizedOutsideRange(t *testing.T) {
	calc := NewPnLCalculator()
	lot := &Lot{
		LotID: "L1", Quantity: decimal.NewFromInt(100), CostPrice: decimal.NewFromInt(50),
		CostDate: day(2024, 2, 15), Type: LotTypeClosing, Status: LotStatusClosed,
	}
	rng := DateRange{Start: day(2024, 1, 1), End: day(2024, 1, 31)}

	entries, errs := calc.Calculate(pnlContract(), lot, rng, snapshotWithPrices("55"))

	assert.Empty(t, entries)
	assert.Empty(t, errs)
}

func TestPnLMissingSymbolIsWarning(t *testing.T) {
	calc := NewPnLCalculator()
	lot := &Lot{
		LotID: "L1", Quantity: decimal.NewFromInt(100), CostPrice: decimal.NewFromInt(50),
		CostDate: day(2024, 1, 1), Type: LotTypeNew, Status: LotStatusActive,
	}
	rng := DateRange{Start: day(2024, 1, 1), End: day(2024, 1, 31)}

	entries, errs := calc.Calculate(pnlContract(), lot, rng, NewMarketDataSnapshot())

	assert.Empty(t, entries)
	require.Len(t, errs, 1)
	assert.Equal(t, SeverityWarning, errs[0].Severity)
	assert.Equal(t, CodeMarketDataUnavailable, errs[0].Code)
	assert.Equal(t, "AAPL", errs[0].Symbol)
}

func TestPnLClosedActiveLotProducesNothing(t *testing.T) {
	calc := NewPnLCalculator()
	lot := &Lot{
		LotID: "L1", Quantity: decimal.NewFromInt(100), CostPrice: decimal.NewFromInt(50),
		CostDate: day(2024, 1, 1), Type: LotTypeNew, Status: LotStatusClosed,
	}
	rng := DateRange{Start: day(2024, 1, 1), End: day(2024, 1, 31)}

	entries, errs := calc.Calculate(pnlContract(), lot, rng, snapshotWithPrices("55"))

	assert.Empty(t, entries)
	assert.Empty(t, errs)
}
