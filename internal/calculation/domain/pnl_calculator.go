package domain

import (
	"sort"
	"time"
)

// PnLCalculator 盈亏计算器。
// 已实现盈亏 = (平仓价 − 成本价) × 数量，针对 CLOSING/ADJUSTMENT 批次按事件日计算；
// 未实现盈亏 = (最新可得价格 − 成本价) × 数量，针对 ACTIVE 批次在价格断点逐日终重算。
// 数量一旦进入已实现条目就不会再参与未实现计算，不重复计数。
type PnLCalculator struct{}

// NewPnLCalculator 创建盈亏计算器
func NewPnLCalculator() *PnLCalculator {
	return &PnLCalculator{}
}

// Calculate 计算批次在窗口内的盈亏现金流
func (c *PnLCalculator) Calculate(contract *Contract, lot *Lot, rng DateRange, md *MarketDataSnapshot) ([]CashFlowEntry, []LotError) {
	if lot.Quantity.IsZero() {
		return nil, nil
	}

	prices, ok := md.Prices[contract.Underlying]
	if !ok {
		return nil, []LotError{
			NewLotWarning(lot.LotID, contract.Underlying, CodeMarketDataUnavailable,
				"no price data for symbol in range"),
		}
	}

	switch lot.Type {
	case LotTypeClosing, LotTypeAdjustment:
		return c.realized(contract, lot, rng, prices), nil
	default:
		return c.unrealized(contract, lot, rng, prices), nil
	}
}

// realized 平仓/调整批次的已实现盈亏，按事件日（批次成本日）计一条交易级条目
func (c *PnLCalculator) realized(contract *Contract, lot *Lot, rng DateRange, prices *SymbolPrices) []CashFlowEntry {
	eventDate := lot.CostDate
	if !rng.Contains(eventDate) {
		return nil
	}

	exitPrice := prices.PriceAt(eventDate)
	pnl := exitPrice.Sub(lot.CostPrice).Mul(lot.Quantity)

	return []CashFlowEntry{{
		ContractID:     contract.ContractID,
		PositionID:     lot.PositionID,
		LotID:          lot.LotID,
		FlowType:       FlowPnL,
		FlowDate:       eventDate,
		Amount:         pnl,
		Currency:       contract.Currency,
		Status:         FlowStatusRealizedUnsettled,
		Basis:          BasisTradeLevel,
		SettlementDate: timePtr(lot.SettlementDate),
	}}
}

// unrealized 活跃批次的未实现盈亏。价格在断点之间分段恒定，
// 故仅在断点与窗口末端重算，与逐日重算结果一致。
func (c *PnLCalculator) unrealized(contract *Contract, lot *Lot, rng DateRange, prices *SymbolPrices) []CashFlowEntry {
	if lot.Status == LotStatusClosed {
		return nil
	}

	start := maxDate(rng.Start, lot.CostDate)
	if start.After(rng.End) {
		return nil
	}

	boundaries := prices.ChangeDatesIn(start, rng.End)
	boundaries = append(boundaries, rng.End)
	sort.Slice(boundaries, func(i, j int) bool { return boundaries[i].Before(boundaries[j]) })

	var entries []CashFlowEntry
	var prev time.Time
	for _, day := range boundaries {
		if !prev.IsZero() && day.Equal(prev) {
			continue
		}
		prev = day

		price := prices.PriceAt(day)
		pnl := price.Sub(lot.CostPrice).Mul(lot.Quantity)

		entries = append(entries, CashFlowEntry{
			ContractID:   contract.ContractID,
			PositionID:   lot.PositionID,
			LotID:        lot.LotID,
			FlowType:     FlowPnL,
			FlowDate:     day,
			Amount:       pnl,
			Currency:     contract.Currency,
			Status:       FlowStatusAccrual,
			Basis:        BasisDailyClose,
			AccrualStart: timePtr(start),
			AccrualEnd:   timePtr(day),
		})
	}

	return entries
}
