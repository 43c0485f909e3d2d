package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// 利息计算的日计数基准（ACT/360）
var dayCountBase = decimal.NewFromInt(360)

// InterestCalculator 利息计算器。纯函数：(批次, 日期窗口, 市场数据) → 现金流条目，
// 无共享状态，不同批次可并发调用。
// 逐日推进应计窗口（利率断点之间分段恒定），按月边界产出一条 ACCRUAL 条目，
// 合约到期日落在窗口内时末段应计转为已实现。
type InterestCalculator struct{}

// NewInterestCalculator 创建利息计算器
func NewInterestCalculator() *InterestCalculator {
	return &InterestCalculator{}
}

// Calculate 计算批次在窗口内的利息现金流
func (c *InterestCalculator) Calculate(contract *Contract, lot *Lot, rng DateRange, md *MarketDataSnapshot) ([]CashFlowEntry, []LotError) {
	if contract.RateIndex == "" || lot.Quantity.IsZero() {
		return nil, nil
	}

	rates, ok := md.Rates[contract.RateIndex]
	if !ok {
		return nil, []LotError{
			NewLotWarning(lot.LotID, contract.RateIndex, CodeMarketDataUnavailable,
				"no rate data for index in range"),
		}
	}

	start := maxDate(rng.Start, contract.StartDate, lot.CostDate)
	end := minDate(rng.End, contract.EndDate)
	if end.Before(start) {
		return nil, nil
	}

	notional := lot.Quantity.Mul(lot.CostPrice)
	if notional.IsZero() {
		notional = contract.Notional
	}

	var entries []CashFlowEntry
	periodStart := start
	accrued := decimal.Zero

	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		rate := rates.RateAt(day)
		accrued = accrued.Add(notional.Mul(rate).Div(dayCountBase))

		if isMonthEnd(day) || day.Equal(end) {
			entry := CashFlowEntry{
				ContractID:   contract.ContractID,
				PositionID:   lot.PositionID,
				LotID:        lot.LotID,
				FlowType:     FlowInterest,
				FlowDate:     day,
				Amount:       accrued,
				Currency:     contract.Currency,
				Status:       FlowStatusAccrual,
				Basis:        BasisDailyClose,
				AccrualStart: timePtr(periodStart),
				AccrualEnd:   timePtr(day),
			}
			// 合约到期日落在窗口内：末段应计在交收日实现
			if day.Equal(contract.EndDate) && rng.Contains(contract.EndDate) {
				entry.Status = FlowStatusRealizedUnsettled
				entry.SettlementDate = timePtr(contract.EndDate)
			}
			entries = append(entries, entry)

			periodStart = day.AddDate(0, 0, 1)
			accrued = decimal.Zero
		}
	}

	return entries, nil
}

func isMonthEnd(d time.Time) bool {
	return d.AddDate(0, 0, 1).Day() == 1
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func maxDate(first time.Time, rest ...time.Time) time.Time {
	out := first
	for _, t := range rest {
		if t.After(out) {
			out = t
		}
	}
	return out
}

func minDate(first time.Time, rest ...time.Time) time.Time {
	out := first
	for _, t := range rest {
		if t.Before(out) {
			out = t
		}
	}
	return out
}
