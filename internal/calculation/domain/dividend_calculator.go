package domain

import (
	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// DividendCalculator 股息计算器。对持有窗口内每个除权日的股息
// 计算毛额并按预扣税处理方式推导净额，产出 DIVIDEND 条目及其
// 预扣税记录。纯函数，无共享状态。
type DividendCalculator struct{}

// NewDividendCalculator 创建股息计算器
func NewDividendCalculator() *DividendCalculator {
	return &DividendCalculator{}
}

// Calculate 计算批次在窗口内的股息现金流
func (c *DividendCalculator) Calculate(contract *Contract, lot *Lot, rng DateRange, md *MarketDataSnapshot) ([]CashFlowEntry, []LotError) {
	if lot.Quantity.IsZero() {
		return nil, nil
	}

	dividends := md.DividendsIn(contract.Underlying, rng.Start, rng.End)

	var entries []CashFlowEntry
	for _, d := range dividends {
		// 持有窗口：建仓日之后、平仓批次交收日之前的除权日才归属本批次
		if d.ExDate.Before(lot.CostDate) {
			continue
		}
		if lot.Status == LotStatusClosed && d.ExDate.After(lot.SettlementDate) {
			continue
		}

		gross := d.Amount.Mul(lot.Quantity)
		record := applyWithholding(gross, d)

		currency := d.Currency
		if currency == "" {
			currency = contract.Currency
		}

		entry := CashFlowEntry{
			ContractID:     contract.ContractID,
			PositionID:     lot.PositionID,
			LotID:          lot.LotID,
			FlowType:       FlowDividend,
			FlowDate:       d.ExDate,
			Amount:         record.NetAmount,
			Currency:       currency,
			Status:         FlowStatusRealizedUnsettled,
			Basis:          BasisScheduled,
			SettlementDate: timePtr(d.ExDate),
			Withholding:    record,
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// applyWithholding 按处理方式推导预扣税记录
func applyWithholding(gross decimal.Decimal, d Dividend) *WithholdingTaxRecord {
	record := &WithholdingTaxRecord{
		WithholdingRate: d.WithholdingRate,
		Treatment:       d.Treatment,
		Jurisdiction:    d.Jurisdiction,
	}

	switch d.Treatment {
	case TreatmentGrossUp:
		// net = gross × (1 − rate)，预扣额为差值
		record.GrossAmount = gross
		record.NetAmount = gross.Mul(one.Sub(d.WithholdingRate))
		record.WithholdingAmount = gross.Sub(record.NetAmount)

	case TreatmentNetAmount:
		// 输入金额已是净额，毛额仅为审计反推
		record.NetAmount = gross
		record.WithholdingAmount = decimal.Zero
		if d.WithholdingRate.IsPositive() && d.WithholdingRate.LessThan(one) {
			record.GrossAmount = gross.Div(one.Sub(d.WithholdingRate))
		} else {
			record.GrossAmount = gross
		}

	case TreatmentTaxCredit:
		// 全额支付，预扣额单独记为可回收抵扣，不从净额扣减
		record.GrossAmount = gross
		record.NetAmount = gross
		record.WithholdingAmount = gross.Mul(d.WithholdingRate)

	default: // TreatmentNoWithholding
		record.GrossAmount = gross
		record.NetAmount = gross
		record.WithholdingAmount = decimal.Zero
	}

	return record
}
