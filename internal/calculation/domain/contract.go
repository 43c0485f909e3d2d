// Package domain 现金流计算引擎的领域模型
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// InstrumentType 合约工具类型
type InstrumentType int8

const (
	InstrumentEquitySwap InstrumentType = 1 // 股票互换
	InstrumentForward    InstrumentType = 2 // 远期
	InstrumentOption     InstrumentType = 3 // 期权
	InstrumentRateSwap   InstrumentType = 4 // 利率互换
	InstrumentBond       InstrumentType = 5 // 债券
)

func (t InstrumentType) String() string {
	switch t {
	case InstrumentEquitySwap:
		return "EQUITY_SWAP"
	case InstrumentForward:
		return "FORWARD"
	case InstrumentOption:
		return "OPTION"
	case InstrumentRateSwap:
		return "RATE_SWAP"
	case InstrumentBond:
		return "BOND"
	default:
		return "UNKNOWN"
	}
}

// LotType 批次类型
type LotType int8

const (
	LotTypeNew        LotType = 1 // 新建仓
	LotTypeAdjustment LotType = 2 // 调整
	LotTypeClosing    LotType = 3 // 平仓
)

func (t LotType) String() string {
	switch t {
	case LotTypeNew:
		return "NEW"
	case LotTypeAdjustment:
		return "ADJUSTMENT"
	case LotTypeClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// LotStatus 批次状态
type LotStatus int8

const (
	LotStatusActive   LotStatus = 1 // 活跃
	LotStatusClosed   LotStatus = 2 // 已平仓
	LotStatusAdjusted LotStatus = 3 // 已调整
)

func (s LotStatus) String() string {
	switch s {
	case LotStatusActive:
		return "ACTIVE"
	case LotStatusClosed:
		return "CLOSED"
	case LotStatusAdjusted:
		return "ADJUSTED"
	default:
		return "UNKNOWN"
	}
}

// Contract 合约，计算请求的不可变输入，引擎不负责持久化
type Contract struct {
	ContractID     string          `json:"contract_id"`
	Underlying     string          `json:"underlying"`
	InstrumentType InstrumentType  `json:"instrument_type"`
	Notional       decimal.Decimal `json:"notional"`
	Currency       string          `json:"currency"`
	StartDate      time.Time       `json:"start_date"`
	EndDate        time.Time       `json:"end_date"`
	RateIndex      string          `json:"rate_index"`
	Positions      []Position      `json:"positions"`
}

// Position 头寸，合约下的批次分组
type Position struct {
	PositionID string `json:"position_id"`
	ContractID string `json:"contract_id"`
	Lots       []Lot  `json:"lots"`
}

// Lot 批次，计算粒度的最小单位，一个批次不会跨越两个合约
type Lot struct {
	LotID          string          `json:"lot_id"`
	PositionID     string          `json:"position_id"`
	ContractID     string          `json:"contract_id"`
	Quantity       decimal.Decimal `json:"quantity"`
	CostPrice      decimal.Decimal `json:"cost_price"`
	CostDate       time.Time       `json:"cost_date"`
	SettlementDate time.Time       `json:"settlement_date"`
	Type           LotType         `json:"lot_type"`
	Status         LotStatus       `json:"status"`
}

// LotCount 合约下的批次总数
func (c *Contract) LotCount() int {
	n := 0
	for i := range c.Positions {
		n += len(c.Positions[i].Lots)
	}
	return n
}
