package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CashFlowType 现金流类型
type CashFlowType int8

const (
	FlowInterest  CashFlowType = 1 // 利息
	FlowDividend  CashFlowType = 2 // 股息
	FlowPrincipal CashFlowType = 3 // 本金
	FlowPnL       CashFlowType = 4 // 盈亏
)

func (t CashFlowType) String() string {
	switch t {
	case FlowInterest:
		return "INTEREST"
	case FlowDividend:
		return "DIVIDEND"
	case FlowPrincipal:
		return "PRINCIPAL"
	case FlowPnL:
		return "PNL"
	default:
		return "UNKNOWN"
	}
}

// CashFlowStatus 现金流状态
type CashFlowStatus int8

const (
	FlowStatusAccrual           CashFlowStatus = 1 // 应计
	FlowStatusRealizedDeferred  CashFlowStatus = 2 // 已实现递延
	FlowStatusRealizedUnsettled CashFlowStatus = 3 // 已实现未交收
	FlowStatusRealizedSettled   CashFlowStatus = 4 // 已实现已交收
)

func (s CashFlowStatus) String() string {
	switch s {
	case FlowStatusAccrual:
		return "ACCRUAL"
	case FlowStatusRealizedDeferred:
		return "REALIZED_DEFERRED"
	case FlowStatusRealizedUnsettled:
		return "REALIZED_UNSETTLED"
	case FlowStatusRealizedSettled:
		return "REALIZED_SETTLED"
	default:
		return "UNKNOWN"
	}
}

// IsRealized 是否为已实现状态
func (s CashFlowStatus) IsRealized() bool {
	return s == FlowStatusRealizedDeferred || s == FlowStatusRealizedUnsettled || s == FlowStatusRealizedSettled
}

// CalculationBasis 计算基准
type CalculationBasis int8

const (
	BasisDailyClose CalculationBasis = 1 // 日终
	BasisTradeLevel CalculationBasis = 2 // 交易级
	BasisScheduled  CalculationBasis = 3 // 计划日
)

func (b CalculationBasis) String() string {
	switch b {
	case BasisDailyClose:
		return "DAILY_CLOSE"
	case BasisTradeLevel:
		return "TRADE_LEVEL"
	case BasisScheduled:
		return "SCHEDULED"
	default:
		return "UNKNOWN"
	}
}

// CashFlowEntry 现金流条目。计算器产出后即不可变，
// 修正通过追加新条目完成，从不原地更新（仅追加账本语义）。
type CashFlowEntry struct {
	gorm.Model
	CashFlowID     string                `gorm:"column:cash_flow_id;type:varchar(64);uniqueIndex;not null" json:"cash_flow_id"`
	ContractID     string                `gorm:"column:contract_id;type:varchar(64);index;not null" json:"contract_id"`
	PositionID     string                `gorm:"column:position_id;type:varchar(64);index" json:"position_id"`
	LotID          string                `gorm:"column:lot_id;type:varchar(64);index;not null" json:"lot_id"`
	FlowType       CashFlowType          `gorm:"column:flow_type;type:tinyint;not null" json:"flow_type"`
	FlowDate       time.Time             `gorm:"column:flow_date;index;not null" json:"flow_date"`
	Amount         decimal.Decimal       `gorm:"column:amount;type:decimal(24,8);not null" json:"amount"`
	Currency       string                `gorm:"column:currency;type:varchar(3);not null" json:"currency"`
	Status         CashFlowStatus        `gorm:"column:status;type:tinyint;not null" json:"status"`
	Basis          CalculationBasis      `gorm:"column:basis;type:tinyint;not null" json:"basis"`
	AccrualStart   *time.Time            `gorm:"column:accrual_start" json:"accrual_start,omitempty"`
	AccrualEnd     *time.Time            `gorm:"column:accrual_end" json:"accrual_end,omitempty"`
	SettlementDate *time.Time            `gorm:"column:settlement_date;index" json:"settlement_date,omitempty"`
	RequestID      string                `gorm:"column:request_id;type:varchar(64);index" json:"request_id"`
	CalculationID  string                `gorm:"column:calculation_id;type:varchar(64);index" json:"calculation_id"`
	Version        int                   `gorm:"column:version;not null;default:1" json:"version"`
	Withholding    *WithholdingTaxRecord `gorm:"foreignKey:CashFlowID;references:CashFlowID" json:"withholding,omitempty"`
}

// TableName 表名
func (CashFlowEntry) TableName() string {
	return "cash_flow_entries"
}

// IsSettleable 是否可派生结算指令：已实现且带交收日
func (e *CashFlowEntry) IsSettleable() bool {
	return e.Status.IsRealized() && e.SettlementDate != nil
}

// WithholdingTaxRecord 预扣税记录，由股息输入与处理策略确定性推导，
// 挂在产生它的 DIVIDEND 现金流条目上。
type WithholdingTaxRecord struct {
	gorm.Model
	CashFlowID        string               `gorm:"column:cash_flow_id;type:varchar(64);uniqueIndex;not null" json:"cash_flow_id"`
	GrossAmount       decimal.Decimal      `gorm:"column:gross_amount;type:decimal(24,8);not null" json:"gross_amount"`
	WithholdingRate   decimal.Decimal      `gorm:"column:withholding_rate;type:decimal(10,6)" json:"withholding_rate"`
	WithholdingAmount decimal.Decimal      `gorm:"column:withholding_amount;type:decimal(24,8)" json:"withholding_amount"`
	NetAmount         decimal.Decimal      `gorm:"column:net_amount;type:decimal(24,8);not null" json:"net_amount"`
	Treatment         WithholdingTreatment `gorm:"column:treatment;type:tinyint;not null" json:"treatment"`
	Jurisdiction      string               `gorm:"column:jurisdiction;type:varchar(8)" json:"jurisdiction"`
}

// TableName 表名
func (WithholdingTaxRecord) TableName() string {
	return "withholding_tax_records"
}
