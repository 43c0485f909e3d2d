package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CalculationType 计算类型，由请求形态纯函数分类，不做启发式猜测
type CalculationType int8

const (
	CalculationRealTime   CalculationType = 1 // 实时（小范围，同步路径）
	CalculationHistorical CalculationType = 2 // 历史/批量（大范围，异步路径）
)

func (t CalculationType) String() string {
	switch t {
	case CalculationRealTime:
		return "REAL_TIME"
	case CalculationHistorical:
		return "HISTORICAL"
	default:
		return "UNKNOWN"
	}
}

// ResolutionMode 市场数据解析模式
type ResolutionMode int8

const (
	ModeSelfContained ResolutionMode = 1 // 数据内嵌于请求，无 I/O
	ModeEndpoints     ResolutionMode = 2 // 实时拉取外部行情服务
	ModeHybrid        ResolutionMode = 3 // 先查缓存，未命中回源并回填
)

func (m ResolutionMode) String() string {
	switch m {
	case ModeSelfContained:
		return "SELF_CONTAINED"
	case ModeEndpoints:
		return "ENDPOINTS"
	case ModeHybrid:
		return "HYBRID"
	default:
		return "UNKNOWN"
	}
}

// ResolutionStrategy 市场数据解析策略
type ResolutionStrategy struct {
	Mode           ResolutionMode `json:"mode"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	CacheKey       string         `json:"cache_key"`
}

// Timeout 单次拉取超时，未配置时为 10 秒
func (s ResolutionStrategy) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// DateRange 日期区间，两端闭区间
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Days 区间覆盖的日历天数
func (r DateRange) Days() int {
	if r.End.Before(r.Start) {
		return 0
	}
	return int(r.End.Sub(r.Start).Hours()/24) + 1
}

// Contains 日期是否落在区间内
func (r DateRange) Contains(date time.Time) bool {
	return !date.Before(r.Start) && !date.After(r.End)
}

// IsValid 区间是否合法
func (r DateRange) IsValid() bool {
	return !r.Start.IsZero() && !r.End.IsZero() && !r.End.Before(r.Start)
}

// CalculationRequest 归一化后的计算请求，引擎的唯一入口值
type CalculationRequest struct {
	RequestID   string              `json:"request_id"`
	Contracts   []Contract          `json:"contracts"`
	Range       DateRange           `json:"range"`
	Strategy    ResolutionStrategy  `json:"strategy"`
	Snapshot    *MarketDataSnapshot `json:"snapshot,omitempty"`
	RequestedAt time.Time           `json:"requested_at"`
}

// LotCount 请求内批次总数
func (r *CalculationRequest) LotCount() int {
	n := 0
	for i := range r.Contracts {
		n += r.Contracts[i].LotCount()
	}
	return n
}

// RequestStatus 请求级状态机：
// RECEIVED → EXPANDING → DISPATCHED → AGGREGATING → {SUCCESS | PARTIAL_SUCCESS | FAILED}。
// 终态不可再变，该层不做重试。
type RequestStatus int8

const (
	RequestReceived       RequestStatus = 1
	RequestExpanding      RequestStatus = 2
	RequestDispatched     RequestStatus = 3
	RequestAggregating    RequestStatus = 4
	RequestSuccess        RequestStatus = 5
	RequestPartialSuccess RequestStatus = 6
	RequestFailed         RequestStatus = 7
)

func (s RequestStatus) String() string {
	switch s {
	case RequestReceived:
		return "RECEIVED"
	case RequestExpanding:
		return "EXPANDING"
	case RequestDispatched:
		return "DISPATCHED"
	case RequestAggregating:
		return "AGGREGATING"
	case RequestSuccess:
		return "SUCCESS"
	case RequestPartialSuccess:
		return "PARTIAL_SUCCESS"
	case RequestFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 是否为终态
func (s RequestStatus) IsTerminal() bool {
	return s == RequestSuccess || s == RequestPartialSuccess || s == RequestFailed
}

// CalculationRequestRecord 计算请求审计记录，每个被接受的请求一条。
// InputHash 为归一化请求内容的 SHA-256，作为去重键与可复现性校验依据。
// Version 为单调版本号，写入方通过比较交换更新。
type CalculationRequestRecord struct {
	gorm.Model
	RequestID       string          `gorm:"column:request_id;type:varchar(64);uniqueIndex;not null" json:"request_id"`
	ContractID      string          `gorm:"column:contract_id;type:varchar(64);index" json:"contract_id"`
	RangeStart      time.Time       `gorm:"column:range_start;not null" json:"range_start"`
	RangeEnd        time.Time       `gorm:"column:range_end;not null" json:"range_end"`
	CalculationType CalculationType `gorm:"column:calculation_type;type:tinyint" json:"calculation_type"`
	CalculationID   string          `gorm:"column:calculation_id;type:varchar(64);index" json:"calculation_id"`
	InputHash       string          `gorm:"column:input_hash;type:varchar(64);index;not null" json:"input_hash"`
	RequestPayload  string          `gorm:"column:request_payload;type:longtext" json:"-"`
	Status          RequestStatus   `gorm:"column:status;type:tinyint;not null" json:"status"`
	ContractCount   int             `gorm:"column:contract_count" json:"contract_count"`
	LotCount        int             `gorm:"column:lot_count" json:"lot_count"`
	EntryCount      int             `gorm:"column:entry_count" json:"entry_count"`
	ErrorCount      int             `gorm:"column:error_count" json:"error_count"`
	TotalAmount     decimal.Decimal `gorm:"column:total_amount;type:decimal(24,8)" json:"total_amount"`
	Currency        string          `gorm:"column:currency;type:varchar(3)" json:"currency"`
	DurationMs      int64           `gorm:"column:duration_ms" json:"duration_ms"`
	ErrorMessage    string          `gorm:"column:error_message;type:varchar(1024)" json:"error_message"`
	Version         int             `gorm:"column:version;not null;default:1" json:"version"`
}

// TableName 表名
func (CalculationRequestRecord) TableName() string {
	return "calculation_request_records"
}
