package domain

import (
	"context"
	"time"
)

// MarketDataPort 外部行情服务能力。受超时约束，允许逐标的失败：
// 拉不到的标的从返回映射中缺失，不整体报错。
type MarketDataPort interface {
	FetchPrices(ctx context.Context, symbols []string, rng DateRange) (map[string]*SymbolPrices, error)
	FetchRates(ctx context.Context, indexes []string, rng DateRange) (map[string]*IndexRates, error)
	FetchDividends(ctx context.Context, symbols []string, rng DateRange) (map[string][]Dividend, error)
}

// MarketDataResolver 市场数据解析器。按策略从内嵌快照、缓存或外部
// 行情服务解析数据，返回统一快照。缺失标的以 missing 列表返回，
// 仅造成相关批次降级。
type MarketDataResolver interface {
	Resolve(ctx context.Context, symbols, indexes []string, rng DateRange, strategy ResolutionStrategy, embedded *MarketDataSnapshot) (snapshot *MarketDataSnapshot, missing []string, err error)
}

// CachePort 快照片段缓存能力
type CachePort interface {
	Get(key string) (any, bool)
	Put(key string, value any, ttl time.Duration)
	EvictExpired()
}

// CashFlowRepository 现金流仓储接口，按 cash_flow_id 幂等
type CashFlowRepository interface {
	SaveBatch(ctx context.Context, entries []CashFlowEntry) error
	FindByRequestID(ctx context.Context, requestID string) ([]CashFlowEntry, error)
	FindByCalculationID(ctx context.Context, calculationID string) ([]CashFlowEntry, error)
}

// AuditRepository 计算请求审计仓储接口
type AuditRepository interface {
	Save(ctx context.Context, record *CalculationRequestRecord) error
	GetByRequestID(ctx context.Context, requestID string) (*CalculationRequestRecord, error)
	GetByHash(ctx context.Context, inputHash string) (*CalculationRequestRecord, error)
	// UpdateWithVersion 乐观并发更新：仅当版本匹配时写入并递增版本
	UpdateWithVersion(ctx context.Context, record *CalculationRequestRecord) error
}

// ResultCacheRepository 指纹 → 计算结果缓存，重复请求短路
type ResultCacheRepository interface {
	Get(ctx context.Context, inputHash string) (*CalculationResult, error)
	Put(ctx context.Context, inputHash string, result *CalculationResult, ttl time.Duration) error
}

// EventPublisher 计算事件发布能力
type EventPublisher interface {
	PublishCalculationCompleted(ctx context.Context, event CalculationCompletedEvent) error
}

// CalculationCompletedEvent 计算完成事件
type CalculationCompletedEvent struct {
	RequestID     string    `json:"request_id"`
	CalculationID string    `json:"calculation_id"`
	InputHash     string    `json:"input_hash"`
	Status        string    `json:"status"`
	EntryCount    int       `json:"entry_count"`
	ErrorCount    int       `json:"error_count"`
	CompletedAt   time.Time `json:"completed_at"`
}
