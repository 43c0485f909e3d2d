package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/wyfcoding/pkg/idgen"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/wyfcoding/cashflowengine/internal/calculation/domain"
)

// EngineConfig 引擎配置。池大小与分类阈值全部显式注入，不做硬编码。
type EngineConfig struct {
	EngineVersion string
	IOPoolSize    int
	CPUPoolSize   int
	// RealTimeThreshold 分类阈值：合约数 × 区间天数 不超过该值走实时路径
	RealTimeThreshold int
	ResultCacheTTL    time.Duration
}

// CalculationObserver 计算指标观测面，由运维侧注入
type CalculationObserver interface {
	ObserveCalculation(status string, durationSeconds float64, lots, entries int, cacheHit bool)
}

// CalculationService 计算引擎应用服务。
// 把请求展开为 合约→头寸→批次 任务图，经双执行池派发，
// 聚合为层级结果并负责审计、缓存与事件发布。
type CalculationService struct {
	cfg       EngineConfig
	resolver  domain.MarketDataResolver
	cashflows domain.CashFlowRepository
	audits    domain.AuditRepository
	results   domain.ResultCacheRepository
	publisher domain.EventPublisher
	observer  CalculationObserver
	fp        *domain.Fingerprinter
	pools     *Pools
	inflight  singleflight.Group

	interest *domain.InterestCalculator
	dividend *domain.DividendCalculator
	pnl      *domain.PnLCalculator

	logger *slog.Logger
}

// NewCalculationService 创建计算引擎服务。
// 仓储与发布器允许为 nil（纯内存运行，测试与实时路径复用同一实现）。
func NewCalculationService(
	cfg EngineConfig,
	resolver domain.MarketDataResolver,
	cashflows domain.CashFlowRepository,
	audits domain.AuditRepository,
	results domain.ResultCacheRepository,
	publisher domain.EventPublisher,
	logger *slog.Logger,
) *CalculationService {
	if cfg.EngineVersion == "" {
		cfg.EngineVersion = "1.0.0"
	}
	if cfg.RealTimeThreshold <= 0 {
		cfg.RealTimeThreshold = 31
	}
	if cfg.ResultCacheTTL <= 0 {
		cfg.ResultCacheTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CalculationService{
		cfg:       cfg,
		resolver:  resolver,
		cashflows: cashflows,
		audits:    audits,
		results:   results,
		publisher: publisher,
		fp:        domain.NewFingerprinter(),
		pools:     NewPools(cfg.IOPoolSize, cfg.CPUPoolSize),
		interest:  domain.NewInterestCalculator(),
		dividend:  domain.NewDividendCalculator(),
		pnl:       domain.NewPnLCalculator(),
		logger:    logger,
	}
}

// SetObserver 注入指标观测器，nil 表示不观测
func (s *CalculationService) SetObserver(o CalculationObserver) {
	s.observer = o
}

// lotTask 并行工作单元：一个批次覆盖完整日期区间
type lotTask struct {
	contract *domain.Contract
	lot      *domain.Lot
	slot     int
}

// Calculate 执行一次计算请求。
// 同指纹的并发重复请求保证至多一次计算，其余等待并复用结果。
func (s *CalculationService) Calculate(ctx context.Context, req *domain.CalculationRequest) (*domain.CalculationResult, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	hash := s.fp.Fingerprint(req)

	if cached := s.lookupCached(ctx, hash); cached != nil {
		cached.RequestID = req.RequestID
		cached.Metadata.CacheHit = true
		s.observe(cached, true)
		s.logger.InfoContext(ctx, "calculation served from cache",
			"request_id", req.RequestID, "input_hash", hash)
		return cached, nil
	}

	v, err, shared := s.inflight.Do(hash, func() (any, error) {
		return s.compute(ctx, req, hash, true)
	})
	if v == nil {
		return nil, err
	}

	result := v.(*domain.CalculationResult)
	if shared {
		copied := *result
		copied.RequestID = req.RequestID
		copied.Metadata.CacheHit = true
		return &copied, err
	}
	return result, err
}

// compute 完整的一次计算：展开 → 派发 → 聚合 → 持久化。
// persist 为 false 时跳过副作用（复现校验路径）。
func (s *CalculationService) compute(ctx context.Context, req *domain.CalculationRequest, hash string, persist bool) (*domain.CalculationResult, error) {
	start := time.Now()
	calculationID := fmt.Sprintf("CALC%s", idgen.GenIDString())

	calcType := s.Classify(req)
	s.logger.InfoContext(ctx, "calculation started",
		"request_id", req.RequestID,
		"calculation_id", calculationID,
		"type", calcType.String(),
		"contracts", len(req.Contracts),
		"lots", req.LotCount())

	// EXPANDING：展开任务图
	tasks := expandTasks(req)

	// DISPATCHED：批次任务相互独立，完成顺序任意；
	// 每个槽位只写一次，取消后迟到的结果直接丢弃。
	slots := make([]*domain.LotResult, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			lr := s.runTask(gctx, req, t)
			if gctx.Err() == nil {
				slots[t.slot] = lr
			}
			return nil
		})
	}
	_ = g.Wait()

	// AGGREGATING：等待全部任务后统一聚合，不向调用方流式输出
	lotResults := make([]domain.LotResult, 0, len(tasks))
	for _, lr := range slots {
		if lr != nil {
			lotResults = append(lotResults, *lr)
		}
	}
	contractResults, status := domain.RollupLotResults(req.Contracts, lotResults)

	result := &domain.CalculationResult{
		RequestID:     req.RequestID,
		CalculationID: calculationID,
		InputHash:     hash,
		Type:          calcType,
		Status:        status,
		Contracts:     contractResults,
	}
	s.assignEntryIDs(result, req.RequestID, calculationID)

	errCount := len(result.AllErrors())
	result.Metadata = domain.CalculationMetadata{
		EngineVersion:      s.cfg.EngineVersion,
		DurationMs:         time.Since(start).Milliseconds(),
		ContractsProcessed: len(req.Contracts),
		LotsProcessed:      len(tasks),
		ErrorCount:         errCount,
	}

	s.logger.InfoContext(ctx, "calculation finished",
		"request_id", req.RequestID,
		"calculation_id", calculationID,
		"status", status.String(),
		"entries", len(result.AllEntries()),
		"errors", errCount,
		"duration_ms", result.Metadata.DurationMs)

	if !persist {
		return result, nil
	}
	s.observe(result, false)

	// 持久化失败上浮给调用方，但已算出的结果仍然返回
	if err := s.persist(ctx, req, hash, result); err != nil {
		return result, err
	}
	s.cacheResult(ctx, hash, result)
	s.publishCompleted(ctx, result)
	return result, nil
}

// Classify 纯函数分类：合约数 × 区间天数 与配置阈值比较
func (s *CalculationService) Classify(req *domain.CalculationRequest) domain.CalculationType {
	if len(req.Contracts)*req.Range.Days() <= s.cfg.RealTimeThreshold {
		return domain.CalculationRealTime
	}
	return domain.CalculationHistorical
}

// expandTasks 将合约→头寸→批次层级展开为独立任务
func expandTasks(req *domain.CalculationRequest) []lotTask {
	var tasks []lotTask
	for i := range req.Contracts {
		c := &req.Contracts[i]
		for j := range c.Positions {
			p := &c.Positions[j]
			for k := range p.Lots {
				tasks = append(tasks, lotTask{
					contract: c,
					lot:      &p.Lots[k],
					slot:     len(tasks),
				})
			}
		}
	}
	return tasks
}

// runTask 单批次任务：I/O 池解析行情，CPU 池执行计算器。
// 批次级错误收集为结果值，从不上抛。
func (s *CalculationService) runTask(ctx context.Context, req *domain.CalculationRequest, t lotTask) *domain.LotResult {
	lr := &domain.LotResult{
		LotID:      t.lot.LotID,
		PositionID: t.lot.PositionID,
		ContractID: t.contract.ContractID,
	}

	var md *domain.MarketDataSnapshot
	var missing []string
	err := s.pools.RunIO(ctx, func() error {
		var rerr error
		md, missing, rerr = s.resolver.Resolve(ctx,
			symbolsOf(t.contract), indexesOf(t.contract),
			req.Range, req.Strategy, req.Snapshot)
		return rerr
	})
	if err != nil {
		lr.Failed = true
		lr.Errors = append(lr.Errors, domain.NewLotFailure(
			t.lot.LotID, t.contract.Underlying,
			domain.CodeMarketDataUnavailable, err.Error()))
		return lr
	}
	if len(missing) > 0 {
		// 标的级缺失：仅该批次分支降级，不影响兄弟批次
		lr.Failed = true
		for _, sym := range missing {
			lr.Errors = append(lr.Errors, domain.NewLotFailure(
				t.lot.LotID, sym, domain.CodeMarketDataUnavailable,
				"symbol not available from market data source"))
		}
		return lr
	}

	cerr := s.pools.RunCPU(ctx, func() error {
		entries, lotErrs := s.interest.Calculate(t.contract, t.lot, req.Range, md)
		lr.Entries = append(lr.Entries, entries...)
		lr.Errors = append(lr.Errors, lotErrs...)

		entries, lotErrs = s.dividend.Calculate(t.contract, t.lot, req.Range, md)
		lr.Entries = append(lr.Entries, entries...)
		lr.Errors = append(lr.Errors, lotErrs...)

		entries, lotErrs = s.pnl.Calculate(t.contract, t.lot, req.Range, md)
		lr.Entries = append(lr.Entries, entries...)
		lr.Errors = append(lr.Errors, lotErrs...)
		return nil
	})
	if cerr != nil {
		lr.Failed = true
		lr.Errors = append(lr.Errors, domain.NewLotFailure(
			t.lot.LotID, "", domain.CodeDispatch, cerr.Error()))
		return lr
	}

	for _, le := range lr.Errors {
		if le.Severity == domain.SeverityError {
			lr.Failed = true
			break
		}
	}
	return lr
}

// assignEntryIDs 条目编号与归属标记在聚合阶段统一赋值，保持计算器确定性
func (s *CalculationService) assignEntryIDs(result *domain.CalculationResult, requestID, calculationID string) {
	for i := range result.Contracts {
		for j := range result.Contracts[i].Positions {
			for k := range result.Contracts[i].Positions[j].Lots {
				lr := &result.Contracts[i].Positions[j].Lots[k]
				for e := range lr.Entries {
					entry := &lr.Entries[e]
					entry.CashFlowID = fmt.Sprintf("CF%s", idgen.GenIDString())
					entry.RequestID = requestID
					entry.CalculationID = calculationID
					entry.Version = 1
					if entry.Withholding != nil {
						entry.Withholding.CashFlowID = entry.CashFlowID
					}
				}
			}
		}
	}
}

func (s *CalculationService) validate(req *domain.CalculationRequest) error {
	if req == nil {
		return domain.NewValidationError("", "request is nil")
	}
	if req.RequestID == "" {
		return domain.NewValidationError("request_id", "request id is required")
	}
	if len(req.Contracts) == 0 {
		return domain.NewValidationError("contracts", "at least one contract is required")
	}
	if !req.Range.IsValid() {
		return domain.NewValidationError("range", "date range start must not be after end")
	}
	if req.LotCount() == 0 {
		return domain.NewValidationError("contracts", "at least one lot is required")
	}
	if req.Strategy.Mode == domain.ModeSelfContained && req.Snapshot == nil {
		return domain.NewValidationError("snapshot", "self-contained mode requires an embedded snapshot")
	}
	for i := range req.Contracts {
		c := &req.Contracts[i]
		if c.ContractID == "" {
			return domain.NewValidationError("contract_id", "contract id is required")
		}
		for j := range c.Positions {
			for k := range c.Positions[j].Lots {
				l := &c.Positions[j].Lots[k]
				if l.LotID == "" {
					return domain.NewValidationError("lot_id", fmt.Sprintf("lot id is required (contract %s)", c.ContractID))
				}
				if l.ContractID != "" && l.ContractID != c.ContractID {
					return domain.NewValidationError("lot_id", fmt.Sprintf("lot %s does not belong to contract %s", l.LotID, c.ContractID))
				}
			}
		}
	}
	return nil
}

func (s *CalculationService) observe(result *domain.CalculationResult, cacheHit bool) {
	if s.observer == nil {
		return
	}
	s.observer.ObserveCalculation(result.Status.String(),
		float64(result.Metadata.DurationMs)/1000,
		result.Metadata.LotsProcessed, len(result.AllEntries()), cacheHit)
}

func (s *CalculationService) lookupCached(ctx context.Context, hash string) *domain.CalculationResult {
	if s.results == nil {
		return nil
	}
	cached, err := s.results.Get(ctx, hash)
	if err != nil {
		s.logger.WarnContext(ctx, "result cache lookup failed", "input_hash", hash, "error", err)
		return nil
	}
	return cached
}

func (s *CalculationService) cacheResult(ctx context.Context, hash string, result *domain.CalculationResult) {
	if s.results == nil {
		return
	}
	if err := s.results.Put(ctx, hash, result, s.cfg.ResultCacheTTL); err != nil {
		s.logger.WarnContext(ctx, "result cache write failed", "input_hash", hash, "error", err)
	}
}

func (s *CalculationService) persist(ctx context.Context, req *domain.CalculationRequest, hash string, result *domain.CalculationResult) error {
	if s.cashflows == nil && s.audits == nil {
		return nil
	}

	entries := result.AllEntries()
	if s.cashflows != nil && len(entries) > 0 {
		if err := s.pools.RunIO(ctx, func() error {
			return s.cashflows.SaveBatch(ctx, entries)
		}); err != nil {
			return &domain.PersistenceError{Op: "save cash flows", Err: err}
		}
	}

	if s.audits == nil {
		return nil
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return &domain.PersistenceError{Op: "marshal request payload", Err: err}
	}

	contractID := ""
	if len(req.Contracts) == 1 {
		contractID = req.Contracts[0].ContractID
	}
	currency := ""
	if len(req.Contracts) > 0 {
		currency = req.Contracts[0].Currency
	}

	record := &domain.CalculationRequestRecord{
		RequestID:       req.RequestID,
		ContractID:      contractID,
		RangeStart:      req.Range.Start,
		RangeEnd:        req.Range.End,
		CalculationType: result.Type,
		CalculationID:   result.CalculationID,
		InputHash:       hash,
		RequestPayload:  string(payload),
		Status:          result.Status,
		ContractCount:   len(req.Contracts),
		LotCount:        result.Metadata.LotsProcessed,
		EntryCount:      len(entries),
		ErrorCount:      result.Metadata.ErrorCount,
		TotalAmount:     result.TotalAmount(),
		Currency:        currency,
		DurationMs:      result.Metadata.DurationMs,
		Version:         1,
	}
	if err := s.pools.RunIO(ctx, func() error {
		return s.audits.Save(ctx, record)
	}); err != nil {
		return &domain.PersistenceError{Op: "save calculation audit", Err: err}
	}
	return nil
}

func (s *CalculationService) publishCompleted(ctx context.Context, result *domain.CalculationResult) {
	if s.publisher == nil {
		return
	}
	event := domain.CalculationCompletedEvent{
		RequestID:     result.RequestID,
		CalculationID: result.CalculationID,
		InputHash:     result.InputHash,
		Status:        result.Status.String(),
		EntryCount:    len(result.AllEntries()),
		ErrorCount:    result.Metadata.ErrorCount,
		CompletedAt:   time.Now(),
	}
	if err := s.publisher.PublishCalculationCompleted(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to publish calculation completed event",
			"request_id", result.RequestID, "error", err)
	}
}

func symbolsOf(c *domain.Contract) []string {
	if c.Underlying == "" {
		return nil
	}
	return []string{c.Underlying}
}

func indexesOf(c *domain.Contract) []string {
	if c.RateIndex == "" {
		return nil
	}
	return []string{c.RateIndex}
}
