package application

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/cashflowengine/internal/calculation/domain"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// embeddedResolver 只消费请求内嵌快照，不做外部 I/O
type embeddedResolver struct{}

func (embeddedResolver) Resolve(_ context.Context, symbols, indexes []string, _ domain.DateRange, _ domain.ResolutionStrategy, embedded *domain.MarketDataSnapshot) (*domain.MarketDataSnapshot, []string, error) {
	snapshot := domain.NewMarketDataSnapshot()
	snapshot.Merge(embedded)

	var missing []string
	for _, sym := range symbols {
		if !snapshot.HasPrices(sym) {
			missing = append(missing, sym)
		}
	}
	for _, idx := range indexes {
		if !snapshot.HasRates(idx) {
			missing = append(missing, idx)
		}
	}
	return snapshot, missing, nil
}

type memCashFlowRepo struct {
	entries []domain.CashFlowEntry
}

func (r *memCashFlowRepo) SaveBatch(_ context.Context, entries []domain.CashFlowEntry) error {
	r.entries = append(r.entries, entries...)
	return nil
}

func (r *memCashFlowRepo) FindByRequestID(_ context.Context, requestID string) ([]domain.CashFlowEntry, error) {
	var out []domain.CashFlowEntry
	for _, e := range r.entries {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memCashFlowRepo) FindByCalculationID(_ context.Context, calculationID string) ([]domain.CashFlowEntry, error) {
	var out []domain.CashFlowEntry
	for _, e := range r.entries {
		if e.CalculationID == calculationID {
			out = append(out, e)
		}
	}
	return out, nil
}

type memAuditRepo struct {
	records map[string]*domain.CalculationRequestRecord
}

func newMemAuditRepo() *memAuditRepo {
	return &memAuditRepo{records: make(map[string]*domain.CalculationRequestRecord)}
}

func (r *memAuditRepo) Save(_ context.Context, record *domain.CalculationRequestRecord) error {
	r.records[record.RequestID] = record
	return nil
}

func (r *memAuditRepo) GetByRequestID(_ context.Context, requestID string) (*domain.CalculationRequestRecord, error) {
	return r.records[requestID], nil
}

func (r *memAuditRepo) GetByHash(_ context.Context, inputHash string) (*domain.CalculationRequestRecord, error) {
	for _, rec := range r.records {
		if rec.InputHash == inputHash {
			return rec, nil
		}
	}
	return nil, nil
}

func (r *memAuditRepo) UpdateWithVersion(_ context.Context, record *domain.CalculationRequestRecord) error {
	record.Version++
	r.records[record.RequestID] = record
	return nil
}

type memResultRepo struct {
	results map[string]*domain.CalculationResult
}

func newMemResultRepo() *memResultRepo {
	return &memResultRepo{results: make(map[string]*domain.CalculationResult)}
}

func (r *memResultRepo) Get(_ context.Context, inputHash string) (*domain.CalculationResult, error) {
	return r.results[inputHash], nil
}

func (r *memResultRepo) Put(_ context.Context, inputHash string, result *domain.CalculationResult, _ time.Duration) error {
	r.results[inputHash] = result
	return nil
}

func testSnapshot() *domain.MarketDataSnapshot {
	snap := domain.NewMarketDataSnapshot()
	snap.Prices["AAPL"] = &domain.SymbolPrices{
		Symbol:    "AAPL",
		BasePrice: decimal.NewFromInt(55),
		Changes: []domain.PriceChange{
			{Date: day(2024, 1, 10), Price: decimal.NewFromInt(60)},
		},
	}
	snap.Rates["SOFR"] = &domain.IndexRates{
		Index:    "SOFR",
		BaseRate: decimal.RequireFromString("0.036"),
	}
	snap.Dividends["AAPL"] = []domain.Dividend{
		{
			Symbol:          "AAPL",
			ExDate:          day(2024, 1, 15),
			Amount:          decimal.NewFromInt(20),
			Currency:        "USD",
			WithholdingRate: decimal.RequireFromString("0.15"),
			Treatment:       domain.TreatmentGrossUp,
		},
	}
	return snap
}

func testRequest(requestID string) *domain.CalculationRequest {
	return &domain.CalculationRequest{
		RequestID: requestID,
		Range:     domain.DateRange{Start: day(2024, 1, 1), End: day(2024, 1, 31)},
		Strategy:  domain.ResolutionStrategy{Mode: domain.ModeSelfContained},
		Snapshot:  testSnapshot(),
		Contracts: []domain.Contract{
			{
				ContractID: "C1",
				Underlying: "AAPL",
				Currency:   "USD",
				RateIndex:  "SOFR",
				StartDate:  day(2024, 1, 1),
				EndDate:    day(2024, 12, 31),
				Positions: []domain.Position{
					{PositionID: "P1", ContractID: "C1", Lots: []domain.Lot{
						{
							LotID:      "L1",
							PositionID: "P1",
							ContractID: "C1",
							Quantity:   decimal.NewFromInt(100),
							CostPrice:  decimal.NewFromInt(10),
							CostDate:   day(2024, 1, 1),
							Type:       domain.LotTypeNew,
							Status:     domain.LotStatusActive,
						},
					}},
				},
			},
		},
	}
}

func newTestService(cashflows *memCashFlowRepo, audits *memAuditRepo, results *memResultRepo) *CalculationService {
	var cf domain.CashFlowRepository
	if cashflows != nil {
		cf = cashflows
	}
	var au domain.AuditRepository
	if audits != nil {
		au = audits
	}
	var rc domain.ResultCacheRepository
	if results != nil {
		rc = results
	}
	return NewCalculationService(EngineConfig{}, embeddedResolver{}, cf, au, rc, nil, nil)
}

func TestCalculateSuccess(t *testing.T) {
	cashflows := &memCashFlowRepo{}
	audits := newMemAuditRepo()
	svc := newTestService(cashflows, audits, nil)

	result, err := svc.Calculate(context.Background(), testRequest("REQ1"))

	require.NoError(t, err)
	assert.Equal(t, domain.RequestSuccess, result.Status)
	assert.Equal(t, "REQ1", result.RequestID)
	assert.NotEmpty(t, result.CalculationID)
	assert.Len(t, result.InputHash, 64)
	assert.False(t, result.Metadata.CacheHit)
	assert.Equal(t, 1, result.Metadata.LotsProcessed)

	entries := result.AllEntries()
	require.NotEmpty(t, entries)

	var interest, dividend, pnl int
	for _, e := range entries {
		assert.NotEmpty(t, e.CashFlowID)
		assert.Equal(t, "REQ1", e.RequestID)
		assert.Equal(t, result.CalculationID, e.CalculationID)
		switch e.FlowType {
		case domain.FlowInterest:
			interest++
		case domain.FlowDividend:
			dividend++
			require.NotNil(t, e.Withholding)
			assert.Equal(t, e.CashFlowID, e.Withholding.CashFlowID)
		case domain.FlowPnL:
			pnl++
		}
	}
	// 三个计算器都在同一批次上产出条目
	assert.Equal(t, 1, interest)
	assert.Equal(t, 1, dividend)
	assert.Equal(t, 2, pnl)

	assert.Len(t, cashflows.entries, len(entries))

	record := audits.records["REQ1"]
	require.NotNil(t, record)
	assert.Equal(t, result.InputHash, record.InputHash)
	assert.Equal(t, domain.RequestSuccess, record.Status)
	assert.Equal(t, len(entries), record.EntryCount)
	assert.NotEmpty(t, record.RequestPayload)
}

func TestCalculateValidation(t *testing.T) {
	svc := newTestService(nil, nil, nil)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*domain.CalculationRequest)
	}{
		{"missing request id", func(r *domain.CalculationRequest) { r.RequestID = "" }},
		{"no contracts", func(r *domain.CalculationRequest) { r.Contracts = nil }},
		{"invalid range", func(r *domain.CalculationRequest) { r.Range.End = day(2023, 1, 1) }},
		{"no lots", func(r *domain.CalculationRequest) { r.Contracts[0].Positions = nil }},
		{"self-contained without snapshot", func(r *domain.CalculationRequest) { r.Snapshot = nil }},
		{"lot contract mismatch", func(r *domain.CalculationRequest) {
			r.Contracts[0].Positions[0].Lots[0].ContractID = "OTHER"
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := testRequest("REQ1")
			tc.mutate(req)
			_, err := svc.Calculate(ctx, req)
			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
}

func TestClassify(t *testing.T) {
	svc := newTestService(nil, nil, nil)

	// 默认阈值 31：单合约一个月走实时路径
	assert.Equal(t, domain.CalculationRealTime, svc.Classify(testRequest("REQ1")))

	req := testRequest("REQ2")
	req.Range.End = day(2024, 12, 31)
	assert.Equal(t, domain.CalculationHistorical, svc.Classify(req))
}

func TestCalculatePartialSuccess(t *testing.T) {
	svc := newTestService(nil, nil, nil)

	req := testRequest("REQ1")
	second := req.Contracts[0]
	second.ContractID = "C2"
	second.Underlying = "UNKNOWN"
	second.RateIndex = ""
	second.Positions = []domain.Position{
		{PositionID: "P2", ContractID: "C2", Lots: []domain.Lot{
			{
				LotID: "L2", PositionID: "P2", ContractID: "C2",
				Quantity: decimal.NewFromInt(10), CostPrice: decimal.NewFromInt(5),
				CostDate: day(2024, 1, 1),
				Type:     domain.LotTypeNew, Status: domain.LotStatusActive,
			},
		}},
	}
	req.Contracts = append(req.Contracts, second)

	result, err := svc.Calculate(context.Background(), req)

	require.NoError(t, err)
	// 快照缺失标的只降级对应分支，兄弟分支不受影响
	assert.Equal(t, domain.RequestPartialSuccess, result.Status)

	require.Len(t, result.Contracts, 2)
	assert.False(t, result.Contracts[0].Failed)
	assert.True(t, result.Contracts[1].Failed)

	failedLot := result.Contracts[1].Positions[0].Lots[0]
	require.NotEmpty(t, failedLot.Errors)
	assert.Equal(t, domain.CodeMarketDataUnavailable, failedLot.Errors[0].Code)
	assert.Equal(t, domain.SeverityError, failedLot.Errors[0].Severity)
	assert.Equal(t, "UNKNOWN", failedLot.Errors[0].Symbol)
}

func TestCalculateCacheHit(t *testing.T) {
	results := newMemResultRepo()
	svc := newTestService(nil, nil, results)

	first, err := svc.Calculate(context.Background(), testRequest("REQ1"))
	require.NoError(t, err)
	assert.False(t, first.Metadata.CacheHit)

	// 同内容不同请求号：命中指纹缓存，不触发重算
	second, err := svc.Calculate(context.Background(), testRequest("REQ2"))
	require.NoError(t, err)
	assert.True(t, second.Metadata.CacheHit)
	assert.Equal(t, "REQ2", second.RequestID)
	assert.Equal(t, first.InputHash, second.InputHash)
	assert.Equal(t, first.CalculationID, second.CalculationID)
}

// gatedResolver 统计解析次数，并阻塞到闸门打开，用于制造在途重叠
type gatedResolver struct {
	calls int32
	gate  chan struct{}
}

func (r *gatedResolver) Resolve(ctx context.Context, symbols, indexes []string, rng domain.DateRange, strategy domain.ResolutionStrategy, embedded *domain.MarketDataSnapshot) (*domain.MarketDataSnapshot, []string, error) {
	atomic.AddInt32(&r.calls, 1)
	<-r.gate
	return embeddedResolver{}.Resolve(ctx, symbols, indexes, rng, strategy, embedded)
}

func TestCalculateConcurrentRequestsComputeOnce(t *testing.T) {
	resolver := &gatedResolver{gate: make(chan struct{})}
	svc := NewCalculationService(EngineConfig{}, resolver, nil, nil, nil, nil, nil)

	const n = 8
	results := make([]*domain.CalculationResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Calculate(context.Background(),
				testRequest(fmt.Sprintf("REQ%d", i)))
		}(i)
	}

	// 等全部请求进入在途合并后再放行首个计算
	time.Sleep(100 * time.Millisecond)
	close(resolver.gate)
	wg.Wait()

	// 同指纹的并发请求至多触发一次解析与计算
	assert.Equal(t, int32(1), atomic.LoadInt32(&resolver.calls))

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		assert.Equal(t, fmt.Sprintf("REQ%d", i), results[i].RequestID)
		assert.Equal(t, results[0].CalculationID, results[i].CalculationID)
		assert.Equal(t, domain.RequestSuccess, results[i].Status)
	}
}

func TestCalculateCancelledContext(t *testing.T) {
	svc := newTestService(nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := svc.Calculate(ctx, testRequest("REQ1"))

	require.NoError(t, err)
	require.NotNil(t, result)
	// 取消后批次结果被丢弃，缺失槽位聚合为派发失败
	assert.Equal(t, domain.RequestFailed, result.Status)
	lotErrs := result.AllErrors()
	require.NotEmpty(t, lotErrs)
	for _, le := range lotErrs {
		assert.Equal(t, domain.CodeDispatch, le.Code)
		assert.Equal(t, domain.SeverityError, le.Severity)
	}
}

type observation struct {
	status   string
	lots     int
	entries  int
	cacheHit bool
}

type recordingObserver struct {
	mu           sync.Mutex
	observations []observation
}

func (o *recordingObserver) ObserveCalculation(status string, _ float64, lots, entries int, cacheHit bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observations = append(o.observations, observation{status, lots, entries, cacheHit})
}

func TestCalculateReportsObservations(t *testing.T) {
	results := newMemResultRepo()
	svc := newTestService(nil, nil, results)
	obs := &recordingObserver{}
	svc.SetObserver(obs)

	first, err := svc.Calculate(context.Background(), testRequest("REQ1"))
	require.NoError(t, err)
	_, err = svc.Calculate(context.Background(), testRequest("REQ2"))
	require.NoError(t, err)

	require.Len(t, obs.observations, 2)
	assert.Equal(t, "SUCCESS", obs.observations[0].status)
	assert.False(t, obs.observations[0].cacheHit)
	assert.Equal(t, 1, obs.observations[0].lots)
	assert.Equal(t, len(first.AllEntries()), obs.observations[0].entries)
	// 缓存命中同样计入观测
	assert.True(t, obs.observations[1].cacheHit)
}

func TestReproduce(t *testing.T) {
	cashflows := &memCashFlowRepo{}
	audits := newMemAuditRepo()
	svc := newTestService(cashflows, audits, nil)

	_, err := svc.Calculate(context.Background(), testRequest("REQ1"))
	require.NoError(t, err)

	rep, err := svc.Reproduce(context.Background(), "REQ1")

	require.NoError(t, err)
	assert.True(t, rep.HashMatch)
	assert.True(t, rep.ResultMatch)
	assert.Empty(t, rep.Differences)
}

func TestReproduceDetectsTamperedEntries(t *testing.T) {
	cashflows := &memCashFlowRepo{}
	audits := newMemAuditRepo()
	svc := newTestService(cashflows, audits, nil)

	_, err := svc.Calculate(context.Background(), testRequest("REQ1"))
	require.NoError(t, err)

	// 篡改一条落库条目的金额
	cashflows.entries[0].Amount = cashflows.entries[0].Amount.Add(decimal.NewFromInt(1))

	rep, err := svc.Reproduce(context.Background(), "REQ1")

	require.NoError(t, err)
	assert.True(t, rep.HashMatch)
	assert.False(t, rep.ResultMatch)
	assert.NotEmpty(t, rep.Differences)
}

func TestReproduceUnknownRequest(t *testing.T) {
	svc := newTestService(&memCashFlowRepo{}, newMemAuditRepo(), nil)

	_, err := svc.Reproduce(context.Background(), "MISSING")

	require.ErrorIs(t, err, domain.ErrRequestNotFound)
}
