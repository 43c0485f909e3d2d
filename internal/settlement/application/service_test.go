package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	calcdomain "github.com/wyfcoding/cashflowengine/internal/calculation/domain"
	"github.com/wyfcoding/cashflowengine/internal/settlement/domain"
)

type memSettlementRepo struct {
	byID      map[string]*domain.SettlementInstruction
	byNatural map[string]*domain.SettlementInstruction
	updates   int
}

func newMemSettlementRepo() *memSettlementRepo {
	return &memSettlementRepo{
		byID:      make(map[string]*domain.SettlementInstruction),
		byNatural: make(map[string]*domain.SettlementInstruction),
	}
}

func (r *memSettlementRepo) Save(_ context.Context, ins *domain.SettlementInstruction) error {
	r.byID[ins.SettlementID] = ins
	r.byNatural[ins.NaturalKey()] = ins
	return nil
}

func (r *memSettlementRepo) Get(_ context.Context, settlementID string) (*domain.SettlementInstruction, error) {
	return r.byID[settlementID], nil
}

func (r *memSettlementRepo) GetByNaturalKey(_ context.Context, contractID, cashFlowID string, settlementDate time.Time, settlementType string) (*domain.SettlementInstruction, error) {
	key := &domain.SettlementInstruction{
		ContractID: contractID, CashFlowID: cashFlowID,
		SettlementDate: settlementDate, SettlementType: settlementType,
	}
	return r.byNatural[key.NaturalKey()], nil
}

func (r *memSettlementRepo) FindPending(_ context.Context, dueBy time.Time, limit int) ([]*domain.SettlementInstruction, error) {
	var out []*domain.SettlementInstruction
	for _, ins := range r.byID {
		due := ins.Status == domain.SettlementStatusPending && !ins.SettlementDate.After(dueBy)
		retryDue := ins.Status == domain.SettlementStatusFailed && ins.CanRetry() &&
			ins.NextRetryAt != nil && !ins.NextRetryAt.After(time.Now())
		if (due || retryDue) && len(out) < limit {
			out = append(out, ins)
		}
	}
	return out, nil
}

func (r *memSettlementRepo) FindByStatus(_ context.Context, status domain.SettlementStatus, limit int) ([]*domain.SettlementInstruction, error) {
	var out []*domain.SettlementInstruction
	for _, ins := range r.byID {
		if ins.Status == status && len(out) < limit {
			out = append(out, ins)
		}
	}
	return out, nil
}

func (r *memSettlementRepo) CountByStatus(_ context.Context, status domain.SettlementStatus) (int64, error) {
	var n int64
	for _, ins := range r.byID {
		if ins.Status == status {
			n++
		}
	}
	return n, nil
}

func (r *memSettlementRepo) UpdateWithVersion(_ context.Context, ins *domain.SettlementInstruction) error {
	r.updates++
	ins.Version++
	r.byID[ins.SettlementID] = ins
	return nil
}

type capturingPublisher struct {
	events []domain.StatusChangedEvent
}

func (p *capturingPublisher) PublishSettlementStatusChanged(_ context.Context, event domain.StatusChangedEvent) error {
	p.events = append(p.events, event)
	return nil
}

type stubProcessor struct {
	err   error
	calls int
}

func (p *stubProcessor) Process(_ context.Context, _ *domain.SettlementInstruction) error {
	p.calls++
	return p.err
}

func settleableEntry(cashFlowID string) calcdomain.CashFlowEntry {
	settle := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	return calcdomain.CashFlowEntry{
		CashFlowID:     cashFlowID,
		ContractID:     "C1",
		PositionID:     "P1",
		LotID:          "L1",
		FlowType:       calcdomain.FlowDividend,
		FlowDate:       settle,
		Amount:         decimal.NewFromInt(1700),
		Currency:       "USD",
		Status:         calcdomain.FlowStatusRealizedUnsettled,
		Basis:          calcdomain.BasisScheduled,
		SettlementDate: &settle,
	}
}

func TestDeriveInstructions(t *testing.T) {
	repo := newMemSettlementRepo()
	svc := NewSettlementAppService(repo, nil, nil, 3, time.Hour, nil)

	accrual := settleableEntry("CF2")
	accrual.Status = calcdomain.FlowStatusAccrual
	noDate := settleableEntry("CF3")
	noDate.SettlementDate = nil

	out, err := svc.DeriveInstructions(context.Background(),
		[]calcdomain.CashFlowEntry{settleableEntry("CF1"), accrual, noDate})

	require.NoError(t, err)
	// 仅已实现且带交收日的条目派生指令
	require.Len(t, out, 1)
	ins := out[0]
	assert.Equal(t, "C1", ins.ContractID)
	assert.Equal(t, "CF1", ins.CashFlowID)
	assert.Equal(t, "DIVIDEND", ins.SettlementType)
	assert.Equal(t, domain.SettlementStatusPending, ins.Status)
	assert.Equal(t, 3, ins.MaxRetry)
	assert.True(t, ins.Amount.Equal(decimal.NewFromInt(1700)))
	assert.NotEmpty(t, ins.SettlementID)
}

func TestDeriveInstructionsIdempotent(t *testing.T) {
	repo := newMemSettlementRepo()
	svc := NewSettlementAppService(repo, nil, nil, 3, time.Hour, nil)
	entries := []calcdomain.CashFlowEntry{settleableEntry("CF1")}

	first, err := svc.DeriveInstructions(context.Background(), entries)
	require.NoError(t, err)
	second, err := svc.DeriveInstructions(context.Background(), entries)
	require.NoError(t, err)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	// 同一自然键重复派生返回既有指令，不产生第二条
	assert.Equal(t, first[0].SettlementID, second[0].SettlementID)
	assert.Len(t, repo.byID, 1)
}

func TestTransitionLifecycle(t *testing.T) {
	repo := newMemSettlementRepo()
	pub := &capturingPublisher{}
	svc := NewSettlementAppService(repo, nil, pub, 3, time.Hour, nil)

	out, err := svc.DeriveInstructions(context.Background(),
		[]calcdomain.CashFlowEntry{settleableEntry("CF1")})
	require.NoError(t, err)
	id := out[0].SettlementID

	ins, err := svc.Transition(context.Background(), id, TransitionCommand{Event: EventStartProcessing})
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementStatusProcessing, ins.Status)

	ins, err = svc.Transition(context.Background(), id, TransitionCommand{
		Event: EventComplete, Reference: "WIRE-9",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementStatusCompleted, ins.Status)
	assert.Equal(t, 3, ins.Version)

	require.Len(t, pub.events, 2)
	assert.Equal(t, "PENDING", pub.events[0].FromStatus)
	assert.Equal(t, "PROCESSING", pub.events[0].ToStatus)
	assert.Equal(t, "COMPLETED", pub.events[1].ToStatus)
}

func TestTransitionRejectsIllegalEvent(t *testing.T) {
	repo := newMemSettlementRepo()
	svc := NewSettlementAppService(repo, nil, nil, 3, time.Hour, nil)

	out, err := svc.DeriveInstructions(context.Background(),
		[]calcdomain.CashFlowEntry{settleableEntry("CF1")})
	require.NoError(t, err)
	id := out[0].SettlementID

	_, err = svc.Transition(context.Background(), id, TransitionCommand{Event: EventComplete})
	var te *domain.TransitionError
	require.ErrorAs(t, err, &te)
	// 非法迁移不落库不发事件
	assert.Equal(t, 0, repo.updates)

	_, err = svc.Transition(context.Background(), "missing", TransitionCommand{Event: EventStartProcessing})
	require.Error(t, err)
}

func TestProcessPendingSuccess(t *testing.T) {
	repo := newMemSettlementRepo()
	proc := &stubProcessor{}
	pub := &capturingPublisher{}
	svc := NewSettlementAppService(repo, proc, pub, 3, time.Hour, nil)

	_, err := svc.DeriveInstructions(context.Background(),
		[]calcdomain.CashFlowEntry{settleableEntry("CF1")})
	require.NoError(t, err)

	processed, succeeded, failed, err := svc.ProcessPending(context.Background(), time.Now(), 10)

	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 1, proc.calls)

	ins, _ := repo.Get(context.Background(), pub.events[0].SettlementID)
	assert.Equal(t, domain.SettlementStatusCompleted, ins.Status)
}

func TestProcessPendingFailureSchedulesRetry(t *testing.T) {
	repo := newMemSettlementRepo()
	proc := &stubProcessor{err: errors.New("wire rejected")}
	svc := NewSettlementAppService(repo, proc, nil, 3, time.Hour, nil)

	out, err := svc.DeriveInstructions(context.Background(),
		[]calcdomain.CashFlowEntry{settleableEntry("CF1")})
	require.NoError(t, err)

	processed, succeeded, failed, err := svc.ProcessPending(context.Background(), time.Now(), 10)

	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 0, succeeded)
	assert.Equal(t, 1, failed)

	ins, _ := repo.Get(context.Background(), out[0].SettlementID)
	assert.Equal(t, domain.SettlementStatusFailed, ins.Status)
	assert.Equal(t, "wire rejected", ins.ErrorMessage)
	require.NotNil(t, ins.NextRetryAt)
	assert.True(t, ins.CanRetry())
}

type recordingObserver struct {
	transitions []string
	pending     []int
}

func (o *recordingObserver) ObserveSettlementTransition(status string) {
	o.transitions = append(o.transitions, status)
}

func (o *recordingObserver) SetPendingSettlements(n int) {
	o.pending = append(o.pending, n)
}

func TestTransitionReportsObservation(t *testing.T) {
	repo := newMemSettlementRepo()
	svc := NewSettlementAppService(repo, nil, nil, 3, time.Hour, nil)
	obs := &recordingObserver{}
	svc.SetObserver(obs)

	out, err := svc.DeriveInstructions(context.Background(),
		[]calcdomain.CashFlowEntry{settleableEntry("CF1")})
	require.NoError(t, err)

	_, err = svc.Transition(context.Background(), out[0].SettlementID,
		TransitionCommand{Event: EventStartProcessing})
	require.NoError(t, err)

	assert.Equal(t, []string{"PROCESSING"}, obs.transitions)
}

func TestProcessPendingReportsObservations(t *testing.T) {
	repo := newMemSettlementRepo()
	proc := &stubProcessor{}
	svc := NewSettlementAppService(repo, proc, nil, 3, time.Hour, nil)
	obs := &recordingObserver{}
	svc.SetObserver(obs)

	_, err := svc.DeriveInstructions(context.Background(),
		[]calcdomain.CashFlowEntry{settleableEntry("CF1")})
	require.NoError(t, err)

	_, _, _, err = svc.ProcessPending(context.Background(), time.Now(), 10)
	require.NoError(t, err)

	// 一条指令 PENDING→COMPLETED，扫描结束后刷新待处理规模
	assert.Equal(t, []string{"COMPLETED"}, obs.transitions)
	require.NotEmpty(t, obs.pending)
	assert.Equal(t, 0, obs.pending[len(obs.pending)-1])
}

func TestProcessPendingRetriesFailedInstruction(t *testing.T) {
	repo := newMemSettlementRepo()
	proc := &stubProcessor{err: errors.New("wire rejected")}
	svc := NewSettlementAppService(repo, proc, nil, 3, time.Millisecond, nil)

	out, err := svc.DeriveInstructions(context.Background(),
		[]calcdomain.CashFlowEntry{settleableEntry("CF1")})
	require.NoError(t, err)
	id := out[0].SettlementID

	_, _, _, err = svc.ProcessPending(context.Background(), time.Now(), 10)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	// 第二轮扫描对到期的失败指令走重试迁移
	proc.err = nil
	processed, succeeded, _, err := svc.ProcessPending(context.Background(), time.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, succeeded)

	ins, _ := repo.Get(context.Background(), id)
	assert.Equal(t, domain.SettlementStatusCompleted, ins.Status)
	assert.Equal(t, 1, ins.RetryCount)
}
