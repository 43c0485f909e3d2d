package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInstruction() *SettlementInstruction {
	return &SettlementInstruction{
		SettlementID:   "SI1",
		ContractID:     "C1",
		CashFlowID:     "CF1",
		SettlementDate: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		SettlementType: "DIVIDEND",
		Amount:         decimal.NewFromInt(1700),
		Currency:       "USD",
		Status:         SettlementStatusPending,
		MaxRetry:       3,
		Version:        1,
	}
}

func TestSettlementHappyPath(t *testing.T) {
	s := newInstruction()

	require.NoError(t, s.StartProcessing())
	assert.Equal(t, SettlementStatusProcessing, s.Status)

	actual := time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Complete(actual, "WIRE-123", "settled via custodian"))
	assert.Equal(t, SettlementStatusCompleted, s.Status)
	require.NotNil(t, s.ActualSettlementDate)
	assert.Equal(t, actual, *s.ActualSettlementDate)
	assert.Equal(t, "WIRE-123", s.Reference)
	assert.True(t, s.Status.IsTerminal())

	require.Len(t, s.Events, 2)
	assert.Equal(t, "PROCESSING_STARTED", s.Events[0].EventType)
	assert.Equal(t, "COMPLETED", s.Events[1].EventType)
}

func TestSettlementIllegalTransitions(t *testing.T) {
	s := newInstruction()

	// PENDING 不能直接完成或失败
	var te *TransitionError
	require.ErrorAs(t, s.Complete(time.Now(), "", ""), &te)
	require.ErrorAs(t, s.Fail("boom", time.Hour), &te)
	require.ErrorAs(t, s.Retry(time.Hour), &te)
	assert.Equal(t, SettlementStatusPending, s.Status)

	// 终态拒绝一切迁移
	require.NoError(t, s.StartProcessing())
	require.NoError(t, s.Complete(time.Now(), "", ""))
	require.ErrorAs(t, s.StartProcessing(), &te)
	require.ErrorAs(t, s.Cancel("ops", "too late"), &te)
	assert.Equal(t, SettlementStatusCompleted, s.Status)
}

func TestSettlementFailSchedulesRetry(t *testing.T) {
	s := newInstruction()
	require.NoError(t, s.StartProcessing())

	before := time.Now()
	require.NoError(t, s.Fail("counterparty unreachable", time.Hour))

	assert.Equal(t, SettlementStatusFailed, s.Status)
	assert.Equal(t, "counterparty unreachable", s.ErrorMessage)
	require.NotNil(t, s.LastRetryAt)
	require.NotNil(t, s.NextRetryAt)
	assert.True(t, s.NextRetryAt.After(before.Add(59*time.Minute)))
	assert.True(t, s.CanRetry())
}

func TestSettlementRetryIncrementsOnce(t *testing.T) {
	s := newInstruction()
	require.NoError(t, s.StartProcessing())
	require.NoError(t, s.Fail("boom", time.Hour))

	require.NoError(t, s.Retry(time.Hour))
	assert.Equal(t, 1, s.RetryCount)
	assert.Equal(t, SettlementStatusProcessing, s.Status)

	// 未处于 FAILED 时重试被拒绝且计数不变
	var te *TransitionError
	require.ErrorAs(t, s.Retry(time.Hour), &te)
	assert.Equal(t, 1, s.RetryCount)
}

func TestSettlementMaxRetriesExceeded(t *testing.T) {
	s := newInstruction()
	require.NoError(t, s.StartProcessing())

	for i := 0; i < s.MaxRetry; i++ {
		require.NoError(t, s.Fail("boom", time.Minute))
		require.NoError(t, s.Retry(time.Minute))
	}
	assert.Equal(t, 3, s.RetryCount)

	// 计数到达上限后的失败要求人工介入，但状态仍迁移到 FAILED
	var maxErr *ErrMaxRetriesExceeded
	require.ErrorAs(t, s.Fail("boom", time.Minute), &maxErr)
	assert.Equal(t, SettlementStatusFailed, s.Status)
	assert.Equal(t, 3, maxErr.RetryCount)

	// 再重试同样被拒绝，计数不再增长
	require.ErrorAs(t, s.Retry(time.Minute), &maxErr)
	assert.Equal(t, 3, s.RetryCount)
	assert.False(t, s.CanRetry())
}

func TestSettlementCancel(t *testing.T) {
	s := newInstruction()

	// 取消必须带取消人与原因
	require.Error(t, s.Cancel("", "dup"))
	require.Error(t, s.Cancel("ops", ""))
	assert.Equal(t, SettlementStatusPending, s.Status)

	require.NoError(t, s.Cancel("ops", "duplicate instruction"))
	assert.Equal(t, SettlementStatusCancelled, s.Status)
	assert.Equal(t, "ops", s.CancelledBy)
	require.NotNil(t, s.CancelledAt)
	assert.True(t, s.Status.IsTerminal())

	// FAILED 不可取消
	f := newInstruction()
	require.NoError(t, f.StartProcessing())
	require.NoError(t, f.Fail("boom", time.Hour))
	var te *TransitionError
	require.ErrorAs(t, f.Cancel("ops", "reason"), &te)
}

func TestSettlementEventsAppended(t *testing.T) {
	s := newInstruction()
	require.NoError(t, s.StartProcessing())
	require.NoError(t, s.Fail("boom", time.Minute))
	require.NoError(t, s.Retry(time.Minute))
	require.NoError(t, s.Complete(time.Now(), "REF", ""))

	require.Len(t, s.Events, 4)
	types := []string{s.Events[0].EventType, s.Events[1].EventType, s.Events[2].EventType, s.Events[3].EventType}
	assert.Equal(t, []string{"PROCESSING_STARTED", "FAILED", "RETRY", "COMPLETED"}, types)
	for _, e := range s.Events {
		assert.Equal(t, "SI1", e.SettlementID)
		assert.False(t, e.OccurredAt.IsZero())
	}
}

func TestSettlementNaturalKey(t *testing.T) {
	s := newInstruction()
	assert.Equal(t, "C1|CF1|2024-03-15|DIVIDEND", s.NaturalKey())
}
