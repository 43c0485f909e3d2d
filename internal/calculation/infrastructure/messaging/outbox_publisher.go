// Package messaging 计算与结算事件的 Outbox 发布
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/wyfcoding/pkg/idgen"

	calcdomain "github.com/wyfcoding/cashflowengine/internal/calculation/domain"
	settlementdomain "github.com/wyfcoding/cashflowengine/internal/settlement/domain"
)

const (
	statusPending = "pending"
	statusSent    = "sent"
)

// OutboxMessage 事件发件箱记录。事件先落库，由中继异步投递到 Kafka，
// 事件发布不阻塞计算路径。
type OutboxMessage struct {
	gorm.Model
	MessageID string     `gorm:"column:message_id;type:varchar(64);uniqueIndex;not null"`
	EventType string     `gorm:"column:event_type;type:varchar(64);index;not null"`
	Payload   string     `gorm:"column:payload;type:text;not null"`
	Status    string     `gorm:"column:status;type:varchar(16);index;default:'pending'"`
	SentAt    *time.Time `gorm:"column:sent_at"`
}

// TableName 表名
func (OutboxMessage) TableName() string {
	return "engine_outbox_messages"
}

// OutboxEventPublisher 基于 Outbox 模式的事件发布器，
// 同时实现计算与结算两侧的 EventPublisher 接口。
type OutboxEventPublisher struct {
	db *gorm.DB
}

func NewOutboxEventPublisher(db *gorm.DB) *OutboxEventPublisher {
	return &OutboxEventPublisher{db: db}
}

// PublishCalculationCompleted 发布计算完成事件
func (p *OutboxEventPublisher) PublishCalculationCompleted(ctx context.Context, event calcdomain.CalculationCompletedEvent) error {
	return p.publish(ctx, "CalculationCompletedEvent", event)
}

// PublishSettlementStatusChanged 发布结算状态变更事件
func (p *OutboxEventPublisher) PublishSettlementStatusChanged(ctx context.Context, event settlementdomain.StatusChangedEvent) error {
	return p.publish(ctx, "SettlementStatusChangedEvent", event)
}

func (p *OutboxEventPublisher) publish(ctx context.Context, eventType string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	message := OutboxMessage{
		MessageID: fmt.Sprintf("MSG%s", idgen.GenIDString()),
		EventType: eventType,
		Payload:   string(payload),
		Status:    statusPending,
	}
	if err := p.db.WithContext(ctx).Create(&message).Error; err != nil {
		return fmt.Errorf("failed to save outbox message: %w", err)
	}
	return nil
}

// FetchPending 取一批待投递消息，按写入顺序
func (p *OutboxEventPublisher) FetchPending(ctx context.Context, batchSize int) ([]OutboxMessage, error) {
	var messages []OutboxMessage
	err := p.db.WithContext(ctx).
		Where("status = ?", statusPending).
		Order("id ASC").
		Limit(batchSize).
		Find(&messages).Error
	return messages, err
}

// MarkSent 标记消息已投递
func (p *OutboxEventPublisher) MarkSent(ctx context.Context, messageID string) error {
	now := time.Now()
	return p.db.WithContext(ctx).Model(&OutboxMessage{}).
		Where("message_id = ?", messageID).
		Updates(map[string]any{"status": statusSent, "sent_at": &now}).Error
}

// CleanupSent 清理投递时间早于 before 的已投递消息
func (p *OutboxEventPublisher) CleanupSent(ctx context.Context, before time.Time) error {
	return p.db.WithContext(ctx).
		Where("status = ? AND sent_at < ?", statusSent, before).
		Delete(&OutboxMessage{}).Error
}
