package messaging

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/wyfcoding/cashflowengine/pkg/mq"
)

// KafkaRelay 发件箱中继。周期性取待投递消息写入 Kafka，
// 写入成功后标记已投递。至少一次投递，消费方按 message_id 去重。
type KafkaRelay struct {
	outbox    *OutboxEventPublisher
	producer  *mq.KafkaProducer
	topic     string
	batchSize int
	interval  time.Duration
	logger    *slog.Logger
}

// NewKafkaRelay 创建中继
func NewKafkaRelay(outbox *OutboxEventPublisher, producer *mq.KafkaProducer, topic string, logger *slog.Logger) *KafkaRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaRelay{
		outbox:    outbox,
		producer:  producer,
		topic:     topic,
		batchSize: 100,
		interval:  time.Second,
		logger:    logger,
	}
}

// Run 运行中继循环直到 ctx 取消
func (r *KafkaRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return r.producer.Close()
		case <-ticker.C:
			if err := r.drainOnce(ctx); err != nil {
				r.logger.ErrorContext(ctx, "outbox relay pass failed", "error", err)
			}
		}
	}
}

func (r *KafkaRelay) drainOnce(ctx context.Context) error {
	messages, err := r.outbox.FetchPending(ctx, r.batchSize)
	if err != nil {
		return err
	}

	for i := range messages {
		msg := &messages[i]
		// 载荷已是 JSON，RawMessage 避免二次编码
		if err := r.producer.SendMessage(ctx, r.topic, msg.MessageID, json.RawMessage(msg.Payload)); err != nil {
			r.logger.WarnContext(ctx, "failed to relay outbox message",
				"message_id", msg.MessageID, "error", err)
			return err
		}
		if err := r.outbox.MarkSent(ctx, msg.MessageID); err != nil {
			return err
		}
	}
	return nil
}
