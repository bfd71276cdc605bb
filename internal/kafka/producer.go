package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/satoru707/voting-app/config"
	"github.com/satoru707/voting-app/internal/model"
)

// Publisher 账本事件的发布者。发布发生在账本提交之后，失败不回滚账本。
type Publisher interface {
	Publish(ctx context.Context, event *model.LedgerEvent) error
}

// NopPublisher 未启用Kafka时使用
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *model.LedgerEvent) error { return nil }

// PublisherFunc 适配普通函数
type PublisherFunc func(ctx context.Context, event *model.LedgerEvent) error

func (f PublisherFunc) Publish(ctx context.Context, event *model.LedgerEvent) error {
	return f(ctx, event)
}

var _ Publisher = (*Producer)(nil)

type Producer struct {
	writer *kafka.Writer
}

func NewProducer() (*Producer, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	partitions, err := topicPartitions(ctx)
	if err != nil {
		return nil, err
	}
	zap.L().Info("生产者检测到Kafka主题分区",
		zap.String("topic", config.AppConfig.Kafka.Topic),
		zap.Int("partitions", len(partitions)),
	)

	// 以选举ID为Key做Hash分区，同一选举的事件保持顺序
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.AppConfig.Kafka.Brokers...),
		Topic:        config.AppConfig.Kafka.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}

	return &Producer{writer: writer}, nil
}

// topicPartitions 读取主题的分区ID
func topicPartitions(ctx context.Context) ([]int, error) {
	conn, err := kafka.DialLeader(ctx, "tcp", config.AppConfig.Kafka.Brokers[0], config.AppConfig.Kafka.Topic, 0)
	if err != nil {
		return nil, fmt.Errorf("连接Kafka失败: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("读取分区信息失败: %w", err)
	}

	var ids []int
	for _, p := range partitions {
		if p.Topic == config.AppConfig.Kafka.Topic {
			ids = append(ids, p.ID)
		}
	}
	return ids, nil
}

func encodeEvent(event *model.LedgerEvent) (kafka.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("序列化账本事件失败: %w", err)
	}

	return kafka.Message{
		Key:   []byte(event.ElectionID),
		Value: data,
		Time:  event.At,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
		},
	}, nil
}

func decodeEvent(m kafka.Message) (*model.LedgerEvent, error) {
	var event model.LedgerEvent
	if err := json.Unmarshal(m.Value, &event); err != nil {
		return nil, fmt.Errorf("解析账本事件失败: %w", err)
	}
	return &event, nil
}

// Publish 发送账本事件到Kafka
func (p *Producer) Publish(ctx context.Context, event *model.LedgerEvent) error {
	msg, err := encodeEvent(event)
	if err != nil {
		return err
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("发送账本事件失败: %w", err)
	}
	return nil
}

// Close 关闭Kafka生产者
func (p *Producer) Close() error {
	return p.writer.Close()
}
