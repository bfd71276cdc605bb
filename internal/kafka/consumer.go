package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/satoru707/voting-app/config"
	"github.com/satoru707/voting-app/internal/model"
)

const (
	maxWorkers = 8

	retryInitial = 200 * time.Millisecond
	retryMax     = 10 * time.Second
)

type MessageHandler func(ctx context.Context, event *model.LedgerEvent) error

// Consumer 以消费者组方式并发消费账本事件；处理成功后才提交位移
type Consumer struct {
	readers []*kafka.Reader
	wg      sync.WaitGroup

	retryInitial time.Duration
	retryMax     time.Duration
}

func NewConsumer() (*Consumer, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	partitions, err := topicPartitions(ctx)
	if err != nil {
		return nil, err
	}

	// 组内Reader多于分区数没有意义
	workers := maxWorkers
	if len(partitions) > 0 && len(partitions) < workers {
		workers = len(partitions)
	}
	if len(partitions) == 0 {
		workers = 1
	}

	readers := make([]*kafka.Reader, 0, workers)
	for i := 0; i < workers; i++ {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:  config.AppConfig.Kafka.Brokers,
			Topic:    config.AppConfig.Kafka.Topic,
			GroupID:  config.AppConfig.Kafka.GroupID,
			MinBytes: 10e3, // 10KB
			MaxBytes: 10e6, // 10MB
		}))
	}

	zap.L().Info("创建Kafka消费者",
		zap.String("topic", config.AppConfig.Kafka.Topic),
		zap.String("group", config.AppConfig.Kafka.GroupID),
		zap.Int("partitions", len(partitions)),
		zap.Int("workers", workers),
	)

	return &Consumer{readers: readers, retryInitial: retryInitial, retryMax: retryMax}, nil
}

// Run 阻塞消费直到 ctx 结束
func (c *Consumer) Run(ctx context.Context, handler MessageHandler) error {
	for i, reader := range c.readers {
		c.wg.Add(1)
		go func(workerID int, r *kafka.Reader) {
			defer c.wg.Done()
			c.consumeMessages(ctx, workerID, r, handler)
		}(i, reader)
	}

	c.wg.Wait()
	return ctx.Err()
}

func (c *Consumer) consumeMessages(ctx context.Context, workerID int, reader *kafka.Reader, handler MessageHandler) {
	log := zap.L().With(zap.Int("worker", workerID))
	log.Debug("消费者工作线程已启动")

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				log.Debug("消费者工作线程收到停止信号")
				return
			}
			log.Warn("读取消息失败", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		event, err := decodeEvent(m)
		if err != nil {
			// 无法解析的消息直接跳过
			log.Warn("解析消息失败", zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset), zap.Error(err))
		} else if err := retryHandler(ctx, log, handler, event, c.retryInitial, c.retryMax); err != nil {
			// 未处理成功的消息不提交，重启后从该位移继续
			log.Debug("消费者工作线程收到停止信号", zap.Int64("offset", m.Offset))
			return
		}

		if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			log.Warn("提交位移失败", zap.Error(err))
		}
	}
}

// retryHandler 按指数退避重试直到处理成功，仅在 ctx 结束时返回错误
func retryHandler(ctx context.Context, log *zap.Logger, handler MessageHandler, event *model.LedgerEvent, initial, maxBackoff time.Duration) error {
	backoff := initial
	for attempt := 1; ; attempt++ {
		err := handler(ctx, event)
		if err == nil {
			return nil
		}
		log.Warn("处理账本事件失败",
			zap.String("election_id", event.ElectionID),
			zap.String("type", string(event.Type)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Close 关闭所有reader，需在 Run 返回后调用
func (c *Consumer) Close() error {
	var firstErr error
	for i, reader := range c.readers {
		if err := reader.Close(); err != nil {
			zap.L().Warn("关闭消费者失败", zap.Int("worker", i), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
