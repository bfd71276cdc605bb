package election

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satoru707/voting-app/internal/kafka"
	"github.com/satoru707/voting-app/internal/lock"
	"github.com/satoru707/voting-app/internal/metrics"
	"github.com/satoru707/voting-app/internal/model"
	"github.com/satoru707/voting-app/internal/repository"
)

// Trigger 关闭选举的触发方
type Trigger string

const (
	TriggerQuorum Trigger = "QUORUM"
	TriggerSweep  Trigger = "SWEEP"
)

// CanTransition DRAFT→OPEN 与 OPEN→CLOSED 是仅有的合法迁移
func CanTransition(from, to model.Status) bool {
	switch from {
	case model.StatusDraft:
		return to == model.StatusOpen
	case model.StatusOpen:
		return to == model.StatusClosed
	}
	return false
}

// Finalizer 关闭选举的唯一入口，法定人数与定时清扫共用
type Finalizer interface {
	Finalize(ctx context.Context, electionID string, trigger Trigger) (*model.Finalization, error)
}

type StateMachine struct {
	store     repository.Store
	guard     *lock.Guard
	publisher kafka.Publisher
	now       func() time.Time
}

func NewStateMachine(store repository.Store, guard *lock.Guard, publisher kafka.Publisher, now func() time.Time) *StateMachine {
	if publisher == nil {
		publisher = kafka.NopPublisher{}
	}
	if now == nil {
		now = time.Now
	}
	return &StateMachine{
		store:     store,
		guard:     guard,
		publisher: publisher,
		now:       now,
	}
}

// Finalize 幂等地关闭选举：已关闭时不做修改并返回原有的 integrityHead。
// 与投票追加共用同一选举临界区，读取链头之后不会再有选票写入。
func (sm *StateMachine) Finalize(ctx context.Context, electionID string, trigger Trigger) (*model.Finalization, error) {
	var f *model.Finalization
	err := sm.guard.Do(ctx, lock.ElectionKey(electionID), func(ctx context.Context) error {
		var err error
		f, err = sm.store.Finalize(ctx, electionID, sm.now())
		return err
	})
	if err != nil {
		return nil, err
	}

	if !f.Changed {
		return f, nil
	}

	metrics.ElectionsClosed.WithLabelValues(string(trigger)).Inc()
	zap.L().Info("选举已关闭",
		zap.String("election_id", electionID),
		zap.String("trigger", string(trigger)),
		zap.String("integrity_head", f.IntegrityHead),
	)

	event := &model.LedgerEvent{
		ID:         uuid.NewString(),
		Type:       model.EventElectionClosed,
		ElectionID: electionID,
		Head:       f.IntegrityHead,
		Trigger:    string(trigger),
		At:         f.ClosedAt,
	}
	if err := sm.publisher.Publish(ctx, event); err != nil {
		zap.L().Warn("发布关闭事件失败", zap.String("election_id", electionID), zap.Error(err))
	}

	return f, nil
}
