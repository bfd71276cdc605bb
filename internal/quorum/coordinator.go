package quorum

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satoru707/voting-app/internal/election"
	"github.com/satoru707/voting-app/internal/errs"
	"github.com/satoru707/voting-app/internal/metrics"
	"github.com/satoru707/voting-app/internal/model"
	"github.com/satoru707/voting-app/internal/repository"
)

// Policy 法定人数策略
type Policy struct {
	// 范围内没有任何管理员时，是否允许第一次请求即关闭
	AllowEmptyPopulation bool
}

// Needed 关闭所需的请求数：范围内管理员的半数（向上取整），默认至少为1
func Needed(total int, p Policy) int {
	needed := (total + 1) / 2
	if needed < 1 && !p.AllowEmptyPopulation {
		needed = 1
	}
	return needed
}

type Coordinator struct {
	store     repository.Store
	finalizer election.Finalizer
	policy    Policy
	now       func() time.Time
}

func NewCoordinator(store repository.Store, finalizer election.Finalizer, policy Policy, now func() time.Time) *Coordinator {
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		store:     store,
		finalizer: finalizer,
		policy:    policy,
		now:       now,
	}
}

// RequestClose 记录管理员的关闭请求，达到法定人数时关闭选举
func (c *Coordinator) RequestClose(ctx context.Context, admin *model.Principal, electionID string) (*model.CloseOutcome, error) {
	e, err := c.store.GetElection(ctx, electionID)
	if err != nil {
		return nil, err
	}

	if !admin.CanRequestClose(e) {
		return nil, errs.Forbidden.With("adminId", admin.ID).SetData("scope", e.Scope)
	}

	requested, err := c.store.HasCloseRequest(ctx, electionID, admin.ID)
	if err != nil {
		return nil, err
	}
	if requested {
		return nil, errs.DuplicateRequest.With("adminId", admin.ID)
	}

	req := &model.CloseRequest{
		ID:          uuid.NewString(),
		ElectionID:  electionID,
		AdminID:     admin.ID,
		RequestedAt: c.now(),
	}
	if err := c.store.InsertCloseRequest(ctx, req); err != nil {
		return nil, err
	}
	metrics.CloseRequests.Inc()

	total, err := c.store.CountScopedApprovers(ctx, e)
	if err != nil {
		return nil, err
	}
	approvals, err := c.store.CountCloseRequests(ctx, electionID)
	if err != nil {
		return nil, err
	}

	outcome := &model.CloseOutcome{
		Approvals: approvals,
		Needed:    Needed(total, c.policy),
	}

	zap.L().Info("收到关闭请求",
		zap.String("election_id", electionID),
		zap.String("admin_id", admin.ID),
		zap.Int("approvals", outcome.Approvals),
		zap.Int("needed", outcome.Needed),
		zap.Int("population", total),
	)

	if outcome.Approvals >= outcome.Needed {
		if _, err := c.finalizer.Finalize(ctx, electionID, election.TriggerQuorum); err != nil {
			return nil, err
		}
		outcome.Closed = true
	}

	return outcome, nil
}
