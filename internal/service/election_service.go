package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/satoru707/voting-app/internal/errs"
	"github.com/satoru707/voting-app/internal/integrity"
	"github.com/satoru707/voting-app/internal/ledger"
	"github.com/satoru707/voting-app/internal/model"
	"github.com/satoru707/voting-app/internal/quorum"
	"github.com/satoru707/voting-app/internal/repository"
)

// ResultsCache 已关闭选举的结果缓存
type ResultsCache interface {
	GetResults(ctx context.Context, electionID string) (*model.ElectionResults, bool, error)
	SetResults(ctx context.Context, results *model.ElectionResults) error
	DeleteResults(ctx context.Context, electionID string) error
}

// TurnoutCounter 由账本事件维护的参与人数计数
type TurnoutCounter interface {
	RecordTurnout(ctx context.Context, electionID string, seq int64, ballots int) (int64, error)
	GetTurnout(ctx context.Context, electionID string) (*repository.Turnout, error)
}

// ElectionService 对外操作的入口：投票、关闭请求、结果、完整性校验
type ElectionService struct {
	store       repository.Store
	ledger      *ledger.Ledger
	coordinator *quorum.Coordinator
	verifier    *integrity.Verifier
	cache       ResultsCache
	turnout     TurnoutCounter
	now         func() time.Time

	results singleflight.Group
}

// NewElectionService cache 与 turnout 可以为 nil
func NewElectionService(
	store repository.Store,
	ledger *ledger.Ledger,
	coordinator *quorum.Coordinator,
	verifier *integrity.Verifier,
	cache ResultsCache,
	turnout TurnoutCounter,
) *ElectionService {
	return &ElectionService{
		store:       store,
		ledger:      ledger,
		coordinator: coordinator,
		verifier:    verifier,
		cache:       cache,
		turnout:     turnout,
		now:         time.Now,
	}
}

func (s *ElectionService) SetClock(now func() time.Time) {
	s.now = now
}

// ResolvePrincipal 根据网关传入的学生ID加载身份
func (s *ElectionService) ResolvePrincipal(ctx context.Context, studentID string) (*model.Principal, error) {
	if studentID == "" {
		return nil, errs.Unauthenticated
	}
	return s.store.GetPrincipal(ctx, studentID)
}

// CastVote 投票
func (s *ElectionService) CastVote(ctx context.Context, voter *model.Principal, electionID string, votes []model.VoteChoice) (*model.CastReceipt, error) {
	if voter == nil {
		return nil, errs.Unauthenticated
	}
	return s.ledger.Cast(ctx, voter, electionID, votes)
}

// RequestClose 管理员请求关闭选举
func (s *ElectionService) RequestClose(ctx context.Context, admin *model.Principal, electionID string) (*model.CloseOutcome, error) {
	if admin == nil {
		return nil, errs.Unauthenticated
	}
	return s.coordinator.RequestClose(ctx, admin, electionID)
}

// VerifyIntegrity 校验选举账本，可在任意阶段调用
func (s *ElectionService) VerifyIntegrity(ctx context.Context, electionID string) (bool, error) {
	return s.verifier.Verify(ctx, electionID)
}

// GetResults 获取已关闭选举的结果，优先读缓存，并发请求合并为一次计算。
// 计票结果可以缓存，账本校验每次重新执行。
func (s *ElectionService) GetResults(ctx context.Context, electionID string) (*model.ElectionResults, error) {
	if s.cache != nil {
		cached, found, err := s.cache.GetResults(ctx, electionID)
		if err != nil {
			zap.L().Warn("读取结果缓存失败", zap.String("election_id", electionID), zap.Error(err))
		}
		if found {
			return s.reverify(ctx, cached)
		}
	}

	v, err, _ := s.results.Do(electionID, func() (interface{}, error) {
		results, err := s.computeResults(ctx, electionID)
		if err != nil {
			return nil, err
		}

		if s.cache != nil {
			if err := s.cache.SetResults(ctx, results); err != nil {
				zap.L().Warn("写入结果缓存失败", zap.String("election_id", electionID), zap.Error(err))
			}
		}
		return results, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.ElectionResults), nil
}

func (s *ElectionService) reverify(ctx context.Context, cached *model.ElectionResults) (*model.ElectionResults, error) {
	verified, err := s.verifier.Verify(ctx, cached.ElectionID)
	if err != nil {
		return nil, fmt.Errorf("校验选举账本失败: %w", err)
	}
	if verified == cached.IntegrityVerified {
		return cached, nil
	}

	fresh := *cached
	fresh.IntegrityVerified = verified
	return &fresh, nil
}

func (s *ElectionService) computeResults(ctx context.Context, electionID string) (*model.ElectionResults, error) {
	e, err := s.store.GetElection(ctx, electionID)
	if err != nil {
		return nil, err
	}
	if e.Status != model.StatusClosed {
		return nil, errs.ResultsNotAvailable.With("status", e.Status)
	}

	candidates, err := s.store.ListCandidates(ctx, electionID)
	if err != nil {
		return nil, err
	}
	ballots, err := s.store.ListBallots(ctx, electionID)
	if err != nil {
		return nil, err
	}

	verified, err := s.verifier.Verify(ctx, electionID)
	if err != nil {
		return nil, fmt.Errorf("校验选举账本失败: %w", err)
	}

	return &model.ElectionResults{
		ElectionID:        electionID,
		Results:           Tally(candidates, ballots),
		TotalVotes:        len(ballots),
		IntegrityHead:     e.IntegrityHead,
		IntegrityVerified: verified,
		ComputedAt:        s.now(),
	}, nil
}

// Tally 按候选人计票，百分比相对于该职位的总票数
func Tally(candidates []model.Candidate, ballots []model.Ballot) []model.CandidateResult {
	perCandidate := make(map[string]int)
	perPosition := make(map[string]int)
	for _, b := range ballots {
		perCandidate[b.CandidateID]++
		perPosition[b.Position]++
	}

	results := make([]model.CandidateResult, 0, len(candidates))
	for _, c := range candidates {
		r := model.CandidateResult{
			CandidateID: c.ID,
			StudentID:   c.StudentID,
			Position:    c.Position,
			VoteCount:   perCandidate[c.ID],
		}
		if total := perPosition[c.Position]; total > 0 {
			r.Percentage = float64(r.VoteCount) / float64(total) * 100
		}
		results = append(results, r)
	}
	return results
}

// GetTurnout 当前已投票人数。事件计数可能落后于存储（事件丢失、计数启用前的投票），
// 因此取计数与存储中的较大值。
func (s *ElectionService) GetTurnout(ctx context.Context, electionID string) (int64, error) {
	if _, err := s.store.GetElection(ctx, electionID); err != nil {
		return 0, err
	}

	stored, err := s.store.CountVoters(ctx, electionID)
	if err != nil {
		return 0, err
	}
	if s.turnout == nil {
		return stored, nil
	}

	t, err := s.turnout.GetTurnout(ctx, electionID)
	if err != nil {
		zap.L().Warn("读取参与人数计数失败，使用数据库结果", zap.String("election_id", electionID), zap.Error(err))
		return stored, nil
	}
	if t.Voters < stored {
		zap.L().Debug("参与人数计数落后于数据库",
			zap.String("election_id", electionID),
			zap.Int64("counter", t.Voters),
			zap.Int64("stored", stored),
		)
		return stored, nil
	}
	return t.Voters, nil
}

// ProcessLedgerEvent 处理账本事件（消费者使用）
func (s *ElectionService) ProcessLedgerEvent(ctx context.Context, event *model.LedgerEvent) error {
	switch event.Type {
	case model.EventBallotCast:
		if s.turnout == nil {
			return nil
		}
		if _, err := s.turnout.RecordTurnout(ctx, event.ElectionID, event.Seq, event.Ballots); err != nil {
			return fmt.Errorf("处理投票事件更新参与人数失败: %w", err)
		}

	case model.EventElectionClosed:
		if s.cache == nil {
			return nil
		}
		// 关闭后预先计算结果
		if err := s.cache.DeleteResults(ctx, event.ElectionID); err != nil {
			zap.L().Warn("删除结果缓存失败", zap.String("election_id", event.ElectionID), zap.Error(err))
		}
		if _, err := s.GetResults(ctx, event.ElectionID); err != nil {
			return fmt.Errorf("处理关闭事件计算结果失败: %w", err)
		}

	default:
		zap.L().Debug("忽略未知账本事件", zap.String("type", string(event.Type)))
	}
	return nil
}
