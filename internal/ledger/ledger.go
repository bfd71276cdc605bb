package ledger

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satoru707/voting-app/internal/errs"
	"github.com/satoru707/voting-app/internal/integrity"
	"github.com/satoru707/voting-app/internal/kafka"
	"github.com/satoru707/voting-app/internal/lock"
	"github.com/satoru707/voting-app/internal/metrics"
	"github.com/satoru707/voting-app/internal/model"
	"github.com/satoru707/voting-app/internal/repository"
)

const defaultMaxConflictRetries = 5

// Ledger 选票账本：每场选举一条指纹链，追加在选举临界区内完成
type Ledger struct {
	store              repository.Store
	guard              *lock.Guard
	publisher          kafka.Publisher
	now                func() time.Time
	maxConflictRetries int
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithPublisher(p kafka.Publisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

// WithMaxConflictRetries n <= 0 时保留默认值
func WithMaxConflictRetries(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxConflictRetries = n
		}
	}
}

func New(store repository.Store, guard *lock.Guard, opts ...Option) *Ledger {
	l := &Ledger{
		store:              store,
		guard:              guard,
		publisher:          kafka.NopPublisher{},
		now:                time.Now,
		maxConflictRetries: defaultMaxConflictRetries,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Cast 校验并追加一名选民的整张选票，全部写入或全部不写
func (l *Ledger) Cast(ctx context.Context, voter *model.Principal, electionID string, votes []model.VoteChoice) (*model.CastReceipt, error) {
	ordered, err := l.precheck(ctx, voter, electionID, votes)
	if err != nil {
		if reason := rejectionReason(err); reason != "" {
			metrics.VoteRejections.WithLabelValues(reason).Inc()
		}
		return nil, err
	}

	var receipt *model.CastReceipt
	err = l.guard.Do(ctx, lock.ElectionKey(electionID), func(ctx context.Context) error {
		var err error
		receipt, err = l.appendLocked(ctx, voter.ID, electionID, ordered)
		return err
	})
	if err != nil {
		if reason := rejectionReason(err); reason != "" {
			metrics.VoteRejections.WithLabelValues(reason).Inc()
		}
		return nil, err
	}

	metrics.BallotsAppended.Add(float64(len(receipt.Ballots)))
	l.publish(ctx, receipt)

	return receipt, nil
}

// precheck 按顺序检查投票前置条件，返回按职位排序的选择
func (l *Ledger) precheck(ctx context.Context, voter *model.Principal, electionID string, votes []model.VoteChoice) ([]model.VoteChoice, error) {
	election, err := l.store.GetElection(ctx, electionID)
	if err != nil {
		if errors.Is(err, errs.ElectionNotFound) {
			return nil, errs.ElectionNotOpen.With("electionId", electionID)
		}
		return nil, err
	}
	if !election.AcceptingBallots(l.now()) {
		return nil, errs.ElectionNotOpen.With("electionId", electionID)
	}

	if !voter.EligibleFor(election) {
		return nil, errs.NotEligible.With("voterId", voter.ID)
	}

	candidates, err := l.store.ListCandidates(ctx, electionID)
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		if c.StudentID == voter.ID {
			return nil, errs.CandidateCannotVote.With("voterId", voter.ID)
		}
	}

	voted, err := l.store.HasVoted(ctx, electionID, voter.ID)
	if err != nil {
		return nil, err
	}
	if voted {
		return nil, errs.AlreadyVoted.With("voterId", voter.ID)
	}

	return ValidateBallot(candidates, votes)
}

// ValidateBallot 选票必须恰好覆盖全部竞选职位，每个职位一名该职位的候选人。
// 返回按职位升序排列的副本。
func ValidateBallot(candidates []model.Candidate, votes []model.VoteChoice) ([]model.VoteChoice, error) {
	positions := make(map[string]map[string]struct{})
	for _, c := range candidates {
		if positions[c.Position] == nil {
			positions[c.Position] = make(map[string]struct{})
		}
		positions[c.Position][c.ID] = struct{}{}
	}

	if len(positions) == 0 {
		return nil, errs.IncompleteOrInvalidBallot.With("reason", "no contested positions")
	}
	if len(votes) != len(positions) {
		return nil, errs.IncompleteOrInvalidBallot.
			With("expected", len(positions)).
			SetData("got", len(votes))
	}

	seen := make(map[string]struct{}, len(votes))
	for _, v := range votes {
		ids, ok := positions[v.Position]
		if !ok {
			return nil, errs.IncompleteOrInvalidBallot.With("position", v.Position)
		}
		if _, dup := seen[v.Position]; dup {
			return nil, errs.IncompleteOrInvalidBallot.With("duplicatePosition", v.Position)
		}
		if _, ok := ids[v.CandidateID]; !ok {
			return nil, errs.IncompleteOrInvalidBallot.With("candidateId", v.CandidateID)
		}
		seen[v.Position] = struct{}{}
	}

	ordered := append([]model.VoteChoice(nil), votes...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Position < ordered[j].Position })
	return ordered, nil
}

// appendLocked 读链头、计算指纹、追加；存储层报告链头已移动时重算重试
func (l *Ledger) appendLocked(ctx context.Context, voterID, electionID string, votes []model.VoteChoice) (*model.CastReceipt, error) {
	for attempt := 0; ; attempt++ {
		state, err := l.store.ChainState(ctx, electionID)
		if err != nil {
			return nil, err
		}
		now := l.now()
		if state.Status != model.StatusOpen || now.After(state.EndAt) {
			return nil, errs.ElectionNotOpen.With("electionId", electionID)
		}

		ballots := buildBallots(state, voterID, votes, now)
		head := integrity.Extend(state.Head, ballots)

		err = l.store.AppendBallots(ctx, state, ballots)
		if err == nil {
			return &model.CastReceipt{
				ElectionID: electionID,
				VoterID:    voterID,
				Head:       head,
				Ballots:    ballots,
				CastAt:     ballots[0].CastAt,
			}, nil
		}

		if !errors.Is(err, errs.ChainConflict) || attempt >= l.maxConflictRetries {
			return nil, err
		}

		metrics.ChainConflicts.Inc()
		zap.L().Info("账本链头已变化，重新计算",
			zap.String("election_id", electionID),
			zap.Int("attempt", attempt+1),
		)
	}
}

// buildBallots 分配序号与单调递增的投票时间
func buildBallots(state *model.ChainState, voterID string, votes []model.VoteChoice, now time.Time) []model.Ballot {
	castAt := integrity.NormalizeCastAt(now)
	if !state.LastCastAt.IsZero() {
		next := integrity.NormalizeCastAt(state.LastCastAt).Add(time.Microsecond)
		if castAt.Before(next) {
			castAt = next
		}
	}

	ballots := make([]model.Ballot, len(votes))
	for i, v := range votes {
		ballots[i] = model.Ballot{
			ID:          uuid.NewString(),
			ElectionID:  state.ElectionID,
			VoterID:     voterID,
			CandidateID: v.CandidateID,
			Position:    v.Position,
			Seq:         state.Seq + int64(i) + 1,
			CastAt:      castAt.Add(time.Duration(i) * time.Microsecond),
		}
	}
	return ballots
}

func (l *Ledger) publish(ctx context.Context, receipt *model.CastReceipt) {
	last := receipt.Ballots[len(receipt.Ballots)-1]
	event := &model.LedgerEvent{
		ID:         uuid.NewString(),
		Type:       model.EventBallotCast,
		ElectionID: receipt.ElectionID,
		VoterID:    receipt.VoterID,
		Head:       receipt.Head,
		Seq:        last.Seq,
		Ballots:    len(receipt.Ballots),
		At:         receipt.CastAt,
	}
	if err := l.publisher.Publish(ctx, event); err != nil {
		zap.L().Warn("发布投票事件失败",
			zap.String("election_id", receipt.ElectionID),
			zap.Int64("seq", last.Seq),
			zap.Error(err),
		)
	}
}

func rejectionReason(err error) string {
	e, ok := errs.As(err)
	if !ok {
		return ""
	}
	switch e.Code {
	case errs.ElectionNotOpen.Code:
		return "election_not_open"
	case errs.NotEligible.Code:
		return "not_eligible"
	case errs.CandidateCannotVote.Code:
		return "candidate_cannot_vote"
	case errs.AlreadyVoted.Code:
		return "already_voted"
	case errs.IncompleteOrInvalidBallot.Code:
		return "invalid_ballot"
	}
	return ""
}
