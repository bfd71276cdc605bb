package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/satoru707/voting-app/internal/errs"
	"github.com/satoru707/voting-app/internal/integrity"
	"github.com/satoru707/voting-app/internal/kafka"
	"github.com/satoru707/voting-app/internal/lock"
	"github.com/satoru707/voting-app/internal/model"
	"github.com/satoru707/voting-app/internal/repository"
	tu "github.com/satoru707/voting-app/internal/testutil"
)

func newLedger(t *testing.T, scope model.Scope, opts ...Option) (*Ledger, *repository.MemoryRepository, model.Election) {
	t.Helper()

	repo := repository.NewMemoryRepository()
	e := tu.OpenElection("e1", scope)
	tu.Seed(repo, e)

	opts = append([]Option{WithClock(tu.Clock())}, opts...)
	return New(repo, lock.NewGuard(nil, time.Second, time.Millisecond), opts...), repo, e
}

func requireChainValid(t *testing.T, repo *repository.MemoryRepository, electionID string) []model.Ballot {
	t.Helper()

	ballots, err := repo.ListBallots(context.Background(), electionID)
	require.NoError(t, err)
	ok, bad := integrity.VerifyChain(electionID, ballots)
	require.True(t, ok, "first bad ballot at %d", bad)
	return ballots
}

func TestCastAppendsSortedChain(t *testing.T) {
	l, repo, e := newLedger(t, model.ScopeUniversity)
	voter := tu.Voter(repo, "s1")

	receipt, err := l.Cast(context.Background(), voter, e.ID, tu.Votes(1, 2))
	require.NoError(t, err)
	require.Len(t, receipt.Ballots, 2)

	// 按职位升序
	require.Equal(t, tu.PositionPresident, receipt.Ballots[0].Position)
	require.Equal(t, tu.PositionSecretary, receipt.Ballots[1].Position)
	require.Equal(t, int64(1), receipt.Ballots[0].Seq)
	require.Equal(t, int64(2), receipt.Ballots[1].Seq)
	require.Len(t, receipt.Ballots[1].Fingerprint, integrity.FingerprintLength)
	require.Equal(t, receipt.Ballots[1].Fingerprint, receipt.Head)

	first := integrity.Fingerprint(model.GenesisHead(e.ID), &receipt.Ballots[0])
	require.Equal(t, first, receipt.Ballots[0].Fingerprint)

	ballots := requireChainValid(t, repo, e.ID)
	require.Len(t, ballots, 2)

	state, err := repo.ChainState(context.Background(), e.ID)
	require.NoError(t, err)
	require.Equal(t, receipt.Head, state.Head)
	require.Equal(t, int64(2), state.Seq)
}

func TestCastKeepsChainValidAfterEveryCall(t *testing.T) {
	l, repo, e := newLedger(t, model.ScopeDepartment)

	var prevLast time.Time
	for i := 0; i < 10; i++ {
		voter := tu.Voter(repo, fmt.Sprintf("s%d", i))
		receipt, err := l.Cast(context.Background(), voter, e.ID, tu.Votes(i%2+1, (i+1)%2+1))
		require.NoError(t, err)

		// 时钟固定，投票时间仍严格递增
		for _, b := range receipt.Ballots {
			require.True(t, b.CastAt.After(prevLast))
			prevLast = b.CastAt
		}

		ballots := requireChainValid(t, repo, e.ID)
		require.Len(t, ballots, 2*(i+1))
	}
}

func TestCastPreconditionOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("election not found", func(t *testing.T) {
		l, repo, _ := newLedger(t, model.ScopeUniversity)
		_, err := l.Cast(ctx, tu.Voter(repo, "s1"), "missing", tu.Votes(1, 1))
		require.True(t, errors.Is(err, errs.ElectionNotOpen))
	})

	for name, mutate := range map[string]func(e *model.Election){
		"draft":         func(e *model.Election) { e.Status = model.StatusDraft },
		"closed":        func(e *model.Election) { e.Status = model.StatusClosed },
		"not started":   func(e *model.Election) { e.StartAt = tu.Now.Add(time.Minute) },
		"already ended": func(e *model.Election) { e.EndAt = tu.Now.Add(-time.Minute) },
	} {
		mutate := mutate
		t.Run(name, func(t *testing.T) {
			l, repo, e := newLedger(t, model.ScopeUniversity)
			repo.MutateElection(e.ID, mutate)
			// 不具备资格也应先报告未开放
			voter := tu.Voter(repo, "s1")
			voter.Year = 9
			_, err := l.Cast(ctx, voter, e.ID, tu.Votes(1, 1))
			require.True(t, errors.Is(err, errs.ElectionNotOpen))
		})
	}

	t.Run("window bounds are inclusive", func(t *testing.T) {
		l, repo, e := newLedger(t, model.ScopeUniversity)
		repo.MutateElection(e.ID, func(e *model.Election) { e.EndAt = tu.Now })
		_, err := l.Cast(ctx, tu.Voter(repo, "s1"), e.ID, tu.Votes(1, 1))
		require.NoError(t, err)
	})

	t.Run("year not allowed", func(t *testing.T) {
		l, repo, e := newLedger(t, model.ScopeUniversity)
		voter := tu.Voter(repo, "s1")
		voter.Year = 5
		_, err := l.Cast(ctx, voter, e.ID, tu.Votes(1, 1))
		require.True(t, errors.Is(err, errs.NotEligible))
	})

	t.Run("other faculty", func(t *testing.T) {
		l, repo, e := newLedger(t, model.ScopeFaculty)
		voter := tu.Voter(repo, "s1")
		voter.FacultyID = "law"
		_, err := l.Cast(ctx, voter, e.ID, tu.Votes(1, 1))
		require.True(t, errors.Is(err, errs.NotEligible))
	})

	t.Run("other department", func(t *testing.T) {
		l, repo, e := newLedger(t, model.ScopeDepartment)
		voter := tu.Voter(repo, "s1")
		voter.DepartmentID = "math"
		_, err := l.Cast(ctx, voter, e.ID, tu.Votes(1, 1))
		require.True(t, errors.Is(err, errs.NotEligible))
	})

	t.Run("candidate cannot vote", func(t *testing.T) {
		l, repo, e := newLedger(t, model.ScopeUniversity)
		candidateID := fmt.Sprintf("cand-%s-%s-%d", e.ID, tu.PositionPresident, 1)
		voter := tu.Voter(repo, candidateID)
		// 候选人同时重复投票、选票也不完整，仍先报告候选人
		_, err := l.Cast(ctx, voter, e.ID, nil)
		require.True(t, errors.Is(err, errs.CandidateCannotVote))
	})

	t.Run("already voted before ballot validation", func(t *testing.T) {
		l, repo, e := newLedger(t, model.ScopeUniversity)
		voter := tu.Voter(repo, "s1")
		_, err := l.Cast(ctx, voter, e.ID, tu.Votes(1, 1))
		require.NoError(t, err)

		_, err = l.Cast(ctx, voter, e.ID, nil)
		require.True(t, errors.Is(err, errs.AlreadyVoted))
	})
}

func TestCastRejectsInvalidBallots(t *testing.T) {
	ctx := context.Background()
	president := func(n int) model.VoteChoice {
		return model.VoteChoice{CandidateID: tu.CandidateID(tu.PositionPresident, n), Position: tu.PositionPresident}
	}
	secretary := func(n int) model.VoteChoice {
		return model.VoteChoice{CandidateID: tu.CandidateID(tu.PositionSecretary, n), Position: tu.PositionSecretary}
	}

	cases := map[string][]model.VoteChoice{
		"empty":              nil,
		"missing position":   {president(1)},
		"duplicate position": {president(1), president(2)},
		"extra position":     {president(1), secretary(1), {CandidateID: "x", Position: "treasurer"}},
		"unknown position":   {president(1), {CandidateID: tu.CandidateID(tu.PositionSecretary, 1), Position: "treasurer"}},
		"wrong position":     {president(1), {CandidateID: tu.CandidateID(tu.PositionPresident, 2), Position: tu.PositionSecretary}},
		"unknown candidate":  {president(1), {CandidateID: "nobody", Position: tu.PositionSecretary}},
	}

	for name, votes := range cases {
		votes := votes
		t.Run(name, func(t *testing.T) {
			l, repo, e := newLedger(t, model.ScopeUniversity)
			_, err := l.Cast(ctx, tu.Voter(repo, "s1"), e.ID, votes)
			require.True(t, errors.Is(err, errs.IncompleteOrInvalidBallot), "got %v", err)

			// 拒绝发生在写入之前
			ballots, err := repo.ListBallots(ctx, e.ID)
			require.NoError(t, err)
			require.Empty(t, ballots)
			voted, err := repo.HasVoted(ctx, e.ID, "s1")
			require.NoError(t, err)
			require.False(t, voted)
		})
	}

	t.Run("no contested positions", func(t *testing.T) {
		repo := repository.NewMemoryRepository()
		e := tu.OpenElection("bare", model.ScopeUniversity)
		repo.PutElection(e)
		l := New(repo, lock.NewGuard(nil, time.Second, time.Millisecond), WithClock(tu.Clock()))

		_, err := l.Cast(ctx, tu.Voter(repo, "s1"), e.ID, nil)
		require.True(t, errors.Is(err, errs.IncompleteOrInvalidBallot))
	})
}

func TestConcurrentCastsFormSingleChain(t *testing.T) {
	l, repo, e := newLedger(t, model.ScopeUniversity)

	const voters = 64
	principals := make([]*model.Principal, voters)
	for i := range principals {
		principals[i] = tu.Voter(repo, fmt.Sprintf("s%02d", i))
	}

	var wg sync.WaitGroup
	errCh := make(chan error, voters)
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Cast(context.Background(), principals[i], e.ID, tu.Votes(i%2+1, 1))
			errCh <- err
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		require.NoError(t, err)
	}

	ballots := requireChainValid(t, repo, e.ID)
	require.Len(t, ballots, voters*2)

	perVoter := map[string]int{}
	parents := map[string]struct{}{}
	for i, b := range ballots {
		perVoter[b.VoterID]++
		require.Equal(t, int64(i+1), b.Seq)
		parents[b.Fingerprint] = struct{}{}
	}
	require.Len(t, perVoter, voters)
	for _, n := range perVoter {
		require.Equal(t, 2, n)
	}
	// 指纹互不相同，即没有分叉
	require.Len(t, parents, voters*2)
}

func TestConcurrentDoubleVote(t *testing.T) {
	l, repo, e := newLedger(t, model.ScopeUniversity)
	voter := tu.Voter(repo, "s1")

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Cast(context.Background(), voter, e.ID, tu.Votes(1, 1))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		require.True(t, errors.Is(err, errs.AlreadyVoted), "got %v", err)
	}
	require.Equal(t, 1, succeeded)
	require.Len(t, requireChainValid(t, repo, e.ID), 2)
}

func TestCastRetriesOnChainConflict(t *testing.T) {
	l, repo, e := newLedger(t, model.ScopeUniversity)
	ctx := context.Background()
	voter := tu.Voter(repo, "s1")

	// 模拟另一个进程在读取链头之后抢先追加
	injected := false
	repo.SetAppendHook(func() {
		if injected {
			return
		}
		injected = true

		state, err := repo.ChainState(ctx, e.ID)
		require.NoError(t, err)
		ballots := buildBallots(state, "other", []model.VoteChoice{
			{CandidateID: tu.CandidateID(tu.PositionPresident, 2), Position: tu.PositionPresident},
			{CandidateID: tu.CandidateID(tu.PositionSecretary, 2), Position: tu.PositionSecretary},
		}, tu.Now)
		integrity.Extend(state.Head, ballots)
		require.NoError(t, repo.AppendBallots(ctx, state, ballots))
	})

	receipt, err := l.Cast(ctx, voter, e.ID, tu.Votes(1, 1))
	require.NoError(t, err)
	require.Equal(t, int64(3), receipt.Ballots[0].Seq)

	ballots := requireChainValid(t, repo, e.ID)
	require.Len(t, ballots, 4)
	require.Equal(t, "other", ballots[0].VoterID)
	require.Equal(t, "s1", ballots[3].VoterID)
}

type conflictingStore struct {
	*repository.MemoryRepository
	calls int
}

func (s *conflictingStore) AppendBallots(context.Context, *model.ChainState, []model.Ballot) error {
	s.calls++
	return errs.ChainConflict
}

func TestCastGivesUpAfterMaxConflicts(t *testing.T) {
	repo := repository.NewMemoryRepository()
	e := tu.OpenElection("e1", model.ScopeUniversity)
	tu.Seed(repo, e)
	store := &conflictingStore{MemoryRepository: repo}

	l := New(store, lock.NewGuard(nil, time.Second, time.Millisecond), WithClock(tu.Clock()), WithMaxConflictRetries(2))
	_, err := l.Cast(context.Background(), tu.Voter(repo, "s1"), e.ID, tu.Votes(1, 1))
	require.True(t, errors.Is(err, errs.ChainConflict))
	require.Equal(t, 3, store.calls)
}

func TestCastRevalidatesStatusInsideCriticalSection(t *testing.T) {
	l, repo, e := newLedger(t, model.ScopeUniversity)
	ctx := context.Background()

	// 前置检查通过后、追加之前选举被关闭
	repo.SetAppendHook(func() {
		_, err := repo.Finalize(ctx, e.ID, tu.Now)
		require.NoError(t, err)
	})

	_, err := l.Cast(ctx, tu.Voter(repo, "s1"), e.ID, tu.Votes(1, 1))
	require.True(t, errors.Is(err, errs.ElectionNotOpen))

	ballots, err := repo.ListBallots(ctx, e.ID)
	require.NoError(t, err)
	require.Empty(t, ballots)

	closed, err := repo.GetElection(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, model.GenesisHead(e.ID), closed.IntegrityHead)
}

func TestCastPublishesEvent(t *testing.T) {
	var events []*model.LedgerEvent
	pub := kafka.PublisherFunc(func(ctx context.Context, ev *model.LedgerEvent) error {
		events = append(events, ev)
		return nil
	})
	l, repo, e := newLedger(t, model.ScopeUniversity, WithPublisher(pub))

	receipt, err := l.Cast(context.Background(), tu.Voter(repo, "s1"), e.ID, tu.Votes(2, 2))
	require.NoError(t, err)

	require.Len(t, events, 1)
	require.Equal(t, model.EventBallotCast, events[0].Type)
	require.Equal(t, e.ID, events[0].ElectionID)
	require.Equal(t, "s1", events[0].VoterID)
	require.Equal(t, receipt.Head, events[0].Head)
	require.Equal(t, int64(2), events[0].Seq)
	require.Equal(t, 2, events[0].Ballots)
}

func TestCastSucceedsWhenPublishFails(t *testing.T) {
	pub := kafka.PublisherFunc(func(context.Context, *model.LedgerEvent) error {
		return errors.New("broker down")
	})
	l, repo, e := newLedger(t, model.ScopeUniversity, WithPublisher(pub))

	_, err := l.Cast(context.Background(), tu.Voter(repo, "s1"), e.ID, tu.Votes(1, 1))
	require.NoError(t, err)
	require.Len(t, requireChainValid(t, repo, e.ID), 2)
}

func TestBuildBallotsMonotonicCastAt(t *testing.T) {
	last := tu.Now.Add(time.Second)
	state := &model.ChainState{ElectionID: "e1", Seq: 7, LastCastAt: last}

	// 时钟回拨到最后一次投票之前
	ballots := buildBallots(state, "s1", tu.Votes(1, 1), tu.Now)
	require.Equal(t, last.Add(time.Microsecond), ballots[0].CastAt)
	require.Equal(t, last.Add(2*time.Microsecond), ballots[1].CastAt)
	require.Equal(t, int64(8), ballots[0].Seq)
	require.Equal(t, int64(9), ballots[1].Seq)
}
