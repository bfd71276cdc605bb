package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/satoru707/voting-app/config"
	"github.com/satoru707/voting-app/internal/kafka"
	"github.com/satoru707/voting-app/internal/model"
	"github.com/satoru707/voting-app/internal/repository"
	tu "github.com/satoru707/voting-app/internal/testutil"
)

func TestWiredLifecycle(t *testing.T) {
	repo := repository.NewMemoryRepository()
	e := tu.OpenElection("E", model.ScopeDepartment)
	tu.Seed(repo, e)

	var events []model.EventType
	a := New(&config.Config{Sweeper: config.SweeperConfig{Interval: time.Minute}}, Deps{
		Store: repo,
		Publisher: kafka.PublisherFunc(func(_ context.Context, ev *model.LedgerEvent) error {
			events = append(events, ev.Type)
			return nil
		}),
		Now: tu.Clock(),
	})
	ctx := context.Background()

	receipt, err := a.Service.CastVote(ctx, tu.Voter(repo, "s1"), e.ID, tu.Votes(1, 2))
	require.NoError(t, err)
	require.Len(t, receipt.Ballots, 2)

	a1 := tu.DepartmentAdmin(repo, "A", tu.DepartmentID)
	tu.DepartmentAdmin(repo, "B", tu.DepartmentID)
	out, err := a.Service.RequestClose(ctx, a1, e.ID)
	require.NoError(t, err)
	require.True(t, out.Closed)

	results, err := a.Service.GetResults(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, receipt.Head, results.IntegrityHead)
	require.True(t, results.IntegrityVerified)
	require.Equal(t, tu.Now, results.ComputedAt)

	require.Equal(t, []model.EventType{model.EventBallotCast, model.EventElectionClosed}, events)
}
