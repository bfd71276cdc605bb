package repository

import (
	"context"
	"time"

	"github.com/satoru707/voting-app/internal/model"
)

// Store 选举账本的存储层。
//
// AppendBallots 与 Finalize 必须各自在一个事务内完成：
// AppendBallots 在锁定选举行后重新确认状态为 OPEN，且当前链头、序号与 expected 一致，
// 否则分别返回 errs.ElectionNotOpen / errs.ChainConflict；同一选民重复写入返回 errs.AlreadyVoted。
// Finalize 对已关闭的选举不做修改，返回已有的 integrityHead。
type Store interface {
	GetElection(ctx context.Context, electionID string) (*model.Election, error)
	ListCandidates(ctx context.Context, electionID string) ([]model.Candidate, error)
	GetPrincipal(ctx context.Context, studentID string) (*model.Principal, error)

	HasVoted(ctx context.Context, electionID, voterID string) (bool, error)
	CountVoters(ctx context.Context, electionID string) (int64, error)
	ChainState(ctx context.Context, electionID string) (*model.ChainState, error)
	AppendBallots(ctx context.Context, expected *model.ChainState, ballots []model.Ballot) error
	ListBallots(ctx context.Context, electionID string) ([]model.Ballot, error)

	Finalize(ctx context.Context, electionID string, closedAt time.Time) (*model.Finalization, error)
	ListExpiredOpen(ctx context.Context, now time.Time) ([]string, error)

	HasCloseRequest(ctx context.Context, electionID, adminID string) (bool, error)
	InsertCloseRequest(ctx context.Context, req *model.CloseRequest) error
	CountCloseRequests(ctx context.Context, electionID string) (int, error)
	CountScopedApprovers(ctx context.Context, election *model.Election) (int, error)
}
