// Package app 按配置组装账本、状态机、法定人数协调器、清扫器和对外服务
package app

import (
	"time"

	"github.com/satoru707/voting-app/config"
	"github.com/satoru707/voting-app/internal/election"
	"github.com/satoru707/voting-app/internal/integrity"
	"github.com/satoru707/voting-app/internal/kafka"
	"github.com/satoru707/voting-app/internal/ledger"
	"github.com/satoru707/voting-app/internal/lock"
	"github.com/satoru707/voting-app/internal/quorum"
	"github.com/satoru707/voting-app/internal/repository"
	"github.com/satoru707/voting-app/internal/service"
	"github.com/satoru707/voting-app/internal/sweeper"
)

// Deps 外部依赖，除 Store 外均可为空
type Deps struct {
	Store repository.Store

	// Remote 跨进程的选举锁，为空时只做进程内互斥
	Remote lock.Lock
	// Leader 清扫器选主锁
	Leader lock.Lock

	Publisher kafka.Publisher
	Cache     service.ResultsCache
	Turnout   service.TurnoutCounter

	Now func() time.Time
}

type App struct {
	Guard        *lock.Guard
	Ledger       *ledger.Ledger
	StateMachine *election.StateMachine
	Coordinator  *quorum.Coordinator
	Verifier     *integrity.Verifier
	Sweeper      *sweeper.Sweeper
	Service      *service.ElectionService
}

func New(cfg *config.Config, d Deps) *App {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	publisher := d.Publisher
	if publisher == nil {
		publisher = kafka.NopPublisher{}
	}

	guard := lock.NewGuard(d.Remote, cfg.Lock.Timeout, cfg.Lock.RetryInterval)

	l := ledger.New(d.Store, guard,
		ledger.WithClock(now),
		ledger.WithPublisher(publisher),
		ledger.WithMaxConflictRetries(cfg.Ledger.MaxConflictRetries),
	)
	sm := election.NewStateMachine(d.Store, guard, publisher, now)
	coordinator := quorum.NewCoordinator(d.Store, sm, quorum.Policy{
		AllowEmptyPopulation: cfg.Quorum.AllowEmptyPopulation,
	}, now)
	verifier := integrity.NewVerifier(d.Store)

	sw := sweeper.New(d.Store, sm, d.Leader, cfg.Sweeper.Interval, cfg.Sweeper.Interval)
	sw.SetClock(now)

	svc := service.NewElectionService(d.Store, l, coordinator, verifier, d.Cache, d.Turnout)
	svc.SetClock(now)

	return &App{
		Guard:        guard,
		Ledger:       l,
		StateMachine: sm,
		Coordinator:  coordinator,
		Verifier:     verifier,
		Sweeper:      sw,
		Service:      svc,
	}
}
