package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/satoru707/voting-app/internal/errs"
	"github.com/satoru707/voting-app/internal/model"
)

var _ Store = (*MemoryRepository)(nil)

type memElection struct {
	election   model.Election
	head       string
	seq        int64
	lastCastAt time.Time
	ballots    []model.Ballot
	voters     map[string]struct{}
	closeReqs  map[string]model.CloseRequest
	candidates []model.Candidate
}

// MemoryRepository 内存实现，供单元测试和本地演示使用
type MemoryRepository struct {
	mu          sync.RWMutex
	elections   map[string]*memElection
	students    map[string]model.Student
	grants      map[string][]model.Grant
	superAdmins map[string]struct{}

	// appendHook 在 AppendBallots 加锁前调用，测试用来制造交错
	appendHook func()
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		elections:   map[string]*memElection{},
		students:    map[string]model.Student{},
		grants:      map[string][]model.Grant{},
		superAdmins: map[string]struct{}{},
	}
}

// PutElection 写入或覆盖一场选举的元数据
func (m *MemoryRepository) PutElection(e model.Election) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.Status == "" {
		e.Status = model.StatusDraft
	}
	if existing, ok := m.elections[e.ID]; ok {
		existing.election = e
		return
	}
	m.elections[e.ID] = &memElection{
		election:  e,
		head:      model.GenesisHead(e.ID),
		voters:    map[string]struct{}{},
		closeReqs: map[string]model.CloseRequest{},
	}
}

func (m *MemoryRepository) PutCandidate(c model.Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if me, ok := m.elections[c.ElectionID]; ok {
		me.candidates = append(me.candidates, c)
	}
}

func (m *MemoryRepository) PutStudent(s model.Student) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.students[s.ID] = s
}

func (m *MemoryRepository) PutAdminGrant(studentID string, g model.Grant) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.grants[studentID] = append(m.grants[studentID], g)
}

func (m *MemoryRepository) PutSuperAdmin(studentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.superAdmins[studentID] = struct{}{}
}

// MutateBallot 直接修改已存储的选票，模拟存储层被篡改
func (m *MemoryRepository) MutateBallot(electionID string, index int, fn func(b *model.Ballot)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if me, ok := m.elections[electionID]; ok && index < len(me.ballots) {
		fn(&me.ballots[index])
	}
}

// TruncateBallots 只保留前 keep 条选票，链状态不变，模拟存储层丢失记录
func (m *MemoryRepository) TruncateBallots(electionID string, keep int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if me, ok := m.elections[electionID]; ok && keep < len(me.ballots) {
		me.ballots = me.ballots[:keep]
	}
}

// MutateElection 直接修改选举记录，绕过状态机
func (m *MemoryRepository) MutateElection(electionID string, fn func(e *model.Election)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if me, ok := m.elections[electionID]; ok {
		fn(&me.election)
	}
}

// SetAppendHook 设置 AppendBallots 进入临界区前的回调
func (m *MemoryRepository) SetAppendHook(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.appendHook = fn
}

func (m *MemoryRepository) get(electionID string) (*memElection, error) {
	me, ok := m.elections[electionID]
	if !ok {
		return nil, errs.ElectionNotFound.With("electionId", electionID)
	}
	return me, nil
}

func (m *MemoryRepository) GetElection(ctx context.Context, electionID string) (*model.Election, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	me, err := m.get(electionID)
	if err != nil {
		return nil, err
	}
	e := me.election
	e.AllowedYears = append([]int(nil), me.election.AllowedYears...)
	return &e, nil
}

func (m *MemoryRepository) ListCandidates(ctx context.Context, electionID string) ([]model.Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	me, err := m.get(electionID)
	if err != nil {
		return nil, err
	}
	return append([]model.Candidate(nil), me.candidates...), nil
}

func (m *MemoryRepository) GetPrincipal(ctx context.Context, studentID string) (*model.Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.students[studentID]
	if !ok {
		return nil, errs.Unauthenticated.With("studentId", studentID)
	}

	p := &model.Principal{
		ID:           s.ID,
		Year:         s.Year,
		FacultyID:    s.FacultyID,
		DepartmentID: s.DepartmentID,
		Role:         model.StudentRole{},
	}
	grants := append([]model.Grant(nil), m.grants[studentID]...)
	if _, ok := m.superAdmins[studentID]; ok {
		p.Role = model.SuperAdminRole{Grants: grants}
	} else if len(grants) > 0 {
		p.Role = model.AdminRole{Grants: grants}
	}
	return p, nil
}

func (m *MemoryRepository) HasVoted(ctx context.Context, electionID, voterID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	me, err := m.get(electionID)
	if err != nil {
		return false, err
	}
	_, ok := me.voters[voterID]
	return ok, nil
}

func (m *MemoryRepository) CountVoters(ctx context.Context, electionID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	me, err := m.get(electionID)
	if err != nil {
		return 0, err
	}
	return int64(len(me.voters)), nil
}

func (m *MemoryRepository) ChainState(ctx context.Context, electionID string) (*model.ChainState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	me, err := m.get(electionID)
	if err != nil {
		return nil, err
	}
	return &model.ChainState{
		ElectionID: electionID,
		Status:     me.election.Status,
		EndAt:      me.election.EndAt,
		Head:       me.head,
		Seq:        me.seq,
		LastCastAt: me.lastCastAt,
	}, nil
}

func (m *MemoryRepository) AppendBallots(ctx context.Context, expected *model.ChainState, ballots []model.Ballot) error {
	m.mu.RLock()
	hook := m.appendHook
	m.mu.RUnlock()
	if hook != nil {
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	me, err := m.get(expected.ElectionID)
	if err != nil {
		return err
	}
	if me.election.Status != model.StatusOpen {
		return errs.ElectionNotOpen.With("electionId", expected.ElectionID)
	}
	if me.head != expected.Head || me.seq != expected.Seq {
		return errs.ChainConflict.With("electionId", expected.ElectionID)
	}
	if len(ballots) == 0 {
		return nil
	}

	voterID := ballots[0].VoterID
	if _, ok := me.voters[voterID]; ok {
		return errs.AlreadyVoted.With("voterId", voterID)
	}

	me.voters[voterID] = struct{}{}
	me.ballots = append(me.ballots, ballots...)
	last := ballots[len(ballots)-1]
	me.head = last.Fingerprint
	me.seq = last.Seq
	me.lastCastAt = last.CastAt
	return nil
}

func (m *MemoryRepository) ListBallots(ctx context.Context, electionID string) ([]model.Ballot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	me, err := m.get(electionID)
	if err != nil {
		return nil, err
	}
	out := append([]model.Ballot(nil), me.ballots...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *MemoryRepository) Finalize(ctx context.Context, electionID string, closedAt time.Time) (*model.Finalization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	me, err := m.get(electionID)
	if err != nil {
		return nil, err
	}

	switch me.election.Status {
	case model.StatusClosed:
		f := &model.Finalization{ElectionID: electionID, IntegrityHead: me.election.IntegrityHead}
		if me.election.ClosedAt != nil {
			f.ClosedAt = *me.election.ClosedAt
		}
		return f, nil
	case model.StatusOpen:
	default:
		return nil, errs.InvalidTransition.With("from", me.election.Status)
	}

	me.election.Status = model.StatusClosed
	me.election.IntegrityHead = me.head
	me.election.ClosedAt = &closedAt
	return &model.Finalization{
		ElectionID:    electionID,
		IntegrityHead: me.head,
		Changed:       true,
		ClosedAt:      closedAt,
	}, nil
}

func (m *MemoryRepository) ListExpiredOpen(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, me := range m.elections {
		if me.election.Expired(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryRepository) HasCloseRequest(ctx context.Context, electionID, adminID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	me, err := m.get(electionID)
	if err != nil {
		return false, err
	}
	_, ok := me.closeReqs[adminID]
	return ok, nil
}

func (m *MemoryRepository) InsertCloseRequest(ctx context.Context, req *model.CloseRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	me, err := m.get(req.ElectionID)
	if err != nil {
		return err
	}
	if me.election.Status != model.StatusOpen {
		return errs.ElectionNotOpen.With("electionId", req.ElectionID)
	}
	if _, ok := me.closeReqs[req.AdminID]; ok {
		return errs.DuplicateRequest.With("adminId", req.AdminID)
	}
	me.closeReqs[req.AdminID] = *req
	return nil
}

func (m *MemoryRepository) CountCloseRequests(ctx context.Context, electionID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	me, err := m.get(electionID)
	if err != nil {
		return 0, err
	}
	return len(me.closeReqs), nil
}

func (m *MemoryRepository) CountScopedApprovers(ctx context.Context, election *model.Election) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if election.Scope == model.ScopeUniversity {
		return len(m.superAdmins), nil
	}

	count := 0
	for _, grants := range m.grants {
		for _, g := range grants {
			if g.Covers(election) {
				count++
				break
			}
		}
	}
	return count, nil
}
