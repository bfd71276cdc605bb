package model

import (
	"time"
)

// Scope 选举范围
type Scope string

const (
	ScopeUniversity Scope = "UNIVERSITY"
	ScopeFaculty    Scope = "FACULTY"
	ScopeDepartment Scope = "DEPARTMENT"
)

// Status 选举状态
type Status string

const (
	StatusDraft  Status = "DRAFT"
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// GenesisPrefix 创世指纹前缀
const GenesisPrefix = "genesis:"

// GenesisHead 返回选举链在没有任何选票时的逻辑前驱
func GenesisHead(electionID string) string {
	return GenesisPrefix + electionID
}

// Election 选举模型
type Election struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Scope         Scope      `json:"scope"`
	FacultyID     string     `json:"facultyId,omitempty"`
	DepartmentID  string     `json:"departmentId,omitempty"`
	AllowedYears  []int      `json:"allowedYears"`
	StartAt       time.Time  `json:"startAt"`
	EndAt         time.Time  `json:"endAt"`
	Status        Status     `json:"status"`
	IntegrityHead string     `json:"integrityHead,omitempty"`
	ClosedAt      *time.Time `json:"closedAt,omitempty"`
}

// AllowsYear 年级是否在允许范围内
func (e *Election) AllowsYear(year int) bool {
	for _, y := range e.AllowedYears {
		if y == year {
			return true
		}
	}
	return false
}

// AcceptingBallots 选举是否处于可投票窗口
func (e *Election) AcceptingBallots(now time.Time) bool {
	return e.Status == StatusOpen && !now.Before(e.StartAt) && !now.After(e.EndAt)
}

// Expired 开放中的选举已超过结束时间
func (e *Election) Expired(now time.Time) bool {
	return e.Status == StatusOpen && e.EndAt.Before(now)
}

// Candidate 候选人
type Candidate struct {
	ID         string `json:"id"`
	ElectionID string `json:"electionId"`
	StudentID  string `json:"studentId"`
	Position   string `json:"position"`
}

// Ballot 一条上链选票
type Ballot struct {
	ID          string    `json:"id"`
	ElectionID  string    `json:"electionId"`
	VoterID     string    `json:"voterId"`
	CandidateID string    `json:"candidateId"`
	Position    string    `json:"position"`
	Seq         int64     `json:"seq"`
	CastAt      time.Time `json:"castAt"`
	Fingerprint string    `json:"fingerprint"`
}

// VoteChoice 投票请求中的单个职位选择
type VoteChoice struct {
	CandidateID string `json:"candidateId"`
	Position    string `json:"position"`
}

// ChainState 选举链的当前状态，写入前需在临界区内读取
type ChainState struct {
	ElectionID string    `json:"electionId"`
	Status     Status    `json:"status"`
	EndAt      time.Time `json:"endAt"`
	Head       string    `json:"head"`
	Seq        int64     `json:"seq"`
	LastCastAt time.Time `json:"lastCastAt"`
}

// CastReceipt 投票回执
type CastReceipt struct {
	ElectionID string    `json:"electionId"`
	VoterID    string    `json:"voterId"`
	Head       string    `json:"head"`
	Ballots    []Ballot  `json:"ballots"`
	CastAt     time.Time `json:"castAt"`
}

// CloseRequest 管理员关闭请求
type CloseRequest struct {
	ID          string    `json:"id"`
	ElectionID  string    `json:"electionId"`
	AdminID     string    `json:"adminId"`
	RequestedAt time.Time `json:"requestedAt"`
}

// CloseOutcome 关闭请求的结果
type CloseOutcome struct {
	Closed    bool `json:"closed"`
	Approvals int  `json:"approvals"`
	Needed    int  `json:"needed"`
}

// Finalization 关闭选举的结果
type Finalization struct {
	ElectionID    string    `json:"electionId"`
	IntegrityHead string    `json:"integrityHead"`
	Changed       bool      `json:"changed"`
	ClosedAt      time.Time `json:"closedAt"`
}

// CandidateResult 单个候选人的计票结果
type CandidateResult struct {
	CandidateID string  `json:"candidateId"`
	StudentID   string  `json:"studentId"`
	Position    string  `json:"position"`
	VoteCount   int     `json:"voteCount"`
	Percentage  float64 `json:"percentage"`
}

// ElectionResults 选举结果
type ElectionResults struct {
	ElectionID        string            `json:"electionId"`
	Results           []CandidateResult `json:"results"`
	TotalVotes        int               `json:"totalVotes"`
	IntegrityHead     string            `json:"integrityHead"`
	IntegrityVerified bool              `json:"integrityVerified"`
	ComputedAt        time.Time         `json:"computedAt"`
}
