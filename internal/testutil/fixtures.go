// Package testutil 单元测试共用的数据准备
package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/satoru707/voting-app/internal/model"
	"github.com/satoru707/voting-app/internal/repository"
)

const (
	FacultyID    = "eng"
	DepartmentID = "cs"

	PositionPresident = "president"
	PositionSecretary = "secretary"
)

// Now 测试使用的固定时间
var Now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// Clock 返回固定时间
func Clock() func() time.Time {
	return func() time.Time { return Now }
}

// OpenElection 构造一场正在进行、窗口覆盖 Now 的选举
func OpenElection(id string, scope model.Scope) model.Election {
	e := model.Election{
		ID:           id,
		Title:        "Student council " + id,
		Scope:        scope,
		AllowedYears: []int{1, 2, 3, 4},
		StartAt:      Now.Add(-time.Hour),
		EndAt:        Now.Add(time.Hour),
		Status:       model.StatusOpen,
	}
	switch scope {
	case model.ScopeFaculty:
		e.FacultyID = FacultyID
	case model.ScopeDepartment:
		e.FacultyID = FacultyID
		e.DepartmentID = DepartmentID
	}
	return e
}

// CandidateID 候选人ID，如 president-1
func CandidateID(position string, n int) string {
	return fmt.Sprintf("%s-%d", position, n)
}

// Seed 写入选举和两个职位、每个职位两名候选人
func Seed(repo *repository.MemoryRepository, e model.Election) {
	repo.PutElection(e)
	for _, pos := range []string{PositionPresident, PositionSecretary} {
		for n := 1; n <= 2; n++ {
			studentID := fmt.Sprintf("cand-%s-%s-%d", e.ID, pos, n)
			repo.PutStudent(model.Student{ID: studentID, Year: 3, FacultyID: FacultyID, DepartmentID: DepartmentID})
			repo.PutCandidate(model.Candidate{
				ID:         CandidateID(pos, n),
				ElectionID: e.ID,
				StudentID:  studentID,
				Position:   pos,
			})
		}
	}
}

// Votes 一份完整的选票，故意不按职位排序
func Votes(president, secretary int) []model.VoteChoice {
	return []model.VoteChoice{
		{CandidateID: CandidateID(PositionSecretary, secretary), Position: PositionSecretary},
		{CandidateID: CandidateID(PositionPresident, president), Position: PositionPresident},
	}
}

// Voter 写入一名满足各范围资格的学生并返回其身份
func Voter(repo *repository.MemoryRepository, id string) *model.Principal {
	repo.PutStudent(model.Student{ID: id, Year: 2, FacultyID: FacultyID, DepartmentID: DepartmentID})
	return principal(repo, id)
}

// FacultyAdmin 写入一名学院级管理员
func FacultyAdmin(repo *repository.MemoryRepository, id, facultyID string) *model.Principal {
	repo.PutStudent(model.Student{ID: id, Year: 4, FacultyID: facultyID, DepartmentID: "any"})
	repo.PutAdminGrant(id, model.Grant{Level: model.LevelFaculty, FacultyID: facultyID})
	return principal(repo, id)
}

// DepartmentAdmin 写入一名系级管理员
func DepartmentAdmin(repo *repository.MemoryRepository, id, departmentID string) *model.Principal {
	repo.PutStudent(model.Student{ID: id, Year: 4, FacultyID: FacultyID, DepartmentID: departmentID})
	repo.PutAdminGrant(id, model.Grant{Level: model.LevelDepartment, FacultyID: FacultyID, DepartmentID: departmentID})
	return principal(repo, id)
}

// SuperAdmin 写入一名超级管理员
func SuperAdmin(repo *repository.MemoryRepository, id string) *model.Principal {
	repo.PutStudent(model.Student{ID: id, Year: 4, FacultyID: FacultyID, DepartmentID: DepartmentID})
	repo.PutSuperAdmin(id)
	return principal(repo, id)
}

func principal(repo *repository.MemoryRepository, id string) *model.Principal {
	p, err := repo.GetPrincipal(context.Background(), id)
	if err != nil {
		panic(err)
	}
	return p
}
