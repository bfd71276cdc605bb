package model

// AdminLevel 管理员级别
type AdminLevel string

const (
	LevelFaculty    AdminLevel = "FACULTY"
	LevelDepartment AdminLevel = "DEPARTMENT"
)

// RoleKind 角色类型，仅用于展示与序列化
type RoleKind string

const (
	RoleStudent    RoleKind = "STUDENT"
	RoleAdmin      RoleKind = "ADMIN"
	RoleSuperAdmin RoleKind = "SUPER_ADMIN"
)

// Role 是封闭的角色集合：StudentRole / AdminRole / SuperAdminRole。
// 每个角色自己回答能否对某个选举发起关闭请求。
type Role interface {
	Kind() RoleKind
	canClose(e *Election) bool
}

// Grant 管理员的一条范围授权
type Grant struct {
	Level        AdminLevel `json:"level"`
	FacultyID    string     `json:"facultyId,omitempty"`
	DepartmentID string     `json:"departmentId,omitempty"`
}

// Covers 授权是否覆盖该选举的范围
func (g Grant) Covers(e *Election) bool {
	switch e.Scope {
	case ScopeFaculty:
		return g.Level == LevelFaculty && g.FacultyID == e.FacultyID
	case ScopeDepartment:
		return g.Level == LevelDepartment && g.DepartmentID == e.DepartmentID
	}
	return false
}

type StudentRole struct{}

func (StudentRole) Kind() RoleKind { return RoleStudent }

func (StudentRole) canClose(*Election) bool { return false }

type AdminRole struct {
	Grants []Grant
}

func (AdminRole) Kind() RoleKind { return RoleAdmin }

func (r AdminRole) canClose(e *Election) bool {
	return anyCovers(r.Grants, e)
}

func anyCovers(grants []Grant, e *Election) bool {
	for _, g := range grants {
		if g.Covers(e) {
			return true
		}
	}
	return false
}

// SuperAdminRole 超级管理员可关闭全校选举，同时保留自己的学院/系授权
type SuperAdminRole struct {
	Grants []Grant
}

func (SuperAdminRole) Kind() RoleKind { return RoleSuperAdmin }

func (r SuperAdminRole) canClose(e *Election) bool {
	return e.Scope == ScopeUniversity || anyCovers(r.Grants, e)
}

// Principal 身份协作方提供的已认证用户
type Principal struct {
	ID           string
	Year         int
	FacultyID    string
	DepartmentID string
	Role         Role
}

// CanRequestClose 用户是否有权对选举发起关闭请求
func (p *Principal) CanRequestClose(e *Election) bool {
	if p == nil || p.Role == nil {
		return false
	}
	return p.Role.canClose(e)
}

// EligibleFor 用户是否具有该选举的投票资格
func (p *Principal) EligibleFor(e *Election) bool {
	if !e.AllowsYear(p.Year) {
		return false
	}
	switch e.Scope {
	case ScopeUniversity:
		return true
	case ScopeFaculty:
		return p.FacultyID == e.FacultyID
	case ScopeDepartment:
		return p.FacultyID == e.FacultyID && p.DepartmentID == e.DepartmentID
	}
	return false
}

// RoleKindOf 返回角色类型，未设置角色时视为学生
func (p *Principal) RoleKindOf() RoleKind {
	if p.Role == nil {
		return RoleStudent
	}
	return p.Role.Kind()
}

// Student 身份协作方维护的学生记录
type Student struct {
	ID           string `json:"id"`
	Year         int    `json:"year"`
	FacultyID    string `json:"facultyId"`
	DepartmentID string `json:"departmentId"`
}
