package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/satoru707/voting-app/config"
	"github.com/satoru707/voting-app/internal/errs"
	"github.com/satoru707/voting-app/internal/model"
)

const mysqlDuplicateEntry = 1062

var _ Store = (*MySQLRepository)(nil)

type MySQLRepository struct {
	masterDB *sql.DB
	slaveDB  *sql.DB
}

func NewMySQLRepository() (*MySQLRepository, error) {
	masterDB, err := sql.Open("mysql", config.AppConfig.MySQL.Master)
	if err != nil {
		return nil, fmt.Errorf("连接主数据库失败: %w", err)
	}

	masterDB.SetMaxOpenConns(config.AppConfig.MySQL.MaxOpenConns)
	masterDB.SetMaxIdleConns(config.AppConfig.MySQL.MaxIdleConns)
	masterDB.SetConnMaxLifetime(time.Hour)

	if err = masterDB.Ping(); err != nil {
		return nil, fmt.Errorf("主数据库连接测试失败: %w", err)
	}

	slaveDB := masterDB
	if config.AppConfig.MySQL.Slave != "" {
		slaveDB, err = sql.Open("mysql", config.AppConfig.MySQL.Slave)
		if err != nil {
			return nil, fmt.Errorf("连接从数据库失败: %w", err)
		}

		slaveDB.SetMaxOpenConns(config.AppConfig.MySQL.MaxOpenConns)
		slaveDB.SetMaxIdleConns(config.AppConfig.MySQL.MaxIdleConns)
		slaveDB.SetConnMaxLifetime(time.Hour)

		if err = slaveDB.Ping(); err != nil {
			zap.L().Warn("从数据库连接测试失败，将使用主数据库代替", zap.Error(err))
			slaveDB.Close()
			slaveDB = masterDB
		}
	}

	return &MySQLRepository{
		masterDB: masterDB,
		slaveDB:  slaveDB,
	}, nil
}

// Master 返回主库连接，供建表使用
func (r *MySQLRepository) Master() *sql.DB {
	return r.masterDB
}

func isDuplicateEntry(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}

func storageError(err error, msg string) error {
	return errors.Wrap(errs.StorageFailure.With("cause", err.Error()), msg)
}

func encodeYears(years []int) (string, error) {
	if years == nil {
		years = []int{}
	}
	b, err := json.Marshal(years)
	return string(b), err
}

func decodeYears(raw []byte) ([]int, error) {
	var years []int
	if len(raw) == 0 {
		return years, nil
	}
	if err := json.Unmarshal(raw, &years); err != nil {
		return nil, err
	}
	return years, nil
}

// GetElection 读取选举；与账本相关的读取都走主库，避免主从延迟造成误判
func (r *MySQLRepository) GetElection(ctx context.Context, electionID string) (*model.Election, error) {
	query := `SELECT id, title, scope, faculty_id, department_id, allowed_years, start_at, end_at,
			 status, integrity_head, closed_at
			 FROM elections WHERE id = ?`

	var (
		e             model.Election
		facultyID     sql.NullString
		departmentID  sql.NullString
		years         []byte
		integrityHead sql.NullString
		closedAt      sql.NullTime
	)
	err := r.masterDB.QueryRowContext(ctx, query, electionID).Scan(
		&e.ID, &e.Title, &e.Scope, &facultyID, &departmentID, &years,
		&e.StartAt, &e.EndAt, &e.Status, &integrityHead, &closedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.ElectionNotFound.With("electionId", electionID)
		}
		return nil, storageError(err, "查询选举失败")
	}

	e.FacultyID = facultyID.String
	e.DepartmentID = departmentID.String
	e.IntegrityHead = integrityHead.String
	if closedAt.Valid {
		t := closedAt.Time
		e.ClosedAt = &t
	}
	if e.AllowedYears, err = decodeYears(years); err != nil {
		return nil, errors.Wrap(err, "解析 allowed_years 失败")
	}

	return &e, nil
}

// SaveElection 写入选举元数据（外部管理操作与测试数据准备使用）
func (r *MySQLRepository) SaveElection(ctx context.Context, e *model.Election) error {
	years, err := encodeYears(e.AllowedYears)
	if err != nil {
		return errors.Wrap(err, "序列化 allowed_years 失败")
	}

	query := `INSERT INTO elections (id, title, scope, faculty_id, department_id, allowed_years, start_at, end_at, status)
			 VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?)
			 ON DUPLICATE KEY UPDATE
			 title = VALUES(title),
			 allowed_years = VALUES(allowed_years),
			 start_at = VALUES(start_at),
			 end_at = VALUES(end_at),
			 status = IF(status = 'CLOSED', status, VALUES(status))`

	_, err = r.masterDB.ExecContext(ctx, query,
		e.ID, e.Title, e.Scope, e.FacultyID, e.DepartmentID, years,
		e.StartAt.UTC(), e.EndAt.UTC(), e.Status,
	)
	if err != nil {
		return storageError(err, "保存选举失败")
	}
	return nil
}

func (r *MySQLRepository) ListCandidates(ctx context.Context, electionID string) ([]model.Candidate, error) {
	query := "SELECT id, election_id, student_id, position FROM candidates WHERE election_id = ? ORDER BY position, id"
	rows, err := r.slaveDB.QueryContext(ctx, query, electionID)
	if err != nil {
		return nil, storageError(err, "查询候选人失败")
	}
	defer rows.Close()

	var candidates []model.Candidate
	for rows.Next() {
		var c model.Candidate
		if err := rows.Scan(&c.ID, &c.ElectionID, &c.StudentID, &c.Position); err != nil {
			return nil, storageError(err, "扫描候选人失败")
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "迭代候选人失败")
	}

	return candidates, nil
}

func (r *MySQLRepository) GetPrincipal(ctx context.Context, studentID string) (*model.Principal, error) {
	var s model.Student
	err := r.slaveDB.QueryRowContext(ctx,
		"SELECT id, year, faculty_id, department_id FROM students WHERE id = ?", studentID,
	).Scan(&s.ID, &s.Year, &s.FacultyID, &s.DepartmentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.Unauthenticated.With("studentId", studentID)
		}
		return nil, storageError(err, "查询学生失败")
	}

	p := &model.Principal{
		ID:           s.ID,
		Year:         s.Year,
		FacultyID:    s.FacultyID,
		DepartmentID: s.DepartmentID,
		Role:         model.StudentRole{},
	}

	rows, err := r.slaveDB.QueryContext(ctx,
		"SELECT level, faculty_id, department_id FROM admin_grants WHERE student_id = ?", studentID)
	if err != nil {
		return nil, storageError(err, "查询管理员授权失败")
	}
	defer rows.Close()

	var grants []model.Grant
	for rows.Next() {
		var g model.Grant
		if err := rows.Scan(&g.Level, &g.FacultyID, &g.DepartmentID); err != nil {
			return nil, storageError(err, "扫描管理员授权失败")
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "迭代管理员授权失败")
	}

	// 超级管理员的学院/系授权同样计入对应选举的关闭人数
	var isSuper int
	err = r.slaveDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM super_admins WHERE student_id = ?", studentID).Scan(&isSuper)
	if err != nil {
		return nil, storageError(err, "查询超级管理员失败")
	}
	switch {
	case isSuper > 0:
		p.Role = model.SuperAdminRole{Grants: grants}
	case len(grants) > 0:
		p.Role = model.AdminRole{Grants: grants}
	}

	return p, nil
}

func (r *MySQLRepository) HasVoted(ctx context.Context, electionID, voterID string) (bool, error) {
	var n int
	err := r.masterDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM voter_receipts WHERE election_id = ? AND voter_id = ?", electionID, voterID,
	).Scan(&n)
	if err != nil {
		return false, storageError(err, "查询投票记录失败")
	}
	return n > 0, nil
}

func (r *MySQLRepository) CountVoters(ctx context.Context, electionID string) (int64, error) {
	var n int64
	err := r.slaveDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM voter_receipts WHERE election_id = ?", electionID,
	).Scan(&n)
	if err != nil {
		return 0, storageError(err, "统计投票人数失败")
	}
	return n, nil
}

func (r *MySQLRepository) ChainState(ctx context.Context, electionID string) (*model.ChainState, error) {
	query := "SELECT status, end_at, chain_head, chain_seq, last_cast_at FROM elections WHERE id = ?"

	state := &model.ChainState{ElectionID: electionID}
	var lastCastAt sql.NullTime
	err := r.masterDB.QueryRowContext(ctx, query, electionID).Scan(
		&state.Status, &state.EndAt, &state.Head, &state.Seq, &lastCastAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.ElectionNotFound.With("electionId", electionID)
		}
		return nil, storageError(err, "查询链状态失败")
	}

	if state.Head == "" {
		state.Head = model.GenesisHead(electionID)
	}
	if lastCastAt.Valid {
		state.LastCastAt = lastCastAt.Time
	}
	return state, nil
}

// lockElection 在事务内锁定选举行，返回状态与当前链头
func lockElection(ctx context.Context, tx *sql.Tx, electionID string) (model.Status, string, int64, error) {
	var (
		status model.Status
		head   string
		seq    int64
	)
	err := tx.QueryRowContext(ctx,
		"SELECT status, chain_head, chain_seq FROM elections WHERE id = ? FOR UPDATE", electionID,
	).Scan(&status, &head, &seq)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", "", 0, errs.ElectionNotFound.With("electionId", electionID)
		}
		return "", "", 0, storageError(err, "锁定选举失败")
	}
	if head == "" {
		head = model.GenesisHead(electionID)
	}
	return status, head, seq, nil
}

// AppendBallots 在一个事务内追加选票并推进链头（比较并交换）
func (r *MySQLRepository) AppendBallots(ctx context.Context, expected *model.ChainState, ballots []model.Ballot) error {
	if len(ballots) == 0 {
		return nil
	}

	tx, err := r.masterDB.BeginTx(ctx, nil)
	if err != nil {
		return storageError(err, "开始事务失败")
	}
	defer tx.Rollback()

	status, head, seq, err := lockElection(ctx, tx, expected.ElectionID)
	if err != nil {
		return err
	}
	if status != model.StatusOpen {
		return errs.ElectionNotOpen.With("electionId", expected.ElectionID)
	}
	if head != expected.Head || seq != expected.Seq {
		return errs.ChainConflict.With("electionId", expected.ElectionID)
	}

	last := ballots[len(ballots)-1]

	_, err = tx.ExecContext(ctx,
		"INSERT INTO voter_receipts (election_id, voter_id, head, cast_at) VALUES (?, ?, ?, ?)",
		expected.ElectionID, last.VoterID, last.Fingerprint, last.CastAt.UTC(),
	)
	if err != nil {
		if isDuplicateEntry(err) {
			return errs.AlreadyVoted.With("voterId", last.VoterID)
		}
		return storageError(err, "写入投票回执失败")
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO ballots
		(id, election_id, seq, voter_id, candidate_id, position, cast_at, fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return storageError(err, "准备选票写入语句失败")
	}
	defer stmt.Close()

	for _, b := range ballots {
		_, err = stmt.ExecContext(ctx, b.ID, b.ElectionID, b.Seq, b.VoterID, b.CandidateID, b.Position, b.CastAt.UTC(), b.Fingerprint)
		if err != nil {
			if isDuplicateEntry(err) {
				return errs.ChainConflict.With("seq", b.Seq)
			}
			return storageError(err, "写入选票失败")
		}
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE elections SET chain_head = ?, chain_seq = ?, last_cast_at = ? WHERE id = ?",
		last.Fingerprint, last.Seq, last.CastAt.UTC(), expected.ElectionID,
	)
	if err != nil {
		return storageError(err, "推进链头失败")
	}

	if err := tx.Commit(); err != nil {
		return storageError(err, "提交事务失败")
	}
	return nil
}

func (r *MySQLRepository) ListBallots(ctx context.Context, electionID string) ([]model.Ballot, error) {
	query := `SELECT id, election_id, seq, voter_id, candidate_id, position, cast_at, fingerprint
			 FROM ballots WHERE election_id = ? ORDER BY seq`
	rows, err := r.masterDB.QueryContext(ctx, query, electionID)
	if err != nil {
		return nil, storageError(err, "查询选票失败")
	}
	defer rows.Close()

	var ballots []model.Ballot
	for rows.Next() {
		var b model.Ballot
		if err := rows.Scan(&b.ID, &b.ElectionID, &b.Seq, &b.VoterID, &b.CandidateID, &b.Position, &b.CastAt, &b.Fingerprint); err != nil {
			return nil, storageError(err, "扫描选票失败")
		}
		ballots = append(ballots, b)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "迭代选票失败")
	}

	return ballots, nil
}

// Finalize 锁定选举行，把当前链头写为 integrity_head 并置为 CLOSED
func (r *MySQLRepository) Finalize(ctx context.Context, electionID string, closedAt time.Time) (*model.Finalization, error) {
	tx, err := r.masterDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageError(err, "开始事务失败")
	}
	defer tx.Rollback()

	var (
		status        model.Status
		head          string
		integrityHead sql.NullString
		prevClosedAt  sql.NullTime
	)
	err = tx.QueryRowContext(ctx,
		"SELECT status, chain_head, integrity_head, closed_at FROM elections WHERE id = ? FOR UPDATE", electionID,
	).Scan(&status, &head, &integrityHead, &prevClosedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.ElectionNotFound.With("electionId", electionID)
		}
		return nil, storageError(err, "锁定选举失败")
	}

	switch status {
	case model.StatusClosed:
		return &model.Finalization{
			ElectionID:    electionID,
			IntegrityHead: integrityHead.String,
			ClosedAt:      prevClosedAt.Time,
		}, nil
	case model.StatusOpen:
	default:
		return nil, errs.InvalidTransition.With("from", status)
	}

	if head == "" {
		head = model.GenesisHead(electionID)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE elections SET status = ?, integrity_head = ?, closed_at = ? WHERE id = ? AND status = ?",
		model.StatusClosed, head, closedAt.UTC(), electionID, model.StatusOpen,
	)
	if err != nil {
		return nil, storageError(err, "关闭选举失败")
	}

	if err := tx.Commit(); err != nil {
		return nil, storageError(err, "提交事务失败")
	}

	return &model.Finalization{
		ElectionID:    electionID,
		IntegrityHead: head,
		Changed:       true,
		ClosedAt:      closedAt,
	}, nil
}

func (r *MySQLRepository) ListExpiredOpen(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.masterDB.QueryContext(ctx,
		"SELECT id FROM elections WHERE status = ? AND end_at < ? ORDER BY end_at",
		model.StatusOpen, now.UTC(),
	)
	if err != nil {
		return nil, storageError(err, "查询过期选举失败")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageError(err, "扫描过期选举失败")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "迭代过期选举失败")
	}
	return ids, nil
}

func (r *MySQLRepository) HasCloseRequest(ctx context.Context, electionID, adminID string) (bool, error) {
	var n int
	err := r.masterDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM close_requests WHERE election_id = ? AND admin_id = ?", electionID, adminID,
	).Scan(&n)
	if err != nil {
		return false, storageError(err, "查询关闭请求失败")
	}
	return n > 0, nil
}

func (r *MySQLRepository) InsertCloseRequest(ctx context.Context, req *model.CloseRequest) error {
	tx, err := r.masterDB.BeginTx(ctx, nil)
	if err != nil {
		return storageError(err, "开始事务失败")
	}
	defer tx.Rollback()

	status, _, _, err := lockElection(ctx, tx, req.ElectionID)
	if err != nil {
		return err
	}
	if status != model.StatusOpen {
		return errs.ElectionNotOpen.With("electionId", req.ElectionID)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO close_requests (id, election_id, admin_id, requested_at) VALUES (?, ?, ?, ?)",
		req.ID, req.ElectionID, req.AdminID, req.RequestedAt.UTC(),
	)
	if err != nil {
		if isDuplicateEntry(err) {
			return errs.DuplicateRequest.With("adminId", req.AdminID)
		}
		return storageError(err, "写入关闭请求失败")
	}

	if err := tx.Commit(); err != nil {
		return storageError(err, "提交事务失败")
	}
	return nil
}

func (r *MySQLRepository) CountCloseRequests(ctx context.Context, electionID string) (int, error) {
	var n int
	err := r.masterDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM close_requests WHERE election_id = ?", electionID,
	).Scan(&n)
	if err != nil {
		return 0, storageError(err, "统计关闭请求失败")
	}
	return n, nil
}

func (r *MySQLRepository) CountScopedApprovers(ctx context.Context, election *model.Election) (int, error) {
	var (
		query string
		args  []interface{}
	)
	switch election.Scope {
	case model.ScopeUniversity:
		query = "SELECT COUNT(*) FROM super_admins"
	case model.ScopeFaculty:
		query = "SELECT COUNT(DISTINCT student_id) FROM admin_grants WHERE level = ? AND faculty_id = ?"
		args = []interface{}{model.LevelFaculty, election.FacultyID}
	case model.ScopeDepartment:
		query = "SELECT COUNT(DISTINCT student_id) FROM admin_grants WHERE level = ? AND department_id = ?"
		args = []interface{}{model.LevelDepartment, election.DepartmentID}
	default:
		return 0, fmt.Errorf("未知的选举范围: %s", election.Scope)
	}

	var n int
	if err := r.slaveDB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, storageError(err, "统计范围内管理员失败")
	}
	return n, nil
}

// Close 关闭数据库连接
func (r *MySQLRepository) Close() {
	if r.masterDB != nil {
		r.masterDB.Close()
	}
	if r.slaveDB != nil && r.slaveDB != r.masterDB {
		r.slaveDB.Close()
	}
}
