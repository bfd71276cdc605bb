package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateSchema 创建账本所需的全部表，可重复执行
func CreateSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("创建表结构失败: %w", err)
		}
	}
	return nil
}

// students / admin_grants / super_admins / elections / candidates 由外部协作方写入，
// 账本只读取；chain_head、chain_seq、last_cast_at 是显式保存的链状态。
var schema = []string{
	`CREATE TABLE IF NOT EXISTS students (
		id            VARCHAR(64)  NOT NULL PRIMARY KEY,
		year          INT          NOT NULL,
		faculty_id    VARCHAR(64)  NOT NULL,
		department_id VARCHAR(64)  NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS super_admins (
		student_id VARCHAR(64) NOT NULL PRIMARY KEY
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS admin_grants (
		id            BIGINT AUTO_INCREMENT PRIMARY KEY,
		student_id    VARCHAR(64) NOT NULL,
		level         ENUM('FACULTY', 'DEPARTMENT') NOT NULL,
		faculty_id    VARCHAR(64) NOT NULL DEFAULT '',
		department_id VARCHAR(64) NOT NULL DEFAULT '',
		UNIQUE KEY uk_admin_grant (student_id, level, faculty_id, department_id),
		KEY idx_admin_grant_faculty (level, faculty_id),
		KEY idx_admin_grant_department (level, department_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS elections (
		id             VARCHAR(64)  NOT NULL PRIMARY KEY,
		title          VARCHAR(255) NOT NULL,
		scope          ENUM('UNIVERSITY', 'FACULTY', 'DEPARTMENT') NOT NULL,
		faculty_id     VARCHAR(64)  NULL,
		department_id  VARCHAR(64)  NULL,
		allowed_years  JSON         NOT NULL,
		start_at       DATETIME(6)  NOT NULL,
		end_at         DATETIME(6)  NOT NULL,
		status         ENUM('DRAFT', 'OPEN', 'CLOSED') NOT NULL DEFAULT 'DRAFT',
		integrity_head VARCHAR(128) NULL,
		closed_at      DATETIME(6)  NULL,
		chain_head     VARCHAR(128) NOT NULL DEFAULT '',
		chain_seq      BIGINT       NOT NULL DEFAULT 0,
		last_cast_at   DATETIME(6)  NULL,
		KEY idx_election_status_end (status, end_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS candidates (
		id          VARCHAR(64)  NOT NULL PRIMARY KEY,
		election_id VARCHAR(64)  NOT NULL,
		student_id  VARCHAR(64)  NOT NULL,
		position    VARCHAR(128) NOT NULL,
		UNIQUE KEY uk_candidate (election_id, student_id, position),
		KEY idx_candidate_election (election_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS ballots (
		id           VARCHAR(36)  NOT NULL PRIMARY KEY,
		election_id  VARCHAR(64)  NOT NULL,
		seq          BIGINT       NOT NULL,
		voter_id     VARCHAR(64)  NOT NULL,
		candidate_id VARCHAR(64)  NOT NULL,
		position     VARCHAR(128) NOT NULL,
		cast_at      DATETIME(6)  NOT NULL,
		fingerprint  CHAR(64)     NOT NULL,
		UNIQUE KEY uk_ballot_seq (election_id, seq),
		UNIQUE KEY uk_ballot_voter_position (election_id, voter_id, position)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS voter_receipts (
		election_id VARCHAR(64)  NOT NULL,
		voter_id    VARCHAR(64)  NOT NULL,
		head        CHAR(64)     NOT NULL,
		cast_at     DATETIME(6)  NOT NULL,
		PRIMARY KEY (election_id, voter_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS close_requests (
		id           VARCHAR(36)  NOT NULL PRIMARY KEY,
		election_id  VARCHAR(64)  NOT NULL,
		admin_id     VARCHAR(64)  NOT NULL,
		requested_at DATETIME(6)  NOT NULL,
		UNIQUE KEY uk_close_request (election_id, admin_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}
