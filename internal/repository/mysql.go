package repository

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/lvdashuaibi/littlerank/config"
	"github.com/lvdashuaibi/littlerank/internal/model"
)

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

	slaveDB, err := sql.Open("mysql", config.AppConfig.MySQL.Slave)
	if err != nil {
		return nil, fmt.Errorf("连接从数据库失败: %w", err)
	}

	slaveDB.SetMaxOpenConns(config.AppConfig.MySQL.MaxOpenConns)
	slaveDB.SetMaxIdleConns(config.AppConfig.MySQL.MaxIdleConns)
	slaveDB.SetConnMaxLifetime(time.Hour)

	if err = slaveDB.Ping(); err != nil {
		log.Printf("从数据库连接测试失败: %v，将使用主数据库代替", err)
		slaveDB = masterDB
	}

	repo := &MySQLRepository{
		masterDB: masterDB,
		slaveDB:  slaveDB,
	}

	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("初始化表结构失败: %w", err)
	}

	return repo, nil
}

// initSchema 创建表结构
func (r *MySQLRepository) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS score_records (
			participant_id VARCHAR(64) PRIMARY KEY,
			score BIGINT NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 0,
			updated_at DATETIME(6) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS action_tokens (
			id VARCHAR(64) PRIMARY KEY,
			participant_id VARCHAR(64) NOT NULL,
			action_kind VARCHAR(64) NOT NULL,
			point_value BIGINT NOT NULL,
			state TINYINT NOT NULL DEFAULT 0,
			created_at DATETIME(6) NOT NULL,
			expires_at DATETIME(6) NOT NULL,
			redeemed_at DATETIME(6) NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credit_logs (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			participant_id VARCHAR(64) NOT NULL,
			token_id VARCHAR(64) NOT NULL,
			action_kind VARCHAR(64) NOT NULL,
			point_value BIGINT NOT NULL,
			credited_at DATETIME(6) NOT NULL,
			UNIQUE KEY uk_token (token_id)
		)`,
	}

	for _, stmt := range statements {
		if _, err := r.masterDB.Exec(stmt); err != nil {
			return fmt.Errorf("执行建表语句失败: %w", err)
		}
	}
	return nil
}

// ApplyScoreEvent 将积分事件落库：更新积分记录、写计分流水、标记令牌已兑换。
// 版本号只增不减，重复投递的事件（流水表令牌唯一键冲突）被幂等跳过。
func (r *MySQLRepository) ApplyScoreEvent(event *model.ScoreEvent) error {
	tx, err := r.masterDB.Begin()
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}

	// 写计分流水，令牌唯一键保证同一事件只落库一次
	result, err := tx.Exec(
		`INSERT IGNORE INTO credit_logs (participant_id, token_id, action_kind, point_value, credited_at)
		 VALUES (?, ?, ?, ?, ?)`,
		event.ParticipantID, event.TokenID, event.ActionKind, event.PointValue, event.CreditedAt,
	)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("写入计分流水失败: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("获取流水写入结果失败: %w", err)
	}
	if inserted == 0 {
		// 重复事件，直接提交已有状态
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("提交事务失败: %w", err)
		}
		return nil
	}

	// 更新积分记录，只接受更新的版本
	_, err = tx.Exec(
		`INSERT INTO score_records (participant_id, score, version, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE
		 score = IF(VALUES(version) > version, VALUES(score), score),
		 updated_at = IF(VALUES(version) > version, VALUES(updated_at), updated_at),
		 version = GREATEST(version, VALUES(version))`,
		event.ParticipantID, event.NewScore, event.NewVersion, event.CreditedAt,
	)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("更新积分记录失败: %w", err)
	}

	// 标记令牌已兑换
	_, err = tx.Exec(
		`UPDATE action_tokens SET state = 1, redeemed_at = ? WHERE id = ?`,
		event.CreditedAt, event.TokenID,
	)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("标记令牌已兑换失败: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}

	return nil
}

// SaveToken 保存签发的令牌
func (r *MySQLRepository) SaveToken(token *model.ActionToken) error {
	query := `INSERT INTO action_tokens (id, participant_id, action_kind, point_value, state, created_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON DUPLICATE KEY UPDATE
			 state = VALUES(state),
			 expires_at = VALUES(expires_at)`

	_, err := r.masterDB.Exec(query,
		token.ID,
		token.ParticipantID,
		token.ActionKind,
		token.PointValue,
		int(token.State),
		token.CreatedAt,
		token.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("保存令牌到MySQL失败: %w", err)
	}
	return nil
}

// GetScoreRecord 查询参与者积分记录
func (r *MySQLRepository) GetScoreRecord(participantID string) (*model.ScoreRecord, error) {
	query := "SELECT participant_id, score, version, updated_at FROM score_records WHERE participant_id = ?"
	row := r.slaveDB.QueryRow(query, participantID)

	var record model.ScoreRecord
	err := row.Scan(&record.ParticipantID, &record.Score, &record.Version, &record.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("参与者 %s 不存在", participantID)
		}
		return nil, fmt.Errorf("查询积分记录失败: %w", err)
	}

	return &record, nil
}

// GetAllScoreRecords 查询所有积分记录，启动预热时使用
func (r *MySQLRepository) GetAllScoreRecords() ([]*model.ScoreRecord, error) {
	query := "SELECT participant_id, score, version, updated_at FROM score_records ORDER BY participant_id"
	rows, err := r.slaveDB.Query(query)
	if err != nil {
		return nil, fmt.Errorf("查询所有积分记录失败: %w", err)
	}
	defer rows.Close()

	var records []*model.ScoreRecord
	for rows.Next() {
		var record model.ScoreRecord
		if err := rows.Scan(&record.ParticipantID, &record.Score, &record.Version, &record.UpdatedAt); err != nil {
			return nil, fmt.Errorf("扫描积分记录失败: %w", err)
		}
		records = append(records, &record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代积分记录失败: %w", err)
	}

	return records, nil
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
