package runconfig

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "PhoneAgent-Web/internal/errors"
)

// MySQLStore 使用键值表保存配置，值为 JSON 编码。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 解析 DSN、建立连接并执行建表迁移。
func NewMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "MySQL DSN 格式错误")
	}
	cfg.ParseTime = true
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 MySQL 连接器失败")
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Load 读取全部配置项，表为空时写入默认值。
func (s *MySQLStore) Load(ctx context.Context) (Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM agent_settings`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询配置失败")
	}
	defer rows.Close()

	fields := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取配置行失败")
		}
		fields[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历配置失败")
	}

	if len(fields) == 0 {
		doc := Defaults()
		if err := s.Save(ctx, doc); err != nil {
			return nil, err
		}
		return doc, nil
	}
	return decodeFields(fields)
}

// Save 在一个事务内替换全部配置项。
func (s *MySQLStore) Save(ctx context.Context, doc Document) error {
	values, err := encodeFields(doc)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_settings`); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理配置失败")
	}
	now := time.Now().Unix()
	const stmt = `INSERT INTO agent_settings (name, value, updated_at) VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE value = VALUES(value), updated_at = VALUES(updated_at)`
	for name, value := range values {
		if _, err := tx.ExecContext(ctx, stmt, name, value, now); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入配置项 "+name+" 失败")
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交配置失败")
	}
	return nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
