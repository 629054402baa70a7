// Package store 持久化频道、档位、订单与订阅。所有状态变更都是带 status 守卫的条件更新，
// 并发场景下只有一个请求能成功流转，其余观察到 0 行。
package store

import (
	"context"
	"fmt"
	"strings"

	"paid_channel/internal/clock"
	"paid_channel/internal/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store 包装 gorm 连接与时钟。事务内使用的是同一类型的副本。
type Store struct {
	db    *gorm.DB
	clock clock.Clock
}

// Option 调整 Store 构造参数。
type Option func(*Store)

// WithClock 注入时钟，测试用 clock.Fake。
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// Open 打开 SQLite 文件并自动建表。
// 外键开启；写事务使用 BEGIN IMMEDIATE，配合 busy_timeout 让并发写排队而不是直接报 busy。
func Open(path string, opts ...Option) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn(path)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	s := New(db, opts...)
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// New 基于已有连接构造 Store，不做迁移。
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, clock: clock.System{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func dsn(path string) string {
	params := "_foreign_keys=1&_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL"
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return path + "?" + params
}

// Migrate 创建/更新四张业务表和事件审计表。
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(
		&model.Channel{},
		&model.Tariff{},
		&model.Order{},
		&model.Subscription{},
		&model.LifecycleEvent{},
	); err != nil {
		return fmt.Errorf("db migrate: %w", err)
	}
	return nil
}

// Close 释放底层连接池。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction 在单个事务里执行 fn，fn 返回错误即回滚。
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&Store{db: gtx, clock: s.clock})
	})
}

// Now 返回当前 unix 秒。
func (s *Store) Now() int64 {
	return s.clock.Now().Unix()
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}
