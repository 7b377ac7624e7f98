package main

import (
	"context"
	"fmt"
	"log"
	"time"

	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
)

// PgStore : pgx 커넥션 풀 기반 PostgreSQL 저장소
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore : 접속 후 내장 마이그레이션 적용
func NewPgStore(connString string) (*PgStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// golang-migrate 는 database/sql 핸들이 필요
	sqlDB := stdlib.OpenDBFromPool(pool)
	driver, err := migratepgx.WithInstance(sqlDB, &migratepgx.Config{})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgx migrate driver: %w", err)
	}
	if err := applyMigrations("postgres", "pgx5", driver); err != nil {
		pool.Close()
		return nil, err
	}

	log.Println("[STORE] PostgreSQL connected and schema migrated")
	return &PgStore{pool: pool}, nil
}

func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PgStore) InsertRecord(ctx context.Context, rec PredictionRecord) error {
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO prediction_records (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		args...,
	)
	if err != nil {
		return errors.Wrapf(err, "insert record %s", rec.UUID)
	}
	return nil
}

func (s *PgStore) GetRecord(ctx context.Context, uuid string) (PredictionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM prediction_records WHERE uuid = $1`, uuid)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return PredictionRecord{}, ErrRecordNotFound
	}
	if err != nil {
		return PredictionRecord{}, errors.Wrapf(err, "get record %s", uuid)
	}
	return rec, nil
}

func (s *PgStore) ListRecordsBySubject(ctx context.Context, subjectID string) ([]PredictionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM prediction_records
		 WHERE subject_id = $1 ORDER BY created_at_ms DESC, block_index DESC`, subjectID)
	if err != nil {
		return nil, errors.Wrapf(err, "list records of %s", subjectID)
	}
	return collectPgRows(rows)
}

func (s *PgStore) ListRecords(ctx context.Context, offset, limit int) ([]PredictionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM prediction_records
		 ORDER BY block_index ASC, uuid ASC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "list records")
	}
	return collectPgRows(rows)
}

func (s *PgStore) CountRecords(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM prediction_records`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count records")
	}
	return n, nil
}

func collectPgRows(rows pgx.Rows) ([]PredictionRecord, error) {
	defer rows.Close()
	out := []PredictionRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
