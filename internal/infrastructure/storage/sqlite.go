package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vitos/grid_martingale/internal/domain"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		direction TEXT NOT NULL,
		level INTEGER NOT NULL,
		price REAL NOT NULL,
		quantity REAL NOT NULL,
		avg_price REAL NOT NULL,
		pnl REAL NOT NULL,
		grid_center REAL NOT NULL,
		capital REAL NOT NULL,
		created_at DATETIME NOT NULL
	);`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to init trades schema: %w", err)
	}
	return nil
}

// TradeRepository Implementation

func (s *SQLiteStore) SaveTrade(ctx context.Context, rec *domain.TradeRecord) error {
	query := `INSERT INTO trades (type, direction, level, price, quantity, avg_price, pnl, grid_center, capital, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, query,
		rec.Type, string(rec.Direction), rec.Level, rec.Price, rec.Quantity,
		rec.AvgPrice, rec.PnL, rec.GridCenter, rec.Capital, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

func (s *SQLiteStore) ListTrades(ctx context.Context, limit int) ([]*domain.TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, type, direction, level, price, quantity, avg_price, pnl, grid_center, capital, created_at
			  FROM trades ORDER BY id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	var trades []*domain.TradeRecord
	for rows.Next() {
		rec := &domain.TradeRecord{}
		var direction string
		if err := rows.Scan(&rec.ID, &rec.Type, &direction, &rec.Level, &rec.Price, &rec.Quantity,
			&rec.AvgPrice, &rec.PnL, &rec.GridCenter, &rec.Capital, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		rec.Direction = domain.Side(direction)
		trades = append(trades, rec)
	}
	return trades, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
