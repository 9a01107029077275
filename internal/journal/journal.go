// Package journal provides durable, idempotent trade lifecycle persistence.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"supertrend-trader/internal/models"
)

// Journal is an append-only SQLite store for trade lifecycle records,
// per-day risk stats, and engine configuration.
type Journal struct {
	db *sql.DB
}

// Open opens (creating if needed) the journal database.
func Open(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	j := &Journal{db: db}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	schema := `
	-- Trade lifecycle records; one row per trade id across open and close
	CREATE TABLE IF NOT EXISTS trades (
		trade_id TEXT PRIMARY KEY,
		open_at DATETIME NOT NULL,
		close_at DATETIME,
		side TEXT NOT NULL,
		strike REAL NOT NULL,
		expiry DATE NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL,
		qty INTEGER NOT NULL,
		realized_pnl REAL,
		exit_reason TEXT,
		mode TEXT NOT NULL,
		root TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Per-day risk counters keyed by IST session day
	CREATE TABLE IF NOT EXISTS day_stats (
		date_ist TEXT PRIMARY KEY,
		realized_pnl REAL NOT NULL DEFAULT 0,
		trades_taken INTEGER NOT NULL DEFAULT 0,
		daily_loss_tripped INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Engine configuration key/value store
	CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value_json TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Entry attempts abandoned without a position (e.g. fill timeout)
	CREATE TABLE IF NOT EXISTS entry_skips (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at DATETIME NOT NULL,
		side TEXT NOT NULL,
		strike REAL NOT NULL,
		reason TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_trades_open_at ON trades(open_at);
	CREATE INDEX IF NOT EXISTS idx_trades_close_at ON trades(close_at);
	`

	_, err := j.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// WriteOpen records a trade open. Called only after the BUY fill is
// confirmed; idempotent by trade id.
func (j *Journal) WriteOpen(ctx context.Context, rec models.TradeRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO trades (trade_id, open_at, side, strike, expiry, entry_price, qty, mode, root)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.TradeID, rec.OpenAt.UTC(), rec.Side, rec.Strike, rec.Expiry.Format("2006-01-02"), rec.EntryPrice, rec.Qty, rec.Mode, rec.Root)
	if err != nil {
		return fmt.Errorf("failed to write trade open: %w", err)
	}
	return nil
}

// WriteClose records the exit leg of a trade. Idempotent by trade id: a
// replay against an already-closed trade is a no-op.
func (j *Journal) WriteClose(ctx context.Context, tradeID string, closeAt time.Time, exitPrice, realizedPnL float64, exitReason string) error {
	res, err := j.db.ExecContext(ctx, `
		UPDATE trades
		SET close_at = ?, exit_price = ?, realized_pnl = ?, exit_reason = ?
		WHERE trade_id = ? AND close_at IS NULL
	`, closeAt.UTC(), exitPrice, realizedPnL, exitReason, tradeID)
	if err != nil {
		return fmt.Errorf("failed to write trade close: %w", err)
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		// Either a replay (already closed: fine) or an unknown trade id.
		var exists int
		if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trades WHERE trade_id = ?`, tradeID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to verify trade close: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("trade not found: %s", tradeID)
		}
	}
	return nil
}

// WriteEntrySkip records an entry attempt that was abandoned without a
// position being created.
func (j *Journal) WriteEntrySkip(ctx context.Context, at time.Time, side models.OptionSide, strike float64, reason string) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO entry_skips (at, side, strike, reason) VALUES (?, ?, ?, ?)
	`, at.UTC(), side, strike, reason)
	if err != nil {
		return fmt.Errorf("failed to write entry skip: %w", err)
	}
	return nil
}

// Trades returns the most recent trades, newest first.
func (j *Journal) Trades(ctx context.Context, limit int) ([]models.TradeRecord, error) {
	query := `
		SELECT trade_id, open_at, close_at, side, strike, expiry, entry_price,
		       COALESCE(exit_price, 0), qty, COALESCE(realized_pnl, 0),
		       COALESCE(exit_reason, ''), mode, root
		FROM trades ORDER BY open_at DESC
	`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.TradeRecord
	for rows.Next() {
		var t models.TradeRecord
		var closeAt sql.NullTime
		var expiry string
		if err := rows.Scan(&t.TradeID, &t.OpenAt, &closeAt, &t.Side, &t.Strike, &expiry, &t.EntryPrice,
			&t.ExitPrice, &t.Qty, &t.RealizedPnL, &t.ExitReason, &t.Mode, &t.Root); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		if closeAt.Valid {
			t.CloseAt = closeAt.Time
		}
		t.Expiry, _ = time.Parse("2006-01-02", expiry)
		trades = append(trades, t)
	}

	return trades, rows.Err()
}

// Trade returns a single trade by id, or nil with a nil error when no such
// trade exists.
func (j *Journal) Trade(ctx context.Context, tradeID string) (*models.TradeRecord, error) {
	var t models.TradeRecord
	var closeAt sql.NullTime
	var expiry string
	err := j.db.QueryRowContext(ctx, `
		SELECT trade_id, open_at, close_at, side, strike, expiry, entry_price,
		       COALESCE(exit_price, 0), qty, COALESCE(realized_pnl, 0),
		       COALESCE(exit_reason, ''), mode, root
		FROM trades WHERE trade_id = ?
	`, tradeID).Scan(&t.TradeID, &t.OpenAt, &closeAt, &t.Side, &t.Strike, &expiry, &t.EntryPrice,
		&t.ExitPrice, &t.Qty, &t.RealizedPnL, &t.ExitReason, &t.Mode, &t.Root)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}
	if closeAt.Valid {
		t.CloseAt = closeAt.Time
	}
	t.Expiry, _ = time.Parse("2006-01-02", expiry)
	return &t, nil
}

// DayRealized sums realized P&L and counts closed trades for an IST day.
// The sum is taken over journal rows, so it reconciles the in-memory risk
// book after a restart.
func (j *Journal) DayRealized(ctx context.Context, dayKeyIST string) (pnl float64, closed int, err error) {
	// close_at is stored in UTC; shift by the IST offset to bucket by
	// session day.
	err = j.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(realized_pnl), 0), COUNT(*)
		FROM trades
		WHERE close_at IS NOT NULL
		  AND date(datetime(close_at, '+330 minutes')) = ?
	`, dayKeyIST).Scan(&pnl, &closed)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum day realized pnl: %w", err)
	}
	return pnl, closed, nil
}

// UpsertDayStats persists the risk book counters for an IST day.
func (j *Journal) UpsertDayStats(ctx context.Context, book models.RiskBook) error {
	tripped := 0
	if book.DailyLossTripped {
		tripped = 1
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO day_stats (date_ist, realized_pnl, trades_taken, daily_loss_tripped, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, book.DayKeyIST, book.RealizedPnLToday, book.TradesTakenToday, tripped, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert day stats: %w", err)
	}
	return nil
}

// DayStats loads the persisted risk counters for an IST day.
func (j *Journal) DayStats(ctx context.Context, dayKeyIST string) (*models.RiskBook, error) {
	var book models.RiskBook
	var tripped int
	err := j.db.QueryRowContext(ctx, `
		SELECT date_ist, realized_pnl, trades_taken, daily_loss_tripped
		FROM day_stats WHERE date_ist = ?
	`, dayKeyIST).Scan(&book.DayKeyIST, &book.RealizedPnLToday, &book.TradesTakenToday, &tripped)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get day stats: %w", err)
	}
	book.DailyLossTripped = tripped == 1
	return &book, nil
}

// SaveConfig stores a configuration value as JSON.
func (j *Journal) SaveConfig(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal config value: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO config (key, value_json, updated_at) VALUES (?, ?, ?)
	`, key, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// LoadConfig reads a configuration value into target. Returns false when
// the key does not exist.
func (j *Journal) LoadConfig(ctx context.Context, key string, target interface{}) (bool, error) {
	var data string
	err := j.db.QueryRowContext(ctx, `SELECT value_json FROM config WHERE key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load config: %w", err)
	}
	if err := json.Unmarshal([]byte(data), target); err != nil {
		return false, fmt.Errorf("failed to unmarshal config value: %w", err)
	}
	return true, nil
}
