package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gregtusar/fundingarb/pkg/models"
)

const (
	defaultPath = "data/fundingarb.db"
	// fixed width so timestamps sort lexically
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// Store keeps the history of finished arbitrage positions in SQLite.
type Store struct {
	path string
	db   *sql.DB
	now  func() time.Time
}

// Open creates (if needed) and opens the SQLite database.
func Open(path string) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure data dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := ensureWAL(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	return &Store{path: path, db: db, now: time.Now}, nil
}

func ensureWAL(db *sql.DB) error {
	const (
		maxAttempts = 5
		delay       = 200 * time.Millisecond
	)
	for i := 0; i < maxAttempts; i++ {
		if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			if strings.Contains(err.Error(), "database is locked") {
				time.Sleep(delay)
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("database is locked after retries")
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateTables ensures the positions table exists.
func (s *Store) CreateTables(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS positions (
	id TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	long_venue TEXT NOT NULL,
	short_venue TEXT NOT NULL,
	state TEXT NOT NULL,
	entry_spread REAL,
	exit_spread REAL,
	exit_reason TEXT,
	entry_time TEXT,
	closed_at TEXT,
	notional REAL,
	leverage REAL,
	funding_total REAL,
	funding_count INTEGER,
	legs_json TEXT,
	funding_json TEXT,
	raw_json TEXT,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS positions_token_idx ON positions(token, updated_at);
`

const upsertSQL = `
INSERT INTO positions (
	id, token, long_venue, short_venue, state, entry_spread, exit_spread, exit_reason,
	entry_time, closed_at, notional, leverage, funding_total, funding_count,
	legs_json, funding_json, raw_json, updated_at
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
	state=excluded.state,
	exit_spread=excluded.exit_spread,
	exit_reason=excluded.exit_reason,
	closed_at=excluded.closed_at,
	funding_total=excluded.funding_total,
	funding_count=excluded.funding_count,
	legs_json=excluded.legs_json,
	funding_json=excluded.funding_json,
	raw_json=excluded.raw_json,
	updated_at=excluded.updated_at;
`

// SavePosition inserts or updates a position row. A position is written once
// when it leaves the active set and again when its close is confirmed.
func (s *Store) SavePosition(ctx context.Context, pos *models.ActiveArbitragePosition) error {
	if s == nil || s.db == nil || pos == nil {
		return fmt.Errorf("sqlite store not initialized or position nil")
	}

	legsJSON, err := json.Marshal(pos.Legs)
	if err != nil {
		return fmt.Errorf("marshal legs: %w", err)
	}
	fundingJSON, err := json.Marshal(pos.FundingPayments)
	if err != nil {
		return fmt.Errorf("marshal funding ledger: %w", err)
	}
	rawJSON, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}

	var closedAt sql.NullString
	if pos.ClosedAt != nil {
		closedAt = sql.NullString{String: pos.ClosedAt.UTC().Format(timeLayout), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, upsertSQL,
		pos.ID,
		pos.Token,
		pos.LongVenue,
		pos.ShortVenue,
		string(pos.State),
		pos.EntrySpread,
		pos.ExitSpread,
		pos.ExitReason,
		pos.EntryTime.UTC().Format(timeLayout),
		closedAt,
		pos.Notional,
		pos.Leverage,
		pos.FundingTotal(),
		len(pos.FundingPayments),
		string(legsJSON),
		string(fundingJSON),
		string(rawJSON),
		s.now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("save position %s: %w", pos.ID, err)
	}
	return nil
}

// HistoryFilter narrows ListHistory. Zero values mean no filter.
type HistoryFilter struct {
	Token string
	State models.PositionState
	Limit int
}

// ListHistory returns stored positions, most recently updated first.
func (s *Store) ListHistory(ctx context.Context, f HistoryFilter) ([]*models.ActiveArbitragePosition, error) {
	query := `SELECT raw_json FROM positions WHERE 1=1`
	var args []any
	if f.Token != "" {
		query += ` AND token = ?`
		args = append(args, strings.ToUpper(f.Token))
	}
	if f.State != "" {
		query += ` AND state = ?`
		args = append(args, string(f.State))
	}
	query += ` ORDER BY updated_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []*models.ActiveArbitragePosition
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var pos models.ActiveArbitragePosition
		if err := json.Unmarshal([]byte(raw), &pos); err != nil {
			return nil, fmt.Errorf("decode position: %w", err)
		}
		out = append(out, &pos)
	}
	return out, rows.Err()
}

// FundingSummary is the funding collected per token across stored positions.
type FundingSummary struct {
	Token     string  `json:"token"`
	Positions int     `json:"positions"`
	Funding   float64 `json:"funding"`
}

func (s *Store) FundingByToken(ctx context.Context) ([]FundingSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT token, COUNT(*), COALESCE(SUM(funding_total), 0)
FROM positions
GROUP BY token
ORDER BY token`)
	if err != nil {
		return nil, fmt.Errorf("query funding summary: %w", err)
	}
	defer rows.Close()

	var out []FundingSummary
	for rows.Next() {
		var fs FundingSummary
		if err := rows.Scan(&fs.Token, &fs.Positions, &fs.Funding); err != nil {
			return nil, err
		}
		out = append(out, fs)
	}
	return out, rows.Err()
}
