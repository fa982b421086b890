package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/predex/engine/internal/model"
)

// SQLiteStore implements Store on a local SQLite database. Suitable for
// single-node deployments and integration tests. Decimals and timestamps
// are stored as TEXT so no precision is lost in either direction.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
    id          TEXT PRIMARY KEY,
    email       TEXT NOT NULL UNIQUE,
    points      TEXT NOT NULL DEFAULT '0',
    predictions INTEGER NOT NULL DEFAULT 0,
    correct     INTEGER NOT NULL DEFAULT 0,
    active      INTEGER NOT NULL DEFAULT 1,
    created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS markets (
    id                TEXT PRIMARY KEY,
    title             TEXT NOT NULL,
    status            TEXT NOT NULL,
    mode              TEXT NOT NULL,
    deadline          TEXT NOT NULL,
    beta              TEXT NOT NULL DEFAULT '0',
    q_yes             TEXT NOT NULL DEFAULT '0',
    q_no              TEXT NOT NULL DEFAULT '0',
    fixed_yes_price   TEXT NOT NULL DEFAULT '0',
    fixed_no_price    TEXT NOT NULL DEFAULT '0',
    price_yes         TEXT NOT NULL DEFAULT '0.5',
    price_no          TEXT NOT NULL DEFAULT '0.5',
    yes_volume        TEXT NOT NULL DEFAULT '0',
    no_volume         TEXT NOT NULL DEFAULT '0',
    total_volume      TEXT NOT NULL DEFAULT '0',
    participant_count INTEGER NOT NULL DEFAULT 0,
    version           INTEGER NOT NULL DEFAULT 0,
    resolved_outcome  INTEGER,
    resolved_at       TEXT,
    resolution_notes  TEXT,
    created_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
    user_id        TEXT NOT NULL,
    market_id      TEXT NOT NULL,
    shares_yes     TEXT NOT NULL DEFAULT '0',
    shares_no      TEXT NOT NULL DEFAULT '0',
    total_invested TEXT NOT NULL DEFAULT '0',
    realized_pnl   TEXT NOT NULL DEFAULT '0',
    PRIMARY KEY (user_id, market_id)
);

CREATE TABLE IF NOT EXISTS transactions (
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL,
    market_id     TEXT NOT NULL,
    type          TEXT NOT NULL,
    side          TEXT NOT NULL,
    shares        TEXT NOT NULL,
    price         TEXT NOT NULL,
    points_change TEXT NOT NULL,
    source        TEXT NOT NULL,
    created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_txns_user   ON transactions(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_txns_market ON transactions(market_id, created_at);

CREATE TABLE IF NOT EXISTS probability_history (
    market_id TEXT NOT NULL,
    price_yes TEXT NOT NULL,
    at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_prob_market ON probability_history(market_id, at);

CREATE TABLE IF NOT EXISTS volume_history (
    market_id    TEXT NOT NULL,
    total_volume TEXT NOT NULL,
    at           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_vol_market ON volume_history(market_id, at);

CREATE TABLE IF NOT EXISTS broadcast_cycles (
    id           TEXT PRIMARY KEY,
    market_ids   TEXT NOT NULL,
    completed_at TEXT NOT NULL
);
`

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. A single writer connection keeps SQLite's locking simple.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqliteTimeLayout keeps the fractional seconds fixed-width so TEXT
// comparisons in ORDER BY match chronological order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func mustDecimal(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, points, predictions, correct, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Points.String(), u.Predictions, u.Correct, u.Active, fmtTime(u.CreatedAt),
	)
	return err
}

func (s *SQLiteStore) scanUserRow(row *sql.Row) (*model.User, error) {
	var u model.User
	var points, createdAt string
	err := row.Scan(&u.ID, &u.Email, &points, &u.Predictions, &u.Correct, &u.Active, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	u.Points = mustDecimal(points)
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, points, predictions, correct, active, created_at FROM users WHERE id = ?`, id)
	u, err := s.scanUserRow(row)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, points, predictions, correct, active, created_at FROM users WHERE email = ?`, email)
	u, err := s.scanUserRow(row)
	if err != nil {
		return nil, fmt.Errorf("get user by email %s: %w", email, err)
	}
	return u, nil
}

// --- Markets ---

const sqliteMarketCols = `id, title, status, mode, deadline,
	beta, q_yes, q_no, fixed_yes_price, fixed_no_price,
	price_yes, price_no, yes_volume, no_volume, total_volume,
	participant_count, version, resolved_outcome, resolved_at, resolution_notes, created_at`

func (s *SQLiteStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO markets (`+sqliteMarketCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, ?)`,
		m.ID, m.Title, m.Status, m.Mode, fmtTime(m.Deadline),
		m.Beta.String(), m.QYes.String(), m.QNo.String(),
		m.FixedYesPrice.String(), m.FixedNoPrice.String(),
		m.PriceYes.String(), m.PriceNo.String(),
		m.YesVolume.String(), m.NoVolume.String(), m.TotalVolume.String(),
		m.ParticipantCount, m.Version, fmtTime(m.CreatedAt),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMarket(row rowScanner) (*model.Market, error) {
	var m model.Market
	var deadline, beta, qYes, qNo, fy, fn, py, pn, yv, nv, tv, createdAt string
	var outcome *bool
	var resolvedAt, notes *string

	err := row.Scan(&m.ID, &m.Title, &m.Status, &m.Mode, &deadline,
		&beta, &qYes, &qNo, &fy, &fn, &py, &pn, &yv, &nv, &tv,
		&m.ParticipantCount, &m.Version, &outcome, &resolvedAt, &notes, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}

	m.Deadline = parseTime(deadline)
	m.Beta = mustDecimal(beta)
	m.QYes = mustDecimal(qYes)
	m.QNo = mustDecimal(qNo)
	m.FixedYesPrice = mustDecimal(fy)
	m.FixedNoPrice = mustDecimal(fn)
	m.PriceYes = mustDecimal(py)
	m.PriceNo = mustDecimal(pn)
	m.YesVolume = mustDecimal(yv)
	m.NoVolume = mustDecimal(nv)
	m.TotalVolume = mustDecimal(tv)
	m.CreatedAt = parseTime(createdAt)

	if outcome != nil && resolvedAt != nil {
		m.Resolution = &model.Resolution{
			Outcome:    *outcome,
			ResolvedAt: parseTime(*resolvedAt),
		}
		if notes != nil {
			m.Resolution.Notes = *notes
		}
	}
	return &m, nil
}

func (s *SQLiteStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteMarketCols+` FROM markets WHERE id = ?`, id)
	m, err := scanSQLiteMarket(row)
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *SQLiteStore) listMarkets(ctx context.Context, query string, args ...any) ([]model.Market, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanSQLiteMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *SQLiteStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.listMarkets(ctx, `SELECT `+sqliteMarketCols+` FROM markets ORDER BY created_at DESC, id`)
}

func (s *SQLiteStore) ListMarketsByStatus(ctx context.Context, status model.MarketStatus) ([]model.Market, error) {
	return s.listMarkets(ctx,
		`SELECT `+sqliteMarketCols+` FROM markets WHERE status = ? ORDER BY created_at DESC, id`, status)
}

func (s *SQLiteStore) TransitionMarketStatus(ctx context.Context, id string, from, to model.MarketStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE markets SET status = ?, version = version + 1 WHERE id = ? AND status = ?`,
		to, id, from,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- Positions ---

const sqlitePositionCols = `user_id, market_id, shares_yes, shares_no, total_invested, realized_pnl`

func scanSQLitePosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var sy, sn, ti, pnl string
	if err := row.Scan(&p.UserID, &p.MarketID, &sy, &sn, &ti, &pnl); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	p.SharesYes = mustDecimal(sy)
	p.SharesNo = mustDecimal(sn)
	p.TotalInvested = mustDecimal(ti)
	p.RealizedPnL = mustDecimal(pnl)
	return &p, nil
}

func (s *SQLiteStore) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqlitePositionCols+` FROM positions WHERE user_id = ? AND market_id = ?`,
		userID, marketID)
	p, err := scanSQLitePosition(row)
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", userID, marketID, err)
	}
	return p, nil
}

func (s *SQLiteStore) listPositions(ctx context.Context, query string, args ...any) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanSQLitePosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	return s.listPositions(ctx,
		`SELECT `+sqlitePositionCols+` FROM positions WHERE user_id = ?`, userID)
}

func (s *SQLiteStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.listPositions(ctx,
		`SELECT `+sqlitePositionCols+` FROM positions WHERE market_id = ?`, marketID)
}

// --- Transactions ---

func (s *SQLiteStore) listTransactions(ctx context.Context, query string, args ...any) ([]model.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var shares, price, change, createdAt string
		if err := rows.Scan(&t.ID, &t.UserID, &t.MarketID, &t.Type, &t.Side,
			&shares, &price, &change, &t.Source, &createdAt); err != nil {
			return nil, err
		}
		t.Shares = mustDecimal(shares)
		t.Price = mustDecimal(price)
		t.PointsChange = mustDecimal(change)
		t.CreatedAt = parseTime(createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.listTransactions(ctx,
		`SELECT id, user_id, market_id, type, side, shares, price, points_change, source, created_at
		 FROM transactions WHERE user_id = ? ORDER BY created_at`, userID)
}

func (s *SQLiteStore) ListTransactionsByMarket(ctx context.Context, marketID string) ([]model.Transaction, error) {
	return s.listTransactions(ctx,
		`SELECT id, user_id, market_id, type, side, shares, price, points_change, source, created_at
		 FROM transactions WHERE market_id = ? ORDER BY created_at`, marketID)
}

// --- History ---

func (s *SQLiteStore) ProbabilityHistory(ctx context.Context, marketID string) ([]model.ProbabilityPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT market_id, price_yes, at FROM probability_history WHERE market_id = ? ORDER BY at`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ProbabilityPoint
	for rows.Next() {
		var p model.ProbabilityPoint
		var price, at string
		if err := rows.Scan(&p.MarketID, &price, &at); err != nil {
			return nil, err
		}
		p.PriceYes = mustDecimal(price)
		p.At = parseTime(at)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) VolumeHistory(ctx context.Context, marketID string) ([]model.VolumePoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT market_id, total_volume, at FROM volume_history WHERE market_id = ? ORDER BY at`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.VolumePoint
	for rows.Next() {
		var p model.VolumePoint
		var vol, at string
		if err := rows.Scan(&p.MarketID, &vol, &at); err != nil {
			return nil, err
		}
		p.TotalVolume = mustDecimal(vol)
		p.At = parseTime(at)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Broadcast cycles ---

func (s *SQLiteStore) SaveBroadcastCycle(ctx context.Context, c *model.BroadcastCycle) error {
	ids, err := json.Marshal(c.MarketIDs)
	if err != nil {
		return fmt.Errorf("marshal market ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO broadcast_cycles (id, market_ids, completed_at) VALUES (?, ?, ?)`,
		c.ID, string(ids), fmtTime(c.CompletedAt),
	)
	return err
}

func (s *SQLiteStore) LatestBroadcastCycle(ctx context.Context) (*model.BroadcastCycle, error) {
	var c model.BroadcastCycle
	var ids, completedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, market_ids, completed_at FROM broadcast_cycles ORDER BY completed_at DESC LIMIT 1`).
		Scan(&c.ID, &ids, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(ids), &c.MarketIDs); err != nil {
		return nil, fmt.Errorf("unmarshal market ids: %w", err)
	}
	c.CompletedAt = parseTime(completedAt)
	return &c, nil
}

// --- Atomic mutations ---

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ApplyTrade(ctx context.Context, app *TradeApplication) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE markets SET
			    q_yes = ?, q_no = ?, price_yes = ?, price_no = ?,
			    yes_volume = ?, no_volume = ?, total_volume = ?,
			    participant_count = participant_count + ?,
			    version = version + 1
			 WHERE id = ? AND version = ?`,
			app.QYes.String(), app.QNo.String(),
			app.PriceYes.String(), app.PriceNo.String(),
			app.YesVolume.String(), app.NoVolume.String(), app.TotalVolume.String(),
			app.ParticipantDelta,
			app.MarketID, app.ExpectedVersion,
		)
		if err != nil {
			return fmt.Errorf("update market: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrVersionConflict
		}

		u, err := s.getUserTx(ctx, tx, app.UserID)
		if err != nil {
			return err
		}
		newPoints := u.Points.Add(app.PointsDelta)
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET points = ?, predictions = predictions + ? WHERE id = ?`,
			newPoints.String(), app.PredictionsDelta, app.UserID,
		); err != nil {
			return fmt.Errorf("update user: %w", err)
		}

		pos := app.Position
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO positions (user_id, market_id, shares_yes, shares_no, total_invested, realized_pnl)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (user_id, market_id) DO UPDATE SET
			    shares_yes = excluded.shares_yes,
			    shares_no = excluded.shares_no,
			    total_invested = excluded.total_invested,
			    realized_pnl = excluded.realized_pnl`,
			pos.UserID, pos.MarketID,
			pos.SharesYes.String(), pos.SharesNo.String(),
			pos.TotalInvested.String(), pos.RealizedPnL.String(),
		); err != nil {
			return fmt.Errorf("upsert position: %w", err)
		}

		t := app.Transaction
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transactions (id, user_id, market_id, type, side, shares, price, points_change, source, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.UserID, t.MarketID, t.Type, t.Side,
			t.Shares.String(), t.Price.String(), t.PointsChange.String(),
			t.Source, fmtTime(t.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO probability_history (market_id, price_yes, at) VALUES (?, ?, ?)`,
			app.ProbabilityPoint.MarketID, app.ProbabilityPoint.PriceYes.String(), fmtTime(app.ProbabilityPoint.At),
		); err != nil {
			return fmt.Errorf("append probability point: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO volume_history (market_id, total_volume, at) VALUES (?, ?, ?)`,
			app.VolumePoint.MarketID, app.VolumePoint.TotalVolume.String(), fmtTime(app.VolumePoint.At),
		); err != nil {
			return fmt.Errorf("append volume point: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) getUserTx(ctx context.Context, tx *sql.Tx, id string) (*model.User, error) {
	var u model.User
	var points, createdAt string
	err := tx.QueryRowContext(ctx,
		`SELECT id, email, points, predictions, correct, active, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Email, &points, &u.Predictions, &u.Correct, &u.Active, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", id, model.ErrNotFound)
		}
		return nil, err
	}
	u.Points = mustDecimal(points)
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

func (s *SQLiteStore) ApplySettlement(ctx context.Context, app *SettlementApplication) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE markets SET
			    status = ?, resolved_outcome = ?, resolved_at = ?, resolution_notes = ?,
			    version = version + 1
			 WHERE id = ? AND version = ? AND status != ?`,
			model.StatusResolved, app.Resolution.Outcome,
			fmtTime(app.Resolution.ResolvedAt), app.Resolution.Notes,
			app.MarketID, app.ExpectedVersion, model.StatusResolved,
		)
		if err != nil {
			return fmt.Errorf("resolve market: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrVersionConflict
		}

		for _, p := range app.Payouts {
			u, err := s.getUserTx(ctx, tx, p.UserID)
			if err != nil {
				return err
			}
			newPoints := u.Points.Add(p.Points)
			if _, err := tx.ExecContext(ctx,
				`UPDATE users SET points = ?, correct = correct + ? WHERE id = ?`,
				newPoints.String(), p.CorrectDelta, p.UserID,
			); err != nil {
				return fmt.Errorf("credit payout: %w", err)
			}

			var pnl string
			err = tx.QueryRowContext(ctx,
				`SELECT realized_pnl FROM positions WHERE user_id = ? AND market_id = ?`,
				p.UserID, p.MarketID).Scan(&pnl)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					continue
				}
				return err
			}
			newPnL := mustDecimal(pnl).Add(p.RealizedPnL)
			if _, err := tx.ExecContext(ctx,
				`UPDATE positions SET realized_pnl = ? WHERE user_id = ? AND market_id = ?`,
				newPnL.String(), p.UserID, p.MarketID,
			); err != nil {
				return fmt.Errorf("update position pnl: %w", err)
			}
		}
		return nil
	})
}
