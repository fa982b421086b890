package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/predex/engine/internal/model"
)

// PostgresStore implements Store on PostgreSQL. All point and share values
// are stored as NUMERIC for exact decimal precision; trade and settlement
// applications run inside a single transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Schema holds the DDL for a fresh database.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    id          TEXT PRIMARY KEY,
    email       TEXT NOT NULL UNIQUE,
    points      NUMERIC NOT NULL DEFAULT 0 CHECK (points >= 0),
    predictions INTEGER NOT NULL DEFAULT 0,
    correct     INTEGER NOT NULL DEFAULT 0,
    active      BOOLEAN NOT NULL DEFAULT TRUE,
    created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS markets (
    id                TEXT PRIMARY KEY,
    title             TEXT NOT NULL,
    status            TEXT NOT NULL,
    mode              TEXT NOT NULL,
    deadline          TIMESTAMPTZ NOT NULL,
    beta              NUMERIC NOT NULL DEFAULT 0,
    q_yes             NUMERIC NOT NULL DEFAULT 0,
    q_no              NUMERIC NOT NULL DEFAULT 0,
    fixed_yes_price   NUMERIC NOT NULL DEFAULT 0,
    fixed_no_price    NUMERIC NOT NULL DEFAULT 0,
    price_yes         NUMERIC NOT NULL DEFAULT 0.5,
    price_no          NUMERIC NOT NULL DEFAULT 0.5,
    yes_volume        NUMERIC NOT NULL DEFAULT 0,
    no_volume         NUMERIC NOT NULL DEFAULT 0,
    total_volume      NUMERIC NOT NULL DEFAULT 0,
    participant_count INTEGER NOT NULL DEFAULT 0,
    version           BIGINT NOT NULL DEFAULT 0,
    resolved_outcome  BOOLEAN,
    resolved_at       TIMESTAMPTZ,
    resolution_notes  TEXT,
    created_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
    user_id        TEXT NOT NULL REFERENCES users(id),
    market_id      TEXT NOT NULL REFERENCES markets(id),
    shares_yes     NUMERIC NOT NULL DEFAULT 0 CHECK (shares_yes >= 0),
    shares_no      NUMERIC NOT NULL DEFAULT 0 CHECK (shares_no >= 0),
    total_invested NUMERIC NOT NULL DEFAULT 0,
    realized_pnl   NUMERIC NOT NULL DEFAULT 0,
    PRIMARY KEY (user_id, market_id)
);

CREATE TABLE IF NOT EXISTS transactions (
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL,
    market_id     TEXT NOT NULL,
    type          TEXT NOT NULL,
    side          TEXT NOT NULL,
    shares        NUMERIC NOT NULL,
    price         NUMERIC NOT NULL,
    points_change NUMERIC NOT NULL,
    source        TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_txns_user   ON transactions(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_txns_market ON transactions(market_id, created_at);

CREATE TABLE IF NOT EXISTS probability_history (
    market_id TEXT NOT NULL,
    price_yes NUMERIC NOT NULL,
    at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_prob_market ON probability_history(market_id, at);

CREATE TABLE IF NOT EXISTS volume_history (
    market_id    TEXT NOT NULL,
    total_volume NUMERIC NOT NULL,
    at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_vol_market ON volume_history(market_id, at);

CREATE TABLE IF NOT EXISTS broadcast_cycles (
    id           TEXT PRIMARY KEY,
    market_ids   TEXT[] NOT NULL,
    completed_at TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, points, predictions, correct, active, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7)`,
		u.ID, u.Email, u.Points.String(), u.Predictions, u.Correct, u.Active, u.CreatedAt,
	)
	return err
}

const userCols = `id, email, points::TEXT, predictions, correct, active, created_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var points string
	if err := row.Scan(&u.ID, &u.Email, &points, &u.Predictions, &u.Correct, &u.Active, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	u.Points, _ = decimal.NewFromString(points)
	return &u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE email = $1`, email)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("get user by email %s: %w", email, err)
	}
	return u, nil
}

// --- Markets ---

const marketCols = `id, title, status, mode, deadline,
	beta::TEXT, q_yes::TEXT, q_no::TEXT,
	fixed_yes_price::TEXT, fixed_no_price::TEXT,
	price_yes::TEXT, price_no::TEXT,
	yes_volume::TEXT, no_volume::TEXT, total_volume::TEXT,
	participant_count, version,
	resolved_outcome, resolved_at, resolution_notes, created_at`

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, title, status, mode, deadline,
		    beta, q_yes, q_no, fixed_yes_price, fixed_no_price,
		    price_yes, price_no, yes_volume, no_volume, total_volume,
		    participant_count, version, created_at)
		 VALUES ($1, $2, $3, $4, $5,
		    $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		    $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC, $15::NUMERIC,
		    $16, $17, $18)`,
		m.ID, m.Title, m.Status, m.Mode, m.Deadline,
		m.Beta.String(), m.QYes.String(), m.QNo.String(),
		m.FixedYesPrice.String(), m.FixedNoPrice.String(),
		m.PriceYes.String(), m.PriceNo.String(),
		m.YesVolume.String(), m.NoVolume.String(), m.TotalVolume.String(),
		m.ParticipantCount, m.Version, m.CreatedAt,
	)
	return err
}

type pgScanner interface {
	Scan(dest ...any) error
}

func scanMarket(row pgScanner) (*model.Market, error) {
	var m model.Market
	var beta, qYes, qNo, fy, fn, py, pn, yv, nv, tv string
	var outcome *bool
	var resolvedAt *time.Time
	var notes *string

	err := row.Scan(&m.ID, &m.Title, &m.Status, &m.Mode, &m.Deadline,
		&beta, &qYes, &qNo, &fy, &fn, &py, &pn, &yv, &nv, &tv,
		&m.ParticipantCount, &m.Version,
		&outcome, &resolvedAt, &notes, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}

	m.Beta, _ = decimal.NewFromString(beta)
	m.QYes, _ = decimal.NewFromString(qYes)
	m.QNo, _ = decimal.NewFromString(qNo)
	m.FixedYesPrice, _ = decimal.NewFromString(fy)
	m.FixedNoPrice, _ = decimal.NewFromString(fn)
	m.PriceYes, _ = decimal.NewFromString(py)
	m.PriceNo, _ = decimal.NewFromString(pn)
	m.YesVolume, _ = decimal.NewFromString(yv)
	m.NoVolume, _ = decimal.NewFromString(nv)
	m.TotalVolume, _ = decimal.NewFromString(tv)

	if outcome != nil && resolvedAt != nil {
		m.Resolution = &model.Resolution{
			Outcome:    *outcome,
			ResolvedAt: *resolvedAt,
		}
		if notes != nil {
			m.Resolution.Notes = *notes
		}
	}
	return &m, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketCols+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) listMarkets(ctx context.Context, query string, args ...any) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.listMarkets(ctx, `SELECT `+marketCols+` FROM markets ORDER BY created_at DESC`)
}

func (s *PostgresStore) ListMarketsByStatus(ctx context.Context, status model.MarketStatus) ([]model.Market, error) {
	return s.listMarkets(ctx,
		`SELECT `+marketCols+` FROM markets WHERE status = $1 ORDER BY created_at DESC`, status)
}

func (s *PostgresStore) TransitionMarketStatus(ctx context.Context, id string, from, to model.MarketStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET status = $3, version = version + 1
		 WHERE id = $1 AND status = $2`,
		id, from, to,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// --- Positions ---

const positionCols = `user_id, market_id, shares_yes::TEXT, shares_no::TEXT,
	total_invested::TEXT, realized_pnl::TEXT`

func scanPosition(row pgScanner) (*model.Position, error) {
	var p model.Position
	var sy, sn, ti, pnl string
	if err := row.Scan(&p.UserID, &p.MarketID, &sy, &sn, &ti, &pnl); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	p.SharesYes, _ = decimal.NewFromString(sy)
	p.SharesNo, _ = decimal.NewFromString(sn)
	p.TotalInvested, _ = decimal.NewFromString(ti)
	p.RealizedPnL, _ = decimal.NewFromString(pnl)
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions WHERE user_id = $1 AND market_id = $2`,
		userID, marketID)
	p, err := scanPosition(row)
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", userID, marketID, err)
	}
	return p, nil
}

func (s *PostgresStore) listPositions(ctx context.Context, query string, args ...any) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	return s.listPositions(ctx,
		`SELECT `+positionCols+` FROM positions WHERE user_id = $1`, userID)
}

func (s *PostgresStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.listPositions(ctx,
		`SELECT `+positionCols+` FROM positions WHERE market_id = $1`, marketID)
}

// --- Transactions ---

const txnCols = `id, user_id, market_id, type, side,
	shares::TEXT, price::TEXT, points_change::TEXT, source, created_at`

func (s *PostgresStore) listTransactions(ctx context.Context, query string, args ...any) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var shares, price, change string
		if err := rows.Scan(&t.ID, &t.UserID, &t.MarketID, &t.Type, &t.Side,
			&shares, &price, &change, &t.Source, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Shares, _ = decimal.NewFromString(shares)
		t.Price, _ = decimal.NewFromString(price)
		t.PointsChange, _ = decimal.NewFromString(change)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.listTransactions(ctx,
		`SELECT `+txnCols+` FROM transactions WHERE user_id = $1 ORDER BY created_at`, userID)
}

func (s *PostgresStore) ListTransactionsByMarket(ctx context.Context, marketID string) ([]model.Transaction, error) {
	return s.listTransactions(ctx,
		`SELECT `+txnCols+` FROM transactions WHERE market_id = $1 ORDER BY created_at`, marketID)
}

// --- History ---

func (s *PostgresStore) ProbabilityHistory(ctx context.Context, marketID string) ([]model.ProbabilityPoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, price_yes::TEXT, at FROM probability_history
		 WHERE market_id = $1 ORDER BY at`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ProbabilityPoint
	for rows.Next() {
		var p model.ProbabilityPoint
		var price string
		if err := rows.Scan(&p.MarketID, &price, &p.At); err != nil {
			return nil, err
		}
		p.PriceYes, _ = decimal.NewFromString(price)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) VolumeHistory(ctx context.Context, marketID string) ([]model.VolumePoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, total_volume::TEXT, at FROM volume_history
		 WHERE market_id = $1 ORDER BY at`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.VolumePoint
	for rows.Next() {
		var p model.VolumePoint
		var vol string
		if err := rows.Scan(&p.MarketID, &vol, &p.At); err != nil {
			return nil, err
		}
		p.TotalVolume, _ = decimal.NewFromString(vol)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Broadcast cycles ---

func (s *PostgresStore) SaveBroadcastCycle(ctx context.Context, c *model.BroadcastCycle) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO broadcast_cycles (id, market_ids, completed_at) VALUES ($1, $2, $3)`,
		c.ID, c.MarketIDs, c.CompletedAt,
	)
	return err
}

func (s *PostgresStore) LatestBroadcastCycle(ctx context.Context) (*model.BroadcastCycle, error) {
	var c model.BroadcastCycle
	err := s.pool.QueryRow(ctx,
		`SELECT id, market_ids, completed_at FROM broadcast_cycles
		 ORDER BY completed_at DESC LIMIT 1`).
		Scan(&c.ID, &c.MarketIDs, &c.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// --- Atomic mutations ---

// withTx runs fn inside a transaction, committing on nil and rolling back
// otherwise.
func (s *PostgresStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) ApplyTrade(ctx context.Context, app *TradeApplication) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE markets SET
			    q_yes = $3::NUMERIC, q_no = $4::NUMERIC,
			    price_yes = $5::NUMERIC, price_no = $6::NUMERIC,
			    yes_volume = $7::NUMERIC, no_volume = $8::NUMERIC,
			    total_volume = $9::NUMERIC,
			    participant_count = participant_count + $10,
			    version = version + 1
			 WHERE id = $1 AND version = $2`,
			app.MarketID, app.ExpectedVersion,
			app.QYes.String(), app.QNo.String(),
			app.PriceYes.String(), app.PriceNo.String(),
			app.YesVolume.String(), app.NoVolume.String(), app.TotalVolume.String(),
			app.ParticipantDelta,
		)
		if err != nil {
			return fmt.Errorf("update market: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}

		if _, err := tx.Exec(ctx,
			`UPDATE users SET points = points + $2::NUMERIC, predictions = predictions + $3
			 WHERE id = $1`,
			app.UserID, app.PointsDelta.String(), app.PredictionsDelta,
		); err != nil {
			return fmt.Errorf("update user: %w", err)
		}

		pos := app.Position
		if _, err := tx.Exec(ctx,
			`INSERT INTO positions (user_id, market_id, shares_yes, shares_no, total_invested, realized_pnl)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC)
			 ON CONFLICT (user_id, market_id) DO UPDATE SET
			    shares_yes = EXCLUDED.shares_yes,
			    shares_no = EXCLUDED.shares_no,
			    total_invested = EXCLUDED.total_invested,
			    realized_pnl = EXCLUDED.realized_pnl`,
			pos.UserID, pos.MarketID,
			pos.SharesYes.String(), pos.SharesNo.String(),
			pos.TotalInvested.String(), pos.RealizedPnL.String(),
		); err != nil {
			return fmt.Errorf("upsert position: %w", err)
		}

		t := app.Transaction
		if _, err := tx.Exec(ctx,
			`INSERT INTO transactions (id, user_id, market_id, type, side, shares, price, points_change, source, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
			t.ID, t.UserID, t.MarketID, t.Type, t.Side,
			t.Shares.String(), t.Price.String(), t.PointsChange.String(),
			t.Source, t.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO probability_history (market_id, price_yes, at) VALUES ($1, $2::NUMERIC, $3)`,
			app.ProbabilityPoint.MarketID, app.ProbabilityPoint.PriceYes.String(), app.ProbabilityPoint.At,
		); err != nil {
			return fmt.Errorf("append probability point: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO volume_history (market_id, total_volume, at) VALUES ($1, $2::NUMERIC, $3)`,
			app.VolumePoint.MarketID, app.VolumePoint.TotalVolume.String(), app.VolumePoint.At,
		); err != nil {
			return fmt.Errorf("append volume point: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) ApplySettlement(ctx context.Context, app *SettlementApplication) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE markets SET
			    status = $3,
			    resolved_outcome = $4, resolved_at = $5, resolution_notes = $6,
			    version = version + 1
			 WHERE id = $1 AND version = $2 AND status != $3`,
			app.MarketID, app.ExpectedVersion, model.StatusResolved,
			app.Resolution.Outcome, app.Resolution.ResolvedAt, app.Resolution.Notes,
		)
		if err != nil {
			return fmt.Errorf("resolve market: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}

		for _, p := range app.Payouts {
			if _, err := tx.Exec(ctx,
				`UPDATE users SET points = points + $2::NUMERIC, correct = correct + $3
				 WHERE id = $1`,
				p.UserID, p.Points.String(), p.CorrectDelta,
			); err != nil {
				return fmt.Errorf("credit payout: %w", err)
			}
			if _, err := tx.Exec(ctx,
				`UPDATE positions SET realized_pnl = realized_pnl + $3::NUMERIC
				 WHERE user_id = $1 AND market_id = $2`,
				p.UserID, p.MarketID, p.RealizedPnL.String(),
			); err != nil {
				return fmt.Errorf("update position pnl: %w", err)
			}
		}
		return nil
	})
}
