package market

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/babylonmarket/a2a/internal/pagination"
	"github.com/babylonmarket/a2a/internal/pricing"
)

// PostgresStore persists market data in PostgreSQL. The schema lives in
// migrations/.
type PostgresStore struct {
	db              *sql.DB
	startingBalance float64
}

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(db *sql.DB, startingBalance float64) *PostgresStore {
	if startingBalance <= 0 {
		startingBalance = DefaultStartingBalance
	}
	return &PostgresStore{db: db, startingBalance: startingBalance}
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

// isCheckViolation reports a CHECK constraint failure (SQLSTATE 23514).
func isCheckViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23514"
}

const marketColumns = `id, question, description, yes_shares, no_shares, volume,
		       status, end_date, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMarket(row scanner) (*Market, error) {
	var (
		m       Market
		status  string
		endDate sql.NullTime
	)
	if err := row.Scan(&m.ID, &m.Question, &m.Description, &m.YesShares, &m.NoShares, &m.Volume,
		&status, &endDate, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Status = Status(status)
	if endDate.Valid {
		m.EndDate = endDate.Time
	}
	return &m, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func (p *PostgresStore) GetActiveQuestions(ctx context.Context) ([]*Market, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, storageErr("list markets", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, storageErr("scan market", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list markets", err)
	}
	return out, nil
}

func (p *PostgresStore) GetMarketByID(ctx context.Context, id string) (*Market, error) {
	m, err := scanMarket(p.db.QueryRowContext(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMarketNotFound
	}
	if err != nil {
		return nil, storageErr("get market", err)
	}
	return m, nil
}

func (p *PostgresStore) CreateMarket(ctx context.Context, m *Market) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO markets (id, question, description, yes_shares, no_shares, volume,
		                     status, end_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.Question, m.Description, m.YesShares, m.NoShares, m.Volume,
		string(m.Status), nullTime(m.EndDate), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return storageErr("create market", err)
	}
	return nil
}

func (p *PostgresStore) UpdateMarket(ctx context.Context, m *Market) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE markets SET
			yes_shares = $1, no_shares = $2, volume = $3, status = $4, updated_at = $5
		WHERE id = $6`,
		m.YesShares, m.NoShares, m.Volume, string(m.Status), m.UpdatedAt, m.ID)
	if err != nil {
		return storageErr("update market", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMarketNotFound
	}
	return nil
}

func (p *PostgresStore) RecordTrade(ctx context.Context, t *Trade) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trades (id, user_id, market_id, side, outcome, amount, shares, price, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.UserID, t.MarketID, string(t.Side), string(t.Outcome),
		t.Amount, t.Shares, t.Price, t.CreatedAt)
	if err != nil {
		return storageErr("record trade", err)
	}
	return nil
}

func (p *PostgresStore) GetPositions(ctx context.Context, userID string) ([]*Position, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id, market_id, outcome, shares, avg_price, updated_at
		FROM positions
		WHERE user_id = $1 AND shares > 0
		ORDER BY market_id, outcome`, userID)
	if err != nil {
		return nil, storageErr("list positions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, storageErr("scan position", err)
		}
		out = append(out, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list positions", err)
	}
	return out, nil
}

func scanPosition(row scanner) (*Position, error) {
	var (
		pos     Position
		outcome string
	)
	if err := row.Scan(&pos.UserID, &pos.MarketID, &outcome, &pos.Shares, &pos.AvgPrice, &pos.UpdatedAt); err != nil {
		return nil, err
	}
	pos.Outcome = pricing.Outcome(outcome)
	return &pos, nil
}

func (p *PostgresStore) AdjustPosition(ctx context.Context, userID, marketID string, outcome pricing.Outcome, delta, price float64) (*Position, error) {
	var row *sql.Row
	if delta >= 0 {
		row = p.db.QueryRowContext(ctx, `
			INSERT INTO positions (user_id, market_id, outcome, shares, avg_price, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (user_id, market_id, outcome) DO UPDATE SET
				avg_price = CASE WHEN positions.shares + EXCLUDED.shares > 0
					THEN (positions.shares * positions.avg_price + EXCLUDED.shares * EXCLUDED.avg_price)
					     / (positions.shares + EXCLUDED.shares)
					ELSE positions.avg_price END,
				shares = positions.shares + EXCLUDED.shares,
				updated_at = NOW()
			RETURNING user_id, market_id, outcome, shares, avg_price, updated_at`,
			userID, marketID, string(outcome), delta, price)
	} else {
		row = p.db.QueryRowContext(ctx, `
			UPDATE positions SET shares = shares + $4, updated_at = NOW()
			WHERE user_id = $1 AND market_id = $2 AND outcome = $3 AND shares + $4 >= 0
			RETURNING user_id, market_id, outcome, shares, avg_price, updated_at`,
			userID, marketID, string(outcome), delta)
	}

	pos, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) || isCheckViolation(err) {
		return nil, ErrInsufficientShares
	}
	if err != nil {
		return nil, storageErr("adjust position", err)
	}
	return pos, nil
}

func (p *PostgresStore) GetBalance(ctx context.Context, userID string) (float64, error) {
	var b float64
	err := p.db.QueryRowContext(ctx, `SELECT balance FROM balances WHERE user_id = $1`, userID).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return p.startingBalance, nil
	}
	if err != nil {
		return 0, storageErr("get balance", err)
	}
	return b, nil
}

func (p *PostgresStore) AdjustBalance(ctx context.Context, userID string, delta float64) (float64, error) {
	var b float64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO balances (user_id, balance, updated_at)
		VALUES ($1, $2 + $3, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			balance = balances.balance + $3,
			updated_at = NOW()
		RETURNING balance`,
		userID, p.startingBalance, delta).Scan(&b)
	if isCheckViolation(err) {
		current, getErr := p.GetBalance(ctx, userID)
		if getErr != nil {
			return 0, getErr
		}
		return current, ErrInsufficientFunds
	}
	if err != nil {
		return 0, storageErr("adjust balance", err)
	}
	return b, nil
}

func (p *PostgresStore) CreatePost(ctx context.Context, post *Post) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO posts (id, author_id, content, type, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		post.ID, post.AuthorID, post.Content, post.Type, post.CreatedAt)
	if err != nil {
		return storageErr("create post", err)
	}
	return nil
}

func (p *PostgresStore) ListPosts(ctx context.Context, limit, offset int) ([]*Post, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, author_id, content, type, created_at
		FROM posts
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, storageErr("list posts", err)
	}
	defer func() { _ = rows.Close() }()
	return scanPosts(rows, limit)
}

func scanPosts(rows *sql.Rows, limit int) ([]*Post, error) {
	out := make([]*Post, 0, limit)
	for rows.Next() {
		var post Post
		if err := rows.Scan(&post.ID, &post.AuthorID, &post.Content, &post.Type, &post.CreatedAt); err != nil {
			return nil, storageErr("scan post", err)
		}
		out = append(out, &post)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list posts", err)
	}
	return out, nil
}

func (p *PostgresStore) ListPostsBefore(ctx context.Context, before pagination.Cursor, limit int) ([]*Post, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, author_id, content, type, created_at
		FROM posts
		WHERE (created_at, id) < ($1, $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3`, before.CreatedAt, before.ID, limit)
	if err != nil {
		return nil, storageErr("list posts", err)
	}
	defer func() { _ = rows.Close() }()
	return scanPosts(rows, limit)
}

var _ Store = (*PostgresStore)(nil)
