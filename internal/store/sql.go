package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/atmx/league-engine/internal/model"
)

// maxTxAttempts bounds how often InTx replays a unit of work after the
// backend reported a serialization failure or deadlock.
const maxTxAttempts = 3

// dialect captures the differences between the SQL backends.
type dialect struct {
	name string

	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool

	// forUpdate is appended to locking reads.
	forUpdate string

	// seq is the column that breaks created_at ties in insertion order.
	seq string

	timeArg   func(t time.Time) any
	retryable func(err error) bool
	duplicate func(err error) bool
}

func (d *dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *dialect) nullTimeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.timeArg(*t)
}

// SQLStore implements Store on database/sql. PostgreSQL is the production
// source of truth; SQLite serves single-node deployments and tests.
type SQLStore struct {
	sqlReader
	db *sql.DB
}

func newSQLStore(db *sql.DB, d *dialect) *SQLStore {
	return &SQLStore{sqlReader: sqlReader{q: db, d: d}, db: db}
}

// DB returns the underlying handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the database handle.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !s.d.retryable(err) {
			return err
		}
	}
	return err
}

func (s *SQLStore) runTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	raw, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = raw.Rollback()
		}
	}()

	if err = fn(&sqlTx{sqlReader: sqlReader{q: raw, d: s.d}}); err != nil {
		return err
	}
	if err = raw.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// --- Seeding ---

func (s *SQLStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.exec(ctx, "create user",
		`INSERT INTO users (id, username, display_name, token_balance, is_admin, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.DisplayName, u.TokenBalance, u.IsAdmin, s.d.timeArg(u.CreatedAt))
}

func (s *SQLStore) CreateLeague(ctx context.Context, l *model.League) error {
	return s.exec(ctx, "create league",
		`INSERT INTO leagues (id, name, join_code, created_at) VALUES (?, ?, ?, ?)`,
		l.ID, l.Name, l.JoinCode, s.d.timeArg(l.CreatedAt))
}

func (s *SQLStore) AddMembership(ctx context.Context, m *model.Membership) error {
	return s.exec(ctx, "add membership",
		`INSERT INTO memberships (league_id, user_id, token_balance, joined_at) VALUES (?, ?, ?, ?)`,
		m.LeagueID, m.UserID, m.TokenBalance, s.d.timeArg(m.JoinedAt))
}

func (s *SQLStore) CreateMarket(ctx context.Context, m *model.Market) error {
	return s.exec(ctx, "create market",
		`INSERT INTO markets (id, league_id, question, status, outcome, closes_at,
		                      reported_at, reported_by, evidence_ref, resolved_at, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, nullString(m.LeagueID), m.Question, string(m.Status), string(m.Outcome),
		s.d.nullTimeArg(m.ClosesAt), s.d.nullTimeArg(m.ReportedAt), m.ReportedBy, m.EvidenceRef,
		s.d.nullTimeArg(m.ResolvedAt), m.CreatedBy, s.d.timeArg(m.CreatedAt))
}

func (s *SQLStore) SaveVotingSettings(ctx context.Context, vs model.VotingSettings) error {
	return s.exec(ctx, "save voting settings",
		`INSERT INTO voting_settings (id, yes_bloc_weight, no_bloc_weight, admin_weight,
		                              stake_percentage, no_report_timeout_minutes, min_votes)
		 VALUES (1, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     yes_bloc_weight = excluded.yes_bloc_weight,
		     no_bloc_weight = excluded.no_bloc_weight,
		     admin_weight = excluded.admin_weight,
		     stake_percentage = excluded.stake_percentage,
		     no_report_timeout_minutes = excluded.no_report_timeout_minutes,
		     min_votes = excluded.min_votes`,
		vs.YesBlocWeight.String(), vs.NoBlocWeight.String(), vs.AdminWeight.String(),
		vs.StakePercentage.String(), vs.NoReportTimeoutMinutes, vs.MinVotes)
}

// --- Reads ---

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlReader struct {
	q queryer
	d *dialect
}

func (r sqlReader) exec(ctx context.Context, op, query string, args ...any) error {
	if _, err := r.q.ExecContext(ctx, r.d.rebind(query), args...); err != nil {
		if r.d.duplicate(err) {
			return fmt.Errorf("%s: %w", op, ErrConflict)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// execOne runs a statement that must touch exactly one row.
func (r sqlReader) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := r.q.ExecContext(ctx, r.d.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

func (r sqlReader) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return r.q.QueryRowContext(ctx, r.d.rebind(query), args...)
}

func (r sqlReader) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.q.QueryContext(ctx, r.d.rebind(query), args...)
}

func (r sqlReader) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var created nullTime
	err := r.queryRow(ctx,
		`SELECT id, username, display_name, token_balance, is_admin, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &u.DisplayName, &u.TokenBalance, &u.IsAdmin, &created)
	if err != nil {
		return nil, notFound(err, "get user "+id)
	}
	u.CreatedAt = created.Time
	return &u, nil
}

func (r sqlReader) IsAdmin(ctx context.Context, userID string) (bool, error) {
	var admin bool
	err := r.queryRow(ctx, `SELECT is_admin FROM users WHERE id = ?`, userID).Scan(&admin)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is admin %s: %w", userID, err)
	}
	return admin, nil
}

const marketColumns = `id, league_id, question, status, outcome, closes_at, reported_at,
	reported_by, evidence_ref, resolved_at, created_by, created_at`

func (r sqlReader) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return r.getMarket(ctx, id, "")
}

func (r sqlReader) getMarket(ctx context.Context, id, suffix string) (*model.Market, error) {
	m, err := scanMarket(r.queryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = ?`+suffix, id))
	if err != nil {
		return nil, notFound(err, "get market "+id)
	}
	return m, nil
}

func (r sqlReader) ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error) {
	query := `SELECT ` + marketColumns + ` FROM markets WHERE 1 = 1`
	var args []any
	if f.LeagueID != "" {
		query += ` AND league_id = ?`
		args = append(args, f.LeagueID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	defer rows.Close()
	return scanMarkets(rows)
}

func (r sqlReader) GetMembership(ctx context.Context, leagueID, userID string) (*model.Membership, error) {
	return r.getMembership(ctx, leagueID, userID, "")
}

func (r sqlReader) getMembership(ctx context.Context, leagueID, userID, suffix string) (*model.Membership, error) {
	var m model.Membership
	var joined nullTime
	err := r.queryRow(ctx,
		`SELECT league_id, user_id, token_balance, joined_at FROM memberships
		 WHERE league_id = ? AND user_id = ?`+suffix, leagueID, userID).
		Scan(&m.LeagueID, &m.UserID, &m.TokenBalance, &joined)
	if err != nil {
		return nil, notFound(err, "get membership "+leagueID+"/"+userID)
	}
	m.JoinedAt = joined.Time
	return &m, nil
}

const orderColumns = `id, market_id, user_id, side, price, quantity, remaining_quantity, is_sell, created_at`

func (r sqlReader) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return r.getOrder(ctx, id, "")
}

func (r sqlReader) getOrder(ctx context.Context, id, suffix string) (*model.Order, error) {
	o, err := scanOrder(r.queryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`+suffix, id))
	if err != nil {
		return nil, notFound(err, "get order "+id)
	}
	return o, nil
}

func (r sqlReader) ListOrders(ctx context.Context, marketID string) ([]model.Order, error) {
	rows, err := r.query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE market_id = ? ORDER BY created_at, `+r.d.seq, marketID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (r sqlReader) ListTrades(ctx context.Context, marketID string) ([]model.Trade, error) {
	rows, err := r.query(ctx,
		`SELECT id, market_id, yes_user_id, no_user_id, price, quantity, kind, created_at
		 FROM trades WHERE market_id = ? ORDER BY created_at, `+r.d.seq, marketID)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var kind string
		var created nullTime
		if err := rows.Scan(&t.ID, &t.MarketID, &t.YesUserID, &t.NoUserID,
			&t.Price, &t.Quantity, &kind, &created); err != nil {
			return nil, err
		}
		t.Kind = model.TradeKind(kind)
		t.CreatedAt = created.Time
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (r sqlReader) GetPosition(ctx context.Context, marketID, userID string) (*model.Position, error) {
	return r.getPosition(ctx, marketID, userID, "")
}

func (r sqlReader) getPosition(ctx context.Context, marketID, userID, suffix string) (*model.Position, error) {
	p := model.Position{MarketID: marketID, UserID: userID}
	err := r.queryRow(ctx,
		`SELECT yes_shares, no_shares FROM positions WHERE market_id = ? AND user_id = ?`+suffix,
		marketID, userID).Scan(&p.YesShares, &p.NoShares)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get position %s/%s: %w", marketID, userID, err)
	}
	return &p, nil
}

func (r sqlReader) ListPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	return r.listPositions(ctx, `WHERE market_id = ? ORDER BY user_id`, marketID)
}

func (r sqlReader) ListUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return r.listPositions(ctx, `WHERE user_id = ? ORDER BY market_id`, userID)
}

func (r sqlReader) listPositions(ctx context.Context, where string, arg string) ([]model.Position, error) {
	rows, err := r.query(ctx, `SELECT market_id, user_id, yes_shares, no_shares FROM positions `+where, arg)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		if err := rows.Scan(&p.MarketID, &p.UserID, &p.YesShares, &p.NoShares); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

const voteColumns = `market_id, user_id, choice, stake_amount, stake_returned, created_at`

func (r sqlReader) GetVote(ctx context.Context, marketID, userID string) (*model.Vote, error) {
	rows, err := r.query(ctx,
		`SELECT `+voteColumns+` FROM votes WHERE market_id = ? AND user_id = ?`, marketID, userID)
	if err != nil {
		return nil, fmt.Errorf("get vote: %w", err)
	}
	defer rows.Close()
	votes, err := scanVotes(rows)
	if err != nil {
		return nil, err
	}
	if len(votes) == 0 {
		return nil, fmt.Errorf("vote %s/%s: %w", marketID, userID, ErrNotFound)
	}
	return &votes[0], nil
}

func (r sqlReader) ListVotes(ctx context.Context, marketID string) ([]model.Vote, error) {
	rows, err := r.query(ctx,
		`SELECT `+voteColumns+` FROM votes WHERE market_id = ? ORDER BY created_at, user_id`, marketID)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()
	return scanVotes(rows)
}

func (r sqlReader) PendingVoteMarkets(ctx context.Context, userID string) ([]model.Market, error) {
	rows, err := r.query(ctx,
		`SELECT m.id, m.league_id, m.question, m.status, m.outcome, m.closes_at, m.reported_at,
		        m.reported_by, m.evidence_ref, m.resolved_at, m.created_by, m.created_at
		 FROM markets m
		 JOIN positions p ON p.market_id = m.id AND p.user_id = ?
		 WHERE m.status = ?
		   AND p.yes_shares + p.no_shares > 0
		   AND NOT EXISTS (SELECT 1 FROM votes v WHERE v.market_id = m.id AND v.user_id = ?)
		 ORDER BY m.id`,
		userID, string(model.StatusVoting), userID)
	if err != nil {
		return nil, fmt.Errorf("pending vote markets: %w", err)
	}
	defer rows.Close()
	return scanMarkets(rows)
}

func (r sqlReader) GetVotingSettings(ctx context.Context) (model.VotingSettings, error) {
	var vs model.VotingSettings
	err := r.queryRow(ctx,
		`SELECT CAST(yes_bloc_weight AS TEXT), CAST(no_bloc_weight AS TEXT), CAST(admin_weight AS TEXT),
		        CAST(stake_percentage AS TEXT), no_report_timeout_minutes, min_votes
		 FROM voting_settings WHERE id = 1`).
		Scan(&vs.YesBlocWeight, &vs.NoBlocWeight, &vs.AdminWeight,
			&vs.StakePercentage, &vs.NoReportTimeoutMinutes, &vs.MinVotes)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DefaultVotingSettings(), nil
	}
	if err != nil {
		return vs, fmt.Errorf("get voting settings: %w", err)
	}
	return vs, nil
}

// --- Transaction writes ---

type sqlTx struct {
	sqlReader
}

func (tx *sqlTx) LockMarket(ctx context.Context, id string) (*model.Market, error) {
	return tx.getMarket(ctx, id, tx.d.forUpdate)
}

func (tx *sqlTx) UpdateMarketStatus(ctx context.Context, m *model.Market, from ...model.MarketStatus) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("update market status: no source status")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	args := []any{
		string(m.Status), string(m.Outcome), tx.d.nullTimeArg(m.ReportedAt), m.ReportedBy,
		m.EvidenceRef, tx.d.nullTimeArg(m.ResolvedAt), m.ID,
	}
	for _, s := range from {
		args = append(args, string(s))
	}
	res, err := tx.q.ExecContext(ctx, tx.d.rebind(
		`UPDATE markets SET status = ?, outcome = ?, reported_at = ?, reported_by = ?,
		        evidence_ref = ?, resolved_at = ?
		 WHERE id = ? AND status IN (`+placeholders+`)`), args...)
	if err != nil {
		return false, fmt.Errorf("update market status %s: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update market status %s: %w", m.ID, err)
	}
	return n == 1, nil
}

func (tx *sqlTx) LockMembership(ctx context.Context, leagueID, userID string) (*model.Membership, error) {
	return tx.getMembership(ctx, leagueID, userID, tx.d.forUpdate)
}

func (tx *sqlTx) AdjustBalance(ctx context.Context, leagueID, userID string, delta int64) (int64, error) {
	var balance int64
	err := tx.queryRow(ctx,
		`UPDATE memberships SET token_balance = token_balance + ?
		 WHERE league_id = ? AND user_id = ? RETURNING token_balance`,
		delta, leagueID, userID).Scan(&balance)
	if err != nil {
		return 0, notFound(err, "adjust balance "+leagueID+"/"+userID)
	}
	return balance, nil
}

func (tx *sqlTx) LockPosition(ctx context.Context, marketID, userID string) (*model.Position, error) {
	return tx.getPosition(ctx, marketID, userID, tx.d.forUpdate)
}

func (tx *sqlTx) AdjustPosition(ctx context.Context, marketID, userID string, dYes, dNo int64) (*model.Position, error) {
	p := model.Position{MarketID: marketID, UserID: userID}
	op := "adjust position " + marketID + "/" + userID

	// The inserted row is checked against the non-negative constraints
	// before ON CONFLICT applies, so only pure credits may upsert.
	if dYes >= 0 && dNo >= 0 {
		err := tx.queryRow(ctx,
			`INSERT INTO positions (market_id, user_id, yes_shares, no_shares) VALUES (?, ?, ?, ?)
			 ON CONFLICT (market_id, user_id) DO UPDATE SET
			     yes_shares = positions.yes_shares + excluded.yes_shares,
			     no_shares = positions.no_shares + excluded.no_shares
			 RETURNING yes_shares, no_shares`,
			marketID, userID, dYes, dNo).Scan(&p.YesShares, &p.NoShares)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return &p, nil
	}

	err := tx.queryRow(ctx,
		`UPDATE positions SET yes_shares = yes_shares + ?, no_shares = no_shares + ?
		 WHERE market_id = ? AND user_id = ? AND yes_shares + ? >= 0 AND no_shares + ? >= 0
		 RETURNING yes_shares, no_shares`,
		dYes, dNo, marketID, userID, dYes, dNo).Scan(&p.YesShares, &p.NoShares)
	if errors.Is(err, sql.ErrNoRows) {
		// Either no row exists or the debit exceeds the holding.
		return nil, fmt.Errorf("%s: %w", op, ErrNegativePosition)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &p, nil
}

func (tx *sqlTx) ZeroPosition(ctx context.Context, marketID, userID string) error {
	return tx.exec(ctx, "zero position",
		`UPDATE positions SET yes_shares = 0, no_shares = 0 WHERE market_id = ? AND user_id = ?`,
		marketID, userID)
}

func (tx *sqlTx) LockOrder(ctx context.Context, id string) (*model.Order, error) {
	return tx.getOrder(ctx, id, tx.d.forUpdate)
}

func (tx *sqlTx) InsertOrder(ctx context.Context, o *model.Order) error {
	return tx.exec(ctx, "insert order",
		`INSERT INTO orders (id, market_id, user_id, side, price, quantity, remaining_quantity, is_sell, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.MarketID, o.UserID, string(o.Side), o.Price, o.Quantity, o.Remaining, o.IsSell,
		tx.d.timeArg(o.CreatedAt))
}

func (tx *sqlTx) MatchableOrders(ctx context.Context, q OrderQuery) ([]model.Order, error) {
	rows, err := tx.query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE market_id = ? AND side = ? AND price = ? AND is_sell = ?
		   AND remaining_quantity > 0 AND user_id <> ?
		 ORDER BY created_at, `+tx.d.seq+tx.d.forUpdate,
		q.MarketID, string(q.Side), q.Price, q.IsSell, q.ExcludeUserID)
	if err != nil {
		return nil, fmt.Errorf("matchable orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (tx *sqlTx) SetOrderRemaining(ctx context.Context, id string, remaining int64) error {
	return tx.execOne(ctx, "set order remaining "+id,
		`UPDATE orders SET remaining_quantity = ? WHERE id = ?`, remaining, id)
}

func (tx *sqlTx) DeleteOrder(ctx context.Context, id string) error {
	return tx.execOne(ctx, "delete order "+id, `DELETE FROM orders WHERE id = ?`, id)
}

func (tx *sqlTx) InsertTrade(ctx context.Context, t *model.Trade) error {
	return tx.exec(ctx, "insert trade",
		`INSERT INTO trades (id, market_id, yes_user_id, no_user_id, price, quantity, kind, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.MarketID, t.YesUserID, t.NoUserID, t.Price, t.Quantity, string(t.Kind),
		tx.d.timeArg(t.CreatedAt))
}

func (tx *sqlTx) InsertVote(ctx context.Context, v *model.Vote) error {
	return tx.exec(ctx, "insert vote",
		`INSERT INTO votes (market_id, user_id, choice, stake_amount, stake_returned, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		v.MarketID, v.UserID, string(v.Choice), v.StakeAmount, v.StakeReturned, tx.d.timeArg(v.CreatedAt))
}

func (tx *sqlTx) MarkStakeReturned(ctx context.Context, marketID, userID string) error {
	return tx.execOne(ctx, "mark stake returned "+marketID+"/"+userID,
		`UPDATE votes SET stake_returned = ? WHERE market_id = ? AND user_id = ?`, true, marketID, userID)
}

func (tx *sqlTx) DeleteVotes(ctx context.Context, marketID string) error {
	return tx.exec(ctx, "delete votes", `DELETE FROM votes WHERE market_id = ?`, marketID)
}

// --- Scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMarket(row rowScanner) (*model.Market, error) {
	var m model.Market
	var league sql.NullString
	var status, outcome string
	var closes, reported, resolved, created nullTime
	if err := row.Scan(&m.ID, &league, &m.Question, &status, &outcome, &closes, &reported,
		&m.ReportedBy, &m.EvidenceRef, &resolved, &m.CreatedBy, &created); err != nil {
		return nil, err
	}
	m.LeagueID = league.String
	m.Status = model.MarketStatus(status)
	m.Outcome = model.Side(outcome)
	m.ClosesAt = closes.Ptr()
	m.ReportedAt = reported.Ptr()
	m.ResolvedAt = resolved.Ptr()
	m.CreatedAt = created.Time
	return &m, nil
}

func scanMarkets(rows *sql.Rows) ([]model.Market, error) {
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

func scanOrder(row rowScanner) (*model.Order, error) {
	var o model.Order
	var side string
	var created nullTime
	if err := row.Scan(&o.ID, &o.MarketID, &o.UserID, &side, &o.Price, &o.Quantity,
		&o.Remaining, &o.IsSell, &created); err != nil {
		return nil, err
	}
	o.Side = model.Side(side)
	o.CreatedAt = created.Time
	return &o, nil
}

func scanOrders(rows *sql.Rows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func scanVotes(rows *sql.Rows) ([]model.Vote, error) {
	var votes []model.Vote
	for rows.Next() {
		var v model.Vote
		var choice string
		var created nullTime
		if err := rows.Scan(&v.MarketID, &v.UserID, &choice, &v.StakeAmount,
			&v.StakeReturned, &created); err != nil {
			return nil, err
		}
		v.Choice = model.Side(choice)
		v.CreatedAt = created.Time
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

// sqliteTimeLayout is fixed width so that text comparison orders by time.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// nullTime scans TIMESTAMPTZ values as well as the text timestamps SQLite
// stores.
type nullTime struct {
	Time  time.Time
	Valid bool
}

func (n *nullTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		n.Time, n.Valid = time.Time{}, false
		return nil
	case time.Time:
		n.Time, n.Valid = v.UTC(), true
		return nil
	case string:
		return n.parse(v)
	case []byte:
		return n.parse(string(v))
	default:
		return fmt.Errorf("store: cannot scan %T into time", src)
	}
}

func (n *nullTime) parse(s string) error {
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			n.Time, n.Valid = t.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("store: unrecognised timestamp %q", s)
}

func (n nullTime) Ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func notFound(err error, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

var (
	_ Store = (*SQLStore)(nil)
	_ Tx    = (*sqlTx)(nil)
)
