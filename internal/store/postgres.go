package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/oddsline/hedge-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Events and mappings ---

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	var e model.Event
	var liquidity string

	err := s.pool.QueryRow(ctx,
		`SELECT id, title, source, active, liquidity::TEXT, created_at
		 FROM events WHERE id = $1`, id).
		Scan(&e.ID, &e.Title, &e.Source, &e.Active, &liquidity, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	e.Liquidity, _ = decimal.NewFromString(liquidity)
	return &e, nil
}

func (s *PostgresStore) GetMarketMapping(ctx context.Context, eventID string) (*model.MarketMapping, error) {
	var m model.MarketMapping
	var tokenIDs []byte

	err := s.pool.QueryRow(ctx,
		`SELECT event_id, market_id, condition_id, token_ids, active
		 FROM market_mappings WHERE event_id = $1`, eventID).
		Scan(&m.EventID, &m.MarketID, &m.ConditionID, &tokenIDs, &m.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mapping for event %s: %w", eventID, err)
	}
	if err := json.Unmarshal(tokenIDs, &m.TokenIDs); err != nil {
		return nil, fmt.Errorf("decode token ids for event %s: %w", eventID, err)
	}
	return &m, nil
}

// --- Balances and the user-side ledger ---

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var balance string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::TEXT FROM balances WHERE user_id = $1`, userID).
		Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance %s: %w", userID, err)
	}
	b, _ := decimal.NewFromString(balance)
	return b, nil
}

// ExecuteUserTrade applies the balance delta and inserts the order row in
// one transaction. The balance update's WHERE clause enforces non-negative
// balances at the database level.
func (s *PostgresStore) ExecuteUserTrade(ctx context.Context, order *model.UserOrder, balanceDelta decimal.Decimal) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin user trade: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE balances SET balance = balance + $2::NUMERIC
		 WHERE user_id = $1 AND balance + $2::NUMERIC >= 0`,
		order.UserID, balanceDelta.String())
	if err != nil {
		return fmt.Errorf("update balance %s: %w", order.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		// Either no such user or the debit would go negative.
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM balances WHERE user_id = $1)`,
			order.UserID).Scan(&exists); err != nil {
			return fmt.Errorf("check balance %s: %w", order.UserID, err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrInsufficientBalance
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO user_orders (id, user_id, event_id, option, side, shares, price, cost, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		order.ID, order.UserID, order.EventID, order.Option, order.Side,
		order.Shares.String(), order.Price.String(), order.Cost.String(),
		order.Timestamp)
	if err != nil {
		return fmt.Errorf("insert user order: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetUserEventTradeStats(ctx context.Context, userID, eventID string) (TradeStats, error) {
	var stats TradeStats
	var last *time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT MAX(timestamp),
		        COUNT(*) FILTER (WHERE timestamp >= date_trunc('day', now()))
		 FROM user_orders WHERE user_id = $1 AND event_id = $2`,
		userID, eventID).
		Scan(&last, &stats.TradesToday)
	if err != nil {
		return stats, fmt.Errorf("trade stats %s/%s: %w", userID, eventID, err)
	}
	if last != nil {
		stats.LastTradeAt = *last
	}
	return stats, nil
}

// --- Liability aggregates ---

// Liability is computed with grouped aggregation in SQL; the engine never
// pulls order rows into memory for these checks.

func (s *PostgresStore) GetEventLiability(ctx context.Context, eventID string) (decimal.Decimal, error) {
	var liability string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(net_shares), 0)::TEXT FROM (
		    SELECT SUM(CASE WHEN side = 'BUY' THEN shares ELSE -shares END) AS net_shares
		    FROM user_orders
		    WHERE event_id = $1 AND user_id <> 'house'
		    GROUP BY option
		 ) per_option`, eventID).
		Scan(&liability)
	if err != nil {
		return decimal.Zero, fmt.Errorf("event liability %s: %w", eventID, err)
	}
	l, _ := decimal.NewFromString(liability)
	return l, nil
}

func (s *PostgresStore) GetTotalLiability(ctx context.Context) (decimal.Decimal, error) {
	var total string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(event_liability), 0)::TEXT FROM (
		    SELECT MAX(net_shares) AS event_liability FROM (
		        SELECT o.event_id, o.option,
		               SUM(CASE WHEN o.side = 'BUY' THEN o.shares ELSE -o.shares END) AS net_shares
		        FROM user_orders o
		        JOIN events e ON e.id = o.event_id
		        WHERE o.user_id <> 'house' AND e.active
		        GROUP BY o.event_id, o.option
		    ) per_option
		    GROUP BY event_id
		 ) per_event`).
		Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("total liability: %w", err)
	}
	t, _ := decimal.NewFromString(total)
	return t, nil
}

// --- Hedge positions ---

const hedgePositionColumns = `id, user_order_id, venue_order_id, event_id, market_id, token_id,
	option, side, shares::TEXT, user_price::TEXT, venue_price::TEXT,
	spread_captured::TEXT, venue_fees::TEXT, overhead_cost::TEXT,
	net_profit::TEXT, settlement_price::TEXT, status,
	rollback_attempted, rollback_succeeded, created_at, settled_at`

func (s *PostgresStore) InsertHedgePosition(ctx context.Context, p *model.HedgePosition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO hedge_positions
		 (id, user_order_id, venue_order_id, event_id, market_id, token_id,
		  option, side, shares, user_price, venue_price, spread_captured,
		  venue_fees, overhead_cost, net_profit, settlement_price, status,
		  rollback_attempted, rollback_succeeded, created_at, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
		         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC,
		         $13::NUMERIC, $14::NUMERIC, $15::NUMERIC, $16::NUMERIC,
		         $17, $18, $19, $20, $21)`,
		p.ID, p.UserOrderID, p.VenueOrderID, p.EventID, p.MarketID, p.TokenID,
		p.Option, p.Side,
		p.Shares.String(), p.UserPrice.String(), p.VenuePrice.String(),
		p.SpreadCaptured.String(), p.VenueFees.String(), p.OverheadCost.String(),
		p.NetProfit.String(), p.SettlementPrice.String(), p.Status,
		p.RollbackAttempted, p.RollbackSucceeded, p.CreatedAt, p.SettledAt)
	if err != nil {
		return fmt.Errorf("insert hedge position %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetHedgePosition(ctx context.Context, id string) (*model.HedgePosition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+hedgePositionColumns+` FROM hedge_positions WHERE id = $1`, id)
	p, err := scanHedgePosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get hedge position %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) CloseHedgePosition(ctx context.Context, id string, netProfit, settlementPrice decimal.Decimal, settledAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE hedge_positions
		 SET status = 'closed', net_profit = $2::NUMERIC,
		     settlement_price = $3::NUMERIC, settled_at = $4
		 WHERE id = $1 AND status <> 'closed'`,
		id, netProfit.String(), settlementPrice.String(), settledAt)
	if err != nil {
		return fmt.Errorf("close hedge position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM hedge_positions WHERE id = $1)`, id).
			Scan(&exists); err != nil {
			return fmt.Errorf("check hedge position %s: %w", id, err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrAlreadyClosed
	}
	return nil
}

func (s *PostgresStore) GetOpenPositionsByEvent(ctx context.Context, eventID string) ([]model.HedgePosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+hedgePositionColumns+`
		 FROM hedge_positions
		 WHERE event_id = $1 AND status IN ('hedged', 'partial')
		 ORDER BY created_at`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.HedgePosition
	for rows.Next() {
		p, err := scanHedgePosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetLatestOpenPosition(ctx context.Context, userID, eventID, option string) (*model.HedgePosition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+hedgePositionColumns+`
		 FROM hedge_positions hp
		 WHERE hp.event_id = $2 AND hp.option = $3
		   AND hp.status IN ('hedged', 'partial')
		   AND ($1 = '' OR EXISTS (
		        SELECT 1 FROM user_orders o
		        WHERE o.id = hp.user_order_id AND o.user_id = $1))
		 ORDER BY hp.created_at DESC LIMIT 1`,
		userID, eventID, option)
	p, err := scanHedgePosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest open position %s/%s: %w", eventID, option, err)
	}
	return p, nil
}

func (s *PostgresStore) GetUserPositions(ctx context.Context, userID string) ([]model.HedgePosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+hedgePositionColumns+`
		 FROM hedge_positions hp
		 WHERE hp.status IN ('hedged', 'partial')
		   AND EXISTS (
		        SELECT 1 FROM user_orders o
		        WHERE o.id = hp.user_order_id AND o.user_id = $1)
		 ORDER BY hp.created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.HedgePosition
	for rows.Next() {
		p, err := scanHedgePosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetHedgeStats(ctx context.Context, since time.Time) (HedgeStats, error) {
	var stats HedgeStats
	var hedged, unhedged, avgMs string

	err := s.pool.QueryRow(ctx,
		`SELECT
		    COALESCE(SUM(shares * venue_price) FILTER (WHERE status IN ('hedged','partial')), 0)::TEXT,
		    COALESCE(SUM(shares * venue_price) FILTER (WHERE status = 'failed' AND rollback_attempted AND NOT rollback_succeeded), 0)::TEXT,
		    COUNT(*) FILTER (WHERE status IN ('hedged','partial')),
		    COUNT(*) FILTER (WHERE status = 'failed' AND created_at >= $1),
		    COUNT(*) FILTER (WHERE created_at >= $1),
		    COUNT(*) FILTER (WHERE status <> 'failed' AND created_at >= $1),
		    COALESCE(AVG(EXTRACT(EPOCH FROM (settled_at - created_at)) * 1000)
		             FILTER (WHERE status = 'closed' AND settled_at > created_at AND created_at >= $1), 0)::TEXT
		 FROM hedge_positions`, since).
		Scan(&hedged, &unhedged, &stats.OpenPositions, &stats.FailedHedges,
			&stats.Attempts, &stats.Succeeded, &avgMs)
	if err != nil {
		return stats, fmt.Errorf("hedge stats: %w", err)
	}

	stats.TotalHedged, _ = decimal.NewFromString(hedged)
	stats.TotalUnhedged, _ = decimal.NewFromString(unhedged)
	stats.AvgHedgeMs, _ = decimal.NewFromString(avgMs)
	return stats, nil
}

// --- Risk snapshots ---

func (s *PostgresStore) InsertRiskSnapshot(ctx context.Context, snap *model.RiskSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO risk_snapshots
		 (id, total_unhedged, total_hedged, net_exposure, hedge_success_rate,
		  avg_hedge_ms, open_positions, failed_hedges, timestamp)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC,
		         $6::NUMERIC, $7, $8, $9)`,
		snap.ID, snap.TotalUnhedged.String(), snap.TotalHedged.String(),
		snap.NetExposure.String(), snap.HedgeSuccessRate.String(),
		snap.AvgHedgeMs.String(), snap.OpenPositions, snap.FailedHedges,
		snap.Timestamp)
	if err != nil {
		return fmt.Errorf("insert risk snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRiskSnapshots(ctx context.Context, limit int) ([]model.RiskSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, total_unhedged::TEXT, total_hedged::TEXT, net_exposure::TEXT,
		        hedge_success_rate::TEXT, avg_hedge_ms::TEXT,
		        open_positions, failed_hedges, timestamp
		 FROM risk_snapshots ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RiskSnapshot
	for rows.Next() {
		var snap model.RiskSnapshot
		var unhedged, hedged, net, rate, avgMs string
		if err := rows.Scan(&snap.ID, &unhedged, &hedged, &net, &rate, &avgMs,
			&snap.OpenPositions, &snap.FailedHedges, &snap.Timestamp); err != nil {
			return nil, err
		}
		snap.TotalUnhedged, _ = decimal.NewFromString(unhedged)
		snap.TotalHedged, _ = decimal.NewFromString(hedged)
		snap.NetExposure, _ = decimal.NewFromString(net)
		snap.HedgeSuccessRate, _ = decimal.NewFromString(rate)
		snap.AvgHedgeMs, _ = decimal.NewFromString(avgMs)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// --- Dynamic config ---

func (s *PostgresStore) GetConfigValues(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM hedge_config`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		values[k] = v
	}
	return values, rows.Err()
}

func (s *PostgresStore) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO hedge_config (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	return err
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHedgePosition(row rowScanner) (*model.HedgePosition, error) {
	var p model.HedgePosition
	var shares, userPrice, venuePrice, spread, fees, overhead, netProfit, settlement string

	err := row.Scan(&p.ID, &p.UserOrderID, &p.VenueOrderID, &p.EventID,
		&p.MarketID, &p.TokenID, &p.Option, &p.Side,
		&shares, &userPrice, &venuePrice, &spread, &fees, &overhead,
		&netProfit, &settlement, &p.Status,
		&p.RollbackAttempted, &p.RollbackSucceeded, &p.CreatedAt, &p.SettledAt)
	if err != nil {
		return nil, err
	}

	p.Shares, _ = decimal.NewFromString(shares)
	p.UserPrice, _ = decimal.NewFromString(userPrice)
	p.VenuePrice, _ = decimal.NewFromString(venuePrice)
	p.SpreadCaptured, _ = decimal.NewFromString(spread)
	p.VenueFees, _ = decimal.NewFromString(fees)
	p.OverheadCost, _ = decimal.NewFromString(overhead)
	p.NetProfit, _ = decimal.NewFromString(netProfit)
	p.SettlementPrice, _ = decimal.NewFromString(settlement)
	return &p, nil
}
