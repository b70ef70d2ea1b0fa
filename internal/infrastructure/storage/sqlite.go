package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vkotik/dripfeed/internal/domain"
)

// SQLiteStore is the durable source of truth recovery reads at startup.
// Orders are keyed by the caller-assigned client reference so retried writes
// update in place. Malformed rows are logged and skipped by the list
// operations, never fatal.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewSQLiteStore(dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db, logger: logger}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			client_ref TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			market TEXT NOT NULL,
			status TEXT NOT NULL,
			price TEXT NOT NULL,
			quantity TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			threshold REAL,
			exchange_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			filled_at DATETIME,
			cancelled_at DATETIME,
			fees TEXT NOT NULL DEFAULT '0',
			fee_asset TEXT NOT NULL DEFAULT 'USDT',
			leverage INTEGER,
			direction TEXT,
			tp_price TEXT,
			tp_pct REAL,
			tp_status TEXT,
			tp_triggered_at DATETIME,
			sl_price TEXT,
			sl_pct REAL,
			sl_status TEXT,
			sl_triggered_at DATETIME,
			tsl_activation_pct REAL,
			tsl_callback_rate REAL,
			tsl_activation_price TEXT,
			tsl_current_stop TEXT,
			tsl_extreme_price TEXT,
			tsl_status TEXT,
			tsl_activated_at DATETIME,
			tsl_triggered_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);`,
		`CREATE TABLE IF NOT EXISTS partial_take_profits (
			client_ref TEXT NOT NULL,
			level INTEGER NOT NULL,
			price TEXT NOT NULL,
			position_pct REAL NOT NULL,
			profit_pct REAL NOT NULL,
			status TEXT NOT NULL,
			triggered_at DATETIME,
			PRIMARY KEY (client_ref, level)
		);`,
		`CREATE TABLE IF NOT EXISTS triggered_thresholds (
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			threshold REAL NOT NULL,
			triggered_at DATETIME NOT NULL,
			PRIMARY KEY (symbol, timeframe, threshold)
		);`,
		`CREATE TABLE IF NOT EXISTS reference_prices (
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			price TEXT NOT NULL,
			reset_at DATETIME NOT NULL,
			PRIMARY KEY (symbol, timeframe)
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}

	return nil
}

// OrderRepository implementation

func (s *SQLiteStore) UpsertOrder(ctx context.Context, o *domain.Order) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `INSERT INTO orders (
			client_ref, symbol, market, status, price, quantity, timeframe, threshold,
			exchange_id, created_at, updated_at, filled_at, cancelled_at, fees, fee_asset,
			leverage, direction,
			tp_price, tp_pct, tp_status, tp_triggered_at,
			sl_price, sl_pct, sl_status, sl_triggered_at,
			tsl_activation_pct, tsl_callback_rate, tsl_activation_price,
			tsl_current_stop, tsl_extreme_price, tsl_status, tsl_activated_at, tsl_triggered_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(client_ref) DO UPDATE SET
			symbol=excluded.symbol, market=excluded.market, status=excluded.status,
			price=excluded.price, quantity=excluded.quantity, timeframe=excluded.timeframe,
			threshold=excluded.threshold, exchange_id=excluded.exchange_id,
			updated_at=excluded.updated_at, filled_at=excluded.filled_at,
			cancelled_at=excluded.cancelled_at, fees=excluded.fees, fee_asset=excluded.fee_asset,
			leverage=excluded.leverage, direction=excluded.direction,
			tp_price=excluded.tp_price, tp_pct=excluded.tp_pct, tp_status=excluded.tp_status,
			tp_triggered_at=excluded.tp_triggered_at,
			sl_price=excluded.sl_price, sl_pct=excluded.sl_pct, sl_status=excluded.sl_status,
			sl_triggered_at=excluded.sl_triggered_at,
			tsl_activation_pct=excluded.tsl_activation_pct,
			tsl_callback_rate=excluded.tsl_callback_rate,
			tsl_activation_price=excluded.tsl_activation_price,
			tsl_current_stop=excluded.tsl_current_stop,
			tsl_extreme_price=excluded.tsl_extreme_price,
			tsl_status=excluded.tsl_status,
			tsl_activated_at=excluded.tsl_activated_at,
			tsl_triggered_at=excluded.tsl_triggered_at`

	var (
		tpPrice, slPrice, tslActivation, tslStop, tslExtreme sql.NullString
		tpPct, slPct, tslActPct, tslCallback                 sql.NullFloat64
		tpStatus, slStatus, tslStatus                        sql.NullString
		tpAt, slAt, tslActivatedAt, tslAt                    sql.NullTime
	)
	if tp := o.TakeProfit; tp != nil {
		tpPrice = sql.NullString{String: tp.Price.String(), Valid: true}
		tpPct = sql.NullFloat64{Float64: tp.Percentage, Valid: true}
		tpStatus = sql.NullString{String: string(tp.Status), Valid: true}
		tpAt = nullTime(tp.TriggeredAt)
	}
	if sl := o.StopLoss; sl != nil {
		slPrice = sql.NullString{String: sl.Price.String(), Valid: true}
		slPct = sql.NullFloat64{Float64: sl.Percentage, Valid: true}
		slStatus = sql.NullString{String: string(sl.Status), Valid: true}
		slAt = nullTime(sl.TriggeredAt)
	}
	if t := o.TrailingSL; t != nil {
		tslActPct = sql.NullFloat64{Float64: t.ActivationPct, Valid: true}
		tslCallback = sql.NullFloat64{Float64: t.CallbackRate, Valid: true}
		tslActivation = sql.NullString{String: t.Activation.String(), Valid: true}
		tslStop = sql.NullString{String: t.CurrentStop.String(), Valid: true}
		tslExtreme = sql.NullString{String: t.ExtremePrice.String(), Valid: true}
		tslStatus = sql.NullString{String: string(t.Status), Valid: true}
		tslActivatedAt = nullTime(t.ActivatedAt)
		tslAt = nullTime(t.TriggeredAt)
	}

	var threshold sql.NullFloat64
	if o.Threshold != nil {
		threshold = sql.NullFloat64{Float64: *o.Threshold, Valid: true}
	}
	var leverage sql.NullInt64
	if o.Leverage != nil {
		leverage = sql.NullInt64{Int64: int64(*o.Leverage), Valid: true}
	}
	var direction sql.NullString
	if o.Direction != nil {
		direction = sql.NullString{String: string(*o.Direction), Valid: true}
	}

	if _, err := tx.ExecContext(ctx, query,
		o.ClientRef, o.Symbol, string(o.Market), string(o.Status),
		o.Price.String(), o.Quantity.String(), string(o.TimeFrame), threshold,
		o.ExchangeID, o.CreatedAt, o.UpdatedAt, nullTime(o.FilledAt), nullTime(o.CancelledAt),
		o.Fees.String(), o.FeeAsset, leverage, direction,
		tpPrice, tpPct, tpStatus, tpAt,
		slPrice, slPct, slStatus, slAt,
		tslActPct, tslCallback, tslActivation, tslStop, tslExtreme, tslStatus, tslActivatedAt, tslAt,
	); err != nil {
		return err
	}

	// Partial ladder rows are replaced wholesale with the order.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM partial_take_profits WHERE client_ref = ?`, o.ClientRef); err != nil {
		return err
	}
	for _, p := range o.PartialTPs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO partial_take_profits (client_ref, level, price, position_pct, profit_pct, status, triggered_at)
			 VALUES (?,?,?,?,?,?,?)`,
			o.ClientRef, p.Level, p.Price.String(), p.PositionPct, p.ProfitPct,
			string(p.Status), nullTime(p.TriggeredAt)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

const orderColumns = `client_ref, symbol, market, status, price, quantity, timeframe, threshold,
	exchange_id, created_at, updated_at, filled_at, cancelled_at, fees, fee_asset,
	leverage, direction,
	tp_price, tp_pct, tp_status, tp_triggered_at,
	sl_price, sl_pct, sl_status, sl_triggered_at,
	tsl_activation_pct, tsl_callback_rate, tsl_activation_price,
	tsl_current_stop, tsl_extreme_price, tsl_status, tsl_activated_at, tsl_triggered_at`

func (s *SQLiteStore) GetOrder(ctx context.Context, clientRef string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE client_ref = ?`, clientRef)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadPartials(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *SQLiteStore) ListPendingOrders(ctx context.Context) ([]*domain.Order, error) {
	return s.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = ? ORDER BY created_at`,
		string(domain.OrderStatusPending))
}

func (s *SQLiteStore) ListActiveExits(ctx context.Context) ([]*domain.Order, error) {
	// Candidate set: any filled order with at least one pending sub-entity.
	// The partial ladder lives in a child table, so filter in Go after the
	// coarse SQL cut.
	orders, err := s.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = ? ORDER BY created_at`,
		string(domain.OrderStatusFilled))
	if err != nil {
		return nil, err
	}

	active := orders[:0]
	for _, o := range orders {
		if o.HasPendingExits() {
			active = append(active, o)
		}
	}
	return active, nil
}

func (s *SQLiteStore) listOrders(ctx context.Context, query string, args ...any) ([]*domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			s.logger.Error("skipping malformed order row", zap.Error(err))
			continue
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, o := range orders {
		if err := s.loadPartials(ctx, o); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (s *SQLiteStore) loadPartials(ctx context.Context, o *domain.Order) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT level, price, position_pct, profit_pct, status, triggered_at
		 FROM partial_take_profits WHERE client_ref = ? ORDER BY level`, o.ClientRef)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p         domain.PartialTakeProfit
			price     string
			status    string
			triggered sql.NullTime
		)
		if err := rows.Scan(&p.Level, &price, &p.PositionPct, &p.ProfitPct, &status, &triggered); err != nil {
			return err
		}
		p.Price, err = decimal.NewFromString(price)
		if err != nil {
			s.logger.Error("skipping malformed partial row",
				zap.String("client_ref", o.ClientRef),
				zap.Int("level", p.Level),
				zap.Error(err))
			continue
		}
		p.Status = domain.ExitStatus(status)
		p.TriggeredAt = timePtr(triggered)
		o.PartialTPs = append(o.PartialTPs, &p)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o                                                    domain.Order
		market, status, timeframe                            string
		price, quantity, fees                                string
		threshold                                            sql.NullFloat64
		filledAt, cancelledAt                                sql.NullTime
		leverage                                             sql.NullInt64
		direction                                            sql.NullString
		tpPrice, slPrice, tslActivation, tslStop, tslExtreme sql.NullString
		tpPct, slPct, tslActPct, tslCallback                 sql.NullFloat64
		tpStatus, slStatus, tslStatus                        sql.NullString
		tpAt, slAt, tslActivatedAt, tslAt                    sql.NullTime
	)

	if err := row.Scan(
		&o.ClientRef, &o.Symbol, &market, &status, &price, &quantity, &timeframe, &threshold,
		&o.ExchangeID, &o.CreatedAt, &o.UpdatedAt, &filledAt, &cancelledAt, &fees, &o.FeeAsset,
		&leverage, &direction,
		&tpPrice, &tpPct, &tpStatus, &tpAt,
		&slPrice, &slPct, &slStatus, &slAt,
		&tslActPct, &tslCallback, &tslActivation, &tslStop, &tslExtreme, &tslStatus, &tslActivatedAt, &tslAt,
	); err != nil {
		return nil, err
	}

	var err error
	if o.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("order %s: bad price %q: %w", o.ClientRef, price, err)
	}
	if o.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return nil, fmt.Errorf("order %s: bad quantity %q: %w", o.ClientRef, quantity, err)
	}
	if o.Fees, err = decimal.NewFromString(fees); err != nil {
		return nil, fmt.Errorf("order %s: bad fees %q: %w", o.ClientRef, fees, err)
	}
	if o.TimeFrame, err = domain.ParseTimeFrame(timeframe); err != nil {
		return nil, fmt.Errorf("order %s: %w", o.ClientRef, err)
	}

	o.Market = domain.MarketType(market)
	o.Status = domain.OrderStatus(status)
	o.FilledAt = timePtr(filledAt)
	o.CancelledAt = timePtr(cancelledAt)
	if threshold.Valid {
		v := threshold.Float64
		o.Threshold = &v
	}
	if leverage.Valid {
		v := int(leverage.Int64)
		o.Leverage = &v
	}
	if direction.Valid {
		d := domain.TradeDirection(direction.String)
		o.Direction = &d
	}

	if tpStatus.Valid {
		p, err := decimal.NewFromString(tpPrice.String)
		if err != nil {
			return nil, fmt.Errorf("order %s: bad tp price %q: %w", o.ClientRef, tpPrice.String, err)
		}
		o.TakeProfit = &domain.TakeProfit{
			Price:       p,
			Percentage:  tpPct.Float64,
			Status:      domain.ExitStatus(tpStatus.String),
			TriggeredAt: timePtr(tpAt),
		}
	}
	if slStatus.Valid {
		p, err := decimal.NewFromString(slPrice.String)
		if err != nil {
			return nil, fmt.Errorf("order %s: bad sl price %q: %w", o.ClientRef, slPrice.String, err)
		}
		o.StopLoss = &domain.StopLoss{
			Price:       p,
			Percentage:  slPct.Float64,
			Status:      domain.ExitStatus(slStatus.String),
			TriggeredAt: timePtr(slAt),
		}
	}
	if tslStatus.Valid {
		activation, err := decimal.NewFromString(tslActivation.String)
		if err != nil {
			return nil, fmt.Errorf("order %s: bad trailing activation %q: %w", o.ClientRef, tslActivation.String, err)
		}
		stop, err := decimal.NewFromString(tslStop.String)
		if err != nil {
			return nil, fmt.Errorf("order %s: bad trailing stop %q: %w", o.ClientRef, tslStop.String, err)
		}
		extreme, err := decimal.NewFromString(tslExtreme.String)
		if err != nil {
			return nil, fmt.Errorf("order %s: bad trailing extreme %q: %w", o.ClientRef, tslExtreme.String, err)
		}
		o.TrailingSL = &domain.TrailingStopLoss{
			ActivationPct: tslActPct.Float64,
			CallbackRate:  tslCallback.Float64,
			Activation:    activation,
			CurrentStop:   stop,
			ExtremePrice:  extreme,
			Status:        domain.ExitStatus(tslStatus.String),
			ActivatedAt:   timePtr(tslActivatedAt),
			TriggeredAt:   timePtr(tslAt),
		}
	}

	return &o, nil
}

// StateRepository implementation

func (s *SQLiteStore) SaveTriggeredThreshold(ctx context.Context, symbol string, tf domain.TimeFrame, threshold float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO triggered_thresholds (symbol, timeframe, threshold, triggered_at)
		 VALUES (?,?,?,?)
		 ON CONFLICT(symbol, timeframe, threshold) DO UPDATE SET triggered_at=excluded.triggered_at`,
		symbol, string(tf), threshold, time.Now().UTC())
	return err
}

func (s *SQLiteStore) ListTriggeredThresholds(ctx context.Context) (map[string]map[domain.TimeFrame][]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, timeframe, threshold FROM triggered_thresholds ORDER BY symbol, timeframe, threshold`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]map[domain.TimeFrame][]float64)
	for rows.Next() {
		var (
			symbol, tfRaw string
			threshold     float64
		)
		if err := rows.Scan(&symbol, &tfRaw, &threshold); err != nil {
			return nil, err
		}
		tf, err := domain.ParseTimeFrame(tfRaw)
		if err != nil {
			s.logger.Error("skipping malformed threshold row",
				zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		if result[symbol] == nil {
			result[symbol] = make(map[domain.TimeFrame][]float64)
		}
		result[symbol][tf] = append(result[symbol][tf], threshold)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) ClearTriggeredThresholds(ctx context.Context, tf domain.TimeFrame) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM triggered_thresholds WHERE timeframe = ?`, string(tf))
	return err
}

func (s *SQLiteStore) SaveReferencePrice(ctx context.Context, symbol string, tf domain.TimeFrame, price decimal.Decimal, resetAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reference_prices (symbol, timeframe, price, reset_at)
		 VALUES (?,?,?,?)
		 ON CONFLICT(symbol, timeframe) DO UPDATE SET price=excluded.price, reset_at=excluded.reset_at`,
		symbol, string(tf), price.String(), resetAt.UTC())
	return err
}

func (s *SQLiteStore) ListReferencePrices(ctx context.Context) (map[string]map[domain.TimeFrame]domain.ReferenceSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, timeframe, price, reset_at FROM reference_prices`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]map[domain.TimeFrame]domain.ReferenceSnapshot)
	for rows.Next() {
		var (
			symbol, tfRaw, priceRaw string
			resetAt                 time.Time
		)
		if err := rows.Scan(&symbol, &tfRaw, &priceRaw, &resetAt); err != nil {
			return nil, err
		}
		tf, err := domain.ParseTimeFrame(tfRaw)
		if err != nil {
			s.logger.Error("skipping malformed reference row",
				zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		price, err := decimal.NewFromString(priceRaw)
		if err != nil {
			s.logger.Error("skipping malformed reference row",
				zap.String("symbol", symbol),
				zap.String("timeframe", tfRaw),
				zap.Error(err))
			continue
		}
		if result[symbol] == nil {
			result[symbol] = make(map[domain.TimeFrame]domain.ReferenceSnapshot)
		}
		result[symbol][tf] = domain.ReferenceSnapshot{Price: price, ResetAt: resetAt}
	}
	return result, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
