package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	gocache "github.com/zeromicro/go-zero/core/stores/cache"

	cachekeys "alphasim/internal/cache"
	"alphasim/internal/store"
	"alphasim/pkg/agent"
	"alphasim/pkg/marketdata"
)

// cashTolerance bounds acceptable float drift between one day's ending cash
// and the next day's starting cash. Anything larger is a caller bug.
const cashTolerance = 1e-6

// Service owns the trading_days/holdings/actions tables and derives the
// daily P&L fields on write.
type Service struct {
	db     *store.Store
	prices agent.PriceAccessor
	cache  gocache.Cache
	ttl    cachekeys.TTLSet
}

// Config enumerates the ledger's dependencies. Cache is optional.
type Config struct {
	Store  *store.Store
	Prices agent.PriceAccessor
	Cache  gocache.Cache
	TTL    cachekeys.TTLSet
}

// NewService returns a ledger over the given store. Prices are required for
// the open/close holdings valuation that backs daily P&L.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("ledger: store is required")
	}
	if cfg.Prices == nil {
		return nil, errors.New("ledger: price accessor is required")
	}
	return &Service{
		db:     cfg.Store,
		prices: cfg.Prices,
		cache:  cfg.Cache,
		ttl:    cfg.TTL,
	}, nil
}

const tradingDayColumns = `id, model, date, job_id, starting_cash, ending_cash,
portfolio_value_start, portfolio_value_end, daily_profit, daily_return_pct,
days_since_last_trading, reasoning_summary, reasoning_ref, created_at`

type tradingDayRow struct {
	Id                   int64          `db:"id"`
	Model                string         `db:"model"`
	Date                 string         `db:"date"`
	JobId                string         `db:"job_id"`
	StartingCash         float64        `db:"starting_cash"`
	EndingCash           float64        `db:"ending_cash"`
	PortfolioValueStart  float64        `db:"portfolio_value_start"`
	PortfolioValueEnd    float64        `db:"portfolio_value_end"`
	DailyProfit          float64        `db:"daily_profit"`
	DailyReturnPct       float64        `db:"daily_return_pct"`
	DaysSinceLastTrading int64          `db:"days_since_last_trading"`
	ReasoningSummary     sql.NullString `db:"reasoning_summary"`
	ReasoningRef         sql.NullString `db:"reasoning_ref"`
	CreatedAt            time.Time      `db:"created_at"`
}

type holdingRow struct {
	TradingDayId int64   `db:"trading_day_id"`
	Phase        string  `db:"phase"`
	Symbol       string  `db:"symbol"`
	Quantity     float64 `db:"quantity"`
}

type actionRecord struct {
	TradingDayId int64           `db:"trading_day_id"`
	SeqNo        int64           `db:"seq_no"`
	Type         string          `db:"type"`
	Symbol       sql.NullString  `db:"symbol"`
	Quantity     sql.NullFloat64 `db:"quantity"`
	Price        sql.NullFloat64 `db:"price"`
	ExecutedAt   time.Time       `db:"executed_at"`
}

// GetPreviousTradingDay returns the model's latest trading day strictly
// before the given date, with holdings attached, or nil when none exists.
// It deliberately never filters by job: a resumed or follow-up job must
// chain onto whatever the model last recorded, whichever job wrote it.
// The result is always read fresh so concurrent model-days cannot observe
// a stale position.
func (s *Service) GetPreviousTradingDay(ctx context.Context, model string, before time.Time) (*TradingDay, error) {
	query := `SELECT ` + tradingDayColumns + `
FROM trading_days
WHERE model = $1 AND date < $2
ORDER BY date DESC
LIMIT 1`
	var row tradingDayRow
	err := s.db.QueryRowCtx(ctx, &row, query, model, store.FormatDate(before))
	if store.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: previous trading day model=%s before=%s: %w", model, store.FormatDate(before), err)
	}
	day, err := buildTradingDay(&row)
	if err != nil {
		return nil, err
	}
	if err := s.attachHoldings(ctx, day); err != nil {
		return nil, err
	}
	return day, nil
}

// WriteTradingDay derives the day's P&L and persists the day, its holding
// snapshots, and its actions in one transaction. A duplicate (model, date)
// reports the already-recorded day instead of an error, which is what makes
// job re-triggering idempotent.
func (s *Service) WriteTradingDay(ctx context.Context, w TradingDayWrite) (*TradingDay, error) {
	model := strings.TrimSpace(w.Model)
	if model == "" {
		return nil, errors.New("ledger: model is required")
	}
	if w.Date.IsZero() {
		return nil, errors.New("ledger: date is required")
	}
	jobID := strings.TrimSpace(w.JobID)
	if jobID == "" {
		return nil, errors.New("ledger: job id is required")
	}
	date := marketdata.Day(w.Date)

	prev, err := s.GetPreviousTradingDay(ctx, model, date)
	if err != nil {
		return nil, err
	}

	day := &TradingDay{
		Model:            model,
		Date:             date,
		JobID:            jobID,
		StartingCash:     w.StartingCash,
		EndingCash:       w.EndingCash,
		ReasoningSummary: strings.TrimSpace(w.ReasoningSummary),
		ReasoningRef:     strings.TrimSpace(w.ReasoningRef),
		CreatedAt:        time.Now().UTC(),
		StartingHoldings: cloneHoldings(w.StartingHoldings),
		EndingHoldings:   cloneHoldings(w.EndingHoldings),
	}

	if prev != nil {
		// The caller must seed the session with exactly the previous day's
		// ending position. A mismatch means the executor replayed actions
		// against the wrong baseline, so fail loudly rather than record a
		// silently wrong P&L chain.
		if !agent.EqualHoldings(w.StartingHoldings, prev.EndingHoldings) {
			return nil, fmt.Errorf("ledger: holdings chain broken for model %s on %s: starting holdings differ from %s ending holdings",
				model, store.FormatDate(date), store.FormatDate(prev.Date))
		}
		if math.Abs(w.StartingCash-prev.EndingCash) > cashTolerance {
			return nil, fmt.Errorf("ledger: cash chain broken for model %s on %s: starting cash %.6f differs from %s ending cash %.6f",
				model, store.FormatDate(date), w.StartingCash, store.FormatDate(prev.Date), prev.EndingCash)
		}
		openValue, err := s.valueHoldings(ctx, prev.EndingHoldings, date, priceOpen)
		if err != nil {
			return nil, err
		}
		closeValue, err := s.valueHoldings(ctx, w.EndingHoldings, date, priceClose)
		if err != nil {
			return nil, err
		}
		day.PortfolioValueStart = w.StartingCash + openValue
		day.PortfolioValueEnd = w.EndingCash + closeValue
		day.DailyProfit = day.PortfolioValueEnd - day.PortfolioValueStart
		if day.PortfolioValueStart != 0 {
			day.DailyReturnPct = day.DailyProfit / day.PortfolioValueStart * 100
		}
		day.DaysSinceLastTrading = calendarDays(prev.Date, date)
	} else {
		// Cold start: the values are still recorded, but with no prior day
		// there is no baseline to measure profit against.
		openValue, err := s.valueHoldings(ctx, w.StartingHoldings, date, priceOpen)
		if err != nil {
			return nil, err
		}
		closeValue, err := s.valueHoldings(ctx, w.EndingHoldings, date, priceClose)
		if err != nil {
			return nil, err
		}
		day.PortfolioValueStart = w.StartingCash + openValue
		day.PortfolioValueEnd = w.EndingCash + closeValue
	}

	var dayID int64
	err = s.db.TransactCtx(ctx, func(ctx context.Context, session store.Session) error {
		insertDay := `
INSERT INTO trading_days (
    model, date, job_id, starting_cash, ending_cash,
    portfolio_value_start, portfolio_value_end, daily_profit, daily_return_pct,
    days_since_last_trading, reasoning_summary, reasoning_ref, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING id`
		if err := session.QueryRowCtx(ctx, &dayID, insertDay,
			model,
			store.FormatDate(date),
			jobID,
			w.StartingCash,
			w.EndingCash,
			day.PortfolioValueStart,
			day.PortfolioValueEnd,
			day.DailyProfit,
			day.DailyReturnPct,
			day.DaysSinceLastTrading,
			nullString(day.ReasoningSummary),
			nullString(day.ReasoningRef),
			day.CreatedAt,
		); err != nil {
			return err
		}
		if err := insertHoldings(ctx, session, dayID, PhaseStart, w.StartingHoldings); err != nil {
			return err
		}
		if err := insertHoldings(ctx, session, dayID, PhaseEnd, w.EndingHoldings); err != nil {
			return err
		}
		return insertActions(ctx, session, dayID, w.Actions, day.CreatedAt)
	})
	if err != nil {
		if store.IsUniqueViolation(err) {
			logx.WithContext(ctx).Infof("ledger: trading day already recorded model=%s date=%s", model, store.FormatDate(date))
			return s.tradingDayByModelDate(ctx, model, date)
		}
		return nil, fmt.Errorf("ledger: write trading day model=%s date=%s: %w", model, store.FormatDate(date), err)
	}
	day.ID = dayID

	s.cacheTradingDay(ctx, day)
	s.invalidateModelCaches(ctx, model)
	return day, nil
}

// LatestTradingDate returns the most recent recorded date for a model. The
// second return is false when the model has no history at all.
func (s *Service) LatestTradingDate(ctx context.Context, model string) (time.Time, bool, error) {
	key := cachekeys.LatestTradingDateKey(model)
	if s.cache != nil {
		var cached string
		if err := s.cache.GetCtx(ctx, key, &cached); err == nil && cached != "" {
			if t, perr := store.ParseDate(cached); perr == nil {
				return t, true, nil
			}
		} else if err != nil && !s.cache.IsNotFound(err) {
			logx.WithContext(ctx).Errorf("ledger: load latest-date cache key=%s err=%v", key, err)
		}
	}

	var latest string
	query := `SELECT COALESCE(MAX(date), '') FROM trading_days WHERE model = $1`
	if err := s.db.QueryRowCtx(ctx, &latest, query, model); err != nil {
		return time.Time{}, false, fmt.Errorf("ledger: latest trading date model=%s: %w", model, err)
	}
	if latest == "" {
		return time.Time{}, false, nil
	}
	t, err := store.ParseDate(latest)
	if err != nil {
		return time.Time{}, false, err
	}
	if s.cache != nil {
		ttl := cachekeys.LatestTradingDateTTL(s.ttl)
		if ttl > 0 {
			if err := s.cache.SetWithExpireCtx(ctx, key, latest, ttl); err != nil {
				logx.WithContext(ctx).Errorf("ledger: set latest-date cache key=%s err=%v", key, err)
			}
		}
	}
	return t, true, nil
}

// CompletedDates returns the set of recorded dates for a model inside the
// inclusive range, keyed by their YYYY-MM-DD form.
func (s *Service) CompletedDates(ctx context.Context, model string, from, to time.Time) (map[string]bool, error) {
	query := `SELECT date FROM trading_days WHERE model = $1 AND date >= $2 AND date <= $3 ORDER BY date`
	var dates []string
	if err := s.db.QueryRowsCtx(ctx, &dates, query, model, store.FormatDate(from), store.FormatDate(to)); err != nil {
		return nil, fmt.Errorf("ledger: completed dates model=%s: %w", model, err)
	}
	set := make(map[string]bool, len(dates))
	for _, d := range dates {
		set[d] = true
	}
	return set, nil
}

// QueryResults returns trading days matching the filter, oldest first, with
// holdings and actions attached.
func (s *Service) QueryResults(ctx context.Context, filter Filter) ([]TradingDayResult, error) {
	var (
		conds []string
		args  []any
	)
	if jobID := strings.TrimSpace(filter.JobID); jobID != "" {
		conds = append(conds, fmt.Sprintf("job_id = $%d", len(args)+1))
		args = append(args, jobID)
	}
	if model := strings.TrimSpace(filter.Model); model != "" {
		conds = append(conds, fmt.Sprintf("model = $%d", len(args)+1))
		args = append(args, model)
	}
	if !filter.Date.IsZero() {
		conds = append(conds, fmt.Sprintf("date = $%d", len(args)+1))
		args = append(args, store.FormatDate(filter.Date))
	}

	query := `SELECT ` + tradingDayColumns + ` FROM trading_days`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY date, model"

	var rows []tradingDayRow
	if err := s.db.QueryRowsCtx(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("ledger: query results: %w", err)
	}

	results := make([]TradingDayResult, 0, len(rows))
	for i := range rows {
		day, err := buildTradingDay(&rows[i])
		if err != nil {
			return nil, err
		}
		if err := s.attachHoldings(ctx, day); err != nil {
			return nil, err
		}
		actions, err := s.loadActions(ctx, day.ID)
		if err != nil {
			return nil, err
		}
		results = append(results, TradingDayResult{TradingDay: *day, Actions: actions})
	}
	return results, nil
}

// --- valuation --------------------------------------------------------------

type pricePhase int

const (
	priceOpen pricePhase = iota
	priceClose
)

// valueHoldings prices a holdings map on the given date. When a held symbol
// has no bar that day (halt, venue holiday) its latest close at or before
// the date is carried forward; a following day's open would be look-ahead.
func (s *Service) valueHoldings(ctx context.Context, holdings map[string]float64, date time.Time, phase pricePhase) (float64, error) {
	total := 0.0
	for _, symbol := range sortedSymbols(holdings) {
		qty := holdings[symbol]
		if qty <= 0 {
			continue
		}
		bar, err := s.prices.BarOn(ctx, symbol, date)
		if err != nil {
			return 0, fmt.Errorf("ledger: price for %s on %s: %w", symbol, store.FormatDate(date), err)
		}
		if bar == nil {
			history, err := s.prices.BarsThrough(ctx, symbol, date, 1)
			if err != nil {
				return 0, fmt.Errorf("ledger: price history for %s through %s: %w", symbol, store.FormatDate(date), err)
			}
			if len(history) == 0 {
				return 0, fmt.Errorf("ledger: no price for %s on or before %s", symbol, store.FormatDate(date))
			}
			total += qty * history[len(history)-1].Close
			continue
		}
		px := bar.Close
		if phase == priceOpen {
			px = bar.Open
		}
		total += qty * px
	}
	return total, nil
}

// --- row plumbing -----------------------------------------------------------

func buildTradingDay(row *tradingDayRow) (*TradingDay, error) {
	date, err := store.ParseDate(row.Date)
	if err != nil {
		return nil, err
	}
	day := &TradingDay{
		ID:                   row.Id,
		Model:                row.Model,
		Date:                 date,
		JobID:                row.JobId,
		StartingCash:         row.StartingCash,
		EndingCash:           row.EndingCash,
		PortfolioValueStart:  row.PortfolioValueStart,
		PortfolioValueEnd:    row.PortfolioValueEnd,
		DailyProfit:          row.DailyProfit,
		DailyReturnPct:       row.DailyReturnPct,
		DaysSinceLastTrading: int(row.DaysSinceLastTrading),
		CreatedAt:            row.CreatedAt,
		StartingHoldings:     map[string]float64{},
		EndingHoldings:       map[string]float64{},
	}
	if row.ReasoningSummary.Valid {
		day.ReasoningSummary = row.ReasoningSummary.String
	}
	if row.ReasoningRef.Valid {
		day.ReasoningRef = row.ReasoningRef.String
	}
	return day, nil
}

func (s *Service) attachHoldings(ctx context.Context, day *TradingDay) error {
	query := `SELECT trading_day_id, phase, symbol, quantity FROM holdings WHERE trading_day_id = $1 ORDER BY symbol`
	var rows []holdingRow
	if err := s.db.QueryRowsCtx(ctx, &rows, query, day.ID); err != nil {
		return fmt.Errorf("ledger: load holdings day=%d: %w", day.ID, err)
	}
	for _, row := range rows {
		switch row.Phase {
		case PhaseStart:
			day.StartingHoldings[row.Symbol] = row.Quantity
		case PhaseEnd:
			day.EndingHoldings[row.Symbol] = row.Quantity
		}
	}
	return nil
}

func (s *Service) loadActions(ctx context.Context, dayID int64) ([]ActionRow, error) {
	query := `SELECT trading_day_id, seq_no, type, symbol, quantity, price, executed_at FROM actions WHERE trading_day_id = $1 ORDER BY seq_no`
	var rows []actionRecord
	if err := s.db.QueryRowsCtx(ctx, &rows, query, dayID); err != nil {
		return nil, fmt.Errorf("ledger: load actions day=%d: %w", dayID, err)
	}
	actions := make([]ActionRow, 0, len(rows))
	for _, row := range rows {
		action := ActionRow{
			SeqNo:      int(row.SeqNo),
			Type:       row.Type,
			ExecutedAt: row.ExecutedAt,
		}
		if row.Symbol.Valid {
			action.Symbol = row.Symbol.String
		}
		if row.Quantity.Valid {
			action.Quantity = row.Quantity.Float64
		}
		if row.Price.Valid {
			action.Price = row.Price.Float64
		}
		actions = append(actions, action)
	}
	return actions, nil
}

func (s *Service) tradingDayByModelDate(ctx context.Context, model string, date time.Time) (*TradingDay, error) {
	query := `SELECT ` + tradingDayColumns + ` FROM trading_days WHERE model = $1 AND date = $2 LIMIT 1`
	var row tradingDayRow
	if err := s.db.QueryRowCtx(ctx, &row, query, model, store.FormatDate(date)); err != nil {
		return nil, fmt.Errorf("ledger: load trading day model=%s date=%s: %w", model, store.FormatDate(date), err)
	}
	day, err := buildTradingDay(&row)
	if err != nil {
		return nil, err
	}
	if err := s.attachHoldings(ctx, day); err != nil {
		return nil, err
	}
	return day, nil
}

func insertHoldings(ctx context.Context, session store.Session, dayID int64, phase string, holdings map[string]float64) error {
	statement := `INSERT INTO holdings (trading_day_id, phase, symbol, quantity) VALUES ($1, $2, $3, $4)`
	for _, symbol := range sortedSymbols(holdings) {
		qty := holdings[symbol]
		if qty <= 0 {
			continue
		}
		if _, err := session.ExecCtx(ctx, statement, dayID, phase, symbol, qty); err != nil {
			return err
		}
	}
	return nil
}

func insertActions(ctx context.Context, session store.Session, dayID int64, actions []agent.Action, at time.Time) error {
	statement := `INSERT INTO actions (trading_day_id, seq_no, type, symbol, quantity, price, executed_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	for i, action := range actions {
		var (
			symbol   sql.NullString
			quantity sql.NullFloat64
			price    sql.NullFloat64
		)
		if action.Type != agent.ActionNoTrade {
			symbol = nullString(action.Symbol)
			quantity = sql.NullFloat64{Float64: action.Quantity, Valid: true}
			price = sql.NullFloat64{Float64: action.Price, Valid: true}
		}
		if _, err := session.ExecCtx(ctx, statement, dayID, i+1, string(action.Type), symbol, quantity, price, at); err != nil {
			return err
		}
	}
	return nil
}

// --- cache ------------------------------------------------------------------

func (s *Service) cacheTradingDay(ctx context.Context, day *TradingDay) {
	if s.cache == nil || day == nil {
		return
	}
	ttl := cachekeys.TradingDayTTL(s.ttl)
	if ttl <= 0 {
		return
	}
	key := cachekeys.TradingDayKey(day.Model, store.FormatDate(day.Date))
	if err := s.cache.SetWithExpireCtx(ctx, key, day, ttl); err != nil {
		logx.WithContext(ctx).Errorf("ledger: set trading-day cache key=%s err=%v", key, err)
	}
}

func (s *Service) invalidateModelCaches(ctx context.Context, model string) {
	if s.cache == nil {
		return
	}
	for _, key := range []string{
		cachekeys.LatestTradingDateKey(model),
		cachekeys.PerformanceKey(model),
	} {
		if err := s.cache.DelCtx(ctx, key); err != nil && !s.cache.IsNotFound(err) {
			logx.WithContext(ctx).Errorf("ledger: del cache key=%s err=%v", key, err)
		}
	}
}

// --- helpers ----------------------------------------------------------------

func cloneHoldings(h map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(h))
	for symbol, qty := range h {
		if qty <= 0 {
			continue
		}
		out[symbol] = qty
	}
	return out
}

func sortedSymbols(h map[string]float64) []string {
	symbols := make([]string, 0, len(h))
	for symbol := range h {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

func calendarDays(from, to time.Time) int {
	return int(math.Round(to.Sub(from).Hours() / 24))
}

func nullString(v string) sql.NullString {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: trimmed, Valid: true}
}
