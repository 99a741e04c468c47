package risk

import (
	"database/sql"
	"fmt"

	"trading-aggregator/pkg/db"
)

// Journal persists aggregated daily risk figures. One row per session day;
// rows are only ever upserted, so restarts and concurrent writers cannot
// corrupt the tallies.
type Journal struct {
	db *sql.DB
}

// DayStats is one journal row.
type DayStats struct {
	Date           string  `json:"date"`
	DailyPnL       float64 `json:"dailyPnL"`
	DailyLoss      float64 `json:"dailyLoss"`
	DailyProfit    float64 `json:"dailyProfit"`
	OrdersAccepted int64   `json:"ordersAccepted"`
	OrdersRejected int64   `json:"ordersRejected"`
	Violations     int64   `json:"violations"`
	MaxDrawdown    float64 `json:"maxDrawdown"`
}

func NewJournal(store *db.Database) *Journal {
	return &Journal{db: store.DB}
}

// RecordDecision bumps the accepted or rejected tally for the day, plus
// any violations the evaluation produced.
func (j *Journal) RecordDecision(day string, accepted bool, violations int) error {
	acceptedN, rejectedN := 0, 0
	if accepted {
		acceptedN = 1
	} else {
		rejectedN = 1
	}
	_, err := j.db.Exec(`
		INSERT INTO risk_daily (date, orders_accepted, orders_rejected, violations)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			orders_accepted = orders_accepted + ?,
			orders_rejected = orders_rejected + ?,
			violations = violations + ?`,
		day, acceptedN, rejectedN, violations,
		acceptedN, rejectedN, violations,
	)
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}

// RecordFill folds a realized PnL delta into the day's totals.
func (j *Journal) RecordFill(day string, net float64) error {
	loss, profit := 0.0, 0.0
	if net < 0 {
		loss = -net
	} else {
		profit = net
	}
	_, err := j.db.Exec(`
		INSERT INTO risk_daily (date, daily_pnl, daily_loss, daily_profit)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			daily_pnl = daily_pnl + ?,
			daily_loss = daily_loss + ?,
			daily_profit = daily_profit + ?`,
		day, net, loss, profit,
		net, loss, profit,
	)
	if err != nil {
		return fmt.Errorf("record fill: %w", err)
	}
	return nil
}

// RecordDrawdown keeps the day's worst drawdown.
func (j *Journal) RecordDrawdown(day string, drawdown float64) error {
	_, err := j.db.Exec(`
		INSERT INTO risk_daily (date, max_drawdown)
		VALUES (?, ?)
		ON CONFLICT(date) DO UPDATE SET
			max_drawdown = MAX(max_drawdown, ?)`,
		day, drawdown, drawdown,
	)
	if err != nil {
		return fmt.Errorf("record drawdown: %w", err)
	}
	return nil
}

// Day reads one journal row. A day with no activity returns zeroes.
func (j *Journal) Day(day string) (DayStats, error) {
	s := DayStats{Date: day}
	err := j.db.QueryRow(`
		SELECT daily_pnl, daily_loss, daily_profit, orders_accepted, orders_rejected, violations, max_drawdown
		FROM risk_daily WHERE date = ?`, day,
	).Scan(&s.DailyPnL, &s.DailyLoss, &s.DailyProfit, &s.OrdersAccepted, &s.OrdersRejected, &s.Violations, &s.MaxDrawdown)
	if err == sql.ErrNoRows {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("read journal day %s: %w", day, err)
	}
	return s, nil
}

// Recent returns up to limit most recent journal rows, newest first.
func (j *Journal) Recent(limit int) ([]DayStats, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := j.db.Query(`
		SELECT date, daily_pnl, daily_loss, daily_profit, orders_accepted, orders_rejected, violations, max_drawdown
		FROM risk_daily ORDER BY date DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	defer rows.Close()

	var out []DayStats
	for rows.Next() {
		var s DayStats
		if err := rows.Scan(&s.Date, &s.DailyPnL, &s.DailyLoss, &s.DailyProfit, &s.OrdersAccepted, &s.OrdersRejected, &s.Violations, &s.MaxDrawdown); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
