package history

import (
	"database/sql"
	"fmt"
)

// PickInterval auto-selects the downsampling bucket size in seconds for
// a query span.
func PickInterval(start, end float64) int {
	span := end - start
	switch {
	case span <= 3600:
		return 1
	case span <= 6*3600:
		return 10
	case span <= 24*3600:
		return 60
	case span <= 7*86400:
		return 300
	case span <= 30*86400:
		return 900
	default:
		return 1800
	}
}

// BankRow is one downsampled bank bucket. Metric fields are nil when no
// sample in the bucket carried the value.
type BankRow struct {
	Bucket   int64    `json:"bucket"`
	Bank     int      `json:"bank"`
	Voltage  *float64 `json:"voltage"`
	Current  *float64 `json:"current"`
	Power    *float64 `json:"power"`
	Apparent *float64 `json:"apparent"`
	PF       *float64 `json:"pf"`
}

// OutletRow is one downsampled outlet bucket. Energy is the bucket
// maximum (a monotonic counter); the other metrics are averages.
type OutletRow struct {
	Bucket  int64    `json:"bucket"`
	Outlet  int      `json:"outlet"`
	Current *float64 `json:"current"`
	Power   *float64 `json:"power"`
	Energy  *float64 `json:"energy"`
}

// QueryBanks returns averaged bank samples bucketed by interval seconds.
// A zero interval auto-selects from the span; an empty deviceID spans
// all devices.
func (s *Store) QueryBanks(start, end float64, interval int, deviceID string) ([]BankRow, error) {
	if interval <= 0 {
		interval = PickInterval(start, end)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()

	query := `SELECT (ts / ?) * ? AS bucket, bank,
		AVG(voltage), AVG(current), AVG(power), AVG(apparent), AVG(pf)
		FROM bank_samples WHERE ts >= ? AND ts <= ?`
	args := []any{interval, interval, int64(start), int64(end)}
	if deviceID != "" {
		query += " AND device_id = ?"
		args = append(args, deviceID)
	}
	query += " GROUP BY bucket, bank ORDER BY bucket"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bank history: %w", err)
	}
	defer rows.Close()

	var out []BankRow
	for rows.Next() {
		var r BankRow
		var voltage, current, power, apparent, pf sql.NullFloat64
		if err := rows.Scan(&r.Bucket, &r.Bank, &voltage, &current, &power, &apparent, &pf); err != nil {
			return nil, fmt.Errorf("scan bank history: %w", err)
		}
		r.Voltage = fromNull(voltage)
		r.Current = fromNull(current)
		r.Power = fromNull(power)
		r.Apparent = fromNull(apparent)
		r.PF = fromNull(pf)
		out = append(out, r)
	}
	return out, rows.Err()
}

// QueryOutlets returns bucketed outlet samples: averaged current and
// power, maximum energy.
func (s *Store) QueryOutlets(start, end float64, interval int, deviceID string) ([]OutletRow, error) {
	if interval <= 0 {
		interval = PickInterval(start, end)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()

	query := `SELECT (ts / ?) * ? AS bucket, outlet,
		AVG(current), AVG(power), MAX(energy)
		FROM outlet_samples WHERE ts >= ? AND ts <= ?`
	args := []any{interval, interval, int64(start), int64(end)}
	if deviceID != "" {
		query += " AND device_id = ?"
		args = append(args, deviceID)
	}
	query += " GROUP BY bucket, outlet ORDER BY bucket"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outlet history: %w", err)
	}
	defer rows.Close()

	var out []OutletRow
	for rows.Next() {
		var r OutletRow
		var current, power, energy sql.NullFloat64
		if err := rows.Scan(&r.Bucket, &r.Outlet, &current, &power, &energy); err != nil {
			return nil, fmt.Errorf("scan outlet history: %w", err)
		}
		r.Current = fromNull(current)
		r.Power = fromNull(power)
		r.Energy = fromNull(energy)
		out = append(out, r)
	}
	return out, rows.Err()
}

func fromNull(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
