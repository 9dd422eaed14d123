package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"time"
)

// Report is a stored weekly energy report. Data is the decoded report
// JSON; corrupt stored JSON yields an empty map, never an error.
type Report struct {
	ID        int64          `json:"id"`
	WeekStart string         `json:"week_start"`
	WeekEnd   string         `json:"week_end"`
	CreatedAt string         `json:"created_at"`
	DeviceID  string         `json:"device_id"`
	Data      map[string]any `json:"data,omitempty"`
}

// OutletSummary is the per-outlet section of a report.
type OutletSummary struct {
	KWh       float64 `json:"kwh"`
	AvgPower  float64 `json:"avg_power"`
	PeakPower float64 `json:"peak_power"`
}

// reportWeek computes the most recently completed Monday-through-Sunday
// week. The Monday-early-AM branch intentionally shifts the target back
// one extra week, mirroring how reports have always been dated.
func reportWeek(now time.Time) (start, end time.Time) {
	daysSinceMonday := (int(now.Weekday()) + 6) % 7 // Monday = 0
	var lastMonday time.Time
	if daysSinceMonday == 0 && now.Hour() < 1 {
		lastMonday = now.AddDate(0, 0, -(7 + daysSinceMonday))
	} else {
		lastMonday = now.AddDate(0, 0, -daysSinceMonday)
	}
	end = time.Date(lastMonday.Year(), lastMonday.Month(), lastMonday.Day(), 0, 0, 0, 0, now.Location())
	start = end.AddDate(0, 0, -7)
	return start, end
}

// GenerateWeeklyReport computes and stores the report for the most
// recently completed week, unless one already exists for this device.
// Returns nil with no error when skipped (already generated, or no data
// recorded in the week).
func (s *Store) GenerateWeeklyReport(deviceID string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()

	weekStart, weekEnd := reportWeek(s.now())
	weekStartStr := weekStart.Format("2006-01-02")
	weekEndStr := weekEnd.Format("2006-01-02")

	var existing int64
	err := s.db.QueryRow(
		"SELECT id FROM energy_reports WHERE week_start = ? AND device_id = ?",
		weekStartStr, deviceID,
	).Scan(&existing)
	if err == nil {
		return nil, nil // already generated
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("check existing report: %w", err)
	}

	startTS, endTS := weekStart.Unix(), weekEnd.Unix()

	// Total power per timestamp across banks.
	bankRows, err := s.db.Query(
		"SELECT ts, power FROM bank_samples WHERE ts >= ? AND ts < ? AND device_id = ? ORDER BY ts",
		startTS, endTS, deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query bank samples: %w", err)
	}
	totalPower := map[int64]float64{}
	for bankRows.Next() {
		var ts int64
		var power sql.NullFloat64
		if err := bankRows.Scan(&ts, &power); err != nil {
			bankRows.Close()
			return nil, fmt.Errorf("scan bank sample: %w", err)
		}
		if _, seen := totalPower[ts]; !seen {
			totalPower[ts] = 0
		}
		if power.Valid {
			totalPower[ts] += power.Float64
		}
	}
	bankRows.Close()
	if err := bankRows.Err(); err != nil {
		return nil, err
	}

	outletRows, err := s.db.Query(
		"SELECT outlet, power FROM outlet_samples WHERE ts >= ? AND ts < ? AND device_id = ? ORDER BY ts",
		startTS, endTS, deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query outlet samples: %w", err)
	}
	outletPowers := map[int][]float64{}
	for outletRows.Next() {
		var outlet int
		var power sql.NullFloat64
		if err := outletRows.Scan(&outlet, &power); err != nil {
			outletRows.Close()
			return nil, fmt.Errorf("scan outlet sample: %w", err)
		}
		if power.Valid {
			outletPowers[outlet] = append(outletPowers[outlet], power.Float64)
		} else if _, seen := outletPowers[outlet]; !seen {
			outletPowers[outlet] = nil
		}
	}
	outletRows.Close()
	if err := outletRows.Err(); err != nil {
		return nil, err
	}

	if len(totalPower) == 0 && len(outletPowers) == 0 {
		return nil, nil // no data for this week
	}

	// Each 1 Hz sample covers one second = 1/3600 hour.
	var totalKWh, peakPower, powerSum float64
	var positives int
	for _, p := range totalPower {
		totalKWh += p
		if p > 0 {
			if p > peakPower {
				peakPower = p
			}
			powerSum += p
			positives++
		}
	}
	totalKWh = totalKWh / 3600.0 / 1000.0
	avgPower := 0.0
	if positives > 0 {
		avgPower = powerSum / float64(positives)
	}

	perOutlet := map[string]OutletSummary{}
	for outlet, powers := range outletPowers {
		var sum, peak float64
		for _, p := range powers {
			sum += p
			if p > peak {
				peak = p
			}
		}
		summary := OutletSummary{KWh: round3(sum / 3600.0 / 1000.0)}
		if len(powers) > 0 {
			summary.AvgPower = round1(sum / float64(len(powers)))
			summary.PeakPower = round1(peak)
		}
		perOutlet[fmt.Sprintf("%d", outlet)] = summary
	}

	// Daily breakdown in local time.
	dailyPowers := map[string][]float64{}
	for ts, p := range totalPower {
		day := time.Unix(ts, 0).Format("2006-01-02")
		dailyPowers[day] = append(dailyPowers[day], p)
	}
	days := make([]string, 0, len(dailyPowers))
	for day := range dailyPowers {
		days = append(days, day)
	}
	sort.Strings(days)
	daily := map[string]OutletSummary{}
	for _, day := range days {
		powers := dailyPowers[day]
		var sum, peak float64
		for _, p := range powers {
			sum += p
			if p > peak {
				peak = p
			}
		}
		daily[day] = OutletSummary{
			KWh:       round3(sum / 3600.0 / 1000.0),
			AvgPower:  round1(sum / float64(len(powers))),
			PeakPower: round1(peak),
		}
	}

	data := map[string]any{
		"week_start":   weekStartStr,
		"week_end":     weekEndStr,
		"device_id":    deviceID,
		"total_kwh":    round3(totalKWh),
		"peak_power_w": round1(peakPower),
		"avg_power_w":  round1(avgPower),
		"per_outlet":   perOutlet,
		"daily":        daily,
		"sample_count": len(totalPower),
	}
	if s.houseKWh > 0 {
		weeklyHouse := s.houseKWh * 7 / 30
		data["house_pct"] = round1(totalKWh / weeklyHouse * 100)
	} else {
		data["house_pct"] = nil
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	if _, err := s.db.Exec(
		`INSERT INTO energy_reports (week_start, week_end, created_at, data, device_id)
		 VALUES (?, ?, ?, ?, ?)`,
		weekStartStr, weekEndStr, s.now().Format(time.RFC3339), string(encoded), deviceID,
	); err != nil {
		return nil, fmt.Errorf("insert report: %w", err)
	}

	log.Printf("history: generated weekly report %s to %s (device=%s): %.1f kWh",
		weekStartStr, weekEndStr, deviceID, totalKWh)
	return data, nil
}

// ListReports returns report metadata (no data payload), newest week
// first. An empty deviceID lists all devices.
func (s *Store) ListReports(deviceID string) ([]Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := "SELECT id, week_start, week_end, created_at, device_id FROM energy_reports"
	var args []any
	if deviceID != "" {
		query += " WHERE device_id = ?"
		args = append(args, deviceID)
	}
	query += " ORDER BY week_start DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		var r Report
		if err := rows.Scan(&r.ID, &r.WeekStart, &r.WeekEnd, &r.CreatedAt, &r.DeviceID); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetReport fetches one report with its decoded data. Returns nil when
// the id is unknown.
func (s *Store) GetReport(id int64) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanReport(s.db.QueryRow(
		"SELECT id, week_start, week_end, created_at, device_id, data FROM energy_reports WHERE id = ?", id))
}

// LatestReport fetches the newest report by week, or nil when none exist.
func (s *Store) LatestReport() (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanReport(s.db.QueryRow(
		"SELECT id, week_start, week_end, created_at, device_id, data FROM energy_reports ORDER BY week_start DESC LIMIT 1"))
}

func (s *Store) scanReport(row *sql.Row) (*Report, error) {
	var r Report
	var raw string
	err := row.Scan(&r.ID, &r.WeekStart, &r.WeekEnd, &r.CreatedAt, &r.DeviceID, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan report: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &r.Data); err != nil {
		log.Printf("history: corrupt report data for id=%d", r.ID)
		r.Data = map[string]any{}
	}
	return &r, nil
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
