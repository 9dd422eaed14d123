package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/pdu-mqtt/internal/pdu"
)

func TestReportWeek(t *testing.T) {
	loc := time.Local

	// Wednesday 2026-03-04 → week of Mon 2026-02-23 .. Mon 2026-03-02.
	start, end := reportWeek(time.Date(2026, 3, 4, 15, 0, 0, 0, loc))
	assert.Equal(t, "2026-02-23", start.Format("2006-01-02"))
	assert.Equal(t, "2026-03-02", end.Format("2006-01-02"))

	// Monday 2026-03-02 at noon → same week.
	start, end = reportWeek(time.Date(2026, 3, 2, 12, 0, 0, 0, loc))
	assert.Equal(t, "2026-02-23", start.Format("2006-01-02"))
	assert.Equal(t, "2026-03-02", end.Format("2006-01-02"))

	// Monday before 01:00 shifts one extra week back.
	start, end = reportWeek(time.Date(2026, 3, 2, 0, 30, 0, 0, loc))
	assert.Equal(t, "2026-02-16", start.Format("2006-01-02"))
	assert.Equal(t, "2026-02-23", end.Format("2006-01-02"))
}

// recordWeekOfSamples writes constant-power samples spread through the
// completed week preceding `now`.
func recordWeekOfSamples(t *testing.T, s *Store, now time.Time, deviceID string, power float64, n int) {
	t.Helper()
	weekStart, _ := reportWeek(now)
	step := 7 * 24 * time.Hour / time.Duration(n)
	i := 0
	s.SetClock(func() time.Time {
		ts := weekStart.Add(time.Duration(i) * step)
		i++
		return ts
	})
	for j := 0; j < n; j++ {
		s.Record(sampleSnapshot(power, 1), deviceID)
	}
}

func TestGenerateWeeklyReport(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), 60, 900)
	require.NoError(t, err)
	defer s.Close()

	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.Local)
	recordWeekOfSamples(t, s, now, "p1", 360, 100)

	s.SetClock(func() time.Time { return now })
	data, err := s.GenerateWeeklyReport("p1")
	require.NoError(t, err)
	require.NotNil(t, data)

	assert.Equal(t, "2026-02-23", data["week_start"])
	assert.Equal(t, "2026-03-02", data["week_end"])
	// 100 one-second samples at 360W = 100*360/3600/1000 kWh = 0.01 kWh.
	assert.InDelta(t, 0.01, data["total_kwh"].(float64), 0.0001)
	assert.InDelta(t, 360, data["peak_power_w"].(float64), 0.001)
	assert.InDelta(t, 360, data["avg_power_w"].(float64), 0.001)
	assert.Equal(t, 100, data["sample_count"])

	// house_pct = total / (900*7/30) * 100
	housePct, ok := data["house_pct"].(float64)
	require.True(t, ok, "house_pct should be set when house kWh configured")
	assert.InDelta(t, 0.01/210.0*100, housePct, 0.05)

	perOutlet, ok := data["per_outlet"].(map[string]OutletSummary)
	require.True(t, ok)
	assert.Len(t, perOutlet, 2)
	assert.InDelta(t, 180, perOutlet["1"].AvgPower, 0.001)

	// Exactly one report per (week, device): second call is a no-op.
	again, err := s.GenerateWeeklyReport("p1")
	require.NoError(t, err)
	assert.Nil(t, again)

	reports, err := s.ListReports("p1")
	require.NoError(t, err)
	require.Len(t, reports, 1)

	// A different device gets its own report row.
	recordWeekOfSamples(t, s, now, "p2", 100, 10)
	s.SetClock(func() time.Time { return now })
	other, err := s.GenerateWeeklyReport("p2")
	require.NoError(t, err)
	require.NotNil(t, other)

	all, err := s.ListReports("")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGenerateWeeklyReport_NoData(t *testing.T) {
	s := openTestStore(t)
	s.SetClock(func() time.Time { return time.Date(2026, 3, 4, 12, 0, 0, 0, time.Local) })
	data, err := s.GenerateWeeklyReport("p1")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestGetReport_CorruptDataYieldsEmpty(t *testing.T) {
	s := openTestStore(t)

	s.mu.Lock()
	_, err := s.db.Exec(
		`INSERT INTO energy_reports (week_start, week_end, created_at, data, device_id)
		 VALUES ('2026-02-23', '2026-03-02', '2026-03-02T01:00:00Z', '{corrupt', 'p1')`)
	s.mu.Unlock()
	require.NoError(t, err)

	reports, err := s.ListReports("p1")
	require.NoError(t, err)
	require.Len(t, reports, 1)

	r, err := s.GetReport(reports[0].ID)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Empty(t, r.Data, "corrupt JSON yields empty data, not an error")

	latest, err := s.LatestReport()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, r.ID, latest.ID)
}

func TestGetReport_Unknown(t *testing.T) {
	s := openTestStore(t)
	r, err := s.GetReport(12345)
	require.NoError(t, err)
	assert.Nil(t, r)

	latest, err := s.LatestReport()
	require.NoError(t, err)
	assert.Nil(t, latest)
}

// A full Record→report pipeline using snapshots with nil metering holds
// up: nil power contributes nothing but does not crash.
func TestReport_NilPowerSamples(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.Local)
	weekStart, _ := reportWeek(now)

	i := 0
	s.SetClock(func() time.Time {
		ts := weekStart.Add(time.Duration(i) * time.Second)
		i++
		return ts
	})
	snap := &pdu.Snapshot{
		Banks:   map[int]*pdu.Bank{1: {Number: 1, LoadState: "unknown"}},
		Outlets: map[int]*pdu.Outlet{1: {Number: 1, State: "unknown"}},
	}
	for j := 0; j < 10; j++ {
		s.Record(snap, "p1")
	}

	s.SetClock(func() time.Time { return now })
	data, err := s.GenerateWeeklyReport("p1")
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, 0.0, data["total_kwh"])
	assert.Equal(t, 0.0, data["peak_power_w"])
}
