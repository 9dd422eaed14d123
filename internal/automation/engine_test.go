package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sweeney/pdu-mqtt/internal/pdu"
)

// fakeClock drives the engine's notion of time.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }
func (c *fakeClock) set(hour, min int) {
	c.t = time.Date(2026, 3, 2, hour, min, 0, 0, time.Local)
}

// commandRecorder captures rule commands and optionally fails them.
type commandRecorder struct {
	calls []pdu.CommandCall
	err   error
}

func (r *commandRecorder) fn(outlet int, action string) error {
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, pdu.CommandCall{Outlet: outlet, Action: action})
	return nil
}

func newTestEngine(t *testing.T, rec *commandRecorder) (*Engine, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 2, 12, 0, 0, 0, time.Local)}
	e := NewEngine(filepath.Join(t.TempDir(), "rules.json"), rec.fn)
	e.SetClock(clock.now)
	return e, clock
}

func sourcesSnapshot(voltA, voltB float64, current, preferred int) *pdu.Snapshot {
	snap := &pdu.Snapshot{
		SourceA: &pdu.Source{Voltage: pdu.Float(voltA), VoltageStatus: "normal"},
		SourceB: &pdu.Source{Voltage: pdu.Float(voltB), VoltageStatus: "normal"},
	}
	if current != 0 {
		snap.ATSCurrentSource = pdu.Int(current)
	}
	if preferred != 0 {
		snap.ATSPreferredSource = pdu.Int(preferred)
	}
	return snap
}

// Input A fails, voltage rule fires immediately (delay 0), then restores
// when the input recovers.
func TestEvaluate_VoltageRule_FireAndRestore(t *testing.T) {
	rec := &commandRecorder{}
	e, _ := newTestEngine(t, rec)

	_, err := e.CreateRule(Rule{
		Name: "input-a-fail", Input: 1, Condition: "voltage_below",
		Threshold: 10.0, Outlet: 3, Action: "off", Restore: true, Delay: 0,
	})
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	// S1: source A dead, bank/ATS on B.
	events := e.Evaluate(sourcesSnapshot(0, 120, 2, 1))
	if len(events) != 1 || events[0].Type != EventTriggered {
		t.Fatalf("events = %+v, want one triggered", events)
	}
	if len(rec.calls) != 1 || rec.calls[0] != (pdu.CommandCall{Outlet: 3, Action: "off"}) {
		t.Fatalf("commands = %+v, want outlet 3 off", rec.calls)
	}
	if !e.ListRules()[0].State.Triggered {
		t.Error("rule should be latched triggered")
	}

	// Latched: same condition does not re-fire.
	if events := e.Evaluate(sourcesSnapshot(0, 120, 2, 1)); len(events) != 0 {
		t.Errorf("re-fire events = %+v, want none", events)
	}

	// S2: input A recovers: restore with the inverse action.
	events = e.Evaluate(sourcesSnapshot(120, 120, 1, 1))
	if len(events) != 1 || events[0].Type != EventRestored {
		t.Fatalf("events = %+v, want one restored", events)
	}
	if got := rec.calls[len(rec.calls)-1]; got != (pdu.CommandCall{Outlet: 3, Action: "on"}) {
		t.Errorf("restore command = %+v, want outlet 3 on", got)
	}
	if e.ListRules()[0].State.Triggered {
		t.Error("rule should be unlatched after restore")
	}
}

// Bank voltage alone must never trigger a voltage rule: missing source
// data evaluates false even with a dead bank.
func TestEvaluate_VoltageRule_IgnoresBankVoltage(t *testing.T) {
	rec := &commandRecorder{}
	e, _ := newTestEngine(t, rec)
	e.CreateRule(Rule{ //nolint:errcheck
		Name: "a-low", Input: 1, Condition: "voltage_below",
		Threshold: 10.0, Outlet: 1, Action: "off", Delay: 0,
	})

	snap := &pdu.Snapshot{
		Banks: map[int]*pdu.Bank{1: {Number: 1, Voltage: pdu.Float(0)}},
		// No source data at all.
	}
	if events := e.Evaluate(snap); len(events) != 0 {
		t.Errorf("rule fired from bank voltage: %+v", events)
	}
}

// S3: delay gating: the condition must hold for the full delay before
// the rule fires, and the fire time is >= condition_since + delay.
func TestEvaluate_DelayGating(t *testing.T) {
	rec := &commandRecorder{}
	e, clock := newTestEngine(t, rec)
	e.CreateRule(Rule{ //nolint:errcheck
		Name: "slow", Input: 1, Condition: "voltage_below",
		Threshold: 100.0, Outlet: 2, Action: "off", Delay: 5,
	})

	low := sourcesSnapshot(50, 120, 2, 1)

	if events := e.Evaluate(low); len(events) != 0 {
		t.Fatal("fired at t=0, want delay gate")
	}
	clock.advance(3 * time.Second)
	if events := e.Evaluate(low); len(events) != 0 {
		t.Fatal("fired at t=3, want delay gate")
	}
	clock.advance(3 * time.Second)
	events := e.Evaluate(low)
	if len(events) != 1 || events[0].Type != EventTriggered {
		t.Fatalf("events at t=6 = %+v, want triggered", events)
	}

	state := e.ListRules()[0].State
	if elapsed := state.FiredAt.Sub(state.ConditionSince); elapsed < 5*time.Second {
		t.Errorf("fired after %v, want >= delay of 5s", elapsed)
	}
}

// A dropped condition clears the pending delay timer.
func TestEvaluate_DelayResetsWhenConditionClears(t *testing.T) {
	rec := &commandRecorder{}
	e, clock := newTestEngine(t, rec)
	e.CreateRule(Rule{ //nolint:errcheck
		Name: "slow", Input: 1, Condition: "voltage_below",
		Threshold: 100.0, Outlet: 2, Action: "off", Delay: 5,
	})

	e.Evaluate(sourcesSnapshot(50, 120, 2, 1))
	clock.advance(4 * time.Second)
	e.Evaluate(sourcesSnapshot(120, 120, 1, 1)) // recovered, timer cleared
	clock.advance(2 * time.Second)
	if events := e.Evaluate(sourcesSnapshot(50, 120, 2, 1)); len(events) != 0 {
		t.Error("rule fired without a fresh full delay window")
	}
}

// A failed command clears condition_since so the next tick retries.
func TestEvaluate_CommandFailureRetries(t *testing.T) {
	rec := &commandRecorder{err: errors.New("snmp set failed")}
	e, _ := newTestEngine(t, rec)
	e.CreateRule(Rule{ //nolint:errcheck
		Name: "r", Input: 1, Condition: "voltage_below",
		Threshold: 10.0, Outlet: 1, Action: "off", Delay: 0,
	})

	low := sourcesSnapshot(0, 120, 2, 1)
	e.Evaluate(low)
	if e.ListRules()[0].State.Triggered {
		t.Fatal("rule latched despite command failure")
	}
	if e.CommandFailures() != 1 {
		t.Errorf("command failures = %d, want 1", e.CommandFailures())
	}

	// Command path recovers; next tick fires again and latches.
	rec.err = nil
	events := e.Evaluate(low)
	if len(events) != 1 {
		t.Fatalf("retry events = %+v, want one triggered", events)
	}
	if !e.ListRules()[0].State.Triggered {
		t.Error("rule should latch after successful retry")
	}
}

func TestEvaluate_ATSSourceIs(t *testing.T) {
	rec := &commandRecorder{}
	e, _ := newTestEngine(t, rec)
	e.CreateRule(Rule{ //nolint:errcheck
		Name: "on-b", Input: 0, Condition: "ats_source_is",
		Threshold: 2, Outlet: 4, Action: "off", Delay: 0,
	})

	if events := e.Evaluate(sourcesSnapshot(120, 120, 1, 1)); len(events) != 0 {
		t.Error("fired on source 1, threshold 2")
	}
	if events := e.Evaluate(sourcesSnapshot(0, 120, 2, 1)); len(events) != 1 {
		t.Error("should fire when ATS moves to source 2")
	}

	// Null current source never matches.
	if events := e.Evaluate(&pdu.Snapshot{}); len(events) != 0 {
		t.Error("null ATS source should not match")
	}
}

func TestEvaluate_ATSPreferredLost(t *testing.T) {
	rec := &commandRecorder{}
	e, _ := newTestEngine(t, rec)
	e.CreateRule(Rule{ //nolint:errcheck
		Name: "pref-lost", Input: 0, Condition: "ats_preferred_lost",
		Threshold: nil, Outlet: 1, Action: "off", Delay: 0,
	})

	if events := e.Evaluate(sourcesSnapshot(120, 120, 1, 1)); len(events) != 0 {
		t.Error("preferred matches current, should not fire")
	}
	if events := e.Evaluate(sourcesSnapshot(0, 120, 2, 1)); len(events) != 1 {
		t.Error("should fire when current != preferred")
	}
	// Either side unknown → false.
	if events := e.Evaluate(&pdu.Snapshot{ATSCurrentSource: pdu.Int(2)}); len(events) != 0 {
		t.Error("unknown preferred source should not fire")
	}
}

func TestTimeConditions(t *testing.T) {
	tests := []struct {
		name      string
		condition string
		threshold string
		hour, min int
		want      bool
	}{
		{"after met", "time_after", "22:00", 23, 0, true},
		{"after boundary", "time_after", "22:00", 22, 0, true},
		{"after not met", "time_after", "22:00", 21, 59, false},
		{"before met", "time_before", "06:00", 5, 59, true},
		{"before boundary", "time_before", "06:00", 6, 0, false},
		{"between same-day in", "time_between", "09:00-17:00", 12, 0, true},
		{"between same-day start", "time_between", "09:00-17:00", 9, 0, true},
		{"between same-day end", "time_between", "09:00-17:00", 17, 0, false},
		{"between wrap late", "time_between", "22:00-06:00", 23, 30, true},
		{"between wrap early", "time_between", "22:00-06:00", 3, 0, true},
		{"between wrap start", "time_between", "22:00-06:00", 22, 0, true},
		{"between wrap end", "time_between", "22:00-06:00", 6, 0, false},
		{"between wrap midday", "time_between", "22:00-06:00", 12, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &commandRecorder{}
			e, clock := newTestEngine(t, rec)
			e.CreateRule(Rule{ //nolint:errcheck
				Name: "t", Input: 0, Condition: tt.condition,
				Threshold: tt.threshold, Outlet: 1, Action: "off", Delay: 0,
			})
			clock.set(tt.hour, tt.min)
			events := e.Evaluate(&pdu.Snapshot{})
			if got := len(events) == 1; got != tt.want {
				t.Errorf("%s %s at %02d:%02d = %v, want %v",
					tt.condition, tt.threshold, tt.hour, tt.min, got, tt.want)
			}
		})
	}
}

// The wrap interval 22:00-06:00 is exactly [1320,1440) ∪ [0,360).
func TestTimeBetween_WrapMinuteSet(t *testing.T) {
	rec := &commandRecorder{}
	e, clock := newTestEngine(t, rec)
	rule := &Rule{Name: "w", Condition: "time_between", Threshold: "22:00-06:00",
		Outlet: 1, Action: "off"}
	if err := rule.Validate(); err != nil {
		t.Fatal(err)
	}

	for m := 0; m < 1440; m++ {
		clock.set(m/60, m%60)
		got, err := e.checkCondition(rule, &pdu.Snapshot{})
		if err != nil {
			t.Fatal(err)
		}
		want := m < 360 || m >= 1320
		if got != want {
			t.Fatalf("minute %d: got %v, want %v", m, got, want)
		}
	}
}

func TestRuleValidation(t *testing.T) {
	tests := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		{"valid voltage", Rule{Name: "a", Condition: "voltage_below", Threshold: 90.0, Outlet: 1, Action: "off"}, false},
		{"unknown condition", Rule{Name: "a", Condition: "voltage_weird", Threshold: 90.0, Outlet: 1, Action: "off"}, true},
		{"bad action", Rule{Name: "a", Condition: "voltage_below", Threshold: 90.0, Outlet: 1, Action: "reboot"}, true},
		{"outlet zero", Rule{Name: "a", Condition: "voltage_below", Threshold: 90.0, Outlet: 0, Action: "off"}, true},
		{"negative delay", Rule{Name: "a", Condition: "voltage_below", Threshold: 90.0, Outlet: 1, Action: "off", Delay: -1}, true},
		{"bad time", Rule{Name: "a", Condition: "time_after", Threshold: "25:99", Outlet: 1, Action: "off"}, true},
		{"bad range", Rule{Name: "a", Condition: "time_between", Threshold: "22:00", Outlet: 1, Action: "off"}, true},
		{"good range", Rule{Name: "a", Condition: "time_between", Threshold: "22:00-06:00", Outlet: 1, Action: "off"}, false},
		{"ats bad source", Rule{Name: "a", Condition: "ats_source_is", Threshold: 3, Outlet: 1, Action: "off"}, true},
		{"ats good source", Rule{Name: "a", Condition: "ats_source_is", Threshold: 2, Outlet: 1, Action: "off"}, false},
		{"voltage string threshold", Rule{Name: "a", Condition: "voltage_below", Threshold: "90", Outlet: 1, Action: "off"}, false},
		{"voltage junk threshold", Rule{Name: "a", Condition: "voltage_below", Threshold: "low", Outlet: 1, Action: "off"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCRUD_PersistAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	rec := &commandRecorder{}

	e := NewEngine(path, rec.fn)
	e.CreateRule(Rule{Name: "first", Input: 1, Condition: "voltage_below", //nolint:errcheck
		Threshold: 90.0, Outlet: 1, Action: "off", Restore: true, Delay: 5})
	e.CreateRule(Rule{Name: "second", Input: 0, Condition: "time_between", //nolint:errcheck
		Threshold: "22:00-06:00", Outlet: 2, Action: "off", Delay: 0})

	if _, err := e.CreateRule(Rule{Name: "first", Condition: "voltage_below",
		Threshold: 1.0, Outlet: 1, Action: "off"}); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate create error = %v, want ErrExists", err)
	}

	// Reload from disk: same rules, same order.
	e2 := NewEngine(path, rec.fn)
	rules := e2.ListRules()
	if len(rules) != 2 || rules[0].Name != "first" || rules[1].Name != "second" {
		t.Fatalf("reloaded rules = %+v", rules)
	}
	if rules[1].Threshold != "22:00-06:00" {
		t.Errorf("threshold round trip = %v", rules[1].Threshold)
	}

	if err := e2.DeleteRule("first"); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}
	if err := e2.DeleteRule("first"); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete error = %v, want ErrNotFound", err)
	}
	if _, err := e2.UpdateRule("ghost", Rule{Condition: "voltage_below",
		Threshold: 1.0, Outlet: 1, Action: "off"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("update unknown error = %v, want ErrNotFound", err)
	}
}

// A malformed rules file or invalid entries must not prevent startup.
func TestLoad_Tolerant(t *testing.T) {
	dir := t.TempDir()
	rec := &commandRecorder{}

	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte("{corrupt"), 0o644) //nolint:errcheck
	e := NewEngine(bad, rec.fn)
	if n := len(e.ListRules()); n != 0 {
		t.Errorf("corrupt file: %d rules, want 0", n)
	}

	mixed := filepath.Join(dir, "mixed.json")
	raw := `[
		{"name": "good", "input": 1, "condition": "voltage_below", "threshold": 90, "outlet": 1, "action": "off"},
		{"name": "bad", "input": 1, "condition": "nonsense", "threshold": 1, "outlet": 1, "action": "off"}
	]`
	os.WriteFile(mixed, []byte(raw), 0o644) //nolint:errcheck
	e = NewEngine(mixed, rec.fn)
	rules := e.ListRules()
	if len(rules) != 1 || rules[0].Name != "good" {
		t.Errorf("mixed file rules = %+v, want only 'good'", rules)
	}
	// Defaults applied to stored rules.
	if !rules[0].Restore || rules[0].Delay != 5 {
		t.Errorf("defaults not applied: restore=%v delay=%d", rules[0].Restore, rules[0].Delay)
	}
}

func TestEventRing_Cap(t *testing.T) {
	rec := &commandRecorder{}
	e, _ := newTestEngine(t, rec)

	for i := 0; i < 150; i++ {
		e.CreateRule(Rule{Name: fmt.Sprintf("r%d", i), Condition: "voltage_below", //nolint:errcheck
			Threshold: 1.0, Outlet: 1, Action: "off"})
	}
	events := e.Events()
	if len(events) != maxEvents {
		t.Fatalf("events = %d, want capped at %d", len(events), maxEvents)
	}
	// Newest first.
	if events[0].Rule != "r149" {
		t.Errorf("newest event = %s, want r149", events[0].Rule)
	}
	if events[len(events)-1].Rule != "r50" {
		t.Errorf("oldest kept event = %s, want r50", events[len(events)-1].Rule)
	}
}

func TestRuleStateJSON(t *testing.T) {
	s := &RuleState{}
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"triggered":false,"condition_since":null,"fired_at":null}`
	if string(data) != want {
		t.Errorf("empty state JSON = %s, want %s", data, want)
	}
}
