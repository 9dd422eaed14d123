// Package automation evaluates declarative failover rules against PDU
// snapshots and issues outlet commands with delay and restore hysteresis.
package automation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Valid rule conditions.
var validConditions = map[string]bool{
	"voltage_below":      true,
	"voltage_above":      true,
	"ats_source_is":      true,
	"ats_preferred_lost": true,
	"time_after":         true,
	"time_before":        true,
	"time_between":       true,
}

// Rule is one declarative automation rule. Threshold is heterogeneous on
// the wire: volts (number) for voltage conditions, 1|2 for ats_source_is,
// and "HH:MM" or "HH:MM-HH:MM" for time conditions.
type Rule struct {
	Name      string `json:"name"`
	Input     int    `json:"input"` // 1=A, 2=B; 0 for time rules
	Condition string `json:"condition"`
	Threshold any    `json:"threshold"`
	Outlet    int    `json:"outlet"`
	Action    string `json:"action"` // "on" or "off"
	Restore   bool   `json:"restore"`
	Delay     int    `json:"delay"` // seconds the condition must hold
}

// UnmarshalJSON applies the historical defaults: restore defaults to
// true and delay to 5 seconds when omitted.
func (r *Rule) UnmarshalJSON(data []byte) error {
	type alias Rule
	raw := struct {
		*alias
		Restore *bool `json:"restore"`
		Delay   *int  `json:"delay"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Restore = raw.Restore == nil || *raw.Restore
	if raw.Delay == nil {
		r.Delay = 5
	} else {
		r.Delay = *raw.Delay
	}
	return nil
}

// Validate checks the rule and normalizes Threshold to its canonical type
// (float64, int, or string depending on the condition).
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if !validConditions[r.Condition] {
		return fmt.Errorf("unknown condition: %q", r.Condition)
	}
	if r.Action != "on" && r.Action != "off" {
		return fmt.Errorf("invalid action: %q (must be 'on' or 'off')", r.Action)
	}
	if r.Outlet < 1 {
		return fmt.Errorf("outlet must be >= 1, got %d", r.Outlet)
	}
	if r.Delay < 0 {
		return fmt.Errorf("delay must be >= 0, got %d", r.Delay)
	}

	switch r.Condition {
	case "time_after", "time_before":
		s := fmt.Sprintf("%v", r.Threshold)
		if _, err := parseClock(s); err != nil {
			return err
		}
		r.Threshold = s
	case "time_between":
		s := fmt.Sprintf("%v", r.Threshold)
		parts := strings.Split(s, "-")
		if len(parts) != 2 {
			return fmt.Errorf("time_between threshold must be HH:MM-HH:MM, got %q", s)
		}
		for _, p := range parts {
			if _, err := parseClock(p); err != nil {
				return err
			}
		}
		r.Threshold = s
	case "ats_source_is":
		n, err := thresholdInt(r.Threshold)
		if err != nil {
			return fmt.Errorf("ats_source_is threshold: %w", err)
		}
		if n != 1 && n != 2 {
			return fmt.Errorf("ats_source_is threshold must be 1 or 2, got %d", n)
		}
		r.Threshold = n
	case "ats_preferred_lost":
		// No threshold needed.
	default:
		f, err := thresholdFloat(r.Threshold)
		if err != nil {
			return fmt.Errorf("%s threshold: %w", r.Condition, err)
		}
		r.Threshold = f
	}
	return nil
}

func thresholdFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		return strconv.ParseFloat(t, 64)
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}

func thresholdInt(v any) (int, error) {
	f, err := thresholdFloat(v)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time format: %q (expected HH:MM)", s)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, fmt.Errorf("invalid time format: %q (non-numeric)", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time: %q (hour 0-23, minute 0-59)", s)
	}
	return h*60 + m, nil
}

// RuleState is the per-rule runtime hysteresis state. It is not persisted
// across restarts.
type RuleState struct {
	Triggered      bool
	ConditionSince time.Time // zero when the condition is not pending
	FiredAt        time.Time // zero when not fired
}

// MarshalJSON serializes the state with Unix-second timestamps and nulls
// for unset values, matching the wire format of the status topic.
func (s *RuleState) MarshalJSON() ([]byte, error) {
	out := struct {
		Triggered      bool     `json:"triggered"`
		ConditionSince *float64 `json:"condition_since"`
		FiredAt        *float64 `json:"fired_at"`
	}{Triggered: s.Triggered}
	if !s.ConditionSince.IsZero() {
		v := float64(s.ConditionSince.UnixNano()) / 1e9
		out.ConditionSince = &v
	}
	if !s.FiredAt.IsZero() {
		v := float64(s.FiredAt.UnixNano()) / 1e9
		out.FiredAt = &v
	}
	return json.Marshal(out)
}
