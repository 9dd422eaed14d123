package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sweeney/pdu-mqtt/internal/pdu"
)

// ErrNotFound is returned by Update/Delete for an unknown rule name.
var ErrNotFound = errors.New("rule not found")

// ErrExists is returned by Create when the rule name is taken.
var ErrExists = errors.New("rule already exists")

// CommandFunc issues an outlet command on the engine's device. A non-nil
// error means the command did not take effect and the rule will retry on
// the next tick.
type CommandFunc func(outlet int, action string) error

// Engine owns the rules for one device: persistence, per-snapshot
// evaluation with delay/restore hysteresis, and the bounded event log.
// At most one command is in flight at a time: rules are evaluated in
// insertion order and each command completes before the next rule is
// considered.
type Engine struct {
	mu      sync.Mutex
	path    string
	rules   map[string]*Rule
	order   []string // insertion order; Go maps don't keep one
	states  map[string]*RuleState
	events  eventRing
	command CommandFunc

	commandFailures int

	// now is the clock; replaced in tests to drive delay and
	// time-of-day conditions deterministically.
	now func() time.Time
}

// NewEngine loads the rules file (if present) and returns a ready engine.
// A malformed file or an invalid stored rule is logged and skipped; the
// engine always starts.
func NewEngine(path string, command CommandFunc) *Engine {
	e := &Engine{
		path:    path,
		rules:   map[string]*Rule{},
		states:  map[string]*RuleState{},
		command: command,
		now:     time.Now,
	}
	e.load()
	return e
}

func (e *Engine) load() {
	data, err := os.ReadFile(e.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("automation: failed to read rules from %s: %v", e.path, err)
		}
		return
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Printf("automation: malformed rules file %s, starting empty: %v", e.path, err)
		return
	}

	for _, item := range raw {
		var rule Rule
		if err := json.Unmarshal(item, &rule); err != nil {
			log.Printf("automation: skipping unreadable rule: %v", err)
			continue
		}
		if err := rule.Validate(); err != nil {
			log.Printf("automation: skipping invalid rule %q: %v", rule.Name, err)
			continue
		}
		if _, dup := e.rules[rule.Name]; dup {
			log.Printf("automation: skipping duplicate rule %q", rule.Name)
			continue
		}
		e.rules[rule.Name] = &rule
		e.order = append(e.order, rule.Name)
		e.states[rule.Name] = &RuleState{}
	}
	log.Printf("automation: loaded %d rules from %s", len(e.rules), e.path)
}

// save writes the rules atomically (temp file + rename). Caller holds mu.
func (e *Engine) save() error {
	rules := make([]*Rule, 0, len(e.order))
	for _, name := range e.order {
		rules = append(rules, e.rules[name])
	}
	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding rules: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(e.path), 0o755); err != nil {
		return fmt.Errorf("creating rules dir: %w", err)
	}
	tmp := e.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, e.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}

// --- Condition evaluation ---

// checkCondition reports whether the rule's condition holds for snap.
// An evaluation problem (malformed threshold that slipped past
// validation) is returned as an error and treated as "not met, state
// preserved" by the caller.
func (e *Engine) checkCondition(rule *Rule, snap *pdu.Snapshot) (bool, error) {
	switch rule.Condition {
	case "ats_source_is":
		want, err := thresholdInt(rule.Threshold)
		if err != nil {
			return false, err
		}
		if snap.ATSCurrentSource == nil {
			return false, nil
		}
		return *snap.ATSCurrentSource == want, nil

	case "ats_preferred_lost":
		if snap.ATSCurrentSource == nil || snap.ATSPreferredSource == nil {
			return false, nil
		}
		return *snap.ATSCurrentSource != *snap.ATSPreferredSource, nil

	case "time_after", "time_before", "time_between":
		return e.checkTimeCondition(rule)

	default:
		// Voltage conditions read the per-input SOURCE voltage, not the
		// load bank voltage; bank voltage stays ~120V on ATS PDUs even
		// when an input has failed.
		source := snap.SourceA
		if rule.Input == 2 {
			source = snap.SourceB
		}
		if source == nil || source.Voltage == nil {
			return false, nil
		}
		threshold, err := thresholdFloat(rule.Threshold)
		if err != nil {
			return false, err
		}
		switch rule.Condition {
		case "voltage_below":
			return *source.Voltage < threshold, nil
		case "voltage_above":
			return *source.Voltage > threshold, nil
		}
		return false, nil
	}
}

func (e *Engine) checkTimeCondition(rule *Rule) (bool, error) {
	now := e.now()
	nowMins := now.Hour()*60 + now.Minute()
	s := fmt.Sprintf("%v", rule.Threshold)

	switch rule.Condition {
	case "time_after":
		mins, err := parseClock(s)
		if err != nil {
			return false, err
		}
		return nowMins >= mins, nil

	case "time_before":
		mins, err := parseClock(s)
		if err != nil {
			return false, err
		}
		return nowMins < mins, nil

	case "time_between":
		i := strings.IndexByte(s, '-')
		if i < 0 {
			return false, fmt.Errorf("time_between threshold %q missing '-'", s)
		}
		startStr, endStr := s[:i], s[i+1:]
		start, err := parseClock(startStr)
		if err != nil {
			return false, err
		}
		end, err := parseClock(endStr)
		if err != nil {
			return false, err
		}
		if start <= end {
			return nowMins >= start && nowMins < end, nil
		}
		// Midnight wrap (e.g. 22:00-06:00).
		return nowMins >= start || nowMins < end, nil
	}
	return false, nil
}

// --- Evaluation ---

// Evaluate runs every rule against the snapshot in insertion order and
// returns the events generated this tick (triggered/restored). Commands
// are issued synchronously, so a rule's action completes before the next
// rule is considered.
func (e *Engine) Evaluate(snap *pdu.Snapshot) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var newEvents []Event

	for _, name := range e.order {
		rule := e.rules[name]
		state := e.states[name]

		met, err := e.checkCondition(rule, snap)
		if err != nil {
			log.Printf("automation: error checking condition for rule %q: %v", name, err)
			continue // state preserved
		}

		switch {
		case met && !state.Triggered:
			if state.ConditionSince.IsZero() {
				state.ConditionSince = now
			}
			if now.Sub(state.ConditionSince) >= time.Duration(rule.Delay)*time.Second {
				ev := newEvent(name, EventTriggered,
					fmt.Sprintf("Input %d %s %v -> outlet %d %s",
						rule.Input, rule.Condition, rule.Threshold, rule.Outlet, rule.Action),
					now)
				e.events.add(ev)
				newEvents = append(newEvents, ev)
				log.Printf("automation: rule %q TRIGGERED: outlet %d -> %s", name, rule.Outlet, rule.Action)

				if err := e.runCommand(rule.Outlet, rule.Action); err != nil {
					e.commandFailures++
					log.Printf("automation: command failed for rule %q: outlet %d -> %s: %v",
						name, rule.Outlet, rule.Action, err)
					// Reset so the next tick retries.
					state.ConditionSince = time.Time{}
				} else {
					state.Triggered = true
					state.FiredAt = now
				}
			}

		case !met && state.Triggered && rule.Restore:
			restoreAction := pdu.ActionOn
			if rule.Action == pdu.ActionOn {
				restoreAction = pdu.ActionOff
			}
			ev := newEvent(name, EventRestored,
				fmt.Sprintf("Input %d recovered -> outlet %d %s",
					rule.Input, rule.Outlet, restoreAction),
				now)
			e.events.add(ev)
			newEvents = append(newEvents, ev)
			log.Printf("automation: rule %q RESTORED: outlet %d -> %s", name, rule.Outlet, restoreAction)

			if err := e.runCommand(rule.Outlet, restoreAction); err != nil {
				e.commandFailures++
				log.Printf("automation: restore command failed for rule %q: outlet %d -> %s: %v",
					name, rule.Outlet, restoreAction, err)
			}
			// Cleared regardless of the restore command's outcome.
			state.Triggered = false
			state.ConditionSince = time.Time{}
			state.FiredAt = time.Time{}

		case !met:
			state.ConditionSince = time.Time{}
		}
		// met && triggered: latched, no re-fire.
	}

	return newEvents
}

func (e *Engine) runCommand(outlet int, action string) error {
	if e.command == nil {
		return nil
	}
	return e.command(outlet, action)
}

// --- CRUD ---

// RuleWithState is the API/MQTT representation of a rule plus its
// runtime state.
type RuleWithState struct {
	Rule
	State *RuleState `json:"state"`
}

// ListRules returns all rules with state in insertion order.
func (e *Engine) ListRules() []RuleWithState {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]RuleWithState, 0, len(e.order))
	for _, name := range e.order {
		stateCopy := *e.states[name]
		out = append(out, RuleWithState{Rule: *e.rules[name], State: &stateCopy})
	}
	return out
}

// CreateRule validates, stores, and persists a new rule.
func (e *Engine) CreateRule(rule Rule) (*Rule, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.rules[rule.Name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrExists, rule.Name)
	}
	e.rules[rule.Name] = &rule
	e.order = append(e.order, rule.Name)
	e.states[rule.Name] = &RuleState{}
	if err := e.save(); err != nil {
		return nil, err
	}
	e.events.add(newEvent(rule.Name, EventCreated, fmt.Sprintf("Rule %q created", rule.Name), e.now()))
	log.Printf("automation: created rule %q", rule.Name)
	return &rule, nil
}

// UpdateRule replaces the named rule and resets its runtime state.
func (e *Engine) UpdateRule(name string, rule Rule) (*Rule, error) {
	rule.Name = name
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.rules[name]; !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	e.rules[name] = &rule
	e.states[name] = &RuleState{}
	if err := e.save(); err != nil {
		return nil, err
	}
	e.events.add(newEvent(name, EventUpdated, fmt.Sprintf("Rule %q updated", name), e.now()))
	log.Printf("automation: updated rule %q", name)
	return &rule, nil
}

// DeleteRule removes the named rule.
func (e *Engine) DeleteRule(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.rules[name]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(e.rules, name)
	delete(e.states, name)
	for i, n := range e.order {
		if n == name {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	if err := e.save(); err != nil {
		return err
	}
	e.events.add(newEvent(name, EventDeleted, fmt.Sprintf("Rule %q deleted", name), e.now()))
	log.Printf("automation: deleted rule %q", name)
	return nil
}

// Events returns the event log newest-first.
func (e *Engine) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events.newestFirst()
}

// CommandFailures reports how many rule commands have failed.
func (e *Engine) CommandFailures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commandFailures
}

// SetClock replaces the engine's clock. Tests only.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}
