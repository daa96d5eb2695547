// Package alert implements the Alert Manager (C11): a rules table keyed
// by rule id, each evaluated as a compiled expr predicate against a
// metrics+health snapshot on a periodic tick, with cooldown-debounced
// trigger/resolution notifications. The predicate compiler generalizes
// the teacher's parser.ParseExpression CSV-filter engine (expr.Compile
// over a map[string]any env) from recipient filtering to alert rules.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/mailforge/dispatchd/internal/types"
	"github.com/mailforge/dispatchd/logger"
)

var log = logger.New("alert")

// Level is the severity a rule fires at.
type Level string

const (
	LevelInfo     Level = "Info"
	LevelWarning  Level = "Warning"
	LevelCritical Level = "Critical"
)

// Context is the snapshot an alert rule's predicate evaluates against:
// the Metrics Collector's aggregates plus the Health Monitor's latest
// classification, flattened to the scalar fields §4.11's example
// predicates reference.
type Context struct {
	FailureRate24h   float64 `expr:"failure_rate_24h"`
	SuccessRate24h   float64 `expr:"success_rate_24h"`
	PendingDepth     int     `expr:"pending_depth"`
	OldestQueuedMin  float64 `expr:"oldest_queued_min"`
	AvgProcessingMs  float64 `expr:"avg_processing_ms"`
	CPUHealthRank    int     `expr:"cpu_health_rank"`    // 0 Healthy, 1 Warning, 2 Critical
	HealthStatusRank int     `expr:"health_status_rank"` // overall ServiceStatus rank
}

// HealthRank maps a ServiceHealth string to the 0/1/2 scale Context
// predicates compare against, so a rule can write `health_status_rank >= 2`.
func HealthRank(status string) int {
	switch status {
	case "Warning":
		return 1
	case "Critical":
		return 2
	default:
		return 0
	}
}

// Rule is one row of the rules table.
type Rule struct {
	ID        string
	Name      string
	Level     Level
	Predicate string // expr boolean expression over Context's fields
	Cooldown  time.Duration
	Enabled   bool
}

// Notification is what the Manager hands to the Notifier on a trigger
// or resolution transition.
type Notification struct {
	RuleID   string
	RuleName string
	Level    Level
	Kind     string // "triggered" | "resolved"
	Context  Context
	At       time.Time
}

// Notifier is the outbound sink (logger, or an email-to-admin sender).
// Delivery is fire-and-forget from the evaluator's point of view: a
// failing Notifier never blocks or aborts an evaluation tick.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier is a Notifier that only logs — the default when no
// external notification sink is configured, matching the spec's
// allowance of "logger" as a valid outbound target.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n Notification) error {
	log.WithField("rule_id", n.RuleID).
		WithField("rule_name", n.RuleName).
		WithField("level", n.Level).
		WithField("kind", n.Kind).
		Warn("alert notification")
	return nil
}

type compiledRule struct {
	rule    Rule
	program *vm.Program
}

type ruleState struct {
	active         bool
	lastTransition time.Time
}

// diagnosticLog is the subset of the Job Store's ProcessingLog
// persistence the Alert Manager writes through; satisfied by *store.Store.
type diagnosticLog interface {
	AppendLog(entry types.ProcessingLog) error
}

// Manager holds the rules table and per-rule state under a single lock,
// per the concurrency model's "guarded by a per-component lock" policy.
type Manager struct {
	mu       sync.Mutex
	rules    map[string]*compiledRule
	states   map[string]*ruleState
	notifier Notifier
	logs     diagnosticLog
}

// NewManager constructs an Alert Manager. logs is optional (nil disables
// ProcessingLog persistence of transitions, e.g. in unit tests).
func NewManager(notifier Notifier, logs diagnosticLog) *Manager {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Manager{
		rules:    make(map[string]*compiledRule),
		states:   make(map[string]*ruleState),
		notifier: notifier,
		logs:     logs,
	}
}

// AddRule compiles rule.Predicate and installs it, replacing any
// existing rule with the same ID. A bad predicate is rejected with the
// compile error rather than installed disabled-by-accident.
func (m *Manager) AddRule(rule Rule) error {
	program, err := expr.Compile(rule.Predicate, expr.Env(Context{}), expr.AsBool())
	if err != nil {
		return fmt.Errorf("compile predicate for rule %s: %w", rule.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.ID] = &compiledRule{rule: rule, program: program}
	if _, ok := m.states[rule.ID]; !ok {
		m.states[rule.ID] = &ruleState{}
	}
	return nil
}

// RemoveRule drops a rule and its state.
func (m *Manager) RemoveRule(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rules, id)
	delete(m.states, id)
}

// Rules returns a snapshot of the installed rules.
func (m *Manager) Rules() []Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Rule, 0, len(m.rules))
	for _, cr := range m.rules {
		out = append(out, cr.rule)
	}
	return out
}

// Run blocks until ctx is cancelled, calling snapshot and Evaluate on
// every tick (default 2 min per §4.11).
func (m *Manager) Run(ctx context.Context, tick time.Duration, snapshot func() Context) {
	if tick <= 0 {
		tick = 2 * time.Minute
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert manager stopping")
			return
		case <-ticker.C:
			m.Evaluate(ctx, snapshot())
		}
	}
}

// Evaluate runs every enabled rule's predicate against ac, performing the
// §4.11 state machine transition and dispatching notifications
// fire-and-forget. A rule whose predicate fails to evaluate is logged
// and skipped; it never aborts the rest of the tick.
func (m *Manager) Evaluate(ctx context.Context, ac Context) {
	now := time.Now().UTC()

	type transition struct {
		rule Rule
		kind string
	}
	var transitions []transition

	m.mu.Lock()
	for id, cr := range m.rules {
		if !cr.rule.Enabled {
			continue
		}
		state := m.states[id]

		result, err := expr.Run(cr.program, ac)
		if err != nil {
			log.WithField("rule_id", id).WithError(err).Error("alert predicate evaluation failed")
			continue
		}
		truthy, _ := result.(bool)

		switch {
		case truthy && !state.active:
			cooldown := cr.rule.Cooldown
			if !state.lastTransition.IsZero() && cooldown > 0 && now.Sub(state.lastTransition) < cooldown {
				continue // suppressed by cooldown
			}
			state.active = true
			state.lastTransition = now
			transitions = append(transitions, transition{cr.rule, "triggered"})
		case !truthy && state.active:
			state.active = false
			state.lastTransition = now
			transitions = append(transitions, transition{cr.rule, "resolved"})
		}
	}
	m.mu.Unlock()

	for _, t := range transitions {
		n := Notification{RuleID: t.rule.ID, RuleName: t.rule.Name, Level: t.rule.Level, Kind: t.kind, Context: ac, At: now}
		if m.logs != nil {
			if err := m.logs.AppendLog(types.ProcessingLog{
				Level:    string(t.rule.Level),
				Category: "alert",
				Message:  fmt.Sprintf("rule %s %s", t.rule.Name, t.kind),
				Step:     t.kind,
			}); err != nil {
				log.WithField("rule_id", t.rule.ID).WithError(err).Warn("failed to persist alert processing log")
			}
		}
		go func(n Notification) {
			if err := m.notifier.Notify(ctx, n); err != nil {
				log.WithField("rule_id", n.RuleID).WithError(err).Warn("alert notification delivery failed")
			}
		}(n)
	}
}

// DefaultRules returns the example predicates named in §4.11, ready for
// AddRule.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:        "high_failure_rate",
			Name:      "High 24h failure rate",
			Level:     LevelCritical,
			Predicate: "failure_rate_24h > 0.10",
			Cooldown:  30 * time.Minute,
			Enabled:   true,
		},
		{
			ID:        "high_pending_depth",
			Name:      "Queue backlog too deep",
			Level:     LevelWarning,
			Predicate: "pending_depth > 1000",
			Cooldown:  15 * time.Minute,
			Enabled:   true,
		},
		{
			ID:        "cpu_degraded",
			Name:      "Process CPU health degraded",
			Level:     LevelWarning,
			Predicate: "cpu_health_rank >= 1",
			Cooldown:  10 * time.Minute,
			Enabled:   true,
		},
		{
			ID:        "service_critical",
			Name:      "Overall service health critical",
			Level:     LevelCritical,
			Predicate: "health_status_rank >= 2",
			Cooldown:  5 * time.Minute,
			Enabled:   true,
		},
	}
}
