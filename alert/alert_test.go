package alert

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailforge/dispatchd/store"
)

type recordingNotifier struct {
	mu   sync.Mutex
	logs []Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, n)
	return nil
}

func (r *recordingNotifier) snapshot() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.logs...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestRuleTriggersOnce(t *testing.T) {
	notifier := &recordingNotifier{}
	mgr := NewManager(notifier, nil)
	require.NoError(t, mgr.AddRule(Rule{
		ID: "r1", Name: "failure rate", Level: LevelCritical,
		Predicate: "failure_rate_24h > 0.1", Cooldown: time.Hour, Enabled: true,
	}))

	mgr.Evaluate(context.Background(), Context{FailureRate24h: 0.2})
	mgr.Evaluate(context.Background(), Context{FailureRate24h: 0.3}) // still active, no duplicate

	waitFor(t, func() bool { return len(notifier.snapshot()) >= 1 })
	time.Sleep(20 * time.Millisecond)
	logs := notifier.snapshot()
	require.Len(t, logs, 1)
	assert.Equal(t, "triggered", logs[0].Kind)
}

func TestTriggerAppendsProcessingLog(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	notifier := &recordingNotifier{}
	mgr := NewManager(notifier, st)
	require.NoError(t, mgr.AddRule(Rule{
		ID: "r1", Name: "failure rate", Level: LevelCritical,
		Predicate: "failure_rate_24h > 0.1", Cooldown: time.Hour, Enabled: true,
	}))

	mgr.Evaluate(context.Background(), Context{FailureRate24h: 0.2})
	waitFor(t, func() bool { return len(notifier.snapshot()) == 1 })

	logs, err := st.RecentLogs(10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "alert", logs[0].Category)
	assert.Equal(t, "triggered", logs[0].Step)
}

func TestRuleResolves(t *testing.T) {
	notifier := &recordingNotifier{}
	mgr := NewManager(notifier, nil)
	require.NoError(t, mgr.AddRule(Rule{
		ID: "r1", Name: "failure rate", Level: LevelCritical,
		Predicate: "failure_rate_24h > 0.1", Cooldown: 0, Enabled: true,
	}))

	mgr.Evaluate(context.Background(), Context{FailureRate24h: 0.2})
	waitFor(t, func() bool { return len(notifier.snapshot()) == 1 })

	mgr.Evaluate(context.Background(), Context{FailureRate24h: 0.0})
	waitFor(t, func() bool { return len(notifier.snapshot()) == 2 })

	logs := notifier.snapshot()
	assert.Equal(t, "triggered", logs[0].Kind)
	assert.Equal(t, "resolved", logs[1].Kind)
}

func TestCooldownSuppressesRetrigger(t *testing.T) {
	notifier := &recordingNotifier{}
	mgr := NewManager(notifier, nil)
	require.NoError(t, mgr.AddRule(Rule{
		ID: "r1", Name: "failure rate", Level: LevelCritical,
		Predicate: "failure_rate_24h > 0.1", Cooldown: time.Hour, Enabled: true,
	}))

	mgr.Evaluate(context.Background(), Context{FailureRate24h: 0.2})
	waitFor(t, func() bool { return len(notifier.snapshot()) == 1 })

	mgr.Evaluate(context.Background(), Context{FailureRate24h: 0.0}) // resolves
	waitFor(t, func() bool { return len(notifier.snapshot()) == 2 })

	mgr.Evaluate(context.Background(), Context{FailureRate24h: 0.2}) // would retrigger, but cooldown active
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, notifier.snapshot(), 2)
}

func TestDisabledRuleNeverFires(t *testing.T) {
	notifier := &recordingNotifier{}
	mgr := NewManager(notifier, nil)
	require.NoError(t, mgr.AddRule(Rule{
		ID: "r1", Predicate: "failure_rate_24h > 0.1", Enabled: false,
	}))
	mgr.Evaluate(context.Background(), Context{FailureRate24h: 0.9})
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, notifier.snapshot())
}

func TestInvalidPredicateRejectedAtAddRule(t *testing.T) {
	mgr := NewManager(nil, nil)
	err := mgr.AddRule(Rule{ID: "bad", Predicate: "not( a valid expr", Enabled: true})
	require.Error(t, err)
}

func TestHealthRank(t *testing.T) {
	assert.Equal(t, 0, HealthRank("Healthy"))
	assert.Equal(t, 1, HealthRank("Warning"))
	assert.Equal(t, 2, HealthRank("Critical"))
}

func TestDefaultRulesAllCompile(t *testing.T) {
	mgr := NewManager(nil, nil)
	for _, r := range DefaultRules() {
		require.NoError(t, mgr.AddRule(r), r.ID)
	}
	assert.Len(t, mgr.Rules(), len(DefaultRules()))
}
