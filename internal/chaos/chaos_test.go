package chaos

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libracirc/internal/audit"
	"libracirc/internal/catalog"
	"libracirc/internal/ids"
	"libracirc/internal/lending"
	"libracirc/internal/membership"
	"libracirc/internal/storage"
	"libracirc/internal/storage/storagetest"
)

func setup(t *testing.T) (*Engine, Fixtures, *storage.DB) {
	t.Helper()
	db := storagetest.SQLite(t)
	logger := storagetest.Logger()
	log := audit.NewStore(db)
	gen := ids.New(db.Dialect(), ids.StrategyCounter, 0)

	svc, err := lending.NewService(db, gen, log, logger, lending.Config{})
	require.NoError(t, err)
	f := Fixtures{
		Lending: svc,
		Catalog: catalog.NewService(db, gen, log, logger),
		Members: membership.NewService(db, log, logger),
	}
	return NewEngine(db, logger, WithSampleInterval(10*time.Millisecond), WithPause(0)), f, db
}

func smallStorm() StormConfig {
	return StormConfig{Workers: 6, Operations: 12, Duration: 40 * time.Millisecond, Hold: 20 * time.Millisecond}
}

func TestGameDay(t *testing.T) {
	engine, f, _ := setup(t)
	engine.RegisterExperiments(f, smallStorm())
	require.Len(t, engine.Experiments(), 4)

	var out bytes.Buffer
	err := engine.ExecuteGameDay(context.Background(), GameDay{
		Name:      "test",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
	}, &out)
	require.NoError(t, err, out.String())

	results := engine.Results()
	require.Len(t, results, 4)
	for _, r := range results {
		assert.True(t, r.SteadyStateValid, r.Experiment)
		assert.True(t, r.HypothesisHeld, "%s: %v", r.Experiment, r.Failures)
		assert.NotEmpty(t, r.Observations["stock_drift"], r.Experiment)
	}
	assert.Contains(t, out.String(), "last-copy-race")
	assert.Contains(t, out.String(), "hypothesis held")
}

func TestLastCopyRace_ReturnsLoansOnRollback(t *testing.T) {
	engine, f, db := setup(t)
	ctx := context.Background()

	result, err := engine.RunExperiment(ctx, engine.LastCopyRace(f, smallStorm().withDefaults()))
	require.NoError(t, err)
	assert.True(t, result.HypothesisHeld, result.Failures)

	var open int
	require.NoError(t, db.GetContext(ctx, &open, `SELECT COUNT(*) FROM loans WHERE state != 'RETURNED'`))
	assert.Zero(t, open)
}

func TestConnectionPoolExhaustion_CapsUnlimitedPool(t *testing.T) {
	engine, f, db := setup(t)
	require.Zero(t, db.Stats().MaxOpenConnections)

	result, err := engine.RunExperiment(context.Background(), engine.ConnectionPoolExhaustion(f, smallStorm().withDefaults()))
	require.NoError(t, err)
	assert.True(t, result.HypothesisHeld, result.Failures)

	last := func(name string) float64 {
		points := result.Observations[name]
		require.NotEmpty(t, points, name)
		return points[len(points)-1].Value
	}
	assert.Equal(t, float64(boundedPoolSize), last("connections_held"))
	assert.Zero(t, last("connections_unheld"))
	assert.Zero(t, db.Stats().MaxOpenConnections, "the pool limit is restored after the run")
}

func TestRunExperiment_SteadyStateInvalid(t *testing.T) {
	engine, f, db := setup(t)
	ctx := context.Background()

	_, err := f.Members.RegisterMember(ctx, membership.NewMember{ID: "drifted", Name: "Drifted"})
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE members SET current_borrows = 1 WHERE id = 'drifted'`)
	require.NoError(t, err)

	executed := false
	result, err := engine.RunExperiment(ctx, Experiment{
		Name:        "never-runs",
		SteadyState: engine.invariantProbes(),
		Method:      []Action{{Execute: func(context.Context) error { executed = true; return nil }}},
		Duration:    time.Millisecond,
	})
	require.ErrorIs(t, err, ErrSteadyStateInvalid)
	assert.False(t, executed)
	assert.False(t, result.SteadyStateValid)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, "quota_drift", result.Violations[0].Probe)
}

func TestRunExperiment_FailedAssertion(t *testing.T) {
	engine, _, _ := setup(t)

	value := 0.0
	result, err := engine.RunExperiment(context.Background(), Experiment{
		Name:    "assertion",
		Observe: []Probe{{Name: "value", Query: func(context.Context) (float64, error) { return value, nil }, Threshold: Threshold{Operator: "==", Value: 0}}},
		Method:  []Action{{Target: "value", Execute: func(context.Context) error { value = 3; return nil }}},
		Validation: []Assertion{
			{Probe: "value", Condition: equals(0), Message: "value should stay zero"},
			{Probe: "missing", Condition: equals(0), Message: "missing probe"},
		},
		Duration: 30 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.False(t, result.HypothesisHeld)
	assert.Len(t, result.Failures, 2)
	assert.NotEmpty(t, result.Violations)
}

func TestThreshold(t *testing.T) {
	tests := []struct {
		op   string
		v    float64
		want bool
	}{
		{">", 2, true},
		{">", 1, false},
		{"<", 0, true},
		{">=", 1, true},
		{"<=", 2, false},
		{"==", 1, true},
		{"!=", 1, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Threshold{Operator: tt.op, Value: 1}.holds(tt.v), "%v %s 1", tt.v, tt.op)
	}
}
