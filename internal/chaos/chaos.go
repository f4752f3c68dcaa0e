// Package chaos runs fault and load experiments against a live circulation store and checks
// that the lending invariants survive them.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libracirc/internal/storage"
)

// ErrSteadyStateInvalid aborts an experiment whose probes fail before any fault is injected.
var ErrSteadyStateInvalid = errors.New("steady state invalid, experiment aborted")

// Experiment defines a chaos engineering test.
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Probe
	// Observe probes are sampled during the experiment but not required to hold beforehand.
	Observe    []Probe
	Method     []Action
	Rollback   []Action
	Validation []Assertion
	Duration   time.Duration
}

// Probe is a measurable property of the system.
type Probe struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

func (t Threshold) holds(v float64) bool {
	switch t.Operator {
	case ">":
		return v > t.Value
	case "<":
		return v < t.Value
	case ">=":
		return v >= t.Value
	case "<=":
		return v <= t.Value
	case "==":
		return v == t.Value
	default:
		return false
	}
}

// Action injects a fault or load, or undoes one.
type Action struct {
	Type    string
	Target  string
	Execute func(context.Context) error
}

// Assertion checks the last observation of a probe once the experiment is over.
type Assertion struct {
	Probe     string
	Condition func(float64) bool
	Message   string
}

// Result captures one experiment run.
type Result struct {
	Experiment       string                 `json:"experiment"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []Violation            `json:"violations"`
	Failures         []string               `json:"failures"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	MTTR             *time.Duration         `json:"mttr,omitempty"`
}

type Violation struct {
	Probe     string    `json:"probe"`
	Expected  float64   `json:"expected"`
	Actual    float64   `json:"actual"`
	Timestamp time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithSampleInterval sets how often probes are sampled while observing.
func WithSampleInterval(d time.Duration) Option {
	return func(e *Engine) { e.sampleEvery = d }
}

// WithPause sets the wait between experiments of a game day.
func WithPause(d time.Duration) Option {
	return func(e *Engine) { e.pause = d }
}

// Engine orchestrates experiments.
type Engine struct {
	tracer      trace.Tracer
	db          *storage.DB
	logger      *slog.Logger
	sampleEvery time.Duration
	pause       time.Duration

	mu          sync.Mutex
	experiments []Experiment
	results     []Result
}

func NewEngine(db *storage.DB, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		tracer:      otel.Tracer("libracirc/chaos"),
		db:          db,
		logger:      logger,
		sampleEvery: time.Second,
		pause:       5 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterExperiment adds an experiment to the suite.
func (e *Engine) RegisterExperiment(exp Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exp)
}

// Experiments returns the registered experiments.
func (e *Engine) Experiments() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Experiment(nil), e.experiments...)
}

// Results returns every result recorded so far.
func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

// RunExperiment validates the steady state, runs the method, observes the probes for the
// experiment's duration, rolls back and evaluates the assertions.
func (e *Engine) RunExperiment(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &Result{
		Experiment:   exp.Name,
		StartTime:    time.Now(),
		Observations: make(map[string][]DataPoint),
		ErrorEvents:  make([]ErrorEvent, 0),
	}

	span.AddEvent("validating_steady_state")
	if violations := e.checkSteadyState(ctx, exp.SteadyState); len(violations) > 0 {
		result.Violations = violations
		result.EndTime = time.Now()
		return result, ErrSteadyStateInvalid
	}
	result.SteadyStateValid = true

	span.AddEvent("injecting_chaos")
	for _, action := range exp.Method {
		if err := action.Execute(ctx); err != nil {
			result.recordError(action.Target, err)
			span.RecordError(err)
		}
	}

	span.AddEvent("observing_system")
	probes := append(append([]Probe(nil), exp.SteadyState...), exp.Observe...)
	e.observe(ctx, exp.Duration, probes, result)

	span.AddEvent("rolling_back")
	for _, action := range exp.Rollback {
		if err := action.Execute(ctx); err != nil {
			result.recordError(action.Target, err)
			span.RecordError(err)
		}
	}

	span.AddEvent("validating_assertions")
	result.Failures = validate(exp.Validation, result)
	result.HypothesisHeld = len(result.Failures) == 0
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	e.logger.InfoContext(ctx, "experiment finished",
		"experiment", exp.Name, "hypothesis_held", result.HypothesisHeld, "violations", len(result.Violations))
	return result, nil
}

func (r *Result) recordError(component string, err error) {
	r.ErrorEvents = append(r.ErrorEvents, ErrorEvent{Timestamp: time.Now(), Error: err.Error(), Component: component})
}

func (e *Engine) checkSteadyState(ctx context.Context, probes []Probe) []Violation {
	var violations []Violation
	for _, p := range probes {
		v, err := p.Query(ctx)
		if err != nil {
			e.logger.WarnContext(ctx, "steady state probe failed", "probe", p.Name, "error", err)
			v = -1
		}
		if err != nil || !p.Threshold.holds(v) {
			violations = append(violations, Violation{Probe: p.Name, Expected: p.Threshold.Value, Actual: v, Timestamp: time.Now()})
		}
	}
	return violations
}

// observe samples probes until d elapses, then once more so every probe has a final value.
func (e *Engine) observe(ctx context.Context, d time.Duration, probes []Probe, result *Result) {
	observeCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	ticker := time.NewTicker(e.sampleEvery)
	defer ticker.Stop()

	var recoveryStart time.Time
	recovered := false
	sample := func() {
		for _, p := range probes {
			v, err := p.Query(ctx)
			if err != nil {
				result.recordError(p.Name, err)
				continue
			}
			now := time.Now()
			result.Observations[p.Name] = append(result.Observations[p.Name], DataPoint{Timestamp: now, Value: v})

			switch {
			case !p.Threshold.holds(v):
				if recoveryStart.IsZero() {
					recoveryStart = now
				}
				result.Violations = append(result.Violations, Violation{Probe: p.Name, Expected: p.Threshold.Value, Actual: v, Timestamp: now})
			case !recoveryStart.IsZero() && !recovered:
				mttr := now.Sub(recoveryStart)
				result.MTTR = &mttr
				recovered = true
			}
		}
	}

	for {
		select {
		case <-observeCtx.Done():
			if ctx.Err() == nil {
				sample()
			}
			return
		case <-ticker.C:
			sample()
		}
	}
}

func validate(assertions []Assertion, result *Result) []string {
	var failures []string
	for _, a := range assertions {
		obs := result.Observations[a.Probe]
		if len(obs) == 0 {
			failures = append(failures, fmt.Sprintf("%s: no observations of %s", a.Message, a.Probe))
			continue
		}
		if last := obs[len(obs)-1].Value; !a.Condition(last) {
			failures = append(failures, fmt.Sprintf("%s: %s = %v", a.Message, a.Probe, last))
		}
	}
	return failures
}

// GameDay is a series of experiments run back to back.
type GameDay struct {
	Name      string
	Date      time.Time
	Scenarios []Experiment
}

// ExecuteGameDay runs every scenario and writes a report to w. It fails when any hypothesis
// did not hold.
func (e *Engine) ExecuteGameDay(ctx context.Context, day GameDay, w io.Writer) error {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", day.Name)),
	)
	defer span.End()

	fmt.Fprintf(w, "Game day: %s (%s)\n", day.Name, day.Date.Format(time.DateOnly))

	failed := 0
	for i, scenario := range day.Scenarios {
		fmt.Fprintf(w, "\nExperiment %d/%d: %s\nHypothesis: %s\n", i+1, len(day.Scenarios), scenario.Name, scenario.Hypothesis)

		result, err := e.RunExperiment(ctx, scenario)
		if err != nil {
			fmt.Fprintf(w, "  aborted: %v\n", err)
			failed++
		} else {
			printResult(w, result)
			if !result.HypothesisHeld {
				failed++
			}
		}

		if i < len(day.Scenarios)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.pause):
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d experiments failed", failed, len(day.Scenarios))
	}
	return nil
}

func printResult(w io.Writer, r *Result) {
	if r.HypothesisHeld {
		fmt.Fprintln(w, "  hypothesis held")
	} else {
		fmt.Fprintln(w, "  hypothesis violated")
		for _, f := range r.Failures {
			fmt.Fprintf(w, "    - %s\n", f)
		}
	}
	if len(r.Violations) > 0 {
		fmt.Fprintf(w, "  violations: %d\n", len(r.Violations))
		for _, v := range r.Violations {
			fmt.Fprintf(w, "    - %s: expected %.2f, got %.2f\n", v.Probe, v.Expected, v.Actual)
		}
	}
	if len(r.ErrorEvents) > 0 {
		fmt.Fprintf(w, "  errors: %d\n", len(r.ErrorEvents))
	}
	if r.MTTR != nil {
		fmt.Fprintf(w, "  mttr: %s\n", *r.MTTR)
	}
	fmt.Fprintf(w, "  duration: %s\n", r.Duration)
}
