// chaos/chaos.go
package chaos

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Experiment is one chaos scenario: verify the system is healthy, apply
// load or faults, roll back, then check the consistency metrics again.
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	Method      func(ctx context.Context) error
	Rollback    func(ctx context.Context) error
	Validation  []Assertion
}

// Metric is a measurable consistency property, queried before and after the
// experiment method runs.
type Metric struct {
	Name      string
	Query     func(ctx context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Assertion validates an experiment outcome against a metric's final value.
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

// Result captures one experiment execution.
type Result struct {
	ExperimentName   string        `json:"experiment_name"`
	StartTime        time.Time     `json:"start_time"`
	Duration         time.Duration `json:"duration"`
	SteadyStateValid bool          `json:"steady_state_valid"`
	HypothesisHeld   bool          `json:"hypothesis_held"`
	Violations       []Violation   `json:"violations"`
	MethodError      string        `json:"method_error,omitempty"`
}

type Violation struct {
	MetricName string  `json:"metric_name"`
	Expected   float64 `json:"expected"`
	Actual     float64 `json:"actual"`
	Message    string  `json:"message,omitempty"`
}

// Engine runs chaos experiments against the shared database.
type Engine struct {
	tracer      trace.Tracer
	db          *sql.DB
	experiments []Experiment
	results     []Result
	mu          sync.Mutex
}

func NewEngine(db *sql.DB) *Engine {
	return &Engine{
		tracer: otel.Tracer("bookledger/chaos"),
		db:     db,
	}
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
	return e.experiments
}

// RunExperiment executes a single experiment end to end.
func (e *Engine) RunExperiment(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &Result{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
	}

	span.AddEvent("validating_steady_state")
	values, violations := e.sampleMetrics(ctx, exp.SteadyState)
	if len(violations) > 0 {
		result.Violations = violations
		return result, errors.New("steady state invalid, aborting experiment")
	}
	result.SteadyStateValid = true

	span.AddEvent("injecting_chaos")
	if err := exp.Method(ctx); err != nil {
		result.MethodError = err.Error()
		span.RecordError(err)
	}

	if exp.Rollback != nil {
		span.AddEvent("rolling_back")
		if err := exp.Rollback(ctx); err != nil {
			span.RecordError(err)
		}
	}

	span.AddEvent("validating_assertions")
	values, violations = e.sampleMetrics(ctx, exp.SteadyState)
	result.Violations = append(result.Violations, violations...)
	result.HypothesisHeld = result.MethodError == "" && len(violations) == 0

	for _, assertion := range exp.Validation {
		value, ok := values[assertion.Metric]
		if !ok || !assertion.Condition(value) {
			result.HypothesisHeld = false
			result.Violations = append(result.Violations, Violation{
				MetricName: assertion.Metric,
				Actual:     value,
				Message:    assertion.Message,
			})
		}
	}

	result.Duration = time.Since(result.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	return result, nil
}

func (e *Engine) sampleMetrics(ctx context.Context, metrics []Metric) (map[string]float64, []Violation) {
	values := make(map[string]float64, len(metrics))
	var violations []Violation

	for _, metric := range metrics {
		value, err := metric.Query(ctx)
		if err != nil {
			violations = append(violations, Violation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     -1,
				Message:    err.Error(),
			})
			continue
		}
		values[metric.Name] = value

		if !evaluateThreshold(value, metric.Threshold) {
			violations = append(violations, Violation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     value,
			})
		}
	}
	return values, violations
}

func evaluateThreshold(value float64, threshold Threshold) bool {
	switch threshold.Operator {
	case ">":
		return value > threshold.Value
	case "<":
		return value < threshold.Value
	case ">=":
		return value >= threshold.Value
	case "<=":
		return value <= threshold.Value
	case "==":
		return value == threshold.Value
	default:
		return false
	}
}

// GameDay orchestrates a series of chaos experiments.
type GameDay struct {
	Name      string
	Date      time.Time
	Scenarios []Experiment
}

func (e *Engine) ExecuteGameDay(ctx context.Context, gameDay GameDay) error {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", gameDay.Name)),
	)
	defer span.End()

	fmt.Printf("Starting Game Day: %s (%s)\n", gameDay.Name, gameDay.Date.Format(time.DateOnly))

	failed := 0
	for i, scenario := range gameDay.Scenarios {
		fmt.Printf("\nExperiment %d/%d: %s\n", i+1, len(gameDay.Scenarios), scenario.Name)
		fmt.Printf("Hypothesis: %s\n", scenario.Hypothesis)

		result, err := e.RunExperiment(ctx, scenario)
		if err != nil {
			fmt.Printf("Experiment aborted: %v\n", err)
			failed++
			continue
		}
		if !result.HypothesisHeld {
			failed++
		}
		printResult(result)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d experiments failed", failed, len(gameDay.Scenarios))
	}
	return nil
}

func printResult(result *Result) {
	if result.HypothesisHeld {
		fmt.Printf("Hypothesis held - system behaved as expected\n")
	} else {
		fmt.Printf("Hypothesis violated - unexpected behavior observed\n")
	}
	for _, v := range result.Violations {
		if v.Message != "" {
			fmt.Printf("  - %s: %s (actual %.2f)\n", v.MetricName, v.Message, v.Actual)
		} else {
			fmt.Printf("  - %s: expected %.2f, got %.2f\n", v.MetricName, v.Expected, v.Actual)
		}
	}
	fmt.Printf("Duration: %s\n", result.Duration)
}
