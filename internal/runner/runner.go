// Package runner executes active regression scenarios one after another, records a
// TestRun with one TestResult per scenario, and reports a summary.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"everlaunch/internal/assertion"
	"everlaunch/internal/domain"
	"everlaunch/internal/driver"
	"everlaunch/internal/prompt"
)

// ErrRunInProgress is returned when another run holds the runner.
var ErrRunInProgress = errors.New("a regression run is already in progress")

// ErrNoBackend is returned when no conversation driver is configured.
var ErrNoBackend = errors.New("conversation backend not configured")

// NoScenariosMessage is reported when the filter matched nothing.
const NoScenariosMessage = "No active test scenarios found"

// Store is the persistence the runner needs.
type Store interface {
	ListActiveScenarios(ctx context.Context, verticalID *int) ([]domain.Scenario, error)
	CreateRun(ctx context.Context, run domain.TestRun) error
	InsertResult(ctx context.Context, res domain.TestResult) error
	CompleteRun(ctx context.Context, runID string, passed, failed int, completedAt string) error
}

// Filter selects which scenarios a run covers. RunAll ignores VerticalID.
type Filter struct {
	VerticalID *int `json:"vertical_id,omitempty"`
	RunAll     bool `json:"run_all,omitempty"`
}

func (f Filter) vertical() *int {
	if f.RunAll {
		return nil
	}
	return f.VerticalID
}

type Runner struct {
	Store   Store
	Driver  driver.Driver
	Catalog prompt.Catalog
	Logger  *zap.Logger
	Now     func() time.Time
	NewID   func() string

	lock *semaphore.Weighted
}

func New(store Store, drv driver.Driver, catalog prompt.Catalog, logger *zap.Logger) Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Runner{
		Store:   store,
		Driver:  drv,
		Catalog: catalog,
		Logger:  logger,
		Now:     time.Now,
		NewID:   func() string { return uuid.NewString() },
		lock:    semaphore.NewWeighted(1),
	}
}

func (r Runner) now() string {
	if r.Now != nil {
		return r.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (r Runner) newID() string {
	if r.NewID != nil {
		return r.NewID()
	}
	return uuid.NewString()
}

func (r Runner) logger() *zap.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return zap.NewNop()
}

// Run executes every matching active scenario sequentially. A failing scenario is
// recorded and the run continues. Persistence failures are logged and do not change
// the returned counts. Once ctx is cancelled the remaining scenarios are recorded as
// errors and the run record is still completed.
func (r Runner) Run(ctx context.Context, filter Filter) (domain.RunSummary, error) {
	if r.lock != nil {
		if !r.lock.TryAcquire(1) {
			return domain.RunSummary{}, ErrRunInProgress
		}
		defer r.lock.Release(1)
	}
	if r.Store == nil {
		return domain.RunSummary{}, errors.New("scenario store not configured")
	}
	if r.Driver == nil {
		return domain.RunSummary{}, ErrNoBackend
	}
	log := r.logger()

	vertical := filter.vertical()
	scenarios, err := r.Store.ListActiveScenarios(ctx, vertical)
	if err != nil {
		return domain.RunSummary{}, errors.Wrap(err, "load scenarios")
	}
	if len(scenarios) == 0 {
		return domain.RunSummary{Message: NoScenariosMessage, Results: []domain.ScenarioOutcome{}}, nil
	}

	run := domain.TestRun{
		ID:             r.newID(),
		RunType:        domain.RunTypeFull,
		VerticalFilter: vertical,
		TotalScenarios: len(scenarios),
		Status:         domain.RunStatusRunning,
		StartedAt:      r.now(),
	}
	if vertical != nil {
		run.RunType = domain.RunTypeVertical
	}
	if err := r.Store.CreateRun(ctx, run); err != nil {
		log.Error("create run record", zap.String("run_id", run.ID), zap.Error(err))
	}
	log.Info("regression run started",
		zap.String("run_id", run.ID),
		zap.String("run_type", run.RunType),
		zap.Int("scenarios", len(scenarios)))

	summary := domain.RunSummary{
		RunID:   run.ID,
		Total:   len(scenarios),
		Results: make([]domain.ScenarioOutcome, 0, len(scenarios)),
	}
	persist := context.WithoutCancel(ctx)
	for _, sc := range scenarios {
		res := r.execute(ctx, run.ID, sc)
		if err := r.Store.InsertResult(persist, res); err != nil {
			log.Error("insert test result",
				zap.String("run_id", run.ID),
				zap.String("scenario_id", sc.ID),
				zap.Error(err))
		}
		if res.Passed {
			summary.Passed++
		} else {
			summary.Failed++
		}
		summary.Results = append(summary.Results, domain.ScenarioOutcome{
			ScenarioID:       sc.ID,
			ScenarioName:     sc.Name,
			VerticalID:       sc.VerticalID,
			Channel:          sc.Channel,
			Passed:           res.Passed,
			FailedAssertions: res.AssertionsFailed,
			PassedAssertions: res.AssertionsPassed,
			ExecutionTimeMS:  res.ExecutionTimeMS,
			Error:            res.ErrorMessage,
		})
	}

	if err := r.Store.CompleteRun(persist, run.ID, summary.Passed, summary.Failed, r.now()); err != nil {
		log.Error("complete run record", zap.String("run_id", run.ID), zap.Error(err))
	}
	log.Info("regression run completed",
		zap.String("run_id", run.ID),
		zap.Int("passed", summary.Passed),
		zap.Int("failed", summary.Failed))
	return summary, nil
}

// execute runs one scenario and never returns an error; failures become an error
// assertion on the result.
func (r Runner) execute(ctx context.Context, runID string, sc domain.Scenario) domain.TestResult {
	start := time.Now()
	res := domain.TestResult{
		ID:         r.newID(),
		RunID:      runID,
		ScenarioID: sc.ID,
	}
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("scenario panicked: %v", p)
			}
		}()
		if err := ctx.Err(); err != nil {
			return err
		}
		generated := r.Catalog.Generate(sc.VerticalID, sc.Channel, sc.ConfigOverrides)
		reply, err := r.Driver.Complete(ctx, generated, sc.ConversationScript)
		if err != nil {
			return err
		}
		out := assertion.Evaluate(reply.Text, reply.ToolsCalled, sc.ExpectedAssertions)
		res.GeneratedPrompt = generated
		res.AIResponse = reply.Text
		res.Passed = out.Passed
		res.AssertionsPassed = out.PassedList
		res.AssertionsFailed = out.FailedList
		return nil
	}()
	res.ExecutionTimeMS = time.Since(start).Milliseconds()
	res.CreatedAt = r.now()
	if err != nil {
		msg := err.Error()
		res.Passed = false
		res.GeneratedPrompt = ""
		res.AIResponse = ""
		res.AssertionsPassed = []domain.AssertionResult{}
		res.AssertionsFailed = []domain.AssertionResult{assertion.ErrorResult(err)}
		res.ErrorMessage = &msg
		r.logger().Warn("scenario failed to execute",
			zap.String("run_id", runID),
			zap.String("scenario_id", sc.ID),
			zap.String("scenario", sc.Name),
			zap.Error(err))
	}
	return res
}
