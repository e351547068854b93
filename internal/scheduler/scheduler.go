package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/evalpipe/internal/alert"
	"github.com/danielpatrickdp/evalpipe/internal/config"
	"github.com/danielpatrickdp/evalpipe/internal/logging"
	"github.com/danielpatrickdp/evalpipe/internal/quality"
	"github.com/danielpatrickdp/evalpipe/internal/runner"
	"github.com/danielpatrickdp/evalpipe/internal/store"
)

// #region interfaces

// Store is the persistence the scheduler needs.
type Store interface {
	CreateSchedule(ctx context.Context, sc store.Schedule) (store.Schedule, error)
	GetSchedule(ctx context.Context, id string) (store.Schedule, error)
	ListSchedules(ctx context.Context) ([]store.Schedule, error)
	UpdateSchedule(ctx context.Context, sc store.Schedule) (store.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	DueSchedules(ctx context.Context, now time.Time) ([]store.Schedule, error)
	MarkScheduleRun(ctx context.Context, id string, last, next time.Time) error

	ListTestCases(ctx context.Context, limit int) ([]store.TestCase, error)
	ListTestCasesByIDs(ctx context.Context, ids []string) ([]store.TestCase, error)
	RecordResult(ctx context.Context, r store.Result) (store.Result, error)
}

// Recorder folds a run outcome into a case's quality stats.
type Recorder interface {
	Record(ctx context.Context, id string, o quality.Outcome) (store.TestCase, error)
}

// Alerter delivers regression alerts.
type Alerter interface {
	Send(ctx context.Context, url string, p alert.Payload) error
}

// #endregion interfaces

// #region scheduler

type Scheduler struct {
	store     Store
	quality   Recorder
	runner    runner.Runner
	alerts    Alerter
	cfg       config.SchedulerConfig
	formatKey string
	log       *zap.Logger
	now       func() time.Time
}

// New wires a scheduler. quality and alerts may be nil; runs are then not
// folded into case stats and no alerts are sent.
func New(s Store, r runner.Runner, q Recorder, a Alerter, cfg config.SchedulerConfig, formatKey string, log *zap.Logger) *Scheduler {
	return &Scheduler{
		store:     s,
		quality:   q,
		runner:    r,
		alerts:    a,
		cfg:       cfg,
		formatKey: formatKey,
		log:       logging.OrNop(log).Named("scheduler"),
		now:       time.Now,
	}
}

// SetClock replaces the time source used for new schedules.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// #endregion scheduler

// #region sweep

// Run is the outcome of one triggered schedule.
type Run struct {
	ScheduleID   string    `json:"schedule_id"`
	ScheduleName string    `json:"schedule_name"`
	Suite        string    `json:"suite"`
	EvalRunID    string    `json:"eval_run_id,omitempty"`
	Total        int       `json:"total"`
	Passed       int       `json:"passed"`
	PassRate     int       `json:"pass_rate"`
	NextRunAt    time.Time `json:"next_run_at"`
	Alerted      bool      `json:"alerted"`
	AlertError   string    `json:"alert_error,omitempty"`
}

// Outcome names a schedule that did not complete, with the reason.
type Outcome struct {
	ScheduleID   string `json:"schedule_id"`
	ScheduleName string `json:"schedule_name"`
	Reason       string `json:"reason"`
}

// SweepResult reports every due schedule exactly once.
type SweepResult struct {
	Runs    []Run     `json:"runs"`
	Skipped []Outcome `json:"skipped"`
	Failed  []Outcome `json:"failed"`
}

// RunDue triggers every enabled schedule due at now, one after another.
// A schedule that is skipped or fails keeps its next_run_at so the next sweep
// retries it. Failures are isolated and returned combined.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) (SweepResult, error) {
	out := SweepResult{Runs: []Run{}, Skipped: []Outcome{}, Failed: []Outcome{}}
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		return out, err
	}
	s.log.Info("sweep started", zap.Int("due", len(due)), zap.Time("now", now))

	var errs error
	for _, sc := range due {
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		run, skipped, err := s.trigger(ctx, sc, now)
		switch {
		case err != nil:
			s.log.Error("schedule failed", zap.String("schedule", sc.Name), zap.Error(err))
			out.Failed = append(out.Failed, Outcome{ScheduleID: sc.ID, ScheduleName: sc.Name, Reason: err.Error()})
			errs = multierr.Append(errs, fmt.Errorf("schedule %s: %w", sc.Name, err))
		case skipped != "":
			s.log.Warn("schedule skipped", zap.String("schedule", sc.Name), zap.String("reason", skipped))
			out.Skipped = append(out.Skipped, Outcome{ScheduleID: sc.ID, ScheduleName: sc.Name, Reason: skipped})
		default:
			out.Runs = append(out.Runs, run)
		}
	}
	s.log.Info("sweep finished",
		zap.Int("runs", len(out.Runs)),
		zap.Int("skipped", len(out.Skipped)),
		zap.Int("failed", len(out.Failed)),
	)
	return out, errs
}

// trigger runs one schedule. A non-empty skip reason means nothing ran.
func (s *Scheduler) trigger(ctx context.Context, sc store.Schedule, now time.Time) (Run, string, error) {
	cases, err := s.resolveCases(ctx, sc)
	if err != nil {
		return Run{}, "", err
	}
	if len(cases) == 0 {
		return Run{}, "no test cases", nil
	}

	suite := fmt.Sprintf("scheduled-%s-%s", sc.Name, now.UTC().Format("2006-01-02"))
	batch, err := s.runner.Execute(ctx, cases, runner.Options{Suite: suite, FormatKey: s.formatKey})
	if err != nil {
		return Run{}, "", err
	}

	run := Run{
		ScheduleID:   sc.ID,
		ScheduleName: sc.Name,
		Suite:        suite,
		EvalRunID:    batch.EvalRunID,
		Total:        batch.Summary.Total,
		Passed:       batch.Summary.Passed,
		PassRate:     runner.PassRate(batch.Results),
	}
	s.record(ctx, batch, now)

	run.NextRunAt = advance(sc.Frequency, now, sc.NextRunAt, s.cfg.RunHour)
	if err := s.store.MarkScheduleRun(ctx, sc.ID, now, run.NextRunAt); err != nil {
		return Run{}, "", err
	}

	// the threshold is compared with the unrounded rate; 69.6 alerts at 70
	if runner.PassRatio(batch.Results) < sc.AlertThreshold && sc.AlertOnRegression && sc.AlertWebhook != "" && s.alerts != nil {
		err := s.alerts.Send(ctx, sc.AlertWebhook, alertPayload(sc, run, batch.Results, now))
		if err != nil {
			s.log.Warn("alert failed", zap.String("schedule", sc.Name), zap.Error(err))
			run.AlertError = err.Error()
		} else {
			run.Alerted = true
		}
	}

	s.log.Info("schedule ran",
		zap.String("schedule", sc.Name),
		zap.String("suite", suite),
		zap.Int("pass_rate", run.PassRate),
		zap.Time("next_run_at", run.NextRunAt),
		zap.Bool("alerted", run.Alerted),
	)
	return run, "", nil
}

func (s *Scheduler) resolveCases(ctx context.Context, sc store.Schedule) ([]store.TestCase, error) {
	if len(sc.TestCaseIDs) > 0 {
		return s.store.ListTestCasesByIDs(ctx, sc.TestCaseIDs)
	}
	return s.store.ListTestCases(ctx, 0)
}

// record persists each result and its quality outcome. Errors are logged and
// do not fail the schedule.
func (s *Scheduler) record(ctx context.Context, batch runner.BatchResult, now time.Time) {
	for _, res := range batch.Results {
		rec, ok := res.Record(batch.EvalRunID, now)
		if !ok {
			continue
		}
		if _, err := s.store.RecordResult(ctx, rec); err != nil {
			s.log.Warn("record result failed", zap.String("case_id", rec.TestCaseID), zap.Error(err))
		}
		if s.quality == nil {
			continue
		}
		o := quality.Outcome{Passed: rec.Passed}
		if !rec.Passed {
			caught := 1
			o.CatchCount = &caught
		}
		if _, err := s.quality.Record(ctx, rec.TestCaseID, o); err != nil {
			s.log.Warn("record quality failed", zap.String("case_id", rec.TestCaseID), zap.Error(err))
		}
	}
}

func alertPayload(sc store.Schedule, run Run, results []runner.CaseResult, now time.Time) alert.Payload {
	p := alert.Payload{
		ScheduleID:   sc.ID,
		ScheduleName: sc.Name,
		PassRate:     run.PassRate,
		Threshold:    sc.AlertThreshold,
		Total:        run.Total,
		Passed:       run.Passed,
		Failed:       run.Total - run.Passed,
		EvalRunID:    run.EvalRunID,
		TriggeredAt:  now,
	}
	for _, res := range results {
		if res.Validation.Passed() {
			continue
		}
		reasons := res.Validation.FailedChecks()
		if res.Error != "" {
			reasons = append(reasons, res.Error)
		}
		p.RecentFailures = append(p.RecentFailures, alert.Failure{
			TestCaseID: res.TestCase.ID,
			Name:       res.TestCase.Name,
			Reasons:    reasons,
		})
		if len(p.RecentFailures) == alert.MaxRecentFailures {
			break
		}
	}
	return p
}

// #endregion sweep
