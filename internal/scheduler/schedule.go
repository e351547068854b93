package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/evalpipe/internal/apperr"
	"github.com/danielpatrickdp/evalpipe/internal/store"
)

// #region next-run

// NextRun is the trigger after from: daily is the next day at runHour:00,
// weekly seven days later at runHour:00, custom 24 hours later.
func NextRun(freq store.Frequency, from time.Time, runHour int) time.Time {
	from = from.UTC()
	at := func(days int) time.Time {
		d := from.AddDate(0, 0, days)
		return time.Date(d.Year(), d.Month(), d.Day(), runHour, 0, 0, 0, time.UTC)
	}
	switch freq {
	case store.FrequencyDaily:
		return at(1)
	case store.FrequencyWeekly:
		return at(7)
	default:
		return from.Add(24 * time.Hour)
	}
}

// advance returns NextRun from now, pushed forward until it is strictly after prev.
func advance(freq store.Frequency, now, prev time.Time, runHour int) time.Time {
	next := NextRun(freq, now, runHour)
	for !next.After(prev) {
		next = NextRun(freq, next, runHour)
	}
	return next
}

// #endregion next-run

// #region input

// Input describes a new schedule. Nil pointers take defaults: threshold from
// config, alert on regression and enabled both true.
type Input struct {
	Name              string   `json:"name" validate:"required"`
	Description       string   `json:"description,omitempty"`
	Frequency         string   `json:"frequency" validate:"required,oneof=daily weekly custom"`
	CronExpression    string   `json:"cron_expression,omitempty"`
	TestCaseIDs       []string `json:"test_case_ids,omitempty"`
	AlertThreshold    *float64 `json:"alert_threshold,omitempty" validate:"omitempty,gte=0,lte=100"`
	AlertOnRegression *bool    `json:"alert_on_regression,omitempty"`
	AlertWebhook      string   `json:"alert_webhook,omitempty" validate:"omitempty,url"`
	Enabled           *bool    `json:"enabled,omitempty"`
}

// Patch changes only the non-nil fields of a schedule. An empty AlertWebhook
// clears it.
type Patch struct {
	Name              *string   `json:"name,omitempty"`
	Description       *string   `json:"description,omitempty"`
	Frequency         *string   `json:"frequency,omitempty" validate:"omitempty,oneof=daily weekly custom"`
	CronExpression    *string   `json:"cron_expression,omitempty"`
	TestCaseIDs       *[]string `json:"test_case_ids,omitempty"`
	AlertThreshold    *float64  `json:"alert_threshold,omitempty" validate:"omitempty,gte=0,lte=100"`
	AlertOnRegression *bool     `json:"alert_on_regression,omitempty"`
	AlertWebhook      *string   `json:"alert_webhook,omitempty" validate:"omitempty,url"`
	Enabled           *bool     `json:"enabled,omitempty"`
}

var validate = validator.New()

func checkInput(op string, v any) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return apperr.Validation(op, "%s is invalid (%s)", strings.ToLower(fe.Field()), fe.Tag())
		}
		return apperr.Validation(op, "%v", err)
	}
	return nil
}

// #endregion input

// #region crud

func (s *Scheduler) Create(ctx context.Context, in Input) (store.Schedule, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Frequency = strings.ToLower(strings.TrimSpace(in.Frequency))
	if err := checkInput("create schedule", in); err != nil {
		return store.Schedule{}, err
	}
	sc := store.Schedule{
		Name:              in.Name,
		Description:       in.Description,
		Frequency:         store.Frequency(in.Frequency),
		CronExpression:    in.CronExpression,
		TestCaseIDs:       in.TestCaseIDs,
		AlertThreshold:    s.cfg.DefaultAlertThreshold,
		AlertOnRegression: true,
		AlertWebhook:      strings.TrimSpace(in.AlertWebhook),
		Enabled:           true,
	}
	if in.AlertThreshold != nil {
		sc.AlertThreshold = *in.AlertThreshold
	}
	if in.AlertOnRegression != nil {
		sc.AlertOnRegression = *in.AlertOnRegression
	}
	if in.Enabled != nil {
		sc.Enabled = *in.Enabled
	}
	sc.NextRunAt = NextRun(sc.Frequency, s.now(), s.cfg.RunHour)

	created, err := s.store.CreateSchedule(ctx, sc)
	if err != nil {
		return store.Schedule{}, err
	}
	s.log.Info("schedule created",
		zap.String("id", created.ID),
		zap.String("name", created.Name),
		zap.String("frequency", string(created.Frequency)),
		zap.Time("next_run_at", created.NextRunAt),
	)
	return created, nil
}

// Update applies p to schedule id. A frequency change recomputes next_run_at.
func (s *Scheduler) Update(ctx context.Context, id string, p Patch) (store.Schedule, error) {
	if p.Frequency != nil {
		f := strings.ToLower(strings.TrimSpace(*p.Frequency))
		p.Frequency = &f
	}
	clearWebhook := p.AlertWebhook != nil && strings.TrimSpace(*p.AlertWebhook) == ""
	if clearWebhook {
		p.AlertWebhook = nil
	}
	if err := checkInput("update schedule", p); err != nil {
		return store.Schedule{}, err
	}
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return store.Schedule{}, err
	}

	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if name == "" {
			return store.Schedule{}, apperr.Validation("update schedule", "name is invalid (required)")
		}
		sc.Name = name
	}
	if p.Description != nil {
		sc.Description = *p.Description
	}
	if p.CronExpression != nil {
		sc.CronExpression = *p.CronExpression
	}
	if p.TestCaseIDs != nil {
		sc.TestCaseIDs = *p.TestCaseIDs
	}
	if p.AlertThreshold != nil {
		sc.AlertThreshold = *p.AlertThreshold
	}
	if p.AlertOnRegression != nil {
		sc.AlertOnRegression = *p.AlertOnRegression
	}
	if p.AlertWebhook != nil {
		sc.AlertWebhook = strings.TrimSpace(*p.AlertWebhook)
	}
	if clearWebhook {
		sc.AlertWebhook = ""
	}
	if p.Enabled != nil {
		sc.Enabled = *p.Enabled
	}
	if p.Frequency != nil && store.Frequency(*p.Frequency) != sc.Frequency {
		sc.Frequency = store.Frequency(*p.Frequency)
		sc.NextRunAt = NextRun(sc.Frequency, s.now(), s.cfg.RunHour)
	}

	return s.store.UpdateSchedule(ctx, sc)
}

func (s *Scheduler) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	s.log.Info("schedule deleted", zap.String("id", id))
	return nil
}

func (s *Scheduler) Get(ctx context.Context, id string) (store.Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

func (s *Scheduler) List(ctx context.Context) ([]store.Schedule, error) {
	return s.store.ListSchedules(ctx)
}

// #endregion crud
