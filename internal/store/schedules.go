package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/evalpipe/internal/apperr"
)

// #region rows

const scheduleColumns = `id, name, description, frequency, cron_expression, test_case_ids_json,
	alert_threshold, alert_on_regression, alert_webhook, enabled, next_run_at, last_run_at,
	created_at, updated_at`

type scheduleRow struct {
	ID                string         `db:"id"`
	Name              string         `db:"name"`
	Description       sql.NullString `db:"description"`
	Frequency         string         `db:"frequency"`
	CronExpression    sql.NullString `db:"cron_expression"`
	TestCaseIDsJSON   sql.NullString `db:"test_case_ids_json"`
	AlertThreshold    float64        `db:"alert_threshold"`
	AlertOnRegression bool           `db:"alert_on_regression"`
	AlertWebhook      sql.NullString `db:"alert_webhook"`
	Enabled           bool           `db:"enabled"`
	NextRunAt         string         `db:"next_run_at"`
	LastRunAt         sql.NullString `db:"last_run_at"`
	CreatedAt         string         `db:"created_at"`
	UpdatedAt         string         `db:"updated_at"`
}

func (r scheduleRow) toSchedule() Schedule {
	sc := Schedule{
		ID:                r.ID,
		Name:              r.Name,
		Description:       r.Description.String,
		Frequency:         Frequency(r.Frequency),
		CronExpression:    r.CronExpression.String,
		AlertThreshold:    r.AlertThreshold,
		AlertOnRegression: r.AlertOnRegression,
		AlertWebhook:      r.AlertWebhook.String,
		Enabled:           r.Enabled,
		NextRunAt:         parseTime(r.NextRunAt),
		LastRunAt:         timePtr(r.LastRunAt),
		CreatedAt:         parseTime(r.CreatedAt),
		UpdatedAt:         parseTime(r.UpdatedAt),
	}
	if r.TestCaseIDsJSON.Valid {
		sc.TestCaseIDs = unmarshalIDs(r.TestCaseIDsJSON.String)
	}
	return sc
}

func nullIDs(ids []string) (sql.NullString, error) {
	if ids == nil {
		return sql.NullString{}, nil
	}
	s, err := marshalIDs(ids)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: s, Valid: true}, nil
}

// #endregion rows

// #region create

// CreateSchedule inserts sc as given; callers compute NextRunAt.
func (s *Store) CreateSchedule(ctx context.Context, sc Schedule) (Schedule, error) {
	if sc.ID == "" {
		sc.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	sc.CreatedAt, sc.UpdatedAt = now, now

	ids, err := nullIDs(sc.TestCaseIDs)
	if err != nil {
		return Schedule{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (`+scheduleColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.Name, nullString(sc.Description), string(sc.Frequency), nullString(sc.CronExpression), ids,
		sc.AlertThreshold, boolInt(sc.AlertOnRegression), nullString(sc.AlertWebhook), boolInt(sc.Enabled),
		formatTime(sc.NextRunAt), nullTime(sc.LastRunAt), formatTime(sc.CreatedAt), formatTime(sc.UpdatedAt),
	)
	if err != nil {
		return Schedule{}, apperr.Persistence("insert schedule", err)
	}
	return sc, nil
}

// #endregion create

// #region read

func (s *Store) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	var row scheduleRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id); err != nil {
		return Schedule{}, notFoundOr("get schedule", "schedule", id, err)
	}
	return row.toSchedule(), nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	var rows []scheduleRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+scheduleColumns+` FROM schedules ORDER BY created_at ASC, rowid ASC`); err != nil {
		return nil, apperr.Persistence("list schedules", err)
	}
	return toSchedules(rows), nil
}

// DueSchedules returns enabled schedules whose next_run_at is at or before now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	var rows []scheduleRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE enabled = 1 AND next_run_at <= ?
		 ORDER BY next_run_at ASC, rowid ASC`, formatTime(now))
	if err != nil {
		return nil, apperr.Persistence("due schedules", err)
	}
	return toSchedules(rows), nil
}

func toSchedules(rows []scheduleRow) []Schedule {
	out := make([]Schedule, len(rows))
	for i, r := range rows {
		out[i] = r.toSchedule()
	}
	return out
}

// #endregion read

// #region update

// UpdateSchedule overwrites every mutable field of sc.
func (s *Store) UpdateSchedule(ctx context.Context, sc Schedule) (Schedule, error) {
	ids, err := nullIDs(sc.TestCaseIDs)
	if err != nil {
		return Schedule{}, err
	}
	sc.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET
			name = ?, description = ?, frequency = ?, cron_expression = ?, test_case_ids_json = ?,
			alert_threshold = ?, alert_on_regression = ?, alert_webhook = ?, enabled = ?,
			next_run_at = ?, last_run_at = ?, updated_at = ?
		 WHERE id = ?`,
		sc.Name, nullString(sc.Description), string(sc.Frequency), nullString(sc.CronExpression), ids,
		sc.AlertThreshold, boolInt(sc.AlertOnRegression), nullString(sc.AlertWebhook), boolInt(sc.Enabled),
		formatTime(sc.NextRunAt), nullTime(sc.LastRunAt), formatTime(sc.UpdatedAt), sc.ID,
	)
	if err != nil {
		return Schedule{}, apperr.Persistence("update schedule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Schedule{}, apperr.NotFound("update schedule", "schedule", sc.ID)
	}
	return sc, nil
}

// MarkScheduleRun persists the outcome timestamps of a trigger.
func (s *Store) MarkScheduleRun(ctx context.Context, id string, last, next time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_run_at = ?, next_run_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(last), formatTime(next), formatTime(time.Now()), id)
	if err != nil {
		return apperr.Persistence("mark schedule run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("mark schedule run", "schedule", id)
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return apperr.Persistence("delete schedule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("delete schedule", "schedule", id)
	}
	return nil
}

// #endregion update
