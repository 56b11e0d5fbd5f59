package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"recurd/internal/model"
	logx "recurd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqlStore implements Store on database/sql. Queries are written with "?"
// placeholders and rebound for drivers that use numbered parameters.
type sqlStore struct {
	db       *sql.DB
	log      logx.Logger
	numbered bool
	onClose  func()
}

func (s *sqlStore) q(query string) string {
	if !s.numbered {
		return query
	}
	return rebind(query)
}

// rebind rewrites "?" placeholders as "$1", "$2", ...
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	for _, stmt := range splitStatements(string(b)) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func splitStatements(script string) []string {
	var out []string
	var cur strings.Builder
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
		}
	}
	if rest := strings.TrimSpace(cur.String()); rest != "" {
		out = append(out, rest)
	}
	return out
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	if s.onClose != nil {
		s.onClose()
	}
	return err
}

func (s *sqlStore) PutTemplate(ctx context.Context, t model.Template) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if t.ID == "" {
		return errors.New("template id is required")
	}
	if t.OriginalSeriesID == "" {
		t.OriginalSeriesID = t.ID
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	att, err := json.Marshal(nonNil(t.Attachments))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO templates(id, organization_id, original_series_id, name, description, location,
		   all_day, is_public, is_registerable, is_active, start_at, end_at,
		   creator_id, updater_id, created_at, updated_at, attachments)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   organization_id=excluded.organization_id,
		   original_series_id=excluded.original_series_id,
		   name=excluded.name,
		   description=excluded.description,
		   location=excluded.location,
		   all_day=excluded.all_day,
		   is_public=excluded.is_public,
		   is_registerable=excluded.is_registerable,
		   is_active=excluded.is_active,
		   start_at=excluded.start_at,
		   end_at=excluded.end_at,
		   updater_id=excluded.updater_id,
		   updated_at=excluded.updated_at,
		   attachments=excluded.attachments`),
		t.ID, t.OrganizationID, t.OriginalSeriesID, t.Name, t.Description, t.Location,
		t.AllDay, t.IsPublic, t.IsRegisterable, t.IsActive, toMS(t.StartAt), toMS(t.EndAt),
		t.CreatorID, t.UpdaterID, toMS(t.CreatedAt), toMS(t.UpdatedAt), string(att),
	)
	return err
}

func (s *sqlStore) PutRule(ctx context.Context, r model.RecurrenceRule) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.ID == "" || r.BaseRecurringEventID == "" {
		return errors.New("rule id and base recurring event id are required")
	}
	if r.OrganizationID == "" {
		err := s.db.QueryRowContext(ctx, s.q(`SELECT organization_id FROM templates WHERE id = ?`),
			r.BaseRecurringEventID).Scan(&r.OrganizationID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
	}
	byDay, _ := json.Marshal(nonNil(r.ByDay))
	byMonthDay, _ := json.Marshal(nonNil(r.ByMonthDay))
	byMonth, _ := json.Marshal(nonNil(r.ByMonth))

	var count, until any
	if r.Count != nil {
		count = int64(*r.Count)
	}
	if r.Until != nil {
		until = toMS(*r.Until)
	}
	var start int64
	if !r.RecurrenceStartDate.IsZero() {
		start = toMS(r.RecurrenceStartDate)
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO recurrence_rules(id, base_recurring_event_id, organization_id, frequency, interval_n,
		   count_n, until_at, by_day, by_month_day, by_month, recurrence_start_date)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   base_recurring_event_id=excluded.base_recurring_event_id,
		   organization_id=excluded.organization_id,
		   frequency=excluded.frequency,
		   interval_n=excluded.interval_n,
		   count_n=excluded.count_n,
		   until_at=excluded.until_at,
		   by_day=excluded.by_day,
		   by_month_day=excluded.by_month_day,
		   by_month=excluded.by_month,
		   recurrence_start_date=excluded.recurrence_start_date`),
		r.ID, r.BaseRecurringEventID, r.OrganizationID, string(r.Frequency), int64(r.Interval),
		count, until, string(byDay), string(byMonthDay), string(byMonth), start,
	)
	return err
}

func (s *sqlStore) PutException(ctx context.Context, e model.Exception) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.ID == "" {
		return errors.New("exception id is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(nonNilMap(e.ExceptionData))
	if err != nil {
		return err
	}
	var updated, instStart any
	if e.UpdatedAt != nil {
		updated = toMS(*e.UpdatedAt)
	}
	if e.InstanceStartTime != nil {
		instStart = toMS(*e.InstanceStartTime)
	}
	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO instance_exceptions(id, recurring_event_instance_id, base_recurring_event_id, organization_id,
		   exception_data, instance_start_time, creator_id, updater_id, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   recurring_event_instance_id=excluded.recurring_event_instance_id,
		   exception_data=excluded.exception_data,
		   instance_start_time=excluded.instance_start_time,
		   updater_id=excluded.updater_id,
		   updated_at=excluded.updated_at`),
		e.ID, nullStr(e.RecurringEventInstanceID), e.BaseRecurringEventID, e.OrganizationID,
		string(data), instStart, e.CreatorID, e.UpdaterID, toMS(e.CreatedAt), updated,
	)
	return err
}

func (s *sqlStore) ListOrganizationsWithActiveTemplates(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return s.listStrings(ctx, s.q(`SELECT DISTINCT organization_id FROM templates WHERE is_active = ? ORDER BY organization_id`), true)
}

func (s *sqlStore) ListOrganizations(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return s.listStrings(ctx,
		`SELECT organization_id FROM templates
		 UNION
		 SELECT organization_id FROM generated_instances
		 ORDER BY organization_id`)
}

func (s *sqlStore) listStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

const templateColumns = `id, organization_id, original_series_id, name, description, location,
	all_day, is_public, is_registerable, is_active, start_at, end_at,
	creator_id, updater_id, created_at, updated_at, attachments`

func (s *sqlStore) ListActiveTemplates(ctx context.Context, orgID string) ([]model.Template, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return s.templates(ctx, s.q(`SELECT `+templateColumns+` FROM templates
		WHERE organization_id = ? AND is_active = ? ORDER BY id`), orgID, true)
}

func (s *sqlStore) GetTemplates(ctx context.Context, ids []string) ([]model.Template, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.templates(ctx, s.q(`SELECT `+templateColumns+` FROM templates
		WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id`), args...)
}

func (s *sqlStore) templates(ctx context.Context, query string, args ...any) ([]model.Template, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Template
	for rows.Next() {
		var (
			t                                  model.Template
			startAt, endAt, createdAt, updated int64
			att                                string
		)
		if err := rows.Scan(&t.ID, &t.OrganizationID, &t.OriginalSeriesID, &t.Name, &t.Description, &t.Location,
			&t.AllDay, &t.IsPublic, &t.IsRegisterable, &t.IsActive, &startAt, &endAt,
			&t.CreatorID, &t.UpdaterID, &createdAt, &updated, &att); err != nil {
			return nil, err
		}
		t.StartAt, t.EndAt = fromMS(startAt), fromMS(endAt)
		t.CreatedAt, t.UpdatedAt = fromMS(createdAt), fromMS(updated)
		if att != "" && att != "[]" {
			if err := json.Unmarshal([]byte(att), &t.Attachments); err != nil {
				s.log.Warn("template attachments decode failed", logx.Template(t.ID), logx.Err(err))
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListRules(ctx context.Context, orgID string) ([]model.RecurrenceRule, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, base_recurring_event_id, organization_id, frequency, interval_n,
		   count_n, until_at, by_day, by_month_day, by_month, recurrence_start_date
		 FROM recurrence_rules
		 WHERE organization_id = ?
		    OR (organization_id = '' AND base_recurring_event_id IN (SELECT id FROM templates WHERE organization_id = ?))
		 ORDER BY id`), orgID, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.RecurrenceRule
	for rows.Next() {
		var (
			r                          model.RecurrenceRule
			freq                       string
			interval, start            int64
			count, until               sql.NullInt64
			byDay, byMonthDay, byMonth string
		)
		if err := rows.Scan(&r.ID, &r.BaseRecurringEventID, &r.OrganizationID, &freq, &interval,
			&count, &until, &byDay, &byMonthDay, &byMonth, &start); err != nil {
			return nil, err
		}
		r.Frequency = model.Frequency(freq)
		r.Interval = int(interval)
		if count.Valid {
			n := int(count.Int64)
			r.Count = &n
		}
		if until.Valid {
			u := fromMS(until.Int64)
			r.Until = &u
		}
		if r.OrganizationID == "" {
			r.OrganizationID = orgID
		}
		if err := decodeRuleFilters(r.ID, byDay, byMonthDay, byMonth, &r); err != nil {
			return nil, err
		}
		if start != 0 {
			r.RecurrenceStartDate = fromMS(start)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) InsertInstance(ctx context.Context, inst model.GeneratedInstance) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	var total any
	if inst.TotalCount != nil {
		total = int64(*inst.TotalCount)
	}
	if inst.Version == 0 {
		inst.Version = 1
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO generated_instances(id, base_recurring_event_id, recurrence_rule_id,
		   original_instance_start_time, actual_start_time, actual_end_time, is_cancelled,
		   organization_id, sequence_number, total_count, generated_at, last_updated_at, version)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT DO NOTHING`),
		inst.ID, inst.BaseRecurringEventID, inst.RecurrenceRuleID,
		toMS(inst.OriginalInstanceStartTime), toMS(inst.ActualStartTime), toMS(inst.ActualEndTime), inst.IsCancelled,
		inst.OrganizationID, int64(inst.SequenceNumber), total, toMS(inst.GeneratedAt), toMS(inst.LastUpdatedAt), int64(inst.Version),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqlStore) ListInstanceStarts(ctx context.Context, templateID string, from, to time.Time) ([]time.Time, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT original_instance_start_time FROM generated_instances
		 WHERE base_recurring_event_id = ? AND original_instance_start_time >= ? AND original_instance_start_time < ?
		 ORDER BY original_instance_start_time`), templateID, toMS(from), toMS(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []time.Time
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, err
		}
		out = append(out, fromMS(ms))
	}
	return out, rows.Err()
}

func (s *sqlStore) ListInstances(ctx context.Context, orgID string, from, to time.Time) ([]model.GeneratedInstance, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, base_recurring_event_id, recurrence_rule_id, original_instance_start_time,
		   actual_start_time, actual_end_time, is_cancelled, organization_id, sequence_number,
		   total_count, generated_at, last_updated_at, version
		 FROM generated_instances
		 WHERE organization_id = ? AND original_instance_start_time >= ? AND original_instance_start_time < ?
		 ORDER BY original_instance_start_time, base_recurring_event_id`), orgID, toMS(from), toMS(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.GeneratedInstance
	for rows.Next() {
		var (
			inst                                 model.GeneratedInstance
			orig, start, end, generated, updated int64
			seq, version                         int64
			total                                sql.NullInt64
		)
		if err := rows.Scan(&inst.ID, &inst.BaseRecurringEventID, &inst.RecurrenceRuleID, &orig,
			&start, &end, &inst.IsCancelled, &inst.OrganizationID, &seq,
			&total, &generated, &updated, &version); err != nil {
			return nil, err
		}
		inst.OriginalInstanceStartTime = fromMS(orig)
		inst.ActualStartTime, inst.ActualEndTime = fromMS(start), fromMS(end)
		inst.GeneratedAt, inst.LastUpdatedAt = fromMS(generated), fromMS(updated)
		inst.SequenceNumber, inst.Version = int(seq), int(version)
		if total.Valid {
			n := int(total.Int64)
			inst.TotalCount = &n
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *sqlStore) CountInstances(ctx context.Context, templateID string) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var n int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM generated_instances WHERE base_recurring_event_id = ?`), templateID).Scan(&n)
	return int(n), err
}

func (s *sqlStore) DeleteInstancesBefore(ctx context.Context, orgID string, before time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	cutoff := toMS(before)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	// Exceptions go first so the purge does not depend on FK enforcement.
	if _, err := tx.ExecContext(ctx, s.q(
		`DELETE FROM instance_exceptions WHERE recurring_event_instance_id IN (
		   SELECT id FROM generated_instances WHERE organization_id = ? AND original_instance_start_time < ?)`),
		orgID, cutoff); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, s.q(
		`DELETE FROM instance_exceptions
		 WHERE organization_id = ? AND recurring_event_instance_id IS NULL
		   AND instance_start_time IS NOT NULL AND instance_start_time < ?`),
		orgID, cutoff); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, s.q(
		`DELETE FROM generated_instances WHERE organization_id = ? AND original_instance_start_time < ?`),
		orgID, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *sqlStore) ListExceptions(ctx context.Context, orgID string, templateIDs []string) ([]model.Exception, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if len(templateIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(templateIDs)+1)
	args = append(args, orgID)
	for _, id := range templateIDs {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, recurring_event_instance_id, base_recurring_event_id, organization_id,
		   exception_data, instance_start_time, creator_id, updater_id, created_at, updated_at
		 FROM instance_exceptions
		 WHERE organization_id = ? AND base_recurring_event_id IN (`+placeholders(len(templateIDs))+`)
		 ORDER BY COALESCE(updated_at, created_at), id`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Exception
	for rows.Next() {
		var (
			e                  model.Exception
			instID             sql.NullString
			data               string
			instStart, updated sql.NullInt64
			created            int64
		)
		if err := rows.Scan(&e.ID, &instID, &e.BaseRecurringEventID, &e.OrganizationID,
			&data, &instStart, &e.CreatorID, &e.UpdaterID, &created, &updated); err != nil {
			return nil, err
		}
		e.RecurringEventInstanceID = instID.String
		e.CreatedAt = fromMS(created)
		if updated.Valid {
			u := fromMS(updated.Int64)
			e.UpdatedAt = &u
		}
		if instStart.Valid {
			st := fromMS(instStart.Int64)
			e.InstanceStartTime = &st
		}
		if err := json.Unmarshal([]byte(data), &e.ExceptionData); err != nil {
			s.log.Warn("exception data decode failed", logx.String("exception", e.ID), logx.Err(err))
			e.ExceptionData = map[string]any{}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetWindow(ctx context.Context, orgID string) (model.GenerationWindow, error) {
	if s == nil || s.db == nil {
		return model.GenerationWindow{}, ErrDisabled
	}
	var (
		w                    model.GenerationWindow
		end, retention, last int64
		processed            int64
	)
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT organization_id, current_window_end, retention_start, last_processed_at, processed_instances
		 FROM generation_windows WHERE organization_id = ?`), orgID).
		Scan(&w.OrganizationID, &end, &retention, &last, &processed)
	if errors.Is(err, sql.ErrNoRows) {
		return model.GenerationWindow{}, ErrNotFound
	}
	if err != nil {
		return model.GenerationWindow{}, err
	}
	w.CurrentWindowEnd, w.RetentionStart, w.LastProcessedAt = fromMS(end), fromMS(retention), fromMS(last)
	w.ProcessedInstances = int(processed)
	return w, nil
}

func (s *sqlStore) PutWindow(ctx context.Context, w model.GenerationWindow) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO generation_windows(organization_id, current_window_end, retention_start, last_processed_at, processed_instances)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(organization_id) DO UPDATE SET
		   current_window_end=excluded.current_window_end,
		   retention_start=excluded.retention_start,
		   last_processed_at=excluded.last_processed_at,
		   processed_instances=excluded.processed_instances`),
		w.OrganizationID, toMS(w.CurrentWindowEnd), toMS(w.RetentionStart), toMS(w.LastProcessedAt), int64(w.ProcessedInstances),
	)
	return err
}

func toMS(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMS(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// decodeRuleFilters fills the BY* filters of r. A column that does not decode
// fails the read: dropping a filter would widen the rule.
func decodeRuleFilters(ruleID, byDay, byMonthDay, byMonth string, r *model.RecurrenceRule) error {
	cols := []struct {
		name string
		raw  string
		dst  any
	}{
		{"by_day", byDay, &r.ByDay},
		{"by_month_day", byMonthDay, &r.ByMonthDay},
		{"by_month", byMonth, &r.ByMonth},
	}
	for _, c := range cols {
		if c.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(c.raw), c.dst); err != nil {
			return fmt.Errorf("rule %s: decode %s: %w", ruleID, c.name, err)
		}
	}
	return nil
}
