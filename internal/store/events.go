package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"compasscal/internal/model"
)

// insertChunk bounds the rows per multi-row INSERT so the statement stays
// well under SQLite's bound-parameter limit.
const insertChunk = 100

const eventColumns = `id, user_id, calendar_id, provider_event_id, provider_recurring_event_id,
	recurrence_rule, recurrence_event_id, title, description, location,
	start_date, end_date, is_all_day, created_at, updated_at`

// Events is the local event collection, bound to a database or transaction.
type Events struct {
	q     querier
	now   func() time.Time
	newID func() string
}

// UpsertResult describes the outcome of an upsert.
type UpsertResult struct {
	ID       string
	Created  bool // a new row was inserted
	Modified bool // an existing row was changed
}

// Changed reports whether the upsert wrote anything.
func (r UpsertResult) Changed() bool {
	return r.Created || r.Modified
}

// InstanceFields are the fields a base cascades to its instances.
type InstanceFields struct {
	Title       string
	Description string
	Location    string
}

// FieldsOf returns the cascaded fields of e.
func FieldsOf(e model.Event) InstanceFields {
	return InstanceFields{Title: e.Title, Description: e.Description, Location: e.Location}
}

// Clock is the time of day and day span a timed base imposes on its
// instances. StartClock and EndClock use the "15:04:05" layout.
type Clock struct {
	StartClock string
	EndClock   string
	SpanDays   int
}

// ClockOf extracts the Clock from a timed event's start and end.
func ClockOf(e model.Event) (Clock, error) {
	start, err := time.Parse(model.DateTimeLayout, e.StartDate)
	if err != nil {
		return Clock{}, fmt.Errorf("parse start date: %w", err)
	}
	end, err := time.Parse(model.DateTimeLayout, e.EndDate)
	if err != nil {
		return Clock{}, fmt.Errorf("parse end date: %w", err)
	}
	startDay, _ := time.Parse(model.DateLayout, e.StartDate[:10])
	endDay, _ := time.Parse(model.DateLayout, e.EndDate[:10])
	return Clock{
		StartClock: start.Format("15:04:05"),
		EndClock:   end.Format("15:04:05"),
		SpanDays:   int(endDay.Sub(startDay).Hours() / 24),
	}, nil
}

// FindOne returns the event keyed by (user, providerEventID).
func (c *Events) FindOne(ctx context.Context, user, providerEventID string) (model.Event, bool, error) {
	row := c.q.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE user_id = ? AND provider_event_id = ?`,
		user, providerEventID,
	)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, false, nil
	}
	if err != nil {
		return model.Event{}, false, fmt.Errorf("find event: %w", err)
	}
	return ev, true, nil
}

// FindMany returns the events matching the given provider ids, keyed by
// provider id.
func (c *Events) FindMany(ctx context.Context, user string, providerEventIDs []string) (map[string]model.Event, error) {
	out := make(map[string]model.Event, len(providerEventIDs))
	for _, ids := range chunks(providerEventIDs, insertChunk) {
		args := append([]any{user}, toAny(ids)...)
		rows, err := c.q.QueryContext(ctx,
			`SELECT `+eventColumns+` FROM events WHERE user_id = ? AND provider_event_id IN (`+placeholders(len(ids))+`)`,
			args...,
		)
		if err != nil {
			return nil, fmt.Errorf("find events: %w", err)
		}
		events, err := scanEvents(rows)
		if err != nil {
			return nil, fmt.Errorf("find events: %w", err)
		}
		for _, ev := range events {
			out[ev.ProviderEventID] = ev
		}
	}
	return out, nil
}

// ListSeries returns the instances of the base with local id baseID,
// ordered by start.
func (c *Events) ListSeries(ctx context.Context, user, baseID string) ([]model.Event, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE user_id = ? AND recurrence_event_id = ? AND id <> ?
		 ORDER BY start_date, id`,
		user, baseID, baseID,
	)
	if err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	return events, nil
}

// ListProviderIDs returns the provider ids of the standalone events and
// bases stored for (user, calendar). Instances are left out.
func (c *Events) ListProviderIDs(ctx context.Context, user, calendar string) ([]string, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT provider_event_id FROM events
		 WHERE user_id = ? AND calendar_id = ? AND provider_recurring_event_id IS NULL
		 ORDER BY provider_event_id`,
		user, calendar,
	)
	if err != nil {
		return nil, fmt.Errorf("list provider ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list provider ids: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Upsert inserts or updates ev keyed by (user, provider event id). An
// existing row keeps its local id. A row whose stored fields already equal
// ev is left untouched and reported as neither created nor modified.
//
// A base's recurrence back-reference always points at its own local id.
func (c *Events) Upsert(ctx context.Context, ev model.Event) (UpsertResult, error) {
	if ev.User == "" || ev.ProviderEventID == "" {
		return UpsertResult{}, errors.New("upsert event: user and provider event id are required")
	}
	if ev.ID == "" {
		ev.ID = c.newID()
	}
	rule, err := encodeRule(ev.Rule())
	if err != nil {
		return UpsertResult{}, fmt.Errorf("upsert event: %w", err)
	}
	seriesID := ev.SeriesID()
	if rule.Valid {
		seriesID = ev.ID
	}
	now := toMillis(c.now())

	var (
		id       string
		revision int64
	)
	err = c.q.QueryRowContext(ctx, `
		INSERT INTO events (`+eventColumns+`, revision)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT (user_id, provider_event_id) DO UPDATE SET
			calendar_id = excluded.calendar_id,
			provider_recurring_event_id = excluded.provider_recurring_event_id,
			recurrence_rule = excluded.recurrence_rule,
			recurrence_event_id = CASE WHEN excluded.recurrence_rule IS NULL
				THEN excluded.recurrence_event_id ELSE events.id END,
			title = excluded.title,
			description = excluded.description,
			location = excluded.location,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			is_all_day = excluded.is_all_day,
			revision = events.revision + 1,
			updated_at = excluded.updated_at
		WHERE events.calendar_id IS NOT excluded.calendar_id
			OR events.provider_recurring_event_id IS NOT excluded.provider_recurring_event_id
			OR events.recurrence_rule IS NOT excluded.recurrence_rule
			OR events.recurrence_event_id IS NOT (CASE WHEN excluded.recurrence_rule IS NULL
				THEN excluded.recurrence_event_id ELSE events.id END)
			OR events.title IS NOT excluded.title
			OR events.description IS NOT excluded.description
			OR events.location IS NOT excluded.location
			OR events.start_date IS NOT excluded.start_date
			OR events.end_date IS NOT excluded.end_date
			OR events.is_all_day IS NOT excluded.is_all_day
		RETURNING id, revision`,
		ev.ID,
		ev.User,
		ev.Calendar,
		ev.ProviderEventID,
		nullString(ev.ProviderRecurringEventID),
		rule,
		nullString(seriesID),
		ev.Title,
		ev.Description,
		ev.Location,
		ev.StartDate,
		ev.EndDate,
		ev.IsAllDay,
		now,
		now,
	).Scan(&id, &revision)

	if errors.Is(err, sql.ErrNoRows) {
		// Conflict with an identical row: the DO UPDATE was skipped.
		existing, found, ferr := c.FindOne(ctx, ev.User, ev.ProviderEventID)
		if ferr != nil {
			return UpsertResult{}, ferr
		}
		if !found {
			return UpsertResult{}, fmt.Errorf("upsert event %s: row vanished", ev.ProviderEventID)
		}
		return UpsertResult{ID: existing.ID}, nil
	}
	if err != nil {
		return UpsertResult{}, fmt.Errorf("upsert event: %w", err)
	}

	return UpsertResult{ID: id, Created: revision == 0, Modified: revision > 0}, nil
}

// UpsertMany upserts every event in order and returns one result per event.
func (c *Events) UpsertMany(ctx context.Context, events []model.Event) ([]UpsertResult, error) {
	out := make([]UpsertResult, 0, len(events))
	for _, ev := range events {
		res, err := c.Upsert(ctx, ev)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// InsertMany bulk-inserts events, skipping any whose (user, provider id)
// key already exists. It returns the number of rows inserted.
func (c *Events) InsertMany(ctx context.Context, events []model.Event) (int, error) {
	now := toMillis(c.now())
	total := 0
	for _, batch := range chunks(events, insertChunk) {
		values := make([]string, 0, len(batch))
		args := make([]any, 0, len(batch)*15)
		for _, ev := range batch {
			if ev.ID == "" {
				ev.ID = c.newID()
			}
			rule, err := encodeRule(ev.Rule())
			if err != nil {
				return total, fmt.Errorf("insert events: %w", err)
			}
			values = append(values, "("+placeholders(15)+", 0)")
			args = append(args,
				ev.ID, ev.User, ev.Calendar, ev.ProviderEventID,
				nullString(ev.ProviderRecurringEventID), rule, nullString(ev.SeriesID()),
				ev.Title, ev.Description, ev.Location,
				ev.StartDate, ev.EndDate, ev.IsAllDay, now, now,
			)
		}

		res, err := c.q.ExecContext(ctx,
			`INSERT INTO events (`+eventColumns+`, revision) VALUES `+strings.Join(values, ", ")+`
			 ON CONFLICT (user_id, provider_event_id) DO NOTHING`,
			args...,
		)
		if err != nil {
			return total, fmt.Errorf("insert events: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("insert events: rows affected: %w", err)
		}
		total += int(n)
	}
	return total, nil
}

// DeleteOne removes the event keyed by (user, providerEventID) and returns
// the removed row.
func (c *Events) DeleteOne(ctx context.Context, user, providerEventID string) (model.Event, bool, error) {
	row := c.q.QueryRowContext(ctx,
		`DELETE FROM events WHERE user_id = ? AND provider_event_id = ? RETURNING `+eventColumns,
		user, providerEventID,
	)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, false, nil
	}
	if err != nil {
		return model.Event{}, false, fmt.Errorf("delete event: %w", err)
	}
	return ev, true, nil
}

// DeleteMany removes every event with one of the given provider ids and
// returns the removed rows.
func (c *Events) DeleteMany(ctx context.Context, user string, providerEventIDs []string) ([]model.Event, error) {
	var out []model.Event
	for _, ids := range chunks(providerEventIDs, insertChunk) {
		args := append([]any{user}, toAny(ids)...)
		rows, err := c.q.QueryContext(ctx,
			`DELETE FROM events WHERE user_id = ? AND provider_event_id IN (`+placeholders(len(ids))+`)
			 RETURNING `+eventColumns,
			args...,
		)
		if err != nil {
			return nil, fmt.Errorf("delete events: %w", err)
		}
		deleted, err := scanEvents(rows)
		if err != nil {
			return nil, fmt.Errorf("delete events: %w", err)
		}
		out = append(out, deleted...)
	}
	return out, nil
}

// DeleteInstances removes every instance of the base with local id baseID.
// The base itself is kept.
func (c *Events) DeleteInstances(ctx context.Context, user, baseID string) (int64, error) {
	res, err := c.q.ExecContext(ctx,
		`DELETE FROM events WHERE user_id = ? AND recurrence_event_id = ? AND id <> ?`,
		user, baseID, baseID,
	)
	if err != nil {
		return 0, fmt.Errorf("delete instances: %w", err)
	}
	return res.RowsAffected()
}

// UpdateInstances copies fields onto every instance of baseID. Instances
// that already carry the same values are not touched.
func (c *Events) UpdateInstances(ctx context.Context, user, baseID string, fields InstanceFields) (int64, error) {
	res, err := c.q.ExecContext(ctx, `
		UPDATE events SET
			title = ?1, description = ?2, location = ?3,
			revision = revision + 1, updated_at = ?4
		WHERE user_id = ?5 AND recurrence_event_id = ?6 AND id <> ?6
			AND (title IS NOT ?1 OR description IS NOT ?2 OR location IS NOT ?3)`,
		fields.Title, fields.Description, fields.Location,
		toMillis(c.now()), user, baseID,
	)
	if err != nil {
		return 0, fmt.Errorf("update instances: %w", err)
	}
	return res.RowsAffected()
}

// UpdateTimedInstances copies fields onto every timed instance of baseID
// and rewrites start/end in a single statement: each instance keeps its own
// calendar date and UTC offset while taking the base's time of day, and the
// end date is the start date plus the base's day span.
func (c *Events) UpdateTimedInstances(ctx context.Context, user, baseID string, fields InstanceFields, clock Clock) (int64, error) {
	// Timed values are "YYYY-MM-DDTHH:MM:SS+hh:mm": the date is bytes 1-10,
	// the clock 12-19, and the offset starts at byte 20.
	const (
		newStart = `substr(start_date, 1, 11) || ?4 || substr(start_date, 20)`
		newEnd   = `date(substr(start_date, 1, 10), ?5) || 'T' || ?6 || substr(end_date, 20)`
	)
	res, err := c.q.ExecContext(ctx, `
		UPDATE events SET
			title = ?1, description = ?2, location = ?3,
			start_date = `+newStart+`,
			end_date = `+newEnd+`,
			revision = revision + 1, updated_at = ?7
		WHERE user_id = ?8 AND recurrence_event_id = ?9 AND id <> ?9 AND is_all_day = 0
			AND (title IS NOT ?1 OR description IS NOT ?2 OR location IS NOT ?3
				OR start_date IS NOT (`+newStart+`)
				OR end_date IS NOT (`+newEnd+`))`,
		fields.Title, fields.Description, fields.Location,
		clock.StartClock,
		fmt.Sprintf("%+d days", clock.SpanDays),
		clock.EndClock,
		toMillis(c.now()), user, baseID,
	)
	if err != nil {
		return 0, fmt.Errorf("update timed instances: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (model.Event, error) {
	var (
		ev                 model.Event
		providerRecurring  sql.NullString
		rule               sql.NullString
		seriesID           sql.NullString
		createdAt, updated int64
	)
	if err := row.Scan(
		&ev.ID, &ev.User, &ev.Calendar, &ev.ProviderEventID, &providerRecurring,
		&rule, &seriesID, &ev.Title, &ev.Description, &ev.Location,
		&ev.StartDate, &ev.EndDate, &ev.IsAllDay, &createdAt, &updated,
	); err != nil {
		return model.Event{}, err
	}

	ev.ProviderRecurringEventID = providerRecurring.String
	if rule.Valid || seriesID.Valid {
		ev.Recurrence = &model.Recurrence{EventID: seriesID.String}
		if rule.Valid {
			if err := json.Unmarshal([]byte(rule.String), &ev.Recurrence.Rule); err != nil {
				return model.Event{}, fmt.Errorf("decode recurrence rule: %w", err)
			}
		}
	}
	ev.CreatedAt = fromMillis(createdAt)
	ev.UpdatedAt = fromMillis(updated)
	return ev, nil
}

func scanEvents(rows *sql.Rows) ([]model.Event, error) {
	defer rows.Close()
	var out []model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func encodeRule(rule []string) (sql.NullString, error) {
	if len(rule) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(rule)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode recurrence rule: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func chunks[T any](items []T, size int) [][]T {
	var out [][]T
	for size < len(items) {
		items, out = items[size:], append(out, items[:size])
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
