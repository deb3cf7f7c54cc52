package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"

	"compasscal/internal/model"
	"compasscal/internal/recurrence"
	"compasscal/internal/store"
)

var owner = Owner{User: "u1", Calendar: "primary"}

func newTestEnv(t *testing.T) (Env, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewEnv(s, 0), s
}

func standaloneEvent(id, summary string) *calendar.Event {
	return &calendar.Event{
		Id:      id,
		Status:  "confirmed",
		Summary: summary,
		Start:   &calendar.EventDateTime{DateTime: "2025-03-10T12:00:00Z", TimeZone: "UTC"},
		End:     &calendar.EventDateTime{DateTime: "2025-03-10T13:00:00Z", TimeZone: "UTC"},
	}
}

// baseEvent starts on Monday 2025-03-03 at 09:00 UTC and lasts 30 minutes.
func baseEvent(id, summary string, rule ...string) *calendar.Event {
	return &calendar.Event{
		Id:         id,
		Status:     "confirmed",
		Summary:    summary,
		Start:      &calendar.EventDateTime{DateTime: "2025-03-03T09:00:00Z", TimeZone: "UTC"},
		End:        &calendar.EventDateTime{DateTime: "2025-03-03T09:30:00Z", TimeZone: "UTC"},
		Recurrence: rule,
	}
}

func instanceID(baseID string, day int) string {
	return recurrence.InstanceID(baseID, time.Date(2025, 3, day, 9, 0, 0, 0, time.UTC), false)
}

func cancelled(id string) *calendar.Event {
	return &calendar.Event{Id: id, Status: "cancelled"}
}

func cancelledInstance(baseID string, day int) *calendar.Event {
	return &calendar.Event{
		Id:               instanceID(baseID, day),
		Status:           "cancelled",
		RecurringEventId: baseID,
		OriginalStartTime: &calendar.EventDateTime{
			DateTime: time.Date(2025, 3, day, 9, 0, 0, 0, time.UTC).Format(time.RFC3339),
		},
	}
}

func apply(t *testing.T, env Env, e *calendar.Event) []model.Change {
	t.Helper()
	parsed, err := NewParser(env, owner, e).Init(context.Background(), nil)
	require.NoError(t, err)
	changes, err := parsed.Apply(context.Background(), nil)
	require.NoError(t, err)
	return changes
}

func operations(changes []model.Change) []model.Operation {
	out := make([]model.Operation, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.Operation)
	}
	return out
}

func seriesOf(t *testing.T, s *store.Store, providerID string) (model.Event, []model.Event) {
	t.Helper()
	ctx := context.Background()
	base, found, err := s.Events(nil).FindOne(ctx, owner.User, providerID)
	require.NoError(t, err)
	require.True(t, found, "base %s not stored", providerID)
	instances, err := s.Events(nil).ListSeries(ctx, owner.User, base.ID)
	require.NoError(t, err)
	return base, instances
}

func TestTransitionTable_Exhaustive(t *testing.T) {
	priors := append([]model.Category{nilCategory}, model.Categories...)
	total := 0
	for _, prior := range priors {
		for _, incoming := range model.Categories {
			for _, status := range model.Statuses {
				key := tr(prior, incoming, status)
				_, routed := routes[key]
				_, rejected := unsupported[key]
				assert.True(t, routed != rejected, "transition %s must be routed or unsupported, not both or neither", key)
				total++
			}
		}
	}
	assert.Equal(t, 24, total)
	assert.Equal(t, total, len(routes)+len(unsupported))
}

// detachedAsInstance is a provider instance whose id is stored locally as a
// standalone event.
func detachedAsInstance() *calendar.Event {
	return &calendar.Event{
		Id:               "x_20250310T120000Z",
		Status:           "confirmed",
		RecurringEventId: "x",
		Start:            &calendar.EventDateTime{DateTime: "2025-03-10T12:00:00Z"},
		End:              &calendar.EventDateTime{DateTime: "2025-03-10T13:00:00Z"},
	}
}

func TestApply_UnsupportedTransition(t *testing.T) {
	env, _ := newTestEnv(t)
	apply(t, env, standaloneEvent("x_20250310T120000Z", "One-off"))

	parsed, err := NewParser(env, owner, detachedAsInstance()).Init(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "[STANDALONE, RECURRENCE_INSTANCE_CONFIRMED]", parsed.Transition().String())

	_, err = parsed.Apply(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, IsTransitionError(err))
}

func TestApply_InstanceWithoutLocalRow(t *testing.T) {
	env, s := newTestEnv(t)
	apply(t, env, baseEvent("b1", "Standup", "RRULE:FREQ=DAILY;COUNT=2"))

	at := time.Date(2025, 3, 20, 9, 0, 0, 0, time.UTC)
	moved := &calendar.Event{
		Id:                recurrence.InstanceID("b1", at, false),
		Status:            "confirmed",
		Summary:           "Standup (moved)",
		RecurringEventId:  "b1",
		OriginalStartTime: &calendar.EventDateTime{DateTime: at.Format(time.RFC3339)},
		Start:             &calendar.EventDateTime{DateTime: "2025-03-20T11:00:00Z"},
		End:               &calendar.EventDateTime{DateTime: "2025-03-20T11:30:00Z"},
	}
	changes := apply(t, env, moved)
	require.Len(t, changes, 1)
	assert.Equal(t, model.InstanceCreated, changes[0].Operation)
	assert.Equal(t, "[NIL, RECURRENCE_INSTANCE_CONFIRMED]", changes[0].Transition.String())

	base, _ := seriesOf(t, s, "b1")
	got, found, err := s.Events(nil).FindOne(context.Background(), owner.User, moved.Id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, base.ID, got.SeriesID())
	assert.Equal(t, "Standup (moved)", got.Title)

	orphan := &calendar.Event{
		Id:               "b9_20250304T090000Z",
		Status:           "confirmed",
		RecurringEventId: "b9",
		Start:            &calendar.EventDateTime{DateTime: "2025-03-04T09:00:00Z"},
		End:              &calendar.EventDateTime{DateTime: "2025-03-04T09:30:00Z"},
	}
	parsed, err := NewParser(env, owner, orphan).Init(context.Background(), nil)
	require.NoError(t, err)
	_, err = parsed.Apply(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, IsOrphanInstanceError(err))
	assert.False(t, IsTransitionError(err))
}

func TestInit_Accessors(t *testing.T) {
	env, _ := newTestEnv(t)
	ctx := context.Background()

	parsed, err := NewParser(env, owner, standaloneEvent("e1", "Lunch")).Init(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, model.Standalone, parsed.Category())
	assert.Equal(t, nilCategory, parsed.MatchCategory())
	assert.Equal(t, model.Confirmed, parsed.Status())
	_, found := parsed.Match()
	assert.False(t, found)
	assert.Nil(t, parsed.Rule())

	apply(t, env, baseEvent("b1", "Standup", "RRULE:FREQ=DAILY;COUNT=3"))
	parsed, err = NewParser(env, owner, baseEvent("b1", "Standup", "RRULE:FREQ=DAILY;COUNT=3")).Init(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, model.RecurrenceBase, parsed.MatchCategory())
	require.NotNil(t, parsed.Rule())
	require.NotNil(t, parsed.MatchRule())
	assert.Empty(t, parsed.Rule().DiffOptions(parsed.MatchRule()))
}

func TestInit_RejectsBadRule(t *testing.T) {
	env, _ := newTestEnv(t)
	_, err := NewParser(env, owner, baseEvent("b1", "x", "RRULE:FREQ=DAILY;COUNT=0")).Init(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, recurrence.IsParseError(err))
}

func TestUpsert_Idempotent(t *testing.T) {
	env, _ := newTestEnv(t)

	first := apply(t, env, standaloneEvent("e1", "Lunch"))
	require.Len(t, first, 1)
	assert.Equal(t, model.RegularCreated, first[0].Operation)
	assert.Equal(t, "[NIL, STANDALONE_CONFIRMED]", first[0].Transition.String())

	assert.Empty(t, apply(t, env, standaloneEvent("e1", "Lunch")))

	third := apply(t, env, standaloneEvent("e1", "Late lunch"))
	require.Len(t, third, 1)
	assert.Equal(t, model.RegularUpdated, third[0].Operation)
	assert.Equal(t, first[0].LocalID, third[0].LocalID)
}

func TestDelete_CancelledStandalone(t *testing.T) {
	env, s := newTestEnv(t)
	apply(t, env, standaloneEvent("e1", "Lunch"))

	changes := apply(t, env, cancelled("e1"))
	require.Len(t, changes, 1)
	assert.Equal(t, model.RegularDeleted, changes[0].Operation)
	assert.Equal(t, "[STANDALONE, STANDALONE_CANCELLED]", changes[0].Transition.String())
	assert.Equal(t, "Lunch", changes[0].Title)

	_, found, err := s.Events(nil).FindOne(context.Background(), owner.User, "e1")
	require.NoError(t, err)
	assert.False(t, found)

	assert.Empty(t, apply(t, env, cancelled("e1")), "unknown cancellation is a no-op")
}

func TestCreateSeries_ClampsToCap(t *testing.T) {
	env, s := newTestEnv(t)

	changes := apply(t, env, baseEvent("b1", "Daily", "RRULE:FREQ=DAILY;COUNT=1000"))
	require.Len(t, changes, 1)
	assert.Equal(t, model.SeriesCreated, changes[0].Operation)
	assert.Equal(t, model.RecurrenceBase, changes[0].Category)

	base, instances := seriesOf(t, s, "b1")
	assert.Len(t, instances, recurrence.MaxRecurrences)
	assert.Equal(t, []string{"RRULE:FREQ=DAILY;COUNT=730"}, base.Rule())
	assert.Equal(t, base.ID, base.SeriesID())
	for _, inst := range instances[:3] {
		assert.Equal(t, base.ID, inst.SeriesID())
		assert.Equal(t, "b1", inst.ProviderRecurringEventID)
	}
}

func TestUpdateSeries_Idempotent(t *testing.T) {
	env, _ := newTestEnv(t)
	base := baseEvent("b1", "Standup", "RRULE:FREQ=WEEKLY;COUNT=4")

	require.Len(t, apply(t, env, base), 1)
	assert.Empty(t, apply(t, env, base))
}

func TestUpdateSeries_CascadesTitle(t *testing.T) {
	env, s := newTestEnv(t)
	apply(t, env, baseEvent("b1", "Standup", "RRULE:FREQ=DAILY;COUNT=4"))
	_, before := seriesOf(t, s, "b1")

	changes := apply(t, env, baseEvent("b1", "Daily sync", "RRULE:FREQ=DAILY;COUNT=4"))
	require.Len(t, changes, 1)
	assert.Equal(t, model.SeriesUpdated, changes[0].Operation)
	assert.Equal(t, "[RECURRENCE_BASE, RECURRENCE_BASE_CONFIRMED]", changes[0].Transition.String())

	_, after := seriesOf(t, s, "b1")
	require.Len(t, after, len(before))
	for i := range after {
		assert.Equal(t, before[i].ID, after[i].ID, "instances must not be recreated")
		assert.Equal(t, "Daily sync", after[i].Title)
		assert.Equal(t, before[i].StartDate, after[i].StartDate)
	}
}

func TestUpdateSeries_CascadesTimeOfDay(t *testing.T) {
	env, s := newTestEnv(t)
	apply(t, env, baseEvent("b1", "Standup", "RRULE:FREQ=DAILY;COUNT=3"))

	moved := baseEvent("b1", "Standup", "RRULE:FREQ=DAILY;COUNT=3")
	moved.Start.DateTime = "2025-03-03T14:15:00Z"
	moved.End.DateTime = "2025-03-03T15:00:00Z"
	changes := apply(t, env, moved)
	require.Len(t, changes, 1)
	assert.Equal(t, model.SeriesUpdated, changes[0].Operation)

	_, instances := seriesOf(t, s, "b1")
	require.Len(t, instances, 3)
	for i, inst := range instances {
		day := 3 + i
		assert.Equal(t, time.Date(2025, 3, day, 0, 0, 0, 0, time.UTC).Format("2006-01-02")+"T14:15:00+00:00", inst.StartDate)
		assert.Equal(t, time.Date(2025, 3, day, 0, 0, 0, 0, time.UTC).Format("2006-01-02")+"T15:00:00+00:00", inst.EndDate)
	}
}

func TestUpdateSeries_SplitsOnShapeChange(t *testing.T) {
	env, s := newTestEnv(t)
	apply(t, env, baseEvent("b1", "Gym", "RRULE:FREQ=WEEKLY;UNTIL=20250329T000000Z"))
	base, before := seriesOf(t, s, "b1")
	require.Len(t, before, 4)

	incoming := baseEvent("b1", "Gym", "RRULE:FREQ=WEEKLY;BYDAY=MO,WE;UNTIL=20250329T000000Z")
	changes := apply(t, env, incoming)
	require.Len(t, changes, 1)
	assert.Equal(t, model.SeriesUpdated, changes[0].Operation)

	rule, err := recurrence.New(incoming, 0)
	require.NoError(t, err)

	splitBase, after := seriesOf(t, s, "b1")
	assert.Equal(t, base.ID, splitBase.ID, "base keeps its identity")
	assert.Len(t, after, rule.Count())
	assert.Len(t, after, 2*len(before))

	oldIDs := map[string]bool{}
	for _, inst := range before {
		oldIDs[inst.ID] = true
	}
	for _, inst := range after {
		assert.False(t, oldIDs[inst.ID], "old instance %s survived the split", inst.ID)
	}
}

func TestUpdateSeries_SplitsOnFrequencyChange(t *testing.T) {
	env, s := newTestEnv(t)
	apply(t, env, baseEvent("b1", "Review", "RRULE:FREQ=WEEKLY;COUNT=3"))

	changes := apply(t, env, baseEvent("b1", "Review", "RRULE:FREQ=DAILY;COUNT=5"))
	require.Len(t, changes, 1)

	base, instances := seriesOf(t, s, "b1")
	require.Len(t, instances, 5)
	assert.Equal(t, "2025-03-04T09:00:00+00:00", instances[1].StartDate)
	assert.Equal(t, []string{"RRULE:FREQ=DAILY;COUNT=5"}, base.Rule())
}

func TestCancelSeries(t *testing.T) {
	env, s := newTestEnv(t)
	apply(t, env, baseEvent("b1", "Standup", "RRULE:FREQ=DAILY;COUNT=3"))
	base, _ := seriesOf(t, s, "b1")

	cancelledBase := baseEvent("b1", "Standup", "RRULE:FREQ=DAILY;COUNT=3")
	cancelledBase.Status = "cancelled"
	changes := apply(t, env, cancelledBase)
	require.Len(t, changes, 1)
	assert.Equal(t, model.SeriesDeleted, changes[0].Operation)
	assert.Equal(t, base.ID, changes[0].LocalID)

	instances, err := s.Events(nil).ListSeries(context.Background(), owner.User, base.ID)
	require.NoError(t, err)
	assert.Empty(t, instances)
	_, found, err := s.Events(nil).FindOne(context.Background(), owner.User, "b1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestInstanceUpsert(t *testing.T) {
	env, s := newTestEnv(t)
	apply(t, env, baseEvent("b1", "Standup", "RRULE:FREQ=DAILY;COUNT=3"))
	base, _ := seriesOf(t, s, "b1")

	exception := &calendar.Event{
		Id:               instanceID("b1", 4),
		Status:           "confirmed",
		Summary:          "Standup (moved)",
		RecurringEventId: "b1",
		Start:            &calendar.EventDateTime{DateTime: "2025-03-04T11:00:00Z", TimeZone: "UTC"},
		End:              &calendar.EventDateTime{DateTime: "2025-03-04T11:30:00Z", TimeZone: "UTC"},
	}
	changes := apply(t, env, exception)
	require.Len(t, changes, 1)
	assert.Equal(t, model.InstanceUpdated, changes[0].Operation)
	assert.Equal(t, "[RECURRENCE_INSTANCE, RECURRENCE_INSTANCE_CONFIRMED]", changes[0].Transition.String())

	got, _, err := s.Events(nil).FindOne(context.Background(), owner.User, exception.Id)
	require.NoError(t, err)
	assert.Equal(t, base.ID, got.SeriesID())
	assert.Equal(t, "2025-03-04T11:00:00+00:00", got.StartDate)

	assert.Empty(t, apply(t, env, exception))
}

func TestStandaloneToSeries(t *testing.T) {
	env, s := newTestEnv(t)
	created := apply(t, env, standaloneEvent("e1", "Lunch"))
	require.Len(t, created, 1)

	changes := apply(t, env, baseEvent("e1", "Lunch", "RRULE:FREQ=DAILY;COUNT=3"))
	require.Len(t, changes, 1)
	assert.Equal(t, model.SeriesCreated, changes[0].Operation)
	assert.Equal(t, "[STANDALONE, RECURRENCE_BASE_CONFIRMED]", changes[0].Transition.String())

	base, instances := seriesOf(t, s, "e1")
	assert.Equal(t, created[0].LocalID, base.ID)
	assert.Len(t, instances, 3)
}

func TestSeriesToStandalone(t *testing.T) {
	env, s := newTestEnv(t)
	apply(t, env, baseEvent("b1", "Standup", "RRULE:FREQ=DAILY;COUNT=3"))
	base, _ := seriesOf(t, s, "b1")

	single := baseEvent("b1", "Standup")
	changes := apply(t, env, single)
	require.Len(t, changes, 1)
	assert.Equal(t, model.RegularUpdated, changes[0].Operation)
	assert.Equal(t, "[RECURRENCE_BASE, STANDALONE_CONFIRMED]", changes[0].Transition.String())

	got, instances := seriesOf(t, s, "b1")
	assert.Equal(t, base.ID, got.ID)
	assert.Nil(t, got.Recurrence)
	assert.Empty(t, instances)
}

func TestProcessEvents_Mixed(t *testing.T) {
	env, s := newTestEnv(t)
	proc := NewProcessor(env, Options{Concurrency: 4})
	ctx := context.Background()

	_, err := proc.ProcessEvents(ctx, owner, []*calendar.Event{
		baseEvent("b1", "Standup", "RRULE:FREQ=DAILY;COUNT=4"),
	})
	require.NoError(t, err)

	changes, err := proc.ProcessEvents(ctx, owner, []*calendar.Event{
		cancelledInstance("b1", 4),
		cancelledInstance("b1", 5),
		baseEvent("b1", "Daily sync", "RRULE:FREQ=DAILY;COUNT=4"),
	})
	require.NoError(t, err)
	assert.Equal(t, []model.Operation{
		model.SeriesUpdated,
		model.InstanceDeleted,
		model.InstanceDeleted,
	}, operations(changes))

	_, instances := seriesOf(t, s, "b1")
	require.Len(t, instances, 2)
	for _, inst := range instances {
		assert.Equal(t, "Daily sync", inst.Title)
	}
}

func TestProcessEvents_RegularBulk(t *testing.T) {
	env, _ := newTestEnv(t)
	proc := NewProcessor(env, Options{})
	ctx := context.Background()

	changes, err := proc.ProcessEvents(ctx, owner, []*calendar.Event{
		standaloneEvent("e1", "One"),
		standaloneEvent("e2", "Two"),
		cancelled("e3"),
	})
	require.NoError(t, err)
	assert.Equal(t, []model.Operation{model.RegularCreated, model.RegularCreated}, operations(changes))

	changes, err = proc.ProcessEvents(ctx, owner, []*calendar.Event{
		standaloneEvent("e1", "One"),
		standaloneEvent("e2", "Two (edited)"),
		cancelled("e1"),
	})
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, model.RegularUpdated, changes[0].Operation)
	assert.Equal(t, "[STANDALONE, STANDALONE_CONFIRMED]", changes[0].Transition.String())
	assert.Equal(t, model.RegularDeleted, changes[1].Operation)
	assert.Equal(t, "One", changes[1].Title)
}

func TestProcessEvents_RegularBeforeRecurring(t *testing.T) {
	env, _ := newTestEnv(t)
	proc := NewProcessor(env, Options{})

	changes, err := proc.ProcessEvents(context.Background(), owner, []*calendar.Event{
		baseEvent("b1", "Standup", "RRULE:FREQ=DAILY;COUNT=2"),
		standaloneEvent("e1", "Lunch"),
	})
	require.NoError(t, err)
	assert.Equal(t, []model.Operation{model.RegularCreated, model.SeriesCreated}, operations(changes))
}

func TestProcessEvents_ConversionsFromBareEvents(t *testing.T) {
	env, s := newTestEnv(t)
	proc := NewProcessor(env, Options{AtomicEvents: true})
	ctx := context.Background()

	_, err := proc.ProcessEvents(ctx, owner, []*calendar.Event{
		baseEvent("b1", "Standup", "RRULE:FREQ=DAILY;COUNT=3"),
		baseEvent("b2", "Retro", "RRULE:FREQ=WEEKLY;COUNT=2"),
	})
	require.NoError(t, err)
	b1, _ := seriesOf(t, s, "b1")

	detached := standaloneEvent(instanceID("b1", 4), "One-off")
	changes, err := proc.ProcessEvents(ctx, owner, []*calendar.Event{detached, cancelled("b2")})
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, model.SeriesDeleted, changes[0].Operation)
	assert.Equal(t, "[RECURRENCE_BASE, STANDALONE_CANCELLED]", changes[0].Transition.String())
	assert.Equal(t, "Retro", changes[0].Title)
	assert.Equal(t, model.RegularUpdated, changes[1].Operation)
	assert.Equal(t, "[RECURRENCE_INSTANCE, STANDALONE_CONFIRMED]", changes[1].Transition.String())

	got, found, err := s.Events(nil).FindOne(ctx, owner.User, detached.Id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Empty(t, got.ProviderRecurringEventID)
	assert.Nil(t, got.Recurrence)

	_, instances := seriesOf(t, s, "b1")
	assert.Len(t, instances, 2)
	assert.NotEqual(t, b1.ID, got.ID)

	_, found, err = s.Events(nil).FindOne(ctx, owner.User, "b2")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestProcessEvents_SkipsUnparsableRule(t *testing.T) {
	env, _ := newTestEnv(t)
	proc := NewProcessor(env, Options{})

	changes, err := proc.ProcessEvents(context.Background(), owner, []*calendar.Event{
		baseEvent("bad", "Broken", "RRULE:FREQ=DAILY;COUNT=0"),
		baseEvent("b1", "Fine", "RRULE:FREQ=DAILY;COUNT=2"),
	})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "Fine", changes[0].Title)
}

func TestProcessEvents_PropagatesTransitionError(t *testing.T) {
	env, _ := newTestEnv(t)
	proc := NewProcessor(env, Options{})
	ctx := context.Background()

	_, err := proc.ProcessEvents(ctx, owner, []*calendar.Event{standaloneEvent("x_20250310T120000Z", "One-off")})
	require.NoError(t, err)

	_, err = proc.ProcessEvents(ctx, owner, []*calendar.Event{detachedAsInstance()})
	require.Error(t, err)
	assert.True(t, IsTransitionError(err))
}

func TestProcessEvents_InstancePastCap(t *testing.T) {
	env, s := newTestEnv(t)
	proc := NewProcessor(env, Options{})
	ctx := context.Background()

	// The daily series expands to 730 occurrences, ending in March 2027.
	at := time.Date(2027, 6, 1, 9, 0, 0, 0, time.UTC)
	moved := &calendar.Event{
		Id:                recurrence.InstanceID("daily", at, false),
		Status:            "confirmed",
		Summary:           "Standup (late)",
		RecurringEventId:  "daily",
		OriginalStartTime: &calendar.EventDateTime{DateTime: at.Format(time.RFC3339)},
		Start:             &calendar.EventDateTime{DateTime: "2027-06-01T10:00:00Z"},
		End:               &calendar.EventDateTime{DateTime: "2027-06-01T10:30:00Z"},
	}
	changes, err := proc.ProcessEvents(ctx, owner, []*calendar.Event{
		standaloneEvent("s1", "Lunch"),
		baseEvent("daily", "Standup", "RRULE:FREQ=DAILY"),
		moved,
	})
	require.NoError(t, err)
	assert.Equal(t, []model.Operation{
		model.RegularCreated,
		model.SeriesCreated,
		model.InstanceCreated,
	}, operations(changes))

	base, _ := seriesOf(t, s, "daily")
	got, found, err := s.Events(nil).FindOne(ctx, owner.User, moved.Id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, base.ID, got.SeriesID())
}

func TestProcessEvents_SkipsInstanceOfSkippedBase(t *testing.T) {
	env, s := newTestEnv(t)
	proc := NewProcessor(env, Options{AtomicEvents: true})
	ctx := context.Background()

	exception := &calendar.Event{
		Id:               instanceID("bad", 4),
		Status:           "confirmed",
		Summary:          "Broken (moved)",
		RecurringEventId: "bad",
		Start:            &calendar.EventDateTime{DateTime: "2025-03-04T10:00:00Z"},
		End:              &calendar.EventDateTime{DateTime: "2025-03-04T10:30:00Z"},
	}
	changes, err := proc.ProcessEvents(ctx, owner, []*calendar.Event{
		standaloneEvent("s1", "Lunch"),
		baseEvent("bad", "Broken", "RRULE:FREQ=DAILY;COUNT=0"),
		exception,
	})
	require.NoError(t, err)
	assert.Equal(t, []model.Operation{model.RegularCreated}, operations(changes))

	for _, id := range []string{"bad", exception.Id} {
		_, found, err := s.Events(nil).FindOne(ctx, owner.User, id)
		require.NoError(t, err)
		assert.False(t, found, "%s stored", id)
	}
}

func TestProcessEventsTx_RollsBack(t *testing.T) {
	env, s := newTestEnv(t)
	proc := NewProcessor(env, Options{})
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	changes, err := proc.ProcessEventsTx(ctx, tx, owner, []*calendar.Event{
		standaloneEvent("e1", "Lunch"),
		baseEvent("b1", "Standup", "RRULE:FREQ=DAILY;COUNT=3"),
	})
	require.NoError(t, err)
	assert.Len(t, changes, 2)
	require.NoError(t, tx.Rollback())

	for _, id := range []string{"e1", "b1", instanceID("b1", 4)} {
		_, found, err := s.Events(nil).FindOne(ctx, owner.User, id)
		require.NoError(t, err)
		assert.False(t, found, "%s survived rollback", id)
	}

	_, err = proc.ProcessEventsTx(ctx, nil, owner, nil)
	assert.Error(t, err)
}

func TestImportSeries_KeepsExistingInstances(t *testing.T) {
	env, s := newTestEnv(t)
	ctx := context.Background()
	base := baseEvent("b1", "Standup", "RRULE:FREQ=DAILY;COUNT=3")

	first, err := env.Importer.ImportSeries(ctx, nil, owner.User, owner.Calendar, base)
	require.NoError(t, err)
	assert.Equal(t, 4, first.TotalSaved)

	again, err := env.Importer.ImportSeries(ctx, nil, owner.User, owner.Calendar, base)
	require.NoError(t, err)
	assert.Equal(t, 0, again.TotalSaved)
	assert.Equal(t, first.BaseID, again.BaseID)

	_, instances := seriesOf(t, s, "b1")
	assert.Len(t, instances, 3)
}
