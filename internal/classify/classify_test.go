package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/calendar/v3"

	"compasscal/internal/model"
)

func TestProvider_ExactlyOneCategory(t *testing.T) {
	cases := []struct {
		name  string
		event *calendar.Event
		want  model.Category
	}{
		{"standalone", &calendar.Event{Id: "a"}, model.Standalone},
		{"base", &calendar.Event{Id: "b", Recurrence: []string{"RRULE:FREQ=DAILY"}}, model.RecurrenceBase},
		{"instance", &calendar.Event{Id: "b_20250101", RecurringEventId: "b"}, model.RecurrenceInstance},
		{"instance with stray rule", &calendar.Event{Id: "c", RecurringEventId: "b", Recurrence: []string{"RRULE:FREQ=DAILY"}}, model.RecurrenceInstance},
		{"blank recurrence lines", &calendar.Event{Id: "d", Recurrence: []string{"", "  "}}, model.Standalone},
		{"cancelled bare id", &calendar.Event{Id: "e", Status: "cancelled"}, model.Standalone},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hits := 0
			for _, pred := range []func(*calendar.Event) bool{IsBase, IsInstance, IsRegular} {
				if pred(tc.event) {
					hits++
				}
			}
			assert.Equal(t, 1, hits, "exactly one predicate must hold")
			assert.Equal(t, tc.want, Provider(tc.event))
		})
	}
}

func TestLocal(t *testing.T) {
	base := model.Event{ID: "l1", Recurrence: &model.Recurrence{Rule: []string{"RRULE:FREQ=WEEKLY"}, EventID: "l1"}}
	inst := model.Event{ID: "l2", ProviderRecurringEventID: "g1", Recurrence: &model.Recurrence{EventID: "l1"}}
	regular := model.Event{ID: "l3"}

	assert.Equal(t, model.RecurrenceBase, Local(base))
	assert.Equal(t, model.RecurrenceInstance, Local(inst))
	assert.Equal(t, model.Standalone, Local(regular))

	assert.True(t, IsLocalRegular(base.Standalone()))
	assert.True(t, IsLocalRegular(inst.Standalone()))
}
