package progress

import (
	"time"

	"github.com/JakeFAU/docharvest/internal/harvest"
)

// WorkTracker records WorkItem state and can look items up by ID.
type WorkTracker interface {
	Started(id string, at time.Time)
	Finished(id string, result harvest.WorkResult, at time.Time)
	Item(id string) (harvest.WorkItem, bool)
}

// Tracker forwards lifecycle callbacks to a WorkTracker and emits an Event
// for each of them.
type Tracker struct {
	next    WorkTracker
	emitter Emitter
}

// NewTracker wraps next. A nil emitter only forwards.
func NewTracker(next WorkTracker, emitter Emitter) *Tracker {
	return &Tracker{next: next, emitter: emitter}
}

// Started implements dispatcher.Tracker.
func (t *Tracker) Started(id string, at time.Time) {
	t.next.Started(id, at)
	if t.emitter == nil {
		return
	}
	item, _ := t.next.Item(id)
	t.emitter.Emit(newEvent(id, item, StageHarvestStart, at))
}

// Finished implements dispatcher.Tracker.
func (t *Tracker) Finished(id string, result harvest.WorkResult, at time.Time) {
	item, _ := t.next.Item(id)
	t.next.Finished(id, result, at)
	if t.emitter == nil {
		return
	}
	stage := StageHarvestDone
	if result.Err != nil {
		stage = StageHarvestError
	}
	evt := newEvent(id, item, stage, at)
	evt.Documents = result.Counts()
	evt.ChangeEvents = result.ChangeEvents
	evt.Note = result.ErrorText
	if item.StartedAt != nil && at.After(*item.StartedAt) {
		evt.Dur = at.Sub(*item.StartedAt)
	}
	t.emitter.Emit(evt)
}

func newEvent(id string, item harvest.WorkItem, stage Stage, at time.Time) Event {
	return Event{
		WorkID:  id,
		TS:      at.UTC(),
		Stage:   stage,
		Project: item.Source.ProjectID,
		Source:  item.Source.ID,
		Kind:    item.Source.Kind,
		Trigger: item.Trigger,
	}
}
