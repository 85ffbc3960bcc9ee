package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/docharvest/internal/harvest"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageHarvestStart Stage = "HARVEST_START"
	StageHarvestDone  Stage = "HARVEST_DONE"
	StageHarvestError Stage = "HARVEST_ERROR"
)

// Event captures one harvest lifecycle milestone.
type Event struct {
	// WorkID identifies the WorkItem the event belongs to.
	WorkID string `json:"work_id"`
	// TS is the UTC time the milestone was reached.
	TS      time.Time          `json:"ts"`
	Stage   Stage              `json:"stage"`
	Project string             `json:"project_id"`
	Source  string             `json:"source_id"`
	Kind    harvest.SourceKind `json:"kind,omitempty"`
	Trigger harvest.Trigger    `json:"trigger,omitempty"`
	// Documents tallies per-document outcomes on completion events.
	Documents    map[harvest.DocumentStatus]int `json:"documents,omitempty"`
	ChangeEvents int                            `json:"change_events,omitempty"`
	// Dur is the harvest duration on completion events.
	Dur time.Duration `json:"duration_ns,omitempty"`
	// Note carries the error text of failed harvests.
	Note string `json:"note,omitempty"`
}

// Key returns the source the event refers to.
func (e Event) Key() harvest.SourceKey {
	return harvest.SourceKey{ProjectID: e.Project, SourceID: e.Source}
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.WorkID == "" {
		return errors.New("work id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageHarvestStart, StageHarvestDone, StageHarvestError:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
