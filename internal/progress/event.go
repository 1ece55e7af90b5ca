// Package progress defines the event structures emitted by the capture pipeline.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported pipeline stages.
const (
	StageSlotCreated   Stage = "slot_created"
	StageSlotDestroyed Stage = "slot_destroyed"
	StageSlotAcquired  Stage = "slot_acquired"
	StageSlotReleased  Stage = "slot_released"
	StageJobQueued     Stage = "job_queued"
	StageJobStarted    Stage = "job_started"
	StageJobRetried    Stage = "job_retried"
	StageJobStalled    Stage = "job_stalled"
	StageJobCompleted  Stage = "job_completed"
	StageJobFailed     Stage = "job_failed"
	StageAlertRejected Stage = "alert_rejected"
)

var knownStages = []Stage{
	StageSlotCreated, StageSlotDestroyed, StageSlotAcquired, StageSlotReleased,
	StageJobQueued, StageJobStarted, StageJobRetried, StageJobStalled, StageJobCompleted, StageJobFailed,
	StageAlertRejected,
}

// NoteLeaseExpired marks job events raised by the stalled-job sweep rather
// than by the worker that owned the job.
const NoteLeaseExpired = "lease_expired"

// Event captures a single pool or job state change.
type Event struct {
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// JobID is the capture job (and alert) id for job stages.
	JobID string
	// TenantID scopes job and admission events.
	TenantID string
	// SlotID identifies the browser slot for slot stages.
	SlotID string
	// Strategy tags completed captures with the strategy that produced them.
	Strategy string
	// Attempt is the 1-based attempt number for job stages.
	Attempt int
	// Dur captures capture latency for completions and slot lifetimes for destroys.
	Dur time.Duration
	// Note carries low-volume context such as a rejection reason.
	Note string
}

func (s Stage) isSlot() bool {
	switch s {
	case StageSlotCreated, StageSlotDestroyed, StageSlotAcquired, StageSlotReleased:
		return true
	}
	return false
}

func (s Stage) isJob() bool {
	switch s {
	case StageJobQueued, StageJobStarted, StageJobRetried, StageJobStalled, StageJobCompleted, StageJobFailed:
		return true
	}
	return false
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch {
	case e.Stage.isSlot():
		if e.SlotID == "" {
			return fmt.Errorf("%s requires slot id", e.Stage)
		}
	case e.Stage.isJob():
		if e.JobID == "" {
			return fmt.Errorf("%s requires job id", e.Stage)
		}
	case e.Stage == StageAlertRejected:
		if e.TenantID == "" {
			return errors.New("alert_rejected requires tenant id")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
