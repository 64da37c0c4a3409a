package book

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a Project.
type Status string

const (
	StatusDraft       Status = "draft"
	StatusStructured  Status = "structured"
	StatusAnalyzed    Status = "analyzed"
	StatusSynthesized Status = "synthesized"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

var statusRank = map[Status]int{
	StatusDraft:       0,
	StatusStructured:  1,
	StatusAnalyzed:    2,
	StatusSynthesized: 3,
	StatusCompleted:   4,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	if s == StatusFailed {
		return true
	}
	_, ok := statusRank[s]
	return ok
}

// CanAdvance reports whether moving from s to next keeps forward progression.
// Failed is reachable from any state, and a failed project may be moved to any
// state again by re-running a stage.
func (s Status) CanAdvance(next Status) bool {
	if !next.Valid() || !s.Valid() {
		return false
	}
	if next == StatusFailed || s == StatusFailed {
		return true
	}
	return statusRank[next] >= statusRank[s]
}

// AtLeast reports whether s is at or past other in the forward progression.
func (s Status) AtLeast(other Status) bool {
	r, ok := statusRank[s]
	if !ok {
		return false
	}
	return r >= statusRank[other]
}

// Project is the unit of persistence and concurrency isolation.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	BookPath  string    `json:"book_path,omitempty"`
	AudioDir  string    `json:"audio_dir,omitempty"`
	// PriorStatus is the last committed status before the project failed.
	PriorStatus Status `json:"prior_status,omitempty"`
	// LastStage and LastError describe the most recent stage that failed.
	LastStage string `json:"last_stage,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Effective returns the status stage preconditions are checked against: the
// committed status, or the one a failed project held before failing.
func (p *Project) Effective() Status {
	if p.Status == StatusFailed {
		if p.PriorStatus == "" {
			return StatusDraft
		}
		return p.PriorStatus
	}
	return p.Status
}

// Fail marks the project failed while remembering the state it can resume from.
func (p *Project) Fail(stage string, cause error, now time.Time) {
	if p.Status != StatusFailed {
		p.PriorStatus = p.Status
	}
	p.Status = StatusFailed
	p.LastStage = stage
	if cause != nil {
		p.LastError = cause.Error()
	}
	p.UpdatedAt = now
}

// Recover clears any recorded failure and puts the project back in the
// status it held before failing, stamping UpdatedAt.
func (p *Project) Recover(now time.Time) {
	p.Status = p.Effective()
	p.PriorStatus = ""
	p.LastStage = ""
	p.LastError = ""
	p.UpdatedAt = now
}

// Transition moves the project to next, stamping UpdatedAt.
func (p *Project) Transition(next Status, now time.Time) error {
	if !p.Status.CanAdvance(next) {
		return fmt.Errorf("illegal transition %s -> %s", p.Status, next)
	}
	p.Status = next
	p.UpdatedAt = now
	if next != StatusFailed {
		p.PriorStatus = ""
		p.LastStage = ""
		p.LastError = ""
	}
	return nil
}
