package models

import "time"

// ScheduledJob is a background job definition together with the state of its
// last run.
type ScheduledJob struct {
	Slug           string     `json:"slug"`
	Handler        string     `json:"handler"`
	Schedule       string     `json:"schedule"`
	TimeoutSeconds int        `json:"timeoutSeconds,omitempty"`
	RunOnStartup   bool       `json:"runOnStartup,omitempty"`
	LastRunAt      *time.Time `json:"lastRunAt,omitempty"`
	NextRunAt      *time.Time `json:"nextRunAt,omitempty"`
	LastStatus     string     `json:"lastStatus,omitempty"`
	LastError      *string    `json:"lastError,omitempty"`
	LastDurationMS int64      `json:"lastDurationMs,omitempty"`
	Runs           int64      `json:"runs"`
}

// Clone returns a deep copy so callers cannot mutate scheduler state.
func (j *ScheduledJob) Clone() *ScheduledJob {
	if j == nil {
		return nil
	}
	c := *j
	if j.LastRunAt != nil {
		t := *j.LastRunAt
		c.LastRunAt = &t
	}
	if j.NextRunAt != nil {
		t := *j.NextRunAt
		c.NextRunAt = &t
	}
	if j.LastError != nil {
		msg := *j.LastError
		c.LastError = &msg
	}
	return &c
}
