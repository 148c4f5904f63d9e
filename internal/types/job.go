// Package types holds the persisted and in-memory shapes the control
// plane moves around: Job, ResourceAllocation, WorkerPresence, plus
// the JobView DTO the submitter surface's query operation returns.
package types

import "time"

type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// TerminalJobStates lists the states from which a Job never moves
// again; cleanup queries join against this set.
var TerminalJobStates = []JobState{JobCompleted, JobFailed, JobCancelled}

func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Job is the unit of work submitted by a caller. Mutations after
// create belong to the worker pool, scheduler, and cleanup strategies;
// the submitter surface's only later write is a cancel request.
type Job struct {
	ID uint `gorm:"primaryKey;autoIncrement" json:"id"`

	Script      string            `gorm:"type:text;not null" json:"-"`
	WorkDir     string            `gorm:"size:1024" json:"work_dir"`
	StdoutPath  string            `gorm:"size:1024" json:"stdout_path"`
	StderrPath  string            `gorm:"size:1024" json:"stderr_path"`
	Environment map[string]string `gorm:"serializer:json" json:"environment"`

	NTasksPerNode     int    `json:"ntasks_per_node"`
	CPUsPerTask       int    `json:"cpus_per_task"`
	MemoryPerNode     int64  `json:"memory_per_node"`
	TimeLimitMinutes  int    `json:"time_limit_minutes"`
	Partition         string `gorm:"size:255" json:"partition"`
	Account           string `gorm:"size:255" json:"account"`
	Exclusive         bool   `json:"exclusive"`

	SubmitTime   time.Time  `gorm:"index" json:"submit_time"`
	EligibleTime time.Time  `json:"eligible_time"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`

	NodeList string `gorm:"size:255" json:"node_list"`
	ExitCode string `gorm:"size:32" json:"exit_code"`
	ErrorMsg string `gorm:"type:text" json:"error_msg,omitempty"`

	State JobState `gorm:"size:32;index;not null;default:pending" json:"state"`
}

func (Job) TableName() string { return "jobs" }

// TotalCPUsRequired is ntasks_per_node * cpus_per_task, the quantity
// admission is decided on.
func (j *Job) TotalCPUsRequired() int {
	if j == nil {
		return 0
	}
	return j.NTasksPerNode * j.CPUsPerTask
}

// JobView composes a Job with its allocation and the content of its
// declared output files. Absent files read as empty strings, never as
// an error.
type JobView struct {
	Job        Job                 `json:"job"`
	Allocation *ResourceAllocation `json:"allocation,omitempty"`
	Stdout     string              `json:"stdout"`
	Stderr     string              `json:"stderr"`
}

// DashboardStats is the aggregate the dashboard() operation returns.
type DashboardStats struct {
	CountsByState map[JobState]int64 `json:"counts_by_state"`
	TotalCPUs     int                `json:"total_cpus"`
	AllocatedCPUs int                `json:"allocated_cpus"`
	Utilization   float64            `json:"utilization"`
	Nodes         []string           `json:"nodes"`
	RecentRunning []Job              `json:"recent_running"`
	RecentPending []Job              `json:"recent_pending"`
}
